package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"murmur/internal/audio"
	"murmur/internal/metrics"
	"murmur/internal/notebook"
	"murmur/internal/stt"
)

// The origin was already validated by the middleware chain; the
// upgrader must not second-guess it.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsAuthTimeout = 5 * time.Second

// wsMessage is one server→client frame. Timestamp is unix milliseconds.
type wsMessage struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// wsConn serializes writes; gorilla/websocket allows one writer at a
// time and frames arrive from both the read loop and decode goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(typ string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(wsMessage{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (c *wsConn) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}

// clientFrame is one client→server JSON frame.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsRequiresAuth reports whether the handshake must carry a token.
// Loopback connections bypass the token check even in TLS mode.
func (s *Server) wsRequiresAuth(r *http.Request) bool {
	if !s.opts.Config.Server.TLS.Enabled {
		return false
	}
	switch hostOnly(r.RemoteAddr) {
	case "localhost", "127.0.0.1", "::1":
		return false
	}
	return true
}

// wsHandshake performs the post-upgrade auth exchange: one JSON frame
// {type:"auth", token} within the timeout, answered with auth_ok, or
// auth_fail and close.
func (s *Server) wsHandshake(c *wsConn, r *http.Request) bool {
	if !s.wsRequiresAuth(r) {
		return true
	}

	c.conn.SetReadDeadline(time.Now().Add(wsAuthTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var frame struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := c.conn.ReadJSON(&frame); err != nil || frame.Type != "auth" {
		c.send("auth_fail", nil)
		return false
	}
	if _, ok := s.opts.Tokens.Validate(frame.Token); !ok {
		c.send("auth_fail", nil)
		return false
	}
	c.send("auth_ok", nil)
	return true
}

// parseAudioFrame decodes a binary audio frame: 4-byte LE metadata
// length, the metadata JSON, then PCM Int16 samples.
func parseAudioFrame(data []byte) (sampleRate int, samples []float32, err error) {
	if len(data) < 4 {
		return 0, nil, fmt.Errorf("audio frame too short: %d bytes", len(data))
	}
	metaLen := int(binary.LittleEndian.Uint32(data))
	if 4+metaLen > len(data) {
		return 0, nil, fmt.Errorf("metadata length %d exceeds frame", metaLen)
	}

	var meta struct {
		SampleRate int `json:"sample_rate"`
	}
	if metaLen > 0 {
		if err := json.Unmarshal(data[4:4+metaLen], &meta); err != nil {
			return 0, nil, fmt.Errorf("audio frame metadata: %w", err)
		}
	}

	pcm := data[4+metaLen:]
	samples = make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768
	}
	return meta.SampleRate, samples, nil
}

// handleWS is the streaming transcription protocol: binary audio frames
// drive the recorder state machine; each completed recording is decoded
// on the main model and answered as a transcription frame, or persisted
// to the notebook when longform auto-add is on.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	defer conn.Close()

	if !s.wsHandshake(c, r) {
		return
	}

	client := ClientName(r)
	cfg := s.opts.Config.CurrentSTT()
	detector := s.opts.NewDetector(cfg.WebRTCSensitivity)
	defer detector.Close()

	recorder := stt.NewRecorder(stt.RecorderOptions{
		Detector:                   detector,
		PostSpeechSilenceDuration:  cfg.PostSpeechSilenceDuration,
		MinLengthOfRecording:       cfg.MinLengthOfRecording,
		MinGapBetweenRecordings:    cfg.MinGapBetweenRecordings,
		PreRecordingBufferDuration: cfg.PreRecordingBufferDuration,
		MaxSilenceDuration:         cfg.MaxSilenceDuration,
		NormalizeAudio:             cfg.NormalizeAudio,
		OnStateChange: func(_, to stt.State) {
			c.send("state", map[string]string{"state": string(to)})
		},
		Log: s.log,
	})
	recorder.Listen()
	defer recorder.Stop()

	var decodeWG sync.WaitGroup
	defer decodeWG.Wait()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				c.sendError("invalid JSON frame")
				continue
			}
			switch frame.Type {
			case "auth":
				c.send("auth_ok", nil)
			case "ping":
				c.send("pong", nil)
			default:
				c.sendError("unknown message type: " + frame.Type)
			}
		case websocket.BinaryMessage:
			rate, samples, err := parseAudioFrame(data)
			if err != nil {
				c.sendError(err.Error())
				continue
			}
			if rate != 0 && rate != audio.TargetRate {
				samples = audio.Resample(samples, rate, audio.TargetRate)
			}
			waveform, done := recorder.Feed(samples)
			if done {
				decodeWG.Add(1)
				go func() {
					defer decodeWG.Done()
					defer func() {
						recorder.Finish()
						recorder.Listen()
					}()
					// Detached: a socket drop mid-decode must not
					// abort the decode or a notebook persist.
					s.decodeStreamed(context.WithoutCancel(r.Context()), c, client, waveform)
				}()
			}
		}
	}
}

// decodeStreamed runs one completed streamed recording through the job
// slot and the main decoder.
func (s *Server) decodeStreamed(ctx context.Context, c *wsConn, client string, waveform []float32) {
	ok, jobID, activeUser := s.opts.Jobs.TryStartJob(client)
	if !ok {
		metrics.JobSlotBusyTotal.Inc()
		c.sendError("A transcription is already in progress for " + activeUser)
		return
	}
	defer s.opts.Jobs.EndJob(jobID)

	if s.opts.Config.LongformRecording.AutoAddToAudioNotebook {
		s.persistStreamed(ctx, c, waveform)
		return
	}

	dec, err := s.opts.Manager.MainDecoder()
	if err != nil {
		c.sendError(err.Error())
		return
	}

	start := time.Now()
	res, err := s.opts.Engine.TranscribeWaveform(ctx, dec, waveform, stt.Options{
		CancellationCheck: s.opts.Jobs.IsCancelled,
	})
	if err != nil {
		metrics.TranscriptionsTotal.WithLabelValues("stream", "error").Inc()
		c.sendError(err.Error())
		return
	}
	metrics.TranscriptionsTotal.WithLabelValues("stream", "ok").Inc()
	metrics.TranscriptionDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())

	c.send("transcription", map[string]any{"text": res.Text})
}

// persistStreamed writes the recording into the notebook instead of
// returning the text: longform sessions build up the daily log.
func (s *Server) persistStreamed(ctx context.Context, c *wsConn, waveform []float32) {
	tmp, err := os.CreateTemp("", "murmur-stream-*.wav")
	if err != nil {
		c.sendError("buffer streamed recording: " + err.Error())
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(audio.WAVBytes(waveform, audio.TargetRate)); err != nil {
		tmp.Close()
		c.sendError("buffer streamed recording: " + err.Error())
		return
	}
	tmp.Close()

	res, err := s.opts.Notebook.Ingest(ctx, notebook.IngestRequest{
		TempPath:          tmp.Name(),
		OriginalFilename:  fmt.Sprintf("stream-%s.wav", uuid.NewString()[:8]),
		WordTimestamps:    true,
		CancellationCheck: s.opts.Jobs.IsCancelled,
	})
	if err != nil {
		c.sendError(err.Error())
		return
	}
	metrics.TranscriptionsTotal.WithLabelValues("stream", "ok").Inc()
	c.send("saved", map[string]any{
		"recording_id": res.RecordingID,
		"message":      res.Message,
	})
}
