package live

import (
	"context"
	"sync"
	"time"

	"murmur/internal/audio"
	"murmur/internal/metrics"
	"murmur/internal/models"
	"murmur/internal/stt"
	"murmur/internal/vad"
)

// DetectorFactory builds the VAD for one session's sensitivity settings.
type DetectorFactory func(webrtcSensitivity int) *vad.Detector

// queueSize bounds the outbound message queue. The engine never blocks
// on a slow client; overflow drops the message with a warning.
const queueSize = 256

// HistoryEntry is one finalized sentence.
type HistoryEntry struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Session is one Live Mode run. Messages() carries every frame the
// client should see, in the order the engine produced them.
type Session struct {
	c   *Controller
	cfg SessionConfig

	out      chan Message
	outMu    sync.Mutex
	outDone  bool
	recorder *stt.Recorder
	detector *vad.Detector

	histMu  sync.Mutex
	history []HistoryEntry

	decodeMu sync.Mutex // one decode in flight at a time

	partialMu     sync.Mutex
	partialFrames []float32

	armed    chan struct{} // closed once the recorder is listening
	stopOnce sync.Once
	stopped  chan struct{}

	slotOnce sync.Once
	slotFree func() // releases the job slot held for the model swap
}

func newSession(c *Controller, cfg SessionConfig) *Session {
	return &Session{
		c:       c,
		cfg:     cfg,
		out:     make(chan Message, queueSize),
		armed:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Messages is the outbound frame stream. Closed when the session ends.
func (s *Session) Messages() <-chan Message { return s.out }

func (s *Session) emit(typ string, data any) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.outDone {
		return
	}
	select {
	case s.out <- newMessage(typ, data):
	default:
		metrics.LiveMessagesDroppedTotal.Inc()
		s.c.opts.Log.Warn().Str("type", typ).Msg("live message queue full, dropping")
	}
}

// run performs the model swap and arms the recorder.
func (s *Session) run() {
	opts := s.c.opts
	mgr := opts.Manager

	same := mgr.IsSameModel(s.cfg.Model, mgr.MainModelName())
	s.emit("status", map[string]any{"same_model": same})

	ctx, cancel := contextWithTimeout(2 * time.Minute)
	defer cancel()

	s.emit("status", "Unloading main model…")
	if err := mgr.UnloadTranscriptionModel(ctx); err != nil {
		// Absent main model is fine; the live model still loads.
		opts.Log.Warn().Err(err).Msg("main model unload before live session failed")
	}

	s.emit("status", "Loading live model…")
	if err := mgr.LoadLiveModel(ctx, models.ModelSpec{
		Name:        s.cfg.Model,
		Device:      opts.LiveDevice,
		ComputeType: opts.LiveCompute,
		BatchSize:   opts.LiveBatchSize,
	}); err != nil {
		s.freeSlot()
		s.emit("error", map[string]string{"message": err.Error()})
		s.Stop()
		return
	}
	// The swap is done; uploads may queue behind the slot again (and
	// fail fast on the missing main model until the session ends).
	s.freeSlot()

	s.detector = opts.NewDetector(s.cfg.WebRTCSensitivity)
	s.recorder = stt.NewRecorder(stt.RecorderOptions{
		Detector:                   s.detector,
		PostSpeechSilenceDuration:  opts.PostSilence,
		MinLengthOfRecording:       opts.MinLength,
		PreRecordingBufferDuration: opts.PreRoll,
		OnStateChange: func(_, to stt.State) {
			// The inactive blip between sentences is internal; the
			// client sees STOPPED only when the session really ends.
			if to == stt.StateInactive {
				return
			}
			s.emit("state", map[string]string{"state": stateName(to)})
		},
		OnRecordedChunk: s.collectPartial,
		Log:             opts.Log,
	})
	s.recorder.Listen()
	close(s.armed)

	// A stop that raced the swap still gets a clean teardown.
	select {
	case <-s.stopped:
		s.recorder.Stop()
		s.detector.Close()
	default:
	}
}

func stateName(st stt.State) string {
	switch st {
	case stt.StateListening:
		return "LISTENING"
	case stt.StateRecording:
		return "RECORDING"
	case stt.StateTranscribing:
		return "TRANSCRIBING"
	default:
		return "STOPPED"
	}
}

// Feed accepts one chunk of PCM from the client. Non-16 kHz input is
// resampled. Completed recordings are decoded off the feed path.
func (s *Session) Feed(samples []float32, sampleRate int) {
	select {
	case <-s.stopped:
		return
	default:
	}
	select {
	case <-s.armed:
	default:
		return // model swap still in progress
	}

	if sampleRate != 0 && sampleRate != audio.TargetRate {
		samples = audio.Resample(samples, sampleRate, audio.TargetRate)
	}

	waveform, done := s.recorder.Feed(samples)
	if !done {
		s.maybeEmitPartial()
		return
	}
	go s.decodeSentence(waveform)
}

// collectPartial mirrors recorded chunks for early partial decodes.
func (s *Session) collectPartial(chunk []float32) {
	s.partialMu.Lock()
	s.partialFrames = append(s.partialFrames, chunk...)
	s.partialMu.Unlock()
}

// maybeEmitPartial decodes the in-progress recording when enough new
// audio accumulated since the last partial. Skipped when a decode is
// already in flight.
func (s *Session) maybeEmitPartial() {
	interval := s.c.opts.EarlySilence
	if interval <= 0 {
		interval = 1.5
	}

	s.partialMu.Lock()
	frames := s.partialFrames
	enough := float64(len(frames))/float64(audio.TargetRate) >= interval
	if enough {
		frames = append([]float32(nil), frames...)
		s.partialFrames = s.partialFrames[:0]
	}
	s.partialMu.Unlock()
	if !enough {
		return
	}

	if !s.decodeMu.TryLock() {
		return
	}
	go func() {
		defer s.decodeMu.Unlock()
		text, err := s.decode(frames)
		if err != nil {
			s.c.opts.Log.Warn().Err(err).Msg("partial decode failed")
			return
		}
		if text != "" {
			s.emit("partial", map[string]string{"text": text})
		}
	}()
}

// decodeSentence finalizes one recording into a sentence event.
func (s *Session) decodeSentence(waveform []float32) {
	defer func() {
		s.recorder.Finish()
		select {
		case <-s.stopped:
		default:
			s.recorder.Listen()
		}
	}()

	s.decodeMu.Lock()
	defer s.decodeMu.Unlock()

	s.partialMu.Lock()
	s.partialFrames = s.partialFrames[:0]
	s.partialMu.Unlock()

	text, err := s.decode(waveform)
	if err != nil {
		s.emit("error", map[string]string{"message": err.Error()})
		return
	}
	if text == "" {
		return
	}
	text = stt.Postprocess(text, s.c.opts.Postprocess)

	entry := HistoryEntry{Text: text, Timestamp: time.Now().UnixMilli()}
	s.histMu.Lock()
	s.history = append(s.history, entry)
	s.histMu.Unlock()

	s.emit("sentence", entry)
}

func (s *Session) decode(waveform []float32) (string, error) {
	dec, err := s.c.opts.Manager.LiveDecoder()
	if err != nil {
		return "", err
	}

	ctx, cancel := contextWithTimeout(time.Minute)
	defer cancel()

	res, err := dec.Transcribe(ctx, waveform, stt.Options{
		Language:  s.cfg.Language,
		Translate: s.cfg.TranslationEnabled,
		BeamSize:  s.c.opts.BeamSize,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// History sends the accumulated sentences to the client.
func (s *Session) History() {
	s.histMu.Lock()
	entries := append([]HistoryEntry(nil), s.history...)
	s.histMu.Unlock()
	s.emit("history", map[string]any{"sentences": entries})
}

// ClearHistory drops the accumulated sentences.
func (s *Session) ClearHistory() {
	s.histMu.Lock()
	s.history = nil
	s.histMu.Unlock()
	s.emit("history_cleared", nil)
}

// Ping answers a keepalive.
func (s *Session) Ping() {
	s.emit("pong", nil)
}

// freeSlot releases the job slot reserved for the model swap. Safe to
// call more than once.
func (s *Session) freeSlot() {
	s.slotOnce.Do(func() {
		if s.slotFree != nil {
			s.slotFree()
		}
	})
}

// Stop ends the session: stops the recorder, emits the final state, and
// triggers the background main-model reload. Safe to call more than
// once; disconnects funnel here too.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.freeSlot()
		select {
		case <-s.armed:
			s.recorder.Stop()
			s.detector.Close()
		default:
			// Session never finished arming; nothing to tear down.
		}
		s.emit("state", map[string]string{"state": "STOPPED"})

		s.outMu.Lock()
		s.outDone = true
		close(s.out)
		s.outMu.Unlock()

		s.c.release(s)
	})
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
