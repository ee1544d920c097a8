package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"murmur/internal/audio"
)

// WhisperClient calls an OpenAI-compatible /v1/audio/transcriptions
// endpoint serving a Whisper-class decoder. Waveforms are shipped as an
// in-memory WAV; responses use the verbose_json format so segment and
// word timestamps come back.
type WhisperClient struct {
	url     string
	model   string
	timeout time.Duration
	client  *http.Client
}

// NewWhisperClient creates the decoder HTTP client. model is the model
// name forwarded to the sidecar; timeout bounds one full decode.
func NewWhisperClient(url, model string, timeout time.Duration) *WhisperClient {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &WhisperClient{
		url:     url,
		model:   model,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// Model returns the model name this client decodes with.
func (wc *WhisperClient) Model() string { return wc.model }

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words"`
}

type whisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []whisperSegment `json:"segments"`
	Words    []Word           `json:"words"`
}

// Transcribe sends the waveform to the decoder sidecar. Only non-default
// parameters are written to the form, so any OpenAI-compatible server
// (speaches, faster-whisper-server) accepts the request.
func (wc *WhisperClient) Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty waveform")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio.WAVBytes(samples, audio.TargetRate)); err != nil {
		return nil, fmt.Errorf("write audio data: %w", err)
	}

	if wc.model != "" {
		w.WriteField("model", wc.model)
	}

	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	w.WriteField("language", lang)
	w.WriteField("temperature", fmt.Sprintf("%.2f", opts.Temperature))
	w.WriteField("response_format", "verbose_json")

	if opts.WordTimestamps {
		w.WriteField("timestamp_granularities[]", "word")
		w.WriteField("timestamp_granularities[]", "segment")
	}
	if opts.Translate {
		w.WriteField("task", "translate")
	}
	if opts.BeamSize > 0 {
		w.WriteField("beam_size", fmt.Sprintf("%d", opts.BeamSize))
	}
	if opts.InitialPrompt != "" {
		w.WriteField("prompt", opts.InitialPrompt)
	}
	if opts.VadFilter {
		w.WriteField("vad_filter", "true")
	}

	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.url, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper API error (status %d): %s", resp.StatusCode, string(body))
	}

	var raw whisperResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return assembleResult(&raw, opts.CancellationCheck)
}

// assembleResult converts the wire response into a Result, polling the
// cancellation check between segments.
func assembleResult(raw *whisperResponse, cancelled func() bool) (*Result, error) {
	res := &Result{
		Language: raw.Language,
		Duration: raw.Duration,
		Segments: make([]Segment, 0, len(raw.Segments)),
	}

	var text strings.Builder
	for _, s := range raw.Segments {
		if cancelled != nil && cancelled() {
			return nil, ErrCancelled
		}
		seg := Segment{
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
			Words: s.Words,
		}
		// Some servers report words only at the top level; distribute
		// them by containment.
		if len(seg.Words) == 0 && len(raw.Words) > 0 {
			for _, wd := range raw.Words {
				if wd.Start >= s.Start && wd.Start < s.End {
					seg.Words = append(seg.Words, wd)
				}
			}
		}
		res.Segments = append(res.Segments, seg)
		if text.Len() > 0 {
			text.WriteByte(' ')
		}
		text.WriteString(seg.Text)
	}

	res.Text = text.String()
	if res.Text == "" {
		res.Text = strings.TrimSpace(raw.Text)
	}
	return res, nil
}
