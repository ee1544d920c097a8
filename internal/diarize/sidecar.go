package diarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"murmur/internal/audio"
)

// SidecarEngine calls a local inference sidecar serving the speaker
// segmentation model. Audio is shipped as an in-memory WAV; the response
// is {"turns": [...], "num_speakers": n}.
type SidecarEngine struct {
	url     string
	model   string
	hfToken string
	client  *http.Client
}

// NewSidecarEngine creates the diarization client. The token gate is
// enforced by Load, not here, so construction never fails.
func NewSidecarEngine(url, model, hfToken string, timeout time.Duration) *SidecarEngine {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &SidecarEngine{
		url:     url,
		model:   model,
		hfToken: hfToken,
		client:  &http.Client{Timeout: timeout},
	}
}

// Load asks the sidecar to fetch and load the model. The first load
// downloads weights, which requires the HuggingFace token; a missing
// token is a configuration error surfaced here.
func (e *SidecarEngine) Load(ctx context.Context) error {
	if e.hfToken == "" {
		return ErrMissingToken
	}

	body, err := json.Marshal(map[string]string{"model": e.model, "hf_token": e.hfToken})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/load", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("diarization load: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("diarization load (status %d): %s", resp.StatusCode, string(msg))
	}
	return nil
}

// Unload asks the sidecar to release the model.
func (e *SidecarEngine) Unload(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/unload", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("diarization unload: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (e *SidecarEngine) Diarize(ctx context.Context, samples []float32, opts Options) ([]Turn, int, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, 0, err
	}
	if _, err := part.Write(audio.WAVBytes(samples, audio.TargetRate)); err != nil {
		return nil, 0, err
	}

	if opts.NumSpeakers > 0 {
		w.WriteField("num_speakers", fmt.Sprintf("%d", opts.NumSpeakers))
	}
	if opts.MinSpeakers > 0 {
		w.WriteField("min_speakers", fmt.Sprintf("%d", opts.MinSpeakers))
	}
	if opts.MaxSpeakers > 0 {
		w.WriteField("max_speakers", fmt.Sprintf("%d", opts.MaxSpeakers))
	}
	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url+"/diarize", &buf)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("diarization request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("diarization error (status %d): %s", resp.StatusCode, string(body))
	}

	var out struct {
		Turns       []Turn `json:"turns"`
		NumSpeakers int    `json:"num_speakers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, 0, fmt.Errorf("decode diarization response: %w", err)
	}
	if out.NumSpeakers == 0 {
		seen := map[string]bool{}
		for _, t := range out.Turns {
			seen[t.Speaker] = true
		}
		out.NumSpeakers = len(seen)
	}
	return out.Turns, out.NumSpeakers, nil
}
