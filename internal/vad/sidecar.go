package vad

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

// SidecarClassifier calls a local inference sidecar serving a neural VAD
// model. The request body is raw little-endian float32 PCM at 16 kHz; the
// response is {"probability": <float>}.
type SidecarClassifier struct {
	url    string
	client *http.Client
}

// NewSidecarClassifier creates the HTTP classifier.
func NewSidecarClassifier(url string) *SidecarClassifier {
	return &SidecarClassifier{
		url:    url,
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *SidecarClassifier) SpeechProbability(ctx context.Context, window []float32) (float64, error) {
	buf := make([]byte, len(window)*4)
	for i, s := range window {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("vad sidecar: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("vad sidecar status %d: %s", resp.StatusCode, string(body))
	}

	var out struct {
		Probability float64 `json:"probability"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("vad sidecar response: %w", err)
	}
	return out.Probability, nil
}

// Reset posts a state reset to the sidecar. The neural model keeps
// recurrent state between windows; boundaries must clear it. Failure is
// tolerated; a stale state degrades accuracy, not correctness.
func (c *SidecarClassifier) Reset() {
	req, err := http.NewRequest(http.MethodPost, c.url+"/reset", nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// EnergyClassifier approximates the neural stage with a scaled RMS score.
// Used when no sidecar is configured so the two-stage contract still
// holds.
type EnergyClassifier struct {
	// Gain maps RMS energy to a pseudo-probability. Defaults to 20.
	Gain float64
}

func (c *EnergyClassifier) SpeechProbability(ctx context.Context, window []float32) (float64, error) {
	gain := c.Gain
	if gain == 0 {
		gain = 20
	}
	p := rms(window) * gain
	if p > 1 {
		p = 1
	}
	return p, nil
}

func (c *EnergyClassifier) Reset() {}
