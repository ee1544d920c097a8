package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ModelSpec describes one decoder to the serving process.
type ModelSpec struct {
	Name        string `json:"model"`
	Device      string `json:"device,omitempty"`
	ComputeType string `json:"compute_type,omitempty"`
	BatchSize   int    `json:"batch_size,omitempty"`
}

// GPUStatus is the serving process's resource report.
type GPUStatus struct {
	Device       string  `json:"device"`
	GPUAvailable bool    `json:"gpu_available"`
	VRAMUsedMB   float64 `json:"vram_used_mb"`
	VRAMTotalMB  float64 `json:"vram_total_mb"`
}

// ControlClient drives model lifecycle on the decoder serving process:
// load, unload (with GPU cache clear), and resource status.
type ControlClient interface {
	LoadModel(ctx context.Context, spec ModelSpec) error
	UnloadModel(ctx context.Context, name string) error
	Status(ctx context.Context) (*GPUStatus, error)
}

// HTTPControlClient is the ControlClient against the sidecar's admin API.
type HTTPControlClient struct {
	baseURL string
	client  *http.Client
}

// NewControlClient creates the admin client. Loads can pull model
// weights from disk into VRAM, so the timeout is generous.
func NewControlClient(baseURL string) *HTTPControlClient {
	return &HTTPControlClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *HTTPControlClient) LoadModel(ctx context.Context, spec ModelSpec) error {
	return c.post(ctx, "/models/load", spec)
}

// UnloadModel releases the model and instructs the serving process to
// clear its GPU cache so the memory is actually returned.
func (c *HTTPControlClient) UnloadModel(ctx context.Context, name string) error {
	return c.post(ctx, "/models/unload", map[string]any{
		"model":       name,
		"clear_cache": true,
	})
}

func (c *HTTPControlClient) Status(ctx context.Context) (*GPUStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model status (status %d): %s", resp.StatusCode, string(body))
	}

	var out GPUStatus
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode model status: %w", err)
	}
	return &out, nil
}

func (c *HTTPControlClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("model control %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("model control %s (status %d): %s", path, resp.StatusCode, string(msg))
	}
	return nil
}
