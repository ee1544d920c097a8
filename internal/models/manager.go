// Package models owns model lifecycle: which decoders are resident in
// the serving process, the diarization model, and the single-flight job
// slot gating every transcription.
package models

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"murmur/internal/stt"
)

// DecoderFactory builds a decoder client bound to one model name.
type DecoderFactory func(model string) stt.Decoder

// DiarizerController is the load/unload surface of the diarization
// engine.
type DiarizerController interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// ManagerOptions wires the Manager's collaborators.
type ManagerOptions struct {
	Control    ControlClient
	NewDecoder DecoderFactory
	Diarizer   DiarizerController
	Log        zerolog.Logger
}

type loadedModel struct {
	spec ModelSpec
	dec  stt.Decoder
}

// Manager is the singleton owning the three optional model handles:
// main (large decoder), live (small low-latency decoder), diarization.
// Handles are mutated only here; request paths are serialized behind
// the JobTracker before touching a model.
type Manager struct {
	opts ManagerOptions

	mu         sync.Mutex
	main       *loadedModel
	live       *loadedModel
	diarLoaded bool
}

// Status reports model residency and the serving process's resources.
type Status struct {
	MainModel        *string    `json:"main_model"`
	LiveModel        *string    `json:"live_model"`
	DiarizationReady bool       `json:"diarization_ready"`
	GPU              *GPUStatus `json:"gpu,omitempty"`
}

// NewManager creates the manager with no models resident.
func NewManager(opts ManagerOptions) *Manager {
	return &Manager{opts: opts}
}

// LoadTranscriptionModel makes the main decoder resident.
func (m *Manager) LoadTranscriptionModel(ctx context.Context, spec ModelSpec) error {
	if err := m.opts.Control.LoadModel(ctx, spec); err != nil {
		return fmt.Errorf("load transcription model %q: %w", spec.Name, err)
	}
	m.mu.Lock()
	m.main = &loadedModel{spec: spec, dec: m.opts.NewDecoder(spec.Name)}
	m.mu.Unlock()
	m.opts.Log.Info().Str("model", spec.Name).Msg("main transcription model loaded")
	return nil
}

// UnloadTranscriptionModel releases the main decoder and its GPU
// memory. Callers must not invoke this while a job holds the slot.
func (m *Manager) UnloadTranscriptionModel(ctx context.Context) error {
	m.mu.Lock()
	cur := m.main
	m.main = nil
	m.mu.Unlock()

	if cur == nil {
		return nil
	}
	if err := m.opts.Control.UnloadModel(ctx, cur.spec.Name); err != nil {
		return fmt.Errorf("unload transcription model %q: %w", cur.spec.Name, err)
	}
	m.opts.Log.Info().Str("model", cur.spec.Name).Msg("main transcription model unloaded")
	return nil
}

// ReloadTranscriptionModel loads the last main model spec again. Used
// after Live Mode to restore normal transcription.
func (m *Manager) ReloadTranscriptionModel(ctx context.Context, fallback ModelSpec) error {
	m.mu.Lock()
	spec := fallback
	if m.main != nil {
		spec = m.main.spec
	}
	m.mu.Unlock()
	return m.LoadTranscriptionModel(ctx, spec)
}

// LoadLiveModel makes the Live Mode decoder resident.
func (m *Manager) LoadLiveModel(ctx context.Context, spec ModelSpec) error {
	if err := m.opts.Control.LoadModel(ctx, spec); err != nil {
		return fmt.Errorf("load live model %q: %w", spec.Name, err)
	}
	m.mu.Lock()
	m.live = &loadedModel{spec: spec, dec: m.opts.NewDecoder(spec.Name)}
	m.mu.Unlock()
	m.opts.Log.Info().Str("model", spec.Name).Msg("live model loaded")
	return nil
}

// UnloadLiveModel releases the Live Mode decoder.
func (m *Manager) UnloadLiveModel(ctx context.Context) error {
	m.mu.Lock()
	cur := m.live
	m.live = nil
	m.mu.Unlock()

	if cur == nil {
		return nil
	}
	if err := m.opts.Control.UnloadModel(ctx, cur.spec.Name); err != nil {
		return fmt.Errorf("unload live model %q: %w", cur.spec.Name, err)
	}
	return nil
}

// LoadDiarizationModel makes the diarization model resident. A missing
// HuggingFace token surfaces here as a configuration error, never from
// a request path.
func (m *Manager) LoadDiarizationModel(ctx context.Context) error {
	m.mu.Lock()
	already := m.diarLoaded
	m.mu.Unlock()
	if already {
		return nil
	}
	if m.opts.Diarizer == nil {
		return fmt.Errorf("diarization not configured")
	}
	if err := m.opts.Diarizer.Load(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	m.diarLoaded = true
	m.mu.Unlock()
	m.opts.Log.Info().Msg("diarization model loaded")
	return nil
}

// UnloadDiarizationModel releases the diarization model.
func (m *Manager) UnloadDiarizationModel(ctx context.Context) error {
	m.mu.Lock()
	loaded := m.diarLoaded
	m.diarLoaded = false
	m.mu.Unlock()

	if !loaded || m.opts.Diarizer == nil {
		return nil
	}
	return m.opts.Diarizer.Unload(ctx)
}

// IsSameModel reports whether two model names resolve to the same model
// files. Comparison is case-insensitive and ignores surrounding space.
func (m *Manager) IsSameModel(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// MainDecoder returns the resident main decoder. An absent model is an
// engine failure the caller surfaces as 500.
func (m *Manager) MainDecoder() (stt.Decoder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.main == nil {
		return nil, fmt.Errorf("main transcription model not loaded")
	}
	return m.main.dec, nil
}

// MainModelName returns the resident main model's name, or "".
func (m *Manager) MainModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.main == nil {
		return ""
	}
	return m.main.spec.Name
}

// LiveDecoder returns the resident Live Mode decoder.
func (m *Manager) LiveDecoder() (stt.Decoder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return nil, fmt.Errorf("live model not loaded")
	}
	return m.live.dec, nil
}

// GetStatus reports residency plus the serving process's GPU report.
// Resource query failure degrades the report rather than failing it.
func (m *Manager) GetStatus(ctx context.Context) Status {
	m.mu.Lock()
	st := Status{DiarizationReady: m.diarLoaded}
	if m.main != nil {
		name := m.main.spec.Name
		st.MainModel = &name
	}
	if m.live != nil {
		name := m.live.spec.Name
		st.LiveModel = &name
	}
	m.mu.Unlock()

	gpu, err := m.opts.Control.Status(ctx)
	if err != nil {
		m.opts.Log.Warn().Err(err).Msg("model status query failed")
	} else {
		st.GPU = gpu
	}
	return st
}
