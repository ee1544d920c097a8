// Package live implements Live Mode: a single global low-latency
// transcription session that swaps the main decoder out for a smaller
// model and streams sentence-by-sentence results over a WebSocket.
package live

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"murmur/internal/models"
	"murmur/internal/stt"
)

var (
	// ErrSessionActive is returned when a second session tries to start.
	ErrSessionActive = errors.New("a live session is already active")
	// ErrTranslationUnsupported is returned for translation requests
	// against an English-only model, or a non-English target.
	ErrTranslationUnsupported = errors.New("model does not support translation to the requested language")
)

// ErrSlotBusy is returned when a session start loses to an in-flight
// transcription holding the job slot.
type ErrSlotBusy struct {
	ActiveUser string
}

func (e *ErrSlotBusy) Error() string {
	return "a transcription is already in progress for " + e.ActiveUser
}

// SlotReserver serializes model mutations behind the single
// transcription slot.
type SlotReserver interface {
	TryStartJob(clientName string) (ok bool, jobID int64, activeUser string)
	EndJob(jobID int64)
}

// Message is one server→client frame. Timestamp is unix milliseconds.
type Message struct {
	Type      string `json:"type"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func newMessage(typ string, data any) Message {
	return Message{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()}
}

// SessionConfig is the client's start request.
type SessionConfig struct {
	Model                     string  `json:"model"`
	Language                  string  `json:"language"`
	TranslationEnabled        bool    `json:"translation_enabled"`
	TranslationTargetLanguage string  `json:"translation_target_language"`
	WebRTCSensitivity         int     `json:"webrtc_sensitivity"`
	SileroSensitivity         float64 `json:"silero_sensitivity"`
}

// ControllerOptions wires the Live Mode controller.
type ControllerOptions struct {
	Manager *models.Manager

	// Jobs guards the model swap; an in-flight transcription refuses the
	// session start. Nil skips reservation.
	Jobs SlotReserver

	// Defaults fill unset fields of the client's start request.
	DefaultModel  string
	DefaultLang   string
	LiveDevice    string
	LiveCompute   string
	LiveBatchSize int
	BeamSize      int
	PostSilence   float64 // post_speech_silence_duration
	EarlySilence  float64 // early_transcription_on_silence
	MinLength     float64
	PreRoll       float64
	WebRTCDefault int
	Postprocess   stt.PostprocessOptions
	MainModelSpec models.ModelSpec // reload target after stop
	NewDetector   DetectorFactory
	Log           zerolog.Logger
}

// Controller guards the single global session.
type Controller struct {
	opts ControllerOptions

	mu      sync.Mutex
	session *Session
}

// NewController creates the controller with no active session.
func NewController(opts ControllerOptions) *Controller {
	return &Controller{opts: opts}
}

// validateTranslation enforces the v1 translation rules: English target
// only, and never on an English-only (".en") model.
func validateTranslation(cfg SessionConfig) error {
	if !cfg.TranslationEnabled {
		return nil
	}
	if cfg.TranslationTargetLanguage != "" && !strings.EqualFold(cfg.TranslationTargetLanguage, "en") {
		return ErrTranslationUnsupported
	}
	if strings.HasSuffix(strings.ToLower(cfg.Model), ".en") {
		return ErrTranslationUnsupported
	}
	return nil
}

// Start begins the global session: emits the same-model check, swaps the
// main decoder for the live model, and arms the recorder. The returned
// session's Messages channel carries everything the client should see.
func (c *Controller) Start(cfg SessionConfig) (*Session, error) {
	if cfg.Model == "" {
		cfg.Model = c.opts.DefaultModel
	}
	if cfg.Language == "" {
		cfg.Language = c.opts.DefaultLang
	}
	if cfg.WebRTCSensitivity == 0 {
		cfg.WebRTCSensitivity = c.opts.WebRTCDefault
	}
	if err := validateTranslation(cfg); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return nil, ErrSessionActive
	}

	// The swap unloads the main decoder, so it must win the job slot;
	// yanking the model out from under an in-flight decode is forbidden.
	var free func()
	if c.opts.Jobs != nil {
		ok, jobID, activeUser := c.opts.Jobs.TryStartJob("live")
		if !ok {
			c.mu.Unlock()
			return nil, &ErrSlotBusy{ActiveUser: activeUser}
		}
		free = func() { c.opts.Jobs.EndJob(jobID) }
	}

	s := newSession(c, cfg)
	s.slotFree = free
	c.session = s
	c.mu.Unlock()

	go s.run()
	return s, nil
}

// Active reports whether a session currently holds the slot.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// release frees the slot and reloads the main model in the background so
// normal transcription can resume. A failed reload surfaces on the next
// transcribe call, not here.
func (c *Controller) release(s *Session) {
	c.mu.Lock()
	if c.session == s {
		c.session = nil
	}
	c.mu.Unlock()

	go func() {
		ctx, cancel := contextWithTimeout(2 * time.Minute)
		defer cancel()
		if err := c.opts.Manager.UnloadLiveModel(ctx); err != nil {
			c.opts.Log.Warn().Err(err).Msg("live model unload failed")
		}
		if err := c.opts.Manager.ReloadTranscriptionModel(ctx, c.opts.MainModelSpec); err != nil {
			c.opts.Log.Error().Err(err).Msg("main model reload after live session failed")
		}
	}()
}
