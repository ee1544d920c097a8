// Package stt holds the transcription engine: the decoder client, the
// streaming recorder state machine, and the file-mode transcription path.
package stt

import (
	"context"
	"errors"
)

// ErrCancelled is returned by decoders when a cancellation check fires
// between output segments. The HTTP layer maps it to 499.
var ErrCancelled = errors.New("transcription cancelled by user")

// Word is one decoded word with timing.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is one decoded segment with timing and its words, when word
// timestamps were requested.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words,omitempty"`
}

// Result is a completed transcription.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Options are per-call decoder parameters. Request paths pass these
// explicitly; nothing on the engine is mutated per request.
type Options struct {
	Language       string
	Translate      bool // decode in translation mode (target English)
	WordTimestamps bool
	BeamSize       int
	InitialPrompt  string
	VadFilter      bool
	Temperature    float64

	// CancellationCheck, when set, is polled between output segments.
	// Returning true aborts the decode with ErrCancelled.
	CancellationCheck func() bool
}

// Decoder turns a 16 kHz mono waveform into a transcription.
type Decoder interface {
	Transcribe(ctx context.Context, samples []float32, opts Options) (*Result, error)
}
