// Package diarize assigns speaker labels to transcribed words. The
// segmentation model runs in an inference sidecar; this package owns the
// client and the word-alignment rules.
package diarize

import (
	"context"
	"errors"
)

// ErrMissingToken indicates the model cannot be fetched because no
// HuggingFace token is configured. Reported at model-load time, never
// from a request path.
var ErrMissingToken = errors.New("diarization requires a HuggingFace token (HUGGINGFACE_TOKEN or diarization.hf_token)")

// Turn is one speaker interval, labeled SPEAKER_00, SPEAKER_01, …
type Turn struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
}

// Options constrain the speaker count for one run. Zero values mean
// unconstrained.
type Options struct {
	NumSpeakers int
	MinSpeakers int
	MaxSpeakers int
}

// Engine partitions a 16 kHz mono waveform into speaker turns.
type Engine interface {
	Diarize(ctx context.Context, samples []float32, opts Options) ([]Turn, int, error)
}
