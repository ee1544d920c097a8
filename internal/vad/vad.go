// Package vad implements the two-stage voice activity detector used by the
// streaming recorder: a fast energy screen over 10 ms frames and a neural
// classifier confirming on a background worker.
package vad

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"
)

// FrameSamples is the stage-1 frame length at 16 kHz (10 ms).
const FrameSamples = 160

// WindowSamples is the stage-2 classifier window (32 ms at 16 kHz).
const WindowSamples = 512

// Classifier produces a speech probability for one window of audio.
// Implementations wrap an opaque inference service; they may block for
// milliseconds and are therefore only ever called from the stage-2 worker.
type Classifier interface {
	// SpeechProbability returns p(speech) in [0, 1] for a 16 kHz window.
	SpeechProbability(ctx context.Context, window []float32) (float64, error)

	// Reset clears any recurrent state. Called on recording boundaries.
	Reset()
}

// EnergyScreen is the stage-1 fast frame classifier. Sensitivity 0 (least
// aggressive filtering) to 3 (most) maps to an RMS threshold.
type EnergyScreen struct {
	threshold float64
}

// NewEnergyScreen builds the screen for a sensitivity level 0–3.
func NewEnergyScreen(sensitivity int) *EnergyScreen {
	if sensitivity < 0 {
		sensitivity = 0
	}
	if sensitivity > 3 {
		sensitivity = 3
	}
	// Thresholds tuned against 16-bit speech at normal levels.
	thresholds := []float64{0.0025, 0.005, 0.01, 0.02}
	return &EnergyScreen{threshold: thresholds[sensitivity]}
}

// IsSpeech reports whether a single 10 ms frame clears the energy bar.
func (s *EnergyScreen) IsSpeech(frame []float32) bool {
	return rms(frame) >= s.threshold
}

// AllFramesVoiced reports whether every complete 10 ms frame in chunk
// clears the bar. Used for end-of-speech detection outside deactivity
// mode.
func (s *EnergyScreen) AllFramesVoiced(chunk []float32) bool {
	if len(chunk) < FrameSamples {
		return false
	}
	for off := 0; off+FrameSamples <= len(chunk); off += FrameSamples {
		if !s.IsSpeech(chunk[off : off+FrameSamples]) {
			return false
		}
	}
	return true
}

// AnyFrameVoiced reports whether any complete 10 ms frame clears the bar.
func (s *EnergyScreen) AnyFrameVoiced(chunk []float32) bool {
	for off := 0; off+FrameSamples <= len(chunk); off += FrameSamples {
		if s.IsSpeech(chunk[off : off+FrameSamples]) {
			return true
		}
	}
	return false
}

func rms(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	w := make([]float64, len(window))
	for i, s := range window {
		w[i] = float64(s)
	}
	return math.Sqrt(floats.Dot(w, w) / float64(len(w)))
}
