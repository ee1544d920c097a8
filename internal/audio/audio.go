// Package audio handles format conversion, resampling, and normalization.
// Two backends exist: "ffmpeg" shells out to the transcoder binary
// (preferred for batch quality), "legacy" is a pure-Go fallback used where
// the binary is unavailable or sub-50ms latency matters.
package audio

import (
	"context"
	"fmt"
)

// TargetRate is the decoder input rate. Everything downstream of audio I/O
// works on 16 kHz mono float32.
const TargetRate = 16000

// Backend converts on-disk audio to normalized waveforms and MP3 artifacts.
type Backend interface {
	// LoadAudio decodes path into mono float32 samples at targetRate.
	LoadAudio(ctx context.Context, path string, targetRate int) ([]float32, int, error)

	// ConvertToMP3 transcodes src into an MP3 at dst with the given bitrate
	// in kbit/s.
	ConvertToMP3(ctx context.Context, src, dst string, bitrate int) error

	// Name returns the backend identifier ("ffmpeg" or "legacy").
	Name() string
}

// Options selects the backend and normalization method.
type Options struct {
	Backend             string // "ffmpeg" or "legacy"
	NormalizationMethod string // "peak", "loudnorm", "dynaudnorm"
}

// New constructs the configured backend. Selecting ffmpeg without the
// binary installed is a configuration error at startup, not at request
// time.
func New(opts Options) (Backend, error) {
	switch opts.Backend {
	case "", "ffmpeg":
		if !CheckFFmpeg() {
			return nil, fmt.Errorf("audio backend %q selected but ffmpeg not found in PATH", "ffmpeg")
		}
		return &FFmpegBackend{Normalization: opts.NormalizationMethod}, nil
	case "legacy":
		return &LegacyBackend{}, nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", opts.Backend)
	}
}

// Int16ToFloat32 converts PCM Int16 samples to float32 in [-1, 1].
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts float32 samples to PCM Int16 with clamping.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// Resample converts samples from srcRate to dstRate by linear
// interpolation. Good enough for the streaming path where latency beats
// fidelity; the batch path resamples inside the transcoder instead.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(srcRate) / float64(dstRate)
	n := int(float64(len(samples)) / ratio)
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
	}
	return out
}
