package audio

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultPeakTarget is the peak normalization target in dBFS.
const DefaultPeakTarget = -3.0

// PeakNormalize scales samples in place so the absolute peak hits
// targetDBFS. Silence (peak ~0) is left untouched.
func PeakNormalize(samples []float32, targetDBFS float64) {
	if len(samples) == 0 {
		return
	}
	peak := float32(0)
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	if peak < 1e-6 {
		return
	}
	target := float32(math.Pow(10, targetDBFS/20))
	gain := target / peak
	for i := range samples {
		samples[i] *= gain
	}
}

// RMSEnergy returns the root-mean-square energy of a window.
func RMSEnergy(window []float32) float64 {
	if len(window) == 0 {
		return 0
	}
	w64 := make([]float64, len(window))
	for i, s := range window {
		w64[i] = float64(s)
	}
	return math.Sqrt(floats.Dot(w64, w64) / float64(len(w64)))
}
