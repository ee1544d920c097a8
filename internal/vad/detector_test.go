package vad

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tone(n int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*200*float64(i)/16000))
	}
	return out
}

// fixedClassifier answers with a constant probability and counts resets.
type fixedClassifier struct {
	p      float64
	resets atomic.Int32
}

func (f *fixedClassifier) SpeechProbability(_ context.Context, _ []float32) (float64, error) {
	return f.p, nil
}
func (f *fixedClassifier) Reset() { f.resets.Add(1) }

func TestEnergyScreen(t *testing.T) {
	s := NewEnergyScreen(2)
	assert.True(t, s.IsSpeech(tone(FrameSamples, 0.3)))
	assert.False(t, s.IsSpeech(make([]float32, FrameSamples)))
	assert.True(t, s.AllFramesVoiced(tone(FrameSamples*4, 0.3)))
	assert.False(t, s.AllFramesVoiced(make([]float32, FrameSamples*4)))
}

func TestDetectorBothStagesMustAgree(t *testing.T) {
	cls := &fixedClassifier{p: 0.9}
	d := NewDetector(DetectorOptions{
		Screen: NewEnergyScreen(2),
		Neural: cls,
		Log:    zerolog.Nop(),
	})
	defer d.Close()

	// Silence: stage 1 vetoes regardless of stage 2.
	assert.False(t, d.Feed(make([]float32, WindowSamples)))

	// Loud audio: needs the neural verdict, which arrives asynchronously.
	require.Eventually(t, func() bool {
		return d.Feed(tone(WindowSamples, 0.3))
	}, time.Second, 5*time.Millisecond)

	// Neural stage flips to "not speech": detector follows once observed.
	cls.p = 0.1
	require.Eventually(t, func() bool {
		return !d.Feed(tone(WindowSamples, 0.3))
	}, time.Second, 5*time.Millisecond)
}

func TestDetectorResetClearsStateAndPropagates(t *testing.T) {
	cls := &fixedClassifier{p: 0.9}
	d := NewDetector(DetectorOptions{Screen: NewEnergyScreen(2), Neural: cls, Log: zerolog.Nop()})
	defer d.Close()

	require.Eventually(t, func() bool {
		return d.Feed(tone(WindowSamples, 0.3))
	}, time.Second, 5*time.Millisecond)

	d.ResetStates()
	assert.Equal(t, int32(1), cls.resets.Load())
	// Immediately after reset the remembered verdict is false.
	assert.False(t, d.Feed(tone(FrameSamples, 0.3)))
}

func TestSpeechEndedModes(t *testing.T) {
	cls := &fixedClassifier{p: 0.0}
	plain := NewDetector(DetectorOptions{Screen: NewEnergyScreen(2), Neural: cls, Log: zerolog.Nop()})
	defer plain.Close()

	assert.True(t, plain.SpeechEnded(make([]float32, FrameSamples*2)))
	assert.False(t, plain.SpeechEnded(tone(FrameSamples*2, 0.3)))

	strict := NewDetector(DetectorOptions{
		Screen: NewEnergyScreen(2), Neural: cls,
		DeactivityMode: true, Log: zerolog.Nop(),
	})
	defer strict.Close()
	// Deactivity mode: neural verdict (false) decides even for loud audio.
	assert.True(t, strict.SpeechEnded(tone(FrameSamples*2, 0.3)))
}

func TestTrimSilence(t *testing.T) {
	cls := &EnergyClassifier{}
	loud := tone(WindowSamples*4, 0.3)
	quiet := make([]float32, WindowSamples*4)

	mixed := append(append([]float32{}, quiet...), loud...)
	trimmed := TrimSilence(context.Background(), mixed, cls, 0.5)
	assert.Less(t, len(trimmed), len(mixed))
	assert.GreaterOrEqual(t, len(trimmed), len(loud))

	// All-silence input is returned unchanged, never empty.
	out := TrimSilence(context.Background(), quiet, cls, 0.5)
	assert.Equal(t, len(quiet), len(out))
}
