package audio

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(freq float64, rate, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestResample(t *testing.T) {
	in := sine(440, 48000, 48000)
	out := Resample(in, 48000, 16000)
	assert.InDelta(t, 16000, len(out), 2)

	// Same rate is a pass-through.
	same := Resample(in, 16000, 16000)
	assert.Equal(t, len(in), len(same))
}

func TestInt16Float32RoundTrip(t *testing.T) {
	in := []int16{0, 16384, -16384, 32767, -32768}
	f := Int16ToFloat32(in)
	back := Float32ToInt16(f)
	for i := range in {
		assert.InDelta(t, in[i], back[i], 2)
	}
}

func TestFloat32ToInt16Clamps(t *testing.T) {
	out := Float32ToInt16([]float32{1.5, -1.5})
	assert.Equal(t, int16(32767), out[0])
	assert.Equal(t, int16(-32767), out[1])
}

func TestPeakNormalize(t *testing.T) {
	samples := sine(440, 16000, 1600)
	PeakNormalize(samples, -3)

	peak := float32(0)
	for _, s := range samples {
		if a := float32(math.Abs(float64(s))); a > peak {
			peak = a
		}
	}
	want := math.Pow(10, -3.0/20)
	assert.InDelta(t, want, float64(peak), 0.01)

	// Silence is untouched.
	silence := make([]float32, 100)
	PeakNormalize(silence, -3)
	for _, s := range silence {
		assert.Zero(t, s)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	in := sine(440, 16000, 8000)
	require.NoError(t, WriteWAV(path, in, 16000))

	out, rate, err := decodeWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	require.Len(t, out, len(in))
	for i := 0; i < len(in); i += 500 {
		assert.InDelta(t, in[i], out[i], 0.001)
	}
}

func TestLegacyBackendLoadsWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")
	require.NoError(t, WriteWAV(path, sine(440, 48000, 48000), 48000))

	b := &LegacyBackend{}
	samples, rate, err := b.LoadAudio(context.Background(), path, 16000)
	require.NoError(t, err)
	assert.Equal(t, 16000, rate)
	assert.InDelta(t, 16000, len(samples), 2)
}

func TestLegacyBackendRejectsUnknownFormat(t *testing.T) {
	b := &LegacyBackend{}
	_, _, err := b.LoadAudio(context.Background(), "clip.ogg", 16000)
	require.Error(t, err)
}

func TestEncodeMP3ProducesPlayableFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tone.mp3")
	require.NoError(t, EncodeMP3(src, sine(440, 16000, 32000), 16000))

	dur, err := MP3Duration(src)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, dur, 0.25)

	samples, rate, err := decodeMP3(src)
	require.NoError(t, err)
	assert.Greater(t, len(samples), 0)
	assert.Greater(t, rate, 0)
}
