package stt

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/vad"
)

// rawDecoder answers with deliberately messy text.
type rawDecoder struct{}

func (rawDecoder) Transcribe(context.Context, []float32, Options) (*Result, error) {
	return &Result{
		Text: "hello   world",
		Segments: []Segment{
			{Start: 0, End: 1, Text: "hello   world"},
			{Start: 1, End: 2, Text: "nice to   meet you"},
		},
	}, nil
}

func TestTranscribeTrimmedPostprocessesSegments(t *testing.T) {
	e := NewEngine(EngineOptions{
		Post: PostprocessOptions{
			EnsureStartingUppercase: true,
			EnsureEndsWithPeriod:    true,
		},
		Log: zerolog.Nop(),
	})

	res, err := e.TranscribeTrimmed(context.Background(), rawDecoder{}, make([]float32, 100), Options{})
	require.NoError(t, err)

	// Full text and every segment get the same cleanup.
	assert.Equal(t, "Hello world.", res.Text)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "Hello world.", res.Segments[0].Text)
	assert.Equal(t, "Nice to meet you.", res.Segments[1].Text)
}

func TestTranscribeTrimmedEmptyWaveform(t *testing.T) {
	e := NewEngine(EngineOptions{Log: zerolog.Nop()})
	_, err := e.TranscribeTrimmed(context.Background(), rawDecoder{}, nil, Options{})
	require.Error(t, err)
}

// zeroSilence scores all-zero windows as silence.
type zeroSilence struct{}

func (zeroSilence) SpeechProbability(_ context.Context, window []float32) (float64, error) {
	for _, s := range window {
		if s != 0 {
			return 0.9, nil
		}
	}
	return 0.1, nil
}

func (zeroSilence) Reset() {}

func TestTrimDropsSilentWindows(t *testing.T) {
	e := NewEngine(EngineOptions{Neural: zeroSilence{}, Log: zerolog.Nop()})

	const silent = vad.WindowSamples * 4
	const voiced = vad.WindowSamples * 8
	samples := make([]float32, silent+voiced)
	for i := silent; i < len(samples); i++ {
		samples[i] = 0.1
	}

	trimmed := e.Trim(context.Background(), samples)
	assert.Len(t, trimmed, voiced)
}

func TestTrimWithoutClassifierPassesThrough(t *testing.T) {
	e := NewEngine(EngineOptions{Log: zerolog.Nop()})
	samples := make([]float32, 1000)
	assert.Equal(t, samples, e.Trim(context.Background(), samples))
}
