package stt

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"murmur/internal/audio"
	"murmur/internal/vad"
)

// EngineOptions configures the file-mode transcription path.
type EngineOptions struct {
	Backend audio.Backend  // transcoder for loading uploads
	Neural  vad.Classifier // stage-2 classifier used for silence trim
	Post    PostprocessOptions
	Log     zerolog.Logger
}

// Engine is the file-mode path: load → VAD-trim → decode. It bypasses
// the recorder state machine entirely. The decoder is passed per call
// because the model manager owns which one is resident.
type Engine struct {
	opts EngineOptions
}

// NewEngine creates the file-mode engine.
func NewEngine(opts EngineOptions) *Engine {
	return &Engine{opts: opts}
}

// TranscribeFile loads an audio file, trims unvoiced regions, and runs
// the decoder. Text postprocessing is applied to segment and full text.
// Cancellation (via opts.CancellationCheck) surfaces as ErrCancelled.
func (e *Engine) TranscribeFile(ctx context.Context, dec Decoder, path string, opts Options) (*Result, error) {
	samples, _, err := e.opts.Backend.LoadAudio(ctx, path, audio.TargetRate)
	if err != nil {
		return nil, fmt.Errorf("load audio: %w", err)
	}
	return e.TranscribeWaveform(ctx, dec, samples, opts)
}

// TranscribeWaveform runs the trim + decode + postprocess pipeline on an
// already loaded 16 kHz mono waveform.
func (e *Engine) TranscribeWaveform(ctx context.Context, dec Decoder, samples []float32, opts Options) (*Result, error) {
	return e.TranscribeTrimmed(ctx, dec, e.Trim(ctx, samples), opts)
}

// Trim drops unvoiced regions using the stage-2 classifier. Without a
// classifier the waveform passes through unchanged.
func (e *Engine) Trim(ctx context.Context, samples []float32) []float32 {
	if e.opts.Neural == nil || len(samples) == 0 {
		return samples
	}
	trimmed := vad.TrimSilence(ctx, samples, e.opts.Neural, 0)
	if len(trimmed) < len(samples) {
		e.opts.Log.Debug().
			Int("before", len(samples)).
			Int("after", len(trimmed)).
			Msg("silence trimmed before decode")
	}
	return trimmed
}

// TranscribeTrimmed decodes a waveform the caller already trimmed.
// Callers that also diarize use Trim once and hand the same waveform to
// both the decoder and the diarizer, keeping word timing and speaker
// turns on one timeline.
func (e *Engine) TranscribeTrimmed(ctx context.Context, dec Decoder, samples []float32, opts Options) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty waveform")
	}

	res, err := dec.Transcribe(ctx, samples, opts)
	if err != nil {
		return nil, err
	}

	res.Text = Postprocess(res.Text, e.opts.Post)
	for i := range res.Segments {
		res.Segments[i].Text = Postprocess(res.Segments[i].Text, e.opts.Post)
	}
	return res, nil
}
