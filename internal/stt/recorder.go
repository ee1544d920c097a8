package stt

import (
	"sync"

	"github.com/rs/zerolog"

	"murmur/internal/audio"
	"murmur/internal/vad"
)

// State is the recorder's lifecycle state.
type State string

const (
	StateInactive     State = "inactive"
	StateListening    State = "listening"
	StateRecording    State = "recording"
	StateTranscribing State = "transcribing"
)

// RecorderOptions configures the streaming recorder. Durations are in
// seconds of 16 kHz audio; timing is derived from sample counts, not
// wall clocks, so behavior is deterministic under uneven feed rates.
type RecorderOptions struct {
	Detector *vad.Detector

	PostSpeechSilenceDuration  float64 // silence that ends a recording
	MinLengthOfRecording       float64 // recordings shorter than this keep going
	MinGapBetweenRecordings    float64 // dead time after a recording ends
	PreRecordingBufferDuration float64 // pre-roll kept while listening
	MaxSilenceDuration         float64 // silence beyond this is trimmed from frames
	NormalizeAudio             bool

	// OnStateChange observes every transition. Optional.
	OnStateChange func(from, to State)
	// OnRecordedChunk observes every chunk appended to the frame list.
	// Optional. Used by Live Mode for early partial decodes.
	OnRecordedChunk func(chunk []float32)

	Log zerolog.Logger
}

// Recorder is the streaming state machine: inactive → listening →
// recording → transcribing → inactive. Feed is the single entry point
// for audio; it never blocks on the VAD's neural stage.
type Recorder struct {
	opts RecorderOptions

	mu    sync.Mutex
	state State

	preRoll    []float32 // ring of audio preceding the voice trigger
	maxPreRoll int

	frames         []float32
	silenceSamples int // contiguous trailing silence
	trimming       bool
	gapSamples     int // countdown before the next trigger is honored
}

// NewRecorder builds a recorder in the inactive state.
func NewRecorder(opts RecorderOptions) *Recorder {
	return &Recorder{
		opts:       opts,
		state:      StateInactive,
		maxPreRoll: secondsToSamples(opts.PreRecordingBufferDuration),
	}
}

func secondsToSamples(s float64) int {
	return int(s * float64(audio.TargetRate))
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Listen arms the recorder. Resets VAD state; the recorder starts
// screening fed audio for voice.
func (r *Recorder) Listen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateInactive {
		return
	}
	r.preRoll = r.preRoll[:0]
	r.frames = nil
	r.silenceSamples = 0
	r.trimming = false
	r.opts.Detector.ResetStates()
	r.transitionLocked(StateListening)
}

// Feed processes one chunk of 16 kHz mono audio. When a recording
// completes, the concatenated (and optionally normalized) waveform is
// returned with done=true and the recorder enters transcribing; the
// caller decodes it and then calls Finish.
func (r *Recorder) Feed(chunk []float32) (waveform []float32, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateListening:
		r.feedListeningLocked(chunk)
		return nil, false
	case StateRecording:
		return r.feedRecordingLocked(chunk)
	default:
		return nil, false
	}
}

func (r *Recorder) feedListeningLocked(chunk []float32) {
	if r.gapSamples > 0 {
		r.gapSamples -= len(chunk)
		r.pushPreRollLocked(chunk)
		return
	}

	voiced := r.opts.Detector.Feed(chunk)
	if !voiced {
		r.pushPreRollLocked(chunk)
		return
	}

	// Voice onset: drain the pre-roll so the first syllable survives.
	r.frames = append(r.frames, r.preRoll...)
	r.frames = append(r.frames, chunk...)
	r.preRoll = r.preRoll[:0]
	r.silenceSamples = 0
	r.transitionLocked(StateRecording)
	if r.opts.OnRecordedChunk != nil {
		r.opts.OnRecordedChunk(chunk)
	}
}

func (r *Recorder) feedRecordingLocked(chunk []float32) ([]float32, bool) {
	voiced := r.opts.Detector.Feed(chunk)

	if voiced {
		if r.trimming {
			r.trimming = false
		}
		r.silenceSamples = 0
		r.frames = append(r.frames, chunk...)
		if r.opts.OnRecordedChunk != nil {
			r.opts.OnRecordedChunk(chunk)
		}
		return nil, false
	}

	r.silenceSamples += len(chunk)

	// Extended silence: stop appending so long gaps never reach the
	// decoder, which hallucinates on them.
	maxSilence := secondsToSamples(r.opts.MaxSilenceDuration)
	if maxSilence > 0 && r.silenceSamples > maxSilence {
		if !r.trimming {
			r.trimming = true
			r.opts.Log.Debug().Msg("extended silence, trimming from recording")
		}
	} else {
		r.frames = append(r.frames, chunk...)
		if r.opts.OnRecordedChunk != nil {
			r.opts.OnRecordedChunk(chunk)
		}
	}

	if r.opts.Detector.SpeechEnded(chunk) &&
		r.silenceSamples >= secondsToSamples(r.opts.PostSpeechSilenceDuration) &&
		len(r.frames) >= secondsToSamples(r.opts.MinLengthOfRecording) {
		return r.completeLocked(), true
	}
	return nil, false
}

func (r *Recorder) completeLocked() []float32 {
	waveform := r.frames
	r.frames = nil
	r.trimming = false
	if r.opts.NormalizeAudio {
		audio.PeakNormalize(waveform, audio.DefaultPeakTarget)
	}
	r.transitionLocked(StateTranscribing)
	return waveform
}

// Finish returns the recorder to inactive after a decode, successful or
// not, and starts the min-gap countdown.
func (r *Recorder) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateTranscribing {
		return
	}
	r.gapSamples = secondsToSamples(r.opts.MinGapBetweenRecordings)
	r.transitionLocked(StateInactive)
}

// Stop aborts any in-flight recording and disarms the recorder.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateInactive {
		return
	}
	r.frames = nil
	r.preRoll = r.preRoll[:0]
	r.trimming = false
	r.transitionLocked(StateInactive)
}

// RecordedSeconds reports the length of the current frame list.
func (r *Recorder) RecordedSeconds() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return float64(len(r.frames)) / float64(audio.TargetRate)
}

func (r *Recorder) pushPreRollLocked(chunk []float32) {
	if r.maxPreRoll == 0 {
		return
	}
	r.preRoll = append(r.preRoll, chunk...)
	if over := len(r.preRoll) - r.maxPreRoll; over > 0 {
		r.preRoll = r.preRoll[over:]
	}
}

func (r *Recorder) transitionLocked(to State) {
	from := r.state
	r.state = to
	r.opts.Log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("recorder state")
	if r.opts.OnStateChange != nil {
		r.opts.OnStateChange(from, to)
	}
}
