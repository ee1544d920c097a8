package vad

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DetectorOptions configures the combined detector.
type DetectorOptions struct {
	Screen    *EnergyScreen
	Neural    Classifier
	Threshold float64 // neural probability above which a window is speech

	// DeactivityMode switches end-of-speech detection to the neural
	// classifier (stricter). Otherwise stage 1 with all-frames-voiced
	// decides.
	DeactivityMode bool

	Log zerolog.Logger
}

// Detector combines the fast screen and the neural classifier. Voice is
// active iff both agree. The neural stage runs on a background worker so
// the audio-feed path never blocks; until it answers, the last neural
// verdict is reused.
type Detector struct {
	screen    *EnergyScreen
	neural    Classifier
	threshold float64
	deactive  bool
	log       zerolog.Logger

	mu         sync.Mutex
	lastNeural bool
	pending    []float32

	work chan []float32
	stop chan struct{}
	done chan struct{}
}

// NewDetector creates the detector and starts the stage-2 worker.
func NewDetector(opts DetectorOptions) *Detector {
	if opts.Threshold == 0 {
		opts.Threshold = 0.5
	}
	d := &Detector{
		screen:    opts.Screen,
		neural:    opts.Neural,
		threshold: opts.Threshold,
		deactive:  opts.DeactivityMode,
		log:       opts.Log,
		work:      make(chan []float32, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go d.worker()
	return d
}

// Feed processes one audio chunk and reports whether voice is currently
// active. Never blocks on the neural stage.
func (d *Detector) Feed(chunk []float32) bool {
	fast := d.screen.AnyFrameVoiced(chunk)

	d.mu.Lock()
	d.pending = append(d.pending, chunk...)
	if len(d.pending) >= WindowSamples {
		window := make([]float32, WindowSamples)
		copy(window, d.pending[len(d.pending)-WindowSamples:])
		d.pending = d.pending[:0]
		select {
		case d.work <- window:
		default:
			// Worker busy; the last verdict stands.
		}
	}
	neural := d.lastNeural
	d.mu.Unlock()

	if !fast {
		return false // definite silence, no need to consult stage 2
	}
	return neural
}

// SpeechEnded reports whether the chunk indicates end of speech. In
// deactivity mode the neural verdict decides; otherwise stage 1 must see
// every frame unvoiced.
func (d *Detector) SpeechEnded(chunk []float32) bool {
	if d.deactive {
		d.mu.Lock()
		neural := d.lastNeural
		d.mu.Unlock()
		return !neural
	}
	return !d.screen.AnyFrameVoiced(chunk)
}

// ResetStates clears recurrent classifier state and the remembered
// verdict. Must be called on every recording boundary.
func (d *Detector) ResetStates() {
	d.mu.Lock()
	d.lastNeural = false
	d.pending = d.pending[:0]
	d.mu.Unlock()
	d.neural.Reset()
}

// Close stops the stage-2 worker.
func (d *Detector) Close() {
	close(d.stop)
	<-d.done
}

func (d *Detector) worker() {
	defer close(d.done)
	for {
		select {
		case <-d.stop:
			return
		case window := <-d.work:
			ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
			p, err := d.neural.SpeechProbability(ctx, window)
			cancel()
			if err != nil {
				d.log.Warn().Err(err).Msg("neural vad classify failed")
				continue
			}
			d.mu.Lock()
			d.lastNeural = p >= d.threshold
			d.mu.Unlock()
		}
	}
}

// TrimSilence walks a waveform in fixed windows and drops windows the
// classifier scores below threshold. Used for file-mode preprocessing. If
// nothing is voiced the original waveform is returned unchanged; the
// decoder must never be handed empty audio.
func TrimSilence(ctx context.Context, samples []float32, neural Classifier, threshold float64) []float32 {
	if len(samples) < WindowSamples {
		return samples
	}
	if threshold == 0 {
		threshold = 0.5
	}

	voiced := make([]float32, 0, len(samples))
	for off := 0; off < len(samples); off += WindowSamples {
		end := off + WindowSamples
		if end > len(samples) {
			end = len(samples)
		}
		window := samples[off:end]
		p, err := neural.SpeechProbability(ctx, window)
		if err != nil {
			return samples // classifier unavailable: keep everything
		}
		if p >= threshold {
			voiced = append(voiced, window...)
		}
	}
	if len(voiced) == 0 {
		return samples
	}
	return voiced
}
