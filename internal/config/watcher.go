package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Watcher re-reads the YAML config file when it changes on disk and
// delivers the new stt section to subscribers. Only the recorder tunables
// are hot-applied; server, model, and storage settings need a restart.
type Watcher struct {
	path  string
	log   zerolog.Logger
	apply func(STTConfig)
}

// NewWatcher creates a config file watcher. apply is called with the new
// stt section after every successful reload.
func NewWatcher(path string, apply func(STTConfig), log zerolog.Logger) *Watcher {
	return &Watcher{path: path, log: log, apply: apply}
}

// Run watches until ctx is cancelled. Missing config file is not an error;
// the watch simply does nothing until the file appears and changes.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory, not the file: editors replace files by rename,
	// which drops a direct file watch.
	if _, err := os.Stat(w.path); err != nil {
		return nil
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	// Editors fire several events per save; debounce.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending = time.After(250 * time.Millisecond)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("config watch error")
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn().Err(err).Msg("config reload: read failed")
		return
	}
	var f File
	f.STT = defaults().STT
	if err := yaml.Unmarshal(data, &f); err != nil {
		w.log.Warn().Err(err).Msg("config reload: parse failed, keeping previous settings")
		return
	}
	w.apply(f.STT)
	w.log.Info().
		Float64("post_speech_silence", f.STT.PostSpeechSilenceDuration).
		Float64("max_silence", f.STT.MaxSilenceDuration).
		Msg("stt tunables reloaded")
}
