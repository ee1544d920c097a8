package notebook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// SweepOrphans removes audio files in the audio dir that no recording
// row references. Deletion is DB-first, so a crash between the row
// delete and the file delete leaves exactly this kind of orphan.
// Returns the removed file names.
func (s *Service) SweepOrphans(ctx context.Context) ([]string, error) {
	recs, err := s.opts.DB.ListRecordings(ctx, nil, nil)
	if err != nil {
		return nil, err
	}
	referenced := make(map[string]bool, len(recs))
	for _, r := range recs {
		referenced[filepath.Clean(r.Filepath)] = true
	}

	entries, err := os.ReadDir(s.opts.AudioDir)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mp3") {
			continue
		}
		path := filepath.Clean(filepath.Join(s.opts.AudioDir, e.Name()))
		if referenced[path] {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.opts.Log.Warn().Err(err).Str("file", e.Name()).Msg("orphan sweep remove failed")
			continue
		}
		s.opts.Log.Info().Str("file", e.Name()).Msg("orphan audio file removed")
		removed = append(removed, e.Name())
	}
	return removed, nil
}
