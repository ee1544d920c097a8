// Package notebook implements the audio-notebook flows: the upload →
// transcribe → persist pipeline, transcript export, and the orphan file
// sweep.
package notebook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"murmur/internal/audio"
	"murmur/internal/database"
	"murmur/internal/diarize"
	"murmur/internal/metrics"
	"murmur/internal/models"
	"murmur/internal/stt"
)

// ErrOverlap is returned when the requested time slot collides with an
// existing recording. Maps to 409.
type ErrOverlap struct {
	Existing string // display name of the colliding recording
}

func (e *ErrOverlap) Error() string {
	return fmt.Sprintf("recording overlaps with existing recording '%s'", e.Existing)
}

// Options wires the ingest pipeline.
type Options struct {
	DB       *database.DB
	Backend  audio.Backend
	Engine   *stt.Engine
	Manager  *models.Manager
	Diarizer diarize.Engine // nil disables diarization entirely

	AudioDir   string
	MP3Bitrate int

	DiarizeOpts     diarize.Options // config-level speaker constraints
	MaxSegmentChars int

	Log zerolog.Logger
}

// Service runs the notebook flows.
type Service struct {
	opts Options
}

// New creates the notebook service.
func New(opts Options) *Service {
	if opts.MP3Bitrate == 0 {
		opts.MP3Bitrate = 128
	}
	if opts.MaxSegmentChars == 0 {
		opts.MaxSegmentChars = 500
	}
	return &Service{opts: opts}
}

// IngestRequest is one upload to persist. TempPath is the buffered
// upload; the caller deletes it after Ingest returns.
type IngestRequest struct {
	TempPath         string
	OriginalFilename string
	Title            string
	FileCreatedAt    *time.Time
	WordTimestamps   bool
	Diarization      bool
	NumSpeakers      int

	// CancellationCheck is polled by the decoder between segments.
	CancellationCheck func() bool
}

// IngestResult reports the persisted recording.
type IngestResult struct {
	RecordingID int64  `json:"recording_id"`
	Message     string `json:"message"`
}

// Ingest runs the upload → persist pipeline. The caller already holds
// the job slot. Diarization failure is not fatal: the transcription is
// persisted without speakers and the failure logged.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	dec, err := s.opts.Manager.MainDecoder()
	if err != nil {
		return nil, err
	}

	samples, _, err := s.opts.Backend.LoadAudio(ctx, req.TempPath, audio.TargetRate)
	if err != nil {
		return nil, fmt.Errorf("load audio: %w", err)
	}
	duration := float64(len(samples)) / float64(audio.TargetRate)

	// Diarization needs word timing for alignment, regardless of the
	// client's preference.
	wantWords := req.WordTimestamps || req.Diarization

	// Trim once so word midpoints and speaker turns share a timeline;
	// the diarizer must see exactly what the decoder saw.
	trimmed := s.opts.Engine.Trim(ctx, samples)

	res, err := s.opts.Engine.TranscribeTrimmed(ctx, dec, trimmed, stt.Options{
		WordTimestamps:    wantWords,
		CancellationCheck: req.CancellationCheck,
	})
	if err != nil {
		return nil, err
	}

	segs, words, wordSeg := s.buildTranscript(ctx, res, trimmed, req)

	recordedAt := time.Now().UTC()
	if req.FileCreatedAt != nil {
		recordedAt = req.FileCreatedAt.UTC()
	}

	if existing, err := s.opts.DB.CheckTimeSlotOverlap(ctx, recordedAt, duration); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, &ErrOverlap{Existing: existing.DisplayName()}
	}

	dst, filename, err := s.persistAudio(ctx, req)
	if err != nil {
		return nil, err
	}

	rec := &database.Recording{
		Filename:        filename,
		Filepath:        dst,
		DurationSeconds: duration,
		RecordedAt:      recordedAt,
		ImportedAt:      time.Now().UTC(),
		HasDiarization:  hasSpeakers(segs),
	}
	if req.Title != "" {
		rec.Title = &req.Title
	}

	id, err := s.opts.DB.InsertRecording(ctx, rec)
	if err != nil {
		os.Remove(dst)
		return nil, err
	}
	if err := s.opts.DB.InsertTranscript(ctx, id, segs, words, wordSeg); err != nil {
		// Roll the whole ingest back: DB first, then the file.
		if derr := s.opts.DB.DeleteRecording(ctx, id); derr != nil {
			s.opts.Log.Error().Err(derr).Int64("recording_id", id).Msg("rollback delete failed")
		}
		os.Remove(dst)
		return nil, err
	}

	metrics.RecordingsIngestedTotal.Inc()
	s.opts.Log.Info().Int64("recording_id", id).Str("file", filename).
		Float64("duration", duration).Msg("recording ingested")
	return &IngestResult{
		RecordingID: id,
		Message:     fmt.Sprintf("Transcription saved as '%s'", rec.DisplayName()),
	}, nil
}

// buildTranscript converts decoder output (plus optional diarization)
// into database rows.
func (s *Service) buildTranscript(ctx context.Context, res *stt.Result, samples []float32, req IngestRequest) ([]database.Segment, []database.Word, []int) {
	if req.Diarization && s.opts.Diarizer != nil {
		if segs, words, wordSeg, ok := s.diarizedTranscript(ctx, res, samples, req); ok {
			return segs, words, wordSeg
		}
	}

	segs := make([]database.Segment, len(res.Segments))
	var words []database.Word
	var wordSeg []int
	for i, seg := range res.Segments {
		segs[i] = database.Segment{StartTime: seg.Start, EndTime: seg.End, Text: seg.Text}
		if req.WordTimestamps {
			for _, w := range seg.Words {
				words = append(words, database.Word{
					Word: strings.TrimSpace(w.Word), StartTime: w.Start, EndTime: w.End,
				})
				wordSeg = append(wordSeg, i)
			}
		}
	}
	return segs, words, wordSeg
}

// diarizedTranscript regroups the transcript by speaker. Returns ok=false
// on diarization failure so the caller falls back to plain segments.
func (s *Service) diarizedTranscript(ctx context.Context, res *stt.Result, samples []float32, req IngestRequest) ([]database.Segment, []database.Word, []int, bool) {
	if err := s.opts.Manager.LoadDiarizationModel(ctx); err != nil {
		s.opts.Log.Warn().Err(err).Msg("diarization model load failed, continuing without speakers")
		return nil, nil, nil, false
	}

	opts := s.opts.DiarizeOpts
	if req.NumSpeakers > 0 {
		opts.NumSpeakers = req.NumSpeakers
	}
	turns, numSpeakers, err := s.opts.Diarizer.Diarize(ctx, samples, opts)
	if err != nil {
		s.opts.Log.Warn().Err(err).Msg("diarization failed, continuing without speakers")
		return nil, nil, nil, false
	}

	var allWords []stt.Word
	for _, seg := range res.Segments {
		allWords = append(allWords, seg.Words...)
	}
	if len(allWords) == 0 {
		s.opts.Log.Warn().Msg("no word timing for diarization alignment, continuing without speakers")
		return nil, nil, nil, false
	}

	labeled := diarize.AssignSpeakers(allWords, turns)
	grouped := diarize.GroupBySpeaker(labeled, s.opts.MaxSegmentChars)

	var segs []database.Segment
	var words []database.Word
	var wordSeg []int
	for i, g := range grouped {
		speaker := g.Speaker
		seg := database.Segment{StartTime: g.Start, EndTime: g.End, Text: g.Text}
		if speaker != "" {
			seg.Speaker = &speaker
		}
		segs = append(segs, seg)
		for _, w := range g.Words {
			words = append(words, database.Word{
				Word: strings.TrimSpace(w.Word.Word), StartTime: w.Start, EndTime: w.End,
			})
			wordSeg = append(wordSeg, i)
		}
	}
	s.opts.Log.Info().Int("speakers", numSpeakers).Int("segments", len(segs)).Msg("diarization aligned")
	return segs, words, wordSeg, true
}

// persistAudio transcodes the upload to MP3 under the audio dir.
func (s *Service) persistAudio(ctx context.Context, req IngestRequest) (path, filename string, err error) {
	stem := SanitizeStem(req.OriginalFilename)
	dst := UniquePath(s.opts.AudioDir, stem)
	if err := s.opts.Backend.ConvertToMP3(ctx, req.TempPath, dst, s.opts.MP3Bitrate); err != nil {
		return "", "", fmt.Errorf("convert to mp3: %w", err)
	}
	return dst, filepath.Base(dst), nil
}

func hasSpeakers(segs []database.Segment) bool {
	for _, s := range segs {
		if s.Speaker != nil && *s.Speaker != "" {
			return true
		}
	}
	return false
}

const maxStemLen = 80

// SanitizeStem reduces an uploaded filename to a safe stem: alphanumeric
// plus `._- ` and space, truncated. Path separators and traversal never
// survive.
func SanitizeStem(name string) string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))

	var b strings.Builder
	for _, r := range stem {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-' || r == ' ':
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if len(out) > maxStemLen {
		out = out[:maxStemLen]
	}
	if out == "" {
		out = "recording"
	}
	return out
}

// UniquePath picks `<dir>/<stem>.mp3`, appending -2, -3, … until the
// name is free.
func UniquePath(dir, stem string) string {
	path := filepath.Join(dir, stem+".mp3")
	for n := 2; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.mp3", stem, n))
	}
}

// DeleteRecording removes the DB rows first, then the audio file. An
// undeletable file is logged and left for the orphan sweep; orphan rows
// are forbidden.
func (s *Service) DeleteRecording(ctx context.Context, id int64) error {
	rec, err := s.opts.DB.GetRecording(ctx, id)
	if err != nil {
		return err
	}
	if err := s.opts.DB.DeleteRecording(ctx, id); err != nil {
		return err
	}
	if err := os.Remove(rec.Filepath); err != nil && !os.IsNotExist(err) {
		s.opts.Log.Warn().Err(err).Str("file", rec.Filepath).Msg("audio file not removed, orphan sweep will reclaim it")
	}
	return nil
}
