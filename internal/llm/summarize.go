package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"murmur/internal/database"
)

// ErrNoTranscript maps to 404: the recording has no stored segments to
// summarize.
var ErrNoTranscript = errors.New("recording has no transcript")

// TranscriptStore is the slice of the database the summarizer needs.
type TranscriptStore interface {
	GetRecording(ctx context.Context, id int64) (*database.Recording, error)
	GetSegments(ctx context.Context, recordingID int64) ([]database.Segment, error)
	UpdateRecordingSummary(ctx context.Context, id int64, summary, model *string) error
}

const summarySystemPrompt = "You are a helpful assistant that writes concise summaries of audio transcripts. Summarize the key points in a few short paragraphs."

// SummarizeRecording builds a prompt from the stored transcript, runs
// the completion, and persists the summary with the producing model.
func (s *Service) SummarizeRecording(ctx context.Context, store TranscriptStore, recordingID int64) (string, error) {
	if !s.opts.Enabled {
		return "", ErrDisabled
	}

	rec, err := store.GetRecording(ctx, recordingID)
	if err != nil {
		return "", err
	}
	segments, err := store.GetSegments(ctx, recordingID)
	if err != nil {
		return "", err
	}
	if len(segments) == 0 {
		return "", ErrNoTranscript
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Transcript of %q:\n\n", rec.DisplayName())
	for _, seg := range segments {
		if seg.Speaker != nil && *seg.Speaker != "" {
			fmt.Fprintf(&b, "%s: %s\n", *seg.Speaker, seg.Text)
		} else {
			b.WriteString(seg.Text)
			b.WriteByte('\n')
		}
	}

	summary, model, err := s.Process(ctx, Request{
		Text:         b.String(),
		SystemPrompt: summarySystemPrompt,
	})
	if err != nil {
		return "", err
	}

	if model == "" {
		model = s.opts.Model
	}
	if err := store.UpdateRecordingSummary(ctx, recordingID, &summary, &model); err != nil {
		return "", fmt.Errorf("persist summary: %w", err)
	}
	return summary, nil
}
