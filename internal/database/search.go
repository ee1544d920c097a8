package database

import (
	"context"
	"strings"
	"time"
)

// WordHit is one full-text match against the words index, with the
// surrounding segment text as context.
type WordHit struct {
	RecordingID    int64   `json:"recording_id"`
	RecordingTitle string  `json:"recording_title"`
	SegmentID      *int64  `json:"segment_id,omitempty"`
	Word           string  `json:"word"`
	StartTime      float64 `json:"start_time"`
	EndTime        float64 `json:"end_time"`
	Context        string  `json:"context"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// RecordingHit is one full-text match against recording metadata.
type RecordingHit struct {
	RecordingID int64     `json:"recording_id"`
	Title       string    `json:"title"`
	Filename    string    `json:"filename"`
	Snippet     string    `json:"snippet"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// ftsQuery sanitizes a user query into an FTS5 MATCH expression. Each term
// is double-quoted to defeat FTS syntax injection; fuzzy mode appends a
// prefix wildcard to every term.
func ftsQuery(q string, fuzzy bool) string {
	terms := strings.Fields(q)
	if len(terms) == 0 {
		return ""
	}
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, "")
		if t == "" {
			continue
		}
		if fuzzy {
			parts = append(parts, `"`+t+`"*`)
		} else {
			parts = append(parts, `"`+t+`"`)
		}
	}
	return strings.Join(parts, " ")
}

// SearchWords runs an FTS5 query over the words index, optionally
// restricted by recording date range, and returns matches with segment
// context.
func (db *DB) SearchWords(ctx context.Context, query string, fuzzy bool, start, end *time.Time, limit int) ([]WordHit, error) {
	match := ftsQuery(query, fuzzy)
	if match == "" {
		return []WordHit{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT w.recording_id, coalesce(r.title, r.filename), w.segment_id,
		       w.word, w.start_time, w.end_time, coalesce(s.text, w.word),
		       r.recorded_at
		FROM words_fts f
		JOIN words w ON w.id = f.rowid
		JOIN recordings r ON r.id = w.recording_id
		LEFT JOIN segments s ON s.id = w.segment_id
		WHERE words_fts MATCH ?`
	args := []any{match}
	if start != nil {
		q += " AND r.recorded_at >= ?"
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		q += " AND r.recorded_at < ?"
		args = append(args, end.UnixMilli())
	}
	q += " ORDER BY r.recorded_at DESC, w.start_time LIMIT ?"
	args = append(args, limit)

	rows, err := db.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []WordHit{}
	for rows.Next() {
		var h WordHit
		var recorded int64
		if err := rows.Scan(&h.RecordingID, &h.RecordingTitle, &h.SegmentID,
			&h.Word, &h.StartTime, &h.EndTime, &h.Context, &recorded); err != nil {
			return nil, err
		}
		h.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

// SearchRecordingMetadata runs an FTS5 query over recording titles,
// summaries, and filenames.
func (db *DB) SearchRecordingMetadata(ctx context.Context, query string, fuzzy bool, start, end *time.Time, limit int) ([]RecordingHit, error) {
	match := ftsQuery(query, fuzzy)
	if match == "" {
		return []RecordingHit{}, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT r.id, coalesce(r.title, ''), r.filename,
		       snippet(recordings_fts, -1, '[', ']', '…', 12),
		       r.recorded_at
		FROM recordings_fts f
		JOIN recordings r ON r.id = f.rowid
		WHERE recordings_fts MATCH ?`
	args := []any{match}
	if start != nil {
		q += " AND r.recorded_at >= ?"
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		q += " AND r.recorded_at < ?"
		args = append(args, end.UnixMilli())
	}
	q += " ORDER BY r.recorded_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []RecordingHit{}
	for rows.Next() {
		var h RecordingHit
		var recorded int64
		if err := rows.Scan(&h.RecordingID, &h.Title, &h.Filename, &h.Snippet, &recorded); err != nil {
			return nil, err
		}
		h.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
