package database

import (
	"context"
	"fmt"
	"math"
)

// Segment is one transcript segment of a recording.
type Segment struct {
	ID          int64   `json:"id"`
	RecordingID int64   `json:"recording_id"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Text        string  `json:"text"`
	Speaker     *string `json:"speaker,omitempty"`
}

// Word is one word with timing inside a segment.
type Word struct {
	ID          int64    `json:"id"`
	RecordingID int64    `json:"recording_id"`
	SegmentID   *int64   `json:"segment_id,omitempty"`
	Word        string   `json:"word"`
	StartTime   float64  `json:"start_time"`
	EndTime     float64  `json:"end_time"`
	Confidence  *float64 `json:"confidence,omitempty"`
}

// SegmentWithWords is a segment with its words embedded, used by the
// transcription detail endpoint.
type SegmentWithWords struct {
	Segment
	Words []Word `json:"words"`
}

// round3 rounds a timestamp to milliseconds. All persisted times carry at
// most three decimals so JSON round-trips are drift-free.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// InsertTranscript stores segments and their words for a recording in a
// single transaction and updates the recording's word_count to match.
// Word → segment assignment is positional: each word carries an index into
// segs via wordSeg, or -1 for no segment.
func (db *DB) InsertTranscript(ctx context.Context, recordingID int64, segs []Segment, words []Word, wordSeg []int) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	if len(words) != len(wordSeg) {
		return fmt.Errorf("words/wordSeg length mismatch: %d != %d", len(words), len(wordSeg))
	}

	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	segIDs := make([]int64, len(segs))
	segStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (recording_id, start_time, end_time, text, speaker)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer segStmt.Close()

	for i, s := range segs {
		res, err := segStmt.ExecContext(ctx, recordingID,
			round3(s.StartTime), round3(s.EndTime), s.Text, s.Speaker)
		if err != nil {
			return fmt.Errorf("insert segment %d: %w", i, err)
		}
		segIDs[i], err = res.LastInsertId()
		if err != nil {
			return err
		}
	}

	wordStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO words (recording_id, segment_id, word, start_time, end_time, confidence)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer wordStmt.Close()

	for i, w := range words {
		var segID *int64
		if idx := wordSeg[i]; idx >= 0 {
			if idx >= len(segIDs) {
				return fmt.Errorf("word %d references segment index %d of %d", i, idx, len(segIDs))
			}
			segID = &segIDs[idx]
		}
		if _, err := wordStmt.ExecContext(ctx, recordingID, segID, w.Word,
			round3(w.StartTime), round3(w.EndTime), w.Confidence); err != nil {
			return fmt.Errorf("insert word %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE recordings SET word_count = ? WHERE id = ?`, len(words), recordingID); err != nil {
		return fmt.Errorf("update word_count: %w", err)
	}

	return tx.Commit()
}

// GetSegments returns a recording's segments ordered by start time.
func (db *DB) GetSegments(ctx context.Context, recordingID int64) ([]Segment, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, recording_id, start_time, end_time, text, speaker
		FROM segments WHERE recording_id = ? ORDER BY start_time, id`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var s Segment
		if err := rows.Scan(&s.ID, &s.RecordingID, &s.StartTime, &s.EndTime, &s.Text, &s.Speaker); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetWords returns a recording's words ordered by start time.
func (db *DB) GetWords(ctx context.Context, recordingID int64) ([]Word, error) {
	rows, err := db.reader.QueryContext(ctx, `
		SELECT id, recording_id, segment_id, word, start_time, end_time, confidence
		FROM words WHERE recording_id = ? ORDER BY start_time, id`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Word
	for rows.Next() {
		var w Word
		if err := rows.Scan(&w.ID, &w.RecordingID, &w.SegmentID, &w.Word, &w.StartTime, &w.EndTime, &w.Confidence); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetTranscription returns segments with their words embedded. Words
// without a segment are attached to the segment containing their start
// time, or dropped from the grouping (they remain reachable via GetWords).
func (db *DB) GetTranscription(ctx context.Context, recordingID int64) ([]SegmentWithWords, error) {
	segs, err := db.GetSegments(ctx, recordingID)
	if err != nil {
		return nil, err
	}
	words, err := db.GetWords(ctx, recordingID)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*SegmentWithWords, len(segs))
	out := make([]SegmentWithWords, len(segs))
	for i, s := range segs {
		out[i] = SegmentWithWords{Segment: s, Words: []Word{}}
		byID[s.ID] = &out[i]
	}
	for _, w := range words {
		if w.SegmentID != nil {
			if sw, ok := byID[*w.SegmentID]; ok {
				sw.Words = append(sw.Words, w)
				continue
			}
		}
		for i := range out {
			if w.StartTime >= out[i].StartTime && w.StartTime < out[i].EndTime {
				out[i].Words = append(out[i].Words, w)
				break
			}
		}
	}
	return out, nil
}

// CountWords returns the number of word rows for a recording.
func (db *DB) CountWords(ctx context.Context, recordingID int64) (int, error) {
	var n int
	err := db.reader.QueryRowContext(ctx,
		`SELECT count(*) FROM words WHERE recording_id = ?`, recordingID).Scan(&n)
	return n, err
}
