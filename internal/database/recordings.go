package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Recording is one persisted long-form recording.
type Recording struct {
	ID              int64     `json:"id"`
	Filename        string    `json:"filename"`
	Filepath        string    `json:"filepath"`
	Title           *string   `json:"title"`
	DurationSeconds float64   `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
	ImportedAt      time.Time `json:"imported_at"`
	WordCount       int       `json:"word_count"`
	HasDiarization  bool      `json:"has_diarization"`
	Summary         *string   `json:"summary"`
	SummaryModel    *string   `json:"summary_model"`
}

// DisplayName returns the title if set, otherwise the filename.
func (r *Recording) DisplayName() string {
	if r.Title != nil && *r.Title != "" {
		return *r.Title
	}
	return r.Filename
}

const recordingCols = `id, filename, filepath, title, duration_seconds, recorded_at,
	imported_at, word_count, has_diarization, summary, summary_model`

func scanRecording(row interface{ Scan(...any) error }) (*Recording, error) {
	var r Recording
	var recorded, imported int64
	err := row.Scan(&r.ID, &r.Filename, &r.Filepath, &r.Title, &r.DurationSeconds,
		&recorded, &imported, &r.WordCount, &r.HasDiarization, &r.Summary, &r.SummaryModel)
	if err != nil {
		return nil, err
	}
	r.RecordedAt = time.UnixMilli(recorded).UTC()
	r.ImportedAt = time.UnixMilli(imported).UTC()
	return &r, nil
}

// InsertRecording inserts a recording row and returns its id. The audio
// file must already exist at r.Filepath; the row makes it visible.
func (db *DB) InsertRecording(ctx context.Context, r *Recording) (int64, error) {
	if err := db.checkWritable(); err != nil {
		return 0, err
	}
	res, err := db.writer.ExecContext(ctx, `
		INSERT INTO recordings (filename, filepath, title, duration_seconds,
			recorded_at, imported_at, word_count, has_diarization, summary, summary_model)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Filename, r.Filepath, r.Title, r.DurationSeconds,
		r.RecordedAt.UnixMilli(), r.ImportedAt.UnixMilli(),
		r.WordCount, r.HasDiarization, r.Summary, r.SummaryModel)
	if err != nil {
		return 0, fmt.Errorf("insert recording: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r.ID = id
	return id, nil
}

// GetRecording returns one recording or ErrNotFound.
func (db *DB) GetRecording(ctx context.Context, id int64) (*Recording, error) {
	row := db.reader.QueryRowContext(ctx,
		`SELECT `+recordingCols+` FROM recordings WHERE id = ?`, id)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRecordings returns recordings ordered by recorded_at descending,
// optionally restricted to [start, end).
func (db *DB) ListRecordings(ctx context.Context, start, end *time.Time) ([]*Recording, error) {
	q := `SELECT ` + recordingCols + ` FROM recordings`
	var args []any
	var conds []string
	if start != nil {
		conds = append(conds, "recorded_at >= ?")
		args = append(args, start.UnixMilli())
	}
	if end != nil {
		conds = append(conds, "recorded_at < ?")
		args = append(args, end.UnixMilli())
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY recorded_at DESC"

	rows, err := db.reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteRecording removes the recording and, via cascade, its segments and
// words. The caller deletes the audio file afterwards; an orphan file is
// tolerated, an orphan row is not.
func (db *DB) DeleteRecording(ctx context.Context, id int64) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	res, err := db.writer.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRecordingTitle sets the title.
func (db *DB) UpdateRecordingTitle(ctx context.Context, id int64, title string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	res, err := db.writer.ExecContext(ctx,
		`UPDATE recordings SET title = ? WHERE id = ?`, title, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRecordingSummary sets or clears the summary. Summary and the model
// that produced it are set and cleared together.
func (db *DB) UpdateRecordingSummary(ctx context.Context, id int64, summary, model *string) error {
	if err := db.checkWritable(); err != nil {
		return err
	}
	if summary == nil {
		model = nil
	}
	res, err := db.writer.ExecContext(ctx,
		`UPDATE recordings SET summary = ?, summary_model = ? WHERE id = ?`,
		summary, model, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckTimeSlotOverlap returns the recording whose closed-open interval
// [recorded_at, recorded_at+duration) intersects the candidate interval,
// or nil. Touching intervals do not collide.
func (db *DB) CheckTimeSlotOverlap(ctx context.Context, start time.Time, duration float64) (*Recording, error) {
	startMs := start.UnixMilli()
	endMs := startMs + int64(duration*1000)
	row := db.reader.QueryRowContext(ctx, `
		SELECT `+recordingCols+` FROM recordings
		WHERE recorded_at < ? AND recorded_at + CAST(duration_seconds * 1000 AS INTEGER) > ?
		ORDER BY recorded_at LIMIT 1`, endMs, startMs)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// TimeSlotInfo describes occupancy of a one-hour window for the calendar UI.
type TimeSlotInfo struct {
	Date       string             `json:"date"`
	Hour       int                `json:"hour"`
	Recordings []TimeSlotOccupant `json:"recordings"`
	FreeSeconds float64           `json:"free_seconds"`
}

// TimeSlotOccupant is a recording's overlap with a one-hour window.
type TimeSlotOccupant struct {
	ID         int64     `json:"id"`
	Title      string    `json:"title"`
	RecordedAt time.Time `json:"recorded_at"`
	Duration   float64   `json:"duration_seconds"`
}

// GetTimeSlotInfo reports recordings intersecting the hour [date hour:00,
// date hour+1:00) and the free seconds remaining in it.
func (db *DB) GetTimeSlotInfo(ctx context.Context, date time.Time, hour int) (*TimeSlotInfo, error) {
	slotStart := time.Date(date.Year(), date.Month(), date.Day(), hour, 0, 0, 0, time.UTC)
	slotEnd := slotStart.Add(time.Hour)

	rows, err := db.reader.QueryContext(ctx, `
		SELECT `+recordingCols+` FROM recordings
		WHERE recorded_at < ? AND recorded_at + CAST(duration_seconds * 1000 AS INTEGER) > ?
		ORDER BY recorded_at`, slotEnd.UnixMilli(), slotStart.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	info := &TimeSlotInfo{
		Date:        slotStart.Format("2006-01-02"),
		Hour:        hour,
		Recordings:  []TimeSlotOccupant{},
		FreeSeconds: 3600,
	}
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		info.Recordings = append(info.Recordings, TimeSlotOccupant{
			ID:         r.ID,
			Title:      r.DisplayName(),
			RecordedAt: r.RecordedAt,
			Duration:   r.DurationSeconds,
		})
		// Occupancy clipped to the window.
		occStart := r.RecordedAt
		if occStart.Before(slotStart) {
			occStart = slotStart
		}
		occEnd := r.RecordedAt.Add(time.Duration(r.DurationSeconds * float64(time.Second)))
		if occEnd.After(slotEnd) {
			occEnd = slotEnd
		}
		info.FreeSeconds -= occEnd.Sub(occStart).Seconds()
	}
	if info.FreeSeconds < 0 {
		info.FreeSeconds = 0
	}
	return info, rows.Err()
}

// CalendarDay groups recordings by day for the calendar view.
type CalendarDay struct {
	Date       string       `json:"date"`
	Recordings []*Recording `json:"recordings"`
}

// GetCalendar returns the month's recordings grouped by day.
func (db *DB) GetCalendar(ctx context.Context, year int, month time.Month) ([]CalendarDay, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	recs, err := db.ListRecordings(ctx, &start, &end)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string][]*Recording)
	var order []string
	for _, r := range recs {
		day := r.RecordedAt.Format("2006-01-02")
		if _, ok := byDay[day]; !ok {
			order = append(order, day)
		}
		byDay[day] = append(byDay[day], r)
	}

	out := make([]CalendarDay, 0, len(order))
	for _, day := range order {
		out = append(out, CalendarDay{Date: day, Recordings: byDay[day]})
	}
	return out, nil
}
