package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "notebook.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func insertTestRecording(t *testing.T, db *DB, recordedAt time.Time, duration float64) int64 {
	t.Helper()
	id, err := db.InsertRecording(context.Background(), &Recording{
		Filename:        "rec.mp3",
		Filepath:        "/tmp/rec.mp3",
		DurationSeconds: duration,
		RecordedAt:      recordedAt,
		ImportedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestMigrateReachesLatestVersion(t *testing.T) {
	db := testDB(t)
	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, v)

	// Re-running is a no-op.
	require.NoError(t, db.Migrate(context.Background()))
}

func TestRecordingCRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	recorded := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	id := insertTestRecording(t, db, recorded, 10)
	r, err := db.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "rec.mp3", r.Filename)
	assert.Equal(t, recorded, r.RecordedAt)
	assert.False(t, r.HasDiarization)

	require.NoError(t, db.UpdateRecordingTitle(ctx, id, "meeting"))
	r, err = db.GetRecording(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r.Title)
	assert.Equal(t, "meeting", *r.Title)

	require.NoError(t, db.DeleteRecording(ctx, id))
	_, err = db.GetRecording(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.DeleteRecording(ctx, id), ErrNotFound)
}

func TestSummarySetAndClearedTogether(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := insertTestRecording(t, db, time.Now().UTC(), 5)

	sum, model := "a summary", "qwen2.5"
	require.NoError(t, db.UpdateRecordingSummary(ctx, id, &sum, &model))
	r, err := db.GetRecording(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r.Summary)
	require.NotNil(t, r.SummaryModel)

	// Clearing the summary clears the model even if one is passed.
	require.NoError(t, db.UpdateRecordingSummary(ctx, id, nil, &model))
	r, err = db.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, r.Summary)
	assert.Nil(t, r.SummaryModel)
}

func TestInsertTranscriptMaintainsWordCount(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := insertTestRecording(t, db, time.Now().UTC(), 5)

	segs := []Segment{
		{StartTime: 0, EndTime: 2.5, Text: "hello world"},
		{StartTime: 2.5, EndTime: 5, Text: "goodbye now"},
	}
	words := []Word{
		{Word: "hello", StartTime: 0.1, EndTime: 0.5},
		{Word: "world", StartTime: 0.6, EndTime: 1.0},
		{Word: "goodbye", StartTime: 2.6, EndTime: 3.0},
		{Word: "now", StartTime: 3.1, EndTime: 3.4},
	}
	require.NoError(t, db.InsertTranscript(ctx, id, segs, words, []int{0, 0, 1, 1}))

	r, err := db.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 4, r.WordCount)

	n, err := db.CountWords(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, r.WordCount, n)

	// Words lie within their segment's interval.
	grouped, err := db.GetTranscription(ctx, id)
	require.NoError(t, err)
	require.Len(t, grouped, 2)
	for _, sw := range grouped {
		require.Len(t, sw.Words, 2)
		for _, w := range sw.Words {
			assert.GreaterOrEqual(t, w.StartTime, sw.StartTime)
			assert.LessOrEqual(t, w.EndTime, sw.EndTime)
		}
	}
}

func TestDeleteCascadesToSegmentsAndWords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := insertTestRecording(t, db, time.Now().UTC(), 5)
	require.NoError(t, db.InsertTranscript(ctx, id,
		[]Segment{{StartTime: 0, EndTime: 1, Text: "hi"}},
		[]Word{{Word: "hi", StartTime: 0, EndTime: 0.4}}, []int{0}))

	require.NoError(t, db.DeleteRecording(ctx, id))

	segs, err := db.GetSegments(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, segs)
	n, err := db.CountWords(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCheckTimeSlotOverlap(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	insertTestRecording(t, db, base, 10)

	// 12:00:05 for 10s intersects [12:00:00, 12:00:10).
	hit, err := db.CheckTimeSlotOverlap(ctx, base.Add(5*time.Second), 10)
	require.NoError(t, err)
	require.NotNil(t, hit)

	// Touching intervals are allowed: 12:00:10 starts exactly at the end.
	hit, err = db.CheckTimeSlotOverlap(ctx, base.Add(10*time.Second), 10)
	require.NoError(t, err)
	assert.Nil(t, hit)

	// Candidate ending exactly at 12:00:00 is fine too.
	hit, err = db.CheckTimeSlotOverlap(ctx, base.Add(-10*time.Second), 10)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestTimeSlotInfo(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	insertTestRecording(t, db, day.Add(14*time.Hour+10*time.Minute), 600)

	info, err := db.GetTimeSlotInfo(ctx, day, 14)
	require.NoError(t, err)
	require.Len(t, info.Recordings, 1)
	assert.InDelta(t, 3000, info.FreeSeconds, 0.001)

	info, err = db.GetTimeSlotInfo(ctx, day, 15)
	require.NoError(t, err)
	assert.Empty(t, info.Recordings)
	assert.InDelta(t, 3600, info.FreeSeconds, 0.001)
}

func TestCalendarGroupsByDay(t *testing.T) {
	db := testDB(t)
	insertTestRecording(t, db, time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC), 60)
	insertTestRecording(t, db, time.Date(2024, 2, 1, 11, 0, 0, 0, time.UTC), 60)
	insertTestRecording(t, db, time.Date(2024, 2, 3, 9, 0, 0, 0, time.UTC), 60)
	insertTestRecording(t, db, time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC), 60)

	days, err := db.GetCalendar(context.Background(), 2024, time.February)
	require.NoError(t, err)
	require.Len(t, days, 2)
	total := 0
	for _, d := range days {
		total += len(d.Recordings)
	}
	assert.Equal(t, 3, total)
}

func TestSearchWords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := insertTestRecording(t, db, time.Now().UTC(), 5)
	require.NoError(t, db.InsertTranscript(ctx, id,
		[]Segment{{StartTime: 0, EndTime: 3, Text: "the quick brown fox"}},
		[]Word{
			{Word: "quick", StartTime: 0.5, EndTime: 0.8},
			{Word: "brown", StartTime: 0.9, EndTime: 1.2},
			{Word: "fox", StartTime: 1.3, EndTime: 1.6},
		}, []int{0, 0, 0}))

	hits, err := db.SearchWords(ctx, "fox", false, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "fox", hits[0].Word)
	assert.Equal(t, "the quick brown fox", hits[0].Context)

	// Prefix match only works in fuzzy mode.
	hits, err = db.SearchWords(ctx, "bro", false, nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
	hits, err = db.SearchWords(ctx, "bro", true, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	// Deleted recordings disappear from the index.
	require.NoError(t, db.DeleteRecording(ctx, id))
	hits, err = db.SearchWords(ctx, "fox", false, nil, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchRecordingMetadata(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	id := insertTestRecording(t, db, time.Now().UTC(), 5)
	require.NoError(t, db.UpdateRecordingTitle(ctx, id, "standup notes april"))

	hits, err := db.SearchRecordingMetadata(ctx, "standup", false, nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].RecordingID)
}

func TestBackupCreateListRestore(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(context.Background(), filepath.Join(dir, "notebook.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	ctx := context.Background()

	id := insertTestRecording(t, db, time.Now().UTC(), 5)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backups"), 0o755))
	mgr := NewBackupManager(db, filepath.Join(dir, "backups"), 3, 24)

	info, err := mgr.Create(ctx)
	require.NoError(t, err)
	assert.Greater(t, info.SizeBytes, int64(0))

	list, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	// Mutate after the backup, then restore: the mutation is rolled back.
	require.NoError(t, db.DeleteRecording(ctx, id))
	require.NoError(t, mgr.Restore(ctx, info.Name))
	r, err := db.GetRecording(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, r.ID)
	assert.False(t, db.ReadOnly())

	// Unknown backup name.
	assert.ErrorIs(t, mgr.Restore(ctx, "nope.db"), ErrNotFound)
}

func TestReadOnlyGuard(t *testing.T) {
	db := testDB(t)
	db.SetReadOnly(true)
	_, err := db.InsertRecording(context.Background(), &Recording{
		Filename: "x.mp3", Filepath: "/x.mp3",
		RecordedAt: time.Now(), ImportedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrReadOnly)
	db.SetReadOnly(false)
}
