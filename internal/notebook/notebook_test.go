package notebook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/database"
	"murmur/internal/diarize"
	"murmur/internal/models"
	"murmur/internal/stt"
	"murmur/internal/vad"
)

// fakeBackend decodes nothing; it hands back a fixed-length waveform and
// writes a placeholder MP3.
type fakeBackend struct {
	samples int
}

func (f *fakeBackend) LoadAudio(_ context.Context, _ string, _ int) ([]float32, int, error) {
	n := f.samples
	if n == 0 {
		n = 16000 * 2
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.1
	}
	return out, 16000, nil
}

func (f *fakeBackend) ConvertToMP3(_ context.Context, _, dst string, _ int) error {
	return os.WriteFile(dst, []byte("mp3-bytes"), 0o644)
}

func (f *fakeBackend) Name() string { return "fake" }

// fakeDecoder returns a canned two-segment transcript.
type fakeDecoder struct{}

func (fakeDecoder) Transcribe(_ context.Context, _ []float32, opts stt.Options) (*stt.Result, error) {
	if opts.CancellationCheck != nil && opts.CancellationCheck() {
		return nil, stt.ErrCancelled
	}
	res := &stt.Result{
		Text:     "hello there general greeting",
		Language: "en",
		Duration: 2,
		Segments: []stt.Segment{
			{Start: 0, End: 1, Text: "hello there"},
			{Start: 1, End: 2, Text: "general greeting"},
		},
	}
	if opts.WordTimestamps {
		res.Segments[0].Words = []stt.Word{
			{Word: "hello", Start: 0, End: 0.4}, {Word: "there", Start: 0.5, End: 1},
		}
		res.Segments[1].Words = []stt.Word{
			{Word: "general", Start: 1, End: 1.5}, {Word: "greeting", Start: 1.5, End: 2},
		}
	}
	return res, nil
}

type fakeControl struct{}

func (fakeControl) LoadModel(context.Context, models.ModelSpec) error { return nil }
func (fakeControl) UnloadModel(context.Context, string) error         { return nil }
func (fakeControl) Status(context.Context) (*models.GPUStatus, error) {
	return &models.GPUStatus{}, nil
}

type fakeDiarizer struct {
	fail bool
}

func (f *fakeDiarizer) Load(context.Context) error   { return nil }
func (f *fakeDiarizer) Unload(context.Context) error { return nil }
func (f *fakeDiarizer) Diarize(context.Context, []float32, diarize.Options) ([]diarize.Turn, int, error) {
	if f.fail {
		return nil, 0, assert.AnError
	}
	return []diarize.Turn{
		{Start: 0, End: 1, Speaker: "SPEAKER_00"},
		{Start: 1, End: 2, Speaker: "SPEAKER_01"},
	}, 2, nil
}

func newTestService(t *testing.T, d diarize.Engine) (*Service, *database.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(context.Background(), filepath.Join(dir, "notebook.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)

	audioDir := filepath.Join(dir, "audio")
	require.NoError(t, os.MkdirAll(audioDir, 0o755))

	mgr := models.NewManager(models.ManagerOptions{
		Control:    fakeControl{},
		NewDecoder: func(string) stt.Decoder { return fakeDecoder{} },
		Diarizer:   &fakeDiarizer{},
		Log:        zerolog.Nop(),
	})
	require.NoError(t, mgr.LoadTranscriptionModel(context.Background(), models.ModelSpec{Name: "large-v3"}))

	backend := &fakeBackend{}
	svc := New(Options{
		DB:       db,
		Backend:  backend,
		Engine:   stt.NewEngine(stt.EngineOptions{Backend: backend, Log: zerolog.Nop()}),
		Manager:  mgr,
		Diarizer: d,
		AudioDir: audioDir,
		Log:      zerolog.Nop(),
	})
	return svc, db, audioDir
}

func tempUpload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.wav")
	require.NoError(t, os.WriteFile(path, []byte("wav"), 0o644))
	return path
}

func TestIngestPersistsRecording(t *testing.T) {
	svc, db, audioDir := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "standup.wav",
		WordTimestamps:   true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.RecordingID)

	rec, err := db.GetRecording(ctx, res.RecordingID)
	require.NoError(t, err)
	assert.Equal(t, "standup.mp3", rec.Filename)
	assert.Equal(t, 4, rec.WordCount)
	assert.False(t, rec.HasDiarization)
	assert.FileExists(t, filepath.Join(audioDir, "standup.mp3"))

	segs, err := db.GetTranscription(ctx, res.RecordingID)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, "hello there", segs[0].Text)
	assert.Len(t, segs[0].Words, 2)
}

func TestIngestTimeSlotCollision(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "first.wav",
		FileCreatedAt:    &at,
	})
	require.NoError(t, err)

	_, err = svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "second.wav",
		FileCreatedAt:    &at,
	})
	var overlap *ErrOverlap
	require.ErrorAs(t, err, &overlap)
	assert.Contains(t, overlap.Error(), "overlaps")
	assert.Contains(t, overlap.Error(), "'first.mp3'")
}

func TestIngestWithDiarization(t *testing.T) {
	svc, db, _ := newTestService(t, &fakeDiarizer{})
	ctx := context.Background()

	// Word timestamps off: diarization forces them on anyway.
	res, err := svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "interview.wav",
		Diarization:      true,
	})
	require.NoError(t, err)

	rec, err := db.GetRecording(ctx, res.RecordingID)
	require.NoError(t, err)
	assert.True(t, rec.HasDiarization)

	segs, err := db.GetSegments(ctx, res.RecordingID)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.NotNil(t, segs[0].Speaker)
	assert.Equal(t, "SPEAKER_00", *segs[0].Speaker)
	require.NotNil(t, segs[1].Speaker)
	assert.Equal(t, "SPEAKER_01", *segs[1].Speaker)
}

// silenceClassifier scores all-zero windows as silence.
type silenceClassifier struct{}

func (silenceClassifier) SpeechProbability(_ context.Context, window []float32) (float64, error) {
	for _, s := range window {
		if s != 0 {
			return 0.9, nil
		}
	}
	return 0.1, nil
}

func (silenceClassifier) Reset() {}

// capturingDiarizer records the waveform length it was handed.
type capturingDiarizer struct {
	fakeDiarizer
	gotSamples int
}

func (c *capturingDiarizer) Diarize(ctx context.Context, samples []float32, opts diarize.Options) ([]diarize.Turn, int, error) {
	c.gotSamples = len(samples)
	return c.fakeDiarizer.Diarize(ctx, samples, opts)
}

// capturingDecoder records the waveform length it was handed.
type capturingDecoder struct {
	gotSamples int
}

func (c *capturingDecoder) Transcribe(ctx context.Context, samples []float32, opts stt.Options) (*stt.Result, error) {
	c.gotSamples = len(samples)
	return fakeDecoder{}.Transcribe(ctx, samples, opts)
}

func TestIngestTrimsOnceForDecodeAndDiarize(t *testing.T) {
	dir := t.TempDir()
	db, err := database.Open(context.Background(), filepath.Join(dir, "notebook.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(db.Close)
	audioDir := filepath.Join(dir, "audio")
	require.NoError(t, os.MkdirAll(audioDir, 0o755))

	decoder := &capturingDecoder{}
	mgr := models.NewManager(models.ManagerOptions{
		Control:    fakeControl{},
		NewDecoder: func(string) stt.Decoder { return decoder },
		Diarizer:   &fakeDiarizer{},
		Log:        zerolog.Nop(),
	})
	require.NoError(t, mgr.LoadTranscriptionModel(context.Background(), models.ModelSpec{Name: "large-v3"}))

	// The first second of the upload is silence the trim removes.
	const silent = vad.WindowSamples * 32
	const voiced = vad.WindowSamples * 64
	backend := &silentPrefixBackend{silent: silent, voiced: voiced}

	diarizer := &capturingDiarizer{}
	svc := New(Options{
		DB:      db,
		Backend: backend,
		Engine: stt.NewEngine(stt.EngineOptions{
			Backend: backend,
			Neural:  silenceClassifier{},
			Log:     zerolog.Nop(),
		}),
		Manager:  mgr,
		Diarizer: diarizer,
		AudioDir: audioDir,
		Log:      zerolog.Nop(),
	})

	_, err = svc.Ingest(context.Background(), IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "padded.wav",
		Diarization:      true,
	})
	require.NoError(t, err)

	// The decoder and the diarizer saw the same trimmed waveform, so
	// word midpoints and speaker turns share one timeline.
	assert.Equal(t, voiced, decoder.gotSamples)
	assert.Equal(t, decoder.gotSamples, diarizer.gotSamples)
}

// silentPrefixBackend yields a waveform with a leading all-zero run.
type silentPrefixBackend struct {
	silent, voiced int
}

func (b *silentPrefixBackend) LoadAudio(context.Context, string, int) ([]float32, int, error) {
	out := make([]float32, b.silent+b.voiced)
	for i := b.silent; i < len(out); i++ {
		out[i] = 0.1
	}
	return out, 16000, nil
}

func (b *silentPrefixBackend) ConvertToMP3(_ context.Context, _, dst string, _ int) error {
	return os.WriteFile(dst, []byte("mp3-bytes"), 0o644)
}

func (b *silentPrefixBackend) Name() string { return "fake" }

func TestIngestDiarizationFailureNotFatal(t *testing.T) {
	svc, db, _ := newTestService(t, &fakeDiarizer{fail: true})
	ctx := context.Background()

	res, err := svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "flaky.wav",
		Diarization:      true,
	})
	require.NoError(t, err)

	rec, err := db.GetRecording(ctx, res.RecordingID)
	require.NoError(t, err)
	assert.False(t, rec.HasDiarization)

	segs, err := db.GetSegments(ctx, res.RecordingID)
	require.NoError(t, err)
	assert.Len(t, segs, 2)
	assert.Nil(t, segs[0].Speaker)
}

func TestIngestCancelled(t *testing.T) {
	svc, _, audioDir := newTestService(t, nil)

	_, err := svc.Ingest(context.Background(), IngestRequest{
		TempPath:          tempUpload(t),
		OriginalFilename:  "long.wav",
		CancellationCheck: func() bool { return true },
	})
	require.ErrorIs(t, err, stt.ErrCancelled)

	// Nothing persisted.
	entries, err := os.ReadDir(audioDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSanitizeStem(t *testing.T) {
	tests := []struct{ in, want string }{
		{"../../etc/passwd.wav", "passwd"},
		{"team meeting 2024-01-01.m4a", "team meeting 2024-01-01"},
		{"weird/..\\name?.wav", "name"},
		{"<<<>>>.wav", "recording"},
		{strings.Repeat("a", 200) + ".wav", strings.Repeat("a", 80)},
	}
	for _, tt := range tests {
		got := SanitizeStem(tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
		assert.NotContains(t, got, "/")
		assert.NotContains(t, got, "\\")
	}
}

func TestUniquePathAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "take.mp3"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "take-2.mp3"), nil, 0o644))

	assert.Equal(t, filepath.Join(dir, "take-3.mp3"), UniquePath(dir, "take"))
	assert.Equal(t, filepath.Join(dir, "fresh.mp3"), UniquePath(dir, "fresh"))
}

func TestDeleteRecordingDBFirstThenFile(t *testing.T) {
	svc, db, audioDir := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "gone.wav",
	})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteRecording(ctx, res.RecordingID))
	_, err = db.GetRecording(ctx, res.RecordingID)
	require.ErrorIs(t, err, database.ErrNotFound)
	assert.NoFileExists(t, filepath.Join(audioDir, "gone.mp3"))

	require.ErrorIs(t, svc.DeleteRecording(ctx, res.RecordingID), database.ErrNotFound)
}

func TestSweepOrphans(t *testing.T) {
	svc, _, audioDir := newTestService(t, nil)
	ctx := context.Background()

	res, err := svc.Ingest(ctx, IngestRequest{
		TempPath:         tempUpload(t),
		OriginalFilename: "kept.wav",
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(audioDir, "orphan.mp3"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(audioDir, "notes.txt"), []byte("x"), 0o644))

	removed, err := svc.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan.mp3"}, removed)

	rec, err := svc.opts.DB.GetRecording(ctx, res.RecordingID)
	require.NoError(t, err)
	assert.FileExists(t, rec.Filepath)
	assert.FileExists(t, filepath.Join(audioDir, "notes.txt"))
}
