package models

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/stt"
)

func TestJobTrackerSingleSlot(t *testing.T) {
	jt := NewJobTracker(zerolog.Nop())

	ok, id, _ := jt.TryStartJob("alice")
	require.True(t, ok)
	require.NotZero(t, id)

	ok2, _, active := jt.TryStartJob("bob")
	assert.False(t, ok2)
	assert.Equal(t, "alice", active)

	jt.EndJob(id)
	assert.False(t, jt.Active())

	ok3, id3, _ := jt.TryStartJob("bob")
	require.True(t, ok3)
	assert.Greater(t, id3, id)
	jt.EndJob(id3)
}

func TestJobTrackerStaleEndIgnored(t *testing.T) {
	jt := NewJobTracker(zerolog.Nop())

	_, id1, _ := jt.TryStartJob("alice")
	jt.EndJob(id1)

	_, id2, _ := jt.TryStartJob("bob")
	jt.EndJob(id1) // stale; must not free bob's slot
	assert.True(t, jt.Active())
	assert.Equal(t, "bob", jt.ActiveUser())
	jt.EndJob(id2)
}

func TestJobTrackerCancel(t *testing.T) {
	jt := NewJobTracker(zerolog.Nop())

	// Cancel when idle.
	ok, user := jt.CancelJob()
	assert.False(t, ok)
	assert.Empty(t, user)

	_, id, _ := jt.TryStartJob("alice")
	assert.False(t, jt.IsCancelled())

	ok, user = jt.CancelJob()
	assert.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.True(t, jt.IsCancelled())

	// Releasing the slot clears the pending cancel.
	jt.EndJob(id)
	assert.False(t, jt.IsCancelled())
	ok2, _, _ := jt.TryStartJob("alice")
	assert.True(t, ok2)
	assert.False(t, jt.IsCancelled())
}

func TestJobTrackerConcurrentAttempts(t *testing.T) {
	jt := NewJobTracker(zerolog.Nop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _, _ := jt.TryStartJob("racer"); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// fakeControl records lifecycle calls.
type fakeControl struct {
	mu      sync.Mutex
	loads   []string
	unloads []string
	loadErr error
}

func (f *fakeControl) LoadModel(_ context.Context, spec ModelSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loads = append(f.loads, spec.Name)
	return nil
}

func (f *fakeControl) UnloadModel(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, name)
	return nil
}

func (f *fakeControl) Status(context.Context) (*GPUStatus, error) {
	return &GPUStatus{Device: "cuda", GPUAvailable: true, VRAMUsedMB: 4096, VRAMTotalMB: 24576}, nil
}

type fakeDiarizer struct{ loaded bool }

func (f *fakeDiarizer) Load(context.Context) error   { f.loaded = true; return nil }
func (f *fakeDiarizer) Unload(context.Context) error { f.loaded = false; return nil }

func newTestManager(ctl ControlClient, d DiarizerController) *Manager {
	return NewManager(ManagerOptions{
		Control:    ctl,
		NewDecoder: func(model string) stt.Decoder { return stt.NewWhisperClient("http://unused", model, 0) },
		Diarizer:   d,
		Log:        zerolog.Nop(),
	})
}

func TestManagerLoadUnloadMain(t *testing.T) {
	ctl := &fakeControl{}
	m := newTestManager(ctl, nil)
	ctx := context.Background()

	_, err := m.MainDecoder()
	require.Error(t, err)

	require.NoError(t, m.LoadTranscriptionModel(ctx, ModelSpec{Name: "large-v3"}))
	dec, err := m.MainDecoder()
	require.NoError(t, err)
	require.NotNil(t, dec)
	assert.Equal(t, "large-v3", m.MainModelName())

	require.NoError(t, m.UnloadTranscriptionModel(ctx))
	assert.Equal(t, []string{"large-v3"}, ctl.unloads)
	_, err = m.MainDecoder()
	require.Error(t, err)

	// Unloading again is a no-op.
	require.NoError(t, m.UnloadTranscriptionModel(ctx))
	assert.Len(t, ctl.unloads, 1)
}

func TestManagerReloadUsesFallbackAfterUnload(t *testing.T) {
	ctl := &fakeControl{}
	m := newTestManager(ctl, nil)
	ctx := context.Background()

	require.NoError(t, m.LoadTranscriptionModel(ctx, ModelSpec{Name: "large-v3"}))
	require.NoError(t, m.UnloadTranscriptionModel(ctx))
	require.NoError(t, m.ReloadTranscriptionModel(ctx, ModelSpec{Name: "large-v3"}))
	assert.Equal(t, "large-v3", m.MainModelName())
}

func TestManagerLoadFailureLeavesNothingResident(t *testing.T) {
	ctl := &fakeControl{loadErr: errors.New("out of memory")}
	m := newTestManager(ctl, nil)

	err := m.LoadTranscriptionModel(context.Background(), ModelSpec{Name: "large-v3"})
	require.Error(t, err)
	_, err = m.MainDecoder()
	require.Error(t, err)
}

func TestManagerDiarization(t *testing.T) {
	d := &fakeDiarizer{}
	m := newTestManager(&fakeControl{}, d)
	ctx := context.Background()

	require.NoError(t, m.LoadDiarizationModel(ctx))
	assert.True(t, d.loaded)
	// Idempotent.
	require.NoError(t, m.LoadDiarizationModel(ctx))

	require.NoError(t, m.UnloadDiarizationModel(ctx))
	assert.False(t, d.loaded)
}

func TestManagerIsSameModel(t *testing.T) {
	m := newTestManager(&fakeControl{}, nil)
	assert.True(t, m.IsSameModel("large-v3", " Large-V3 "))
	assert.False(t, m.IsSameModel("large-v3", "small"))
}

func TestManagerStatus(t *testing.T) {
	m := newTestManager(&fakeControl{}, &fakeDiarizer{})
	ctx := context.Background()
	require.NoError(t, m.LoadTranscriptionModel(ctx, ModelSpec{Name: "large-v3"}))

	st := m.GetStatus(ctx)
	require.NotNil(t, st.MainModel)
	assert.Equal(t, "large-v3", *st.MainModel)
	assert.Nil(t, st.LiveModel)
	assert.False(t, st.DiarizationReady)
	require.NotNil(t, st.GPU)
	assert.Equal(t, "cuda", st.GPU.Device)
}
