package models

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrBusy indicates the single transcription slot is taken. The HTTP
// layer maps it to 409 with the active client's name.
var ErrBusy = errors.New("transcription job already in progress")

// JobTracker is the single-slot mutex enforcing at-most-one concurrent
// transcription per server instance. Job IDs are monotonic; a stale
// EndJob from a finished job cannot release a newer job's slot.
type JobTracker struct {
	log zerolog.Logger

	mu              sync.Mutex
	active          bool
	jobID           int64
	nextID          int64
	activeUser      string
	cancelRequested bool
}

// NewJobTracker creates an idle tracker.
func NewJobTracker(log zerolog.Logger) *JobTracker {
	return &JobTracker{log: log, nextID: 1}
}

// TryStartJob reserves the slot for clientName. When the slot is busy it
// returns ok=false and the name of the client holding it.
func (t *JobTracker) TryStartJob(clientName string) (ok bool, jobID int64, activeUser string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		return false, 0, t.activeUser
	}

	t.active = true
	t.jobID = t.nextID
	t.nextID++
	t.activeUser = clientName
	t.cancelRequested = false

	t.log.Info().Int64("job_id", t.jobID).Str("client", clientName).Msg("transcription job started")
	return true, t.jobID, ""
}

// EndJob releases the slot. IDs from already-finished jobs are ignored.
func (t *JobTracker) EndJob(jobID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active || t.jobID != jobID {
		return
	}
	t.log.Info().Int64("job_id", jobID).Str("client", t.activeUser).Msg("transcription job ended")
	t.active = false
	t.activeUser = ""
	t.cancelRequested = false
}

// CancelJob requests cancellation of the active job. The engine polls
// IsCancelled between output segments; cancellation is best-effort and
// bounded by segment length. Returns the cancelled client's name.
func (t *JobTracker) CancelJob() (ok bool, cancelledUser string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return false, ""
	}
	t.cancelRequested = true
	t.log.Info().Int64("job_id", t.jobID).Str("client", t.activeUser).Msg("cancellation requested")
	return true, t.activeUser
}

// IsCancelled reports whether the active job has a pending cancel.
func (t *JobTracker) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active && t.cancelRequested
}

// ActiveUser returns the client holding the slot, or "" when idle.
func (t *JobTracker) ActiveUser() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeUser
}

// Active reports whether a job currently holds the slot.
func (t *JobTracker) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}
