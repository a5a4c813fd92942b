// Package progress maintains per-job progress records and point-in-time
// snapshots for the polling and streaming endpoints.
package progress

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrNotFound is reported for unknown jobs; the tracker never synthesizes a
// default record.
var ErrNotFound = errors.New("job not found")

// Status of a tracked job.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Snapshot is a point-in-time view of one job's progress.
type Snapshot struct {
	JobID              string   `json:"job_id"`
	TotalUnits         int      `json:"total_pages"`
	ProcessedUnits     int      `json:"processed_pages"`
	Status             Status   `json:"status"`
	Percentage         float64  `json:"progress_percentage"`
	EstimatedRemaining *float64 `json:"estimated_time_remaining,omitempty"` // seconds
	Error              string   `json:"error,omitempty"`
}

type state struct {
	total      int
	processed  int
	status     Status
	errMsg     string
	startedAt  time.Time
	lastUpdate time.Time
}

// Tracker holds one mutable record per in-flight job. Each record has a
// single writer (the job's processing goroutine); readers only snapshot.
type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*state
	now  func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{jobs: make(map[string]*state), now: time.Now}
}

// Start registers a job in processing state.
func (t *Tracker) Start(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.jobs[jobID] = &state{status: StatusProcessing, startedAt: now, lastUpdate: now}
}

// SetTotal fixes the total unit count once it is known.
func (t *Tracker) SetTotal(jobID string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.jobs[jobID]; ok {
		s.total = total
		s.lastUpdate = t.now()
	}
}

// Add records n more processed units. Works as the pool's ProgressFunc.
func (t *Tracker) Add(jobID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.jobs[jobID]; ok {
		s.processed += n
		if s.processed > s.total && s.total > 0 {
			s.processed = s.total
		}
		s.lastUpdate = t.now()
	}
}

// Complete marks the job finished.
func (t *Tracker) Complete(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.jobs[jobID]; ok {
		s.status = StatusCompleted
		s.lastUpdate = t.now()
	}
}

// Fail marks the job failed with a human-readable reason.
func (t *Tracker) Fail(jobID, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.jobs[jobID]; ok {
		s.status = StatusError
		s.errMsg = reason
		s.lastUpdate = t.now()
	}
}

// Delete purges the job's record, typically after the completion event has
// been consumed by a stream reader.
func (t *Tracker) Delete(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}

// CleanupStale drops settled records that have not been touched within
// maxAge, catching jobs nobody streamed to completion. Returns the removed
// IDs so callers can purge associated state.
func (t *Tracker) CleanupStale(maxAge time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-maxAge)
	var removed []string
	for id, s := range t.jobs {
		if s.status != StatusProcessing && s.lastUpdate.Before(cutoff) {
			delete(t.jobs, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Active returns the number of tracked jobs still processing.
func (t *Tracker) Active() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, s := range t.jobs {
		if s.status == StatusProcessing {
			n++
		}
	}
	return n
}

// Snapshot returns the job's current progress. The percentage is clamped to
// [0,100] and held below 100 until the status is completed; the ETA is
// omitted while no unit has finished.
func (t *Tracker) Snapshot(jobID string) (Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.jobs[jobID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	snap := Snapshot{
		JobID:          jobID,
		TotalUnits:     s.total,
		ProcessedUnits: s.processed,
		Status:         s.status,
		Error:          s.errMsg,
	}

	if s.total > 0 {
		pct := float64(s.processed) / float64(s.total) * 100
		pct = math.Max(0, math.Min(100, pct))
		if pct >= 100 && s.status != StatusCompleted {
			pct = 99
		}
		snap.Percentage = pct
	}
	if s.status == StatusCompleted {
		snap.Percentage = 100
	}

	if s.processed > 0 && s.status == StatusProcessing {
		elapsed := t.now().Sub(s.startedAt).Seconds()
		perUnit := elapsed / float64(s.processed)
		remaining := perUnit * float64(s.total-s.processed)
		snap.EstimatedRemaining = &remaining
	}

	return snap, nil
}
