// Package job orchestrates chunk processing: it owns the job table, fans
// chunks out to the provider, and aggregates their results.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/provider"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("job not found")
	// ErrNotFinished is returned by GetResult while a job is still processing.
	ErrNotFinished = errors.New("job still processing")
	// ErrJobFailed accompanies partial results of a job that ended in error.
	ErrJobFailed = errors.New("job failed")
)

// Hooks receives orchestration events. All fields are optional.
type Hooks struct {
	ChunkDone   func(job *models.Job, res models.ChunkResult)
	JobFinished func(job *models.Job)
	QueuedDelta func(n int)
}

// Manager tracks jobs and drives their chunks through the provider.
type Manager struct {
	jobs      map[string]*jobEntry
	chunkJobs map[string]string // chunk ID -> job ID, for progress routing
	mu        sync.RWMutex

	prov    provider.Provider
	brk     *breaker.Breaker
	timeout time.Duration
	log     *slog.Logger
	hooks   Hooks
}

type jobEntry struct {
	job       *models.Job
	finalized bool
}

// NewManager creates a job manager. chunkTimeout bounds each provider call.
func NewManager(prov provider.Provider, brk *breaker.Breaker, chunkTimeout time.Duration, log *slog.Logger) *Manager {
	if chunkTimeout <= 0 {
		chunkTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		jobs:      make(map[string]*jobEntry),
		chunkJobs: make(map[string]string),
		prov:      prov,
		brk:       brk,
		timeout:   chunkTimeout,
		log:       log,
	}
}

// SetHooks registers event callbacks. Call before the first CreateJob.
func (m *Manager) SetHooks(h Hooks) { m.hooks = h }

// CreateJob registers a job for the given chunks. Nothing runs until
// Dispatch, so callers can finish wiring progress state against the returned
// job ID before the first chunk can settle.
func (m *Manager) CreateJob(fileName, sourceFileID string, chunks []models.Chunk) *models.Job {
	job := &models.Job{
		ID:           uuid.New().String(),
		FileName:     fileName,
		SourceFileID: sourceFileID,
		Chunks:       chunks,
		Status:       models.StatusProcessing,
		TotalChunks:  len(chunks),
		CreatedAt:    time.Now(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = &jobEntry{job: job}
	for _, c := range chunks {
		m.chunkJobs[c.ID] = job.ID
	}
	m.mu.Unlock()

	m.log.Info("job created",
		"job", job.ID[:8],
		"file", fileName,
		"chunks", len(chunks))
	return job
}

// Dispatch starts one goroutine per chunk of a job returned by CreateJob.
func (m *Manager) Dispatch(job *models.Job) {
	if m.hooks.QueuedDelta != nil {
		m.hooks.QueuedDelta(len(job.Chunks))
	}
	for _, chunk := range job.Chunks {
		go m.processChunk(job.ID, chunk)
	}
}

// processChunk runs one chunk through the breaker and provider and records
// the outcome. Every path records exactly one result.
func (m *Manager) processChunk(jobID string, chunk models.Chunk) {
	defer func() {
		if m.hooks.QueuedDelta != nil {
			m.hooks.QueuedDelta(-1)
		}
	}()

	start := time.Now()
	res := models.ChunkResult{
		ChunkID:   chunk.ID,
		StartPage: chunk.StartPage,
		EndPage:   chunk.EndPage,
	}

	if m.brk != nil && !m.brk.Allow() {
		res.Error = "analysis backend unavailable"
		m.log.Warn("chunk rejected by circuit breaker", "job", jobID[:8], "chunk", chunk.ID)
		m.recordResult(jobID, chunk, res)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	analysis, err := m.prov.AnalyzeChunk(ctx, chunk)
	if err == nil {
		err = m.prov.ValidateResult(analysis)
	}
	if err != nil {
		if m.brk != nil {
			m.brk.RecordFailure()
		}
		res.Error = err.Error()
		m.log.Error("chunk analysis failed",
			"job", jobID[:8],
			"chunk", chunk.ID,
			"pages", fmt.Sprintf("%d-%d", chunk.StartPage, chunk.EndPage),
			"error", err)
	} else {
		if m.brk != nil {
			m.brk.RecordSuccess()
		}
		res.Content = analysis.Content
		res.Model = analysis.Model
		res.Confidence = analysis.Confidence
		res.Pages = analysis.Pages
	}
	res.Duration = time.Since(start)
	m.recordResult(jobID, chunk, res)
}

// recordResult appends a chunk result under the lock and finalizes the job
// when the last chunk lands. Finalization runs at most once.
func (m *Manager) recordResult(jobID string, chunk models.Chunk, res models.ChunkResult) {
	m.mu.Lock()
	entry, ok := m.jobs[jobID]
	if !ok || entry.finalized {
		m.mu.Unlock()
		return
	}
	job := entry.job
	job.Results = append(job.Results, res)
	job.CompletedChunks = len(job.Results)

	done := job.CompletedChunks >= job.TotalChunks
	if done {
		entry.finalized = true
		for _, c := range job.Chunks {
			delete(m.chunkJobs, c.ID)
		}
		m.finalizeLocked(job)
	}
	hook := m.hooks.ChunkDone
	m.mu.Unlock()

	if hook != nil {
		hook(job, res)
	}
	if done {
		m.cleanupChunkFiles(job)
		if m.hooks.JobFinished != nil {
			m.hooks.JobFinished(job)
		}
	}
}

// finalizeLocked sorts results by page order and settles the final status.
// Caller holds the write lock.
func (m *Manager) finalizeLocked(job *models.Job) {
	sort.Slice(job.Results, func(i, j int) bool {
		return job.Results[i].StartPage < job.Results[j].StartPage
	})

	failed := 0
	for _, r := range job.Results {
		if r.Error != "" {
			failed++
		}
	}
	now := time.Now()
	job.CompletedAt = &now
	if failed > 0 {
		job.Status = models.StatusError
		job.Error = fmt.Sprintf("%d of %d chunks failed", failed, job.TotalChunks)
		m.log.Warn("job finished with errors",
			"job", job.ID[:8],
			"failed", failed,
			"total", job.TotalChunks)
	} else {
		job.Status = models.StatusCompleted
		m.log.Info("job completed",
			"job", job.ID[:8],
			"chunks", job.TotalChunks,
			"elapsed", now.Sub(job.CreatedAt).Round(time.Millisecond))
	}
}

// cleanupChunkFiles removes chunk temp files after the job settles.
func (m *Manager) cleanupChunkFiles(job *models.Job) {
	for _, c := range job.Chunks {
		if c.FilePath == "" {
			continue
		}
		if err := os.Remove(c.FilePath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove chunk file", "path", c.FilePath, "error", err)
		}
	}
}

// ResolveChunk maps a chunk ID to its job while the job is in flight.
func (m *Manager) ResolveChunk(chunkID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobID, ok := m.chunkJobs[chunkID]
	return jobID, ok
}

// GetStatus returns a point-in-time copy of the job for status reporting.
// Chunk goroutines keep mutating the live job under the lock, so handlers
// must never see the shared pointer while the job is in flight.
func (m *Manager) GetStatus(jobID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	snap := *entry.job
	snap.Results = append([]models.ChunkResult(nil), entry.job.Results...)
	return snap, nil
}

// GetResult returns the job's chunk results. A job still processing yields
// ErrNotFinished; an errored job yields its partial results alongside
// ErrJobFailed so callers can render both.
func (m *Manager) GetResult(jobID string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	job := entry.job
	switch job.Status {
	case models.StatusProcessing:
		return nil, ErrNotFinished
	case models.StatusError:
		return job, fmt.Errorf("%w: %s", ErrJobFailed, job.Error)
	default:
		return job, nil
	}
}

// CleanupOldJobs drops settled jobs older than maxAge and returns the IDs
// that were removed so callers can purge associated state.
func (m *Manager) CleanupOldJobs(maxAge time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var removed []string
	for id, entry := range m.jobs {
		job := entry.job
		if job.Status == models.StatusProcessing {
			continue
		}
		if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		m.log.Info("cleaned up old jobs", "removed", len(removed))
	}
	return removed
}
