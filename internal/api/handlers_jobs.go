// handlers_jobs.go - File listing, job status, and result handlers
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/storage"
)

// JobsHandlerImpl implements the JobsHandler interface
type JobsHandlerImpl struct {
	store storage.Store
	jobs  *job.Manager
}

// NewJobsHandler creates a new jobs handler instance
func NewJobsHandler(store storage.Store, jobs *job.Manager) *JobsHandlerImpl {
	return &JobsHandlerImpl{store: store, jobs: jobs}
}

// HandleListFiles returns the most recently uploaded files
func (h *JobsHandlerImpl) HandleListFiles(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 1 || limit > 200 {
		limit = 20
	}
	files, err := h.store.List(limit)
	if err != nil {
		return NewInternalError("failed to list files", err)
	}
	return c.JSON(http.StatusOK, files)
}

// HandleStatus returns the current state of an extraction job
func (h *JobsHandlerImpl) HandleStatus(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	j, err := h.jobs.GetStatus(id)
	if err != nil {
		return NewNotFoundError("job", id)
	}

	pct := 0.0
	if j.TotalChunks > 0 {
		pct = float64(j.CompletedChunks) / float64(j.TotalChunks) * 100
	}
	return c.JSON(http.StatusOK, statusResponse{
		JobID:    j.ID,
		FileName: j.FileName,
		Status:   j.Status,
		Progress: statusProgress{
			CompletedChunks: j.CompletedChunks,
			TotalChunks:     j.TotalChunks,
			Percentage:      pct,
		},
		Error: j.Error,
	})
}

// HandleResult returns the aggregated extraction result. A job still
// processing yields 400; an errored job yields 200 with its partial results
// and the failure message so clients can render what succeeded. Responds in
// MessagePack when the Accept header asks for it.
func (h *JobsHandlerImpl) HandleResult(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	j, err := h.jobs.GetResult(id)
	switch {
	case errors.Is(err, job.ErrNotFound):
		return NewNotFoundError("job", id)
	case errors.Is(err, job.ErrNotFinished):
		return NewBadRequestError("job still processing", nil)
	case err != nil && !errors.Is(err, job.ErrJobFailed):
		return NewInternalError("failed to load result", err)
	}

	resp := buildResultResponse(j)
	if wantsMsgpack(c) {
		data, err := msgpack.Marshal(resp)
		if err != nil {
			return NewInternalError("failed to encode result", err)
		}
		return c.Blob(http.StatusOK, "application/msgpack", data)
	}
	return c.JSON(http.StatusOK, resp)
}

// Response types

type statusResponse struct {
	JobID    string           `json:"job_id"`
	FileName string           `json:"file_name"`
	Status   models.JobStatus `json:"status"`
	Progress statusProgress   `json:"progress"`
	Error    string           `json:"error,omitempty"`
}

type statusProgress struct {
	CompletedChunks int     `json:"completed_chunks"`
	TotalChunks     int     `json:"total_chunks"`
	Percentage      float64 `json:"percentage"`
}

type resultResponse struct {
	JobID      string               `json:"job_id" msgpack:"job_id"`
	FileName   string               `json:"file_name" msgpack:"file_name"`
	Status     models.JobStatus     `json:"status" msgpack:"status"`
	Content    string               `json:"content" msgpack:"content"`
	Confidence float64              `json:"confidence" msgpack:"confidence"`
	Chunks     []models.ChunkResult `json:"chunks" msgpack:"chunks"`
	Error      string               `json:"error,omitempty" msgpack:"error,omitempty"`
}

// buildResultResponse combines chunk contents in page order and averages
// their confidences. Failed chunks contribute zero confidence and no text.
func buildResultResponse(j *models.Job) resultResponse {
	var parts []string
	var confSum float64
	for _, r := range j.Results {
		if r.Error == "" {
			parts = append(parts, r.Content)
		}
		confSum += r.Confidence
	}

	confidence := 0.0
	if len(j.Results) > 0 {
		confidence = confSum / float64(len(j.Results))
	}

	return resultResponse{
		JobID:      j.ID,
		FileName:   j.FileName,
		Status:     j.Status,
		Content:    strings.Join(parts, "\n"),
		Confidence: confidence,
		Chunks:     j.Results,
		Error:      j.Error,
	}
}

func wantsMsgpack(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, "application/msgpack") ||
		strings.Contains(accept, "application/x-msgpack")
}
