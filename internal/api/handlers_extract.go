// handlers_extract.go - PDF extraction pipeline handlers
package api

import (
	"bytes"
	"database/sql"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/ocr"
	"github.com/rules-engine/ocr-service/internal/pdf"
	"github.com/rules-engine/ocr-service/internal/progress"
	"github.com/rules-engine/ocr-service/internal/resultstore"
	"github.com/rules-engine/ocr-service/internal/storage"
)

// ProcessingOptions carries the chunking defaults for new extraction jobs.
type ProcessingOptions struct {
	ChunkSizePages    int
	ChunkOverlapPages int
	DPI               int
}

// ExtractHandlerImpl implements the ExtractHandler interface
type ExtractHandlerImpl struct {
	store    storage.Store
	rast     *pdf.Rasterizer
	splitter *pdf.Splitter
	pool     *ocr.Pool
	jobs     *job.Manager
	tracker  *progress.Tracker
	results  *resultstore.Store
	opts     ProcessingOptions

	// onJobStarted, when set, observes accepted chunked jobs.
	onJobStarted func(j *models.Job, totalPages int)
}

// NewExtractHandler creates a new extraction handler instance
func NewExtractHandler(store storage.Store, rast *pdf.Rasterizer, splitter *pdf.Splitter,
	pool *ocr.Pool, jobs *job.Manager, tracker *progress.Tracker, results *resultstore.Store,
	opts ProcessingOptions) *ExtractHandlerImpl {
	if opts.ChunkSizePages <= 0 {
		opts.ChunkSizePages = 20
	}
	if opts.ChunkOverlapPages < 0 {
		opts.ChunkOverlapPages = 0
	}
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	return &ExtractHandlerImpl{
		store:    store,
		rast:     rast,
		splitter: splitter,
		pool:     pool,
		jobs:     jobs,
		tracker:  tracker,
		results:  results,
		opts:     opts,
	}
}

// OnJobStarted registers an observer for accepted chunked jobs.
func (h *ExtractHandlerImpl) OnJobStarted(fn func(j *models.Job, totalPages int)) {
	h.onJobStarted = fn
}

// readUpload pulls the PDF out of the multipart form and validates the
// filename and optional dpi override.
func (h *ExtractHandlerImpl) readUpload(c echo.Context) (filename string, content []byte, dpi int, apiErr *APIError) {
	file, err := c.FormFile("file")
	if err != nil {
		return "", nil, 0, NewBadRequestError("no file provided", err)
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".pdf") {
		return "", nil, 0, NewValidationError("file: only .pdf accepted")
	}

	dpi = h.opts.DPI
	if v := c.FormValue("dpi"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 72 || parsed > 1200 {
			return "", nil, 0, NewValidationError("dpi")
		}
		dpi = parsed
	}

	src, err := file.Open()
	if err != nil {
		return "", nil, 0, NewBadRequestError("failed to read upload", err)
	}
	defer src.Close()

	content, err = io.ReadAll(src)
	if err != nil {
		return "", nil, 0, NewBadRequestError("failed to read upload", err)
	}
	return file.Filename, content, dpi, nil
}

// HandleExtract runs the whole pipeline inline: rasterize every page, OCR
// them through the worker pool, and return the combined text. Progress is
// tracked under a job ID exposed in the X-Job-ID header so clients can watch
// the extraction while the request is still in flight.
func (h *ExtractHandlerImpl) HandleExtract(c echo.Context) error {
	filename, content, dpi, apiErr := h.readUpload(c)
	if apiErr != nil {
		return apiErr
	}

	ctx := c.Request().Context()
	start := time.Now()

	doc, err := h.rast.Open(ctx, content, dpi)
	if err != nil {
		return FromPipelineError(err)
	}
	defer doc.Cleanup()

	jobID := uuid.New().String()
	h.tracker.Start(jobID)
	h.tracker.SetTotal(jobID, doc.PageCount)
	c.Response().Header().Set("X-Job-ID", jobID)

	images, err := doc.Rasterize(ctx)
	if err != nil {
		h.tracker.Fail(jobID, err.Error())
		return FromPipelineError(err)
	}

	pages, err := h.pool.ProcessDocument(ctx, images, func(n int) {
		h.tracker.Add(jobID, n)
	})
	if err != nil {
		h.tracker.Fail(jobID, err.Error())
		return FromPipelineError(err)
	}
	h.tracker.Complete(jobID)

	if h.results != nil {
		if err := h.results.SavePages(jobID, pages); err != nil {
			c.Logger().Warnf("failed to persist page results for %s: %v", jobID, err)
		}
	}

	elapsed := time.Since(start).Seconds()
	return c.JSON(http.StatusOK, extractResponse{
		Text: ocr.CombineText(pages),
		Metadata: extractMetadata{
			NumPages:          doc.PageCount,
			Filename:          filename,
			ProcessingSeconds: elapsed,
			DPI:               dpi,
			JobID:             jobID,
			Workers:           h.pool.Workers(),
			ParallelProcessed: len(images) > 1,
		},
		Confidence:     ocr.DocumentConfidence(pages),
		ProcessingTime: elapsed,
	})
}

// HandleUpload accepts a PDF, splits it into overlapping page-range chunks,
// and starts async processing. Responds 202 with the job ID, which is also
// exposed in the X-Job-ID header.
func (h *ExtractHandlerImpl) HandleUpload(c echo.Context) error {
	filename, content, dpi, apiErr := h.readUpload(c)
	if apiErr != nil {
		return apiErr
	}

	info, err := h.store.Save(filename, bytes.NewReader(content))
	if err != nil {
		return FromPipelineError(err)
	}

	ctx := c.Request().Context()

	// validate the document and learn its page count
	doc, err := h.rast.Open(ctx, content, dpi)
	if err != nil {
		h.store.Delete(info.ID)
		return FromPipelineError(err)
	}
	totalPages := doc.PageCount
	doc.Cleanup()

	srcPath, err := h.store.GetFilePath(info.ID)
	if err != nil {
		h.store.Delete(info.ID)
		return FromPipelineError(err)
	}
	jobDir, err := h.store.JobDir(info.ID)
	if err != nil {
		h.store.Delete(info.ID)
		return NewInternalError("failed to create job directory", err)
	}

	plan := pdf.PlanChunks(totalPages, h.opts.ChunkSizePages, h.opts.ChunkOverlapPages)
	chunks, err := h.splitter.Split(ctx, srcPath, jobDir, plan)
	if err != nil {
		h.store.RemoveJob(info.ID)
		h.store.Delete(info.ID)
		return FromPipelineError(err)
	}

	j := h.jobs.CreateJob(filename, info.ID, chunks)

	// progress is tracked in pages; overlapping pages count once per chunk
	unitTotal := 0
	for _, ch := range chunks {
		unitTotal += ch.PageCount
	}
	h.tracker.Start(j.ID)
	h.tracker.SetTotal(j.ID, unitTotal)

	if h.onJobStarted != nil {
		h.onJobStarted(j, totalPages)
	}

	// the tracker record and observers are in place, chunks may run now
	resp := uploadResponse{
		JobID:       j.ID,
		Status:      string(j.Status),
		FileName:    j.FileName,
		TotalPages:  totalPages,
		TotalChunks: j.TotalChunks,
	}
	h.jobs.Dispatch(j)

	c.Response().Header().Set("X-Job-ID", j.ID)
	return c.JSON(http.StatusAccepted, resp)
}

// HandlePages returns paginated per-page results for a finished job.
func (h *ExtractHandlerImpl) HandlePages(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	page, _ := strconv.Atoi(c.QueryParam("page"))
	if page < 1 {
		page = 1
	}
	pageSize, _ := strconv.Atoi(c.QueryParam("pageSize"))
	if pageSize < 1 || pageSize > 500 {
		pageSize = 50
	}

	results, total, err := h.results.Pages(c.Request().Context(), id, page, pageSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewNotFoundError("job", id)
		}
		return NewInternalError("failed to query page results", err)
	}

	return c.JSON(http.StatusOK, pagesResponse{
		JobID:    id,
		Pages:    results,
		Page:     page,
		PageSize: pageSize,
		Total:    total,
	})
}

// Response types

type extractResponse struct {
	Text           string          `json:"text"`
	Metadata       extractMetadata `json:"metadata"`
	Confidence     float64         `json:"confidence"`
	ProcessingTime float64         `json:"processing_time"`
}

type extractMetadata struct {
	NumPages          int     `json:"num_pages"`
	Filename          string  `json:"filename"`
	ProcessingSeconds float64 `json:"processing_time_seconds"`
	DPI               int     `json:"dpi"`
	JobID             string  `json:"job_id"`
	Workers           int     `json:"workers"`
	ParallelProcessed bool    `json:"parallel_processed"`
}

type uploadResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	FileName    string `json:"file_name"`
	TotalPages  int    `json:"total_pages"`
	TotalChunks int    `json:"total_chunks"`
}

type pagesResponse struct {
	JobID    string              `json:"job_id"`
	Pages    []models.PageResult `json:"pages"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	Total    int                 `json:"total"`
}
