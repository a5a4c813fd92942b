// handlers_extract_test.go - Tests for the extraction pipeline handlers
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/ocr"
	"github.com/rules-engine/ocr-service/internal/pdf"
	"github.com/rules-engine/ocr-service/internal/progress"
	"github.com/rules-engine/ocr-service/internal/resultstore"
	"github.com/rules-engine/ocr-service/internal/storage"
	"github.com/rules-engine/ocr-service/internal/testutil"
)

func newExtractFixture(t *testing.T, tools *fakeTools) (*ExtractHandlerImpl, *testutil.MockStorage, *progress.Tracker) {
	t.Helper()

	store := testutil.NewMockStorage(t.TempDir())
	rast := pdf.NewRasterizer(pdf.Config{TempDir: t.TempDir()}, tools)
	splitter := pdf.NewSplitter(pdf.SplitConfig{}, tools, nil)
	pool := ocr.NewPool(fakeEngine{}, 2)
	jobs := newTestManager(t, &stubProvider{})
	tracker := progress.NewTracker()

	h := NewExtractHandler(store, rast, splitter, pool, jobs, tracker, nil,
		ProcessingOptions{ChunkSizePages: 20, ChunkOverlapPages: 2, DPI: 150})
	return h, store, tracker
}

func TestExtractHandler_UploadValidation(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		fields   map[string]string
		tools    *fakeTools
		noFile   bool
		wantCode int
		errCode  string
	}{
		{
			name:     "no file provided",
			noFile:   true,
			tools:    &fakeTools{pages: 10},
			wantCode: http.StatusBadRequest,
			errCode:  "BAD_REQUEST",
		},
		{
			name:     "wrong extension rejected",
			filename: "notes.txt",
			tools:    &fakeTools{pages: 10},
			wantCode: http.StatusBadRequest,
			errCode:  "VALIDATION_ERROR",
		},
		{
			name:     "dpi out of range",
			filename: "doc.pdf",
			fields:   map[string]string{"dpi": "9000"},
			tools:    &fakeTools{pages: 10},
			wantCode: http.StatusBadRequest,
			errCode:  "VALIDATION_ERROR",
		},
		{
			name:     "dpi not a number",
			filename: "doc.pdf",
			fields:   map[string]string{"dpi": "high"},
			tools:    &fakeTools{pages: 10},
			wantCode: http.StatusBadRequest,
			errCode:  "VALIDATION_ERROR",
		},
		{
			name:     "unreadable pdf",
			filename: "broken.pdf",
			tools:    &fakeTools{infoErr: true},
			wantCode: http.StatusBadRequest,
			errCode:  "BAD_REQUEST",
		},
		{
			name:     "accepted",
			filename: "manual.pdf",
			tools:    &fakeTools{pages: 45},
			wantCode: http.StatusAccepted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newExtractFixture(t, tt.tools)

			var ectx echo.Context
			var recorder *httptest.ResponseRecorder
			if tt.noFile {
				ectx, recorder = newContext(http.MethodPost, "/upload",
					strings.NewReader(""), "application/x-www-form-urlencoded")
			} else {
				body, contentType := multipartPDF(t, tt.filename, []byte("%PDF-1.4"), tt.fields)
				ectx, recorder = newContext(http.MethodPost, "/upload", body, contentType)
			}

			err := h.HandleUpload(ectx)
			if tt.errCode != "" {
				parseAPIError(t, err, tt.wantCode, tt.errCode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCode, recorder.Code)
		})
	}
}

func TestExtractHandler_UploadAcceptedResponse(t *testing.T) {
	h, _, tracker := newExtractFixture(t, &fakeTools{pages: 45})

	body, contentType := multipartPDF(t, "manual.pdf", []byte("%PDF-1.4"), nil)
	c, recorder := newContext(http.MethodPost, "/upload", body, contentType)

	require.NoError(t, h.HandleUpload(c))
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, resp.JobID, recorder.Header().Get("X-Job-ID"))
	assert.Equal(t, "manual.pdf", resp.FileName)
	assert.Equal(t, 45, resp.TotalPages)
	// 45 pages, chunk size 20, overlap 2: [1-20] [19-38] [37-45]
	assert.Equal(t, 3, resp.TotalChunks)

	snap, err := tracker.Snapshot(resp.JobID)
	require.NoError(t, err)
	// overlap pages are tracked once per chunk
	assert.Equal(t, 20+20+9, snap.TotalUnits)
}

func TestExtractHandler_UploadInvalidDocRemovesStoredFile(t *testing.T) {
	h, store, _ := newExtractFixture(t, &fakeTools{infoErr: true})

	body, contentType := multipartPDF(t, "broken.pdf", []byte("not a pdf"), nil)
	c, _ := newContext(http.MethodPost, "/upload", body, contentType)

	err := h.HandleUpload(c)
	parseAPIError(t, err, http.StatusBadRequest, "BAD_REQUEST")

	files, err := store.List(10)
	require.NoError(t, err)
	assert.Empty(t, files, "rejected upload should not linger in storage")
}

func TestExtractHandler_UploadJobDirFailureRemovesStoredFile(t *testing.T) {
	h, store, _ := newExtractFixture(t, &fakeTools{pages: 5})
	store.JobDirErr = errors.New("mkdir failed")

	body, contentType := multipartPDF(t, "manual.pdf", []byte("%PDF-1.4"), nil)
	c, _ := newContext(http.MethodPost, "/upload", body, contentType)

	err := h.HandleUpload(c)
	parseAPIError(t, err, http.StatusInternalServerError, "INTERNAL_ERROR")

	files, err := store.List(10)
	require.NoError(t, err)
	assert.Empty(t, files, "failed upload should not linger in storage")
}

func TestExtractHandler_UploadSaveFailureMapped(t *testing.T) {
	h, store, _ := newExtractFixture(t, &fakeTools{pages: 5})
	store.SaveErr = storage.ErrTooLarge

	body, contentType := multipartPDF(t, "big.pdf", []byte("%PDF-1.4"), nil)
	c, _ := newContext(http.MethodPost, "/upload", body, contentType)

	err := h.HandleUpload(c)
	parseAPIError(t, err, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE")
}

func TestExtractHandler_UploadTracksFastFailingJobs(t *testing.T) {
	store := testutil.NewMockStorage(t.TempDir())
	tools := &fakeTools{pages: 45}
	rast := pdf.NewRasterizer(pdf.Config{TempDir: t.TempDir()}, tools)
	splitter := pdf.NewSplitter(pdf.SplitConfig{}, tools, nil)

	// breaker already open: every chunk settles instantly, no provider call
	brk := breaker.New(breaker.Config{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	brk.RecordFailure()
	mgr := job.NewManager(&stubProvider{}, brk, 5*time.Second, testLogger())

	tracker := progress.NewTracker()
	mgr.SetHooks(job.Hooks{JobFinished: func(j *models.Job) {
		if j.Status == models.StatusError {
			tracker.Fail(j.ID, j.Error)
		} else {
			tracker.Complete(j.ID)
		}
	}})

	h := NewExtractHandler(store, rast, splitter, ocr.NewPool(fakeEngine{}, 2), mgr, tracker, nil,
		ProcessingOptions{ChunkSizePages: 20, ChunkOverlapPages: 2, DPI: 150})

	body, contentType := multipartPDF(t, "manual.pdf", []byte("%PDF-1.4"), nil)
	c, recorder := newContext(http.MethodPost, "/upload", body, contentType)
	require.NoError(t, h.HandleUpload(c))
	require.Equal(t, http.StatusAccepted, recorder.Code)

	var resp uploadResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	waitSettled(t, mgr, resp.JobID)

	// the finish hook must find the tracker record already registered, even
	// when the chunks settled before the handler returned
	var snap progress.Snapshot
	require.Eventually(t, func() bool {
		s, err := tracker.Snapshot(resp.JobID)
		if err != nil {
			return false
		}
		snap = s
		return s.Status == progress.StatusError
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, snap.Error, "chunks failed")

	// and the settled record is collectable, not stuck at processing
	assert.Contains(t, tracker.CleanupStale(0), resp.JobID)
}

func TestExtractHandler_InlineExtract(t *testing.T) {
	h, _, tracker := newExtractFixture(t, &fakeTools{pages: 3})

	body, contentType := multipartPDF(t, "manual.pdf", []byte("%PDF-1.4"), nil)
	c, recorder := newContext(http.MethodPost, "/extract", body, contentType)

	require.NoError(t, h.HandleExtract(c))
	require.Equal(t, http.StatusOK, recorder.Code)

	var resp extractResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))

	// page texts combined in page order
	assert.Equal(t, "text of page 1\ntext of page 2\ntext of page 3", resp.Text)
	assert.InDelta(t, 85.0, resp.Confidence, 0.001)
	assert.Equal(t, 3, resp.Metadata.NumPages)
	assert.Equal(t, "manual.pdf", resp.Metadata.Filename)
	assert.Equal(t, 150, resp.Metadata.DPI)
	assert.Equal(t, 2, resp.Metadata.Workers)
	assert.True(t, resp.Metadata.ParallelProcessed)
	assert.NotEmpty(t, resp.Metadata.JobID)
	assert.Equal(t, resp.Metadata.JobID, recorder.Header().Get("X-Job-ID"))

	// progress for the inline run is tracked to completion
	snap, err := tracker.Snapshot(resp.Metadata.JobID)
	require.NoError(t, err)
	assert.Equal(t, progress.StatusCompleted, snap.Status)
	assert.InDelta(t, 100.0, snap.Percentage, 0.001)
}

func TestExtractHandler_InlineExtractDPIOverride(t *testing.T) {
	h, _, _ := newExtractFixture(t, &fakeTools{pages: 1})

	body, contentType := multipartPDF(t, "doc.pdf", []byte("%PDF-1.4"),
		map[string]string{"dpi": "600"})
	c, recorder := newContext(http.MethodPost, "/extract", body, contentType)

	require.NoError(t, h.HandleExtract(c))

	var resp extractResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, 600, resp.Metadata.DPI)
}

func TestExtractHandler_InlineExtractRejectsNonPDF(t *testing.T) {
	h, _, _ := newExtractFixture(t, &fakeTools{pages: 1})

	body, contentType := multipartPDF(t, "notes.txt", []byte("hello"), nil)
	c, _ := newContext(http.MethodPost, "/extract", body, contentType)

	err := h.HandleExtract(c)
	parseAPIError(t, err, http.StatusBadRequest, "VALIDATION_ERROR")
}

func TestExtractHandler_HandlePages(t *testing.T) {
	results, err := resultstore.New(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer results.Close()

	pages := make([]models.PageResult, 30)
	for i := range pages {
		pages[i] = models.PageResult{Page: i + 1, Text: "text", Confidence: 88}
	}
	require.NoError(t, results.SavePages("job-1", pages))

	h := &ExtractHandlerImpl{results: results}

	t.Run("paginated", func(t *testing.T) {
		c, recorder := newContext(http.MethodGet, "/extract/job-1/pages?page=2&pageSize=10", nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues("job-1")

		require.NoError(t, h.HandlePages(c))
		require.Equal(t, http.StatusOK, recorder.Code)

		var resp pagesResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(t, 30, resp.Total)
		require.Len(t, resp.Pages, 10)
		assert.Equal(t, 11, resp.Pages[0].Page)
	})

	t.Run("unknown job", func(t *testing.T) {
		c, _ := newContext(http.MethodGet, "/extract/nope/pages", nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues("nope")

		err := h.HandlePages(c)
		parseAPIError(t, err, http.StatusNotFound, "NOT_FOUND")
	})
}
