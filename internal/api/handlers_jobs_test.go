// handlers_jobs_test.go - Tests for file listing, status, and result handlers
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/provider"
	"github.com/rules-engine/ocr-service/internal/testutil"
)

func TestJobsHandler_HandleListFiles(t *testing.T) {
	store := testutil.NewMockStorage(t.TempDir())
	for i := 0; i < 5; i++ {
		store.AddFile(fmt.Sprintf("f%d", i), fmt.Sprintf("doc%d.pdf", i), []byte("x"))
	}
	h := NewJobsHandler(store, newTestManager(t, &stubProvider{}))

	c, recorder := newContext(http.MethodGet, "/files/recent?limit=3", nil, "")
	require.NoError(t, h.HandleListFiles(c))
	require.Equal(t, http.StatusOK, recorder.Code)

	var files []models.FileInfo
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &files))
	assert.Len(t, files, 3)
}

func TestJobsHandler_HandleStatus(t *testing.T) {
	mgr := newTestManager(t, &stubProvider{})
	h := NewJobsHandler(testutil.NewMockStorage(t.TempDir()), mgr)

	j := mgr.CreateJob("doc.pdf", "file-1", testChunks(t, 2))
	mgr.Dispatch(j)
	waitSettled(t, mgr, j.ID)

	t.Run("known job", func(t *testing.T) {
		c, recorder := newContext(http.MethodGet, "/status/"+j.ID, nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues(j.ID)

		require.NoError(t, h.HandleStatus(c))
		require.Equal(t, http.StatusOK, recorder.Code)

		var resp statusResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(t, j.ID, resp.JobID)
		assert.Equal(t, models.StatusCompleted, resp.Status)
		assert.Equal(t, 2, resp.Progress.CompletedChunks)
		assert.Equal(t, 2, resp.Progress.TotalChunks)
		assert.InDelta(t, 100.0, resp.Progress.Percentage, 0.001)
	})

	t.Run("unknown job", func(t *testing.T) {
		c, _ := newContext(http.MethodGet, "/status/nope", nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues("nope")

		err := h.HandleStatus(c)
		parseAPIError(t, err, http.StatusNotFound, "NOT_FOUND")
	})
}

func TestJobsHandler_HandleResult(t *testing.T) {
	t.Run("still processing", func(t *testing.T) {
		prov := &stubProvider{release: make(chan struct{})}
		mgr := newTestManager(t, prov)
		h := NewJobsHandler(testutil.NewMockStorage(t.TempDir()), mgr)

		j := mgr.CreateJob("doc.pdf", "file-1", testChunks(t, 2))
		mgr.Dispatch(j)

		c, _ := newContext(http.MethodGet, "/result/"+j.ID, nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues(j.ID)

		err := h.HandleResult(c)
		parseAPIError(t, err, http.StatusBadRequest, "BAD_REQUEST")

		close(prov.release)
		waitSettled(t, mgr, j.ID)
	})

	t.Run("completed job aggregates content and confidence", func(t *testing.T) {
		prov := &stubProvider{analyze: func(chunk models.Chunk) (provider.ChunkAnalysis, error) {
			conf := 80.0
			if chunk.StartPage == 1 {
				conf = 100.0
			}
			return provider.ChunkAnalysis{
				Content:    fmt.Sprintf("chunk at %d", chunk.StartPage),
				Model:      "stub",
				Confidence: conf,
			}, nil
		}}
		mgr := newTestManager(t, prov)
		h := NewJobsHandler(testutil.NewMockStorage(t.TempDir()), mgr)

		j := mgr.CreateJob("doc.pdf", "file-1", testChunks(t, 2))
		mgr.Dispatch(j)
		waitSettled(t, mgr, j.ID)

		c, recorder := newContext(http.MethodGet, "/result/"+j.ID, nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues(j.ID)

		require.NoError(t, h.HandleResult(c))
		require.Equal(t, http.StatusOK, recorder.Code)

		var resp resultResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(t, models.StatusCompleted, resp.Status)
		assert.Equal(t, "chunk at 1\nchunk at 19", resp.Content)
		assert.InDelta(t, 90.0, resp.Confidence, 0.001)
		assert.Len(t, resp.Chunks, 2)
	})

	t.Run("failed job returns partial results", func(t *testing.T) {
		prov := &stubProvider{analyze: func(chunk models.Chunk) (provider.ChunkAnalysis, error) {
			if chunk.StartPage > 1 {
				return provider.ChunkAnalysis{}, errors.New("backend exploded")
			}
			return provider.ChunkAnalysis{Content: "first chunk", Confidence: 70}, nil
		}}
		mgr := newTestManager(t, prov)
		h := NewJobsHandler(testutil.NewMockStorage(t.TempDir()), mgr)

		j := mgr.CreateJob("doc.pdf", "file-1", testChunks(t, 2))
		mgr.Dispatch(j)
		waitSettled(t, mgr, j.ID)

		c, recorder := newContext(http.MethodGet, "/result/"+j.ID, nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues(j.ID)

		require.NoError(t, h.HandleResult(c))
		require.Equal(t, http.StatusOK, recorder.Code)

		var resp resultResponse
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, "first chunk", resp.Content)
		assert.Contains(t, resp.Error, "1 of 2 chunks failed")
		assert.Len(t, resp.Chunks, 2)
	})

	t.Run("unknown job", func(t *testing.T) {
		h := NewJobsHandler(testutil.NewMockStorage(t.TempDir()), newTestManager(t, &stubProvider{}))

		c, _ := newContext(http.MethodGet, "/result/nope", nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues("nope")

		err := h.HandleResult(c)
		parseAPIError(t, err, http.StatusNotFound, "NOT_FOUND")
	})
}

func TestJobsHandler_HandleResultMsgpack(t *testing.T) {
	mgr := newTestManager(t, &stubProvider{})
	h := NewJobsHandler(testutil.NewMockStorage(t.TempDir()), mgr)

	j := mgr.CreateJob("doc.pdf", "file-1", testChunks(t, 1))
	mgr.Dispatch(j)
	waitSettled(t, mgr, j.ID)

	c, recorder := newContext(http.MethodGet, "/result/"+j.ID, nil, "")
	c.Request().Header.Set("Accept", "application/msgpack")
	c.SetParamNames("jobId")
	c.SetParamValues(j.ID)

	require.NoError(t, h.HandleResult(c))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Header().Get("Content-Type"), "application/msgpack")

	var resp resultResponse
	require.NoError(t, msgpack.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.Equal(t, j.ID, resp.JobID)
	assert.Equal(t, models.StatusCompleted, resp.Status)
}
