// handlers_progress_test.go - Tests for progress polling and SSE streaming
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rules-engine/ocr-service/internal/progress"
)

func TestProgressHandler_HandleProgress(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.Start("job-1")
	tracker.SetTotal("job-1", 40)
	tracker.Add("job-1", 10)

	h := NewProgressHandler(tracker)

	t.Run("snapshot", func(t *testing.T) {
		c, recorder := newContext(http.MethodGet, "/progress/job-1", nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues("job-1")

		require.NoError(t, h.HandleProgress(c))
		require.Equal(t, http.StatusOK, recorder.Code)

		var snap progress.Snapshot
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snap))
		assert.Equal(t, "job-1", snap.JobID)
		assert.Equal(t, 40, snap.TotalUnits)
		assert.Equal(t, 10, snap.ProcessedUnits)
		assert.InDelta(t, 25.0, snap.Percentage, 0.001)
	})

	t.Run("unknown job", func(t *testing.T) {
		c, _ := newContext(http.MethodGet, "/progress/nope", nil, "")
		c.SetParamNames("jobId")
		c.SetParamValues("nope")

		err := h.HandleProgress(c)
		parseAPIError(t, err, http.StatusNotFound, "NOT_FOUND")
	})
}

func TestProgressHandler_StreamCoalescesEvents(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.Start("job-1")
	tracker.SetTotal("job-1", 100)

	h := NewProgressHandler(tracker)
	h.pollInterval = 2 * time.Millisecond

	// drive the job to completion while the stream is open
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			time.Sleep(5 * time.Millisecond)
			tracker.Add("job-1", 10)
		}
		tracker.Complete("job-1")
	}()

	c, recorder := newContext(http.MethodGet, "/progress-stream/job-1", nil, "")
	c.SetParamNames("jobId")
	c.SetParamValues("job-1")

	require.NoError(t, h.HandleProgressStream(c))
	wg.Wait()

	assert.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))

	events := sseEvents(recorder.Body.String())
	require.NotEmpty(t, events)

	var last progress.Snapshot
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1]), &last))
	assert.Equal(t, progress.StatusCompleted, last.Status)
	assert.InDelta(t, 100.0, last.Percentage, 0.001)

	// events only fire when the rounded percentage or status moves, so the
	// stream carries at most one event per distinct percent plus the initial
	// and terminal frames
	assert.LessOrEqual(t, len(events), 13)

	// the record is purged once the terminal event has been delivered
	_, err := tracker.Snapshot("job-1")
	assert.Error(t, err)
}

func TestProgressHandler_StreamAlreadyFinished(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.Start("job-1")
	tracker.SetTotal("job-1", 10)
	tracker.Add("job-1", 10)
	tracker.Complete("job-1")

	h := NewProgressHandler(tracker)

	c, recorder := newContext(http.MethodGet, "/progress-stream/job-1", nil, "")
	c.SetParamNames("jobId")
	c.SetParamValues("job-1")

	require.NoError(t, h.HandleProgressStream(c))

	events := sseEvents(recorder.Body.String())
	require.Len(t, events, 1)

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal([]byte(events[0]), &snap))
	assert.Equal(t, progress.StatusCompleted, snap.Status)

	_, err := tracker.Snapshot("job-1")
	assert.Error(t, err)
}

func TestProgressHandler_StreamUnknownJob(t *testing.T) {
	h := NewProgressHandler(progress.NewTracker())

	c, _ := newContext(http.MethodGet, "/progress-stream/nope", nil, "")
	c.SetParamNames("jobId")
	c.SetParamValues("nope")

	err := h.HandleProgressStream(c)
	parseAPIError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestProgressHandler_StreamReportsFailure(t *testing.T) {
	tracker := progress.NewTracker()
	tracker.Start("job-1")
	tracker.SetTotal("job-1", 10)

	h := NewProgressHandler(tracker)
	h.pollInterval = 2 * time.Millisecond

	go func() {
		time.Sleep(10 * time.Millisecond)
		tracker.Fail("job-1", "2 of 3 chunks failed")
	}()

	c, recorder := newContext(http.MethodGet, "/progress-stream/job-1", nil, "")
	c.SetParamNames("jobId")
	c.SetParamValues("job-1")

	require.NoError(t, h.HandleProgressStream(c))

	events := sseEvents(recorder.Body.String())
	require.NotEmpty(t, events)

	var last progress.Snapshot
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1]), &last))
	assert.Equal(t, progress.StatusError, last.Status)
	assert.Equal(t, "2 of 3 chunks failed", last.Error)
}
