// handlers_progress.go - Job progress polling and streaming handlers
package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/progress"
)

// ProgressHandlerImpl implements the ProgressHandler interface
type ProgressHandlerImpl struct {
	tracker *progress.Tracker

	pollInterval  time.Duration
	streamTimeout time.Duration
}

// NewProgressHandler creates a new progress handler instance
func NewProgressHandler(tracker *progress.Tracker) *ProgressHandlerImpl {
	return &ProgressHandlerImpl{
		tracker:       tracker,
		pollInterval:  500 * time.Millisecond,
		streamTimeout: 30 * time.Minute,
	}
}

// HandleProgress returns the current progress snapshot for a job
func (h *ProgressHandlerImpl) HandleProgress(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	snap, err := h.tracker.Snapshot(id)
	if err != nil {
		return NewNotFoundError("job", id)
	}
	return c.JSON(http.StatusOK, snap)
}

// HandleProgressStream streams progress via SSE. Events are coalesced: one
// is emitted only when the rounded percentage or the status changes. After
// the terminal event the job's progress record is purged.
func (h *ProgressHandlerImpl) HandleProgressStream(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	snap, err := h.tracker.Snapshot(id)
	if err != nil {
		return NewNotFoundError("job", id)
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	h.sendSSEData(c, snap)
	if snap.Status != progress.StatusProcessing {
		h.tracker.Delete(id)
		return nil
	}

	lastPercent := int(math.Round(snap.Percentage))
	lastStatus := snap.Status

	ticker := time.NewTicker(h.pollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(h.streamTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ticker.C:
			snap, err := h.tracker.Snapshot(id)
			if err != nil {
				h.sendSSEError(c, "job not found")
				return nil
			}

			percent := int(math.Round(snap.Percentage))
			if percent != lastPercent || snap.Status != lastStatus {
				h.sendSSEData(c, snap)
				lastPercent = percent
				lastStatus = snap.Status
			}

			if snap.Status != progress.StatusProcessing {
				h.tracker.Delete(id)
				return nil
			}

		case <-c.Request().Context().Done():
			return nil

		case <-timeout.C:
			h.sendSSEError(c, "stream timeout")
			return nil
		}
	}
}

func (h *ProgressHandlerImpl) sendSSEData(c echo.Context, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData)
	c.Response().Flush()
}

func (h *ProgressHandlerImpl) sendSSEError(c echo.Context, message string) {
	h.sendSSEData(c, map[string]string{"error": message})
}
