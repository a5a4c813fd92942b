// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/progress"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	tracker *progress.Tracker
	brk     *breaker.Breaker
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, tracker *progress.Tracker, brk *breaker.Breaker) *HealthHandlerImpl {
	return &HealthHandlerImpl{version: version, tracker: tracker, brk: brk}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"version": h.version,
	}
	if h.tracker != nil {
		resp["active_jobs"] = h.tracker.Active()
	}
	if h.brk != nil {
		resp["breaker_state"] = h.brk.State()
	}
	return c.JSON(http.StatusOK, resp)
}
