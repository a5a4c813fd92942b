// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/ocr"
	"github.com/rules-engine/ocr-service/internal/pdf"
	"github.com/rules-engine/ocr-service/internal/progress"
	"github.com/rules-engine/ocr-service/internal/resultstore"
	"github.com/rules-engine/ocr-service/internal/rules"
	"github.com/rules-engine/ocr-service/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store      storage.Store
	Rasterizer *pdf.Rasterizer
	Splitter   *pdf.Splitter
	Pool       *ocr.Pool
	Jobs       *job.Manager
	Tracker    *progress.Tracker
	Results    *resultstore.Store
	Answerer   rules.Answerer
	Breaker    *breaker.Breaker
	Processing ProcessingOptions
	Version    string
	Logger     *slog.Logger
}

// Handlers holds all handler instances
type Handlers struct {
	Health   HealthHandler
	Extract  *ExtractHandlerImpl
	Progress ProgressHandler
	Jobs     JobsHandler
	Query    QueryHandler
	Socket   *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	return &Handlers{
		Health: NewHealthHandler(deps.Version, deps.Tracker, deps.Breaker),
		Extract: NewExtractHandler(deps.Store, deps.Rasterizer, deps.Splitter,
			deps.Pool, deps.Jobs, deps.Tracker, deps.Results, deps.Processing),
		Progress: NewProgressHandler(deps.Tracker),
		Jobs:     NewJobsHandler(deps.Store, deps.Jobs),
		Query:    NewQueryHandler(deps.Answerer),
		Socket:   NewWebSocketHandler(deps.Tracker, deps.Logger),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	// Health check
	e.GET("/health", handlers.Health.HandleHealth)

	// Extraction pipeline: /extract runs inline, /upload goes through the
	// chunked async job path
	e.POST("/extract", handlers.Extract.HandleExtract)
	e.POST("/upload", handlers.Extract.HandleUpload)
	e.GET("/extract/:jobId/pages", handlers.Extract.HandlePages)

	// Progress
	e.GET("/progress/:jobId", handlers.Progress.HandleProgress)
	e.GET("/progress-stream/:jobId", handlers.Progress.HandleProgressStream)
	e.GET("/ws/progress/:jobId", handlers.Socket.HandleProgressSocket)

	// Files and jobs
	e.GET("/files/recent", handlers.Jobs.HandleListFiles)
	e.GET("/status/:jobId", handlers.Jobs.HandleStatus)
	e.GET("/result/:jobId", handlers.Jobs.HandleResult)

	// Rules queries
	e.POST("/query", handlers.Query.HandleQuery)
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo) {
	e.HTTPErrorHandler = ErrorHandler
}
