// interfaces.go - Handler interfaces for dependency injection and testing
package api

import "github.com/labstack/echo/v4"

// ExtractHandler handles the synchronous extraction entry point, the async
// chunked upload entry point, and page result queries.
type ExtractHandler interface {
	HandleExtract(c echo.Context) error
	HandleUpload(c echo.Context) error
	HandlePages(c echo.Context) error
}

// ProgressHandler serves progress polls and streams.
type ProgressHandler interface {
	HandleProgress(c echo.Context) error
	HandleProgressStream(c echo.Context) error
}

// JobsHandler serves file listing, status, and result endpoints.
type JobsHandler interface {
	HandleListFiles(c echo.Context) error
	HandleStatus(c echo.Context) error
	HandleResult(c echo.Context) error
}

// QueryHandler answers rules questions against extracted content.
type QueryHandler interface {
	HandleQuery(c echo.Context) error
}

// HealthHandler reports service liveness.
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}
