// handlers_query.go - Rules question answering handler
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/rules-engine/ocr-service/internal/rules"
)

// QueryHandlerImpl implements the QueryHandler interface
type QueryHandlerImpl struct {
	answerer rules.Answerer
}

// NewQueryHandler creates a new query handler instance
func NewQueryHandler(answerer rules.Answerer) *QueryHandlerImpl {
	return &QueryHandlerImpl{answerer: answerer}
}

type queryRequest struct {
	Question   string `json:"question"`
	DocumentID string `json:"document_id"`
}

// HandleQuery answers a free-form question against extracted content
func (h *QueryHandlerImpl) HandleQuery(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid request body", err)
	}
	if req.Question == "" {
		return NewValidationError("question")
	}

	ans, err := h.answerer.Answer(c.Request().Context(), req.Question, req.DocumentID)
	if err != nil {
		return NewInternalError("failed to answer query", err)
	}
	return c.JSON(http.StatusOK, ans)
}
