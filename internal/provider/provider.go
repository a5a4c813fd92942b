// Package provider abstracts the downstream analysis backends that turn a
// PDF chunk into extracted content.
package provider

import (
	"context"
	"errors"

	"github.com/rules-engine/ocr-service/internal/models"
)

// ErrInvalidResult is returned by ValidateResult when a provider response is
// structurally unusable and should count as a failure.
var ErrInvalidResult = errors.New("invalid provider result")

// ChunkAnalysis is the provider's output for one chunk. Pages is populated
// by providers that produce a per-page breakdown, with page numbers in
// document coordinates.
type ChunkAnalysis struct {
	Content    string              `json:"content"`
	Model      string              `json:"model"`
	Confidence float64             `json:"confidence"` // 0-100
	Pages      []models.PageResult `json:"-"`
}

// Metrics reports cumulative provider usage counters.
type Metrics struct {
	ChunksProcessed int64 `json:"chunks_processed"`
	ChunksFailed    int64 `json:"chunks_failed"`
	TotalTokens     int64 `json:"total_tokens,omitempty"`
}

// Provider analyzes one chunk at a time. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// AnalyzeChunk extracts content from the chunk's PDF file.
	AnalyzeChunk(ctx context.Context, chunk models.Chunk) (ChunkAnalysis, error)

	// ValidateResult checks a response before it is recorded.
	ValidateResult(res ChunkAnalysis) error

	// Metrics returns usage counters accumulated since startup.
	Metrics() Metrics
}
