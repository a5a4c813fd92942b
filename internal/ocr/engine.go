// Package ocr runs text extraction over rasterized PDF pages through a
// bounded worker pool, preserving page order in the merged result.
package ocr

import (
	"context"

	"github.com/rules-engine/ocr-service/internal/pdf"
)

// Engine is the text-extraction capability for a single page image.
// Confidence is reported on the [0,100] scale.
type Engine interface {
	Name() string
	RecognizePage(ctx context.Context, page pdf.PageImage) (text string, confidence float64, err error)
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
