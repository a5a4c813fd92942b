package ocr

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/pdf"
)

// ProgressFunc receives the number of pages just completed after each batch.
// Batch size equals the worker limit, so it also controls progress-reporting
// granularity.
type ProgressFunc func(completed int)

// Pool executes page recognition concurrently, bounded by a worker limit.
type Pool struct {
	engine  Engine
	workers int
}

// NewPool creates a pool around engine with at most workers concurrent pages.
func NewPool(engine Engine, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{engine: engine, workers: workers}
}

// Workers returns the concurrency limit.
func (p *Pool) Workers() int { return p.workers }

// ProcessDocument recognizes every page and returns the results ordered by
// page number regardless of completion order. A failed page yields an empty
// PageResult with zero confidence and the error attached; sibling pages keep
// processing. onProgress is invoked once per batch.
func (p *Pool) ProcessDocument(ctx context.Context, pages []pdf.PageImage, onProgress ProgressFunc) ([]models.PageResult, error) {
	results := make([]models.PageResult, 0, len(pages))

	for start := 0; start < len(pages); start += p.workers {
		end := start + p.workers
		if end > len(pages) {
			end = len(pages)
		}
		batch := pages[start:end]

		batchResults := make([]models.PageResult, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(p.workers)

		for i, page := range batch {
			g.Go(func() error {
				batchResults[i] = p.recognize(gctx, page)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results = append(results, batchResults...)
		if onProgress != nil {
			onProgress(len(batch))
		}
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Page < results[j].Page })
	return results, nil
}

func (p *Pool) recognize(ctx context.Context, page pdf.PageImage) models.PageResult {
	text, conf, err := p.engine.RecognizePage(ctx, page)
	if err != nil {
		slog.Error("page recognition failed", "page", page.Page, "engine", p.engine.Name(), "error", err)
		return models.PageResult{Page: page.Page, Error: err.Error()}
	}
	slog.Debug("page recognized", "page", page.Page, "confidence", conf)
	return models.PageResult{Page: page.Page, Text: text, Confidence: clampConfidence(conf)}
}

// DocumentConfidence is the raw mean of per-page confidences on the [0,100]
// scale; failed pages contribute zero.
func DocumentConfidence(results []models.PageResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Confidence
	}
	return clampConfidence(sum / float64(len(results)))
}

// CombineText joins page texts in page order.
func CombineText(results []models.PageResult) string {
	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	return strings.Join(texts, "\n")
}
