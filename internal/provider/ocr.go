package provider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/ocr"
	"github.com/rules-engine/ocr-service/internal/pdf"
)

// OCRConfig tunes the local OCR provider.
type OCRConfig struct {
	DPI       int     // rasterization resolution, default 300
	ModelName string  // reported on results, default "tesseract"
	MinLength int     // minimum combined text length accepted by ValidateResult
}

// OCRProvider analyzes chunks locally: rasterize with poppler, then run the
// page pool against the OCR engine.
type OCRProvider struct {
	rast *pdf.Rasterizer
	pool *ocr.Pool
	cfg  OCRConfig
	log  *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64

	// onPages, when set, receives per-batch page completion counts keyed by
	// the chunk being analyzed. Wired to the progress tracker.
	onPages func(chunk models.Chunk, completed int)
}

// NewOCRProvider builds a local provider around the given rasterizer and pool.
func NewOCRProvider(rast *pdf.Rasterizer, pool *ocr.Pool, cfg OCRConfig, log *slog.Logger) *OCRProvider {
	if cfg.DPI <= 0 {
		cfg.DPI = 300
	}
	if cfg.ModelName == "" {
		cfg.ModelName = "tesseract"
	}
	if log == nil {
		log = slog.Default()
	}
	return &OCRProvider{rast: rast, pool: pool, cfg: cfg, log: log}
}

// OnPageProgress registers a callback invoked as pages of a chunk finish.
func (p *OCRProvider) OnPageProgress(fn func(chunk models.Chunk, completed int)) {
	p.onPages = fn
}

func (p *OCRProvider) Name() string { return "ocr" }

// AnalyzeChunk rasterizes the chunk file and OCRs every page.
func (p *OCRProvider) AnalyzeChunk(ctx context.Context, chunk models.Chunk) (ChunkAnalysis, error) {
	content, err := readChunkFile(chunk.FilePath)
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("read chunk %s: %w", chunk.ID, err)
	}

	doc, err := p.rast.Open(ctx, content, p.cfg.DPI)
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("open chunk %s: %w", chunk.ID, err)
	}
	defer doc.Cleanup()

	images, err := doc.Rasterize(ctx)
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("rasterize chunk %s: %w", chunk.ID, err)
	}

	var onProgress ocr.ProgressFunc
	if p.onPages != nil {
		onProgress = func(completed int) { p.onPages(chunk, completed) }
	}

	pages, err := p.pool.ProcessDocument(ctx, images, onProgress)
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("ocr chunk %s: %w", chunk.ID, err)
	}

	// shift page numbers from chunk-file coordinates to document coordinates
	for i := range pages {
		pages[i].Page += chunk.StartPage - 1
	}

	res := ChunkAnalysis{
		Content:    ocr.CombineText(pages),
		Model:      p.cfg.ModelName,
		Confidence: ocr.DocumentConfidence(pages),
		Pages:      pages,
	}
	p.processed.Add(1)
	p.log.Debug("chunk analyzed",
		"chunk", chunk.ID,
		"pages", len(pages),
		"confidence", res.Confidence)
	return res, nil
}

// ValidateResult rejects empty or out-of-range responses.
func (p *OCRProvider) ValidateResult(res ChunkAnalysis) error {
	if strings.TrimSpace(res.Content) == "" && p.cfg.MinLength > 0 {
		return fmt.Errorf("%w: empty content", ErrInvalidResult)
	}
	if len(res.Content) < p.cfg.MinLength {
		return fmt.Errorf("%w: content shorter than %d bytes", ErrInvalidResult, p.cfg.MinLength)
	}
	if res.Confidence < 0 || res.Confidence > 100 {
		return fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidResult, res.Confidence)
	}
	return nil
}

func (p *OCRProvider) Metrics() Metrics {
	return Metrics{
		ChunksProcessed: p.processed.Load(),
		ChunksFailed:    p.failed.Load(),
	}
}
