package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"github.com/rules-engine/ocr-service/internal/pdf"
)

// TesseractConfig tunes the gosseract client.
type TesseractConfig struct {
	Language string // default "eng"
	PSM      int    // page segmentation mode; 0 = tesseract default
	DPI      int    // hint for images without density metadata; 0 = unset
}

// TesseractEngine recognizes pages with a fresh gosseract client per call,
// which keeps the engine safe for concurrent use from the worker pool.
type TesseractEngine struct {
	cfg           TesseractConfig
	clientFactory func() *gosseract.Client
}

// NewTesseractEngine constructs the Tesseract-backed engine.
func NewTesseractEngine(cfg TesseractConfig) *TesseractEngine {
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	return &TesseractEngine{cfg: cfg, clientFactory: gosseract.NewClient}
}

func (e *TesseractEngine) Name() string { return "tesseract" }

// RecognizePage extracts text and the mean word confidence for one page.
func (e *TesseractEngine) RecognizePage(ctx context.Context, page pdf.PageImage) (string, float64, error) {
	select {
	case <-ctx.Done():
		return "", 0, ctx.Err()
	default:
	}

	c := e.clientFactory()
	defer c.Close()

	if err := c.SetLanguage(e.cfg.Language); err != nil {
		return "", 0, fmt.Errorf("set language: %w", err)
	}
	if e.cfg.PSM > 0 {
		c.SetPageSegMode(gosseract.PageSegMode(e.cfg.PSM))
	}
	if e.cfg.DPI > 0 {
		if err := c.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(e.cfg.DPI)); err != nil {
			return "", 0, fmt.Errorf("set dpi: %w", err)
		}
	}
	if err := c.SetImage(page.Path); err != nil {
		return "", 0, fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return "", 0, fmt.Errorf("recognize page %d: %w", page.Page, err)
	}

	return text, e.meanWordConfidence(c), nil
}

// meanWordConfidence averages per-word confidences in [0,100]. Pages where
// the word boxes are unavailable fall back to zero rather than failing the
// page: the text is still usable.
func (e *TesseractEngine) meanWordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}
	var sum float64
	for _, b := range boxes {
		sum += clampConfidence(b.Confidence)
	}
	return clampConfidence(sum / float64(len(boxes)))
}
