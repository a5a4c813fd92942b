// Package pdf converts PDF documents into page images and page-range chunks
// using the poppler and qpdf command line tools through an injectable Runner.
package pdf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PageImage is one rasterized page, referenced by its PNG file on disk.
type PageImage struct {
	Page int // 1-based
	Path string
}

// Config holds tool names and probe bounds for the rasterizer.
type Config struct {
	Pdfinfo  string // binary name or absolute path; if empty -> "pdfinfo"
	Pdftoppm string // binary name or absolute path; if empty -> "pdftoppm"
	TempDir  string // working storage root; if empty -> os.TempDir()

	// ProbeTimeout bounds each single-page render during the page-count
	// fallback; MaxProbePages caps the total iterations so a corrupt file
	// cannot block forever.
	ProbeTimeout  time.Duration
	MaxProbePages int
}

// Rasterizer opens PDF documents for validation and page conversion.
type Rasterizer struct {
	cfg    Config
	runner Runner
}

// NewRasterizer applies defaults and returns a Rasterizer.
func NewRasterizer(cfg Config, runner Runner) *Rasterizer {
	if cfg.Pdfinfo == "" {
		cfg.Pdfinfo = "pdfinfo"
	}
	if cfg.Pdftoppm == "" {
		cfg.Pdftoppm = "pdftoppm"
	}
	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.MaxProbePages <= 0 {
		cfg.MaxProbePages = 1000
	}
	if runner == nil {
		runner = ExecRunner()
	}
	return &Rasterizer{cfg: cfg, runner: runner}
}

// Document is one opened PDF scoped to its own scratch directory. Callers
// must Cleanup on every exit path.
type Document struct {
	r       *Rasterizer
	dir     string
	pdfPath string
	dpi     int

	PageCount int
	Metadata  map[string]string
}

// Open writes the PDF bytes into a fresh scratch directory and validates
// them. Higher dpi improves OCR accuracy at the cost of processing time; the
// value is recorded as-is, never overridden.
func (r *Rasterizer) Open(ctx context.Context, content []byte, dpi int) (*Document, error) {
	dir := filepath.Join(r.cfg.TempDir, uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}

	d := &Document{
		r:        r,
		dir:      dir,
		pdfPath:  filepath.Join(dir, "input.pdf"),
		dpi:      dpi,
		Metadata: make(map[string]string),
	}

	if err := os.WriteFile(d.pdfPath, content, 0o644); err != nil {
		d.Cleanup()
		return nil, fmt.Errorf("writing pdf: %w", err)
	}
	if err := d.validate(ctx); err != nil {
		d.Cleanup()
		return nil, err
	}
	return d, nil
}

var infoField = regexp.MustCompile(`(?m)^(Title|Author|Creator|Producer|File size|Pages):\s*(.+)$`)

// validate runs pdfinfo and fills PageCount and Metadata, falling back to an
// incremental render probe when the metadata has no page count.
func (d *Document) validate(ctx context.Context) error {
	out, errb, err := d.r.runner.Run(ctx, d.r.cfg.Pdfinfo, "-box", "-meta", d.pdfPath)
	if err != nil {
		return fmt.Errorf("%w: pdfinfo: %s", ErrInvalidDocument, firstLine(errb))
	}

	for _, m := range infoField.FindAllStringSubmatch(string(out), -1) {
		d.Metadata[m[1]] = strings.TrimSpace(m[2])
	}

	if pages, ok := d.Metadata["Pages"]; ok {
		n, err := strconv.Atoi(pages)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: unparseable page count %q", ErrInvalidDocument, pages)
		}
		d.PageCount = n
	} else {
		n, err := d.probePageCount(ctx)
		if err != nil {
			return err
		}
		d.PageCount = n
	}

	if d.PageCount == 0 {
		return fmt.Errorf("%w: document contains no pages", ErrInvalidDocument)
	}

	slog.Info("pdf validated", "pages", d.PageCount, "dpi", d.dpi)
	return nil
}

// probePageCount renders pages one at a time until a page fails to
// materialize. Each render carries its own timeout and the loop is capped, so
// a corrupt file cannot block indefinitely.
func (d *Document) probePageCount(ctx context.Context) (int, error) {
	slog.Info("page count missing from metadata, probing with single-page renders")

	probeDir := filepath.Join(d.dir, "probe")
	if err := os.MkdirAll(probeDir, 0o755); err != nil {
		return 0, fmt.Errorf("creating probe directory: %w", err)
	}
	defer os.RemoveAll(probeDir)

	count := 0
	for page := 1; page <= d.r.cfg.MaxProbePages; page++ {
		ok, err := d.probePage(ctx, probeDir, page)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		count = page
	}

	if count == 0 {
		return 0, fmt.Errorf("%w: first page failed to render", ErrInvalidDocument)
	}
	return count, nil
}

func (d *Document) probePage(ctx context.Context, probeDir string, page int) (bool, error) {
	pctx, cancel := context.WithTimeout(ctx, d.r.cfg.ProbeTimeout)
	defer cancel()

	prefix := filepath.Join(probeDir, fmt.Sprintf("probe_%d", page))
	_, _, err := d.r.runner.Run(pctx, d.r.cfg.Pdftoppm,
		"-f", strconv.Itoa(page), "-l", strconv.Itoa(page), "-png", d.pdfPath, prefix)

	matches, _ := filepath.Glob(prefix + "-*.png")
	for _, m := range matches {
		defer os.Remove(m)
	}

	if err != nil {
		// Past-the-end renders exit non-zero; for page 1 that means the file
		// itself is unreadable.
		if page == 1 {
			return false, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
		}
		return false, nil
	}
	if len(matches) == 0 {
		// Exited 0 but wrote nothing. Never wait for the file to appear.
		if page == 1 {
			return false, fmt.Errorf("%w: pdftoppm exited 0 for page 1", ErrToolFailure)
		}
		return false, nil
	}
	return true, nil
}

// Rasterize converts every page to a PNG at the document's DPI and returns
// the images ordered by page number.
func (d *Document) Rasterize(ctx context.Context) ([]PageImage, error) {
	threads := runtime.NumCPU()
	if d.PageCount < threads {
		threads = d.PageCount
	}

	prefix := filepath.Join(d.dir, "page")
	_, errb, err := d.r.runner.Run(ctx, d.r.cfg.Pdftoppm,
		"-png",
		"-r", strconv.Itoa(d.dpi),
		"-thread", strconv.Itoa(threads),
		"-aa", "yes",
		"-cropbox",
		d.pdfPath, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: pdftoppm: %s", ErrConversionFailed, firstLine(errb))
	}

	matches, _ := filepath.Glob(prefix + "-*.png")
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: pdftoppm produced no images for %d pages", ErrConversionFailed, d.PageCount)
	}

	pages := make([]PageImage, 0, len(matches))
	for _, path := range matches {
		n, err := pageNumber(path)
		if err != nil {
			slog.Warn("skipping unparseable page image", "path", path, "error", err)
			continue
		}
		pages = append(pages, PageImage{Page: n, Path: path})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })

	if len(pages) < d.PageCount {
		slog.Warn("rasterized fewer pages than expected", "got", len(pages), "want", d.PageCount)
	}
	return pages, nil
}

// Cleanup removes the scratch directory. Failures are logged, not propagated.
func (d *Document) Cleanup() {
	if err := os.RemoveAll(d.dir); err != nil {
		slog.Error("cleaning scratch directory", "dir", d.dir, "error", err)
	}
}

// pageNumber extracts N from a pdftoppm output name like "page-000N.png".
func pageNumber(path string) (int, error) {
	base := strings.TrimSuffix(filepath.Base(path), ".png")
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return 0, fmt.Errorf("no page suffix in %q", path)
	}
	return strconv.Atoi(base[i+1:])
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
