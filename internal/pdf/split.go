package pdf

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/rules-engine/ocr-service/internal/models"
)

// PageRange is a 1-based inclusive page window.
type PageRange struct {
	Start int
	End   int
}

// Pages returns the number of pages covered by the range.
func (r PageRange) Pages() int { return r.End - r.Start + 1 }

// PlanChunks computes the sliding chunk windows for a document. Adjacent
// chunks overlap by `overlap` pages except possibly the final chunk. The
// max(1, ...) step guard keeps the window advancing even when overlap >=
// chunkSize, so planning always terminates.
func PlanChunks(totalPages, chunkSize, overlap int) []PageRange {
	if totalPages <= 0 || chunkSize <= 0 {
		return nil
	}
	if totalPages <= chunkSize {
		return []PageRange{{Start: 1, End: totalPages}}
	}

	step := chunkSize - overlap
	if step < 1 {
		step = 1
	}

	var plan []PageRange
	for start := 1; start <= totalPages; start += step {
		end := start + chunkSize - 1
		if end > totalPages {
			end = totalPages
		}
		plan = append(plan, PageRange{Start: start, End: end})
		if end == totalPages {
			break
		}
	}
	return plan
}

// SplitConfig holds the chunk materialization limits.
type SplitConfig struct {
	Qpdf          string // binary name or absolute path; if empty -> "qpdf"
	MaxChunkBytes int64  // 0 = no limit
	MinFreeBytes  uint64 // storage floor checked before each chunk write
}

// FreeSpaceFunc reports available bytes on the volume holding dir.
type FreeSpaceFunc func(dir string) (uint64, error)

// Splitter materializes planned page ranges as self-contained sub-documents.
type Splitter struct {
	cfg    SplitConfig
	runner Runner
	free   FreeSpaceFunc
}

// NewSplitter creates a Splitter. free may be nil to skip space checks.
func NewSplitter(cfg SplitConfig, runner Runner, free FreeSpaceFunc) *Splitter {
	if cfg.Qpdf == "" {
		cfg.Qpdf = "qpdf"
	}
	if runner == nil {
		runner = ExecRunner()
	}
	return &Splitter{cfg: cfg, runner: runner, free: free}
}

// Split writes one sub-document per planned range into dir. It fails fast
// with ErrInsufficientStorage before writing when space runs low, and rejects
// any chunk file exceeding the byte limit with ErrChunkTooLarge. Already
// written chunks are left for the caller's cleanup path.
func (s *Splitter) Split(ctx context.Context, pdfPath, dir string, plan []PageRange) ([]models.Chunk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}

	chunks := make([]models.Chunk, 0, len(plan))
	for _, pr := range plan {
		if err := s.checkSpace(dir); err != nil {
			return chunks, err
		}

		id := uuid.New().String()
		outPath := filepath.Join(dir, fmt.Sprintf("chunk_%d_%d_%s.pdf", pr.Start, pr.End, id[:8]))

		pageRange := strconv.Itoa(pr.Start) + "-" + strconv.Itoa(pr.End)
		_, errb, err := s.runner.Run(ctx, s.cfg.Qpdf, pdfPath, "--pages", ".", pageRange, "--", outPath)
		if err != nil {
			os.Remove(outPath)
			return chunks, fmt.Errorf("%w: qpdf pages %s: %s", ErrToolFailure, pageRange, firstLine(errb))
		}

		st, err := os.Stat(outPath)
		if err != nil {
			return chunks, fmt.Errorf("%w: qpdf exited 0 but %s is missing", ErrToolFailure, filepath.Base(outPath))
		}
		if s.cfg.MaxChunkBytes > 0 && st.Size() > s.cfg.MaxChunkBytes {
			os.Remove(outPath)
			return chunks, fmt.Errorf("%w: pages %s is %d bytes (limit %d)",
				ErrChunkTooLarge, pageRange, st.Size(), s.cfg.MaxChunkBytes)
		}

		chunks = append(chunks, models.Chunk{
			ID:        id,
			FilePath:  outPath,
			StartPage: pr.Start,
			EndPage:   pr.End,
			PageCount: pr.Pages(),
			SizeBytes: st.Size(),
		})
	}

	slog.Info("pdf split into chunks", "chunks", len(chunks), "dir", dir)
	return chunks, nil
}

func (s *Splitter) checkSpace(dir string) error {
	if s.free == nil || s.cfg.MinFreeBytes == 0 {
		return nil
	}
	avail, err := s.free(dir)
	if err != nil {
		return fmt.Errorf("checking free space: %w", err)
	}
	if avail < s.cfg.MinFreeBytes {
		return fmt.Errorf("%w: %d bytes available, %d required", ErrInsufficientStorage, avail, s.cfg.MinFreeBytes)
	}
	return nil
}
