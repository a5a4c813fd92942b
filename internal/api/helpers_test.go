// helpers_test.go - Shared fixtures for API handler tests
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/pdf"
	"github.com/rules-engine/ocr-service/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubProvider implements provider.Provider with a configurable analyze
// function. The zero value returns a fixed successful analysis.
type stubProvider struct {
	analyze func(chunk models.Chunk) (provider.ChunkAnalysis, error)
	// release, when set, blocks every AnalyzeChunk until closed so tests can
	// observe jobs mid-flight.
	release chan struct{}
}

func (s *stubProvider) Name() string { return "stub" }

func (s *stubProvider) AnalyzeChunk(ctx context.Context, chunk models.Chunk) (provider.ChunkAnalysis, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return provider.ChunkAnalysis{}, ctx.Err()
		}
	}
	if s.analyze != nil {
		return s.analyze(chunk)
	}
	return provider.ChunkAnalysis{
		Content:    fmt.Sprintf("pages %d-%d", chunk.StartPage, chunk.EndPage),
		Model:      "stub",
		Confidence: 90,
	}, nil
}

func (s *stubProvider) ValidateResult(res provider.ChunkAnalysis) error { return nil }

func (s *stubProvider) Metrics() provider.Metrics { return provider.Metrics{} }

func newTestManager(t *testing.T, prov provider.Provider) *job.Manager {
	t.Helper()
	brk := breaker.New(breaker.Config{FailureThreshold: 100}, nil)
	return job.NewManager(prov, brk, 5*time.Second, testLogger())
}

// testChunks writes real chunk files so the manager's cleanup path works.
func testChunks(t *testing.T, n int) []models.Chunk {
	t.Helper()
	dir := t.TempDir()
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		path := fmt.Sprintf("%s/chunk_%d.pdf", dir, i)
		require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
		chunks[i] = models.Chunk{
			ID:        fmt.Sprintf("chunk-%08d", i),
			FilePath:  path,
			StartPage: i*18 + 1,
			EndPage:   i*18 + 20,
			PageCount: 20,
		}
	}
	return chunks
}

func waitSettled(t *testing.T, m *job.Manager, jobID string) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := m.GetStatus(jobID)
		require.NoError(t, err)
		if j.Status != models.StatusProcessing {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not settle", jobID)
	return models.Job{}
}

// multipartPDF builds a multipart request body with one file field plus any
// extra form values.
func multipartPDF(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func newContext(method, target string, body io.Reader, contentType string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

// fakeTools emulates the external PDF binaries well enough for the extract
// pipeline: pdfinfo reports a fixed page count, pdftoppm materializes one PNG
// per page, qpdf writes the requested chunk file.
type fakeTools struct {
	pages   int
	infoErr bool
	calls   []string
}

var pagesArg = regexp.MustCompile(`^\d+-\d+$`)

func (f *fakeTools) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.calls = append(f.calls, name)
	switch name {
	case "pdfinfo":
		if f.infoErr {
			return nil, []byte("Syntax Error: not a PDF"), fmt.Errorf("exit status 1")
		}
		return []byte(fmt.Sprintf("Pages: %d\n", f.pages)), nil, nil
	case "pdftoppm":
		prefix := args[len(args)-1]
		for p := 1; p <= f.pages; p++ {
			path := fmt.Sprintf("%s-%d.png", prefix, p)
			if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "qpdf":
		out := args[len(args)-1]
		var rng string
		for _, a := range args {
			if pagesArg.MatchString(a) {
				rng = a
			}
		}
		data := []byte("%PDF-1.4 pages " + rng)
		return nil, nil, os.WriteFile(out, data, 0o644)
	default:
		return nil, nil, fmt.Errorf("unexpected tool %s", name)
	}
}

// fakeEngine recognizes pages without tesseract, reporting page-numbered text.
type fakeEngine struct{}

func (fakeEngine) Name() string { return "fake" }

func (fakeEngine) RecognizePage(_ context.Context, page pdf.PageImage) (string, float64, error) {
	return fmt.Sprintf("text of page %d", page.Page), 85, nil
}

// parseAPIError asserts err is an APIError with the given status and code.
func parseAPIError(t *testing.T, err error, status int, code string) {
	t.Helper()
	require.Error(t, err)
	apiErr, ok := err.(*APIError)
	require.True(t, ok, "expected *APIError, got %T", err)
	require.Equal(t, status, apiErr.Status)
	require.Equal(t, code, apiErr.Code)
}

// sseEvents extracts the JSON payloads from an SSE response body.
func sseEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}
