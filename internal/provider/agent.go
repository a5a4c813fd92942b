package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rules-engine/ocr-service/internal/models"
)

// AgentConfig configures the remote processing-agent provider.
type AgentConfig struct {
	BaseURL   string        // e.g. http://agent:9000
	Model     string        // model hint forwarded to the agent
	Timeout   time.Duration // per-chunk request timeout, default 120s
	MinLength int
}

// AgentProvider forwards chunk files to an external processing agent over
// HTTP and parses its JSON response.
type AgentProvider struct {
	cfg    AgentConfig
	client *http.Client
	log    *slog.Logger

	processed atomic.Int64
	failed    atomic.Int64
	tokens    atomic.Int64
}

// NewAgentProvider builds an HTTP-backed provider.
func NewAgentProvider(cfg AgentConfig, log *slog.Logger) *AgentProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &AgentProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

func (p *AgentProvider) Name() string { return "agent" }

type agentResponse struct {
	Content    string  `json:"content"`
	Model      string  `json:"model"`
	Confidence float64 `json:"confidence"`
	TokensUsed int64   `json:"tokens_used"`
	Error      string  `json:"error"`
}

// AnalyzeChunk uploads the chunk file as multipart form data and decodes the
// agent's response.
func (p *AgentProvider) AnalyzeChunk(ctx context.Context, chunk models.Chunk) (ChunkAnalysis, error) {
	content, err := readChunkFile(chunk.FilePath)
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("read chunk %s: %w", chunk.ID, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fmt.Sprintf("chunk_%s.pdf", chunk.ID[:8]))
	if err != nil {
		return ChunkAnalysis{}, err
	}
	if _, err := part.Write(content); err != nil {
		return ChunkAnalysis{}, err
	}
	mw.WriteField("model", p.cfg.Model)
	mw.WriteField("start_page", fmt.Sprintf("%d", chunk.StartPage))
	mw.WriteField("end_page", fmt.Sprintf("%d", chunk.EndPage))
	if err := mw.Close(); err != nil {
		return ChunkAnalysis{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/process"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return ChunkAnalysis{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("agent request for chunk %s: %w", chunk.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("agent returned %d for chunk %s: %s",
			resp.StatusCode, chunk.ID, truncate(raw, 512))
	}

	var out agentResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("decode agent response: %w", err)
	}
	if out.Error != "" {
		p.failed.Add(1)
		return ChunkAnalysis{}, fmt.Errorf("agent error for chunk %s: %s", chunk.ID, out.Error)
	}

	p.processed.Add(1)
	p.tokens.Add(out.TokensUsed)
	return ChunkAnalysis{
		Content:    out.Content,
		Model:      out.Model,
		Confidence: out.Confidence,
	}, nil
}

// ValidateResult rejects empty or out-of-range responses.
func (p *AgentProvider) ValidateResult(res ChunkAnalysis) error {
	if len(res.Content) < p.cfg.MinLength {
		return fmt.Errorf("%w: content shorter than %d bytes", ErrInvalidResult, p.cfg.MinLength)
	}
	if res.Confidence < 0 || res.Confidence > 100 {
		return fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidResult, res.Confidence)
	}
	return nil
}

func (p *AgentProvider) Metrics() Metrics {
	return Metrics{
		ChunksProcessed: p.processed.Load(),
		ChunksFailed:    p.failed.Load(),
		TotalTokens:     p.tokens.Load(),
	}
}

func readChunkFile(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("chunk has no file")
	}
	return os.ReadFile(path)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
