package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rules-engine/ocr-service/internal/api"
	"github.com/rules-engine/ocr-service/internal/breaker"
	"github.com/rules-engine/ocr-service/internal/cache"
	"github.com/rules-engine/ocr-service/internal/config"
	"github.com/rules-engine/ocr-service/internal/job"
	"github.com/rules-engine/ocr-service/internal/metrics"
	"github.com/rules-engine/ocr-service/internal/models"
	"github.com/rules-engine/ocr-service/internal/ocr"
	"github.com/rules-engine/ocr-service/internal/pdf"
	"github.com/rules-engine/ocr-service/internal/progress"
	"github.com/rules-engine/ocr-service/internal/provider"
	"github.com/rules-engine/ocr-service/internal/resultstore"
	"github.com/rules-engine/ocr-service/internal/rules"
	"github.com/rules-engine/ocr-service/internal/storage"
)

// Version info (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// Get the executable's directory for config resolution
	exePath, err := os.Executable()
	if err != nil {
		fmt.Printf("Failed to get executable path: %v\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exePath)

	configPath := filepath.Join(exeDir, "ocr-service.yaml")
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Printf("Failed to create directories: %v\n", err)
		os.Exit(1)
	}

	// Initialize storage
	fileStore, err := storage.NewLocalStore(cfg.Storage.DataDirectory, cfg.Storage.MaxUploadMB<<20)
	if err != nil {
		fmt.Printf("Failed to initialize storage: %v\n", err)
		os.Exit(1)
	}

	// Metrics registry
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	// PDF tooling
	runner := pdf.ExecRunner()
	rast := pdf.NewRasterizer(pdf.Config{
		Pdfinfo:  cfg.Tools.Pdfinfo,
		Pdftoppm: cfg.Tools.Pdftoppm,
		TempDir:  cfg.Storage.TempDirectory,
	}, runner)
	splitter := pdf.NewSplitter(pdf.SplitConfig{
		Qpdf:          cfg.Tools.Qpdf,
		MaxChunkBytes: cfg.Processing.MaxChunkMB << 20,
		MinFreeBytes:  uint64(cfg.Storage.MinFreeMB) << 20,
	}, runner, func(string) (uint64, error) { return fileStore.FreeBytes() })

	// Circuit breaker, its state mirrored into the metrics gauge
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutSeconds) * time.Second,
		HalfOpenTimeout:  time.Duration(cfg.Breaker.HalfOpenTimeoutSeconds) * time.Second,
	}, m.ObserveBreaker())

	// The pool always exists: the inline /extract path OCRs locally even when
	// chunk analysis is delegated to a remote agent.
	engine := ocr.NewTesseractEngine(ocr.TesseractConfig{
		Language: cfg.Processing.OCRLanguage,
		DPI:      cfg.Processing.DPI,
	})
	ocrPool := ocr.NewPool(engine, cfg.Processing.OCRWorkers)

	// Chunk analysis: remote agent when configured, local OCR otherwise
	var prov provider.Provider
	var ocrProv *provider.OCRProvider
	if cfg.Agent.URL != "" {
		prov = provider.NewAgentProvider(provider.AgentConfig{
			BaseURL: cfg.Agent.URL,
			Model:   cfg.Agent.Model,
			Timeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		}, logger)
		logger.Info("using remote agent provider", "url", cfg.Agent.URL, "model", cfg.Agent.Model)
	} else {
		ocrProv = provider.NewOCRProvider(rast, ocrPool, provider.OCRConfig{
			DPI: cfg.Processing.DPI,
		}, logger)
		prov = ocrProv
		logger.Info("using local OCR provider",
			"language", cfg.Processing.OCRLanguage,
			"workers", cfg.Processing.OCRWorkers,
			"dpi", cfg.Processing.DPI)
	}

	tracker := progress.NewTracker()

	results, err := resultstore.New(cfg.Storage.TempDirectory, logger)
	if err != nil {
		fmt.Printf("Failed to initialize result store: %v\n", err)
		os.Exit(1)
	}
	defer results.Close()

	jobs := job.NewManager(prov, brk,
		time.Duration(cfg.Processing.ChunkTimeoutSeconds)*time.Second, logger)

	// Page-level progress from the local provider feeds the tracker directly
	if ocrProv != nil {
		ocrProv.OnPageProgress(func(chunk models.Chunk, completed int) {
			if jobID, ok := jobs.ResolveChunk(chunk.ID); ok {
				tracker.Add(jobID, completed)
				m.PagesProcessed.Add(float64(completed))
			}
		})
	}

	jobs.SetHooks(job.Hooks{
		QueuedDelta: func(n int) { m.QueuedChunks.Add(float64(n)) },
		ChunkDone: func(j *models.Job, res models.ChunkResult) {
			status := "ok"
			if res.Error != "" {
				status = "error"
			}
			m.ChunksProcessed.WithLabelValues(status).Inc()
			m.ChunkSeconds.Observe(res.Duration.Seconds())
			// the agent path has no page-level callbacks, count whole chunks
			if res.Pages == nil && res.Error == "" {
				pages := res.EndPage - res.StartPage + 1
				tracker.Add(j.ID, pages)
				m.PagesProcessed.Add(float64(pages))
			}
		},
		JobFinished: func(j *models.Job) {
			finishJob(j, tracker, results, fileStore, m, logger)
		},
	})

	// Query answering over finished extractions, memoized in the cache
	answerCache, closeCache := setupCache(cfg, logger)
	defer closeCache()

	keyword := &rules.Keyword{Lookup: func(documentID string) string {
		j, err := jobs.GetResult(documentID)
		if err != nil && !errors.Is(err, job.ErrJobFailed) {
			return ""
		}
		var parts []string
		for _, r := range j.Results {
			if r.Error == "" {
				parts = append(parts, r.Content)
			}
		}
		return strings.Join(parts, "\n")
	}}
	answerer := rules.NewCached(keyword, answerCache,
		time.Duration(cfg.Cache.TTLHours)*time.Hour, logger)
	answerer.OnHit = m.CacheHits.Inc
	answerer.OnMiss = m.CacheMisses.Inc

	// Handlers
	handlers := api.NewHandlers(&api.Dependencies{
		Store:      fileStore,
		Rasterizer: rast,
		Splitter:   splitter,
		Pool:       ocrPool,
		Jobs:       jobs,
		Tracker:    tracker,
		Results:    results,
		Answerer:   answerer,
		Breaker:    brk,
		Processing: api.ProcessingOptions{
			ChunkSizePages:    cfg.Processing.ChunkSizePages,
			ChunkOverlapPages: cfg.Processing.ChunkOverlapPages,
			DPI:               cfg.Processing.DPI,
		},
		Version: Version,
		Logger:  logger,
	})
	handlers.Extract.OnJobStarted(func(j *models.Job, totalPages int) {
		m.PDFsProcessed.Inc()
		m.JobsInProgress.Inc()
		logger.Info("extraction started",
			"job", j.ID[:8],
			"file", j.FileName,
			"pages", totalPages,
			"chunks", j.TotalChunks)
	})

	// Background cleanup of settled jobs and their result pages
	go func() {
		ticker := time.NewTicker(time.Duration(cfg.Processing.CleanupMinutes) * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			ttl := time.Duration(cfg.Processing.JobTTLMinutes) * time.Minute
			for _, id := range jobs.CleanupOldJobs(ttl) {
				tracker.Delete(id)
				if err := results.DeleteJob(id); err != nil {
					logger.Warn("failed to drop result pages", "job", id[:8], "error", err)
				}
			}
			// settled records from the inline path have no job entry
			for _, id := range tracker.CleanupStale(ttl) {
				if err := results.DeleteJob(id); err != nil {
					logger.Warn("failed to drop result pages", "job", id[:8], "error", err)
				}
			}
		}
	}()

	e := echo.New()
	e.HideBanner = true
	api.SetupMiddleware(e)

	// Configure middleware
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Skipper: func(c echo.Context) bool {
			if !cfg.Logging.EnableRequestLogging {
				return true
			}
			path := c.Request().URL.Path
			return strings.HasPrefix(path, "/progress") ||
				strings.HasPrefix(path, "/status") ||
				path == "/health" || path == "/metrics"
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
	}))

	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.Contains(path, "/progress-stream") ||
				strings.Contains(path, "/ws/") ||
				strings.Contains(path, "/extract") ||
				strings.Contains(path, "/upload") ||
				c.Request().Header.Get("Accept") == "text/event-stream"
		},
		ErrorMessage: "Request timeout",
	}))

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return strings.Contains(c.Request().URL.Path, "/ws/") ||
				c.Request().Header.Get("Accept") == "text/event-stream"
		},
	}))

	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
		}))
	}

	api.RegisterRoutes(e, handlers)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	s := &http.Server{
		Addr:         cfg.GetServerAddr(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	logger.Info("server starting",
		"version", Version,
		"build_time", BuildTime,
		"addr", cfg.GetServerAddr(),
		"config", configPath,
		"data_dir", cfg.Storage.DataDirectory)

	go func() {
		if err := e.StartServer(s); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

// finishJob settles a job's progress record, persists its page results with
// overlap pages deduplicated, and releases the uploaded file and chunk
// directory.
func finishJob(j *models.Job, tracker *progress.Tracker, results *resultstore.Store,
	fileStore storage.Store, m *metrics.Metrics, logger *slog.Logger) {

	if j.Status == models.StatusError {
		tracker.Fail(j.ID, j.Error)
	} else {
		tracker.Complete(j.ID)
	}
	m.JobsFinished.WithLabelValues(string(j.Status)).Inc()
	m.JobsInProgress.Dec()
	if j.CompletedAt != nil {
		m.ExtractionSeconds.Observe(j.CompletedAt.Sub(j.CreatedAt).Seconds())
	}

	// overlapping chunks revisit boundary pages; keep the higher-confidence read
	byPage := make(map[int]models.PageResult)
	var confSum float64
	for _, r := range j.Results {
		confSum += r.Confidence
		for _, p := range r.Pages {
			if prev, ok := byPage[p.Page]; !ok || p.Confidence > prev.Confidence {
				byPage[p.Page] = p
			}
		}
	}
	if n := len(j.Results); n > 0 {
		m.Confidence.Observe(confSum / float64(n))
	}

	if len(byPage) > 0 {
		pages := make([]models.PageResult, 0, len(byPage))
		for _, p := range byPage {
			pages = append(pages, p)
		}
		sort.Slice(pages, func(i, j int) bool { return pages[i].Page < pages[j].Page })
		if err := results.SavePages(j.ID, pages); err != nil {
			logger.Error("failed to persist page results", "job", j.ID[:8], "error", err)
		}
	}

	if j.SourceFileID != "" {
		if err := fileStore.RemoveJob(j.SourceFileID); err != nil {
			logger.Warn("failed to remove chunk directory", "file", j.SourceFileID, "error", err)
		}
		if err := fileStore.Delete(j.SourceFileID); err != nil {
			logger.Warn("failed to remove uploaded file", "file", j.SourceFileID, "error", err)
		}
	}

	logger.Info("job finished",
		"job", j.ID[:8],
		"status", j.Status,
		"chunks", j.TotalChunks,
		"pages_saved", len(byPage))
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// setupCache returns the Redis-backed cache when configured, an in-memory
// cache otherwise.
func setupCache(cfg *config.AppConfig, logger *slog.Logger) (cache.Cache, func()) {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewMemory(), func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, "ocr")
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory cache",
			"addr", cfg.Cache.RedisAddr, "error", err)
		return cache.NewMemory(), func() {}
	}
	logger.Info("query cache backed by redis", "addr", cfg.Cache.RedisAddr)
	return r, func() { r.Close() }
}
