// Package config provides YAML-based configuration for the extraction
// service. A default file is written on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AppConfig is the root configuration structure.
type AppConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Processing ProcessingConfig `yaml:"processing"`
	Tools      ToolsConfig      `yaml:"tools"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Agent      AgentConfig      `yaml:"agent"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int    `yaml:"port"`
	BindAddress  string `yaml:"bind_address"`
	EnableCORS   bool   `yaml:"enable_cors"`
	AllowOrigins string `yaml:"allow_origins"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
	IdleTimeout  int    `yaml:"idle_timeout_seconds"`
	BodyLimit    string `yaml:"body_limit"`
}

// StorageConfig contains file storage settings.
type StorageConfig struct {
	DataDirectory string `yaml:"data_directory"`
	TempDirectory string `yaml:"temp_directory"`
	MaxUploadMB   int64  `yaml:"max_upload_mb"`
	MinFreeMB     int64  `yaml:"min_free_mb"`
}

// ProcessingConfig tunes the extraction pipeline.
type ProcessingConfig struct {
	ChunkSizePages      int    `yaml:"chunk_size_pages"`
	ChunkOverlapPages   int    `yaml:"chunk_overlap_pages"`
	MaxChunkMB          int64  `yaml:"max_chunk_mb"`
	OCRWorkers          int    `yaml:"ocr_workers"`
	OCRLanguage         string `yaml:"ocr_language"`
	DPI                 int    `yaml:"dpi"`
	ChunkTimeoutSeconds int    `yaml:"chunk_timeout_seconds"`
	JobTTLMinutes       int    `yaml:"job_ttl_minutes"`
	CleanupMinutes      int    `yaml:"cleanup_interval_minutes"`
}

// ToolsConfig names the external PDF binaries.
type ToolsConfig struct {
	Pdfinfo  string `yaml:"pdfinfo"`
	Pdftoppm string `yaml:"pdftoppm"`
	Qpdf     string `yaml:"qpdf"`
}

// BreakerConfig tunes the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	ResetTimeoutSeconds    int `yaml:"reset_timeout_seconds"`
	HalfOpenTimeoutSeconds int `yaml:"half_open_timeout_seconds"`
}

// AgentConfig points at an optional remote processing agent. When URL is
// empty the local OCR provider is used.
type AgentConfig struct {
	URL            string `yaml:"url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// CacheConfig configures the query answer cache.
type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	TTLHours      int    `yaml:"ttl_hours"`
}

// LoggingConfig contains log settings.
type LoggingConfig struct {
	Level                string `yaml:"level"`
	EnableRequestLogging bool   `yaml:"enable_request_logging"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8091,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "512M",
		},
		Storage: StorageConfig{
			DataDirectory: "./data",
			TempDirectory: "./data/temp",
			MaxUploadMB:   500,
			MinFreeMB:     1024,
		},
		Processing: ProcessingConfig{
			ChunkSizePages:      20,
			ChunkOverlapPages:   2,
			MaxChunkMB:          50,
			OCRWorkers:          4,
			OCRLanguage:         "eng",
			DPI:                 300,
			ChunkTimeoutSeconds: 300,
			JobTTLMinutes:       60,
			CleanupMinutes:      5,
		},
		Tools: ToolsConfig{
			Pdfinfo:  "pdfinfo",
			Pdftoppm: "pdftoppm",
			Qpdf:     "qpdf",
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			ResetTimeoutSeconds:    60,
			HalfOpenTimeoutSeconds: 30,
		},
		Agent: AgentConfig{
			URL:            "",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Cache: CacheConfig{
			RedisAddr: "",
			TTLHours:  168,
		},
		Logging: LoggingConfig{
			Level:                "info",
			EnableRequestLogging: true,
		},
	}
}

// LoadConfig loads configuration from a YAML file, writing the defaults
// when the file does not exist yet.
func LoadConfig(configPath string) (*AppConfig, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		config := DefaultConfig()
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		config.applyEnvironmentOverrides()
		config.resolvePaths(filepath.Dir(configPath))
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvironmentOverrides()
	config.resolvePaths(filepath.Dir(configPath))
	return config, nil
}

// Save writes the configuration to a YAML file.
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# OCR extraction service configuration\n# This file is auto-generated on first run\n\n")
	if err := os.WriteFile(configPath, append(header, output...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// applyEnvironmentOverrides lets deploy environments override key values.
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Storage.DataDirectory = dataDir
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		c.Cache.RedisAddr = redisAddr
	}
	if agentURL := os.Getenv("AGENT_URL"); agentURL != "" {
		c.Agent.URL = agentURL
	}
}

// resolvePaths converts relative paths to absolute based on the config file
// location.
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Storage.DataDirectory) {
		c.Storage.DataDirectory = filepath.Join(configDir, c.Storage.DataDirectory)
	}
	if !filepath.IsAbs(c.Storage.TempDirectory) {
		c.Storage.TempDirectory = filepath.Join(configDir, c.Storage.TempDirectory)
	}
}

// GetServerAddr returns the server bind address.
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// EnsureDirectories creates the storage directories.
func (c *AppConfig) EnsureDirectories() error {
	for _, dir := range []string{c.Storage.DataDirectory, c.Storage.TempDirectory} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
