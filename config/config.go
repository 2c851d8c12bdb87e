package config

import (
	"fmt"
	"time"
)

// Config represents a veil.yaml configuration file.
// All values are optional; zero values are replaced by defaults in
// ApplyDefaults. CLI flags always override config values.
type Config struct {
	Worker     WorkerConfig     `yaml:"worker"`
	Storage    StorageConfig    `yaml:"storage"`
	Extraction ExtractionConfig `yaml:"extraction"`
	Redis      RedisConfig      `yaml:"redis"`
	Services   ServicesConfig   `yaml:"services"`
	SSE        SSEConfig        `yaml:"sse"`
	Log        LogConfig        `yaml:"log"`
}

// WorkerConfig tunes the per-queue worker pools.
type WorkerConfig struct {
	// Concurrency is the pool size per queue.
	Concurrency int `yaml:"concurrency"`
	// RetryAttempts is the maximum delivery attempts for retriable failures.
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryDelay is the base backoff before the first retry.
	RetryDelay Duration `yaml:"retry_delay"`
	// JobTimeout is the per-job hard timeout.
	JobTimeout Duration `yaml:"job_timeout"`
	// StallWindow is how long a reserved job may go without a heartbeat.
	StallWindow Duration `yaml:"stall_window"`
	// MaxQueueDepth is the waiting-job ceiling per queue; enqueues beyond
	// it fail fast with queue_full.
	MaxQueueDepth int `yaml:"max_queue_depth"`
}

// StorageConfig selects the artifact store backend and accept ceiling.
type StorageConfig struct {
	// MaxFileSize is the upload accept ceiling in bytes.
	MaxFileSize int64 `yaml:"max_file_size"`
	// Backend is "fs" or "s3".
	Backend string `yaml:"backend"`
	// Path is the root directory for the fs backend.
	Path string `yaml:"path"`
	// Bucket, Prefix, Region, Endpoint, S3PathStyle configure the s3 backend.
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// ExtractionConfig tunes the text-extraction router.
type ExtractionConfig struct {
	// MaxTextLength is the truncate ceiling in bytes for extracted text.
	MaxTextLength int `yaml:"max_text_length"`
	// OCRLanguage is the language hint passed to the OCR service.
	OCRLanguage string `yaml:"ocr_language"`
}

// RedisConfig is the queue transport and durable store connection.
type RedisConfig struct {
	// URL is the Redis connection URL: redis://[:password@]host:port[/db]
	URL string `yaml:"url"`
}

// ServicesConfig locates the external collaborators.
type ServicesConfig struct {
	DetectorURL          string `yaml:"detector_url"`
	AnonymizerURL        string `yaml:"anonymizer_url"`
	DocumentExtractorURL string `yaml:"document_extractor_url"`
	OCRURL               string `yaml:"ocr_url"`
}

// SSEConfig controls the event fan-out HTTP surface.
type SSEConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// Defaults.
const (
	DefaultConcurrency   = 5
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultJobTimeout    = 30 * time.Minute
	DefaultStallWindow   = 30 * time.Second
	DefaultMaxQueueDepth = 1000
	DefaultMaxFileSize   = int64(100 * 1024 * 1024)
	DefaultMaxTextLength = 10 * 1024 * 1024
	DefaultOCRLanguage   = "eng"
	DefaultRedisURL      = "redis://localhost:6379"
	DefaultSSEAddr       = ":8090"
)

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = DefaultConcurrency
	}
	if c.Worker.RetryAttempts <= 0 {
		c.Worker.RetryAttempts = DefaultRetryAttempts
	}
	if c.Worker.RetryDelay.Duration <= 0 {
		c.Worker.RetryDelay.Duration = DefaultRetryDelay
	}
	if c.Worker.JobTimeout.Duration <= 0 {
		c.Worker.JobTimeout.Duration = DefaultJobTimeout
	}
	if c.Worker.StallWindow.Duration <= 0 {
		c.Worker.StallWindow.Duration = DefaultStallWindow
	}
	if c.Worker.MaxQueueDepth <= 0 {
		c.Worker.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if c.Storage.MaxFileSize <= 0 {
		c.Storage.MaxFileSize = DefaultMaxFileSize
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "fs"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "./data"
	}
	if c.Extraction.MaxTextLength <= 0 {
		c.Extraction.MaxTextLength = DefaultMaxTextLength
	}
	if c.Extraction.OCRLanguage == "" {
		c.Extraction.OCRLanguage = DefaultOCRLanguage
	}
	if c.Redis.URL == "" {
		c.Redis.URL = DefaultRedisURL
	}
	if c.SSE.Addr == "" {
		c.SSE.Addr = DefaultSSEAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "fs":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the fs backend")
		}
	case "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
