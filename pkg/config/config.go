package config

import (
	"os"
	"strconv"
	"time"

	"github.com/scanforge/scanforge/pkg/errdefs"
)

// Config holds process configuration. Values come from environment
// variables with sane defaults; the CLI layers flag overrides on top.
type Config struct {
	// Redis
	RedisURL string

	// Container runtime
	ContainerdSocket string
	ScannerImage     string
	NetworkMode      string
	ScanTimeout      time.Duration
	ContainerTTL     time.Duration
	CPULimit         float64
	MemoryLimitBytes int64
	PidsLimit        int64

	// Template library
	LibraryRoot string

	// LLM endpoint
	LLMURL         string
	LLMModel       string
	LLMTimeout     time.Duration
	LLMTemperature float64

	// CVE feed
	FeedURL      string
	FeedTimeout  time.Duration
	CVECacheTTL  time.Duration
	FeedWindow   time.Duration

	// Validation
	ReferenceTarget string
	MaxRefinements  int

	// Scheduler
	QueueSoftCap      int
	HeartbeatInterval time.Duration
	RetryBase         time.Duration
	RetryCap          time.Duration
	Concurrency       map[string]int

	// Logging
	LogLevel string
	LogJSON  bool
}

// Default returns the baseline configuration before env overrides.
func Default() *Config {
	return &Config{
		RedisURL:          "redis://localhost:6379/0",
		ContainerdSocket:  "",
		ScannerImage:      "projectdiscovery/nuclei:latest",
		NetworkMode:       "isolated",
		ScanTimeout:       30 * time.Minute,
		ContainerTTL:      5 * time.Minute,
		CPULimit:          1.0,
		MemoryLimitBytes:  1 << 30,
		PidsLimit:         512,
		LibraryRoot:       "/var/lib/scanforge/templates",
		LLMURL:            "http://ollama:11434/api/generate",
		LLMModel:          "llama3",
		LLMTimeout:        2000 * time.Second,
		LLMTemperature:    0.2,
		FeedURL:           "https://services.nvd.nist.gov/rest/json/cves/2.0",
		FeedTimeout:       30 * time.Second,
		CVECacheTTL:       24 * time.Hour,
		FeedWindow:        7 * 24 * time.Hour,
		ReferenceTarget:   "honey.scanme.sh",
		MaxRefinements:    3,
		QueueSoftCap:      1000,
		HeartbeatInterval: 15 * time.Second,
		RetryBase:         5 * time.Second,
		RetryCap:          5 * time.Minute,
		Concurrency: map[string]int{
			"scans":    2,
			"pipeline": 1,
			"generate": 4,
			"validate": 2,
			"refine":   2,
		},
		LogLevel: "info",
		LogJSON:  false,
	}
}

// FromEnv builds a Config from the environment on top of defaults.
func FromEnv() (*Config, error) {
	cfg := Default()

	strVar(&cfg.RedisURL, "REDIS_URL")
	strVar(&cfg.ContainerdSocket, "CONTAINERD_SOCKET")
	strVar(&cfg.ScannerImage, "SCANNER_IMAGE")
	strVar(&cfg.LibraryRoot, "TEMPLATE_LIBRARY_ROOT")
	strVar(&cfg.LLMURL, "LLM_URL")
	strVar(&cfg.LLMModel, "LLM_MODEL")
	strVar(&cfg.FeedURL, "CVE_FEED_URL")
	strVar(&cfg.ReferenceTarget, "REFERENCE_TARGET")
	strVar(&cfg.LogLevel, "LOG_LEVEL")

	if err := durVar(&cfg.ScanTimeout, "SCAN_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := durVar(&cfg.ContainerTTL, "CONTAINER_TTL"); err != nil {
		return nil, err
	}
	if err := durVar(&cfg.LLMTimeout, "LLM_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := durVar(&cfg.CVECacheTTL, "CVE_CACHE_TTL"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.MaxRefinements, "MAX_REFINEMENTS"); err != nil {
		return nil, err
	}
	if err := intVar(&cfg.QueueSoftCap, "QUEUE_SOFT_CAP"); err != nil {
		return nil, err
	}
	if v := os.Getenv("LOG_JSON"); v != "" {
		cfg.LogJSON = v == "1" || v == "true"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "redis url is required")
	}
	if c.LibraryRoot == "" {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "template library root is required")
	}
	if c.MaxRefinements < 0 {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "max refinements must be >= 0")
	}
	if c.QueueSoftCap <= 0 {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "queue soft cap must be > 0")
	}
	for name, n := range c.Concurrency {
		if n <= 0 {
			return errdefs.Wrapf(errdefs.ErrInvalidInput, "concurrency for queue %s must be > 0", name)
		}
	}
	return nil
}

func strVar(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func durVar(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "%s: %v", key, err)
	}
	*dst = d
	return nil
}

func intVar(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrInvalidInput, "%s: %v", key, err)
	}
	*dst = n
	return nil
}
