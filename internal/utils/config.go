package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultCaptureURL    = "http://localhost:5173/login"
	DefaultCaptureOutput = "jules-scratch/verification/login_screenshot.png"
	defaultConfigFile    = "config.yaml"
)

// Viewport is the browser window size used for a capture, in CSS pixels.
type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// PostgresConfig describes the optional capture history database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// Config is the full application configuration.
type Config struct {
	Server struct {
		Host    string `yaml:"host"`
		Port    string `yaml:"port"`
		Prefork bool   `yaml:"prefork"`
	} `yaml:"server"`

	Capture struct {
		URL          string   `yaml:"url"`
		Output       string   `yaml:"output"`
		Engine       string   `yaml:"engine"`
		TimeoutSecs  int      `yaml:"timeout_secs"`
		FullPage     bool     `yaml:"full_page"`
		WaitSelector string   `yaml:"wait_selector"`
		Viewport     Viewport `yaml:"viewport"`

		// Timeout overrides TimeoutSecs when set, for sub-second precision.
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"capture"`

	Chrome struct {
		ChromePath  string `yaml:"chrome_path"`
		NoSandbox   bool   `yaml:"no_sandbox"`
		PoolSize    int    `yaml:"pool_size"`
		UserDataDir string `yaml:"user_data_dir"`
	} `yaml:"chrome"`

	Playwright struct {
		Install   bool   `yaml:"install"`
		DriverDir string `yaml:"driver_dir"`
	} `yaml:"playwright"`

	Limits struct {
		MaxImageBytes int `yaml:"max_image_bytes"`
	} `yaml:"limits"`

	Cache struct {
		ScreenshotCacheEnabled bool          `yaml:"screenshot_cache_enabled"`
		ScreenshotCacheTTL     time.Duration `yaml:"screenshot_cache_ttl"`
		RedisHost              string        `yaml:"redis_host"`
		RateLimitDB            int           `yaml:"rate_limit_db"`
		ScreenshotCacheDB      int           `yaml:"screenshot_cache_db"`
	} `yaml:"cache"`

	RateLimiter struct {
		Interval  time.Duration `yaml:"interval"`
		UserLimit int           `yaml:"user_limit"`
	} `yaml:"rate_limiter"`

	Auth struct {
		// Tokens maps an API key to its per-interval request limit. 0 means unlimited.
		Tokens map[string]int `yaml:"tokens"`
		// FromPostgres merges the tokens table of history.postgres over Tokens.
		FromPostgres    bool          `yaml:"from_postgres"`
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"auth"`

	History struct {
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"history"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`
}

var current struct {
	sync.RWMutex
	cfg Config
}

// DefaultConfig returns the configuration used when no file is present.
// It captures the local login page into the verification folder.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = ":8080"

	cfg.Capture.URL = DefaultCaptureURL
	cfg.Capture.Output = DefaultCaptureOutput
	cfg.Capture.Engine = "chromedp"
	cfg.Capture.TimeoutSecs = 30
	cfg.Capture.Viewport = Viewport{Width: 1280, Height: 720}

	cfg.Chrome.NoSandbox = true

	cfg.Limits.MaxImageBytes = 20 * 1024 * 1024

	cfg.Cache.ScreenshotCacheTTL = 10 * time.Minute
	cfg.Cache.RateLimitDB = 0
	cfg.Cache.ScreenshotCacheDB = 1

	cfg.RateLimiter.Interval = time.Minute

	cfg.Auth.RefreshInterval = time.Minute

	cfg.Logger.Level = "info"
	cfg.Logger.MaxSizeMB = 10
	cfg.Logger.MaxBackups = 3
	cfg.Logger.MaxAgeDays = 7
	return cfg
}

// ResolveConfigPath picks the config file: explicit path, then CONFIG_PATH,
// then ./config.yaml. An empty result means built-in defaults.
func ResolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

// Parse reads the YAML file at path on top of DefaultConfig without
// validating it. An empty path yields the defaults.
func Parse(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFrom parses and validates the file at path and makes it the current
// config. Invalid files and values panic.
func LoadFrom(path string) Config {
	cfg, err := Parse(path)
	if err != nil {
		panic(err.Error())
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("invalid config: %v", err))
	}
	SetConfig(cfg)
	return cfg
}

// GetConfig returns the most recently loaded config.
func GetConfig() Config {
	current.RLock()
	defer current.RUnlock()
	return current.cfg
}

// SetConfig replaces the package-level config.
func SetConfig(cfg Config) {
	current.Lock()
	current.cfg = cfg
	current.Unlock()
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Capture.URL) == "" {
		return errors.New("capture.url is empty")
	}
	if strings.TrimSpace(c.Capture.Output) == "" {
		return errors.New("capture.output is empty")
	}
	if c.Capture.TimeoutSecs <= 0 {
		return errors.New("capture.timeout_secs must be positive")
	}
	if c.Capture.Timeout < 0 {
		return errors.New("capture.timeout must not be negative")
	}
	if c.Capture.Viewport.Width <= 0 || c.Capture.Viewport.Height <= 0 {
		return errors.New("capture.viewport must be positive")
	}
	if c.Chrome.PoolSize < 0 {
		return errors.New("chrome.pool_size must not be negative")
	}
	if c.Limits.MaxImageBytes <= 0 {
		return errors.New("limits.max_image_bytes must be positive")
	}
	if c.RateLimiter.Interval <= 0 {
		return errors.New("rate_limiter.interval must be positive")
	}
	if c.RateLimiter.UserLimit < 0 {
		return errors.New("rate_limiter.user_limit must not be negative")
	}
	if c.Auth.FromPostgres && c.History.Postgres.Host == "" {
		return errors.New("auth.from_postgres needs history.postgres")
	}
	if c.Auth.RefreshInterval < 0 {
		return errors.New("auth.refresh_interval must not be negative")
	}
	for token, limit := range c.Auth.Tokens {
		if limit < 0 {
			return fmt.Errorf("auth.tokens[%s] must not be negative", token)
		}
	}
	return nil
}

// CaptureTimeout is capture.timeout when set, else capture.timeout_secs.
func (c Config) CaptureTimeout() time.Duration {
	if c.Capture.Timeout > 0 {
		return c.Capture.Timeout
	}
	return time.Duration(c.Capture.TimeoutSecs) * time.Second
}
