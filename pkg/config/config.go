// Package config loads pipeline configuration: built-in defaults,
// overridden by an optional YAML settings file, overridden by
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration shared by all services. Immutable
// after Load.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Redis      RedisConfig      `yaml:"redis"`
	Bus        BusConfig        `yaml:"bus"`
	Store      StoreConfig      `yaml:"store"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Downloader DownloaderConfig `yaml:"downloader"`
	Translator TranslatorConfig `yaml:"translator"`
	Catalogue  CatalogueConfig  `yaml:"catalogue"`
	LLM        LLMConfig        `yaml:"llm"`
}

// HTTPConfig configures the manager's HTTP surface.
type HTTPConfig struct {
	Port            string `yaml:"port"`
	ScannerURL      string `yaml:"scanner_url"`      // base URL of the scanner service, for POST /scan forwarding
	ResultBase      string `yaml:"result_base"`      // base URL for result_url construction
	DefaultLanguage string `yaml:"default_language"` // desired language for webhook-created jobs
}

// RedisConfig configures the shared Redis connection (bus + job store
// + dedup tokens all live on the same instance).
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// BusConfig configures the topic exchange and subscription loops.
type BusConfig struct {
	Exchange          string        `yaml:"exchange"`
	BlockTimeout      time.Duration `yaml:"block_timeout"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"` // pending-entry age before reclaim
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	BindingsRefresh   time.Duration `yaml:"bindings_refresh"`
	HandlerTimeout    time.Duration `yaml:"handler_timeout"`
}

// StoreConfig configures job record retention.
type StoreConfig struct {
	DoneTTL   time.Duration `yaml:"done_ttl"`
	FailedTTL time.Duration `yaml:"failed_ttl"`
}

// DedupConfig configures the duplicate-suppression window.
type DedupConfig struct {
	Window time.Duration `yaml:"window"`
}

// ScannerConfig configures filesystem watching and periodic sync.
type ScannerConfig struct {
	MediaDirs       []string      `yaml:"media_dirs"`
	Language        string        `yaml:"language"`
	TargetLanguage  string        `yaml:"target_language"`
	DebounceWindow  time.Duration `yaml:"debounce_window"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	Port            string        `yaml:"port"`
	VideoExtensions []string      `yaml:"video_extensions"`
}

// DownloaderConfig configures the download-or-fallback decision tree.
type DownloaderConfig struct {
	TranslationEnabled bool   `yaml:"translation_enabled"`
	FallbackLanguage   string `yaml:"fallback_language"`
}

// TranslatorConfig configures the chunked translation engine.
type TranslatorConfig struct {
	ChunkSize     int           `yaml:"chunk_size"`
	CheckpointDir string        `yaml:"checkpoint_dir"`
	ResultBase    string        `yaml:"result_base"`
	ChunkTimeout  time.Duration `yaml:"chunk_timeout"`
}

// CatalogueConfig configures the external subtitle catalogue client.
type CatalogueConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LLMConfig configures the translation LLM client.
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            "8080",
			ScannerURL:      "http://localhost:8081",
			ResultBase:      "http://localhost:8080/subtitles",
			DefaultLanguage: "en",
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
			PoolSize:     10,
		},
		Bus: BusConfig{
			Exchange:          "subtitle.events",
			BlockTimeout:      2 * time.Second,
			VisibilityTimeout: 2 * time.Minute,
			BackoffInitial:    3 * time.Second,
			BackoffMax:        30 * time.Second,
			HealthInterval:    30 * time.Second,
			BindingsRefresh:   30 * time.Second,
			HandlerTimeout:    5 * time.Minute,
		},
		Store: StoreConfig{
			DoneTTL:   24 * time.Hour,
			FailedTTL: time.Hour,
		},
		Dedup: DedupConfig{
			Window: 30 * time.Minute,
		},
		Scanner: ScannerConfig{
			Language:        "en",
			DebounceWindow:  2 * time.Second,
			SyncInterval:    time.Hour,
			Port:            "8081",
			VideoExtensions: []string{".mp4", ".mkv", ".avi", ".mov", ".m4v", ".webm"},
		},
		Downloader: DownloaderConfig{
			TranslationEnabled: true,
			FallbackLanguage:   "en",
		},
		Translator: TranslatorConfig{
			ChunkSize:     50,
			CheckpointDir: "/var/lib/subweaver/checkpoints",
			ResultBase:    "http://localhost:8080/subtitles",
			ChunkTimeout:  60 * time.Second,
		},
		Catalogue: CatalogueConfig{
			BaseURL: "http://localhost:9000",
			Timeout: 60 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:9001",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			Timeout:     60 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML
// settings file at path (skipped when absent), then environment
// overrides. Returns an error only on a malformed settings file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("No settings file, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("reading settings file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
			}
			slog.Info("Loaded settings file", "path", path)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides selected settings from environment variables.
// Secrets are env-only; they never live in the YAML file.
func (c *Config) applyEnv() {
	c.HTTP.Port = getEnvOrDefault("HTTP_PORT", c.HTTP.Port)
	c.HTTP.ScannerURL = getEnvOrDefault("SCANNER_URL", c.HTTP.ScannerURL)
	c.HTTP.ResultBase = getEnvOrDefault("RESULT_BASE_URL", c.HTTP.ResultBase)

	c.Redis.Addr = getEnvOrDefault("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Username = getEnvOrDefault("REDIS_USERNAME", c.Redis.Username)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = db
		}
	}

	c.Scanner.Port = getEnvOrDefault("SCANNER_PORT", c.Scanner.Port)
	c.Scanner.Language = getEnvOrDefault("SCANNER_LANGUAGE", c.Scanner.Language)
	c.Scanner.TargetLanguage = getEnvOrDefault("SCANNER_TARGET_LANGUAGE", c.Scanner.TargetLanguage)

	if v := os.Getenv("TRANSLATION_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Downloader.TranslationEnabled = b
		}
	}
	c.Downloader.FallbackLanguage = getEnvOrDefault("FALLBACK_LANGUAGE", c.Downloader.FallbackLanguage)

	c.Translator.CheckpointDir = getEnvOrDefault("CHECKPOINT_DIR", c.Translator.CheckpointDir)
	if v := os.Getenv("TRANSLATION_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Translator.ChunkSize = n
		}
	}

	c.Catalogue.BaseURL = getEnvOrDefault("CATALOGUE_URL", c.Catalogue.BaseURL)
	c.Catalogue.APIKey = getEnvOrDefault("CATALOGUE_API_KEY", c.Catalogue.APIKey)

	c.LLM.BaseURL = getEnvOrDefault("LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = getEnvOrDefault("LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = getEnvOrDefault("LLM_MODEL", c.LLM.Model)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
