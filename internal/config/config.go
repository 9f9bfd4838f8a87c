// Package config loads and validates the Overseer configuration. The config
// lives at ~/.overseer/config.yaml, is created with defaults on first run,
// and can be overridden with OVERSEER_* environment variables. The legacy
// environment variables VLLM_BASE_URL, SEARXNG_URL, and VLLM_DEFAULT_MODEL
// are honored for compatibility with the inference tooling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for Overseer.
type Config struct {
	Inference InferenceConfig `mapstructure:"inference" yaml:"inference"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	VRAM      VRAMConfig      `mapstructure:"vram" yaml:"vram"`
	Pool      PoolConfig      `mapstructure:"pool" yaml:"pool"`
	Council   CouncilConfig   `mapstructure:"council" yaml:"council"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Bench     BenchConfig     `mapstructure:"bench" yaml:"bench"`
	RSI       RSIConfig       `mapstructure:"rsi" yaml:"rsi"`
	Bus       BusConfig       `mapstructure:"bus" yaml:"bus"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// InferenceConfig configures the OpenAI-compatible inference client.
type InferenceConfig struct {
	// BaseURL is the inference server endpoint (vLLM or an OpenAI facade).
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// DefaultModel is the model used when no alias or explicit model is given.
	DefaultModel string `mapstructure:"default_model" yaml:"default_model"`
	// EmbeddingModel serves /v1/embeddings for ingestion and retrieval.
	EmbeddingModel string `mapstructure:"embedding_model" yaml:"embedding_model"`
	// Aliases maps the well-known aliases (default, coder, fast, tiny) to
	// concrete model identities. Unknown aliases pass through unchanged.
	Aliases map[string]string `mapstructure:"aliases" yaml:"aliases"`
	// Timeout is the overall per-call deadline.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SearchConfig configures the SearXNG meta-search client.
type SearchConfig struct {
	// BaseURL is the SearXNG endpoint.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	// Engines restricts the search engines used, comma separated. Empty
	// means the server default.
	Engines string `mapstructure:"engines" yaml:"engines,omitempty"`
	// Language is the search language code.
	Language string `mapstructure:"language" yaml:"language,omitempty"`
	// CacheTTL is how long search results are cached.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// StoreConfig configures the persistent memory store.
type StoreConfig struct {
	// DataDir is the directory holding the SQLite database and artifacts.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
	// CompactDays: entries older than this many days are compaction
	// candidates.
	CompactDays int `mapstructure:"compact_days" yaml:"compact_days"`
	// CompactMinImportance: entries below this importance are compaction
	// candidates.
	CompactMinImportance float64 `mapstructure:"compact_min_importance" yaml:"compact_min_importance"`
}

// VRAMConfig configures the GPU admission controller.
type VRAMConfig struct {
	// SafePercent is the fraction of total VRAM considered usable.
	SafePercent float64 `mapstructure:"safe_percent" yaml:"safe_percent"`
	// TotalMBOverride forces the total VRAM in MB when probing is not
	// possible (0 = probe).
	TotalMBOverride int `mapstructure:"total_mb_override" yaml:"total_mb_override"`
}

// PoolConfig configures the worker fleet.
type PoolConfig struct {
	// Size is the number of workers.
	Size int `mapstructure:"size" yaml:"size"`
	// SmallModels is the catalogue workers draw their model identities
	// from, round-robin.
	SmallModels []string `mapstructure:"small_models" yaml:"small_models"`
	// TaskTimeout is the per-task deadline.
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	// SubmitWait is how long Submit polls for an idle worker before
	// failing.
	SubmitWait time.Duration `mapstructure:"submit_wait" yaml:"submit_wait"`
}

// CouncilMember configures one member of the council ensemble.
type CouncilMember struct {
	Name           string  `mapstructure:"name" yaml:"name"`
	Model          string  `mapstructure:"model" yaml:"model"`
	Weight         float64 `mapstructure:"weight" yaml:"weight"`
	Specialization string  `mapstructure:"specialization" yaml:"specialization,omitempty"`
}

// CouncilConfig configures the consensus engine.
type CouncilConfig struct {
	Members []CouncilMember `mapstructure:"members" yaml:"members"`
	// Timeout bounds each member's response.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ExecutorConfig configures the top-level task executor.
type ExecutorConfig struct {
	// MaxRetries is the default plan retry budget when the supervisor
	// does not set one.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries"`
	// PlanTimeout is the default whole-plan deadline.
	PlanTimeout time.Duration `mapstructure:"plan_timeout" yaml:"plan_timeout"`
}

// BenchConfig configures the benchmark runner.
type BenchConfig struct {
	// Dir is where benchmark runs and baselines are persisted.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// RSIConfig configures the recursive self-improvement loop.
type RSIConfig struct {
	// MinImprovement is the minimum score delta required to accept.
	MinImprovement float64 `mapstructure:"min_improvement" yaml:"min_improvement"`
	// MaxRegression is the largest tolerated score regression.
	MaxRegression float64 `mapstructure:"max_regression" yaml:"max_regression"`
	// SandboxDir is where proposed changes are staged.
	SandboxDir string `mapstructure:"sandbox_dir" yaml:"sandbox_dir"`
}

// BusConfig configures the event bus and its WebSocket observer.
type BusConfig struct {
	// QueueSize bounds the bus delivery queue.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// ObserverPort is the port for the WebSocket event observer (0 = off).
	ObserverPort int `mapstructure:"observer_port" yaml:"observer_port"`
	// HealthInterval is how often the registry health monitor runs.
	HealthInterval time.Duration `mapstructure:"health_interval" yaml:"health_interval"`
}

// LoggingConfig configures application logging.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `mapstructure:"level" yaml:"level"`
	// File is the path to the log file.
	File string `mapstructure:"file" yaml:"file"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".overseer")

	return &Config{
		Inference: InferenceConfig{
			BaseURL:        "http://localhost:8001",
			DefaultModel:   "qwen2.5:7b",
			EmbeddingModel: "nomic-embed-text",
			Aliases: map[string]string{
				"default": "qwen2.5:7b",
				"coder":   "qwen2.5-coder:7b",
				"fast":    "qwen2.5:3b",
				"tiny":    "qwen2.5:0.5b",
			},
			Timeout: 120 * time.Second,
		},
		Search: SearchConfig{
			BaseURL:  "http://localhost:8888",
			Language: "en",
			CacheTTL: 5 * time.Minute,
		},
		Store: StoreConfig{
			DataDir:              dataDir,
			CompactDays:          30,
			CompactMinImportance: 0.3,
		},
		VRAM: VRAMConfig{
			SafePercent: 0.9,
		},
		Pool: PoolConfig{
			Size:        4,
			SmallModels: []string{"qwen2.5:3b", "llama3.2:3b", "qwen2.5:0.5b"},
			TaskTimeout: 30 * time.Second,
			SubmitWait:  10 * time.Second,
		},
		Council: CouncilConfig{
			Members: []CouncilMember{
				{Name: "Coder", Model: "qwen2.5-coder:7b", Weight: 1.5, Specialization: "code"},
				{Name: "General", Model: "qwen2.5:7b", Weight: 1.0, Specialization: "general"},
				{Name: "Fast", Model: "qwen2.5:3b", Weight: 0.8, Specialization: "speed"},
			},
			Timeout: 60 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxRetries:  2,
			PlanTimeout: 5 * time.Minute,
		},
		Bench: BenchConfig{
			Dir: filepath.Join(dataDir, "benchmarks"),
		},
		RSI: RSIConfig{
			MinImprovement: 0.01,
			MaxRegression:  0.0,
			SandboxDir:     filepath.Join(dataDir, "sandbox"),
		},
		Bus: BusConfig{
			QueueSize:      1000,
			ObserverPort:   8765,
			HealthInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(dataDir, "logs", "overseer.log"),
		},
	}
}

// Load reads configuration from ~/.overseer/config.yaml and merges with
// environment variables. If no config file exists, it creates one with
// default values.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home directory: %w", err)
	}
	return LoadFromPath(filepath.Join(homeDir, ".overseer", "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path and merges with
// environment variables. A missing file is created with defaults.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example override: OVERSEER_INFERENCE_BASE_URL
	v.SetEnvPrefix("OVERSEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Store.DataDir = expandPath(cfg.Store.DataDir)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.applyLegacyEnv()

	return &cfg, nil
}

// applyLegacyEnv honors the environment variables used by the inference
// tooling. They take precedence over the config file.
func (c *Config) applyLegacyEnv() {
	if v := os.Getenv("VLLM_BASE_URL"); v != "" {
		c.Inference.BaseURL = v
	}
	if v := os.Getenv("VLLM_DEFAULT_MODEL"); v != "" {
		c.Inference.DefaultModel = v
	}
	if v := os.Getenv("SEARXNG_URL"); v != "" {
		c.Search.BaseURL = v
	}
}

// Save writes the configuration to a specific file path.
func (c *Config) Save(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// EnsureDirectories creates all directories Overseer needs at runtime.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Store.DataDir,
		filepath.Dir(c.Logging.File),
		c.Bench.Dir,
		c.RSI.SandboxDir,
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	if c.Inference.BaseURL == "" {
		return fmt.Errorf("inference.base_url cannot be empty")
	}
	if c.Pool.Size < 1 {
		return fmt.Errorf("pool.size must be at least 1")
	}
	if len(c.Pool.SmallModels) == 0 {
		return fmt.Errorf("pool.small_models cannot be empty")
	}
	if c.VRAM.SafePercent <= 0 || c.VRAM.SafePercent > 1 {
		return fmt.Errorf("vram.safe_percent %.2f out of range (0,1]", c.VRAM.SafePercent)
	}
	if c.RSI.MaxRegression < 0 {
		return fmt.Errorf("rsi.max_regression cannot be negative")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	for _, m := range c.Council.Members {
		if m.Weight <= 0 {
			return fmt.Errorf("council member %q has non-positive weight", m.Name)
		}
	}
	return nil
}

// writeConfigFile writes a Config struct to a YAML file. Uses yaml.v3
// directly so the yaml struct tags drive serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
