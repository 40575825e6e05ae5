// Package config loads and validates worker configuration.
//
// Resolution order: built-in defaults, then the YAML config file, then
// environment variables (LOCALKB_STATE_DIR, LOCALKB_SOCKET,
// LOCALKB_LOG_LEVEL).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete localkb configuration.
type Config struct {
	Version    int              `yaml:"version"`
	StateDir   string           `yaml:"state_dir"`
	Socket     string           `yaml:"socket"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ChunkingConfig configures the sliding-window text splitter.
type ChunkingConfig struct {
	// Size is the chunk length in characters.
	Size int `yaml:"size"`
	// Overlap is carried from the tail of one chunk into the next.
	Overlap int `yaml:"overlap"`
}

// EmbeddingsConfig configures the embedding backend call path.
// Credentials are never part of the config file; they arrive per request
// and live only in worker memory.
type EmbeddingsConfig struct {
	// BatchSize is the number of chunks embedded per backend call.
	BatchSize int `yaml:"batch_size"`
	// MaxAttempts bounds retries of a single embedding call.
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffMS is the linear backoff step between retries.
	BackoffMS int `yaml:"backoff_ms"`
	// TimeoutSeconds is the per-request timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// LoggingConfig configures the worker log.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	stateDir := defaultStateDir()
	return &Config{
		Version:  1,
		StateDir: stateDir,
		Socket:   filepath.Join(stateDir, "localkb.sock"),
		Chunking: ChunkingConfig{
			Size:    2000,
			Overlap: 200,
		},
		Embeddings: EmbeddingsConfig{
			BatchSize:      32,
			MaxAttempts:    3,
			BackoffMS:      800,
			TimeoutSeconds: 60,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path (if it exists) over the defaults and
// applies environment overrides. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return fmt.Errorf("state_dir must not be empty")
	}
	if c.Chunking.Size <= 0 {
		return fmt.Errorf("chunking.size must be positive, got %d", c.Chunking.Size)
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap must be in [0, size), got %d", c.Chunking.Overlap)
	}
	if c.Embeddings.BatchSize <= 0 {
		return fmt.Errorf("embeddings.batch_size must be positive, got %d", c.Embeddings.BatchSize)
	}
	if c.Embeddings.MaxAttempts <= 0 {
		return fmt.Errorf("embeddings.max_attempts must be positive, got %d", c.Embeddings.MaxAttempts)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOCALKB_STATE_DIR"); v != "" {
		c.StateDir = v
		c.Socket = filepath.Join(v, "localkb.sock")
	}
	if v := os.Getenv("LOCALKB_SOCKET"); v != "" {
		c.Socket = v
	}
	if v := os.Getenv("LOCALKB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// LogFile returns the configured log file path, defaulting under StateDir.
func (c *Config) LogFile() string {
	if c.Logging.File != "" {
		return c.Logging.File
	}
	return filepath.Join(c.StateDir, "logs", "worker.log")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".localkb")
	}
	return filepath.Join(home, ".localkb")
}
