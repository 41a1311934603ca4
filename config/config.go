// Package config assembles the service configuration: defaults, an
// optional YAML file, then environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veskar/blueprint/genai"
	"github.com/veskar/blueprint/pipeline"
	"github.com/veskar/blueprint/raster"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig locates the SQLite job database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// LimitsConfig bounds uploads. The same cap feeds the HTTP body limit and
// the preprocessor's file-size check.
type LimitsConfig struct {
	MaxUploadMB int `yaml:"max_upload_mb"`
}

// MaxUploadBytes returns the upload cap in bytes.
func (l LimitsConfig) MaxUploadBytes() int64 { return int64(l.MaxUploadMB) * 1024 * 1024 }

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Storage  StorageConfig   `yaml:"storage"`
	Pipeline pipeline.Config `yaml:"pipeline"`
	GenAI    genai.Config    `yaml:"genai"`
	Raster   raster.Config   `yaml:"raster"`
	Limits   LimitsConfig    `yaml:"limits"`
	LogLevel string          `yaml:"log_level"`
}

// DefaultConfig returns sane defaults for a single-node deployment.
func DefaultConfig() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080"},
		Storage: StorageConfig{DBPath: "data/blueprint.db"},
		Pipeline: pipeline.Config{
			DataDir:           "data/uploads",
			StageTimeout:      90 * time.Second,
			PipelineTimeout:   4*time.Minute + 30*time.Second,
			MaxConcurrentJobs: 4,
			DrainTimeout:      30 * time.Second,
		},
		GenAI: genai.Config{
			Provider: "anthropic",
		},
		Raster: raster.Config{
			Timeout: 30 * time.Second,
		},
		Limits:   LimitsConfig{MaxUploadMB: 50},
		LogLevel: "info",
	}
}

// Load builds the configuration. path names an optional YAML file; an
// empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyEnv() {
	envStr("BLUEPRINT_ADDR", &c.Server.Addr)
	envStr("BLUEPRINT_DB_PATH", &c.Storage.DBPath)
	envStr("BLUEPRINT_DATA_DIR", &c.Pipeline.DataDir)
	envStr("BLUEPRINT_LLM_PROVIDER", &c.GenAI.Provider)
	envStr("BLUEPRINT_LLM_MODEL", &c.GenAI.Model)
	envStr("BLUEPRINT_LLM_BASE_URL", &c.GenAI.BaseURL)
	envStr("ANTHROPIC_API_KEY", &c.GenAI.APIKey)
	envStr("BLUEPRINT_LLM_API_KEY", &c.GenAI.APIKey)
	envStr("BLUEPRINT_RENDER_URL", &c.Raster.URL)
	envStr("BLUEPRINT_RENDER_SECRET", &c.Raster.Secret)
	envStr("LOG_LEVEL", &c.LogLevel)
	if v := os.Getenv("BLUEPRINT_MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Limits.MaxUploadMB = n
		}
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Pipeline.DataDir == "" {
		return fmt.Errorf("pipeline.data_dir is required")
	}
	if c.Limits.MaxUploadMB <= 0 {
		return fmt.Errorf("limits.max_upload_mb must be > 0")
	}
	switch c.GenAI.Provider {
	case "", "anthropic", "openai", "ollama":
	default:
		return fmt.Errorf("genai.provider %q is not supported (use anthropic, openai, or ollama)", c.GenAI.Provider)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn, or error)", c.LogLevel)
	}
	return nil
}
