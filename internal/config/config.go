// Package config loads service configuration from a YAML file, environment
// overrides and built-in defaults.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variables
const (
	ConfigPathEnv       = "RECIPE_AGENT_CONFIG"
	databaseURLEnv      = "DATABASE_URL"
	sqlitePathEnv       = "SQLITE_PATH"
	creditURLEnv        = "CREDIT_SERVICE_URL"
	creditAPIKeyEnv     = "CREDIT_API_KEY"
	stageURLEnv         = "STAGE_SERVICE_URL"
	stageAPIKeyEnv      = "STAGE_API_KEY"
	geminiAPIKeyEnv     = "GEMINI_API_KEY"
	portEnv             = "PORT"
	logLevelEnv         = "LOG_LEVEL"
	logFormatEnv        = "LOG_FORMAT"
	concurrencyEnv      = "PIPELINE_CONCURRENCY"
	reconcileEnabledEnv = "RECONCILE_ENABLED"
)

// Config is the service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Credit    CreditConfig    `yaml:"credit"`
	Stages    StagesConfig    `yaml:"stages"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	PollInterval    time.Duration `yaml:"pollInterval" validate:"gt=0"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

// DatabaseConfig selects the store. URL (Postgres) wins over SQLitePath.
type DatabaseConfig struct {
	URL        string `yaml:"url" validate:"required_without=SQLitePath"`
	SQLitePath string `yaml:"sqlitePath"`
}

// Postgres reports whether the Postgres store is configured.
func (d DatabaseConfig) Postgres() bool {
	return d.URL != ""
}

// CreditConfig points at the credit service.
type CreditConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	Cost    int64         `yaml:"cost" validate:"min=1"`
}

// StagesConfig points at the remote stage services.
type StagesConfig struct {
	URL     string        `yaml:"url" validate:"required,url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// GeminiConfig enables tagging with Gemini instead of the remote tagging stage.
type GeminiConfig struct {
	APIKey  string `yaml:"apiKey" validate:"required_if=Tagging true"`
	Tagging bool   `yaml:"tagging"`
	Model   string `yaml:"model"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	Concurrency  int64         `yaml:"concurrency" validate:"min=1"`
	MaxAttempts  int           `yaml:"maxAttempts" validate:"min=1,max=10"`
	BackoffBase  time.Duration `yaml:"backoffBase" validate:"gte=0"`
	BackoffMax   time.Duration `yaml:"backoffMax" validate:"gtefield=BackoffBase"`
	StageTimeout time.Duration `yaml:"stageTimeout" validate:"gte=0"`
}

// ReconcileConfig tunes crash recovery.
type ReconcileConfig struct {
	Enabled    bool          `yaml:"enabled"`
	StaleAfter time.Duration `yaml:"staleAfter" validate:"gt=0"`
	Interval   time.Duration `yaml:"interval" validate:"gt=0"`
	BatchSize  int           `yaml:"batchSize" validate:"min=1,max=1000"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			PollInterval:    time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{SQLitePath: "recipe-agent.db"},
		Credit: CreditConfig{
			URL:     "http://localhost:8081",
			Timeout: 10 * time.Second,
			Cost:    1,
		},
		Stages: StagesConfig{
			URL:     "http://localhost:8082",
			Timeout: 60 * time.Second,
		},
		Pipeline: PipelineConfig{
			Concurrency: 8,
			MaxAttempts: 3,
			BackoffBase: 500 * time.Millisecond,
			BackoffMax:  10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Enabled:    true,
			StaleAfter: 15 * time.Minute,
			Interval:   time.Minute,
			BatchSize:  100,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (or
// $RECIPE_AGENT_CONFIG when path is empty) and environment overrides, then
// validates it. A missing path means no file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := decode(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode overlays YAML onto cfg, rejecting unknown keys.
func decode(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(databaseURLEnv, &c.Database.URL)
	setString(sqlitePathEnv, &c.Database.SQLitePath)
	setString(creditURLEnv, &c.Credit.URL)
	setString(creditAPIKeyEnv, &c.Credit.APIKey)
	setString(stageURLEnv, &c.Stages.URL)
	setString(stageAPIKeyEnv, &c.Stages.APIKey)
	setString(geminiAPIKeyEnv, &c.Gemini.APIKey)
	setString(logLevelEnv, &c.Log.Level)
	setString(logFormatEnv, &c.Log.Format)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	if v := os.Getenv(portEnv); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", portEnv, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(concurrencyEnv); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", concurrencyEnv, err)
		}
		c.Pipeline.Concurrency = n
	}
	if v := os.Getenv(reconcileEnabledEnv); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", reconcileEnabledEnv, err)
		}
		c.Reconcile.Enabled = enabled
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed '%s'", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config error: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config error: %w", err)
	}
	if c.Reconcile.Enabled && c.Pipeline.StageTimeout > 0 {
		// A live run must never look stale.
		worst := time.Duration(c.Pipeline.MaxAttempts) * (c.Pipeline.StageTimeout + c.Pipeline.BackoffMax)
		if c.Reconcile.StaleAfter <= worst {
			return fmt.Errorf("config error: reconcile.staleAfter (%s) must exceed the longest stage (%s)", c.Reconcile.StaleAfter, worst)
		}
	}
	return nil
}
