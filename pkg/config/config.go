// Package config loads the catalog server configuration from the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

// HistoryDisabled turns session history off when used as the driver.
const HistoryDisabled = "none"

// Config holds server configuration.
type Config struct {
	Dir              string        `env:"INSTRUCTIONS_DIR" envDefault:"./instructions" validate:"required"`
	MutationEnabled  bool          `env:"INSTRUCTIONS_MUTATION" envDefault:"true"`
	ReferenceMode    bool          `env:"INSTRUCTIONS_REFERENCE_MODE"`
	AutoConfirm      bool          `env:"INSTRUCTIONS_BOOTSTRAP_AUTOCONFIRM"`
	TokenTTL         time.Duration `env:"INSTRUCTIONS_BOOTSTRAP_TOKEN_TTL" envDefault:"15m" validate:"gt=0"`
	GateSecret       string        `env:"INSTRUCTIONS_GATE_SECRET"`
	HistoryRetention int           `env:"INSTRUCTIONS_HISTORY_RETENTION" envDefault:"200" validate:"gte=1"`
	HistoryDriver    string        `env:"INSTRUCTIONS_HISTORY_DRIVER" envDefault:"sqlite" validate:"oneof=sqlite postgres none"`
	HistoryDSN       string        `env:"INSTRUCTIONS_HISTORY_DSN" validate:"required_if=HistoryDriver postgres"`
	BackupsDir       string        `env:"INSTRUCTIONS_BACKUPS_DIR" envDefault:"./backups" validate:"required"`
	BackupMirror     string        `env:"INSTRUCTIONS_BACKUP_MIRROR" validate:"omitempty,mirror_url"`
	PolicyFile       string        `env:"INSTRUCTIONS_POLICY_FILE" validate:"omitempty,file"`
	SelfHealAttempts int           `env:"INSTRUCTIONS_SELF_HEAL_ATTEMPTS" envDefault:"3" validate:"gte=1,lte=10"`
	SelfHealBackoff  time.Duration `env:"INSTRUCTIONS_SELF_HEAL_BACKOFF" envDefault:"25ms" validate:"gt=0"`
	Watch            bool          `env:"INSTRUCTIONS_WATCH"`
	RedisAddr        string        `env:"INSTRUCTIONS_REDIS_ADDR" validate:"omitempty,hostname_port"`
	AgentID          string        `env:"INSTRUCTIONS_AGENT_ID"`
	Workspace        string        `env:"INSTRUCTIONS_WORKSPACE"`
	OTelEnabled      bool          `env:"OTEL_ENABLED"`
	OTLPEndpoint     string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"INFO" validate:"oneof=DEBUG INFO WARN ERROR"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("mirror_url", validateMirrorURL)
	return v
}

// validateMirrorURL accepts s3://bucket[/prefix] and gs://bucket[/prefix].
func validateMirrorURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "s3" || u.Scheme == "gs") && u.Host != ""
}

// Load parses the environment, fills derived defaults and validates.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToUpper(strings.TrimSpace(cfg.LogLevel))
	if cfg.HistoryDriver == "sqlite" && cfg.HistoryDSN == "" {
		cfg.HistoryDSN = filepath.Join(cfg.Dir, ".history.db")
	}
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// HistoryEnabled reports whether session history should be opened.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDriver != HistoryDisabled
}

// SlogLevel maps LogLevel onto a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
