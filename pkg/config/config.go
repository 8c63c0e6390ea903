// Package config loads broker settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "BROKER_CONFIG_FILE"

// Artifact storage backends.
const (
	StorageNone = "none"
	StorageFS   = "fs"
	StorageS3   = "s3"
	StorageGCS  = "gcs"
)

// Config holds broker configuration. Secrets are never read from YAML.
type Config struct {
	Host        string `yaml:"host" env:"BROKER_HOST"`
	Port        int    `yaml:"port" env:"BROKER_PORT"`
	DBPath      string `yaml:"db_path" env:"BROKER_DB_PATH"`
	DatabaseURL string `yaml:"database_url" env:"BROKER_DATABASE_URL"`
	Environment string `yaml:"environment" env:"NODE_ENV"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`

	APIToken          string `yaml:"-" env:"BROKER_API_TOKEN"`
	PhoneAPIToken     string `yaml:"-" env:"PHONE_API_TOKEN"`
	PhoneSharedSecret string `yaml:"-" env:"BROKER_PHONE_SHARED_SECRET"`

	InboxPath string `yaml:"inbox_path" env:"ICLOUD_INBOX_PATH"`

	ApprovalTTL       time.Duration `yaml:"approval_ttl" env:"BROKER_APPROVAL_TTL"`
	ExecutionTimeout  time.Duration `yaml:"execution_timeout" env:"BROKER_EXECUTION_TIMEOUT"`
	SweepInterval     time.Duration `yaml:"sweep_interval" env:"BROKER_SWEEP_INTERVAL"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval" env:"BROKER_RECONCILE_INTERVAL"`
	StabilityWindow   time.Duration `yaml:"stability_window" env:"BROKER_STABILITY_WINDOW"`

	Telegram  TelegramConfig  `yaml:"telegram"`
	Limits    LimitsConfig    `yaml:"limits"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// TelegramConfig controls the approval nudge.
type TelegramConfig struct {
	BotToken string `yaml:"-" env:"TELEGRAM_BOT_TOKEN"`
	ChatID   string `yaml:"chat_id" env:"TELEGRAM_PHONE_CHAT_ID"`
	APIBase  string `yaml:"api_base" env:"TELEGRAM_API_BASE"`
}

// Enabled reports whether both the bot token and chat id are set.
func (t TelegramConfig) Enabled() bool {
	return t.BotToken != "" && t.ChatID != ""
}

// LimitsConfig selects the rate limiter backend and the per-IP pre-filter.
type LimitsConfig struct {
	RedisAddr     string  `yaml:"redis_addr" env:"BROKER_REDIS_ADDR"`
	RedisPassword string  `yaml:"-" env:"BROKER_REDIS_PASSWORD"`
	RedisDB       int     `yaml:"redis_db" env:"BROKER_REDIS_DB"`
	IPRPS         float64 `yaml:"ip_rps" env:"BROKER_IP_RPS"`
	IPBurst       int     `yaml:"ip_burst" env:"BROKER_IP_BURST"`
}

// ArtifactsConfig selects where verified statements are archived.
type ArtifactsConfig struct {
	StorageType string `yaml:"storage_type" env:"ARTIFACT_STORAGE_TYPE"`
	Dir         string `yaml:"dir" env:"ARTIFACT_DIR"`
	S3Bucket    string `yaml:"s3_bucket" env:"ARTIFACT_S3_BUCKET"`
	S3Region    string `yaml:"s3_region" env:"ARTIFACT_S3_REGION"`
	S3Endpoint  string `yaml:"s3_endpoint" env:"ARTIFACT_S3_ENDPOINT"`
	S3Prefix    string `yaml:"s3_prefix" env:"ARTIFACT_S3_PREFIX"`
	GCSBucket   string `yaml:"gcs_bucket" env:"ARTIFACT_GCS_BUCKET"`
	GCSPrefix   string `yaml:"gcs_prefix" env:"ARTIFACT_GCS_PREFIX"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" env:"OTEL_ENABLED"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure     bool   `yaml:"insecure" env:"OTEL_INSECURE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:              "127.0.0.1",
		Port:              8765,
		DBPath:            "./data/broker.sqlite3",
		Environment:       "development",
		LogLevel:          "info",
		ApprovalTTL:       5 * time.Minute,
		ExecutionTimeout:  10 * time.Minute,
		SweepInterval:     time.Second,
		ReconcileInterval: 10 * time.Second,
		StabilityWindow:   2 * time.Second,
		Telegram: TelegramConfig{
			APIBase: "https://api.telegram.org",
		},
		Limits: LimitsConfig{
			IPRPS:   20,
			IPBurst: 40,
		},
		Artifacts: ArtifactsConfig{
			StorageType: StorageNone,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
	}
}

// Load builds the configuration from defaults, the file named by
// BROKER_CONFIG_FILE if set, and the environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv(FileEnv)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	//nolint:gosec // G304: operator-supplied config path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() error {
	c.Host = strings.TrimSpace(c.Host)
	c.Environment = strings.TrimSpace(c.Environment)
	if c.Environment == "" {
		c.Environment = "development"
	}
	c.APIToken = strings.TrimSpace(c.APIToken)
	c.PhoneAPIToken = strings.TrimSpace(c.PhoneAPIToken)
	c.PhoneSharedSecret = strings.TrimSpace(c.PhoneSharedSecret)
	c.Telegram.BotToken = strings.TrimSpace(c.Telegram.BotToken)
	c.Telegram.ChatID = strings.TrimSpace(c.Telegram.ChatID)
	c.Telegram.APIBase = strings.TrimRight(strings.TrimSpace(c.Telegram.APIBase), "/")
	c.Artifacts.StorageType = strings.ToLower(strings.TrimSpace(c.Artifacts.StorageType))
	if c.Artifacts.StorageType == "" {
		c.Artifacts.StorageType = StorageNone
	}

	if c.IsTest() {
		for _, s := range []struct {
			name string
			dst  *string
		}{
			{"BROKER_API_TOKEN", &c.APIToken},
			{"PHONE_API_TOKEN", &c.PhoneAPIToken},
			{"BROKER_PHONE_SHARED_SECRET", &c.PhoneSharedSecret},
		} {
			if *s.dst == "" {
				*s.dst = "test_" + strings.ToLower(s.name)
			}
		}
	}

	if c.DBPath != "" {
		abs, err := filepath.Abs(ExpandHome(c.DBPath))
		if err != nil {
			return fmt.Errorf("resolve BROKER_DB_PATH: %w", err)
		}
		c.DBPath = abs
	}
	if c.InboxPath = strings.TrimSpace(c.InboxPath); c.InboxPath != "" {
		abs, err := filepath.Abs(ExpandHome(c.InboxPath))
		if err != nil {
			return fmt.Errorf("resolve ICLOUD_INBOX_PATH: %w", err)
		}
		c.InboxPath = abs
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.New("BROKER_PORT must be a positive integer")
	}
	for name, v := range map[string]string{
		"BROKER_API_TOKEN":           c.APIToken,
		"PHONE_API_TOKEN":            c.PhoneAPIToken,
		"BROKER_PHONE_SHARED_SECRET": c.PhoneSharedSecret,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return errors.New("BROKER_DB_PATH or BROKER_DATABASE_URL is required")
	}
	for name, d := range map[string]time.Duration{
		"BROKER_APPROVAL_TTL":       c.ApprovalTTL,
		"BROKER_EXECUTION_TIMEOUT":  c.ExecutionTimeout,
		"BROKER_SWEEP_INTERVAL":     c.SweepInterval,
		"BROKER_RECONCILE_INTERVAL": c.ReconcileInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.StabilityWindow < 0 {
		return errors.New("BROKER_STABILITY_WINDOW must not be negative")
	}
	if c.Limits.IPRPS < 0 || c.Limits.IPBurst < 0 {
		return errors.New("BROKER_IP_RPS and BROKER_IP_BURST must not be negative")
	}

	switch c.Artifacts.StorageType {
	case StorageNone:
	case StorageFS:
		if c.Artifacts.Dir == "" {
			return errors.New("ARTIFACT_DIR is required when ARTIFACT_STORAGE_TYPE=fs")
		}
	case StorageS3:
		if c.Artifacts.S3Bucket == "" {
			return errors.New("ARTIFACT_S3_BUCKET is required when ARTIFACT_STORAGE_TYPE=s3")
		}
	case StorageGCS:
		if c.Artifacts.GCSBucket == "" {
			return errors.New("ARTIFACT_GCS_BUCKET is required when ARTIFACT_STORAGE_TYPE=gcs")
		}
	default:
		return fmt.Errorf("unknown ARTIFACT_STORAGE_TYPE %q", c.Artifacts.StorageType)
	}
	return nil
}

// IsTest reports whether NODE_ENV is test.
func (c *Config) IsTest() bool {
	return c.Environment == "test"
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
