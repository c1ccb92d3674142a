package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultListen = ":8090"

// Config captures the runtime settings for the collateral service daemon.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	MaxConns      int             `yaml:"max_connections"`
	NodeConfig    string          `yaml:"node_config"`
	LogFile       string          `yaml:"log_file"`
	LogLevel      string          `yaml:"log_level"`
	TLS           TLSConfig       `yaml:"tls"`
	Audit         AuditConfig     `yaml:"audit"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// TLSConfig describes the TLS material for the HTTP server.
type TLSConfig struct {
	CertPath      string `yaml:"cert"`
	KeyPath       string `yaml:"key"`
	AllowInsecure bool   `yaml:"allow_insecure"`
}

// AuditConfig selects the audit trail database.
type AuditConfig struct {
	DSN string `yaml:"dsn"`
}

// RateLimitConfig bounds request rates per client. Writes cost WriteTokens
// from the same bucket that reads draw one token from.
type RateLimitConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
	WriteTokens   int     `yaml:"write_tokens"`
}

// TelemetryConfig toggles the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	Traces      bool    `yaml:"traces"`
	Metrics     bool    `yaml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.NodeConfig = strings.TrimSpace(cfg.NodeConfig)
	if cfg.NodeConfig == "" {
		cfg.NodeConfig = "config.toml"
	}
	cfg.LogFile = strings.TrimSpace(cfg.LogFile)
	cfg.LogLevel = strings.TrimSpace(cfg.LogLevel)
	cfg.TLS.CertPath = strings.TrimSpace(cfg.TLS.CertPath)
	cfg.TLS.KeyPath = strings.TrimSpace(cfg.TLS.KeyPath)
	cfg.Audit.DSN = strings.TrimSpace(cfg.Audit.DSN)
	if cfg.RateLimit.WriteTokens <= 0 {
		cfg.RateLimit.WriteTokens = 1
	}
	cfg.Telemetry.Endpoint = strings.TrimSpace(cfg.Telemetry.Endpoint)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if err := cfg.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if cfg.MaxConns < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if cfg.RateLimit.RatePerSecond < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if cfg.RateLimit.RatePerSecond > 0 && cfg.RateLimit.WriteTokens > max(cfg.RateLimit.Burst, 1) {
		return fmt.Errorf("rate_limit: write_tokens %d exceeds burst %d", cfg.RateLimit.WriteTokens, cfg.RateLimit.Burst)
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0, 1]")
	}
	return nil
}

func (cfg TLSConfig) validate() error {
	hasCert := cfg.CertPath != ""
	hasKey := cfg.KeyPath != ""
	if hasCert != hasKey {
		return fmt.Errorf("cert and key must either both be provided or both be empty")
	}
	if !cfg.AllowInsecure && !hasCert {
		return fmt.Errorf("cert and key are required unless allow_insecure=true")
	}
	return nil
}

// Enabled reports whether TLS material is configured.
func (cfg TLSConfig) Enabled() bool {
	return cfg.CertPath != "" && cfg.KeyPath != ""
}
