// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads orderbot configuration.
//
// Precedence, lowest first: the embedded default.yaml, an optional YAML file,
// ORDERBOT_* environment variables. The result is validated with
// go-playground/validator before it is returned.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/orderbot/services/orderbot/normalize"
)

// =============================================================================
// Embedded Defaults
// =============================================================================

//go:embed default.yaml
var defaultConfigYAML []byte

// MaxYAMLFileSize bounds every YAML document this package will parse.
const MaxYAMLFileSize = 1 << 20

var configTracer = otel.Tracer("orderbot.config")

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the full service configuration.
//
// Thread Safety: Immutable after Load; safe for concurrent use.
type Config struct {
	Server        ServerConfig        `yaml:"server" validate:"required"`
	Model         ModelConfig         `yaml:"model" validate:"required"`
	Resolver      ResolverConfig      `yaml:"resolver" validate:"required"`
	Normalization NormalizationConfig `yaml:"normalization"`
	Storage       StorageConfig       `yaml:"storage" validate:"required"`
	Ingress       IngressConfig       `yaml:"ingress" validate:"required"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" validate:"required"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr               string        `yaml:"addr" validate:"required"`
	RequestTimeout     time.Duration `yaml:"request_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
	MaxConcurrentTurns int           `yaml:"max_concurrent_turns" validate:"gte=1"`
}

// ModelConfig selects and tunes the language model collaborator.
type ModelConfig struct {
	// Provider is "openai" (raw HTTP client), "go-openai" (SDK client) or
	// "langchain" (langchaingo).
	Provider string `yaml:"provider" validate:"oneof=openai go-openai langchain"`
	BaseURL  string `yaml:"base_url" validate:"required,url"`
	Name     string `yaml:"name" validate:"required"`

	// APIKeySecret names the secret holding the API key. The key itself never
	// appears in configuration.
	APIKeySecret string `yaml:"api_key_secret" validate:"required"`

	Temperature    float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int           `yaml:"max_tokens" validate:"gte=1"`
	ReplyMaxTokens int           `yaml:"reply_max_tokens" validate:"gte=1"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	RetryAttempts  int           `yaml:"retry_attempts" validate:"gte=1,lte=10"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gte=0"`

	// RequestsPerSecond caps calls to the model across all conversations.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	Burst             int     `yaml:"burst" validate:"gte=1"`
}

// ResolverConfig tunes elliptical reference resolution.
type ResolverConfig struct {
	// AmbiguityThreshold is the largest number of equally recent products
	// the size rule will still bind to. Above it the resolver asks.
	AmbiguityThreshold int `yaml:"ambiguity_threshold" validate:"gte=1"`

	// MinSizeTokens is how many size tokens make "multiple sizes".
	MinSizeTokens int `yaml:"min_size_tokens" validate:"gte=1"`

	PronounMarkers []string `yaml:"pronoun_markers" validate:"min=1,dive,required"`
}

// NormalizationConfig controls the synonym table and size vocabulary.
type NormalizationConfig struct {
	// SynonymsPath overrides the embedded synonyms.yaml when set.
	SynonymsPath string `yaml:"synonyms_path"`

	// WatchSynonyms reloads SynonymsPath on change.
	WatchSynonyms bool `yaml:"watch_synonyms"`

	Sizes normalize.SizeConfig `yaml:"sizes"`
}

// StorageConfig selects the context backend.
type StorageConfig struct {
	Backend    string        `yaml:"backend" validate:"oneof=memory badger"`
	Path       string        `yaml:"path" validate:"required_if=Backend badger"`
	Retention  time.Duration `yaml:"retention" validate:"gt=0"`
	GCInterval time.Duration `yaml:"gc_interval" validate:"gte=0"`
}

// IngressConfig controls the messaging webhook.
type IngressConfig struct {
	// PublicURL is the externally visible webhook URL used when checking
	// signatures behind a proxy. Empty means "reconstruct from the request".
	PublicURL         string        `yaml:"public_url" validate:"omitempty,url"`
	ValidateSignature bool          `yaml:"validate_signature"`
	AuthTokenSecret   string        `yaml:"auth_token_secret" validate:"required"`
	MessagesPerMinute int           `yaml:"messages_per_minute" validate:"gte=1"`
	IdempotencyTTL    time.Duration `yaml:"idempotency_ttl" validate:"gt=0"`
	MaxImages         int           `yaml:"max_images" validate:"gte=0,lte=10"`
}

// TelemetryConfig controls tracing, metrics and the turn event sink.
type TelemetryConfig struct {
	ServiceName     string       `yaml:"service_name" validate:"required"`
	TraceExporter   string       `yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	OTLPEndpoint    string       `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	MetricsExporter string       `yaml:"metrics_exporter" validate:"oneof=none stdout prometheus"`
	Influx          InfluxConfig `yaml:"influx"`
}

// InfluxConfig configures the optional InfluxDB turn-event sink.
type InfluxConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url" validate:"required_if=Enabled true"`
	TokenSecret string `yaml:"token_secret"`
	Org         string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket      string `yaml:"bucket" validate:"required_if=Enabled true"`
}

// =============================================================================
// Loading
// =============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the embedded configuration.
//
// Panics if the embedded YAML is invalid, which is a build defect.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultConfigYAML, &cfg); err != nil {
		panic(fmt.Sprintf("config: embedded default.yaml: %v", err))
	}
	return &cfg
}

// Load builds the configuration.
//
// # Inputs
//
//   - ctx: Context for tracing. Must not be nil.
//   - path: Optional YAML file layered over the defaults. Empty skips it.
//
// # Outputs
//
//   - *Config: Validated configuration.
//   - error: Non-nil if the file cannot be read or parsed, or validation fails.
func Load(ctx context.Context, path string) (*Config, error) {
	_, span := configTracer.Start(ctx, "config.Load")
	defer span.End()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := decodeInto(data, cfg); err != nil {
			return nil, fmt.Errorf("config: %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.String("model.provider", cfg.Model.Provider),
		attribute.String("storage.backend", cfg.Storage.Backend),
		attribute.Bool("file", path != ""),
	)
	slog.Info("configuration loaded",
		slog.String("addr", cfg.Server.Addr),
		slog.String("model", cfg.Model.Name),
		slog.String("storage", cfg.Storage.Backend),
	)
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: validation: %w", err)
	}
	if c.Resolver.MinSizeTokens < 2 {
		slog.Warn("resolver.min_size_tokens below 2 treats a single size as multiple",
			slog.Int("min_size_tokens", c.Resolver.MinSizeTokens))
	}
	return nil
}

func decodeInto(data []byte, cfg *Config) error {
	if len(data) > MaxYAMLFileSize {
		return fmt.Errorf("YAML exceeds maximum size (%d > %d)", len(data), MaxYAMLFileSize)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}
	return nil
}

// =============================================================================
// Environment Overrides
// =============================================================================

type lookupFunc func(string) (string, bool)

// applyEnv layers ORDERBOT_* variables over cfg.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	strs := map[string]*string{
		"ORDERBOT_ADDR":             &cfg.Server.Addr,
		"ORDERBOT_MODEL_PROVIDER":   &cfg.Model.Provider,
		"ORDERBOT_MODEL_BASE_URL":   &cfg.Model.BaseURL,
		"ORDERBOT_MODEL_NAME":       &cfg.Model.Name,
		"ORDERBOT_STORAGE_BACKEND":  &cfg.Storage.Backend,
		"ORDERBOT_STORAGE_PATH":     &cfg.Storage.Path,
		"ORDERBOT_PUBLIC_URL":       &cfg.Ingress.PublicURL,
		"ORDERBOT_TRACE_EXPORTER":   &cfg.Telemetry.TraceExporter,
		"ORDERBOT_OTLP_ENDPOINT":    &cfg.Telemetry.OTLPEndpoint,
		"ORDERBOT_METRICS_EXPORTER": &cfg.Telemetry.MetricsExporter,
		"ORDERBOT_SYNONYMS_PATH":    &cfg.Normalization.SynonymsPath,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("ORDERBOT_VALIDATE_SIGNATURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ORDERBOT_VALIDATE_SIGNATURE: %w", err)
		}
		cfg.Ingress.ValidateSignature = b
	}
	if v, ok := lookup("ORDERBOT_AMBIGUITY_THRESHOLD"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: ORDERBOT_AMBIGUITY_THRESHOLD: %w", err)
		}
		cfg.Resolver.AmbiguityThreshold = n
	}
	if v, ok := lookup("ORDERBOT_REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ORDERBOT_REQUEST_TIMEOUT: %w", err)
		}
		cfg.Server.RequestTimeout = d
	}
	return nil
}
