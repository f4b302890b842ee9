// Package config loads the phishguard server configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/triage-ai/phishguard/internal/engine"
	"github.com/triage-ai/phishguard/internal/engine/detectors"
)

// EnvPrefix prefixes every environment override, e.g. PHISHGUARD_EMAIL_MAX_URLS.
const EnvPrefix = "PHISHGUARD_"

const maxConfigFileSize = 1024 * 1024

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Email     EmailConfig     `koanf:"email"`
	Call      CallConfig      `koanf:"call"`
	Inference InferenceConfig `koanf:"inference"`
	LLM       LLMConfig       `koanf:"llm"`
	Storage   StorageConfig   `koanf:"storage"`
	Auth      AuthConfig      `koanf:"auth"`
}

type ServerConfig struct {
	Addr           string        `koanf:"addr" validate:"required"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout   time.Duration `koanf:"write_timeout" validate:"gt=0"`
	MaxUploadBytes int64         `koanf:"max_upload_bytes" validate:"gt=0"`
}

type LogConfig struct {
	Level string `koanf:"level" validate:"oneof=debug info warn error"`
}

type EmailConfig struct {
	EscalationThreshold float64       `koanf:"escalation_threshold" validate:"gte=0,lte=1"`
	HighThreshold       float64       `koanf:"high_threshold" validate:"gte=0,lte=1,gtefield=MediumThreshold"`
	MediumThreshold     float64       `koanf:"medium_threshold" validate:"gte=0,lte=1"`
	LocalTimeout        time.Duration `koanf:"local_timeout" validate:"gt=0"`
	RemoteTimeout       time.Duration `koanf:"remote_timeout" validate:"gt=0"`
	MaxURLs             int           `koanf:"max_urls" validate:"gt=0"`
}

type CallConfig struct {
	HighThreshold   float64       `koanf:"high_threshold" validate:"gte=0,lte=1,gtefield=MediumThreshold"`
	MediumThreshold float64       `koanf:"medium_threshold" validate:"gte=0,lte=1"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxAudioClips   int           `koanf:"max_audio_clips" validate:"gt=0"`
}

// InferenceConfig points at the model-serving sidecar used by the local tier.
type InferenceConfig struct {
	Endpoint        string  `koanf:"endpoint" validate:"required"`
	TextModel       string  `koanf:"text_model" validate:"required"`
	URLModel        string  `koanf:"url_model" validate:"required"`
	AudioModel      string  `koanf:"audio_model" validate:"required"`
	ReasonThreshold float64 `koanf:"reason_threshold" validate:"gte=0,lte=1"`
}

// LLMConfig configures the remote tier. An empty BaseURL disables escalation.
type LLMConfig struct {
	BaseURL         string        `koanf:"base_url" validate:"omitempty,url"`
	APIKey          string        `koanf:"api_key"`
	Model           string        `koanf:"model" validate:"required_with=BaseURL"`
	Timeout         time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxRetries      int           `koanf:"max_retries" validate:"gte=0,lte=10"`
	RateLimit       float64       `koanf:"rate_limit" validate:"gte=0"`
	Burst           int           `koanf:"burst" validate:"gte=0"`
	ReasonThreshold float64       `koanf:"reason_threshold" validate:"gte=0,lte=1"`
}

type StorageConfig struct {
	ClickHouseDSN string `koanf:"clickhouse_dsn"`
}

// AuthConfig enables API-key auth when either APIKeys or PostgresDSN is set.
type AuthConfig struct {
	PostgresDSN string        `koanf:"postgres_dsn"`
	APIKeys     []string      `koanf:"api_keys"`
	CacheTTL    time.Duration `koanf:"cache_ttl" validate:"gt=0"`
}

// Default returns the compiled-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			MaxUploadBytes: 50 << 20,
		},
		Log: LogConfig{Level: "info"},
		Email: EmailConfig{
			EscalationThreshold: 0.40,
			HighThreshold:       0.70,
			MediumThreshold:     0.40,
			LocalTimeout:        5 * time.Second,
			RemoteTimeout:       30 * time.Second,
			MaxURLs:             10,
		},
		Call: CallConfig{
			HighThreshold:   0.80,
			MediumThreshold: 0.50,
			Timeout:         30 * time.Second,
			MaxAudioClips:   5,
		},
		Inference: InferenceConfig{
			Endpoint:        "localhost:50052",
			TextModel:       "dima806/phishing-email-detection",
			URLModel:        "Eason918/malicious-url-detector-v2",
			AudioModel:      "abhishtagatya/hubert-base-960h-itw-deepfake",
			ReasonThreshold: 0.7,
		},
		LLM: LLMConfig{
			Model:           "gemini-2.5-flash",
			Timeout:         20 * time.Second,
			MaxRetries:      2,
			RateLimit:       5,
			Burst:           5,
			ReasonThreshold: 0.5,
		},
		Auth: AuthConfig{CacheTTL: 30 * time.Second},
	}
}

// Load builds the configuration. Precedence, highest first:
//  1. PHISHGUARD_* environment variables (PHISHGUARD_EMAIL_MAX_URLS -> email.max_urls)
//  2. the YAML file at path, if path is non-empty
//  3. Default()
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Auth.APIKeys = compact(cfg.Auth.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// listKeys are the keys whose environment values are comma-separated lists.
var listKeys = map[string]bool{
	"auth.api_keys": true,
}

// envValue maps an environment variable to its koanf key, splitting list
// values on commas.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if listKeys[key] {
		return key, strings.Split(value, ",")
	}
	return key, value
}

// envKey maps PHISHGUARD_SECTION_FIELD_NAME to section.field_name,
// splitting on the first underscore after the prefix.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file %s exceeds %d bytes", path, maxConfigFileSize)
	}
	return content, nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

// RemoteEnabled reports whether an LLM endpoint is configured for escalation.
func (c *Config) RemoteEnabled() bool {
	return c.LLM.BaseURL != ""
}

// AuthEnabled reports whether analyze endpoints require an API key.
func (c *Config) AuthEnabled() bool {
	return len(c.Auth.APIKeys) > 0 || c.Auth.PostgresDSN != ""
}

// EmailPipeline converts the email section into pipeline policy.
func (c *Config) EmailPipeline() engine.EmailConfig {
	fusion := engine.EmailFusionConfig()
	fusion.HighThreshold = c.Email.HighThreshold
	fusion.MediumThreshold = c.Email.MediumThreshold
	return engine.EmailConfig{
		EscalationThreshold: c.Email.EscalationThreshold,
		Fusion:              fusion,
		LocalTimeout:        c.Email.LocalTimeout,
		RemoteTimeout:       c.Email.RemoteTimeout,
		MaxURLs:             c.Email.MaxURLs,
	}
}

// CallPipeline converts the call section into pipeline policy.
func (c *Config) CallPipeline() engine.CallConfig {
	fusion := engine.CallFusionConfig()
	fusion.HighThreshold = c.Call.HighThreshold
	fusion.MediumThreshold = c.Call.MediumThreshold
	return engine.CallConfig{
		Fusion:        fusion,
		Timeout:       c.Call.Timeout,
		MaxAudioClips: c.Call.MaxAudioClips,
	}
}

// LLMClient converts the llm section into client settings.
func (c *Config) LLMClient() detectors.LLMConfig {
	return detectors.LLMConfig{
		BaseURL:    c.LLM.BaseURL,
		APIKey:     c.LLM.APIKey,
		Model:      c.LLM.Model,
		Timeout:    c.LLM.Timeout,
		MaxRetries: c.LLM.MaxRetries,
		RateLimit:  c.LLM.RateLimit,
		Burst:      c.LLM.Burst,
	}
}
