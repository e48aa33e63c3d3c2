package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ent0n29/scribe/internal/commit"
	"github.com/ent0n29/scribe/internal/logging"
)

const defaultUpstreamURL = "wss://api.openai.com/v1/realtime"

var (
	defaultRealtimeModels = []string{
		"gpt-4o-realtime-preview",
		"gpt-4o-realtime-preview-2024-12-17",
		"gpt-4o-mini-realtime-preview",
		"gpt-4o-mini-realtime-preview-2024-12-17",
	}
	defaultTranscriptionModels = []string{"whisper-1", "gpt-4o-transcribe", "gpt-4o-mini-transcribe"}
)

// Config contains runtime settings loaded from environment variables, an
// optional .env file and an optional YAML policy file.
type Config struct {
	BindAddr                 string
	RelayPath                string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	CloseGracePeriod         time.Duration
	MetricsNamespace         string
	AllowAnyOrigin           bool

	UpstreamURL          string
	OpenAIAPIKey         string
	UpstreamDialTimeout  time.Duration
	UpstreamDialAttempts int

	RealtimeModels          []string
	TranscriptionModels     []string
	TranscriptionModel      string
	VADThreshold            float64
	VADSilenceDurationMs    int
	VADPrefixPaddingMs      int
	MaxResponseOutputTokens int

	CommitPolicy commit.Policy
	PolicyFile   string

	CollabBackend       string
	RedisURL            string
	DatabaseURL         string
	CollabChannelPrefix string

	LogLevel  string
	LogFormat string
}

// policyFile is the YAML overlay named by SCRIBE_POLICY_FILE.
type policyFile struct {
	Commit              commit.Policy `yaml:"commit"`
	RealtimeModels      []string      `yaml:"realtime_models"`
	TranscriptionModels []string      `yaml:"transcription_models"`
}

func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		RelayPath:           envOrDefault("APP_RELAY_PATH", "/v1/realtime"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "scribe"),
		UpstreamURL:         envOrDefault("UPSTREAM_URL", defaultUpstreamURL),
		OpenAIAPIKey:        strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		RealtimeModels:      listFromEnv("REALTIME_MODELS", defaultRealtimeModels),
		TranscriptionModels: listFromEnv("TRANSCRIPTION_MODELS", defaultTranscriptionModels),
		TranscriptionModel:  envOrDefault("TRANSCRIPTION_MODEL", "whisper-1"),
		PolicyFile:          strings.TrimSpace(os.Getenv("SCRIBE_POLICY_FILE")),
		CollabBackend:       strings.ToLower(envOrDefault("COLLAB_BACKEND", "none")),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CollabChannelPrefix: envOrDefault("COLLAB_CHANNEL_PREFIX", "scribe_doc"),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
	}
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.BindAddr = ":" + port
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.CloseGracePeriod, err = durationFromEnv("APP_CLOSE_GRACE_PERIOD", 2*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialTimeout, err = durationFromEnv("UPSTREAM_DIAL_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamDialAttempts, err = intFromEnv("UPSTREAM_DIAL_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	if cfg.VADThreshold, err = floatFromEnv("VAD_THRESHOLD", 0.5); err != nil {
		return Config{}, err
	}
	if cfg.VADSilenceDurationMs, err = intFromEnv("VAD_SILENCE_DURATION_MS", 500); err != nil {
		return Config{}, err
	}
	if cfg.VADPrefixPaddingMs, err = intFromEnv("VAD_PREFIX_PADDING_MS", 300); err != nil {
		return Config{}, err
	}
	if cfg.MaxResponseOutputTokens, err = intFromEnv("MAX_RESPONSE_OUTPUT_TOKENS", 1); err != nil {
		return Config{}, err
	}
	if cfg.CommitPolicy, err = commitPolicyFromEnv(); err != nil {
		return Config{}, err
	}
	if cfg.PolicyFile != "" {
		if err := cfg.applyPolicyFile(cfg.PolicyFile); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		return fmt.Errorf("APP_RELAY_PATH must start with /")
	}
	if c.UpstreamDialAttempts < 1 {
		return fmt.Errorf("UPSTREAM_DIAL_ATTEMPTS must be positive")
	}
	if c.UpstreamURL == defaultUpstreamURL && c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for %s", defaultUpstreamURL)
	}
	if len(c.RealtimeModels) == 0 {
		return fmt.Errorf("REALTIME_MODELS must not be empty")
	}
	if len(c.TranscriptionModels) > 0 && !contains(c.TranscriptionModels, c.TranscriptionModel) {
		return fmt.Errorf("TRANSCRIPTION_MODEL %q is not in TRANSCRIPTION_MODELS", c.TranscriptionModel)
	}
	if c.VADThreshold <= 0 || c.VADThreshold > 1 {
		return fmt.Errorf("VAD_THRESHOLD must be in (0,1]")
	}
	if c.VADSilenceDurationMs < 0 || c.VADPrefixPaddingMs < 0 {
		return fmt.Errorf("VAD durations must be >= 0")
	}
	if err := c.CommitPolicy.Validate(); err != nil {
		return err
	}
	switch c.CollabBackend {
	case "none", "":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("COLLAB_BACKEND=redis requires REDIS_URL")
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("COLLAB_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("COLLAB_BACKEND must be none, redis or postgres")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) applyPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}
	pf := policyFile{Commit: c.CommitPolicy}
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	c.CommitPolicy = pf.Commit
	if len(pf.RealtimeModels) > 0 {
		c.RealtimeModels = pf.RealtimeModels
	}
	if len(pf.TranscriptionModels) > 0 {
		c.TranscriptionModels = pf.TranscriptionModels
	}
	return nil
}

func commitPolicyFromEnv() (commit.Policy, error) {
	p := commit.DefaultPolicy()
	fields := []struct {
		key string
		dst *time.Duration
	}{
		{"COMMIT_IMMEDIATE_MIN_BUFFERED", &p.ImmediateMinBuffered},
		{"COMMIT_IMMEDIATE_MIN_INTERVAL", &p.ImmediateMinInterval},
		{"COMMIT_DEBOUNCE_DELAY", &p.DebounceDelay},
		{"COMMIT_DEBOUNCED_MIN_BUFFERED", &p.DebouncedMinBuffered},
		{"COMMIT_DEBOUNCED_MIN_INTERVAL", &p.DebouncedMinInterval},
		{"COMMIT_MANUAL_MIN_BUFFERED", &p.ManualMinBuffered},
	}
	for _, f := range fields {
		d, err := durationFromEnv(f.key, *f.dst)
		if err != nil {
			return commit.Policy{}, err
		}
		*f.dst = d
	}
	reset, err := boolFromEnv("COMMIT_RESET_ON_RESPONSE_DONE", false)
	if err != nil {
		return commit.Policy{}, err
	}
	p.ResetOnResponseDone = reset
	return p, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func listFromEnv(key string, fallback []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return append([]string(nil), fallback...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
