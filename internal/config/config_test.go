package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.RelayPath != "/v1/realtime" {
		t.Fatalf("RelayPath = %q, want %q", cfg.RelayPath, "/v1/realtime")
	}
	if len(cfg.RealtimeModels) != 4 {
		t.Fatalf("RealtimeModels = %v, want 4 defaults", cfg.RealtimeModels)
	}
	if cfg.CommitPolicy.ImmediateMinBuffered != time.Second || cfg.CommitPolicy.ManualMinBuffered != 100*time.Millisecond {
		t.Fatalf("CommitPolicy = %+v, want defaults", cfg.CommitPolicy)
	}
	if cfg.CommitPolicy.ResetOnResponseDone {
		t.Fatalf("ResetOnResponseDone = true, want false")
	}
	if cfg.MaxResponseOutputTokens != 1 {
		t.Fatalf("MaxResponseOutputTokens = %d, want 1", cfg.MaxResponseOutputTokens)
	}
	if cfg.CollabBackend != "none" {
		t.Fatalf("CollabBackend = %q, want none", cfg.CollabBackend)
	}
}

func TestLoadRequiresAPIKeyForDefaultUpstream(t *testing.T) {
	setCoreEnvEmpty(t)
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("Load() error = %v, want OPENAI_API_KEY error", err)
	}

	t.Setenv("UPSTREAM_URL", "ws://localhost:9999/realtime")
	if _, err := Load(); err != nil {
		t.Fatalf("Load() with custom upstream error = %v", err)
	}
}

func TestPortOverridesBindAddr(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("PORT", "3001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":3001" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":3001")
	}
}

func TestLoadCommitPolicyFromEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("COMMIT_IMMEDIATE_MIN_BUFFERED", "1500ms")
	t.Setenv("COMMIT_DEBOUNCE_DELAY", "3s")
	t.Setenv("COMMIT_RESET_ON_RESPONSE_DONE", "yes")
	t.Setenv("REALTIME_MODELS", " a , b ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CommitPolicy.ImmediateMinBuffered != 1500*time.Millisecond {
		t.Fatalf("ImmediateMinBuffered = %v, want 1.5s", cfg.CommitPolicy.ImmediateMinBuffered)
	}
	if cfg.CommitPolicy.DebounceDelay != 3*time.Second {
		t.Fatalf("DebounceDelay = %v, want 3s", cfg.CommitPolicy.DebounceDelay)
	}
	if !cfg.CommitPolicy.ResetOnResponseDone {
		t.Fatalf("ResetOnResponseDone = false, want true")
	}
	if strings.Join(cfg.RealtimeModels, "|") != "a|b" {
		t.Fatalf("RealtimeModels = %v, want [a b]", cfg.RealtimeModels)
	}
}

func TestLoadPolicyFileOverlaysEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("COMMIT_MANUAL_MIN_BUFFERED", "250ms")

	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "commit:\n  debounce_delay: 2500ms\n  debounced_min_interval: 1s\nrealtime_models:\n  - gpt-4o-mini-realtime-preview\ntranscription_models:\n  - whisper-1\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	t.Setenv("SCRIBE_POLICY_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CommitPolicy.DebounceDelay != 2500*time.Millisecond {
		t.Fatalf("DebounceDelay = %v, want 2.5s", cfg.CommitPolicy.DebounceDelay)
	}
	if cfg.CommitPolicy.DebouncedMinInterval != time.Second {
		t.Fatalf("DebouncedMinInterval = %v, want 1s", cfg.CommitPolicy.DebouncedMinInterval)
	}
	if cfg.CommitPolicy.ManualMinBuffered != 250*time.Millisecond {
		t.Fatalf("ManualMinBuffered = %v, want env value kept", cfg.CommitPolicy.ManualMinBuffered)
	}
	if len(cfg.RealtimeModels) != 1 || cfg.RealtimeModels[0] != "gpt-4o-mini-realtime-preview" {
		t.Fatalf("RealtimeModels = %v", cfg.RealtimeModels)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"VAD_THRESHOLD":                  "1.5",
		"COLLAB_BACKEND":                 "redis",
		"TRANSCRIPTION_MODEL":            "nope",
		"UPSTREAM_DIAL_ATTEMPTS":         "zero",
		"LOG_LEVEL":                      "chatty",
		"COMMIT_DEBOUNCE_DELAY":          "0s",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%s error = nil, want error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"PORT",
		"APP_RELAY_PATH",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_CLOSE_GRACE_PERIOD",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"UPSTREAM_URL",
		"OPENAI_API_KEY",
		"UPSTREAM_DIAL_TIMEOUT",
		"UPSTREAM_DIAL_ATTEMPTS",
		"REALTIME_MODELS",
		"TRANSCRIPTION_MODELS",
		"TRANSCRIPTION_MODEL",
		"VAD_THRESHOLD",
		"VAD_SILENCE_DURATION_MS",
		"VAD_PREFIX_PADDING_MS",
		"MAX_RESPONSE_OUTPUT_TOKENS",
		"COMMIT_IMMEDIATE_MIN_BUFFERED",
		"COMMIT_IMMEDIATE_MIN_INTERVAL",
		"COMMIT_DEBOUNCE_DELAY",
		"COMMIT_DEBOUNCED_MIN_BUFFERED",
		"COMMIT_DEBOUNCED_MIN_INTERVAL",
		"COMMIT_MANUAL_MIN_BUFFERED",
		"COMMIT_RESET_ON_RESPONSE_DONE",
		"SCRIBE_POLICY_FILE",
		"COLLAB_BACKEND",
		"REDIS_URL",
		"DATABASE_URL",
		"COLLAB_CHANNEL_PREFIX",
		"LOG_LEVEL",
		"LOG_FORMAT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
