package config

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every CALLSCRIPT_* variable for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, envPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callscript"}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.DBDriver != "sqlite" {
		t.Errorf("DBDriver = %q, want sqlite", cfg.DBDriver)
	}
	if cfg.NotifyMaxAttempts != defaultNotifyMaxAttempts {
		t.Errorf("NotifyMaxAttempts = %d, want %d", cfg.NotifyMaxAttempts, defaultNotifyMaxAttempts)
	}
	if cfg.NotifyEnabled() {
		t.Error("NotifyEnabled() = true with no destination configured")
	}
	if cfg.WatchScripts {
		t.Error("WatchScripts should default to false")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callscript"}
	t.Setenv("CALLSCRIPT_HTTP_PORT", "9090")
	t.Setenv("CALLSCRIPT_SCRIPTS_DIR", "/tmp/scripts")
	t.Setenv("CALLSCRIPT_LOG_LEVEL", "DEBUG")
	t.Setenv("CALLSCRIPT_WATCH_SCRIPTS", "true")
	t.Setenv("CALLSCRIPT_NOTIFY_INTERVAL", "5s")
	t.Setenv("CALLSCRIPT_BASE_URL", "https://ivr.example.com/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 9090 {
		t.Errorf("HTTPPort = %d, want 9090", cfg.HTTPPort)
	}
	if cfg.ScriptsDir != "/tmp/scripts" {
		t.Errorf("ScriptsDir = %q, want /tmp/scripts", cfg.ScriptsDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if !cfg.WatchScripts {
		t.Error("WatchScripts = false, want true")
	}
	if cfg.NotifyInterval != 5*time.Second {
		t.Errorf("NotifyInterval = %s, want 5s", cfg.NotifyInterval)
	}
	if cfg.BaseURL != "https://ivr.example.com" {
		t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"callscript", "--http-port", "3000", "--log-level", "warn"}
	t.Setenv("CALLSCRIPT_HTTP_PORT", "9090")
	t.Setenv("CALLSCRIPT_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HTTPPort != 3000 {
		t.Errorf("HTTPPort = %d, want 3000 (CLI should override env)", cfg.HTTPPort)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestInvalidEnvValueKeepsDefault(t *testing.T) {
	tests := []struct {
		env   string
		value string
		check func(*Config) bool
	}{
		{"CALLSCRIPT_HTTP_PORT", "not-a-number", func(c *Config) bool { return c.HTTPPort == defaultHTTPPort }},
		{"CALLSCRIPT_NOTIFY_INTERVAL", "5", func(c *Config) bool { return c.NotifyInterval == defaultNotifyInterval }},
		{"CALLSCRIPT_NOTIFY_MAX_ATTEMPTS", "many", func(c *Config) bool { return c.NotifyMaxAttempts == defaultNotifyMaxAttempts }},
		{"CALLSCRIPT_WEBHOOK_RATE", "fast", func(c *Config) bool { return c.WebhookRate == defaultWebhookRate }},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			clearEnv(t)
			os.Args = []string{"callscript"}
			t.Setenv(tt.env, tt.value)

			cfg, err := Load()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("%s=%q did not keep the default", tt.env, tt.value)
			}
		})
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"port zero", []string{"--http-port", "0"}},
		{"port too high", []string{"--http-port", "70000"}},
		{"bad log level", []string{"--log-level", "verbose"}},
		{"bad log format", []string{"--log-format", "xml"}},
		{"relative base url", []string{"--base-url", "/voice"}},
		{"unknown db driver", []string{"--db-driver", "mysql"}},
		{"postgres without dsn", []string{"--db-driver", "postgres"}},
		{"unknown notify auth", []string{"--notify-auth", "oauth"}},
		{"digest without user", []string{"--notify-auth", "digest"}},
		{"zero attempts", []string{"--notify-max-attempts", "0"}},
		{"tiny interval", []string{"--notify-interval", "1ms"}},
		{"short state secret", []string{"--state-secret", "abcd"}},
		{"non-hex state secret", []string{"--state-secret", strings.Repeat("zz", 32)}},
		{"zero rate", []string{"--webhook-rate", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			os.Args = append([]string{"callscript"}, tt.args...)
			if _, err := Load(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestStateKey(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.StateKey()
	if err != nil {
		t.Fatalf("StateKey() error: %v", err)
	}
	if key != nil {
		t.Fatal("expected nil key without a configured secret")
	}

	cfg.StateSecret = strings.Repeat("ab", 32)
	k1, err := cfg.StateKey()
	if err != nil {
		t.Fatalf("StateKey() error: %v", err)
	}
	if len(k1) != 32 {
		t.Fatalf("len(key) = %d, want 32", len(k1))
	}
	if bytes.Equal(k1, bytes.Repeat([]byte{0xab}, 32)) {
		t.Error("derived key must differ from the raw secret")
	}

	k2, _ := cfg.StateKey()
	if !bytes.Equal(k1, k2) {
		t.Error("key derivation is not deterministic")
	}
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := &Config{KafkaBrokers: " kafka-1:9092, ,kafka-2:9092 "}
	got := cfg.KafkaBrokerList()
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("KafkaBrokerList() = %v", got)
	}
	if !cfg.NotifyEnabled() {
		t.Error("NotifyEnabled() = false with brokers configured")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestSlogHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: "info", LogFormat: "json"}
	slog.New(cfg.SlogHandler(&buf)).Info("hello", "k", "v")
	if !strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Errorf("json handler produced %q", buf.String())
	}

	buf.Reset()
	cfg.LogFormat = "text"
	slog.New(cfg.SlogHandler(&buf)).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text handler produced %q", buf.String())
	}
}
