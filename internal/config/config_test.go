package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"TRACKWATCH_DB_PATH", "TRACKWATCH_HTTP_PORT", "TRACKWATCH_LOG_LEVEL",
		"TRACKWATCH_WINDOW_SECONDS", "TRACKWATCH_HOP_SECONDS", "TRACKWATCH_DEDUP_SECONDS",
		"TRACKWATCH_DECISION_POLICY", "TRACKWATCH_STREAM_COUNT",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch"}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.WindowSeconds != defaultWindowSeconds {
		t.Errorf("WindowSeconds = %d, want %d", cfg.WindowSeconds, defaultWindowSeconds)
	}
	if cfg.HopSeconds != defaultHopSeconds {
		t.Errorf("HopSeconds = %d, want %d", cfg.HopSeconds, defaultHopSeconds)
	}
	if cfg.DedupSeconds != defaultDedupSeconds {
		t.Errorf("DedupSeconds = %d, want %d", cfg.DedupSeconds, defaultDedupSeconds)
	}
	if cfg.DecisionPolicy != defaultDecisionPolicy {
		t.Errorf("DecisionPolicy = %q, want %q", cfg.DecisionPolicy, defaultDecisionPolicy)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch"}
	t.Setenv("TRACKWATCH_HOP_SECONDS", "60")
	t.Setenv("TRACKWATCH_DB_PATH", "/tmp/trackwatch-test.db")
	t.Setenv("TRACKWATCH_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HopSeconds != 60 {
		t.Errorf("HopSeconds = %d, want 60", cfg.HopSeconds)
	}
	if cfg.DBPath != "/tmp/trackwatch-test.db" {
		t.Errorf("DBPath = %q, want /tmp/trackwatch-test.db", cfg.DBPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch", "--hop-seconds", "30", "--log-level", "warn"}
	t.Setenv("TRACKWATCH_HOP_SECONDS", "60")
	t.Setenv("TRACKWATCH_LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.HopSeconds != 30 {
		t.Errorf("HopSeconds = %d, want 30 (CLI should override env)", cfg.HopSeconds)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestValidateInvalidDecisionPolicy(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch", "--decision-policy", "ml_classifier"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unsupported decision policy, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch", "--log-level", "verbose"}
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestStreamsFromEnv(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch"}
	t.Setenv("TRACKWATCH_STREAM_COUNT", "2")
	t.Setenv("TRACKWATCH_STREAM_1_NAME", "lobby")
	t.Setenv("TRACKWATCH_STREAM_1_URL", "rtsp://example/lobby")
	t.Setenv("TRACKWATCH_STREAM_2_NAME", "cafe")
	t.Setenv("TRACKWATCH_STREAM_2_URL", "rtsp://example/cafe")
	t.Setenv("TRACKWATCH_STREAM_2_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Streams) != 2 {
		t.Fatalf("len(Streams) = %d, want 2", len(cfg.Streams))
	}
	if !cfg.Streams[0].Enabled {
		t.Error("Streams[0].Enabled = false, want true (default)")
	}
	if cfg.Streams[1].Enabled {
		t.Error("Streams[1].Enabled = true, want false")
	}
	if cfg.Streams[0].Transport != "tcp" {
		t.Errorf("Streams[0].Transport = %q, want tcp (default)", cfg.Streams[0].Transport)
	}
}

func TestStreamsFromEnvTooMany(t *testing.T) {
	clearEnv(t)
	os.Args = []string{"trackwatch"}
	t.Setenv("TRACKWATCH_STREAM_COUNT", "6")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error for more than 5 streams, got nil")
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
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
