package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"LOG_LEVEL", "LOG_FORMAT", "ENGINE_BIN", "ENGINE_SOCKET", "ENGINE_SCRIPT",
	"CACHE_DIR", "POOL_URL", "POOL_NAME", "POOL_TIMEOUT", "WAIT_TIMEOUT",
	"LISTEN_ADDR", "DB_PATH", "SEED_PATH", "LEASE_TTL",
}

// clearEnv blanks every variable the loaders read so host settings cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(EnvPrefix+"_"+k, "")
	}
}

func TestLoadHarnessDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadHarness(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadHarness: %v", err)
	}

	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
	if cfg.LogFormat != FormatJSON {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatJSON)
	}
	if cfg.EngineBin != defaultEngineBin {
		t.Errorf("EngineBin = %q, want %q", cfg.EngineBin, defaultEngineBin)
	}
	if cfg.PoolURL != "" {
		t.Errorf("PoolURL = %q, want empty", cfg.PoolURL)
	}
	if cfg.PoolTimeout != defaultPoolTimeout {
		t.Errorf("PoolTimeout = %v, want %v", cfg.PoolTimeout, defaultPoolTimeout)
	}
	if cfg.WaitTimeout != defaultWaitTimeout {
		t.Errorf("WaitTimeout = %v, want %v", cfg.WaitTimeout, defaultWaitTimeout)
	}
	if !strings.HasPrefix(cfg.EngineSocket, os.TempDir()) {
		t.Errorf("EngineSocket = %q, want a path under %q", cfg.EngineSocket, os.TempDir())
	}
	if cfg.PoolName != "" {
		t.Errorf("PoolName = %q, want empty", cfg.PoolName)
	}
}

func TestLoadHarnessFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMHARNESS_LOG_LEVEL", "debug")
	t.Setenv("STREAMHARNESS_POOL_URL", "http://pool.test:9000/")
	t.Setenv("STREAMHARNESS_POOL_NAME", "streaming")
	t.Setenv("STREAMHARNESS_WAIT_TIMEOUT", "5s")

	cfg, err := LoadHarness(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadHarness: %v", err)
	}

	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.PoolURL != "http://pool.test:9000" {
		t.Errorf("PoolURL = %q, want trailing slash trimmed", cfg.PoolURL)
	}
	if cfg.PoolName != "streaming" {
		t.Errorf("PoolName = %q, want %q", cfg.PoolName, "streaming")
	}
	if cfg.WaitTimeout != 5*time.Second {
		t.Errorf("WaitTimeout = %v, want 5s", cfg.WaitTimeout)
	}
}

func TestLoadHarnessPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "harness.yaml")
	content := "engine_bin: /opt/enginehost\nwait_timeout: 10s\npool_url: http://pool.test\npool_name: from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STREAMHARNESS_WAIT_TIMEOUT", "20s")

	cfg, err := LoadHarness(LoadOptions{
		ConfigPath: path,
		Overrides:  map[string]any{"pool_name": "from-flag"},
	})
	if err != nil {
		t.Fatalf("LoadHarness: %v", err)
	}

	if cfg.EngineBin != "/opt/enginehost" {
		t.Errorf("EngineBin = %q, want value from file", cfg.EngineBin)
	}
	if cfg.WaitTimeout != 20*time.Second {
		t.Errorf("WaitTimeout = %v, want env to beat file", cfg.WaitTimeout)
	}
	if cfg.PoolName != "from-flag" {
		t.Errorf("PoolName = %q, want override to beat file", cfg.PoolName)
	}
}

func TestLoadHarnessMissingFile(t *testing.T) {
	clearEnv(t)

	_, err := LoadHarness(LoadOptions{ConfigPath: filepath.Join(t.TempDir(), "missing.yaml")})
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadHarnessInvalid(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMHARNESS_LOG_FORMAT", "xml")
	t.Setenv("STREAMHARNESS_POOL_TIMEOUT", "-1s")

	_, err := LoadHarness(LoadOptions{})
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_format", "pool_timeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoadHarnessPoolNameNeedsURL(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMHARNESS_POOL_NAME", "streaming")

	_, err := LoadHarness(LoadOptions{})
	if err == nil || !strings.Contains(err.Error(), "pool_name requires pool_url") {
		t.Fatalf("err = %v, want pool_url requirement", err)
	}
}

func TestLoadPoolServerDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadPoolServer(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadPoolServer: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LeaseTTL != defaultLeaseTTL {
		t.Errorf("LeaseTTL = %v, want %v", cfg.LeaseTTL, defaultLeaseTTL)
	}
	if cfg.SeedPath != "" {
		t.Errorf("SeedPath = %q, want empty", cfg.SeedPath)
	}
}

func TestLoadPoolServerFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("STREAMHARNESS_LISTEN_ADDR", ":9191")
	t.Setenv("STREAMHARNESS_DB_PATH", "/tmp/pool.db")
	t.Setenv("STREAMHARNESS_LEASE_TTL", "2m")
	t.Setenv("STREAMHARNESS_LOG_FORMAT", "TEXT")

	cfg, err := LoadPoolServer(LoadOptions{})
	if err != nil {
		t.Fatalf("LoadPoolServer: %v", err)
	}

	if cfg.ListenAddr != ":9191" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9191")
	}
	if cfg.DBPath != "/tmp/pool.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/pool.db")
	}
	if cfg.LeaseTTL != 2*time.Minute {
		t.Errorf("LeaseTTL = %v, want 2m", cfg.LeaseTTL)
	}
	if cfg.LogFormat != FormatText {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, FormatText)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo, FormatJSON)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn, FormatText)

	logger.Info("hidden")
	logger.Warn("shown", "pool", "streaming")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line logged below warn level: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "pool=streaming") {
		t.Errorf("text output = %q, want message and key=value", out)
	}
	if json.Valid(bytes.TrimSpace(buf.Bytes())) {
		t.Error("text format produced JSON")
	}
}
