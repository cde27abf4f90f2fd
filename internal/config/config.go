// Package config loads settings for the harness and pool server binaries and
// builds their loggers.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. STREAMHARNESS_POOL_URL.
const EnvPrefix = "STREAMHARNESS"

// Log formats.
const (
	FormatJSON = "json"
	FormatText = "text"
)

const (
	defaultLogLevel    = "info"
	defaultEngineBin   = "enginehost"
	defaultPoolTimeout = 60 * time.Second
	defaultWaitTimeout = 30 * time.Second

	defaultListenAddr = ":8090"
	defaultDBPath     = "streamharness-pool.db"
	defaultLeaseTTL   = 30 * time.Minute
)

// Harness configures a cmd/streamharness run.
type Harness struct {
	LogLevel     slog.Level
	LogFormat    string
	EngineBin    string
	EngineSocket string
	EngineScript string
	CacheDir     string
	PoolURL      string
	PoolName     string
	PoolTimeout  time.Duration
	WaitTimeout  time.Duration
}

// PoolServer configures cmd/poolserver.
type PoolServer struct {
	LogLevel   slog.Level
	LogFormat  string
	ListenAddr string
	DBPath     string
	SeedPath   string
	LeaseTTL   time.Duration
}

// LoadOptions controls where settings come from. Precedence is
// defaults < config file < environment < overrides.
type LoadOptions struct {
	// ConfigPath names an optional YAML or TOML file.
	ConfigPath string
	// Overrides are highest-priority values keyed like the config file,
	// typically set from CLI flags.
	Overrides map[string]any
}

// LoadHarness resolves the harness configuration.
func LoadHarness(opts LoadOptions) (Harness, error) {
	v, err := newViper(opts, func(v *viper.Viper) {
		v.SetDefault("engine_bin", defaultEngineBin)
		v.SetDefault("engine_socket", filepath.Join(os.TempDir(), "streamharness-engine.sock"))
		v.SetDefault("engine_script", "")
		v.SetDefault("cache_dir", filepath.Join(os.TempDir(), "streamharness-cache"))
		v.SetDefault("pool_url", "")
		v.SetDefault("pool_name", "")
		v.SetDefault("pool_timeout", defaultPoolTimeout)
		v.SetDefault("wait_timeout", defaultWaitTimeout)
	})
	if err != nil {
		return Harness{}, err
	}

	cfg := Harness{
		LogLevel:     ParseLogLevel(v.GetString("log_level")),
		LogFormat:    strings.ToLower(v.GetString("log_format")),
		EngineBin:    v.GetString("engine_bin"),
		EngineSocket: v.GetString("engine_socket"),
		EngineScript: v.GetString("engine_script"),
		CacheDir:     v.GetString("cache_dir"),
		PoolURL:      strings.TrimRight(v.GetString("pool_url"), "/"),
		PoolName:     v.GetString("pool_name"),
		PoolTimeout:  v.GetDuration("pool_timeout"),
		WaitTimeout:  v.GetDuration("wait_timeout"),
	}

	var errs []error
	errs = append(errs, checkFormat(cfg.LogFormat))
	if cfg.EngineBin == "" {
		errs = append(errs, errors.New("engine_bin is required"))
	}
	if cfg.EngineSocket == "" {
		errs = append(errs, errors.New("engine_socket is required"))
	}
	if cfg.PoolName != "" && cfg.PoolURL == "" {
		errs = append(errs, errors.New("pool_name requires pool_url"))
	}
	if cfg.PoolTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pool_timeout must be positive, got %s", cfg.PoolTimeout))
	}
	if cfg.WaitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("wait_timeout must be positive, got %s", cfg.WaitTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return Harness{}, fmt.Errorf("invalid harness config: %w", err)
	}
	return cfg, nil
}

// LoadPoolServer resolves the pool server configuration.
func LoadPoolServer(opts LoadOptions) (PoolServer, error) {
	v, err := newViper(opts, func(v *viper.Viper) {
		v.SetDefault("listen_addr", defaultListenAddr)
		v.SetDefault("db_path", defaultDBPath)
		v.SetDefault("seed_path", "")
		v.SetDefault("lease_ttl", defaultLeaseTTL)
	})
	if err != nil {
		return PoolServer{}, err
	}

	cfg := PoolServer{
		LogLevel:   ParseLogLevel(v.GetString("log_level")),
		LogFormat:  strings.ToLower(v.GetString("log_format")),
		ListenAddr: v.GetString("listen_addr"),
		DBPath:     v.GetString("db_path"),
		SeedPath:   v.GetString("seed_path"),
		LeaseTTL:   v.GetDuration("lease_ttl"),
	}

	var errs []error
	errs = append(errs, checkFormat(cfg.LogFormat))
	if cfg.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if cfg.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease_ttl must be positive, got %s", cfg.LeaseTTL))
	}
	if err := errors.Join(errs...); err != nil {
		return PoolServer{}, fmt.Errorf("invalid pool server config: %w", err)
	}
	return cfg, nil
}

// newViper builds a viper instance with shared defaults, the optional config
// file, environment binding and overrides applied.
func newViper(opts LoadOptions, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_format", FormatJSON)
	defaults(v)

	if opts.ConfigPath != "" {
		v.SetConfigFile(opts.ConfigPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigPath, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, val := range opts.Overrides {
		v.Set(key, val)
	}
	return v, nil
}

func checkFormat(format string) error {
	switch format {
	case FormatJSON, FormatText:
		return nil
	default:
		return fmt.Errorf("log_format must be %q or %q, got %q", FormatJSON, FormatText, format)
	}
}

// ParseLogLevel maps a level name to a slog level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured logger writing to w at the configured level.
// The json format emits one JSON object per line; text renders
// human-readable console lines.
func NewLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == FormatText {
		return slog.New(log.NewWithOptions(w, log.Options{
			Level:           log.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.RFC3339,
		}))
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
