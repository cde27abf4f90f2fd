package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/streamharness/internal/config"
	"github.com/seantiz/streamharness/internal/engine"
	"github.com/seantiz/streamharness/internal/harness"
	"github.com/seantiz/streamharness/internal/model"
	"github.com/seantiz/streamharness/internal/pool"
	"github.com/seantiz/streamharness/internal/scenario"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Settle time.Duration
	Follow bool
}

// runFlags maps run command flags to config keys.
var runFlags = map[string]string{
	"engine-bin":    "engine_bin",
	"engine-socket": "engine_socket",
	"engine-script": "engine_script",
	"cache-dir":     "cache_dir",
	"pool-url":      "pool_url",
	"pool":          "pool_name",
	"pool-timeout":  "pool_timeout",
	"wait-timeout":  "wait_timeout",
}

// RunReport is the JSON output of the run command.
type RunReport struct {
	RunID    string            `json:"run_id"`
	CacheDir string            `json:"cache_dir"`
	Results  []scenario.Result `json:"results"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios against a freshly started engine",
		Long: `Run the named scenarios, or every registered scenario when none are
given. Each scenario gets its own engine host and diagnostics directory;
failed scenarios upload that directory to the pool service.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (bad config, unknown scenario)

Examples:
  streamharness run
  streamharness run recording/start-stop --engine-script fail-stop.yaml
  streamharness run --pool streaming --format json
  streamharness run recording/start-stop --follow`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.String("engine-bin", "", "engine host executable")
	f.String("engine-socket", "", "unix socket the engine host listens on")
	f.String("engine-script", "", "engine host behavior script")
	f.String("cache-dir", "", "root directory for diagnostics")
	f.String("pool-url", "", "fixture pool service URL")
	f.String("pool", "", "pool to reserve users from")
	f.Duration("pool-timeout", 0, "how long to wait for a pool user")
	f.Duration("wait-timeout", 0, "default wait for an engine event")
	f.DurationVar(&opts.Settle, "settle", 200*time.Millisecond, "pause between starting and stopping an output")
	f.BoolVar(&opts.Follow, "follow", false, "print engine events to stderr as they arrive")

	return cmd
}

// overrides collects flags set on the command line, keyed for config.
func overrides(cmd *cobra.Command, opts *RunOptions) map[string]any {
	out := make(map[string]any)
	for flag, key := range runFlags {
		if !cmd.Flags().Changed(flag) {
			continue
		}
		fl := cmd.Flags().Lookup(flag)
		out[key] = fl.Value.String()
	}
	if opts.LogLevel != "" {
		out["log_level"] = opts.LogLevel
	}
	if opts.LogFormat != "" {
		out["log_format"] = opts.LogFormat
	}
	return out
}

func runScenarios(cmd *cobra.Command, opts *RunOptions, names []string) error {
	cfg, err := config.LoadHarness(config.LoadOptions{
		ConfigPath: opts.ConfigPath,
		Overrides:  overrides(cmd, opts),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "load config", err)
	}

	errOut := &lockedWriter{w: cmd.ErrOrStderr()}
	logger := config.NewLogger(errOut, cfg.LogLevel, cfg.LogFormat)

	runID := model.NewID()
	runDir := filepath.Join(cfg.CacheDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "create cache dir", err)
	}

	factory := &harnessFactory{cfg: cfg, runID: runID, runDir: runDir, errOut: errOut, follow: opts.Follow}
	defer factory.closeLogs()

	runner := &scenario.Runner{
		Registry:     scenario.Builtin(),
		NewHarness:   factory.New,
		ReserveUsers: cfg.PoolName != "",
		RecFilePath:  filepath.Join(runDir, "recordings"),
		Settle:       opts.Settle,
		Logger:       logger.With("run_id", runID),
	}
	if cfg.PoolName == "" {
		logger.Info("no pool configured, scenarios run without a reserved user")
	}

	results, err := runner.Run(cmd.Context(), names)
	factory.wait()
	if errors.Is(err, scenario.ErrUnknownScenario) {
		return WrapExitError(ExitCommandError, "resolve scenarios", err)
	}

	report := RunReport{RunID: runID, CacheDir: runDir, Results: results}
	for _, r := range results {
		if r.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	if werr := writeReport(cmd.OutOrStdout(), opts.Format, report); werr != nil {
		return WrapExitError(ExitCommandError, "write report", werr)
	}

	if err != nil {
		return WrapExitError(ExitFailure, "run interrupted", err)
	}
	if scenario.Failed(results) {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, len(results)))
	}
	return nil
}

func writeReport(w io.Writer, format string, report RunReport) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	for _, r := range report.Results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s  %s (%dms)\n", status, r.Name, r.DurationMS)
		if r.Error != "" {
			fmt.Fprintf(w, "      %s\n", r.Error)
		}
	}
	_, err := fmt.Fprintf(w, "\n%d passed, %d failed. Diagnostics: %s\n", report.Passed, report.Failed, report.CacheDir)
	return err
}

// harnessFactory builds one harness per scenario, each with its own engine
// host, pool client and diagnostics directory.
type harnessFactory struct {
	cfg    config.Harness
	runID  string
	runDir string
	errOut io.Writer
	follow bool

	mu        sync.Mutex
	logs      []*os.File
	followers sync.WaitGroup
}

func (f *harnessFactory) New(ctx context.Context, s scenario.Scenario) (*harness.Harness, error) {
	dir := filepath.Join(f.runDir, strings.ReplaceAll(s.Name, "/", "-"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	logFile, err := os.Create(filepath.Join(dir, "harness.log"))
	if err != nil {
		return nil, fmt.Errorf("create harness log: %w", err)
	}
	f.mu.Lock()
	f.logs = append(f.logs, logFile)
	f.mu.Unlock()

	logger := config.NewLogger(io.MultiWriter(f.errOut, logFile), f.cfg.LogLevel, f.cfg.LogFormat).
		With("run_id", f.runID, "scenario", s.Name)

	h, err := harness.New(ctx, harness.Options{
		Engine:      f.starter(dir, logger),
		Pool:        f.poolClient(logger),
		PoolName:    f.cfg.PoolName,
		Suite:       s.Name,
		CacheDir:    dir,
		WaitTimeout: f.cfg.WaitTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	if f.follow {
		entries, _ := h.Subscribe()
		f.followers.Add(1)
		go func() {
			defer f.followers.Done()
			followEntries(f.errOut, s.Name, entries)
		}()
	}
	return h, nil
}

// wait blocks until every follower has drained its closed subscription.
func (f *harnessFactory) wait() {
	f.followers.Wait()
}

// poolClient returns nil when no pool service is configured, which disables
// reservations and diagnostic uploads.
func (f *harnessFactory) poolClient(logger *slog.Logger) *pool.Client {
	if f.cfg.PoolURL == "" {
		return nil
	}
	return pool.New(pool.Options{
		BaseURL: f.cfg.PoolURL,
		Timeout: f.cfg.PoolTimeout,
		Holder:  "streamharness/" + f.runID,
		Logger:  logger,
	})
}

func (f *harnessFactory) starter(dir string, logger *slog.Logger) harness.Starter {
	return func(ctx context.Context) (engine.Engine, error) {
		host, err := engine.Launch(ctx, engine.ProcessOptions{
			Binary:     f.cfg.EngineBin,
			SocketPath: f.cfg.EngineSocket,
			ScriptPath: f.cfg.EngineScript,
			LogPath:    filepath.Join(dir, "engine.log"),
		}, logger)
		if err != nil {
			return nil, err
		}
		return host, nil
	}
}

func (f *harnessFactory) closeLogs() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.logs {
		l.Close()
	}
	f.logs = nil
}
