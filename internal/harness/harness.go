// Package harness is the façade scenarios drive: it starts the engine,
// installs the event bridge, exposes ordered waits over engine events, passes
// commands and settings through, and owns the fixture pool reservation.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/streamharness/internal/bridge"
	"github.com/seantiz/streamharness/internal/correlator"
	"github.com/seantiz/streamharness/internal/engine"
	"github.com/seantiz/streamharness/internal/model"
	"github.com/seantiz/streamharness/internal/pool"
)

// Teardown bounds for the pool service calls.
const (
	uploadTimeout  = 15 * time.Second
	releaseTimeout = 10 * time.Second
)

// Starter launches an engine and returns it connected.
type Starter func(ctx context.Context) (engine.Engine, error)

// Options configures a Harness.
type Options struct {
	// Engine starts the engine. Required.
	Engine Starter
	// Pool is the fixture pool client. Nil disables reservations and
	// diagnostic uploads.
	Pool *pool.Client
	// PoolName binds Pool to a named pool when set.
	PoolName string
	// Suite names the run in uploaded diagnostics.
	Suite string
	// CacheDir holds the logs bundled on failure.
	CacheDir string
	// WaitTimeout is the default for waits issued without a timeout.
	WaitTimeout time.Duration
	Logger      *slog.Logger
}

// Harness composes one engine, its bridge and correlator, and at most one
// pool reservation. Commands and settings calls go straight to the engine.
type Harness struct {
	engine.Commands
	engine.Settings

	engine     engine.Engine
	bridge     *bridge.Bridge
	correlator *correlator.Correlator
	pool       *pool.Client
	suite      string
	cacheDir   string
	logger     *slog.Logger

	failed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New starts the engine and installs the bridge.
func New(ctx context.Context, opts Options) (*Harness, error) {
	if opts.Engine == nil {
		return nil, errors.New("harness: engine starter is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool != nil && opts.PoolName != "" {
		if err := opts.Pool.InstantiatePool(opts.PoolName); err != nil {
			return nil, fmt.Errorf("harness: %w", err)
		}
	}

	eng, err := opts.Engine(ctx)
	if err != nil {
		return nil, fmt.Errorf("start engine: %w", err)
	}

	c := correlator.New(opts.WaitTimeout)
	b, err := bridge.Install(ctx, eng, c, opts.Logger)
	if err != nil {
		if cerr := eng.Close(); cerr != nil {
			opts.Logger.Error("stop engine after failed bridge install", "error", cerr)
		}
		return nil, err
	}

	return &Harness{
		Commands:   eng,
		Settings:   eng,
		engine:     eng,
		bridge:     b,
		correlator: c,
		pool:       opts.Pool,
		suite:      opts.Suite,
		cacheDir:   opts.CacheDir,
		logger:     opts.Logger,
	}, nil
}

// WaitForSignal returns the next envelope on channel. hint only shapes the
// timeout error; callers must branch on the returned signal and code.
func (h *Harness) WaitForSignal(ctx context.Context, channel model.OutputType, hint model.Signal, timeout time.Duration) (model.SignalEnvelope, error) {
	return h.correlator.WaitForSignal(ctx, channel, hint, timeout)
}

// WaitForProgress returns the next auto-configuration progress envelope.
func (h *Harness) WaitForProgress(ctx context.Context, hint string, timeout time.Duration) (model.ProgressEnvelope, error) {
	return h.correlator.WaitForProgress(ctx, hint, timeout)
}

// GetLastReplay returns the path of the most recently saved replay.
func (h *Harness) GetLastReplay(ctx context.Context) (string, error) {
	return h.engine.GetLastReplay(ctx)
}

// Reserve reserves a pool user.
func (h *Harness) Reserve(ctx context.Context) (*model.Reservation, error) {
	if h.pool == nil {
		return nil, pool.ErrPoolNotInstantiated
	}
	return h.pool.Reserve(ctx)
}

// Release returns the reserved pool user early. Close releases otherwise.
func (h *Harness) Release(ctx context.Context) error {
	if h.pool == nil {
		return nil
	}
	return h.pool.Release(ctx)
}

// Transcript returns every envelope the bridge delivered, in arrival order.
func (h *Harness) Transcript() []bridge.Entry {
	return h.bridge.Transcript()
}

// Subscribe follows delivered envelopes live.
func (h *Harness) Subscribe() (<-chan bridge.Entry, func()) {
	return h.bridge.Subscribe()
}

// MarkFailed records that a test in the suite failed, so Close uploads the
// diagnostic cache.
func (h *Harness) MarkFailed() {
	h.failed.Store(true)
}

// Failed reports whether a failure was recorded.
func (h *Harness) Failed() bool {
	return h.failed.Load()
}

// Track marks the harness failed when t fails.
func (h *Harness) Track(t testing.TB) {
	t.Cleanup(func() {
		if t.Failed() {
			h.MarkFailed()
		}
	})
}

// Close tears down in order: bridge, engine, diagnostic upload when a
// failure was recorded, pool release. Upload failures are logged only. The
// pool is released even when earlier steps fail.
func (h *Harness) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = h.teardown(ctx)
	})
	return h.closeErr
}

func (h *Harness) teardown(ctx context.Context) error {
	var errs []error

	if unread := h.correlator.Unread(); hasUnread(unread) {
		h.logger.Debug("unread engine events at teardown", "unread", unread)
	}

	if err := h.bridge.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := h.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("stop engine: %w", err))
	}

	if h.pool != nil {
		if h.Failed() && h.cacheDir != "" {
			h.upload(ctx)
		}
		// The release gets its own deadline so a slow upload cannot use it up.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := h.pool.Release(releaseCtx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (h *Harness) upload(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	if _, err := h.pool.UploadDiagnosticCache(ctx, h.suite, h.cacheDir); err != nil {
		h.logger.Error("upload diagnostic cache", "suite", h.suite, "error", err)
	}
}

func hasUnread(unread map[string]int) bool {
	for _, n := range unread {
		if n > 0 {
			return true
		}
	}
	return false
}
