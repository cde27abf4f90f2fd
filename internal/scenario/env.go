package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/streamharness/internal/correlator"
	"github.com/seantiz/streamharness/internal/harness"
	"github.com/seantiz/streamharness/internal/model"
)

// Env is what a scenario body runs against.
type Env struct {
	Harness *harness.Harness
	// RecFilePath is where recordings and replays are written.
	RecFilePath string
	// Settle is the pause between starting an output and stopping it.
	Settle time.Duration
	Logger *slog.Logger
}

// prepare applies the output settings every scenario starts from.
func (e *Env) prepare(ctx context.Context) error {
	settings := []struct {
		key   string
		value any
	}{
		{"Mode", "Advanced"},
		{"Encoder", "obs_x264"},
		{"RecEncoder", "none"},
		{"RecFilePath", e.RecFilePath},
	}
	for _, s := range settings {
		if err := e.Harness.SetSetting(ctx, "Output", s.key, s.value); err != nil {
			return fmt.Errorf("prepare Output.%s: %w", s.key, err)
		}
	}
	return nil
}

// expectSignal waits for the next signal on o and checks it is want.
func (e *Env) expectSignal(ctx context.Context, o model.OutputType, want model.Signal) error {
	got, err := e.Harness.WaitForSignal(ctx, o, want, 0)
	if err != nil {
		return describe(o, err)
	}
	if err := correlator.ExpectSignal(got, want); err != nil {
		return describe(o, err)
	}
	return nil
}

// expectSignals checks a run of signals on o in order.
func (e *Env) expectSignals(ctx context.Context, o model.OutputType, want ...model.Signal) error {
	for _, s := range want {
		if err := e.expectSignal(ctx, o, s); err != nil {
			return err
		}
	}
	return nil
}

// expectStep waits for the next progress event and checks it completed step.
func (e *Env) expectStep(ctx context.Context, step string) error {
	got, err := e.Harness.WaitForProgress(ctx, step, 0)
	if err != nil {
		return describeProgress(step, err)
	}
	if err := correlator.ExpectProgress(got, model.ProgressStoppingStep, step); err != nil {
		return describeProgress(step, err)
	}
	return nil
}

// expectDone waits for the completion event of an auto-configuration run.
func (e *Env) expectDone(ctx context.Context) error {
	got, err := e.Harness.WaitForProgress(ctx, model.StepAutoConfigCompleted, 0)
	if err != nil {
		return describeProgress(model.StepAutoConfigCompleted, err)
	}
	if err := correlator.ExpectProgress(got, model.ProgressDone, ""); err != nil {
		return describeProgress(model.StepAutoConfigCompleted, err)
	}
	return nil
}

func (e *Env) settle(ctx context.Context) error {
	if e.Settle <= 0 {
		return nil
	}
	select {
	case <-time.After(e.Settle):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopStreaming is a best-effort stop used when a scenario bails out while
// streaming is live.
func (e *Env) stopStreaming(ctx context.Context) {
	if err := e.Harness.StopStreaming(ctx, false); err != nil {
		e.Logger.Warn("stop streaming after failure", "error", err)
	}
}
