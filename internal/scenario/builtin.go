package scenario

import (
	"context"
	"errors"
	"fmt"

	"github.com/seantiz/streamharness/internal/correlator"
	"github.com/seantiz/streamharness/internal/model"
)

// Builtin returns a registry holding the standard scenarios.
func Builtin() *Registry {
	r := NewRegistry()
	for _, s := range []Scenario{
		{
			Name:        "recording/start-stop",
			Description: "Start recording, then stop it and wait for the file to be written",
			Run:         recordingStartStop,
		},
		{
			Name:        "replay-buffer/save-and-stop",
			Description: "Start the replay buffer, save a replay, then stop it",
			Run:         replayBufferSaveAndStop,
		},
		{
			Name:        "streaming/start-stop",
			Description: "Start streaming, then stop it",
			NeedsUser:   true,
			Run:         streamingStartStop,
		},
		{
			Name:        "streaming/record-while-streaming",
			Description: "Record a file while a stream is live",
			NeedsUser:   true,
			Run:         recordWhileStreaming,
		},
		{
			Name:        "autoconfig/full-run",
			Description: "Run auto-configuration, following the default-settings path when the bandwidth test fails",
			NeedsUser:   true,
			Run:         autoConfigFullRun,
		},
	} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

func recordingStartStop(ctx context.Context, env *Env) error {
	h := env.Harness
	if err := env.prepare(ctx); err != nil {
		return err
	}

	if err := h.StartRecording(ctx); err != nil {
		return err
	}
	if err := env.expectSignal(ctx, model.OutputRecording, model.SignalStart); err != nil {
		return err
	}
	if err := env.settle(ctx); err != nil {
		return err
	}

	if err := h.StopRecording(ctx); err != nil {
		return err
	}
	return env.expectSignals(ctx, model.OutputRecording,
		model.SignalStopping, model.SignalStop, model.SignalWrote)
}

func replayBufferSaveAndStop(ctx context.Context, env *Env) error {
	h := env.Harness
	if err := env.prepare(ctx); err != nil {
		return err
	}

	if err := h.StartReplayBuffer(ctx); err != nil {
		return err
	}
	if err := env.expectSignal(ctx, model.OutputReplayBuffer, model.SignalStart); err != nil {
		return err
	}
	if err := env.settle(ctx); err != nil {
		return err
	}

	if err := h.ProcessReplayBufferHotkey(ctx); err != nil {
		return err
	}
	if err := env.expectSignals(ctx, model.OutputReplayBuffer, model.SignalWriting, model.SignalWrote); err != nil {
		return err
	}
	path, err := h.GetLastReplay(ctx)
	if err != nil {
		return fmt.Errorf("get last replay: %w", err)
	}
	if path == "" {
		return errors.New("replay buffer reported no saved replay")
	}
	env.Logger.Info("replay saved", "path", path)

	if err := h.StopReplayBuffer(ctx, false); err != nil {
		return err
	}
	return env.expectSignals(ctx, model.OutputReplayBuffer, model.SignalStopping, model.SignalStop)
}

// startStreaming issues a start and checks the full start chain.
func startStreaming(ctx context.Context, env *Env) error {
	if err := env.Harness.StartStreaming(ctx); err != nil {
		return err
	}
	return env.expectSignals(ctx, model.OutputStreaming,
		model.SignalStarting, model.SignalActivate, model.SignalStart)
}

func stopStreaming(ctx context.Context, env *Env) error {
	if err := env.Harness.StopStreaming(ctx, false); err != nil {
		return err
	}
	return env.expectSignals(ctx, model.OutputStreaming,
		model.SignalStopping, model.SignalStop, model.SignalDeactivate)
}

func streamingStartStop(ctx context.Context, env *Env) error {
	if err := env.prepare(ctx); err != nil {
		return err
	}
	if err := startStreaming(ctx, env); err != nil {
		return err
	}
	if err := env.settle(ctx); err != nil {
		return err
	}
	return stopStreaming(ctx, env)
}

func recordWhileStreaming(ctx context.Context, env *Env) error {
	h := env.Harness
	if err := env.prepare(ctx); err != nil {
		return err
	}
	if err := startStreaming(ctx, env); err != nil {
		return err
	}

	recording := func() error {
		if err := h.StartRecording(ctx); err != nil {
			return err
		}
		if err := env.expectSignal(ctx, model.OutputRecording, model.SignalStart); err != nil {
			return err
		}
		if err := env.settle(ctx); err != nil {
			return err
		}
		if err := h.StopRecording(ctx); err != nil {
			return err
		}
		return env.expectSignals(ctx, model.OutputRecording,
			model.SignalStopping, model.SignalStop, model.SignalWrote)
	}
	if err := recording(); err != nil {
		env.stopStreaming(ctx)
		return err
	}

	return stopStreaming(ctx, env)
}

// defaultSettings are the values the default-settings step must leave behind.
var defaultSettings = []struct {
	category, key string
	want          any
}{
	{"Output", "Mode", "Simple"},
	{"Output", "VBitrate", int64(2500)},
	{"Output", "StreamEncoder", "x264"},
	{"Output", "RecQuality", "Small"},
	{"Advanced", "DynamicBitrate", false},
	{"Video", "Output", "1280x720"},
	{"Video", "FPSType", "Common FPS Values"},
	{"Video", "FPSCommon", "30"},
}

func autoConfigFullRun(ctx context.Context, env *Env) (err error) {
	h := env.Harness
	defer func() {
		if terr := h.TerminateAutoConfig(ctx); terr != nil && err == nil {
			err = fmt.Errorf("terminate auto configuration: %w", terr)
		}
	}()

	if err := h.StartBandwidthTest(ctx); err != nil {
		return err
	}
	first, err := h.WaitForProgress(ctx, model.StepBandwidthTest, 0)
	if err != nil {
		return describeProgress(model.StepBandwidthTest, err)
	}

	if first.Event == model.ProgressError {
		env.Logger.Info("bandwidth test failed, applying default settings", "step", first.Description)
		return autoConfigDefaults(ctx, env)
	}
	if err := expectProgress(first, model.StepBandwidthTest); err != nil {
		return err
	}

	steps := []struct {
		run  func(context.Context) error
		step string
	}{
		{h.StartStreamEncoderTest, model.StepStreamEncoderTest},
		{h.StartRecordingEncoderTest, model.StepRecordEncoderTest},
		{h.StartCheckSettings, model.StepCheckingSettings},
		{h.StartSaveStreamSettings, model.StepSavingService},
		{h.StartSaveSettings, model.StepSavingSettings},
	}
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			return err
		}
		if err := env.expectStep(ctx, s.step); err != nil {
			return err
		}
	}
	return env.expectDone(ctx)
}

// autoConfigDefaults is the short-circuit path taken after a failed
// bandwidth test.
func autoConfigDefaults(ctx context.Context, env *Env) error {
	h := env.Harness
	steps := []struct {
		run  func(context.Context) error
		step string
	}{
		{h.StartSetDefaultSettings, model.StepSetDefaultSettings},
		{h.StartSaveStreamSettings, model.StepSavingService},
		{h.StartSaveSettings, model.StepSavingSettings},
	}
	for _, s := range steps {
		if err := s.run(ctx); err != nil {
			return err
		}
		if err := env.expectStep(ctx, s.step); err != nil {
			return err
		}
	}
	if err := env.expectDone(ctx); err != nil {
		return err
	}

	for _, s := range defaultSettings {
		got, err := h.GetSetting(ctx, s.category, s.key)
		if err != nil {
			return fmt.Errorf("get %s.%s: %w", s.category, s.key, err)
		}
		if got != s.want {
			return settingMismatch(s.category, s.key, got, s.want)
		}
	}
	return nil
}

func expectProgress(got model.ProgressEnvelope, step string) error {
	if err := correlator.ExpectProgress(got, model.ProgressStoppingStep, step); err != nil {
		return describeProgress(step, err)
	}
	return nil
}
