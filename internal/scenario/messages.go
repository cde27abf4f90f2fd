package scenario

import (
	"errors"
	"fmt"

	"github.com/seantiz/streamharness/internal/correlator"
	"github.com/seantiz/streamharness/internal/model"
)

// outputLabel names an output in failure messages.
func outputLabel(o model.OutputType) string {
	switch o {
	case model.OutputStreaming:
		return "Streaming output"
	case model.OutputRecording:
		return "Recording output"
	case model.OutputReplayBuffer:
		return "Replay buffer"
	default:
		return string(o)
	}
}

// describe rewrites a signal check failure into the catalogue message for
// its output, keeping the underlying error in the chain.
func describe(o model.OutputType, err error) error {
	label := outputLabel(o)

	var engErr *correlator.EngineError
	if errors.As(err, &engErr) {
		if engErr.NeverStarted {
			return fmt.Errorf("%s did not start. Code: %d. Error: %s: %w", label, engErr.Code, engErr.Message, err)
		}
		return fmt.Errorf("%s stopped with error. Code: %d. Error: %s: %w", label, engErr.Code, engErr.Message, err)
	}

	var unexpected *correlator.UnexpectedSignalError
	if errors.As(err, &unexpected) {
		return fmt.Errorf("%s signal mismatch: %w", label, err)
	}
	return fmt.Errorf("%s: %w", label, err)
}

// describeProgress rewrites an auto-configuration failure.
func describeProgress(step string, err error) error {
	return fmt.Errorf("auto configuration step %s failed: %w", step, err)
}

// settingMismatch reports a setting that does not hold its expected value.
func settingMismatch(category, key string, got, want any) error {
	return fmt.Errorf("setting %s.%s is %v (%T), expected %v (%T)", category, key, got, got, want, want)
}
