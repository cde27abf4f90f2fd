package correlator

import (
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/streamharness/internal/model"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("timed out waiting for event")

// ErrUnknownChannel is returned when an envelope names no known channel.
var ErrUnknownChannel = errors.New("unknown channel")

// TimeoutError reports that no envelope arrived on Channel before the deadline.
type TimeoutError struct {
	Channel  string
	Expected string
	After    time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Expected == "" {
		return fmt.Sprintf("timed out after %s waiting on %s", e.After, e.Channel)
	}
	return fmt.Sprintf("timed out after %s waiting on %s (expected %s)", e.After, e.Channel, e.Expected)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// UnexpectedSignalError reports an envelope whose signal does not match the
// scenario's branch.
type UnexpectedSignalError struct {
	Want model.Signal
	Got  model.SignalEnvelope
}

func (e *UnexpectedSignalError) Error() string {
	return fmt.Sprintf("unexpected %s signal %q, want %q", e.Got.Channel, e.Got.Signal, e.Want)
}

// UnexpectedProgressError reports a progress envelope that does not match the
// step the scenario expected.
type UnexpectedProgressError struct {
	WantEvent       model.ProgressEvent
	WantDescription string
	Got             model.ProgressEnvelope
}

func (e *UnexpectedProgressError) Error() string {
	return fmt.Sprintf("unexpected progress %s, want %s/%s", e.Got, e.WantEvent, e.WantDescription)
}

// EngineError carries a non-zero code reported by the engine.
//
// NeverStarted is set when the engine answered a start request with a stop
// signal, meaning the output never became active. Otherwise the output
// started and failed later.
type EngineError struct {
	Channel      model.OutputType
	Signal       model.Signal
	Code         int
	Message      string
	NeverStarted bool
}

func (e *EngineError) Error() string {
	if e.NeverStarted {
		return fmt.Sprintf("%s output did not start: code %d: %s", e.Channel, e.Code, e.Message)
	}
	return fmt.Sprintf("%s output reported %s with code %d: %s", e.Channel, e.Signal, e.Code, e.Message)
}
