package correlator

import "github.com/seantiz/streamharness/internal/model"

// startPhase holds the signals a caller waits for while an output is coming up.
var startPhase = map[model.Signal]bool{
	model.SignalStarting: true,
	model.SignalActivate: true,
	model.SignalStart:    true,
}

// ExpectSignal checks got against the signal a scenario expects.
//
// A stop received while waiting for a start-phase signal becomes an
// *EngineError with NeverStarted set. A matching signal with a non-zero code
// becomes an *EngineError. Any other mismatch is an *UnexpectedSignalError.
func ExpectSignal(got model.SignalEnvelope, want model.Signal) error {
	if got.Signal != want {
		if got.Signal == model.SignalStop && startPhase[want] {
			return &EngineError{
				Channel:      got.Channel,
				Signal:       got.Signal,
				Code:         got.Code,
				Message:      got.Error,
				NeverStarted: true,
			}
		}
		return &UnexpectedSignalError{Want: want, Got: got}
	}
	if got.Code != 0 {
		return &EngineError{
			Channel: got.Channel,
			Signal:  got.Signal,
			Code:    got.Code,
			Message: got.Error,
		}
	}
	return nil
}

// ExpectProgress checks got against the step a scenario expects. Completed
// steps must report 100 percent; the percentage of done and error events is
// not checked.
func ExpectProgress(got model.ProgressEnvelope, event model.ProgressEvent, description string) error {
	mismatch := &UnexpectedProgressError{WantEvent: event, WantDescription: description, Got: got}
	if got.Event != event {
		return mismatch
	}
	if description != "" && got.Description != description {
		return mismatch
	}
	if event == model.ProgressStoppingStep && got.Percentage != 100 {
		return mismatch
	}
	return nil
}
