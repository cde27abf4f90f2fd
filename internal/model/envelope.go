package model

import "fmt"

// OutputType identifies one of the engine's output pipelines.
type OutputType string

// Output pipeline constants.
const (
	OutputStreaming    OutputType = "streaming"
	OutputRecording    OutputType = "recording"
	OutputReplayBuffer OutputType = "replay-buffer"
)

// OutputTypes lists every output pipeline in a stable order.
var OutputTypes = []OutputType{OutputStreaming, OutputRecording, OutputReplayBuffer}

// Valid reports whether o names a known output pipeline.
func (o OutputType) Valid() bool {
	switch o {
	case OutputStreaming, OutputRecording, OutputReplayBuffer:
		return true
	}
	return false
}

// Signal is the lifecycle phase reported by an output pipeline.
type Signal string

// Output signal constants.
const (
	SignalStarting   Signal = "starting"
	SignalActivate   Signal = "activate"
	SignalStart      Signal = "start"
	SignalStopping   Signal = "stopping"
	SignalStop       Signal = "stop"
	SignalDeactivate Signal = "deactivate"
	SignalWriting    Signal = "writing"
	SignalWrote      Signal = "wrote"
)

// Valid reports whether s is a known output signal.
func (s Signal) Valid() bool {
	switch s {
	case SignalStarting, SignalActivate, SignalStart, SignalStopping,
		SignalStop, SignalDeactivate, SignalWriting, SignalWrote:
		return true
	}
	return false
}

// ProgressEvent is the kind of an auto-configuration progress report.
type ProgressEvent string

// Progress event constants. ProgressStartingStep is emitted by the engine but
// never delivered to consumers.
const (
	ProgressStartingStep ProgressEvent = "starting_step"
	ProgressStoppingStep ProgressEvent = "stopping_step"
	ProgressDone         ProgressEvent = "done"
	ProgressError        ProgressEvent = "error"
)

// Valid reports whether e is a deliverable progress event.
func (e ProgressEvent) Valid() bool {
	switch e {
	case ProgressStoppingStep, ProgressDone, ProgressError:
		return true
	}
	return false
}

// Auto-configuration step descriptions.
const (
	StepBandwidthTest       = "bandwidth_test"
	StepStreamEncoderTest   = "streamingEncoder_test"
	StepRecordEncoderTest   = "recordingEncoder_test"
	StepCheckingSettings    = "checking_settings"
	StepSavingService       = "saving_service"
	StepSavingSettings      = "saving_settings"
	StepSetDefaultSettings  = "setting_default_settings"
	StepInvalidSettings     = "invalid_settings"
	StepAutoConfigCompleted = "autoconfig_completed"
)

// SignalEnvelope is one output signal as emitted by the engine.
type SignalEnvelope struct {
	Channel OutputType `json:"type"`
	Signal  Signal     `json:"signal"`
	Code    int        `json:"code"`
	Error   string     `json:"error,omitempty"`
}

// OK reports whether the engine reported success.
func (e SignalEnvelope) OK() bool {
	return e.Code == 0
}

func (e SignalEnvelope) String() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s/%s code=%d error=%q", e.Channel, e.Signal, e.Code, e.Error)
	}
	return fmt.Sprintf("%s/%s", e.Channel, e.Signal)
}

// ProgressEnvelope is one auto-configuration progress report.
type ProgressEnvelope struct {
	Event       ProgressEvent `json:"event"`
	Description string        `json:"description"`
	Percentage  int           `json:"percentage"`
}

func (e ProgressEnvelope) String() string {
	return fmt.Sprintf("%s/%s/%d", e.Event, e.Description, e.Percentage)
}
