package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned once the connection to the engine host is gone.
var ErrClosed = errors.New("engine connection closed")

// RemoteError is a failure reported by the engine host for a synchronous call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// Commands is the engine's fire-and-forget command surface.
type Commands interface {
	StartStreaming(ctx context.Context) error
	StopStreaming(ctx context.Context, force bool) error
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	StartReplayBuffer(ctx context.Context) error
	StopReplayBuffer(ctx context.Context, force bool) error
	ProcessReplayBufferHotkey(ctx context.Context) error

	StartBandwidthTest(ctx context.Context) error
	StartStreamEncoderTest(ctx context.Context) error
	StartRecordingEncoderTest(ctx context.Context) error
	StartCheckSettings(ctx context.Context) error
	StartSaveStreamSettings(ctx context.Context) error
	StartSaveSettings(ctx context.Context) error
	StartSetDefaultSettings(ctx context.Context) error
	TerminateAutoConfig(ctx context.Context) error
}

// Callbacks is the engine's event surface. Handlers run on a single goroutine
// in emission order. The returned cancel function deregisters the handler
// and must be called before the engine is shut down.
type Callbacks interface {
	ConnectOutputSignals(ctx context.Context, fn func(RawSignal)) (cancel func() error, err error)
	ConnectAutoConfig(ctx context.Context, fn func(RawProgress)) (cancel func() error, err error)
}

// Settings is category/key access to engine-managed configuration. Values are
// strings, numbers (int64 or float64) or booleans.
type Settings interface {
	GetSetting(ctx context.Context, category, key string) (any, error)
	SetSetting(ctx context.Context, category, key string, value any) error
}

// Engine is everything the harness needs from a running engine.
type Engine interface {
	Commands
	Callbacks
	Settings
	GetLastReplay(ctx context.Context) (string, error)
	Close() error
}
