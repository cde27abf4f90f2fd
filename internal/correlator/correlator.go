package correlator

import (
	"context"
	"fmt"
	"time"

	"github.com/seantiz/streamharness/internal/model"
)

// DefaultWaitTimeout applies when a wait is issued without a timeout.
const DefaultWaitTimeout = 30 * time.Second

// progressChannel names the singleton auto-configuration stream.
const progressChannel = "autoconfig-progress"

// Correlator owns one Buffer per output pipeline plus the progress buffer and
// exposes blocking, in-order waits over them. Waits never send commands to the
// engine.
type Correlator struct {
	signals  map[model.OutputType]*Buffer[model.SignalEnvelope]
	progress *Buffer[model.ProgressEnvelope]
	timeout  time.Duration
}

// New creates a correlator whose waits default to defaultTimeout. A
// non-positive value selects DefaultWaitTimeout.
func New(defaultTimeout time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultWaitTimeout
	}
	c := &Correlator{
		signals:  make(map[model.OutputType]*Buffer[model.SignalEnvelope], len(model.OutputTypes)),
		progress: NewBuffer[model.ProgressEnvelope](progressChannel),
		timeout:  defaultTimeout,
	}
	for _, o := range model.OutputTypes {
		c.signals[o] = NewBuffer[model.SignalEnvelope](string(o))
	}
	return c
}

// SignalBuffer returns the buffer for the given output pipeline.
func (c *Correlator) SignalBuffer(o model.OutputType) (*Buffer[model.SignalEnvelope], error) {
	b, ok := c.signals[o]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, o)
	}
	return b, nil
}

// ProgressBuffer returns the auto-configuration progress buffer.
func (c *Correlator) ProgressBuffer() *Buffer[model.ProgressEnvelope] {
	return c.progress
}

// WaitForSignal returns the next signal emitted on channel. hint names the
// signal the caller expects and only shapes the timeout error: the returned
// envelope may carry a different signal, and callers must branch on it.
func (c *Correlator) WaitForSignal(ctx context.Context, channel model.OutputType, hint model.Signal, timeout time.Duration) (model.SignalEnvelope, error) {
	b, err := c.SignalBuffer(channel)
	if err != nil {
		return model.SignalEnvelope{}, err
	}
	return b.TakeNext(ctx, string(hint), c.effective(timeout))
}

// WaitForProgress returns the next auto-configuration progress report. hint
// labels the step the caller expects; like WaitForSignal it does not filter.
func (c *Correlator) WaitForProgress(ctx context.Context, hint string, timeout time.Duration) (model.ProgressEnvelope, error) {
	return c.progress.TakeNext(ctx, hint, c.effective(timeout))
}

// Unread reports how many envelopes each channel still holds, keyed by
// channel name. Channels with nothing unread are omitted.
func (c *Correlator) Unread() map[string]int {
	out := make(map[string]int)
	for o, b := range c.signals {
		if n := b.Len(); n > 0 {
			out[string(o)] = n
		}
	}
	if n := c.progress.Len(); n > 0 {
		out[progressChannel] = n
	}
	return out
}

func (c *Correlator) effective(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.timeout
	}
	return timeout
}
