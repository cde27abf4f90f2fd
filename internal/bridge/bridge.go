package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/seantiz/streamharness/internal/correlator"
	"github.com/seantiz/streamharness/internal/engine"
	"github.com/seantiz/streamharness/internal/model"
)

// Metrics labels. Values the engine is not known to send are counted under
// unknownLabel.
const (
	progressLabel = "autoconfig"
	unknownLabel  = "unknown"
)

// Bridge holds the engine subscriptions for one harness instance.
type Bridge struct {
	correlator *correlator.Correlator
	logger     *slog.Logger
	tap        *tap

	mu         sync.Mutex
	cancels    []func() error
	transcript []Entry
	closed     bool
}

// Install subscribes to both callback families of cb and routes their events
// into c. It must be called before any command that produces events.
func Install(ctx context.Context, cb engine.Callbacks, c *correlator.Correlator, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		correlator: c,
		logger:     logger,
		tap:        newTap(),
	}

	cancelSignals, err := cb.ConnectOutputSignals(ctx, b.onSignal)
	if err != nil {
		return nil, fmt.Errorf("connect output signals: %w", err)
	}
	cancelProgress, err := cb.ConnectAutoConfig(ctx, b.onProgress)
	if err != nil {
		if cerr := cancelSignals(); cerr != nil {
			logger.Warn("disconnect output signals", "error", cerr)
		}
		return nil, fmt.Errorf("connect auto-config progress: %w", err)
	}
	b.cancels = []func() error{cancelSignals, cancelProgress}

	return b, nil
}

// Close deregisters both subscriptions. Events arriving afterwards are
// discarded. Safe to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	var errs []error
	for i := len(cancels) - 1; i >= 0; i-- {
		if err := cancels[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.tap.close()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deregister bridge: %w", err)
	}
	return nil
}

// Transcript returns every delivered envelope in arrival order.
func (b *Bridge) Transcript() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.transcript))
	copy(out, b.transcript)
	return out
}

// Subscribe returns a channel that receives entries as they are delivered,
// and a function that ends the subscription. The channel is closed when the
// bridge closes.
func (b *Bridge) Subscribe() (<-chan Entry, func()) {
	return b.tap.subscribe()
}

func (b *Bridge) onSignal(raw engine.RawSignal) {
	o := model.OutputType(raw.Type)
	sigLabel := raw.Signal
	if !model.Signal(raw.Signal).Valid() {
		sigLabel = unknownLabel
	}
	if !o.Valid() {
		b.logger.Warn("signal for unknown output", "channel", raw.Type, "signal", raw.Signal)
		engineEventsTotal.WithLabelValues(unknownLabel, sigLabel, outcomeDropped).Inc()
		return
	}
	buf, err := b.correlator.SignalBuffer(o)
	if err != nil {
		b.logger.Warn("no buffer for output", "channel", raw.Type, "error", err)
		engineEventsTotal.WithLabelValues(raw.Type, sigLabel, outcomeDropped).Inc()
		return
	}

	env := model.SignalEnvelope{
		Channel: o,
		Signal:  model.Signal(raw.Signal),
		Code:    raw.Code,
		Error:   raw.Error,
	}
	if !b.record(Entry{Signal: &env}) {
		engineEventsTotal.WithLabelValues(raw.Type, sigLabel, outcomeDropped).Inc()
		return
	}
	buf.Append(env)
	engineEventsTotal.WithLabelValues(raw.Type, sigLabel, outcomeDelivered).Inc()

	if env.OK() {
		b.logger.Debug("engine signal", "channel", env.Channel, "signal", env.Signal)
	} else {
		b.logger.Info("engine signal", "channel", env.Channel, "signal", env.Signal,
			"code", env.Code, "error", env.Error)
	}
}

func (b *Bridge) onProgress(raw engine.RawProgress) {
	if raw.Event == string(model.ProgressStartingStep) {
		b.logger.Debug("auto-config step started", "step", raw.Description)
		engineEventsTotal.WithLabelValues(progressLabel, raw.Event, outcomeDropped).Inc()
		return
	}

	eventLabel := raw.Event
	if !model.ProgressEvent(raw.Event).Valid() {
		eventLabel = unknownLabel
	}
	env := model.ProgressEnvelope{
		Event:       model.ProgressEvent(raw.Event),
		Description: raw.Description,
		Percentage:  int(math.Round(raw.Percentage)),
	}
	if !b.record(Entry{Progress: &env}) {
		engineEventsTotal.WithLabelValues(progressLabel, eventLabel, outcomeDropped).Inc()
		return
	}
	b.correlator.ProgressBuffer().Append(env)
	engineEventsTotal.WithLabelValues(progressLabel, eventLabel, outcomeDelivered).Inc()
	b.logger.Debug("auto-config progress", "event", env.Event, "step", env.Description,
		"percentage", env.Percentage)
}

// record appends e to the transcript unless the bridge is closed.
func (b *Bridge) record(e Entry) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	e.Seq = len(b.transcript) + 1
	b.transcript = append(b.transcript, e)
	b.mu.Unlock()

	b.tap.publish(e)
	return true
}
