package enginehost

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/streamharness/internal/engine"
	"github.com/seantiz/streamharness/internal/model"
)

// outboxSize bounds queued frames per connection before dispatch blocks.
const outboxSize = 256

// Host accepts engine connections and answers them according to a Script.
// Settings and the last replay path are shared by all connections.
type Host struct {
	listener net.Listener
	script   Script
	logger   *slog.Logger

	mu         sync.Mutex
	settings   map[string]map[string]any
	lastReplay string
	replays    int
}

// New creates a host serving connections from listener.
func New(listener net.Listener, script Script, logger *slog.Logger) *Host {
	settings := make(map[string]map[string]any, len(script.Settings))
	for category, values := range script.Settings {
		settings[category] = maps.Clone(values)
	}
	return &Host{
		listener: listener,
		script:   script,
		logger:   logger,
		settings: settings,
	}
}

// Serve accepts connections until the listener is closed.
func (h *Host) Serve() error {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go h.handleConnection(conn)
	}
}

// Setting returns the current value of a setting.
func (h *Host) Setting(category, key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.settings[category][key]
	return v, ok
}

// session is the per-connection state.
type session struct {
	host   *Host
	out    chan engine.Message
	logger *slog.Logger

	signals    bool
	autoConfig bool
	active     map[model.OutputType]bool
}

func (h *Host) handleConnection(conn net.Conn) {
	defer conn.Close()

	s := &session{
		host:   h,
		out:    make(chan engine.Message, outboxSize),
		logger: h.logger.With("remote", conn.RemoteAddr().String()),
		active: make(map[model.OutputType]bool),
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(conn, h.script.EventDelay())
	}()

	for {
		var req engine.Request
		if err := engine.ReadMessage(conn, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("read request", "error", err)
			}
			break
		}
		s.dispatch(&req)
	}

	close(s.out)
	<-writerDone
}

// writeLoop writes queued frames in order, pausing before each event.
func (s *session) writeLoop(conn net.Conn, delay time.Duration) {
	for msg := range s.out {
		if msg.Type != engine.MsgTypeReply && delay > 0 {
			time.Sleep(delay)
		}
		if err := engine.WriteMessage(conn, &msg); err != nil {
			s.logger.Debug("write message", "error", err)
			for range s.out {
			}
			return
		}
	}
}

func (s *session) dispatch(req *engine.Request) {
	script := s.host.script
	s.logger.Debug("request", "method", req.Method, "id", req.ID)

	switch req.Method {
	case engine.MethodConnectOutputSignals:
		s.signals = true
	case engine.MethodRemoveCallback:
		s.signals = false

	case engine.MethodStartStreaming:
		s.startOutput(model.OutputStreaming, script.Streaming)
	case engine.MethodStopStreaming:
		s.stopOutput(model.OutputStreaming, script.Streaming, decodeForce(req.Args))
	case engine.MethodStartRecording:
		s.startOutput(model.OutputRecording, script.Recording)
	case engine.MethodStopRecording:
		s.stopOutput(model.OutputRecording, script.Recording, false)
	case engine.MethodStartReplayBuffer:
		s.startOutput(model.OutputReplayBuffer, script.ReplayBuffer)
	case engine.MethodStopReplayBuffer:
		s.stopOutput(model.OutputReplayBuffer, script.ReplayBuffer, decodeForce(req.Args))
	case engine.MethodProcessReplayBufferHotkey:
		s.saveReplay()
	case engine.MethodGetLastReplay:
		s.host.mu.Lock()
		last := s.host.lastReplay
		s.host.mu.Unlock()
		s.reply(req.ID, last, nil)

	case engine.MethodInitializeAutoConfig:
		s.autoConfig = true
	case engine.MethodTerminateAutoConfig:
		s.autoConfig = false
	case engine.MethodStartBandwidthTest:
		s.step(model.StepBandwidthTest, script.AutoConfig.BandwidthError, model.StepBandwidthTest)
	case engine.MethodStartStreamEncoderTest:
		s.step(model.StepStreamEncoderTest, false, "")
	case engine.MethodStartRecordingEncoderTest:
		s.step(model.StepRecordEncoderTest, false, "")
	case engine.MethodStartCheckSettings:
		s.step(model.StepCheckingSettings, script.AutoConfig.InvalidSettings, model.StepInvalidSettings)
	case engine.MethodStartSaveStreamSettings:
		s.step(model.StepSavingService, false, "")
	case engine.MethodStartSaveSettings:
		s.step(model.StepSavingSettings, false, "")
		s.progress(model.ProgressDone, model.StepAutoConfigCompleted, 0)
	case engine.MethodStartSetDefaultSettings:
		s.host.applyDefaults()
		s.step(model.StepSetDefaultSettings, false, "")

	case engine.MethodGetSetting:
		var args engine.SettingArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			s.reply(req.ID, nil, fmt.Errorf("decode args: %w", err))
			return
		}
		v, ok := s.host.Setting(args.Category, args.Key)
		if !ok {
			s.reply(req.ID, nil, fmt.Errorf("unknown setting %s.%s", args.Category, args.Key))
			return
		}
		s.reply(req.ID, v, nil)
	case engine.MethodSetSetting:
		var args engine.SettingArgs
		if err := json.Unmarshal(req.Args, &args); err != nil {
			s.reply(req.ID, nil, fmt.Errorf("decode args: %w", err))
			return
		}
		s.host.setSetting(args.Category, args.Key, args.Value)
		s.reply(req.ID, nil, nil)

	default:
		s.logger.Warn("unknown method", "method", req.Method)
		s.reply(req.ID, nil, fmt.Errorf("unknown method %q", req.Method))
	}
}

func (s *session) startOutput(o model.OutputType, sc OutputScript) {
	if s.active[o] {
		s.logger.Debug("output already active", "output", o)
		return
	}

	if o == model.OutputStreaming {
		s.signal(o, model.SignalStarting, nil)
	}
	if sc.FailStart != nil {
		s.signal(o, model.SignalStop, sc.FailStart)
		return
	}
	if o == model.OutputStreaming {
		s.signal(o, model.SignalActivate, nil)
	}
	s.signal(o, model.SignalStart, nil)
	s.active[o] = true
}

func (s *session) stopOutput(o model.OutputType, sc OutputScript, force bool) {
	if !s.active[o] {
		s.logger.Debug("output not active", "output", o)
		return
	}
	s.active[o] = false

	if !force || o == model.OutputRecording {
		s.signal(o, model.SignalStopping, nil)
	}
	s.signal(o, model.SignalStop, sc.FailStop)

	switch o {
	case model.OutputStreaming:
		s.signal(o, model.SignalDeactivate, nil)
	case model.OutputRecording:
		if sc.FailStop == nil {
			s.signal(o, model.SignalWrote, nil)
		}
	}
}

func (s *session) saveReplay() {
	if !s.active[model.OutputReplayBuffer] {
		s.logger.Debug("replay buffer not active")
		return
	}
	s.signal(model.OutputReplayBuffer, model.SignalWriting, nil)

	s.host.mu.Lock()
	s.host.replays++
	s.host.lastReplay = filepath.Join(s.host.script.ReplayDir, fmt.Sprintf("Replay %d.mkv", s.host.replays))
	s.host.mu.Unlock()

	s.signal(model.OutputReplayBuffer, model.SignalWrote, nil)
}

// step reports one auto-configuration step. When fail is set the step ends
// with an error event described by failDesc.
func (s *session) step(desc string, fail bool, failDesc string) {
	s.progress(model.ProgressStartingStep, desc, 0)
	if fail {
		s.progress(model.ProgressError, failDesc, 0)
		return
	}
	s.progress(model.ProgressStoppingStep, desc, 100)
}

func (s *session) signal(o model.OutputType, sig model.Signal, f *Failure) {
	if !s.signals {
		return
	}
	raw := &engine.RawSignal{Type: string(o), Signal: string(sig)}
	if f != nil {
		raw.Code = f.Code
		raw.Error = f.Error
	}
	s.out <- engine.Message{Type: engine.MsgTypeSignal, Signal: raw}
}

func (s *session) progress(event model.ProgressEvent, desc string, pct float64) {
	if !s.autoConfig {
		return
	}
	s.out <- engine.Message{
		Type:     engine.MsgTypeProgress,
		Progress: &engine.RawProgress{Event: string(event), Description: desc, Percentage: pct},
	}
}

func (s *session) reply(id uint64, value any, err error) {
	if id == 0 {
		return
	}
	r := &engine.Reply{}
	if err != nil {
		r.Error = err.Error()
	} else if value != nil {
		raw, merr := json.Marshal(value)
		if merr != nil {
			r.Error = fmt.Sprintf("encode value: %v", merr)
		} else {
			r.Value = raw
		}
	}
	s.out <- engine.Message{Type: engine.MsgTypeReply, ID: id, Reply: r}
}

func (h *Host) setSetting(category, key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.settings[category] == nil {
		h.settings[category] = make(map[string]any)
	}
	h.settings[category][key] = value
}

func (h *Host) applyDefaults() {
	for category, values := range defaultSettings {
		for key, v := range values {
			h.setSetting(category, key, v)
		}
	}
}

func decodeForce(raw json.RawMessage) bool {
	var args engine.StopArgs
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return false
	}
	return args.Force
}
