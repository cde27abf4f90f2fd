package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Method names understood by the engine host.
const (
	MethodStartStreaming            = "Service.StartStreaming"
	MethodStopStreaming             = "Service.StopStreaming"
	MethodStartRecording            = "Service.StartRecording"
	MethodStopRecording             = "Service.StopRecording"
	MethodStartReplayBuffer         = "Service.StartReplayBuffer"
	MethodStopReplayBuffer          = "Service.StopReplayBuffer"
	MethodProcessReplayBufferHotkey = "Service.ProcessReplayBufferHotkey"
	MethodGetLastReplay             = "Service.GetLastReplay"
	MethodConnectOutputSignals      = "Service.ConnectOutputSignals"
	MethodRemoveCallback            = "Service.RemoveCallback"

	MethodInitializeAutoConfig      = "AutoConfig.Initialize"
	MethodStartBandwidthTest        = "AutoConfig.StartBandwidthTest"
	MethodStartStreamEncoderTest    = "AutoConfig.StartStreamEncoderTest"
	MethodStartRecordingEncoderTest = "AutoConfig.StartRecordingEncoderTest"
	MethodStartCheckSettings        = "AutoConfig.StartCheckSettings"
	MethodStartSaveStreamSettings   = "AutoConfig.StartSaveStreamSettings"
	MethodStartSaveSettings         = "AutoConfig.StartSaveSettings"
	MethodStartSetDefaultSettings   = "AutoConfig.StartSetDefaultSettings"
	MethodTerminateAutoConfig       = "AutoConfig.Terminate"

	MethodGetSetting = "Settings.Get"
	MethodSetSetting = "Settings.Set"
)

// Host→client message types.
const (
	MsgTypeSignal   = "signal"
	MsgTypeProgress = "progress"
	MsgTypeReply    = "reply"
)

// Request is the payload sent from the harness to the engine host. Commands
// carry ID 0 and receive no reply.
type Request struct {
	ID     uint64          `json:"id,omitempty"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// StopArgs are the arguments of the stop commands that accept force.
type StopArgs struct {
	Force bool `json:"force"`
}

// SettingArgs address one engine setting.
type SettingArgs struct {
	Category string `json:"category"`
	Key      string `json:"key"`
	Value    any    `json:"value,omitempty"`
}

// RawSignal is the output-signal callback payload.
type RawSignal struct {
	Type   string `json:"type"`
	Signal string `json:"signal"`
	Code   int    `json:"code"`
	Error  string `json:"error,omitempty"`
}

// RawProgress is the auto-configuration progress callback payload. Percentage
// is absent on error events.
type RawProgress struct {
	Event       string  `json:"event"`
	Description string  `json:"description"`
	Percentage  float64 `json:"percentage,omitempty"`
}

// Reply answers a Request with a non-zero ID.
type Reply struct {
	Error string          `json:"error,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Message is the envelope for all host→client frames.
type Message struct {
	Type     string       `json:"type"`
	ID       uint64       `json:"id,omitempty"`
	Signal   *RawSignal   `json:"signal,omitempty"`
	Progress *RawProgress `json:"progress,omitempty"`
	Reply    *Reply       `json:"reply,omitempty"`
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
