package enginehost

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Failure makes an output report a non-zero code.
type Failure struct {
	Code  int    `yaml:"code"`
	Error string `yaml:"error"`
}

// OutputScript scripts one output pipeline.
type OutputScript struct {
	// FailStart answers a start request with a stop signal carrying the code.
	FailStart *Failure `yaml:"fail_start"`
	// FailStop reports the code on the stop signal.
	FailStop *Failure `yaml:"fail_stop"`
}

// AutoConfigScript scripts the auto-configuration routine.
type AutoConfigScript struct {
	BandwidthError  bool `yaml:"bandwidth_error"`
	InvalidSettings bool `yaml:"invalid_settings"`
}

// Script controls how the host reacts to commands.
type Script struct {
	EventDelayMS int              `yaml:"event_delay_ms"`
	Streaming    OutputScript     `yaml:"streaming"`
	Recording    OutputScript     `yaml:"recording"`
	ReplayBuffer OutputScript     `yaml:"replay_buffer"`
	AutoConfig   AutoConfigScript `yaml:"autoconfig"`
	// Settings seeds the settings store, keyed by category then key.
	Settings map[string]map[string]any `yaml:"settings"`
	// ReplayDir is where saved replays are reported to live.
	ReplayDir string `yaml:"replay_dir"`
}

// EventDelay is the pause before each emitted event.
func (s Script) EventDelay() time.Duration {
	return time.Duration(s.EventDelayMS) * time.Millisecond
}

// LoadScript reads a YAML script from path.
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script.
func ParseScript(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}
	if s.EventDelayMS < 0 {
		return Script{}, fmt.Errorf("event_delay_ms must not be negative, got %d", s.EventDelayMS)
	}
	return s, nil
}

// defaultSettings are written by the set-default-settings step.
var defaultSettings = map[string]map[string]any{
	"Output": {
		"Mode":          "Simple",
		"VBitrate":      int64(2500),
		"StreamEncoder": "x264",
		"RecQuality":    "Small",
	},
	"Advanced": {
		"DynamicBitrate": false,
	},
	"Video": {
		"Output":    "1280x720",
		"FPSType":   "Common FPS Values",
		"FPSCommon": "30",
	},
}
