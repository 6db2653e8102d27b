// Package config handles loading and validation of the bridge's
// configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp" yaml:"whatsapp"`
	Lifecycle LifecycleConfig `json:"lifecycle" yaml:"lifecycle"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Slack     SlackConfig     `json:"slack,omitempty" yaml:"slack,omitempty"`
}

type ServerConfig struct {
	Addr            string   `json:"addr" yaml:"addr"`
	ShutdownTimeout Duration `json:"shutdownTimeout" yaml:"shutdownTimeout"`
}

type WhatsAppConfig struct {
	ClientID   string `json:"clientID" yaml:"clientID"`
	DeviceName string `json:"deviceName" yaml:"deviceName"` // shown in Linked Devices
	DataDir    string `json:"dataDir" yaml:"dataDir"`
	TerminalQR bool   `json:"terminalQR" yaml:"terminalQR"`
}

// LifecycleConfig tunes the connection retry policy.
type LifecycleConfig struct {
	MaxAttempts       int      `json:"maxAttempts" yaml:"maxAttempts"`
	AuthFailureDelay  Duration `json:"authFailureDelay" yaml:"authFailureDelay"`
	DisconnectDelay   Duration `json:"disconnectDelay" yaml:"disconnectDelay"`
	CleanSessionDelay Duration `json:"cleanSessionDelay" yaml:"cleanSessionDelay"`
	InitTimeout       Duration `json:"initTimeout" yaml:"initTimeout"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"` // debug, info, warn, error
	BufferSize int    `json:"bufferSize" yaml:"bufferSize"`
}

// SlackConfig enables lifecycle alerts. Both fields or neither.
type SlackConfig struct {
	BotToken  string `json:"botToken" yaml:"botToken"` // xoxb- Bot User OAuth Token
	ChannelID string `json:"channelID" yaml:"channelID"`
}

// Enabled reports whether Slack alerts are configured.
func (s SlackConfig) Enabled() bool {
	return s.BotToken != "" && s.ChannelID != ""
}

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5s\": %w", err)
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}
