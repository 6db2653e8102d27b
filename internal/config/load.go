package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/leandrotocalini/wabridge/internal/connection"
)

const messagesDB = "messages.db"

// Default returns the configuration used when no file is given.
func Default() *Config {
	p := connection.DefaultPolicy()
	return &Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:3000",
			ShutdownTimeout: Duration(30 * time.Second),
		},
		WhatsApp: WhatsAppConfig{
			ClientID:   "wabridge",
			DeviceName: "wabridge",
			DataDir:    "data",
			TerminalQR: true,
		},
		Lifecycle: LifecycleConfig{
			MaxAttempts:       p.MaxAttempts,
			AuthFailureDelay:  Duration(p.AuthFailureDelay),
			DisconnectDelay:   Duration(p.DisconnectDelay),
			CleanSessionDelay: Duration(p.CleanSessionDelay),
			InitTimeout:       Duration(p.InitTimeout),
		},
		Log: LogConfig{
			Level:      "info",
			BufferSize: 500,
		},
	}
}

// Policy converts the lifecycle section into a connection policy.
func (c *Config) Policy() connection.Policy {
	return connection.Policy{
		MaxAttempts:       c.Lifecycle.MaxAttempts,
		AuthFailureDelay:  c.Lifecycle.AuthFailureDelay.D(),
		DisconnectDelay:   c.Lifecycle.DisconnectDelay.D(),
		CleanSessionDelay: c.Lifecycle.CleanSessionDelay.D(),
		InitTimeout:       c.Lifecycle.InitTimeout.D(),
		LogoutReason:      connection.ReasonLogout,
	}
}

// MessagesPath returns the path of the message history database.
func (c *Config) MessagesPath() string {
	return filepath.Join(c.WhatsApp.DataDir, messagesDB)
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// Save writes cfg to path, as YAML when the extension says so and JSON
// otherwise.
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
