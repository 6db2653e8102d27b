package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} references in string values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Load reads the configuration file at path on top of Default and validates
// the result. An empty path yields the validated defaults. Files ending in
// .yaml or .yml are parsed as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadFile reads a config file, resolves ${VAR} references, and unmarshals
// it into dest.
func loadFile(path string, dest *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	resolved := resolveEnvVars(string(data))

	if isYAML(path) {
		if err := yaml.Unmarshal([]byte(resolved), dest); err != nil {
			return fmt.Errorf("parse YAML: %w", err)
		}
		return nil
	}

	if err := json.Unmarshal([]byte(resolved), dest); err != nil {
		return fmt.Errorf("parse JSON: %w", err)
	}

	return nil
}

// resolveEnvVars replaces all ${VAR_NAME} patterns in s with the
// corresponding environment variable values. Unset variables resolve to "".
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1] // strip ${ and }
		return os.Getenv(varName)
	})
}

// validate checks every field and reports all problems at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "server.shutdownTimeout must be positive")
	}

	if !clientIDPattern.MatchString(cfg.WhatsApp.ClientID) {
		errs = append(errs, "whatsapp.clientID must be letters, digits, '-' or '_'")
	}
	if cfg.WhatsApp.DataDir == "" {
		errs = append(errs, "whatsapp.dataDir is required")
	}

	lc := cfg.Lifecycle
	if lc.MaxAttempts < 1 {
		errs = append(errs, "lifecycle.maxAttempts must be at least 1")
	}
	for name, d := range map[string]Duration{
		"authFailureDelay":  lc.AuthFailureDelay,
		"disconnectDelay":   lc.DisconnectDelay,
		"cleanSessionDelay": lc.CleanSessionDelay,
		"initTimeout":       lc.InitTimeout,
	} {
		if d <= 0 {
			errs = append(errs, "lifecycle."+name+" must be positive")
		}
	}
	if lc.DisconnectDelay <= lc.AuthFailureDelay {
		errs = append(errs, "lifecycle.disconnectDelay must be longer than lifecycle.authFailureDelay")
	}

	if _, ok := parseLevel(cfg.Log.Level); !ok {
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", cfg.Log.Level))
	}
	if cfg.Log.BufferSize < 0 {
		errs = append(errs, "log.bufferSize must not be negative")
	}

	if (cfg.Slack.BotToken == "") != (cfg.Slack.ChannelID == "") {
		errs = append(errs, "slack.botToken and slack.channelID must be set together")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("invalid fields:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}
