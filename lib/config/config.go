// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "TGBRIDGE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development.
	Development Environment = "development"
	// Production is for production deployments.
	Production Environment = "production"
)

// Display-name sources accepted in bridge.displayname_preference.
const (
	NameSourceFullName  = "full name"
	NameSourceFirstName = "first name"
	NameSourceLastName  = "last name"
	NameSourceUsername  = "username"
	NameSourcePhone     = "phone number"
)

var validNameSources = []string{
	NameSourceFullName,
	NameSourceFirstName,
	NameSourceLastName,
	NameSourceUsername,
	NameSourcePhone,
}

// Config is the master configuration for the bridge.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Homeserver describes the Matrix homeserver the bridge talks to.
	Homeserver HomeserverConfig `yaml:"homeserver"`

	// AppService configures the application-service registration and
	// the transaction listener.
	AppService AppServiceConfig `yaml:"appservice"`

	// Bridge configures puppeting and command behavior.
	Bridge BridgeConfig `yaml:"bridge"`

	// Telegram configures the connection to the MTProto sidecar.
	Telegram TelegramConfig `yaml:"telegram"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging"`

	Development *Overrides `yaml:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	Logging          *LoggingConfig `yaml:"logging,omitempty"`
	Database         string         `yaml:"database,omitempty"`
	AllowMatrixLogin *bool          `yaml:"allow_matrix_login,omitempty"`
}

// HomeserverConfig identifies the Matrix homeserver.
type HomeserverConfig struct {
	// Address is the client-server API base URL
	// (e.g., "http://localhost:8008").
	Address string `yaml:"address"`

	// Domain is the server name used in Matrix user IDs
	// (e.g., "example.org").
	Domain string `yaml:"domain"`
}

// AppServiceConfig configures the application service.
type AppServiceConfig struct {
	// Listen is the host:port the transaction endpoint binds to.
	// Default: 127.0.0.1:29317
	Listen string `yaml:"listen"`

	// ASToken authenticates the bridge to the homeserver.
	ASToken string `yaml:"as_token"`

	// HSToken authenticates the homeserver to the bridge.
	HSToken string `yaml:"hs_token"`

	// BotUsername is the localpart of the bridge bot.
	// Default: telegrambot
	BotUsername string `yaml:"bot_username"`

	// Database is the path to the SQLite database.
	// Default: ${TGBRIDGE_STATE:-$HOME/.local/state/tgbridge}/bridge.db
	Database string `yaml:"database"`
}

// BridgeConfig configures puppeting and the command processor.
type BridgeConfig struct {
	// UsernameTemplate maps a Telegram user id to a puppet localpart.
	// Must contain {userid}. Default: telegram_{userid}
	UsernameTemplate string `yaml:"username_template"`

	// DisplaynameTemplate renders a puppet display name. Must contain
	// {displayname}. Default: "{displayname} (Telegram)"
	DisplaynameTemplate string `yaml:"displayname_template"`

	// DisplaynamePreference lists the name sources tried in order.
	// Default: [full name, username, phone number]
	DisplaynamePreference []string `yaml:"displayname_preference"`

	// SyncWithCustomPuppets starts a /sync loop for every puppet that
	// uses a real user's access token.
	SyncWithCustomPuppets bool `yaml:"sync_with_custom_puppets"`

	// AllowMatrixLogin permits login steps sent as Matrix messages.
	AllowMatrixLogin bool `yaml:"allow_matrix_login"`

	// CommandPrefix is the prefix for commands sent outside the
	// management room. Default: !tg
	CommandPrefix string `yaml:"command_prefix"`

	// Whitelist lists the Matrix user IDs and server names allowed to
	// use the bridge. An empty whitelist allows everyone.
	Whitelist []string `yaml:"whitelist"`
}

// TelegramConfig configures the connection to the MTProto sidecar.
type TelegramConfig struct {
	// SidecarSocket is the Unix socket the sidecar listens on.
	// Default: ${TGBRIDGE_STATE:-$HOME/.local/state/tgbridge}/sidecar.sock
	SidecarSocket string `yaml:"sidecar_socket"`

	// ReconnectDelay is the wait before re-subscribing after the
	// update stream drops. Default: 5s
	ReconnectDelay string `yaml:"reconnect_delay"`

	// RequestRate caps requests per second sent to the sidecar, shared
	// by every session. Default: 20
	RequestRate float64 `yaml:"request_rate"`
}

// ReconnectInterval returns ReconnectDelay parsed. Validate rejects
// values that do not parse, so the error is only possible on an
// unvalidated config.
func (t TelegramConfig) ReconnectInterval() (time.Duration, error) {
	return time.ParseDuration(t.ReconnectDelay)
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration. Defaults fill fields the
// file leaves unset; the file itself is still required.
func Default() *Config {
	return &Config{
		Environment: Development,
		AppService: AppServiceConfig{
			Listen:      "127.0.0.1:29317",
			BotUsername: "telegrambot",
			Database:    "${TGBRIDGE_STATE}/bridge.db",
		},
		Bridge: BridgeConfig{
			UsernameTemplate:      "telegram_{userid}",
			DisplaynameTemplate:   "{displayname} (Telegram)",
			DisplaynamePreference: []string{NameSourceFullName, NameSourceUsername, NameSourcePhone},
			SyncWithCustomPuppets: true,
			AllowMatrixLogin:      true,
			CommandPrefix:         "!tg",
		},
		Telegram: TelegramConfig{
			SidecarSocket:  "${TGBRIDGE_STATE}/sidecar.sock",
			ReconnectDelay: "5s",
			RequestRate:    20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by TGBRIDGE_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvVar)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your tgbridge.yaml config file, or use --config flag", EnvVar)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		if overrides == nil {
			disabled := false
			overrides = &Overrides{AllowMatrixLogin: &disabled}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.Logging != nil && overrides.Logging.Level != "" {
		c.Logging.Level = overrides.Logging.Level
	}
	if overrides.Database != "" {
		c.AppService.Database = overrides.Database
	}
	if overrides.AllowMatrixLogin != nil {
		c.Bridge.AllowMatrixLogin = *overrides.AllowMatrixLogin
	}
}

func (c *Config) expandVariables() {
	home := os.Getenv("HOME")
	vars := map[string]string{
		"HOME":           home,
		"TGBRIDGE_STATE": filepath.Join(home, ".local", "state", "tgbridge"),
	}
	if state := os.Getenv("TGBRIDGE_STATE"); state != "" {
		vars["TGBRIDGE_STATE"] = state
	}

	c.AppService.Database = expandVars(c.AppService.Database, vars)
	c.Telegram.SidecarSocket = expandVars(c.Telegram.SidecarSocket, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns, consulting
// vars first and then the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Homeserver.Address == "" {
		errs = append(errs, fmt.Errorf("homeserver.address is required"))
	}
	if c.Homeserver.Domain == "" {
		errs = append(errs, fmt.Errorf("homeserver.domain is required"))
	}
	if c.AppService.ASToken == "" {
		errs = append(errs, fmt.Errorf("appservice.as_token is required"))
	}
	if c.AppService.HSToken == "" {
		errs = append(errs, fmt.Errorf("appservice.hs_token is required"))
	}
	if c.AppService.BotUsername == "" {
		errs = append(errs, fmt.Errorf("appservice.bot_username is required"))
	}
	if c.AppService.Database == "" {
		errs = append(errs, fmt.Errorf("appservice.database is required"))
	}
	if !strings.Contains(c.Bridge.UsernameTemplate, "{userid}") {
		errs = append(errs, fmt.Errorf("bridge.username_template must contain {userid}"))
	}
	if !strings.Contains(c.Bridge.DisplaynameTemplate, "{displayname}") {
		errs = append(errs, fmt.Errorf("bridge.displayname_template must contain {displayname}"))
	}
	for _, source := range c.Bridge.DisplaynamePreference {
		if !slices.Contains(validNameSources, source) {
			errs = append(errs, fmt.Errorf("bridge.displayname_preference: unknown source %q (valid: %v)", source, validNameSources))
		}
	}
	if c.Bridge.CommandPrefix == "" {
		errs = append(errs, fmt.Errorf("bridge.command_prefix is required"))
	}
	if c.Telegram.SidecarSocket == "" {
		errs = append(errs, fmt.Errorf("telegram.sidecar_socket is required"))
	}
	if delay, err := c.Telegram.ReconnectInterval(); err != nil || delay <= 0 {
		errs = append(errs, fmt.Errorf("telegram.reconnect_delay must be a positive duration: %q", c.Telegram.ReconnectDelay))
	}
	if c.Telegram.RequestRate <= 0 {
		errs = append(errs, fmt.Errorf("telegram.request_rate must be positive"))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error: %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// EnsureStateDirectory creates the directories holding the database and
// the sidecar socket.
func (c *Config) EnsureStateDirectory() error {
	for _, path := range []string{c.AppService.Database, c.Telegram.SidecarSocket} {
		if path == "" {
			continue
		}
		directory := filepath.Dir(path)
		if err := os.MkdirAll(directory, 0o700); err != nil {
			return fmt.Errorf("config: creating %s: %w", directory, err)
		}
	}
	return nil
}
