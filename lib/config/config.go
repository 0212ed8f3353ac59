// Copyright 2026 The Foyer Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foyer-project/foyer/lib/ref"
)

// Duration is a time.Duration that unmarshals from YAML strings
// like "30s" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config is the master configuration for the Foyer bridge.
type Config struct {
	// Telegram configures the inbound Telegram transport.
	Telegram TelegramConfig `yaml:"telegram"`

	// Spaces configures the Matrix space hierarchy the bridge maintains.
	Spaces SpacesConfig `yaml:"spaces"`

	// Departments lists the support departments users can be routed to.
	Departments []DepartmentConfig `yaml:"departments"`

	// Router configures session lifecycle behavior.
	Router RouterConfig `yaml:"router"`

	// Store configures conversation persistence.
	Store StoreConfig `yaml:"store"`
}

// TelegramConfig configures the Telegram Bot API transport.
type TelegramConfig struct {
	// TokenFile is the path to a file containing the bot token.
	// "-" reads the token from stdin.
	TokenFile string `yaml:"token_file"`

	// PollTimeout is the long-poll timeout for getUpdates.
	// Default: 30s.
	PollTimeout Duration `yaml:"poll_timeout"`
}

// SpacesConfig configures the Matrix account and space hierarchy
// owned by the bridge itself.
type SpacesConfig struct {
	// Homeserver is the base URL of the bridge account's homeserver.
	Homeserver string `yaml:"homeserver"`

	// ServerName is the Matrix server name used when minting room
	// aliases and via hints. Usually the domain part of the bridge
	// account's user ID.
	ServerName string `yaml:"server_name"`

	// TokenFile is the path to a file containing the bridge account's
	// access token. "-" reads the token from stdin.
	TokenFile string `yaml:"token_file"`

	// UserID is the bridge account's Matrix user ID.
	UserID string `yaml:"user_id"`

	// Root describes the top-level space all channel spaces hang off.
	Root SpaceConfig `yaml:"root"`

	// Channels describes one sub-space per inbound channel. The bridge
	// currently ships a single "telegram" channel but the hierarchy is
	// keyed so more can be added without schema changes.
	Channels []ChannelConfig `yaml:"channels"`
}

// SpaceConfig describes a single Matrix space.
type SpaceConfig struct {
	// Alias is the room alias localpart used for idempotent creation,
	// without the leading # or the server name.
	Alias string `yaml:"alias"`

	// Name is the human-readable space name.
	Name string `yaml:"name"`

	// Topic is the space topic. Optional.
	Topic string `yaml:"topic"`
}

// ChannelConfig describes a per-channel sub-space.
type ChannelConfig struct {
	// Key identifies the channel ("telegram"). Conversation rooms are
	// parented under the space with this key.
	Key string `yaml:"key"`

	SpaceConfig `yaml:",inline"`
}

// DepartmentConfig describes one support department.
type DepartmentConfig struct {
	// ID is the stable department identifier used in callback data and
	// persisted conversation records. Lowercase, no spaces.
	ID string `yaml:"id"`

	// DisplayName is shown to end users in the department menu.
	DisplayName string `yaml:"display_name"`

	// Icon is an optional emoji prefix for the menu entry.
	Icon string `yaml:"icon"`

	// Description is an optional one-line summary for the menu.
	Description string `yaml:"description"`

	// Homeserver is the base URL of this department's bot homeserver.
	// Empty means the department bot shares spaces.homeserver.
	Homeserver string `yaml:"homeserver"`

	// TokenFile is the path to a file containing the department bot's
	// access token.
	TokenFile string `yaml:"token_file"`

	// BotUserID is the department bot's Matrix user ID. Conversation
	// rooms are created by this account.
	BotUserID string `yaml:"bot_user_id"`

	// AdminUserID is granted power level 100 in conversation rooms.
	AdminUserID string `yaml:"admin_user_id"`

	// Staff lists Matrix user IDs invited to every conversation room
	// for this department, each granted power level 50.
	Staff []string `yaml:"staff"`
}

// RouterConfig configures session lifecycle behavior.
type RouterConfig struct {
	// SessionTTL is how long an idle session survives before it is
	// evicted and the user must pick a department again.
	// Default: 24h.
	SessionTTL Duration `yaml:"session_ttl"`
}

// StoreConfig configures conversation persistence.
type StoreConfig struct {
	// Path is the SQLite database path. Empty disables persistence;
	// sessions then live only as long as the process.
	Path string `yaml:"path"`
}

// Default returns the default configuration. These defaults exist to
// give every field a sensible zero-value before the file is loaded,
// not as a fallback. The config file is required.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeout: Duration(30 * time.Second),
		},
		Spaces: SpacesConfig{
			Root: SpaceConfig{
				Alias: "foyer",
				Name:  "Foyer",
			},
		},
		Router: RouterConfig{
			SessionTTL: Duration(24 * time.Hour),
		},
	}
}

// Load loads configuration from the FOYER_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// If FOYER_CONFIG is not set, this fails; there are no fallbacks.
func Load() (*Config, error) {
	configPath := os.Getenv("FOYER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("FOYER_CONFIG environment variable not set; " +
			"set it to the path of your foyer.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// do not override config values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.applyFallbacks()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// applyFallbacks resolves cross-field defaults after the file is
// parsed. A department without its own homeserver shares the bridge
// account's.
func (c *Config) applyFallbacks() {
	for i := range c.Departments {
		if c.Departments[i].Homeserver == "" {
			c.Departments[i].Homeserver = c.Spaces.Homeserver
		}
	}
}

// Validate checks the configuration for errors. All problems are
// reported at once so operators fix the file in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.TokenFile == "" {
		errs = append(errs, fmt.Errorf("telegram.token_file is required"))
	}
	if c.Telegram.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("telegram.poll_timeout must be positive"))
	}

	if c.Spaces.Homeserver == "" {
		errs = append(errs, fmt.Errorf("spaces.homeserver is required"))
	}
	if c.Spaces.ServerName == "" {
		errs = append(errs, fmt.Errorf("spaces.server_name is required"))
	}
	if c.Spaces.TokenFile == "" {
		errs = append(errs, fmt.Errorf("spaces.token_file is required"))
	}
	if c.Spaces.UserID != "" {
		if _, err := ref.ParseUserID(c.Spaces.UserID); err != nil {
			errs = append(errs, fmt.Errorf("spaces.user_id: %w", err))
		}
	}
	if c.Spaces.Root.Alias == "" {
		errs = append(errs, fmt.Errorf("spaces.root.alias is required"))
	}
	if c.Spaces.Root.Name == "" {
		errs = append(errs, fmt.Errorf("spaces.root.name is required"))
	}
	if len(c.Spaces.Channels) == 0 {
		errs = append(errs, fmt.Errorf("spaces.channels must list at least one channel"))
	}
	channelKeys := make(map[string]bool, len(c.Spaces.Channels))
	for i, channel := range c.Spaces.Channels {
		if channel.Key == "" {
			errs = append(errs, fmt.Errorf("spaces.channels[%d].key is required", i))
			continue
		}
		if channelKeys[channel.Key] {
			errs = append(errs, fmt.Errorf("spaces.channels[%d]: duplicate key %q", i, channel.Key))
		}
		channelKeys[channel.Key] = true
		if channel.Alias == "" {
			errs = append(errs, fmt.Errorf("spaces.channels[%d].alias is required", i))
		}
		if channel.Name == "" {
			errs = append(errs, fmt.Errorf("spaces.channels[%d].name is required", i))
		}
	}

	if len(c.Departments) == 0 {
		errs = append(errs, fmt.Errorf("at least one department is required"))
	}
	departmentIDs := make(map[string]bool, len(c.Departments))
	for i, dept := range c.Departments {
		if dept.ID == "" {
			errs = append(errs, fmt.Errorf("departments[%d].id is required", i))
			continue
		}
		if departmentIDs[dept.ID] {
			errs = append(errs, fmt.Errorf("departments[%d]: duplicate id %q", i, dept.ID))
		}
		departmentIDs[dept.ID] = true

		if dept.DisplayName == "" {
			errs = append(errs, fmt.Errorf("departments[%s].display_name is required", dept.ID))
		}
		if dept.TokenFile == "" {
			errs = append(errs, fmt.Errorf("departments[%s].token_file is required", dept.ID))
		}
		if dept.BotUserID == "" {
			errs = append(errs, fmt.Errorf("departments[%s].bot_user_id is required", dept.ID))
		} else if _, err := ref.ParseUserID(dept.BotUserID); err != nil {
			errs = append(errs, fmt.Errorf("departments[%s].bot_user_id: %w", dept.ID, err))
		}
		if dept.AdminUserID != "" {
			if _, err := ref.ParseUserID(dept.AdminUserID); err != nil {
				errs = append(errs, fmt.Errorf("departments[%s].admin_user_id: %w", dept.ID, err))
			}
		}
		for _, staff := range dept.Staff {
			if _, err := ref.ParseUserID(staff); err != nil {
				errs = append(errs, fmt.Errorf("departments[%s].staff: %w", dept.ID, err))
			}
		}
	}

	if c.Router.SessionTTL <= 0 {
		errs = append(errs, fmt.Errorf("router.session_ttl must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
