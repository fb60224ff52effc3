// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"

	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points the appservice at its homeserver.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppserviceConfig covers the appservice listener and its database.
type AppserviceConfig struct {
	Hostname     string `yaml:"hostname"`
	Port         uint16 `yaml:"port"`
	Registration string `yaml:"registration"`
	Database     string `yaml:"database"`
}

// BridgeConfig holds the bridge behavior switches.
type BridgeConfig struct {
	// DefaultRegion is the region used to interpret phone numbers without a
	// country code, e.g. "DE".
	DefaultRegion string `yaml:"default_region"`
	// DefaultRoom receives inbound SMS that cannot be correlated to a room.
	// Empty disables the fallback.
	DefaultRoom id.RoomID `yaml:"default_room"`
	// SingleModeEnabled allows the canonical one-room-per-number alias rooms.
	SingleModeEnabled bool `yaml:"single_mode_enabled"`
	// AllowMappingWithoutToken resolves token-less replies when the sender
	// is a member of exactly one room.
	AllowMappingWithoutToken bool `yaml:"allow_mapping_without_token"`
	// CommandPrefix is the in-room command prefix. Defaults to "!sms".
	CommandPrefix string `yaml:"command_prefix"`
	// AdminAPIAddr is the listen address for the admin HTTP API serving
	// metrics and the inbound SMS webhook. Defaults to ":29330".
	AdminAPIAddr string `yaml:"admin_api_addr"`
}

// GatewayConfig holds the credentials of the REST SMS gateway.
type GatewayConfig struct {
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token"`
}

// Config is the root YAML configuration.
type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Appservice AppserviceConfig  `yaml:"appservice"`
	Bridge     BridgeConfig      `yaml:"bridge"`
	Gateway    GatewayConfig     `yaml:"gateway"`
	Templates  Templates         `yaml:"templates"`
	Logging    zeroconfig.Config `yaml:"logging"`
}

// LoadConfig reads and validates the YAML config at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err = cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess fills defaults and rejects configs the bridge cannot run with.
func (cfg *Config) PostProcess() error {
	if cfg.Homeserver.Address == "" || cfg.Homeserver.Domain == "" {
		return fmt.Errorf("homeserver address and domain must be set")
	}
	if cfg.Appservice.Registration == "" {
		return fmt.Errorf("appservice registration path must be set")
	}
	if cfg.Appservice.Database == "" {
		cfg.Appservice.Database = "matrix-sms-bridge.db"
	}
	if cfg.Appservice.Hostname == "" {
		cfg.Appservice.Hostname = "0.0.0.0"
	}
	if cfg.Appservice.Port == 0 {
		cfg.Appservice.Port = 29331
	}
	if cfg.Bridge.DefaultRegion == "" {
		return fmt.Errorf("bridge default_region must be set")
	}
	if cfg.Bridge.CommandPrefix == "" {
		cfg.Bridge.CommandPrefix = "!sms"
	}
	if cfg.Bridge.AdminAPIAddr == "" {
		cfg.Bridge.AdminAPIAddr = ":29330"
	}
	return nil
}
