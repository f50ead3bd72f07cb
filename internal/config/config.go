// Package config loads the node configuration: defaults, a TOML file,
// then OIPD_ environment variables, in that priority order.
package config

import (
	"fmt"
	"time"
)

// Config is the complete oipd configuration.
type Config struct {
	Server      ServerConfig      `toml:"server" mapstructure:"server"`
	Ledger      LedgerConfig      `toml:"ledger" mapstructure:"ledger"`
	PeerGraph   PeerGraphConfig   `toml:"peergraph" mapstructure:"peergraph"`
	SearchStore SearchStoreConfig `toml:"searchstore" mapstructure:"searchstore"`
	StateStore  StateStoreConfig  `toml:"statestore" mapstructure:"statestore"`
	Sync        SyncConfig        `toml:"sync" mapstructure:"sync"`
	Publisher   PublisherConfig   `toml:"publisher" mapstructure:"publisher"`
	Log         LogConfig         `toml:"log" mapstructure:"log"`
	MemWatch    MemWatchConfig    `toml:"memwatch" mapstructure:"memwatch"`

	configPath string `toml:"-" mapstructure:"-"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `toml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `toml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// LedgerConfig configures the ledger gateway client and reader.
type LedgerConfig struct {
	GatewayURL string        `toml:"gateway_url" mapstructure:"gateway_url"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	PollTick   time.Duration `toml:"poll_tick" mapstructure:"poll_tick"`
}

// PeerGraphConfig configures the graph clients. Primary is the node's
// own write target; Peers are the sync sources.
type PeerGraphConfig struct {
	Primary string        `toml:"primary" mapstructure:"primary"`
	Peers   []string      `toml:"peers" mapstructure:"peers"`
	Timeout time.Duration `toml:"timeout" mapstructure:"timeout"`
}

// SearchStoreConfig selects the search index driver.
type SearchStoreConfig struct {
	Driver string `toml:"driver" mapstructure:"driver"`
	Path   string `toml:"path" mapstructure:"path"`
	DSN    string `toml:"dsn" mapstructure:"dsn"`
}

// StateStoreConfig selects the persisted-state backend.
type StateStoreConfig struct {
	Backend              string `toml:"backend" mapstructure:"backend"`
	Path                 string `toml:"path" mapstructure:"path"`
	CompressionThreshold int    `toml:"compression_threshold" mapstructure:"compression_threshold"`
}

// SyncConfig configures the peer sync engine.
type SyncConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// PublisherConfig configures signing and encryption.
type PublisherConfig struct {
	// Mnemonic is the BIP-39 phrase of the node wallet. Empty disables
	// publishing; the node still indexes and serves.
	Mnemonic string `toml:"mnemonic" mapstructure:"mnemonic"`
	// UserKeySaltHex parameterizes the owner envelope key.
	UserKeySaltHex string `toml:"user_key_salt" mapstructure:"user_key_salt"`
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level  string `toml:"level" mapstructure:"level"`
	Pretty bool   `toml:"pretty" mapstructure:"pretty"`
}

// MemWatchConfig configures the heap monitor.
type MemWatchConfig struct {
	Interval time.Duration `toml:"interval" mapstructure:"interval"`
}

// GetConfigPath returns the path the configuration was loaded from, or
// empty when only defaults and environment applied.
func (c *Config) GetConfigPath() string { return c.configPath }

// Validate rejects configurations the node cannot start with.
func Validate(c *Config) error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Ledger.GatewayURL == "" {
		return fmt.Errorf("ledger.gateway_url is required")
	}
	switch c.SearchStore.Driver {
	case "sqlite":
		if c.SearchStore.Path == "" {
			return fmt.Errorf("searchstore.path is required for the sqlite driver")
		}
	case "postgres":
		if c.SearchStore.DSN == "" {
			return fmt.Errorf("searchstore.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown searchstore.driver %q", c.SearchStore.Driver)
	}
	switch c.StateStore.Backend {
	case "pebble":
		if c.StateStore.Path == "" {
			return fmt.Errorf("statestore.path is required for the pebble backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown statestore.backend %q", c.StateStore.Backend)
	}
	if c.Sync.Interval < time.Second {
		return fmt.Errorf("sync.interval %s is below one second", c.Sync.Interval)
	}
	return nil
}
