package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration in priority order:
// 1. Default values
// 2. Configuration file (oipd.toml), when present
// 3. Environment variables (OIPD_ prefix)
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// 1. Defaults first
	setDefaults(v)

	// 2. Configuration file. A missing explicit path is an error; the
	// default path is optional.
	explicit := configPath != ""
	if !explicit {
		configPath = "oipd.toml"
	}
	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file does not exist: %s", configPath)
	} else {
		configPath = ""
	}

	// 3. Environment variables
	v.SetEnvPrefix("OIPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.configPath = configPath

	if err := Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8099")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("ledger.gateway_url", "http://127.0.0.1:1984")
	v.SetDefault("ledger.timeout", 30*time.Second)
	v.SetDefault("ledger.poll_tick", 30*time.Second)

	v.SetDefault("peergraph.primary", "http://127.0.0.1:8765")
	v.SetDefault("peergraph.peers", []string{})
	v.SetDefault("peergraph.timeout", 30*time.Second)

	v.SetDefault("searchstore.driver", "sqlite")
	v.SetDefault("searchstore.path", "data/search.db")
	v.SetDefault("searchstore.dsn", "")

	v.SetDefault("statestore.backend", "pebble")
	v.SetDefault("statestore.path", "data/state")
	v.SetDefault("statestore.compression_threshold", 512)

	v.SetDefault("sync.interval", 5*time.Minute)

	v.SetDefault("publisher.mnemonic", "")
	v.SetDefault("publisher.user_key_salt", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("memwatch.interval", time.Minute)
}
