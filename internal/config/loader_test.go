package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8099", cfg.Server.Addr)
	assert.Equal(t, "http://127.0.0.1:1984", cfg.Ledger.GatewayURL)
	assert.Equal(t, "http://127.0.0.1:8765", cfg.PeerGraph.Primary)
	assert.Equal(t, "sqlite", cfg.SearchStore.Driver)
	assert.Equal(t, "data/search.db", cfg.SearchStore.Path)
	assert.Equal(t, "pebble", cfg.StateStore.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.GetConfigPath())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oipd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
addr = ":9100"

[searchstore]
driver = "memory"

[sync]
interval = "30s"

[peergraph]
peers = ["http://peer-a:8765", "http://peer-b:8765"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.SearchStore.Driver)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, []string{"http://peer-a:8765", "http://peer-b:8765"}, cfg.PeerGraph.Peers)
	assert.Equal(t, path, cfg.GetConfigPath())

	// Unset values keep their defaults.
	assert.Equal(t, "http://127.0.0.1:1984", cfg.Ledger.GatewayURL)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OIPD_SERVER_ADDR", ":9200")
	t.Setenv("OIPD_SEARCHSTORE_DRIVER", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.SearchStore.Driver)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("missing sqlite path", func(t *testing.T) {
		cfg := base()
		cfg.SearchStore.Path = ""
		assert.Error(t, Validate(cfg))
	})

	t.Run("postgres needs a dsn", func(t *testing.T) {
		cfg := base()
		cfg.SearchStore.Driver = "postgres"
		assert.Error(t, Validate(cfg))
		cfg.SearchStore.DSN = "postgres://localhost/oipd"
		assert.NoError(t, Validate(cfg))
	})

	t.Run("unknown drivers are rejected", func(t *testing.T) {
		cfg := base()
		cfg.SearchStore.Driver = "elastic"
		assert.Error(t, Validate(cfg))
	})

	t.Run("sub-second sync interval", func(t *testing.T) {
		cfg := base()
		cfg.Sync.Interval = 500 * time.Millisecond
		assert.Error(t, Validate(cfg))
	})
}
