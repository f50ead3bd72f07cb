// Package statestore persists the node state that must survive
// restarts: the ledger checkpoint, per-peer sync watermarks, the
// deletion registry, the decryption queue and dead-lettered items.
// Values are msgpack-encoded and lz4-compressed above a size threshold.
package statestore

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("statestore: not found")

// Backend is the raw key/value engine under the store.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Scan visits every key with the given prefix in ascending key
	// order. Returning false from fn stops the scan.
	Scan(prefix []byte, fn func(key, value []byte) bool) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Backend string // "pebble" or "memory"
	Path    string // data directory (pebble)
	// CompressionThreshold is the minimum value size in bytes before
	// lz4 compression is applied. Zero uses the default.
	CompressionThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Backend:              "pebble",
		CompressionThreshold: 128,
	}
}

// BackendFactory creates a backend from a config.
type BackendFactory func(cfg *Config) (Backend, error)

var (
	backendMu        sync.RWMutex
	backendFactories = make(map[string]BackendFactory)
)

// RegisterBackend registers a backend factory under a name.
func RegisterBackend(name string, factory BackendFactory) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backendFactories[name] = factory
}

// CreateBackend instantiates the named backend.
func CreateBackend(name string, cfg *Config) (Backend, error) {
	backendMu.RLock()
	factory, ok := backendFactories[name]
	backendMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("statestore: unknown backend %q", name)
	}
	return factory(cfg)
}

func init() {
	RegisterBackend("pebble", NewPebbleBackend)
	RegisterBackend("memory", NewMemoryBackend)
}
