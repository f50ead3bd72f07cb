package statestore

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
)

// PebbleBackend stores state in a pebble database.
type PebbleBackend struct {
	db     *pebble.DB
	closed int64
}

// NewPebbleBackend opens (creating if needed) a pebble database at
// cfg.Path.
func NewPebbleBackend(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("statestore: pebble backend requires a path")
	}
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("statestore: open pebble: %w", err)
	}
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) Get(key []byte) ([]byte, error) {
	if atomic.LoadInt64(&p.closed) != 0 {
		return nil, fmt.Errorf("statestore: backend closed")
	}
	value, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleBackend) Set(key, value []byte) error {
	if atomic.LoadInt64(&p.closed) != 0 {
		return fmt.Errorf("statestore: backend closed")
	}
	return p.db.Set(key, value, pebble.Sync)
}

func (p *PebbleBackend) Delete(key []byte) error {
	if atomic.LoadInt64(&p.closed) != 0 {
		return fmt.Errorf("statestore: backend closed")
	}
	return p.db.Delete(key, pebble.Sync)
}

func (p *PebbleBackend) Scan(prefix []byte, fn func(key, value []byte) bool) error {
	if atomic.LoadInt64(&p.closed) != 0 {
		return fmt.Errorf("statestore: backend closed")
	}
	upper := prefixUpperBound(prefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upper,
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		k := append([]byte(nil), iter.Key()...)
		v := append([]byte(nil), iter.Value()...)
		if !fn(k, v) {
			break
		}
	}
	return iter.Error()
}

func (p *PebbleBackend) Close() error {
	if !atomic.CompareAndSwapInt64(&p.closed, 0, 1) {
		return nil
	}
	return p.db.Close()
}

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix, or nil when no such bound exists.
func prefixUpperBound(prefix []byte) []byte {
	upper := append([]byte(nil), prefix...)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
