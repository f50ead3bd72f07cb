// Package memwatch samples the Go heap on a fixed interval into a
// small ring and raises an alert when growth stays steep across
// consecutive samples. The ring is overwritten in place; watching the
// watcher costs a fixed 30 slots.
package memwatch

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/metrics"
)

const (
	ringSlots = 30
	// growthAlertBytes is the per-minute heap growth considered steep.
	growthAlertBytes = 100 << 20
	// alertStreak is how many consecutive steep samples raise an alert.
	alertStreak = 3

	defaultInterval = time.Minute
)

// Sample is one heap observation.
type Sample struct {
	At        time.Time
	HeapAlloc uint64
	HeapSys   uint64
	NumGC     uint32
}

// Monitor keeps the sliding window of heap samples.
type Monitor struct {
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	ring   [ringSlots]Sample
	next   int
	filled int
	streak int
}

// New creates a monitor. A zero interval samples once a minute.
func New(interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		interval: interval,
		log:      log.With().Str("component", "memwatch").Logger(),
	}
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	s := Sample{At: time.Now(), HeapAlloc: ms.HeapAlloc, HeapSys: ms.HeapSys, NumGC: ms.NumGC}

	m.mu.Lock()
	prev, havePrev := m.lastLocked()
	m.ring[m.next] = s
	m.next = (m.next + 1) % ringSlots
	if m.filled < ringSlots {
		m.filled++
	}
	steep := false
	if havePrev {
		elapsed := s.At.Sub(prev.At)
		if elapsed > 0 && s.HeapAlloc > prev.HeapAlloc {
			perMinute := float64(s.HeapAlloc-prev.HeapAlloc) / elapsed.Minutes()
			steep = perMinute > growthAlertBytes
		}
	}
	if steep {
		m.streak++
	} else {
		m.streak = 0
	}
	streak := m.streak
	m.mu.Unlock()

	if streak >= alertStreak {
		metrics.MemoryAlerts.Inc()
		m.log.Warn().
			Uint64("heapAlloc", s.HeapAlloc).
			Int("consecutive", streak).
			Msg("sustained heap growth above 100MB/min")
	}
}

func (m *Monitor) lastLocked() (Sample, bool) {
	if m.filled == 0 {
		return Sample{}, false
	}
	idx := (m.next - 1 + ringSlots) % ringSlots
	return m.ring[idx], true
}

// Snapshot returns the window oldest-first. The returned slice is a
// copy; the ring itself is never exposed.
func (m *Monitor) Snapshot() []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Sample, 0, m.filled)
	start := m.next - m.filled
	for i := 0; i < m.filled; i++ {
		out = append(out, m.ring[(start+i+ringSlots)%ringSlots])
	}
	return out
}
