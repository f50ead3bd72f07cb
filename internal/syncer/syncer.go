// Package syncer replicates peer-storage records from the configured
// graph peers into the local index. Cycles are watermark-driven: each
// peer advertises its records with a lastUpdated stamp, and only souls
// newer than the persisted per-peer watermark are fetched.
package syncer

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/crypto/envelope"
	"github.com/openindex/oipd/internal/events"
	"github.com/openindex/oipd/internal/index"
	"github.com/openindex/oipd/internal/metrics"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/peergraph"
	"github.com/openindex/oipd/internal/storage/statestore"
)

const (
	defaultInterval = 5 * time.Minute
	// cycleCapFactor bounds one cycle's duration relative to the
	// interval; a stuck peer cannot absorb the schedule.
	cycleCapFactor = 10
	// fetchParallelism is the concurrent envelope fetch limit per cycle.
	fetchParallelism = 5
	// deletionSuppression keeps a processed deletion out of later cycles.
	deletionSuppression = 24 * time.Hour
	// healthFloor drops a peer from rotation until its score recovers.
	healthFloor = -10
)

// Engine drives the periodic peer synchronization.
type Engine struct {
	peers   []*peergraph.Client
	indexer *index.Indexer
	state   *statestore.Store
	hub     *events.Hub
	log     zerolog.Logger

	interval time.Duration

	mu sync.Mutex
	// processedDeletions suppresses re-handling of deletion registry
	// entries within the suppression window. Reallocated once expired
	// entries dominate.
	processedDeletions map[string]time.Time
	// health tracks per-peer reliability. A peer advertising souls it
	// then 404s loses a point per incident and is skipped below the
	// floor; any successful fetch restores it to zero.
	health map[string]int
}

// New creates a sync engine over the given peers.
func New(peers []*peergraph.Client, indexer *index.Indexer, state *statestore.Store, hub *events.Hub, interval time.Duration, log zerolog.Logger) *Engine {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Engine{
		peers:              peers,
		indexer:            indexer,
		state:              state,
		hub:                hub,
		log:                log.With().Str("component", "syncer").Logger(),
		interval:           interval,
		processedDeletions: make(map[string]time.Time),
		health:             make(map[string]int),
	}
}

// Run executes one cycle per interval until ctx is done. The first
// cycle starts immediately.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		e.Cycle(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle synchronizes every healthy peer once. Each peer's watermark
// advances only when its whole diff was applied; a partial failure
// leaves it untouched so the next cycle re-fetches the remainder.
func (e *Engine) Cycle(ctx context.Context) {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(cycleCapFactor)*e.interval)
	defer cancel()

	// A did advertised by several peers is fetched from the first one
	// that lists it; the rest skip it for the remainder of the cycle.
	seen := make(map[string]struct{})
	for _, peer := range e.peers {
		if e.healthScore(peer.BaseURL()) <= healthFloor {
			e.recoverHealth(peer.BaseURL())
			e.log.Warn().Str("peer", peer.BaseURL()).Msg("peer below health floor; skipping cycle")
			continue
		}
		if err := e.syncPeer(cctx, peer, seen); err != nil {
			if cctx.Err() != nil {
				break
			}
			e.log.Warn().Err(err).Str("peer", peer.BaseURL()).Msg("peer sync failed; watermark not advanced")
		}
	}

	e.sweepProcessedDeletions()
	for _, peer := range e.peers {
		peer.Recycle()
		peer.SweepMisses()
	}
	metrics.SyncCycles.Inc()
}

func (e *Engine) syncPeer(ctx context.Context, peer *peergraph.Client, seen map[string]struct{}) error {
	registry, err := peer.Registry(ctx)
	if err != nil {
		return err
	}
	watermark, _, err := e.state.Watermark(peer.BaseURL())
	if err != nil {
		return err
	}

	type fetchItem struct {
		did   string
		entry peergraph.RegistryEntry
	}
	var work []fetchItem
	var maxSeen time.Time
	for did, entry := range registry {
		updated := time.UnixMilli(entry.LastUpdated).UTC()
		if !updated.After(watermark) {
			if updated.After(maxSeen) {
				maxSeen = updated
			}
			continue
		}
		if _, claimed := seen[did]; claimed {
			// Another peer already supplied this did this cycle. Keeping
			// it out of the watermark leaves a possibly newer copy here
			// fetchable next cycle.
			continue
		}
		deleted, err := e.state.DeletedWithin(did, deletionSuppression)
		if err != nil {
			return err
		}
		if deleted {
			if updated.After(maxSeen) {
				maxSeen = updated
			}
			continue
		}
		seen[did] = struct{}{}
		if updated.After(maxSeen) {
			maxSeen = updated
		}
		work = append(work, fetchItem{did: did, entry: entry})
	}
	if len(work) == 0 {
		if maxSeen.After(watermark) {
			return e.state.SetWatermark(peer.BaseURL(), maxSeen)
		}
		return nil
	}

	for start := 0; start < len(work); start += fetchParallelism {
		batch := work[start:min(start+fetchParallelism, len(work))]
		g, gctx := errgroup.WithContext(ctx)
		for _, item := range batch {
			item := item
			g.Go(func() error {
				return e.fetchOne(gctx, peer, item.did, item.entry)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		// The batch's fetch buffers are garbage now; collect before the
		// next fanout so steady-state footprint stays flat.
		runtime.GC()
	}
	return e.state.SetWatermark(peer.BaseURL(), maxSeen)
}

// fetchOne pulls one advertised soul and routes it: tombstones feed the
// deletion registry, plaintext and organization envelopes index
// immediately, user-encrypted envelopes park in the decryption queue.
func (e *Engine) fetchOne(ctx context.Context, peer *peergraph.Client, did string, entry peergraph.RegistryEntry) error {
	soul, err := peergraph.SoulForDID(did)
	if err != nil {
		metrics.SyncFetches.WithLabelValues("bad_did").Inc()
		e.log.Warn().Str("did", did).Msg("skipping advertisement with malformed did")
		return nil
	}
	env, err := peer.Get(ctx, soul)
	if err == peergraph.ErrMissing {
		metrics.SyncFetches.WithLabelValues("missing").Inc()
		e.decrementHealth(peer.BaseURL())
		return nil
	}
	if err != nil {
		metrics.SyncFetches.WithLabelValues("error").Inc()
		return err
	}
	e.recoverHealth(peer.BaseURL())

	if env.Data == nil && env.Sealed == nil {
		return e.handleTombstone(ctx, did)
	}

	if env.Encrypted() {
		if env.OIP.Access != nil && env.OIP.Access.OrganizationDid != "" {
			key := envelope.OrgKey(env.OIP.Access.OrganizationDid)
			if err := env.OpenData(key); err != nil {
				metrics.SyncFetches.WithLabelValues("decrypt_failed").Inc()
				e.log.Warn().Err(err).Str("did", did).Msg("organization envelope would not open")
				return nil
			}
		} else {
			return e.enqueueEncrypted(did, env)
		}
	}

	metrics.SyncFetches.WithLabelValues("ok").Inc()
	return e.indexer.Enqueue(ctx, itemFromEnvelope(env, did))
}

// handleTombstone registers a remote deletion and removes the local
// copy, at most once per suppression window.
func (e *Engine) handleTombstone(ctx context.Context, did string) error {
	e.mu.Lock()
	if at, done := e.processedDeletions[did]; done && time.Since(at) < deletionSuppression {
		e.mu.Unlock()
		return nil
	}
	e.processedDeletions[did] = time.Now()
	e.mu.Unlock()

	if _, err := e.state.AppendDeletion(did); err != nil {
		return err
	}
	metrics.SyncFetches.WithLabelValues("tombstone").Inc()
	return e.indexer.DeleteRecord(ctx, did)
}

func (e *Engine) enqueueEncrypted(did string, env *peergraph.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	metrics.SyncFetches.WithLabelValues("queued_encrypted").Inc()
	return e.state.Enqueue(&statestore.QueueRow{
		Did:         did,
		OwnerPubKey: env.OIP.CreatorPub,
		Envelope:    raw,
	})
}

// DrainOwner decrypts and indexes the queued envelopes of one owner
// using the key material the owner just provided. Rows that fail to
// decrypt are marked failed and stay out of the pending set.
func (e *Engine) DrainOwner(ctx context.Context, ownerPubKey string, key []byte) (int, error) {
	rows, err := e.state.PendingForOwner(ownerPubKey)
	if err != nil {
		return 0, err
	}
	drained := 0
	for _, row := range rows {
		var env peergraph.Envelope
		if err := json.Unmarshal(row.Envelope, &env); err != nil {
			_ = e.state.SetQueueStatus(ownerPubKey, row.Did, statestore.QueueFailed)
			continue
		}
		if err := env.OpenData(key); err != nil {
			if serr := e.state.SetQueueStatus(ownerPubKey, row.Did, statestore.QueueFailed); serr != nil {
				return drained, serr
			}
			continue
		}
		if err := e.indexer.Commit(ctx, itemFromEnvelope(&env, row.Did)); err != nil {
			return drained, err
		}
		if err := e.state.SetQueueStatus(ownerPubKey, row.Did, statestore.QueueDecrypted); err != nil {
			return drained, err
		}
		drained++
	}
	return drained, nil
}

// itemFromEnvelope shapes a graph envelope into ingestion work.
func itemFromEnvelope(env *peergraph.Envelope, did string) *index.Item {
	r := &oip.Record{
		Meta: oip.SystemMeta{
			DID:           did,
			RecordType:    env.OIP.RecordType,
			Storage:       oip.StoragePeer,
			Creator:       oip.Creator{PubKey: env.OIP.CreatorPub},
			Signature:     env.OIP.Signature,
			AccessControl: env.OIP.Access,
			Ver:           env.OIP.Ver,
		},
		Sections: env.Data,
	}
	return &index.Item{Record: r, Source: "sync"}
}

func (e *Engine) healthScore(peer string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health[peer]
}

func (e *Engine) decrementHealth(peer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health[peer]--
}

func (e *Engine) recoverHealth(peer string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.health[peer] = 0
}

// sweepProcessedDeletions reallocates the suppression map once expired
// entries dominate, so it never grows with the lifetime of the process.
func (e *Engine) sweepProcessedDeletions() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	live := 0
	for _, at := range e.processedDeletions {
		if now.Sub(at) < deletionSuppression {
			live++
		}
	}
	if live*2 >= len(e.processedDeletions) {
		return
	}
	fresh := make(map[string]time.Time, live)
	for did, at := range e.processedDeletions {
		if now.Sub(at) < deletionSuppression {
			fresh[did] = at
		}
	}
	e.processedDeletions = fresh
}
