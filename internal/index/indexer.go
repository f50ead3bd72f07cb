// Package index commits validated records and templates into the
// search store. Ingestion is transactional per item: templates are
// committed (with their derived field mapping) before any record that
// references them, records missing their template park in a pending
// buffer, and persistent search-store failures dead-letter the item
// without advancing the producer's checkpoint.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/codec"
	"github.com/openindex/oipd/internal/events"
	"github.com/openindex/oipd/internal/ledger"
	"github.com/openindex/oipd/internal/metrics"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/searchstore"
	"github.com/openindex/oipd/internal/storage/statestore"
)

const (
	// defaultQueueSize bounds the intake queue; full means producers
	// block, items are never dropped.
	defaultQueueSize = 256
	writeRetries     = 3
)

// Item is one unit of ingestion work.
type Item struct {
	Template *oip.Template
	Record   *oip.Record
	// Compressed holds ledger-path sections that still need expansion.
	Compressed []map[string]interface{}
	Source     string
}

// Indexer is the single committer of the search store.
type Indexer struct {
	store searchstore.Store
	dir   *oip.Directory
	state *statestore.Store
	hub   *events.Hub
	log   zerolog.Logger

	intake  chan *Item
	backoff oip.Backoff

	// mu serializes commits; mapping updates and document writes never
	// interleave.
	mu sync.Mutex
	// pending parks records whose template has not been committed yet,
	// keyed by the missing template's did or name.
	pending map[string][]*Item
}

// New creates an indexer. A zero queueSize uses the default capacity.
func New(store searchstore.Store, dir *oip.Directory, state *statestore.Store, hub *events.Hub, queueSize int, log zerolog.Logger) *Indexer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Indexer{
		store:   store,
		dir:     dir,
		state:   state,
		hub:     hub,
		log:     log.With().Str("component", "indexer").Logger(),
		intake:  make(chan *Item, queueSize),
		backoff: oip.Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second},
		pending: make(map[string][]*Item),
	}
}

// WarmUp loads committed templates from the search store into the
// directory, so a restarted node can expand records immediately.
func (ix *Indexer) WarmUp(ctx context.Context) error {
	templates, err := ix.store.Templates(ctx)
	if err != nil {
		return err
	}
	for _, t := range templates {
		ix.dir.Put(t)
	}
	ix.log.Info().Int("templates", len(templates)).Msg("template directory warmed")
	return nil
}

// Enqueue hands an item to the ingestion loop, blocking while the
// queue is full.
func (ix *Indexer) Enqueue(ctx context.Context, item *Item) error {
	select {
	case ix.intake <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the intake queue until ctx is done. Items from a single
// producer commit in the order they were enqueued.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-ix.intake:
			if err := ix.Commit(ctx, item); err != nil {
				ix.log.Error().Err(err).Str("source", item.Source).Msg("commit failed")
			}
		}
	}
}

// Commit runs the per-item ingestion transaction synchronously. The
// publisher uses this path directly so a publish returns only after the
// local commit.
func (ix *Indexer) Commit(ctx context.Context, item *Item) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.commitLocked(ctx, item)
}

func (ix *Indexer) commitLocked(ctx context.Context, item *Item) error {
	if item.Template != nil {
		return ix.commitTemplateLocked(ctx, item)
	}
	return ix.commitRecordLocked(ctx, item)
}

func (ix *Indexer) commitTemplateLocked(ctx context.Context, item *Item) error {
	t := item.Template
	if err := t.Init(); err != nil {
		metrics.RecordsDropped.WithLabelValues("invalid_template").Inc()
		ix.log.Warn().Err(err).Str("template", t.TemplateDid).Msg("dropping invalid template")
		return nil
	}
	if err := ix.withRetry(ctx, item, func() error {
		if err := ix.store.PutTemplate(ctx, t); err != nil {
			return err
		}
		return ix.store.EnsureMapping(ctx, t)
	}); err != nil {
		return err
	}
	ix.dir.Put(t)
	metrics.TemplatesIndexed.Inc()
	ix.log.Info().Str("template", t.TemplateDid).Str("name", t.Name).Msg("template committed")

	// Drain records that were waiting for this template.
	waiting := append(ix.pending[t.TemplateDid], ix.pending[t.Name]...)
	delete(ix.pending, t.TemplateDid)
	delete(ix.pending, t.Name)
	for _, parked := range waiting {
		if err := ix.commitLocked(ctx, parked); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Indexer) commitRecordLocked(ctx context.Context, item *Item) error {
	r := item.Record
	if item.Compressed != nil && r.Sections == nil {
		sections, err := codec.Expand(item.Compressed, ix.dir)
		if err != nil {
			if oip.IsKind(err, oip.KindUnknownTemplate) {
				ix.park(missingTemplateKey(item.Compressed, ix.dir), item)
				return nil
			}
			metrics.RecordsDropped.WithLabelValues(oip.KindOf(err).String()).Inc()
			ix.log.Warn().Err(err).Str("did", r.Meta.DID).Msg("dropping undecodable record")
			return nil
		}
		r.Sections = sections
	}

	if err := codec.Validate(r.Sections, ix.dir); err != nil {
		if oip.IsKind(err, oip.KindUnknownTemplate) {
			ix.park(missingSectionKey(r, ix.dir), item)
			return nil
		}
		metrics.RecordsDropped.WithLabelValues(oip.KindOf(err).String()).Inc()
		ix.log.Warn().Err(err).Str("did", r.Meta.DID).Msg("dropping schema-violating record")
		return nil
	}

	// Idempotency: same did and signature is a no-op; a differing
	// signature replaces only mutable peer records or strictly newer
	// ledger observations.
	existing, err := ix.store.GetRecord(ctx, r.Meta.DID)
	if err == nil {
		if existing.Meta.Signature == r.Meta.Signature {
			return nil
		}
		if r.Meta.Storage == oip.StorageLedger && r.Meta.Block <= existing.Meta.Block {
			return nil
		}
		// Keep the first commit time stable across replacements.
		if !existing.Meta.IndexedAt.IsZero() {
			r.Meta.IndexedAt = existing.Meta.IndexedAt
		}
	} else if err != searchstore.ErrNotFound {
		return err
	}

	if r.Meta.IndexedAt.IsZero() {
		r.Meta.IndexedAt = time.Now().UTC()
	}
	if err := ix.withRetry(ctx, item, func() error {
		return ix.store.PutRecord(ctx, r)
	}); err != nil {
		return err
	}
	metrics.RecordsIndexed.WithLabelValues(string(r.Meta.Storage)).Inc()
	if ix.hub != nil {
		ix.hub.Publish(events.Event{
			Type:       events.EventCommitted,
			DID:        r.Meta.DID,
			RecordType: r.Meta.RecordType,
			Storage:    string(r.Meta.Storage),
			At:         time.Now().UTC(),
		})
	}
	return nil
}

// withRetry retries a search-store write with jittered backoff; after
// the last attempt the item is parked in the dead-letter queue and the
// error propagates so the producer's checkpoint stays put.
func (ix *Indexer) withRetry(ctx context.Context, item *Item, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		if attempt > 0 {
			if err := ix.backoff.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	payload, _ := json.Marshal(item)
	if _, parkErr := ix.state.Park(item.Source, lastErr.Error(), payload); parkErr != nil {
		ix.log.Error().Err(parkErr).Msg("dead-letter park failed")
	}
	metrics.DeadLetters.Inc()
	return oip.E(oip.KindTransientIO, "index.withRetry", lastErr)
}

func (ix *Indexer) park(key string, item *Item) {
	if key == "" {
		key = "?"
	}
	ix.pending[key] = append(ix.pending[key], item)
	ix.log.Debug().Str("template", key).Msg("record parked awaiting template")
}

// PendingCount reports how many records await a template. Test hook.
func (ix *Indexer) PendingCount() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for _, items := range ix.pending {
		n += len(items)
	}
	return n
}

// missingTemplateKey finds the first compressed section whose template
// did is absent from the directory.
func missingTemplateKey(compressed []map[string]interface{}, dir oip.TemplateSource) string {
	for _, sec := range compressed {
		if did, ok := sec["t"].(string); ok {
			if _, found := dir.TemplateByDid(did); !found {
				return did
			}
		}
	}
	return ""
}

// missingSectionKey finds the first section name without a committed
// template.
func missingSectionKey(r *oip.Record, dir oip.TemplateSource) string {
	for name := range r.Sections {
		if _, found := dir.TemplateByName(name); !found {
			return name
		}
	}
	return ""
}

// HandleLedgerItem commits a ledger stream item synchronously. A failed
// commit propagates to the reader, which then holds its checkpoint, so
// a dead-lettered item's block is replayed on the next catch-up.
func (ix *Indexer) HandleLedgerItem(ctx context.Context, it *ledger.Item) error {
	item, err := ledgerItemToWork(it)
	if err != nil {
		metrics.RecordsDropped.WithLabelValues("undecodable").Inc()
		ix.log.Warn().Err(err).Str("tx", it.TxID).Msg("dropping undecodable transaction")
		return nil
	}
	return ix.Commit(ctx, item)
}

func ledgerItemToWork(it *ledger.Item) (*Item, error) {
	if it.Kind == ledger.KindTemplate {
		p, err := ledger.DecodeTemplatePayload(it.Payload)
		if err != nil {
			return nil, err
		}
		t := &oip.Template{
			TemplateDid:    oip.LedgerDID(it.TxID),
			Name:           p.Name,
			CreatorDid:     p.CreatorDid,
			Fields:         p.Fields,
			CreatedAtBlock: it.Block,
			Signature:      p.Signature,
			CreatorPubKey:  p.CreatorPubKey,
		}
		return &Item{Template: t, Source: "ledger"}, nil
	}

	p, err := ledger.DecodeRecordPayload(it.Payload)
	if err != nil {
		return nil, err
	}
	ver := it.Tags[ledger.TagVer]
	if p.Ver != "" {
		ver = p.Ver
	}
	r := &oip.Record{
		Meta: oip.SystemMeta{
			DID:           oip.LedgerDID(it.TxID),
			DidTx:         oip.LegacyDID(it.TxID),
			RecordType:    p.RecordType,
			Storage:       oip.StorageLedger,
			Block:         it.Block,
			Creator:       oip.Creator{PubKey: p.CreatorPubKey},
			Signature:     firstNonEmpty(p.Signature, it.Tags[ledger.TagCreatorSig]),
			AccessControl: p.AccessControl,
			Ver:           ver,
		},
	}
	return &Item{Record: r, Compressed: p.Data, Source: "ledger"}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// DeleteRecord removes a record from the index and notifies consumers.
func (ix *Indexer) DeleteRecord(ctx context.Context, did string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if err := ix.store.DeleteRecord(ctx, did); err != nil {
		return fmt.Errorf("index: delete %s: %w", did, err)
	}
	if ix.hub != nil {
		ix.hub.Publish(events.Event{Type: events.EventDeleted, DID: did, At: time.Now().UTC()})
	}
	return nil
}
