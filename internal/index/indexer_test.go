package index

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/events"
	"github.com/openindex/oipd/internal/ledger"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/searchstore"
	"github.com/openindex/oipd/internal/storage/statestore"
)

func testIndexer(t *testing.T) (*Indexer, *searchstore.Memory) {
	t.Helper()
	b, err := statestore.NewMemoryBackend(nil)
	require.NoError(t, err)
	store := searchstore.NewMemory()
	ix := New(store, oip.NewDirectory(), statestore.NewWithBackend(b), events.NewHub(), 0, zerolog.Nop())
	return ix, store
}

func postTemplate(t *testing.T, did string) *oip.Template {
	t.Helper()
	tmpl, err := oip.NewTemplate(did, "post", "did:ledger:creator", []oip.Field{
		{Name: "name", Index: 0, Type: oip.FieldString},
		{Name: "date", Index: 1, Type: oip.FieldLong},
	})
	require.NoError(t, err)
	return tmpl
}

func postRecord(did, sig string, block uint64) *Item {
	return &Item{
		Record: &oip.Record{
			Meta: oip.SystemMeta{
				DID:        did,
				RecordType: "post",
				Storage:    oip.StorageLedger,
				Block:      block,
				Signature:  sig,
			},
			Sections: map[string]map[string]interface{}{
				"post": {"name": "hello", "date": int64(100)},
			},
		},
		Source: "test",
	}
}

func TestCommitParksRecordUntilTemplate(t *testing.T) {
	ix, store := testIndexer(t)
	ctx := context.Background()

	require.NoError(t, ix.Commit(ctx, postRecord("did:ledger:rec1", "sig-1", 10)))
	assert.Equal(t, 1, ix.PendingCount())
	_, err := store.GetRecord(ctx, "did:ledger:rec1")
	assert.ErrorIs(t, err, searchstore.ErrNotFound)

	// Committing the template drains the parked record.
	require.NoError(t, ix.Commit(ctx, &Item{Template: postTemplate(t, "did:ledger:tmpl1"), Source: "test"}))
	assert.Equal(t, 0, ix.PendingCount())

	r, err := store.GetRecord(ctx, "did:ledger:rec1")
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Sections["post"]["name"])
	assert.False(t, r.Meta.IndexedAt.IsZero())
}

func TestCommitParksCompressedRecordByTemplateDid(t *testing.T) {
	ix, store := testIndexer(t)
	ctx := context.Background()

	item := &Item{
		Record: &oip.Record{
			Meta: oip.SystemMeta{
				DID:        "did:ledger:rec1",
				RecordType: "post",
				Storage:    oip.StorageLedger,
				Block:      10,
				Signature:  "sig-1",
			},
		},
		Compressed: []map[string]interface{}{
			{"t": "did:ledger:tmpl1", "0": "hello", "1": float64(100)},
		},
		Source: "ledger",
	}
	require.NoError(t, ix.Commit(ctx, item))
	assert.Equal(t, 1, ix.PendingCount())

	require.NoError(t, ix.Commit(ctx, &Item{Template: postTemplate(t, "did:ledger:tmpl1"), Source: "ledger"}))
	assert.Equal(t, 0, ix.PendingCount())

	r, err := store.GetRecord(ctx, "did:ledger:rec1")
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Sections["post"]["name"])
}

func TestCommitDropsSchemaViolations(t *testing.T) {
	ix, store := testIndexer(t)
	ctx := context.Background()
	require.NoError(t, ix.Commit(ctx, &Item{Template: postTemplate(t, "did:ledger:tmpl1"), Source: "test"}))

	bad := postRecord("did:ledger:rec1", "sig-1", 10)
	bad.Record.Sections["post"]["date"] = "not a number"
	require.NoError(t, ix.Commit(ctx, bad))

	// Dropped, not parked and not committed.
	assert.Equal(t, 0, ix.PendingCount())
	_, err := store.GetRecord(ctx, "did:ledger:rec1")
	assert.ErrorIs(t, err, searchstore.ErrNotFound)
}

func TestCommitIdempotency(t *testing.T) {
	ix, store := testIndexer(t)
	ctx := context.Background()
	require.NoError(t, ix.Commit(ctx, &Item{Template: postTemplate(t, "did:ledger:tmpl1"), Source: "test"}))
	require.NoError(t, ix.Commit(ctx, postRecord("did:ledger:rec1", "sig-1", 10)))

	first, err := store.GetRecord(ctx, "did:ledger:rec1")
	require.NoError(t, err)
	firstIndexed := first.Meta.IndexedAt

	t.Run("same signature is a no-op", func(t *testing.T) {
		require.NoError(t, ix.Commit(ctx, postRecord("did:ledger:rec1", "sig-1", 99)))
		r, err := store.GetRecord(ctx, "did:ledger:rec1")
		require.NoError(t, err)
		assert.Equal(t, uint64(10), r.Meta.Block)
	})

	t.Run("older ledger observation never replaces", func(t *testing.T) {
		require.NoError(t, ix.Commit(ctx, postRecord("did:ledger:rec1", "sig-2", 10)))
		r, err := store.GetRecord(ctx, "did:ledger:rec1")
		require.NoError(t, err)
		assert.Equal(t, "sig-1", r.Meta.Signature)
	})

	t.Run("strictly newer block replaces and keeps the first commit time", func(t *testing.T) {
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, ix.Commit(ctx, postRecord("did:ledger:rec1", "sig-2", 11)))
		r, err := store.GetRecord(ctx, "did:ledger:rec1")
		require.NoError(t, err)
		assert.Equal(t, "sig-2", r.Meta.Signature)
		assert.Equal(t, uint64(11), r.Meta.Block)
		assert.True(t, r.Meta.IndexedAt.Equal(firstIndexed))
	})
}

func TestWarmUpLoadsTemplates(t *testing.T) {
	ix, store := testIndexer(t)
	ctx := context.Background()
	require.NoError(t, store.PutTemplate(ctx, postTemplate(t, "did:ledger:tmpl1")))

	require.NoError(t, ix.WarmUp(ctx))
	_, ok := ix.dir.TemplateByName("post")
	assert.True(t, ok)
}

func TestDeleteRecordPublishesEvent(t *testing.T) {
	hub := events.NewHub()
	b, err := statestore.NewMemoryBackend(nil)
	require.NoError(t, err)
	store := searchstore.NewMemory()
	ix := New(store, oip.NewDirectory(), statestore.NewWithBackend(b), hub, 0, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, ix.Commit(ctx, &Item{Template: postTemplate(t, "did:ledger:tmpl1"), Source: "test"}))
	require.NoError(t, ix.Commit(ctx, postRecord("did:ledger:rec1", "sig-1", 10)))

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	require.NoError(t, ix.DeleteRecord(ctx, "did:ledger:rec1"))
	ev := <-sub.C
	assert.Equal(t, events.EventDeleted, ev.Type)
	assert.Equal(t, "did:ledger:rec1", ev.DID)

	_, err = store.GetRecord(ctx, "did:ledger:rec1")
	assert.ErrorIs(t, err, searchstore.ErrNotFound)
}

// brokenStore fails every record write.
type brokenStore struct {
	searchstore.Store
}

func (b *brokenStore) PutRecord(ctx context.Context, r *oip.Record) error {
	return errors.New("disk full")
}

func TestHandleLedgerItemFailurePropagates(t *testing.T) {
	b, err := statestore.NewMemoryBackend(nil)
	require.NoError(t, err)
	state := statestore.NewWithBackend(b)
	ix := New(&brokenStore{Store: searchstore.NewMemory()}, oip.NewDirectory(), state, events.NewHub(), 0, zerolog.Nop())
	ix.backoff = oip.Backoff{Base: time.Millisecond, Cap: time.Millisecond}
	ctx := context.Background()

	require.NoError(t, ix.Commit(ctx, &Item{Template: postTemplate(t, "did:ledger:tmplTx"), Source: "test"}))

	// A commit that exhausts its retries dead-letters the item and hands
	// the error back to the reader, whose checkpoint then stays put.
	err = ix.HandleLedgerItem(ctx, &ledger.Item{
		Kind:  ledger.KindRecord,
		TxID:  "recTx",
		Block: 7,
		Tags:  map[string]string{ledger.TagVer: ledger.VerClientSigned},
		Payload: []byte(`{"recordType":"post",` +
			`"data":[{"t":"did:ledger:tmplTx","0":"hello","1":100}],"creatorPubKey":"02AA"}`),
	})
	require.Error(t, err)
	assert.True(t, oip.IsKind(err, oip.KindTransientIO))

	parked := 0
	require.NoError(t, state.DeadLetters(func(*statestore.DeadLetter) bool {
		parked++
		return true
	}))
	assert.Equal(t, 1, parked)
}

func TestLedgerItemToWork(t *testing.T) {
	t.Run("template transaction", func(t *testing.T) {
		item, err := ledgerItemToWork(&ledger.Item{
			Kind:  ledger.KindTemplate,
			TxID:  "tmplTx",
			Block: 42,
			Payload: []byte(`{"name":"post","creatorDid":"did:ledger:creator",` +
				`"fieldsInTemplate":[{"name":"name","index":0,"type":"string"}],` +
				`"creatorPubKey":"02AA","signature":"tsig"}`),
		})
		require.NoError(t, err)
		require.NotNil(t, item.Template)
		assert.Equal(t, "did:ledger:tmplTx", item.Template.TemplateDid)
		assert.Equal(t, "post", item.Template.Name)
		assert.Equal(t, uint64(42), item.Template.CreatedAtBlock)
		assert.Equal(t, "ledger", item.Source)
	})

	t.Run("record transaction", func(t *testing.T) {
		item, err := ledgerItemToWork(&ledger.Item{
			Kind:  ledger.KindRecord,
			TxID:  "recTx",
			Block: 43,
			Tags:  map[string]string{ledger.TagVer: "0.8.0", ledger.TagCreatorSig: "tagsig"},
			Payload: []byte(`{"recordType":"post",` +
				`"data":[{"t":"did:ledger:tmplTx","0":"hello"}],"creatorPubKey":"02AA"}`),
		})
		require.NoError(t, err)
		require.NotNil(t, item.Record)
		assert.Equal(t, "did:ledger:recTx", item.Record.Meta.DID)
		assert.Equal(t, "did:arweave:recTx", item.Record.Meta.DidTx)
		assert.Equal(t, "0.8.0", item.Record.Meta.Ver)
		// Signature falls back to the transaction tag.
		assert.Equal(t, "tagsig", item.Record.Meta.Signature)
		require.Len(t, item.Compressed, 1)
	})

	t.Run("undecodable payload", func(t *testing.T) {
		_, err := ledgerItemToWork(&ledger.Item{Kind: ledger.KindRecord, TxID: "x", Payload: []byte("{")})
		assert.Error(t, err)
	})
}
