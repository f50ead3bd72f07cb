package searchstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/oip"
)

func mkRecord(did, recordType string, storage oip.Storage, name string, date int64, tags ...string) *oip.Record {
	tagsAny := make([]interface{}, len(tags))
	for i, tg := range tags {
		tagsAny[i] = tg
	}
	r := &oip.Record{
		Meta: oip.SystemMeta{
			DID:        did,
			RecordType: recordType,
			Storage:    storage,
			IndexedAt:  time.Unix(date, 0).UTC(),
		},
		Sections: map[string]map[string]interface{}{
			"basic": {
				"name":        name,
				"description": "about " + name,
				"date":        float64(date),
				"tagItems":    tagsAny,
			},
		},
	}
	if storage == oip.StorageLedger {
		r.Meta.DidTx = "did:arweave:" + did[len("did:ledger:"):]
	}
	return r
}

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.PutRecord(ctx, mkRecord("did:ledger:tx1", "post", oip.StorageLedger, "apple pie recipe", 100, "dessert", "baking")))
	require.NoError(t, m.PutRecord(ctx, mkRecord("did:ledger:tx2", "post", oip.StorageLedger, "sourdough bread", 300, "baking")))
	require.NoError(t, m.PutRecord(ctx, mkRecord("did:peer:oip:records:02AA:note-1", "note", oip.StoragePeer, "apple orchard notes", 200, "fruit")))
	return m
}

func TestMemoryGetRecord(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	r, err := m.GetRecord(ctx, "did:ledger:tx1")
	require.NoError(t, err)
	assert.Equal(t, "apple pie recipe", r.Sections["basic"]["name"])

	t.Run("legacy did resolves the same record", func(t *testing.T) {
		r, err := m.GetRecord(ctx, "did:arweave:tx1")
		require.NoError(t, err)
		assert.Equal(t, "did:ledger:tx1", r.Meta.DID)
	})

	t.Run("missing did", func(t *testing.T) {
		_, err := m.GetRecord(ctx, "did:ledger:unknown")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("batch fetch skips missing", func(t *testing.T) {
		recs, err := m.GetRecords(ctx, []string{"did:ledger:tx1", "did:ledger:gone", "did:ledger:tx2"})
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})
}

func TestMemorySearch(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	search := func(req *Request) *Result {
		if req.Limit == 0 {
			req.Limit = 20
		}
		res, err := m.Search(ctx, req)
		require.NoError(t, err)
		return res
	}

	t.Run("filter by record type", func(t *testing.T) {
		res := search(&Request{RecordType: "note"})
		assert.Equal(t, int64(1), res.Total)
	})

	t.Run("filter by storage", func(t *testing.T) {
		assert.Equal(t, int64(2), search(&Request{Storage: oip.StorageLedger}).Total)
		assert.Equal(t, int64(1), search(&Request{Storage: oip.StoragePeer}).Total)
		assert.Equal(t, int64(3), search(&Request{Storage: oip.StorageAll}).Total)
	})

	t.Run("free text AND vs OR", func(t *testing.T) {
		assert.Equal(t, int64(0), search(&Request{Search: "apple bread", SearchMode: MatchAll}).Total)
		assert.Equal(t, int64(3), search(&Request{Search: "apple bread", SearchMode: MatchAny}).Total)
	})

	t.Run("tag AND vs OR", func(t *testing.T) {
		assert.Equal(t, int64(1), search(&Request{Tags: []string{"dessert", "baking"}, TagMode: MatchAll}).Total)
		assert.Equal(t, int64(2), search(&Request{Tags: []string{"dessert", "baking"}, TagMode: MatchAny}).Total)
	})

	t.Run("sort by date descending", func(t *testing.T) {
		res := search(&Request{SortField: "date", SortAsc: false})
		require.Len(t, res.Records, 3)
		assert.Equal(t, "did:ledger:tx2", res.Records[0].Meta.DID)
		assert.Equal(t, "did:ledger:tx1", res.Records[2].Meta.DID)
	})

	t.Run("pagination keeps the unpaged total", func(t *testing.T) {
		res, err := m.Search(ctx, &Request{SortField: "date", Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Total)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "did:peer:oip:records:02AA:note-1", res.Records[0].Meta.DID)
	})

	t.Run("zero limit returns total only", func(t *testing.T) {
		res, err := m.Search(ctx, &Request{Limit: 0})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Total)
		assert.Empty(t, res.Records)
	})

	t.Run("did filter matches either identifier form", func(t *testing.T) {
		assert.Equal(t, int64(1), search(&Request{DID: "did:arweave:tx2"}).Total)
	})
}

func TestMemoryDelete(t *testing.T) {
	m := seedMemory(t)
	ctx := context.Background()

	require.NoError(t, m.DeleteRecord(ctx, "did:ledger:tx1"))
	_, err := m.GetRecord(ctx, "did:ledger:tx1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetRecord(ctx, "did:arweave:tx1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is a no-op.
	assert.NoError(t, m.DeleteRecord(ctx, "did:ledger:tx1"))
}

func TestMemoryTemplatesAndMapping(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	tmpl, err := oip.NewTemplate("did:ledger:tmpl1", "recipe", "did:ledger:creator", []oip.Field{
		{Name: "servings", Index: 0, Type: oip.FieldUint64},
		{Name: "title", Index: 1, Type: oip.FieldString},
	})
	require.NoError(t, err)
	require.NoError(t, m.PutTemplate(ctx, tmpl))
	require.NoError(t, m.EnsureMapping(ctx, tmpl))

	all, err := m.Templates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "recipe", all[0].Name)

	fm, ok := m.Mapping("recipe")
	require.True(t, ok)
	assert.Equal(t, "long", fm["servings"])
	assert.Equal(t, "text+keyword", fm["title"])
}
