package query

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/searchstore"
)

func refRecord(did, name string, fields map[string]interface{}) *oip.Record {
	sec := map[string]interface{}{"name": name}
	for k, v := range fields {
		sec[k] = v
	}
	return &oip.Record{
		Meta: oip.SystemMeta{
			DID:        did,
			RecordType: "post",
			Storage:    oip.StoragePeer,
			IndexedAt:  time.Now().UTC(),
		},
		Sections: map[string]map[string]interface{}{"post": sec},
	}
}

func resolverEngine(t *testing.T, records ...*oip.Record) *Engine {
	t.Helper()
	dir := oip.NewDirectory()
	tmpl, err := oip.NewTemplate("did:ledger:tmpl-post", "post", "did:ledger:creator", []oip.Field{
		{Name: "name", Index: 0, Type: oip.FieldString},
		{Name: "author", Index: 1, Type: oip.FieldDRef},
		{Name: "related", Index: 2, Type: oip.FieldDRef, Repeated: true},
	})
	require.NoError(t, err)
	dir.Put(tmpl)

	mem := searchstore.NewMemory()
	ctx := context.Background()
	for _, r := range records {
		require.NoError(t, mem.PutRecord(ctx, r))
	}
	return NewEngine(mem, dir, zerolog.Nop())
}

func queryOne(t *testing.T, e *Engine, did string, depth int) *Response {
	t.Helper()
	resp, err := e.Query(context.Background(), &Query{DID: did, Limit: 1, SortField: "date", ResolveDepth: depth}, nil)
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	return resp
}

func embedded(t *testing.T, sec map[string]interface{}, field string) *oip.Record {
	t.Helper()
	r, ok := sec[field].(*oip.Record)
	require.True(t, ok, "field %q is not an embedded record: %T", field, sec[field])
	return r
}

func TestResolveChainByDepth(t *testing.T) {
	a := refRecord("did:peer:oip:records:02A:a", "a", map[string]interface{}{"author": "did:peer:oip:records:02A:b"})
	b := refRecord("did:peer:oip:records:02A:b", "b", map[string]interface{}{"author": "did:peer:oip:records:02A:c"})
	c := refRecord("did:peer:oip:records:02A:c", "c", nil)
	e := resolverEngine(t, a, b, c)

	t.Run("depth 0 leaves references alone", func(t *testing.T) {
		resp := queryOne(t, e, a.Meta.DID, 0)
		assert.Equal(t, "did:peer:oip:records:02A:b", resp.Records[0].Sections["post"]["author"])
	})

	t.Run("depth 1 embeds one level", func(t *testing.T) {
		resp := queryOne(t, e, a.Meta.DID, 1)
		eb := embedded(t, resp.Records[0].Sections["post"], "author")
		assert.Equal(t, "b", eb.Sections["post"]["name"])
		// The second hop stays a did string.
		assert.Equal(t, "did:peer:oip:records:02A:c", eb.Sections["post"]["author"])
	})

	t.Run("depth 2 embeds the chain", func(t *testing.T) {
		resp := queryOne(t, e, a.Meta.DID, 2)
		eb := embedded(t, resp.Records[0].Sections["post"], "author")
		ec := embedded(t, eb.Sections["post"], "author")
		assert.Equal(t, "c", ec.Sections["post"]["name"])
	})
}

func TestResolveCycleTerminates(t *testing.T) {
	a := refRecord("did:peer:oip:records:02A:a", "a", map[string]interface{}{"author": "did:peer:oip:records:02A:b"})
	b := refRecord("did:peer:oip:records:02A:b", "b", map[string]interface{}{"author": "did:peer:oip:records:02A:a"})
	e := resolverEngine(t, a, b)

	resp := queryOne(t, e, a.Meta.DID, 3)
	eb := embedded(t, resp.Records[0].Sections["post"], "author")
	assert.Equal(t, "b", eb.Sections["post"]["name"])

	// The back edge to the root becomes a stub, not a second full body.
	back, ok := eb.Sections["post"]["author"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "did:peer:oip:records:02A:a", back["did"])
	assert.Equal(t, true, back["stub"])
	assert.Empty(t, resp.Unresolved)
}

func TestResolveMissingAndHiddenRefs(t *testing.T) {
	private := refRecord("did:peer:oip:records:02A:secret", "secret", nil)
	private.Meta.AccessControl = &oip.AccessControl{Level: oip.AccessPrivate, OwnerPubKey: "02OWNER"}
	a := refRecord("did:peer:oip:records:02A:a", "a", map[string]interface{}{
		"related": []interface{}{"did:peer:oip:records:02A:gone", "did:peer:oip:records:02A:secret"},
	})
	e := resolverEngine(t, a, private)

	resp := queryOne(t, e, a.Meta.DID, 1)
	related, ok := resp.Records[0].Sections["post"]["related"].([]interface{})
	require.True(t, ok)
	// Unresolvable references keep their did strings in place.
	assert.Equal(t, "did:peer:oip:records:02A:gone", related[0])
	assert.Equal(t, "did:peer:oip:records:02A:secret", related[1])
	assert.Equal(t, []string{
		"did:peer:oip:records:02A:gone",
		"did:peer:oip:records:02A:secret",
	}, resp.Unresolved)
}

func TestResolveRepeatedRefs(t *testing.T) {
	a := refRecord("did:peer:oip:records:02A:a", "a", map[string]interface{}{
		"related": []interface{}{"did:peer:oip:records:02A:b", "did:peer:oip:records:02A:c"},
	})
	b := refRecord("did:peer:oip:records:02A:b", "b", nil)
	c := refRecord("did:peer:oip:records:02A:c", "c", nil)
	e := resolverEngine(t, a, b, c)

	resp := queryOne(t, e, a.Meta.DID, 1)
	related, ok := resp.Records[0].Sections["post"]["related"].([]interface{})
	require.True(t, ok)
	require.Len(t, related, 2)
	first, ok := related[0].(*oip.Record)
	require.True(t, ok)
	second, ok := related[1].(*oip.Record)
	require.True(t, ok)
	assert.Equal(t, "b", first.Sections["post"]["name"])
	assert.Equal(t, "c", second.Sections["post"]["name"])
}
