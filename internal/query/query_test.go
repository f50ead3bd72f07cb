package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/searchstore"
)

func parse(t *testing.T, raw string) *Query {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	q, err := ParseQuery(values)
	require.NoError(t, err)
	return q
}

func parseErr(t *testing.T, raw string) error {
	t.Helper()
	values, err := url.ParseQuery(raw)
	require.NoError(t, err)
	_, err = ParseQuery(values)
	require.Error(t, err)
	return err
}

func TestParseQueryDefaults(t *testing.T) {
	q := parse(t, "")
	assert.Equal(t, defaultLimit, q.Limit)
	assert.Equal(t, 0, q.Offset)
	assert.Equal(t, "date", q.SortField)
	assert.False(t, q.SortAsc)
	assert.Equal(t, searchstore.MatchAll, q.SearchMode)
	assert.Equal(t, searchstore.MatchAll, q.TagMode)
	assert.Equal(t, 0, q.ResolveDepth)
	assert.True(t, q.IncludeSigs)
}

func TestParseQueryIdentifiers(t *testing.T) {
	assert.Equal(t, "did:ledger:tx1", parse(t, "did=did:ledger:tx1").DID)
	// The legacy parameter name still works.
	assert.Equal(t, "did:arweave:tx1", parse(t, "didTx=did:arweave:tx1").DID)
}

func TestParseQueryStorage(t *testing.T) {
	assert.Equal(t, oip.StorageLedger, parse(t, "storage=ledger").Storage)
	assert.Equal(t, oip.StoragePeer, parse(t, "source=peer").Storage)
	parseErr(t, "storage=cloud")
}

func TestParseQueryModes(t *testing.T) {
	assert.Equal(t, searchstore.MatchAny, parse(t, "searchMatchMode=OR").SearchMode)
	assert.Equal(t, searchstore.MatchAny, parse(t, "searchMatchMode=any").SearchMode)
	assert.Equal(t, searchstore.MatchAll, parse(t, "tagMatchMode=ALL").TagMode)
	// Short parameter names still work.
	assert.Equal(t, searchstore.MatchAny, parse(t, "searchMode=OR").SearchMode)
	assert.Equal(t, searchstore.MatchAny, parse(t, "tagMode=OR").TagMode)
	parseErr(t, "searchMatchMode=maybe")
}

func TestParseQueryTags(t *testing.T) {
	q := parse(t, "tags=baking,+dessert,")
	assert.Equal(t, []string{"baking", "dessert"}, q.Tags)
}

func TestParseQuerySortBy(t *testing.T) {
	q := parse(t, "sortBy=name:asc")
	assert.Equal(t, "name", q.SortField)
	assert.True(t, q.SortAsc)

	q = parse(t, "sortBy=block")
	assert.Equal(t, "block", q.SortField)
	assert.False(t, q.SortAsc)

	parseErr(t, "sortBy=secret:asc")
	parseErr(t, "sortBy=date:sideways")
}

func TestParseQueryPagination(t *testing.T) {
	q := parse(t, "limit=600&offset=40")
	assert.Equal(t, maxLimit, q.Limit)
	assert.Equal(t, 40, q.Offset)

	assert.Equal(t, 15, parse(t, "from=15").Offset)

	parseErr(t, "limit=-1")
	parseErr(t, "offset=-5")
	parseErr(t, "limit=ten")
}

func TestParseQueryResolveDepth(t *testing.T) {
	assert.Equal(t, 3, parse(t, "resolveDepth=3").ResolveDepth)
	err := parseErr(t, "resolveDepth=4")
	assert.True(t, oip.IsKind(err, oip.KindBadRequest))
	parseErr(t, "resolveDepth=-1")
}

func TestParseQueryIncludeSigs(t *testing.T) {
	assert.False(t, parse(t, "includeSigs=false").IncludeSigs)
	assert.True(t, parse(t, "includeSigs=true").IncludeSigs)
	parseErr(t, "includeSigs=maybe")
}

func TestCacheKeyNormalizesTagOrder(t *testing.T) {
	a := parse(t, "tags=b,a&recordType=post")
	b := parse(t, "tags=a,b&recordType=post")
	assert.Equal(t, a.cacheKey(), b.cacheKey())

	// Resolution depth and signature stripping never split the cache.
	c := parse(t, "tags=a,b&recordType=post&resolveDepth=2&includeSigs=false")
	assert.Equal(t, a.cacheKey(), c.cacheKey())
}

func TestAppliedFilters(t *testing.T) {
	q := parse(t, "recordType=post&tags=baking&search=pie&resolveDepth=2")
	applied := q.appliedFilters()
	assert.Equal(t, "post", applied["recordType"])
	assert.Equal(t, "baking", applied["tags"])
	assert.Equal(t, "pie", applied["search"])
	assert.Equal(t, "date:desc", applied["sortBy"])
	assert.Equal(t, "2", applied["resolveDepth"])
	assert.NotContains(t, applied, "did")
	assert.NotContains(t, applied, "includeSigs")

	assert.Equal(t, "false", parse(t, "includeSigs=false").appliedFilters()["includeSigs"])
}
