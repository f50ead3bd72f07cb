package query

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/metrics"
	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/searchstore"
)

const (
	cacheTTL     = 60 * time.Second
	cacheEntries = 1024
)

// Response is one answered query: the page after access filtering,
// the store-level total, the echoed filters, and the dids that failed
// reference resolution.
type Response struct {
	Total      int64             `json:"totalRecords"`
	Records    []*oip.Record     `json:"records"`
	Applied    map[string]string `json:"appliedFilters"`
	Unresolved []string          `json:"unresolvedRefs,omitempty"`
}

// Engine answers record queries over the search store.
type Engine struct {
	store searchstore.Store
	dir   *oip.Directory
	cache *expirable.LRU[string, *searchstore.Result]
	log   zerolog.Logger
}

// NewEngine creates a query engine with a fresh result cache.
func NewEngine(store searchstore.Store, dir *oip.Directory, log zerolog.Logger) *Engine {
	return &Engine{
		store: store,
		dir:   dir,
		cache: expirable.NewLRU[string, *searchstore.Result](cacheEntries, nil, cacheTTL),
		log:   log.With().Str("component", "query").Logger(),
	}
}

// Query answers q for the given principal. Identical store-level
// queries within the cache TTL share one raw result; the access filter
// and reference resolution run per call.
func (e *Engine) Query(ctx context.Context, q *Query, p *Principal) (*Response, error) {
	metrics.QueriesTotal.Inc()
	if p == nil {
		p = &Principal{}
	}

	key := q.cacheKey()
	raw, ok := e.cache.Get(key)
	if ok {
		metrics.QueryCacheHits.Inc()
	} else {
		var err error
		raw, err = e.store.Search(ctx, q.request())
		if err != nil {
			return nil, err
		}
		e.cache.Add(key, raw)
	}

	resp := &Response{
		Total:   raw.Total,
		Records: make([]*oip.Record, 0, len(raw.Records)),
		Applied: q.appliedFilters(),
	}
	for _, r := range raw.Records {
		if !e.viewable(ctx, r, p) {
			continue
		}
		resp.Records = append(resp.Records, r.Clone())
	}

	if q.ResolveDepth > 0 {
		unresolved, err := e.resolve(ctx, resp.Records, q.ResolveDepth, p)
		if err != nil {
			return nil, err
		}
		resp.Unresolved = unresolved
	}
	if !q.IncludeSigs {
		for _, r := range resp.Records {
			stripSignatures(r)
		}
	}
	return resp, nil
}

// stripSignatures blanks the signature on a cloned record and on any
// records embedded by resolution. Runs after the cache, so cached raw
// results keep their signatures.
func stripSignatures(r *oip.Record) {
	r.Meta.Signature = ""
	for _, section := range r.Sections {
		for _, v := range section {
			switch ref := v.(type) {
			case *oip.Record:
				stripSignatures(ref)
			case []interface{}:
				for _, item := range ref {
					if emb, ok := item.(*oip.Record); ok {
						stripSignatures(emb)
					}
				}
			}
		}
	}
}

// viewable applies the access policy for one record. Public records are
// always visible, private records only to their owner, organization
// records to org admins and to callers admitted by the org's
// membership policy.
func (e *Engine) viewable(ctx context.Context, r *oip.Record, p *Principal) bool {
	ac := r.Meta.AccessControl
	switch r.AccessLevel() {
	case oip.AccessPublic:
		return true
	case oip.AccessPrivate:
		if p.PubKey == "" {
			return false
		}
		owner := ac.OwnerPubKey
		if owner == "" {
			owner = r.Meta.Creator.PubKey
		}
		if owner == p.PubKey {
			return true
		}
		for _, shared := range ac.SharedWith {
			if shared == p.PubKey {
				return true
			}
		}
		return false
	case oip.AccessOrganization:
		if ac.OrganizationDid == "" {
			return false
		}
		orgRec, err := e.store.GetRecord(ctx, ac.OrganizationDid)
		if err != nil {
			return false
		}
		org, ok := oip.OrganizationFromRecord(orgRec)
		if !ok {
			return false
		}
		if p.PubKey != "" && org.IsAdmin(p.PubKey) {
			return true
		}
		return org.DomainMatches(p.Domain)
	default:
		return false
	}
}
