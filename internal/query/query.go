// Package query serves filtered, sorted, paginated record reads with
// optional reference resolution. Raw store results are cached briefly;
// access control is evaluated per caller after the cache so cached
// pages are never principal-specific.
package query

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/openindex/oipd/internal/oip"
	"github.com/openindex/oipd/internal/storage/searchstore"
)

const (
	defaultLimit    = 20
	maxLimit        = 500
	maxResolveDepth = 3
)

// Principal identifies the caller for access filtering. The zero value
// is an anonymous caller who sees only public records.
type Principal struct {
	PubKey string
	Domain string
}

// Query is one parsed and normalized record query.
type Query struct {
	DID          string
	RecordType   string
	Storage      oip.Storage
	Search       string
	SearchMode   searchstore.MatchMode
	Tags         []string
	TagMode      searchstore.MatchMode
	Creator      string
	SortField    string
	SortAsc      bool
	Limit        int
	Offset       int
	ResolveDepth int
	IncludeSigs  bool
}

// ParseQuery builds a normalized Query from URL parameters. Unknown
// parameters are ignored; out-of-range values are rejected, not
// clamped silently past their documented bounds.
func ParseQuery(values url.Values) (*Query, error) {
	q := &Query{
		DID:         strings.TrimSpace(pick(values, "did", "didTx")),
		RecordType:  strings.TrimSpace(values.Get("recordType")),
		Search:      strings.TrimSpace(values.Get("search")),
		Creator:     strings.TrimSpace(values.Get("creator")),
		SearchMode:  searchstore.MatchAll,
		TagMode:     searchstore.MatchAll,
		SortField:   "date",
		SortAsc:     false,
		Limit:       defaultLimit,
		IncludeSigs: true,
	}

	if raw := pick(values, "storage", "source"); raw != "" {
		st, err := oip.ParseStorage(raw)
		if err != nil {
			return nil, oip.E(oip.KindBadRequest, "query.ParseQuery", err)
		}
		q.Storage = st
	}
	if raw := pick(values, "searchMatchMode", "searchMode"); raw != "" {
		mode, err := parseMatchMode(raw)
		if err != nil {
			return nil, err
		}
		q.SearchMode = mode
	}
	if raw := values.Get("tags"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Tags = append(q.Tags, t)
			}
		}
	}
	if raw := pick(values, "tagMatchMode", "tagMode"); raw != "" {
		mode, err := parseMatchMode(raw)
		if err != nil {
			return nil, err
		}
		q.TagMode = mode
	}
	if raw := values.Get("sortBy"); raw != "" {
		field, asc, err := parseSortBy(raw)
		if err != nil {
			return nil, err
		}
		q.SortField = field
		q.SortAsc = asc
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("invalid limit %q", raw))
		}
		if n > maxLimit {
			n = maxLimit
		}
		q.Limit = n
	}
	if raw := pick(values, "offset", "from"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("invalid offset %q", raw))
		}
		q.Offset = n
	}
	if raw := values.Get("resolveDepth"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("invalid resolveDepth %q", raw))
		}
		if n > maxResolveDepth {
			return nil, oip.E(oip.KindBadRequest, "query.ParseQuery",
				fmt.Sprintf("resolveDepth %d exceeds maximum %d", n, maxResolveDepth))
		}
		q.ResolveDepth = n
	}
	if raw := values.Get("includeSigs"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("invalid includeSigs %q", raw))
		}
		q.IncludeSigs = b
	}
	return q, nil
}

func pick(values url.Values, names ...string) string {
	for _, n := range names {
		if v := values.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func parseMatchMode(raw string) (searchstore.MatchMode, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "AND", "ALL":
		return searchstore.MatchAll, nil
	case "OR", "ANY":
		return searchstore.MatchAny, nil
	}
	return "", oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("invalid match mode %q", raw))
}

func parseSortBy(raw string) (string, bool, error) {
	field := raw
	dir := "desc"
	if i := strings.IndexByte(raw, ':'); i >= 0 {
		field, dir = raw[:i], raw[i+1:]
	}
	if _, ok := searchstore.SortFields[field]; !ok {
		return "", false, oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("unsortable field %q", field))
	}
	switch strings.ToLower(dir) {
	case "asc":
		return field, true, nil
	case "desc":
		return field, false, nil
	}
	return "", false, oip.E(oip.KindBadRequest, "query.ParseQuery", fmt.Sprintf("invalid sort direction %q", dir))
}

// request converts the query to its store-level form.
func (q *Query) request() *searchstore.Request {
	return &searchstore.Request{
		DID:        q.DID,
		RecordType: q.RecordType,
		Storage:    q.Storage,
		Search:     q.Search,
		SearchMode: q.SearchMode,
		Tags:       q.Tags,
		TagMode:    q.TagMode,
		Creator:    q.Creator,
		SortField:  q.SortField,
		SortAsc:    q.SortAsc,
		Limit:      q.Limit,
		Offset:     q.Offset,
	}
}

// cacheKey is the normalized identity of the store-level query.
// Resolution depth is excluded: resolution happens after the cache.
func (q *Query) cacheKey() string {
	tags := append([]string(nil), q.Tags...)
	sort.Strings(tags)
	var b strings.Builder
	fmt.Fprintf(&b, "did=%s|type=%s|storage=%s|search=%s|smode=%s|tags=%s|tmode=%s|creator=%s|sort=%s|asc=%t|limit=%d|offset=%d",
		q.DID, q.RecordType, q.Storage, q.Search, q.SearchMode,
		strings.Join(tags, ","), q.TagMode, q.Creator,
		q.SortField, q.SortAsc, q.Limit, q.Offset)
	return b.String()
}

// appliedFilters reports the non-default filters for response echoing.
func (q *Query) appliedFilters() map[string]string {
	out := map[string]string{}
	if q.DID != "" {
		out["did"] = q.DID
	}
	if q.RecordType != "" {
		out["recordType"] = q.RecordType
	}
	if q.Storage != "" && q.Storage != oip.StorageAll {
		out["storage"] = string(q.Storage)
	}
	if q.Search != "" {
		out["search"] = q.Search
		out["searchMatchMode"] = string(q.SearchMode)
	}
	if len(q.Tags) > 0 {
		out["tags"] = strings.Join(q.Tags, ",")
		out["tagMatchMode"] = string(q.TagMode)
	}
	if q.Creator != "" {
		out["creator"] = q.Creator
	}
	dir := "desc"
	if q.SortAsc {
		dir = "asc"
	}
	out["sortBy"] = q.SortField + ":" + dir
	if q.ResolveDepth > 0 {
		out["resolveDepth"] = strconv.Itoa(q.ResolveDepth)
	}
	if !q.IncludeSigs {
		out["includeSigs"] = "false"
	}
	return out
}
