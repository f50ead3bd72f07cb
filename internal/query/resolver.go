package query

import (
	"context"
	"sort"

	"github.com/openindex/oipd/internal/oip"
)

// resolveBatch caps the dids fetched per store round trip.
const resolveBatch = 1024

// refSite is one reference-typed value slot inside a record section:
// either a scalar field (idx < 0) or one element of a repeated field.
type refSite struct {
	section map[string]interface{}
	field   string
	idx     int
	did     string
}

// resolve expands reference fields in place, breadth first, up to
// depth levels. A did reached again at a deeper level embeds as a stub
// so cycles terminate and every record's full body appears at its
// shallowest position. Returns the dids that could not be resolved.
func (e *Engine) resolve(ctx context.Context, roots []*oip.Record, depth int, p *Principal) ([]string, error) {
	visited := make(map[string]int, len(roots))
	for _, r := range roots {
		visited[r.Meta.DID] = 0
		if r.Meta.DidTx != "" {
			visited[r.Meta.DidTx] = 0
		}
	}

	var unresolved []string
	seen := map[string]bool{}
	frontier := roots

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		sites := e.collectSites(frontier)
		if len(sites) == 0 {
			break
		}

		fetched, err := e.fetchRefs(ctx, sites, visited)
		if err != nil {
			return nil, err
		}

		var next []*oip.Record
		for _, site := range sites {
			if at, ok := visited[site.did]; ok && at < level {
				site.bind(stub(site.did))
				continue
			}
			rec, ok := fetched[site.did]
			if !ok || !e.viewable(ctx, rec, p) {
				if !seen[site.did] {
					seen[site.did] = true
					unresolved = append(unresolved, site.did)
				}
				continue
			}
			embedded := rec.Clone()
			site.bind(embedded)
			if _, dup := visited[site.did]; !dup {
				visited[site.did] = level
				if rec.Meta.DidTx != "" {
					visited[rec.Meta.DidTx] = level
				}
				next = append(next, embedded)
			}
		}
		frontier = next
	}
	sort.Strings(unresolved)
	return unresolved, nil
}

// collectSites walks the frontier's sections and returns every
// reference-typed slot still holding a did string, per the committed
// templates' field types.
func (e *Engine) collectSites(frontier []*oip.Record) []refSite {
	var sites []refSite
	for _, r := range frontier {
		for name, sec := range r.Sections {
			t, ok := e.dir.TemplateByName(name)
			if !ok {
				continue
			}
			for i := range t.Fields {
				f := &t.Fields[i]
				if f.Type != oip.FieldDRef {
					continue
				}
				val, present := sec[f.Name]
				if !present {
					continue
				}
				if f.Repeated {
					elems, ok := val.([]interface{})
					if !ok {
						continue
					}
					for j, elem := range elems {
						if did, ok := refDID(elem); ok {
							sites = append(sites, refSite{section: sec, field: f.Name, idx: j, did: did})
						}
					}
					continue
				}
				if did, ok := refDID(val); ok {
					sites = append(sites, refSite{section: sec, field: f.Name, idx: -1, did: did})
				}
			}
		}
	}
	return sites
}

// fetchRefs batch-loads the dids behind sites, skipping those already
// embedded at a shallower level.
func (e *Engine) fetchRefs(ctx context.Context, sites []refSite, visited map[string]int) (map[string]*oip.Record, error) {
	want := map[string]bool{}
	for _, site := range sites {
		if _, done := visited[site.did]; done {
			continue
		}
		want[site.did] = true
	}
	dids := make([]string, 0, len(want))
	for did := range want {
		dids = append(dids, did)
	}
	sort.Strings(dids)

	fetched := make(map[string]*oip.Record, len(dids))
	for start := 0; start < len(dids); start += resolveBatch {
		end := start + resolveBatch
		if end > len(dids) {
			end = len(dids)
		}
		recs, err := e.store.GetRecords(ctx, dids[start:end])
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			fetched[rec.Meta.DID] = rec
			if rec.Meta.DidTx != "" {
				fetched[rec.Meta.DidTx] = rec
			}
		}
	}
	return fetched, nil
}

func (s refSite) bind(v interface{}) {
	if s.idx < 0 {
		s.section[s.field] = v
		return
	}
	if elems, ok := s.section[s.field].([]interface{}); ok && s.idx < len(elems) {
		elems[s.idx] = v
	}
}

// refDID recognizes an unexpanded reference value.
func refDID(v interface{}) (string, bool) {
	s, ok := v.(string)
	if !ok || !oip.ValidDID(s) {
		return "", false
	}
	return s, true
}

func stub(did string) map[string]interface{} {
	return map[string]interface{}{"did": did, "stub": true}
}
