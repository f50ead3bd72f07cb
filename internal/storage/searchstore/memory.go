package searchstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/openindex/oipd/internal/oip"
)

// Memory is the in-memory driver. It implements the full Store
// contract, including filter and sort semantics, so tests exercise the
// same paths the persistent drivers serve.
type Memory struct {
	mu        sync.RWMutex
	rows      map[string]*row // canonical did -> row
	legacy    map[string]string
	templates map[string]*oip.Template
	mappings  map[string]FieldMapping
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		rows:      make(map[string]*row),
		legacy:    make(map[string]string),
		templates: make(map[string]*oip.Template),
		mappings:  make(map[string]FieldMapping),
	}
}

func (m *Memory) PutTemplate(_ context.Context, t *oip.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.templates[t.TemplateDid]; !exists {
		m.templates[t.TemplateDid] = t
	}
	return nil
}

func (m *Memory) EnsureMapping(_ context.Context, t *oip.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mappings[t.Name] = DeriveMapping(t)
	return nil
}

// Mapping returns the applied mapping for a template name. Test hook.
func (m *Memory) Mapping(name string) (FieldMapping, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fm, ok := m.mappings[name]
	return fm, ok
}

func (m *Memory) PutRecord(_ context.Context, r *oip.Record) error {
	rw, err := recordToRow(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, exists := m.rows[rw.Did]; exists && old.DidTx != "" {
		delete(m.legacy, old.DidTx)
	}
	m.rows[rw.Did] = rw
	if rw.DidTx != "" {
		m.legacy[rw.DidTx] = rw.Did
	}
	return nil
}

func (m *Memory) lookup(did string) (*row, bool) {
	if rw, ok := m.rows[did]; ok {
		return rw, true
	}
	if canonical, ok := m.legacy[did]; ok {
		rw, ok := m.rows[canonical]
		return rw, ok
	}
	return nil, false
}

func (m *Memory) GetRecord(_ context.Context, did string) (*oip.Record, error) {
	m.mu.RLock()
	rw, ok := m.lookup(did)
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return rowToRecord(rw.Doc)
}

func (m *Memory) GetRecords(_ context.Context, dids []string) ([]*oip.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*oip.Record, 0, len(dids))
	for _, did := range dids {
		if rw, ok := m.lookup(did); ok {
			r, err := rowToRecord(rw.Doc)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) DeleteRecord(_ context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rw, ok := m.lookup(did)
	if !ok {
		return nil
	}
	delete(m.rows, rw.Did)
	if rw.DidTx != "" {
		delete(m.legacy, rw.DidTx)
	}
	return nil
}

func (m *Memory) Search(_ context.Context, req *Request) (*Result, error) {
	m.mu.RLock()
	matched := make([]*row, 0)
	for _, rw := range m.rows {
		if matchRow(rw, req) {
			matched = append(matched, rw)
		}
	}
	m.mu.RUnlock()

	sortRows(matched, req)
	total := int64(len(matched))

	start := req.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + req.Limit
	if req.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	if req.Limit == 0 {
		end = start
	}

	records := make([]*oip.Record, 0, end-start)
	for _, rw := range matched[start:end] {
		r, err := rowToRecord(rw.Doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return &Result{Total: total, Records: records}, nil
}

func (m *Memory) Templates(_ context.Context) ([]*oip.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*oip.Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateDid < out[j].TemplateDid })
	return out, nil
}

func (m *Memory) Close() error { return nil }

func matchRow(rw *row, req *Request) bool {
	if req.DID != "" && !rw.matchesDID(req.DID) {
		return false
	}
	if req.RecordType != "" && rw.RecordType != req.RecordType {
		return false
	}
	if req.Storage != "" && req.Storage != oip.StorageAll && rw.Storage != string(req.Storage) {
		return false
	}
	if req.Creator != "" && rw.CreatorAddress != req.Creator {
		return false
	}
	if len(req.Tags) > 0 && !matchTags(rw, req.Tags, req.TagMode) {
		return false
	}
	if req.Search != "" && !matchSearch(rw, req.Search, req.SearchMode) {
		return false
	}
	return true
}

func matchTags(rw *row, tags []string, mode MatchMode) bool {
	has := func(tag string) bool {
		return strings.Contains(rw.TagsFlat, ","+tag+",")
	}
	if mode == MatchAny {
		for _, tag := range tags {
			if has(tag) {
				return true
			}
		}
		return false
	}
	for _, tag := range tags {
		if !has(tag) {
			return false
		}
	}
	return true
}

func matchSearch(rw *row, query string, mode MatchMode) bool {
	haystack := strings.ToLower(rw.Name + " " + rw.Description + " " + rw.Body)
	terms := searchTerms(query)
	if len(terms) == 0 {
		return true
	}
	if mode == MatchAny {
		for _, term := range terms {
			if strings.Contains(haystack, term) {
				return true
			}
		}
		return false
	}
	for _, term := range terms {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func sortRows(rows []*row, req *Request) {
	field := req.SortField
	if field == "" {
		field = "date"
	}
	less := func(a, b *row) bool {
		switch field {
		case "name":
			return a.Name < b.Name
		case "recordType":
			return a.RecordType < b.RecordType
		case "block":
			return a.Block < b.Block
		case "indexedAt":
			return a.IndexedAtNanos < b.IndexedAtNanos
		default: // date
			return a.Date < b.Date
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if req.SortAsc {
			return less(rows[i], rows[j])
		}
		return less(rows[j], rows[i])
	})
}

var _ Store = (*Memory)(nil)
