package oip

import (
	"sync"
	"sync/atomic"
)

// Directory is the shared in-memory template cache. Reads are lock-free
// snapshots; writes take an exclusive lock and publish a fresh snapshot,
// so lookups never observe a half-applied update.
type Directory struct {
	mu       sync.Mutex
	snapshot atomic.Value // *dirSnapshot
}

type dirSnapshot struct {
	byName map[string]*Template
	byDid  map[string]*Template
}

// NewDirectory creates an empty template directory.
func NewDirectory() *Directory {
	d := &Directory{}
	d.snapshot.Store(&dirSnapshot{
		byName: map[string]*Template{},
		byDid:  map[string]*Template{},
	})
	return d
}

func (d *Directory) snap() *dirSnapshot {
	return d.snapshot.Load().(*dirSnapshot)
}

// Put publishes a template. Templates are immutable once published;
// putting the same did again is a no-op.
func (d *Directory) Put(t *Template) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.snap()
	if _, exists := cur.byDid[t.TemplateDid]; exists {
		return
	}
	next := &dirSnapshot{
		byName: make(map[string]*Template, len(cur.byName)+1),
		byDid:  make(map[string]*Template, len(cur.byDid)+1),
	}
	for k, v := range cur.byName {
		next.byName[k] = v
	}
	for k, v := range cur.byDid {
		next.byDid[k] = v
	}
	// Names are not globally unique; latest wins for name lookup,
	// did lookup stays exact.
	next.byName[t.Name] = t
	next.byDid[t.TemplateDid] = t
	d.snapshot.Store(next)
}

// TemplateByName implements TemplateSource.
func (d *Directory) TemplateByName(name string) (*Template, bool) {
	t, ok := d.snap().byName[name]
	return t, ok
}

// TemplateByDid implements TemplateSource.
func (d *Directory) TemplateByDid(did string) (*Template, bool) {
	t, ok := d.snap().byDid[did]
	return t, ok
}

// Len returns the number of distinct template dids.
func (d *Directory) Len() int {
	return len(d.snap().byDid)
}

var _ TemplateSource = (*Directory)(nil)
