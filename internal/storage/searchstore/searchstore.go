// Package searchstore is the searchable index the query engine reads
// and the indexer writes. Three drivers: an embedded sqlite store with
// FTS5 full text (the default), a postgres store with tsvector full
// text, and an in-memory store for tests and ephemeral nodes.
package searchstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/openindex/oipd/internal/oip"
)

// ErrNotFound is returned when a did has no committed record.
var ErrNotFound = errors.New("searchstore: not found")

// MatchMode selects how multiple search terms or tags combine.
type MatchMode string

const (
	MatchAll MatchMode = "AND"
	MatchAny MatchMode = "OR"
)

// Request is the store-level query produced by the query engine.
type Request struct {
	// DID matches the canonical or the legacy identifier exactly.
	DID        string
	RecordType string
	Storage    oip.Storage
	Search     string
	SearchMode MatchMode
	Tags       []string
	TagMode    MatchMode
	Creator    string
	SortField  string // one of SortFields
	SortAsc    bool
	Limit      int
	Offset     int
}

// Result is a page of matches plus the unpaged total.
type Result struct {
	Total   int64
	Records []*oip.Record
}

// SortFields whitelists the sortable fields and maps them to their
// store column.
var SortFields = map[string]string{
	"date":       "date",
	"indexedAt":  "indexed_at",
	"block":      "block",
	"name":       "name",
	"recordType": "record_type",
}

// Store is the search index contract shared by all drivers.
type Store interface {
	// PutTemplate commits a template. Idempotent on templateDid.
	PutTemplate(ctx context.Context, t *oip.Template) error
	// EnsureMapping applies the field mapping derived from a template.
	EnsureMapping(ctx context.Context, t *oip.Template) error
	// PutRecord commits or replaces a record, keyed by did.
	PutRecord(ctx context.Context, r *oip.Record) error
	// GetRecord fetches one record by canonical or legacy did.
	GetRecord(ctx context.Context, did string) (*oip.Record, error)
	// GetRecords batch-fetches records; missing dids are skipped.
	GetRecords(ctx context.Context, dids []string) ([]*oip.Record, error)
	// DeleteRecord removes a record. Deleting a missing did is a no-op.
	DeleteRecord(ctx context.Context, did string) error
	// Search runs a filtered, sorted, paginated query.
	Search(ctx context.Context, req *Request) (*Result, error)
	// Templates returns every committed template.
	Templates(ctx context.Context) ([]*oip.Template, error)
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver string // "sqlite", "postgres" or "memory"
	// Path is the sqlite database file.
	Path string
	// DSN is the postgres connection string.
	DSN string
}

// Open creates a store for the configured driver.
func Open(cfg *Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.DSN)
	case "memory", "":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("searchstore: unknown driver %q", cfg.Driver)
	}
}
