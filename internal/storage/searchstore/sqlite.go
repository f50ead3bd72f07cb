package searchstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/openindex/oipd/internal/oip"
)

// SQLite is the embedded default driver. Full text runs over an FTS5
// shadow table kept in step with the records table inside each write
// transaction.
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	did             TEXT PRIMARY KEY,
	did_tx          TEXT,
	record_type     TEXT NOT NULL,
	storage         TEXT NOT NULL,
	creator_address TEXT,
	creator_pubkey  TEXT,
	signature       TEXT,
	access_level    TEXT NOT NULL,
	access_owner    TEXT,
	access_org      TEXT,
	block           INTEGER NOT NULL DEFAULT 0,
	indexed_at      INTEGER NOT NULL,
	date            INTEGER NOT NULL,
	name            TEXT,
	record_tags     TEXT,
	doc             BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_type    ON records(record_type);
CREATE INDEX IF NOT EXISTS idx_records_did_tx  ON records(did_tx);
CREATE INDEX IF NOT EXISTS idx_records_creator ON records(creator_address);
CREATE INDEX IF NOT EXISTS idx_records_date    ON records(date);
CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(did UNINDEXED, name, description, body);
CREATE TABLE IF NOT EXISTS templates (
	template_did TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	doc          BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS mappings (
	record_type TEXT PRIMARY KEY,
	doc         BLOB NOT NULL
);
`

// OpenSQLite opens (creating if needed) the sqlite search store at path.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("searchstore: sqlite driver requires a path")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("searchstore: open sqlite: %w", err)
	}
	// Single writer; the indexer serializes commits anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchstore: sqlite schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) PutTemplate(ctx context.Context, t *oip.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (template_did, name, doc) VALUES (?, ?, ?)
		 ON CONFLICT(template_did) DO NOTHING`,
		t.TemplateDid, t.Name, doc)
	return err
}

func (s *SQLite) EnsureMapping(ctx context.Context, t *oip.Template) error {
	doc, err := json.Marshal(DeriveMapping(t))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO mappings (record_type, doc) VALUES (?, ?)
		 ON CONFLICT(record_type) DO UPDATE SET doc = excluded.doc`,
		t.Name, doc)
	return err
}

func (s *SQLite) PutRecord(ctx context.Context, r *oip.Record) error {
	rw, err := recordToRow(r)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE did = ?`, rw.Did); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO records
			(did, did_tx, record_type, storage, creator_address, creator_pubkey,
			 signature, access_level, access_owner, access_org, block, indexed_at,
			 date, name, record_tags, doc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			did_tx = excluded.did_tx, record_type = excluded.record_type,
			storage = excluded.storage, creator_address = excluded.creator_address,
			creator_pubkey = excluded.creator_pubkey, signature = excluded.signature,
			access_level = excluded.access_level, access_owner = excluded.access_owner,
			access_org = excluded.access_org, block = excluded.block,
			indexed_at = excluded.indexed_at, date = excluded.date,
			name = excluded.name, record_tags = excluded.record_tags,
			doc = excluded.doc`,
		rw.Did, rw.DidTx, rw.RecordType, rw.Storage, rw.CreatorAddress, rw.CreatorPubKey,
		rw.Signature, rw.AccessLevel, rw.AccessOwner, rw.AccessOrg, rw.Block, rw.IndexedAtNanos,
		rw.Date, rw.Name, rw.TagsFlat, rw.Doc); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO records_fts (did, name, description, body) VALUES (?, ?, ?, ?)`,
		rw.Did, rw.Name, rw.Description, rw.Body); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) GetRecord(ctx context.Context, did string) (*oip.Record, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE did = ? OR did_tx = ? LIMIT 1`, did, did).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToRecord(doc)
}

func (s *SQLite) GetRecords(ctx context.Context, dids []string) ([]*oip.Record, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(dids)), ",")
	args := make([]interface{}, len(dids))
	for i, d := range dids {
		args[i] = d
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM records WHERE did IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*oip.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := rowToRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteRecord(ctx context.Context, did string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM records_fts WHERE did = ?`, did); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE did = ? OR did_tx = ?`, did, did); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) Search(ctx context.Context, req *Request) (*Result, error) {
	where, args := s.buildWhere(req)

	var total int64
	countQ := `SELECT COUNT(*) FROM records` + where
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, err
	}

	result := &Result{Total: total}
	if req.Limit == 0 {
		return result, nil
	}

	col, ok := SortFields[req.SortField]
	if !ok {
		col = "date"
	}
	dir := "DESC"
	if req.SortAsc {
		dir = "ASC"
	}
	q := fmt.Sprintf(`SELECT doc FROM records%s ORDER BY %s %s, did ASC LIMIT ? OFFSET ?`,
		where, col, dir)
	rows, err := s.db.QueryContext(ctx, q, append(args, req.Limit, req.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		r, err := rowToRecord(doc)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, r)
	}
	return result, rows.Err()
}

func (s *SQLite) buildWhere(req *Request) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if req.DID != "" {
		clauses = append(clauses, `(did = ? OR did_tx = ?)`)
		args = append(args, req.DID, req.DID)
	}
	if req.RecordType != "" {
		clauses = append(clauses, `record_type = ?`)
		args = append(args, req.RecordType)
	}
	if req.Storage != "" && req.Storage != oip.StorageAll {
		clauses = append(clauses, `storage = ?`)
		args = append(args, string(req.Storage))
	}
	if req.Creator != "" {
		clauses = append(clauses, `creator_address = ?`)
		args = append(args, req.Creator)
	}
	if len(req.Tags) > 0 {
		parts := make([]string, len(req.Tags))
		for i, tag := range req.Tags {
			parts[i] = `instr(record_tags, ?) > 0`
			args = append(args, ","+tag+",")
		}
		join := " AND "
		if req.TagMode == MatchAny {
			join = " OR "
		}
		clauses = append(clauses, "("+strings.Join(parts, join)+")")
	}
	if req.Search != "" {
		terms := searchTerms(req.Search)
		if len(terms) > 0 {
			join := " AND "
			if req.SearchMode == MatchAny {
				join = " OR "
			}
			quoted := make([]string, len(terms))
			for i, t := range terms {
				quoted[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
			}
			clauses = append(clauses, `did IN (SELECT did FROM records_fts WHERE records_fts MATCH ?)`)
			args = append(args, strings.Join(quoted, join))
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLite) Templates(ctx context.Context) ([]*oip.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM templates ORDER BY template_did`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*oip.Template
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t oip.Template
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, err
		}
		if err := t.Init(); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

var _ Store = (*SQLite)(nil)
