package searchstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/openindex/oipd/internal/oip"
)

// Postgres is the shared-server driver for deployments where several
// services read the same index. Full text runs over a tsvector column
// refreshed on every write.
type Postgres struct {
	db *sql.DB
}

const postgresSchema = `
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
	block           BIGINT NOT NULL DEFAULT 0,
	indexed_at      BIGINT NOT NULL,
	date            BIGINT NOT NULL,
	name            TEXT,
	record_tags     TEXT,
	fts             TSVECTOR,
	doc             JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_type    ON records(record_type);
CREATE INDEX IF NOT EXISTS idx_records_did_tx  ON records(did_tx);
CREATE INDEX IF NOT EXISTS idx_records_creator ON records(creator_address);
CREATE INDEX IF NOT EXISTS idx_records_date    ON records(date);
CREATE INDEX IF NOT EXISTS idx_records_fts     ON records USING GIN(fts);
CREATE TABLE IF NOT EXISTS templates (
	template_did TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	doc          JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS mappings (
	record_type TEXT PRIMARY KEY,
	doc         JSONB NOT NULL
);
`

// OpenPostgres connects to the postgres search store and applies the
// schema.
func OpenPostgres(dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("searchstore: postgres driver requires a dsn")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("searchstore: open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, oip.E(oip.KindFatal, "searchstore.OpenPostgres", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("searchstore: postgres schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) PutTemplate(ctx context.Context, t *oip.Template) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO templates (template_did, name, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (template_did) DO NOTHING`,
		t.TemplateDid, t.Name, doc)
	return err
}

func (p *Postgres) EnsureMapping(ctx context.Context, t *oip.Template) error {
	doc, err := json.Marshal(DeriveMapping(t))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO mappings (record_type, doc) VALUES ($1, $2)
		 ON CONFLICT (record_type) DO UPDATE SET doc = EXCLUDED.doc`,
		t.Name, doc)
	return err
}

func (p *Postgres) PutRecord(ctx context.Context, r *oip.Record) error {
	rw, err := recordToRow(r)
	if err != nil {
		return err
	}
	ftsSource := strings.Join([]string{rw.Name, rw.Description, rw.Body}, " ")
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO records
			(did, did_tx, record_type, storage, creator_address, creator_pubkey,
			 signature, access_level, access_owner, access_org, block, indexed_at,
			 date, name, record_tags, fts, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        to_tsvector('simple', $16), $17)
		ON CONFLICT (did) DO UPDATE SET
			did_tx = EXCLUDED.did_tx, record_type = EXCLUDED.record_type,
			storage = EXCLUDED.storage, creator_address = EXCLUDED.creator_address,
			creator_pubkey = EXCLUDED.creator_pubkey, signature = EXCLUDED.signature,
			access_level = EXCLUDED.access_level, access_owner = EXCLUDED.access_owner,
			access_org = EXCLUDED.access_org, block = EXCLUDED.block,
			indexed_at = EXCLUDED.indexed_at, date = EXCLUDED.date,
			name = EXCLUDED.name, record_tags = EXCLUDED.record_tags,
			fts = EXCLUDED.fts, doc = EXCLUDED.doc`,
		rw.Did, rw.DidTx, rw.RecordType, rw.Storage, rw.CreatorAddress, rw.CreatorPubKey,
		rw.Signature, rw.AccessLevel, rw.AccessOwner, rw.AccessOrg, rw.Block, rw.IndexedAtNanos,
		rw.Date, rw.Name, rw.TagsFlat, ftsSource, rw.Doc)
	return err
}

func (p *Postgres) GetRecord(ctx context.Context, did string) (*oip.Record, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE did = $1 OR did_tx = $1 LIMIT 1`, did).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToRecord(doc)
}

func (p *Postgres) GetRecords(ctx context.Context, dids []string) ([]*oip.Record, error) {
	if len(dids) == 0 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT doc FROM records WHERE did = ANY($1)`, pq.Array(dids))
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

func (p *Postgres) DeleteRecord(ctx context.Context, did string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM records WHERE did = $1 OR did_tx = $1`, did)
	return err
}

func (p *Postgres) Search(ctx context.Context, req *Request) (*Result, error) {
	where, args := p.buildWhere(req)

	var total int64
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&total); err != nil {
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
	q := fmt.Sprintf(`SELECT doc FROM records%s ORDER BY %s %s, did ASC LIMIT $%d OFFSET $%d`,
		where, col, dir, len(args)+1, len(args)+2)
	rows, err := p.db.QueryContext(ctx, q, append(args, req.Limit, req.Offset)...)
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

func (p *Postgres) buildWhere(req *Request) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if req.DID != "" {
		ph := arg(req.DID)
		clauses = append(clauses, fmt.Sprintf(`(did = %s OR did_tx = %s)`, ph, ph))
	}
	if req.RecordType != "" {
		clauses = append(clauses, `record_type = `+arg(req.RecordType))
	}
	if req.Storage != "" && req.Storage != oip.StorageAll {
		clauses = append(clauses, `storage = `+arg(string(req.Storage)))
	}
	if req.Creator != "" {
		clauses = append(clauses, `creator_address = `+arg(req.Creator))
	}
	if len(req.Tags) > 0 {
		parts := make([]string, len(req.Tags))
		for i, tag := range req.Tags {
			parts[i] = `position(` + arg(","+tag+",") + ` in record_tags) > 0`
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
			join := " & "
			if req.SearchMode == MatchAny {
				join = " | "
			}
			clauses = append(clauses,
				`fts @@ to_tsquery('simple', `+arg(strings.Join(terms, join))+`)`)
		}
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *Postgres) Templates(ctx context.Context) ([]*oip.Template, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT doc FROM templates ORDER BY template_did`)
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

func (p *Postgres) Close() error { return p.db.Close() }

var _ Store = (*Postgres)(nil)
