// Package sqlx stores documents as PostgreSQL JSONB rows. Increments and set
// unions are single UPDATE statements, so the row lock makes them atomic.
package sqlx

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"progresskit/core"
)

// Driver names a database/sql driver.
type Driver string

const DriverPostgres Driver = "postgres"

// Config holds SQL connection configuration.
type Config struct {
	Driver          Driver        `json:"driver" env:"PROGRESSKIT_SQL_DRIVER"`
	DSN             string        `json:"dsn" env:"PROGRESSKIT_SQL_DSN"`
	Table           string        `json:"table" env:"PROGRESSKIT_SQL_TABLE"`
	MaxOpenConns    int           `json:"max_open_conns" env:"PROGRESSKIT_SQL_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"max_idle_conns" env:"PROGRESSKIT_SQL_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"PROGRESSKIT_SQL_CONN_MAX_LIFETIME"`
	// AutoMigrate creates the documents table on startup when missing.
	AutoMigrate bool `json:"auto_migrate" env:"PROGRESSKIT_SQL_AUTO_MIGRATE"`
}

// DefaultConfig returns defaults for driver.
func DefaultConfig(driver Driver) Config {
	return Config{
		Driver:          driver,
		DSN:             "postgres://localhost:5432/progresskit?sslmode=disable",
		Table:           "documents",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		AutoMigrate:     true,
	}
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks the driver and table name.
func (c Config) Validate() error {
	if c.Driver != DriverPostgres {
		return fmt.Errorf("unsupported driver %q: only %s is supported", c.Driver, DriverPostgres)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return errors.New("dsn cannot be empty")
	}
	if c.Table != "" && !identPattern.MatchString(c.Table) {
		return fmt.Errorf("invalid table name %q", c.Table)
	}
	return nil
}

// Store implements engine.DocumentStore on a single JSONB table.
type Store struct {
	db     *sqlx.DB
	driver Driver
	q      queries
}

// New connects and, when configured, bootstraps the schema.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlx.Connect(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := newStore(db, cfg.Driver, cfg.Table)
	if cfg.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithDB wraps an existing connection using the default table (useful for testing).
func NewWithDB(db *sqlx.DB, driver Driver) *Store {
	return newStore(db, driver, "")
}

func newStore(db *sqlx.DB, driver Driver, table string) *Store {
	if table == "" {
		table = "documents"
	}
	return &Store{db: db, driver: driver, q: buildQueries(table)}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type queries struct {
	schema, get, list, exists, increment, union, upsertOverwrite, upsertKeep, upsertReplace string
}

func buildQueries(table string) queries {
	upsert := `INSERT INTO ` + table + ` (collection, id, body, updated_at) VALUES ($1, $2, $3::jsonb, now())
		ON CONFLICT (collection, id) DO UPDATE SET body = %s, updated_at = now()`
	return queries{
		schema: `CREATE TABLE IF NOT EXISTS ` + table + ` (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (collection, id)
		)`,
		get:    `SELECT body FROM ` + table + ` WHERE collection = $1 AND id = $2`,
		list:   `SELECT id, body FROM ` + table + ` WHERE collection = $1 ORDER BY id`,
		exists: `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE collection = $1 AND id = $2)`,
		increment: `UPDATE ` + table + ` SET body = jsonb_set(body, ARRAY[$3::text], to_jsonb(COALESCE((body->>$3)::bigint, 0) + $4::bigint)), updated_at = now()
			WHERE collection = $1 AND id = $2
			RETURNING (body->>$3)::bigint`,
		union: `UPDATE ` + table + ` SET body = jsonb_set(body, ARRAY[$3::text], COALESCE(body->$3, '[]'::jsonb) || jsonb_build_array($4::text)), updated_at = now()
			WHERE collection = $1 AND id = $2 AND NOT (COALESCE(body->$3, '[]'::jsonb) @> jsonb_build_array($4::text))`,
		upsertOverwrite: fmt.Sprintf(upsert, table+`.body || EXCLUDED.body`),
		upsertKeep:      fmt.Sprintf(upsert, `EXCLUDED.body || `+table+`.body`),
		upsertReplace:   fmt.Sprintf(upsert, `EXCLUDED.body`),
	}
}

// EnsureSchema creates the documents table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func notFound(collection, id string) error {
	return fmt.Errorf("%w: %s/%s", core.ErrNotFound, collection, id)
}

func (s *Store) GetDocument(ctx context.Context, collection, id string) (core.Document, error) {
	var body []byte
	err := s.db.GetContext(ctx, &body, s.q.get, collection, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(collection, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}
	return decodeBody(body)
}

func (s *Store) AtomicIncrement(ctx context.Context, collection, id, field string, amount int64) (int64, error) {
	var total int64
	err := s.db.QueryRowxContext(ctx, s.q.increment, collection, id, field, amount).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound(collection, id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", field, err)
	}
	return total, nil
}

func (s *Store) UnionAppend(ctx context.Context, collection, id, field, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q.union, collection, id, field, value)
	if err != nil {
		return false, fmt.Errorf("failed to append to %s: %w", field, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to append to %s: %w", field, err)
	}
	if n > 0 {
		return true, nil
	}
	// nothing updated: either the value was present or the row is missing
	var exists bool
	if err := s.db.GetContext(ctx, &exists, s.q.exists, collection, id); err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	if !exists {
		return false, notFound(collection, id)
	}
	return false, nil
}

func (s *Store) UpsertDocument(ctx context.Context, collection, id string, doc core.Document, strategy core.MergeStrategy) error {
	body, err := encodeBody(doc)
	if err != nil {
		return err
	}
	var q string
	switch strategy {
	case core.MergeOverwrite:
		q = s.q.upsertOverwrite
	case core.MergeKeepExisting:
		q = s.q.upsertKeep
	case core.Replace:
		q = s.q.upsertReplace
	default:
		return fmt.Errorf("unknown merge strategy %s", strategy)
	}
	if _, err := s.db.ExecContext(ctx, q, collection, id, body); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

type row struct {
	ID   string `db:"id"`
	Body []byte `db:"body"`
}

// ListDocuments returns every document in collection keyed by id.
func (s *Store) ListDocuments(ctx context.Context, collection string) (map[string]core.Document, error) {
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.q.list, collection); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	out := make(map[string]core.Document, len(rows))
	for _, r := range rows {
		doc, err := decodeBody(r.Body)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", r.ID, err)
		}
		out[r.ID] = doc
	}
	return out, nil
}

func encodeBody(doc core.Document) (string, error) {
	norm := make(core.Document, len(doc))
	for k, v := range doc {
		if set, ok := v.([]string); ok {
			v = uniqueSorted(set)
		}
		norm[k] = v
	}
	b, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(b), nil
}

// decodeBody keeps integers exact and turns string arrays into sorted []string.
func decodeBody(body []byte) (core.Document, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	doc := make(core.Document, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case json.Number:
			if i, err := t.Int64(); err == nil {
				v = i
			}
		case []any:
			if set, err := core.DocStrings(core.Document{k: t}, k); err == nil {
				v = set
			}
		}
		doc[k] = v
	}
	return doc, nil
}

func uniqueSorted(in []string) []string {
	out := append([]string{}, in...)
	sort.Strings(out)
	w := 0
	for i, s := range out {
		if i > 0 && s == out[w-1] {
			continue
		}
		out[w] = s
		w++
	}
	return out[:w]
}
