package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/trustagent/mandates/pkg/mandate"
)

// Dialect selects placeholder syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Timestamps are stored as unix microseconds so both engines round-trip them
// exactly; signed created_at values must not lose precision.
const schema = `
CREATE TABLE IF NOT EXISTS mandates (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	expires_at BIGINT NOT NULL,
	executed_at BIGINT,
	nonce TEXT NOT NULL,
	integrity_tag TEXT NOT NULL,
	trust TEXT NOT NULL,
	execution_result TEXT
);
CREATE INDEX IF NOT EXISTS idx_mandates_owner_created ON mandates (owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_mandates_status ON mandates (status);
CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key TEXT PRIMARY KEY,
	status_code INTEGER NOT NULL,
	content_type TEXT NOT NULL,
	body TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	cached_at BIGINT NOT NULL
);
`

const selectColumns = `SELECT id, kind, owner_id, status, payload, created_at, expires_at, executed_at, nonce, integrity_tag, trust, execution_result FROM mandates`

const upsertQuery = `INSERT INTO mandates (
	id, kind, owner_id, status, payload, created_at, expires_at, executed_at, nonce, integrity_tag, trust, execution_result
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	expires_at = excluded.expires_at,
	executed_at = excluded.executed_at,
	execution_result = excluded.execution_result`

// SQLStore implements Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. Call Migrate before first use on a
// fresh database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// A single connection serialises writers and keeps :memory: databases
	// shared across calls.
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db, DialectSQLite)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore connects to dsn and migrates the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := NewSQLStore(db, DialectPostgres)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the mandates and idempotency tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate mandates schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders for the dialect.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Put(ctx context.Context, snap mandate.Snapshot) error {
	tag, err := json.Marshal(snap.IntegrityTag)
	if err != nil {
		return fmt.Errorf("failed to encode integrity tag: %w", err)
	}
	trust, err := json.Marshal(snap.Trust)
	if err != nil {
		return fmt.Errorf("failed to encode trust: %w", err)
	}

	var executedAt sql.NullInt64
	if snap.ExecutedAt != nil {
		executedAt = sql.NullInt64{Int64: snap.ExecutedAt.UnixMicro(), Valid: true}
	}
	var result sql.NullString
	if snap.Result != nil {
		raw, err := json.Marshal(snap.Result)
		if err != nil {
			return fmt.Errorf("failed to encode execution result: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, s.rebind(upsertQuery),
		snap.ID, string(snap.Kind), snap.OwnerID, string(snap.Status), string(snap.Payload),
		snap.CreatedAt.UnixMicro(), snap.ExpiresAt.UnixMicro(), executedAt,
		snap.Nonce, string(tag), string(trust), result,
	)
	if err != nil {
		return fmt.Errorf("failed to persist mandate %s: %w", snap.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*mandate.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), id)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mandate %s: %w", id, err)
	}
	return snap, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]mandate.Snapshot, error) {
	query := selectColumns
	var where []string
	var args []any
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list mandates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []mandate.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mandate: %w", err)
		}
		out = append(out, *snap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM mandates WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete mandate %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (*mandate.Snapshot, error) {
	var (
		snap             mandate.Snapshot
		kind, status     string
		payload          string
		created, expires int64
		executed         sql.NullInt64
		tag, trust       string
		result           sql.NullString
	)
	if err := sc.Scan(&snap.ID, &kind, &snap.OwnerID, &status, &payload,
		&created, &expires, &executed, &snap.Nonce, &tag, &trust, &result); err != nil {
		return nil, err
	}

	snap.Kind = mandate.Kind(kind)
	snap.Status = mandate.Status(status)
	snap.Payload = json.RawMessage(payload)
	snap.CreatedAt = time.UnixMicro(created).UTC()
	snap.ExpiresAt = time.UnixMicro(expires).UTC()
	if executed.Valid {
		t := time.UnixMicro(executed.Int64).UTC()
		snap.ExecutedAt = &t
	}
	if err := json.Unmarshal([]byte(tag), &snap.IntegrityTag); err != nil {
		return nil, fmt.Errorf("decode integrity tag: %w", err)
	}
	if err := json.Unmarshal([]byte(trust), &snap.Trust); err != nil {
		return nil, fmt.Errorf("decode trust: %w", err)
	}
	if result.Valid && result.String != "" {
		snap.Result = &mandate.ExecutionResult{}
		if err := json.Unmarshal([]byte(result.String), snap.Result); err != nil {
			return nil, fmt.Errorf("decode execution result: %w", err)
		}
	}
	return &snap, nil
}
