// Package handlestore is the SQLite-backed record store for cached resource
// handles.
package handlestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/tracker/internal/apperr"
	"github.com/starford/tracker/internal/handles"
)

// SchemaVersion is the schema version written by this package.
const SchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS handles (
	id            TEXT PRIMARY KEY,
	handle        BLOB,
	display_name  TEXT NOT NULL DEFAULT '',
	resource_kind TEXT NOT NULL DEFAULT 'file',
	mime_type     TEXT NOT NULL DEFAULT '',
	size          INTEGER,
	modified_at   INTEGER,
	inserted_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_handles_inserted ON handles(inserted_at);
`

// UpgradeFunc runs inside the upgrade transaction when the stored schema
// version is older than the one requested. from is 0 for a new database.
type UpgradeFunc func(tx *sql.Tx, from, to int) error

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	version int
	upgrade UpgradeFunc
}

// WithVersion sets the schema version to upgrade to. It must not be lower
// than SchemaVersion.
func WithVersion(v int) Option {
	return func(o *openOptions) { o.version = v }
}

// WithUpgrade installs a hook run once per version bump.
func WithUpgrade(fn UpgradeFunc) Option {
	return func(o *openOptions) { o.upgrade = fn }
}

// DB implements handles.Records.
type DB struct {
	conn *sql.DB
}

var _ handles.Records = (*DB)(nil)

// Open opens (or creates) the database and upgrades its schema.
func Open(dsn string, opts ...Option) (*DB, error) {
	o := openOptions{version: SchemaVersion}
	for _, opt := range opts {
		opt(&o)
	}
	if o.version < SchemaVersion {
		return nil, fmt.Errorf("handlestore: version %d below minimum %d", o.version, SchemaVersion)
	}

	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("handlestore: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handlestore: ping: %w", err)
	}
	if err := upgrade(conn, o); err != nil {
		conn.Close()
		return nil, err
	}
	return &DB{conn: conn}, nil
}

func upgrade(conn *sql.DB, o openOptions) error {
	var current int
	if err := conn.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("handlestore: read version: %w", err)
	}
	if current >= o.version {
		return nil
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("handlestore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("handlestore: apply schema: %w", err)
	}
	if o.upgrade != nil {
		if err := o.upgrade(tx, current, o.version); err != nil {
			return fmt.Errorf("handlestore: upgrade %d -> %d: %w", current, o.version, err)
		}
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, o.version)); err != nil {
		return fmt.Errorf("handlestore: write version: %w", err)
	}
	return tx.Commit()
}

// Version returns the stored schema version.
func (db *DB) Version() (int, error) {
	var v int
	if err := db.conn.QueryRow(`PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("handlestore: read version: %w", err)
	}
	return v, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Put inserts or replaces the record with r.ID.
func (db *DB) Put(ctx context.Context, r handles.Record) error {
	var size sql.NullInt64
	if r.Size != nil {
		size = sql.NullInt64{Int64: *r.Size, Valid: true}
	}
	var modified sql.NullInt64
	if r.ModifiedAt != nil {
		modified = sql.NullInt64{Int64: r.ModifiedAt.UnixNano(), Valid: true}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("handlestore: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO handles (id, handle, display_name, resource_kind, mime_type, size, modified_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			handle        = excluded.handle,
			display_name  = excluded.display_name,
			resource_kind = excluded.resource_kind,
			mime_type     = excluded.mime_type,
			size          = excluded.size,
			modified_at   = excluded.modified_at,
			inserted_at   = excluded.inserted_at
	`, r.ID, r.Handle, r.DisplayName, r.Kind, r.MimeType, size, modified, r.InsertedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("handlestore: upsert %s: %w", r.ID, err)
	}
	return tx.Commit()
}

// Get returns the record with id or apperr.ErrNotFound.
func (db *DB) Get(ctx context.Context, id string) (handles.Record, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, handle, display_name, resource_kind, mime_type, size, modified_at, inserted_at
		FROM handles WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return handles.Record{}, apperr.ErrNotFound
	}
	if err != nil {
		return handles.Record{}, fmt.Errorf("handlestore: get %s: %w", id, err)
	}
	return r, nil
}

// Delete removes the record with id. Unknown ids are not an error.
func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM handles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("handlestore: delete %s: %w", id, err)
	}
	return nil
}

// List returns every record, oldest first.
func (db *DB) List(ctx context.Context) ([]handles.Record, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, handle, display_name, resource_kind, mime_type, size, modified_at, inserted_at
		FROM handles ORDER BY inserted_at, id`)
	if err != nil {
		return nil, fmt.Errorf("handlestore: list: %w", err)
	}
	defer rows.Close()

	var out []handles.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("handlestore: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (handles.Record, error) {
	var (
		r        handles.Record
		size     sql.NullInt64
		modified sql.NullInt64
		inserted int64
	)
	if err := s.Scan(&r.ID, &r.Handle, &r.DisplayName, &r.Kind, &r.MimeType, &size, &modified, &inserted); err != nil {
		return handles.Record{}, err
	}
	if size.Valid {
		n := size.Int64
		r.Size = &n
	}
	if modified.Valid {
		t := time.Unix(0, modified.Int64).UTC()
		r.ModifiedAt = &t
	}
	r.InsertedAt = time.Unix(0, inserted).UTC()
	if len(r.Handle) == 0 {
		r.Handle = nil
	}
	return r, nil
}
