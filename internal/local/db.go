// Package local provides the on-device record store backed by embedded SQLite.
//
// The store is always available: it has no network dependency and every
// interactive read and write in the app lands here first.
//
// Architecture:
//   - Database file: <data_dir>/lifelab.db
//   - WAL mode: readers are never blocked by the queue drain loop writing
//   - Schema: records table keyed by (collection, id)
//
// Flags owned by the persistence layer live in the reserved "_meta"
// collection of the same table.
package local

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sanjanb/lifelab/internal/types"
)

// timestampLayout is RFC 3339 with a fixed nine-digit fraction, so stored
// timestamps compare correctly as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection holding local records.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open creates a new database connection at the specified path.
//
// The parent directory is created if needed and the schema is initialized,
// so the returned store is ready for use. The caller MUST call Close().
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// A single writer keeps sqlite from returning SQLITE_BUSY under the
	// drain loop and interactive writes at the same time.
	conn.SetMaxOpenConns(1)

	db := &DB{
		conn: conn,
		path: path,
		now:  time.Now,
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The offline queue keeps its operation log in the same database file.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the records table if it doesn't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_records_updated ON records(collection, updated_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Get returns the payload stored for collection/id.
// Returns types.ErrNotFound if no such record exists.
func (db *DB) Get(ctx context.Context, collection types.Collection, id string) (types.Payload, error) {
	var payload string
	err := db.conn.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE collection = ? AND id = ?`,
		string(collection), id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get %s/%s: %v", types.ErrLocalStore, collection, id, err)
	}
	return types.Payload(payload), nil
}

// Put inserts or overwrites the record for collection/id.
//
// updated_at comes from the wall clock, which can step backwards. It is
// clamped so a record's timestamp never decreases: a write made while the
// clock is behind keeps the previous value.
func (db *DB) Put(ctx context.Context, collection types.Collection, id string, payload types.Payload) error {
	rec := types.Record{ID: id, Collection: collection, Payload: payload}
	if err := rec.Validate(); err != nil {
		return err
	}

	query := `
	INSERT INTO records (collection, id, payload, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = MAX(excluded.updated_at, records.updated_at)
	`

	_, err := db.conn.ExecContext(ctx, query,
		string(collection),
		id,
		string(payload),
		db.now().UTC().Format(timestampLayout),
	)
	if err != nil {
		return fmt.Errorf("%w: failed to put %s/%s: %v", types.ErrLocalStore, collection, id, err)
	}
	return nil
}

// Delete removes collection/id. Returns nil if the record doesn't exist.
func (db *DB) Delete(ctx context.Context, collection types.Collection, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`,
		string(collection), id,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to delete %s/%s: %v", types.ErrLocalStore, collection, id, err)
	}
	return nil
}

// GetAll returns every record in a collection ordered by id.
func (db *DB) GetAll(ctx context.Context, collection types.Collection) ([]types.Record, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, payload, updated_at FROM records WHERE collection = ? ORDER BY id ASC`,
		string(collection),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list %s: %v", types.ErrLocalStore, collection, err)
	}
	defer rows.Close()

	var records []types.Record
	for rows.Next() {
		var (
			rec       types.Record
			payload   string
			updatedAt string
		)
		if err := rows.Scan(&rec.ID, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: failed to scan record: %v", types.ErrLocalStore, err)
		}
		rec.Collection = collection
		rec.Payload = types.Payload(payload)
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			rec.UpdatedAt = t
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating records: %v", types.ErrLocalStore, err)
	}
	return records, nil
}

// Count returns the number of records in a collection.
func (db *DB) Count(ctx context.Context, collection types.Collection) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE collection = ?`,
		string(collection),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to count %s: %v", types.ErrLocalStore, collection, err)
	}
	return count, nil
}
