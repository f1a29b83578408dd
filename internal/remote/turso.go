// Package remote provides the cloud document store the offline queue and the
// migration engine write to.
//
// Documents live in a Turso (libSQL) database and are scoped by the id of the
// signed-in user. Every write is an upsert keyed by (owner, collection, id),
// so replaying the same write is harmless.
package remote

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/sanjanb/lifelab/internal/types"
)

// Identity reports who the remote documents belong to.
type Identity interface {
	State() types.AuthState
}

// TursoStore stores documents in a libSQL database.
type TursoStore struct {
	conn     *sql.DB
	identity Identity
	now      func() time.Time
}

// Open connects to a Turso database.
//
// dbURL is a libsql:// (or https://) URL for a hosted database, or a file:
// URL for a local libSQL file. A non-empty authToken is appended as the
// authToken query parameter.
func Open(dbURL, authToken string) (*sql.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("remote url is required")
	}

	dsn := dbURL
	if authToken != "" {
		u, err := url.Parse(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse remote url: %w", err)
		}
		q := u.Query()
		q.Set("authToken", authToken)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	conn, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	conn.SetConnMaxIdleTime(time.Minute)
	return conn, nil
}

// New wraps an open connection. The schema is created lazily on the first
// write, because the remote may be unreachable at startup.
func New(conn *sql.DB, identity Identity) *TursoStore {
	return &TursoStore{
		conn:     conn,
		identity: identity,
		now:      time.Now,
	}
}

// InitSchema creates the documents table if it doesn't exist. Idempotent.
func (s *TursoStore) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		owner_id TEXT NOT NULL,
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		payload TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, collection, id)
	)
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}
	return nil
}

// Ping checks that the remote is reachable.
func (s *TursoStore) Ping(ctx context.Context) error {
	if err := s.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", types.ErrOffline, err)
	}
	return nil
}

// Close closes the connection.
func (s *TursoStore) Close() error {
	return s.conn.Close()
}

func (s *TursoStore) owner() (string, error) {
	state := s.identity.State()
	if !state.IsAuthenticated || state.UserID == "" {
		return "", types.ErrNotAuthenticated
	}
	return state.UserID, nil
}

// Upsert inserts or overwrites a document owned by the current user.
func (s *TursoStore) Upsert(ctx context.Context, collection types.Collection, id string, payload types.Payload) error {
	owner, err := s.owner()
	if err != nil {
		return err
	}
	return s.UpsertAs(ctx, owner, collection, id, payload)
}

// UpsertAs inserts or overwrites a document on behalf of owner, regardless
// of who is signed in now. The queue uses it to replay a write under the
// user that made it.
func (s *TursoStore) UpsertAs(ctx context.Context, owner string, collection types.Collection, id string, payload types.Payload) error {
	if owner == "" {
		return types.ErrNotAuthenticated
	}
	if err := s.InitSchema(ctx); err != nil {
		return err
	}

	query := `
	INSERT INTO documents (owner_id, collection, id, payload, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, collection, id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at
	`
	_, err := s.conn.ExecContext(ctx, query,
		owner,
		string(collection),
		id,
		string(payload),
		s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", collection, id, err)
	}
	return nil
}

// Delete removes a document. Returns nil if it doesn't exist (idempotent).
func (s *TursoStore) Delete(ctx context.Context, collection types.Collection, id string) error {
	owner, err := s.owner()
	if err != nil {
		return err
	}
	return s.DeleteAs(ctx, owner, collection, id)
}

// DeleteAs removes a document owned by owner.
func (s *TursoStore) DeleteAs(ctx context.Context, owner string, collection types.Collection, id string) error {
	if owner == "" {
		return types.ErrNotAuthenticated
	}
	if err := s.InitSchema(ctx); err != nil {
		return err
	}

	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE owner_id = ? AND collection = ? AND id = ?`,
		owner, string(collection), id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get returns a stored document. The app never reads through to the remote;
// this exists for verification tooling.
func (s *TursoStore) Get(ctx context.Context, collection types.Collection, id string) (types.Payload, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}

	var payload string
	err = s.conn.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE owner_id = ? AND collection = ? AND id = ?`,
		owner, string(collection), id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return types.Payload(payload), nil
}

// Count returns the number of documents the current user owns in a collection.
func (s *TursoStore) Count(ctx context.Context, collection types.Collection) (int, error) {
	owner, err := s.owner()
	if err != nil {
		return 0, err
	}

	var count int
	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE owner_id = ? AND collection = ?`,
		owner, string(collection),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", collection, err)
	}
	return count, nil
}
