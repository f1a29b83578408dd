package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sanjanb/lifelab/internal/types"
)

// Log is the durable, ordered operation log behind a Queue. Only the Queue
// mutates it.
type Log interface {
	// Load returns every pending operation in enqueue order.
	Load(ctx context.Context) ([]types.QueuedOperation, error)

	// LoadAfter returns the pending operations whose Seq is greater than
	// seq, in enqueue order. Other processes sharing the log append rows
	// the queue picks up this way.
	LoadAfter(ctx context.Context, seq int64) ([]types.QueuedOperation, error)

	// Append persists op at the tail and returns its Seq.
	Append(ctx context.Context, op types.QueuedOperation) (int64, error)

	// Remove deletes an applied operation. Removing a missing id is not an error.
	Remove(ctx context.Context, operationID string) error

	// SetAttempts records the attempt count of a pending operation.
	SetAttempts(ctx context.Context, operationID string, attempts int) error
}

// SQLiteLog keeps the operation log in a SQLite table, normally inside the
// local store's database file so that it survives reloads with the records
// it describes. Several processes may open the same file; seq orders their
// appends.
type SQLiteLog struct {
	conn *sql.DB
}

// NewSQLiteLog creates the queue_ops table if needed.
func NewSQLiteLog(ctx context.Context, conn *sql.DB) (*SQLiteLog, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS queue_ops (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		operation_id TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL DEFAULT '',
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT,
		enqueued_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	if err := addOwnerColumn(ctx, conn); err != nil {
		return nil, err
	}
	return &SQLiteLog{conn: conn}, nil
}

// addOwnerColumn upgrades a queue_ops table created before operations
// carried their owner. Rows from that layout keep an empty owner and replay
// under whoever is signed in.
func addOwnerColumn(ctx context.Context, conn *sql.DB) error {
	rows, err := conn.QueryContext(ctx, `PRAGMA table_info(queue_ops)`)
	if err != nil {
		return fmt.Errorf("failed to inspect queue schema: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("failed to inspect queue schema: %w", err)
		}
		if name == "owner_id" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect queue schema: %w", err)
	}
	rows.Close()

	if _, err := conn.ExecContext(ctx, `ALTER TABLE queue_ops ADD COLUMN owner_id TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add owner column to queue: %w", err)
	}
	return nil
}

// Load implements Log.
func (l *SQLiteLog) Load(ctx context.Context) ([]types.QueuedOperation, error) {
	return l.LoadAfter(ctx, 0)
}

// LoadAfter implements Log.
func (l *SQLiteLog) LoadAfter(ctx context.Context, seq int64) ([]types.QueuedOperation, error) {
	rows, err := l.conn.QueryContext(ctx, `
		SELECT seq, operation_id, owner_id, collection, record_id, kind, payload, enqueued_at, attempts
		FROM queue_ops
		WHERE seq > ?
		ORDER BY seq ASC
	`, seq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load queue: %v", types.ErrLocalStore, err)
	}
	defer rows.Close()

	var ops []types.QueuedOperation
	for rows.Next() {
		var (
			op         types.QueuedOperation
			collection string
			kind       string
			payload    sql.NullString
			enqueuedAt string
		)
		if err := rows.Scan(&op.Seq, &op.OperationID, &op.OwnerID, &collection, &op.RecordID, &kind, &payload, &enqueuedAt, &op.Attempts); err != nil {
			return nil, fmt.Errorf("%w: failed to scan queued operation: %v", types.ErrLocalStore, err)
		}
		op.Collection = types.Collection(collection)
		op.Kind = types.OpKind(kind)
		if payload.Valid {
			op.Payload = types.Payload(payload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			op.EnqueuedAt = t
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating queue: %v", types.ErrLocalStore, err)
	}
	return ops, nil
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, op types.QueuedOperation) (int64, error) {
	var payload sql.NullString
	if len(op.Payload) > 0 {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}

	res, err := l.conn.ExecContext(ctx, `
		INSERT INTO queue_ops (operation_id, owner_id, collection, record_id, kind, payload, enqueued_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.OperationID,
		op.OwnerID,
		string(op.Collection),
		op.RecordID,
		string(op.Kind),
		payload,
		op.EnqueuedAt.UTC().Format(time.RFC3339Nano),
		op.Attempts,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to append operation %s: %v", types.ErrLocalStore, op.OperationID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to read seq of operation %s: %v", types.ErrLocalStore, op.OperationID, err)
	}
	return seq, nil
}

// Remove implements Log.
func (l *SQLiteLog) Remove(ctx context.Context, operationID string) error {
	if _, err := l.conn.ExecContext(ctx, `DELETE FROM queue_ops WHERE operation_id = ?`, operationID); err != nil {
		return fmt.Errorf("%w: failed to remove operation %s: %v", types.ErrLocalStore, operationID, err)
	}
	return nil
}

// SetAttempts implements Log.
func (l *SQLiteLog) SetAttempts(ctx context.Context, operationID string, attempts int) error {
	_, err := l.conn.ExecContext(ctx,
		`UPDATE queue_ops SET attempts = ? WHERE operation_id = ?`,
		attempts, operationID,
	)
	if err != nil {
		return fmt.Errorf("%w: failed to update operation %s: %v", types.ErrLocalStore, operationID, err)
	}
	return nil
}
