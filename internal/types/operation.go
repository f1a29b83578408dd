package types

import (
	"fmt"
	"time"
)

// OpKind is the kind of write a queued operation replays.
type OpKind string

const (
	// OpUpsert inserts or overwrites the record keyed by id.
	OpUpsert OpKind = "upsert"
	// OpDelete removes the record keyed by id.
	OpDelete OpKind = "delete"
)

// QueuedOperation is a pending write targeting the remote store.
//
// Operations are applied in enqueue order and never coalesced, so replaying
// one must be idempotent. OwnerID is the user signed in when the write was
// accepted; the operation is only replayed under that identity. Seq is the
// log position assigned on append and orders operations written by
// different processes.
type QueuedOperation struct {
	Seq         int64      `json:"seq,omitempty"`
	OperationID string     `json:"operation_id"`
	OwnerID     string     `json:"owner_id,omitempty"`
	Collection  Collection `json:"collection"`
	RecordID    string     `json:"record_id"`
	Kind        OpKind     `json:"kind"`
	Payload     Payload    `json:"payload,omitempty"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	Attempts    int        `json:"attempts"`
}

// Validate checks the operation before it is appended to the log.
func (op *QueuedOperation) Validate() error {
	if op.OperationID == "" {
		return fmt.Errorf("%w: operation_id is required", ErrInvalidRecord)
	}
	if !op.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, op.Collection)
	}
	if op.RecordID == "" {
		return fmt.Errorf("%w: record_id is required", ErrInvalidRecord)
	}
	switch op.Kind {
	case OpUpsert:
		if len(op.Payload) == 0 {
			return fmt.Errorf("%w: upsert requires a payload", ErrInvalidRecord)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRecord, op.Kind)
	}
	return nil
}

// QueueState is derived from the queue and broadcast to subscribers. It is
// never persisted.
type QueueState struct {
	IsOnline     bool `json:"is_online"`
	QueueSize    int  `json:"queue_size"`
	IsProcessing bool `json:"is_processing"`
}

// MigrationResult is produced once per migration attempt.
type MigrationResult struct {
	Success       bool     `json:"success"`
	ItemsMigrated int      `json:"items_migrated"`
	Errors        []string `json:"errors"`
}

// AuthState is the identity reported by the identity provider.
type AuthState struct {
	IsAuthenticated bool   `json:"is_authenticated"`
	UserID          string `json:"user_id,omitempty"`
}

// Anonymous is the state used before sign-in and when the provider fails.
var Anonymous = AuthState{}

// Snapshot is a full export of the local store grouped by collection.
type Snapshot struct {
	Data map[Collection]map[string]Payload `json:"data" yaml:"data"`
}

// Count returns the number of records in the snapshot.
func (s *Snapshot) Count() int {
	n := 0
	for _, records := range s.Data {
		n += len(records)
	}
	return n
}
