// Package persistence is the single entry point the application uses for
// reading and writing user data.
//
// The local store is always the source of truth for reads and is always
// written first. When a user is signed in, every accepted write is also
// handed to the offline queue for eventual replication. Queue failures never
// fail a write that the local store accepted.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/sanjanb/lifelab/internal/logging"
	"github.com/sanjanb/lifelab/internal/migrate"
	"github.com/sanjanb/lifelab/internal/types"
)

// LocalStore is the on-device store.
type LocalStore interface {
	Get(ctx context.Context, collection types.Collection, id string) (types.Payload, error)
	Put(ctx context.Context, collection types.Collection, id string, payload types.Payload) error
	Delete(ctx context.Context, collection types.Collection, id string) error
	GetAll(ctx context.Context, collection types.Collection) ([]types.Record, error)
}

// RemoteStore is the migration target.
type RemoteStore interface {
	Upsert(ctx context.Context, collection types.Collection, id string, payload types.Payload) error
}

// Enqueuer accepts operations for replication.
type Enqueuer interface {
	Enqueue(ctx context.Context, op types.QueuedOperation) (types.QueuedOperation, error)
}

// AuthGate reports whether a user identity is established.
type AuthGate interface {
	IsAuthenticated() bool
}

// Manager routes reads and writes between the local store and the queue.
type Manager struct {
	local     LocalStore
	queue     Enqueuer
	gate      AuthGate
	migration *migrate.Engine
	logger    *log.Logger
}

// New creates a Manager. The remote store is used only by migrations.
func New(local LocalStore, queue Enqueuer, gate AuthGate, remote RemoteStore, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[persistence] ", log.LstdFlags)
	}
	m := &Manager{
		local:  local,
		queue:  queue,
		gate:   gate,
		logger: logger,
	}
	m.migration = migrate.New(m, remote, local, gate, logging.WithPrefix(logger, "[migrate] "))
	return m
}

// Migration returns the engine backing MigrateToFirebase.
func (m *Manager) Migration() *migrate.Engine {
	return m.migration
}

// Write stores payload locally and, for signed-in users, queues it for
// replication. Only a local failure is returned.
func (m *Manager) Write(ctx context.Context, collection types.Collection, id string, payload types.Payload) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}
	if err := m.local.Put(ctx, collection, id, payload); err != nil {
		return err
	}
	m.replicate(ctx, types.QueuedOperation{
		Collection: collection,
		RecordID:   id,
		Kind:       types.OpUpsert,
		Payload:    payload,
	})
	return nil
}

// Delete removes a record locally and, for signed-in users, queues the
// deletion for replication.
func (m *Manager) Delete(ctx context.Context, collection types.Collection, id string) error {
	if !collection.Valid() {
		return fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}
	if err := m.local.Delete(ctx, collection, id); err != nil {
		return err
	}
	m.replicate(ctx, types.QueuedOperation{
		Collection: collection,
		RecordID:   id,
		Kind:       types.OpDelete,
	})
	return nil
}

func (m *Manager) replicate(ctx context.Context, op types.QueuedOperation) {
	if m.queue == nil || !m.gate.IsAuthenticated() {
		return
	}
	if _, err := m.queue.Enqueue(ctx, op); err != nil {
		m.logger.Printf("WARNING: failed to queue %s %s/%s: %v", op.Kind, op.Collection, op.RecordID, err)
	}
}

// Read returns the local payload for collection/id. The bool is false when
// no record exists. The remote is never consulted.
func (m *Manager) Read(ctx context.Context, collection types.Collection, id string) (types.Payload, bool, error) {
	if !collection.Valid() {
		return nil, false, fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}
	payload, err := m.local.Get(ctx, collection, id)
	if errors.Is(err, types.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// List returns every local record in a collection ordered by id.
func (m *Manager) List(ctx context.Context, collection types.Collection) ([]types.Record, error) {
	if !collection.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
	}
	return m.local.GetAll(ctx, collection)
}

// Export returns a full snapshot of the local domain collections.
func (m *Manager) Export(ctx context.Context) (*types.Snapshot, error) {
	snapshot := &types.Snapshot{Data: make(map[types.Collection]map[string]types.Payload, len(types.DomainCollections))}
	for _, collection := range types.DomainCollections {
		records, err := m.local.GetAll(ctx, collection)
		if err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", collection, err)
		}
		items := make(map[string]types.Payload, len(records))
		for _, rec := range records {
			items[rec.ID] = rec.Payload
		}
		snapshot.Data[collection] = items
	}
	return snapshot, nil
}

// Import writes every record in snapshot through Write. Unknown collections
// are rejected before anything is written. Returns the number of records
// written.
func (m *Manager) Import(ctx context.Context, snapshot *types.Snapshot) (int, error) {
	if snapshot == nil {
		return 0, nil
	}
	for collection := range snapshot.Data {
		if !collection.Valid() {
			return 0, fmt.Errorf("%w: %q", types.ErrInvalidCollection, collection)
		}
	}

	written := 0
	for _, collection := range types.DomainCollections {
		for id, payload := range snapshot.Data[collection] {
			if err := m.Write(ctx, collection, id, payload); err != nil {
				return written, fmt.Errorf("failed to import %s/%s: %w", collection, id, err)
			}
			written++
		}
	}
	return written, nil
}

// NeedsMigration reports whether the migration prompt should be shown.
func (m *Manager) NeedsMigration(ctx context.Context) (bool, error) {
	return m.migration.NeedsMigration(ctx)
}

// MigrateToFirebase copies all local data to the remote store. The name is
// kept from the hosted backend the remote store replaced; any RemoteStore
// serves.
func (m *Manager) MigrateToFirebase(ctx context.Context) (types.MigrationResult, error) {
	return m.migration.Migrate(ctx)
}
