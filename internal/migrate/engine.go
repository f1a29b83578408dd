// Package migrate copies on-device records into the remote store once.
//
// Migration is explicit and user-consented. It takes a full export of the
// local store and upserts every record directly into the remote, bypassing
// the offline queue. Individual failures are counted and skipped; partial
// success is a valid outcome and re-running is safe because remote writes
// are upserts keyed by the same id. The local store is never modified by a
// migration; deleting the local copy is a separate, confirmed step.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/sanjanb/lifelab/internal/types"
)

// Status is the position in the per-session migration state machine:
//
//	NotNeeded -> PromptPending -> InProgress -> Succeeded | PartiallyFailed
//	                           -> Skipped
//
// Succeeded and Skipped are persisted. PartiallyFailed lasts for the session;
// on the next visit the prompt is pending again.
type Status string

const (
	StatusNotNeeded       Status = "not_needed"
	StatusPromptPending   Status = "prompt_pending"
	StatusInProgress      Status = "in_progress"
	StatusSucceeded       Status = "succeeded"
	StatusPartiallyFailed Status = "partially_failed"
	StatusSkipped         Status = "skipped"
)

// Persisted flag keys in the reserved meta collection.
const (
	FlagComplete = "migration_complete"
	FlagSkipped  = "migration_skipped"
)

// Source provides the snapshot to migrate.
type Source interface {
	Export(ctx context.Context) (*types.Snapshot, error)
}

// Remote is the migration target.
type Remote interface {
	Upsert(ctx context.Context, collection types.Collection, id string, payload types.Payload) error
}

// Store is the local store holding the flags and the local copy.
type Store interface {
	Get(ctx context.Context, collection types.Collection, id string) (types.Payload, error)
	Put(ctx context.Context, collection types.Collection, id string, payload types.Payload) error
	Delete(ctx context.Context, collection types.Collection, id string) error
}

// AuthGate reports whether the migration target exists.
type AuthGate interface {
	IsAuthenticated() bool
}

// Engine runs migrations and tracks their status.
type Engine struct {
	source Source
	remote Remote
	store  Store
	gate   AuthGate
	logger *log.Logger

	mu         sync.Mutex
	inProgress bool
	last       *types.MigrationResult
}

// New creates an Engine.
//
// If logger is nil, a default logger writing to stderr is used.
func New(source Source, remote Remote, store Store, gate AuthGate, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[migrate] ", log.LstdFlags)
	}
	return &Engine{
		source: source,
		remote: remote,
		store:  store,
		gate:   gate,
		logger: logger,
	}
}

// Migrate copies every exported record to the remote.
//
// Returns types.ErrNotAuthenticated when there is no target and
// types.ErrMigrationNotNeeded, with a successful empty result, when the
// local store holds nothing to copy. An error is also returned if the
// snapshot cannot be taken or ctx ends mid-batch; in the latter case the
// result still accounts for the items already copied.
func (e *Engine) Migrate(ctx context.Context) (types.MigrationResult, error) {
	if !e.gate.IsAuthenticated() {
		return types.MigrationResult{Errors: []string{}}, types.ErrNotAuthenticated
	}

	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return types.MigrationResult{Errors: []string{}}, fmt.Errorf("migration already in progress")
	}
	e.inProgress = true
	e.mu.Unlock()

	result, err := e.run(ctx)

	e.mu.Lock()
	e.inProgress = false
	if !errors.Is(err, types.ErrMigrationNotNeeded) {
		e.last = &result
	}
	e.mu.Unlock()

	if err == nil && result.Success {
		if ferr := e.setFlag(ctx, FlagComplete); ferr != nil {
			return result, ferr
		}
	}
	return result, err
}

func (e *Engine) run(ctx context.Context) (types.MigrationResult, error) {
	result := types.MigrationResult{Errors: []string{}}

	snapshot, err := e.source.Export(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to export local data: %v", err))
		return result, fmt.Errorf("failed to export local data: %w", err)
	}

	total := snapshot.Count()
	if total == 0 {
		result.Success = true
		e.logger.Printf("Nothing to migrate")
		return result, types.ErrMigrationNotNeeded
	}
	e.logger.Printf("Starting migration of %d records", total)

	for _, collection := range types.DomainCollections {
		records := snapshot.Data[collection]
		ids := make([]string, 0, len(records))
		for id := range records {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("migration interrupted: %v", err))
				e.logger.Printf("Migration interrupted after %d of %d records", result.ItemsMigrated, total)
				return result, fmt.Errorf("migration interrupted: %w", err)
			}

			if err := e.remote.Upsert(ctx, collection, id, records[id]); err != nil {
				msg := fmt.Sprintf("failed to migrate %s/%s: %v", collection, id, err)
				e.logger.Printf("WARNING: %s", msg)
				result.Errors = append(result.Errors, msg)
				continue
			}
			result.ItemsMigrated++
		}
	}

	result.Success = len(result.Errors) == 0
	e.logger.Printf("Migration complete: migrated=%d failed=%d", result.ItemsMigrated, len(result.Errors))
	return result, nil
}

// Skip records that the user declined migration. The prompt does not
// reappear.
func (e *Engine) Skip(ctx context.Context) error {
	if err := e.setFlag(ctx, FlagSkipped); err != nil {
		return err
	}
	e.logger.Printf("Migration skipped")
	return nil
}

// LastResult returns the result of the last migration this session, if any.
func (e *Engine) LastResult() (types.MigrationResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return types.MigrationResult{}, false
	}
	return *e.last, true
}

// NeedsMigration reports whether the prompt should be shown: local data
// exists in a migratable collection, migration was neither completed nor
// skipped, and a user is signed in.
func (e *Engine) NeedsMigration(ctx context.Context) (bool, error) {
	if !e.gate.IsAuthenticated() {
		return false, nil
	}

	done, err := e.terminal(ctx)
	if err != nil || done != "" {
		return false, err
	}

	snapshot, err := e.source.Export(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to export local data: %w", err)
	}
	for _, collection := range types.DomainCollections {
		if collection.Migratable() && len(snapshot.Data[collection]) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Status returns the current migration state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	inProgress := e.inProgress
	last := e.last
	e.mu.Unlock()

	if inProgress {
		return StatusInProgress, nil
	}

	done, err := e.terminal(ctx)
	if err != nil {
		return "", err
	}
	if done != "" {
		return done, nil
	}

	if last != nil && !last.Success {
		return StatusPartiallyFailed, nil
	}

	needed, err := e.NeedsMigration(ctx)
	if err != nil {
		return "", err
	}
	if needed {
		return StatusPromptPending, nil
	}
	return StatusNotNeeded, nil
}

// DeleteLocalCopy is the explicit second step after a successful migration:
// it removes every migratable record from the local store. Flags are kept so
// the prompt does not return. It refuses unless confirm is true and the
// migration has succeeded.
func (e *Engine) DeleteLocalCopy(ctx context.Context, confirm bool) (int, error) {
	if !confirm {
		return 0, types.ErrDeleteNotConfirmed
	}

	complete, err := e.flag(ctx, FlagComplete)
	if err != nil {
		return 0, err
	}
	if !complete {
		return 0, types.ErrMigrationIncomplete
	}

	snapshot, err := e.source.Export(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to export local data: %w", err)
	}

	deleted := 0
	for _, collection := range types.DomainCollections {
		for id := range snapshot.Data[collection] {
			if err := e.store.Delete(ctx, collection, id); err != nil {
				return deleted, fmt.Errorf("failed to delete local copy: %w", err)
			}
			deleted++
		}
	}
	e.logger.Printf("Deleted %d local records after migration", deleted)
	return deleted, nil
}

// terminal returns the persisted terminal status, or "" if there is none.
func (e *Engine) terminal(ctx context.Context) (Status, error) {
	complete, err := e.flag(ctx, FlagComplete)
	if err != nil {
		return "", err
	}
	if complete {
		return StatusSucceeded, nil
	}

	skipped, err := e.flag(ctx, FlagSkipped)
	if err != nil {
		return "", err
	}
	if skipped {
		return StatusSkipped, nil
	}
	return "", nil
}
