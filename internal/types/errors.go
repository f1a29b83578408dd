package types

import "errors"

// Common errors returned by the persistence layer.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, types.ErrNotFound) {
//	    // record does not exist locally
//	}
var (
	// ErrNotFound is returned when a record does not exist in a store.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidCollection is returned for collection names outside the
	// known domain collections.
	ErrInvalidCollection = errors.New("invalid collection")

	// ErrInvalidRecord is returned when a record or operation fails validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrLocalStore wraps failures of the on-device store. These are fatal to
	// the calling operation.
	ErrLocalStore = errors.New("local store failure")

	// ErrNotAuthenticated is returned by remote operations when no user
	// identity is established.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrOffline is returned by remote operations attempted while offline.
	ErrOffline = errors.New("offline")

	// ErrMigrationNotNeeded is returned when a migration is requested but
	// there is nothing to migrate or no target.
	ErrMigrationNotNeeded = errors.New("migration not needed")

	// ErrMigrationIncomplete is returned when deleting the local copy is
	// requested before a migration has succeeded.
	ErrMigrationIncomplete = errors.New("migration has not completed")

	// ErrDeleteNotConfirmed is returned when the local copy deletion is
	// requested without explicit confirmation.
	ErrDeleteNotConfirmed = errors.New("deletion of local data not confirmed")
)

// IsLocalFault reports whether err originated in the local store.
func IsLocalFault(err error) bool {
	return errors.Is(err, ErrLocalStore)
}
