// Package types defines the records, queued operations and derived state shared
// by the persistence layer.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names a group of records. Ids are unique within a collection.
type Collection string

const (
	// CollectionEntries holds journal entries.
	CollectionEntries Collection = "entries"
	// CollectionWins holds acknowledgements ("wins").
	CollectionWins Collection = "wins"
	// CollectionSettings holds the settings profile.
	CollectionSettings Collection = "settings"
	// CollectionDomainConfig holds per-domain configuration.
	CollectionDomainConfig Collection = "domainConfig"

	// CollectionMeta is the reserved key space for flags owned by the
	// persistence layer. It is never exported or migrated.
	CollectionMeta Collection = "_meta"
)

// DomainCollections lists the collections that hold user data, in export order.
var DomainCollections = []Collection{
	CollectionEntries,
	CollectionWins,
	CollectionSettings,
	CollectionDomainConfig,
}

// Valid reports whether c is a user data collection.
func (c Collection) Valid() bool {
	for _, known := range DomainCollections {
		if c == known {
			return true
		}
	}
	return false
}

// Migratable reports whether records in c are copied by a migration.
func (c Collection) Migratable() bool {
	return c.Valid()
}

// ParseCollection converts s to a Collection, rejecting unknown names.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidCollection, s)
	}
	return c, nil
}

// Payload is an opaque structured value. It is stored and replayed verbatim.
type Payload = json.RawMessage

// Record is a domain entity as held by a store. The ID is stable across the
// local and remote copies of the same logical record.
type Record struct {
	ID         string     `json:"id"`
	Collection Collection `json:"collection"`
	Payload    Payload    `json:"payload"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Validate checks that the record can be stored.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRecord)
	}
	if r.Collection != CollectionMeta && !r.Collection.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, r.Collection)
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrInvalidRecord)
	}
	if !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}
	return nil
}
