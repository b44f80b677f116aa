// Package store defines the durable keyed document store behind the
// registry's two collections. Backends: file (one JSON document per UPL,
// default), SQLite, and PostgreSQL; an optional Redis wrapper mirrors
// written documents for out-of-process readers.
//
// The registry is the source of truth while the process runs; the store's
// contract is durability — every mutation is flushed before the operation
// returns, and LoadAll at startup returns every committed document.
package store

import (
	"context"

	"github.com/stocklot/upl-registry/internal/model"
)

// Collection names the two keyed collections.
type Collection string

const (
	CollectionActive  Collection = "active"
	CollectionArchive Collection = "archive"
)

// Store is the keyed document store interface.
type Store interface {
	// LoadAll returns every document of a collection. Startup only.
	LoadAll(ctx context.Context, col Collection) ([]*model.Upl, error)

	// Insert persists a new document. The caller guarantees the id is
	// fresh; a backend may still report AlreadyExists on key collision.
	Insert(ctx context.Context, col Collection, upl *model.Upl) error

	// FindByID returns one document or a NotFound error.
	FindByID(ctx context.Context, col Collection, id string) (*model.Upl, error)

	// Update rewrites an existing document in place.
	Update(ctx context.Context, col Collection, upl *model.Upl) error

	// Remove deletes a document. Removing an absent id is not an error;
	// the registry has already decided membership.
	Remove(ctx context.Context, col Collection, id string) error

	// Close releases backend resources.
	Close() error
}
