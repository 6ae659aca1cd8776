package engine

import (
	"context"

	"github.com/alexjbarnes/notesync/internal/note"
)

//go:generate mockgen -destination=mock_store_test.go -package=engine . Store

// Store is the remote document store the engine replicates. It is the
// subset of store behavior the engine needs; notestore.Store and
// remote.Client both satisfy it.
type Store interface {
	// Subscribe delivers the full collection to onSnapshot now and after
	// every change, in store order. onError is called at most once when
	// the stream breaks; no snapshots follow it. The returned function
	// stops delivery and is safe to call more than once.
	Subscribe(ctx context.Context, collection string, onSnapshot func([]note.RawDoc), onError func(error)) (func(), error)

	// Create adds a document and returns its store-assigned ID.
	Create(ctx context.Context, collection string, fields note.Fields) (string, error)

	// MergeWrite sets the non-nil fields on a document, leaving the
	// others untouched.
	MergeWrite(ctx context.Context, collection, id string, fields note.Fields) error

	// Delete removes a document.
	Delete(ctx context.Context, collection, id string) error
}
