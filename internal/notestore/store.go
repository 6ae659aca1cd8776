// Package notestore is the authoritative note store: a bbolt database
// with one bucket per collection and live snapshot subscriptions.
package notestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	// dbDirPerm is the permission mode for the database directory.
	dbDirPerm = fs.FileMode(0o700)

	// dbFilePerm is the permission mode for the database file.
	dbFilePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

// ErrClosed is returned by operations on a closed Store and delivered to
// subscribers still registered when it closes.
var ErrClosed = errors.New("note store closed")

func collectionBucket(collection string) []byte {
	return []byte("collection:" + collection)
}

// Store wraps a bbolt database holding note collections.
type Store struct {
	db     *bolt.DB
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
	closed bool
}

// DefaultPath returns ~/.notesync/notes.db.
func DefaultPath() (string, error) {
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}

	return filepath.Join(dir, ".notesync", "notes.db"), nil
}

// Open opens the database at path, creating it and its directory if they
// do not exist.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening note db: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger,
		subs:   make(map[string]map[uint64]*subscriber),
	}, nil
}

// Close stops every subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}

	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, byID := range subs {
		for _, sub := range byID {
			sub.stop(ErrClosed)
		}
	}

	return s.db.Close()
}

// List returns the documents of a collection in key order.
func (s *Store) List(ctx context.Context, collection string) ([]note.RawDoc, error) {
	if err := s.check(ctx, collection); err != nil {
		return nil, err
	}

	return s.snapshot(collection)
}

// Get returns one document, or ErrNoteNotFound wrapped with its ID.
func (s *Store) Get(ctx context.Context, collection, id string) (note.RawDoc, error) {
	if err := s.check(ctx, collection); err != nil {
		return note.RawDoc{}, err
	}

	var doc note.RawDoc

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(collectionBucket(collection))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		doc = note.RawDoc{ID: id, Data: append(json.RawMessage(nil), v...)}

		return nil
	})
	if err != nil {
		return note.RawDoc{}, fmt.Errorf("reading %s/%s: %w", collection, id, err)
	}

	if doc.ID == "" {
		return note.RawDoc{}, fmt.Errorf("reading %s/%s: %w", collection, id, nserrors.ErrNoteNotFound)
	}

	return doc, nil
}

// Create stores a new document under a fresh UUID and returns the ID.
func (s *Store) Create(ctx context.Context, collection string, fields note.Fields) (string, error) {
	if err := s.check(ctx, collection); err != nil {
		return "", err
	}

	id := uuid.NewString()

	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encoding note: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(collectionBucket(collection))
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})

	metrics.StoreOpsTotal.WithLabelValues("create", metrics.Result(err)).Inc()

	if err != nil {
		return "", fmt.Errorf("creating note in %s: %w", collection, err)
	}

	s.logger.Debug("note created", slog.String("collection", collection), slog.String("note", id))
	s.notify(collection)

	return id, nil
}

// MergeWrite sets the non-nil fields on document id. Fields already
// stored and not named in fields are kept. A missing document is
// ErrNoteNotFound: a partial document would not decode as a note.
func (s *Store) MergeWrite(ctx context.Context, collection, id string, fields note.Fields) error {
	if err := s.check(ctx, collection); err != nil {
		return err
	}

	if id == "" {
		return fmt.Errorf("merging into %s: empty document id", collection)
	}

	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encoding note: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(collectionBucket(collection))
		if b == nil {
			return nserrors.ErrNoteNotFound
		}

		stored := b.Get([]byte(id))
		if stored == nil {
			return nserrors.ErrNoteNotFound
		}

		merged, err := mergeJSON(stored, patch)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), merged)
	})

	metrics.StoreOpsTotal.WithLabelValues("merge", metrics.Result(err)).Inc()

	if err != nil {
		return fmt.Errorf("merging note %s/%s: %w", collection, id, err)
	}

	s.notify(collection)

	return nil
}

// Delete removes document id. Deleting a missing document succeeds.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.check(ctx, collection); err != nil {
		return err
	}

	existed := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(collectionBucket(collection))
		if b == nil || b.Get([]byte(id)) == nil {
			return nil
		}

		existed = true

		return b.Delete([]byte(id))
	})

	metrics.StoreOpsTotal.WithLabelValues("delete", metrics.Result(err)).Inc()

	if err != nil {
		return fmt.Errorf("deleting note %s/%s: %w", collection, id, err)
	}

	if existed {
		s.logger.Debug("note deleted", slog.String("collection", collection), slog.String("note", id))
		s.notify(collection)
	}

	return nil
}

// Subscribe delivers the collection's current snapshot and then a new one
// after every committed change. Callbacks for one subscription run on a
// single goroutine in commit order; snapshots queued behind a slow
// callback are coalesced into the newest one. The returned function
// unsubscribes and may be called more than once.
func (s *Store) Subscribe(ctx context.Context, collection string, onSnapshot func([]note.RawDoc), onError func(error)) (func(), error) {
	if err := s.check(ctx, collection); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	// Read under mu so no notification can slip between this snapshot
	// and registration.
	docs, err := s.snapshot(collection)
	if err != nil {
		return nil, err
	}

	s.nextID++
	sub := newSubscriber(s.nextID, onSnapshot, onError)

	if s.subs[collection] == nil {
		s.subs[collection] = make(map[uint64]*subscriber)
	}

	s.subs[collection][sub.id] = sub
	sub.offer(docs)

	go sub.run()

	s.logger.Debug("subscriber added", slog.String("collection", collection), slog.Uint64("sub", sub.id))

	return func() { s.unsubscribe(collection, sub) }, nil
}

func (s *Store) unsubscribe(collection string, sub *subscriber) {
	s.mu.Lock()
	if byID := s.subs[collection]; byID != nil {
		delete(byID, sub.id)

		if len(byID) == 0 {
			delete(s.subs, collection)
		}
	}
	s.mu.Unlock()

	sub.stop(nil)
}

// notify offers a fresh snapshot to every subscriber of collection. If
// the snapshot cannot be read the subscribers are dropped with the error.
func (s *Store) notify(collection string) {
	s.mu.Lock()

	byID := s.subs[collection]
	if len(byID) == 0 {
		s.mu.Unlock()
		return
	}

	docs, err := s.snapshot(collection)
	if err == nil {
		for _, sub := range byID {
			sub.offer(docs)
		}

		s.mu.Unlock()

		return
	}

	delete(s.subs, collection)
	s.mu.Unlock()

	s.logger.Warn("reading snapshot for subscribers failed",
		slog.String("collection", collection),
		slog.String("error", err.Error()),
	)

	for _, sub := range byID {
		sub.stop(err)
	}
}

func (s *Store) snapshot(collection string) ([]note.RawDoc, error) {
	docs := []note.RawDoc{}

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(collectionBucket(collection))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			docs = append(docs, note.RawDoc{
				ID:   string(k),
				Data: append(json.RawMessage(nil), v...),
			})

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading collection %s: %w", collection, err)
	}

	return docs, nil
}

func (s *Store) check(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if collection == "" {
		return errors.New("collection name is required")
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}

	return nil
}

// mergeJSON overlays the top-level keys of patch onto stored, which may be
// nil.
func mergeJSON(stored, patch []byte) ([]byte, error) {
	obj := map[string]json.RawMessage{}

	if stored != nil {
		if err := json.Unmarshal(stored, &obj); err != nil {
			return nil, fmt.Errorf("decoding stored note: %w", err)
		}
	}

	var upd map[string]json.RawMessage
	if err := json.Unmarshal(patch, &upd); err != nil {
		return nil, fmt.Errorf("decoding patch: %w", err)
	}

	for k, v := range upd {
		obj[k] = v
	}

	return json.Marshal(obj)
}
