package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexjbarnes/notesync/internal/clock"
	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/note"
)

// FlushResult reports what a flush did.
type FlushResult int

const (
	// FlushSkipped means the buffer matched the persisted body and no
	// write was issued.
	FlushSkipped FlushResult = iota
	// FlushWritten means a merge-write was issued and accepted.
	FlushWritten
)

func (r FlushResult) String() string {
	if r == FlushWritten {
		return "written"
	}

	return "skipped"
}

// WriteCoordinator issues the engine's writes against the store. It holds
// no state of its own, so concurrent flushes for the same note are
// ordered only by the store.
type WriteCoordinator struct {
	store      Store
	collection string
	clock      clock.Clock
	logger     *slog.Logger
}

// NewWriteCoordinator returns a coordinator writing to collection.
func NewWriteCoordinator(store Store, collection string, c clock.Clock, logger *slog.Logger) *WriteCoordinator {
	return &WriteCoordinator{store: store, collection: collection, clock: c, logger: logger}
}

// Flush writes text as the body of note id unless it equals persisted.
// Only body and updatedAt are sent.
func (w *WriteCoordinator) Flush(ctx context.Context, id, text, persisted string) (FlushResult, error) {
	if text == persisted {
		metrics.FlushesTotal.WithLabelValues("skipped").Inc()
		w.logger.Debug("flush skipped, buffer matches persisted body", slog.String("note", id))

		return FlushSkipped, nil
	}

	summary := note.Diff(persisted, text)
	start := time.Now()

	err := w.store.MergeWrite(ctx, w.collection, id, note.BodyUpdate(text, w.clock.Now().UnixMilli()))
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.FlushesTotal.WithLabelValues("failed").Inc()
		return FlushSkipped, fmt.Errorf("merging note %s: %w: %w", id, nserrors.ErrWriteFailed, err)
	}

	metrics.FlushesTotal.WithLabelValues("written").Inc()
	w.logger.Debug("flushed note",
		slog.String("note", id),
		slog.Int("inserted", summary.Inserted),
		slog.Int("deleted", summary.Deleted),
	)

	return FlushWritten, nil
}

// Create adds a note with the default body and returns its ID.
func (w *WriteCoordinator) Create(ctx context.Context) (string, error) {
	id, err := w.store.Create(ctx, w.collection, note.NewFields(note.DefaultBody, w.clock.Now().UnixMilli()))
	if err != nil {
		return "", fmt.Errorf("creating note: %w: %w", nserrors.ErrWriteFailed, err)
	}

	w.logger.Info("created note", slog.String("note", id))

	return id, nil
}

// Delete removes note id. Selection is left to the next snapshot.
func (w *WriteCoordinator) Delete(ctx context.Context, id string) error {
	if err := w.store.Delete(ctx, w.collection, id); err != nil {
		return fmt.Errorf("deleting note %s: %w: %w", id, nserrors.ErrWriteFailed, err)
	}

	w.logger.Info("deleted note", slog.String("note", id))

	return nil
}
