// Package engine keeps a local replica of a note collection in step with a
// store's snapshot stream and writes the user's edits back with a
// debounced merge-write.
//
// Architecture: store callbacks append to an inbox, debounce timers post
// sequence numbers, and API calls submit requests. A single event loop
// goroutine (Run) owns all state and handles those events one at a time.
// Store writes run on their own goroutines and report back to the loop,
// so a slow write never delays a keystroke.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/notesync/internal/clock"
	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/note"
)

const (
	// requestChanSize is the buffer size for API requests waiting on the
	// event loop.
	requestChanSize = 16

	// writeChanSize is the buffer size for write completions.
	writeChanSize = 16
)

// Options configures an Engine.
type Options struct {
	Store      Store
	Collection string
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Debounce defaults to DefaultDebounce.
	Debounce time.Duration
	// FlushOnSwitch writes the previous note's buffer before the buffer
	// is reset for a newly active note. When false a pending edit is
	// discarded on switch.
	FlushOnSwitch bool
	Logger        *slog.Logger
}

// inboxItem is a snapshot or a stream failure from the store callback.
type inboxItem struct {
	docs []note.RawDoc
	err  error
}

// request is an API call executed on the event loop.
type request struct {
	fn     func() ([]flushJob, error)
	result chan error
}

// writeResult reports a finished store call back to the loop.
type writeResult struct {
	op     string
	noteID string
	err    error
}

// Engine is the synchronization and write-back engine for one collection.
type Engine struct {
	store      Store
	collection string
	logger     *slog.Logger
	writer     *WriteCoordinator

	// s is only touched by the event loop goroutine.
	s *session

	inboxMu     sync.Mutex
	inbox       []inboxItem
	inboxSignal chan struct{}

	timerCh chan uint64
	reqCh   chan request
	writeCh chan writeResult

	view    atomic.Pointer[View]
	updates chan struct{}

	running      atomic.Bool
	disconnected atomic.Bool

	unsubMu     sync.Mutex
	unsubscribe func()

	closeOnce sync.Once
	closing   chan struct{}
	stopped   chan struct{}
	writes    sync.WaitGroup
}

// New validates opts and returns an Engine ready to Run.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}

	if opts.Collection == "" {
		return nil, fmt.Errorf("engine: collection is required")
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}

	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	logger := opts.Logger.With(slog.String("collection", opts.Collection))

	e := &Engine{
		store:       opts.Store,
		collection:  opts.Collection,
		logger:      logger,
		writer:      NewWriteCoordinator(opts.Store, opts.Collection, opts.Clock, logger),
		inboxSignal: make(chan struct{}, 1),
		timerCh:     make(chan uint64),
		reqCh:       make(chan request, requestChanSize),
		writeCh:     make(chan writeResult, writeChanSize),
		updates:     make(chan struct{}, 1),
		closing:     make(chan struct{}),
		stopped:     make(chan struct{}),
	}

	debounce := NewDebouncer(opts.Clock, opts.Debounce, e.postTimer)
	e.s = newSession(logger, debounce, opts.FlushOnSwitch)
	e.view.Store(e.s.view())

	return e, nil
}

// Run subscribes to the collection and processes events until ctx is
// cancelled, Close is called, or the snapshot stream fails. A stream
// failure is returned wrapped in ErrSubscription; the last view stays
// readable with Connected false.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already running")
	}

	defer e.shutdown()

	select {
	case <-e.closing:
		return nserrors.ErrClosed
	default:
	}

	unsub, err := e.store.Subscribe(ctx, e.collection, e.onSnapshot, e.onStreamError)
	if err != nil {
		e.disconnected.Store(true)
		e.s.disconnect(err)
		e.publish()

		return fmt.Errorf("subscribing to %s: %w: %w", e.collection, nserrors.ErrSubscription, err)
	}

	e.unsubMu.Lock()
	e.unsubscribe = unsub
	e.unsubMu.Unlock()

	e.logger.Info("subscribed to collection")

	return e.loop(ctx)
}

// loop is the event loop. Every branch drains the inbox first so that
// snapshots which arrived before an event are applied before it.
func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-e.closing:
			return nil

		case <-e.inboxSignal:
			if err := e.drainInbox(ctx); err != nil {
				return err
			}

		case seq := <-e.timerCh:
			if err := e.drainInbox(ctx); err != nil {
				return err
			}

			if job, ok := e.s.timerFired(seq); ok {
				e.startFlush(ctx, job)
			}

		case req := <-e.reqCh:
			if err := e.drainInbox(ctx); err != nil {
				req.result <- nserrors.ErrDisconnected
				return err
			}

			jobs, err := req.fn()
			for _, job := range jobs {
				e.startFlush(ctx, job)
			}

			e.publish()
			req.result <- err

			continue

		case res := <-e.writeCh:
			e.handleWriteResult(res)
		}

		e.publish()
	}
}

// drainInbox applies queued snapshots in arrival order. A stream failure
// disconnects the engine and is returned to end the loop.
func (e *Engine) drainInbox(ctx context.Context) error {
	e.inboxMu.Lock()
	items := e.inbox
	e.inbox = nil
	e.inboxMu.Unlock()

	for _, item := range items {
		if item.err != nil {
			e.logger.Warn("snapshot stream failed", slog.String("error", item.err.Error()))
			e.disconnected.Store(true)
			e.s.disconnect(item.err)
			e.publish()

			return fmt.Errorf("%w: %w", nserrors.ErrSubscription, item.err)
		}

		jobs, err := e.s.applySnapshot(item.docs)
		if err != nil {
			// The previous replica is retained.
			e.s.lastErr = err
			continue
		}

		for _, job := range jobs {
			e.startFlush(ctx, job)
		}
	}

	return nil
}

// startFlush issues a flush on its own goroutine.
func (e *Engine) startFlush(ctx context.Context, job flushJob) {
	e.writes.Add(1)

	go func() {
		defer e.writes.Done()

		_, err := e.writer.Flush(ctx, job.noteID, job.text, job.persisted)
		e.reportWrite(writeResult{op: "flush", noteID: job.noteID, err: err})
	}()
}

func (e *Engine) reportWrite(res writeResult) {
	select {
	case e.writeCh <- res:
	case <-e.stopped:
	}
}

func (e *Engine) handleWriteResult(res writeResult) {
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}

		e.logger.Warn("write failed",
			slog.String("op", res.op),
			slog.String("note", res.noteID),
			slog.String("error", res.err.Error()),
		)
		e.s.lastErr = res.err

		return
	}

	if e.s.connected {
		e.s.lastErr = nil
	}
}

// publish stores a fresh view and wakes the Updates reader.
func (e *Engine) publish() {
	e.view.Store(e.s.view())

	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// onSnapshot is the store callback. It only queues; the loop applies.
func (e *Engine) onSnapshot(docs []note.RawDoc) {
	e.enqueue(inboxItem{docs: docs})
}

func (e *Engine) onStreamError(err error) {
	if err == nil {
		err = errors.New("stream closed")
	}

	e.enqueue(inboxItem{err: err})
}

func (e *Engine) enqueue(item inboxItem) {
	e.inboxMu.Lock()
	e.inbox = append(e.inbox, item)
	e.inboxMu.Unlock()

	select {
	case e.inboxSignal <- struct{}{}:
	default:
	}
}

// postTimer is the debounce callback. It runs on the clock's goroutine.
func (e *Engine) postTimer(seq uint64) {
	select {
	case e.timerCh <- seq:
	case <-e.stopped:
	}
}

// do runs fn on the event loop and waits for its result.
func (e *Engine) do(ctx context.Context, fn func() ([]flushJob, error)) error {
	req := request{fn: fn, result: make(chan error, 1)}

	select {
	case e.reqCh <- req:
	case <-e.stopped:
		return e.stopErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.result:
		return err
	case <-e.stopped:
		return e.stopErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) stopErr() error {
	if e.disconnected.Load() {
		return nserrors.ErrDisconnected
	}

	return nserrors.ErrClosed
}

func (e *Engine) checkWritable() error {
	if e.disconnected.Load() {
		return nserrors.ErrDisconnected
	}

	select {
	case <-e.closing:
		return nserrors.ErrClosed
	default:
		return nil
	}
}

// shutdown runs when Run returns: the timer is cancelled and the
// subscription released before the loop is marked stopped.
func (e *Engine) shutdown() {
	e.s.debounce.Cancel()
	e.release()
	e.publish()
	close(e.stopped)
}

// release unsubscribes once.
func (e *Engine) release() {
	e.unsubMu.Lock()
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.unsubMu.Unlock()

	if unsub != nil {
		unsub()
		e.logger.Debug("unsubscribed from collection")
	}
}

// Close stops the event loop, cancels any pending flush timer, releases
// the subscription and waits for in-flight writes. Pending edits are not
// flushed; call Flush first to keep them. Close is idempotent.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closing)

		if e.running.Load() {
			<-e.stopped
		} else {
			e.release()
		}

		e.writes.Wait()
	})

	return nil
}

// View returns the latest published state. Safe from any goroutine.
func (e *Engine) View() *View {
	return e.view.Load()
}

// Updates is signalled after each published change. Intended for a
// single consumer; bursts coalesce into one signal.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// Stopped is closed once the event loop has exited.
func (e *Engine) Stopped() <-chan struct{} {
	return e.stopped
}

// Select makes id the active note. The buffer is reset to its persisted
// body if the active note changes.
func (e *Engine) Select(ctx context.Context, id string) error {
	return e.do(ctx, func() ([]flushJob, error) {
		if !e.s.replica.Has(id) {
			return nil, fmt.Errorf("selecting %s: %w", id, nserrors.ErrNoteNotFound)
		}

		return e.s.requestSelection(id), nil
	})
}

// Edit replaces the active note's buffer and restarts the debounce
// window.
func (e *Engine) Edit(ctx context.Context, text string) error {
	return e.do(ctx, func() ([]flushJob, error) {
		return nil, e.s.edit(text)
	})
}

// Flush writes the active buffer now, cancelling the debounce timer. It
// is the explicit retry path after a failed write.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	var job flushJob

	err := e.do(ctx, func() ([]flushJob, error) {
		if !e.s.connected {
			return nil, nserrors.ErrDisconnected
		}

		var err error
		job, err = e.s.takeFlush()

		return nil, err
	})
	if err != nil {
		return FlushSkipped, err
	}

	res, err := e.writer.Flush(ctx, job.noteID, job.text, job.persisted)
	e.reportWrite(writeResult{op: "flush", noteID: job.noteID, err: err})

	return res, err
}

// CreateNote creates a note with the default body and requests it as the
// active note. It becomes active once a snapshot containing it arrives.
func (e *Engine) CreateNote(ctx context.Context) (string, error) {
	if err := e.checkWritable(); err != nil {
		return "", err
	}

	id, err := e.writer.Create(ctx)
	if err != nil {
		e.reportWrite(writeResult{op: "create", err: err})
		return "", err
	}

	err = e.do(ctx, func() ([]flushJob, error) {
		return e.s.requestSelection(id), nil
	})

	return id, err
}

// DeleteNote deletes a note. Selection reacts to the resulting snapshot.
func (e *Engine) DeleteNote(ctx context.Context, id string) error {
	if err := e.checkWritable(); err != nil {
		return err
	}

	err := e.writer.Delete(ctx, id)
	e.reportWrite(writeResult{op: "delete", noteID: id, err: err})

	return err
}

// PendingDiff summarises the unflushed edits to the active note.
func (e *Engine) PendingDiff() note.DiffSummary {
	return e.View().PendingDiff()
}

// sync round-trips an empty request through the loop, so every event
// queued before the call has been handled when it returns.
func (e *Engine) sync(ctx context.Context) error {
	return e.do(ctx, func() ([]flushJob, error) { return nil, nil })
}
