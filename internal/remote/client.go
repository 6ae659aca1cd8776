// Package remote is an engine.Store that talks to a hub over a websocket.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/alexjbarnes/notesync/internal/wire"
	"github.com/coder/websocket"
)

const (
	pingInterval   = 20 * time.Second
	requestTimeout = 30 * time.Second
	unsubTimeout   = 5 * time.Second
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("remote client closed")

type result struct {
	msg wire.ResultMessage
	err error
}

type subscription struct {
	onSnapshot func([]note.RawDoc)
	onError    func(error)
	errOnce    sync.Once
}

func (s *subscription) fail(err error) {
	s.errOnce.Do(func() {
		if s.onError != nil {
			s.onError(err)
		}
	})
}

// Client is a connection to a hub. Snapshot callbacks run on the reader
// goroutine in the order the hub sent them.
type Client struct {
	conn   wire.Conn
	logger *slog.Logger

	nextRef atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan result
	subs    map[uint64]*subscription
	err     error

	cancel    context.CancelFunc
	readDone  chan struct{}
	closeOnce sync.Once
}

// Dial connects to the hub's notes endpoint at url, authenticating with
// apiKey.
func Dial(ctx context.Context, url, apiKey string, logger *slog.Logger) (*Client, error) {
	logger.Debug("connecting to hub", slog.String("url", url))

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + apiKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dialing hub: %w", err)
	}

	conn.SetReadLimit(wire.MaxFrameBytes)

	return newClient(conn, logger), nil
}

// newClient starts the reader and heartbeat goroutines for conn.
func newClient(conn wire.Conn, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		conn:     conn,
		logger:   logger,
		pending:  make(map[uint64]chan result),
		subs:     make(map[uint64]*subscription),
		cancel:   cancel,
		readDone: make(chan struct{}),
	}

	go c.readLoop(ctx)
	go c.heartbeat(ctx)

	return c
}

// Close shuts the connection. Open subscriptions receive onError and
// pending calls fail. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = ErrClosed
		}
		c.mu.Unlock()

		c.conn.Close(websocket.StatusNormalClosure, "bye")
		c.cancel()
		<-c.readDone
	})

	return nil
}

// Err returns why the connection ended, or nil while it is up.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

func (c *Client) readLoop(ctx context.Context) {
	defer close(c.readDone)

	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			c.fail(fmt.Errorf("reading message: %w", err))
			return
		}

		if typ == websocket.MessageBinary {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	switch op := wire.OpOf(data); op {
	case wire.OpPong:

	case wire.OpResult:
		var msg wire.ResultMessage
		if err := wire.Decode(data, &msg); err != nil {
			c.logger.Debug("dropping result", slog.String("error", err.Error()))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[msg.Ref]
		delete(c.pending, msg.Ref)
		c.mu.Unlock()

		if ok {
			ch <- result{msg: msg}
		}

	case wire.OpSnapshot:
		ref := wire.SubOf(data)

		docs, ok := wire.SnapshotDocs(data)
		if !ok {
			c.logger.Warn("snapshot frame without docs", slog.Uint64("sub", ref))
			c.failSub(ref, fmt.Errorf("%w: %w: frame has no docs array", nserrors.ErrSubscription, nserrors.ErrInvalidSnapshot))

			return
		}

		c.mu.Lock()
		sub := c.subs[ref]
		c.mu.Unlock()

		if sub != nil {
			sub.onSnapshot(docs)
		}

	case wire.OpError:
		var msg wire.ErrorMessage
		if err := wire.Decode(data, &msg); err != nil {
			c.logger.Debug("dropping error frame", slog.String("error", err.Error()))
			return
		}

		if msg.Sub != 0 {
			c.failSub(msg.Sub, fmt.Errorf("%w: hub: %s", nserrors.ErrSubscription, msg.Error))
			return
		}

		c.logger.Warn("hub reported error", slog.String("error", msg.Error))

	default:
		c.logger.Debug("unknown op from hub", slog.String("op", op))
	}
}

// failSub ends one subscription with err.
func (c *Client) failSub(ref uint64, err error) {
	c.mu.Lock()
	sub := c.subs[ref]
	delete(c.subs, ref)
	c.mu.Unlock()

	if sub != nil {
		sub.fail(err)
	}
}

// fail ends the connection: every subscription is told once and every
// pending request is released.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}

	cause := c.err
	subs := c.subs
	pending := c.pending
	c.subs = make(map[uint64]*subscription)
	c.pending = make(map[uint64]chan result)
	c.mu.Unlock()

	if !errors.Is(cause, ErrClosed) {
		c.logger.Warn("hub connection lost", slog.String("error", cause.Error()))
	}

	for _, ch := range pending {
		ch <- result{err: fmt.Errorf("%w: %w", nserrors.ErrWriteFailed, cause)}
	}

	for _, sub := range subs {
		sub.fail(fmt.Errorf("%w: %w", nserrors.ErrSubscription, cause))
	}
}

func (c *Client) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wire.WriteJSON(ctx, c.conn, map[string]string{"op": wire.OpPing}); err != nil {
				c.logger.Debug("ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

// request sends msg and waits for the hub's result for ref.
func (c *Client) request(ctx context.Context, ref uint64, msg any) (wire.ResultMessage, error) {
	ch := make(chan result, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()

		return wire.ResultMessage{}, err
	}

	c.pending[ref] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := wire.WriteJSON(ctx, c.conn, msg); err != nil {
		c.forget(ref)
		return wire.ResultMessage{}, fmt.Errorf("sending request: %w", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return wire.ResultMessage{}, res.err
		}

		if res.msg.Error != "" {
			return res.msg, fmt.Errorf("hub: %s", res.msg.Error)
		}

		return res.msg, nil

	case <-ctx.Done():
		c.forget(ref)
		return wire.ResultMessage{}, ctx.Err()
	}
}

func (c *Client) forget(ref uint64) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// Subscribe opens a snapshot stream. onError is called at most once,
// when the hub ends the stream or the connection is lost. Documents are
// delivered undecoded, so a malformed one reaches onSnapshot and is
// rejected there; a frame with no document list ends the stream with
// ErrInvalidSnapshot.
func (c *Client) Subscribe(ctx context.Context, collection string, onSnapshot func([]note.RawDoc), onError func(error)) (func(), error) {
	ref := c.nextRef.Add(1)
	sub := &subscription{onSnapshot: onSnapshot, onError: onError}

	// Registered before sending: the first snapshot can beat the result.
	c.mu.Lock()
	c.subs[ref] = sub
	c.mu.Unlock()

	_, err := c.request(ctx, ref, wire.SubscribeRequest{Op: wire.OpSubscribe, Ref: ref, Collection: collection})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, ref)
		c.mu.Unlock()

		return nil, fmt.Errorf("subscribing to %s: %w", collection, err)
	}

	var once sync.Once

	return func() {
		once.Do(func() { c.unsubscribe(ref) })
	}, nil
}

// unsubscribe drops the local callbacks and tells the hub without waiting
// for its answer.
func (c *Client) unsubscribe(sub uint64) {
	c.mu.Lock()
	delete(c.subs, sub)
	live := c.err == nil
	c.mu.Unlock()

	if !live {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unsubTimeout)
	defer cancel()

	ref := c.nextRef.Add(1)
	if err := wire.WriteJSON(ctx, c.conn, wire.UnsubscribeRequest{Op: wire.OpUnsubscribe, Ref: ref, Sub: sub}); err != nil {
		c.logger.Debug("unsubscribe failed", slog.String("error", err.Error()))
	}
}

// Create adds a document and returns the hub-assigned ID.
func (c *Client) Create(ctx context.Context, collection string, fields note.Fields) (string, error) {
	ref := c.nextRef.Add(1)

	res, err := c.request(ctx, ref, wire.CreateRequest{Op: wire.OpCreate, Ref: ref, Collection: collection, Fields: fields})
	if err != nil {
		return "", err
	}

	if res.ID == "" {
		return "", errors.New("hub returned no document id")
	}

	return res.ID, nil
}

// MergeWrite sets fields on document id.
func (c *Client) MergeWrite(ctx context.Context, collection, id string, fields note.Fields) error {
	ref := c.nextRef.Add(1)
	_, err := c.request(ctx, ref, wire.MergeRequest{Op: wire.OpMerge, Ref: ref, Collection: collection, ID: id, Fields: fields})

	return err
}

// Delete removes document id.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	ref := c.nextRef.Add(1)
	_, err := c.request(ctx, ref, wire.DeleteRequest{Op: wire.OpDelete, Ref: ref, Collection: collection, ID: id})

	return err
}
