// Package hub serves note collections to remote clients over websockets.
//
// Each connection has a reader loop that executes requests against the
// store in arrival order and a writer goroutine that drains a buffered
// outbound queue. Snapshot callbacks from the store enqueue frames and
// never write to the socket directly.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/alexjbarnes/notesync/internal/wire"
	"github.com/coder/websocket"
)

const (
	// outboundQueueSize is the number of frames buffered per connection
	// before snapshot delivery blocks.
	outboundQueueSize = 64

	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
)

// Store is the note storage the hub exposes.
type Store interface {
	Subscribe(ctx context.Context, collection string, onSnapshot func([]note.RawDoc), onError func(error)) (func(), error)
	Create(ctx context.Context, collection string, fields note.Fields) (string, error)
	MergeWrite(ctx context.Context, collection, id string, fields note.Fields) error
	Delete(ctx context.Context, collection, id string) error
}

// Server accepts websocket connections on HandleNotes.
type Server struct {
	store  Store
	logger *slog.Logger
	conns  sync.WaitGroup
}

// NewServer returns a Server backed by store.
func NewServer(store Store, logger *slog.Logger) *Server {
	return &Server{store: store, logger: logger}
}

// Wait blocks until every connection handler has returned.
func (s *Server) Wait() {
	s.conns.Wait()
}

// HandleNotes upgrades the request and serves the connection until either
// side closes it.
func (s *Server) HandleNotes(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ws.SetReadLimit(wire.MaxFrameBytes)

	s.conns.Add(1)
	defer s.conns.Done()

	logger := s.logger.With(
		slog.String("user_id", auth.RequestUserID(r.Context())),
		slog.String("ip", auth.RequestRemoteIP(r.Context())),
	)

	c := newConn(ws, s.store, logger)
	c.serve(r.Context())
}

// conn is one client connection.
type conn struct {
	ws     wire.Conn
	store  Store
	logger *slog.Logger

	out chan any

	// subs is touched only by the reader loop.
	subs map[uint64]func()
}

func newConn(ws wire.Conn, store Store, logger *slog.Logger) *conn {
	return &conn{
		ws:     ws,
		store:  store,
		logger: logger,
		out:    make(chan any, outboundQueueSize),
		subs:   make(map[uint64]func()),
	}
}

func (c *conn) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	metrics.HubConnections.Inc()
	defer metrics.HubConnections.Dec()

	c.logger.Info("hub client connected")

	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		defer cancel()
		c.writeLoop(ctx)
	}()

	err := c.readLoop(ctx)

	for ref, unsub := range c.subs {
		unsub()
		delete(c.subs, ref)
	}

	cancel()
	<-writerDone

	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		err = nil
	default:
		c.ws.Close(websocket.StatusInternalError, "read failed")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("hub client disconnected", slog.String("error", err.Error()))
		return
	}

	c.logger.Info("hub client disconnected")
}

func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wire.WriteJSON(wctx, c.ws, msg)
			cancel()

			if err != nil {
				c.logger.Debug("hub write failed", slog.String("error", err.Error()))
				// Unblocks the reader.
				c.ws.Close(websocket.StatusInternalError, "write failed")

				return
			}
		}
	}
}

// send queues a frame, giving up once the connection is closing.
func (c *conn) send(ctx context.Context, msg any) {
	select {
	case c.out <- msg:
	case <-ctx.Done():
	}
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}

		if typ == websocket.MessageBinary {
			c.logger.Debug("unexpected binary frame", slog.Int("bytes", len(data)))
			continue
		}

		c.handle(ctx, data)
	}
}

func (c *conn) handle(ctx context.Context, data []byte) {
	op := wire.OpOf(data)
	ref := wire.RefOf(data)

	var err error

	switch op {
	case wire.OpPing:
		c.send(ctx, map[string]string{"op": wire.OpPong})
		return

	case wire.OpSubscribe:
		var req wire.SubscribeRequest
		if err = wire.Decode(data, &req); err == nil {
			err = c.subscribe(ctx, req)
		}

		c.reply(ctx, ref, "", err)

	case wire.OpUnsubscribe:
		var req wire.UnsubscribeRequest
		if err = wire.Decode(data, &req); err == nil {
			if unsub, ok := c.subs[req.Sub]; ok {
				unsub()
				delete(c.subs, req.Sub)
			}
		}

		c.reply(ctx, ref, "", err)

	case wire.OpCreate:
		var (
			req wire.CreateRequest
			id  string
		)

		if err = wire.Decode(data, &req); err == nil {
			id, err = c.store.Create(ctx, req.Collection, req.Fields)
		}

		c.reply(ctx, ref, id, err)

	case wire.OpMerge:
		var req wire.MergeRequest
		if err = wire.Decode(data, &req); err == nil {
			err = c.store.MergeWrite(ctx, req.Collection, req.ID, req.Fields)
		}

		c.reply(ctx, ref, "", err)

	case wire.OpDelete:
		var req wire.DeleteRequest
		if err = wire.Decode(data, &req); err == nil {
			err = c.store.Delete(ctx, req.Collection, req.ID)
		}

		c.reply(ctx, ref, "", err)

	default:
		c.logger.Debug("unknown op", slog.String("op", op))
		c.send(ctx, wire.ErrorMessage{Op: wire.OpError, Error: fmt.Sprintf("unknown op %q", op)})
	}
}

func (c *conn) subscribe(ctx context.Context, req wire.SubscribeRequest) error {
	if req.Ref == 0 {
		return errors.New("subscribe requires a non-zero ref")
	}

	if _, dup := c.subs[req.Ref]; dup {
		return fmt.Errorf("subscription %d already open", req.Ref)
	}

	sub := req.Ref

	unsub, err := c.store.Subscribe(ctx, req.Collection,
		func(docs []note.RawDoc) {
			c.send(ctx, wire.SnapshotMessage{Op: wire.OpSnapshot, Sub: sub, Docs: docs})
		},
		func(err error) {
			c.send(ctx, wire.ErrorMessage{Op: wire.OpError, Sub: sub, Error: err.Error()})
		},
	)
	if err != nil {
		return err
	}

	c.subs[sub] = unsub
	c.logger.Debug("client subscribed", slog.String("collection", req.Collection), slog.Uint64("sub", sub))

	return nil
}

func (c *conn) reply(ctx context.Context, ref uint64, id string, err error) {
	res := wire.ResultMessage{Op: wire.OpResult, Ref: ref, ID: id}
	if err != nil {
		res.Error = err.Error()
	}

	c.send(ctx, res)
}
