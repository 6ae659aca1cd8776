// Package wire defines the JSON frames exchanged between a hub and its
// remote clients over a websocket.
//
// Every frame is a JSON object with an "op" field. Requests from the
// client carry a ref that the hub echoes in the matching result. A
// subscription is identified by the ref of the subscribe request that
// opened it; snapshot frames name it in "sub".
package wire

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// Client to hub.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpCreate      = "create"
	OpMerge       = "merge"
	OpDelete      = "delete"
	OpPing        = "ping"
)

// Hub to client.
const (
	OpSnapshot = "snapshot"
	OpResult   = "result"
	OpError    = "error"
	OpPong     = "pong"
)

// Conn abstracts the websocket connection so both ends can be tested
// without a network. *websocket.Conn satisfies this interface.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// MaxFrameBytes bounds a single frame. Snapshots carry whole
// collections, so it is well above the library default.
const MaxFrameBytes = 16 << 20

// SubscribeRequest opens a snapshot stream for a collection.
type SubscribeRequest struct {
	Op         string `json:"op"`
	Ref        uint64 `json:"ref"`
	Collection string `json:"collection"`
}

// UnsubscribeRequest closes the stream opened by the subscribe with ref Sub.
type UnsubscribeRequest struct {
	Op  string `json:"op"`
	Ref uint64 `json:"ref"`
	Sub uint64 `json:"sub"`
}

// CreateRequest adds a document. The result carries the new ID.
type CreateRequest struct {
	Op         string      `json:"op"`
	Ref        uint64      `json:"ref"`
	Collection string      `json:"collection"`
	Fields     note.Fields `json:"fields"`
}

// MergeRequest sets fields on an existing or new document.
type MergeRequest struct {
	Op         string      `json:"op"`
	Ref        uint64      `json:"ref"`
	Collection string      `json:"collection"`
	ID         string      `json:"id"`
	Fields     note.Fields `json:"fields"`
}

// DeleteRequest removes a document.
type DeleteRequest struct {
	Op         string `json:"op"`
	Ref        uint64 `json:"ref"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// SnapshotMessage is a full collection snapshot for one subscription.
type SnapshotMessage struct {
	Op   string        `json:"op"`
	Sub  uint64        `json:"sub"`
	Docs []note.RawDoc `json:"docs"`
}

// ResultMessage answers the request with the same ref. Error is empty on
// success.
type ResultMessage struct {
	Op    string `json:"op"`
	Ref   uint64 `json:"ref"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// ErrorMessage reports a failure not tied to a request. A non-zero Sub
// means that subscription has ended.
type ErrorMessage struct {
	Op    string `json:"op"`
	Sub   uint64 `json:"sub,omitempty"`
	Error string `json:"error"`
}

// OpOf returns the op of a raw frame, or "" if it has none.
func OpOf(data []byte) string {
	return gjson.GetBytes(data, "op").Str
}

// RefOf returns the ref of a raw frame, or 0.
func RefOf(data []byte) uint64 {
	return gjson.GetBytes(data, "ref").Uint()
}

// SubOf returns the subscription a raw frame belongs to, or 0.
func SubOf(data []byte) uint64 {
	return gjson.GetBytes(data, "sub").Uint()
}

// SnapshotDocs reads the documents of a snapshot frame without
// type-checking them. An element with a non-string id gets an empty ID
// and its data is passed through as is, so the receiver's validation
// rejects the snapshot instead of it vanishing here. It reports false
// when docs is missing or not an array.
func SnapshotDocs(data []byte) ([]note.RawDoc, bool) {
	docs := gjson.GetBytes(data, "docs")
	if !docs.IsArray() {
		return nil, false
	}

	out := make([]note.RawDoc, 0, len(docs.Array()))

	docs.ForEach(func(_, v gjson.Result) bool {
		doc := note.RawDoc{Data: json.RawMessage(v.Get("data").Raw)}
		if id := v.Get("id"); id.Type == gjson.String {
			doc.ID = id.Str
		}

		out = append(out, doc)

		return true
	})

	return out, true
}

// WriteJSON marshals v and writes it as a text frame.
func WriteJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// Decode unmarshals a frame whose op is already known.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s message: %w", OpOf(data), err)
	}

	return nil
}
