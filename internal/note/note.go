// Package note defines the note document shared by the engine, the stores
// and the wire protocol.
package note

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"

	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/tidwall/gjson"
)

// DefaultBody is the body given to freshly created notes.
const DefaultBody = "# Type your markdown note's title here"

// Note is a single document of the collection. Timestamps are epoch
// milliseconds, matching what the stores persist.
type Note struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Title returns the display title of the note.
func (n Note) Title() string {
	return Title(n.Body)
}

// Tags returns the note's frontmatter tags.
func (n Note) Tags() []string {
	return Tags(n.Body)
}

// RawDoc is a document as delivered by a store: the store-assigned ID
// travels alongside the JSON field set rather than inside it.
type RawDoc struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Fields is a partial document used for create and merge-write calls.
// Nil fields are left untouched by a merge.
type Fields struct {
	Body      *string `json:"body,omitempty"`
	CreatedAt *int64  `json:"createdAt,omitempty"`
	UpdatedAt *int64  `json:"updatedAt,omitempty"`
}

// NewFields returns the full field set for a new note created at nowMs.
func NewFields(body string, nowMs int64) Fields {
	return Fields{Body: &body, CreatedAt: &nowMs, UpdatedAt: &nowMs}
}

// BodyUpdate returns the merge-write payload for a body edit.
func BodyUpdate(body string, nowMs int64) Fields {
	return Fields{Body: &body, UpdatedAt: &nowMs}
}

// Decode validates a raw document and converts it to a Note. Missing or
// mistyped fields are reported as ErrInvalidSnapshot; they are never
// defaulted.
func Decode(raw RawDoc) (Note, error) {
	if raw.ID == "" {
		return Note{}, fmt.Errorf("%w: document without id", nserrors.ErrInvalidSnapshot)
	}

	if !gjson.ValidBytes(raw.Data) {
		return Note{}, fmt.Errorf("%w: document %q: malformed json", nserrors.ErrInvalidSnapshot, raw.ID)
	}

	body := gjson.GetBytes(raw.Data, "body")
	if body.Type != gjson.String {
		return Note{}, fmt.Errorf("%w: document %q: missing or non-string body", nserrors.ErrInvalidSnapshot, raw.ID)
	}

	createdAt := gjson.GetBytes(raw.Data, "createdAt")
	if createdAt.Type != gjson.Number {
		return Note{}, fmt.Errorf("%w: document %q: missing or non-numeric createdAt", nserrors.ErrInvalidSnapshot, raw.ID)
	}

	updatedAt := gjson.GetBytes(raw.Data, "updatedAt")
	if updatedAt.Type != gjson.Number {
		return Note{}, fmt.Errorf("%w: document %q: missing or non-numeric updatedAt", nserrors.ErrInvalidSnapshot, raw.ID)
	}

	return Note{
		ID:        raw.ID,
		Body:      body.Str,
		CreatedAt: createdAt.Int(),
		UpdatedAt: updatedAt.Int(),
	}, nil
}

// SortByUpdatedDesc returns a copy of notes ordered most recently updated
// first. Ties keep their input order.
func SortByUpdatedDesc(notes []Note) []Note {
	out := slices.Clone(notes)
	slices.SortStableFunc(out, func(a, b Note) int {
		return cmp.Compare(b.UpdatedAt, a.UpdatedAt)
	})

	return out
}
