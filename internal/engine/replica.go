package engine

import (
	"fmt"

	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/note"
)

// Replica is an immutable copy of one snapshot. Notes keep the order the
// store delivered them in; that order defines the fallback selection.
type Replica struct {
	notes []note.Note
	index map[string]int
}

// NewReplica decodes and validates a snapshot. Any malformed document or
// duplicate ID rejects the whole snapshot with ErrInvalidSnapshot.
func NewReplica(docs []note.RawDoc) (*Replica, error) {
	r := &Replica{
		notes: make([]note.Note, 0, len(docs)),
		index: make(map[string]int, len(docs)),
	}

	for _, doc := range docs {
		n, err := note.Decode(doc)
		if err != nil {
			return nil, err
		}

		if _, dup := r.index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate document id %q", nserrors.ErrInvalidSnapshot, n.ID)
		}

		r.index[n.ID] = len(r.notes)
		r.notes = append(r.notes, n)
	}

	return r, nil
}

// Len returns the number of notes.
func (r *Replica) Len() int {
	if r == nil {
		return 0
	}

	return len(r.notes)
}

// Get returns the note with the given ID.
func (r *Replica) Get(id string) (note.Note, bool) {
	if r == nil || id == "" {
		return note.Note{}, false
	}

	i, ok := r.index[id]
	if !ok {
		return note.Note{}, false
	}

	return r.notes[i], true
}

// Has reports whether id is present.
func (r *Replica) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// First returns the first note in snapshot order.
func (r *Replica) First() (note.Note, bool) {
	if r.Len() == 0 {
		return note.Note{}, false
	}

	return r.notes[0], true
}

// Notes returns a copy of the notes in snapshot order.
func (r *Replica) Notes() []note.Note {
	if r == nil {
		return nil
	}

	out := make([]note.Note, len(r.notes))
	copy(out, r.notes)

	return out
}
