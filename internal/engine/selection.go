package engine

import "github.com/alexjbarnes/notesync/internal/note"

// Resolve returns the active note for a replica and a requested ID: the
// requested note when present, otherwise the first note in snapshot
// order. It reports false only when the replica is empty.
func Resolve(r *Replica, requested string) (note.Note, bool) {
	if n, ok := r.Get(requested); ok {
		return n, true
	}

	return r.First()
}
