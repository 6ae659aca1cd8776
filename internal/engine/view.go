package engine

import (
	"time"

	"github.com/alexjbarnes/notesync/internal/note"
)

// View is an immutable picture of the engine state handed to renderers.
type View struct {
	// Notes is the replica ordered by updatedAt, newest first.
	Notes []note.Note `json:"notes"`
	// Active is the selected note as last persisted, nil when the
	// collection is empty.
	Active *note.Note `json:"active,omitempty"`
	// Buffer is the text being edited for Active.
	Buffer string `json:"buffer"`
	// Dirty reports whether Buffer differs from Active.Body.
	Dirty bool `json:"dirty"`
	// FlushPending reports whether a debounce timer is armed.
	FlushPending bool `json:"flushPending"`
	// FlushDue is when the armed timer fires, nil when none is armed.
	FlushDue *time.Time `json:"flushDue,omitempty"`
	// Loading stays true until the first snapshot is accepted.
	Loading bool `json:"loading"`
	// Connected turns false once the snapshot stream has failed.
	Connected bool `json:"connected"`
	// LastError is the most recent write or stream failure, cleared by
	// the next successful write.
	LastError string `json:"lastError,omitempty"`
}

// ActiveID returns the active note ID, or "".
func (v *View) ActiveID() string {
	if v == nil || v.Active == nil {
		return ""
	}

	return v.Active.ID
}

// PendingDiff describes the unflushed edits to the active note.
func (v *View) PendingDiff() note.DiffSummary {
	if v == nil || v.Active == nil {
		return note.DiffSummary{}
	}

	return note.Diff(v.Active.Body, v.Buffer)
}
