package engine

import "github.com/alexjbarnes/notesync/internal/note"

// EditBuffer holds the text being edited for the active note. It is kept
// apart from the note body so keystrokes never wait on the store.
type EditBuffer struct {
	noteID string
	text   string
}

// Reset replaces the buffer with n's persisted body. Any unflushed text
// for the previous note is discarded.
func (b *EditBuffer) Reset(n note.Note) {
	b.noteID = n.ID
	b.text = n.Body
}

// Set replaces the buffer text.
func (b *EditBuffer) Set(text string) {
	b.text = text
}

// Clear detaches the buffer from any note.
func (b *EditBuffer) Clear() {
	b.noteID = ""
	b.text = ""
}

// NoteID returns the ID of the note the buffer belongs to, or "".
func (b *EditBuffer) NoteID() string { return b.noteID }

// Text returns the buffered text.
func (b *EditBuffer) Text() string { return b.text }
