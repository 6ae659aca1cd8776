package engine

import (
	"log/slog"

	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/metrics"
	"github.com/alexjbarnes/notesync/internal/note"
)

// flushJob is a write the loop wants issued. The persisted body is
// captured with the text so the no-op check compares like with like.
type flushJob struct {
	noteID    string
	text      string
	persisted string
}

// session is the engine state owned by the event loop goroutine. None of
// its methods block or touch the store; writes come back as flushJobs.
type session struct {
	logger        *slog.Logger
	flushOnSwitch bool

	replica  *Replica
	buffer   EditBuffer
	debounce *Debouncer

	// requested is the ID the user (or a create) asked for. It may name
	// a note that is not in the replica yet.
	requested string
	// requestedSeen is set once requested has appeared in a replica. A
	// seen ID that disappears was deleted and gets re-pinned; an unseen
	// one is still waiting for its snapshot.
	requestedSeen bool

	loaded    bool
	connected bool
	lastErr   error
}

func newSession(logger *slog.Logger, debounce *Debouncer, flushOnSwitch bool) *session {
	return &session{
		logger:        logger,
		flushOnSwitch: flushOnSwitch,
		replica:       &Replica{},
		debounce:      debounce,
		connected:     true,
	}
}

// applySnapshot replaces the replica. A rejected snapshot leaves the
// previous replica and the loading flag untouched. A pending debounce
// timer survives unless the active note changes.
func (s *session) applySnapshot(docs []note.RawDoc) ([]flushJob, error) {
	if !s.connected {
		return nil, nserrors.ErrDisconnected
	}

	r, err := NewReplica(docs)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn("rejected snapshot", slog.String("error", err.Error()))

		return nil, err
	}

	metrics.SnapshotsTotal.WithLabelValues("applied").Inc()

	s.replica = r
	if !s.loaded {
		s.loaded = true
		s.logger.Info("initial snapshot loaded", slog.Int("notes", r.Len()))
	}

	return s.reselect(), nil
}

// requestSelection records id as the wanted note and re-resolves.
func (s *session) requestSelection(id string) []flushJob {
	s.requested = id
	s.requestedSeen = s.replica.Has(id)

	return s.reselect()
}

// reselect recomputes the active note and resets the buffer when the
// active ID changed.
func (s *session) reselect() []flushJob {
	active, ok := Resolve(s.replica, s.requested)

	switch {
	case !ok:
	case s.replica.Has(s.requested):
		s.requestedSeen = true
	case s.requested == "" || s.requestedSeen:
		// Nothing requested yet, or the requested note was deleted: pin
		// the fallback so later reordering cannot move the selection.
		s.requested = active.ID
		s.requestedSeen = true
	}

	newID := ""
	if ok {
		newID = active.ID
	}

	prevID := s.buffer.NoteID()
	if newID == prevID {
		return nil
	}

	var jobs []flushJob

	if s.flushOnSwitch && prevID != "" {
		if prev, found := s.replica.Get(prevID); found {
			jobs = append(jobs, flushJob{noteID: prevID, text: s.buffer.Text(), persisted: prev.Body})
		} else if s.debounce.Pending() {
			s.logger.Debug("dropping pending edit for deleted note", slog.String("note", prevID))
		}
	}

	s.debounce.Cancel()

	if ok {
		s.buffer.Reset(active)
	} else {
		s.buffer.Clear()
	}

	s.logger.Debug("active note changed", slog.String("from", prevID), slog.String("to", newID))

	return jobs
}

// edit replaces the buffer and re-arms the debounce timer.
func (s *session) edit(text string) error {
	if !s.connected {
		return nserrors.ErrDisconnected
	}

	if s.buffer.NoteID() == "" {
		return nserrors.ErrNoActiveNote
	}

	s.buffer.Set(text)
	s.debounce.Arm()

	return nil
}

// timerFired turns an accepted debounce firing into a flush of the
// buffer as it is now.
func (s *session) timerFired(seq uint64) (flushJob, bool) {
	if !s.debounce.Accept(seq) {
		return flushJob{}, false
	}

	return s.activeFlush()
}

// takeFlush cancels any pending timer and returns a flush for the
// active buffer, for explicit flush requests.
func (s *session) takeFlush() (flushJob, error) {
	if s.buffer.NoteID() == "" {
		return flushJob{}, nserrors.ErrNoActiveNote
	}

	s.debounce.Cancel()

	job, ok := s.activeFlush()
	if !ok {
		return flushJob{}, nserrors.ErrNoteNotFound
	}

	return job, nil
}

func (s *session) activeFlush() (flushJob, bool) {
	id := s.buffer.NoteID()
	if id == "" {
		return flushJob{}, false
	}

	n, ok := s.replica.Get(id)
	if !ok {
		// Merging into a deleted note would recreate it.
		s.logger.Debug("skipping flush for note missing from replica", slog.String("note", id))
		return flushJob{}, false
	}

	return flushJob{noteID: id, text: s.buffer.Text(), persisted: n.Body}, true
}

// disconnect stops all further mutation after a stream failure.
func (s *session) disconnect(err error) {
	s.connected = false
	s.lastErr = err
	s.debounce.Cancel()
}

func (s *session) view() *View {
	v := &View{
		Notes:        note.SortByUpdatedDesc(s.replica.Notes()),
		Loading:      !s.loaded,
		Connected:    s.connected,
		FlushPending: s.debounce.Pending(),
	}

	if id := s.buffer.NoteID(); id != "" {
		if n, ok := s.replica.Get(id); ok {
			v.Active = &n
			v.Buffer = s.buffer.Text()
			v.Dirty = v.Buffer != n.Body
		}
	}

	if due, ok := s.debounce.Deadline(); ok {
		v.FlushDue = &due
	}

	if s.lastErr != nil {
		v.LastError = s.lastErr.Error()
	}

	return v
}
