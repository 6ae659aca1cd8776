// Package mirror keeps a plain file on disk in step with the engine's
// active note, so any text editor can edit it. The file is rewritten
// when the active note changes, and writes to it become engine edits.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/fsnotify/fsnotify"
)

const (
	mirrorDirPerm  = fs.FileMode(0o755)
	mirrorFilePerm = fs.FileMode(0o644)

	// checkInterval is how often pending file events are examined.
	checkInterval = 100 * time.Millisecond

	// settleDelay batches the burst of events an editor save produces
	// into a single edit.
	settleDelay = 300 * time.Millisecond
)

// editor is the subset of engine.Engine the mirror drives. Extracted
// for testability.
type editor interface {
	View() *engine.View
	Updates() <-chan struct{}
	Stopped() <-chan struct{}
	Edit(ctx context.Context, text string) error
}

// Mirror bridges one file and the engine's active note.
type Mirror struct {
	path   string
	eng    editor
	logger *slog.Logger

	tick   time.Duration
	settle time.Duration

	// activeID is the note whose buffer the file currently holds.
	activeID string
	// written is the SHA-256 of the content the mirror itself last
	// wrote or applied. File events with this hash are echoes.
	written string
}

// New creates a mirror of eng's active note at path.
func New(path string, eng *engine.Engine, logger *slog.Logger) *Mirror {
	return newMirror(path, eng, logger)
}

func newMirror(path string, eng editor, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}

	return &Mirror{
		path:   filepath.Clean(path),
		eng:    eng,
		logger: logger.With(slog.String("component", "mirror"), slog.String("path", path)),
		tick:   checkInterval,
		settle: settleDelay,
	}
}

// Run mirrors until ctx is cancelled or the engine stops. The file's
// directory is watched rather than the file, so editors that save by
// renaming a temp file over it are still seen.
func (m *Mirror) Run(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, mirrorDirPerm); err != nil {
		return fmt.Errorf("creating mirror dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching mirror dir: %w", err)
	}

	m.logger.Info("mirror started")
	m.syncActive()

	var pendingSince time.Time

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-m.eng.Stopped():
			return nil

		case <-m.eng.Updates():
			if m.syncActive() {
				pendingSince = time.Time{}
			}

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != m.path {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pendingSince = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			m.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if pendingSince.IsZero() || time.Since(pendingSince) < m.settle {
				continue
			}

			pendingSince = time.Time{}
			m.handleWrite(ctx)
		}
	}
}

// syncActive rewrites the file when the active note has changed and
// reports whether it did.
func (m *Mirror) syncActive() bool {
	v := m.eng.View()
	if v.Loading {
		return false
	}

	id := v.ActiveID()
	if id == m.activeID {
		return false
	}

	m.activeID = id
	if id == "" {
		m.logger.Info("no active note, mirror idle")
		return true
	}

	if err := m.writeFile(v.Buffer); err != nil {
		m.logger.Warn("writing mirror file failed",
			slog.String("note_id", id),
			slog.String("error", err.Error()),
		)

		return true
	}

	m.logger.Info("mirroring note", slog.String("note_id", id))

	return true
}

// handleWrite turns the file's content into an edit of the active note
// unless it is an echo of the mirror's own write.
func (m *Mirror) handleWrite(ctx context.Context) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		m.logger.Debug("reading mirror file failed", slog.String("error", err.Error()))
		return
	}

	sum := contentHash(data)
	if sum == m.written {
		return
	}

	if m.activeID == "" || m.eng.View().ActiveID() != m.activeID {
		m.logger.Debug("ignoring mirror write, active note changed")
		return
	}

	if err := m.eng.Edit(ctx, string(data)); err != nil {
		m.logger.Warn("applying mirror edit failed",
			slog.String("note_id", m.activeID),
			slog.String("error", err.Error()),
		)

		return
	}

	m.written = sum
	m.logger.Debug("applied mirror edit", slog.String("note_id", m.activeID), slog.Int("bytes", len(data)))
}

// writeFile replaces the file atomically: temp file, then rename.
func (m *Mirror) writeFile(content string) error {
	dir := filepath.Dir(m.path)

	tmp, err := os.CreateTemp(dir, ".notesync-mirror-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, mirrorFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting file permissions: %w", err)
	}

	// Record before the rename so the resulting events are recognised.
	m.written = contentHash([]byte(content))

	if err := os.Rename(tmpName, m.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

func contentHash(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
