package engine

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/stretchr/testify/require"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const testCollection = "notes"

// doc builds a well-formed raw document.
func doc(id, body string, updatedAt int64) note.RawDoc {
	return note.RawDoc{
		ID:   id,
		Data: []byte(fmt.Sprintf(`{"body":%q,"createdAt":%d,"updatedAt":%d}`, body, updatedAt, updatedAt)),
	}
}

func ids(notes []note.Note) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.ID
	}

	return out
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	require.FailNow(t, "timed out waiting for condition")
}
