package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/alexjbarnes/notesync/internal/notestore"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCollection = "notes"

type fixture struct {
	session *mcp.ClientSession
	eng     *engine.Engine
	store   *notestore.Store
	alpha   string
	beta    string
}

// testSetup seeds a store with two notes, runs an engine over it,
// registers tools on an MCP server and returns a connected client
// session. Beta is newer and starts out active.
func testSetup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := notestore.Open(filepath.Join(t.TempDir(), "notes.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	alpha, err := store.Create(ctx, testCollection, note.NewFields("# Alpha\n\nfirst note\n", 1000))
	require.NoError(t, err)
	beta, err := store.Create(ctx, testCollection, note.NewFields("# Beta\n\nrepeat\nrepeat\n", 2000))
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{
		Store:      store,
		Collection: testCollection,
		Debounce:   time.Hour,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(runCtx) }()
	t.Cleanup(func() {
		eng.Close()
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return eng.View().ActiveID() == beta }, 2*time.Second, 5*time.Millisecond)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "notesync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, eng)

	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return &fixture{session: session, eng: eng, store: store, alpha: alpha, beta: beta}
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest interface{}) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func storedBody(t *testing.T, store *notestore.Store, id string) string {
	t.Helper()
	raw, err := store.Get(context.Background(), testCollection, id)
	require.NoError(t, err)
	n, err := note.Decode(raw)
	require.NoError(t, err)
	return n.Body
}

func TestListTools(t *testing.T) {
	f := testSetup(t)
	result, err := f.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"notes_list", "note_read", "note_select", "note_edit",
		"note_create", "note_delete", "note_flush", "note_pending_diff",
	}, names)
}

func TestNotesList(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "notes_list", map[string]interface{}{})
	require.False(t, result.IsError)

	var list ListResult
	extractJSON(t, result, &list)
	require.Len(t, list.Notes, 2)
	assert.Equal(t, f.beta, list.Notes[0].ID)
	assert.Equal(t, "Beta", list.Notes[0].Title)
	assert.Equal(t, int64(2000), list.Notes[0].UpdatedAt)
	assert.Equal(t, f.alpha, list.Notes[1].ID)
	assert.Equal(t, "Alpha", list.Notes[1].Title)
	assert.Equal(t, f.beta, list.ActiveID)
	assert.True(t, list.Connected)
	assert.False(t, list.Loading)
}

func TestRead_ActiveBuffer(t *testing.T) {
	f := testSetup(t)
	require.NoError(t, f.eng.Edit(context.Background(), "# Beta v2\n"))

	result := callTool(t, f.session, "note_read", map[string]interface{}{})
	require.False(t, result.IsError)

	var read ReadResult
	extractJSON(t, result, &read)
	assert.Equal(t, f.beta, read.ID)
	assert.Equal(t, "# Beta v2\n", read.Body)
	assert.Equal(t, "Beta v2", read.Title)
	assert.True(t, read.Active)
	assert.True(t, read.Dirty)
	assert.NotNil(t, read.FlushDue)
}

func TestRead_OtherNote(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_read", map[string]interface{}{"id": f.alpha})
	require.False(t, result.IsError)

	var read ReadResult
	extractJSON(t, result, &read)
	assert.Equal(t, "# Alpha\n\nfirst note\n", read.Body)
	assert.False(t, read.Active)
	assert.False(t, read.Dirty)
}

func TestRead_UnknownNote(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_read", map[string]interface{}{"id": "missing"})
	assert.True(t, result.IsError)
}

func TestSelect(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_select", map[string]interface{}{"id": f.alpha})
	require.False(t, result.IsError)

	var sel SelectResult
	extractJSON(t, result, &sel)
	assert.Equal(t, f.alpha, sel.ID)
	assert.Equal(t, "Alpha", sel.Title)
	assert.Equal(t, f.alpha, f.eng.View().ActiveID())
	assert.Equal(t, "# Alpha\n\nfirst note\n", f.eng.View().Buffer)
}

func TestSelect_UnknownNote(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_select", map[string]interface{}{"id": "missing"})
	assert.True(t, result.IsError)
	assert.Equal(t, f.beta, f.eng.View().ActiveID())
}

func TestEdit_FullText(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_edit", map[string]interface{}{"text": "# Rewritten\n"})
	require.False(t, result.IsError)

	var edit EditResult
	extractJSON(t, result, &edit)
	assert.Equal(t, f.beta, edit.ID)
	assert.Positive(t, edit.Inserted)
	assert.Positive(t, edit.Deleted)

	v := f.eng.View()
	assert.Equal(t, "# Rewritten\n", v.Buffer)
	assert.True(t, v.Dirty)
	assert.True(t, v.FlushPending)
}

func TestEdit_FullTextEmpty(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_edit", map[string]interface{}{"text": ""})
	require.False(t, result.IsError)
	assert.Equal(t, "", f.eng.View().Buffer)
}

func TestEdit_Replace(t *testing.T) {
	f := testSetup(t)
	require.NoError(t, f.eng.Select(context.Background(), f.alpha))

	result := callTool(t, f.session, "note_edit", map[string]interface{}{
		"old_text": "first",
		"new_text": "only",
	})
	require.False(t, result.IsError)

	var edit EditResult
	extractJSON(t, result, &edit)
	assert.Equal(t, f.alpha, edit.ID)
	assert.Equal(t, "# Alpha\n\nonly note\n", f.eng.View().Buffer)
}

func TestEdit_ReplaceDeletesText(t *testing.T) {
	f := testSetup(t)
	require.NoError(t, f.eng.Select(context.Background(), f.alpha))

	result := callTool(t, f.session, "note_edit", map[string]interface{}{
		"old_text": "first note\n",
		"new_text": "",
	})
	require.False(t, result.IsError)
	assert.Equal(t, "# Alpha\n\n", f.eng.View().Buffer)
}

func TestEdit_TextNotFound(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_edit", map[string]interface{}{
		"old_text": "nonexistent text",
		"new_text": "replacement",
	})
	assert.True(t, result.IsError)
	assert.False(t, f.eng.View().Dirty)
}

func TestEdit_TextNotUnique(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_edit", map[string]interface{}{
		"old_text": "repeat",
		"new_text": "once",
	})
	assert.True(t, result.IsError)
	assert.False(t, f.eng.View().Dirty)
}

func TestEdit_NoArguments(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_edit", map[string]interface{}{})
	assert.True(t, result.IsError)
}

func TestEdit_BothModes(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_edit", map[string]interface{}{
		"text":     "x",
		"old_text": "repeat",
	})
	assert.True(t, result.IsError)
}

func TestFlush_WritesBuffer(t *testing.T) {
	f := testSetup(t)
	callTool(t, f.session, "note_edit", map[string]interface{}{"text": "# Saved\n"})

	result := callTool(t, f.session, "note_flush", map[string]interface{}{})
	require.False(t, result.IsError)

	var flush FlushResult
	extractJSON(t, result, &flush)
	assert.Equal(t, f.beta, flush.ID)
	assert.Equal(t, "written", flush.Result)
	assert.Equal(t, "# Saved\n", storedBody(t, f.store, f.beta))
}

func TestFlush_Unchanged(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_flush", map[string]interface{}{})
	require.False(t, result.IsError)

	var flush FlushResult
	extractJSON(t, result, &flush)
	assert.Equal(t, "skipped", flush.Result)
}

func TestPendingDiff(t *testing.T) {
	f := testSetup(t)
	require.NoError(t, f.eng.Select(context.Background(), f.alpha))
	callTool(t, f.session, "note_edit", map[string]interface{}{
		"old_text": "first note",
		"new_text": "first note!!",
	})

	result := callTool(t, f.session, "note_pending_diff", map[string]interface{}{})
	require.False(t, result.IsError)

	var diff note.DiffSummary
	extractJSON(t, result, &diff)
	assert.Equal(t, 2, diff.Inserted)
	assert.Equal(t, 0, diff.Deleted)
	assert.NotEmpty(t, diff.Patch)
}

func TestCreate(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_create", map[string]interface{}{})
	require.False(t, result.IsError)

	var created CreateResult
	extractJSON(t, result, &created)
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool { return f.eng.View().ActiveID() == created.ID }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, note.DefaultBody, f.eng.View().Buffer)
	assert.Equal(t, note.DefaultBody, storedBody(t, f.store, created.ID))
}

func TestDelete_ActiveReselects(t *testing.T) {
	f := testSetup(t)
	result := callTool(t, f.session, "note_delete", map[string]interface{}{"id": f.beta})
	require.False(t, result.IsError)

	require.Eventually(t, func() bool { return f.eng.View().ActiveID() == f.alpha }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, f.eng.View().Notes, 1)
}

func TestDelete_LastNoteLeavesNoActive(t *testing.T) {
	f := testSetup(t)
	callTool(t, f.session, "note_delete", map[string]interface{}{"id": f.alpha})
	callTool(t, f.session, "note_delete", map[string]interface{}{"id": f.beta})

	require.Eventually(t, func() bool { return len(f.eng.View().Notes) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.eng.View().ActiveID())

	result := callTool(t, f.session, "note_read", map[string]interface{}{})
	assert.True(t, result.IsError)
	result = callTool(t, f.session, "note_edit", map[string]interface{}{"text": "x"})
	assert.True(t, result.IsError)
	result = callTool(t, f.session, "note_pending_diff", map[string]interface{}{})
	assert.True(t, result.IsError)
}

func TestNotesList_FrontmatterTags(t *testing.T) {
	f := testSetup(t)
	callTool(t, f.session, "note_edit", map[string]interface{}{"text": "---\ntitle: Beta Plan\ntags: [work, q3]\n---\nbody\n"})
	callTool(t, f.session, "note_flush", map[string]interface{}{})

	require.Eventually(t, func() bool { return !f.eng.View().Dirty }, 2*time.Second, 5*time.Millisecond)

	var list ListResult
	extractJSON(t, callTool(t, f.session, "notes_list", map[string]interface{}{}), &list)

	var beta NoteSummary
	for _, n := range list.Notes {
		if n.ID == f.beta {
			beta = n
		}
	}
	assert.Equal(t, "Beta Plan", beta.Title)
	assert.Equal(t, []string{"work", "q3"}, beta.Tags)
}
