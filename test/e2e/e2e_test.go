package e2e_test

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- API key access ---

func TestAPIKey_CreateEditFlushReachesOtherEditor(t *testing.T) {
	h := newHarness(t)
	observer := h.startEditor(t)

	session := h.mcpSession(t, &bearerTransport{token: h.APIKey, base: http.DefaultTransport})

	created := callTool(t, session, "note_create", nil)
	var c struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, created)), &c))
	require.NotEmpty(t, c.ID)

	require.Eventually(t, func() bool { return h.Editor.View().ActiveID() == c.ID }, 5*time.Second, 10*time.Millisecond)

	callTool(t, session, "note_edit", map[string]any{"text": "# Shopping\n\nmilk\n"})
	flushed := callTool(t, session, "note_flush", nil)
	assert.Contains(t, extractTextContent(t, flushed), `"written"`)

	require.Eventually(t, func() bool {
		for _, n := range observer.View().Notes {
			if n.ID == c.ID && n.Body == "# Shopping\n\nmilk\n" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	listed := callTool(t, session, "notes_list", nil)
	assert.Contains(t, extractTextContent(t, listed), `"Shopping"`)
}

func TestAPIKey_DebouncedEditPersists(t *testing.T) {
	h := newHarness(t)
	session := h.mcpSession(t, &bearerTransport{token: h.APIKey, base: http.DefaultTransport})

	created := callTool(t, session, "note_create", nil)
	var c struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(extractTextContent(t, created)), &c))
	require.Eventually(t, func() bool { return h.Editor.View().ActiveID() == c.ID }, 5*time.Second, 10*time.Millisecond)

	callTool(t, session, "note_edit", map[string]any{"old_text": "title here", "new_text": "title"})

	require.Eventually(t, func() bool {
		raw, err := h.Store.Get(t.Context(), testCollection, c.ID)
		if err != nil {
			return false
		}
		n, err := note.Decode(raw)
		return err == nil && n.Body == "# Type your markdown note's title"
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return !h.Editor.View().Dirty }, 5*time.Second, 10*time.Millisecond)
}

// --- Basic auth access ---

func TestBasicAuth_MCPToolCall(t *testing.T) {
	h := newHarness(t)
	session := h.mcpSession(t, &basicTransport{username: testUsername, password: testPassword, base: http.DefaultTransport})

	result := callTool(t, session, "notes_list", nil)
	assert.Contains(t, extractTextContent(t, result), `"notes": []`)
}

func TestBasicAuth_WrongPassword(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequestWithContext(t.Context(), "POST", h.MCPURL+"/mcp", nil)
	require.NoError(t, err)
	req.SetBasicAuth(testUsername, "wrong")

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, `Basic realm="notesync"`, resp.Header.Get("WWW-Authenticate"))
}

// --- unauthenticated and invalid key ---

func TestUnauthenticated_Returns401(t *testing.T) {
	h := newHarness(t)

	resp := h.doPost(t, "")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	wwwAuth := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, wwwAuth, "Bearer")
	assert.NotContains(t, wwwAuth, `error=`, "no-credential response should not include error attribute")
}

func TestInvalidKey_Returns401(t *testing.T) {
	h := newHarness(t)

	resp := h.doPost(t, "Bearer ns_invalid-key-value")
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)
}

// --- stream loss ---

func TestStoreClosed_EditorDisconnects(t *testing.T) {
	h := newHarness(t)
	session := h.mcpSession(t, &bearerTransport{token: h.APIKey, base: http.DefaultTransport})

	require.NoError(t, h.Store.Close())

	select {
	case <-h.Editor.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("editor engine did not stop after the store closed")
	}

	v := h.Editor.View()
	assert.False(t, v.Connected)
	assert.NotEmpty(t, v.LastError)

	_, err := h.Editor.CreateNote(t.Context())
	assert.ErrorIs(t, err, nserrors.ErrDisconnected)

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: "note_create", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- helpers ---

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	if args == nil {
		args = map[string]any{}
	}

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))

	return result
}

// extractTextContent pulls the text from the first TextContent in a
// CallToolResult. MCP tools return JSON-serialized results as TextContent.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content, "tool result has no content")

	for _, c := range result.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			return tc.Text
		}
	}

	t.Fatal("no TextContent found in tool result")

	return ""
}
