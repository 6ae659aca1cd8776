// Package mcpserver registers MCP tools that drive the note engine.
// Every tool goes through the engine API, so agent edits share the
// debounce and write-back path with every other editor.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alexjbarnes/notesync/internal/engine"
	nserrors "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/note"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all note tools to the given MCP server.
func RegisterTools(server *mcp.Server, eng *engine.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "notes_list",
		Description: "List every note, newest first, with id, title, frontmatter tags and last update time. No note bodies. Also reports which note is active.",
	}, listHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_read",
		Description: "Read a note. Without an id, returns the active note's edit buffer including unsaved changes.",
	}, readHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_select",
		Description: "Make a note the active one. Only the active note can be edited.",
	}, selectHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_edit",
		Description: "Edit the active note. Pass text to replace the whole buffer, or old_text and new_text for a find and replace where old_text must appear exactly once. Changes are saved after the debounce delay or by note_flush.",
	}, editHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_create",
		Description: "Create a new note with the default body. It becomes the active note once the store confirms it.",
	}, createHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_delete",
		Description: "Delete a note by id. If it was active, the newest remaining note becomes active.",
	}, deleteHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_flush",
		Description: "Save the active note's buffer now instead of waiting for the debounce delay. Also retries a failed save.",
	}, flushHandler(eng))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "note_pending_diff",
		Description: "Show the unsaved changes to the active note as a character diff.",
	}, pendingDiffHandler(eng))
}

// --- Input types ---

// ListInput holds parameters for notes_list.
type ListInput struct{}

// ReadInput holds parameters for note_read.
type ReadInput struct {
	ID string `json:"id,omitempty" jsonschema:"note id, defaults to the active note"`
}

// SelectInput holds parameters for note_select.
type SelectInput struct {
	ID string `json:"id" jsonschema:"required,note id to make active"`
}

// EditInput holds parameters for note_edit.
type EditInput struct {
	Text    *string `json:"text,omitempty" jsonschema:"full replacement text for the buffer"`
	OldText string  `json:"old_text,omitempty" jsonschema:"exact text to find (must appear once)"`
	NewText string  `json:"new_text,omitempty" jsonschema:"replacement for old_text, empty to delete"`
}

// CreateInput holds parameters for note_create.
type CreateInput struct{}

// DeleteInput holds parameters for note_delete.
type DeleteInput struct {
	ID string `json:"id" jsonschema:"required,note id to delete"`
}

// FlushInput holds parameters for note_flush.
type FlushInput struct{}

// DiffInput holds parameters for note_pending_diff.
type DiffInput struct{}

// --- Result types ---

// NoteSummary is one entry of notes_list.
type NoteSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Tags      []string `json:"tags,omitempty"`
	UpdatedAt int64    `json:"updatedAt"`
}

// ListResult is returned by notes_list.
type ListResult struct {
	Notes     []NoteSummary `json:"notes"`
	ActiveID  string        `json:"activeId,omitempty"`
	Loading   bool          `json:"loading"`
	Connected bool          `json:"connected"`
}

// ReadResult is returned by note_read.
type ReadResult struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Active    bool       `json:"active"`
	Dirty     bool       `json:"dirty"`
	UpdatedAt int64      `json:"updatedAt"`
	FlushDue  *time.Time `json:"flushDue,omitempty"`
}

// SelectResult is returned by note_select.
type SelectResult struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// EditResult is returned by note_edit.
type EditResult struct {
	ID       string `json:"id"`
	Inserted int    `json:"inserted"`
	Deleted  int    `json:"deleted"`
}

// CreateResult is returned by note_create.
type CreateResult struct {
	ID string `json:"id"`
}

// DeleteResult is returned by note_delete.
type DeleteResult struct {
	ID string `json:"id"`
}

// FlushResult is returned by note_flush.
type FlushResult struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

// --- Handlers ---

func listHandler(eng *engine.Engine) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		v := eng.View()
		result := &ListResult{
			Notes:     make([]NoteSummary, 0, len(v.Notes)),
			ActiveID:  v.ActiveID(),
			Loading:   v.Loading,
			Connected: v.Connected,
		}
		for _, n := range v.Notes {
			result.Notes = append(result.Notes, NoteSummary{ID: n.ID, Title: n.Title(), Tags: n.Tags(), UpdatedAt: n.UpdatedAt})
		}
		return textResult(result), result, nil
	}
}

func readHandler(eng *engine.Engine) mcp.ToolHandlerFor[ReadInput, *ReadResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ReadInput) (*mcp.CallToolResult, *ReadResult, error) {
		v := eng.View()

		id := input.ID
		if id == "" {
			id = v.ActiveID()
			if id == "" {
				return nil, nil, nserrors.ErrNoActiveNote
			}
		}

		if id == v.ActiveID() {
			result := &ReadResult{
				ID:        id,
				Title:     note.Title(v.Buffer),
				Body:      v.Buffer,
				Active:    true,
				Dirty:     v.Dirty,
				UpdatedAt: v.Active.UpdatedAt,
				FlushDue:  v.FlushDue,
			}
			return textResult(result), result, nil
		}

		n, ok := findNote(v.Notes, id)
		if !ok {
			return nil, nil, fmt.Errorf("reading %s: %w", id, nserrors.ErrNoteNotFound)
		}
		result := &ReadResult{ID: n.ID, Title: n.Title(), Body: n.Body, UpdatedAt: n.UpdatedAt}
		return textResult(result), result, nil
	}
}

func selectHandler(eng *engine.Engine) mcp.ToolHandlerFor[SelectInput, *SelectResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SelectInput) (*mcp.CallToolResult, *SelectResult, error) {
		if err := eng.Select(ctx, input.ID); err != nil {
			return nil, nil, err
		}
		result := &SelectResult{ID: input.ID}
		if n, ok := findNote(eng.View().Notes, input.ID); ok {
			result.Title = n.Title()
		}
		return textResult(result), result, nil
	}
}

// editHandler applies a full-text or find-and-replace edit to the buffer.
// The replace reads the buffer from the current view, so an edit landing
// between the read and the write is overwritten.
func editHandler(eng *engine.Engine) mcp.ToolHandlerFor[EditInput, *EditResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EditInput) (*mcp.CallToolResult, *EditResult, error) {
		v := eng.View()
		if v.Active == nil {
			return nil, nil, nserrors.ErrNoActiveNote
		}

		var text string
		switch {
		case input.Text != nil:
			if input.OldText != "" {
				return nil, nil, errors.New("pass either text or old_text, not both")
			}
			text = *input.Text
		case input.OldText != "":
			replaced, err := replaceOnce(v.Buffer, input.OldText, input.NewText)
			if err != nil {
				return nil, nil, err
			}
			text = replaced
		default:
			return nil, nil, errors.New("text or old_text is required")
		}

		if err := eng.Edit(ctx, text); err != nil {
			return nil, nil, err
		}

		d := note.Diff(v.Buffer, text)
		result := &EditResult{ID: v.Active.ID, Inserted: d.Inserted, Deleted: d.Deleted}
		return textResult(result), result, nil
	}
}

func createHandler(eng *engine.Engine) mcp.ToolHandlerFor[CreateInput, *CreateResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ CreateInput) (*mcp.CallToolResult, *CreateResult, error) {
		id, err := eng.CreateNote(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &CreateResult{ID: id}
		return textResult(result), result, nil
	}
}

func deleteHandler(eng *engine.Engine) mcp.ToolHandlerFor[DeleteInput, *DeleteResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input DeleteInput) (*mcp.CallToolResult, *DeleteResult, error) {
		if err := eng.DeleteNote(ctx, input.ID); err != nil {
			return nil, nil, err
		}
		result := &DeleteResult{ID: input.ID}
		return textResult(result), result, nil
	}
}

func flushHandler(eng *engine.Engine) mcp.ToolHandlerFor[FlushInput, *FlushResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ FlushInput) (*mcp.CallToolResult, *FlushResult, error) {
		id := eng.View().ActiveID()
		res, err := eng.Flush(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := &FlushResult{ID: id, Result: res.String()}
		return textResult(result), result, nil
	}
}

func pendingDiffHandler(eng *engine.Engine) mcp.ToolHandlerFor[DiffInput, *note.DiffSummary] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ DiffInput) (*mcp.CallToolResult, *note.DiffSummary, error) {
		if eng.View().Active == nil {
			return nil, nil, nserrors.ErrNoActiveNote
		}
		result := eng.PendingDiff()
		return textResult(result), &result, nil
	}
}

func findNote(notes []note.Note, id string) (note.Note, bool) {
	for _, n := range notes {
		if n.ID == id {
			return n, true
		}
	}
	return note.Note{}, false
}

func replaceOnce(content, oldText, newText string) (string, error) {
	switch count := strings.Count(content, oldText); count {
	case 0:
		return "", errors.New("text not found in note")
	case 1:
		return strings.Replace(content, oldText, newText, 1), nil
	default:
		return "", fmt.Errorf("text appears %d times in note, must be unique", count)
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
