package e2e_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/hub"
	"github.com/alexjbarnes/notesync/internal/mcpserver"
	"github.com/alexjbarnes/notesync/internal/notestore"
	"github.com/alexjbarnes/notesync/internal/remote"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testCollection = "notes"
	testUsername   = "testuser"
	testPassword   = "testpass"
	testDebounce   = 50 * time.Millisecond
)

// harness holds the full e2e stack: a hub serving a bbolt store, an
// editor engine connected to it over a websocket, and an MCP server
// driving that engine behind the auth middleware.
type harness struct {
	HubURL string
	MCPURL string
	APIKey string
	Store  *notestore.Store
	Editor *engine.Engine
	Client *http.Client
}

// newHarness wires up the hub, one remote editor and the MCP endpoint
// with httptest servers.
func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	store, err := notestore.Open(filepath.Join(t.TempDir(), "notes.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	apiKey := auth.GenerateAPIKey()
	keys := auth.NewKeyStore()
	keys.Add("editor", apiKey)

	hash, err := auth.HashPassword(testPassword)
	require.NoError(t, err)
	users := auth.UserCredentials{testUsername: hash}

	hubSrv := httptest.NewServer(hub.NewMux(hub.MuxConfig{
		Hub:    hub.NewServer(store, logger),
		Keys:   keys,
		Users:  users,
		Logger: logger,
	}))
	t.Cleanup(hubSrv.Close)

	h := &harness{
		HubURL: "ws" + strings.TrimPrefix(hubSrv.URL, "http") + "/notes",
		APIKey: apiKey,
		Store:  store,
		Client: &http.Client{Timeout: 10 * time.Second},
	}

	h.Editor = h.startEditor(t)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "notesync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, h.Editor)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(keys, users, logger)(mcpHandler))

	mcpSrv := httptest.NewServer(mux)
	t.Cleanup(mcpSrv.Close)
	h.MCPURL = mcpSrv.URL

	return h
}

// startEditor dials the hub and runs an engine over the connection until
// the test ends.
func (h *harness) startEditor(t *testing.T) *engine.Engine {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	client, err := remote.Dial(t.Context(), h.HubURL, h.APIKey, logger)
	require.NoError(t, err)

	eng, err := engine.New(engine.Options{
		Store:         client,
		Collection:    testCollection,
		Debounce:      testDebounce,
		FlushOnSwitch: true,
		Logger:        logger,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- eng.Run(ctx) }()

	t.Cleanup(func() {
		eng.Close()
		cancel()
		<-done
		client.Close()
	})

	require.Eventually(t, func() bool { return !eng.View().Loading }, 5*time.Second, 10*time.Millisecond)

	return eng
}

// mcpSession creates an MCP client session whose requests pass through
// rt, which adds the credentials under test.
func (h *harness) mcpSession(t *testing.T, rt http.RoundTripper) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint:             h.MCPURL + "/mcp",
		HTTPClient:           &http.Client{Transport: rt},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// basicTransport injects HTTP Basic credentials.
type basicTransport struct {
	username string
	password string
	base     http.RoundTripper
}

func (bt *basicTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(bt.username, bt.password)

	return bt.base.RoundTrip(req)
}

// doPost sends a bare JSON POST to the MCP endpoint with an optional
// Authorization header.
func (h *harness) doPost(t *testing.T, authHeader string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "POST", h.MCPURL+"/mcp", strings.NewReader("{}"))
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}
