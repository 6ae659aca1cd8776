package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/config"
	"github.com/alexjbarnes/notesync/internal/engine"
	"github.com/alexjbarnes/notesync/internal/hub"
	"github.com/alexjbarnes/notesync/internal/logging"
	"github.com/alexjbarnes/notesync/internal/mcpserver"
	"github.com/alexjbarnes/notesync/internal/mirror"
	"github.com/alexjbarnes/notesync/internal/notestore"
	"github.com/alexjbarnes/notesync/internal/remote"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const (
	// shutdownTimeout bounds the final flush and HTTP server shutdown.
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Subcommands run before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-password":
			hashPassword()
			return
		case "gen-api-key":
			fmt.Println(auth.GenerateAPIKey())
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashPassword() {
	fmt.Fprint(os.Stderr, "Enter password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	hash, err := auth.HashPassword(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("notesync starting",
		slog.String("version", Version),
		slog.Bool("hub", cfg.EnableHub),
		slog.Bool("editor", cfg.EnableEditor),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// bbolt allows one process per file, so a hub and a local editor in
	// the same process share one store.
	var store *notestore.Store
	if cfg.UsesLocalStore() {
		logger.Info("opening note database", slog.String("path", cfg.HubDBPath))
		store, err = notestore.Open(cfg.HubDBPath, logger)
		if err != nil {
			return fmt.Errorf("opening note database: %w", err)
		}
		defer store.Close()
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableHub {
		g.Go(func() error {
			return runHub(gctx, cfg, store, logger)
		})
	}

	if cfg.EnableEditor {
		g.Go(func() error {
			return runEditor(gctx, cfg, store, logger)
		})
	}

	return g.Wait()
}

// credentials builds the key store and user table shared by the hub and
// the MCP server.
func credentials(cfg *config.Config) (*auth.KeyStore, auth.UserCredentials, error) {
	entries, err := cfg.ParseHubAPIKeys()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing HUB_API_KEYS: %w", err)
	}

	keys := auth.NewKeyStore()
	for _, e := range entries {
		keys.Add(e.UserID, e.Key)
	}

	users, err := cfg.ParseHubUsers()
	if err != nil {
		return nil, nil, fmt.Errorf("parsing HUB_USERS: %w", err)
	}

	return keys, users, nil
}

// runHub serves the note database to remote editors.
func runHub(ctx context.Context, cfg *config.Config, store *notestore.Store, logger *slog.Logger) error {
	keys, users, err := credentials(cfg)
	if err != nil {
		return err
	}

	hubLogger := logger.With(slog.String("service", "hub"))
	hubServer := hub.NewServer(store, hubLogger)

	server := &http.Server{
		Addr: cfg.HubListenAddr,
		Handler: hub.NewMux(hub.MuxConfig{
			Hub:    hubServer,
			Keys:   keys,
			Users:  users,
			Logger: hubLogger,
		}),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Websocket handlers outlive Shutdown; tie them to ctx instead.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	hubLogger.Info("starting hub",
		slog.String("listen", cfg.HubListenAddr),
		slog.Int("api_keys", keys.Len()),
		slog.Int("users", len(users)),
	)

	return serveUntilDone(ctx, server, hubLogger, hubServer.Wait)
}

// runEditor runs the engine and the surfaces that drive it.
func runEditor(ctx context.Context, cfg *config.Config, local *notestore.Store, logger *slog.Logger) error {
	editorLogger := logger.With(slog.String("service", "editor"))

	var store engine.Store = local
	if !cfg.UsesLocalStore() {
		editorLogger.Info("connecting to hub", slog.String("url", cfg.HubURL))
		client, err := remote.Dial(ctx, cfg.HubURL, cfg.HubAPIKey, editorLogger)
		if err != nil {
			return fmt.Errorf("connecting to hub: %w", err)
		}
		defer client.Close()
		store = client
	}

	eng, err := engine.New(engine.Options{
		Store:         store,
		Collection:    cfg.Collection,
		Debounce:      cfg.Debounce,
		FlushOnSwitch: cfg.FlushOnSwitch,
		Logger:        editorLogger,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	eg, ectx := errgroup.WithContext(ctx)

	// The engine runs on its own context so the buffer can still be
	// flushed after ctx is cancelled.
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	eg.Go(func() error {
		if err := eng.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("engine stopped: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-ectx.Done()

		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if res, err := eng.Flush(flushCtx); err != nil {
			editorLogger.Warn("final flush failed", slog.String("error", err.Error()))
		} else {
			editorLogger.Info("final flush", slog.String("result", res.String()))
		}

		eng.Close()
		cancelRun()
		return nil
	})

	if cfg.MirrorFile != "" {
		m := mirror.New(cfg.MirrorFile, eng, editorLogger)
		eg.Go(func() error {
			if err := m.Run(ectx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("mirror stopped: %w", err)
			}
			return nil
		})
	}

	if cfg.EnableMCP {
		eg.Go(func() error {
			return runMCP(ectx, cfg, eng, logger)
		})
	}

	return eg.Wait()
}

// runMCP exposes the engine as MCP tools over streamable HTTP.
func runMCP(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	keys, users, err := credentials(cfg)
	if err != nil {
		return err
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "notesync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", auth.Middleware(keys, users, mcpLogger)(mcpHandler))

	server := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("api_keys", keys.Len()),
		slog.Int("users", len(users)),
	)

	return serveUntilDone(ctx, server, mcpLogger, nil)
}

// serveUntilDone runs server until ctx is cancelled, then shuts it down
// and calls drain, if set, to wait for hijacked connections.
func serveUntilDone(ctx context.Context, server *http.Server, logger *slog.Logger, drain func()) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error on %s: %w", server.Addr, err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", slog.String("error", err.Error()))
	}

	if drain != nil {
		drain()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error on %s: %w", server.Addr, err)
	}

	return nil
}
