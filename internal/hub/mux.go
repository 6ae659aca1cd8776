package hub

import (
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/notesync/internal/auth"
	"github.com/alexjbarnes/notesync/internal/metrics"
)

// MuxConfig holds dependencies for building the hub's HTTP mux.
type MuxConfig struct {
	Hub    *Server
	Keys   *auth.KeyStore
	Users  auth.UserCredentials
	Logger *slog.Logger
}

// NewMux builds the hub mux. The notes endpoint requires authentication;
// metrics and health checks do not.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(cfg.Keys, cfg.Users, cfg.Logger)
	mux.Handle("/notes", authMiddleware(http.HandlerFunc(cfg.Hub.HandleNotes)))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	return mux
}
