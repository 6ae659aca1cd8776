package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxRemoteIP
	ctxMethod
)

const (
	// MethodAPIKey is recorded for requests authenticated with a Bearer key.
	MethodAPIKey = "api_key"
	// MethodBasic is recorded for requests authenticated with a password.
	MethodBasic = "basic"
)

// RequestUserID returns the authenticated user ID from the context, or "".
func RequestUserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// RequestMethod returns how the request was authenticated, or "".
func RequestMethod(ctx context.Context) string {
	v, _ := ctx.Value(ctxMethod).(string)
	return v
}

// remoteIP extracts the IP address from r.RemoteAddr, stripping the
// port. Falls back to the raw value if parsing fails.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// Middleware returns HTTP middleware that accepts a Bearer API key from
// keys or Basic credentials from users. Failed Basic logins are rate
// limited per remote IP.
func Middleware(keys *KeyStore, users UserCredentials, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newLoginRateLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			authHeader := r.Header.Get("Authorization")

			var (
				userID string
				method string
			)

			switch {
			case strings.HasPrefix(authHeader, "Bearer "):
				token := strings.TrimPrefix(authHeader, "Bearer ")

				id, ok := keys.Validate(token)
				if !ok {
					logger.Debug("middleware: invalid API key",
						slog.String("ip", ip),
						slog.String("path", r.URL.Path),
					)
					unauthorized(w, `Bearer error="invalid_token"`)

					return
				}

				userID, method = id, MethodAPIKey

			case strings.HasPrefix(authHeader, "Basic "):
				if limiter.limited(ip) {
					logger.Warn("login rate limited", slog.String("ip", ip))
					http.Error(w, "too many failed login attempts, try again later", http.StatusTooManyRequests)

					return
				}

				username, password, ok := r.BasicAuth()
				if !ok || !users.Verify(username, password) {
					logger.Warn("login failed", slog.String("username", username), slog.String("ip", ip))
					limiter.record(ip)
					unauthorized(w, `Basic realm="notesync"`)

					return
				}

				userID, method = username, MethodBasic

			default:
				logger.Debug("middleware: no credentials",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				unauthorized(w, `Bearer realm="notesync"`)

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", userID),
				slog.String("method", method),
				slog.String("ip", ip),
			)

			ctx := r.Context()
			ctx = context.WithValue(ctx, ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)
			ctx = context.WithValue(ctx, ctxMethod, method)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, challenge string) {
	w.Header().Set("WWW-Authenticate", challenge)
	w.WriteHeader(http.StatusUnauthorized)
}
