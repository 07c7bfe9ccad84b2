package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/alexjbarnes/campus-sync/internal/models"
)

type contextKey int

const (
	ctxPrincipal contextKey = iota
	ctxRemoteIP
)

// Authenticator resolves an API key to a principal.
type Authenticator interface {
	Authenticate(token string) (models.Principal, error)
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipal, p)
}

// RequestPrincipal returns the authenticated principal from the context.
func RequestPrincipal(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(ctxPrincipal).(models.Principal)
	return p, ok
}

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
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

// requestToken returns the bearer token of r. Browsers cannot set headers
// on a WebSocket handshake, so upgrade requests may pass ?token= instead.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}

	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("token")
	}

	return ""
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}

// Middleware returns HTTP middleware that authenticates API keys and
// stores the principal in the request context. Repeated failures from one
// IP are answered with 429 for a while.
func Middleware(a Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	guard := newKeyGuard(keyFailureWindow, keyFailureLimit)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			if guard.blocked(ip) {
				logger.Warn("middleware: rate limited", slog.String("ip", ip))
				writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many failed authentication attempts")

				return
			}

			token := requestToken(r)
			if token == "" {
				logger.Debug("middleware: no bearer token",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing api key")

				return
			}

			p, err := a.Authenticate(token)
			if err != nil {
				guard.reject(ip)
				logger.Debug("middleware: invalid api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				writeJSONError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")

				return
			}

			logger.Debug("middleware: authenticated",
				slog.String("user_id", p.UserID),
				slog.String("tenant_id", p.TenantID),
				slog.String("ip", ip),
			)

			ctx := WithPrincipal(r.Context(), p)
			ctx = context.WithValue(ctx, ctxRemoteIP, ip)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin rejects requests whose principal is not a tenant admin.
// It must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := RequestPrincipal(r.Context())
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing api key")
			return
		}

		if !p.IsAdmin() {
			writeJSONError(w, http.StatusForbidden, "forbidden", "admin role required")
			return
		}

		next.ServeHTTP(w, r)
	})
}
