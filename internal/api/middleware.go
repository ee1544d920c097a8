package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"murmur/internal/auth"
)

type contextKey string

const identityKey contextKey = "identity"

// IdentityFrom returns the authenticated identity, if any.
func IdentityFrom(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey).(auth.Identity)
	return id, ok
}

func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			b := make([]byte, 8)
			rand.Read(b)
			id = hex.EncodeToString(b)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := hlog.NewHandler(log)
		accessLog := hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			hlog.FromRequest(r).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("size", size).
				Dur("duration_ms", dur).
				Msg("request")
		})
		return h(accessLog(next))
	}
}

// Recoverer is the single global handler for unexpected panics: log with
// stack, answer 500 with the fixed envelope, leak nothing.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				hlog.FromRequest(r).Error().Interface("panic", rv).Stack().Msg("recovered from panic")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprint(w, `{"detail":"Internal server error"}`)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// OriginCheck refuses cross-origin browser requests before auth ever
// runs. TLS mode allows same-host origins; local mode allows only
// loopback. A missing Origin header passes (same-origin or non-browser).
func OriginCheck(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !originAllowed(origin, r.Host, tlsEnabled) {
				WriteError(w, http.StatusForbidden, "Origin not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origin, host string, tlsEnabled bool) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if tlsEnabled {
		return hostOnly(u.Host) == hostOnly(host)
	}
	switch hostOnly(u.Host) {
	case "localhost", "127.0.0.1", "[::1]", "::1":
		return true
	}
	return false
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}

// publicPaths require no token.
var publicPaths = map[string]bool{
	"/health":         true,
	"/api/auth/login": true,
	"/auth":           true,
	"/docs":           true,
	"/openapi.json":   true,
	"/redoc":          true,
	"/favicon.ico":    true,
}

func isPublicPath(path string) bool {
	return publicPaths[path] || strings.HasPrefix(path, "/auth/")
}

// assetPaths may authenticate via ?token= because media elements cannot
// set headers.
func isAssetPath(path string) bool {
	return strings.HasPrefix(path, "/api/notebook/recordings/") &&
		strings.HasSuffix(path, "/audio")
}

func isHTMLRoute(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") ||
		strings.HasPrefix(r.URL.Path, "/ws") ||
		r.URL.Path == "/metrics" {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// Auth resolves the token from the Authorization header, the auth_token
// cookie, or (asset routes only) the token query parameter. API routes
// get 401; HTML routes get a 302 to /auth preserving the original URL.
// Auth is enforced only in TLS mode; in local mode the origin check is
// the whole story.
func Auth(store *auth.Store, tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tlsEnabled || isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token := resolveToken(r)
			if token != "" {
				if id, ok := store.Validate(token); ok {
					ctx := context.WithValue(r.Context(), identityKey, id)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			if isHTMLRoute(r) {
				target := "/auth?next=" + url.QueryEscape(r.URL.RequestURI())
				http.Redirect(w, r, target, http.StatusFound)
				return
			}
			WriteError(w, http.StatusUnauthorized, "Not authenticated")
		})
	}
}

func resolveToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("auth_token"); err == nil && c.Value != "" {
		return c.Value
	}
	if isAssetPath(r.URL.Path) {
		return r.URL.Query().Get("token")
	}
	return ""
}

// RequireAdmin gates the admin endpoints. In local (non-TLS) mode there
// is no identity, so local callers are implicitly trusted.
func RequireAdmin(tlsEnabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tlsEnabled {
				next.ServeHTTP(w, r)
				return
			}
			id, ok := IdentityFrom(r.Context())
			if !ok || !id.IsAdmin {
				WriteError(w, http.StatusForbidden, "Admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientName names the caller for the job tracker: the authenticated
// client when present, else a best-effort remote host.
func ClientName(r *http.Request) string {
	if id, ok := IdentityFrom(r.Context()); ok && id.ClientName != "" {
		return id.ClientName
	}
	return hostOnly(r.RemoteAddr)
}
