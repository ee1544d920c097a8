package api

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/auth"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestOriginCheckLocalMode(t *testing.T) {
	h := OriginCheck(false)(okHandler())

	cases := []struct {
		origin string
		want   int
	}{
		{"", http.StatusOK},
		{"http://localhost:3000", http.StatusOK},
		{"http://127.0.0.1:8765", http.StatusOK},
		{"http://evil.example.com", http.StatusForbidden},
		{"https://example.com:443", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/api/transcribe/languages", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "origin %q", tc.origin)
	}
}

func TestOriginCheckTLSModeSameHost(t *testing.T) {
	h := OriginCheck(true)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "notes.example.com:8765"
	req.Header.Set("Origin", "https://notes.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Host = "notes.example.com:8765"
	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"detail":"Origin not allowed"}`, rec.Body.String())
}

func newTestTokenStore(t *testing.T) (*auth.Store, string) {
	t.Helper()
	store, err := auth.Open(filepath.Join(t.TempDir(), "tokens.json"), zerolog.Nop())
	require.NoError(t, err)
	token, err := store.Create("alice", false)
	require.NoError(t, err)
	return store, token
}

func TestAuthLocalModeSkipsTokenCheck(t *testing.T) {
	store, _ := newTestTokenStore(t)
	h := Auth(store, false)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/notebook/recordings", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthTLSMode(t *testing.T) {
	store, token := newTestTokenStore(t)
	var gotIdentity *auth.Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id, ok := IdentityFrom(r.Context()); ok {
			gotIdentity = &id
		}
		w.WriteHeader(http.StatusOK)
	})
	h := Auth(store, true)(inner)

	t.Run("api without token is 401", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/notebook/recordings", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"detail":"Not authenticated"}`, rec.Body.String())
	})

	t.Run("html route redirects to login", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/dashboard?tab=notes", nil)
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "/auth?next=%2Fdashboard%3Ftab%3Dnotes", rec.Header().Get("Location"))
	})

	t.Run("public path needs no token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("bearer token resolves identity", func(t *testing.T) {
		gotIdentity = nil
		req := httptest.NewRequest(http.MethodGet, "/api/notebook/recordings", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotIdentity)
		assert.Equal(t, "alice", gotIdentity.ClientName)
	})

	t.Run("cookie works too", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/notebook/recordings", nil)
		req.AddCookie(&http.Cookie{Name: "auth_token", Value: token})
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("query token only on audio asset routes", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/notebook/recordings/1/audio?token="+token, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)

		req = httptest.NewRequest(http.MethodGet, "/api/notebook/recordings?token="+token, nil)
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestRequireAdmin(t *testing.T) {
	t.Run("local mode trusts the caller", func(t *testing.T) {
		h := RequireAdmin(false)(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("tls mode requires admin identity", func(t *testing.T) {
		h := RequireAdmin(true)(okHandler())
		req := httptest.NewRequest(http.MethodGet, "/api/admin/status", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestRecovererEnvelope(t *testing.T) {
	h := Logger(zerolog.Nop())(Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"detail":"Internal server error"}`, rec.Body.String())
}
