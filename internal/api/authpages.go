package api

import (
	"net/http"
	"time"
)

// handleLogin exchanges a token for a session cookie so browser clients
// don't have to attach Authorization headers.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := DecodeJSON(r, &body); err != nil || body.Token == "" {
		WriteError(w, http.StatusBadRequest, "Token required")
		return
	}

	id, ok := s.opts.Tokens.Validate(body.Token)
	if !ok {
		WriteError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    body.Token,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.Config.Server.TLS.Enabled,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(30 * 24 * time.Hour),
	})
	WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"client_name": id.ClientName,
		"is_admin":    id.IsAdmin,
	})
}

const authPage = `<!DOCTYPE html>
<html>
<head><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
<form onsubmit="login(event)">
  <input type="password" id="token" placeholder="Access token" autofocus>
  <button type="submit">Sign in</button>
  <p id="err"></p>
</form>
<script>
async function login(e) {
  e.preventDefault();
  const res = await fetch('/api/auth/login', {
    method: 'POST',
    headers: {'Content-Type': 'application/json'},
    body: JSON.stringify({token: document.getElementById('token').value}),
  });
  if (res.ok) {
    const next = new URLSearchParams(location.search).get('next') || '/';
    location.href = next;
  } else {
    document.getElementById('err').textContent = 'Invalid token';
  }
}
</script>
</body>
</html>
`

func (s *Server) handleAuthPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(authPage))
}

const docsPage = `<!DOCTYPE html>
<html>
<head><title>API Reference</title></head>
<body>
<redoc spec-url="/openapi.json"></redoc>
<script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
</body>
</html>
`

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(docsPage))
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"openapi": "3.0.0",
		"info": map[string]any{
			"title":   "transcription-suite",
			"version": "1.0.0",
		},
		"paths": map[string]any{},
	})
}
