package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a token id does not exist.
var ErrNotFound = errors.New("token not found")

// Token is one persisted bearer token.
type Token struct {
	ID         string    `json:"id"`
	ClientName string    `json:"client_name"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
}

// Identity is the resolved caller identity for a validated token.
type Identity struct {
	ClientName string
	IsAdmin    bool
}

// Store is the persisted token → identity map. Mutations are written back
// to disk atomically before they become visible.
type Store struct {
	path string
	log  zerolog.Logger

	mu     sync.RWMutex
	tokens map[string]Token // keyed by token id (the secret itself)
}

// Open loads the token file. A corrupt file is a fatal startup error;
// silently regenerating tokens would lock out every existing client.
// If no admin token exists after load, one is generated, persisted, and
// printed to stdout on a stable "Admin Token:" line.
func Open(path string, log zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   path,
		log:    log,
		tokens: make(map[string]Token),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run.
	case err != nil:
		return nil, fmt.Errorf("read token file: %w", err)
	case len(data) > 0:
		var list []Token
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("token file %s is corrupt, refusing to start: %w", path, err)
		}
		for _, t := range list {
			s.tokens[t.ID] = t
		}
	}

	if !s.hasAdmin() {
		tok, err := s.Create("admin", true)
		if err != nil {
			return nil, err
		}
		// Stable line scraped by the desktop tooling.
		fmt.Printf("Admin Token: %s\n", tok)
		log.Info().Msg("generated initial admin token")
	}

	return s, nil
}

// Validate resolves a token to its identity. Comparison walks every entry
// with constant-time equality so timing does not narrow the search.
func (s *Store) Validate(token string) (Identity, bool) {
	if token == "" {
		return Identity{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(id), []byte(token)) == 1 {
			return Identity{ClientName: t.ClientName, IsAdmin: t.IsAdmin}, true
		}
	}
	return Identity{}, false
}

// Create generates a new random token, persists it, and returns the secret.
func (s *Store) Create(clientName string, isAdmin bool) (string, error) {
	b := make([]byte, 24) // 192 bits
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	id := hex.EncodeToString(b)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[id] = Token{
		ID:         id,
		ClientName: clientName,
		IsAdmin:    isAdmin,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.persistLocked(); err != nil {
		delete(s.tokens, id)
		return "", err
	}
	return id, nil
}

// Revoke deletes a token by id.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.tokens, id)
	if err := s.persistLocked(); err != nil {
		s.tokens[id] = t
		return err
	}
	return nil
}

// List returns all tokens ordered by creation time. Secrets are included;
// the listing endpoint is admin-only.
func (s *Store) List() []Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) hasAdmin() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tokens {
		if t.IsAdmin {
			return true
		}
	}
	return false
}

// persistLocked writes the token list atomically. Caller holds mu.
func (s *Store) persistLocked() error {
	list := make([]Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}
