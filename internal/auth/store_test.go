package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	return s, path
}

func TestOpenBootstrapsAdminToken(t *testing.T) {
	s, path := testStore(t)

	list := s.List()
	require.Len(t, list, 1)
	assert.True(t, list[0].IsAdmin)
	assert.Equal(t, "admin", list[0].ClientName)
	assert.GreaterOrEqual(t, len(list[0].ID), 32)

	// Must be persisted, not just in memory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), list[0].ID)
}

func TestOpenCorruptFileRefusesToStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := Open(path, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

func TestValidate(t *testing.T) {
	s, _ := testStore(t)
	tok, err := s.Create("alice", false)
	require.NoError(t, err)

	id, ok := s.Validate(tok)
	require.True(t, ok)
	assert.Equal(t, "alice", id.ClientName)
	assert.False(t, id.IsAdmin)

	_, ok = s.Validate("bogus")
	assert.False(t, ok)
	_, ok = s.Validate("")
	assert.False(t, ok)
}

func TestRevoke(t *testing.T) {
	s, _ := testStore(t)
	tok, err := s.Create("bob", false)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(tok))
	_, ok := s.Validate(tok)
	assert.False(t, ok)

	assert.ErrorIs(t, s.Revoke(tok), ErrNotFound)
}

func TestReopenKeepsTokens(t *testing.T) {
	s, path := testStore(t)
	tok, err := s.Create("carol", false)
	require.NoError(t, err)

	s2, err := Open(path, zerolog.Nop())
	require.NoError(t, err)

	_, ok := s2.Validate(tok)
	assert.True(t, ok)
	// Admin already present; no extra token generated.
	assert.Len(t, s2.List(), 2)
}
