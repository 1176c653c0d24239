package peers

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(filepath.Join(t.TempDir(), "sub", "peers.json"))
	s.cost = bcrypt.MinCost
	require.NoError(t, s.Load())
	return s
}

func TestCreateValidateAndReload(t *testing.T) {
	s := newTestStore(t)
	p, err := s.Create("CS01", "garage", "s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", p.PasswordHash)

	assert.True(t, s.Validate("CS01", "s3cret"))
	assert.False(t, s.Validate("CS01", "wrong"))
	assert.False(t, s.Validate("CS02", "s3cret"))

	_, err = s.Create("CS01", "", "x")
	assert.ErrorIs(t, err, ErrExists)

	again := NewStore(s.path)
	require.NoError(t, again.Load())
	assert.True(t, again.Validate("CS01", "s3cret"))
	assert.Len(t, again.List(), 1)
}

func TestRotateAndDeactivate(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create("LC01", "", "old")
	require.NoError(t, err)

	require.NoError(t, s.Rotate("LC01", "new"))
	assert.False(t, s.Validate("LC01", "old"))
	assert.True(t, s.Validate("LC01", "new"))

	require.NoError(t, s.SetActive("LC01", false))
	assert.False(t, s.Validate("LC01", "new"))
	assert.False(t, s.ExistsActive("LC01"))

	require.NoError(t, s.Delete("LC01"))
	assert.ErrorIs(t, s.Delete("LC01"), ErrNotFound)
	assert.ErrorIs(t, s.Rotate("LC01", "x"), ErrNotFound)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peers.json")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	s := NewStore(path)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}

func TestValidID(t *testing.T) {
	for id, ok := range map[string]bool{
		"CS01":              true,
		"station.eu-1@acme": true,
		"":                  false,
		"has space":         false,
		"slash/id":          false,
	} {
		assert.Equal(t, ok, ValidID(id), "%q", id)
	}
	assert.False(t, ValidID(strings.Repeat("a", 49)))
}
