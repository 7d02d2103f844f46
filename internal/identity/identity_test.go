package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.key")

	id, err := Generate()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)

	want, err := id.PublicKey()
	require.NoError(t, err)
	got, err := loaded.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.NotEmpty(t, got)

	wantID, _ := id.PeerID()
	gotID, _ := loaded.PeerID()
	assert.Equal(t, wantID, gotID)
}

func TestLoadOrGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.key")

	first, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := LoadOrGenerate(path)
	require.NoError(t, err)
	assert.False(t, created)

	a, _ := first.PublicKey()
	b, _ := second.PublicKey()
	assert.Equal(t, a, b)
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "private.key")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0600))

	_, err := Load(path)
	assert.Error(t, err)

	_, _, err = LoadOrGenerate(path)
	assert.Error(t, err, "a corrupt key must not be silently replaced")
}
