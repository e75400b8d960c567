package config

import (
	"crypto"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "coderep.conf")
	require.NoError(t, os.WriteFile(path, []byte(`
arch: [arm64, amd64]
hash: sha256
detached:
  dir: /var/lib/coderep/sigs
identity:
  prefix: "com.example."
  team: EXAMPLETEAM
`), 0o644))

	cfg, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path())

	arches, err := cfg.ArchPreference()
	require.NoError(t, err)
	require.Len(t, arches, 2)
	assert.Equal(t, "arm64", arches[0].String())
	assert.Equal(t, "x86_64", arches[1].String())

	hash, err := cfg.HashFunc()
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, hash)

	assert.Equal(t, "/var/lib/coderep/sigs", cfg.DetachedDir())
	assert.Equal(t, "EXAMPLETEAM", cfg.TeamIdentifier())
	assert.Equal(t, "com.example.mytool", cfg.Identifier("mytool"))
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	cfg := Default()
	hash, err := cfg.HashFunc()
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, hash)
	arches, err := cfg.ArchPreference()
	require.NoError(t, err)
	assert.Empty(t, arches)
	assert.Empty(t, cfg.DetachedDir())
	assert.Equal(t, "mytool", cfg.Identifier("mytool"))
}

func TestBadValues(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	t.Run("UnknownHash", func(t *testing.T) {
		path := filepath.Join(dir, "badhash.conf")
		require.NoError(t, os.WriteFile(path, []byte("hash: md5\n"), 0o644))
		cfg, err := ReadFile(path)
		require.NoError(t, err)
		_, err = cfg.HashFunc()
		assert.Error(t, err)
	})
	t.Run("UnknownArch", func(t *testing.T) {
		path := filepath.Join(dir, "badarch.conf")
		require.NoError(t, os.WriteFile(path, []byte("arch: [vax]\n"), 0o644))
		cfg, err := ReadFile(path)
		require.NoError(t, err)
		_, err = cfg.ArchPreference()
		assert.Error(t, err)
	})
	t.Run("Missing", func(t *testing.T) {
		_, err := ReadFile(filepath.Join(dir, "nope.conf"))
		assert.Error(t, err)
	})
}
