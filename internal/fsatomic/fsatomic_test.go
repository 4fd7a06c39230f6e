package fsatomic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileSetsModeAndReplaces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "etc/sudoers.d/wheel")
	require.NoError(t, WriteFile(path, []byte("old\n"), 0o644))
	require.NoError(t, WriteFile(path, []byte("%wheel ALL=(ALL) ALL\n"), 0o440))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "%wheel ALL=(ALL) ALL\n", string(b))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o440), fi.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadIgnoresTmp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.json")
	require.NoError(t, SaveJSON(path, map[string]string{"a": "b"}, 0o600))
	require.NoError(t, os.WriteFile(path+".tmp", []byte("{"), 0o600))

	var got map[string]string
	ok, err := LoadJSON(path, &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", got["a"])
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestLoadMissing(t *testing.T) {
	var v map[string]any
	ok, err := LoadJSON(filepath.Join(t.TempDir(), "none.json"), &v)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadOrEmpty(t *testing.T) {
	b, err := ReadOrEmpty(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run/installer.lock")
	unlock, err := Lock(path)
	require.NoError(t, err)

	_, err = Lock(path)
	assert.ErrorIs(t, err, ErrLocked)

	unlock()
	unlock()
	unlock2, err := Lock(path)
	require.NoError(t, err)
	unlock2()
}
