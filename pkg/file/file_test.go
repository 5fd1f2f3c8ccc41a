package file

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON_ReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "manifest.json")

	require.NoError(t, WriteJSON(path, map[string]string{"status": "QUEUED"}))
	require.NoError(t, WriteJSON(path, map[string]string{"status": "RUNNING"}))

	var got map[string]string
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, "RUNNING", got["status"])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
	assert.Equal(t, "manifest.json", entries[0].Name())
}

func TestReadJSON_MissingFileIsNotExist(t *testing.T) {
	var v map[string]any
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}
