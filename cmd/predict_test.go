package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-seg/config"
)

func TestCollectInputsSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not really a jpeg"), 0o644))

	paths, err := collectInputs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, paths)
}

func TestCollectInputsDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.jpg", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	// images in subdirectories are collected too
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "c.jpeg"), []byte("x"), 0o644))

	paths, err := collectInputs(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 3)
	assert.Contains(t, paths, filepath.Join(dir, "sub", "c.jpeg"))
	for _, p := range paths {
		ext := filepath.Ext(p)
		assert.Contains(t, []string{".png", ".jpg", ".jpeg"}, ext)
	}
}

func TestCollectInputsBadPaths(t *testing.T) {
	_, err := collectInputs(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, config.ErrBadInputPath)

	empty := t.TempDir()
	_, err = collectInputs(empty)
	assert.ErrorIs(t, err, config.ErrBadInputPath)
}
