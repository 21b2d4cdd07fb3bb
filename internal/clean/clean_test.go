package clean

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_RemovesCacheDir(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, ".vallenato-cache")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "store", "ab", "cd"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache.db"), []byte("x"), 0644))

	wg, err := Run(dir)
	require.NoError(t, err)
	wg.Wait()

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	left, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, left, "the renamed tree is removed too")
}

func TestRun_MissingDir(t *testing.T) {
	wg, err := Run(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	wg.Wait()
}
