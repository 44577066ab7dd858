package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "original")

	pending, err := pendingKeys([]string{"1.png", "2.png"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"1.png", "2.png"}, pending)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "1.png"), []byte("png"), 0o644))

	pending, err = pendingKeys([]string{"1.png", "2.png", "3.png"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.png", "3.png"}, pending)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "2.png"), []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "3.png"), []byte("png"), 0o644))

	pending, err = pendingKeys([]string{"1.png", "2.png", "3.png"}, dir)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPendingKeysBadDir(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := pendingKeys([]string{"1.png"}, file)
	assert.Error(t, err)
}
