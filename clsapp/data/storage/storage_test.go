//go:build integration

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testBucket(t *testing.T) *Bucket {
	endpoint := os.Getenv("TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "minio:9000"
	}

	c, err := New(Config{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	b, err := c.Bucket(context.Background(), fmt.Sprintf("test-sketch-%d", time.Now().UnixNano()))
	require.NoError(t, err)

	return b
}

func TestBucket(t *testing.T) {
	ctx := context.Background()
	b := testBucket(t)

	require.NoError(t, b.Put(ctx, "a.png", []byte("aaa"), "image/png"))
	require.NoError(t, b.Put(ctx, "b.png", []byte("bbb"), "image/png"))

	data, err := b.Get(ctx, "a.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("aaa"), data)

	_, err = b.Get(ctx, "missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	keys, err := b.ListKeys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, keys)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), []byte("local"), 0o644))

	n, err := b.DownloadMany(ctx, keys, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	local, err := os.ReadFile(filepath.Join(dir, "a.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), local)

	require.NoError(t, b.DeleteMany(ctx, keys))
	keys, err = b.ListKeys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}
