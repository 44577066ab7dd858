package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounts(t *testing.T) (*Counts, *miniredis.Miniredis) {
	s := miniredis.RunT(t)

	c := New(Config{Addr: s.Addr(), TTL: time.Minute})
	t.Cleanup(func() { c.Close() })

	return c, s
}

func TestCountsRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCounts(t)

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "collect_tab", "username")
	require.NoError(t, err)
	assert.False(t, ok)

	want := map[string]int{"kim": 3, "lee": 1}
	require.NoError(t, c.Set(ctx, "collect_tab", "username", want))

	got, ok, err := c.Get(ctx, "collect_tab", "username")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	_, ok, err = c.Get(ctx, "collect_tab", "label")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountsExpire(t *testing.T) {
	ctx := context.Background()
	c, s := newTestCounts(t)

	require.NoError(t, c.Set(ctx, "prompt_tab", "mode", map[string]int{"basic": 2}))

	s.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "prompt_tab", "mode")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountsInvalidate(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCounts(t)

	require.NoError(t, c.Set(ctx, "collect_tab", "label", map[string]int{"circle": 1}))
	require.NoError(t, c.Set(ctx, "collect_tab", "username", map[string]int{"kim": 1}))
	require.NoError(t, c.Invalidate(ctx, "collect_tab"))

	for _, attr := range []string{"label", "username"} {
		_, ok, err := c.Get(ctx, "collect_tab", attr)
		require.NoError(t, err)
		assert.False(t, ok)
	}
}
