package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis and skips otherwise.
func TestRedisStore_Integration(t *testing.T) {
	store := NewRedisStore("localhost:6379", "", 0)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	key := "test-" + uuid.NewString()
	window := 500 * time.Millisecond

	for i := 0; i < 2; i++ {
		ok, err := store.Hit(ctx, key, 2, window)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := store.Hit(ctx, key, 2, window)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(window + 100*time.Millisecond)
	ok, err = store.Hit(ctx, key, 2, window)
	require.NoError(t, err)
	assert.True(t, ok, "bucket resets once the key expires")
}
