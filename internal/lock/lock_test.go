package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_ExclusiveUntilUnlock(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "discovery:youtube", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "discovery:youtube", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be rejected")

	_, ok, _ = l.TryLock(ctx, "discovery:other", time.Minute)
	assert.True(t, ok, "different keys are independent")

	require.NoError(t, unlock(ctx))
	_, ok, _ = l.TryLock(ctx, "discovery:youtube", time.Minute)
	assert.True(t, ok)
}

func TestMemoryLocker_ExpiresAfterTTL(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	staleUnlock, ok, _ := l.TryLock(ctx, "k", time.Minute)
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	require.True(t, ok, "expired lock must be acquirable")

	// 期限切れ後の古い解放は新しい保持者のロックを消さない
	require.NoError(t, staleUnlock(ctx))
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisLocker_ExclusiveAcrossInstances(t *testing.T) {
	_, client := newTestRedis(t)
	a := NewRedisLocker(client)
	b := NewRedisLocker(client)
	ctx := context.Background()

	unlock, ok, err := a.TryLock(ctx, "discovery:youtube", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "discovery:youtube", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, unlock(ctx))
	_, ok, err = b.TryLock(ctx, "discovery:youtube", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLocker_TTLAndForeignRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client)
	ctx := context.Background()

	staleUnlock, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("fanlive:lock:k"))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists("fanlive:lock:k"))

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, staleUnlock(ctx))
	assert.True(t, mr.Exists("fanlive:lock:k"), "stale holder must not release the new lock")
}

func TestRedisLocker_ConnectionError(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	_, ok, err := NewRedisLocker(client).TryLock(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)
}
