package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func storeSession(id, nasID string, active bool) *Session {
	return &Session{
		SessionID:  id,
		Username:   "alice",
		NASID:      nasID,
		TenantID:   "tenant-a",
		StartTime:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		LastUpdate: time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC),
		Active:     active,
	}
}

// runStoreTests exercises the Store contract against any implementation.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.Put(ctx, storeSession("s-1", "nas-1", true)))
	require.NoError(t, store.Put(ctx, storeSession("s-2", "nas-1", true)))
	require.NoError(t, store.Put(ctx, storeSession("s-3", "nas-2", true)))

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.Active)

	// Mutating the returned copy must not affect the store.
	got.Username = "mallory"
	again, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Username)

	active, err := store.ActiveByNAS(ctx, "nas-1")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	// Closing a session removes it from the active index.
	require.NoError(t, store.Put(ctx, storeSession("s-2", "nas-1", false)))
	active, err = store.ActiveByNAS(ctx, "nas-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s-1", active[0].SessionID)

	// But it is still listed.
	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := store.ActiveByNAS(ctx, "nas-9")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	store := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	runStoreTests(t, store)
}

func TestRedisStoreHealsDanglingIndex(t *testing.T) {
	mr := miniredis.RunT(t)

	store := NewRedisStore(RedisConfig{Addr: mr.Addr()}, zap.NewNop())
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, storeSession("s-1", "nas-1", true)))

	// Simulate an expired session value whose index entry survived.
	mr.Del("aaa:session:s-1")

	active, err := store.ActiveByNAS(ctx, "nas-1")
	require.NoError(t, err)
	assert.Empty(t, active)

	// The index entry is gone after the heal.
	members, err := mr.SMembers("aaa:nas:nas-1")
	require.NoError(t, err)
	assert.Empty(t, members)
}
