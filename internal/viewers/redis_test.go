package viewers

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client), mr
}

func TestRegisterAndCount(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id1, err := m.Register(ctx, 42, "10.0.0.5:5512")
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := m.Register(ctx, 42, "10.0.0.6:4410")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	n, err := m.Count(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = m.Count(ctx, 99)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestDropRemovesSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Register(ctx, 7, "test")
	require.NoError(t, err)

	require.NoError(t, m.Drop(ctx, 7, id))

	n, err := m.Count(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestStaleSessionsAreSwept(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, err := m.Register(ctx, 7, "stale")
	require.NoError(t, err)

	mr.FastForward(2 * SessionTTL)

	n, err := m.Count(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	id, err := m.Register(ctx, 7, "test")
	require.NoError(t, err)

	require.NoError(t, m.Heartbeat(ctx, 7, id))

	n, err := m.Count(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
