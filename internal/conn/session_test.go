package conn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionkit/internal/rdb"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := rdb.New(mr.Addr())
	require.NoError(t, err)
	return NewSessionStore(client, "sid", time.Minute), mr
}

func TestSessionCreateThenLoadRoundTrips(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, 1000)
	require.NoError(t, err)

	loaded, err := store.Load(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, created.ID, loaded.ID)
	assert.Equal(t, int64(1000), loaded.CreatedAt)
}

func TestSessionLoadMissingReturnsNilNil(t *testing.T) {
	store, _ := newTestStore(t)
	loaded, err := store.Load(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestSessionLoadRefreshesTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	created, err := store.Create(ctx, 1000)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	_, err = store.Load(ctx, created.ID)
	require.NoError(t, err)

	ttl := mr.TTL(sessionKey(created.ID))
	assert.Greater(t, ttl, 30*time.Second, "TTL must be refreshed back up near the full window")
}

func TestUpdateSessionDeepMerges(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, 1000)
	require.NoError(t, err)
	sess.Data = map[string]any{"profile": map[string]any{"name": "t", "age": 30}}
	require.NoError(t, store.UpdateSession(ctx, sess, sess.Data))

	require.NoError(t, store.UpdateSession(ctx, sess, map[string]any{
		"profile": map[string]any{"age": 31},
	}))

	loaded, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	profile := loaded.Data["profile"].(map[string]any)
	assert.Equal(t, "t", profile["name"], "untouched nested key must survive the merge")
	assert.EqualValues(t, 31, profile["age"])
}
