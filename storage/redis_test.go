package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataplane-engine/types"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisOptions{
		Addr:          mr.Addr(),
		PoolSize:      10,
		MinIdleConns:  2,
		IdleTimeout:   5 * time.Minute,
		Holder:        "a",
		LeaseDuration: testLease,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) (Store, Store, func()) {
		store, mr := newTestRedisStore(t)
		return store, store.ForHolder("b"), func() { mr.FastForward(testLease + time.Millisecond) }
	})
}

func TestNewRedisStore(t *testing.T) {
	store, _ := newTestRedisStore(t)
	assert.NotNil(t, store.client)
	assert.Equal(t, defaultRedisPrefix, store.prefix)

	// Test connection failure
	_, err := NewRedisStore(RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRedisStore_Keys(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	flow := newFlow("flow-1", types.StateStarted, "a", types.FlowTypePush, 1000)
	require.NoError(t, store.Save(ctx, flow))
	assert.True(t, mr.Exists("dataflow:flow:flow-1"))
	assert.Equal(t, "150", mr.HGet("dataflow:flow:flow-1", "state"))

	members, err := mr.ZMembers("dataflow:state:150")
	require.NoError(t, err)
	assert.Equal(t, []string{"flow-1"}, members)
	score, err := mr.ZScore("dataflow:state:150", "flow-1")
	require.NoError(t, err)
	assert.Equal(t, float64(1000), score)

	_, err = store.FindByIDAndLease(ctx, "flow-1")
	require.NoError(t, err)
	holder, err := mr.Get("dataflow:lease:flow-1")
	require.NoError(t, err)
	assert.Equal(t, "a", holder)
	assert.Equal(t, testLease, mr.TTL("dataflow:lease:flow-1"))

	require.NoError(t, flow.TransitionTo(types.StateCompleted, time.UnixMilli(2000)))
	require.NoError(t, store.Save(ctx, flow))
	assert.False(t, mr.Exists("dataflow:lease:flow-1"))
	stale, _ := mr.ZMembers("dataflow:state:150")
	assert.NotContains(t, stale, "flow-1")
	members, err = mr.ZMembers("dataflow:state:200")
	require.NoError(t, err)
	assert.Equal(t, []string{"flow-1"}, members)
	score, err = mr.ZScore("dataflow:ids", "flow-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2000), score)
}

func TestRedisStore_NextNotLeasedPages(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)
	other := store.ForHolder("b")

	for i := 0; i < 3*minRedisPage; i++ {
		flow := newFlow(fmt.Sprintf("flow-%03d", i), types.StateReceived, "", types.FlowTypePush, int64(1000+i))
		require.NoError(t, store.Save(ctx, flow))
	}
	// the whole first page is leased elsewhere
	for i := 0; i < minRedisPage; i++ {
		_, err := other.FindByIDAndLease(ctx, fmt.Sprintf("flow-%03d", i))
		require.NoError(t, err)
	}

	got, err := store.NextNotLeased(ctx, 2, StateIs(types.StateReceived))
	require.NoError(t, err)
	assert.Equal(t, []string{fmt.Sprintf("flow-%03d", minRedisPage), fmt.Sprintf("flow-%03d", minRedisPage+1)}, flowIDs(got))

	got, err = store.NextNotLeased(ctx, 100, StateIs(types.StateReceived), StateTimestampBefore(time.UnixMilli(int64(1000+minRedisPage+3))))
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = store.NextNotLeased(ctx, 500, StateIs(types.StateReceived))
	require.NoError(t, err)
	assert.Len(t, got, 2*minRedisPage)
}

func TestRedisStore_CorruptPayload(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	mr.HSet("dataflow:flow:bad", "data", "{not json", "state", "100")
	_, err := store.FindByID(ctx, "bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}
