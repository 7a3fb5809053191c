package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataplane-engine/types"
)

const testLease = 30 * time.Second

// storeSetup returns two views of one fresh store acting for holders "a" and "b",
// plus a function that moves time past the lease duration.
type storeSetup func(t *testing.T) (a, b Store, expire func())

// Helper function to create a sample flow
func newFlow(id string, state types.State, runtimeID string, flowType types.FlowType, ts int64) *types.DataFlow {
	return &types.DataFlow{
		ID:             id,
		State:          state,
		StateCount:     1,
		StateTimestamp: ts,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		Source:         &types.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://src"}},
		Destination:    &types.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://dst"}},
		Properties:     map[string]string{"key": "value"},
		TransferType:   types.TransferType{DestinationType: "HttpData", FlowType: flowType},
		RuntimeID:      runtimeID,
	}
}

func flowIDs(flows []*types.DataFlow) []string {
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		ids = append(ids, f.ID)
	}
	return ids
}

func runStoreContract(t *testing.T, setup storeSetup) {
	ctx := context.Background()

	t.Run("SaveAndFindByID", func(t *testing.T) {
		a, _, _ := setup(t)
		flow := newFlow("flow-1", types.StateReceived, "", types.FlowTypePush, 1000)
		require.NoError(t, a.Save(ctx, flow))

		got, err := a.FindByID(ctx, "flow-1")
		require.NoError(t, err)
		if diff := cmp.Diff(flow, got); diff != "" {
			t.Fatalf("unexpected flow (-want +got):\n%s", diff)
		}

		_, err = a.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LeaseNotFound", func(t *testing.T) {
		a, _, _ := setup(t)
		_, err := a.FindByIDAndLease(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("LeaseExclusivity", func(t *testing.T) {
		a, b, _ := setup(t)
		require.NoError(t, a.Save(ctx, newFlow("flow-1", types.StateReceived, "", types.FlowTypePush, 1000)))

		leased, err := a.FindByIDAndLease(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, "flow-1", leased.ID)

		_, err = b.FindByIDAndLease(ctx, "flow-1")
		assert.ErrorIs(t, err, ErrAlreadyLeased)
		_, err = a.FindByIDAndLease(ctx, "flow-1")
		assert.ErrorIs(t, err, ErrAlreadyLeased)

		assert.ErrorIs(t, b.Save(ctx, leased), ErrAlreadyLeased)

		require.NoError(t, leased.Start("a", time.UnixMilli(2000)))
		require.NoError(t, a.Save(ctx, leased))

		again, err := b.FindByIDAndLease(ctx, "flow-1")
		require.NoError(t, err)
		assert.Equal(t, types.StateStarted, again.State)
		assert.Equal(t, "a", again.RuntimeID)
	})

	t.Run("BreakLease", func(t *testing.T) {
		a, b, _ := setup(t)
		require.NoError(t, a.Save(ctx, newFlow("flow-1", types.StateReceived, "", types.FlowTypePush, 1000)))
		_, err := a.FindByIDAndLease(ctx, "flow-1")
		require.NoError(t, err)

		assert.ErrorIs(t, b.BreakLease(ctx, "flow-1"), ErrAlreadyLeased)
		require.NoError(t, a.BreakLease(ctx, "flow-1"))
		require.NoError(t, a.BreakLease(ctx, "flow-1"))

		_, err = b.FindByIDAndLease(ctx, "flow-1")
		assert.NoError(t, err)
	})

	t.Run("LeaseExpiry", func(t *testing.T) {
		a, b, expire := setup(t)
		require.NoError(t, a.Save(ctx, newFlow("flow-1", types.StateStarted, "a", types.FlowTypePush, 1000)))
		_, err := a.FindByIDAndLease(ctx, "flow-1")
		require.NoError(t, err)

		expire()

		_, err = b.FindByIDAndLease(ctx, "flow-1")
		assert.NoError(t, err)
	})

	t.Run("NextNotLeased", func(t *testing.T) {
		a, b, _ := setup(t)
		flows := []*types.DataFlow{
			newFlow("started-other-late", types.StateStarted, "b", types.FlowTypePush, 3000),
			newFlow("started-other-early", types.StateStarted, "b", types.FlowTypePush, 1000),
			newFlow("started-none", types.StateStarted, "", types.FlowTypePush, 2000),
			newFlow("started-own", types.StateStarted, "a", types.FlowTypePush, 500),
			newFlow("started-pull", types.StateStarted, "b", types.FlowTypePull, 100),
			newFlow("received", types.StateReceived, "", types.FlowTypePush, 50),
			newFlow("leased", types.StateStarted, "b", types.FlowTypePush, 10),
		}
		for _, f := range flows {
			require.NoError(t, a.Save(ctx, f))
		}
		_, err := b.FindByIDAndLease(ctx, "leased")
		require.NoError(t, err)

		got, err := a.NextNotLeased(ctx, 10,
			StateIs(types.StateStarted), RuntimeIsNot("a"), FlowTypeIs(types.FlowTypePush))
		require.NoError(t, err)
		assert.Equal(t, []string{"started-other-early", "started-none", "started-other-late"}, flowIDs(got))

		got, err = a.NextNotLeased(ctx, 2, StateIs(types.StateStarted), RuntimeIsNot("a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"started-pull", "started-other-early"}, flowIDs(got))

		got, err = a.NextNotLeased(ctx, 10, StateIs(types.StateStarted), RuntimeIs("a"))
		require.NoError(t, err)
		assert.Equal(t, []string{"started-own"}, flowIDs(got))

		got, err = a.NextNotLeased(ctx, 10,
			StateIs(types.StateStarted), StateTimestampBefore(time.UnixMilli(1500)))
		require.NoError(t, err)
		assert.Equal(t, []string{"started-pull", "started-own", "started-other-early"}, flowIDs(got))

		got, err = a.NextNotLeased(ctx, 0, StateIs(types.StateStarted))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("StateCountBelow", func(t *testing.T) {
		a, _, _ := setup(t)
		fresh := newFlow("fresh", types.StateCompleted, "a", types.FlowTypePush, 1000)
		retried := newFlow("retried", types.StateCompleted, "a", types.FlowTypePush, 500)
		retried.StateCount = 4
		require.NoError(t, a.Save(ctx, fresh))
		require.NoError(t, a.Save(ctx, retried))

		got, err := a.NextNotLeased(ctx, 10, StateIs(types.StateCompleted), StateCountBelow(4))
		require.NoError(t, err)
		assert.Equal(t, []string{"fresh"}, flowIDs(got))

		got, err = a.NextNotLeased(ctx, 10, StateIs(types.StateCompleted), StateCountBelow(5))
		require.NoError(t, err)
		assert.Equal(t, []string{"retried", "fresh"}, flowIDs(got))
	})

	t.Run("RetryDueBy", func(t *testing.T) {
		a, _, _ := setup(t)
		waiting := newFlow("waiting", types.StateCompleted, "a", types.FlowTypePush, 500)
		waiting.RetryAt = 5000
		due := newFlow("due", types.StateCompleted, "a", types.FlowTypePush, 1000)
		due.RetryAt = 3000
		fresh := newFlow("fresh", types.StateCompleted, "a", types.FlowTypePush, 2000)
		for _, f := range []*types.DataFlow{waiting, due, fresh} {
			require.NoError(t, a.Save(ctx, f))
		}

		got, err := a.NextNotLeased(ctx, 1, StateIs(types.StateCompleted), RetryDueBy(time.UnixMilli(3000)))
		require.NoError(t, err)
		assert.Equal(t, []string{"due"}, flowIDs(got))

		got, err = a.NextNotLeased(ctx, 10, StateIs(types.StateCompleted), RetryDueBy(time.UnixMilli(5000)))
		require.NoError(t, err)
		assert.Equal(t, []string{"waiting", "due", "fresh"}, flowIDs(got))
	})

	t.Run("StateIndexFollowsSave", func(t *testing.T) {
		a, _, _ := setup(t)
		flow := newFlow("flow-1", types.StateStarted, "a", types.FlowTypePush, 1000)
		require.NoError(t, a.Save(ctx, flow))
		require.NoError(t, flow.TransitionTo(types.StateCompleted, time.UnixMilli(2000)))
		require.NoError(t, a.Save(ctx, flow))

		started, err := a.NextNotLeased(ctx, 10, StateIs(types.StateStarted))
		require.NoError(t, err)
		assert.Empty(t, started)

		completed, err := a.NextNotLeased(ctx, 10, StateIs(types.StateCompleted))
		require.NoError(t, err)
		assert.Equal(t, []string{"flow-1"}, flowIDs(completed))
	})

	t.Run("InvalidCriterion", func(t *testing.T) {
		a, _, _ := setup(t)
		_, err := a.NextNotLeased(ctx, 10, Criterion{Field: "color", Operator: OpEqual, Value: "red"})
		assert.ErrorIs(t, err, ErrInvalidCriterion)
		_, err = a.NextNotLeased(ctx, 10, Criterion{Field: FieldRuntimeID, Operator: OpLessThan, Value: "a"})
		assert.ErrorIs(t, err, ErrInvalidCriterion)
	})

	t.Run("ConcurrentLease", func(t *testing.T) {
		a, b, _ := setup(t)
		require.NoError(t, a.Save(ctx, newFlow("flow-1", types.StateReceived, "", types.FlowTypePush, 1000)))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins, conflicts := 0, 0
		for i := 0; i < 20; i++ {
			store := a
			if i%2 == 1 {
				store = b
			}
			wg.Add(1)
			go func(s Store) {
				defer wg.Done()
				_, err := s.FindByIDAndLease(ctx, "flow-1")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case assert.ErrorIs(t, err, ErrAlreadyLeased):
					conflicts++
				}
			}(store)
		}
		wg.Wait()
		assert.Equal(t, 1, wins, fmt.Sprintf("conflicts=%d", conflicts))
		assert.Equal(t, 19, conflicts)
	})
}
