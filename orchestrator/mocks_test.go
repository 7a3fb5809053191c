package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/songzhibin97/dataplane-engine/authorization"
	"github.com/songzhibin97/dataplane-engine/config"
	"github.com/songzhibin97/dataplane-engine/storage"
	"github.com/songzhibin97/dataplane-engine/transfer"
	"github.com/songzhibin97/dataplane-engine/types"
)

const runtimeID = "runtime-a"

// MockEngine records transfers and lets tests resolve them.
type MockEngine struct {
	mu              sync.Mutex
	canHandle       func(types.StartMessage) bool
	autoResult      *transfer.StreamResult
	terminateResult transfer.StreamResult
	transfers       []string
	terminated      []string
	results         map[string]chan transfer.StreamResult
	faults          map[string]chan error
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		terminateResult: transfer.Success(),
		results:         make(map[string]chan transfer.StreamResult),
		faults:          make(map[string]chan error),
	}
}

func (e *MockEngine) CanHandle(msg types.StartMessage) bool {
	if e.canHandle == nil {
		return true
	}
	return e.canHandle(msg)
}

func (e *MockEngine) Transfer(ctx context.Context, msg types.StartMessage) (<-chan transfer.StreamResult, <-chan error) {
	resultCh := make(chan transfer.StreamResult, 1)
	errCh := make(chan error, 1)

	e.mu.Lock()
	e.transfers = append(e.transfers, msg.ProcessID)
	e.results[msg.ProcessID] = resultCh
	e.faults[msg.ProcessID] = errCh
	auto := e.autoResult
	e.mu.Unlock()

	if auto != nil {
		resultCh <- *auto
	}
	return resultCh, errCh
}

func (e *MockEngine) Terminate(ctx context.Context, flow *types.DataFlow) transfer.StreamResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, flow.ID)
	return e.terminateResult
}

func (e *MockEngine) complete(id string, res transfer.StreamResult) {
	e.mu.Lock()
	ch := e.results[id]
	e.mu.Unlock()
	ch <- res
}

func (e *MockEngine) fault(id string, err error) {
	e.mu.Lock()
	ch := e.faults[id]
	e.mu.Unlock()
	ch <- err
}

func (e *MockEngine) transferCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.transfers...)
}

func (e *MockEngine) terminateCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.terminated...)
}

// MockAuth mints fake credentials.
type MockAuth struct {
	mu        sync.Mutex
	createErr error
	revokeErr error
	created   []string
	revoked   map[string]string
}

func NewMockAuth() *MockAuth {
	return &MockAuth{revoked: make(map[string]string)}
}

func (a *MockAuth) CreateCredential(ctx context.Context, msg types.StartMessage) (*types.DataAddress, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.createErr != nil {
		return nil, a.createErr
	}
	a.created = append(a.created, msg.ProcessID)
	return &types.DataAddress{
		Type: authorization.EndpointDataReferenceType,
		Properties: map[string]string{
			authorization.PropertyID:            msg.ProcessID,
			authorization.PropertyAuthorization: "token-" + msg.ProcessID,
		},
	}, nil
}

func (a *MockAuth) RevokeCredential(ctx context.Context, flowID, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.revokeErr != nil {
		return a.revokeErr
	}
	a.revoked[flowID] = reason
	return nil
}

func (a *MockAuth) createCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.created)
}

// MockNotifier fails while its error is set.
type MockNotifier struct {
	mu        sync.Mutex
	err       error
	completed []string
	failed    map[string]string
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{failed: make(map[string]string)}
}

func (n *MockNotifier) Completed(ctx context.Context, flow *types.DataFlow) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.completed = append(n.completed, flow.ID)
	return n.err
}

func (n *MockNotifier) Failed(ctx context.Context, flow *types.DataFlow, detail string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed[flow.ID] = detail
	return n.err
}

func (n *MockNotifier) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *MockNotifier) completedCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.completed)
}

// HookStore lets tests inject lease and save failures.
type HookStore struct {
	storage.Store
	leaseHook func(id string) error
	saveHook  func(flow *types.DataFlow) error
}

func (s *HookStore) FindByIDAndLease(ctx context.Context, id string) (*types.DataFlow, error) {
	if s.leaseHook != nil {
		if err := s.leaseHook(id); err != nil {
			return nil, err
		}
	}
	return s.Store.FindByIDAndLease(ctx, id)
}

func (s *HookStore) Save(ctx context.Context, flow *types.DataFlow) error {
	if s.saveHook != nil {
		if err := s.saveHook(flow); err != nil {
			return err
		}
	}
	return s.Store.Save(ctx, flow)
}

type harness struct {
	o        *Orchestrator
	store    *storage.MemoryStore
	hooks    *HookStore
	engine   *MockEngine
	registry *transfer.OrderedRegistry
	auth     *MockAuth
	notifier *MockNotifier
	clock    *testingclock.FakeClock
}

func testConfig() *config.Config {
	return &config.Config{
		RuntimeID: runtimeID,
		Scheduler: config.SchedulerConfig{Interval: time.Second, BatchSize: 10, Workers: 4},
		Lease: config.LeaseConfig{
			Duration:        time.Minute,
			FlowLease:       30 * time.Second,
			FlowLeaseFactor: 5,
			Attempts:        3,
		},
		Retry: config.RetryConfig{
			InitBackoff: time.Second,
			MaxBackoff:  10 * time.Second,
			BackoffType: config.BackoffFixed,
		},
	}
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	fc := testingclock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStore(runtimeID, cfg.Lease.Duration, storage.WithMemoryClock(fc))
	h := &harness{
		store:    store,
		hooks:    &HookStore{Store: store},
		engine:   NewMockEngine(),
		auth:     NewMockAuth(),
		notifier: NewMockNotifier(),
		clock:    fc,
	}
	h.registry = transfer.NewOrderedRegistry(h.engine)

	o, err := NewOrchestrator(cfg, h.hooks, h.registry, h.auth, h.notifier, WithClock(fc))
	require.NoError(t, err)
	h.o = o
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.Stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return h
}

func pushMessage(id string) types.StartMessage {
	return types.StartMessage{
		ProcessID:       id,
		Source:          &types.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://source"}},
		Destination:     &types.DataAddress{Type: "HttpData", Properties: map[string]string{"baseUrl": "http://sink"}},
		TransferType:    types.TransferType{DestinationType: "HttpData", FlowType: types.FlowTypePush},
		CallbackAddress: "http://control-plane/callback",
	}
}

func pullMessage(id string) types.StartMessage {
	return types.StartMessage{
		ProcessID:    id,
		Destination:  &types.DataAddress{Type: "HttpProxy"},
		TransferType: types.TransferType{DestinationType: "HttpProxy", FlowType: types.FlowTypePull},
		Properties:   map[string]string{"scope": "read"},
	}
}

// seed stores a flow in state owned by owner whose last transition was age ago.
func (h *harness) seed(t *testing.T, msg types.StartMessage, state types.State, owner string, age time.Duration) *types.DataFlow {
	t.Helper()
	flow := types.NewDataFlow(msg, state, h.clock.Now().Add(-age))
	flow.RuntimeID = owner
	require.NoError(t, h.store.Save(context.Background(), flow))
	return flow
}

func (h *harness) flow(t *testing.T, id string) *types.DataFlow {
	t.Helper()
	flow, err := h.store.FindByID(context.Background(), id)
	require.NoError(t, err)
	return flow
}

func (h *harness) waitState(t *testing.T, id string, state types.State) *types.DataFlow {
	t.Helper()
	require.Eventually(t, func() bool {
		flow, err := h.store.FindByID(context.Background(), id)
		return err == nil && flow.State == state
	}, 2*time.Second, 5*time.Millisecond, "flow %s never reached %s", id, state)
	return h.flow(t, id)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.o.InFlight() == 0 }, 2*time.Second, 5*time.Millisecond)
}

var errBoom = errors.New("boom")
