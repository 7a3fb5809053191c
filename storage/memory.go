package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/songzhibin97/dataplane-engine/types"
)

type lease struct {
	holder    string
	expiresAt time.Time
}

// memoryState is shared by every holder view of one MemoryStore.
type memoryState struct {
	flows  map[string]*types.DataFlow
	leases map[string]lease
	mu     sync.RWMutex
}

// MemoryStore is an in-memory implementation of the Store interface.
type MemoryStore struct {
	state         *memoryState
	holder        string
	leaseDuration time.Duration
	clock         clock.PassiveClock
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock sets the clock used for lease expiry.
func WithMemoryClock(c clock.PassiveClock) MemoryOption {
	return func(s *MemoryStore) {
		s.clock = c
	}
}

// NewMemoryStore creates a store whose leases belong to holder and last leaseDuration.
func NewMemoryStore(holder string, leaseDuration time.Duration, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		state: &memoryState{
			flows:  make(map[string]*types.DataFlow),
			leases: make(map[string]lease),
		},
		holder:        holder,
		leaseDuration: leaseDuration,
		clock:         clock.RealClock{},
	}
	if s.leaseDuration <= 0 {
		s.leaseDuration = DefaultLeaseDuration
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ForHolder returns a view of the same data acting for another lease holder.
func (s *MemoryStore) ForHolder(holder string) *MemoryStore {
	view := *s
	view.holder = holder
	return &view
}

// leasedByOther reports whether id carries a live lease of another holder.
// Callers hold the state lock.
func (s *MemoryStore) leasedByOther(id string, now time.Time) bool {
	l, ok := s.state.leases[id]
	return ok && now.Before(l.expiresAt) && l.holder != s.holder
}

func (s *MemoryStore) leased(id string, now time.Time) bool {
	l, ok := s.state.leases[id]
	return ok && now.Before(l.expiresAt)
}

// FindByID retrieves a flow without leasing it.
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*types.DataFlow, error) {
	return withContext(ctx, func() (*types.DataFlow, error) {
		s.state.mu.RLock()
		defer s.state.mu.RUnlock()
		flow, ok := s.state.flows[id]
		if !ok {
			return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		}
		return flow.Clone(), nil
	})
}

// FindByIDAndLease leases a flow for this holder.
func (s *MemoryStore) FindByIDAndLease(ctx context.Context, id string) (*types.DataFlow, error) {
	return withContext(ctx, func() (*types.DataFlow, error) {
		s.state.mu.Lock()
		defer s.state.mu.Unlock()
		flow, ok := s.state.flows[id]
		if !ok {
			return nil, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		}
		now := s.clock.Now()
		if s.leased(id, now) {
			return nil, fmt.Errorf("%w: id=%s", ErrAlreadyLeased, id)
		}
		s.state.leases[id] = lease{holder: s.holder, expiresAt: now.Add(s.leaseDuration)}
		return flow.Clone(), nil
	})
}

// NextNotLeased lists unleased flows matching criteria.
func (s *MemoryStore) NextNotLeased(ctx context.Context, limit int, criteria ...Criterion) ([]*types.DataFlow, error) {
	if err := validateCriteria(criteria); err != nil {
		return nil, err
	}
	return withContext(ctx, func() ([]*types.DataFlow, error) {
		if limit <= 0 {
			return nil, nil
		}
		s.state.mu.RLock()
		defer s.state.mu.RUnlock()
		now := s.clock.Now()
		var out []*types.DataFlow
		for id, flow := range s.state.flows {
			if s.leased(id, now) || !matchesAll(flow, criteria) {
				continue
			}
			out = append(out, flow.Clone())
		}
		return sortAndLimit(out, limit), nil
	})
}

// Save stores the flow and releases this holder's lease.
func (s *MemoryStore) Save(ctx context.Context, flow *types.DataFlow) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.state.mu.Lock()
		defer s.state.mu.Unlock()
		if s.leasedByOther(flow.ID, s.clock.Now()) {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrAlreadyLeased, flow.ID)
		}
		s.state.flows[flow.ID] = flow.Clone()
		delete(s.state.leases, flow.ID)
		return struct{}{}, nil
	})
	return err
}

// BreakLease releases this holder's lease on id, if any.
func (s *MemoryStore) BreakLease(ctx context.Context, id string) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.state.mu.Lock()
		defer s.state.mu.Unlock()
		if s.leasedByOther(id, s.clock.Now()) {
			return struct{}{}, fmt.Errorf("%w: id=%s", ErrAlreadyLeased, id)
		}
		delete(s.state.leases, id)
		return struct{}{}, nil
	})
	return err
}

// Len returns the number of stored flows.
func (s *MemoryStore) Len() int {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	return len(s.state.flows)
}
