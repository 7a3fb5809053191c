package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/songzhibin97/dataplane-engine/types"
)

// Errors
var (
	// ErrNotFound is returned when a flow does not exist.
	ErrNotFound = errors.New("data flow not found")
	// ErrAlreadyLeased is returned when another worker holds the lease on a flow.
	ErrAlreadyLeased = errors.New("data flow already leased")
	// ErrInvalidCriterion is returned for criteria a store cannot evaluate.
	ErrInvalidCriterion = errors.New("invalid criterion")
)

// DefaultLeaseDuration is used when a store is created without a lease duration.
const DefaultLeaseDuration = 60 * time.Second

// Store persists DataFlows and arbitrates exclusive access to them through leases.
// Every store instance acts on behalf of one lease holder, normally the runtime id.
type Store interface {
	// FindByID returns the flow without leasing it.
	FindByID(ctx context.Context, id string) (*types.DataFlow, error)

	// FindByIDAndLease leases the flow and returns it. A flow that is already
	// leased yields ErrAlreadyLeased, whoever holds the lease.
	FindByIDAndLease(ctx context.Context, id string) (*types.DataFlow, error)

	// NextNotLeased returns up to limit unleased flows matching all criteria,
	// oldest state timestamp first. No lease is held on return.
	NextNotLeased(ctx context.Context, limit int, criteria ...Criterion) ([]*types.DataFlow, error)

	// Save persists the flow and releases the caller's lease on it.
	Save(ctx context.Context, flow *types.DataFlow) error

	// BreakLease releases the caller's lease without writing the flow.
	BreakLease(ctx context.Context, id string) error
}

// Criterion fields
const (
	FieldState          = "state"
	FieldRuntimeID      = "runtimeId"
	FieldFlowType       = "transferType.flowType"
	FieldStateTimestamp = "stateTimestamp"
	FieldStateCount     = "stateCount"
	FieldRetryAt        = "retryAt"
)

// Criterion operators
const (
	OpEqual    = "="
	OpNotEqual = "!="
	OpLessThan = "<"
)

// Criterion is a single filter term for NextNotLeased.
type Criterion struct {
	Field    string
	Operator string
	Value    interface{}
}

// StateIs matches flows in the given state.
func StateIs(state types.State) Criterion {
	return Criterion{Field: FieldState, Operator: OpEqual, Value: state}
}

// RuntimeIs matches flows owned by the given runtime.
func RuntimeIs(runtimeID string) Criterion {
	return Criterion{Field: FieldRuntimeID, Operator: OpEqual, Value: runtimeID}
}

// RuntimeIsNot matches flows not owned by the given runtime.
func RuntimeIsNot(runtimeID string) Criterion {
	return Criterion{Field: FieldRuntimeID, Operator: OpNotEqual, Value: runtimeID}
}

// FlowTypeIs matches flows of the given flow type.
func FlowTypeIs(flowType types.FlowType) Criterion {
	return Criterion{Field: FieldFlowType, Operator: OpEqual, Value: flowType}
}

// StateTimestampBefore matches flows whose last transition happened before t.
func StateTimestampBefore(t time.Time) Criterion {
	return Criterion{Field: FieldStateTimestamp, Operator: OpLessThan, Value: t.UnixMilli()}
}

// StateCountBelow matches flows that entered their current state fewer than n times.
func StateCountBelow(n int) Criterion {
	return Criterion{Field: FieldStateCount, Operator: OpLessThan, Value: n}
}

// RetryDueBy matches flows with no retry scheduled after now.
func RetryDueBy(now time.Time) Criterion {
	return Criterion{Field: FieldRetryAt, Operator: OpLessThan, Value: now.UnixMilli() + 1}
}

func (c Criterion) String() string {
	return fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value)
}

// Validate checks that the field, operator and value are understood.
func (c Criterion) Validate() error {
	switch c.Field {
	case FieldState, FieldStateTimestamp, FieldStateCount, FieldRetryAt:
		if _, ok := intValue(c.Value); !ok {
			return fmt.Errorf("%w: %s needs an integer value", ErrInvalidCriterion, c)
		}
	case FieldRuntimeID, FieldFlowType:
		if _, ok := stringValue(c.Value); !ok {
			return fmt.Errorf("%w: %s needs a string value", ErrInvalidCriterion, c)
		}
		if c.Operator == OpLessThan {
			return fmt.Errorf("%w: %s", ErrInvalidCriterion, c)
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrInvalidCriterion, c.Field)
	}
	switch c.Operator {
	case OpEqual, OpNotEqual, OpLessThan:
		return nil
	default:
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidCriterion, c.Operator)
	}
}

// Matches evaluates the criterion against a flow. Invalid criteria never match.
func (c Criterion) Matches(flow *types.DataFlow) bool {
	switch c.Field {
	case FieldState:
		return compareInt(int64(flow.State), c.Operator, c.Value)
	case FieldStateTimestamp:
		return compareInt(flow.StateTimestamp, c.Operator, c.Value)
	case FieldStateCount:
		return compareInt(int64(flow.StateCount), c.Operator, c.Value)
	case FieldRetryAt:
		return compareInt(flow.RetryAt, c.Operator, c.Value)
	case FieldRuntimeID:
		return compareString(flow.RuntimeID, c.Operator, c.Value)
	case FieldFlowType:
		return compareString(string(flow.TransferType.FlowType), c.Operator, c.Value)
	}
	return false
}

func validateCriteria(criteria []Criterion) error {
	for _, c := range criteria {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func matchesAll(flow *types.DataFlow, criteria []Criterion) bool {
	for _, c := range criteria {
		if !c.Matches(flow) {
			return false
		}
	}
	return true
}

// sortAndLimit orders flows by state timestamp (then id) and truncates to limit.
func sortAndLimit(flows []*types.DataFlow, limit int) []*types.DataFlow {
	sort.Slice(flows, func(i, j int) bool {
		if flows[i].StateTimestamp != flows[j].StateTimestamp {
			return flows[i].StateTimestamp < flows[j].StateTimestamp
		}
		return flows[i].ID < flows[j].ID
	})
	if len(flows) > limit {
		flows = flows[:limit]
	}
	return flows
}

func compareInt(actual int64, op string, value interface{}) bool {
	expected, ok := intValue(value)
	if !ok {
		return false
	}
	switch op {
	case OpEqual:
		return actual == expected
	case OpNotEqual:
		return actual != expected
	case OpLessThan:
		return actual < expected
	}
	return false
}

func compareString(actual string, op string, value interface{}) bool {
	expected, ok := stringValue(value)
	if !ok {
		return false
	}
	switch op {
	case OpEqual:
		return actual == expected
	case OpNotEqual:
		return actual != expected
	}
	return false
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case types.State:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case time.Time:
		return n.UnixMilli(), true
	}
	return 0, false
}

func stringValue(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case types.FlowType:
		return string(s), true
	}
	return "", false
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
