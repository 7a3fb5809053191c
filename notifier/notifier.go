package notifier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/songzhibin97/dataplane-engine/events"
	"github.com/songzhibin97/dataplane-engine/types"
)

// ErrMissingFlow is returned when a nil flow is reported.
var ErrMissingFlow = errors.New("flow is required")

// Event data keys carried by completion and failure events.
const (
	DataCallbackAddress = "callbackAddress"
	DataErrorDetail     = "errorDetail"
	DataState           = "state"
	DataStateCount      = "stateCount"
	DataFlowType        = "flowType"
)

// Notifier reports terminal transfer outcomes to the control plane.
type Notifier interface {
	// Completed reports that the flow finished successfully.
	Completed(ctx context.Context, flow *types.DataFlow) error

	// Failed reports that the flow failed with detail.
	Failed(ctx context.Context, flow *types.DataFlow, detail string) error
}

// Publisher is the part of the event bus the notifier needs.
type Publisher interface {
	PublishSync(ctx context.Context, event events.Event) []error
}

// BusNotifier publishes outcomes synchronously on an event bus. Subscribers
// are the transport to the control plane; a publish without subscribers fails
// so the flow keeps its state until one is attached.
type BusNotifier struct {
	bus Publisher
}

// NewBusNotifier creates a notifier on bus.
func NewBusNotifier(bus Publisher) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Completed implements Notifier.
func (n *BusNotifier) Completed(ctx context.Context, flow *types.DataFlow) error {
	if flow == nil {
		return ErrMissingFlow
	}
	return n.publish(ctx, events.EventFlowCompleted, flow, nil)
}

// Failed implements Notifier.
func (n *BusNotifier) Failed(ctx context.Context, flow *types.DataFlow, detail string) error {
	if flow == nil {
		return ErrMissingFlow
	}
	return n.publish(ctx, events.EventFlowFailed, flow, map[string]interface{}{DataErrorDetail: detail})
}

func (n *BusNotifier) publish(ctx context.Context, eventType string, flow *types.DataFlow, extra map[string]interface{}) error {
	data := map[string]interface{}{
		DataCallbackAddress: flow.CallbackAddress,
		DataState:           flow.State.String(),
		DataStateCount:      flow.StateCount,
		DataFlowType:        string(flow.TransferType.FlowType),
	}
	for k, v := range extra {
		data[k] = v
	}

	errs := n.bus.PublishSync(ctx, events.Event{
		Type:   eventType,
		FlowID: flow.ID,
		Data:   data,
	})
	if err := multierr.Combine(errs...); err != nil {
		return fmt.Errorf("notify %s for flow %s: %w", eventType, flow.ID, err)
	}
	return nil
}

// Func adapts two functions to the Notifier interface. Nil functions succeed.
type Func struct {
	CompletedFunc func(ctx context.Context, flow *types.DataFlow) error
	FailedFunc    func(ctx context.Context, flow *types.DataFlow, detail string) error
}

// Completed implements Notifier.
func (f Func) Completed(ctx context.Context, flow *types.DataFlow) error {
	if f.CompletedFunc == nil {
		return nil
	}
	return f.CompletedFunc(ctx, flow)
}

// Failed implements Notifier.
func (f Func) Failed(ctx context.Context, flow *types.DataFlow, detail string) error {
	if f.FailedFunc == nil {
		return nil
	}
	return f.FailedFunc(ctx, flow, detail)
}
