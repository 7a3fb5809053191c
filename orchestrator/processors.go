package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/dataplane-engine/log"
	"github.com/songzhibin97/dataplane-engine/storage"
	"github.com/songzhibin97/dataplane-engine/transfer"
	"github.com/songzhibin97/dataplane-engine/types"
)

// processor is one bounded poll of the store per tick.
type processor struct {
	name     string
	criteria func(now time.Time) []storage.Criterion
	process  func(ctx context.Context, flow *types.DataFlow) error
	backoff  bool // honour the retry policy between repeated entries
}

func (o *Orchestrator) newProcessors() []processor {
	return []processor{
		{
			name:     "received",
			criteria: o.retryCriteria(types.StateReceived),
			process:  o.processReceived,
			backoff:  true,
		},
		{
			name:     "completed",
			criteria: o.retryCriteria(types.StateCompleted),
			process:  o.processCompleted,
			backoff:  true,
		},
		{
			name:     "failed",
			criteria: o.retryCriteria(types.StateFailed),
			process:  o.processFailed,
			backoff:  true,
		},
		{
			name: "heartbeat",
			criteria: func(now time.Time) []storage.Criterion {
				return []storage.Criterion{
					storage.StateIs(types.StateStarted),
					storage.RuntimeIs(o.runtimeID),
					storage.FlowTypeIs(types.FlowTypePush),
					storage.StateTimestampBefore(now.Add(-o.cfg.HeartbeatInterval())),
				}
			},
			process: o.processOwned,
		},
		{
			name:     "adopt",
			criteria: o.abandonedCriteria,
			process:  o.processAbandoned,
		},
	}
}

// retryCriteria selects flows in state that have retries left and whose
// backoff elapsed.
func (o *Orchestrator) retryCriteria(state types.State) func(time.Time) []storage.Criterion {
	return func(now time.Time) []storage.Criterion {
		criteria := []storage.Criterion{storage.StateIs(state), storage.RetryDueBy(now)}
		if o.retry.maxRetries > 0 {
			criteria = append(criteria, storage.StateCountBelow(o.retry.maxRetries+1))
		}
		return criteria
	}
}

// abandonedCriteria selects PUSH transfers of other runtimes that stopped
// heartbeating for a full flow lease.
func (o *Orchestrator) abandonedCriteria(now time.Time) []storage.Criterion {
	return []storage.Criterion{
		storage.StateIs(types.StateStarted),
		storage.RuntimeIsNot(o.runtimeID),
		storage.FlowTypeIs(types.FlowTypePush),
		storage.StateTimestampBefore(now.Add(-o.cfg.Lease.FlowLease)),
	}
}

// leaseIn leases a flow and checks it is still in state. A flow that moved on
// is released and reported as nil.
func (o *Orchestrator) leaseIn(ctx context.Context, id string, state types.State) (*types.DataFlow, error) {
	flow, err := o.store.FindByIDAndLease(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.State != state {
		o.breakLease(ctx, id)
		return nil, nil
	}
	return flow, nil
}

func (o *Orchestrator) processReceived(ctx context.Context, candidate *types.DataFlow) error {
	flow, err := o.leaseIn(ctx, candidate.ID, types.StateReceived)
	if err != nil || flow == nil {
		return err
	}
	return o.startTransfer(ctx, flow)
}

// startTransfer moves a leased flow into STARTED under this runtime and
// launches its transfer. Without an engine the flow fails.
func (o *Orchestrator) startTransfer(ctx context.Context, flow *types.DataFlow) error {
	engine := o.resolve(flow)
	if engine == nil {
		if err := flow.Fail(fmt.Sprintf("no transfer engine can handle data flow %s", flow.ID), o.now()); err != nil {
			o.breakLease(ctx, flow.ID)
			return err
		}
		return o.save(ctx, flow)
	}

	run, ok := o.claim(flow.ID)
	if !ok {
		o.breakLease(ctx, flow.ID)
		return nil
	}
	if err := flow.Start(o.runtimeID, o.now()); err != nil {
		o.release(flow.ID, run)
		o.breakLease(ctx, flow.ID)
		return err
	}
	if err := o.save(ctx, flow); err != nil {
		o.release(flow.ID, run)
		o.breakLease(ctx, flow.ID)
		return err
	}
	o.launch(flow, engine, run)
	return nil
}

// launch hands the flow to the engine and registers the continuation. The
// caller has claimed the flow as run. A flow saved as STARTED while Stop ran
// is left for a restart or a peer.
func (o *Orchestrator) launch(flow *types.DataFlow, engine transfer.Engine, run *transferRun) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		cancel()
		o.release(flow.ID, run)
		return
	}
	run.cancel = cancel
	run.launched = true
	o.wg.Add(1)
	o.mu.Unlock()

	resultCh, errCh := engine.Transfer(ctx, flow.ToStartMessage())
	o.logger.Info("transfer started", log.FlowID(flow.ID), slog.Int("state_count", flow.StateCount))

	go func(id string) {
		defer o.wg.Done()
		defer o.release(id, run)
		select {
		case res := <-resultCh:
			run.finishing.Store(true)
			o.finish(id, res, nil)
		case err := <-errCh:
			run.finishing.Store(true)
			o.finish(id, transfer.StreamResult{}, err)
		case <-ctx.Done():
		}
	}(flow.ID)
}

// finish re-enters the state machine once a transfer resolved. Outcomes only
// apply while the flow is still STARTED under this runtime, so a concurrent
// terminate or suspend always wins.
func (o *Orchestrator) finish(id string, res transfer.StreamResult, fault error) {
	ctx, span := o.tracer.Start(o.baseCtx, "orchestrator.transfer.finish",
		trace.WithAttributes(attribute.String("flow.id", id)))
	defer span.End()

	flow, err := o.leaseWithRetry(ctx, id)
	if err != nil {
		span.RecordError(err)
		o.logger.Warn("transfer outcome dropped, flow could not be leased",
			log.FlowID(id), slog.Bool("fault", fault != nil), log.Error(err))
		return
	}
	if flow.State != types.StateStarted || flow.RuntimeID != o.runtimeID {
		o.logger.Info("transfer outcome ignored",
			log.FlowID(id), log.State(flow.State), slog.String("owner", flow.RuntimeID))
		o.breakLease(ctx, id)
		return
	}

	now := o.now()
	switch {
	case fault != nil:
		o.logger.Warn("transfer faulted, flow will be retried", log.FlowID(id), log.Error(fault))
		err = flow.TransitionTo(types.StateReceived, now)
	case res.Succeeded():
		err = flow.TransitionTo(types.StateCompleted, now)
	default:
		o.logger.Warn("transfer failed", log.FlowID(id), log.Status(res.Status), log.ErrorString(res.Detail))
		err = flow.Fail(res.FailureDetail(), now)
	}
	if err == nil {
		err = o.save(ctx, flow)
	}
	if err != nil {
		span.RecordError(err)
		o.breakLease(ctx, id)
		o.logger.Error("failed to record transfer outcome", log.FlowID(id), log.Error(err))
	}
}

// leaseWithRetry waits out short leases held by this runtime's own
// processors, such as a heartbeat racing the continuation.
func (o *Orchestrator) leaseWithRetry(ctx context.Context, id string) (*types.DataFlow, error) {
	var err error
	for attempt := 1; attempt <= o.cfg.Lease.Attempts; attempt++ {
		var flow *types.DataFlow
		flow, err = o.store.FindByIDAndLease(ctx, id)
		if err == nil {
			return flow, nil
		}
		if !errors.Is(err, storage.ErrAlreadyLeased) {
			return nil, err
		}
		o.metrics.RecordLeaseConflict("continuation")
		if attempt == o.cfg.Lease.Attempts || o.cfg.Lease.RetryDelay <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-o.clock.After(o.cfg.Lease.RetryDelay):
		}
	}
	return nil, err
}

func (o *Orchestrator) processCompleted(ctx context.Context, candidate *types.DataFlow) error {
	flow, err := o.leaseIn(ctx, candidate.ID, types.StateCompleted)
	if err != nil || flow == nil {
		return err
	}
	return o.notify(ctx, flow, o.notifier.Completed(ctx, flow))
}

func (o *Orchestrator) processFailed(ctx context.Context, candidate *types.DataFlow) error {
	flow, err := o.leaseIn(ctx, candidate.ID, types.StateFailed)
	if err != nil || flow == nil {
		return err
	}
	return o.notify(ctx, flow, o.notifier.Failed(ctx, flow, flow.ErrorDetail))
}

// notify records the outcome of a notification. A failure re-enters the
// current state so the retry policy spaces out the next attempt.
func (o *Orchestrator) notify(ctx context.Context, flow *types.DataFlow, notifyErr error) error {
	state := flow.State
	next := types.StateNotified
	if notifyErr != nil {
		o.metrics.RecordNotificationFailure(state.String())
		next = state
	}
	if err := flow.TransitionTo(next, o.now()); err != nil {
		o.breakLease(ctx, flow.ID)
		return err
	}
	if notifyErr != nil {
		flow.RetryAt = o.retry.nextAttempt(flow).UnixMilli()
	}
	if err := o.save(ctx, flow); err != nil {
		return err
	}
	if notifyErr == nil {
		return nil
	}

	attrs := []any{log.FlowID(flow.ID), log.State(state), slog.Int("attempt", flow.StateCount-1), log.Error(notifyErr)}
	if o.retry.exhausted(flow) {
		o.logger.Warn("notification retries exhausted, flow parked", attrs...)
		return nil
	}
	o.logger.Warn("notification failed, will retry", attrs...)
	return nil
}

// processOwned keeps this runtime's STARTED flows fresh. A flow whose
// transfer runs here gets a heartbeat; one that does not (the process
// restarted under the same id) has its transfer relaunched.
func (o *Orchestrator) processOwned(ctx context.Context, candidate *types.DataFlow) error {
	flow, err := o.leaseIn(ctx, candidate.ID, types.StateStarted)
	if err != nil || flow == nil {
		return err
	}
	if flow.RuntimeID != o.runtimeID {
		o.breakLease(ctx, flow.ID)
		return nil
	}
	if o.running(flow.ID) {
		if err := flow.TransitionTo(types.StateStarted, o.now()); err != nil {
			o.breakLease(ctx, flow.ID)
			return err
		}
		return o.save(ctx, flow)
	}
	return o.startTransfer(ctx, flow)
}

// processAbandoned re-adopts a stale flow of another runtime.
func (o *Orchestrator) processAbandoned(ctx context.Context, candidate *types.DataFlow) error {
	flow, err := o.leaseIn(ctx, candidate.ID, types.StateStarted)
	if err != nil || flow == nil {
		return err
	}
	staleBefore := o.now().Add(-o.cfg.Lease.FlowLease).UnixMilli()
	if flow.RuntimeID == o.runtimeID || flow.StateTimestamp >= staleBefore {
		o.breakLease(ctx, flow.ID)
		return nil
	}
	o.logger.Info("adopting data flow", log.FlowID(flow.ID), slog.String("previous_owner", flow.RuntimeID))
	return o.startTransfer(ctx, flow)
}
