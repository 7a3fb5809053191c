package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/dataplane-engine/log"
	"github.com/songzhibin97/dataplane-engine/storage"
	"github.com/songzhibin97/dataplane-engine/types"
)

// StartFlow accepts a transfer request. A PUSH flow is persisted as RECEIVED
// and picked up by the scheduler; nil is returned in place of an address. A
// PULL flow gets a credential first and is persisted as STARTED only once
// minting succeeded; the credential address is returned. Starting a flow that
// exists and is SUSPENDED resumes it.
func (o *Orchestrator) StartFlow(ctx context.Context, msg types.StartMessage) (addr *types.DataAddress, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartFlow",
		trace.WithAttributes(attribute.String("flow.id", msg.ProcessID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if err := msg.Validate(); err != nil {
		return nil, fatal(err, "invalid start message: %v", err)
	}

	existing, err := o.store.FindByID(ctx, msg.ProcessID)
	switch {
	case err == nil:
		return o.resume(ctx, existing, msg)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fatal(err, "failed to look up data flow %s: %v", msg.ProcessID, err)
	}

	if msg.TransferType.FlowType == types.FlowTypePull {
		addr, err := o.auth.CreateCredential(ctx, msg)
		if err != nil {
			return nil, fatal(err, "failed to create credential for data flow %s: %v", msg.ProcessID, err)
		}
		flow := types.NewDataFlow(msg, types.StateStarted, o.now())
		flow.RuntimeID = o.runtimeID
		if err := o.save(ctx, flow); err != nil {
			return nil, fatal(err, "failed to persist data flow %s: %v", msg.ProcessID, err)
		}
		o.logger.Info("pull flow started", log.FlowID(flow.ID))
		return addr, nil
	}

	flow := types.NewDataFlow(msg, types.StateReceived, o.now())
	if err := o.save(ctx, flow); err != nil {
		return nil, fatal(err, "failed to persist data flow %s: %v", msg.ProcessID, err)
	}
	o.logger.Info("push flow received", log.FlowID(flow.ID))
	return nil, nil
}

// resume reactivates a SUSPENDED flow. Any other existing flow is a conflict.
func (o *Orchestrator) resume(ctx context.Context, existing *types.DataFlow, msg types.StartMessage) (*types.DataAddress, error) {
	if existing.State != types.StateSuspended {
		return nil, fatal(nil, "data flow %s already exists in state %s", existing.ID, existing.State)
	}
	flow, err := o.store.FindByIDAndLease(ctx, existing.ID)
	if err != nil {
		return nil, o.leaseFailure("resume", existing.ID, err)
	}
	if flow.State != types.StateSuspended {
		o.breakLease(ctx, flow.ID)
		return nil, fatal(nil, "data flow %s already exists in state %s", flow.ID, flow.State)
	}

	if flow.TransferType.FlowType == types.FlowTypePull {
		addr, err := o.auth.CreateCredential(ctx, msg)
		if err != nil {
			o.breakLease(ctx, flow.ID)
			return nil, fatal(err, "failed to create credential for data flow %s: %v", flow.ID, err)
		}
		if err := flow.Start(o.runtimeID, o.now()); err != nil {
			o.breakLease(ctx, flow.ID)
			return nil, fatal(err, "failed to resume data flow %s: %v", flow.ID, err)
		}
		if err := o.save(ctx, flow); err != nil {
			o.breakLease(ctx, flow.ID)
			return nil, retry(err, "failed to persist data flow %s: %v", flow.ID, err)
		}
		o.logger.Info("pull flow resumed", log.FlowID(flow.ID))
		return addr, nil
	}

	if err := flow.TransitionTo(types.StateReceived, o.now()); err != nil {
		o.breakLease(ctx, flow.ID)
		return nil, fatal(err, "failed to resume data flow %s: %v", flow.ID, err)
	}
	if err := o.save(ctx, flow); err != nil {
		o.breakLease(ctx, flow.ID)
		return nil, retry(err, "failed to persist data flow %s: %v", flow.ID, err)
	}
	o.logger.Info("push flow resumed", log.FlowID(flow.ID))
	return nil, nil
}

// Terminate ends a flow for good. Running PUSH transfers are asked to stop
// and PULL credentials are revoked. The reason, when given, is kept on the
// flow.
func (o *Orchestrator) Terminate(ctx context.Context, id, reason string) error {
	return o.halt(ctx, "terminate", id, reason, types.StateTerminated)
}

// Suspend pauses a flow the same way Terminate stops it, leaving it SUSPENDED
// so a later StartFlow can resume it.
func (o *Orchestrator) Suspend(ctx context.Context, id, reason string) error {
	return o.halt(ctx, "suspend", id, reason, types.StateSuspended)
}

// halt stops a flow and moves it to target. Every rejection before the final
// save leaves the persisted flow unchanged.
func (o *Orchestrator) halt(ctx context.Context, op, id, reason string, target types.State) (err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator."+op,
		trace.WithAttributes(attribute.String("flow.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	flow, err := o.store.FindByIDAndLease(ctx, id)
	if err != nil {
		return o.leaseFailure(op, id, err)
	}
	if flow.State.IsFinal() || !flow.State.CanTransition(target) {
		o.breakLease(ctx, id)
		return fatal(types.ErrInvalidTransition, "cannot %s data flow %s in state %s", op, id, flow.State)
	}

	switch {
	case flow.TransferType.FlowType == types.FlowTypePull:
		if err := o.auth.RevokeCredential(ctx, id, reason); err != nil {
			o.breakLease(ctx, id)
			return fatal(err, "failed to revoke credential of data flow %s: %v", id, err)
		}
	case flow.HasSource():
		engine := o.resolve(flow)
		if engine == nil {
			o.breakLease(ctx, id)
			return fatal(nil, "no transfer engine can %s data flow %s", op, id)
		}
		if res := engine.Terminate(ctx, flow); res.Failed() {
			o.breakLease(ctx, id)
			return fatal(nil, "failed to %s data flow %s: %s", op, id, res.Detail)
		}
	}

	if reason != "" {
		flow.SetProperty(types.TerminationReasonKey, reason)
	}
	if err := flow.TransitionTo(target, o.now()); err != nil {
		o.breakLease(ctx, id)
		return fatal(err, "cannot %s data flow %s: %v", op, id, err)
	}
	if err := o.save(ctx, flow); err != nil {
		o.breakLease(ctx, id)
		return retry(err, "failed to persist data flow %s: %v", id, err)
	}
	o.releaseID(id)
	o.logger.Info("data flow halted", log.FlowID(id), log.State(target), slog.String("reason", reason))
	return nil
}

// leaseFailure maps a lease error onto a command failure.
func (o *Orchestrator) leaseFailure(op, id string, err error) *Failure {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return fatal(err, "data flow %s not found", id)
	case errors.Is(err, storage.ErrAlreadyLeased):
		o.metrics.RecordLeaseConflict(op)
		return retry(err, "data flow %s is leased by another worker", id)
	default:
		return fatal(err, "failed to lease data flow %s: %v", id, err)
	}
}

// Validate checks a start message without persisting anything. PUSH
// requests also need an engine that can handle them.
func (o *Orchestrator) Validate(ctx context.Context, msg types.StartMessage) error {
	if err := msg.Validate(); err != nil {
		return fatal(err, "invalid start message: %v", err)
	}
	if msg.TransferType.FlowType == types.FlowTypePush {
		engine := o.registry.Resolve(msg)
		if engine == nil || !engine.CanHandle(msg) {
			return fatal(nil, "no transfer engine can handle data flow %s", msg.ProcessID)
		}
	}
	return nil
}

// State returns the persisted state of a flow.
func (o *Orchestrator) State(ctx context.Context, id string) (types.State, error) {
	flow, err := o.store.FindByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, fatal(err, "data flow %s not found", id)
	}
	if err != nil {
		return 0, fatal(err, "failed to look up data flow %s: %v", id, err)
	}
	return flow.State, nil
}
