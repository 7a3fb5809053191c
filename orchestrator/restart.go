package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/dataplane-engine/storage"
	"github.com/songzhibin97/dataplane-engine/types"
)

// RestartFlows relaunches PUSH transfers that were running when this runtime
// last stopped and adopts those abandoned by other runtimes. Flows whose
// transfer already runs here are skipped, so repeated or concurrent calls
// launch at most one transfer per flow. Each pass handles up to one batch per
// group; the scheduler's heartbeat and adoption passes pick up the rest.
func (o *Orchestrator) RestartFlows(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.RestartFlows")
	defer span.End()
	if o.baseCtx.Err() != nil {
		return ErrStopped
	}

	var (
		errs error
		mu   sync.Mutex
	)
	collect := func(err error) {
		if err == nil || errors.Is(err, storage.ErrAlreadyLeased) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		multierr.AppendInto(&errs, err)
	}

	own, err := o.store.NextNotLeased(ctx, o.cfg.Scheduler.BatchSize,
		storage.StateIs(types.StateStarted),
		storage.RuntimeIs(o.runtimeID),
		storage.FlowTypeIs(types.FlowTypePush),
	)
	if err != nil {
		collect(fmt.Errorf("list own flows: %w", err))
	}
	abandoned, err := o.store.NextNotLeased(ctx, o.cfg.Scheduler.BatchSize, o.abandonedCriteria(o.now())...)
	if err != nil {
		collect(fmt.Errorf("list abandoned flows: %w", err))
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Scheduler.Workers)
	for _, flow := range own {
		flow := flow
		if o.running(flow.ID) {
			continue
		}
		g.Go(func() error {
			collect(o.restartOwned(ctx, flow))
			return nil
		})
	}
	for _, flow := range abandoned {
		flow := flow
		g.Go(func() error {
			collect(o.processAbandoned(ctx, flow))
			return nil
		})
	}
	_ = g.Wait()

	if errs != nil {
		span.RecordError(errs)
		return errs
	}
	o.logger.Info("restart flows finished",
		slog.Int("own", len(own)), slog.Int("abandoned", len(abandoned)))
	return nil
}

func (o *Orchestrator) restartOwned(ctx context.Context, candidate *types.DataFlow) error {
	flow, err := o.leaseIn(ctx, candidate.ID, types.StateStarted)
	if err != nil || flow == nil {
		return err
	}
	if flow.RuntimeID != o.runtimeID {
		o.breakLease(ctx, flow.ID)
		return nil
	}
	return o.startTransfer(ctx, flow)
}
