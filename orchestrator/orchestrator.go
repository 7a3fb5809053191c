package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/songzhibin97/dataplane-engine/authorization"
	"github.com/songzhibin97/dataplane-engine/config"
	"github.com/songzhibin97/dataplane-engine/events"
	"github.com/songzhibin97/dataplane-engine/log"
	"github.com/songzhibin97/dataplane-engine/metrics"
	"github.com/songzhibin97/dataplane-engine/notifier"
	"github.com/songzhibin97/dataplane-engine/storage"
	"github.com/songzhibin97/dataplane-engine/transfer"
	"github.com/songzhibin97/dataplane-engine/types"
)

// Standard error definitions
var (
	ErrMissingConfig        = errors.New("config is required")
	ErrMissingStore         = errors.New("flow store is required")
	ErrMissingRegistry      = errors.New("engine registry is required")
	ErrMissingAuthorization = errors.New("authorization service is required")
	ErrMissingNotifier      = errors.New("notifier is required")
	ErrStopped              = errors.New("orchestrator is stopped")
)

const tracerName = "dataplane-engine"

// Publisher receives a state change event after every persisted transition.
type Publisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Orchestrator drives data flows through their lifecycle. Several
// orchestrators may share a store; leases keep them from advancing the same
// flow at once. The store passed in must lease on behalf of cfg.RuntimeID.
type Orchestrator struct {
	cfg       *config.Config
	runtimeID string
	store     storage.Store
	registry  transfer.Registry
	auth      authorization.Service
	notifier  notifier.Notifier
	publisher Publisher
	clock     clock.WithTicker
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	retry     *retryPolicy

	processors []processor

	inFlight map[string]*transferRun
	stopped  bool
	mu       sync.Mutex

	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventBus publishes flow.state_changed events on p.
func WithEventBus(p Publisher) Option {
	return func(o *Orchestrator) {
		o.publisher = p
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records transitions, lease conflicts and transfers on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// NewOrchestrator wires an orchestrator. Zero scheduler, lease and retry
// settings fall back to the config defaults.
func NewOrchestrator(
	cfg *config.Config,
	store storage.Store,
	registry transfer.Registry,
	auth authorization.Service,
	n notifier.Notifier,
	opts ...Option,
) (*Orchestrator, error) {
	switch {
	case cfg == nil:
		return nil, ErrMissingConfig
	case cfg.RuntimeID == "":
		return nil, config.ErrMissingRuntimeID
	case store == nil:
		return nil, ErrMissingStore
	case registry == nil:
		return nil, ErrMissingRegistry
	case auth == nil:
		return nil, ErrMissingAuthorization
	case n == nil:
		return nil, ErrMissingNotifier
	}
	cfg = cfg.WithRuntimeDefaults()

	baseCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		runtimeID: cfg.RuntimeID,
		store:     store,
		registry:  registry,
		auth:      auth,
		notifier:  n,
		clock:     clock.RealClock{},
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		retry:     newRetryPolicy(cfg.Retry),
		inFlight:  make(map[string]*transferRun),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(log.RuntimeID(o.runtimeID))
	o.processors = o.newProcessors()
	return o, nil
}

// RuntimeID returns the id this orchestrator leases and owns flows under.
func (o *Orchestrator) RuntimeID() string {
	return o.runtimeID
}

// Run restarts flows left behind by a previous incarnation or by dead peers,
// then processes flows every scheduler interval until ctx ends or Stop is
// called.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.baseCtx.Err() != nil {
		return ErrStopped
	}
	if err := o.RestartFlows(ctx); err != nil {
		o.logger.Warn("restart flows finished with errors", log.Error(err))
	}

	ticker := o.clock.NewTicker(o.cfg.Scheduler.Interval)
	defer ticker.Stop()

	o.logger.Info("scheduler started",
		slog.Duration("interval", o.cfg.Scheduler.Interval),
		slog.Int("batch_size", o.cfg.Scheduler.BatchSize),
		slog.Int("workers", o.cfg.Scheduler.Workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.baseCtx.Done():
			return nil
		case <-ticker.C():
			o.Tick(ctx)
		}
	}
}

// Tick stops local transfers this runtime no longer owns, then runs one pass
// of every processor.
func (o *Orchestrator) Tick(ctx context.Context) {
	if o.baseCtx.Err() != nil {
		return
	}
	start := o.clock.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.tick")
	defer span.End()

	o.reconcile(ctx)
	for _, p := range o.processors {
		if ctx.Err() != nil {
			return
		}
		o.runProcessor(ctx, p)
	}
	o.metrics.ObserveTick(o.clock.Since(start))
}

// Stop cancels running transfers and waits for their continuations or for
// ctx to end. Flows whose transfer did not finish stay STARTED and are picked
// up again by a restart or by a peer.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopped = true
		o.mu.Unlock()
		o.cancel()
	})

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of transfers running in this runtime.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inFlight)
}

func (o *Orchestrator) runProcessor(ctx context.Context, p processor) {
	now := o.clock.Now()
	flows, err := o.store.NextNotLeased(ctx, o.cfg.Scheduler.BatchSize, p.criteria(now)...)
	if err != nil {
		o.logger.Error("failed to fetch flows", slog.String("processor", p.name), log.Error(err))
		return
	}

	var g errgroup.Group
	g.SetLimit(o.cfg.Scheduler.Workers)
	for _, flow := range flows {
		flow := flow
		if p.backoff && !o.retry.due(flow, now) {
			continue
		}
		g.Go(func() error {
			if err := o.process(ctx, p, flow); err != nil {
				o.logger.Warn("failed to process flow",
					slog.String("processor", p.name),
					log.FlowID(flow.ID),
					log.State(flow.State),
					log.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (o *Orchestrator) process(ctx context.Context, p processor, flow *types.DataFlow) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process."+p.name,
		trace.WithAttributes(attribute.String("flow.id", flow.ID)))
	defer span.End()

	err := p.process(ctx, flow)
	if errors.Is(err, storage.ErrAlreadyLeased) {
		o.metrics.RecordLeaseConflict(p.name)
		return nil
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// save persists a transition and announces it.
func (o *Orchestrator) save(ctx context.Context, flow *types.DataFlow) error {
	if err := o.store.Save(ctx, flow); err != nil {
		return fmt.Errorf("save data flow %s: %w", flow.ID, err)
	}
	o.metrics.RecordTransition(flow.State.String())
	o.logger.Debug("data flow saved",
		log.FlowID(flow.ID), log.State(flow.State), slog.Int("state_count", flow.StateCount))
	o.publishStateChanged(ctx, flow)
	return nil
}

func (o *Orchestrator) publishStateChanged(ctx context.Context, flow *types.DataFlow) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.Publish(ctx, events.Event{
		Type:   events.EventFlowStateChanged,
		FlowID: flow.ID,
		Data: map[string]interface{}{
			"state":      flow.State.String(),
			"stateCount": flow.StateCount,
			"runtimeId":  flow.RuntimeID,
		},
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		o.logger.Debug("state change event dropped", log.FlowID(flow.ID), log.Error(err))
	}
}

// breakLease releases a lease taken for a flow that is left unchanged.
func (o *Orchestrator) breakLease(ctx context.Context, id string) {
	if err := o.store.BreakLease(ctx, id); err != nil {
		o.logger.Warn("failed to break lease", log.FlowID(id), log.Error(err))
	}
}

// transferRun is a transfer running in this runtime. cancel and launched are
// guarded by Orchestrator.mu.
type transferRun struct {
	cancel    context.CancelFunc
	launched  bool
	finishing atomic.Bool // the continuation is recording an outcome
}

// claim marks a transfer as running locally. It fails when one already is or
// the orchestrator stopped.
func (o *Orchestrator) claim(id string) (*transferRun, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, false
	}
	if _, ok := o.inFlight[id]; ok {
		return nil, false
	}
	run := &transferRun{cancel: func() {}}
	o.inFlight[id] = run
	o.metrics.TransferStarted()
	return run, true
}

// release cancels run and forgets it, unless id was claimed again since.
func (o *Orchestrator) release(id string, run *transferRun) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inFlight[id] != run {
		return
	}
	delete(o.inFlight, id)
	run.cancel()
	o.metrics.TransferFinished()
}

// releaseID drops whatever transfer of id runs locally.
func (o *Orchestrator) releaseID(id string) {
	o.mu.Lock()
	run, ok := o.inFlight[id]
	o.mu.Unlock()
	if ok {
		o.release(id, run)
	}
}

func (o *Orchestrator) running(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[id]
	return ok
}

// reconcile stops local transfers whose flow moved on in the store: a peer
// adopted it, or a command on another runtime terminated or suspended it.
func (o *Orchestrator) reconcile(ctx context.Context) {
	o.mu.Lock()
	runs := make(map[string]*transferRun, len(o.inFlight))
	for id, run := range o.inFlight {
		if run.launched && !run.finishing.Load() {
			runs[id] = run
		}
	}
	o.mu.Unlock()

	for id, run := range runs {
		flow, err := o.store.FindByID(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			flow = nil
		case err != nil:
			o.logger.Warn("failed to check local transfer", log.FlowID(id), log.Error(err))
			continue
		case flow.State == types.StateStarted && flow.RuntimeID == o.runtimeID:
			continue
		}
		o.stopLocal(ctx, id, run, flow)
	}
}

// stopLocal asks the engine to stop a transfer this runtime lost and drops it.
func (o *Orchestrator) stopLocal(ctx context.Context, id string, run *transferRun, flow *types.DataFlow) {
	if run.finishing.Load() {
		return
	}
	if flow == nil {
		o.logger.Info("stopping local transfer, flow deleted", log.FlowID(id))
		o.release(id, run)
		return
	}
	o.logger.Info("stopping local transfer",
		log.FlowID(id), log.State(flow.State), slog.String("owner", flow.RuntimeID))
	if engine := o.resolve(flow); engine != nil {
		if res := engine.Terminate(ctx, flow); res.Failed() {
			o.logger.Warn("engine did not stop transfer", log.FlowID(id), log.ErrorString(res.Detail))
		}
	}
	o.release(id, run)
}

// resolve returns the engine for a flow, or nil when none can handle it.
func (o *Orchestrator) resolve(flow *types.DataFlow) transfer.Engine {
	msg := flow.ToStartMessage()
	engine := o.registry.Resolve(msg)
	if engine == nil || !engine.CanHandle(msg) {
		return nil
	}
	return engine
}

func (o *Orchestrator) now() time.Time {
	return o.clock.Now()
}
