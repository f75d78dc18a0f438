// Package engine wires all Senlin subsystems together. It creates the
// policy registry, lock manager, middleware chain, node driver, and
// worker pool, and provides the Submit/Cancel/AttachPolicy operations.
//
// This package exists to break the import cycle: the root senlin package
// defines Entity (imported by action, target, etc.) and so cannot import
// those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/qizha/senlin"
	"github.com/qizha/senlin/action"
	"github.com/qizha/senlin/backoff"
	"github.com/qizha/senlin/driver"
	"github.com/qizha/senlin/fleet"
	"github.com/qizha/senlin/id"
	"github.com/qizha/senlin/lock"
	mw "github.com/qizha/senlin/middleware"
	"github.com/qizha/senlin/notify"
	"github.com/qizha/senlin/policy"
	"github.com/qizha/senlin/policy/deletion"
	"github.com/qizha/senlin/policy/health"
	"github.com/qizha/senlin/policy/loadbalance"
	"github.com/qizha/senlin/policy/scaling"
	"github.com/qizha/senlin/store"
	"github.com/qizha/senlin/throttle"
	"github.com/qizha/senlin/worker"
)

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d           *senlin.Dispatcher
	store       store.Store
	lockStore   lock.Store
	locks       *lock.Manager
	notifiers   *notify.Registry
	policyTypes *policy.Registry
	policies    *policy.Engine
	driver      driver.Driver
	throttles   []throttle.Config
	bo          backoff.Strategy
	pool        *worker.Pool
	mws         []mw.Middleware
	logger      *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier registers a notification sink with the engine.
func WithNotifier(n notify.Notifier) Option {
	return func(eng *Engine) {
		eng.notifiers.Register(n)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the lock-busy requeue backoff strategy.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithPolicyType registers an additional policy type. The builtin types
// (deletion, scaling, health, load-balance) are always registered;
// registering under a builtin name replaces it.
func WithPolicyType(typeName string, f policy.Factory) Option {
	return func(eng *Engine) {
		eng.policyTypes.Register(typeName, f)
	}
}

// WithThrottle registers per-cluster concurrent action limits. Clusters
// not listed have no limit.
func WithThrottle(configs ...throttle.Config) Option {
	return func(eng *Engine) {
		eng.throttles = append(eng.throttles, configs...)
	}
}

// WithLockStore overrides where the lock table lives. The default is the
// dispatcher's own store; deployments that keep records in SQL but
// contend on locks through Redis pass the Redis store here.
func WithLockStore(ls lock.Store) Option {
	return func(eng *Engine) {
		eng.lockStore = ls
	}
}

// WithDriver replaces the default node driver with a custom execution
// body, e.g. one that provisions real compute.
func WithDriver(d driver.Driver) Option {
	return func(eng *Engine) {
		eng.driver = d
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the
// global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware uses this provider instead of the
// global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement store.Store.
func Build(d *senlin.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()

	if d.Store() == nil {
		return nil, senlin.ErrNoStore
	}
	st, ok := d.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("senlin: store does not implement store.Store")
	}

	eng := &Engine{
		d:           d,
		store:       st,
		notifiers:   notify.NewRegistry(logger),
		policyTypes: policy.NewRegistry(),
		logger:      logger,
	}
	eng.policyTypes.Register(deletion.TypeName, deletion.New)
	eng.policyTypes.Register(scaling.TypeName, scaling.New)
	eng.policyTypes.Register(health.TypeName, health.New)
	eng.policyTypes.Register(loadbalance.TypeName, loadbalance.New)

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.lockStore == nil {
		eng.lockStore = st
	}

	config := d.Config()

	// The lock manager steals only from confirmed-dead owners; liveness
	// comes from the fleet table with the same threshold the reaper uses.
	eng.locks = lock.NewManager(eng.lockStore, logger,
		lock.WithEmitter(eng.notifiers),
		lock.WithLiveness(fleet.LivenessChecker{
			Store:     st,
			Threshold: config.DeadWorkerThreshold,
		}),
	)

	eng.policies = policy.NewEngine(st, eng.policyTypes, st, logger)

	if eng.driver == nil {
		eng.driver = driver.NewNodeDriver(st, eng.Submit, logger)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/qizha/senlin")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/qizha/senlin")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(st, eng.policies, eng.driver, eng.notifiers, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConfig(config),
		worker.WithBackoff(eng.bo),
	}
	if len(eng.throttles) > 0 {
		poolOpts = append(poolOpts, worker.WithThrottle(throttle.NewManager(eng.throttles...)))
	}

	eng.pool = worker.NewPool(st, executor, eng.locks, eng.notifiers, logger, poolOpts...)

	// Wire back into the Dispatcher.
	d.SetPool(eng.pool)
	d.SetNotifiers(eng.notifiers)

	return eng, nil
}

// Submit enqueues an action for execution. The action must be freshly
// created (StatusInit); Submit moves it to StatusWaiting and persists it.
// Derived actions spawned by running bodies enter through here too, so
// parent linkage and deferred RunAt survive unchanged.
func (eng *Engine) Submit(ctx context.Context, act *action.Action) error {
	if err := act.SetStatus(action.StatusWaiting, "queued"); err != nil {
		return err
	}
	if err := eng.store.CreateAction(ctx, act); err != nil {
		return err
	}
	eng.notifiers.EmitActionSubmitted(ctx, act)
	return nil
}

// Cancel requests cooperative cancellation of an action and every
// non-terminal derived child (grace-period destroys, per-node deletes).
// An action no worker owns yet is cancelled immediately; a running one
// keeps its flag set until the body observes it at a checkpoint. The
// returned snapshot reflects the parent after the request.
func (eng *Engine) Cancel(ctx context.Context, actionID id.ActionID) (*action.Action, error) {
	act, err := eng.store.RequestCancel(ctx, actionID)
	if err != nil {
		return nil, err
	}

	children, err := eng.store.ListActions(ctx, action.ListOpts{ParentID: actionID})
	if err != nil {
		return act, fmt.Errorf("senlin: cancel derived actions: %w", err)
	}
	for _, child := range children {
		if child.Status.Terminal() {
			continue
		}
		if _, err := eng.store.RequestCancel(ctx, child.ID); err != nil {
			eng.logger.Warn("failed to cancel derived action",
				slog.String("action_id", child.ID.String()),
				slog.String("parent_id", actionID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return act, nil
}

// Get returns the current snapshot of an action.
func (eng *Engine) Get(ctx context.Context, actionID id.ActionID) (*action.Action, error) {
	return eng.store.GetAction(ctx, actionID)
}

// List returns actions matching the filter.
func (eng *Engine) List(ctx context.Context, opts action.ListOpts) ([]*action.Action, error) {
	return eng.store.ListActions(ctx, opts)
}

// AttachPolicy validates a binding's spec against its registered type
// and persists it. A spec the factory rejects never reaches the store;
// the error wraps senlin.ErrInvalidPolicyConfig (or ErrUnknownPolicyType).
func (eng *Engine) AttachPolicy(ctx context.Context, b *policy.Binding) error {
	if _, err := eng.policyTypes.New(b.Type, b.Name, b.Spec); err != nil {
		return err
	}
	return eng.store.AttachPolicy(ctx, b)
}

// DetachPolicy removes a policy binding.
func (eng *Engine) DetachPolicy(ctx context.Context, bindingID id.PolicyID) error {
	return eng.store.DetachPolicy(ctx, bindingID)
}

// Bindings returns a cluster's policy bindings in evaluation order.
func (eng *Engine) Bindings(ctx context.Context, clusterID id.ClusterID) ([]*policy.Binding, error) {
	return eng.store.ListBindings(ctx, clusterID)
}

// Start begins action processing by starting the worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	return eng.d.Start(ctx)
}

// Stop gracefully shuts down: in-flight actions drain within the
// configured timeout, then sinks observe shutdown and the store closes.
func (eng *Engine) Stop(ctx context.Context) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.d.Config().ShutdownTimeout)
		defer cancel()
	}
	return eng.d.Stop(ctx)
}

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Locks returns the lock manager.
func (eng *Engine) Locks() *lock.Manager { return eng.locks }

// Notifiers returns the notification registry.
func (eng *Engine) Notifiers() *notify.Registry { return eng.notifiers }

// WorkerID returns this process's fleet identifier.
func (eng *Engine) WorkerID() id.WorkerID { return eng.pool.WorkerID() }
