package workflow

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/definition"
	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/model"
)

const defaultChainLimit = 10

// Engine drives process instances through their process graphs. Every
// state-changing method is one atomic unit of work against the Store.
type Engine struct {
	registry   *definition.Registry
	store      Store
	objects    *ObjectRegistry
	policy     AssigneePolicy
	notifier   Notifier
	logger     *zap.Logger
	metrics    *observability.Metrics
	chainLimit int
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics enables action metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier sets the receiver of post-commit notifications.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithChainLimit bounds the number of transitions one action may take
// automatically. Values below 1 keep the default.
func WithChainLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chainLimit = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new workflow engine. A nil policy means
// NodeOperatorPolicy.
func NewEngine(
	registry *definition.Registry,
	store Store,
	objects *ObjectRegistry,
	policy AssigneePolicy,
	opts ...Option,
) *Engine {
	if policy == nil {
		policy = NodeOperatorPolicy{}
	}
	e := &Engine{
		registry:   registry,
		store:      store,
		objects:    objects,
		policy:     policy,
		logger:     zap.NewNop(),
		chainLimit: defaultChainLimit,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// action is the state of one unit of work while its transaction is open.
type action struct {
	name  string
	user  string
	tx    Tx
	proc  *model.Process
	inst  model.ProcessInstance
	obj   WorkflowObject
	input model.ActionInput
	now   time.Time

	result     model.ActionResult
	closed     model.NodeStatus
	autoAgreed int
	dirty      bool
}

// run locks the instance, applies fn and writes the instance back, all in
// one transaction. Post-commit work happens in finish.
func (e *Engine) run(
	ctx context.Context,
	name, user string,
	instanceID int64,
	input model.ActionInput,
	fn func(ctx context.Context, a *action) error,
) (model.ActionResult, error) {
	start := time.Now()
	scope := observability.ActionScopeFrom(ctx)
	if scope == nil || scope.Action != name {
		scope = &observability.ActionScope{Action: name}
		ctx = observability.WithActionScope(ctx, scope)
	}
	scope.InstanceID = instanceID
	ctx, span := observability.StartActionSpan(ctx, scope, user)

	var a *action
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		proc, err := e.process(inst.ProcessID)
		if err != nil {
			return err
		}
		scope.ProcessID = proc.ID
		obj, err := e.objects.Resolve(ctx, inst.Object)
		if err != nil {
			return err
		}
		a = &action{
			name:  name,
			user:  user,
			tx:    tx,
			proc:  proc,
			inst:  inst,
			obj:   obj,
			input: input,
			now:   e.now(),
		}
		if err := fn(ctx, a); err != nil {
			return err
		}
		return a.flush(ctx)
	})
	return e.finish(ctx, span, start, name, a, err)
}

// process resolves a process by ID. A stored instance whose process is no
// longer loaded cannot be acted on.
func (e *Engine) process(id string) (*model.Process, error) {
	p, ok := e.registry.Process(id)
	if !ok {
		return nil, model.NewConfigurationError(fmt.Sprintf("process %q is not loaded", id))
	}
	return p, nil
}

// flush copies the object's name and summary into the instance and writes it
// if anything changed.
func (a *action) flush(ctx context.Context) error {
	name := a.obj.ProcessName(ctx)
	if name == "" {
		name = a.proc.Name
	}
	desc := a.obj.ProcessSummary(ctx)
	if name != a.inst.Name || desc != a.inst.Desc {
		a.inst.Name = name
		a.inst.Desc = desc
		a.dirty = true
	}
	if !a.dirty && len(a.result.Events) == 0 && len(a.result.NewTasks) == 0 {
		a.result.Instance = a.inst
		return nil
	}
	updated, err := a.tx.UpdateInstance(ctx, a.inst)
	if err != nil {
		return err
	}
	a.inst = updated
	a.result.Instance = updated
	return nil
}

// finish ends the action span and, after a commit, runs the object's
// AfterCommit, publishes notifications, records metrics and logs.
func (e *Engine) finish(
	ctx context.Context,
	span trace.Span,
	start time.Time,
	name string,
	a *action,
	err error,
) (model.ActionResult, error) {
	processID := ""
	if a != nil {
		processID = a.proc.ID
		span.SetAttributes(
			observability.AttrProcessID.String(processID),
			observability.AttrAutoAgreed.Int(a.autoAgreed),
		)
	}
	observability.EndSpanWithError(span, err)

	logger := observability.RequestLogger(ctx, e.logger)

	if err != nil {
		outcome := model.CodeOf(err)
		if outcome == "" {
			outcome = model.ErrInternalError
		}
		if e.metrics != nil {
			e.metrics.RecordAction(processID, name, outcome, time.Since(start))
		}
		fields := []zap.Field{zap.String("outcome", outcome), zap.Error(err)}
		switch outcome {
		case model.ErrConfiguration, model.ErrHookFailed, model.ErrInternalError:
			logger.Error("workflow action failed", fields...)
		default:
			logger.Warn("workflow action rejected", fields...)
		}
		return model.ActionResult{}, err
	}

	if c, ok := a.obj.(Committer); ok {
		if cerr := c.AfterCommit(ctx); cerr != nil {
			logger.Error("workflow object after-commit failed", zap.Error(cerr))
		}
	}

	e.notify(ctx, logger, a)

	if e.metrics != nil {
		e.metrics.RecordAction(processID, name, "ok", time.Since(start))
		e.metrics.RecordAutoAgree(processID, a.autoAgreed)
		if a.closed != "" {
			e.metrics.RecordInstanceClosed(processID, string(a.closed))
		}
	}

	from, to := a.inst.CurNode, a.inst.CurNode
	if n := len(a.result.Events); n > 0 {
		from = a.result.Events[0].OldNode
		to = a.result.Events[n-1].NewNode
	}
	logger.Info("workflow action committed",
		zap.String("user", a.user),
		zap.String("from", from),
		zap.String("to", to),
		zap.Int("auto_agreed", a.autoAgreed),
	)
	if len(a.input.ExtData) > 0 {
		logger.Debug("workflow action input",
			zap.Any("ext_data", observability.RedactExtData(a.input.ExtData)),
		)
	}
	return a.result, nil
}

// notify hands the committed changes to the notifier. Failures are logged
// and counted; the action stays committed.
func (e *Engine) notify(ctx context.Context, logger *zap.Logger, a *action) {
	if e.notifier == nil {
		return
	}
	batch := a.notifications()
	if len(batch) == 0 {
		return
	}
	if err := e.notifier.Notify(ctx, batch); err != nil {
		logger.Warn("notification publish failed",
			zap.Int("notifications", len(batch)),
			zap.Error(err),
		)
		if e.metrics != nil {
			for _, n := range batch {
				e.metrics.RecordNotificationDropped(string(n.Kind))
			}
		}
	}
}
