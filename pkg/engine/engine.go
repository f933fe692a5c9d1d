package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/openfroyo/provisioner/pkg/credentials"
	"github.com/openfroyo/provisioner/pkg/logstream"
	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/tool"
	"github.com/openfroyo/provisioner/pkg/workspace"
)

// Config wires the engine to its collaborators.
type Config struct {
	Store      stores.Store
	Workspaces *workspace.Manager
	Logs       *logstream.Broadcaster
	Tool       *tool.Driver
	Resolver   credentials.Resolver

	// Describer, when set, reports the active account before the tool runs.
	Describer credentials.Describer
	// Enricher, when set, fetches service keys after a successful apply.
	Enricher credentials.Enricher
	// Policy, when set, admits create and destroy requests.
	Policy *policy.Engine
	// NameScript, when set, adjusts generated resource names.
	NameScript *naming.ScriptOverrides

	// MaxConcurrent bounds running workflows; 0 means unbounded.
	MaxConcurrent int

	// Telemetry is optional. Without it no spans, metrics or events are
	// recorded.
	Telemetry *telemetry.Telemetry
	Logger    zerolog.Logger
}

// Engine is the deployment state machine. It owns the in-memory deployment
// table, a write-through cache over the store, and allows at most one
// running operation per deployment.
type Engine struct {
	store     stores.Store
	ws        *workspace.Manager
	logs      *logstream.Broadcaster
	tool      *tool.Driver
	resolver  credentials.Resolver
	describer credentials.Describer
	enricher  credentials.Enricher
	policy    *policy.Engine
	names     *naming.ScriptOverrides
	sem       *semaphore.Weighted

	tel     *telemetry.Telemetry
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher
	logger  zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*stores.Deployment
	runs  map[string]*run

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

// run is the in-flight operation of one deployment.
type run struct {
	op     stores.Operation
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	// operator is set when Cancel stopped the run, as opposed to shutdown.
	operator atomic.Bool
}

type workflowFunc func(ctx context.Context, r *run, d *stores.Deployment, out *opLog) error

// New loads every deployment from the store, recovers the shared workspace
// and marks operations interrupted by a previous crash as failed.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, fmt.Errorf("engine requires a store")
	case cfg.Workspaces == nil:
		return nil, fmt.Errorf("engine requires a workspace manager")
	case cfg.Logs == nil:
		return nil, fmt.Errorf("engine requires a log broadcaster")
	case cfg.Tool == nil:
		return nil, fmt.Errorf("engine requires a tool driver")
	case cfg.Resolver == nil:
		return nil, fmt.Errorf("engine requires a credential resolver")
	}

	e := &Engine{
		store:     cfg.Store,
		ws:        cfg.Workspaces,
		logs:      cfg.Logs,
		tool:      cfg.Tool,
		resolver:  cfg.Resolver,
		describer: cfg.Describer,
		enricher:  cfg.Enricher,
		policy:    cfg.Policy,
		names:     cfg.NameScript,
		tel:       cfg.Telemetry,
		logger:    cfg.Logger.With().Str("component", "engine").Logger(),
		runs:      make(map[string]*run),
		now:       func() time.Time { return time.Now().UTC() },
	}
	if cfg.MaxConcurrent > 0 {
		e.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	base := context.Background()
	if e.tel != nil {
		e.metrics = e.tel.Metrics
		e.events = e.tel.Events
		base = e.tel.WithContext(base)
	}
	e.baseCtx, e.stop = context.WithCancel(base)

	all, err := e.store.LoadAll(ctx)
	if err != nil {
		e.stop()
		return nil, fmt.Errorf("failed to load deployments: %w", err)
	}
	e.cache = all

	if err := e.recover(ctx); err != nil {
		e.stop()
		return nil, err
	}

	e.logger.Info().
		Int("deployments", len(e.cache)).
		Int("max_concurrent", cfg.MaxConcurrent).
		Msg("Engine started")
	return e, nil
}

// recover runs once at startup, before any workflow can start.
func (e *Engine) recover(ctx context.Context) error {
	owner, err := e.ws.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover shared workspace: %w", err)
	}
	if owner != "" {
		e.logger.Warn().Str("deployment_id", owner).Msg("Recovered staged state of interrupted deployment")
	}

	ids := make([]string, 0, len(e.cache))
	for id := range e.cache {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		d := e.cache[id]
		if d.Status != stores.StatusPending && !d.Status.IsActive() {
			continue
		}
		from := d.Status
		next := d.Clone()
		next.Status = stores.StatusError
		next.Reason = ReasonInterrupted
		next.Error = fmt.Sprintf("%s interrupted by restart while %s", d.Operation, from)
		next.Outputs = nil
		completed := e.now()
		next.CompletedAt = &completed
		if err := e.save(ctx, next); err != nil {
			return err
		}

		if log, err := e.logs.Open(id); err == nil {
			_, _ = log.Append("[ERROR] Operation interrupted by a restart")
			_, _ = log.End()
			e.logs.Release(log)
		} else {
			e.logger.Warn().Err(err).Str("deployment_id", id).Msg("Failed to open deployment log")
		}

		_ = e.events.PublishStatusChanged(id, string(from), string(next.Status), ReasonInterrupted)
		e.logger.Warn().
			Str("deployment_id", id).
			Str("from", string(from)).
			Msg("Marked interrupted deployment as failed")
	}
	return nil
}

// Close cancels every running workflow and waits for them to record their
// final status.
func (e *Engine) Close(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown: %w", ctx.Err())
	}
}

// CreateDeployment validates p, records a pending deployment and starts the
// create workflow in the background. It returns the new deployment id.
func (e *Engine) CreateDeployment(ctx context.Context, p stores.Parameters) (string, error) {
	p = NormalizeParameters(p)
	res, err := ValidateParameters(ctx, e.policy, stores.OperationCreate, p)
	e.publishPolicy(res)
	if err != nil {
		e.metrics.RecordError(Code(err))
		return "", err
	}

	id := uuid.New().String()
	log, err := e.logs.Open(id)
	if err != nil {
		return "", NewInternalError("failed to open deployment log", err)
	}

	now := e.now()
	d := &stores.Deployment{
		ID:            id,
		Status:        stores.StatusPending,
		Operation:     stores.OperationCreate,
		Parameters:    p,
		WorkspacePath: e.ws.Path(id),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.Put(ctx, d); err != nil {
		e.logs.Release(log)
		return "", NewInternalError("failed to persist deployment", err)
	}

	r := e.newRun(stores.OperationCreate)
	e.beginSection(log, r.op, id)
	e.mu.Lock()
	e.cache[id] = d.Clone()
	e.runs[id] = r
	e.mu.Unlock()

	_ = e.events.PublishDeploymentCreated(id, p.ResourceGroupBase)
	e.logger.Info().
		Str("deployment_id", id).
		Str("base", p.ResourceGroupBase).
		Str("location", p.Location).
		Msg("Deployment accepted")

	e.start(r, d, log, e.create)
	return id, nil
}

// DestroyDeployment moves a completed or failed deployment to destroying and
// starts the destroy workflow in the background.
func (e *Engine) DestroyDeployment(ctx context.Context, id string) error {
	r, d, log, err := e.claim(id, stores.OperationDestroy, canDestroy)
	if err != nil {
		return err
	}

	if e.policy != nil {
		res, err := ValidateParameters(ctx, e.policy, stores.OperationDestroy, d.Parameters)
		e.publishPolicy(res)
		if err != nil {
			e.unclaim(id, r, log, err)
			return err
		}
	}

	err = e.transition(ctx, d, stores.StatusDestroying, func(n *stores.Deployment) {
		n.Operation = stores.OperationDestroy
		n.Outputs = nil
		n.Reason = ""
		n.Error = ""
		n.CompletedAt = nil
	})
	if err != nil {
		err = NewInternalError("failed to begin destroy", err)
		e.unclaim(id, r, log, err)
		return err
	}

	e.start(r, d, log, e.destroy)
	return nil
}

// Retry re-drives the create workflow of a deployment in error status.
func (e *Engine) Retry(ctx context.Context, id string) error {
	r, d, log, err := e.claim(id, stores.OperationCreate, func(s stores.Status) bool {
		return s == stores.StatusError
	})
	if err != nil {
		return err
	}

	d.Operation = stores.OperationCreate
	if err := e.save(ctx, d); err != nil {
		err = NewInternalError("failed to begin retry", err)
		e.unclaim(id, r, log, err)
		return err
	}

	e.logger.Info().Str("deployment_id", id).Msg("Retrying create")
	e.start(r, d, log, e.create)
	return nil
}

// Cancel stops the running tool step of a deployment. The deployment moves
// to error with reason cancelled.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.cache[id]
	if !ok {
		return NewNotFoundError(id)
	}
	r, running := e.runs[id]
	if !running || !d.Status.IsActive() {
		return NewValidationError(fmt.Sprintf("no cancellable operation (status %s)", d.Status), nil).WithDeployment(id)
	}
	r.operator.Store(true)
	r.cancel()

	e.logger.Info().Str("deployment_id", id).Str("status", string(d.Status)).Msg("Cancellation requested")
	return nil
}

// GetStatus returns the summary of a deployment.
func (e *Engine) GetStatus(_ context.Context, id string) (View, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.cache[id]
	if !ok {
		return View{}, NewNotFoundError(id)
	}
	_, active := e.runs[id]
	return NewView(d, active), nil
}

// ListDeployments returns every deployment, oldest first.
func (e *Engine) ListDeployments(_ context.Context) ([]View, error) {
	e.mu.RLock()
	views := make([]View, 0, len(e.cache))
	for id, d := range e.cache {
		_, active := e.runs[id]
		views = append(views, NewView(d, active))
	}
	e.mu.RUnlock()

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID < views[j].ID
		}
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views, nil
}

// Outputs returns the outputs of a deployment. Sensitive values are masked
// unless reveal is set.
func (e *Engine) Outputs(_ context.Context, id string, reveal bool) (map[string]stores.Output, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.cache[id]
	if !ok {
		return nil, NewNotFoundError(id)
	}
	if reveal {
		return d.Clone().Outputs, nil
	}
	return redactOutputs(d.Outputs), nil
}

// Env renders the dotenv file of a completed deployment.
func (e *Engine) Env(_ context.Context, id string) ([]byte, error) {
	e.mu.RLock()
	d, ok := e.cache[id]
	if ok {
		d = d.Clone()
	}
	e.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError(id)
	}
	if d.Status != stores.StatusCompleted {
		return nil, NewValidationError(fmt.Sprintf("deployment is %s, not completed", d.Status), nil).WithDeployment(id)
	}
	return RenderEnv(d, e.now())
}

// History returns the status transitions recorded by stores that keep them.
func (e *Engine) History(ctx context.Context, id string) ([]stores.Transition, error) {
	e.mu.RLock()
	_, ok := e.cache[id]
	e.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError(id)
	}
	hs, ok := e.store.(stores.HistoryStore)
	if !ok {
		return nil, nil
	}
	return hs.History(ctx, id)
}

// SubscribeLogs returns a subscription to the log of a deployment, starting
// after sequence number after. The subscription replays the durable log and
// then follows live output until the current operation ends.
func (e *Engine) SubscribeLogs(_ context.Context, id string, after uint64) (*logstream.Subscription, error) {
	e.mu.RLock()
	_, ok := e.cache[id]
	_, running := e.runs[id]
	e.mu.RUnlock()
	if !ok {
		return nil, NewNotFoundError(id)
	}

	log, err := e.logs.Open(id)
	if err != nil {
		return nil, NewInternalError("failed to open deployment log", err)
	}
	defer e.logs.Release(log)
	if !running && !log.Ended() {
		// Nothing will ever end this log; close the section so replay stops.
		_, _ = log.End()
	}
	return log.Subscribe(after), nil
}

// Wait blocks until the running operation of id, if any, has finished and
// returns the resulting summary.
func (e *Engine) Wait(ctx context.Context, id string) (View, error) {
	e.mu.RLock()
	r, running := e.runs[id]
	e.mu.RUnlock()
	if running {
		select {
		case <-r.done:
		case <-ctx.Done():
			return View{}, ctx.Err()
		}
	}
	return e.GetStatus(ctx, id)
}

func (e *Engine) newRun(op stores.Operation) *run {
	ctx, cancel := context.WithCancel(e.baseCtx)
	return &run{op: op, ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// claim registers a run for id when no other operation is running and allow
// accepts the current status. It returns a private copy of the record and
// the deployment log, in which the new operation's section has already begun.
func (e *Engine) claim(id string, op stores.Operation, allow func(stores.Status) bool) (*run, *stores.Deployment, *logstream.Log, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.cache[id]
	if !ok || cur.Status == stores.StatusDestroyed {
		return nil, nil, nil, NewNotFoundError(id)
	}
	if _, busy := e.runs[id]; busy {
		e.metrics.RecordError(ErrCodeOperationInProgress)
		return nil, nil, nil, NewOperationInProgressError(id)
	}
	if !allow(cur.Status) {
		return nil, nil, nil, NewValidationError(fmt.Sprintf("cannot %s a deployment in status %s", op, cur.Status), nil).WithDeployment(id)
	}

	log, err := e.logs.Open(id)
	if err != nil {
		return nil, nil, nil, NewInternalError("failed to open deployment log", err)
	}

	// The section must begin before the run is visible: a subscriber that
	// sees a registered run treats a trailing end marker as the end of it.
	r := e.newRun(op)
	e.beginSection(log, op, id)
	e.runs[id] = r
	return r, cur.Clone(), log, nil
}

// unclaim abandons a claimed run that never started, closing the log section
// it opened.
func (e *Engine) unclaim(id string, r *run, log *logstream.Log, cause error) {
	out := &opLog{log: log, logger: e.logger.With().Str("deployment_id", id).Logger()}
	out.line(fmt.Sprintf("[ERROR] %s rejected: %v", r.op, cause))
	out.end()
	e.logs.Release(log)

	e.mu.Lock()
	if e.runs[id] == r {
		delete(e.runs, id)
	}
	e.mu.Unlock()
	r.cancel()
	close(r.done)
}

// beginSection writes the first line of an operation to the log.
func (e *Engine) beginSection(log *logstream.Log, op stores.Operation, id string) {
	if _, err := log.Append(fmt.Sprintf("[INFO] Starting %s of deployment %s", op, id)); err != nil {
		e.logger.Warn().Err(err).Str("deployment_id", id).Msg("Failed to append log line")
	}
}

// start runs wf in its own goroutine. The run is unregistered only after the
// final status has been persisted and the log section ended. start takes over
// the caller's reference to log.
func (e *Engine) start(r *run, d *stores.Deployment, log *logstream.Log, wf workflowFunc) {
	out := &opLog{log: log, logger: e.logger.With().Str("deployment_id", d.ID).Logger()}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer r.cancel()

		if err := e.admit(r.ctx); err != nil {
			_ = e.fail(r.ctx, d, cancelReason(r), NewCancelledError("admission"), out)
		} else {
			err := wf(r.ctx, r, d, out)
			e.release()
			if err != nil {
				e.logger.Debug().Err(err).Str("deployment_id", d.ID).Msg("Workflow ended with error")
			}
		}

		out.end()
		e.logs.Release(log)
		e.mu.Lock()
		if e.runs[d.ID] == r {
			delete(e.runs, d.ID)
		}
		e.mu.Unlock()
		close(r.done)
	}()
}

func (e *Engine) admit(ctx context.Context) error {
	if e.sem == nil {
		return nil
	}
	return e.sem.Acquire(ctx, 1)
}

func (e *Engine) release() {
	if e.sem != nil {
		e.sem.Release(1)
	}
}

func (e *Engine) publishPolicy(res *policy.Result) {
	if res == nil {
		return
	}
	for _, v := range append(append([]policy.Violation(nil), res.Violations...), res.Warnings...) {
		_ = e.events.PublishPolicyViolation(v.Policy, v.Message)
	}
}

// save persists d and then publishes it to the cache. Writes are not bound to
// the workflow context, so a cancelled run still records its final status.
func (e *Engine) save(ctx context.Context, d *stores.Deployment) error {
	d.UpdatedAt = e.now()
	if err := e.store.Put(context.WithoutCancel(ctx), d); err != nil {
		e.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to persist deployment")
		return fmt.Errorf("failed to persist deployment %s: %w", d.ID, err)
	}
	e.mu.Lock()
	e.cache[d.ID] = d.Clone()
	e.mu.Unlock()
	return nil
}

// transition moves d to status to along an allowed edge.
func (e *Engine) transition(ctx context.Context, d *stores.Deployment, to stores.Status, mutate func(*stores.Deployment)) error {
	from := d.Status
	if err := checkTransition(from, to); err != nil {
		e.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Rejected status change")
		return err
	}

	next := d.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	if err := e.save(ctx, next); err != nil {
		return err
	}
	*d = *next

	_ = e.events.PublishStatusChanged(d.ID, string(from), string(to), d.Reason)
	e.logger.Info().
		Str("deployment_id", d.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Deployment status changed")
	return nil
}

// opLog is the durable log sink of one operation.
type opLog struct {
	log    *logstream.Log
	logger zerolog.Logger
}

func (o *opLog) line(text string) {
	if _, err := o.log.Append(text); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to append log line")
	}
}

func (o *opLog) end() {
	if _, err := o.log.End(); err != nil {
		o.logger.Warn().Err(err).Msg("Failed to end log")
	}
}
