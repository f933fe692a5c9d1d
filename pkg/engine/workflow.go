package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/provisioner/pkg/credentials"
	"github.com/openfroyo/provisioner/pkg/fsutil"
	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/runner"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/tool"
	"github.com/openfroyo/provisioner/pkg/workspace"
)

const (
	stateFileName  = "terraform.tfstate"
	pluginDirName  = ".terraform"
	foundryOutput  = "azure_ai_foundry_project_endpoint"
	errNoToolState = "no terraform state found"
)

type stepFunc func(ctx context.Context, dir string, onLine runner.LineFunc) (tool.StepResult, error)

// create runs authentication, name generation, init, apply and the output
// query, then records the outputs and moves the deployment to completed.
func (e *Engine) create(ctx context.Context, r *run, d *stores.Deployment, out *opLog) (err error) {
	ctx = telemetry.WithDeploymentContext(ctx, d.ID, string(stores.OperationCreate))
	defer func() {
		telemetry.EndDeploymentContext(ctx, string(stores.OperationCreate), string(d.Status), err)
	}()

	acct, err := e.authenticate(ctx, d, out)
	if err != nil {
		return e.fail(ctx, d, e.reasonFor(r, err, ReasonAuth), err, out)
	}

	params := d.Parameters
	if len(params.Names) == 0 {
		names := naming.BuildNames(params.ResourceGroupBase, naming.Flags{})
		if e.names != nil {
			names, err = e.names.Apply(ctx, params.ResourceGroupBase, names)
			if err != nil {
				return e.fail(ctx, d, ReasonInternal, NewInternalError("name override script failed", err), out)
			}
		}
		params.Names = names
	}
	if params.SubscriptionID == "" {
		params.SubscriptionID = acct.ID
	}
	d.Parameters = params
	d.AccountID = acct.ID
	if err := e.save(ctx, d); err != nil {
		return e.fail(ctx, d, ReasonInternal, NewInternalError("failed to record resource names", err), out)
	}
	out.line(fmt.Sprintf("[INFO] Resource group: %s", tool.ResourceGroupName(params.ResourceGroupBase)))

	lease, err := e.prepare(ctx, r, d, out)
	if err != nil {
		return err
	}
	outcome := workspace.OutcomeFailed
	finalized := false
	defer func() {
		if !finalized {
			if ferr := lease.Finalize(outcome); ferr != nil {
				e.logger.Error().Err(ferr).Str("deployment_id", d.ID).Msg("Failed to finalize workspace")
			}
		}
	}()

	if err := tool.WriteVars(lease.Dir(), params); err != nil {
		return e.fail(ctx, d, ReasonInternal, NewInternalError("failed to write tool variables", err), out)
	}

	if !e.ws.IsInitialized(d.ID) {
		if err := e.transition(ctx, d, stores.StatusInitializing, nil); err != nil {
			return e.fail(ctx, d, ReasonInternal, err, out)
		}
		if err := e.step(ctx, d, tool.StepInit, e.tool.Init, lease.Dir(), out); err != nil {
			outcome = outcomeFor(err)
			// A half-initialized plugin directory must not be kept, or the
			// next attempt would skip init.
			_ = os.RemoveAll(filepath.Join(lease.Dir(), pluginDirName))
			return e.fail(ctx, d, e.reasonFor(r, err, ReasonTool), err, out)
		}
	}

	if err := e.transition(ctx, d, stores.StatusApplying, nil); err != nil {
		return e.fail(ctx, d, ReasonInternal, err, out)
	}
	if err := e.step(ctx, d, tool.StepApply, e.tool.Apply, lease.Dir(), out); err != nil {
		outcome = outcomeFor(err)
		return e.fail(ctx, d, e.reasonFor(r, err, ReasonTool), err, out)
	}

	out.line("[INFO] Collecting outputs")
	outputs, err := e.tool.Outputs(ctx, lease.Dir())
	if err != nil {
		err = e.outputsError(err)
		outcome = outcomeFor(err)
		return e.fail(ctx, d, e.reasonFor(r, err, ReasonTool), err, out)
	}

	outcome = workspace.OutcomeSucceeded
	finalized = true
	if err := lease.Finalize(outcome); err != nil {
		return e.fail(ctx, d, ReasonWorkspace, NewInternalError("failed to save tool state", err), out)
	}

	if e.enricher != nil {
		extra := e.enricher.Enrich(ctx, credentials.EnrichRequest{
			ResourceGroup: tool.ResourceGroupName(params.ResourceGroupBase),
			Names:         params.Names,
			IncludeSearch: params.IncludeSearch,
		}, out.line)
		for k, v := range extra {
			if _, exists := outputs[k]; !exists {
				outputs[k] = v
			}
		}
	}
	if o, ok := outputs[foundryOutput]; ok && o.Value != nil {
		out.line(fmt.Sprintf("[INFO] Foundry project endpoint: %v", o.Value))
	}

	err = e.transition(ctx, d, stores.StatusCompleted, func(n *stores.Deployment) {
		n.Outputs = outputs
		n.Reason = ""
		n.Error = ""
		completed := e.now()
		n.CompletedAt = &completed
	})
	if err != nil {
		return e.fail(ctx, d, ReasonInternal, err, out)
	}
	out.line(fmt.Sprintf("[INFO] Deployment completed with %d outputs", len(outputs)))
	return nil
}

// destroy tears down the resources of a deployment and tombstones it.
func (e *Engine) destroy(ctx context.Context, r *run, d *stores.Deployment, out *opLog) (err error) {
	ctx = telemetry.WithDeploymentContext(ctx, d.ID, string(stores.OperationDestroy))
	defer func() {
		telemetry.EndDeploymentContext(ctx, string(stores.OperationDestroy), string(d.Status), err)
	}()

	if _, err := e.authenticate(ctx, d, out); err != nil {
		return e.fail(ctx, d, e.reasonFor(r, err, ReasonAuth), err, out)
	}

	lease, err := e.prepare(ctx, r, d, out)
	if err != nil {
		return err
	}
	if !fsutil.Exists(filepath.Join(lease.Dir(), stateFileName)) {
		if rerr := lease.Release(); rerr != nil {
			e.logger.Error().Err(rerr).Str("deployment_id", d.ID).Msg("Failed to release workspace")
		}
		return e.fail(ctx, d, ReasonWorkspace, NewValidationError(errNoToolState, nil), out)
	}

	outcome := workspace.OutcomeFailed
	finalized := false
	defer func() {
		if !finalized {
			if ferr := lease.Finalize(outcome); ferr != nil {
				e.logger.Error().Err(ferr).Str("deployment_id", d.ID).Msg("Failed to finalize workspace")
			}
		}
	}()

	if err := tool.WriteVars(lease.Dir(), d.Parameters); err != nil {
		return e.fail(ctx, d, ReasonInternal, NewInternalError("failed to write tool variables", err), out)
	}

	if !e.ws.IsInitialized(d.ID) {
		if err := e.step(ctx, d, tool.StepInit, e.tool.Init, lease.Dir(), out); err != nil {
			outcome = outcomeFor(err)
			return e.fail(ctx, d, e.reasonFor(r, err, ReasonTool), err, out)
		}
	}

	if err := e.step(ctx, d, tool.StepDestroy, e.tool.Destroy, lease.Dir(), out); err != nil {
		outcome = outcomeFor(err)
		return e.fail(ctx, d, e.reasonFor(r, err, ReasonTool), err, out)
	}

	outcome = workspace.OutcomeSucceeded
	finalized = true
	if err := lease.Finalize(outcome); err != nil {
		return e.fail(ctx, d, ReasonWorkspace, NewInternalError("failed to save tool state", err), out)
	}
	if err := e.ws.Remove(d.ID); err != nil {
		out.line("[WARN] Could not remove the deployment workspace")
		e.logger.Warn().Err(err).Str("deployment_id", d.ID).Msg("Failed to remove workspace")
	}

	err = e.transition(ctx, d, stores.StatusDestroyed, func(n *stores.Deployment) {
		n.Outputs = nil
		n.Reason = ""
		n.Error = ""
		completed := e.now()
		n.CompletedAt = &completed
	})
	if err != nil {
		return e.fail(ctx, d, ReasonInternal, err, out)
	}
	out.line("[INFO] Deployment destroyed")
	return nil
}

// authenticate resolves the cloud account and logs the active subscription.
func (e *Engine) authenticate(ctx context.Context, d *stores.Deployment, out *opLog) (credentials.Account, error) {
	out.line("[AUTH] Checking cloud credentials")
	acct, err := e.resolver.Resolve(ctx, credentials.Hint{
		SubscriptionID: d.Parameters.SubscriptionID,
		Log:            out.line,
	})
	if err != nil {
		if ctx.Err() != nil {
			return acct, NewCancelledError("authentication")
		}
		out.line(fmt.Sprintf("[AUTH] Credential check failed: %v", err))
		return acct, NewAuthError(err)
	}

	if e.describer != nil {
		cur, err := e.describer.Current(ctx)
		if err != nil {
			out.line("[WARN] Could not read the active subscription")
		} else {
			out.line(fmt.Sprintf("[PRECHECK] Active subscription: %s - %s", cur.ID, cur.Name))
		}
	}
	return acct, nil
}

// prepare stages the deployment in the shared directory. Failures are
// recorded on d before returning.
func (e *Engine) prepare(ctx context.Context, r *run, d *stores.Deployment, out *opLog) (*workspace.Lease, error) {
	lease, err := e.ws.Prepare(ctx, d.ID)
	if err == nil {
		return lease, nil
	}

	var conflict *workspace.ConflictError
	switch {
	case errors.As(err, &conflict):
		_ = e.events.PublishWorkspaceConflict(d.ID, conflict.Owner)
		e.logger.Error().
			Err(err).
			Str("deployment_id", d.ID).
			Str("owner", conflict.Owner).
			Msg("Workspace conflict, operation aborted")
		return nil, e.fail(ctx, d, ReasonWorkspace, NewWorkspaceConflictError(err), out)
	case ctx.Err() != nil:
		return nil, e.fail(ctx, d, cancelReason(r), NewCancelledError("workspace preparation"), out)
	default:
		return nil, e.fail(ctx, d, ReasonWorkspace, NewInternalError("failed to prepare workspace", err), out)
	}
}

// step runs one tool step under its own span.
func (e *Engine) step(ctx context.Context, d *stores.Deployment, step tool.Step, fn stepFunc, dir string, out *opLog) error {
	stepCtx := ctx
	var end func(error)
	if e.tel != nil {
		c, span := e.tel.Tracer.StartStepSpan(ctx, d.ID, string(step))
		stepCtx = c
		end = func(err error) {
			if err != nil {
				telemetry.RecordError(span, err)
			} else {
				telemetry.RecordSuccess(span)
			}
			span.End()
		}
	}

	res, err := fn(stepCtx, dir, out.line)
	switch {
	case err != nil && ctx.Err() != nil:
		err = NewCancelledError(string(step))
	case err != nil:
		err = NewInternalError(fmt.Sprintf("failed to run %s", step), err)
	case res.Cancelled:
		err = NewCancelledError(string(step))
	case res.ExitCode != 0:
		err = NewToolExecutionError(string(step), res.ExitCode, res.Tail)
	}
	if end != nil {
		end(err)
	}
	return err
}

func (e *Engine) outputsError(err error) error {
	var exit *tool.ExitError
	switch {
	case errors.As(err, &exit):
		return NewToolExecutionError(string(tool.StepOutput), exit.Result.ExitCode, exit.Result.Tail)
	case errors.Is(err, context.Canceled):
		return NewCancelledError(string(tool.StepOutput))
	default:
		return NewInternalError("failed to read tool outputs", err)
	}
}

// fail records err on d and moves it to error. A deployment already in
// error, such as a retried create that fails authentication, is updated in
// place. It returns err.
func (e *Engine) fail(ctx context.Context, d *stores.Deployment, reason string, cause error, out *opLog) error {
	msg := cause.Error()
	out.line("[ERROR] " + msg)
	for _, l := range Tail(cause) {
		e.logger.Debug().Str("deployment_id", d.ID).Str("tail", l).Msg("Tool output")
	}

	mutate := func(n *stores.Deployment) {
		n.Reason = reason
		n.Error = msg
		n.Outputs = nil
		completed := e.now()
		n.CompletedAt = &completed
	}

	var err error
	if d.Status == stores.StatusError {
		mutate(d)
		err = e.save(ctx, d)
	} else {
		err = e.transition(ctx, d, stores.StatusError, mutate)
	}
	if err != nil {
		e.logger.Error().Err(err).Str("deployment_id", d.ID).Msg("Failed to record deployment failure")
	}

	e.metrics.RecordError(Code(cause))
	_ = e.events.PublishDeploymentFailed(d.ID, reason, msg)
	e.logger.Warn().
		Err(cause).
		Str("deployment_id", d.ID).
		Str("reason", reason).
		Msg("Deployment failed")
	return cause
}

// reasonFor maps err to a reason code, using def for non-cancellation errors.
func (e *Engine) reasonFor(r *run, err error, def string) string {
	if IsCancelled(err) {
		return cancelReason(r)
	}
	if Code(err) == ErrCodeInternal {
		return ReasonInternal
	}
	return def
}

func cancelReason(r *run) string {
	if r.operator.Load() {
		return ReasonCancelled
	}
	return ReasonInterrupted
}

func outcomeFor(err error) workspace.Outcome {
	if IsCancelled(err) {
		return workspace.OutcomeCancelled
	}
	return workspace.OutcomeFailed
}
