// Package engine is the deployment state machine.
//
// # Overview
//
// The engine sequences the record store, the workspace manager, the tool
// driver and the log broadcaster into two workflows:
//
//  1. Create - authenticate, generate names, init, apply, query outputs
//  2. Destroy - authenticate, destroy, remove the workspace, tombstone
//
// Each workflow runs in its own goroutine. A deployment has at most one
// running operation; a second request for the same id fails with
// ErrOperationInProgress and is not queued.
//
// # Statuses
//
//	pending --> initializing --> applying --> completed --> destroying --> destroyed
//	   |             |              |                           |
//	   +-------------+--------------+------> error <------------+
//
// pending moves straight to applying when the workspace is already
// initialized. A deployment in error may be retried (back to initializing or
// applying) or destroyed. CanTransition reports the allowed edges.
//
// # Error Classification
//
// Every error returned by the engine is an *EngineError with a code:
//
//   - VALIDATION_ERROR: bad input, rejected before a workflow starts
//   - AUTH_FAILED: credential resolution failed
//   - TOOL_FAILED: a tool step exited non-zero; Tail returns its last lines
//   - WORKSPACE_CONFLICT: the shared directory holds another deployment's state
//   - OPERATION_IN_PROGRESS: the deployment is busy
//   - CANCELLED: an operator stopped the operation
//   - NOT_FOUND: unknown or destroyed deployment
//
// Use the helpers to inspect them:
//
//	if engine.IsOperationInProgress(err) {
//	    // try again later
//	}
//
// Tool and workspace failures are never retried automatically.
//
// # Durability
//
// The in-memory deployment table is a write-through cache: every change is
// written to the store before it becomes visible. On start, New rehydrates the
// cache, recovers the shared directory and marks operations interrupted by a
// crash as failed with reason "interrupted".
package engine
