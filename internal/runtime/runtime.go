// Package runtime wires the connection manager, tool registry, approval
// coordinator and turn executor into the surface the routing and transport
// layers consume: submit a turn, resolve an approval, cancel a session,
// query connection status.
package runtime

import (
	"context"
	"sync"

	"toolgate/internal/api"
	"toolgate/internal/audit"
	"toolgate/internal/executor"
	"toolgate/internal/hitl"
	"toolgate/internal/registry"
	"toolgate/internal/toolserver"
	"toolgate/pkg/logging"
)

// SessionStore tracks session existence. Ownership of session records lives
// outside this runtime; a nil store treats every session as existing.
type SessionStore interface {
	Exists(ctx context.Context, sessionID string) bool
}

// PlannerFactory produces the reasoning step for a turn. The planning
// algorithm is opaque to the runtime.
type PlannerFactory func(sessionID, tenantID string) executor.Planner

// Options configures a Runtime.
type Options struct {
	Manager   *toolserver.Manager
	Registry  *registry.Registry
	Approvals *hitl.Coordinator
	Audit     audit.Sink
	Sessions  SessionStore
	Planners  PlannerFactory

	Executor executor.Options
}

// turnHandle is one in-flight turn: its cancel hook and completion signal.
type turnHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Runtime is the top-level coordination point for turn execution.
type Runtime struct {
	opts Options

	mu    sync.Mutex
	turns map[string]*turnHandle // session id -> in-flight turn
}

// New creates a runtime.
func New(opts Options) *Runtime {
	opts.Executor.Registry = opts.Registry
	opts.Executor.Manager = opts.Manager
	opts.Executor.Approvals = opts.Approvals
	opts.Executor.Audit = opts.Audit
	return &Runtime{
		opts:  opts,
		turns: make(map[string]*turnHandle),
	}
}

// SubmitTurn starts one turn for a session and returns its event stream.
// At most one turn per session runs at a time: a second submission while
// one is in flight is rejected with ErrTurnInFlight. Different sessions
// execute fully independently.
//
// The returned channel is closed after the turn's terminal event. The turn
// keeps running when the submitting context ends; use CancelSession to stop
// it.
func (r *Runtime) SubmitTurn(ctx context.Context, sessionID, tenantID, input string) (<-chan executor.Event, error) {
	if r.opts.Sessions != nil && !r.opts.Sessions.Exists(ctx, sessionID) {
		return nil, api.ErrSessionNotFound
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	handle := &turnHandle{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if _, inFlight := r.turns[sessionID]; inFlight {
		r.mu.Unlock()
		cancel()
		return nil, api.ErrTurnInFlight
	}
	r.turns[sessionID] = handle
	r.mu.Unlock()

	exec := executor.New(sessionID, tenantID, r.opts.Executor)
	planner := r.opts.Planners(sessionID, tenantID)
	events := exec.Run(turnCtx, planner, input)

	out := make(chan executor.Event, 1)
	go func() {
		defer func() {
			close(out)
			close(handle.done)
			cancel()

			// Release the per-session turn lock only after the
			// stream has fully drained.
			r.mu.Lock()
			delete(r.turns, sessionID)
			r.mu.Unlock()
		}()
		for ev := range events {
			select {
			case out <- ev:
				continue
			default:
			}
			select {
			case out <- ev:
			case <-turnCtx.Done():
				// The consumer stopped reading or the session was
				// cancelled. Drain the executor so it can deliver
				// its terminal event and exit, then release the
				// turn lock via the deferred cleanup.
				for range events {
				}
				return
			}
		}
	}()

	logging.Debug("Runtime", "Turn started for session %s (tenant %s)",
		logging.TruncateSessionID(sessionID), tenantID)
	return out, nil
}

// ResolveHITL resolves a pending approval request from any caller holding
// the interrupt id.
func (r *Runtime) ResolveHITL(interruptID string, decision api.Decision) error {
	return r.opts.Approvals.Resolve(interruptID, decision)
}

// CancelSession cancels the session's in-flight turn, resolves its pending
// approvals as cancelled and abandons any in-flight tool invocation. The
// turn terminates with Done(cancelled=true). Cancelling a session with no
// turn in flight is a no-op.
func (r *Runtime) CancelSession(sessionID string) {
	r.mu.Lock()
	handle, ok := r.turns[sessionID]
	r.mu.Unlock()

	// Resolve approvals first so an Await wakes with a cancellation
	// decision even if the context switch races.
	r.opts.Approvals.CancelSession(sessionID)

	if ok {
		handle.cancel()
		logging.Info("Runtime", "Session %s cancelled", logging.TruncateSessionID(sessionID))
	}
}

// TurnInFlight reports whether the session currently has a running turn.
func (r *Runtime) TurnInFlight(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.turns[sessionID]
	return ok
}

// ConnectionStatus returns status snapshots for all the tenant's servers.
func (r *Runtime) ConnectionStatus(tenantID string) []api.ServerStatus {
	return r.opts.Manager.Status(tenantID)
}

// PendingApprovals lists unresolved approval requests, for status surfaces.
func (r *Runtime) PendingApprovals() []hitl.Request {
	return r.opts.Approvals.Pending()
}

// ConnectAll eagerly establishes every enabled connection a tenant has
// configured. Used on tenant activation; failures are logged and left for
// the retry policy, they do not abort the remaining servers.
func (r *Runtime) ConnectAll(ctx context.Context, tenantID string) {
	for _, conn := range r.opts.Manager.ListConnections(tenantID) {
		cfg := conn.Config()
		if cfg.Disabled {
			continue
		}
		if _, err := r.opts.Manager.EnsureConnected(ctx, tenantID, cfg.Name); err != nil {
			logging.Warn("Runtime", "Eager connect of %s/%s failed: %v", tenantID, cfg.Name, err)
		}
	}
}
