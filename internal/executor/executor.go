// Package executor drives one conversational turn at a time. A turn
// consumes the tenant's tool catalog, runs the planner loop and produces a
// finite, lazily delivered, strictly ordered event stream that ends in
// exactly one Done or Error event.
//
// The turn is an explicit state machine (Running, AwaitingApproval,
// Cancelled) rather than an implicit stack suspension: a gated tool call
// emits a HITLRequest event, parks on the approval coordinator and resumes
// when any holder of the interrupt id resolves it. Cancellation at any
// suspension point — tool I/O, approval await, planner work — terminates the
// stream promptly with Done(cancelled=true).
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"toolgate/internal/api"
	"toolgate/internal/audit"
	"toolgate/internal/hitl"
	"toolgate/internal/registry"
	"toolgate/internal/toolserver"
	"toolgate/pkg/logging"
)

// State is the executor's turn state.
type State string

const (
	StateRunning          State = "running"
	StateAwaitingApproval State = "awaiting_approval"
	StateCancelled        State = "cancelled"
	StateDone             State = "done"
)

// eventBuffer decouples the producing goroutine from slow consumers enough
// that a cancelled turn can still flush its terminal event.
const eventBuffer = 16

// terminalGrace bounds how long finish waits for a consumer to make room
// for the terminal event. A slow consumer gets the full grace to catch up;
// only a consumer that stopped reading entirely loses the terminal event.
const terminalGrace = 30 * time.Second

// Options wires an executor to its collaborators.
type Options struct {
	Registry  *registry.Registry
	Manager   *toolserver.Manager
	Approvals *hitl.Coordinator
	Audit     audit.Sink

	// ApprovalDeadline bounds each HITL request (0 = coordinator default)
	ApprovalDeadline time.Duration

	// InvokeTimeout bounds each tool invocation (0 = connection default)
	InvokeTimeout time.Duration
}

// Executor runs exactly one turn and is discarded after its terminal event.
type Executor struct {
	opts      Options
	sessionID string
	tenant    string

	state State
	seq   uint64
	out   chan Event
}

// New creates a single-turn executor for a session.
func New(sessionID, tenant string, opts Options) *Executor {
	return &Executor{
		opts:      opts,
		sessionID: sessionID,
		tenant:    tenant,
		state:     StateRunning,
		out:       make(chan Event, eventBuffer),
	}
}

// Run starts the turn and returns its event stream. The channel is closed
// after the terminal event. Cancelling ctx cancels the turn.
func (e *Executor) Run(ctx context.Context, planner Planner, input string) <-chan Event {
	go e.run(ctx, planner, input)
	return e.out
}

// next builds the next event in the sequence. Sequence numbers are assigned
// only here, immediately before the send, so the stream stays gapless.
func (e *Executor) next(eventType EventType, data interface{}) Event {
	e.seq++
	return Event{
		Type:      eventType,
		SessionID: e.sessionID,
		Sequence:  e.seq,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// emit delivers a non-terminal event. It returns false when ctx was
// cancelled before the event could be handed off; the caller then moves
// straight to the terminal event.
func (e *Executor) emit(ctx context.Context, eventType EventType, data interface{}) bool {
	select {
	case e.out <- e.next(eventType, data):
		return true
	case <-ctx.Done():
		e.seq-- // the event was never delivered; reuse its slot
		return false
	}
}

// finish delivers the terminal event and closes the stream. The send blocks
// until the consumer makes room, even when ctx is already done: a stream
// must end in exactly one terminal event, so a merely slow consumer never
// loses it. terminalGrace bounds the wait so an abandoned stream cannot pin
// the turn goroutine forever.
func (e *Executor) finish(eventType EventType, data interface{}) {
	ev := e.next(eventType, data)
	timer := time.NewTimer(terminalGrace)
	defer timer.Stop()
	select {
	case e.out <- ev:
	case <-timer.C:
		logging.Warn("Executor", "Dropping terminal event for session %s: stream abandoned",
			logging.TruncateSessionID(e.sessionID))
	}
	close(e.out)
	e.state = StateDone
}

func (e *Executor) run(ctx context.Context, planner Planner, input string) {
	turn := &TurnContext{
		SessionID: e.sessionID,
		Tenant:    e.tenant,
		Input:     input,
		Tools:     e.opts.Registry.Tools(e.tenant),
	}

	for {
		if ctx.Err() != nil {
			e.state = StateCancelled
			e.finish(EventDone, DoneData{Cancelled: true})
			return
		}

		step, err := planner.Next(ctx, turn)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				e.state = StateCancelled
				e.finish(EventDone, DoneData{Cancelled: true})
				return
			}
			// Unrecoverable internal fault: the only path to a
			// terminal Error event.
			logging.Error("Executor", err, "Planner failure in session %s", logging.TruncateSessionID(e.sessionID))
			e.finish(EventError, ErrorData{Message: err.Error()})
			return
		}

		switch step.Kind {
		case StepText:
			if !e.emit(ctx, EventText, TextData{Text: step.Text}) {
				e.state = StateCancelled
				e.finish(EventDone, DoneData{Cancelled: true})
				return
			}

		case StepTodoUpdate:
			if !e.emit(ctx, EventTodoUpdate, TodoUpdateData{Todos: step.Todos}) {
				e.state = StateCancelled
				e.finish(EventDone, DoneData{Cancelled: true})
				return
			}

		case StepFileOperation:
			if !e.emit(ctx, EventFileOperation, step.FileOp) {
				e.state = StateCancelled
				e.finish(EventDone, DoneData{Cancelled: true})
				return
			}

		case StepToolCall:
			cancelled := e.runToolCall(ctx, turn, step)
			if cancelled {
				e.state = StateCancelled
				e.finish(EventDone, DoneData{Cancelled: true})
				return
			}

		case StepFinish:
			e.finish(EventDone, DoneData{Cancelled: false})
			return

		default:
			e.finish(EventError, ErrorData{Message: fmt.Sprintf("planner returned unknown step kind %q", step.Kind)})
			return
		}
	}
}

// runToolCall executes one tool call step: approval gate, invocation, and
// result feedback into the turn context. It returns true when the turn was
// cancelled mid-call and the caller must terminate the stream.
func (e *Executor) runToolCall(ctx context.Context, turn *TurnContext, step Step) (cancelled bool) {
	desc, known := e.opts.Registry.Lookup(e.tenant, step.Tool)
	if !known {
		outcome := ToolOutcome{Tool: step.Tool, IsError: true, Reason: "unknown tool"}
		turn.Outcomes = append(turn.Outcomes, outcome)
		return !e.emit(ctx, EventToolResult, ToolResultData{
			Tool: step.Tool, IsError: true, Reason: "unknown tool",
		})
	}

	args := step.Args
	autoApproved := desc.AutoApproved

	if !e.emit(ctx, EventToolCall, ToolCallData{Tool: step.Tool, Args: args, AutoApproved: autoApproved}) {
		return true
	}

	if !autoApproved {
		decision, terminated := e.awaitApproval(ctx, step)
		if terminated {
			return true
		}
		switch decision.Kind {
		case api.DecisionApprove:
		case api.DecisionEdit:
			args = decision.EditedArgs
		default:
			reason := "rejected by " + decision.Responder
			outcome := ToolOutcome{Tool: step.Tool, IsError: true, Reason: reason}
			turn.Outcomes = append(turn.Outcomes, outcome)
			return !e.emit(ctx, EventToolResult, ToolResultData{
				Tool: step.Tool, IsError: true, Reason: reason,
			})
		}
	}

	result := e.invoke(ctx, desc, args)
	if ctx.Err() != nil {
		// The invocation was abandoned by cancellation; do not surface a
		// misleading error result.
		return true
	}

	turn.Outcomes = append(turn.Outcomes, ToolOutcome{
		Tool:    step.Tool,
		Result:  result.Result,
		IsError: result.IsError,
		Reason:  result.Reason,
	})
	return !e.emit(ctx, EventToolResult, result)
}

// awaitApproval registers a HITL request, emits the HITLRequest event and
// parks until resolution. terminated is true when the session was cancelled
// while suspended.
func (e *Executor) awaitApproval(ctx context.Context, step Step) (decision api.Decision, terminated bool) {
	e.state = StateAwaitingApproval
	defer func() { e.state = StateRunning }()

	req := hitl.Request{
		SessionID: e.sessionID,
		Tenant:    e.tenant,
		Actions: []hitl.ActionRequest{{
			Tool:        step.Tool,
			Args:        step.Args,
			Description: step.Description,
		}},
	}
	if e.opts.ApprovalDeadline > 0 {
		req.Deadline = time.Now().Add(e.opts.ApprovalDeadline)
	}
	interruptID := e.opts.Approvals.Register(req)

	registered, _ := e.opts.Approvals.Get(interruptID)
	if !e.emit(ctx, EventHITLRequest, HITLRequestData{
		InterruptID: interruptID,
		Actions:     req.Actions,
		Deadline:    registered.Deadline,
	}) {
		// The consumer is gone; resolve our own request as cancelled so
		// the table does not leak.
		e.opts.Approvals.CancelSession(e.sessionID)
		return api.Decision{}, true
	}

	res, err := e.opts.Approvals.Await(ctx, interruptID)
	if err != nil {
		if errors.Is(err, api.ErrSessionCancelled) {
			return api.Decision{}, true
		}
		return api.Decision{Kind: api.DecisionReject, Responder: "system:error"}, false
	}
	if res.TimedOut {
		return api.Decision{Kind: api.DecisionReject, Responder: "system:timeout"}, false
	}
	return res.Decision, false
}

// invoke performs the tool call against the owning connection. Failures and
// timeouts come back as an errored result; the turn continues.
func (e *Executor) invoke(ctx context.Context, desc api.ToolDescriptor, args map[string]interface{}) ToolResultData {
	conn, err := e.opts.Manager.GetConnection(e.tenant, desc.ServerName)
	if err != nil {
		return ToolResultData{Tool: desc.QualifiedName, IsError: true, Reason: err.Error()}
	}

	result, err := conn.Invoke(ctx, desc.RawName, args, e.opts.InvokeTimeout)
	if err != nil {
		audit.Emit(e.opts.Audit, e.tenant, desc.QualifiedName, audit.ActionInvoke, audit.ResultError)

		reason := err.Error()
		var invErr *api.InvocationError
		if errors.As(err, &invErr) && invErr.Timeout {
			reason = fmt.Sprintf("timeout after %s", invokeTimeoutString(e.opts.InvokeTimeout, conn))
		}
		logging.Warn("Executor", "Tool %s failed for session %s: %v",
			desc.QualifiedName, logging.TruncateSessionID(e.sessionID), err)
		return ToolResultData{Tool: desc.QualifiedName, IsError: true, Reason: reason}
	}

	audit.Emit(e.opts.Audit, e.tenant, desc.QualifiedName, audit.ActionInvoke, audit.ResultOK)
	return ToolResultData{Tool: desc.QualifiedName, Result: flattenResult(result), IsError: result != nil && result.IsError}
}

func invokeTimeoutString(configured time.Duration, conn *toolserver.Connection) string {
	if configured > 0 {
		return configured.String()
	}
	if t := conn.Config().Timeout; t > 0 {
		return t.String()
	}
	return toolserver.DefaultInvokeTimeout.String()
}
