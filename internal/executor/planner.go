package executor

import (
	"context"

	"toolgate/internal/api"
)

// StepKind tags what the planner wants the executor to do next.
type StepKind string

const (
	StepText          StepKind = "text"
	StepToolCall      StepKind = "tool_call"
	StepTodoUpdate    StepKind = "todo_update"
	StepFileOperation StepKind = "file_operation"
	StepFinish        StepKind = "finish"
)

// Step is one planner decision. Exactly the fields matching Kind are set.
type Step struct {
	Kind StepKind

	// Text output (StepText)
	Text string

	// Tool call (StepToolCall). Tool is the qualified {server}.{tool} name.
	Tool        string
	Args        map[string]interface{}
	Description string

	// Todo list update (StepTodoUpdate)
	Todos []TodoItem

	// File operation (StepFileOperation)
	FileOp FileOperationData
}

// ToolOutcome feeds a tool call's result back into the next planning step.
type ToolOutcome struct {
	Tool    string
	Result  interface{}
	IsError bool
	Reason  string
}

// TurnContext is the state one planning loop runs over: the turn input, the
// tenant's tool catalog and the outcomes accumulated so far.
type TurnContext struct {
	SessionID string
	Tenant    string
	Input     string

	// Tools is the tenant's catalog snapshot taken at turn start.
	Tools []api.ToolDescriptor

	// Outcomes holds results of the tool calls executed this turn, in order.
	Outcomes []ToolOutcome
}

// Planner is the opaque reasoning step. The executor calls Next repeatedly,
// feeding tool outcomes back through the TurnContext, until the planner
// returns a StepFinish or an error. Implementations must honor ctx
// cancellation on any internal blocking work.
//
// The planning algorithm itself is outside this package; tests and the
// development CLI use scripted planners.
type Planner interface {
	Next(ctx context.Context, turn *TurnContext) (Step, error)
}

// PlannerFunc adapts a function to the Planner interface.
type PlannerFunc func(ctx context.Context, turn *TurnContext) (Step, error)

func (f PlannerFunc) Next(ctx context.Context, turn *TurnContext) (Step, error) {
	return f(ctx, turn)
}

// ScriptedPlanner replays a fixed list of steps and then finishes. Used by
// tests and the development CLI.
type ScriptedPlanner struct {
	Steps []Step
	next  int
}

func (p *ScriptedPlanner) Next(ctx context.Context, turn *TurnContext) (Step, error) {
	if err := ctx.Err(); err != nil {
		return Step{}, err
	}
	if p.next >= len(p.Steps) {
		return Step{Kind: StepFinish}, nil
	}
	step := p.Steps[p.next]
	p.next++
	return step, nil
}
