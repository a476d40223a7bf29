package executor

import (
	"time"

	"toolgate/internal/hitl"
)

// EventType tags an execution event variant.
type EventType string

const (
	EventText          EventType = "text"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventHITLRequest   EventType = "hitl_request"
	EventTodoUpdate    EventType = "todo_update"
	EventFileOperation EventType = "file_operation"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// Event is one entry in a turn's ordered event stream. Sequence numbers are
// strictly increasing and gapless within a session's turn; exactly one
// terminal event (Done or Error) closes the stream. When events cross a
// network boundary each one marshals to a single JSON object.
type Event struct {
	Type      EventType   `json:"event_type"`
	SessionID string      `json:"session_id"`
	Sequence  uint64      `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// IsTerminal reports whether the event closes the stream.
func (e Event) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// TextData carries assistant text output.
type TextData struct {
	Text string `json:"text"`
}

// ToolCallData announces a tool invocation the planner requested.
type ToolCallData struct {
	Tool         string                 `json:"tool"`
	Args         map[string]interface{} `json:"args,omitempty"`
	AutoApproved bool                   `json:"auto_approved"`
}

// ToolResultData carries a tool call's outcome. Failed or timed-out calls
// surface here with IsError set so the turn can continue; they never
// terminate the stream by themselves.
type ToolResultData struct {
	Tool    string      `json:"tool"`
	Result  interface{} `json:"result,omitempty"`
	IsError bool        `json:"is_error"`
	Reason  string      `json:"reason,omitempty"`
}

// HITLRequestData announces that the turn is suspended on a human approval.
// The stream stays open; the next event follows the decision.
type HITLRequestData struct {
	InterruptID string               `json:"interrupt_id"`
	Actions     []hitl.ActionRequest `json:"actions"`
	Deadline    time.Time            `json:"deadline,omitzero"`
}

// TodoItem is one entry in the planner's working todo list.
type TodoItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// TodoUpdateData carries the planner's current todo list.
type TodoUpdateData struct {
	Todos []TodoItem `json:"todos"`
}

// FileOperationData reports a file the planner touched.
type FileOperationData struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Summary   string `json:"summary,omitempty"`
}

// ErrorData carries the message of an unrecoverable internal fault. Only
// such faults terminate a stream with an Error event; tool-level failures
// are ToolResult events.
type ErrorData struct {
	Message string `json:"message"`
}

// DoneData closes a completed or cancelled turn.
type DoneData struct {
	Cancelled bool `json:"cancelled"`
}
