// Package audit records security-relevant actions: approval decisions,
// timeouts, cancellations and failed tool invocations.
package audit

import (
	"time"

	"toolgate/pkg/logging"
)

// Record is one audit trail entry. Every connect, disconnect, tool
// invocation and approval decision produces exactly one record.
type Record struct {
	Tenant    string    `json:"tenant"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Actions emitted by the runtime.
const (
	ActionConnect    = "connect"
	ActionDisconnect = "disconnect"
	ActionInvoke     = "invoke"
	ActionDecision   = "hitl_decision"
)

// Results for audit records.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultApproved = "approved"
	ResultRejected = "rejected"
	ResultEdited   = "edited"
	ResultTimeout  = "timeout"
	ResultCancel   = "cancelled"
)

// Sink receives audit records. Implementations must be safe for concurrent
// use; Emit must not block callers on slow downstreams.
type Sink interface {
	Emit(record Record)
}

// LogSink writes audit records through the structured logger. It is the
// default sink when no external audit pipeline is wired in.
type LogSink struct{}

// NewLogSink creates an audit sink backed by the logging package.
func NewLogSink() *LogSink {
	return &LogSink{}
}

// Emit writes one audit record.
func (s *LogSink) Emit(record Record) {
	logging.Info("Audit", "tenant=%s resource=%s action=%s result=%s ts=%s",
		record.Tenant, record.Resource, record.Action, record.Result,
		record.Timestamp.Format(time.RFC3339Nano))
}

// NopSink discards all records. Used in tests that don't assert on auditing.
type NopSink struct{}

func (NopSink) Emit(Record) {}

// Emit is a convenience helper that stamps the record and sends it to the
// sink. A nil sink drops the record.
func Emit(sink Sink, tenant, resource, action, result string) {
	if sink == nil {
		return
	}
	sink.Emit(Record{
		Tenant:    tenant,
		Resource:  resource,
		Action:    action,
		Result:    result,
		Timestamp: time.Now(),
	})
}
