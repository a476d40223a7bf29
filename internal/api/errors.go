package api

import (
	"errors"
	"fmt"
)

// ConfigError represents a malformed tool server configuration. It is
// rejected at registration time, before any connection attempt is made.
type ConfigError struct {
	Tenant string
	Server string
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid config for %s/%s: field %s %s", e.Tenant, e.Server, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid config for %s/%s: %s", e.Tenant, e.Server, e.Reason)
}

// IsConfigError checks if an error is or wraps a ConfigError.
func IsConfigError(err error) bool {
	var configErr *ConfigError
	return errors.As(err, &configErr)
}

// ConnectionError represents a transport-level failure establishing or
// maintaining a tool server connection. Connect failures are retried with
// backoff per the owning config; the error stays visible via status queries.
type ConnectionError struct {
	Tenant string
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s/%s failed: %v", e.Tenant, e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsConnectionError checks if an error is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// CapacityError is returned when a connect would exceed the per-tenant or
// global connection cap. It is never retried and no existing connection is
// evicted to make room.
type CapacityError struct {
	Tenant string
	Scope  string // "tenant" or "global"
	Limit  int
}

func (e *CapacityError) Error() string {
	if e.Scope == "global" {
		return fmt.Sprintf("global connection limit of %d reached", e.Limit)
	}
	return fmt.Sprintf("tenant %s connection limit of %d reached", e.Tenant, e.Limit)
}

// IsCapacityError checks if an error is or wraps a CapacityError.
func IsCapacityError(err error) bool {
	var capErr *CapacityError
	return errors.As(err, &capErr)
}

// InvocationError represents a failed or timed-out tool call. It is handed
// back to the reasoning step as an errored tool result; the turn continues.
type InvocationError struct {
	Tool    string
	Timeout bool
	Err     error
}

func (e *InvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %s timed out: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// IsInvocationError checks if an error is or wraps an InvocationError.
func IsInvocationError(err error) bool {
	var invErr *InvocationError
	return errors.As(err, &invErr)
}

// Sentinel errors for conditions that carry no extra context.
var (
	// ErrTurnInFlight is returned when a turn is submitted for a session
	// that already has one running.
	ErrTurnInFlight = errors.New("a turn is already in flight for this session")

	// ErrAlreadyResolved reports a redundant resolve of an approval request.
	// The first decision stands; the second call is a no-op.
	ErrAlreadyResolved = errors.New("approval request already resolved")

	// ErrApprovalNotFound is returned when an interrupt id is unknown.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrApprovalTimeout reports a human approval that received no decision
	// before its deadline. The request is auto-resolved as a rejection.
	ErrApprovalTimeout = errors.New("approval request timed out")

	// ErrSessionCancelled is the normal terminal outcome of a cancelled
	// session, not a failure.
	ErrSessionCancelled = errors.New("session cancelled")

	// ErrSessionNotFound is returned when a turn is submitted for a
	// session the session store does not know.
	ErrSessionNotFound = errors.New("session not found")

	// ErrServerNotFound is returned when a tenant has no server by that name.
	ErrServerNotFound = errors.New("tool server not found")

	// ErrServerDisabled is returned when the server's config is disabled.
	ErrServerDisabled = errors.New("tool server is disabled")
)
