package api

import (
	"time"
)

// ToolServerConfig describes one external tool server belonging to a tenant.
// The configuration is CRUD-managed externally (YAML files, see internal/config);
// this struct is the in-memory contract shared by all runtime components.
type ToolServerConfig struct {
	// Tenant is the owning tenant identifier
	Tenant string `yaml:"tenant" json:"tenant"`

	// Name uniquely identifies the server within the tenant
	Name string `yaml:"name" json:"name"`

	// Transport selects how the server is reached
	Transport TransportType `yaml:"transport" json:"transport"`

	// Stdio fields
	Command []string          `yaml:"command,omitempty" json:"command,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`

	// Remote fields (sse, streamable-http)
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	// AutoApprove lists raw tool names that skip the human approval gate
	AutoApprove []string `yaml:"autoApprove,omitempty" json:"autoApprove,omitempty"`

	// Disabled servers are never connected; an existing connection is torn down
	Disabled bool `yaml:"disabled,omitempty" json:"disabled,omitempty"`

	// Timeout bounds connection establishment and tool invocations.
	// Zero means the runtime default.
	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// MaxRetries bounds connect retries before the connection stays in Error
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// TransportType defines how a tool server is reached
type TransportType string

const (
	TransportStdio          TransportType = "stdio"
	TransportSSE            TransportType = "sse"
	TransportStreamableHTTP TransportType = "streamable-http"
)

// ConnectionState describes the lifecycle state of a tool server connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateDisabled     ConnectionState = "disabled"
)

// ToolDescriptor is one callable tool in a tenant's catalog. Qualified names
// follow the pattern {server}.{tool} so that two servers exposing identically
// named tools never collide.
type ToolDescriptor struct {
	// QualifiedName is {server}.{tool}, unique within the tenant
	QualifiedName string `json:"qualifiedName"`

	// RawName is the tool name as the origin server exposes it
	RawName string `json:"rawName"`

	// ServerName is the origin server
	ServerName string `json:"serverName"`

	// ConnectionID identifies the connection the descriptor was derived from
	ConnectionID string `json:"connectionId"`

	// Description is the server-provided tool description
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON schema for the tool arguments, as provided
	// by the server at discovery time. It is carried as an opaque value and
	// never inspected reflectively at call time.
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`

	// AutoApproved tools skip the human approval gate
	AutoApproved bool `json:"autoApproved"`
}

// ServerStatus is the status query response for one tenant server
type ServerStatus struct {
	ServerName string          `json:"serverName"`
	State      ConnectionState `json:"state"`
	ToolCount  int             `json:"toolCount"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`

	// LastConnected is zero when the server has never connected
	LastConnected time.Time `json:"lastConnected,omitzero"`
}

// DecisionKind is the outcome of a human approval request
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
	DecisionEdit    DecisionKind = "edit"
)

// Decision resolves a pending approval request. EditedArgs replaces the
// original tool arguments when Kind is DecisionEdit.
type Decision struct {
	Kind       DecisionKind           `json:"decision"`
	EditedArgs map[string]interface{} `json:"edited_args,omitempty"`

	// Responder identifies who made the decision, for the audit trail.
	// System-generated resolutions use "system:timeout" and "system:cancel".
	Responder string `json:"responder,omitempty"`
}
