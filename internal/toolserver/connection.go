package toolserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"toolgate/internal/api"
	"toolgate/pkg/logging"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
)

// Exponential backoff configuration for failed connection attempts.
const (
	// InitialBackoff is the retry interval after the first failure
	InitialBackoff = 500 * time.Millisecond
	// MaxBackoff is the maximum retry interval
	MaxBackoff = 30 * time.Second
	// BackoffMultiplier is the factor by which backoff increases on each failure
	BackoffMultiplier = 2.0
)

// DefaultConnectTimeout bounds a single connect attempt when the config
// carries no timeout of its own.
const DefaultConnectTimeout = 30 * time.Second

// DefaultInvokeTimeout bounds a tool invocation when the config carries no
// timeout of its own.
const DefaultInvokeTimeout = 60 * time.Second

// DefaultMaxRetries is the connect retry budget when the config specifies none.
const DefaultMaxRetries = 3

// ClientFactory creates a transport client for a config. The manager uses
// the built-in transports unless a custom factory is configured; tests
// substitute in-memory clients this way.
type ClientFactory func(cfg api.ToolServerConfig) (Client, error)

// Connection is one stateful handle to an external tool server. It owns the
// transport client, tracks the connection state machine and caches the
// discovered tool list. A Connection is created by the Manager and must not
// be shared across tenants.
type Connection struct {
	// ID is a stable identifier for this connection instance
	ID string

	newClient ClientFactory

	mu            sync.RWMutex
	cfg           api.ToolServerConfig
	client        Client
	state         api.ConnectionState
	tools         []mcp.Tool
	lastError     error
	retryCount    int
	lastConnected time.Time
	lastUsed      time.Time
}

// newConnection creates a disconnected connection for the given config.
func newConnection(cfg api.ToolServerConfig, factory ClientFactory) *Connection {
	if factory == nil {
		factory = newClientForConfig
	}
	state := api.StateDisconnected
	if cfg.Disabled {
		state = api.StateDisabled
	}
	return &Connection{
		ID:        uuid.NewString(),
		newClient: factory,
		cfg:       cfg,
		state:     state,
	}
}

// Config returns a copy of the connection's config.
func (c *Connection) Config() api.ToolServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// State returns the current lifecycle state.
func (c *Connection) State() api.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Tools returns the tool list discovered at connect time.
func (c *Connection) Tools() []mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tools := make([]mcp.Tool, len(c.tools))
	copy(tools, c.tools)
	return tools
}

// Status returns a point-in-time status snapshot. It never triggers a
// synchronous retry; the last error stays readable while retries happen
// elsewhere.
func (c *Connection) Status() api.ServerStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := api.ServerStatus{
		ServerName:    c.cfg.Name,
		State:         c.state,
		ToolCount:     len(c.tools),
		RetryCount:    c.retryCount,
		LastConnected: c.lastConnected,
	}
	if c.lastError != nil {
		status.LastError = c.lastError.Error()
	}
	return status
}

// connectTimeout returns the per-attempt connect timeout.
func (c *Connection) connectTimeout() time.Duration {
	if c.cfg.Timeout > 0 {
		return c.cfg.Timeout
	}
	return DefaultConnectTimeout
}

// maxRetries returns the connect retry budget.
func (c *Connection) maxRetries() int {
	if c.cfg.MaxRetries > 0 {
		return c.cfg.MaxRetries
	}
	return DefaultMaxRetries
}

// Connect establishes the connection, retrying with exponential backoff up
// to the config's retry budget. On success the discovered tool list is
// cached and the connection is Connected; after the budget is exhausted the
// connection remains in Error with the last failure readable via Status.
//
// Connect is not safe for concurrent use on the same Connection; the
// Manager serializes connect attempts through its single-flight group.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == api.StateDisabled {
		c.mu.Unlock()
		return api.ErrServerDisabled
	}
	if c.state == api.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = api.StateConnecting
	c.mu.Unlock()

	backoff := InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries(); attempt++ {
		if attempt > 0 {
			logging.Debug("Connection", "Retrying connect to %s/%s in %v (attempt %d/%d)",
				c.cfg.Tenant, c.cfg.Name, backoff, attempt, c.maxRetries())
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.recordFailure(ctx.Err())
				return &api.ConnectionError{Tenant: c.cfg.Tenant, Server: c.cfg.Name, Err: ctx.Err()}
			}
			backoff = time.Duration(float64(backoff) * BackoffMultiplier)
			if backoff > MaxBackoff {
				backoff = MaxBackoff
			}
		}

		if err := c.connectOnce(ctx); err != nil {
			lastErr = err
			c.recordFailure(err)
			continue
		}
		return nil
	}

	return &api.ConnectionError{Tenant: c.cfg.Tenant, Server: c.cfg.Name, Err: lastErr}
}

// connectOnce performs a single connect attempt: create the transport
// client, run the handshake and discover tools.
func (c *Connection) connectOnce(ctx context.Context) error {
	client, err := c.newClient(c.Config())
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.connectTimeout())
	defer cancel()

	if err := client.Initialize(attemptCtx); err != nil {
		return err
	}

	tools, err := client.ListTools(attemptCtx)
	if err != nil {
		// A server that cannot enumerate tools is useless to the
		// executor; tear the transport down and report the failure.
		client.Close()
		return fmt.Errorf("tool discovery failed: %w", err)
	}

	c.mu.Lock()
	c.client = client
	c.state = api.StateConnected
	c.tools = tools
	c.lastError = nil
	c.retryCount = 0
	c.lastConnected = time.Now()
	c.lastUsed = time.Now()
	c.mu.Unlock()

	logging.Info("Connection", "Connected to %s/%s with %d tools", c.cfg.Tenant, c.cfg.Name, len(tools))
	return nil
}

// recordFailure moves the connection into Error and keeps the failure
// visible for status queries.
func (c *Connection) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == api.StateDisabled {
		return
	}
	c.state = api.StateError
	c.lastError = err
	c.retryCount++
	logging.Warn("Connection", "Connect failure #%d for %s/%s: %v", c.retryCount, c.cfg.Tenant, c.cfg.Name, err)
}

// Invoke calls a tool on the connected server. Failures and timeouts are
// returned to the caller as InvocationError and are never auto-retried.
func (c *Connection) Invoke(ctx context.Context, tool string, args map[string]interface{}, timeout time.Duration) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	if c.state != api.StateConnected || c.client == nil {
		state := c.state
		c.mu.Unlock()
		return nil, &api.InvocationError{Tool: tool, Err: fmt.Errorf("connection is %s", state)}
	}
	client := c.client
	c.lastUsed = time.Now()
	c.mu.Unlock()

	if timeout <= 0 {
		if c.cfg.Timeout > 0 {
			timeout = c.cfg.Timeout
		} else {
			timeout = DefaultInvokeTimeout
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := client.CallTool(callCtx, tool, args)
	if err != nil {
		timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
		return nil, &api.InvocationError{Tool: tool, Timeout: timedOut, Err: err}
	}
	return result, nil
}

// Disconnect closes the transport. For stdio transports this reaps the
// child process. The connection returns to Disconnected unless disabled.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.tools = nil
	if c.state != api.StateDisabled {
		c.state = api.StateDisconnected
	}
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		logging.Warn("Connection", "Error closing client for %s/%s: %v", c.cfg.Tenant, c.cfg.Name, err)
		return err
	}
	return nil
}

// SetDisabled moves a connection in or out of the Disabled state. Disabling
// tears down any live transport; Disabled is terminal until re-enabled.
func (c *Connection) SetDisabled(disabled bool) {
	c.mu.Lock()
	c.cfg.Disabled = disabled
	var client Client
	if disabled {
		client = c.client
		c.client = nil
		c.tools = nil
		c.state = api.StateDisabled
	} else if c.state == api.StateDisabled {
		c.state = api.StateDisconnected
		c.lastError = nil
		c.retryCount = 0
	}
	c.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			logging.Warn("Connection", "Error closing client for %s/%s: %v", c.cfg.Tenant, c.cfg.Name, err)
		}
	}
}

// IdleSince reports how long ago the connection was last used for an
// invocation. Used by the manager's idle eviction janitor.
func (c *Connection) IdleSince() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUsed
}

// IsConnected reports whether the connection is currently usable.
func (c *Connection) IsConnected() bool {
	return c.State() == api.StateConnected
}
