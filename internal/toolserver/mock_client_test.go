package toolserver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"toolgate/internal/api"

	"github.com/mark3labs/mcp-go/mcp"
)

// mockClient is an in-memory Client for tests. Failure modes and tool lists
// are configurable per instance.
type mockClient struct {
	mu        sync.Mutex
	connected bool

	tools       []mcp.Tool
	initDelay   time.Duration
	initErr     error
	listErr     error
	callErr     error
	callDelay   time.Duration
	callResults map[string]*mcp.CallToolResult

	initCalls  atomic.Int32
	closeCalls atomic.Int32
	callCalls  atomic.Int32
}

func (m *mockClient) Initialize(ctx context.Context) error {
	m.initCalls.Add(1)
	if m.initDelay > 0 {
		select {
		case <-time.After(m.initDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.initErr != nil {
		return m.initErr
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

func (m *mockClient) Close() error {
	m.closeCalls.Add(1)
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

func (m *mockClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.tools, nil
}

func (m *mockClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	m.callCalls.Add(1)
	if m.callDelay > 0 {
		select {
		case <-time.After(m.callDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.callErr != nil {
		return nil, m.callErr
	}
	if result, ok := m.callResults[name]; ok {
		return result, nil
	}
	return textResult(fmt.Sprintf("%s ok", name)), nil
}

func (m *mockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("client not connected")
	}
	return nil
}

func textResult(s string) *mcp.CallToolResult {
	return mcp.NewToolResultText(s)
}

func namedTools(names ...string) []mcp.Tool {
	tools := make([]mcp.Tool, 0, len(names))
	for _, name := range names {
		tools = append(tools, mcp.Tool{Name: name})
	}
	return tools
}

// mockFactory hands out mockClients and records every client it created,
// keyed by tenant/server.
type mockFactory struct {
	mu      sync.Mutex
	clients map[string][]*mockClient
	// configure customizes each new client; nil leaves defaults
	configure func(cfg api.ToolServerConfig, c *mockClient)
}

func newMockFactory(configure func(cfg api.ToolServerConfig, c *mockClient)) *mockFactory {
	return &mockFactory{
		clients:   make(map[string][]*mockClient),
		configure: configure,
	}
}

func (f *mockFactory) new(cfg api.ToolServerConfig) (Client, error) {
	c := &mockClient{tools: namedTools("echo")}
	if f.configure != nil {
		f.configure(cfg, c)
	}
	f.mu.Lock()
	key := cfg.Tenant + "/" + cfg.Name
	f.clients[key] = append(f.clients[key], c)
	f.mu.Unlock()
	return c, nil
}

func (f *mockFactory) created(tenant, server string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[tenant+"/"+server])
}

func (f *mockFactory) last(tenant, server string) *mockClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.clients[tenant+"/"+server]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func serverConfig(tenant, name string) api.ToolServerConfig {
	return api.ToolServerConfig{
		Tenant:    tenant,
		Name:      name,
		Transport: api.TransportStdio,
		Command:   []string{"mock"},
	}
}
