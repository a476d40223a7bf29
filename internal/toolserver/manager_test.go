package toolserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"toolgate/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(factory *mockFactory, opts ManagerOptions) *Manager {
	opts.ClientFactory = factory.new
	return NewManager(opts)
}

func applyServers(t *testing.T, m *Manager, tenantID string, names ...string) {
	t.Helper()
	configs := make([]api.ToolServerConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, serverConfig(tenantID, name))
	}
	require.NoError(t, m.ApplyConfigs(tenantID, configs))
}

func TestManager_EnsureConnected(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "web")

	conn, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())

	// Idempotent: a second call returns the same live connection without
	// creating a new transport client.
	again, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, 1, factory.created("acme", "web"))

	tenant, global := m.ActiveCount("acme")
	assert.Equal(t, 1, tenant)
	assert.Equal(t, 1, global)
}

func TestManager_EnsureConnectedCoalesces(t *testing.T) {
	factory := newMockFactory(func(cfg api.ToolServerConfig, c *mockClient) {
		c.initDelay = 50 * time.Millisecond
	})
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "web")

	const callers = 8
	var wg sync.WaitGroup
	conns := make([]*Connection, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conns[i], errs[i] = m.EnsureConnected(context.Background(), "acme", "web")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, conns[0], conns[i])
	}
	// All callers coalesced into exactly one connect attempt.
	assert.Equal(t, 1, factory.created("acme", "web"))

	tenant, global := m.ActiveCount("acme")
	assert.Equal(t, 1, tenant)
	assert.Equal(t, 1, global)
}

func TestManager_UnknownAndDisabledServers(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})

	disabled := serverConfig("acme", "off")
	disabled.Disabled = true
	require.NoError(t, m.ApplyConfigs("acme", []api.ToolServerConfig{disabled}))

	_, err := m.EnsureConnected(context.Background(), "acme", "ghost")
	assert.ErrorIs(t, err, api.ErrServerNotFound)

	_, err = m.EnsureConnected(context.Background(), "acme", "off")
	assert.ErrorIs(t, err, api.ErrServerDisabled)
}

func TestManager_PerTenantCap(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{PerTenantCap: 1})
	applyServers(t, m, "acme", "first", "second")

	_, err := m.EnsureConnected(context.Background(), "acme", "first")
	require.NoError(t, err)

	_, err = m.EnsureConnected(context.Background(), "acme", "second")
	require.Error(t, err)

	var capErr *api.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "tenant", capErr.Scope)
	assert.Equal(t, 1, capErr.Limit)

	// The existing connection was not evicted and the count is unchanged.
	conn, err := m.GetConnection("acme", "first")
	require.NoError(t, err)
	assert.True(t, conn.IsConnected())
	tenant, _ := m.ActiveCount("acme")
	assert.Equal(t, 1, tenant)

	// Releasing the held slot lets the rejected server connect.
	require.NoError(t, m.Disconnect(context.Background(), "acme", "first"))
	_, err = m.EnsureConnected(context.Background(), "acme", "second")
	assert.NoError(t, err)
}

func TestManager_GlobalCap(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{GlobalCap: 1})
	applyServers(t, m, "acme", "web")
	applyServers(t, m, "globex", "web")

	_, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)

	_, err = m.EnsureConnected(context.Background(), "globex", "web")
	require.Error(t, err)

	var capErr *api.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "global", capErr.Scope)

	_, global := m.ActiveCount("acme")
	assert.Equal(t, 1, global)
}

func TestManager_TenantIsolation(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "web")
	applyServers(t, m, "globex", "web")

	acme, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	globex, err := m.EnsureConnected(context.Background(), "globex", "web")
	require.NoError(t, err)

	// Same server name, distinct connections and transports per tenant.
	assert.NotSame(t, acme, globex)
	assert.NotEqual(t, acme.ID, globex.ID)
	assert.Equal(t, 1, factory.created("acme", "web"))
	assert.Equal(t, 1, factory.created("globex", "web"))

	// Disconnecting one tenant leaves the other untouched.
	m.DisconnectTenant(context.Background(), "acme")
	assert.False(t, acme.IsConnected())
	assert.True(t, globex.IsConnected())
}

func TestManager_FailedConnectReleasesSlot(t *testing.T) {
	fail := errors.New("dial refused")
	factory := newMockFactory(func(cfg api.ToolServerConfig, c *mockClient) {
		c.initErr = fail
	})
	m := newTestManager(factory, ManagerOptions{PerTenantCap: 1})

	cfg := serverConfig("acme", "down")
	cfg.MaxRetries = 1
	require.NoError(t, m.ApplyConfigs("acme", []api.ToolServerConfig{cfg}))

	_, err := m.EnsureConnected(context.Background(), "acme", "down")
	require.Error(t, err)
	assert.True(t, api.IsConnectionError(err))

	// The reserved slot was returned; capacity is not leaked by failures.
	tenant, global := m.ActiveCount("acme")
	assert.Equal(t, 0, tenant)
	assert.Equal(t, 0, global)
}

func TestManager_ApplyConfigsRemovesDroppedServers(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "keep", "drop")

	_, err := m.EnsureConnected(context.Background(), "acme", "drop")
	require.NoError(t, err)

	applyServers(t, m, "acme", "keep")

	_, err = m.GetConnection("acme", "drop")
	assert.ErrorIs(t, err, api.ErrServerNotFound)
	assert.Equal(t, int32(1), factory.last("acme", "drop").closeCalls.Load())

	tenant, _ := m.ActiveCount("acme")
	assert.Equal(t, 0, tenant)
}

func TestManager_ApplyConfigsDisablesInPlace(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "web")

	conn, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	require.True(t, conn.IsConnected())

	disabled := serverConfig("acme", "web")
	disabled.Disabled = true
	require.NoError(t, m.ApplyConfigs("acme", []api.ToolServerConfig{disabled}))

	assert.Equal(t, api.StateDisabled, conn.State())
	tenant, _ := m.ActiveCount("acme")
	assert.Equal(t, 0, tenant)
}

func TestManager_ApplyConfigsReconfiguresChangedServers(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "web")

	old, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	require.True(t, old.IsConnected())
	before := m.Generation()

	updated := serverConfig("acme", "web")
	updated.AutoApprove = []string{"search"}
	require.NoError(t, m.ApplyConfigs("acme", []api.ToolServerConfig{updated}))

	// The stale connection is torn down and its slot released; the
	// replacement carries the new config.
	assert.Equal(t, int32(1), factory.last("acme", "web").closeCalls.Load())
	tenant, _ := m.ActiveCount("acme")
	assert.Equal(t, 0, tenant)
	assert.Greater(t, m.Generation(), before)

	conn, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	assert.NotSame(t, old, conn)
	assert.Equal(t, []string{"search"}, conn.Config().AutoApprove)

	// Re-applying an identical config leaves the live connection alone.
	require.NoError(t, m.ApplyConfigs("acme", []api.ToolServerConfig{updated}))
	same, err := m.GetConnection("acme", "web")
	require.NoError(t, err)
	assert.Same(t, conn, same)
	assert.True(t, conn.IsConnected())
}

func TestManager_GenerationBumpsOnStateChange(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{})
	applyServers(t, m, "acme", "web")
	afterApply := m.Generation()

	_, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)
	afterConnect := m.Generation()
	assert.Greater(t, afterConnect, afterApply)

	require.NoError(t, m.Disconnect(context.Background(), "acme", "web"))
	assert.Greater(t, m.Generation(), afterConnect)
}

func TestManager_EvictIdle(t *testing.T) {
	factory := newMockFactory(nil)
	m := newTestManager(factory, ManagerOptions{IdleTimeout: 10 * time.Millisecond})
	applyServers(t, m, "acme", "web")

	conn, err := m.EnsureConnected(context.Background(), "acme", "web")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	m.evictIdle(context.Background())

	assert.False(t, conn.IsConnected())
	tenant, _ := m.ActiveCount("acme")
	assert.Equal(t, 0, tenant)
}
