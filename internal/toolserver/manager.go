package toolserver

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"toolgate/internal/api"
	"toolgate/internal/audit"
	"toolgate/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// Default capacity limits. Both are overridable via ManagerOptions.
const (
	DefaultPerTenantCap = 16
	DefaultGlobalCap    = 256
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// PerTenantCap limits active connections per tenant (0 = default)
	PerTenantCap int
	// GlobalCap limits active connections across all tenants (0 = default)
	GlobalCap int
	// IdleTimeout evicts connections unused for this long (0 = no eviction)
	IdleTimeout time.Duration
	// Audit receives connect/disconnect records (nil = no auditing)
	Audit audit.Sink

	// ClientFactory overrides transport client creation (nil = built-in transports)
	ClientFactory ClientFactory
}

// tenantConns is the per-tenant connection set. Each tenant has its own
// critical section so one tenant's connect storms never contend with
// another's.
type tenantConns struct {
	mu    sync.Mutex
	conns map[string]*Connection // server name -> connection
	// reserved counts held capacity slots (in-flight connects plus
	// established connections), guarded by mu
	reserved int
}

// Manager owns every tool server connection in the process, partitioned by
// tenant. It guarantees exactly one Connection per (tenant, server) pair,
// coalesces concurrent connects through a single-flight group, and enforces
// the per-tenant and global capacity caps without evicting existing
// connections.
type Manager struct {
	opts   ManagerOptions
	flight singleflight.Group

	mu      sync.RWMutex
	tenants map[string]*tenantConns

	// globalReserved counts capacity slots across all tenants
	globalReserved atomic.Int64

	// generation increments on every connection state change; the registry
	// uses it to invalidate cached tool catalogs
	generation atomic.Uint64
}

// NewManager creates a connection manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.PerTenantCap <= 0 {
		opts.PerTenantCap = DefaultPerTenantCap
	}
	if opts.GlobalCap <= 0 {
		opts.GlobalCap = DefaultGlobalCap
	}
	if opts.ClientFactory == nil {
		opts.ClientFactory = newClientForConfig
	}
	return &Manager{
		opts:    opts,
		tenants: make(map[string]*tenantConns),
	}
}

// Generation returns a counter that increments whenever any connection
// changes state. Registry snapshots are valid as long as it is unchanged.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

func (m *Manager) bumpGeneration() {
	m.generation.Add(1)
}

// tenant returns the tenant's connection set, creating it on first use.
func (m *Manager) tenant(tenantID string) *tenantConns {
	m.mu.RLock()
	tc, ok := m.tenants[tenantID]
	m.mu.RUnlock()
	if ok {
		return tc
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if tc, ok = m.tenants[tenantID]; ok {
		return tc
	}
	tc = &tenantConns{conns: make(map[string]*Connection)}
	m.tenants[tenantID] = tc
	return tc
}

// ApplyConfigs replaces a tenant's tool server configuration set. Servers
// that disappeared from the config are disconnected and dropped; servers
// whose disabled flag changed are enabled or torn down in place; servers
// whose transport, endpoint, timeout or approval settings changed are torn
// down and rebuilt with the new config. Connections are not established
// here; they come up lazily via EnsureConnected.
func (m *Manager) ApplyConfigs(tenantID string, configs []api.ToolServerConfig) error {
	for i := range configs {
		if err := ValidateConfig(&configs[i]); err != nil {
			return err
		}
	}

	tc := m.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	known := make(map[string]bool, len(configs))
	for _, cfg := range configs {
		cfg.Tenant = tenantID
		known[cfg.Name] = true

		existing, ok := tc.conns[cfg.Name]
		if !ok {
			tc.conns[cfg.Name] = newConnection(cfg, m.opts.ClientFactory)
			continue
		}

		prev := existing.Config()
		if reflect.DeepEqual(prev, cfg) {
			continue
		}

		toggled := prev
		toggled.Disabled = cfg.Disabled
		if reflect.DeepEqual(toggled, cfg) {
			// Only the disabled flag changed; flip it in place.
			held := existing.IsConnected()
			existing.SetDisabled(cfg.Disabled)
			if cfg.Disabled && held {
				m.releaseLocked(tc)
				audit.Emit(m.opts.Audit, tenantID, cfg.Name, audit.ActionDisconnect, audit.ResultOK)
			}
			continue
		}

		// Anything else changed (command, endpoint, headers, timeout,
		// retry budget, auto-approve set): the live connection still
		// reflects the old config, so replace it wholesale.
		if existing.IsConnected() {
			m.releaseLocked(tc)
			audit.Emit(m.opts.Audit, tenantID, cfg.Name, audit.ActionDisconnect, audit.ResultOK)
		}
		existing.Disconnect()
		tc.conns[cfg.Name] = newConnection(cfg, m.opts.ClientFactory)
		logging.Info("ConnectionManager", "Reconfigured server %s/%s", tenantID, cfg.Name)
	}

	for name, conn := range tc.conns {
		if known[name] {
			continue
		}
		if conn.IsConnected() {
			m.releaseLocked(tc)
		}
		conn.Disconnect()
		delete(tc.conns, name)
		audit.Emit(m.opts.Audit, tenantID, name, audit.ActionDisconnect, audit.ResultOK)
		logging.Info("ConnectionManager", "Removed server %s/%s (dropped from config)", tenantID, name)
	}

	m.bumpGeneration()
	return nil
}

// reserve claims one capacity slot for the tenant, checking both caps.
// Caller must hold tc.mu.
func (m *Manager) reserveLocked(tenantID string, tc *tenantConns) error {
	if tc.reserved >= m.opts.PerTenantCap {
		return &api.CapacityError{Tenant: tenantID, Scope: "tenant", Limit: m.opts.PerTenantCap}
	}
	if m.globalReserved.Add(1) > int64(m.opts.GlobalCap) {
		m.globalReserved.Add(-1)
		return &api.CapacityError{Tenant: tenantID, Scope: "global", Limit: m.opts.GlobalCap}
	}
	tc.reserved++
	return nil
}

// releaseLocked returns one capacity slot. Caller must hold tc.mu.
func (m *Manager) releaseLocked(tc *tenantConns) {
	tc.reserved--
	m.globalReserved.Add(-1)
}

// EnsureConnected returns the tenant's connection for the named server,
// establishing it if necessary. The call is idempotent; concurrent calls
// for the same (tenant, server) coalesce into exactly one connect attempt.
// A connection in Error state is retried; capacity is checked before each
// fresh attempt and a CapacityError never evicts an existing connection.
func (m *Manager) EnsureConnected(ctx context.Context, tenantID, serverName string) (*Connection, error) {
	key := tenantID + "/" + serverName

	v, err, _ := m.flight.Do(key, func() (interface{}, error) {
		tc := m.tenant(tenantID)

		tc.mu.Lock()
		conn, ok := tc.conns[serverName]
		if !ok {
			tc.mu.Unlock()
			return nil, api.ErrServerNotFound
		}
		if conn.Config().Disabled {
			tc.mu.Unlock()
			return nil, api.ErrServerDisabled
		}
		if conn.IsConnected() {
			tc.mu.Unlock()
			return conn, nil
		}
		if err := m.reserveLocked(tenantID, tc); err != nil {
			tc.mu.Unlock()
			return nil, err
		}
		tc.mu.Unlock()

		// Connect outside the tenant lock: establishment can take
		// seconds and must not block the tenant's other servers.
		if err := conn.Connect(ctx); err != nil {
			tc.mu.Lock()
			m.releaseLocked(tc)
			tc.mu.Unlock()
			m.bumpGeneration()
			audit.Emit(m.opts.Audit, tenantID, serverName, audit.ActionConnect, audit.ResultError)
			return nil, err
		}

		m.bumpGeneration()
		audit.Emit(m.opts.Audit, tenantID, serverName, audit.ActionConnect, audit.ResultOK)
		return conn, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Connection), nil
}

// GetConnection returns the existing connection for a server without
// connecting. Used by the registry and the executor's invoke path.
func (m *Manager) GetConnection(tenantID, serverName string) (*Connection, error) {
	tc := m.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()
	conn, ok := tc.conns[serverName]
	if !ok {
		return nil, api.ErrServerNotFound
	}
	return conn, nil
}

// ListConnections returns the tenant's connections, sorted by server name.
func (m *Manager) ListConnections(tenantID string) []*Connection {
	tc := m.tenant(tenantID)
	tc.mu.Lock()
	defer tc.mu.Unlock()

	conns := make([]*Connection, 0, len(tc.conns))
	for _, conn := range tc.conns {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool {
		return conns[i].Config().Name < conns[j].Config().Name
	})
	return conns
}

// Status returns status snapshots for all the tenant's servers.
func (m *Manager) Status(tenantID string) []api.ServerStatus {
	conns := m.ListConnections(tenantID)
	statuses := make([]api.ServerStatus, 0, len(conns))
	for _, conn := range conns {
		statuses = append(statuses, conn.Status())
	}
	return statuses
}

// Disconnect tears down the tenant's connection to the named server. The
// connection object stays registered so a later EnsureConnected can bring
// it back.
func (m *Manager) Disconnect(ctx context.Context, tenantID, serverName string) error {
	tc := m.tenant(tenantID)

	tc.mu.Lock()
	conn, ok := tc.conns[serverName]
	if !ok {
		tc.mu.Unlock()
		return api.ErrServerNotFound
	}
	if conn.IsConnected() {
		m.releaseLocked(tc)
	}
	tc.mu.Unlock()

	err := conn.Disconnect()
	m.bumpGeneration()
	result := audit.ResultOK
	if err != nil {
		result = audit.ResultError
	}
	audit.Emit(m.opts.Audit, tenantID, serverName, audit.ActionDisconnect, result)
	return err
}

// DisconnectTenant tears down every connection a tenant owns. Called on
// tenant disable or delete.
func (m *Manager) DisconnectTenant(ctx context.Context, tenantID string) {
	for _, conn := range m.ListConnections(tenantID) {
		if err := m.Disconnect(ctx, tenantID, conn.Config().Name); err != nil {
			logging.Warn("ConnectionManager", "Error disconnecting %s/%s: %v", tenantID, conn.Config().Name, err)
		}
	}
}

// ActiveCount returns the number of held capacity slots for a tenant and
// globally.
func (m *Manager) ActiveCount(tenantID string) (tenant int, global int) {
	tc := m.tenant(tenantID)
	tc.mu.Lock()
	tenant = tc.reserved
	tc.mu.Unlock()
	return tenant, int(m.globalReserved.Load())
}

// RunJanitor evicts connections idle longer than the configured IdleTimeout.
// It blocks until ctx is done, checking once per interval. With no
// IdleTimeout configured the janitor is a no-op loop.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.opts.IdleTimeout <= 0 {
				continue
			}
			m.evictIdle(ctx)
		}
	}
}

func (m *Manager) evictIdle(ctx context.Context) {
	cutoff := time.Now().Add(-m.opts.IdleTimeout)

	m.mu.RLock()
	tenantIDs := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		tenantIDs = append(tenantIDs, id)
	}
	m.mu.RUnlock()

	for _, tenantID := range tenantIDs {
		for _, conn := range m.ListConnections(tenantID) {
			if conn.IsConnected() && conn.IdleSince().Before(cutoff) {
				logging.Info("ConnectionManager", "Evicting idle connection %s/%s", tenantID, conn.Config().Name)
				if err := m.Disconnect(ctx, tenantID, conn.Config().Name); err != nil {
					logging.Warn("ConnectionManager", "Idle eviction of %s/%s failed: %v", tenantID, conn.Config().Name, err)
				}
			}
		}
	}
}

// Close disconnects everything. Called on shutdown.
func (m *Manager) Close(ctx context.Context) {
	m.mu.RLock()
	tenantIDs := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		tenantIDs = append(tenantIDs, id)
	}
	m.mu.RUnlock()

	for _, tenantID := range tenantIDs {
		m.DisconnectTenant(ctx, tenantID)
	}
}
