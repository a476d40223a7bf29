package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"toolgate/internal/audit"
	"toolgate/internal/config"
	"toolgate/internal/registry"
	"toolgate/internal/toolserver"
	"toolgate/pkg/logging"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// janitorInterval is how often the manager sweeps for idle connections.
const janitorInterval = time.Minute

func newServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tool runtime as a standalone supervisor",
		Long: `Loads the runtime configuration and every tenant's tool server list,
eagerly establishes enabled connections, and keeps them supervised until
the process is terminated (Ctrl+C).

Tenant files under <config-path>/tenants/ are hot-reloaded: adding,
editing or removing a tenant file reconfigures that tenant's connections
without a restart. Idle connections are evicted by a background janitor
when idleTimeout is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVar(&configPath, "config-path", config.DefaultDir, "directory holding config.yaml and tenants/")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(parent context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	initLogging(cfg, debug)

	manager := toolserver.NewManager(toolserver.ManagerOptions{
		PerTenantCap: cfg.PerTenantCap,
		GlobalCap:    cfg.GlobalCap,
		IdleTimeout:  cfg.IdleTimeout,
		Audit:        audit.NewLogSink(),
	})

	reloader := &tenantReloader{
		manager:    manager,
		registry:   registry.New(manager),
		configPath: configPath,
		active:     make(map[string]bool),
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initial tenant load. Broken tenant files are skipped and reported;
	// they never block startup.
	reloader.reload(ctx)

	watcher, err := config.NewWatcher(configPath, func() {
		reloader.reload(context.Background())
	})
	if err != nil {
		logging.Warn("Serve", "Tenant hot-reload disabled: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx)
			return nil
		})
	}
	if cfg.IdleTimeout > 0 {
		g.Go(func() error {
			manager.RunJanitor(gctx, janitorInterval)
			return nil
		})
	}

	fmt.Fprintf(os.Stdout, "toolgate %s serving %d tenants (config: %s)\n",
		GetVersion(), reloader.tenantCount(), configPath)

	<-gctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Close(shutdownCtx)

	return g.Wait()
}

// tenantReloader applies tenant files to the manager. Reloads are
// serialized: the initial load and debounced watcher callbacks share one
// critical section.
type tenantReloader struct {
	manager    *toolserver.Manager
	registry   *registry.Registry
	configPath string

	mu     sync.Mutex
	active map[string]bool
}

// reload loads the tenant files, pushes each tenant's server list into the
// manager and eagerly connects enabled servers. Tenants present before the
// reload but absent now are disconnected.
func (r *tenantReloader) reload(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tenants, errs := config.LoadTenants(r.configPath)
	for _, err := range errs {
		logging.Warn("Serve", "Tenant config error: %v", err)
	}

	active := make(map[string]bool, len(tenants))
	for _, tenant := range tenants {
		active[tenant.Tenant] = true
		if err := r.manager.ApplyConfigs(tenant.Tenant, tenant.Servers); err != nil {
			logging.Error("Serve", err, "Failed to apply config for tenant %s", tenant.Tenant)
			continue
		}
		r.connectEnabled(ctx, tenant)
		logging.Info("Serve", "Tenant %s: %d tools available",
			tenant.Tenant, len(r.registry.Tools(tenant.Tenant)))
	}

	for tenantID := range r.active {
		if !active[tenantID] {
			logging.Info("Serve", "Tenant %s removed, disconnecting", tenantID)
			r.manager.DisconnectTenant(ctx, tenantID)
		}
	}
	r.active = active
}

// connectEnabled establishes each enabled server connection, leaving
// failures to the retry policy rather than aborting the remaining servers.
func (r *tenantReloader) connectEnabled(ctx context.Context, tenant config.TenantConfig) {
	for _, server := range tenant.Servers {
		if server.Disabled {
			continue
		}
		if _, err := r.manager.EnsureConnected(ctx, tenant.Tenant, server.Name); err != nil {
			logging.Warn("Serve", "Connect %s/%s failed: %v", tenant.Tenant, server.Name, err)
		}
	}
}

func (r *tenantReloader) tenantCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func initLogging(cfg config.Config, debug bool) {
	level := logging.LevelInfo
	if debug || cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)
}
