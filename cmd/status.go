package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"toolgate/internal/api"
	"toolgate/internal/config"
	"toolgate/internal/toolserver"
	"toolgate/pkg/logging"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var configPath string
	var tenantFilter string
	var probeTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe configured tool servers and print their status",
		Long: `Reads the tenant configuration, attempts a connection to every enabled
tool server and renders the result as a table: connection state, tool
count and the last error for servers that could not be reached.

This is a point-in-time probe from this process, not a query against a
running 'toolgate serve' instance.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), configPath, tenantFilter, probeTimeout)
		},
	}

	cmd.Flags().StringVar(&configPath, "config-path", config.DefaultDir, "directory holding config.yaml and tenants/")
	cmd.Flags().StringVar(&tenantFilter, "tenant", "", "probe only this tenant")
	cmd.Flags().DurationVar(&probeTimeout, "timeout", 15*time.Second, "per-server probe timeout")
	return cmd
}

func runStatus(parent context.Context, configPath, tenantFilter string, probeTimeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	initLogging(cfg, false)

	tenants, errs := config.LoadTenants(configPath)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
	if tenantFilter != "" {
		tenants = filterTenants(tenants, tenantFilter)
		if len(tenants) == 0 {
			return fmt.Errorf("no tenant %q configured", tenantFilter)
		}
	}
	if len(tenants) == 0 {
		fmt.Println(text.FgYellow.Sprint("No tenants configured"))
		return nil
	}

	manager := toolserver.NewManager(toolserver.ManagerOptions{
		PerTenantCap: cfg.PerTenantCap,
		GlobalCap:    cfg.GlobalCap,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(closeCtx)
	}()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"TENANT", "SERVER", "TRANSPORT", "STATE", "TOOLS", "ERROR"})

	for _, tenant := range tenants {
		if err := manager.ApplyConfigs(tenant.Tenant, tenant.Servers); err != nil {
			return fmt.Errorf("tenant %s: %w", tenant.Tenant, err)
		}
		probeTenant(parent, manager, tenant, probeTimeout)

		byName := make(map[string]api.ToolServerConfig, len(tenant.Servers))
		for _, server := range tenant.Servers {
			byName[server.Name] = server
		}
		for _, status := range manager.Status(tenant.Tenant) {
			t.AppendRow(table.Row{
				tenant.Tenant,
				status.ServerName,
				byName[status.ServerName].Transport,
				colorState(status.State),
				status.ToolCount,
				status.LastError,
			})
		}
	}

	t.Render()
	return nil
}

// probeTenant connects each enabled server once, bounded by the probe
// timeout. Failures are left in the connection state for the table.
func probeTenant(parent context.Context, manager *toolserver.Manager, tenant config.TenantConfig, probeTimeout time.Duration) {
	for _, server := range tenant.Servers {
		if server.Disabled {
			continue
		}
		ctx, cancel := context.WithTimeout(parent, probeTimeout)
		if _, err := manager.EnsureConnected(ctx, tenant.Tenant, server.Name); err != nil {
			logging.Debug("Status", "Probe %s/%s failed: %v", tenant.Tenant, server.Name, err)
		}
		cancel()
	}
}

func filterTenants(tenants []config.TenantConfig, tenantID string) []config.TenantConfig {
	var out []config.TenantConfig
	for _, tenant := range tenants {
		if tenant.Tenant == tenantID {
			out = append(out, tenant)
		}
	}
	return out
}

func colorState(state api.ConnectionState) string {
	switch state {
	case api.StateConnected:
		return text.FgGreen.Sprint(state)
	case api.StateError:
		return text.FgRed.Sprint(state)
	case api.StateDisabled:
		return text.FgHiBlack.Sprint(state)
	default:
		return text.FgYellow.Sprint(state)
	}
}
