// Package config loads toolgate's configuration from YAML files. The main
// config.yaml carries runtime-wide settings; each tenant's tool server list
// lives in its own file under tenants/, so tenant records can be
// CRUD-managed externally without touching the main config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"toolgate/internal/api"
	"toolgate/pkg/logging"

	"gopkg.in/yaml.v3"
)

// DefaultDir is the config directory used when none is given.
const DefaultDir = ".toolgate"

// TenantsDir is the subdirectory holding per-tenant server files.
const TenantsDir = "tenants"

// Config is the runtime-wide configuration.
type Config struct {
	// PerTenantCap limits active connections per tenant
	PerTenantCap int `yaml:"perTenantCap,omitempty"`

	// GlobalCap limits active connections across all tenants
	GlobalCap int `yaml:"globalCap,omitempty"`

	// IdleTimeout evicts connections unused for this long (0 disables)
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty"`

	// ApprovalTimeout is the default deadline for approval requests
	ApprovalTimeout time.Duration `yaml:"approvalTimeout,omitempty"`

	// InvokeTimeout is the default tool invocation timeout
	InvokeTimeout time.Duration `yaml:"invokeTimeout,omitempty"`

	// Debug enables verbose logging
	Debug bool `yaml:"debug,omitempty"`
}

// TenantConfig is one tenant's tool server list, as stored in
// tenants/<tenant>.yaml.
type TenantConfig struct {
	Tenant  string                 `yaml:"tenant"`
	Servers []api.ToolServerConfig `yaml:"servers"`
}

// Load reads config.yaml from the config directory. A missing file yields
// the zero Config so defaults apply.
func Load(dir string) (Config, error) {
	var cfg Config

	path := filepath.Join(dir, "config.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Debug("Config", "No config.yaml in %s, using defaults", dir)
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadTenants reads every tenant file under tenants/. Files that fail to
// parse or validate are skipped with a warning so one broken tenant never
// blocks the rest; the error list is returned for surfacing.
func LoadTenants(dir string) ([]TenantConfig, []error) {
	tenantsPath := filepath.Join(dir, TenantsDir)
	entries, err := os.ReadDir(tenantsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, []error{fmt.Errorf("failed to read %s: %w", tenantsPath, err)}
	}

	var tenants []TenantConfig
	var errs []error

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(tenantsPath, name)
		tenant, err := loadTenantFile(path)
		if err != nil {
			logging.Warn("Config", "Skipping tenant file %s: %v", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		tenants = append(tenants, tenant)
	}

	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Tenant < tenants[j].Tenant })
	logging.Info("Config", "Loaded %d tenants from %s", len(tenants), tenantsPath)
	return tenants, errs
}

func loadTenantFile(path string) (TenantConfig, error) {
	var tenant TenantConfig

	data, err := os.ReadFile(path)
	if err != nil {
		return tenant, err
	}
	if err := yaml.Unmarshal(data, &tenant); err != nil {
		return tenant, fmt.Errorf("failed to parse: %w", err)
	}

	if strings.TrimSpace(tenant.Tenant) == "" {
		return tenant, fmt.Errorf("tenant name is required")
	}

	seen := make(map[string]bool, len(tenant.Servers))
	for i := range tenant.Servers {
		tenant.Servers[i].Tenant = tenant.Tenant
		if seen[tenant.Servers[i].Name] {
			return tenant, &api.ConfigError{
				Tenant: tenant.Tenant,
				Server: tenant.Servers[i].Name,
				Field:  "name",
				Reason: "is duplicated within the tenant",
			}
		}
		seen[tenant.Servers[i].Name] = true
	}
	return tenant, nil
}
