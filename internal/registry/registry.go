// Package registry derives per-tenant tool catalogs from the connection
// manager's state. Every tool is namespaced as {server}.{tool} so that two
// servers exposing identically named tools never collide within a tenant.
// Catalog snapshots are recomputed when connection state changes and are
// eventually consistent with in-flight invocations.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"toolgate/internal/api"
	"toolgate/internal/toolserver"
	"toolgate/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Separator joins the server namespace and the raw tool name.
const Separator = "."

// QualifiedName builds the namespaced tool name for a server and raw tool.
func QualifiedName(serverName, toolName string) string {
	return serverName + Separator + toolName
}

// SplitQualifiedName resolves a qualified name back to its server and raw
// tool halves. Raw tool names may themselves contain dots, so the split is
// on the first separator only.
func SplitQualifiedName(qualified string) (serverName, toolName string, err error) {
	idx := strings.Index(qualified, Separator)
	if idx <= 0 || idx == len(qualified)-1 {
		return "", "", fmt.Errorf("malformed qualified tool name %q", qualified)
	}
	return qualified[:idx], qualified[idx+1:], nil
}

// tenantCatalog is one tenant's computed tool snapshot.
type tenantCatalog struct {
	generation uint64
	byName     map[string]api.ToolDescriptor
	ordered    []api.ToolDescriptor
}

// Registry exposes per-tenant tool catalogs backed by the connection
// manager. Reads are served from a cached snapshot that is recomputed
// whenever the manager's generation counter moves.
type Registry struct {
	manager *toolserver.Manager

	mu    sync.RWMutex
	cache map[string]*tenantCatalog
}

// New creates a registry over the given connection manager.
func New(manager *toolserver.Manager) *Registry {
	return &Registry{
		manager: manager,
		cache:   make(map[string]*tenantCatalog),
	}
}

// catalog returns the tenant's current catalog, recomputing it if any
// connection changed state since the cached snapshot was taken.
func (r *Registry) catalog(tenantID string) *tenantCatalog {
	gen := r.manager.Generation()

	r.mu.RLock()
	cached, ok := r.cache[tenantID]
	r.mu.RUnlock()
	if ok && cached.generation == gen {
		return cached
	}

	fresh := r.compute(tenantID, gen)

	r.mu.Lock()
	// Another goroutine may have recomputed meanwhile; last write wins,
	// both snapshots are valid for their generation.
	r.cache[tenantID] = fresh
	r.mu.Unlock()

	return fresh
}

// compute builds a catalog from all of the tenant's Connected servers.
func (r *Registry) compute(tenantID string, generation uint64) *tenantCatalog {
	catalog := &tenantCatalog{
		generation: generation,
		byName:     make(map[string]api.ToolDescriptor),
	}

	for _, conn := range r.manager.ListConnections(tenantID) {
		if !conn.IsConnected() {
			continue
		}
		cfg := conn.Config()

		autoApprove := make(map[string]bool, len(cfg.AutoApprove))
		for _, name := range cfg.AutoApprove {
			autoApprove[name] = true
		}

		for _, tool := range conn.Tools() {
			desc := api.ToolDescriptor{
				QualifiedName: QualifiedName(cfg.Name, tool.Name),
				RawName:       tool.Name,
				ServerName:    cfg.Name,
				ConnectionID:  conn.ID,
				Description:   tool.Description,
				InputSchema:   schemaToMap(tool.InputSchema),
				AutoApproved:  autoApprove[tool.Name],
			}
			catalog.byName[desc.QualifiedName] = desc
			catalog.ordered = append(catalog.ordered, desc)
		}
	}

	sort.Slice(catalog.ordered, func(i, j int) bool {
		return catalog.ordered[i].QualifiedName < catalog.ordered[j].QualifiedName
	})

	logging.Debug("ToolRegistry", "Computed catalog for tenant %s: %d tools (generation %d)",
		tenantID, len(catalog.ordered), generation)
	return catalog
}

// Tools returns the tenant's full tool catalog, sorted by qualified name.
func (r *Registry) Tools(tenantID string) []api.ToolDescriptor {
	catalog := r.catalog(tenantID)
	tools := make([]api.ToolDescriptor, len(catalog.ordered))
	copy(tools, catalog.ordered)
	return tools
}

// Lookup finds a tool by qualified name within the tenant's catalog.
func (r *Registry) Lookup(tenantID, qualifiedName string) (api.ToolDescriptor, bool) {
	catalog := r.catalog(tenantID)
	desc, ok := catalog.byName[qualifiedName]
	return desc, ok
}

// IsAutoApproved reports whether a qualified tool name is in its owning
// server's auto-approve set. Unknown tools are never auto-approved.
func (r *Registry) IsAutoApproved(tenantID, qualifiedName string) bool {
	desc, ok := r.Lookup(tenantID, qualifiedName)
	return ok && desc.AutoApproved
}

// schemaToMap converts an mcp tool input schema into the opaque map carried
// on ToolDescriptor. The schema is validated at registration, never
// inspected reflectively at call time.
func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	out := map[string]interface{}{
		"type": schema.Type,
	}
	if len(schema.Properties) > 0 {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	return out
}
