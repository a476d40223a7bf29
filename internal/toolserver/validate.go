package toolserver

import (
	"strings"

	"toolgate/internal/api"
)

// ValidateConfig checks a tool server config at registration time.
// Malformed configs are rejected here, before any connection attempt.
func ValidateConfig(cfg *api.ToolServerConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "name", Reason: "is required"}
	}
	if strings.ContainsAny(cfg.Name, ". /") {
		// The server name becomes the namespace half of {server}.{tool}
		// qualified names, so it must not contain the separator.
		return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "name", Reason: "must not contain '.', '/' or spaces"}
	}

	switch cfg.Transport {
	case api.TransportStdio:
		if len(cfg.Command) == 0 {
			return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "command", Reason: "is required for stdio transport"}
		}
		if cfg.URL != "" {
			return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "url", Reason: "must not be set for stdio transport"}
		}
	case api.TransportSSE, api.TransportStreamableHTTP:
		if cfg.URL == "" {
			return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "url", Reason: "is required for " + string(cfg.Transport) + " transport"}
		}
		if len(cfg.Command) > 0 {
			return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "command", Reason: "must not be set for " + string(cfg.Transport) + " transport"}
		}
	case "":
		return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "transport", Reason: "is required"}
	default:
		return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "transport", Reason: "is not a supported transport"}
	}

	if cfg.Timeout < 0 {
		return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "timeout", Reason: "must not be negative"}
	}
	if cfg.MaxRetries < 0 {
		return &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "maxRetries", Reason: "must not be negative"}
	}
	return nil
}
