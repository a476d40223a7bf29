package toolserver

import (
	"toolgate/internal/api"
)

// newClientForConfig creates the appropriate transport client for a server
// config. Config validation happens at registration time (internal/config),
// so an unknown transport here means a programming error upstream; it is
// still reported as a ConfigError rather than a panic.
func newClientForConfig(cfg api.ToolServerConfig) (Client, error) {
	switch cfg.Transport {
	case api.TransportStdio:
		if len(cfg.Command) == 0 {
			return nil, &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "command", Reason: "is required for stdio transport"}
		}
		return NewStdioClient(cfg.Command[0], cfg.Command[1:], cfg.Env), nil

	case api.TransportSSE:
		if cfg.URL == "" {
			return nil, &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "url", Reason: "is required for sse transport"}
		}
		return NewSSEClient(cfg.URL, cfg.Headers), nil

	case api.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "url", Reason: "is required for streamable-http transport"}
		}
		return NewStreamableHTTPClient(cfg.URL, cfg.Headers), nil

	default:
		return nil, &api.ConfigError{Tenant: cfg.Tenant, Server: cfg.Name, Field: "transport", Reason: "is not a supported transport"}
	}
}
