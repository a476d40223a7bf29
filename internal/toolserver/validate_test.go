package toolserver

import (
	"testing"

	"toolgate/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name      string
		cfg       api.ToolServerConfig
		wantErr   bool
		wantField string
	}{
		{
			name: "valid stdio",
			cfg: api.ToolServerConfig{
				Name:      "files",
				Transport: api.TransportStdio,
				Command:   []string{"mcp-files"},
			},
		},
		{
			name: "valid sse",
			cfg: api.ToolServerConfig{
				Name:      "web",
				Transport: api.TransportSSE,
				URL:       "https://tools.example/sse",
			},
		},
		{
			name: "valid streamable-http",
			cfg: api.ToolServerConfig{
				Name:      "crm",
				Transport: api.TransportStreamableHTTP,
				URL:       "https://crm.example/mcp",
			},
		},
		{
			name: "missing name",
			cfg: api.ToolServerConfig{
				Transport: api.TransportStdio,
				Command:   []string{"mcp-files"},
			},
			wantErr:   true,
			wantField: "name",
		},
		{
			name: "name containing separator",
			cfg: api.ToolServerConfig{
				Name:      "my.server",
				Transport: api.TransportStdio,
				Command:   []string{"mcp-files"},
			},
			wantErr:   true,
			wantField: "name",
		},
		{
			name: "stdio without command",
			cfg: api.ToolServerConfig{
				Name:      "files",
				Transport: api.TransportStdio,
			},
			wantErr:   true,
			wantField: "command",
		},
		{
			name: "stdio with url",
			cfg: api.ToolServerConfig{
				Name:      "files",
				Transport: api.TransportStdio,
				Command:   []string{"mcp-files"},
				URL:       "https://nope.example",
			},
			wantErr:   true,
			wantField: "url",
		},
		{
			name: "sse without url",
			cfg: api.ToolServerConfig{
				Name:      "web",
				Transport: api.TransportSSE,
			},
			wantErr:   true,
			wantField: "url",
		},
		{
			name: "missing transport",
			cfg: api.ToolServerConfig{
				Name: "files",
			},
			wantErr:   true,
			wantField: "transport",
		},
		{
			name: "unknown transport",
			cfg: api.ToolServerConfig{
				Name:      "files",
				Transport: "websocket",
			},
			wantErr:   true,
			wantField: "transport",
		},
		{
			name: "negative timeout",
			cfg: api.ToolServerConfig{
				Name:      "files",
				Transport: api.TransportStdio,
				Command:   []string{"mcp-files"},
				Timeout:   -1,
			},
			wantErr:   true,
			wantField: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(&tt.cfg)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, api.IsConfigError(err))

			var cfgErr *api.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}
}
