package executor

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestFlattenResult(t *testing.T) {
	tests := []struct {
		name     string
		result   *mcp.CallToolResult
		expected interface{}
	}{
		{
			name:     "nil result",
			result:   nil,
			expected: nil,
		},
		{
			name:     "empty content",
			result:   &mcp.CallToolResult{},
			expected: nil,
		},
		{
			name:     "single text block flattens to string",
			result:   mcp.NewToolResultText("hello"),
			expected: "hello",
		},
		{
			name: "multiple text blocks flatten to slice",
			result: &mcp.CallToolResult{Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: "first"},
				mcp.TextContent{Type: "text", Text: "second"},
			}},
			expected: []string{"first", "second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, flattenResult(tt.result))
		})
	}
}

func TestFlattenResult_MixedContentPassesThrough(t *testing.T) {
	result := &mcp.CallToolResult{Content: []mcp.Content{
		mcp.TextContent{Type: "text", Text: "caption"},
		mcp.ImageContent{Type: "image", Data: "deadbeef", MIMEType: "image/png"},
	}}

	// Non-text content disables flattening; the raw content is carried.
	assert.Equal(t, result.Content, flattenResult(result))
}
