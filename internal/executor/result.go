package executor

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// flattenResult converts a tool call result into a JSON-friendly value for
// the ToolResult event. Text content blocks are joined; anything else is
// passed through as-is for the transport layer to marshal.
func flattenResult(result *mcp.CallToolResult) interface{} {
	if result == nil || len(result.Content) == 0 {
		return nil
	}

	var texts []string
	var other []interface{}
	for _, content := range result.Content {
		if textContent, ok := mcp.AsTextContent(content); ok {
			texts = append(texts, textContent.Text)
		} else {
			other = append(other, content)
		}
	}

	switch {
	case len(other) == 0 && len(texts) == 1:
		return texts[0]
	case len(other) == 0:
		return texts
	default:
		return result.Content
	}
}
