package tools

import (
	"context"
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	ports "github.com/xinge0721/Eromang/eromang/generation/harness/ports"
)

// Builtin returns the planning tools plus a workspace reader rooted at root.
// An empty root leaves the reader out.
func Builtin(root string) []ports.Tool {
	set := []ports.Tool{
		NewRouteTaskTool(),
		NewTodoListTool(),
		NewExitTool(),
	}
	if root != "" {
		set = append(set, NewFileInfoTool(root))
	}
	return set
}

// NewServer exposes tools as an MCP server. Tool failures are reported as
// error results, not protocol errors.
func NewServer(version string, set ...ports.Tool) (*mcpsdk.Server, error) {
	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "eromang-tools", Version: version}, nil)
	for _, tool := range set {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name(), err)
		}
		server.AddTool(&mcpsdk.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: schema,
		}, handler(tool))
	}
	return server, nil
}

func handler(tool ports.Tool) mcpsdk.ToolHandler {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		args := req.Params.Arguments
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}

		out, err := tool.Invoke(ctx, args)
		if err != nil {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
				IsError: true,
			}, nil
		}

		text, ok := out.(string)
		if !ok {
			data, err := json.Marshal(out)
			if err != nil {
				return nil, fmt.Errorf("failed to encode %s output: %w", tool.Name(), err)
			}
			text = string(data)
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: text}},
		}, nil
	}
}
