package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/relaygate/gateway/internal/tool"
)

// NewMCPServer exposes every enabled plugin in registry as an MCP tool, so
// external MCP clients (IDE assistants, other agent runtimes) can invoke
// the same tools the gateway's own provider loop calls through executor.
func NewMCPServer(registry *tool.Registry, executor *tool.Executor) *server.MCPServer {
	s := server.NewMCPServer("relaygate-tools", "1.0.0", server.WithToolCapabilities(true))

	for _, p := range registry.List() {
		meta := p.Metadata()
		if !meta.Enabled {
			continue
		}
		t := gomcp.NewToolWithRawSchema(meta.Name, meta.Name, p.Schema())
		s.AddTool(t, mcpHandler(executor, meta.Name))
	}

	return s
}

// mcpHandler adapts one gateway tool into an MCP tool handler, routing the
// call through the same executor pipeline (cache, breaker, rate limiter,
// fallback) used for LLM-originated tool calls.
func mcpHandler(executor *tool.Executor, toolName string) func(ctx context.Context, request gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
	return func(ctx context.Context, request gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		args := request.GetArguments()
		res := executor.Execute(ctx, toolName, args, tool.ExecuteOptions{})
		if res.Err != nil {
			return gomcp.NewToolResultError(res.Err.Error()), nil
		}
		if res.Result == nil {
			return gomcp.NewToolResultText(""), nil
		}
		if !res.Result.Success {
			return gomcp.NewToolResultError(res.Result.Error), nil
		}
		if s, ok := res.Result.Output.(string); ok {
			return gomcp.NewToolResultText(s), nil
		}
		b, err := json.Marshal(res.Result.Output)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("marshal output: %v", err)), nil
		}
		return gomcp.NewToolResultText(string(b)), nil
	}
}
