// Package builtin serves the host's own diagnostic tools as an in-process
// capability server, so they flow through the same permission and routing
// path as external servers.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// StatusFunc reports host state for the host-status tool.
type StatusFunc func(ctx context.Context) any

// Tool pairs a tool definition with its handler.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     mcp.ToolHandler
}

// Registry holds the builtin tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry with the default tools registered.
func NewRegistry(status StatusFunc) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.registerDefaults(status)
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]any{"type": "object"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = tool
}

// Lookup returns a registered tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names lists registered tools in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewServer builds an MCP server exposing every registered tool. Each call
// returns a fresh server so reconnects never share session state.
func (r *Registry) NewServer(name, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)
	for _, toolName := range r.Names() {
		tool, _ := r.Lookup(toolName)
		server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, tool.Handler)
	}
	return server
}

func (r *Registry) registerDefaults(status StatusFunc) {
	r.Register(Tool{
		Name:        "echo",
		Description: "Echo the message argument back to the caller.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []string{"message"},
		},
		Handler: func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args, err := decodeArguments(req)
			if err != nil {
				return errorResult(err.Error()), nil
			}
			message, _ := args["message"].(string)
			if strings.TrimSpace(message) == "" {
				return errorResult("message is required"), nil
			}
			return textResult(message), nil
		},
	})

	r.Register(Tool{
		Name:        "host-status",
		Description: "Report connected capability servers and their tool counts.",
		Handler: func(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			if status == nil {
				return textResult("host is running"), nil
			}
			payload := status(ctx)
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode host status: %w", err)
			}
			return &mcp.CallToolResult{
				Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
				StructuredContent: map[string]any{"status": payload},
			}, nil
		},
	})
}

func decodeArguments(req *mcp.CallToolRequest) (map[string]any, error) {
	args := map[string]any{}
	if req == nil || req.Params == nil || len(req.Params.Arguments) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}
