package builtin

import (
	"context"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func connect(t *testing.T, registry *Registry) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	server := registry.NewServer("builtin", "test")
	serverSession, err := server.Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "test"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return session
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestRegistry_DefaultTools(t *testing.T) {
	registry := NewRegistry(nil)
	require.Equal(t, []string{"echo", "host-status"}, registry.Names())

	session := connect(t, registry)
	listed, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	require.NoError(t, err)
	require.Len(t, listed.Tools, 2)
}

func TestEcho(t *testing.T) {
	session := connect(t, NewRegistry(nil))
	ctx := context.Background()

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"message": "ping"},
	})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "ping", textOf(t, result))

	result, err = session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{}})
	require.NoError(t, err)
	require.True(t, result.IsError)
	require.Equal(t, "message is required", textOf(t, result))
}

func TestHostStatus_UsesStatusFunc(t *testing.T) {
	registry := NewRegistry(func(context.Context) any {
		return map[string]any{"connected": 2}
	})
	session := connect(t, registry)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "host-status"})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.JSONEq(t, `{"connected":2}`, textOf(t, result))
}

func TestRegister_DefaultsSchema(t *testing.T) {
	registry := NewRegistry(nil)
	registry.Register(Tool{
		Name: "noop",
		Handler: func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return textResult("ok"), nil
		},
	})

	tool, ok := registry.Lookup("noop")
	require.True(t, ok)
	require.Equal(t, "object", tool.InputSchema["type"])

	session := connect(t, registry)
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: "noop"})
	require.NoError(t, err)
	require.Equal(t, "ok", textOf(t, result))
}
