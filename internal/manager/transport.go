package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"McpHost/internal/models"
)

// DefaultFactory launches stdio subprocesses, remote SSE and streamable
// HTTP endpoints, and the in-process builtin server.
type DefaultFactory struct {
	Logger zerolog.Logger
	// TerminateDuration is how long a stdio server gets to exit after its
	// stdin is closed before it is signalled.
	TerminateDuration time.Duration
	// Builtin returns a fresh server for descriptors with transport builtin.
	Builtin func() *mcp.Server
}

// Launch implements TransportFactory.
func (f *DefaultFactory) Launch(ctx context.Context, desc models.ServerDescriptor) (*Launch, error) {
	switch desc.EffectiveTransport() {
	case models.TransportStdio:
		if desc.Command == "" {
			return nil, fmt.Errorf("server %s: command is required", desc.Name)
		}
		return launchStdio(desc, f.TerminateDuration, f.Logger), nil
	case models.TransportSSE, models.TransportHTTP:
		if desc.URL == "" {
			return nil, fmt.Errorf("server %s: url is required", desc.Name)
		}
		return launchRemote(desc), nil
	case models.TransportBuiltin:
		return f.launchBuiltin(ctx, desc)
	default:
		return nil, fmt.Errorf("server %s: unsupported transport %q", desc.Name, desc.Transport)
	}
}

func (f *DefaultFactory) launchBuiltin(ctx context.Context, desc models.ServerDescriptor) (*Launch, error) {
	if f.Builtin == nil {
		return nil, fmt.Errorf("server %s: no builtin server registered", desc.Name)
	}

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	session, err := f.Builtin().Connect(ctx, serverTransport, nil)
	if err != nil {
		return nil, fmt.Errorf("server %s: start builtin server: %w", desc.Name, err)
	}

	var once sync.Once
	return &Launch{
		Transport: clientTransport,
		Cleanup: func() {
			once.Do(func() { _ = session.Close() })
		},
	}, nil
}
