package manager

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"McpHost/internal/models"
)

// StateStore persists the enablement snapshot.
type StateStore interface {
	Load(ctx context.Context) (models.PersistedServerState, error)
	Save(ctx context.Context, state models.PersistedServerState) error
}

// TransportFactory prepares the transport for one descriptor.
type TransportFactory interface {
	Launch(ctx context.Context, desc models.ServerDescriptor) (*Launch, error)
}

// Launch is a prepared transport plus whatever must be released when the
// connection goes away. Cleanup is safe to call more than once.
type Launch struct {
	Transport mcp.Transport
	Cleanup   func()
}

func (l *Launch) release() {
	if l != nil && l.Cleanup != nil {
		l.Cleanup()
	}
}
