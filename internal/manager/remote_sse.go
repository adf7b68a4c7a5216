package manager

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"McpHost/internal/models"
)

// headerRoundTripper adds static headers to every outgoing request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (hrt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for key, value := range hrt.headers {
		req.Header.Set(key, value)
	}
	return hrt.base.RoundTrip(req)
}

func httpClientFor(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &headerRoundTripper{
			base:    http.DefaultTransport,
			headers: headers,
		},
	}
}

// detachedTransport keeps the connect deadline from tearing down a
// long-lived event stream once the handshake is done.
type detachedTransport struct {
	mcp.Transport
}

func (t detachedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	return t.Transport.Connect(context.WithoutCancel(ctx))
}

func launchRemote(desc models.ServerDescriptor) *Launch {
	client := httpClientFor(desc.Headers)

	var transport mcp.Transport
	switch desc.EffectiveTransport() {
	case models.TransportSSE:
		transport = &mcp.SSEClientTransport{Endpoint: desc.URL, HTTPClient: client}
	default:
		transport = &mcp.StreamableClientTransport{Endpoint: desc.URL, HTTPClient: client}
	}
	return &Launch{Transport: detachedTransport{Transport: transport}}
}
