package models

import "time"

// Transport names accepted for a capability server.
const (
	TransportStdio   = "stdio"
	TransportSSE     = "sse"
	TransportHTTP    = "http"
	TransportBuiltin = "builtin"
)

// ServerDescriptor is the static description of one capability server.
// Enabled is the only field mutated at runtime.
type ServerDescriptor struct {
	Name        string            `yaml:"name" json:"id"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Transport   string            `yaml:"transport" json:"transport"`
	Command     string            `yaml:"command" json:"command,omitempty"`
	Args        []string          `yaml:"args" json:"args,omitempty"`
	Env         map[string]string `yaml:"env" json:"-"`
	Workdir     string            `yaml:"workdir" json:"workdir,omitempty"`
	URL         string            `yaml:"url" json:"url,omitempty"`
	Headers     map[string]string `yaml:"headers" json:"-"`
	Enabled     bool              `yaml:"enabled" json:"enabled"`
}

// EffectiveTransport defaults an empty transport to stdio.
func (d ServerDescriptor) EffectiveTransport() string {
	if d.Transport == "" {
		return TransportStdio
	}
	return d.Transport
}

// ToolInfo is one entry of a server's advertised tool catalog.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
	Server      string `json:"server"`
}

// ServerStatus is the externally visible record of one configured server.
type ServerStatus struct {
	ID          string     `json:"id"`
	Description string     `json:"description,omitempty"`
	Transport   string     `json:"transport"`
	Enabled     bool       `json:"enabled"`
	Connected   bool       `json:"connected"`
	ToolsCount  int        `json:"toolsCount"`
	Tools       []ToolInfo `json:"tools"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

// PersistedServerState is the durable enablement snapshot.
type PersistedServerState struct {
	UpdatedAt time.Time       `json:"updatedAt"`
	Servers   map[string]bool `json:"servers"`
}
