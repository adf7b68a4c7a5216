// Package manager owns the registry of capability servers: it launches and
// terminates their backing processes, keeps their tool catalogs and routes
// tool calls to the server that owns each tool.
package manager

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"McpHost/internal/models"
)

var (
	// ErrServerNotFound is returned for names that are not in the registry.
	ErrServerNotFound = errors.New("server not found")
	// ErrToolNotFound is returned when no connected server advertises a tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrServerDisabled is returned when restarting a disabled server.
	ErrServerDisabled = errors.New("server is disabled")
)

// ToolError is a tool result the server itself flagged as an error.
type ToolError struct {
	Server  string
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tool %s on server %s returned an error", e.Tool, e.Server)
	}
	return e.Message
}

// Options configures a ConnectionManager.
type Options struct {
	Logger  zerolog.Logger
	Store   StateStore
	Factory TransportFactory
	// ConnectTimeout bounds launch, handshake and catalog listing.
	ConnectTimeout time.Duration
	// CallTimeout bounds a single tool call. Zero means no deadline.
	CallTimeout   time.Duration
	ClientName    string
	ClientVersion string
}

// ConnectSummary is the aggregate outcome of ConnectAll.
type ConnectSummary struct {
	Connected int               `json:"connected"`
	Failed    int               `json:"failed"`
	Disabled  int               `json:"disabled"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type serverConnection struct {
	session     *mcp.ClientSession
	launch      *Launch
	tools       []models.ToolInfo
	toolSet     map[string]struct{}
	connectedAt time.Time
	closing     atomic.Bool
}

func (c *serverConnection) has(tool string) bool {
	_, ok := c.toolSet[tool]
	return ok
}

// close terminates the session and whatever backs it. Safe to call twice.
func (c *serverConnection) close() {
	c.closing.Store(true)
	_ = c.session.Close()
	c.launch.release()
}

// ConnectionManager is the single owner of every ServerConnection.
//
// mu guards the registry. toggleMu serializes enablement transitions and
// persistence so snapshots are written in the order they were taken;
// connection attempts run without holding mu.
type ConnectionManager struct {
	mu          sync.RWMutex
	toggleMu    sync.Mutex
	order       []string
	descriptors map[string]*models.ServerDescriptor
	conns       map[string]*serverConnection
	lastErr     map[string]string

	client         *mcp.Client
	store          StateStore
	factory        TransportFactory
	logger         zerolog.Logger
	connectTimeout time.Duration
	callTimeout    time.Duration
	now            func() time.Time
}

// New builds the registry from descriptors in the given order. Nothing is
// connected until ConnectAll or SetEnabled.
func New(descriptors []models.ServerDescriptor, opts Options) (*ConnectionManager, error) {
	m := &ConnectionManager{
		descriptors:    make(map[string]*models.ServerDescriptor, len(descriptors)),
		conns:          make(map[string]*serverConnection),
		lastErr:        make(map[string]string),
		store:          opts.Store,
		factory:        opts.Factory,
		logger:         opts.Logger,
		connectTimeout: opts.ConnectTimeout,
		callTimeout:    opts.CallTimeout,
		now:            time.Now,
	}
	for _, desc := range descriptors {
		name := strings.TrimSpace(desc.Name)
		if name == "" {
			return nil, errors.New("server descriptor without name")
		}
		if _, dup := m.descriptors[name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", name)
		}
		d := desc
		d.Name = name
		m.descriptors[name] = &d
		m.order = append(m.order, name)
	}
	if m.factory == nil {
		m.factory = &DefaultFactory{Logger: opts.Logger}
	}

	name, version := opts.ClientName, opts.ClientVersion
	if name == "" {
		name = "mcphost"
	}
	if version == "" {
		version = "dev"
	}
	m.client = mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)
	return m, nil
}

// LoadState merges the persisted snapshot onto the descriptors. Persisted
// flags win; unknown names are ignored.
func (m *ConnectionManager) LoadState(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	state, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load server state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, enabled := range state.Servers {
		desc, ok := m.descriptors[name]
		if !ok {
			m.logger.Debug().Str("server", name).Msg("ignoring persisted state for unknown server")
			continue
		}
		desc.Enabled = enabled
	}
	return nil
}

// ConnectAll connects every enabled, not yet connected server concurrently
// and waits for all attempts to settle. A failed server never affects the
// others.
func (m *ConnectionManager) ConnectAll(ctx context.Context) ConnectSummary {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.RLock()
	var pending []models.ServerDescriptor
	summary := ConnectSummary{Errors: map[string]string{}}
	for _, name := range m.order {
		desc := m.descriptors[name]
		if !desc.Enabled {
			summary.Disabled++
			continue
		}
		if _, ok := m.conns[name]; ok {
			summary.Connected++
			continue
		}
		pending = append(pending, *desc)
	}
	m.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		resMu sync.Mutex
	)
	for _, desc := range pending {
		wg.Add(1)
		go func(desc models.ServerDescriptor) {
			defer wg.Done()

			conn, err := m.connect(ctx, desc)

			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				summary.Failed++
				summary.Errors[desc.Name] = err.Error()
				m.mu.Lock()
				m.lastErr[desc.Name] = err.Error()
				m.mu.Unlock()
				m.logger.Error().Err(err).Str("server", desc.Name).Msg("failed to connect server")
				return
			}
			summary.Connected++
			m.install(desc.Name, conn)
		}(desc)
	}
	wg.Wait()

	if len(summary.Errors) == 0 {
		summary.Errors = nil
	}
	m.logger.Info().
		Int("connected", summary.Connected).
		Int("failed", summary.Failed).
		Int("disabled", summary.Disabled).
		Msg("connected capability servers")
	return summary
}

// SetEnabled transitions one server. Enabling connects first and persists
// only on success; any failure restores the prior flag and is returned.
// Repeating the current value is a no-op, except that enabling a server
// whose connection was lost reconnects it.
func (m *ConnectionManager) SetEnabled(ctx context.Context, name string, enabled bool) (models.ServerStatus, error) {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.RLock()
	desc, ok := m.descriptors[name]
	if !ok {
		m.mu.RUnlock()
		return models.ServerStatus{}, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	prior := desc.Enabled
	_, connected := m.conns[name]
	snapshot := *desc
	m.mu.RUnlock()

	if enabled {
		if prior && connected {
			return m.Status(name)
		}
		return m.enable(ctx, snapshot, prior)
	}
	if !prior {
		return m.Status(name)
	}
	return m.disable(ctx, name)
}

// Restart drops the connection of an enabled server, if any, and connects
// again. The enabled flag and the persisted state are left as they are.
func (m *ConnectionManager) Restart(ctx context.Context, name string) (models.ServerStatus, error) {
	m.toggleMu.Lock()
	defer m.toggleMu.Unlock()

	m.mu.Lock()
	desc, ok := m.descriptors[name]
	if !ok {
		m.mu.Unlock()
		return models.ServerStatus{}, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	if !desc.Enabled {
		status := m.statusLocked(name)
		m.mu.Unlock()
		return status, fmt.Errorf("%w: %s", ErrServerDisabled, name)
	}
	snapshot := *desc
	old := m.conns[name]
	delete(m.conns, name)
	delete(m.lastErr, name)
	m.mu.Unlock()

	if old != nil {
		old.close()
	}

	conn, err := m.connect(ctx, snapshot)
	if err != nil {
		m.mu.Lock()
		m.lastErr[name] = err.Error()
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("server", name).Msg("restart failed")
		status, _ := m.Status(name)
		return status, fmt.Errorf("restart %s: %w", name, err)
	}
	m.install(name, conn)

	m.logger.Info().Str("server", name).Int("tools", len(conn.tools)).Msg("server restarted")
	return m.Status(name)
}

func (m *ConnectionManager) enable(ctx context.Context, desc models.ServerDescriptor, prior bool) (models.ServerStatus, error) {
	conn, err := m.connect(ctx, desc)
	if err != nil {
		m.mu.Lock()
		m.descriptors[desc.Name].Enabled = prior
		m.lastErr[desc.Name] = err.Error()
		m.mu.Unlock()
		m.logger.Error().Err(err).Str("server", desc.Name).Msg("enable failed, state unchanged")
		status, _ := m.Status(desc.Name)
		return status, fmt.Errorf("enable %s: %w", desc.Name, err)
	}

	m.mu.Lock()
	m.descriptors[desc.Name].Enabled = true
	m.mu.Unlock()
	m.install(desc.Name, conn)

	if prior {
		// Reconnect only; the persisted flag did not change.
		return m.Status(desc.Name)
	}
	if err := m.persist(ctx); err != nil {
		m.mu.Lock()
		m.descriptors[desc.Name].Enabled = prior
		if m.conns[desc.Name] == conn {
			delete(m.conns, desc.Name)
		}
		m.lastErr[desc.Name] = err.Error()
		m.mu.Unlock()
		conn.close()
		status, _ := m.Status(desc.Name)
		return status, fmt.Errorf("enable %s: %w", desc.Name, err)
	}

	m.logger.Info().Str("server", desc.Name).Int("tools", len(conn.tools)).Msg("server enabled")
	return m.Status(desc.Name)
}

func (m *ConnectionManager) disable(ctx context.Context, name string) (models.ServerStatus, error) {
	m.mu.Lock()
	conn := m.conns[name]
	delete(m.conns, name)
	delete(m.lastErr, name)
	m.descriptors[name].Enabled = false
	m.mu.Unlock()

	if conn != nil {
		conn.close()
	}

	if err := m.persist(ctx); err != nil {
		m.mu.Lock()
		m.descriptors[name].Enabled = true
		m.lastErr[name] = fmt.Sprintf("disconnected but state not saved: %v", err)
		m.mu.Unlock()
		status, _ := m.Status(name)
		return status, fmt.Errorf("disable %s: %w", name, err)
	}

	m.logger.Info().Str("server", name).Msg("server disabled")
	return m.Status(name)
}

// Route returns the first connected server, in registry order, whose
// catalog contains tool.
func (m *ConnectionManager) Route(tool string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	name, _ := m.routeLocked(tool)
	if name == "" {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	return name, nil
}

// DomainOf resolves the capability domain of a tool, which is the name of
// the server that owns it.
func (m *ConnectionManager) DomainOf(tool string) (string, bool) {
	name, err := m.Route(tool)
	if err != nil {
		return "", false
	}
	return name, true
}

func (m *ConnectionManager) routeLocked(tool string) (string, *serverConnection) {
	for _, name := range m.order {
		conn, ok := m.conns[name]
		if ok && conn.has(tool) {
			return name, conn
		}
	}
	return "", nil
}

// CallTool routes and invokes a tool. Calls are not retried.
func (m *ConnectionManager) CallTool(ctx context.Context, tool string, args map[string]any) (*models.ToolResult, error) {
	m.mu.RLock()
	name, conn := m.routeLocked(tool)
	m.mu.RUnlock()
	if conn == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}

	if m.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.callTimeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]any{}
	}

	res, err := conn.session.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", tool, name, err)
	}

	text := joinText(res.Content)
	if res.IsError {
		return nil, &ToolError{Server: name, Tool: tool, Message: text}
	}
	return &models.ToolResult{
		Tool:       tool,
		Server:     name,
		Text:       text,
		Structured: res.StructuredContent,
	}, nil
}

// DisconnectAll terminates every live connection. Enablement flags are left
// alone so the next start reconnects the same set.
func (m *ConnectionManager) DisconnectAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*serverConnection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func(name string, conn *serverConnection) {
			defer wg.Done()
			conn.close()
			m.logger.Info().Str("server", name).Msg("disconnected server")
		}(name, conn)
	}
	wg.Wait()
}

// Status returns the record of one server.
func (m *ConnectionManager) Status(name string) (models.ServerStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.descriptors[name]; !ok {
		return models.ServerStatus{}, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return m.statusLocked(name), nil
}

// Servers returns every configured server in registry order.
func (m *ConnectionManager) Servers() []models.ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ServerStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.statusLocked(name))
	}
	return out
}

// ConnectedCount reports how many servers are live.
func (m *ConnectionManager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Tools flattens the catalogs of connected servers in registry order.
func (m *ConnectionManager) Tools() []models.ToolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.ToolInfo{}
	for _, name := range m.order {
		if conn, ok := m.conns[name]; ok {
			out = append(out, conn.tools...)
		}
	}
	return out
}

func (m *ConnectionManager) statusLocked(name string) models.ServerStatus {
	desc := m.descriptors[name]
	status := models.ServerStatus{
		ID:          name,
		Description: desc.Description,
		Transport:   desc.EffectiveTransport(),
		Enabled:     desc.Enabled,
		Tools:       []models.ToolInfo{},
		LastError:   m.lastErr[name],
	}
	if conn, ok := m.conns[name]; ok {
		connectedAt := conn.connectedAt
		status.Connected = true
		status.ConnectedAt = &connectedAt
		status.Tools = append(status.Tools, conn.tools...)
		status.ToolsCount = len(conn.tools)
	}
	return status
}

// connect launches, handshakes and lists tools. Anything it started is
// released on every failure path.
func (m *ConnectionManager) connect(ctx context.Context, desc models.ServerDescriptor) (*serverConnection, error) {
	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}

	launch, err := m.factory.Launch(ctx, desc)
	if err != nil {
		return nil, err
	}

	session, err := m.client.Connect(ctx, launch.Transport, nil)
	if err != nil {
		launch.release()
		return nil, fmt.Errorf("connect to %s: %w", desc.Name, err)
	}

	tools, err := listTools(ctx, desc.Name, session)
	if err != nil {
		_ = session.Close()
		launch.release()
		return nil, fmt.Errorf("list tools of %s: %w", desc.Name, err)
	}

	toolSet := make(map[string]struct{}, len(tools))
	for _, tool := range tools {
		toolSet[tool.Name] = struct{}{}
	}
	return &serverConnection{
		session:     session,
		launch:      launch,
		tools:       tools,
		toolSet:     toolSet,
		connectedAt: m.now(),
	}, nil
}

// install registers a fresh connection and starts watching it.
func (m *ConnectionManager) install(name string, conn *serverConnection) {
	m.mu.Lock()
	m.conns[name] = conn
	delete(m.lastErr, name)
	m.mu.Unlock()

	go m.watch(name, conn)
}

// watch drops a connection whose session ends without being closed by us,
// which is how a crashed subprocess shows up.
func (m *ConnectionManager) watch(name string, conn *serverConnection) {
	err := conn.session.Wait()
	if conn.closing.Load() {
		return
	}

	m.mu.Lock()
	current, ok := m.conns[name]
	owned := ok && current == conn
	if owned {
		delete(m.conns, name)
		msg := "server connection closed"
		if err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		m.lastErr[name] = msg
	}
	m.mu.Unlock()

	if !owned {
		return
	}
	m.logger.Warn().Err(err).Str("server", name).Msg("server connection lost")
	conn.close()
}

func (m *ConnectionManager) persist(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	m.mu.RLock()
	state := models.PersistedServerState{
		UpdatedAt: m.now().UTC(),
		Servers:   make(map[string]bool, len(m.descriptors)),
	}
	for name, desc := range m.descriptors {
		state.Servers[name] = desc.Enabled
	}
	m.mu.RUnlock()

	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("persist server state: %w", err)
	}
	return nil
}

func listTools(ctx context.Context, server string, session *mcp.ClientSession) ([]models.ToolInfo, error) {
	if res := session.InitializeResult(); res != nil && res.Capabilities != nil && res.Capabilities.Tools == nil {
		return nil, nil
	}
	var tools []models.ToolInfo
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tools = append(tools, models.ToolInfo{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
			Server:      server,
		})
	}
	return tools, nil
}

// joinText concatenates the text parts of a result with single spaces.
func joinText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		if text, ok := item.(*mcp.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, " ")
}
