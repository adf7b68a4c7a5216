package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"McpHost/internal/approval"
	"McpHost/internal/host"
	"McpHost/internal/manager"
	"McpHost/internal/models"
)

type fakeHost struct {
	mu        sync.Mutex
	calls     []host.CallInput
	dryRuns   []host.CallInput
	resolved  []string
	toggles   map[string]bool
	resolveFn func(id string, action models.ApprovalAction) (models.ToolCallResponse, error)
	toggleErr error
	tickets   map[string]models.ApprovalTicket
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		toggles: map[string]bool{},
		tickets: map[string]models.ApprovalTicket{},
	}
}

func (f *fakeHost) Call(_ context.Context, in host.CallInput) models.ToolCallResponse {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if in.ToolName == "send_email" {
		return models.ToolCallResponse{
			ApprovalRequired: true,
			Data:             models.PendingApproval{ApprovalID: "t-1", RiskLevel: models.RiskHigh},
			RequestID:        "r-1",
		}
	}
	return models.ToolCallResponse{
		Success:   true,
		Data:      &models.ToolResult{Tool: in.ToolName, Server: "filesystem", Text: "ok"},
		RequestID: "r-1",
	}
}

func (f *fakeHost) Resolve(_ context.Context, id string, action models.ApprovalAction, actor string) (models.ToolCallResponse, error) {
	f.mu.Lock()
	f.resolved = append(f.resolved, id+":"+string(action)+":"+actor)
	fn := f.resolveFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, action)
	}
	return models.ToolCallResponse{Success: action == models.ActionApprove, RequestID: "r-1"}, nil
}

func (f *fakeHost) DryRun(in host.CallInput) models.PermissionDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dryRuns = append(f.dryRuns, in)
	return models.PermissionDecision{Allowed: true, RiskLevel: models.RiskLow, Reason: "read operation", Domain: "filesystem"}
}

func (f *fakeHost) PendingApprovals() []models.ApprovalTicket {
	return []models.ApprovalTicket{{ID: "t-1", Status: models.TicketPending}}
}

func (f *fakeHost) Ticket(id string) (models.ApprovalTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticket, ok := f.tickets[id]
	if !ok {
		return models.ApprovalTicket{}, fmt.Errorf("%w: %s", approval.ErrTicketNotFound, id)
	}
	return ticket, nil
}

func (f *fakeHost) Status() host.StatusReport {
	return host.StatusReport{Connected: 1, Total: 2, Servers: f.Servers()}
}

func (f *fakeHost) Servers() []models.ServerStatus {
	return []models.ServerStatus{
		{ID: "filesystem", Enabled: true, Connected: true, ToolsCount: 1, Tools: []models.ToolInfo{{Name: "read_file", Server: "filesystem"}}},
		{ID: "gmail", Enabled: false, Tools: []models.ToolInfo{}},
	}
}

func (f *fakeHost) Tools() []models.ToolInfo {
	return []models.ToolInfo{{Name: "read_file", Server: "filesystem"}}
}

func (f *fakeHost) SetServerEnabled(_ context.Context, id string, enabled bool) (models.ServerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != "filesystem" && id != "gmail" {
		return models.ServerStatus{}, fmt.Errorf("%w: %s", manager.ErrServerNotFound, id)
	}
	if f.toggleErr != nil {
		return models.ServerStatus{ID: id, LastError: f.toggleErr.Error()}, f.toggleErr
	}
	f.toggles[id] = enabled
	return models.ServerStatus{ID: id, Enabled: enabled, Connected: enabled}, nil
}

func (f *fakeHost) RestartServer(_ context.Context, id string) (models.ServerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch id {
	case "filesystem":
	case "gmail":
		return models.ServerStatus{ID: id}, fmt.Errorf("%w: %s", manager.ErrServerDisabled, id)
	default:
		return models.ServerStatus{}, fmt.Errorf("%w: %s", manager.ErrServerNotFound, id)
	}
	if f.toggleErr != nil {
		return models.ServerStatus{ID: id, Enabled: true, LastError: f.toggleErr.Error()}, f.toggleErr
	}
	return models.ServerStatus{ID: id, Enabled: true, Connected: true, ToolsCount: 1}, nil
}

func newTestRouter(h Host) http.Handler {
	return NewAPI(h, nil, nil, zerolog.Nop()).Router()
}

func do(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	api := NewAPI(newFakeHost(), nil, nil, zerolog.Nop())
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	api.started = start
	api.now = func() time.Time { return start.Add(90 * time.Second) }

	rec := do(t, api.Router(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "1m30s", body["uptime"])
	require.InDelta(t, 90.0, body["uptimeSeconds"], 0.001)
}

func TestStatusAndListings(t *testing.T) {
	router := newTestRouter(newFakeHost())

	rec := do(t, router, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.EqualValues(t, 1, body["connected"])
	require.EqualValues(t, 2, body["total"])
	require.Len(t, body["servers"], 2)

	rec = do(t, router, http.MethodGet, "/api/servers", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decodeBody(t, rec)["count"])

	rec = do(t, router, http.MethodGet, "/api/tools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = do(t, router, http.MethodGet, "/api/approvals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decodeBody(t, rec)["count"])
}

func TestCallTool(t *testing.T) {
	fake := newFakeHost()
	router := newTestRouter(fake)

	rec := do(t, router, http.MethodPost, "/api/tools/call",
		`{"toolName":" read_file ","parameters":{"path":"/data/a.txt"},"userId":"u1","sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["success"])
	require.Equal(t, false, body["approvalRequired"])

	require.Len(t, fake.calls, 1)
	require.Equal(t, "read_file", fake.calls[0].ToolName)
	require.Equal(t, "/data/a.txt", fake.calls[0].Parameters["path"])
	require.Equal(t, "u1", fake.calls[0].UserID)
	require.Equal(t, "s1", fake.calls[0].SessionID)
}

func TestCallTool_ApprovalRequired(t *testing.T) {
	router := newTestRouter(newFakeHost())

	rec := do(t, router, http.MethodPost, "/api/tools/call", `{"toolName":"send_email","parameters":{"to":"a@b.c"}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["approvalRequired"])
	require.Equal(t, false, body["success"])
	data := body["data"].(map[string]any)
	require.Equal(t, "t-1", data["approvalId"])
}

func TestCallTool_MissingParametersBecomeEmptyObject(t *testing.T) {
	fake := newFakeHost()
	router := newTestRouter(fake)

	rec := do(t, router, http.MethodPost, "/api/tools/call", `{"toolName":"list_allowed_directories"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, fake.calls[0].Parameters)
	require.Empty(t, fake.calls[0].Parameters)
}

func TestCallTool_ValidationNeverReachesHost(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "empty body", body: "", want: "request body is empty"},
		{name: "not json", body: "{", want: "invalid JSON body"},
		{name: "unknown field", body: `{"toolName":"x","extra":1}`, want: "unknown field"},
		{name: "two objects", body: `{"toolName":"x"}{"toolName":"y"}`, want: "exactly one JSON object"},
		{name: "missing tool name", body: `{"parameters":{}}`, want: "toolName is required"},
		{name: "blank tool name", body: `{"toolName":"   "}`, want: "toolName is required"},
		{name: "parameters not an object", body: `{"toolName":"x","parameters":[1]}`, want: "invalid JSON body"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := newFakeHost()
			req := httptest.NewRequest(http.MethodPost, "/api/tools/call", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			newTestRouter(fake).ServeHTTP(rec, req)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			require.Equal(t, false, body["success"])
			require.Contains(t, body["error"], tc.want)
			require.Empty(t, fake.calls)
		})
	}
}

func TestCallTool_BodyLimit(t *testing.T) {
	fake := newFakeHost()
	big := `{"toolName":"x","parameters":{"blob":"` + strings.Repeat("a", maxBodyBytes) + `"}}`

	rec := do(t, newTestRouter(fake), http.MethodPost, "/api/tools/call", big)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "exceeds")
	require.Empty(t, fake.calls)
}

func TestPermissionCheck(t *testing.T) {
	fake := newFakeHost()
	rec := do(t, newTestRouter(fake), http.MethodPost, "/api/permissions/check", `{"toolName":"read_file","parameters":{"path":"/data/a"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	require.Equal(t, true, body["allowed"])
	require.Equal(t, "LOW", body["riskLevel"])
	require.Len(t, fake.dryRuns, 1)
	require.Empty(t, fake.calls)
}

func TestResolveApproval(t *testing.T) {
	t.Run("path id", func(t *testing.T) {
		fake := newFakeHost()
		rec := do(t, newTestRouter(fake), http.MethodPost, "/api/approvals/t-1", `{"action":"approve","userId":"alice"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, true, decodeBody(t, rec)["success"])
		require.Equal(t, []string{"t-1:approve:alice"}, fake.resolved)
	})

	t.Run("body id", func(t *testing.T) {
		fake := newFakeHost()
		rec := do(t, newTestRouter(fake), http.MethodPost, "/api/approvals", `{"approvalId":"t-2","action":"reject","userId":"bob"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, []string{"t-2:reject:bob"}, fake.resolved)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []struct {
			path string
			body string
			want string
		}{
			{path: "/api/approvals", body: `{"action":"approve","userId":"a"}`, want: "approvalId is required"},
			{path: "/api/approvals/t-1", body: `{"approvalId":"t-9","action":"approve","userId":"a"}`, want: "does not match"},
			{path: "/api/approvals/t-1", body: `{"action":"maybe","userId":"a"}`, want: "action must be"},
			{path: "/api/approvals/t-1", body: `{"action":"approve"}`, want: "userId is required"},
		}
		for _, tc := range cases {
			fake := newFakeHost()
			rec := do(t, newTestRouter(fake), http.MethodPost, tc.path, tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, tc.body)
			require.Contains(t, decodeBody(t, rec)["error"], tc.want)
			require.Empty(t, fake.resolved)
		}
	})
}

func TestResolveApproval_LifecycleErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: approval.ErrTicketNotFound, want: http.StatusNotFound},
		{err: approval.ErrTicketExpired, want: http.StatusGone},
		{err: approval.ErrTicketResolved, want: http.StatusConflict},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tc := range cases {
		fake := newFakeHost()
		fake.resolveFn = func(id string, _ models.ApprovalAction) (models.ToolCallResponse, error) {
			return models.ToolCallResponse{}, fmt.Errorf("%w: %s", tc.err, id)
		}
		rec := do(t, newTestRouter(fake), http.MethodPost, "/api/approvals/t-1", `{"action":"approve","userId":"alice"}`)
		require.Equal(t, tc.want, rec.Code, tc.err.Error())

		body := decodeBody(t, rec)
		require.Equal(t, false, body["success"])
		if tc.want != http.StatusInternalServerError {
			require.Equal(t, models.ErrorKindApproval, body["errorKind"])
		} else {
			require.Equal(t, "internal error", body["error"])
		}
	}
}

func TestGetApproval(t *testing.T) {
	fake := newFakeHost()
	fake.tickets["t-1"] = models.ApprovalTicket{
		ID:     "t-1",
		Status: models.TicketApproved,
		Result: &models.ToolCallResponse{Success: true, RequestID: "r-1"},
	}
	router := newTestRouter(fake)

	rec := do(t, router, http.MethodGet, "/api/approvals/t-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "approved", body["status"])
	require.Equal(t, true, body["result"].(map[string]any)["success"])

	rec = do(t, router, http.MethodGet, "/api/approvals/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToggleServer(t *testing.T) {
	fake := newFakeHost()
	router := newTestRouter(fake)

	rec := do(t, router, http.MethodPost, "/api/servers/gmail/toggle", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decodeBody(t, rec)["enabled"])

	rec = do(t, router, http.MethodPut, "/api/servers/gmail", `{"enabled":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, false, fake.toggles["gmail"])

	rec = do(t, router, http.MethodPost, "/api/servers/nope/toggle", `{"enabled":true}`)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/servers/gmail/toggle", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec)["error"], "enabled is required")

	fake.toggleErr = errors.New("enable gmail: exec: not found")
	rec = do(t, router, http.MethodPost, "/api/servers/gmail/toggle", `{"enabled":true}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, false, body["success"])
	require.Equal(t, "gmail", body["server"].(map[string]any)["id"])
}

func TestRouter_RestartServer(t *testing.T) {
	h := newFakeHost()
	router := newTestRouter(h)

	rec := do(t, router, http.MethodPost, "/api/servers/filesystem/restart", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, true, body["connected"])

	rec = do(t, router, http.MethodPost, "/api/servers/gmail/restart", "")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/servers/nope/restart", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	h.toggleErr = errors.New("spawn failed")
	rec = do(t, router, http.MethodPost, "/api/servers/filesystem/restart", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, false, body["success"])
	require.Equal(t, "spawn failed", body["error"])

	rec = do(t, router, http.MethodGet, "/api/servers/filesystem/restart", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRouter_AuthAndRateLimit(t *testing.T) {
	requireKey := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != "secret" {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
	router := NewAPI(newFakeHost(), requireKey, NewKeyedLimiter(2), zerolog.Nop()).Router()

	// Health is outside /api.
	rec := do(t, router, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	send := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		req.Header.Set("X-API-Key", "secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusOK, send())
	require.Equal(t, http.StatusTooManyRequests, send())
}

func TestRouter_NotFoundIsJSON(t *testing.T) {
	rec := do(t, newTestRouter(newFakeHost()), http.MethodGet, "/api/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}
