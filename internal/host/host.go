// Package host runs the tool-call pipeline: evaluate, then execute, park
// for approval or deny, and always answer with a uniform response.
package host

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"McpHost/internal/approval"
	"McpHost/internal/audit"
	"McpHost/internal/manager"
	"McpHost/internal/models"
)

// Evaluator is the permission side of the pipeline.
type Evaluator interface {
	Evaluate(toolName string, params map[string]any, caller models.Caller) models.PermissionDecision
	Audit(req models.ToolCallRequest, decision models.PermissionDecision, outcome models.AuditOutcome)
}

// Servers is the connection manager as seen by the host.
type Servers interface {
	CallTool(ctx context.Context, tool string, args map[string]any) (*models.ToolResult, error)
	Route(tool string) (string, error)
	Servers() []models.ServerStatus
	Tools() []models.ToolInfo
	ConnectedCount() int
	SetEnabled(ctx context.Context, name string, enabled bool) (models.ServerStatus, error)
	Restart(ctx context.Context, name string) (models.ServerStatus, error)
}

// CallInput is a validated tool-call submission.
type CallInput struct {
	ToolName   string
	Parameters map[string]any
	UserID     string
	SessionID  string
}

// StatusReport is the aggregate view served by the status operation.
type StatusReport struct {
	Connected        int                   `json:"connected"`
	Total            int                   `json:"total"`
	PendingApprovals int                   `json:"pendingApprovals"`
	Servers          []models.ServerStatus `json:"servers"`
}

// Host is safe for concurrent use; calls on different servers never
// serialize on each other.
type Host struct {
	evaluator Evaluator
	servers   Servers
	ledger    *approval.Ledger
	audit     *audit.Logger
	logger    zerolog.Logger
	now       func() time.Time
	newID     func() string
}

// Option customizes a Host.
type Option func(*Host)

// WithAuditLogger records completions and approval resolutions.
func WithAuditLogger(a *audit.Logger) Option {
	return func(h *Host) { h.audit = a }
}

// WithLogger sets the host logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// WithRequestIDs replaces the uuid request id generator.
func WithRequestIDs(gen func() string) Option {
	return func(h *Host) { h.newID = gen }
}

// New wires a host.
func New(evaluator Evaluator, servers Servers, ledger *approval.Ledger, opts ...Option) *Host {
	h := &Host{
		evaluator: evaluator,
		servers:   servers,
		ledger:    ledger,
		logger:    zerolog.Nop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Call takes one request from received to a terminal response.
func (h *Host) Call(ctx context.Context, in CallInput) models.ToolCallResponse {
	start := h.now()
	req := models.ToolCallRequest{
		RequestID:  h.newID(),
		ToolName:   strings.TrimSpace(in.ToolName),
		Parameters: in.Parameters,
		UserID:     in.UserID,
		SessionID:  in.SessionID,
		ReceivedAt: start,
	}

	decision := h.evaluator.Evaluate(req.ToolName, req.Parameters, req.Caller())

	// A tool no connected server owns has no domain; report it as routing.
	if !decision.Allowed && decision.Domain == "" && req.ToolName != "" {
		if _, err := h.servers.Route(req.ToolName); errors.Is(err, manager.ErrToolNotFound) {
			return h.unroutable(req, start, err)
		}
	}

	switch {
	case !decision.Allowed:
		h.evaluator.Audit(req, decision, models.OutcomeDenied)
		h.logger.Info().
			Str("request_id", req.RequestID).
			Str("tool", req.ToolName).
			Str("reason", decision.Reason).
			Msg("tool call denied")
		return h.failure(req.RequestID, start, models.ErrorKindPermission, decision.Reason)

	case decision.RequiresApproval:
		ticket := h.ledger.Create(req, decision)
		return models.ToolCallResponse{
			Success:          false,
			ApprovalRequired: true,
			Data: models.PendingApproval{
				ApprovalID: ticket.ID,
				ExpiresAt:  ticket.ExpiresAt,
				RiskLevel:  decision.RiskLevel,
				Reason:     decision.Reason,
			},
			ExecutionTime: elapsedMillis(start, h.now()),
			RequestID:     req.RequestID,
			Timestamp:     h.now(),
		}

	default:
		h.evaluator.Audit(req, decision, models.OutcomeApproved)
		return h.execute(ctx, req, start, "")
	}
}

// Resolve applies a human decision to a parked call. Approval executes the
// stored request and the outcome is attached to the ticket for pollers.
// Lifecycle failures come back as approval package errors.
func (h *Host) Resolve(ctx context.Context, id string, action models.ApprovalAction, actor string) (models.ToolCallResponse, error) {
	ticket, err := h.ledger.Resolve(id, action, actor)
	if err != nil {
		return models.ToolCallResponse{}, err
	}
	h.audit.Resolution(ticket)

	start := h.now()
	var resp models.ToolCallResponse
	if ticket.Status == models.TicketApproved {
		h.evaluator.Audit(ticket.Request, ticket.Decision, models.OutcomeApproved)
		resp = h.execute(ctx, ticket.Request, start, ticket.ID)
	} else {
		h.evaluator.Audit(ticket.Request, ticket.Decision, models.OutcomeDenied)
		resp = h.failure(ticket.Request.RequestID, start, models.ErrorKindApproval, "tool call rejected by "+actorName(actor))
	}

	if err := h.ledger.Complete(ticket.ID, resp); err != nil {
		h.logger.Warn().Err(err).Str("approval_id", ticket.ID).Msg("could not attach result to ticket")
	}
	return resp, nil
}

// DryRun evaluates without executing, parking or auditing.
func (h *Host) DryRun(in CallInput) models.PermissionDecision {
	caller := models.Caller{UserID: in.UserID, SessionID: in.SessionID}
	return h.evaluator.Evaluate(strings.TrimSpace(in.ToolName), in.Parameters, caller)
}

// PendingApprovals lists live tickets.
func (h *Host) PendingApprovals() []models.ApprovalTicket {
	return h.ledger.ListPending()
}

// Ticket returns one ticket, pending or recently resolved.
func (h *Host) Ticket(id string) (models.ApprovalTicket, error) {
	return h.ledger.Get(id)
}

// Status aggregates server state.
func (h *Host) Status() StatusReport {
	servers := h.servers.Servers()
	connected := 0
	for _, s := range servers {
		if s.Connected {
			connected++
		}
	}
	return StatusReport{
		Connected:        connected,
		Total:            len(servers),
		PendingApprovals: h.ledger.PendingCount(),
		Servers:          servers,
	}
}

// Servers lists every configured server.
func (h *Host) Servers() []models.ServerStatus {
	return h.servers.Servers()
}

// Tools lists the flattened catalog of connected servers.
func (h *Host) Tools() []models.ToolInfo {
	return h.servers.Tools()
}

// RestartServer reconnects an enabled server without changing its flag.
func (h *Host) RestartServer(ctx context.Context, id string) (models.ServerStatus, error) {
	return h.servers.Restart(ctx, id)
}

// SetServerEnabled toggles a server through the connection manager.
func (h *Host) SetServerEnabled(ctx context.Context, id string, enabled bool) (models.ServerStatus, error) {
	return h.servers.SetEnabled(ctx, id, enabled)
}

func (h *Host) execute(ctx context.Context, req models.ToolCallRequest, start time.Time, approvalID string) models.ToolCallResponse {
	result, err := h.servers.CallTool(ctx, req.ToolName, req.Parameters)
	end := h.now()

	completion := audit.Completion{
		RequestID:  req.RequestID,
		ToolName:   req.ToolName,
		UserID:     req.UserID,
		ApprovalID: approvalID,
		Duration:   end.Sub(start),
	}

	if err != nil {
		kind := models.ErrorKindExecution
		if errors.Is(err, manager.ErrToolNotFound) {
			kind = models.ErrorKindRouting
		}
		completion.ErrorKind = kind
		completion.Error = err.Error()
		h.audit.Complete(completion)
		h.logger.Warn().
			Err(err).
			Str("request_id", req.RequestID).
			Str("tool", req.ToolName).
			Str("error_kind", kind).
			Msg("tool call failed")
		return h.failure(req.RequestID, start, kind, err.Error())
	}

	completion.Success = true
	completion.Server = result.Server
	h.audit.Complete(completion)
	return models.ToolCallResponse{
		Success:       true,
		Data:          result,
		ExecutionTime: elapsedMillis(start, end),
		RequestID:     req.RequestID,
		Timestamp:     end,
	}
}

func (h *Host) unroutable(req models.ToolCallRequest, start time.Time, err error) models.ToolCallResponse {
	h.audit.Complete(audit.Completion{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		UserID:    req.UserID,
		ErrorKind: models.ErrorKindRouting,
		Error:     err.Error(),
		Duration:  h.now().Sub(start),
	})
	h.logger.Warn().
		Err(err).
		Str("request_id", req.RequestID).
		Str("tool", req.ToolName).
		Msg("no connected server owns tool")
	return h.failure(req.RequestID, start, models.ErrorKindRouting, err.Error())
}

func (h *Host) failure(requestID string, start time.Time, kind, message string) models.ToolCallResponse {
	end := h.now()
	return models.ToolCallResponse{
		Success:       false,
		Error:         message,
		ErrorKind:     kind,
		ExecutionTime: elapsedMillis(start, end),
		RequestID:     requestID,
		Timestamp:     end,
	}
}

func elapsedMillis(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000
}

func actorName(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return "approver"
	}
	return actor
}
