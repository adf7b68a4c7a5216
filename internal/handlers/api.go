package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"McpHost/internal/approval"
	"McpHost/internal/host"
	"McpHost/internal/manager"
	"McpHost/internal/models"
)

type toolCallRequest struct {
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
	UserID     string         `json:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

func (req toolCallRequest) validate() error {
	if strings.TrimSpace(req.ToolName) == "" {
		return errors.New("toolName is required")
	}
	return nil
}

func (req toolCallRequest) input() host.CallInput {
	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	return host.CallInput{
		ToolName:   strings.TrimSpace(req.ToolName),
		Parameters: params,
		UserID:     req.UserID,
		SessionID:  req.SessionID,
	}
}

type approvalActionRequest struct {
	ApprovalID string                `json:"approvalId,omitempty"`
	Action     models.ApprovalAction `json:"action"`
	UserID     string                `json:"userId"`
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

type healthResponse struct {
	Status        string    `json:"status"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	Timestamp     time.Time `json:"timestamp"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := a.now()
	uptime := now.Sub(a.started)
	respondJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Timestamp:     now,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, a.host.Status())
}

func (a *API) handleListTools(w http.ResponseWriter, _ *http.Request) {
	tools := a.host.Tools()
	respondJSON(w, http.StatusOK, map[string]any{
		"tools": tools,
		"count": len(tools),
	})
}

func (a *API) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decodeJSONStrict(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, a.host.Call(r.Context(), req.input()))
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	var req toolCallRequest
	if err := decodeJSONStrict(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, a.host.DryRun(req.input()))
}

func (a *API) handleListApprovals(w http.ResponseWriter, _ *http.Request) {
	pending := a.host.PendingApprovals()
	respondJSON(w, http.StatusOK, map[string]any{
		"approvals": pending,
		"count":     len(pending),
	})
}

func (a *API) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	ticket, err := a.host.Ticket(chi.URLParam(r, "id"))
	if err != nil {
		respondApprovalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ticket)
}

func (a *API) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalActionRequest
	if err := decodeJSONStrict(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := strings.TrimSpace(chi.URLParam(r, "id"))
	bodyID := strings.TrimSpace(req.ApprovalID)
	switch {
	case id == "" && bodyID == "":
		respondError(w, http.StatusBadRequest, "approvalId is required")
		return
	case id == "":
		id = bodyID
	case bodyID != "" && bodyID != id:
		respondError(w, http.StatusBadRequest, "approvalId does not match the request path")
		return
	}

	if req.Action != models.ActionApprove && req.Action != models.ActionReject {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("action must be %q or %q", models.ActionApprove, models.ActionReject))
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "userId is required")
		return
	}

	resp, err := a.host.Resolve(r.Context(), id, req.Action, strings.TrimSpace(req.UserID))
	if err != nil {
		respondApprovalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleListServers(w http.ResponseWriter, _ *http.Request) {
	servers := a.host.Servers()
	respondJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

func (a *API) handleToggleServer(w http.ResponseWriter, r *http.Request) {
	var req toggleRequest
	if err := decodeJSONStrict(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	id := chi.URLParam(r, "id")
	status, err := a.host.SetServerEnabled(r.Context(), id, *req.Enabled)
	switch {
	case errors.Is(err, manager.ErrServerNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case err != nil:
		a.logger.Warn().Err(err).Str("server", id).Bool("enabled", *req.Enabled).Msg("server toggle failed")
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   err.Error(),
			"server":  status,
		})
	default:
		respondJSON(w, http.StatusOK, status)
	}
}

func (a *API) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := a.host.RestartServer(r.Context(), id)
	switch {
	case errors.Is(err, manager.ErrServerNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, manager.ErrServerDisabled):
		respondError(w, http.StatusConflict, err.Error())
	case err != nil:
		a.logger.Warn().Err(err).Str("server", id).Msg("server restart failed")
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   err.Error(),
			"server":  status,
		})
	default:
		respondJSON(w, http.StatusOK, status)
	}
}

func respondApprovalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrTicketNotFound):
		respondKindError(w, http.StatusNotFound, models.ErrorKindApproval, err.Error())
	case errors.Is(err, approval.ErrTicketExpired):
		respondKindError(w, http.StatusGone, models.ErrorKindApproval, err.Error())
	case errors.Is(err, approval.ErrTicketResolved):
		respondKindError(w, http.StatusConflict, models.ErrorKindApproval, err.Error())
	case errors.Is(err, approval.ErrInvalidAction):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
