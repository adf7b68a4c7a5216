package models

import (
	"strings"
	"time"
)

// RiskLevel is the coarse classification assigned to a tool-call shape.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

var riskRank = map[RiskLevel]int{
	RiskLow:    1,
	RiskMedium: 2,
	RiskHigh:   3,
}

// ParseRiskLevel accepts any casing; ok is false for unknown levels.
func ParseRiskLevel(raw string) (RiskLevel, bool) {
	level := RiskLevel(strings.ToUpper(strings.TrimSpace(raw)))
	_, ok := riskRank[level]
	return level, ok
}

// IsValid reports whether r is a known level.
func (r RiskLevel) IsValid() bool {
	_, ok := riskRank[r]
	return ok
}

// AtLeast reports whether r is at or above other.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return riskRank[r] >= riskRank[other]
}

// Max returns the higher of two levels.
func (r RiskLevel) Max(other RiskLevel) RiskLevel {
	if other.AtLeast(r) {
		return other
	}
	return r
}

// Caller identifies who asked for a tool call.
type Caller struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// ToolCallRequest is immutable once created and passed by value.
type ToolCallRequest struct {
	RequestID  string         `json:"requestId"`
	ToolName   string         `json:"toolName"`
	Parameters map[string]any `json:"parameters"`
	UserID     string         `json:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	ReceivedAt time.Time      `json:"receivedAt"`
}

// Caller returns the caller identity carried by the request.
func (r ToolCallRequest) Caller() Caller {
	return Caller{UserID: r.UserID, SessionID: r.SessionID}
}

// PermissionDecision is computed fresh for every request.
type PermissionDecision struct {
	Allowed          bool           `json:"allowed"`
	RiskLevel        RiskLevel      `json:"riskLevel"`
	Reason           string         `json:"reason"`
	RequiresApproval bool           `json:"requiresApproval"`
	Domain           string         `json:"domain,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// AuditOutcome is the final policy outcome reported to the audit hook.
type AuditOutcome string

const (
	OutcomeApproved AuditOutcome = "approved"
	OutcomeDenied   AuditOutcome = "denied"
)

// Error kinds carried on failed responses so callers can tell failures apart.
const (
	ErrorKindPermission = "permission"
	ErrorKindApproval   = "approval"
	ErrorKindRouting    = "routing"
	ErrorKindExecution  = "execution"
)

// ToolResult is the payload of a successful tool execution.
type ToolResult struct {
	Tool       string `json:"tool"`
	Server     string `json:"server"`
	Text       string `json:"text"`
	Structured any    `json:"structured,omitempty"`
}

// PendingApproval is the payload returned instead of a result when a call is parked.
type PendingApproval struct {
	ApprovalID string    `json:"approvalId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	RiskLevel  RiskLevel `json:"riskLevel"`
	Reason     string    `json:"reason"`
}

// ToolCallResponse is the uniform terminal response of the host.
type ToolCallResponse struct {
	Success          bool      `json:"success"`
	Data             any       `json:"data,omitempty"`
	Error            string    `json:"error,omitempty"`
	ErrorKind        string    `json:"errorKind,omitempty"`
	ExecutionTime    float64   `json:"executionTime"`
	ApprovalRequired bool      `json:"approvalRequired"`
	RequestID        string    `json:"requestId"`
	Timestamp        time.Time `json:"timestamp"`
}
