// Package audit provides structured audit logging for tool calls handled by the host.
package audit

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"McpHost/internal/models"
)

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]+=*`)
	keyValuePattern    = regexp.MustCompile(`(?i)\b(token|secret|password|authorization|api[_-]?key)\s*[:=]\s*([^\s,;]+)`)
	sensitiveKey       = regexp.MustCompile(`(?i)(token|secret|password|authorization|api[_-]?key|credential)`)
)

// Completion captures one finished execution, approved directly or after a ticket.
type Completion struct {
	RequestID  string
	ToolName   string
	Server     string
	UserID     string
	ApprovalID string
	Success    bool
	ErrorKind  string
	Error      string
	Duration   time.Duration
}

// Target is a redacted summary of what a call touches.
type Target struct {
	Paths      []string `json:"paths,omitempty"`
	URLs       []string `json:"urls,omitempty"`
	Recipients []string `json:"recipients,omitempty"`
	Keys       []string `json:"keys,omitempty"`
}

// Logger emits structured audit entries.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{
		logger: logger.With().Str("component", "audit").Logger(),
	}
}

// Decision records the final policy outcome of one request. Its signature
// matches permission.AuditHook.
func (l *Logger) Decision(req models.ToolCallRequest, decision models.PermissionDecision, outcome models.AuditOutcome) {
	if l == nil {
		return
	}

	tool := strings.TrimSpace(req.ToolName)
	if tool == "" {
		tool = "unknown"
	}

	level := l.logger.Info()
	if outcome == models.OutcomeDenied {
		level = l.logger.Warn()
	}

	level.
		Str("event", "mcp.tool_call.decision").
		Str("request_id", req.RequestID).
		Str("tool", tool).
		Str("domain", decision.Domain).
		Str("user_id", req.UserID).
		Str("session_id", req.SessionID).
		Str("outcome", string(outcome)).
		Str("risk", string(decision.RiskLevel)).
		Bool("requires_approval", decision.RequiresApproval).
		Str("reason", RedactSensitiveText(decision.Reason)).
		Interface("target", SummarizeTarget(req.Parameters)).
		Msg("tool call decision")
}

// Complete writes a single completion entry for one executed call.
func (l *Logger) Complete(event Completion) {
	if l == nil {
		return
	}

	result := "success"
	if !event.Success {
		result = "error"
	}
	duration := event.Duration
	if duration < 0 {
		duration = 0
	}

	entry := l.logger.Info().
		Str("event", "mcp.tool_call.completed").
		Str("request_id", event.RequestID).
		Str("tool", event.ToolName).
		Str("server", event.Server).
		Str("user_id", event.UserID).
		Str("result", result).
		Int64("duration_ms", duration.Milliseconds())

	if event.ApprovalID != "" {
		entry = entry.Str("approval_id", event.ApprovalID)
	}
	if event.ErrorKind != "" {
		entry = entry.Str("error_kind", event.ErrorKind)
	}
	if redacted := RedactSensitiveText(event.Error); redacted != "" {
		entry = entry.Str("error_detail", redacted)
	}

	entry.Msg("tool call completed")
}

// Resolution records a human decision on an approval ticket.
func (l *Logger) Resolution(ticket models.ApprovalTicket) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event", "mcp.approval.resolved").
		Str("approval_id", ticket.ID).
		Str("request_id", ticket.Request.RequestID).
		Str("tool", ticket.Request.ToolName).
		Str("status", string(ticket.Status)).
		Str("resolved_by", ticket.ResolvedBy).
		Msg("approval resolved")
}

// SummarizeTarget builds a compact target summary from tool arguments.
// Values under secret-looking keys are never included.
func SummarizeTarget(params map[string]any) Target {
	if params == nil {
		return Target{}
	}

	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	return Target{
		Paths:      uniqueStrings(readStrings(params, "path", "source", "destination", "paths")),
		URLs:       uniqueStrings(readStrings(params, "url")),
		Recipients: uniqueStrings(readStrings(params, "to", "cc", "bcc", "recipient")),
		Keys:       keys,
	}
}

// RedactSensitiveText removes obvious secrets from free-text details.
func RedactSensitiveText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	redacted := bearerTokenPattern.ReplaceAllString(trimmed, "Bearer [REDACTED]")
	redacted = keyValuePattern.ReplaceAllStringFunc(redacted, func(match string) string {
		parts := strings.SplitN(match, ":", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s: [REDACTED]", strings.TrimSpace(parts[0]))
		}
		parts = strings.SplitN(match, "=", 2)
		if len(parts) == 2 {
			return fmt.Sprintf("%s=[REDACTED]", strings.TrimSpace(parts[0]))
		}
		return "[REDACTED]"
	})
	return redacted
}

func readStrings(params map[string]any, keys ...string) []string {
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		if sensitiveKey.MatchString(key) {
			continue
		}
		switch typed := params[key].(type) {
		case string:
			values = append(values, typed)
		case []string:
			values = append(values, typed...)
		case []any:
			for _, item := range typed {
				if s, ok := item.(string); ok {
					values = append(values, s)
				}
			}
		}
	}
	return values
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		unique = append(unique, trimmed)
	}
	if len(unique) == 0 {
		return nil
	}
	slices.Sort(unique)
	return unique
}
