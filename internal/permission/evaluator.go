// Package permission decides whether a tool call may run, and whether it
// must wait for a human first. Policies are keyed by capability domain and
// anything without a matching domain policy is denied.
package permission

import (
	"fmt"
	"strings"

	"McpHost/internal/config"
	"McpHost/internal/models"
)

// AuditHook receives the final policy outcome of a call.
type AuditHook func(req models.ToolCallRequest, decision models.PermissionDecision, outcome models.AuditOutcome)

// DomainResolver maps a tool name to the capability domain that owns it.
type DomainResolver func(toolName string) (string, bool)

// Evaluator is safe for concurrent use once constructed.
type Evaluator struct {
	autoApproveLowRisk bool
	policies           map[string]Policy
	toolDomains        map[string]string
	resolver           DomainResolver
	audit              AuditHook
}

// Option customizes an Evaluator.
type Option func(*Evaluator)

// WithAuditHook installs the hook invoked by Audit.
func WithAuditHook(hook AuditHook) Option {
	return func(e *Evaluator) { e.audit = hook }
}

// WithDomainResolver installs the fallback used for tools that have no
// explicit tool_domains entry, typically the owning server's name.
func WithDomainResolver(resolver DomainResolver) Option {
	return func(e *Evaluator) { e.resolver = resolver }
}

// NewEvaluator builds the policy table from static configuration.
func NewEvaluator(cfg config.PolicyConfig, opts ...Option) (*Evaluator, error) {
	e := &Evaluator{
		autoApproveLowRisk: cfg.AutoApproveLowRisk,
		policies:           make(map[string]Policy, len(cfg.Domains)),
		toolDomains:        make(map[string]string, len(cfg.ToolDomains)),
	}
	for domain, domainCfg := range cfg.Domains {
		policy, err := BuildPolicy(domain, domainCfg)
		if err != nil {
			return nil, err
		}
		e.policies[domain] = policy
	}
	for tool, domain := range cfg.ToolDomains {
		e.toolDomains[strings.TrimSpace(tool)] = strings.TrimSpace(domain)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Evaluate classifies one call. It is deterministic for identical inputs
// and never panics on malformed input.
func (e *Evaluator) Evaluate(toolName string, params map[string]any, caller models.Caller) models.PermissionDecision {
	name := strings.TrimSpace(toolName)
	if name == "" {
		return models.PermissionDecision{
			Allowed:   false,
			RiskLevel: models.RiskMedium,
			Reason:    "tool name is required",
		}
	}

	domain, _ := e.domainOf(name)
	policy, ok := e.policies[domain]
	if !ok {
		policy = DenyPolicy{Domain: domain}
	}

	operation := normalizeOperation(name)
	verdict := policy.Check(operation, params)
	if !verdict.Risk.IsValid() {
		verdict.Risk = models.RiskHigh
	}

	decision := models.PermissionDecision{
		Allowed:   verdict.Allowed,
		RiskLevel: verdict.Risk,
		Reason:    verdict.Reason,
		Domain:    domain,
		Metadata: map[string]any{
			"operation": operation,
			"policy":    string(policy.Kind()),
		},
	}
	if caller.UserID != "" {
		decision.Metadata["userId"] = caller.UserID
	}
	if decision.Allowed {
		decision.RequiresApproval = e.requiresApproval(verdict.Risk, policy.ApprovalThreshold())
		if decision.RequiresApproval {
			decision.Reason = fmt.Sprintf("%s; %s risk requires approval", decision.Reason, verdict.Risk)
		}
	}
	return decision
}

// Audit forwards an outcome to the configured hook, if any.
func (e *Evaluator) Audit(req models.ToolCallRequest, decision models.PermissionDecision, outcome models.AuditOutcome) {
	if e.audit == nil {
		return
	}
	e.audit(req, decision, outcome)
}

func (e *Evaluator) requiresApproval(risk, threshold models.RiskLevel) bool {
	if risk.AtLeast(threshold) {
		return true
	}
	return risk == models.RiskLow && !e.autoApproveLowRisk
}

func (e *Evaluator) domainOf(toolName string) (string, bool) {
	if domain, ok := e.toolDomains[toolName]; ok && domain != "" {
		return domain, true
	}
	if e.resolver != nil {
		return e.resolver(toolName)
	}
	return "", false
}
