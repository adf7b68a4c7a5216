package permission

import (
	"testing"

	"github.com/stretchr/testify/require"

	"McpHost/internal/config"
	"McpHost/internal/models"
)

func testPolicyConfig(autoApproveLow bool) config.PolicyConfig {
	return config.PolicyConfig{
		AutoApproveLowRisk: autoApproveLow,
		ToolDomains: map[string]string{
			"send-email": "messaging",
		},
		Domains: map[string]config.DomainPolicyConfig{
			"filesystem": {
				Type:         "filesystem",
				AllowedRoots: []string{"/srv/data"},
			},
			"browser": {
				AllowedHosts: []string{"example.com"},
			},
			"messaging": {
				Type:                    "messaging",
				AllowedRecipientDomains: []string{"corp.example"},
			},
			"builtin": {
				Type:             "static",
				Risk:             map[string]string{"echo": "low", "host-status": "low"},
				DeniedOperations: []string{"shutdown"},
			},
		},
	}
}

func serverDomains(tool string) (string, bool) {
	switch tool {
	case "list-directory", "read_file", "write-file", "delete-file", "move-file", "list-allowed-directories":
		return "filesystem", true
	case "navigate", "screenshot", "evaluate":
		return "browser", true
	case "echo", "shutdown":
		return "builtin", true
	case "run-shell":
		return "shell", true
	}
	return "", false
}

func newTestEvaluator(t *testing.T, autoApproveLow bool, opts ...Option) *Evaluator {
	t.Helper()
	opts = append([]Option{WithDomainResolver(serverDomains)}, opts...)
	evaluator, err := NewEvaluator(testPolicyConfig(autoApproveLow), opts...)
	require.NoError(t, err)
	return evaluator
}

func TestEvaluate_Table(t *testing.T) {
	t.Parallel()
	evaluator := newTestEvaluator(t, true)

	cases := []struct {
		name         string
		tool         string
		params       map[string]any
		wantAllowed  bool
		wantRisk     models.RiskLevel
		wantApproval bool
		wantReason   string
	}{
		{
			name:        "list directory outside allow-list",
			tool:        "list-directory",
			params:      map[string]any{"path": "/etc"},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  "outside the allowed roots",
		},
		{
			name:        "list directory inside allow-list",
			tool:        "list-directory",
			params:      map[string]any{"path": "/srv/data/reports"},
			wantAllowed: true,
			wantRisk:    models.RiskLow,
		},
		{
			name:        "traversal escaping the root",
			tool:        "read_file",
			params:      map[string]any{"path": "/srv/data/../../etc/passwd"},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  "outside the allowed roots",
		},
		{
			name:        "sibling prefix is not inside root",
			tool:        "read_file",
			params:      map[string]any{"path": "/srv/database/dump.sql"},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
		},
		{
			name:        "move checks both paths",
			tool:        "move-file",
			params:      map[string]any{"source": "/srv/data/a", "destination": "/tmp/a"},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  "/tmp/a",
		},
		{
			name:        "write inside root is medium",
			tool:        "write-file",
			params:      map[string]any{"path": "/srv/data/out.txt", "content": "x"},
			wantAllowed: true,
			wantRisk:    models.RiskMedium,
		},
		{
			name:         "delete inside root needs approval",
			tool:         "delete-file",
			params:       map[string]any{"path": "/srv/data/out.txt"},
			wantAllowed:  true,
			wantRisk:     models.RiskHigh,
			wantApproval: true,
		},
		{
			name:        "missing path is malformed",
			tool:        "list-directory",
			params:      map[string]any{},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  `missing required parameter "path"`,
		},
		{
			name:        "non string path is malformed",
			tool:        "list-directory",
			params:      map[string]any{"path": 42},
			wantAllowed: false,
			wantReason:  "must be a string",
			wantRisk:    models.RiskMedium,
		},
		{
			name:        "allowed roots listing needs no path",
			tool:        "list-allowed-directories",
			params:      nil,
			wantAllowed: true,
			wantRisk:    models.RiskLow,
		},
		{
			name:         "send email is high risk",
			tool:         "send-email",
			params:       map[string]any{"to": "ops@corp.example", "subject": "hi"},
			wantAllowed:  true,
			wantRisk:     models.RiskHigh,
			wantApproval: true,
		},
		{
			name:        "send email to foreign domain",
			tool:        "send-email",
			params:      map[string]any{"to": []any{"ops@corp.example", "x@evil.test"}},
			wantAllowed: false,
			wantRisk:    models.RiskHigh,
			wantReason:  `recipient domain "evil.test" is not allowed`,
		},
		{
			name:        "send email without recipient",
			tool:        "send-email",
			params:      map[string]any{"subject": "hi"},
			wantAllowed: false,
			wantRisk:    models.RiskHigh,
			wantReason:  "missing required parameter",
		},
		{
			name:        "navigate to allowed subdomain",
			tool:        "navigate",
			params:      map[string]any{"url": "https://docs.example.com/a"},
			wantAllowed: true,
			wantRisk:    models.RiskMedium,
		},
		{
			name:        "navigate with file scheme",
			tool:        "navigate",
			params:      map[string]any{"url": "file:///etc/passwd"},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
		},
		{
			name:        "navigate to unlisted host",
			tool:        "navigate",
			params:      map[string]any{"url": "https://example.org"},
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  "not in the allowed hosts",
		},
		{
			name:         "browser evaluate is high",
			tool:         "evaluate",
			params:       map[string]any{"script": "1+1"},
			wantAllowed:  true,
			wantRisk:     models.RiskHigh,
			wantApproval: true,
		},
		{
			name:        "static low risk",
			tool:        "echo",
			params:      map[string]any{"message": "hi"},
			wantAllowed: true,
			wantRisk:    models.RiskLow,
		},
		{
			name:        "static denied operation",
			tool:        "shutdown",
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  "denied by policy",
		},
		{
			name:        "domain without policy",
			tool:        "run-shell",
			params:      map[string]any{"cmd": "ls"},
			wantAllowed: false,
			wantRisk:    models.RiskHigh,
			wantReason:  `no policy configured for domain "shell"`,
		},
		{
			name:        "tool without domain",
			tool:        "mystery",
			wantAllowed: false,
			wantRisk:    models.RiskHigh,
			wantReason:  "does not belong to any policy domain",
		},
		{
			name:        "empty tool name",
			tool:        "  ",
			wantAllowed: false,
			wantRisk:    models.RiskMedium,
			wantReason:  "tool name is required",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			decision := evaluator.Evaluate(tc.tool, tc.params, models.Caller{UserID: "u1"})
			require.Equal(t, tc.wantAllowed, decision.Allowed, decision.Reason)
			require.Equal(t, tc.wantRisk, decision.RiskLevel)
			require.Equal(t, tc.wantApproval, decision.RequiresApproval)
			if tc.wantReason != "" {
				require.Contains(t, decision.Reason, tc.wantReason)
			}
			if !decision.Allowed {
				require.False(t, decision.RequiresApproval)
			}
		})
	}
}

func TestEvaluate_AutoApproveLowRiskSwitch(t *testing.T) {
	strict := newTestEvaluator(t, false)
	decision := strict.Evaluate("echo", nil, models.Caller{})
	require.True(t, decision.Allowed)
	require.True(t, decision.RequiresApproval)

	relaxed := newTestEvaluator(t, true)
	decision = relaxed.Evaluate("echo", nil, models.Caller{})
	require.True(t, decision.Allowed)
	require.False(t, decision.RequiresApproval)

	// The switch never relaxes high-risk calls.
	decision = relaxed.Evaluate("send-email", map[string]any{"to": "a@corp.example"}, models.Caller{})
	require.True(t, decision.RequiresApproval)
	require.Equal(t, models.RiskHigh, decision.RiskLevel)
}

func TestEvaluate_Deterministic(t *testing.T) {
	evaluator := newTestEvaluator(t, true)
	params := map[string]any{"to": []any{"a@corp.example", "b@corp.example"}, "cc": "c@corp.example"}

	first := evaluator.Evaluate("send-email", params, models.Caller{UserID: "u"})
	for i := 0; i < 20; i++ {
		require.Equal(t, first, evaluator.Evaluate("send-email", params, models.Caller{UserID: "u"}))
	}
}

func TestEvaluate_ExplicitToolDomainWinsOverResolver(t *testing.T) {
	evaluator := newTestEvaluator(t, true)
	// The resolver knows nothing about send-email; tool_domains maps it.
	decision := evaluator.Evaluate("send-email", map[string]any{"to": "a@corp.example"}, models.Caller{})
	require.Equal(t, "messaging", decision.Domain)
	require.Equal(t, "messaging", decision.Metadata["policy"])
}

func TestAudit_InvokesHook(t *testing.T) {
	var calls []models.AuditOutcome
	evaluator := newTestEvaluator(t, true, WithAuditHook(func(_ models.ToolCallRequest, _ models.PermissionDecision, outcome models.AuditOutcome) {
		calls = append(calls, outcome)
	}))

	decision := evaluator.Evaluate("list-directory", map[string]any{"path": "/etc"}, models.Caller{})
	require.Empty(t, calls, "evaluate must not audit")

	evaluator.Audit(models.ToolCallRequest{ToolName: "list-directory"}, decision, models.OutcomeDenied)
	require.Equal(t, []models.AuditOutcome{models.OutcomeDenied}, calls)

	withoutHook := newTestEvaluator(t, true)
	require.NotPanics(t, func() {
		withoutHook.Audit(models.ToolCallRequest{}, decision, models.OutcomeApproved)
	})
}

func TestBuildPolicy_Errors(t *testing.T) {
	_, err := BuildPolicy("x", config.DomainPolicyConfig{Type: "quantum"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown policy type")

	_, err = BuildPolicy("x", config.DomainPolicyConfig{ApprovalThreshold: "extreme"})
	require.Error(t, err)

	policy, err := BuildPolicy("browser", config.DomainPolicyConfig{})
	require.NoError(t, err)
	require.Equal(t, KindBrowser, policy.Kind())

	policy, err = BuildPolicy("calendar", config.DomainPolicyConfig{})
	require.NoError(t, err)
	require.Equal(t, KindStatic, policy.Kind())
}
