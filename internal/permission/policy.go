package permission

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"McpHost/internal/config"
	"McpHost/internal/models"
)

// Kind tags which rule set a domain policy carries.
type Kind string

const (
	KindFilesystem Kind = "filesystem"
	KindBrowser    Kind = "browser"
	KindMessaging  Kind = "messaging"
	KindStatic     Kind = "static"
	KindDeny       Kind = "deny"
)

// Policy is one variant of the per-domain policy table.
type Policy interface {
	Kind() Kind
	// Check classifies one call. It must not perform I/O.
	Check(operation string, params map[string]any) Verdict
	// ApprovalThreshold is the lowest risk that needs a human decision.
	ApprovalThreshold() models.RiskLevel
}

// Verdict is the domain-level outcome before approval rules are applied.
type Verdict struct {
	Allowed bool
	Risk    models.RiskLevel
	Reason  string
}

func allow(risk models.RiskLevel, reason string) Verdict {
	return Verdict{Allowed: true, Risk: risk, Reason: reason}
}

func deny(risk models.RiskLevel, format string, args ...any) Verdict {
	return Verdict{Allowed: false, Risk: risk, Reason: fmt.Sprintf(format, args...)}
}

// BuildPolicy turns the configured form of a domain policy into its variant.
// An empty type is inferred from the domain name and falls back to static.
func BuildPolicy(domain string, cfg config.DomainPolicyConfig) (Policy, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(cfg.Type)))
	if kind == "" {
		switch Kind(domain) {
		case KindFilesystem, KindBrowser, KindMessaging:
			kind = Kind(domain)
		default:
			kind = KindStatic
		}
	}

	threshold := models.RiskHigh
	if cfg.ApprovalThreshold != "" {
		level, ok := models.ParseRiskLevel(cfg.ApprovalThreshold)
		if !ok {
			return nil, fmt.Errorf("domain %q: invalid approval threshold %q", domain, cfg.ApprovalThreshold)
		}
		threshold = level
	}
	risk, err := parseRiskTable(domain, cfg.Risk)
	if err != nil {
		return nil, err
	}

	switch kind {
	case KindFilesystem:
		return &FilesystemPolicy{
			AllowedRoots: append([]string(nil), cfg.AllowedRoots...),
			Read:         operationSet(cfg.ReadOperations, defaultFilesystemRead),
			Write:        operationSet(cfg.WriteOperations, defaultFilesystemWrite),
			Delete:       operationSet(cfg.DeleteOperations, defaultFilesystemDelete),
			Threshold:    threshold,
		}, nil
	case KindBrowser:
		return &BrowserPolicy{
			AllowedHosts: normalizeList(cfg.AllowedHosts),
			Risk:         mergeRisk(defaultBrowserRisk, risk),
			DefaultRisk:  parseDefaultRisk(cfg.DefaultRisk, models.RiskMedium),
			Threshold:    threshold,
		}, nil
	case KindMessaging:
		return &MessagingPolicy{
			AllowedRecipientDomains: normalizeList(cfg.AllowedRecipientDomains),
			Risk:                    mergeRisk(defaultMessagingRisk, risk),
			DefaultRisk:             parseDefaultRisk(cfg.DefaultRisk, models.RiskHigh),
			Threshold:               threshold,
		}, nil
	case KindStatic:
		return &StaticPolicy{
			Risk:        risk,
			DefaultRisk: parseDefaultRisk(cfg.DefaultRisk, models.RiskMedium),
			Denied:      operationSet(cfg.DeniedOperations, nil),
			Threshold:   threshold,
		}, nil
	case KindDeny:
		return DenyPolicy{Domain: domain}, nil
	default:
		return nil, fmt.Errorf("domain %q: unknown policy type %q", domain, cfg.Type)
	}
}

var (
	defaultFilesystemRead = []string{
		"read-file", "read-text-file", "read-media-file", "read-multiple-files",
		"list-directory", "list-directory-with-sizes", "directory-tree",
		"search-files", "get-file-info", "list-allowed-directories",
	}
	defaultFilesystemWrite  = []string{"write-file", "edit-file", "create-directory", "move-file"}
	defaultFilesystemDelete = []string{"delete-file", "remove-file", "delete-directory"}

	defaultBrowserRisk = map[string]models.RiskLevel{
		"navigate":   models.RiskMedium,
		"screenshot": models.RiskLow,
		"snapshot":   models.RiskLow,
		"click":      models.RiskMedium,
		"type":       models.RiskMedium,
		"evaluate":   models.RiskHigh,
	}
	defaultMessagingRisk = map[string]models.RiskLevel{
		"send-email":    models.RiskHigh,
		"send-message":  models.RiskHigh,
		"list-messages": models.RiskLow,
		"read-message":  models.RiskLow,
	}

	filesystemPathKeys = []string{"path", "source", "destination", "paths"}
	recipientKeys      = []string{"to", "cc", "bcc", "recipient"}
)

// FilesystemPolicy permits operations only inside configured roots.
type FilesystemPolicy struct {
	AllowedRoots []string
	Read         map[string]struct{}
	Write        map[string]struct{}
	Delete       map[string]struct{}
	Threshold    models.RiskLevel
}

func (p *FilesystemPolicy) Kind() Kind                          { return KindFilesystem }
func (p *FilesystemPolicy) ApprovalThreshold() models.RiskLevel { return p.Threshold }

func (p *FilesystemPolicy) Check(operation string, params map[string]any) Verdict {
	risk := models.RiskMedium
	switch {
	case has(p.Read, operation):
		risk = models.RiskLow
	case has(p.Write, operation):
		risk = models.RiskMedium
	case has(p.Delete, operation):
		risk = models.RiskHigh
	}

	if operation == "list-allowed-directories" {
		return allow(risk, "listing allowed roots")
	}

	paths, present, err := collectStrings(params, filesystemPathKeys)
	if err != nil {
		return deny(risk.Max(models.RiskMedium), "%v", err)
	}
	if !present {
		return deny(risk.Max(models.RiskMedium), "missing required parameter %q", "path")
	}
	for _, path := range paths {
		resolved, ok := isPathAllowed(path, p.AllowedRoots)
		if !ok {
			return deny(risk.Max(models.RiskMedium), "path %q is outside the allowed roots", resolved)
		}
	}
	return allow(risk, fmt.Sprintf("%s within allowed roots", operation))
}

// BrowserPolicy restricts navigation targets and classifies actions.
type BrowserPolicy struct {
	AllowedHosts []string
	Risk         map[string]models.RiskLevel
	DefaultRisk  models.RiskLevel
	Threshold    models.RiskLevel
}

func (p *BrowserPolicy) Kind() Kind                          { return KindBrowser }
func (p *BrowserPolicy) ApprovalThreshold() models.RiskLevel { return p.Threshold }

func (p *BrowserPolicy) Check(operation string, params map[string]any) Verdict {
	risk := lookupRisk(p.Risk, operation, p.DefaultRisk)

	raw, present := params["url"]
	if !present {
		if strings.Contains(operation, "navigate") {
			return deny(risk, "missing required parameter %q", "url")
		}
		return allow(risk, fmt.Sprintf("browser %s", operation))
	}
	target, ok := raw.(string)
	if !ok {
		return deny(risk, "parameter %q must be a string", "url")
	}
	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil || parsed.Host == "" {
		return deny(risk, "invalid url %q", target)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return deny(risk, "url scheme %q is not allowed", parsed.Scheme)
	}
	if len(p.AllowedHosts) > 0 && !hostAllowed(parsed.Hostname(), p.AllowedHosts) {
		return deny(risk, "host %q is not in the allowed hosts", parsed.Hostname())
	}
	return allow(risk, fmt.Sprintf("browser %s to allowed host", operation))
}

// MessagingPolicy restricts recipients and classifies outbound messages.
type MessagingPolicy struct {
	AllowedRecipientDomains []string
	Risk                    map[string]models.RiskLevel
	DefaultRisk             models.RiskLevel
	Threshold               models.RiskLevel
}

func (p *MessagingPolicy) Kind() Kind                          { return KindMessaging }
func (p *MessagingPolicy) ApprovalThreshold() models.RiskLevel { return p.Threshold }

func (p *MessagingPolicy) Check(operation string, params map[string]any) Verdict {
	risk := lookupRisk(p.Risk, operation, p.DefaultRisk)

	recipients, present, err := collectStrings(params, recipientKeys)
	if err != nil {
		return deny(risk, "%v", err)
	}
	if !present {
		if strings.HasPrefix(operation, "send") {
			return deny(risk, "missing required parameter %q", "to")
		}
		return allow(risk, fmt.Sprintf("messaging %s", operation))
	}
	for _, recipient := range recipients {
		at := strings.LastIndex(recipient, "@")
		if at <= 0 || at == len(recipient)-1 {
			return deny(risk, "invalid recipient %q", recipient)
		}
		domain := strings.ToLower(recipient[at+1:])
		if len(p.AllowedRecipientDomains) > 0 && !hostAllowed(domain, p.AllowedRecipientDomains) {
			return deny(risk, "recipient domain %q is not allowed", domain)
		}
	}
	return allow(risk, fmt.Sprintf("%s to %d recipient(s)", operation, len(recipients)))
}

// StaticPolicy classifies operations from a fixed risk table.
type StaticPolicy struct {
	Risk        map[string]models.RiskLevel
	DefaultRisk models.RiskLevel
	Denied      map[string]struct{}
	Threshold   models.RiskLevel
}

func (p *StaticPolicy) Kind() Kind                          { return KindStatic }
func (p *StaticPolicy) ApprovalThreshold() models.RiskLevel { return p.Threshold }

func (p *StaticPolicy) Check(operation string, _ map[string]any) Verdict {
	risk := lookupRisk(p.Risk, operation, p.DefaultRisk)
	if has(p.Denied, operation) {
		return deny(risk, "operation %q is denied by policy", operation)
	}
	return allow(risk, fmt.Sprintf("%s classified %s", operation, risk))
}

// DenyPolicy is the variant used for every domain without a configured policy.
type DenyPolicy struct {
	Domain string
}

func (p DenyPolicy) Kind() Kind                          { return KindDeny }
func (p DenyPolicy) ApprovalThreshold() models.RiskLevel { return models.RiskHigh }

func (p DenyPolicy) Check(string, map[string]any) Verdict {
	if p.Domain == "" {
		return deny(models.RiskHigh, "tool does not belong to any policy domain")
	}
	return deny(models.RiskHigh, "no policy configured for domain %q", p.Domain)
}

// normalizeOperation folds "read_file", "Read-File" and "read file" together.
func normalizeOperation(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer("_", "-", " ", "-").Replace(name)
}

func operationSet(configured, defaults []string) map[string]struct{} {
	source := configured
	if len(source) == 0 {
		source = defaults
	}
	set := make(map[string]struct{}, len(source))
	for _, op := range source {
		if normalized := normalizeOperation(op); normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set
}

func has(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func parseRiskTable(domain string, raw map[string]string) (map[string]models.RiskLevel, error) {
	table := make(map[string]models.RiskLevel, len(raw))
	for op, value := range raw {
		level, ok := models.ParseRiskLevel(value)
		if !ok {
			return nil, fmt.Errorf("domain %q: invalid risk %q for %q", domain, value, op)
		}
		table[normalizeOperation(op)] = level
	}
	return table, nil
}

func parseDefaultRisk(raw string, fallback models.RiskLevel) models.RiskLevel {
	if level, ok := models.ParseRiskLevel(raw); ok {
		return level
	}
	return fallback
}

func mergeRisk(defaults, overrides map[string]models.RiskLevel) map[string]models.RiskLevel {
	merged := make(map[string]models.RiskLevel, len(defaults)+len(overrides))
	for op, level := range defaults {
		merged[op] = level
	}
	for op, level := range overrides {
		merged[op] = level
	}
	return merged
}

func lookupRisk(table map[string]models.RiskLevel, operation string, fallback models.RiskLevel) models.RiskLevel {
	if level, ok := table[operation]; ok {
		return level
	}
	return fallback
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.ToLower(strings.TrimSpace(value)); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// hostAllowed matches exact names and subdomains of allowed entries.
func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, candidate := range allowed {
		if host == candidate || strings.HasSuffix(host, "."+candidate) {
			return true
		}
	}
	return false
}

// collectStrings gathers string values under keys in a fixed order. present
// reports whether any key was set at all.
func collectStrings(params map[string]any, keys []string) ([]string, bool, error) {
	var values []string
	present := false
	for _, key := range keys {
		raw, ok := params[key]
		if !ok || raw == nil {
			continue
		}
		present = true
		switch typed := raw.(type) {
		case string:
			if strings.TrimSpace(typed) == "" {
				return nil, true, fmt.Errorf("parameter %q must not be empty", key)
			}
			values = append(values, typed)
		case []string:
			values = append(values, typed...)
		case []any:
			for _, item := range typed {
				str, ok := item.(string)
				if !ok {
					return nil, true, fmt.Errorf("parameter %q must contain only strings", key)
				}
				values = append(values, str)
			}
		default:
			return nil, true, fmt.Errorf("parameter %q must be a string or list of strings", key)
		}
	}
	if present && len(values) == 0 {
		return nil, true, fmt.Errorf("parameters %s must not be empty", strings.Join(sortedCopy(keys), ", "))
	}
	return values, present, nil
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
