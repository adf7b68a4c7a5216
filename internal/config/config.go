package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"McpHost/internal/models"
)

const (
	// StateBackendFile persists enablement state to a JSON document.
	StateBackendFile = "file"
	// StateBackendPostgres persists enablement state to PostgreSQL.
	StateBackendPostgres = "postgres"

	defaultConfigPath = "config/config.yaml"
)

// Config is the root configuration document.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Logging   LoggingConfig             `yaml:"logging"`
	Auth      AuthConfig                `yaml:"auth"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	State     StateConfig               `yaml:"state"`
	Approvals ApprovalConfig            `yaml:"approvals"`
	Remote    RemoteConfig              `yaml:"remote"`
	Servers   []models.ServerDescriptor `yaml:"servers"`
	Policy    PolicyConfig              `yaml:"policy"`
}

// ServerConfig configures the control surface listener.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// AuthConfig configures API-key authentication for /api routes.
type AuthConfig struct {
	Enabled    bool     `yaml:"enabled"`
	HeaderName string   `yaml:"header_name"`
	APIKeys    []string `yaml:"api_keys"`
}

// RateLimitConfig configures per-client request limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// StateConfig selects where enablement state lives.
type StateConfig struct {
	Backend string `yaml:"backend"`
	File    string `yaml:"file"`
	DSN     string `yaml:"dsn"`
	// CatalogFromDatabase loads server descriptors from PostgreSQL in
	// addition to the servers listed in this file.
	CatalogFromDatabase bool `yaml:"catalog_from_database"`
}

// ApprovalConfig configures the approval ledger.
type ApprovalConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`
}

// RemoteConfig configures capability server connections.
type RemoteConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CallTimeout bounds a single tool call; zero means no deadline.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// PolicyConfig is the static permission policy.
type PolicyConfig struct {
	AutoApproveLowRisk bool                          `yaml:"auto_approve_low_risk"`
	Domains            map[string]DomainPolicyConfig `yaml:"domains"`
	ToolDomains        map[string]string             `yaml:"tool_domains"`
}

// DomainPolicyConfig is the loosely typed form of one domain policy. The
// permission package turns it into a strongly typed variant selected by Type.
type DomainPolicyConfig struct {
	Type              string `yaml:"type"`
	ApprovalThreshold string `yaml:"approval_threshold"`

	AllowedRoots     []string `yaml:"allowed_roots"`
	ReadOperations   []string `yaml:"read_operations"`
	WriteOperations  []string `yaml:"write_operations"`
	DeleteOperations []string `yaml:"delete_operations"`

	AllowedHosts []string `yaml:"allowed_hosts"`

	AllowedRecipientDomains []string `yaml:"allowed_recipient_domains"`

	Risk             map[string]string `yaml:"risk"`
	DefaultRisk      string            `yaml:"default_risk"`
	DeniedOperations []string          `yaml:"denied_operations"`
}

var (
	commandPattern          = regexp.MustCompile(`^[\w\-./]+$`)
	forbiddenCommandPattern = []string{"../", "~/", "$", "`", "|", ";", "&&", "||"}
	forbiddenArgPattern     = []string{"$", "`", "|", ";", "&&", "||", "$(", "${"}
)

// LoadConfig reads, defaults and validates the YAML file at configPath.
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = defaultConfigPath
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes a YAML document without consulting the environment.
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	setDefaults(&config)
	return &config, nil
}

func setDefaults(config *Config) {
	if config.Server.ListenAddr == "" {
		config.Server.ListenAddr = ":9001"
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = 30 * time.Second
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 15 * time.Second
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}

	if config.Auth.HeaderName == "" {
		config.Auth.HeaderName = "X-API-Key"
	}

	if config.RateLimit.RequestsPerMinute == 0 {
		config.RateLimit.RequestsPerMinute = 120
	}

	if config.State.Backend == "" {
		config.State.Backend = StateBackendFile
	}
	if config.State.File == "" {
		config.State.File = "data/server_state.json"
	}

	if config.Approvals.Timeout == 0 {
		config.Approvals.Timeout = 5 * time.Minute
	}
	if config.Approvals.SweepInterval == 0 {
		config.Approvals.SweepInterval = 30 * time.Second
	}
	if config.Approvals.HistoryRetention == 0 {
		config.Approvals.HistoryRetention = 15 * time.Minute
	}

	if config.Remote.ConnectTimeout == 0 {
		config.Remote.ConnectTimeout = 30 * time.Second
	}

	for i := range config.Servers {
		config.Servers[i].Name = strings.TrimSpace(config.Servers[i].Name)
		config.Servers[i].Transport = strings.ToLower(strings.TrimSpace(config.Servers[i].Transport))
		if config.Servers[i].Transport == "" {
			config.Servers[i].Transport = models.TransportStdio
		}
	}
}

// LoadConfigFromEnv applies environment overrides; they win over the file.
func LoadConfigFromEnv(config *Config) {
	if addr := os.Getenv("MCPHOST_LISTEN_ADDR"); addr != "" {
		config.Server.ListenAddr = addr
	}
	if level := os.Getenv("MCPHOST_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if file := os.Getenv("MCPHOST_STATE_FILE"); file != "" {
		config.State.File = file
	}
	if dsn := os.Getenv("MCPHOST_DATABASE_DSN"); dsn != "" {
		config.State.DSN = dsn
		config.State.Backend = StateBackendPostgres
	}
	if keys := os.Getenv("MCPHOST_API_KEYS"); keys != "" {
		config.Auth.APIKeys = splitList(keys)
		config.Auth.Enabled = len(config.Auth.APIKeys) > 0
	}
	config.Policy.AutoApproveLowRisk = envBool("MCPHOST_AUTO_APPROVE_LOW_RISK", config.Policy.AutoApproveLowRisk)
	config.Server.TrustProxyHeaders = envBool("MCPHOST_TRUST_PROXY_HEADERS", config.Server.TrustProxyHeaders)
}

// Validate checks invariants the rest of the host relies on.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case StateBackendFile:
		if strings.TrimSpace(c.State.File) == "" {
			return fmt.Errorf("state.file is required for the file backend")
		}
	case StateBackendPostgres:
		if strings.TrimSpace(c.State.DSN) == "" {
			return fmt.Errorf("state.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid state.backend %q (allowed: %s|%s)", c.State.Backend, StateBackendFile, StateBackendPostgres)
	}
	if c.State.CatalogFromDatabase && c.State.Backend != StateBackendPostgres {
		return fmt.Errorf("state.catalog_from_database requires the postgres backend")
	}
	if c.Approvals.Timeout < 0 || c.Approvals.SweepInterval < 0 {
		return fmt.Errorf("approval durations must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, desc := range c.Servers {
		if err := ValidateDescriptor(desc); err != nil {
			return err
		}
		if _, dup := seen[desc.Name]; dup {
			return fmt.Errorf("duplicate server name %q", desc.Name)
		}
		seen[desc.Name] = struct{}{}
	}

	for domain, policy := range c.Policy.Domains {
		if policy.ApprovalThreshold != "" {
			if _, ok := models.ParseRiskLevel(policy.ApprovalThreshold); !ok {
				return fmt.Errorf("policy domain %q: invalid approval_threshold %q", domain, policy.ApprovalThreshold)
			}
		}
		if policy.DefaultRisk != "" {
			if _, ok := models.ParseRiskLevel(policy.DefaultRisk); !ok {
				return fmt.Errorf("policy domain %q: invalid default_risk %q", domain, policy.DefaultRisk)
			}
		}
		for op, level := range policy.Risk {
			if _, ok := models.ParseRiskLevel(level); !ok {
				return fmt.Errorf("policy domain %q: invalid risk %q for operation %q", domain, level, op)
			}
		}
	}
	return nil
}

// ValidateDescriptor rejects launch parameters that could smuggle shell syntax.
func ValidateDescriptor(desc models.ServerDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("server name is required")
	}

	switch desc.EffectiveTransport() {
	case models.TransportStdio:
		if err := validateCommand(desc.Command); err != nil {
			return fmt.Errorf("server %q: %w", desc.Name, err)
		}
		for _, arg := range desc.Args {
			for _, pattern := range forbiddenArgPattern {
				if strings.Contains(arg, pattern) {
					return fmt.Errorf("server %q: argument contains forbidden pattern %q", desc.Name, pattern)
				}
			}
		}
	case models.TransportSSE, models.TransportHTTP:
		parsed, err := url.Parse(desc.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("server %q: invalid url %q", desc.Name, desc.URL)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("server %q: url must use http or https", desc.Name)
		}
	case models.TransportBuiltin:
	default:
		return fmt.Errorf("server %q: unsupported transport %q", desc.Name, desc.Transport)
	}
	return nil
}

func validateCommand(command string) error {
	if command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if !commandPattern.MatchString(command) {
		return fmt.Errorf("command contains invalid characters")
	}
	for _, pattern := range forbiddenCommandPattern {
		if strings.Contains(command, pattern) {
			return fmt.Errorf("command contains forbidden pattern %q", pattern)
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func envBool(key string, defaultVal bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		default:
			return defaultVal
		}
	}
	return parsed
}
