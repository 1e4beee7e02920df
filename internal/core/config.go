package core

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the entire engine configuration. A loaded Config is treated as
// an immutable snapshot; hot reload swaps the whole pointer (see reload.go)
// so rules never observe a half-updated configuration.
type Config struct {
	Server      ServerConfig          `yaml:"server"`
	Bus         BusConfig             `yaml:"bus"`
	Pipeline    PipelineConfig        `yaml:"pipeline"`
	Rules       map[string]RuleConfig `yaml:"rules"`
	Scoring     ScoringConfig         `yaml:"scoring"`
	Correlation CorrelationConfig     `yaml:"correlation"`
	Intel       IntelConfig           `yaml:"intel"`
	Response    ResponseConfig        `yaml:"response"`
	Store       StoreConfig           `yaml:"store"`
	Ticket      TicketConfig          `yaml:"ticket"`
	Logging     LoggingConfig         `yaml:"logging"`
}

// ServerConfig holds API server settings.
type ServerConfig struct {
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	Principals []PrincipalConfig `yaml:"principals"`
	RateLimit  RateLimitConfig   `yaml:"rate_limit"`
}

// PrincipalConfig maps an API key to an authenticated principal with a role.
type PrincipalConfig struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"` // admin, security_analyst, network_engineer, readonly_user
}

// RateLimitConfig controls the fixed-window limiter on the ingest and
// response-execution entry points.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Window        time.Duration `yaml:"window"`
	MaxPerKey     int           `yaml:"max_per_key"`
	MaxPerKeyResp int           `yaml:"max_per_key_respond"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// PipelineConfig sizes the bounded ingest queue and worker pool.
type PipelineConfig struct {
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// RuleConfig parameterizes one detection rule. Shared read-only by all rule
// engine invocations.
type RuleConfig struct {
	Enabled        bool          `yaml:"enabled"`
	SeverityWeight float64       `yaml:"severity_weight"`
	Window         time.Duration `yaml:"window"`
	Threshold      int           `yaml:"threshold"`
	Multiplier     float64       `yaml:"multiplier"` // anomaly rule: burst factor over baseline
}

// ScoringConfig holds the risk scorer weights and severity thresholds. The
// thresholds are configuration, not constants: critical >= Critical,
// high >= High, medium >= Medium, else low.
type ScoringConfig struct {
	ReputationWeight float64 `yaml:"reputation_weight"`
	AnomalyWeight    float64 `yaml:"anomaly_weight"`
	Thresholds       struct {
		Medium   float64 `yaml:"medium"`
		High     float64 `yaml:"high"`
		Critical float64 `yaml:"critical"`
	} `yaml:"thresholds"`
}

// CorrelationConfig controls alert grouping and incident lifecycle.
type CorrelationConfig struct {
	Window            time.Duration `yaml:"window"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	AutoResolve       bool          `yaml:"auto_resolve"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// IntelConfig configures the enrichment sources.
type IntelConfig struct {
	Timeout   time.Duration      `yaml:"timeout"` // per-source lookup timeout
	CacheSize int                `yaml:"cache_size"`
	CacheTTL  time.Duration      `yaml:"cache_ttl"`
	HTTP      []HTTPSourceConfig `yaml:"http_sources"`
	Local     LocalIntelConfig   `yaml:"local"`
}

// HTTPSourceConfig describes one external HTTP reputation source.
type HTTPSourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"` // indicator appended as ?indicator=
}

// LocalIntelConfig is a config-driven reputation list, useful offline and in
// tests.
type LocalIntelConfig struct {
	Enabled    bool                       `yaml:"enabled"`
	Indicators map[string]LocalIntelEntry `yaml:"indicators"`
}

// LocalIntelEntry is one locally configured indicator.
type LocalIntelEntry struct {
	Score      float64  `yaml:"score"`
	Categories []string `yaml:"categories"`
}

// ResponseConfig holds response policies and approval/retry behavior.
type ResponseConfig struct {
	Enabled      bool                   `yaml:"enabled"`
	DryRun       bool                   `yaml:"dry_run"`
	Policies     []ResponsePolicyConfig `yaml:"policies"`
	ApprovalTTL  time.Duration          `yaml:"approval_ttl"`
	MaxPending   int                    `yaml:"max_pending"`
	MaxRetries   int                    `yaml:"max_retries"`
	RetryBackoff time.Duration          `yaml:"retry_backoff"`
	ExecTimeout  time.Duration          `yaml:"exec_timeout"`
}

// ResponsePolicyConfig maps a threat type and minimum severity to an ordered
// list of action templates. ThreatType "*" matches any type.
type ResponsePolicyConfig struct {
	ThreatType  string                 `yaml:"threat_type"`
	MinSeverity string                 `yaml:"min_severity"`
	Actions     []ActionTemplateConfig `yaml:"actions"`
}

// ActionTemplateConfig is one configured response action.
type ActionTemplateConfig struct {
	Type             string            `yaml:"type"`
	Params           map[string]string `yaml:"params"`
	RequiresApproval bool              `yaml:"requires_approval"`
}

// StoreConfig holds alert store settings.
type StoreConfig struct {
	MaxAlerts     int           `yaml:"max_alerts"`
	RetentionDays int           `yaml:"retention_days"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TicketConfig configures the fire-and-forget incident export sink.
type TicketConfig struct {
	Enabled    bool          `yaml:"enabled"`
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// DefaultConfig returns a Config with sane defaults — zero-config works out
// of the box. Numeric defaults match the illustrative values in the design
// docs; all are overridable.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 1790,
			RateLimit: RateLimitConfig{
				Enabled:       true,
				Window:        time.Minute,
				MaxPerKey:     600,
				MaxPerKeyResp: 60,
			},
		},
		Bus: BusConfig{
			Enabled:  true,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Pipeline: PipelineConfig{
			QueueSize: 4096,
			Workers:   8,
		},
		Rules: map[string]RuleConfig{
			"brute_force":   {Enabled: true, SeverityWeight: 55, Window: 5 * time.Minute, Threshold: 5},
			"sql_injection": {Enabled: true, SeverityWeight: 70},
			"xss":           {Enabled: true, SeverityWeight: 55},
			"file_upload":   {Enabled: true, SeverityWeight: 50},
			"anomaly":       {Enabled: true, SeverityWeight: 35, Window: time.Minute, Threshold: 60, Multiplier: 5},
		},
		Correlation: CorrelationConfig{
			Window:            15 * time.Minute,
			InactivityTimeout: 24 * time.Hour,
			AutoResolve:       true,
			SweepInterval:     time.Minute,
		},
		Intel: IntelConfig{
			Timeout:   2 * time.Second,
			CacheSize: 10000,
			CacheTTL:  10 * time.Minute,
		},
		Response: ResponseConfig{
			Enabled:      true,
			ApprovalTTL:  30 * time.Minute,
			MaxPending:   100,
			MaxRetries:   3,
			RetryBackoff: 2 * time.Second,
			ExecTimeout:  10 * time.Second,
			Policies: []ResponsePolicyConfig{
				{
					ThreatType:  "brute_force",
					MinSeverity: "medium",
					Actions: []ActionTemplateConfig{
						{Type: "block_ip", RequiresApproval: true},
						{Type: "alert_admin"},
					},
				},
				{
					ThreatType:  "sql_injection",
					MinSeverity: "high",
					Actions: []ActionTemplateConfig{
						{Type: "block_ip", RequiresApproval: true},
						{Type: "alert_admin"},
					},
				},
				{
					ThreatType:  "*",
					MinSeverity: "critical",
					Actions: []ActionTemplateConfig{
						{Type: "alert_admin"},
					},
				},
			},
		},
		Store: StoreConfig{
			MaxAlerts:     100000,
			RetentionDays: 365,
			SweepInterval: time.Hour,
		},
		Ticket: TicketConfig{
			Enabled: true,
			Timeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
	cfg.Scoring.ReputationWeight = 0.3
	cfg.Scoring.AnomalyWeight = 0.2
	cfg.Scoring.Thresholds.Medium = 50
	cfg.Scoring.Thresholds.High = 70
	cfg.Scoring.Thresholds.Critical = 90
	return cfg
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Admin key from environment if no principals configured
	if len(cfg.Server.Principals) == 0 {
		if envKey := os.Getenv("SENTRA_API_KEY"); envKey != "" {
			cfg.Server.Principals = []PrincipalConfig{{Name: "env-admin", Key: envKey, Role: "admin"}}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would violate scoring or correlation
// invariants at runtime.
func (c *Config) Validate() error {
	t := c.Scoring.Thresholds
	if !(t.Critical > t.High && t.High > t.Medium && t.Medium > 0) {
		return fmt.Errorf("scoring thresholds must satisfy critical > high > medium > 0 (got %v/%v/%v)",
			t.Critical, t.High, t.Medium)
	}
	if c.Correlation.Window <= 0 {
		return fmt.Errorf("correlation window must be positive")
	}
	for _, p := range c.Response.Policies {
		for _, a := range p.Actions {
			if !ValidActionType(ActionType(a.Type)) {
				return fmt.Errorf("unknown response action type %q", a.Type)
			}
		}
	}
	for _, pr := range c.Server.Principals {
		if !ValidRole(pr.Role) {
			return fmt.Errorf("principal %q has unknown role %q", pr.Name, pr.Role)
		}
	}
	return nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// RuleFor returns the configuration for a named rule.
func (c *Config) RuleFor(name string) (RuleConfig, bool) {
	rc, ok := c.Rules[name]
	return rc, ok
}

// LogLevel returns the normalized log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// AuthEnabled returns true if API key authentication is configured.
func (c *Config) AuthEnabled() bool {
	return len(c.Server.Principals) > 0
}

// LookupPrincipal resolves an API key to its principal using constant-time
// comparison. Returns nil if the key matches no principal.
func (c *Config) LookupPrincipal(key string) *PrincipalConfig {
	for i := range c.Server.Principals {
		p := &c.Server.Principals[i]
		if subtle.ConstantTimeCompare([]byte(key), []byte(p.Key)) == 1 {
			return p
		}
	}
	return nil
}

// Role names checked by the API layer.
const (
	RoleAdmin           = "admin"
	RoleSecurityAnalyst = "security_analyst"
	RoleNetworkEngineer = "network_engineer"
	RoleReadonly        = "readonly_user"
)

// ValidRole reports whether the role name is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleSecurityAnalyst, RoleNetworkEngineer, RoleReadonly:
		return true
	}
	return false
}
