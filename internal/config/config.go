package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir    string `yaml:"data_dir"`
	ListenAddr string `yaml:"listen_addr"`
	// InsecureDevMode relaxes secret-key and webhook-secret requirements for
	// local-only development. Never enable this in shared or production
	// environments.
	InsecureDevMode bool `yaml:"insecure_dev_mode"`
	// EncryptionKey is the base64-encoded 32-byte key used to encrypt
	// provider credentials at rest. When empty, a key is loaded from (or
	// generated under) DataDir.
	EncryptionKey string `yaml:"encryption_key"`

	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Budget    BudgetConfig    `yaml:"budget"`
	Providers ProvidersConfig `yaml:"providers"`
	API       APIConfig       `yaml:"api"`
}

// StoreConfig points at the Redis instance holding durable task and
// installation records.
type StoreConfig struct {
	URL string `yaml:"url"`
}

type QueueConfig struct {
	// URL defaults to the store URL when empty; a separate instance (or DB
	// index) isolates queue churn from the durable records.
	URL        string `yaml:"url"`
	SoftLimit  int64  `yaml:"soft_limit"`
	HardLimit  int64  `yaml:"hard_limit"`
	MaxAttempts int   `yaml:"max_attempts"`
	// VisibilityTimeout is how long a lease lives without a heartbeat before
	// the task becomes claimable again.
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

type WorkerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	MaxPerOrg     int `yaml:"max_per_org"`
	// Timeouts maps a task command to its wall-clock limit in seconds.
	Timeouts map[string]int `yaml:"timeouts"`
	// AgentBinary is the CLI the worker spawns for each task.
	AgentBinary string        `yaml:"agent_binary"`
	AgentModel  string        `yaml:"agent_model"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

type WorkspaceConfig struct {
	Root         string   `yaml:"root"`
	AllowedHosts []string `yaml:"allowed_hosts"`
	// DenyPaths are doublestar globs for files the agent must never touch or
	// post, on top of workspace-root confinement.
	DenyPaths         []string      `yaml:"deny_paths"`
	MaxWorkspaceBytes int64         `yaml:"max_workspace_bytes"`
	MaxOrgBytes       int64         `yaml:"max_org_bytes"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	// SSH enables deploy-key auth for remotes that cannot take an
	// installation token (self-hosted git over ssh).
	SSH *GitSSHConfig `yaml:"ssh"`
}

type GitSSHConfig struct {
	KeyPath               string `yaml:"key_path"`
	KeyPassphraseEnv      string `yaml:"key_passphrase_env"`
	KnownHostsPath        string `yaml:"known_hosts_path"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
}

type BudgetConfig struct {
	PerTaskUSD     float64 `yaml:"per_task_usd"`
	PerOrgDailyUSD float64 `yaml:"per_org_daily_usd"`
	// GlobalDailyUSD is the platform kill switch: once crossed, no new task
	// starts until the next UTC day.
	GlobalDailyUSD float64 `yaml:"global_daily_usd"`
}

type ProvidersConfig struct {
	GitHub ProviderConfig `yaml:"github"`
	Jira   ProviderConfig `yaml:"jira"`
	Slack  ProviderConfig `yaml:"slack"`
	Sentry ProviderConfig `yaml:"sentry"`
}

type ProviderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	WebhookSecret string `yaml:"webhook_secret"`
	APIBaseURL    string `yaml:"api_base_url"`
	// Token / TokenEnv supply a static fallback credential for orgs without
	// a registered installation.
	Token    string `yaml:"token"`
	TokenEnv string `yaml:"token_env"`
	// BotUser is the identity the poster writes as; events authored by it
	// are ignored at ingress.
	BotUser string `yaml:"bot_user"`

	// Activation tunes provider-specific trigger rules. Jira and Sentry
	// stay inert until their filter is configured here.
	Activation *ActivationConfig `yaml:"activation"`

	App *GitHubAppConfig `yaml:"app"`
}

type ActivationConfig struct {
	// JiraStatus activates jira tickets transitioning into this status when
	// labelled AI-Fix.
	JiraStatus string `yaml:"jira_status"`
	// JiraAssignee activates tickets assigned to this agent identity.
	JiraAssignee string `yaml:"jira_assignee"`
	// SentryMinLevel activates sentry issue alerts at or above this level
	// ("error", "fatal").
	SentryMinLevel string `yaml:"sentry_min_level"`
}

type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
	PrivateKeyEnv  string `yaml:"private_key_env"`
	APIBaseURL     string `yaml:"api_base_url"`
}

type APIConfig struct {
	AdminToken       string `yaml:"admin_token"`
	AdminTokenHeader string `yaml:"admin_token_header"`
	// OrgRatePerHour caps webhook-driven requests per organization.
	OrgRatePerHour int `yaml:"org_rate_per_hour"`
	// EndpointRatePerMinute caps each public endpoint; Burst is shared.
	EndpointRatePerMinute int `yaml:"endpoint_rate_per_minute"`
	Burst                 int `yaml:"burst"`
	// TrustProxy enables honoring X-Forwarded-For / X-Real-IP without
	// checking the direct peer IP. Prefer leaving this false and relying on
	// private/loopback proxy checks.
	TrustProxy bool `yaml:"trust_proxy"`
}

const (
	minVisibilityTimeout = 2 * time.Minute
	minHeartbeatInterval = 10 * time.Second
)

// defaultTimeouts is the per-command wall-clock budget in seconds.
var defaultTimeouts = map[string]int{
	"review":    300,
	"fix":       600,
	"implement": 600,
	"test":      300,
	"refactor":  900,
	"improve":   900,
	"explain":   120,
	"help":      60,
	"other":     600,
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:    "./data",
		ListenAddr: ":8080",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return applyDefaults(cfg)
}

// applyEnvOverrides maps the deployment environment onto the config.
// Environment always wins over file values.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.URL = v
	}
	if v := os.Getenv("QUEUE_URL"); v != "" {
		cfg.Queue.URL = v
	}
	if v := os.Getenv("WORKSPACE_ROOT"); v != "" {
		cfg.Workspace.Root = v
	}
	if v := os.Getenv("AGENTD_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
	}

	for env, pc := range map[string]*ProviderConfig{
		"GITHUB_WEBHOOK_SECRET": &cfg.Providers.GitHub,
		"JIRA_WEBHOOK_SECRET":   &cfg.Providers.Jira,
		"SLACK_WEBHOOK_SECRET":  &cfg.Providers.Slack,
		"SENTRY_WEBHOOK_SECRET": &cfg.Providers.Sentry,
	} {
		if v := os.Getenv(env); v != "" {
			pc.WebhookSecret = v
			pc.Enabled = true
		}
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"MAX_CONCURRENT_TASKS", &cfg.Worker.MaxConcurrent},
		{"MAX_PER_ORG_TASKS", &cfg.Worker.MaxPerOrg},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", iv.name, err)
		}
		*iv.dst = n
	}

	if v := os.Getenv("QUEUE_SOFT_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid QUEUE_SOFT_LIMIT: %w", err)
		}
		cfg.Queue.SoftLimit = n
	}

	floatVars := []struct {
		name string
		dst  *float64
	}{
		{"BUDGET_PER_TASK_USD", &cfg.Budget.PerTaskUSD},
		{"BUDGET_PER_ORG_DAILY_USD", &cfg.Budget.PerOrgDailyUSD},
	}
	for _, fv := range floatVars {
		v := os.Getenv(fv.name)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", fv.name, err)
		}
		*fv.dst = f
	}

	if v := os.Getenv("TASK_TIMEOUTS_JSON"); v != "" {
		timeouts := map[string]int{}
		if err := json.Unmarshal([]byte(v), &timeouts); err != nil {
			return fmt.Errorf("invalid TASK_TIMEOUTS_JSON: %w", err)
		}
		if cfg.Worker.Timeouts == nil {
			cfg.Worker.Timeouts = map[string]int{}
		}
		for cmd, secs := range timeouts {
			cfg.Worker.Timeouts[cmd] = secs
		}
	}

	return nil
}

func applyDefaults(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.Store.URL == "" {
		cfg.Store.URL = "redis://localhost:6379/0"
	}
	if cfg.Queue.URL == "" {
		cfg.Queue.URL = cfg.Store.URL
	}
	if cfg.Queue.SoftLimit <= 0 {
		cfg.Queue.SoftLimit = 1000
	}
	if cfg.Queue.HardLimit <= 0 {
		cfg.Queue.HardLimit = cfg.Queue.SoftLimit * 4
	}
	if cfg.Queue.HardLimit < cfg.Queue.SoftLimit {
		return nil, fmt.Errorf("queue.hard_limit must be >= queue.soft_limit")
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 4
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 10 * time.Minute
	}
	if cfg.Queue.HeartbeatInterval == 0 {
		cfg.Queue.HeartbeatInterval = 2 * time.Minute
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Queue.VisibilityTimeout < minVisibilityTimeout {
		return nil, fmt.Errorf("queue.visibility_timeout must be at least %s", minVisibilityTimeout)
	}
	if cfg.Queue.HeartbeatInterval < minHeartbeatInterval {
		return nil, fmt.Errorf("queue.heartbeat_interval must be at least %s", minHeartbeatInterval)
	}
	if cfg.Queue.HeartbeatInterval > cfg.Queue.VisibilityTimeout/2 {
		return nil, fmt.Errorf("queue.heartbeat_interval must be <= visibility_timeout/2")
	}

	if cfg.Worker.MaxConcurrent < 1 {
		cfg.Worker.MaxConcurrent = 10
	}
	if cfg.Worker.MaxPerOrg < 1 {
		cfg.Worker.MaxPerOrg = 2
	}
	if cfg.Worker.AgentBinary == "" {
		cfg.Worker.AgentBinary = "agent-cli"
	}
	if cfg.Worker.GracePeriod == 0 {
		cfg.Worker.GracePeriod = 5 * time.Second
	}
	if cfg.Worker.Timeouts == nil {
		cfg.Worker.Timeouts = map[string]int{}
	}
	for cmd, secs := range defaultTimeouts {
		if _, ok := cfg.Worker.Timeouts[cmd]; !ok {
			cfg.Worker.Timeouts[cmd] = secs
		}
	}
	for cmd, secs := range cfg.Worker.Timeouts {
		if secs < 1 {
			return nil, fmt.Errorf("worker.timeouts[%s] must be at least 1s", cmd)
		}
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "/var/lib/agentd/workspaces"
	}
	if len(cfg.Workspace.AllowedHosts) == 0 {
		cfg.Workspace.AllowedHosts = []string{"github.com", "gitlab.com"}
	}
	if cfg.Workspace.MaxWorkspaceBytes <= 0 {
		cfg.Workspace.MaxWorkspaceBytes = 500 << 20
	}
	if cfg.Workspace.MaxOrgBytes <= 0 {
		cfg.Workspace.MaxOrgBytes = 10 << 30
	}
	if cfg.Workspace.IdleTTL == 0 {
		cfg.Workspace.IdleTTL = 24 * time.Hour
	}

	if cfg.Budget.PerTaskUSD <= 0 {
		cfg.Budget.PerTaskUSD = 1.00
	}
	if cfg.Budget.PerOrgDailyUSD <= 0 {
		cfg.Budget.PerOrgDailyUSD = 100.00
	}
	if cfg.Budget.GlobalDailyUSD <= 0 {
		cfg.Budget.GlobalDailyUSD = 200.00
	}

	if cfg.API.AdminTokenHeader == "" {
		cfg.API.AdminTokenHeader = "Authorization"
	}
	if cfg.API.OrgRatePerHour <= 0 {
		cfg.API.OrgRatePerHour = 100
	}
	if cfg.API.EndpointRatePerMinute <= 0 {
		cfg.API.EndpointRatePerMinute = 20
	}
	if cfg.API.Burst <= 0 {
		cfg.API.Burst = 10
	}

	for _, p := range []struct {
		name string
		cfg  *ProviderConfig
	}{
		{"github", &cfg.Providers.GitHub},
		{"jira", &cfg.Providers.Jira},
		{"slack", &cfg.Providers.Slack},
		{"sentry", &cfg.Providers.Sentry},
	} {
		if p.cfg.Enabled && p.cfg.WebhookSecret == "" && !cfg.InsecureDevMode {
			return nil, fmt.Errorf("providers.%s enabled but webhook_secret is empty", p.name)
		}
	}

	return cfg, nil
}

// Provider returns the config block for a provider name, nil when unknown.
func (c *Config) Provider(name string) *ProviderConfig {
	switch strings.ToLower(name) {
	case "github":
		return &c.Providers.GitHub
	case "jira":
		return &c.Providers.Jira
	case "slack":
		return &c.Providers.Slack
	case "sentry":
		return &c.Providers.Sentry
	default:
		return nil
	}
}

// EnabledProviders lists provider names with ingress switched on.
func (c *Config) EnabledProviders() []string {
	names := []string{}
	for _, name := range []string{"github", "jira", "slack", "sentry"} {
		if p := c.Provider(name); p != nil && p.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// TimeoutFor returns the wall-clock limit for a task command, falling back
// to the "other" bucket for unknown commands.
func (w WorkerConfig) TimeoutFor(command string) time.Duration {
	if secs, ok := w.Timeouts[command]; ok {
		return time.Duration(secs) * time.Second
	}
	return time.Duration(w.Timeouts["other"]) * time.Second
}

// APIToken resolves the static fallback credential for a provider.
func (p *ProviderConfig) APIToken() string {
	if p.Token != "" {
		return p.Token
	}
	if p.TokenEnv != "" {
		return os.Getenv(p.TokenEnv)
	}
	return ""
}
