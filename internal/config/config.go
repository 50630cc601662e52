// Package config provides the application-level configuration schema
// for PolicyShield.
//
// This is distinct from internal/ruleset, which loads the rule file
// itself (plain YAML, no env overlay, strict schema). This package
// governs everything about how the policyshield process runs: where
// it listens, where it writes traces, how it authenticates operators,
// and which backends it uses for rate limiting, sessions, and
// approvals.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level PolicyShield application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Shield   ShieldConfig   `yaml:"shield" mapstructure:"shield"`
	Trace    TraceConfig    `yaml:"trace" mapstructure:"trace"`
	Auth     AuthConfig     `yaml:"auth" mapstructure:"auth"`
	RateLimit RateLimitBackendConfig `yaml:"rate_limit" mapstructure:"rate_limit"`
	Session  SessionConfig  `yaml:"session" mapstructure:"session"`
	Approval ApprovalConfig `yaml:"approval" mapstructure:"approval"`

	// DevMode enables permissive defaults for local development (an
	// in-memory-only stack with no auth token required).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// HTTPAddr is the bind address, e.g. "127.0.0.1:8443".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`
	// LogLevel is the minimum slog level.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	// RulesFile is the path to the rule-file loaded at boot and on reload.
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file" validate:"required"`
	// MaxRequestSize caps request bodies in bytes before a 413.
	MaxRequestSize int64 `yaml:"max_request_size" mapstructure:"max_request_size" validate:"omitempty,min=1"`
	// MaxConcurrentChecks bounds concurrent /api/v1/check requests; the
	// overflow path returns 503 server_overloaded.
	MaxConcurrentChecks int `yaml:"max_concurrent_checks" mapstructure:"max_concurrent_checks" validate:"omitempty,min=1"`
	// CORSOrigins is the allow-list for the Access-Control-Allow-Origin
	// header; empty disables CORS handling entirely.
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ShieldConfig configures the engine orchestrator's runtime posture.
type ShieldConfig struct {
	// Mode is one of ENFORCE, AUDIT, DISABLED.
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=ENFORCE AUDIT DISABLED"`
	// FailOpen controls behavior on an uncaught pipeline error: true
	// returns ALLOW, false returns BLOCK(__internal_error__).
	FailOpen bool `yaml:"fail_open" mapstructure:"fail_open"`
	// ShadowRulesFile optionally names a second rule file evaluated
	// alongside the live one purely for divergence logging.
	ShadowRulesFile string `yaml:"shadow_rules_file" mapstructure:"shadow_rules_file"`
}

// TraceConfig configures the JSONL trace recorder.
type TraceConfig struct {
	Dir               string `yaml:"dir" mapstructure:"dir" validate:"required"`
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size" validate:"omitempty,min=1"`
	PrivacyMode       bool   `yaml:"privacy_mode" mapstructure:"privacy_mode"`
	RotationMode      string `yaml:"rotation_mode" mapstructure:"rotation_mode" validate:"omitempty,oneof=size none"`
	MaxFileSizeMB     int    `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
	RetentionDays     int    `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`
	RetentionCron     string `yaml:"retention_cron" mapstructure:"retention_cron"`
}

// AuthConfig configures operator HTTP authentication.
type AuthConfig struct {
	// Token is a single bearer token (POLICYSHIELD_API_TOKEN). Mutually
	// exclusive with TokensFile in practice, though both may be set.
	Token string `yaml:"token" mapstructure:"token"`
	// TokensFile points to a file of argon2id-hashed tokens, one per
	// line, used when more than one operator token must be supported.
	TokensFile string `yaml:"tokens_file" mapstructure:"tokens_file"`
}

// RateLimitBackendConfig selects and configures the rate-limiter adapter.
type RateLimitBackendConfig struct {
	// Backend is "memory" or "redis".
	Backend         string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis"`
	RedisAddr       string `yaml:"redis_addr" mapstructure:"redis_addr"`
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	MaxIdle         string `yaml:"max_idle" mapstructure:"max_idle"`
	// Rules is the set of per-tool call limits enforced by the
	// limiter, independent of the rule file (rate limiting isn't a
	// `when`/`then` rule — it runs as its own pipeline step).
	Rules []RateLimitRuleConfig `yaml:"rules" mapstructure:"rules"`
}

// RateLimitRuleConfig configures a single sliding-window limit.
type RateLimitRuleConfig struct {
	// Tool is the tool name this limit applies to, or "*" for every tool.
	Tool          string  `yaml:"tool" mapstructure:"tool" validate:"required"`
	MaxCalls      int     `yaml:"max_calls" mapstructure:"max_calls" validate:"required,min=1"`
	WindowSeconds float64 `yaml:"window_seconds" mapstructure:"window_seconds" validate:"required,min=0"`
	PerSession    bool    `yaml:"per_session" mapstructure:"per_session"`
	Message       string  `yaml:"message" mapstructure:"message"`
	// Adaptive optionally narrows this limit for a bursting session.
	Adaptive *AdaptiveRateLimitConfig `yaml:"adaptive" mapstructure:"adaptive"`
}

// AdaptiveRateLimitConfig narrows a RateLimitRuleConfig's limit for a
// session that bursts past BurstThreshold calls within the window.
type AdaptiveRateLimitConfig struct {
	BurstThreshold  int     `yaml:"burst_threshold" mapstructure:"burst_threshold" validate:"required,min=1"`
	CooldownSeconds float64 `yaml:"cooldown_seconds" mapstructure:"cooldown_seconds" validate:"required,min=0"`
}

// SessionConfig selects and configures the session-store adapter.
type SessionConfig struct {
	// Backend is "memory" or "sqlite".
	Backend         string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory sqlite"`
	SqlitePath      string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	IdleTTL         string `yaml:"idle_ttl" mapstructure:"idle_ttl"`
	SweepInterval   string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	EventBufferSize int    `yaml:"event_buffer_size" mapstructure:"event_buffer_size" validate:"omitempty,min=1"`
}

// ApprovalConfig selects and configures the approval-plane backend.
type ApprovalConfig struct {
	// Backend is "memory", "webhook", "telegram", or "slack".
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory webhook telegram slack"`
	// DefaultTimeout is how long Check blocks awaiting a decision
	// before applying DefaultTimeoutAction (e.g. "5m").
	DefaultTimeout       string `yaml:"default_timeout" mapstructure:"default_timeout"`
	DefaultTimeoutAction string `yaml:"default_timeout_action" mapstructure:"default_timeout_action" validate:"omitempty,oneof=allow deny"`
	MaxPending           int    `yaml:"max_pending" mapstructure:"max_pending" validate:"omitempty,min=1"`

	Webhook WebhookConfig `yaml:"webhook" mapstructure:"webhook"`
	Chat    ChatConfig    `yaml:"chat" mapstructure:"chat"`
}

// WebhookConfig configures the webhook approval backend.
type WebhookConfig struct {
	URL          string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Secret       string `yaml:"secret" mapstructure:"secret"`
	Timeout      string `yaml:"timeout" mapstructure:"timeout"`
	Mode         string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=sync poll"`
	PollInterval string `yaml:"poll_interval" mapstructure:"poll_interval"`
	PollTimeout  string `yaml:"poll_timeout" mapstructure:"poll_timeout"`
}

// ChatConfig configures a chat-platform approval backend.
type ChatConfig struct {
	Platform string `yaml:"platform" mapstructure:"platform" validate:"omitempty,oneof=telegram slack"`
	PostURL  string `yaml:"post_url" mapstructure:"post_url"`
	ChatID   string `yaml:"chat_id" mapstructure:"chat_id"`
}

// SetDefaults applies sensible defaults for every optional field.
// Required fields (rules_file, trace.dir) are left for the operator or
// SetDevDefaults to fill in.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8443"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.MaxRequestSize == 0 {
		c.Server.MaxRequestSize = 1 << 20 // 1 MiB
	}
	if c.Server.MaxConcurrentChecks == 0 {
		c.Server.MaxConcurrentChecks = 256
	}

	if c.Shield.Mode == "" {
		c.Shield.Mode = "ENFORCE"
	}
	if !viper.IsSet("shield.fail_open") {
		c.Shield.FailOpen = false
	}

	if c.Trace.BatchSize == 0 {
		c.Trace.BatchSize = 100
	}
	if c.Trace.RotationMode == "" {
		c.Trace.RotationMode = "size"
	}
	if c.Trace.MaxFileSizeMB == 0 {
		c.Trace.MaxFileSizeMB = 100
	}
	if c.Trace.RetentionDays == 0 {
		c.Trace.RetentionDays = 30
	}

	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.CleanupInterval == "" {
		c.RateLimit.CleanupInterval = "5m"
	}
	if c.RateLimit.MaxIdle == "" {
		c.RateLimit.MaxIdle = "1h"
	}

	if c.Session.Backend == "" {
		c.Session.Backend = "memory"
	}
	if c.Session.IdleTTL == "" {
		c.Session.IdleTTL = "30m"
	}
	if c.Session.SweepInterval == "" {
		c.Session.SweepInterval = "5m"
	}
	if c.Session.EventBufferSize == 0 {
		c.Session.EventBufferSize = 256
	}

	if c.Approval.Backend == "" {
		c.Approval.Backend = "memory"
	}
	if c.Approval.DefaultTimeout == "" {
		c.Approval.DefaultTimeout = "5m"
	}
	if c.Approval.DefaultTimeoutAction == "" {
		c.Approval.DefaultTimeoutAction = "deny"
	}
	if c.Approval.MaxPending == 0 {
		c.Approval.MaxPending = 100
	}
	if c.Approval.Webhook.Mode == "" {
		c.Approval.Webhook.Mode = "sync"
	}
	if c.Approval.Webhook.Timeout == "" {
		c.Approval.Webhook.Timeout = "30s"
	}
	if c.Approval.Webhook.PollInterval == "" {
		c.Approval.Webhook.PollInterval = "2s"
	}
	if c.Approval.Webhook.PollTimeout == "" {
		c.Approval.Webhook.PollTimeout = "300s"
	}
}

// SetDevDefaults applies permissive defaults so policyshield can run
// with almost no configuration file, for local development only.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.RulesFile == "" {
		c.Server.RulesFile = "rules.yaml"
	}
	if c.Trace.Dir == "" {
		c.Trace.Dir = "./traces"
	}
}
