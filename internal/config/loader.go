// Package config provides configuration loading for PolicyShield.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for policyshield.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("policyshield")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POLICYSHIELD_SERVER_HTTP_ADDR, etc.
	viper.SetEnvPrefix("POLICYSHIELD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a policyshield config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "policyshield" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".policyshield"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "policyshield"))
		}
	} else {
		paths = append(paths, "/etc/policyshield")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for policyshield.yaml
// or .yml. Returns the full path of the first match, or "" if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "policyshield"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every config key that should be overridable via a
// dedicated environment variable, including ones whose names depart from the
// mechanical dotted-path-to-underscore mapping AutomaticEnv already performs
// (e.g. POLICYSHIELD_API_TOKEN instead of POLICYSHIELD_AUTH_TOKEN).
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.rules_file")
	_ = viper.BindEnv("server.max_request_size", "POLICYSHIELD_MAX_REQUEST_SIZE")
	_ = viper.BindEnv("server.max_concurrent_checks", "POLICYSHIELD_MAX_CONCURRENT_CHECKS")
	_ = viper.BindEnv("server.cors_origins", "POLICYSHIELD_CORS_ORIGINS")

	_ = viper.BindEnv("shield.mode")
	_ = viper.BindEnv("shield.fail_open")
	_ = viper.BindEnv("shield.shadow_rules_file")

	_ = viper.BindEnv("trace.dir", "POLICYSHIELD_TRACE_DIR")
	_ = viper.BindEnv("trace.batch_size")
	_ = viper.BindEnv("trace.privacy_mode")
	_ = viper.BindEnv("trace.rotation_mode")
	_ = viper.BindEnv("trace.max_file_size_mb")
	_ = viper.BindEnv("trace.retention_days")
	_ = viper.BindEnv("trace.retention_cron", "POLICYSHIELD_TRACE_RETENTION_CRON")

	_ = viper.BindEnv("auth.token", "POLICYSHIELD_API_TOKEN")
	_ = viper.BindEnv("auth.tokens_file", "POLICYSHIELD_API_TOKENS_FILE")

	_ = viper.BindEnv("rate_limit.backend", "POLICYSHIELD_RATE_LIMIT_BACKEND")
	_ = viper.BindEnv("rate_limit.redis_addr", "POLICYSHIELD_REDIS_ADDR")
	_ = viper.BindEnv("rate_limit.cleanup_interval")
	_ = viper.BindEnv("rate_limit.max_idle")

	_ = viper.BindEnv("session.backend", "POLICYSHIELD_SESSION_BACKEND")
	_ = viper.BindEnv("session.sqlite_path")
	_ = viper.BindEnv("session.idle_ttl")
	_ = viper.BindEnv("session.sweep_interval")
	_ = viper.BindEnv("session.event_buffer_size")

	_ = viper.BindEnv("approval.backend")
	_ = viper.BindEnv("approval.default_timeout")
	_ = viper.BindEnv("approval.default_timeout_action")
	_ = viper.BindEnv("approval.max_pending")
	_ = viper.BindEnv("approval.webhook.url")
	_ = viper.BindEnv("approval.webhook.secret")
	_ = viper.BindEnv("approval.webhook.timeout")
	_ = viper.BindEnv("approval.webhook.mode")
	_ = viper.BindEnv("approval.webhook.poll_interval")
	_ = viper.BindEnv("approval.webhook.poll_timeout")
	_ = viper.BindEnv("approval.chat.platform")
	_ = viper.BindEnv("approval.chat.post_url")
	_ = viper.BindEnv("approval.chat.chat_id")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config. Note: callers should apply any CLI
// flag overrides (e.g. --dev), then call cfg.SetDevDefaults() and
// cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
