package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/adapter/inbound/httpapi"
	"github.com/policyshield/policyshield/internal/adapter/outbound/approval/chatbot"
	"github.com/policyshield/policyshield/internal/adapter/outbound/approval/memory"
	"github.com/policyshield/policyshield/internal/adapter/outbound/approval/webhook"
	"github.com/policyshield/policyshield/internal/adapter/outbound/cel"
	memadapter "github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	redisadapter "github.com/policyshield/policyshield/internal/adapter/outbound/redis"
	"github.com/policyshield/policyshield/internal/adapter/outbound/sqlitestate"
	"github.com/policyshield/policyshield/internal/adapter/outbound/trace"
	"github.com/policyshield/policyshield/internal/config"
	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/ratelimit"
	"github.com/policyshield/policyshield/internal/domain/sanitizer"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/ruleset"
	"github.com/policyshield/policyshield/internal/service"
)

var (
	devMode bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long:  `Boots the PolicyShield engine and serves its HTTP API until interrupted.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "enable permissive in-memory defaults for local development")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	if rulesFile != "" {
		cfg.Server.RulesFile = rulesFile
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("serve: invalid config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if cfgFileUsed := config.ConfigFileUsed(); cfgFileUsed != "" {
		logger.Info("using config file", "path", cfgFileUsed)
	}

	// BOOT-01: rule set.
	rs, err := ruleset.Load(cfg.Server.RulesFile)
	if err != nil {
		return fmt.Errorf("serve: load rules: %w", err)
	}

	// BOOT-02: expression compiler and scanner, both seeded from the
	// rule file's custom patterns.
	exprCompiler, err := cel.NewCompiler()
	if err != nil {
		return fmt.Errorf("serve: build expression compiler: %w", err)
	}
	customPII := make([]pii.CustomPattern, 0, len(rs.PIIPatterns))
	for _, p := range rs.PIIPatterns {
		customPII = append(customPII, pii.CustomPattern{Name: p.Name, Pattern: p.Pattern})
	}
	scanner, err := pii.New(customPII)
	if err != nil {
		return fmt.Errorf("serve: build pii scanner: %w", err)
	}

	// BOOT-03: sanitizer.
	san, err := sanitizer.New(sanitizer.DefaultConfig())
	if err != nil {
		return fmt.Errorf("serve: build sanitizer: %w", err)
	}

	// BOOT-04: rate limiter.
	limiter, err := buildRateLimiter(cfg)
	if err != nil {
		return fmt.Errorf("serve: build rate limiter: %w", err)
	}

	// BOOT-05: session store and manager.
	sessionStore, err := buildSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("serve: build session store: %w", err)
	}
	sweepInterval, err := time.ParseDuration(cfg.Session.SweepInterval)
	if err != nil {
		return fmt.Errorf("serve: parse session.sweep_interval: %w", err)
	}
	sessions := session.NewManager(sessionStore, cfg.Session.EventBufferSize)

	// BOOT-06: approval backend.
	approvalBackend, err := buildApprovalBackend(cfg, logger)
	if err != nil {
		return fmt.Errorf("serve: build approval backend: %w", err)
	}

	// BOOT-07: trace writer.
	tracer, err := trace.New(trace.Config{
		Dir:               cfg.Trace.Dir,
		BatchSize:         cfg.Trace.BatchSize,
		PrivacyMode:       cfg.Trace.PrivacyMode,
		RotationMode:      trace.RotationMode(cfg.Trace.RotationMode),
		MaxFileSizeMB:     cfg.Trace.MaxFileSizeMB,
		RetentionDays:     cfg.Trace.RetentionDays,
		RetentionSchedule: cfg.Trace.RetentionCron,
	}, logger)
	if err != nil {
		return fmt.Errorf("serve: build trace writer: %w", err)
	}

	// BOOT-08: engine.
	approvalTimeout, err := time.ParseDuration(cfg.Approval.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("serve: parse approval.default_timeout: %w", err)
	}
	engine, err := service.New(
		service.Config{
			Mode:                 service.ParseMode(cfg.Shield.Mode),
			FailOpen:             cfg.Shield.FailOpen,
			ApprovalTimeout:      approvalTimeout,
			DefaultTimeoutAction: cfg.Approval.DefaultTimeoutAction,
		},
		rs,
		exprCompiler,
		san,
		scanner,
		limiter,
		sessions,
		approvalBackend,
		tracer,
		logger,
	)
	if err != nil {
		return fmt.Errorf("serve: build engine: %w", err)
	}
	if cfg.Shield.ShadowRulesFile != "" {
		shadowRS, err := ruleset.Load(cfg.Shield.ShadowRulesFile)
		if err != nil {
			return fmt.Errorf("serve: load shadow rules: %w", err)
		}
		if err := engine.ReloadShadow(shadowRS, exprCompiler); err != nil {
			return fmt.Errorf("serve: install shadow rules: %w", err)
		}
	}

	// BOOT-09: HTTP server.
	handler := httpapi.Routes(httpapi.Options{
		Engine:          engine,
		ApprovalBackend: approvalBackend,
		RulesPath:       cfg.Server.RulesFile,
		Logger:          logger,
		AuthToken:       cfg.Auth.Token,
		AuthTokensFile:  readTokensFile(cfg.Auth.TokensFile, logger),
		CORSOrigins:     cfg.Server.CORSOrigins,
		MaxBodyBytes:    cfg.Server.MaxRequestSize,
		MaxConcurrent:   cfg.Server.MaxConcurrentChecks,
		FailOpen:        cfg.Shield.FailOpen,
		Version:         Version,
	})

	if sweeper, ok := sessionStore.(interface {
		StartSweep(ctx context.Context, interval time.Duration)
	}); ok {
		sweepCtx, cancelSweep := context.WithCancel(context.Background())
		defer cancelSweep()
		sweeper.StartSweep(sweepCtx, sweepInterval)
	}

	return runHTTPServer(cfg.Server.HTTPAddr, handler, logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runHTTPServer(addr string, handler http.Handler, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{Addr: addr, Handler: handler}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("policyshield listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during server shutdown", "error", err)
			return err
		}
		logger.Info("policyshield shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func buildRateLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	configs := make([]ratelimit.Config, 0, len(cfg.RateLimit.Rules))
	for _, r := range cfg.RateLimit.Rules {
		rc := ratelimit.Config{
			Tool:          r.Tool,
			MaxCalls:      r.MaxCalls,
			WindowSeconds: r.WindowSeconds,
			PerSession:    r.PerSession,
			Message:       r.Message,
		}
		if r.Adaptive != nil {
			rc.Adaptive = &ratelimit.AdaptiveConfig{
				BurstThreshold:  r.Adaptive.BurstThreshold,
				CooldownSeconds: r.Adaptive.CooldownSeconds,
			}
		}
		configs = append(configs, rc)
	}

	switch cfg.RateLimit.Backend {
	case "redis":
		// ZSETs self-trim to the window on every Check/Record, so no
		// cleanup interval is needed here the way the memory backend needs one.
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RateLimit.RedisAddr})
		return redisadapter.NewRateLimiter(client, configs), nil
	default:
		cleanup, err := time.ParseDuration(cfg.RateLimit.CleanupInterval)
		if err != nil {
			return nil, fmt.Errorf("parse rate_limit.cleanup_interval: %w", err)
		}
		maxIdle, err := time.ParseDuration(cfg.RateLimit.MaxIdle)
		if err != nil {
			return nil, fmt.Errorf("parse rate_limit.max_idle: %w", err)
		}
		return memadapter.NewRateLimiterWithCleanup(configs, cleanup, maxIdle), nil
	}
}

func buildSessionStore(cfg *config.Config) (session.Store, error) {
	idleTTL, err := time.ParseDuration(cfg.Session.IdleTTL)
	if err != nil {
		return nil, fmt.Errorf("parse session.idle_ttl: %w", err)
	}
	switch cfg.Session.Backend {
	case "sqlite":
		return sqlitestate.Open(cfg.Session.SqlitePath, idleTTL, cfg.Session.EventBufferSize)
	default:
		return memadapter.NewSessionStoreWithConfig(idleTTL, cfg.Session.EventBufferSize), nil
	}
}

func buildApprovalBackend(cfg *config.Config, logger *slog.Logger) (approval.Backend, error) {
	switch cfg.Approval.Backend {
	case "webhook":
		timeout, err := time.ParseDuration(cfg.Approval.Webhook.Timeout)
		if err != nil {
			return nil, fmt.Errorf("parse approval.webhook.timeout: %w", err)
		}
		pollInterval, err := time.ParseDuration(cfg.Approval.Webhook.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("parse approval.webhook.poll_interval: %w", err)
		}
		pollTimeout, err := time.ParseDuration(cfg.Approval.Webhook.PollTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse approval.webhook.poll_timeout: %w", err)
		}
		return webhook.New(webhook.Config{
			URL:          cfg.Approval.Webhook.URL,
			Secret:       cfg.Approval.Webhook.Secret,
			Timeout:      timeout,
			Mode:         webhook.Mode(cfg.Approval.Webhook.Mode),
			PollInterval: pollInterval,
			PollTimeout:  pollTimeout,
		}, logger), nil
	case "telegram", "slack":
		return chatbot.New(chatbot.Config{
			Platform: chatbot.Platform(cfg.Approval.Chat.Platform),
			PostURL:  cfg.Approval.Chat.PostURL,
			ChatID:   cfg.Approval.Chat.ChatID,
		}), nil
	default:
		return memory.New(cfg.Approval.MaxPending), nil
	}
}

// readTokensFile reads a newline-delimited file of argon2id hashes. A
// missing path is not an error — it just means no file-backed tokens
// are configured.
func readTokensFile(path string, logger *slog.Logger) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("could not read auth tokens file", "path", path, "error", err)
		return nil
	}
	var hashes []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			hashes = append(hashes, line)
		}
	}
	return hashes
}
