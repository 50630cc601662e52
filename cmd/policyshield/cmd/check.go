package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/adapter/outbound/cel"
	"github.com/policyshield/policyshield/internal/adapter/outbound/memory"
	"github.com/policyshield/policyshield/internal/domain/pii"
	"github.com/policyshield/policyshield/internal/domain/sanitizer"
	"github.com/policyshield/policyshield/internal/domain/session"
	"github.com/policyshield/policyshield/internal/domain/shield"
	"github.com/policyshield/policyshield/internal/ruleset"
	"github.com/policyshield/policyshield/internal/service"
)

var (
	checkTool      string
	checkArgs      string
	checkSender    string
	checkSessionID string
	checkContext   string
	checkMode      string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a single tool call against a rule file, no server",
	Long: `Loads a rule file and runs one tool call through the same pipeline
the HTTP API uses (sanitizer, PII scanner, matcher), printing the
resulting verdict. Exits non-zero on BLOCK, so it drops straight into
a CI pre-merge gate.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkTool, "tool", "", "tool name being called (required)")
	checkCmd.Flags().StringVar(&checkArgs, "args", "{}", "tool call arguments, as a JSON object")
	checkCmd.Flags().StringVar(&checkSender, "sender", "", "caller identity, if any")
	checkCmd.Flags().StringVar(&checkSessionID, "session-id", "ci", "session ID to evaluate session conditions and taint under")
	checkCmd.Flags().StringVar(&checkContext, "context", "{}", "extra match context, as a JSON object")
	checkCmd.Flags().StringVar(&checkMode, "mode", "ENFORCE", "engine mode: ENFORCE, AUDIT, or DISABLED")
	_ = checkCmd.MarkFlagRequired("tool")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path := rulesFile
	if path == "" {
		return fmt.Errorf("check: --rules is required")
	}
	rs, err := ruleset.Load(path)
	if err != nil {
		return fmt.Errorf("check: load rules: %w", err)
	}

	exprCompiler, err := cel.NewCompiler()
	if err != nil {
		return fmt.Errorf("check: build expression compiler: %w", err)
	}
	customPII := make([]pii.CustomPattern, 0, len(rs.PIIPatterns))
	for _, p := range rs.PIIPatterns {
		customPII = append(customPII, pii.CustomPattern{Name: p.Name, Pattern: p.Pattern})
	}
	scanner, err := pii.New(customPII)
	if err != nil {
		return fmt.Errorf("check: build pii scanner: %w", err)
	}
	san, err := sanitizer.New(sanitizer.DefaultConfig())
	if err != nil {
		return fmt.Errorf("check: build sanitizer: %w", err)
	}
	sessions := session.NewManager(memory.NewSessionStore(), 0)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := service.New(
		service.Config{Mode: service.ParseMode(checkMode)},
		rs,
		exprCompiler,
		san,
		scanner,
		nil, // no rate limiter for a one-shot local check
		sessions,
		nil, // no approval backend; APPROVE rules resolve to BLOCK
		nil, // no trace writer
		logger,
	)
	if err != nil {
		return fmt.Errorf("check: build engine: %w", err)
	}

	var toolArgs map[string]any
	if err := json.Unmarshal([]byte(checkArgs), &toolArgs); err != nil {
		return fmt.Errorf("check: --args is not valid JSON: %w", err)
	}
	var matchContext map[string]any
	if err := json.Unmarshal([]byte(checkContext), &matchContext); err != nil {
		return fmt.Errorf("check: --context is not valid JSON: %w", err)
	}

	result, err := engine.Check(context.Background(), service.CheckRequest{
		Tool:      checkTool,
		Args:      toolArgs,
		Sender:    checkSender,
		SessionID: checkSessionID,
		Context:   matchContext,
	})
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("check: encode result: %w", err)
	}

	if result.Verdict == shield.VerdictBlock {
		os.Exit(1)
	}
	return nil
}
