// Package cmd provides the CLI commands for PolicyShield.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/policyshield/policyshield/internal/config"
)

var cfgFile string
var rulesFile string

var rootCmd = &cobra.Command{
	Use:   "policyshield",
	Short: "PolicyShield - a policy firewall for AI tool calls",
	Long: `PolicyShield evaluates MCP/agent tool calls against a declarative
rule set before they reach an upstream tool, returning ALLOW, BLOCK, or
REDACT; APPROVE rules pause for a human decision that resolves to ALLOW
or BLOCK.

Quick start:
  1. Write a rule file: rules.yaml
  2. Check it locally:  policyshield check --rules rules.yaml --tool read_file
  3. Serve it:          policyshield serve --config policyshield.yaml

Configuration:
  Config is loaded from policyshield.yaml in the current directory,
  $HOME/.policyshield/, or /etc/policyshield/.

  Environment variables can override config values with the POLICYSHIELD_
  prefix. Example: POLICYSHIELD_SERVER_HTTP_ADDR=:9090

Commands:
  check       Evaluate a single tool call against a rule file, no server
  serve       Start the HTTP API
  reload      Tell a running instance to re-read its rule file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./policyshield.yaml)")
	rootCmd.PersistentFlags().StringVar(&rulesFile, "rules", "", "rule file, overrides config's server.rules_file")
}

func initConfig() {
	config.InitViper(cfgFile)
}
