package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	reloadAddr  string
	reloadToken string
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Tell a running instance to re-read its rule file",
	Long:  `Sends POST /api/v1/reload to a running policyshield instance.`,
	RunE:  runReload,
}

func init() {
	reloadCmd.Flags().StringVar(&reloadAddr, "addr", "http://127.0.0.1:8443", "base URL of the running instance")
	reloadCmd.Flags().StringVar(&reloadToken, "token", "", "bearer token, if the instance requires auth")
	rootCmd.AddCommand(reloadCmd)
}

func runReload(cmd *cobra.Command, args []string) error {
	req, err := http.NewRequest(http.MethodPost, reloadAddr+"/api/v1/reload", nil)
	if err != nil {
		return fmt.Errorf("reload: build request: %w", err)
	}
	if reloadToken != "" {
		req.Header.Set("Authorization", "Bearer "+reloadToken)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reload: request failed: %w", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("reload: decode response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("reload: instance returned %d: %v", resp.StatusCode, body)
	}
	fmt.Printf("reloaded: %v\n", body)
	return nil
}
