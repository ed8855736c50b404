package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/p-arndt/docbox/internal/session"
)

var psHost string

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List sessions of a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runPs,
}

func init() {
	psCmd.Flags().StringVar(&psHost, "host", "", "daemon URL (e.g. http://127.0.0.1:8080); overrides config listen")
	rootCmd.AddCommand(psCmd)
}

func runPs(cmd *cobra.Command, args []string) error {
	baseURL := psHost
	if baseURL == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		baseURL = "http://" + cfg.Listen
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+"/v1/sandbox", nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	fmt.Printf("%-36s %-10s %-8s %-6s %-10s %s\n", "SESSION ID", "FRAMEWORK", "VERSION", "PHP", "STATUS", "EXPIRES IN")
	for _, s := range body.Sessions {
		fmt.Printf("%-36s %-10s %-8s %-6s %-10s %s\n",
			s.ID, s.Framework, s.FrameworkVersion, s.PHPVersion, s.Status,
			(time.Duration(s.ExpiresIn) * time.Second).String())
	}
	return nil
}
