package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check whether a Tollgate server is ready",
		Long:  "Query the server's readiness probe and print the state of each dependency.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				host := cfg.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
			}
			return runStatus(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Server base URL (default from config)")

	return cmd
}

func runStatus(cmd *cobra.Command, base string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(base + "/readyz")
	if err != nil {
		return fmt.Errorf("server at %s is not responding: %w", base, err)
	}
	defer resp.Body.Close()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode readiness response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Server %s: %s (%d)\n", base, body.Status, resp.StatusCode)
	names := make([]string, 0, len(body.Checks))
	for name := range body.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-8s %s\n", name, body.Checks[name])
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server is not ready")
	}
	return nil
}
