package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tollgatehq/tollgate/internal/config"
	"github.com/tollgatehq/tollgate/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var outputFile string

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Generate the OpenAPI specification",
		Long: `Generate the OpenAPI 3.1 document for the API. Each operation lists the
scope it requires (x-required-scope), whether it demands a fresh second factor
(x-sensitive) and its rate limit cost (x-rate-cost).`,
		Example: `  tollgate openapi              # print to stdout
  tollgate openapi -o spec.json # write to file`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpenAPI(cmd, outputFile)
		},
	}

	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write spec to file instead of stdout")

	return cmd
}

func runOpenAPI(cmd *cobra.Command, outputFile string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The route table does not depend on stored data, so an in-memory store
	// keeps this command free of side effects.
	cfg.RateLimit.Backend = "memory"
	cfg.Audit.Driver, cfg.Audit.DSN = "sqlite", ""
	cfg.Auth.JWTSecret = "openapi"
	store, err := config.NewStore("")
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st, err := buildStack(ctx, cfg, store, newLogger(cfg.Logging, io.Discard))
	if err != nil {
		return err
	}
	defer st.Close()

	doc := openapi.Generate(st.server.Routes(), openapi.Info{
		Version:      versionString(),
		APIKeyHeader: cfg.Auth.APIKeyHeader,
	})
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	data = append(data, '\n')

	if outputFile == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", outputFile, err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", outputFile)
	return nil
}
