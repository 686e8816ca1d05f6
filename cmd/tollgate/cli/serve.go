package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const banner = `
 _____ ___  _     _     ____    _  _____ _____
|_   _/ _ \| |   | |   / ___|  / \|_   _| ____|
  | || | | | |   | |  | |  _  / _ \ | | |  _|
  | || |_| | |___| |__| |_| |/ ___ \| | | |___
  |_| \___/|_____|_____\____/_/   \_\_| |_____|
`

func newServeCmd() *cobra.Command {
	var (
		port int
		host string
		dev  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Tollgate API server",
		Long:  "Start the HTTP server. Every API route passes through the authorization pipeline.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(dev)
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP listen host")
	cmd.Flags().BoolVar(&dev, "dev", false, "Enable development mode (debug logging)")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(dev bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dev {
		cfg.Logging.Level = "debug"
	}
	logger := newLogger(cfg.Logging, os.Stderr)

	fmt.Print(banner)
	fmt.Println()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openConfigStore()
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("config store initialized", "path", resolveDataDir())

	st, err := buildStack(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	orgs, err := store.ListOrganizations(ctx)
	if err != nil {
		logger.Warn("failed to list organizations", "error", err)
	} else if len(orgs) == 0 {
		logger.Warn("no organizations found - run: tollgate org create --name <name>")
	}

	host, port := cfg.Server.Host, cfg.Server.Port
	fmt.Printf("→ Tollgate %s\n", versionString())
	fmt.Printf("→ Listening on http://%s:%d\n", host, port)
	fmt.Printf("→ OpenAPI:    http://%s:%d/openapi.json\n", host, port)
	fmt.Printf("→ Health:     http://%s:%d/healthz\n", host, port)
	fmt.Printf("→ Metrics:    http://%s:%d/metrics\n", host, port)
	fmt.Printf("→ Rate limit: %s (%d tokens)\n", cfg.RateLimit.Backend, cfg.RateLimit.Capacity)
	fmt.Println()

	return st.server.ListenAndServe(ctx)
}
