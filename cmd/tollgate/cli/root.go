package cli

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	appVersion string // set in Execute, reported in the OpenAPI document
)

// Execute creates the root command tree and runs it.
func Execute(version, commit, date string) error {
	appVersion = version
	rootCmd := newRootCmd(version, commit, date)
	return rootCmd.Execute()
}

func newRootCmd(version, commit, date string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tollgate",
		Short: "Authorization gateway for multi-tenant HTTP APIs",
		Long: `Tollgate: one authorization pipeline in front of every route.

Each request is rate limited, its session token or API key resolved, the
caller's address checked against the tenant's subnet rules, its scopes matched
against the route, and a fresh second factor demanded for sensitive routes.
Every decision lands in an append-only audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./tollgate.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory for the SQLite store (default: ~/.tollgate)")

	cobra.OnInitialize(initConfig)

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newVersionCmd(version, commit, date))
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newOrgCmd())
	cmd.AddCommand(newUserCmd())
	cmd.AddCommand(newKeyCmd())
	cmd.AddCommand(newSubnetCmd())
	cmd.AddCommand(newTokenCmd())
	cmd.AddCommand(newAuditCmd())
	cmd.AddCommand(newOpenAPICmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tollgate")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.tollgate")
	}

	// TOLLGATE_AUTH_JWT_SECRET overrides auth.jwt_secret, and so on.
	viper.SetEnvPrefix("TOLLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	viper.ReadInConfig() // Ignore error - config file is optional
}
