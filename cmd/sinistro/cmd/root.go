// Package cmd holds the sinistro command tree.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/isaquesgti/sinistro-simplify/internal/config"
	"github.com/isaquesgti/sinistro-simplify/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	configPath string
	settings   *viper.Viper
)

var rootCmd = &cobra.Command{
	Use:   "sinistro",
	Short: "Claims portal backend",
	Long: `sinistro serves the claims portal: session and role resolution, route
guarding and the realtime message channel between clients and insurers.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New()
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		if err := config.ReadFile(v, configPath); err != nil {
			return err
		}
		settings = v
		obs.SetLevel(v.GetString("log_level"))
		return nil
	},
}

// loadConfig validates the full service configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// databaseURL is all the maintenance commands need.
func databaseURL() (string, error) {
	dsn := strings.TrimSpace(settings.GetString("database_url"))
	if dsn == "" {
		return "", errors.New("database_url is required")
	}
	return dsn, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().String("database_url", "", "Postgres connection URL (env: SINISTRO_DATABASE_URL)")
	rootCmd.PersistentFlags().String("log_level", "", "Log level (env: SINISTRO_LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, migrateCmd, usersCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	// Version needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sinistro %s (%s)\n", version, commit)
	},
}
