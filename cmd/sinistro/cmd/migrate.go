package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isaquesgti/sinistro-simplify/internal/migrate"
	"github.com/isaquesgti/sinistro-simplify/internal/store/pg"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Database schema management",
	Long:  `Applies, rolls back and reports the embedded schema migrations and demo seeds.`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migrate.Manager) error {
			applied, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No new migrations to apply")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied: %s\n", strings.Join(applied, ", "))
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migrate.Manager) error {
			name, err := m.Down(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Rolled back: %s\n", name)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migrate.Manager) error {
			applied, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			pending, err := m.Pending(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			out := cmd.OutOrStdout()
			for _, name := range applied {
				fmt.Fprintf(out, "applied  %s\n", name)
			}
			for _, name := range pending {
				fmt.Fprintf(out, "pending  %s\n", name)
			}
			return nil
		})
	},
}

var migrateSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply demo seed data",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withManager(func(m *migrate.Manager) error {
			applied, err := m.Seed(cmd.Context())
			if err != nil {
				return fmt.Errorf("migrate seed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seeds applied: %d\n", len(applied))
			return nil
		})
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd, migrateSeedCmd)
}

func withManager(fn func(*migrate.Manager) error) error {
	dsn, err := databaseURL()
	if err != nil {
		return err
	}
	store, err := pg.Open(dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	return fn(migrate.NewManager(store.DB(), migrate.Migrations(), migrate.Seeds()))
}
