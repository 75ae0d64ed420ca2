package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cis-datafabric/sensor-ingest/internal/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the relational schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.Up(cfg.Postgres.URL); err != nil {
			return err
		}
		success("Migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back all migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := migrations.Down(cfg.Postgres.URL); err != nil {
			return err
		}
		success("Migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the current schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, dirty, err := migrations.Version(cfg.Postgres.URL)
		if err != nil {
			return err
		}
		if dirty {
			warn("%d (dirty)", v)
			return nil
		}
		info("%d", v)
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	rootCmd.AddCommand(migrateCmd)
}
