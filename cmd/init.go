package cmd

import (
	"errors"
	"fmt"

	"github.com/Sistav/Evil-Bot/evilbot"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and its tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			return errors.New("database type not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			return errors.New(
				"database not set (must be a valid database connection " +
					"string or sqlite file path)",
			)
		}

		db, err := evilbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			return fmt.Errorf("error creating database: %w", err)
		}
		defer func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		}()

		tables, err := db.Migrator().GetTables()
		if err != nil {
			return fmt.Errorf("error listing tables: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Database tables:")
		for _, table := range tables {
			fmt.Fprintf(out, "  - %s\n", table)
		}
		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
		return nil
	},
}

//nolint:gochecknoinits // cobra wiring
func init() {
	rootCmd.AddCommand(initCmd)
}
