package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentbridge/runtime/internal/storage/pgstore"
)

func buildMigrateCmd() *cobra.Command {
	var dsn string
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string")
	cmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "migrations directory")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			return pgstore.Migrate(dsn, dir)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}
			return pgstore.MigrateDown(dsn, dir, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
