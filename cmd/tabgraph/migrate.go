package main

import (
	"errors"

	"github.com/OFFIS-RIT/tabgraph/internal/migrations"

	"github.com/spf13/cobra"
)

func newMigrateCommand(a *app) *cobra.Command {
	var databaseURL string
	databaseFrom := func() (string, error) {
		if databaseURL != "" {
			return databaseURL, nil
		}
		if a.settings.DatabaseURL != "" {
			return a.settings.DatabaseURL, nil
		}
		return "", errors.New("no database url: set DATABASE_URL or --database-url")
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema of the cache and fragment store",
	}
	cmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "postgres connection string (default DATABASE_URL)")

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseFrom()
			if err != nil {
				return err
			}
			return migrations.Up(url)
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := databaseFrom()
			if err != nil {
				return err
			}
			return migrations.Down(url, steps)
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}
