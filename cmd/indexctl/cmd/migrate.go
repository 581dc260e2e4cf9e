package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/indexhook/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the postgres task schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *db.Migrator) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"applied": applied}, func(w io.Writer) error {
				if len(applied) == 0 {
					_, err := fmt.Fprintln(w, "Schema is up to date")
					return err
				}
				for _, v := range applied {
					fmt.Fprintf(w, "Applied migration %d\n", v)
				}
				return nil
			})
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *db.Migrator) error {
			v, err := m.Down(ctx)
			if err != nil {
				return err
			}
			return render(cmd, map[string]any{"rolled_back": v}, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Rolled back migration %d\n", v)
				return err
			})
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMigrator(func(ctx context.Context, m *db.Migrator) error {
			states, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return render(cmd, states, func(w io.Writer) error {
				for _, s := range states {
					mark := "pending"
					if s.Applied {
						mark = "applied"
					}
					fmt.Fprintf(w, "%5d  %-8s %s\n", s.Version, mark, s.Path)
				}
				return nil
			})
		})
	},
}

func withMigrator(fn func(context.Context, *db.Migrator) error) error {
	cfg := loadConfig()
	ctx, cancel := commandContext()
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DSN(), 2)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool)
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(ctx, m)
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}
