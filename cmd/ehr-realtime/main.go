package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/ehr-realtime/internal/config"
	"github.com/ehr/ehr-realtime/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ehr-realtime",
		Short: "Real-time collaboration server for the EHR",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket and REST server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("schema", "public", "Target schema for migrations")
	cmd.PersistentFlags().String("dir", "./migrations", "Path to migrations directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator, schema string) error {
				statuses, err := m.Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is not supported by the built-in runner.")
			fmt.Println("Restore from backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator, schema string) error) error {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir), schema)
}
