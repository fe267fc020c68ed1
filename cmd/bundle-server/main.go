package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehr/fhirbundle/internal/config"
	"github.com/ehr/fhirbundle/internal/platform/db"
	"github.com/ehr/fhirbundle/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "bundle-server",
		Short:        "FHIR batch and transaction bundle server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(processCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the bundle API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrationSource returns the embedded migrations unless a directory is given.
func migrationSource(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrationSource(dir))
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to a migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if !db.ValidTenantID(name) {
				return fmt.Errorf("invalid tenant identifier: %s", name)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, poolConfig(cfg))
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Creating tenant schema: %s\n", db.SchemaName(name))
			if err := db.CreateTenantSchema(ctx, pool, name, db.NewMigrator(pool, migrations.FS)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	}
}
