package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/medmart/telehealth/internal/config"
	"github.com/medmart/telehealth/internal/domain/tenant"
	"github.com/medmart/telehealth/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "telehealth-server",
		Short: "Telehealth consultation API and outbox dispatcher",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(businessCmd())
	rootCmd.AddCommand(outboxCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workers, _ := cmd.Flags().GetBool("workers")
			return runServer(workers)
		},
	}
	cmd.Flags().Bool("workers", true, "Run the dispatcher, reconciler and expiry sweeper in-process")
	return cmd
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run the outbox dispatcher, reconciler and expiry sweeper without the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch()
		},
	}
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.EmbeddedMigrations())
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, db.EmbeddedMigrations())
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Modified {
						status = "modified"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func businessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "business",
		Short: "Manage businesses",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a business and its hostnames",
		RunE: func(cmd *cobra.Command, args []string) error {
			slug, _ := cmd.Flags().GetString("slug")
			name, _ := cmd.Flags().GetString("name")
			domains, _ := cmd.Flags().GetStringSlice("domain")
			if slug == "" {
				return fmt.Errorf("--slug is required")
			}

			return withApp(func(ctx context.Context, a *app) error {
				b, err := a.tenants.CreateBusiness(ctx, tenant.CreateInput{
					Slug:    slug,
					Name:    name,
					Domains: domains,
				}, cliActor)
				if err != nil {
					return err
				}
				fmt.Printf("Created business %s (%s) with status %s\n", b.Slug, b.ID, b.Status)
				return nil
			})
		},
	}
	createCmd.Flags().String("slug", "", "Business slug used in the tenant header")
	createCmd.Flags().String("name", "", "Display name")
	createCmd.Flags().StringSlice("domain", nil, "Hostname that resolves to the business (repeatable)")
	cmd.AddCommand(createCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Change the status of a business",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString("id")
			to, _ := cmd.Flags().GetString("to")
			id, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("--id must be a UUID: %w", err)
			}

			return withApp(func(ctx context.Context, a *app) error {
				b, err := a.tenants.ChangeStatus(ctx, id, tenant.Status(strings.ToLower(to)), cliActor)
				if err != nil {
					return err
				}
				fmt.Printf("Business %s is now %s\n", b.Slug, b.Status)
				return nil
			})
		},
	}
	statusCmd.Flags().String("id", "", "Business ID")
	statusCmd.Flags().String("to", "", "Target status: pending, approved, active or suspended")
	cmd.AddCommand(statusCmd)

	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the outbox",
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue",
		Short: "Move a dead-lettered event back to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawID, _ := cmd.Flags().GetString("id")
			id, err := uuid.Parse(rawID)
			if err != nil {
				return fmt.Errorf("--id must be a UUID: %w", err)
			}

			return withApp(func(ctx context.Context, a *app) error {
				e, err := a.outbox.Requeue(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("Event %s (%s) requeued\n", e.ID, e.Type)
				return nil
			})
		},
	}
	requeueCmd.Flags().String("id", "", "Outbox event ID")
	cmd.AddCommand(requeueCmd)

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Restore outbox events missing for recent status history",
		RunE: func(cmd *cobra.Command, args []string) error {
			window, _ := cmd.Flags().GetDuration("window")

			return withApp(func(ctx context.Context, a *app) error {
				if window <= 0 {
					window = a.cfg.ReconcileWindow
				}
				res, err := a.reconciler.Sweep(ctx, a.now().Add(-window))
				if err != nil {
					return err
				}
				fmt.Printf("Scanned %d status events, restored %d, skipped %d\n", res.Scanned, res.Created, res.Skipped)
				return nil
			})
		},
	}
	reconcileCmd.Flags().Duration("window", 0, "How far back to scan (defaults to RECONCILE_WINDOW)")
	cmd.AddCommand(reconcileCmd)

	return cmd
}

// withApp builds the application for a one-shot command and tears it down
// afterwards. The command is cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
