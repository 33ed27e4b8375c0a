package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicops/clinic/internal/config"
	"github.com/clinicops/clinic/internal/platform/audit"
	"github.com/clinicops/clinic/internal/platform/clinictime"
	"github.com/clinicops/clinic/internal/platform/db"
	"github.com/clinicops/clinic/internal/platform/events"
	"github.com/clinicops/clinic/internal/platform/inventory"
	"github.com/clinicops/clinic/internal/platform/sweeper"
	"github.com/clinicops/clinic/migrations"
	"github.com/clinicops/clinic/pkg/syncclient"
)

func connect(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	return cfg, pool, nil
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
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "tenant_default", "Target schema for migrations")
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
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: tenant_%s\n", name)
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")
	cmd.AddCommand(createCmd)
	return cmd
}

// tenantRunner runs fn with a connection scoped to one tenant.
type tenantRunner func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error

func poolRunner(pool *pgxpool.Pool) tenantRunner {
	return func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
		return db.RunInTenant(ctx, pool, tenant, fn)
	}
}

func sweepTenants(cfg *config.Config) []string {
	if len(cfg.SweepTenants) > 0 {
		return cfg.SweepTenants
	}
	return []string{cfg.DefaultTenant}
}

// forEachTenant runs fn in every tenant and sums the affected counts. A
// failing tenant does not stop the others.
func forEachTenant(tenants []string, run tenantRunner, fn sweeper.Func) sweeper.Func {
	return func(ctx context.Context) (int, error) {
		total := 0
		var errs []error
		for _, tenant := range tenants {
			err := run(ctx, tenant, func(ctx context.Context) error {
				n, err := fn(ctx)
				total += n
				return err
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			}
		}
		return total, errors.Join(errs...)
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [doctors|appointments]",
		Short:     "Run one maintenance pass and exit",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"doctors", "appointments"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			logger := newLogger(cfg)

			clock, err := clinictime.New(cfg.ClinicTimezone)
			if err != nil {
				return err
			}
			rec := audit.NewAsyncRecorder(audit.NewPGSink(pool), logger, nil, 0)
			svc := newServices(pool, clock, rec, events.Discard, inventory.Noop{}, nil, logger)
			runner := sweeper.New(logger, nil)
			for name, fn := range sweepJobs(svc, cfg, poolRunner(pool)) {
				runner.Add(name, time.Hour, fn)
			}

			n, err := runner.RunOnce(ctx, args[0])
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			rec.Shutdown(shutdownCtx)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d record(s) updated\n", args[0], n)
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow the live queue of a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			server, _ := cmd.Flags().GetString("server")
			token, _ := cmd.Flags().GetString("token")
			tenant, _ := cmd.Flags().GetString("tenant")
			poll, _ := cmd.Flags().GetDuration("poll")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

			fetcher := syncclient.NewHTTPFetcher(server, token, tenant).SetTimeout(timeout)
			s := syncclient.New(fetcher, syncclient.Options{
				Resources:    []syncclient.Resource{syncclient.ResourceQueue, syncclient.ResourceCheckups, syncclient.ResourceSummary},
				PollInterval: poll,
			}, logger)
			s.Subscribe(func(e syncclient.Event) {
				fmt.Fprintln(os.Stdout, describeEvent(e))
			})

			header := http.Header{}
			if token != "" {
				header.Set("Authorization", "Bearer "+token)
			}
			if tenant != "" {
				header.Set("X-Tenant-ID", tenant)
			}
			go func() {
				for ctx.Err() == nil {
					if err := s.WatchChanges(ctx, changeStreamURL(server), header); err != nil {
						logger.Warn().Err(err).Msg("change stream disconnected")
					}
					select {
					case <-ctx.Done():
					case <-time.After(5 * time.Second):
					}
				}
			}()
			return s.Run(ctx)
		},
	}
	cmd.Flags().String("server", "http://localhost:8000", "Base URL of the clinic server")
	cmd.Flags().String("token", "", "Bearer token")
	cmd.Flags().String("tenant", "", "Tenant identifier")
	cmd.Flags().Duration("poll", syncclient.DefaultPollInterval, "Polling interval")
	cmd.Flags().Duration("timeout", 10*time.Second, "Per-request timeout")
	return cmd
}

func changeStreamURL(server string) string {
	u := strings.TrimRight(server, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v1/ws"
}

func describeEvent(e syncclient.Event) string {
	ts := e.At.Format(time.TimeOnly)
	switch e.Type {
	case syncclient.EventSyncComplete:
		if !e.Changed || e.Snapshot == nil {
			return fmt.Sprintf("%s sync: unchanged", ts)
		}
		names := make([]string, 0, len(e.Snapshot.Data))
		for r, raw := range e.Snapshot.Data {
			names = append(names, fmt.Sprintf("%s=%dB", r, len(raw)))
		}
		sort.Strings(names)
		return fmt.Sprintf("%s sync: updated %s", ts, strings.Join(names, " "))
	case syncclient.EventSyncFailed:
		return fmt.Sprintf("%s sync failed after %d attempt(s): %v", ts, e.Attempts, e.Err)
	case syncclient.EventOperationFailed:
		return fmt.Sprintf("%s operation %s failed after %d attempt(s): %v", ts, e.Operation, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("%s %s", ts, e.Type)
	}
}
