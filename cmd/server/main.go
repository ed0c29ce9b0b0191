/*
main.go - Application entry point

PURPOSE:
  Command line for the unit ledger and claim engine. Loads configuration,
  opens the configured store, wires the components and runs one command.

COMMANDS:
  serve              HTTP API plus the background rollover scheduler
  migrate up         Apply pending schema migrations
  migrate status     List migrations and whether they are applied
  sweep [--date]     Run the rollover sweep once and exit
  allocate --file    Allocate authorizations from a JSON file ("-" = stdin)

CONFIGURATION:
  Environment variables or a .env file; see config/config.go.
  DB_DRIVER selects sqlite (default), postgres or memory.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the rollover scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store

SEE ALSO:
  - cmd/server/app.go: Component wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/unit-ledger/api"
	"github.com/warp/unit-ledger/config"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/store/postgres"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "unit-ledger",
		Short:        "Service authorization unit ledger and claim engine",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(sweepCmd())
	root.AddCommand(allocateCmd())
	return root
}

// setup loads and validates config and builds the app.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newApp(ctx, cfg, cfg.Logger())
}

// =============================================================================
// SERVE
// =============================================================================

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx)
		},
	}
}

func runServer(ctx context.Context) error {
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.log

	scheduler := api.NewRolloverScheduler(a.ledger, a.cfg.SweepInterval, logger)
	scheduler.Enabled = a.cfg.SweepEnabled
	scheduler.Start(ctx)
	defer scheduler.Stop()

	router := api.NewRouter(a.handler(), api.RouterOptions{
		Logger:      logger.With().Str("component", "http").Logger(),
		CORSOrigins: a.cfg.CORSOrigins,
	})
	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("port", a.cfg.Port).
			Str("driver", a.cfg.DBDriver).
			Str("env", a.cfg.Env).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}

// =============================================================================
// MIGRATE
// =============================================================================

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			if pg, ok := a.store.(*postgres.Store); ok {
				n, err := pg.Migrator().Up(cmd.Context())
				if err != nil {
					return err
				}
				a.log.Info().Int("applied", n).Msg("migrations complete")
				return nil
			}
			if err := a.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info().Str("driver", a.cfg.DBDriver).Msg("schema up to date")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			pg, ok := a.store.(*postgres.Store)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "%s schema is created on open; nothing to track\n", a.cfg.DBDriver)
				return nil
			}
			statuses, err := pg.Migrator().Status(cmd.Context())
			if err != nil {
				return err
			}
			printMigrations(cmd.OutOrStdout(), statuses)
			return nil
		},
	})

	return cmd
}

func printMigrations(w io.Writer, statuses []postgres.MigrationStatus) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(tw, "%03d\t%s\t%s\t%s\n", s.Version, s.Name, state, at)
	}
	tw.Flush()
}

// =============================================================================
// SWEEP / ALLOCATE
// =============================================================================

func sweepCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Create current-period entries for every active authorization",
		RunE: func(cmd *cobra.Command, args []string) error {
			var at time.Time
			if date != "" {
				d, err := generic.ParseDate(date)
				if err != nil {
					return err
				}
				at = d.Time
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.ledger.Sweep(cmd.Context(), at)
			a.log.Info().
				Str("period_date", res.PeriodDate.String()).
				Int("authorizations", res.Authorizations).
				Int("created", res.Created).
				Int("failed", res.Failed).
				Msg("sweep finished")
			return err
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "sweep the periods containing this date (YYYY-MM-DD, default today)")
	return cmd
}

func allocateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate authorizations from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			return allocateAll(cmd.Context(), a, data, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", `authorization JSON file, "-" for stdin`)
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readInput(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	return data, nil
}

// allocateAll parses data and allocates each authorization in order,
// stopping at the first failure.
func allocateAll(ctx context.Context, a *app, data []byte, out io.Writer) error {
	auths, err := a.factory.Parse(data)
	if err != nil {
		return err
	}
	for i, auth := range auths {
		saved, err := a.ledger.Allocate(ctx, auth)
		if err != nil {
			return fmt.Errorf("authorization %d (%s): %w", i, auth.Key, err)
		}
		fmt.Fprintf(out, "%s\t%s\t%s %s from %s\n",
			saved.ID, saved.Key, saved.Ceiling, saved.Unit, saved.EffectiveFrom)
	}
	return nil
}
