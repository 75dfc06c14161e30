package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/althrussell/databricks-sql-copilot/internal/api"
	"github.com/althrussell/databricks-sql-copilot/internal/app"
	"github.com/althrussell/databricks-sql-copilot/internal/config"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
)

const shutdownTimeout = 15 * time.Second

func NewServeCommand(cfg *config.Config) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the copilot HTTP API",
		Long: `Provision the database if needed and serve the JSON API together with
/metrics and /health.

Behind the Databricks Apps proxy the caller's token arrives in
X-Forwarded-Access-Token and workspace calls are made as that user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.Start(ctx); err != nil {
				return err
			}
			if err := a.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}

			addr := a.Config.ListenAddr
			if listen != "" {
				addr = listen
			}
			srv := newAPIServer(a, addr)
			if err := srv.Start(); err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}
			a.Logger.Info("serving on %s", srv.Addr())

			<-ctx.Done()
			a.Logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (default from COPILOT_LISTEN_ADDR or DATABRICKS_APP_PORT)")

	return cmd
}

// newAPIServer mounts the API next to /metrics and /health.
func newAPIServer(a *app.App, addr string) *metrics.Server {
	sc := metrics.DefaultServerConfig()
	sc.Addr = addr
	// Analyses can take as long as the serving endpoint does.
	sc.WriteTimeout = 5 * time.Minute
	srv := metrics.NewServer(sc)

	deps := api.Deps{History: a.Store, Directory: a.Client}
	if a.Analyzer != nil {
		deps.Analyzer = a.Analyzer
	}
	api.Register(srv.Mux, deps, a.Logger)
	return srv
}
