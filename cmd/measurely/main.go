package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/teranos/measurely/am"
	"github.com/teranos/measurely/catalog"
	"github.com/teranos/measurely/db"
	"github.com/teranos/measurely/engine"
	"github.com/teranos/measurely/integration"
	"github.com/teranos/measurely/logger"
	"github.com/teranos/measurely/version"
)

var jsonLogs bool

var rootCmd = &cobra.Command{
	Use:   "measurely",
	Short: "Measurely - scheduled measure retrieval engine",
	Long: `Measurely retrieves tenant-defined business measures from connected
external systems on a schedule, using a tool-capable model backend to do
the actual data extraction.

Available commands:
  serve    - Run the engine (ticker, workers, metrics endpoint)
  migrate  - Apply pending database migrations
  trigger  - Enqueue an immediate run of an integration
  status   - Show work queue statistics
  version  - Show build information

Examples:
  measurely migrate
  measurely serve
  measurely trigger 4f1c2b9e-...     # run one integration now
  measurely status`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retrieval engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		masterKey := am.GetViper().GetString("credential.master_key")

		database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		eng, err := engine.New(ctx, database, cfg, masterKey)
		if err != nil {
			return err
		}
		if err := eng.Start(); err != nil {
			return err
		}

		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Errorw("Metrics server failed", "error", err)
			}
		}()
		logger.Infow("Metrics listening", "addr", metricsAddr)

		<-ctx.Done()
		logger.Infow("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
		eng.Stop()
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Println("Migrations applied")
		return nil
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <integration-id>",
	Short: "Enqueue an immediate run of an integration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		database, err := db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		cat, err := catalog.Load()
		if err != nil {
			return err
		}
		integs := integration.NewStore(database, cat)
		integ, err := integs.Get(args[0])
		if err != nil {
			return err
		}
		if integ.State != integration.StateActive {
			return fmt.Errorf("integration %s is %s", integ.ID, integ.State)
		}

		nominal := time.Now().UTC().Truncate(time.Second)
		if _, err := engine.NewQueue(database).Enqueue(integ.ID, nominal); err != nil {
			return err
		}
		fmt.Printf("Enqueued run of %s at nominal instant %s\n", args[0], nominal.Format(time.RFC3339))
		fmt.Println("A running `measurely serve` instance will pick it up.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show work queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := am.Load()
		if err != nil {
			return err
		}
		database, err := db.Open(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := engine.NewQueue(database).GetStats()
		if err != nil {
			return err
		}
		fmt.Printf("queued: %d\nleased: %d\ndone:   %d\ndead:   %d\n",
			stats.Queued, stats.Leased, stats.Done, stats.Dead)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get().String())
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "emit logs as JSON")
	serveCmd.Flags().String("metrics-addr", ":9464", "listen address for Prometheus metrics")

	rootCmd.AddCommand(serveCmd, migrateCmd, triggerCmd, statusCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
