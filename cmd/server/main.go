package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/PitiGo/presupuesto-facil/internal/config"
	"github.com/PitiGo/presupuesto-facil/internal/logger"
	"github.com/PitiGo/presupuesto-facil/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Version information, set with -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "presupuesto",
		Short: "Personal budgeting backend with bank account sync",
		Long: `presupuesto serves the budgeting API, connects bank accounts through
TrueLayer and keeps budgets in step with synced transactions.`,
		Version:       fmt.Sprintf("%s (commit %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.RegisterFlags(rootCmd.PersistentFlags())

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the SQL schema and exit",
		RunE:  runMigrate,
	}
	rootCmd.AddCommand(serveCmd, migrateCmd)
	// serve is the default command.
	rootCmd.RunE = runServe
	return rootCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}

	app := fx.New(newApp(cfg))
	if err := app.Err(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, fx.DefaultTimeout)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

// runMigrate applies the SQL schema. Other drivers have nothing to migrate.
func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	switch cfg.Store.Driver {
	case config.StoreSQLite, config.StorePostgres:
	default:
		log.Info("store driver has no schema to migrate", zap.String("driver", cfg.Store.Driver))
		return nil
	}

	s, err := store.NewSQLStore(cmd.Context(), cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return err
	}
	log.Info("schema up to date", zap.String("driver", cfg.Store.Driver))
	return s.Close()
}
