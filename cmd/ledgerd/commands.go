package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evidence-ledger/api"
	"evidence-ledger/config"
	"evidence-ledger/core/appbootstrap"
	"evidence-ledger/core/store"
	"evidence-ledger/core/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	configPath string
	windowDays int

	rootCmd = &cobra.Command{
		Use:           "ledgerd",
		Short:         "Evidence integrity and risk assessment ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the callback API and the analytics scheduler",
		RunE:  runServe,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	}

	refreshCmd = &cobra.Command{
		Use:   "refresh-analytics",
		Short: "Rebuild the daily analytics buckets once",
		RunE:  runRefresh,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify-chain <entity_type> <entity_id>",
		Short: "Recompute an entity's audit hash chain",
		Args:  cobra.ExactArgs(2),
		RunE:  runVerify,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/ledger.yaml", "path to the yaml config file")
	refreshCmd.Flags().IntVar(&windowDays, "window-days", 0, "days to rebuild (defaults to the configured window)")
	rootCmd.AddCommand(serveCmd, migrateCmd, refreshCmd, verifyCmd)
}

type env struct {
	cfg    *config.AppConfig
	logger *utils.Logger
	db     *store.DB
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := utils.NewLoggerWithLevel(cfg.LogLevel)
	if cfg.IsDevMode() {
		logger = utils.NewDevelopmentLogger(cfg.LogLevel)
	}
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, db: db}, nil
}

func (e *env) close() {
	e.db.Close()
	e.logger.Sync()
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()
	e.logger.Info("migrations applied", zap.String("driver", string(e.db.Dialect())))
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.close()
	rt, err := appbootstrap.Compose(ctx, e.cfg, e.db, e.logger, appbootstrap.Overrides{})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              e.cfg.ListenAddr,
		Handler:           api.NewServer(rt, e.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.logger.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := rt.Scheduler.StartWithContext(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			e.logger.Warn("http shutdown", zap.Error(err))
		}
		if err := rt.Scheduler.StopWithContext(shutdownCtx); err != nil {
			e.logger.Warn("scheduler shutdown", zap.Error(err))
		}
		return rt.Drain()
	})
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("shutdown complete")
	return nil
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()
	rt, err := appbootstrap.Compose(cmd.Context(), e.cfg, e.db, e.logger, appbootstrap.Overrides{})
	if err != nil {
		return err
	}
	defer rt.Drain()
	days := windowDays
	if days <= 0 {
		days = e.cfg.EffectiveWindowDays()
	}
	res, err := rt.Analytics.Refresh(cmd.Context(), days)
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func runVerify(cmd *cobra.Command, args []string) error {
	e, err := openEnv(cmd.Context())
	if err != nil {
		return err
	}
	defer e.close()
	rt, err := appbootstrap.Compose(cmd.Context(), e.cfg, e.db, e.logger, appbootstrap.Overrides{})
	if err != nil {
		return err
	}
	defer rt.Drain()
	report, err := rt.Audit.VerifyChain(cmd.Context(), args[0], args[1])
	if err != nil {
		return err
	}
	if err := printJSON(cmd, report); err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("audit chain broken at seq %d: %s", report.BrokenSeq, report.Problem)
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
