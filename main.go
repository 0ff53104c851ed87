package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Gin_postgres_redis_gage_lease/app"
	"Gin_postgres_redis_gage_lease/config"
	"Gin_postgres_redis_gage_lease/db"
	"Gin_postgres_redis_gage_lease/logging"
	"Gin_postgres_redis_gage_lease/routes"
	"Gin_postgres_redis_gage_lease/scheduler"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	config.LoadEnv()
	log := logging.Init()
	defer logging.Sync()

	if err := newRootCmd(log).Execute(); err != nil {
		logging.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newRootCmd(log *zap.Logger) *cobra.Command {
	serve := newServeCmd(log)
	root := &cobra.Command{
		Use:           "gage-lease",
		Short:         "gage reallocation lease engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		// 不带子命令时直接启动服务
		RunE: serve.RunE,
	}
	root.AddCommand(serve, newProcessExpiredCmd(log), newMigrateCmd())
	return root
}

func newServeCmd(log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API and the reconciliation scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			routes.RegisterRoutes(a.Router, a)

			var sched *scheduler.Scheduler
			if cfg.Scheduler.Enabled {
				sched, err = scheduler.New(cfg, a.Reconciler, log.Named("scheduler"))
				if err != nil {
					return err
				}
				sched.Start()
				log.Info("scheduler started", zap.Int("jobs", sched.Entries()))
			}

			srv := &http.Server{
				Addr:              ":" + cfg.Server.Port,
				Handler:           a.Router,
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info("listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
			}

			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if sched != nil {
				sched.Stop(shutdownCtx)
			}
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func newProcessExpiredCmd(log *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "process-expired",
		Short: "run one reclaim pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a, err := app.New(cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Reconciler.ReclaimExpired(cmd.Context(), "cli")
			log.Info("reclaim pass",
				zap.Bool("ran", res.Ran),
				zap.Int("processed", res.Processed),
				zap.Int("skipped", res.Skipped),
				zap.Int("failed", res.Failed),
			)
			return err
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply the schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := db.ConnectDB(cfg.Database.PostgresDSN())
			if err != nil {
				return err
			}
			if sqlDB, err := conn.DB(); err == nil {
				defer sqlDB.Close()
			}
			logging.Info("schema up to date")
			return nil
		},
	}
}
