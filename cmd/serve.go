package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/factsync/internal/api"
	"github.com/sells-group/factsync/internal/monitoring"
	"github.com/sells-group/factsync/internal/notify"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		hub := notify.NewHub(nil)
		defer hub.Close()

		env, err := initEnv(ctx, cfg, "serve", notify.Multi{notify.LogNotifier{}, hub})
		if err != nil {
			return err
		}
		defer env.Close()

		// Runs left running by a previous process will never finish.
		if cfg.Sync.StaleRunMinutes > 0 {
			cutoff := time.Now().Add(-time.Duration(cfg.Sync.StaleRunMinutes) * time.Minute)
			if _, err := env.Status.RecoverStale(ctx, cutoff); err != nil {
				zap.L().Warn("recover stale sync runs", zap.Error(err))
			}
		}

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		handler := api.NewRouter(api.Deps{
			Sync:          env.Sync,
			Status:        env.Status,
			Profiles:      env.Profiles,
			Discrepancies: env.Discrepancies,
			Settings:      env.Settings,
			Hub:           hub,
			Metrics:       env.Metrics,
		}, cfg.Server)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
