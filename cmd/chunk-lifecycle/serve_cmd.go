package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/logging"
	"github.com/withObsrvr/obsrvr-chunk-lifecycle/internal/metrics"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		persistOnShutdown bool
		shutdownTimeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and run the lifecycle engine until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.Component("main")
			log.Info("chunk lifecycle starting",
				"version", Version,
				"git_sha", GitSHA,
				"database", a.cfg.Database,
				"server_id", a.cfg.ServerID,
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			// Graceful shutdown handler
			go func() {
				ch := make(chan os.Signal, 1)
				signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
				select {
				case sig := <-ch:
					log.Info("received signal", "signal", sig.String())
					cancel()
				case <-ctx.Done():
				}
			}()

			if a.cfg.Metrics.Enabled {
				metrics.Init(a.cfg.Metrics.Namespace)
				go func() {
					if err := metrics.StartServer(a.cfg.Metrics.Address); err != nil {
						log.Error("metrics server stopped", "error", err)
					}
				}()
				log.Info("metrics server listening", "address", a.cfg.Metrics.Address)
			}

			d, cleanup, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := d.RunLifecycle(ctx); err != nil {
				return err
			}

			if persistOnShutdown {
				sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer scancel()
				if err := d.PersistAll(sctx); err != nil {
					log.Error("persist on shutdown failed", "error", err)
					return err
				}
				log.Info("persisted all chunks on shutdown")
			}

			log.Info("chunk lifecycle stopped cleanly")
			return nil
		},
	}

	cmd.Flags().BoolVar(&persistOnShutdown, "persist-on-shutdown", false, "Persist every chunk before exiting")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 2*time.Minute, "Upper bound for persist-on-shutdown")

	return cmd
}
