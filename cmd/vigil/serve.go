package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/server"
)

// serve runs the HTTP surface without the scheduler. Pair it with an
// external cron invoking `vigil tick`, or use `run --serve` for both
// in one process.
func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API without the tick scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.app(cmd)
			if err != nil {
				return err
			}
			if err := a.requireInitialized(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = a.tracing.Shutdown(shutdownCtx)
			}()

			srvAddr := addr
			if srvAddr == "" {
				srvAddr = a.cfg.Server.Addr
			}
			srv := server.New(server.Config{
				Addr:           srvAddr,
				MetricsEnabled: a.cfg.Server.MetricsEnabled,
				RateLimit: server.RateLimitConfig{
					RequestsPerMinute: a.cfg.Server.RateLimitPerMin,
				},
			}, a.orch, a.release, a.store, a.registry, a.breakers, a.metrics.Handler(), a.clock)

			fmt.Printf("%s http on %s\n", green("serving"), srvAddr)
			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}
