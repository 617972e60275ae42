package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vigil/internal/scheduler"
	"vigil/internal/server"
)

func newTickCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run exactly one tick and print the report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := flags.app(cmd)
			if err != nil {
				return err
			}
			if err := a.requireInitialized(); err != nil {
				return err
			}

			report, err := a.orch.Tick(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("%s %s\n", bold("tick"), report.TickID)
			if report.FromStage != report.Stage {
				fmt.Printf("  stage %s -> %s\n", report.FromStage, cyan(report.Stage))
			} else {
				fmt.Printf("  stage %s\n", report.Stage)
			}
			for _, tr := range report.Transitions {
				fmt.Printf("  transition %s -> %s via %s\n", tr.From, tr.To, gray(tr.Via))
			}
			for _, r := range report.Receipts {
				fmt.Printf("  action %-24s %s\n", r.ActionID, receiptLabel(r.Kind, r.Reason))
			}
			if len(report.Receipts) == 0 && len(report.Transitions) == 0 {
				fmt.Printf("  %s\n", gray("no-op"))
			}
			return nil
		},
	}
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		serveHTTP bool
		addr      string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the tick scheduler (and optionally the HTTP server) until interrupted",
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

			sched := scheduler.New(scheduler.Config{
				Schedule: a.cfg.TickSchedule,
			}, a.orch)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = a.tracing.Shutdown(shutdownCtx)
			}()

			g, gctx := errgroup.WithContext(ctx)
			if serveHTTP {
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
				g.Go(func() error { return srv.Start(gctx) })
			}

			suffix := ""
			if serveHTTP {
				suffix = ", http on " + a.cfg.Server.Addr
			}
			fmt.Printf("%s cadence %q%s\n", green("running"), a.cfg.TickSchedule, suffix)

			<-gctx.Done()
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&serveHTTP, "serve", false, "also serve the HTTP API")
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	return cmd
}

func receiptLabel(kind, reason string) string {
	switch kind {
	case "ok":
		return green("ok")
	case "skipped":
		return gray("skipped (" + reason + ")")
	case "deferred":
		return yellow("deferred (" + reason + ")")
	default:
		return red("failed (" + reason + ")")
	}
}
