// Package scheduler runs the tick on a cron cadence.
package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"vigil/internal/engine"
	"vigil/internal/logging"
)

// Config holds scheduler configuration.
type Config struct {
	// Schedule is a five-field cron expression. Empty means every minute.
	Schedule string
	// TickTimeout bounds one tick run.
	TickTimeout time.Duration
	// ConcurrencyPolicy is "skip" (default) or "delay" for ticks that
	// overrun the cadence. The advisory file lock already prevents
	// interleaving; the policy only decides whether a late tick still
	// runs.
	ConcurrencyPolicy string
}

// Scheduler drives the orchestrator on a cron cadence.
type Scheduler struct {
	cron   *cron.Cron
	orch   *engine.Orchestrator
	config Config
	logger logging.Logger
}

// New creates a scheduler around the orchestrator.
func New(cfg Config, orch *engine.Orchestrator) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "* * * * *"
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 2 * time.Minute
	}
	return &Scheduler{
		cron:   newCron(cfg),
		orch:   orch,
		config: cfg,
		logger: logging.NewComponentLogger("Scheduler"),
	}
}

func newCron(cfg Config) *cron.Cron {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	var wrapper cron.JobWrapper
	switch strings.ToLower(strings.TrimSpace(cfg.ConcurrencyPolicy)) {
	case "delay":
		wrapper = cron.DelayIfStillRunning(cron.DefaultLogger)
	default:
		wrapper = cron.SkipIfStillRunning(cron.DefaultLogger)
	}
	return cron.New(cron.WithParser(parser), cron.WithChain(wrapper))
}

// Start registers the tick job and starts the cron loop. Non-blocking.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.config.Schedule, func() {
		tickCtx, cancel := context.WithTimeout(ctx, s.config.TickTimeout)
		defer cancel()

		report, err := s.orch.Tick(tickCtx)
		if err != nil {
			s.logger.Error("Scheduled tick failed: %v", err)
			return
		}
		if len(report.Transitions) > 0 || len(report.Receipts) > 0 {
			s.logger.Info("Tick %s: stage=%s transitions=%d receipts=%d",
				report.TickID, report.Stage, len(report.Transitions), len(report.Receipts))
		} else {
			s.logger.Debug("Tick %s: no-op at stage %s", report.TickID, report.Stage)
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("Scheduler started, cadence %q", s.config.Schedule)
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Scheduler stopped")
}
