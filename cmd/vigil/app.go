package main

import (
	"fmt"
	"time"

	"vigil/internal/actions"
	"vigil/internal/adapters"
	"vigil/internal/audit"
	"vigil/internal/clock"
	"vigil/internal/config"
	"vigil/internal/engine"
	"vigil/internal/observability"
	"vigil/internal/policy"
	"vigil/internal/release"
	"vigil/internal/reliability"
	"vigil/internal/state"
)

// app is the composition root: every component wired once from config.
type app struct {
	cfg      *config.Runtime
	clock    clock.Clock
	store    *state.FileStore
	ledger   *audit.Ledger
	registry *adapters.Registry
	breakers *reliability.BreakerManager
	loader   *policy.Loader
	executor *actions.Executor
	orch     *engine.Orchestrator
	release  *release.Service
	metrics  *observability.MetricsCollector
	tracing  *observability.TracerProvider
}

func buildApp(configPath string, overrides map[string]any) (*app, error) {
	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		return nil, err
	}

	clk := clock.System()
	store := state.NewFileStore(cfg.StatePath())
	ledger := audit.NewLedger(cfg.LedgerPath())

	registry := adapters.NewRegistry(cfg.MockMode)
	for _, a := range []adapters.Adapter{
		adapters.NewEmailAdapter(adapters.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, clk),
		adapters.NewWebhookAdapter(clk),
		adapters.NewSocialAdapter(adapters.SocialConfig{
			Endpoint: cfg.Social.Endpoint,
			Token:    cfg.Social.Token,
		}, clk),
		adapters.NewSitePublishAdapter(cfg.SiteOutputDir, clk),
		adapters.NewArchiveAdapter(cfg.ArchiveDir, clk),
		adapters.NewMirrorAdapter(cfg.SiteOutputDir, cfg.MirrorDir, clk),
		adapters.NewMockAdapter("mock", clk),
	} {
		if err := registry.Register(a); err != nil {
			return nil, err
		}
	}

	loader := policy.NewLoader(registry.Names())

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled: cfg.Server.MetricsEnabled,
	})
	if err != nil {
		return nil, err
	}

	// Reliability thresholds come from the policy's constants so one file
	// governs both rules and execution behavior.
	breakerCfg := reliability.DefaultBreakerConfig()
	breakerCfg.OnStateChange = func(name string, from, to reliability.BreakerState) {
		metrics.BreakerTransition(name, from.String(), to.String())
	}
	adapterTimeout := 30 * time.Second
	if snap, err := loader.LoadFile(cfg.PolicyPath); err == nil {
		if v, ok := snap.Constant("breaker_failure_threshold"); ok {
			breakerCfg.FailureThreshold = v
		}
		if v, ok := snap.Constant("breaker_reset_timeout_seconds"); ok {
			breakerCfg.ResetTimeout = time.Duration(v) * time.Second
		}
		if v, ok := snap.Constant("breaker_half_open_max_calls"); ok {
			breakerCfg.HalfOpenMaxCalls = v
		}
		if v, ok := snap.Constant("adapter_timeout_seconds"); ok {
			adapterTimeout = time.Duration(v) * time.Second
		}
	}
	breakers := reliability.NewBreakerManager(breakerCfg, clk)

	resolver, err := actions.NewResolver(cfg.TemplatesDir)
	if err != nil {
		return nil, err
	}

	executor := actions.NewExecutor(registry, breakers, resolver, ledger, clk)
	executor.AdapterTimeout = adapterTimeout

	orch := engine.NewOrchestrator(store, ledger, loader, cfg.PolicyPath, executor, clk)
	orch.SetMetrics(metrics)

	tracing, err := observability.NewTracerProvider(observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	orch.SetTracer(tracing.Tracer())

	rel := release.NewService(store, ledger, clk, release.Secrets{
		RenewalSecret: cfg.RenewalSecret,
		ReleaseSecret: cfg.ReleaseSecret,
	}, func() (*policy.Snapshot, error) { return loader.LoadFile(cfg.PolicyPath) })

	return &app{
		cfg:      cfg,
		clock:    clk,
		store:    store,
		ledger:   ledger,
		registry: registry,
		breakers: breakers,
		loader:   loader,
		executor: executor,
		orch:     orch,
		release:  rel,
		metrics:  metrics,
		tracing:  tracing,
	}, nil
}

// requireInitialized fails fast with a hint when no state document
// exists yet.
func (a *app) requireInitialized() error {
	if !a.store.Exists() {
		return fmt.Errorf("no state document at %s, run `vigil init` first", a.store.Path())
	}
	return nil
}
