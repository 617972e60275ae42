// Package engine drives the tick: one lock-load-evaluate-execute-persist
// cycle over the state document. Every stage change and every outward
// effect happens inside a tick.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"vigil/internal/actions"
	"vigil/internal/adapters"
	"vigil/internal/audit"
	"vigil/internal/clock"
	"vigil/internal/ids"
	"vigil/internal/logging"
	"vigil/internal/policy"
	"vigil/internal/reliability"
	"vigil/internal/rules"
	"vigil/internal/state"
)

// MetricsSink receives tick telemetry. Nil disables metrics.
type MetricsSink interface {
	TickCompleted(d time.Duration, stage string, aborted bool)
	ReceiptObserved(kind, adapter string)
}

// Report summarizes one completed tick.
type Report struct {
	TickID      string              `json:"tick_id"`
	StartedAt   time.Time           `json:"started_at"`
	Duration    time.Duration       `json:"duration"`
	FromStage   string              `json:"from_stage"`
	Stage       string              `json:"stage"`
	Transitions []rules.Transition  `json:"transitions,omitempty"`
	Matched     []string            `json:"matched_rules,omitempty"`
	Receipts    []adapters.Receipt  `json:"receipts,omitempty"`
	Renewed     bool                `json:"renewal_applied,omitempty"`
	Released    bool                `json:"release_executed,omitempty"`
}

// Orchestrator owns the tick cycle. One orchestrator serves one state
// document; concurrent ticks on the same document serialize on the
// store's advisory lock.
type Orchestrator struct {
	store    state.Store
	ledger   *audit.Ledger
	loader   *policy.Loader
	policy   string // policy file path
	rules    *rules.Engine
	executor *actions.Executor
	clock    clock.Clock
	metrics  MetricsSink
	tracer   trace.Tracer
	logger   logging.Logger
}

// NewOrchestrator wires a tick orchestrator.
func NewOrchestrator(store state.Store, ledger *audit.Ledger, loader *policy.Loader, policyPath string, executor *actions.Executor, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		store:    store,
		ledger:   ledger,
		loader:   loader,
		policy:   policyPath,
		rules:    rules.NewEngine(),
		executor: executor,
		clock:    clk,
		tracer:   noop.NewTracerProvider().Tracer("vigil"),
		logger:   logging.NewComponentLogger("TickOrchestrator"),
	}
}

// SetMetrics attaches a telemetry sink.
func (o *Orchestrator) SetMetrics(m MetricsSink) { o.metrics = m }

// SetTracer attaches a tracer; ticks get one span each.
func (o *Orchestrator) SetTracer(t trace.Tracer) {
	if t != nil {
		o.tracer = t
	}
}

// Tick runs one full cycle. Time is sampled once after the lock is
// held; every decision in the tick uses that sample. On any error the
// in-memory document is discarded and the persisted document is
// untouched, except that the abort itself is recorded in the ledger.
func (o *Orchestrator) Tick(ctx context.Context) (*Report, error) {
	if err := o.store.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("tick: %w", err)
	}
	defer o.store.Release()

	tickID := ids.NewTickID()
	started := o.clock.Now()

	ctx, span := o.tracer.Start(ctx, "tick", trace.WithAttributes(attribute.String("tick.id", tickID)))
	defer span.End()

	report, err := o.run(ctx, tickID, started)
	if err != nil {
		o.append(tickID, audit.TypeTickAborted, map[string]any{"error": err.Error()})
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick aborted")
		if o.metrics != nil {
			o.metrics.TickCompleted(o.clock.Now().Sub(started), "", true)
		}
		return nil, err
	}

	report.Duration = o.clock.Now().Sub(started)
	span.SetAttributes(
		attribute.String("tick.stage", report.Stage),
		attribute.Int("tick.receipts", len(report.Receipts)),
	)
	if o.metrics != nil {
		o.metrics.TickCompleted(report.Duration, report.Stage, false)
		for _, r := range report.Receipts {
			o.metrics.ReceiptObserved(r.Kind, r.Adapter)
		}
	}
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, tickID string, now time.Time) (*Report, error) {
	stored, err := o.store.Load()
	if err != nil {
		return nil, err
	}
	snap, err := o.loader.LoadFile(o.policy)
	if err != nil {
		return nil, err
	}

	// All mutations land on a clone; an aborted tick leaves the loaded
	// document untouched.
	doc := stored.Clone()

	tf := rules.EvaluateTime(doc, now)
	o.append(tickID, audit.TypeTickStart, map[string]any{
		"stage":                    doc.Escalation.Stage,
		"time_to_deadline_minutes": tf.TimeToDeadline,
		"overdue_minutes":          tf.Overdue,
	})

	report := &Report{
		TickID:    tickID,
		StartedAt: now,
		FromStage: doc.Escalation.Stage,
	}

	// Due retries are drained from the queue before evaluation, but no
	// adapter runs until the tick's stage is decided. Each entry keeps
	// the stage that scheduled it.
	due := reliability.Due(doc, now)

	result, err := o.rules.Evaluate(doc, snap, now)
	if err != nil {
		return nil, err
	}
	report.Stage = result.Stage
	report.Transitions = result.Transitions
	report.Matched = result.MatchedRules
	report.Renewed = result.RenewalApplied
	report.Released = result.ReleaseExecuted

	for _, id := range result.MatchedRules {
		o.append(tickID, audit.TypeRuleMatched, map[string]any{"rule_id": id})
	}
	for _, tr := range result.Transitions {
		o.append(tickID, audit.TypeStateTransition, map[string]any{
			"from": tr.From,
			"to":   tr.To,
			"via":  tr.Via,
		})
	}
	if result.ReleaseExecuted {
		o.append(tickID, audit.TypeReleaseExecuted, map[string]any{
			"stage": result.Stage,
			"nonce": result.ReleaseNonce,
		})
	}

	retryReceipts := o.executor.RunRetries(ctx, doc, snap, tickID, now, due)
	report.Receipts = append(report.Receipts, retryReceipts...)

	planReceipts := o.executor.RunPlan(ctx, doc, snap, tickID, now)
	report.Receipts = append(report.Receipts, planReceipts...)

	// A cancelled tick must not persist partial state. Effects already
	// performed stand; their receipts are lost, so the next entry into
	// the stage may repeat them. Losing a receipt is the accepted cost
	// of never persisting a torn document.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := o.store.Save(doc, now); err != nil {
		return nil, err
	}

	kinds := map[string]int{}
	for _, r := range report.Receipts {
		kinds[r.Kind]++
	}
	o.append(tickID, audit.TypeTickEnd, map[string]any{
		"stage":       report.Stage,
		"transitions": len(report.Transitions),
		"receipts":    kinds,
	})
	return report, nil
}

func (o *Orchestrator) append(tickID, eventType string, payload map[string]any) {
	if o.ledger == nil {
		return
	}
	ev := audit.NewEvent(ids.NewEventID(), tickID, eventType, o.clock.Now(), payload)
	if err := o.ledger.Append(ev); err != nil {
		o.logger.Error("Ledger append failed: %v", err)
	}
}
