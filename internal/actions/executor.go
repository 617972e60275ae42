package actions

import (
	"context"
	"fmt"
	"time"

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

// Executor runs plan entries through the adapter pipeline and folds the
// resulting receipts into the state document and the audit ledger.
type Executor struct {
	registry *adapters.Registry
	breakers *reliability.BreakerManager
	resolver *Resolver
	ledger   *audit.Ledger
	clock    clock.Clock
	logger   logging.Logger

	// AdapterTimeout bounds one Execute call. Policy constants override
	// the default at wiring time.
	AdapterTimeout time.Duration
}

// NewExecutor wires the execution pipeline.
func NewExecutor(registry *adapters.Registry, breakers *reliability.BreakerManager, resolver *Resolver, ledger *audit.Ledger, clk clock.Clock) *Executor {
	return &Executor{
		registry:       registry,
		breakers:       breakers,
		resolver:       resolver,
		ledger:         ledger,
		clock:          clk,
		logger:         logging.NewComponentLogger("ActionExecutor"),
		AdapterTimeout: 30 * time.Second,
	}
}

// RunPlan executes every pending entry of the current stage's plan, in
// plan order, and returns the receipts. Failures never abort the plan;
// each entry yields exactly one receipt.
func (e *Executor) RunPlan(ctx context.Context, doc *state.Document, snap *policy.Snapshot, tickID string, now time.Time) []adapters.Receipt {
	pending := Select(doc, snap)
	if len(pending) == 0 {
		return nil
	}

	tf := rules.EvaluateTime(doc, now)
	receipts := make([]adapters.Receipt, 0, len(pending))
	for _, p := range pending {
		r := e.runOne(ctx, doc, p.Def, p.Key, tickID, tf)
		receipts = append(receipts, r)
	}
	return receipts
}

// RunRetries executes retry entries previously drained from the queue
// with reliability.Due. Each entry re-runs its action under the same
// idempotency key against the stage that scheduled it; exhausted
// entries emit an action_dropped event. The caller drains before rule
// evaluation and runs afterwards, so no adapter fires until the tick's
// stage is decided.
func (e *Executor) RunRetries(ctx context.Context, doc *state.Document, snap *policy.Snapshot, tickID string, now time.Time, due []state.RetryEntry) []adapters.Receipt {
	if len(due) == 0 {
		return nil
	}

	tf := rules.EvaluateTime(doc, now)
	var receipts []adapters.Receipt
	for _, entry := range due {
		def, ok := e.findDef(snap, entry.Stage, entry.ActionID)
		if !ok {
			// Policy edit removed the action; the retry has nothing to run.
			e.append(tickID, audit.TypeActionDropped, map[string]any{
				"key":       entry.Key,
				"action_id": entry.ActionID,
				"reason":    "action no longer in plan",
			})
			continue
		}
		if doc.Executed(entry.Key) {
			continue
		}
		r := e.retryOne(ctx, doc, def, entry, tickID, tf)
		receipts = append(receipts, r)
	}
	return receipts
}

func (e *Executor) findDef(snap *policy.Snapshot, stage, actionID string) (policy.ActionDef, bool) {
	for _, def := range snap.ActionsFor(stage) {
		if def.ID == actionID {
			return def, true
		}
	}
	return policy.ActionDef{}, false
}

func (e *Executor) runOne(ctx context.Context, doc *state.Document, def policy.ActionDef, key, tickID string, tf rules.TimeFacts) adapters.Receipt {
	r := e.invoke(ctx, doc, def, key, tickID, tf)
	e.observe(doc, def, key, tickID, r, nil)
	return r
}

func (e *Executor) retryOne(ctx context.Context, doc *state.Document, def policy.ActionDef, entry state.RetryEntry, tickID string, tf rules.TimeFacts) adapters.Receipt {
	r := e.invoke(ctx, doc, def, entry.Key, tickID, tf)
	e.observe(doc, def, entry.Key, tickID, r, &entry)
	return r
}

// invoke runs the per-action pipeline: render, breaker gate, enablement,
// mock mode, validation, then the timed adapter call.
func (e *Executor) invoke(ctx context.Context, doc *state.Document, def policy.ActionDef, key, tickID string, tf rules.TimeFacts) adapters.Receipt {
	now := e.clock.Now()

	ec := adapters.ExecutionContext{
		TickID:          tickID,
		Stage:           doc.Escalation.Stage,
		ActionID:        def.ID,
		Channel:         def.Channel,
		Constraints:     def.Constraints,
		OperatorEmail:   doc.Routing.OperatorEmail,
		CustodianEmails: doc.Routing.CustodianEmails,
		SubscriberList:  doc.Routing.SubscriberList,
		WebhookURL:      doc.Routing.WebhookURL,
		MockMode:        e.registry.MockMode(),
	}

	e.append(tickID, audit.TypeActionAttempt, map[string]any{
		"key":       key,
		"action_id": def.ID,
		"adapter":   def.Adapter,
		"stage":     ec.Stage,
	})

	content, err := e.resolver.Render(def.Template, TemplateVars(doc, tf, tickID, def))
	if err != nil {
		return stamp(adapters.FailedReceipt(def.Adapter, ec, adapters.ReasonInvalidArgument, err.Error(), now), key)
	}
	ec.Content = content

	adapter, err := e.registry.Get(def.Adapter)
	if err != nil {
		return stamp(adapters.SkippedReceipt(def.Adapter, ec, adapters.ReasonNotConfigured, now), key)
	}

	if !e.breakers.Get(def.Adapter).Allow() {
		return stamp(adapters.DeferredReceipt(def.Adapter, ec, adapters.ReasonCircuitOpen, now), key)
	}

	if !adapter.IsEnabled(ec) {
		return stamp(adapters.SkippedReceipt(def.Adapter, ec, adapters.ReasonNotConfigured, now), key)
	}

	if ec.MockMode {
		e.logger.Info("Mock mode: skipping %s via %s", def.ID, def.Adapter)
		return stamp(adapters.SkippedReceipt(def.Adapter, ec, adapters.ReasonMockMode, now), key)
	}

	if ok, reason := adapter.Validate(ec); !ok {
		return stamp(adapters.FailedReceipt(def.Adapter, ec, adapters.ReasonInvalidArgument, reason, now), key)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.AdapterTimeout)
	defer cancel()

	r := e.execute(callCtx, adapter, ec)
	// Only a failed receipt counts against the breaker; an adapter that
	// returns skipped or deferred from Execute did not fail upstream.
	e.breakers.Get(def.Adapter).Mark(r.Kind != adapters.KindFailed)
	return stamp(r, key)
}

// execute calls the adapter, converting a panic into a failed receipt so
// one misbehaving adapter cannot take down the tick.
func (e *Executor) execute(ctx context.Context, adapter adapters.Adapter, ec adapters.ExecutionContext) (r adapters.Receipt) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("Adapter %s panicked: %v", adapter.Name(), rec)
			r = adapters.FailedReceipt(adapter.Name(), ec,
				adapters.ReasonAdapterException, fmt.Sprintf("panic: %v", rec), e.clock.Now())
		}
	}()
	return adapter.Execute(ctx, ec)
}

// observe folds the receipt into the document and the ledger: record the
// summary under the idempotency key and schedule or drop retries.
// retryOf is the drained queue entry when this run was a retry, nil on
// a first attempt; rescheduling continues its attempt count and stage.
func (e *Executor) observe(doc *state.Document, def policy.ActionDef, key, tickID string, r adapters.Receipt, retryOf *state.RetryEntry) {
	doc.RecordReceipt(key, state.ReceiptSummary{
		Kind:       r.Kind,
		Adapter:    r.Adapter,
		ActionID:   r.ActionID,
		DeliveryID: r.DeliveryID,
		Reason:     r.Reason,
		At:         r.At,
	})

	payload := map[string]any{
		"key":       key,
		"action_id": r.ActionID,
		"adapter":   r.Adapter,
		"kind":      r.Kind,
	}
	if r.Reason != "" {
		payload["reason"] = r.Reason
	}
	if r.DeliveryID != "" {
		payload["delivery_id"] = r.DeliveryID
	}
	if r.Message != "" {
		payload["message"] = r.Message
	}
	if retryOf != nil {
		payload["retry"] = true
		payload["attempt"] = retryOf.Attempts + 1
	}
	e.append(tickID, audit.TypeActionReceipt, payload)

	switch r.Kind {
	case adapters.KindOK, adapters.KindSkipped:
		reliability.Drop(doc, key)
	case adapters.KindFailed:
		if adapters.RetryableReason(r.Reason) {
			e.schedule(doc, def, key, tickID, r.Reason, r.Message, retryOf)
		}
	case adapters.KindDeferred:
		// Breaker refused the call; retry once it may close again.
		e.schedule(doc, def, key, tickID, adapters.ReasonCircuitOpen, adapters.ReasonCircuitOpen, retryOf)
	}
}

// schedule books the next attempt. A first attempt opens a fresh queue
// entry; a retry continues the drained entry so the backoff keeps
// doubling and the attempt budget trips.
func (e *Executor) schedule(doc *state.Document, def policy.ActionDef, key, tickID, reason, lastError string, retryOf *state.RetryEntry) {
	booked := false
	if retryOf != nil {
		booked = reliability.Reschedule(doc, *retryOf, lastError, e.clock.Now())
	} else {
		booked = reliability.Enqueue(doc, doc.Escalation.Stage, def.ID, key, lastError, e.clock.Now())
	}
	if !booked {
		e.logger.Warn("Retry budget exhausted for %s, dropping", def.ID)
		e.append(tickID, audit.TypeActionDropped, map[string]any{
			"key":       key,
			"action_id": def.ID,
			"reason":    reason,
		})
	}
}

func (e *Executor) append(tickID, eventType string, payload map[string]any) {
	if e.ledger == nil {
		return
	}
	ev := audit.NewEvent(ids.NewEventID(), tickID, eventType, e.clock.Now(), payload)
	if err := e.ledger.Append(ev); err != nil {
		e.logger.Error("Ledger append failed: %v", err)
	}
}

func stamp(r adapters.Receipt, key string) adapters.Receipt {
	r.Key = key
	return r
}
