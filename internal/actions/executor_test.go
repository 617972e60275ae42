package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/adapters"
	"vigil/internal/audit"
	"vigil/internal/clock"
	"vigil/internal/policy"
	"vigil/internal/reliability"
	"vigil/internal/state"
)

type fixture struct {
	clk      *clock.Fake
	doc      *state.Document
	snap     *policy.Snapshot
	mock     *adapters.MockAdapter
	exec     *Executor
	ledger   *audit.Ledger
	breakers *reliability.BreakerManager
}

func newFixture(t *testing.T, stage string) *fixture {
	t.Helper()
	return newFixtureWithThreshold(t, stage, 2)
}

func newFixtureWithThreshold(t *testing.T, stage string, failureThreshold int) *fixture {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notice.md"),
		[]byte("stage {{stage}} action {{action_id}} overdue {{overdue_minutes}}m"), 0644))

	resolver, err := NewResolver(dir)
	require.NoError(t, err)

	mock := adapters.NewMockAdapter("mock", clk)
	reg := adapters.NewRegistry(false)
	require.NoError(t, reg.Register(mock))

	breakers := reliability.NewBreakerManager(reliability.BreakerConfig{
		FailureThreshold: failureThreshold,
		ResetTimeout:     5 * time.Minute,
		HalfOpenMaxCalls: 1,
	}, clk)

	ledger := audit.NewLedger(filepath.Join(t.TempDir(), "ledger.jsonl"))

	doc := state.New("p1", stage, now, now.Add(-time.Hour))
	doc.Escalation.Stage = stage
	doc.Escalation.StageEnteredAt = now

	snap, err := policy.NewLoader(nil).Load([]byte(testPolicy(stage)))
	require.NoError(t, err)

	return &fixture{
		clk:      clk,
		doc:      doc,
		snap:     snap,
		mock:     mock,
		exec:     NewExecutor(reg, breakers, resolver, ledger, clk),
		ledger:   ledger,
		breakers: breakers,
	}
}

func testPolicy(stage string) string {
	return `version: 1
states:
  - {name: OK, order: 0, outward_ok: false}
  - {name: ` + stage + `, order: 1, outward_ok: true}
constants:
  max_failed_attempts: 3
rules:
  - id: noop
    enabled: true
    when: {state_is: OK}
    then: {}
plans:
  ` + stage + `:
    - {id: notify, adapter: mock, channel: primary, template: notice}
    - {id: publish, adapter: mock, channel: site, template: notice}
`
}

func TestRunPlanExecutesEachActionOnce(t *testing.T) {
	f := newFixture(t, "FULL")

	receipts := f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Equal(t, adapters.KindOK, r.Kind)
	}
	assert.Equal(t, 2, f.mock.CallCount())

	// Same stage entry: keys are consumed, nothing re-runs.
	receipts = f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-2", f.clk.Now())
	assert.Empty(t, receipts)
	assert.Equal(t, 2, f.mock.CallCount())
}

func TestRunPlanRendersTemplate(t *testing.T) {
	f := newFixture(t, "FULL")

	f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	calls := f.mock.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "stage FULL action notify overdue 60m", calls[0].Content)
}

func TestFailedRetryableEnqueuesRetry(t *testing.T) {
	f := newFixture(t, "FULL")
	f.mock.ScriptFailure(adapters.ReasonTransientError)

	receipts := f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, receipts, 2)
	assert.Equal(t, adapters.KindFailed, receipts[0].Kind)
	assert.Equal(t, adapters.KindOK, receipts[1].Kind)

	require.Len(t, f.doc.RetryQueue, 1)
	assert.Equal(t, "notify", f.doc.RetryQueue[0].ActionID)

	// A failed receipt does not consume the key.
	key := state.ExecutionKey("FULL", "notify", f.doc.Escalation.StageEnteredAt)
	assert.False(t, f.doc.Executed(key))
}

func TestRunRetriesReexecutesAndClearsOnSuccess(t *testing.T) {
	f := newFixture(t, "FULL")
	f.mock.ScriptFailure(adapters.ReasonTransientError)

	f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, f.doc.RetryQueue, 1)

	// Not due yet.
	f.clk.Advance(30 * time.Second)
	receipts := f.exec.RunRetries(context.Background(), f.doc, f.snap, "tick-2", f.clk.Now(),
		reliability.Due(f.doc, f.clk.Now()))
	assert.Empty(t, receipts)

	f.clk.Advance(30 * time.Second)
	receipts = f.exec.RunRetries(context.Background(), f.doc, f.snap, "tick-3", f.clk.Now(),
		reliability.Due(f.doc, f.clk.Now()))
	require.Len(t, receipts, 1)
	assert.Equal(t, adapters.KindOK, receipts[0].Kind)
	assert.Empty(t, f.doc.RetryQueue)

	key := state.ExecutionKey("FULL", "notify", f.doc.Escalation.StageEnteredAt)
	assert.True(t, f.doc.Executed(key))
}

func TestBreakerOpensAndDefersAction(t *testing.T) {
	f := newFixture(t, "FULL")
	f.mock.ScriptFailure(adapters.ReasonTransientError)
	f.mock.ScriptFailure(adapters.ReasonTransientError)

	receipts := f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, receipts, 2)
	assert.Equal(t, adapters.KindFailed, receipts[0].Kind)
	assert.Equal(t, adapters.KindFailed, receipts[1].Kind)
	assert.Equal(t, reliability.StateOpen, f.breakers.Get("mock").State())

	// Drain a due retry while the breaker is open: deferred, not executed.
	f.clk.Advance(2 * time.Minute)
	receipts = f.exec.RunRetries(context.Background(), f.doc, f.snap, "tick-2", f.clk.Now(),
		reliability.Due(f.doc, f.clk.Now()))
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Equal(t, adapters.KindDeferred, r.Kind)
		assert.Equal(t, adapters.ReasonCircuitOpen, r.Reason)
	}
	assert.Equal(t, 2, f.mock.CallCount(), "adapter not invoked while open")
}

func TestRetryBackoffDoublesUntilBudgetExhausts(t *testing.T) {
	f := newFixtureWithThreshold(t, "FULL", 100)
	ctx := context.Background()

	f.mock.ScriptFailure(adapters.ReasonTransientError)
	f.exec.RunPlan(ctx, f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, f.doc.RetryQueue, 1)
	assert.Equal(t, 1, f.doc.RetryQueue[0].Attempts)
	assert.Equal(t, f.clk.Now().Add(reliability.Backoff(1)), f.doc.RetryQueue[0].NextAttemptAt)

	// Each failed drain continues the drained entry: attempts climb and
	// the backoff doubles instead of resetting to the base delay.
	for attempt := 2; attempt <= reliability.RetryMaxAttempts; attempt++ {
		f.clk.Advance(f.doc.RetryQueue[0].NextAttemptAt.Sub(f.clk.Now()))
		f.mock.ScriptFailure(adapters.ReasonTransientError)
		receipts := f.exec.RunRetries(ctx, f.doc, f.snap, "tick-r", f.clk.Now(),
			reliability.Due(f.doc, f.clk.Now()))
		require.Len(t, receipts, 1)
		require.Len(t, f.doc.RetryQueue, 1)
		assert.Equal(t, attempt, f.doc.RetryQueue[0].Attempts)
		assert.Equal(t, f.clk.Now().Add(reliability.Backoff(attempt)), f.doc.RetryQueue[0].NextAttemptAt)
	}

	// Budget spent: the next failure drops the action for good.
	f.clk.Advance(f.doc.RetryQueue[0].NextAttemptAt.Sub(f.clk.Now()))
	f.mock.ScriptFailure(adapters.ReasonTransientError)
	f.exec.RunRetries(ctx, f.doc, f.snap, "tick-last", f.clk.Now(),
		reliability.Due(f.doc, f.clk.Now()))
	assert.Empty(t, f.doc.RetryQueue)

	events, err := f.ledger.ReadAll()
	require.NoError(t, err)
	var dropped bool
	for _, e := range events {
		if e.Type == audit.TypeActionDropped {
			dropped = true
		}
	}
	assert.True(t, dropped, "exhaustion recorded in the ledger")
}

func TestRetryKeepsSchedulingStage(t *testing.T) {
	f := newFixture(t, "FULL")
	ctx := context.Background()

	f.mock.ScriptFailure(adapters.ReasonTransientError)
	f.exec.RunPlan(ctx, f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, f.doc.RetryQueue, 1)

	// The document moves on; the queued entry still belongs to the
	// stage entry that scheduled it.
	f.doc.Escalation.Stage = "OK"
	f.clk.Advance(time.Minute)
	f.mock.ScriptFailure(adapters.ReasonTransientError)
	receipts := f.exec.RunRetries(ctx, f.doc, f.snap, "tick-2", f.clk.Now(),
		reliability.Due(f.doc, f.clk.Now()))
	require.Len(t, receipts, 1, "entry resolves against its own stage")

	require.Len(t, f.doc.RetryQueue, 1)
	assert.Equal(t, "FULL", f.doc.RetryQueue[0].Stage)
	assert.Equal(t, 2, f.doc.RetryQueue[0].Attempts)
}

func TestSkippedExecuteDoesNotTripBreaker(t *testing.T) {
	f := newFixture(t, "FULL")
	f.mock.Script(
		adapters.Receipt{Kind: adapters.KindSkipped, Reason: adapters.ReasonNotConfigured},
		adapters.Receipt{Kind: adapters.KindSkipped, Reason: adapters.ReasonNotConfigured},
	)

	receipts := f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Equal(t, adapters.KindSkipped, r.Kind)
	}
	assert.Equal(t, reliability.StateClosed, f.breakers.Get("mock").State())
}

func TestMockModeSkips(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(now)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notice.md"), []byte("x"), 0644))
	resolver, err := NewResolver(dir)
	require.NoError(t, err)

	mock := adapters.NewMockAdapter("mock", clk)
	reg := adapters.NewRegistry(true)
	require.NoError(t, reg.Register(mock))

	exec := NewExecutor(reg, reliability.NewBreakerManager(reliability.DefaultBreakerConfig(), clk),
		resolver, audit.NewLedger(filepath.Join(t.TempDir(), "l.jsonl")), clk)

	doc := state.New("p1", "FULL", now, now)
	snap, err := policy.NewLoader(nil).Load([]byte(testPolicy("FULL")))
	require.NoError(t, err)

	receipts := exec.RunPlan(context.Background(), doc, snap, "tick-1", now)
	require.Len(t, receipts, 2)
	for _, r := range receipts {
		assert.Equal(t, adapters.KindSkipped, r.Kind)
		assert.Equal(t, adapters.ReasonMockMode, r.Reason)
	}
	assert.Equal(t, 0, mock.CallCount())

	// Skipped consumes the key: switching mock mode off later does not
	// replay the action for the same stage entry.
	key := state.ExecutionKey("FULL", "notify", doc.Escalation.StageEnteredAt)
	assert.True(t, doc.Executed(key))
}

func TestUnknownAdapterSkipsNotConfigured(t *testing.T) {
	f := newFixture(t, "FULL")
	f.snap.Plans["FULL"][0].Adapter = "absent"

	receipts := f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())
	require.Len(t, receipts, 2)
	assert.Equal(t, adapters.KindSkipped, receipts[0].Kind)
	assert.Equal(t, adapters.ReasonNotConfigured, receipts[0].Reason)
	assert.Equal(t, adapters.KindOK, receipts[1].Kind)
}

func TestReceiptsLandInLedger(t *testing.T) {
	f := newFixture(t, "FULL")

	f.exec.RunPlan(context.Background(), f.doc, f.snap, "tick-1", f.clk.Now())

	events, err := f.ledger.ReadAll()
	require.NoError(t, err)

	var attempts, outcomes int
	for _, e := range events {
		switch e.Type {
		case audit.TypeActionAttempt:
			attempts++
		case audit.TypeActionReceipt:
			outcomes++
		}
	}
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, outcomes)
}

func TestSelectSkipsConsumedKeys(t *testing.T) {
	f := newFixture(t, "FULL")

	key := state.ExecutionKey("FULL", "notify", f.doc.Escalation.StageEnteredAt)
	f.doc.RecordReceipt(key, state.ReceiptSummary{Kind: "ok", ActionID: "notify"})

	pending := Select(f.doc, f.snap)
	require.Len(t, pending, 1)
	assert.Equal(t, "publish", pending[0].Def.ID)
}
