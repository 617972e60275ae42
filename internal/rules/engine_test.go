package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/policy"
	"vigil/internal/state"
)

func loadPolicy(t *testing.T) *policy.Snapshot {
	t.Helper()
	snap, err := policy.NewLoader(nil).Load([]byte(policy.DefaultDocument()))
	require.NoError(t, err)
	return snap
}

func newDoc(stage string, now time.Time, deadline time.Time) *state.Document {
	doc := state.New("test", stage, now.Add(-time.Hour), deadline)
	doc.Escalation.Stage = stage
	return doc
}

func TestEvaluateTimeBoundary(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	tf := EvaluateTime(newDoc("OK", now, now), now)
	assert.Equal(t, 0, tf.TimeToDeadline, "deadline == now is zero, not negative")
	assert.Equal(t, 0, tf.Overdue)

	tf = EvaluateTime(newDoc("OK", now, now.Add(300*time.Minute)), now)
	assert.Equal(t, 300, tf.TimeToDeadline)
	assert.Equal(t, 0, tf.Overdue)

	tf = EvaluateTime(newDoc("OK", now, now.Add(-90*time.Minute)), now)
	assert.Equal(t, -90, tf.TimeToDeadline)
	assert.Equal(t, 90, tf.Overdue)
}

func TestFirstReminderTransition(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("OK", now, now.Add(300*time.Minute))

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)

	assert.Equal(t, "REMIND_1", result.Stage)
	assert.Equal(t, []string{"remind-1"}, result.MatchedRules)
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, Transition{From: "OK", To: "REMIND_1", Via: "remind-1"}, result.Transitions[0])
	assert.Equal(t, now, doc.Escalation.StageEnteredAt)
	assert.Equal(t, "OK", doc.Escalation.PreviousStage)
}

func TestNoTransitionOutsideWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("OK", now, now.Add(1000*time.Minute))

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)
	assert.Equal(t, "OK", result.Stage)
	assert.Empty(t, result.Transitions)
	assert.Empty(t, result.MatchedRules)
}

func TestSeverityOrderWithStop(t *testing.T) {
	// Long-overdue timer must land on FULL in a single tick; the
	// most-severe rule is declared first and stops evaluation.
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("OK", now, now.Add(-180*time.Minute))

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)
	assert.Equal(t, "FULL", result.Stage)
	assert.Equal(t, []string{"full-escalation"}, result.MatchedRules)
}

func TestOverdueBoundaryRules(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)

	// Exactly at the deadline: time_to_deadline_lte: 0 style windows fire
	// (pre_release_at_minutes=15 covers 0), overdue-keyed rules do not.
	doc := newDoc("OK", now, now)
	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)
	assert.Equal(t, "PRE_RELEASE", result.Stage)
}

func TestMonotonicRefusal(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snapDoc := `
version: 1
states:
  - {name: OK, order: 0}
  - {name: FULL, order: 1}
rules:
  - id: downgrade
    when: {state_is: FULL}
    then: {set_state: OK}
    enabled: true
`
	snap, err := policy.NewLoader(nil).Load([]byte(snapDoc))
	require.NoError(t, err)

	doc := newDoc("FULL", now, now.Add(time.Hour))
	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)

	assert.Equal(t, "FULL", result.Stage, "ordinary rules cannot lower the stage")
	assert.Equal(t, []string{"downgrade"}, result.RefusedRules)
	assert.Empty(t, result.Transitions)
}

func TestRenewalResetBeforeRules(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("REMIND_2", now, now.Add(3000*time.Minute))
	doc.Renewal.RenewedThisTick = true
	doc.Renewal.FailedAttempts = 2

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)

	assert.True(t, result.RenewalApplied)
	assert.Equal(t, "OK", result.Stage)
	assert.Equal(t, 0, doc.Renewal.FailedAttempts)
	assert.False(t, doc.Renewal.RenewedThisTick, "flag consumed by the tick")
	require.Len(t, result.Transitions, 1)
	assert.Equal(t, "renewal", result.Transitions[0].Via)
}

func TestRenewalResetThenEscalationSameTick(t *testing.T) {
	// Renewal resets to OK but the deadline is still inside the first
	// reminder window, so the tick escalates again from the reset stage.
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("REMIND_2", now, now.Add(100*time.Minute))
	doc.Renewal.RenewedThisTick = true

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)
	require.Len(t, result.Transitions, 2)
	assert.Equal(t, "renewal", result.Transitions[0].Via)
	assert.Equal(t, "OK", result.Transitions[0].To)
	assert.Equal(t, "REMIND_1", result.Stage)
}

func TestDueReleaseForcesTarget(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("REMIND_1", now, now.Add(3000*time.Minute))
	trigger := now.Add(-61 * time.Minute)
	execAfter := now.Add(-time.Minute)
	doc.Release = state.Release{
		Triggered:    true,
		TriggerTime:  &trigger,
		ExecuteAfter: &execAfter,
		TargetStage:  "FULL",
		Nonce:        "nonce-1",
	}

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)

	assert.True(t, result.ReleaseExecuted)
	assert.Equal(t, "nonce-1", result.ReleaseNonce)
	assert.Equal(t, "FULL", result.Stage)
	assert.False(t, doc.Release.Triggered)
	assert.NotNil(t, doc.Release.TriggerTime, "trigger time preserved for the audit trail")
}

func TestPendingReleaseNotYetDue(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snap := loadPolicy(t)
	doc := newDoc("REMIND_1", now, now.Add(3000*time.Minute))
	trigger := now.Add(-30 * time.Minute)
	execAfter := now.Add(30 * time.Minute)
	doc.Release = state.Release{
		Triggered:    true,
		TriggerTime:  &trigger,
		ExecuteAfter: &execAfter,
		TargetStage:  "FULL",
	}

	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)

	assert.False(t, result.ReleaseExecuted)
	assert.Equal(t, "REMIND_1", result.Stage)
	assert.True(t, doc.Release.Triggered)
}

func TestConflictingSetStateFailsTick(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snapDoc := `
version: 1
states:
  - {name: OK, order: 0}
  - {name: A, order: 1}
  - {name: B, order: 2}
rules:
  - id: to-a
    when: {state_is: OK}
    then: {set_state: A}
    enabled: true
  - id: to-b
    when: {state_is: OK}
    then: {set_state: B}
    enabled: true
`
	snap, err := policy.NewLoader(nil).Load([]byte(snapDoc))
	require.NoError(t, err)

	doc := newDoc("OK", now, now.Add(time.Hour))
	_, err = NewEngine().Evaluate(doc, snap, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conflicting set_state")
}

func TestScalarMutations(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snapDoc := `
version: 1
states: [{name: OK, order: 0}]
rules:
  - id: bump
    when: {state_is: OK}
    then:
      inc: [renewal.failed_attempts]
      set: {timer.grace_minutes: 30}
    enabled: true
`
	snap, err := policy.NewLoader(nil).Load([]byte(snapDoc))
	require.NoError(t, err)

	doc := newDoc("OK", now, now.Add(time.Hour))
	doc.Renewal.FailedAttempts = 1
	_, err = NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Renewal.FailedAttempts)
	assert.Equal(t, 30, doc.Timer.GraceMinutes)
}

func TestDisabledRuleSkipped(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	snapDoc := `
version: 1
states: [{name: OK, order: 0}, {name: A, order: 1}]
rules:
  - id: off
    when: {state_is: OK}
    then: {set_state: A}
    enabled: false
`
	snap, err := policy.NewLoader(nil).Load([]byte(snapDoc))
	require.NoError(t, err)

	doc := newDoc("OK", now, now.Add(time.Hour))
	result, err := NewEngine().Evaluate(doc, snap, now)
	require.NoError(t, err)
	assert.Equal(t, "OK", result.Stage)
	assert.Empty(t, result.MatchedRules)
}
