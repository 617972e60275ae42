// Package rules implements the deterministic rule engine: time
// evaluation, predicate matching in declaration order, and the staged
// mutation set applied atomically at the end of evaluation.
package rules

import (
	"time"

	"vigil/internal/state"
)

// Fact paths visible to rule predicates.
const (
	FactTimeToDeadline = "time.time_to_deadline_minutes"
	FactOverdue        = "time.overdue_minutes"
	FactStage          = "escalation.stage"
	FactRenewedTick    = "renewal.renewed_this_tick"
	FactFailedAttempts = "renewal.failed_attempts"
	FactReleaseActive  = "release.triggered"
	FactGraceMinutes   = "timer.grace_minutes"
)

// TimeFacts are the derived countdown fields, in integer minutes.
type TimeFacts struct {
	TimeToDeadline int // negative when overdue
	Overdue        int // max(0, -TimeToDeadline)
}

// EvaluateTime derives the countdown fields from a single sampled now.
// deadline == now yields overdue 0, not negative.
func EvaluateTime(doc *state.Document, now time.Time) TimeFacts {
	delta := doc.Timer.Deadline.Sub(now)
	ttd := int(delta / time.Minute)
	overdue := 0
	if ttd < 0 {
		overdue = -ttd
	}
	return TimeFacts{TimeToDeadline: ttd, Overdue: overdue}
}

// Facts flattens the document and derived time fields into the namespace
// the predicate language addresses.
func Facts(doc *state.Document, now time.Time) map[string]any {
	tf := EvaluateTime(doc, now)
	return map[string]any{
		FactTimeToDeadline: tf.TimeToDeadline,
		FactOverdue:        tf.Overdue,
		FactStage:          doc.Escalation.Stage,
		FactRenewedTick:    doc.Renewal.RenewedThisTick,
		FactFailedAttempts: doc.Renewal.FailedAttempts,
		FactReleaseActive:  doc.Release.Triggered,
		FactGraceMinutes:   doc.Timer.GraceMinutes,
	}
}
