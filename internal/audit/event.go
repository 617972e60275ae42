// Package audit provides the append-only event ledger.
//
// The ledger is the canonical history of the system. Records are NEVER
// modified or deleted; every write appends one JSON object per line.
package audit

import "time"

// Event types.
const (
	TypeTickStart        = "tick_start"
	TypeTickEnd          = "tick_end"
	TypeTickAborted      = "tick_aborted"
	TypeRuleMatched      = "rule_matched"
	TypeStateTransition  = "state_transition"
	TypeActionAttempt    = "action_attempt"
	TypeActionReceipt    = "action_receipt"
	TypeActionDropped    = "action_dropped"
	TypeRenewal          = "renewal"
	TypeRenewalRejected  = "renewal_rejected"
	TypeReleaseTriggered = "release_triggered"
	TypeReleaseRejected  = "release_rejected"
	TypeReleaseExecuted  = "release_executed"
	TypeFactoryReset     = "factory_reset"
)

// Event is one ledger record.
type Event struct {
	EventID string         `json:"event_id"`
	TickID  string         `json:"tick_id"`
	TS      string         `json:"ts_iso"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

// NewEvent builds an event with its timestamp rendered in ISO form.
func NewEvent(eventID, tickID, eventType string, at time.Time, payload map[string]any) Event {
	return Event{
		EventID: eventID,
		TickID:  tickID,
		TS:      at.UTC().Format(time.RFC3339),
		Type:    eventType,
		Payload: payload,
	}
}
