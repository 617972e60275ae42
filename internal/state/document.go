// Package state holds the persisted state document and its file store.
//
// The document is a single logical record. It is only ever written as a
// whole, under an exclusive advisory lock, so external readers see either
// the start-of-tick or the end-of-tick snapshot and never a composite.
package state

import (
	"fmt"
	"time"
)

// SchemaVersion is the current state document schema. Non-decreasing.
const SchemaVersion = 1

// Meta carries document identity and versioning.
type Meta struct {
	ProjectID     string    `json:"project_id"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	PolicyVersion int       `json:"policy_version"`
}

// Timer is the renewable countdown.
type Timer struct {
	Deadline     time.Time `json:"deadline"`
	GraceMinutes int       `json:"grace_minutes,omitempty"`
}

// Escalation tracks the current stage of the state machine.
type Escalation struct {
	Stage          string    `json:"stage"`
	StageEnteredAt time.Time `json:"stage_entered_at"`
	PreviousStage  string    `json:"previous_stage,omitempty"`
}

// Renewal tracks operator check-ins.
type Renewal struct {
	LastRenewalAt   time.Time `json:"last_renewal_at"`
	RenewedThisTick bool      `json:"renewed_this_tick"`
	FailedAttempts  int       `json:"failed_attempts"`
}

// Release holds a pending or historical release command.
type Release struct {
	Triggered    bool       `json:"triggered"`
	TriggerTime  *time.Time `json:"trigger_time,omitempty"`
	ExecuteAfter *time.Time `json:"execute_after,omitempty"`
	TargetStage  string     `json:"target_stage,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	Nonce        string     `json:"nonce,omitempty"`
}

// ReceiptSummary is the receipt view folded into actions.executed.
type ReceiptSummary struct {
	Kind       string    `json:"kind"`
	Adapter    string    `json:"adapter"`
	ActionID   string    `json:"action_id"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// Actions records action executions keyed by the idempotency key.
type Actions struct {
	Executed map[string]ReceiptSummary `json:"executed"`
}

// RetryEntry is one pending re-attempt of a failed action.
type RetryEntry struct {
	Key           string    `json:"key"`
	Stage         string    `json:"stage"`
	ActionID      string    `json:"action_id"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
}

// Routing carries delivery addresses as opaque strings.
type Routing struct {
	OperatorEmail   string          `json:"operator_email,omitempty"`
	CustodianEmails []string        `json:"custodian_emails,omitempty"`
	SubscriberList  []string        `json:"subscriber_list,omitempty"`
	WebhookURL      string          `json:"webhook_url,omitempty"`
	Enabled         map[string]bool `json:"enabled,omitempty"`
}

// Document is the single persisted state record.
type Document struct {
	Meta       Meta         `json:"meta"`
	Timer      Timer        `json:"timer"`
	Escalation Escalation   `json:"escalation"`
	Renewal    Renewal      `json:"renewal"`
	Release    Release      `json:"release"`
	Actions    Actions      `json:"actions"`
	RetryQueue []RetryEntry `json:"retry_queue,omitempty"`
	Routing    Routing      `json:"routing"`
}

// New creates a fresh document in the given initial stage.
func New(projectID, initialStage string, now, deadline time.Time) *Document {
	return &Document{
		Meta: Meta{
			ProjectID:     projectID,
			SchemaVersion: SchemaVersion,
			CreatedAt:     now,
			UpdatedAt:     now,
			PolicyVersion: 1,
		},
		Timer: Timer{Deadline: deadline},
		Escalation: Escalation{
			Stage:          initialStage,
			StageEnteredAt: now,
		},
		Renewal: Renewal{LastRenewalAt: now},
		Actions: Actions{Executed: make(map[string]ReceiptSummary)},
	}
}

// ExecutionKey builds the idempotency key for one action execution.
// An action runs at most once per entry into a stage; re-entering the
// stage produces a new key and allows a re-run.
func ExecutionKey(stage, actionID string, stageEnteredAt time.Time) string {
	return fmt.Sprintf("%s|%s|%s", stage, actionID, stageEnteredAt.UTC().Format(time.RFC3339))
}

// Executed reports whether the key is consumed: a recorded ok or skipped
// receipt wins forever, a failed receipt leaves the key open for retry.
func (d *Document) Executed(key string) bool {
	r, ok := d.Actions.Executed[key]
	if !ok {
		return false
	}
	return r.Kind == "ok" || r.Kind == "skipped"
}

// RecordReceipt folds a receipt summary into actions.executed.
func (d *Document) RecordReceipt(key string, r ReceiptSummary) {
	if d.Actions.Executed == nil {
		d.Actions.Executed = make(map[string]ReceiptSummary)
	}
	d.Actions.Executed[key] = r
}

// Clone returns a deep copy. The tick mutates a clone so an aborted tick
// discards all in-memory changes.
func (d *Document) Clone() *Document {
	out := *d
	out.Actions.Executed = make(map[string]ReceiptSummary, len(d.Actions.Executed))
	for k, v := range d.Actions.Executed {
		out.Actions.Executed[k] = v
	}
	out.RetryQueue = append([]RetryEntry(nil), d.RetryQueue...)
	out.Routing.CustodianEmails = append([]string(nil), d.Routing.CustodianEmails...)
	out.Routing.SubscriberList = append([]string(nil), d.Routing.SubscriberList...)
	if d.Routing.Enabled != nil {
		out.Routing.Enabled = make(map[string]bool, len(d.Routing.Enabled))
		for k, v := range d.Routing.Enabled {
			out.Routing.Enabled[k] = v
		}
	}
	if d.Release.TriggerTime != nil {
		t := *d.Release.TriggerTime
		out.Release.TriggerTime = &t
	}
	if d.Release.ExecuteAfter != nil {
		t := *d.Release.ExecuteAfter
		out.Release.ExecuteAfter = &t
	}
	return &out
}
