// Package adapters defines the outbound side-effect contract and the
// built-in adapter set. An adapter performs one category of external
// effect (email, webhook, social post, site publication) and reports the
// outcome as a structured receipt; it never reads or mutates engine state.
package adapters

import (
	"context"
	"time"
)

// Receipt kinds.
const (
	KindOK       = "ok"
	KindSkipped  = "skipped"
	KindFailed   = "failed"
	KindDeferred = "deferred"
)

// Receipt reasons, the fixed taxonomy surfaced to operators.
const (
	ReasonNotConfigured    = "not_configured"
	ReasonMockMode         = "mock_mode"
	ReasonInvalidArgument  = "invalid_argument"
	ReasonCircuitOpen      = "circuit_open"
	ReasonTimeout          = "timeout"
	ReasonRateLimited      = "rate_limited"
	ReasonUpstreamError    = "upstream_error"
	ReasonTransientError   = "transient_error"
	ReasonAdapterException = "adapter_exception"
	ReasonCancelled        = "cancelled"
)

// RetryableReason reports whether a failure reason warrants a retry.
func RetryableReason(reason string) bool {
	switch reason {
	case ReasonRateLimited, ReasonTransientError, ReasonTimeout:
		return true
	}
	return false
}

// ExecutionContext is everything an adapter receives for one invocation.
// Adapters must not mutate it and must be safe to call concurrently for
// different contexts.
type ExecutionContext struct {
	TickID      string
	Stage       string
	ActionID    string
	Channel     string
	Subject     string
	Content     string
	Constraints map[string]string

	// Routing addresses, opaque to the engine.
	OperatorEmail   string
	CustodianEmails []string
	SubscriberList  []string
	WebhookURL      string

	// MockMode short-circuits every adapter with a skipped receipt.
	MockMode bool
}

// Receipt is the structured outcome of one adapter invocation.
type Receipt struct {
	Kind       string    `json:"kind"`
	Adapter    string    `json:"adapter"`
	ActionID   string    `json:"action_id"`
	Key        string    `json:"key"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"-"` // audit-only detail, never persisted in state
	At         time.Time `json:"at"`
}

// Adapter is the capability set every outbound integration satisfies.
type Adapter interface {
	// Name returns the unique adapter name referenced by plans.
	Name() string
	// IsEnabled reports whether the adapter is configured to run. A
	// disabled adapter yields an immediate skipped receipt without being
	// invoked.
	IsEnabled(ctx ExecutionContext) bool
	// Validate is a lightweight pre-check of the execution context.
	Validate(ctx ExecutionContext) (bool, string)
	// Execute performs the side effect and returns a receipt.
	Execute(ctx context.Context, ec ExecutionContext) Receipt
}

func receipt(kind, adapter string, ec ExecutionContext, at time.Time) Receipt {
	return Receipt{
		Kind:     kind,
		Adapter:  adapter,
		ActionID: ec.ActionID,
		At:       at,
	}
}

// OKReceipt builds an ok receipt with an optional delivery id.
func OKReceipt(adapter string, ec ExecutionContext, deliveryID string, at time.Time) Receipt {
	r := receipt(KindOK, adapter, ec, at)
	r.DeliveryID = deliveryID
	return r
}

// SkippedReceipt builds a skipped receipt with a taxonomy reason.
func SkippedReceipt(adapter string, ec ExecutionContext, reason string, at time.Time) Receipt {
	r := receipt(KindSkipped, adapter, ec, at)
	r.Reason = reason
	return r
}

// FailedReceipt builds a failed receipt with a taxonomy reason and an
// audit-only message.
func FailedReceipt(adapter string, ec ExecutionContext, reason, message string, at time.Time) Receipt {
	r := receipt(KindFailed, adapter, ec, at)
	r.Reason = reason
	r.Message = message
	return r
}

// DeferredReceipt builds a deferred receipt (breaker refused the call).
func DeferredReceipt(adapter string, ec ExecutionContext, reason string, at time.Time) Receipt {
	r := receipt(KindDeferred, adapter, ec, at)
	r.Reason = reason
	return r
}
