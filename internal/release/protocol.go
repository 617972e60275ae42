// Package release implements the signed operator commands: renewal,
// which pushes the deadline out, and release, which schedules an
// escalation that bypasses the monotonic ladder.
package release

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"vigil/internal/audit"
	"vigil/internal/clock"
	"vigil/internal/ids"
	"vigil/internal/logging"
	"vigil/internal/policy"
	"vigil/internal/state"
)

// Command errors surfaced to the CLI and HTTP layers. None of them leak
// whether a presented secret was close.
var (
	ErrBadSecret     = errors.New("secret rejected")
	ErrLockedOut     = errors.New("too many failed attempts, commands locked out")
	ErrInvalidTarget = errors.New("release target below current stage")
	ErrNotTriggered  = errors.New("no release pending")
)

// Secrets are the shared credentials for operator commands. Empty
// strings disable the corresponding command.
type Secrets struct {
	RenewalSecret string
	ReleaseSecret string
}

// DefaultRenewalTTL is how far a renewal pushes the deadline when the
// request does not say.
const DefaultRenewalTTL = 72 * time.Hour

// Service executes renewal and release commands against the persisted
// document. Each command is its own lock-load-mutate-save cycle, so a
// command and a tick never interleave.
type Service struct {
	store   state.Store
	ledger  *audit.Ledger
	clock   clock.Clock
	secrets Secrets
	policy  func() (*policy.Snapshot, error)
	logger  logging.Logger
}

// NewService wires the command service. policyFn loads a fresh snapshot
// per command, mirroring the tick.
func NewService(store state.Store, ledger *audit.Ledger, clk clock.Clock, secrets Secrets, policyFn func() (*policy.Snapshot, error)) *Service {
	return &Service{
		store:   store,
		ledger:  ledger,
		clock:   clk,
		secrets: secrets,
		policy:  policyFn,
		logger:  logging.NewComponentLogger("ReleaseService"),
	}
}

// RenewResult reports the outcome of a renewal.
type RenewResult struct {
	Deadline  time.Time `json:"deadline"`
	RenewedAt time.Time `json:"renewed_at"`
	Cancelled bool      `json:"release_cancelled,omitempty"`
}

// Renew verifies the renewal secret and pushes the deadline out. It also
// cancels any pending release and flags the document so the next tick
// resets the escalation stage. The stage itself changes only inside a
// tick.
func (s *Service) Renew(ctx context.Context, secret string, ttl time.Duration) (*RenewResult, error) {
	if ttl <= 0 {
		ttl = DefaultRenewalTTL
	}

	var result *RenewResult
	err := s.withDocument(ctx, func(doc *state.Document, snap *policy.Snapshot) error {
		now := s.clock.Now()

		if err := s.verify(doc, snap, s.secrets.RenewalSecret, secret, audit.TypeRenewalRejected, now); err != nil {
			return err
		}

		cancelled := doc.Release.Triggered
		doc.Release = state.Release{}
		doc.Timer.Deadline = now.Add(ttl)
		doc.Renewal.LastRenewalAt = now
		doc.Renewal.RenewedThisTick = true
		doc.Renewal.FailedAttempts = 0

		s.append("", audit.TypeRenewal, now, map[string]any{
			"deadline":          doc.Timer.Deadline.UTC().Format(time.RFC3339),
			"release_cancelled": cancelled,
		})
		result = &RenewResult{Deadline: doc.Timer.Deadline, RenewedAt: now, Cancelled: cancelled}
		return nil
	})
	return result, err
}

// TriggerRequest is one release command.
type TriggerRequest struct {
	Secret       string
	TargetStage  string
	DelayMinutes int
	Scope        string
}

// TriggerResult reports the scheduled release.
type TriggerResult struct {
	TargetStage  string    `json:"target_stage"`
	ExecuteAfter time.Time `json:"execute_after"`
	Nonce        string    `json:"nonce"`
}

// Trigger verifies the release secret and schedules a release. The
// release itself executes inside a tick once execute_after has passed;
// the delay is the operator's window to renew and cancel.
func (s *Service) Trigger(ctx context.Context, req TriggerRequest) (*TriggerResult, error) {
	var result *TriggerResult
	err := s.withDocument(ctx, func(doc *state.Document, snap *policy.Snapshot) error {
		now := s.clock.Now()

		if err := s.verify(doc, snap, s.secrets.ReleaseSecret, req.Secret, audit.TypeReleaseRejected, now); err != nil {
			return err
		}

		target := req.TargetStage
		if target == "" {
			target = snap.Ordered[len(snap.Ordered)-1].Name
		}
		targetOrder := snap.StateOrder(target)
		if targetOrder < 0 {
			return fmt.Errorf("unknown release target %q", target)
		}
		if targetOrder < snap.StateOrder(doc.Escalation.Stage) {
			return ErrInvalidTarget
		}

		executeAfter := now.Add(time.Duration(req.DelayMinutes) * time.Minute)
		nonce := ids.NewNonce()
		doc.Release = state.Release{
			Triggered:    true,
			TriggerTime:  &now,
			ExecuteAfter: &executeAfter,
			TargetStage:  target,
			Scope:        req.Scope,
			Nonce:        nonce,
		}
		doc.Renewal.FailedAttempts = 0

		s.append("", audit.TypeReleaseTriggered, now, map[string]any{
			"target_stage":  target,
			"execute_after": executeAfter.UTC().Format(time.RFC3339),
			"delay_minutes": req.DelayMinutes,
			"scope":         req.Scope,
			"nonce":         nonce,
		})
		result = &TriggerResult{TargetStage: target, ExecuteAfter: executeAfter, Nonce: nonce}
		return nil
	})
	return result, err
}

// Cancel withdraws a pending release without renewing. Uses the release
// secret; renewing also cancels.
func (s *Service) Cancel(ctx context.Context, secret string) error {
	return s.withDocument(ctx, func(doc *state.Document, snap *policy.Snapshot) error {
		now := s.clock.Now()

		if err := s.verify(doc, snap, s.secrets.ReleaseSecret, secret, audit.TypeReleaseRejected, now); err != nil {
			return err
		}
		if !doc.Release.Triggered {
			return ErrNotTriggered
		}

		nonce := doc.Release.Nonce
		doc.Release = state.Release{}
		doc.Renewal.FailedAttempts = 0

		s.append("", audit.TypeReleaseRejected, now, map[string]any{
			"reason": "cancelled by operator",
			"nonce":  nonce,
		})
		return nil
	})
}

// Authorize verifies the release secret without touching the timer or
// release fields. Destructive local commands gate on it; the
// failed-attempt accounting is shared with renew and release.
func (s *Service) Authorize(ctx context.Context, secret string) error {
	return s.withDocument(ctx, func(doc *state.Document, snap *policy.Snapshot) error {
		now := s.clock.Now()
		if err := s.verify(doc, snap, s.secrets.ReleaseSecret, secret, audit.TypeReleaseRejected, now); err != nil {
			return err
		}
		doc.Renewal.FailedAttempts = 0
		return nil
	})
}

// verify checks the presented secret in constant time and applies the
// lockout and failed-attempt accounting shared by every command.
func (s *Service) verify(doc *state.Document, snap *policy.Snapshot, want, got, rejectType string, now time.Time) error {
	if doc.Renewal.FailedAttempts >= snap.MaxFailedAttempts() {
		s.append("", rejectType, now, map[string]any{"reason": "locked_out"})
		return ErrLockedOut
	}
	if want == "" || subtle.ConstantTimeCompare([]byte(want), []byte(got)) != 1 {
		doc.Renewal.FailedAttempts++
		s.append("", rejectType, now, map[string]any{
			"reason":          "secret_mismatch",
			"failed_attempts": doc.Renewal.FailedAttempts,
		})
		return ErrBadSecret
	}
	return nil
}

// withDocument runs fn under the document lock and persists the result.
// A rejected command still persists, so failed-attempt accounting
// survives the error return.
func (s *Service) withDocument(ctx context.Context, fn func(*state.Document, *policy.Snapshot) error) error {
	if err := s.store.Acquire(ctx); err != nil {
		return err
	}
	defer s.store.Release()

	doc, err := s.store.Load()
	if err != nil {
		return err
	}
	snap, err := s.policy()
	if err != nil {
		return err
	}

	fnErr := fn(doc, snap)
	if fnErr != nil && !errors.Is(fnErr, ErrBadSecret) && !errors.Is(fnErr, ErrLockedOut) {
		return fnErr
	}
	if err := s.store.Save(doc, s.clock.Now()); err != nil {
		return err
	}
	return fnErr
}

func (s *Service) append(tickID, eventType string, at time.Time, payload map[string]any) {
	if s.ledger == nil {
		return
	}
	if err := s.ledger.Append(audit.NewEvent(ids.NewEventID(), tickID, eventType, at, payload)); err != nil {
		s.logger.Error("Ledger append failed: %v", err)
	}
}
