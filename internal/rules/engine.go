package rules

import (
	"fmt"
	"time"

	"vigil/internal/logging"
	"vigil/internal/policy"
	"vigil/internal/state"
)

// Transition records one actual stage change produced during evaluation.
type Transition struct {
	From string
	To   string
	Via  string // rule id, "renewal" or "release"
}

// Result is the outcome of one rule evaluation pass.
type Result struct {
	FromStage       string
	Stage           string // resulting stage
	Transitions     []Transition
	MatchedRules    []string
	RefusedRules    []string // matched rules whose set_state was refused
	RenewalApplied  bool
	ReleaseExecuted bool
	ReleaseNonce    string
}

// Engine evaluates the policy's rule table against a state document.
type Engine struct {
	logger logging.Logger
}

// NewEngine creates a rule engine.
func NewEngine() *Engine {
	return &Engine{logger: logging.NewComponentLogger("RuleEngine")}
}

// Evaluate runs one pass: built-in renewal and release resolution first,
// then the ordered rule table, then the staged mutations applied
// atomically. The document is mutated in place; callers pass a clone and
// discard it on error. now is sampled once and never re-read.
func (e *Engine) Evaluate(doc *state.Document, snap *policy.Snapshot, now time.Time) (*Result, error) {
	result := &Result{FromStage: doc.Escalation.Stage}

	// Renewal reset runs before any other rule. Renewal may move the
	// stage down; the monotonic constraint does not apply to it.
	if doc.Renewal.RenewedThisTick {
		lowest := snap.LowestState().Name
		if doc.Escalation.Stage != lowest {
			e.transition(doc, lowest, "renewal", now, result)
		}
		doc.Renewal.FailedAttempts = 0
		result.RenewalApplied = true
	}

	// A due release forces the target stage, also exempt from the
	// monotonic constraint. Trigger time is preserved for the audit
	// trail.
	if doc.Release.Triggered && doc.Release.ExecuteAfter != nil && !now.Before(*doc.Release.ExecuteAfter) {
		target := doc.Release.TargetStage
		if !snap.HasState(target) {
			return nil, fmt.Errorf("release targets unknown stage %q", target)
		}
		if doc.Escalation.Stage != target {
			e.transition(doc, target, "release", now, result)
		}
		result.ReleaseExecuted = true
		result.ReleaseNonce = doc.Release.Nonce
		doc.Release.Triggered = false
	}

	facts := Facts(doc, now)

	type staged struct {
		rule policy.Rule
	}
	var matched []staged
	for _, rule := range snap.Rules {
		if !rule.Enabled || rule.Locked {
			// Locked rules are built-in invariants enforced above and
			// in the renewal path; they never run in the ordered pass.
			continue
		}
		ok, err := EvalPredicate(rule.When, facts, snap.Constants)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		if !ok {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, rule.ID)
		matched = append(matched, staged{rule: rule})
		if rule.Stop {
			break
		}
	}

	// Conflicting set_state targets fail the tick before any persistence.
	target := ""
	for _, m := range matched {
		ss := m.rule.Then.SetState
		if ss == "" {
			continue
		}
		if target != "" && target != ss {
			return nil, fmt.Errorf("conflicting set_state targets %q and %q", target, ss)
		}
		target = ss
	}

	// Apply the staged mutations.
	for _, m := range matched {
		if err := e.applyMutations(doc, snap, m.rule, now, result); err != nil {
			return nil, err
		}
	}

	// The renewal flag is consumed by this tick.
	doc.Renewal.RenewedThisTick = false

	result.Stage = doc.Escalation.Stage
	return result, nil
}

func (e *Engine) applyMutations(doc *state.Document, snap *policy.Snapshot, rule policy.Rule, now time.Time, result *Result) error {
	then := rule.Then

	if then.SetState != "" && then.SetState != doc.Escalation.Stage {
		from := snap.StateOrder(doc.Escalation.Stage)
		to := snap.StateOrder(then.SetState)
		if to < from {
			// Monotonic progression: ordinary rules never move the
			// stage down.
			e.logger.Warn("Rule %q refused: set_state %s would lower stage order (%d -> %d)",
				rule.ID, then.SetState, from, to)
			result.RefusedRules = append(result.RefusedRules, rule.ID)
		} else {
			e.transition(doc, then.SetState, rule.ID, now, result)
		}
	}

	for path, value := range then.Set {
		if err := setPath(doc, path, value); err != nil {
			return fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}
	for _, path := range then.Clear {
		if err := clearPath(doc, path); err != nil {
			return fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}
	for _, path := range then.Inc {
		if err := incPath(doc, path); err != nil {
			return fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}
	return nil
}

func (e *Engine) transition(doc *state.Document, to, via string, now time.Time, result *Result) {
	from := doc.Escalation.Stage
	doc.Escalation.PreviousStage = from
	doc.Escalation.Stage = to
	doc.Escalation.StageEnteredAt = now
	result.Transitions = append(result.Transitions, Transition{From: from, To: to, Via: via})
}

// Mutable scalar paths for set/clear/inc mutations.

func setPath(doc *state.Document, path string, value any) error {
	switch path {
	case FactRenewedTick:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("set %s requires a bool", path)
		}
		doc.Renewal.RenewedThisTick = b
	case FactFailedAttempts:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("set %s requires a number", path)
		}
		doc.Renewal.FailedAttempts = int(n)
	case FactGraceMinutes:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("set %s requires a number", path)
		}
		doc.Timer.GraceMinutes = int(n)
	case FactReleaseActive:
		b, ok := value.(bool)
		if !ok {
			return fmt.Errorf("set %s requires a bool", path)
		}
		doc.Release.Triggered = b
	default:
		return fmt.Errorf("set targets unknown path %q", path)
	}
	return nil
}

func clearPath(doc *state.Document, path string) error {
	switch path {
	case FactRenewedTick:
		doc.Renewal.RenewedThisTick = false
	case FactFailedAttempts:
		doc.Renewal.FailedAttempts = 0
	case FactGraceMinutes:
		doc.Timer.GraceMinutes = 0
	case FactReleaseActive:
		doc.Release.Triggered = false
	default:
		return fmt.Errorf("clear targets unknown path %q", path)
	}
	return nil
}

func incPath(doc *state.Document, path string) error {
	switch path {
	case FactFailedAttempts:
		doc.Renewal.FailedAttempts++
	case FactGraceMinutes:
		doc.Timer.GraceMinutes++
	default:
		return fmt.Errorf("inc targets unknown path %q", path)
	}
	return nil
}
