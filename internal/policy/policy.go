// Package policy loads and validates the declarative escalation policy:
// states, rules, per-stage action plans and named constants.
package policy

import (
	"fmt"
	"sort"
)

// State is one named stage of the escalation ladder.
type State struct {
	Name      string `yaml:"name"`
	Order     int    `yaml:"order"`
	OutwardOK bool   `yaml:"outward_ok"`
}

// Mutations is the effect set of a matched rule, applied atomically after
// all rules for the tick have been evaluated.
type Mutations struct {
	SetState string         `yaml:"set_state,omitempty"`
	Set      map[string]any `yaml:"set,omitempty"`
	Clear    []string       `yaml:"clear,omitempty"`
	Inc      []string       `yaml:"inc,omitempty"`
}

// Empty reports whether the mutation set does nothing.
func (m Mutations) Empty() bool {
	return m.SetState == "" && len(m.Set) == 0 && len(m.Clear) == 0 && len(m.Inc) == 0
}

// Rule is one ordered entry of the rule table.
type Rule struct {
	ID          string    `yaml:"id"`
	Description string    `yaml:"description,omitempty"`
	When        Predicate `yaml:"when"`
	Then        Mutations `yaml:"then"`
	Stop        bool      `yaml:"stop,omitempty"`
	Enabled     bool      `yaml:"enabled"`
	Locked      bool      `yaml:"locked,omitempty"`
}

// ActionDef is one plan entry: what to run when a stage is entered.
type ActionDef struct {
	ID          string            `yaml:"id"`
	Adapter     string            `yaml:"adapter"`
	Channel     string            `yaml:"channel,omitempty"`
	Template    string            `yaml:"template,omitempty"`
	Constraints map[string]string `yaml:"constraints,omitempty"`
}

// Document is the on-disk policy file shape.
type Document struct {
	Version   int                    `yaml:"version"`
	States    []State                `yaml:"states"`
	Constants map[string]int         `yaml:"constants"`
	Rules     []Rule                 `yaml:"rules"`
	Plans     map[string][]ActionDef `yaml:"plans"`
}

// Snapshot is the immutable, validated view of a policy used for exactly
// one tick. It is never mutated after construction.
type Snapshot struct {
	Version   int
	States    map[string]State
	Ordered   []State // ascending by order
	Rules     []Rule  // declaration order
	Plans     map[string][]ActionDef
	Constants map[string]int
}

// StateOrder returns the severity order for a stage name, or -1 when the
// stage is unknown.
func (s *Snapshot) StateOrder(name string) int {
	st, ok := s.States[name]
	if !ok {
		return -1
	}
	return st.Order
}

// LowestState returns the lowest-order state, the renewal target.
func (s *Snapshot) LowestState() State {
	return s.Ordered[0]
}

// HasState reports whether name is a policy state.
func (s *Snapshot) HasState(name string) bool {
	_, ok := s.States[name]
	return ok
}

// ActionsFor returns the plan entries for a stage. A stage absent from the
// plans map yields an empty list, not an error.
func (s *Snapshot) ActionsFor(stage string) []ActionDef {
	return s.Plans[stage]
}

// Constant returns a named constant value.
func (s *Snapshot) Constant(name string) (int, bool) {
	v, ok := s.Constants[name]
	return v, ok
}

// MaxFailedAttempts returns the renewal lockout threshold.
func (s *Snapshot) MaxFailedAttempts() int {
	if v, ok := s.Constants["max_failed_attempts"]; ok {
		return v
	}
	return 3
}

func buildSnapshot(doc *Document) (*Snapshot, error) {
	snap := &Snapshot{
		Version:   doc.Version,
		States:    make(map[string]State, len(doc.States)),
		Plans:     doc.Plans,
		Constants: doc.Constants,
		Rules:     doc.Rules,
	}
	if snap.Plans == nil {
		snap.Plans = make(map[string][]ActionDef)
	}
	if snap.Constants == nil {
		snap.Constants = make(map[string]int)
	}

	seenOrder := make(map[int]string)
	for _, st := range doc.States {
		if st.Name == "" {
			return nil, fmt.Errorf("policy: state with empty name")
		}
		if _, dup := snap.States[st.Name]; dup {
			return nil, fmt.Errorf("policy: duplicate state %q", st.Name)
		}
		if prev, dup := seenOrder[st.Order]; dup {
			return nil, fmt.Errorf("policy: states %q and %q share order %d", prev, st.Name, st.Order)
		}
		seenOrder[st.Order] = st.Name
		snap.States[st.Name] = st
	}
	if len(snap.States) == 0 {
		return nil, fmt.Errorf("policy: no states defined")
	}

	snap.Ordered = append(snap.Ordered, doc.States...)
	sort.Slice(snap.Ordered, func(i, j int) bool {
		return snap.Ordered[i].Order < snap.Ordered[j].Order
	})

	return snap, nil
}
