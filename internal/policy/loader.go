package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"vigil/internal/logging"
)

// Loader parses policy files into immutable snapshots. A fresh snapshot is
// built at every tick start; the snapshot is never mutated in memory.
type Loader struct {
	// KnownAdapters, when non-empty, restricts plan adapter names.
	KnownAdapters []string
	logger        logging.Logger
}

// NewLoader creates a policy loader validating against the given adapter
// names.
func NewLoader(knownAdapters []string) *Loader {
	return &Loader{
		KnownAdapters: knownAdapters,
		logger:        logging.NewComponentLogger("PolicyLoader"),
	}
}

// LoadFile reads, parses and validates the policy at path.
func (l *Loader) LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return l.Load(data)
}

// Load parses and validates a policy document.
func (l *Loader) Load(data []byte) (*Snapshot, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	snap, err := buildSnapshot(&doc)
	if err != nil {
		return nil, err
	}
	if err := l.validate(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// Marshal renders a snapshot back to the on-disk document form.
func Marshal(snap *Snapshot) ([]byte, error) {
	doc := Document{
		Version:   snap.Version,
		States:    snap.Ordered,
		Constants: snap.Constants,
		Rules:     snap.Rules,
		Plans:     snap.Plans,
	}
	return yaml.Marshal(&doc)
}

func (l *Loader) validate(snap *Snapshot) error {
	for name, value := range snap.Constants {
		if value < 0 {
			return fmt.Errorf("policy: constant %q is negative (%d)", name, value)
		}
	}

	seenRule := make(map[string]bool, len(snap.Rules))
	for _, rule := range snap.Rules {
		if rule.ID == "" {
			return fmt.Errorf("policy: rule with empty id")
		}
		if seenRule[rule.ID] {
			return fmt.Errorf("policy: duplicate rule id %q", rule.ID)
		}
		seenRule[rule.ID] = true

		if rule.Locked && !rule.Enabled {
			return fmt.Errorf("policy: rule %q is locked and cannot be disabled", rule.ID)
		}

		for _, ref := range rule.When.StateRefs() {
			if !snap.HasState(ref) {
				return fmt.Errorf("policy: rule %q references unknown state %q", rule.ID, ref)
			}
		}
		for _, ref := range rule.When.ConstantRefs() {
			if _, ok := snap.Constants[ref]; !ok {
				return fmt.Errorf("policy: rule %q references unknown constant %q", rule.ID, ref)
			}
		}
		if rule.Then.SetState != "" && !snap.HasState(rule.Then.SetState) {
			return fmt.Errorf("policy: rule %q sets unknown state %q", rule.ID, rule.Then.SetState)
		}
	}

	adapterOK := func(string) bool { return true }
	if len(l.KnownAdapters) > 0 {
		known := make(map[string]bool, len(l.KnownAdapters))
		for _, name := range l.KnownAdapters {
			known[name] = true
		}
		adapterOK = func(name string) bool { return known[name] }
	}

	for stage, actions := range snap.Plans {
		if !snap.HasState(stage) {
			return fmt.Errorf("policy: plan references unknown stage %q", stage)
		}
		seenAction := make(map[string]bool, len(actions))
		for _, action := range actions {
			if action.ID == "" {
				return fmt.Errorf("policy: plan for %q has action with empty id", stage)
			}
			if seenAction[action.ID] {
				return fmt.Errorf("policy: plan for %q has duplicate action id %q", stage, action.ID)
			}
			seenAction[action.ID] = true
			if action.Adapter == "" {
				return fmt.Errorf("policy: action %q in %q has no adapter", action.ID, stage)
			}
			if !adapterOK(action.Adapter) {
				return fmt.Errorf("policy: action %q in %q references unknown adapter %q", action.ID, stage, action.Adapter)
			}
		}
	}

	return nil
}
