package policy

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Comparison operators supported by predicate atoms.
const (
	OpLT      = "lt"
	OpLTE     = "lte"
	OpGT      = "gt"
	OpGTE     = "gte"
	OpEQ      = "eq"
	OpStateIs = "state_is"
	OpStateIn = "state_in"
)

// Atom is one condition of a predicate. A predicate is the conjunction of
// its atoms; evaluation is total and side-effect-free.
type Atom struct {
	Path     string // fact path, e.g. time.time_to_deadline_minutes
	Op       string
	Value    any
	ConstRef string // set when Value references a named constant ($name)
}

// Predicate is a conjunction of atoms, parsed from a YAML mapping such as
//
//	when: {state_is: OK, time.time_to_deadline_minutes_lte: $remind_1_at_minutes}
type Predicate struct {
	Atoms []Atom
}

// UnmarshalYAML parses the compact mapping form into atoms, preserving no
// particular order; conjunction is order-independent.
func (p *Predicate) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("predicate must be a mapping, got %v", node.Kind)
	}
	var raw map[string]any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	atoms, err := parseAtoms(raw)
	if err != nil {
		return err
	}
	p.Atoms = atoms
	return nil
}

// MarshalYAML renders the predicate back to the compact mapping form so a
// loaded policy serializes structurally equal.
func (p Predicate) MarshalYAML() (any, error) {
	out := make(map[string]any, len(p.Atoms))
	for _, a := range p.Atoms {
		value := a.Value
		if a.ConstRef != "" {
			value = "$" + a.ConstRef
		}
		switch a.Op {
		case OpStateIs, OpStateIn:
			out[a.Op] = value
		default:
			out[a.Path+"_"+a.Op] = value
		}
	}
	return out, nil
}

var opSuffixes = []string{"_lte", "_gte", "_lt", "_gt", "_eq"}

func parseAtoms(raw map[string]any) ([]Atom, error) {
	atoms := make([]Atom, 0, len(raw))
	for key, value := range raw {
		atom, err := parseAtom(key, value)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, atom)
	}
	return atoms, nil
}

func parseAtom(key string, value any) (Atom, error) {
	switch key {
	case OpStateIs:
		name, ok := value.(string)
		if !ok {
			return Atom{}, fmt.Errorf("state_is requires a state name, got %T", value)
		}
		return Atom{Path: "escalation.stage", Op: OpStateIs, Value: name}, nil
	case OpStateIn:
		list, ok := toStringSlice(value)
		if !ok {
			return Atom{}, fmt.Errorf("state_in requires a list of state names, got %T", value)
		}
		return Atom{Path: "escalation.stage", Op: OpStateIn, Value: list}, nil
	}

	for _, suffix := range opSuffixes {
		if !strings.HasSuffix(key, suffix) {
			continue
		}
		path := strings.TrimSuffix(key, suffix)
		if path == "" {
			return Atom{}, fmt.Errorf("predicate atom %q has empty path", key)
		}
		atom := Atom{Path: path, Op: strings.TrimPrefix(suffix, "_")}
		if ref, ok := constantRef(value); ok {
			atom.ConstRef = ref
		} else {
			atom.Value = value
		}
		return atom, nil
	}

	return Atom{}, fmt.Errorf("unrecognized predicate atom %q", key)
}

// constantRef recognizes "$name" values referencing a policy constant.
func constantRef(value any) (string, bool) {
	s, ok := value.(string)
	if !ok || !strings.HasPrefix(s, "$") {
		return "", false
	}
	return strings.TrimPrefix(s, "$"), true
}

func toStringSlice(value any) ([]string, bool) {
	switch v := value.(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// StateRefs returns every state name the predicate mentions, for
// validation against the policy's state table.
func (p Predicate) StateRefs() []string {
	var refs []string
	for _, a := range p.Atoms {
		switch a.Op {
		case OpStateIs:
			refs = append(refs, a.Value.(string))
		case OpStateIn:
			refs = append(refs, a.Value.([]string)...)
		}
	}
	return refs
}

// ConstantRefs returns every constant name the predicate references.
func (p Predicate) ConstantRefs() []string {
	var refs []string
	for _, a := range p.Atoms {
		if a.ConstRef != "" {
			refs = append(refs, a.ConstRef)
		}
	}
	return refs
}
