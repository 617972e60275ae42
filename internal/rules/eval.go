package rules

import (
	"fmt"

	"vigil/internal/policy"
)

// EvalPredicate evaluates a predicate against the fact namespace. The
// predicate is a conjunction; evaluation is total and side-effect-free.
func EvalPredicate(p policy.Predicate, facts map[string]any, constants map[string]int) (bool, error) {
	for _, atom := range p.Atoms {
		ok, err := evalAtom(atom, facts, constants)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalAtom(atom policy.Atom, facts map[string]any, constants map[string]int) (bool, error) {
	fact, ok := facts[atom.Path]
	if !ok {
		return false, fmt.Errorf("rule predicate references unknown fact %q", atom.Path)
	}

	value := atom.Value
	if atom.ConstRef != "" {
		c, ok := constants[atom.ConstRef]
		if !ok {
			return false, fmt.Errorf("rule predicate references unknown constant %q", atom.ConstRef)
		}
		value = c
	}

	switch atom.Op {
	case policy.OpStateIs:
		return fact == value, nil
	case policy.OpStateIn:
		list, ok := value.([]string)
		if !ok {
			return false, fmt.Errorf("state_in value is not a state list")
		}
		stage, _ := fact.(string)
		for _, name := range list {
			if name == stage {
				return true, nil
			}
		}
		return false, nil
	case policy.OpEQ:
		return equalValues(fact, value), nil
	case policy.OpLT, policy.OpLTE, policy.OpGT, policy.OpGTE:
		left, lok := toFloat(fact)
		right, rok := toFloat(value)
		if !lok || !rok {
			return false, fmt.Errorf("non-numeric comparison on %q", atom.Path)
		}
		switch atom.Op {
		case policy.OpLT:
			return left < right, nil
		case policy.OpLTE:
			return left <= right, nil
		case policy.OpGT:
			return left > right, nil
		default:
			return left >= right, nil
		}
	default:
		return false, fmt.Errorf("unknown predicate operator %q", atom.Op)
	}
}

func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
