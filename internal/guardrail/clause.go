// Package guardrail implements the declarative precondition layer of the
// scoreboard: fact resolution, the rule clause language, and the
// application of rule-derived caps to raw pillar scores.
//
// The clause language is a small boolean tree over named facts:
//
//	{"fact": "has_pcl", "op": "==", "value": 0}
//	{"not": <clause>}
//	{"all_of": [<clause>, ...]}
//	{"any_of": [<clause>, ...]}
//
// Documents are parsed leniently: shapes the parser does not recognize
// become an Unknown clause that always evaluates to false. A misconfigured
// rule therefore never silently caps a score it should not — the rule just
// never fires (fail-closed).
package guardrail

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ClauseKind discriminates the closed set of clause variants.
type ClauseKind int

const (
	// KindEmpty is an empty document; it evaluates true, so a rule with
	// an empty condition is an unconditional cap.
	KindEmpty ClauseKind = iota
	// KindLeaf is a fact comparison.
	KindLeaf
	// KindNot negates its single child.
	KindNot
	// KindAllOf is true iff every child is true (vacuously true when empty).
	KindAllOf
	// KindAnyOf is true iff at least one child is true (vacuously false
	// when empty — "any of nothing" never fires).
	KindAnyOf
	// KindUnknown is an unrecognized document shape; it evaluates false.
	KindUnknown
)

// Clause is one node of a rule condition tree.
type Clause struct {
	Kind     ClauseKind
	Fact     string
	Op       string
	Value    any
	Child    *Clause  // KindNot
	Children []Clause // KindAllOf, KindAnyOf
}

// ParseClause decodes a JSON rule document into a clause tree. It never
// rejects a document: unrecognized shapes parse into KindUnknown so that
// storage containing a malformed rule still loads, with the malformed rule
// rendered inert by Evaluate.
func ParseClause(doc []byte) (Clause, error) {
	if len(doc) == 0 {
		return Clause{Kind: KindEmpty}, nil
	}
	var raw any
	if err := json.Unmarshal(doc, &raw); err != nil {
		return Clause{Kind: KindUnknown}, fmt.Errorf("parsing rule document: %w", err)
	}
	return clauseFromValue(raw), nil
}

func clauseFromValue(v any) Clause {
	obj, ok := v.(map[string]any)
	if !ok {
		return Clause{Kind: KindUnknown}
	}
	if len(obj) == 0 {
		return Clause{Kind: KindEmpty}
	}

	if inner, ok := obj["not"]; ok {
		child := clauseFromValue(inner)
		return Clause{Kind: KindNot, Child: &child}
	}
	if list, ok := obj["all_of"]; ok {
		return Clause{Kind: KindAllOf, Children: clauseList(list)}
	}
	if list, ok := obj["any_of"]; ok {
		return Clause{Kind: KindAnyOf, Children: clauseList(list)}
	}
	if fact, ok := obj["fact"].(string); ok {
		op, _ := obj["op"].(string)
		if op == "" {
			op = "=="
		}
		return Clause{Kind: KindLeaf, Fact: fact, Op: op, Value: obj["value"]}
	}
	return Clause{Kind: KindUnknown}
}

func clauseList(v any) []Clause {
	items, ok := v.([]any)
	if !ok {
		// A non-list under all_of/any_of is itself an unknown shape.
		return []Clause{{Kind: KindUnknown}}
	}
	out := make([]Clause, 0, len(items))
	for _, item := range items {
		out = append(out, clauseFromValue(item))
	}
	return out
}

// Evaluate resolves a clause tree against a fact mapping. Missing facts
// are treated as null; comparing null with <, <=, >, >= or == is false,
// while != against a non-null literal is true.
func Evaluate(c Clause, facts map[string]any) bool {
	switch c.Kind {
	case KindEmpty:
		return true
	case KindLeaf:
		return compare(facts[c.Fact], c.Op, c.Value)
	case KindNot:
		if c.Child == nil {
			return false
		}
		return !Evaluate(*c.Child, facts)
	case KindAllOf:
		for _, child := range c.Children {
			if !Evaluate(child, facts) {
				return false
			}
		}
		return true
	case KindAnyOf:
		for _, child := range c.Children {
			if Evaluate(child, facts) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// compare applies one comparison operator. Ordering operators require both
// sides to coerce to numbers; any coercion failure makes the comparison
// false rather than an error.
func compare(left any, op string, right any) bool {
	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	case ">", ">=", "<", "<=":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false
		}
		switch op {
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		default:
			return lf <= rf
		}
	}
	return false
}

// looseEqual compares values the way rule authors expect: numeric values
// compare by value regardless of Go type (1 == 1.0, true == 1), strings
// compare with strings, null only equals null. A string never equals a
// number — equality does not parse.
func looseEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if lok && rok {
		return lf == rf
	}
	if lok != rok {
		return false
	}
	return fmt.Sprintf("%v", left) == fmt.Sprintf("%v", right)
}

// toNumber coerces inherently numeric values only.
func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// toFloat additionally parses numeric strings; the ordering operators
// accept "80" where a loose ingestion path stored a number as text.
func toFloat(v any) (float64, bool) {
	if f, ok := toNumber(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}
