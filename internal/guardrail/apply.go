package guardrail

import (
	"encoding/json"
	"log"
)

// Trigger records one rule firing for diagnostics: which pillar was
// capped, at what value, and the score before and after.
type Trigger struct {
	Pillar string          `json:"pillar"`
	Cap    float64         `json:"cap"`
	Before float64         `json:"before"`
	After  float64         `json:"after"`
	When   json.RawMessage `json:"when"`
}

// Apply combines raw pillar scores with rule evaluation outcomes. For each
// rule whose condition holds against the facts, the matching pillar's
// score becomes min(current, cap). Because min is commutative and
// associative the result does not depend on rule order. Pillars absent
// from rawScores are never created, and the input map is not modified.
func Apply(rawScores map[string]float64, rules []Rule, facts map[string]any, verbose bool) (map[string]float64, []Trigger) {
	final := make(map[string]float64, len(rawScores))
	for k, v := range rawScores {
		final[k] = v
	}

	var triggers []Trigger
	for _, rule := range rules {
		fired := Evaluate(rule.When, facts)
		if verbose {
			log.Printf("guardrail: rule check pillar=%s cap=%.0f fired=%v", rule.PillarKey, rule.Cap, fired)
		}
		if !fired {
			continue
		}
		before, ok := final[rule.PillarKey]
		if !ok {
			continue
		}
		after := before
		if rule.Cap < after {
			after = rule.Cap
		}
		final[rule.PillarKey] = after
		triggers = append(triggers, Trigger{
			Pillar: rule.PillarKey,
			Cap:    rule.Cap,
			Before: before,
			After:  after,
			When:   rule.Doc,
		})
		if after < before {
			log.Printf("guardrail: cap applied pillar=%s before=%.2f cap=%.2f after=%.2f", rule.PillarKey, before, rule.Cap, after)
		}
	}
	return final, triggers
}
