package guardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Rule caps one pillar's score when its condition holds.
type Rule struct {
	ID        string          `json:"id,omitempty"`
	PillarKey string          `json:"pillar_key"`
	Cap       float64         `json:"cap"`
	When      Clause          `json:"-"`
	Doc       json.RawMessage `json:"when"`
}

// StoredRule is a raw rule row as read from configuration storage, before
// the rule document has been parsed.
type StoredRule struct {
	ID        string
	PillarKey string
	Cap       float64
	Doc       []byte
}

// ConfigSource reads the optional guardrail configuration tables. The
// boolean result reports whether the table exists at all: a missing table
// is a supported deployment state and selects the built-in defaults.
type ConfigSource interface {
	GuardrailRules(ctx context.Context) ([]StoredRule, bool, error)
	GuardrailFactSources(ctx context.Context) ([]FactSourceRow, bool, error)
}

// DefaultRules returns the fallback rule set used when storage has no
// guardrail_rules table or every stored rule is disabled.
func DefaultRules() []Rule {
	return []Rule{
		mustRule("default-gov-pcl", "gov", 40,
			`{"all_of":[{"fact":"has_pcl","op":"==","value":0}]}`),
		mustRule("default-tct-docs", "tct", 50,
			`{"any_of":[{"fact":"has_annex","op":"==","value":0},{"fact":"has_factsheet","op":"==","value":0}]}`),
	}
}

func mustRule(id, pillarKey string, cap float64, doc string) Rule {
	clause, err := ParseClause([]byte(doc))
	if err != nil {
		panic(fmt.Sprintf("guardrail: invalid built-in rule %s: %v", id, err))
	}
	return Rule{ID: id, PillarKey: pillarKey, Cap: cap, When: clause, Doc: json.RawMessage(doc)}
}

// LoadRules returns the enabled guardrail rules for this deployment.
// Stored rules win when present; a missing table, an empty result, or an
// all-disabled set all fall back to DefaultRules. Pillar keys are
// normalized (trimmed, lower-cased) so they match aggregated score keys.
// Rule documents that fail to parse load as inert (fail-closed) rules
// rather than aborting the pass.
func LoadRules(ctx context.Context, src ConfigSource) ([]Rule, error) {
	stored, exists, err := src.GuardrailRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading guardrail rules: %w", err)
	}
	if !exists {
		return DefaultRules(), nil
	}
	if len(stored) == 0 {
		log.Printf("guardrail: all stored rules disabled or table empty; using defaults")
		return DefaultRules(), nil
	}

	rules := make([]Rule, 0, len(stored))
	for _, sr := range stored {
		clause, perr := ParseClause(sr.Doc)
		if perr != nil {
			log.Printf("guardrail: rule %s has a malformed document, it will never fire: %v", sr.ID, perr)
		}
		rules = append(rules, Rule{
			ID:        sr.ID,
			PillarKey: strings.ToLower(strings.TrimSpace(sr.PillarKey)),
			Cap:       sr.Cap,
			When:      clause,
			Doc:       json.RawMessage(sr.Doc),
		})
	}
	return rules, nil
}
