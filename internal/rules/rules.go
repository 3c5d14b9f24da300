// Package rules implements the declarative stage-1 rule engine: a weighted
// table of boolean predicates evaluated against a transaction and its
// customer profile. Built-in rules cover the standard fraud families;
// operators can add CEL-compiled rules from a rules file.
package rules

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// Predicate decides whether a rule fires for a transaction. The profile is
// nil when the customer is unknown; predicates must tolerate that. A returned
// error (or a panic) counts as "not fired" and is never fatal.
type Predicate func(txn model.Transaction, profile *model.CustomerProfile) (bool, error)

// Rule is one weighted predicate in the table.
type Rule struct {
	Name        string
	Description string
	Weight      float64
	Source      string // "builtin" or "cel"
	Predicate   Predicate
}

// Result is the outcome of evaluating the rule table.
type Result struct {
	Score float64  // 0-1, sum of fired weights clipped to 1
	Flags []string // fired rule names, sorted
}

// Engine evaluates the rule table. The table is built once at startup and
// read-only afterwards, so evaluation needs no locking.
type Engine struct {
	rules  []Rule
	logger *slog.Logger
}

// Thresholds used by the built-in rules.
const (
	// absoluteAmountLimit flags any single transaction at or above this amount.
	absoluteAmountLimit = 10_000
	// baselineStdDevs is the k in "amount > mean + k*std".
	baselineStdDevs = 3.0
	// roundAmountFloor is the minimum amount for the round-amount rule;
	// small round payments are too common to be a signal.
	roundAmountFloor = 1_000
)

// highRiskCountries is the built-in country watch list (ISO 3166-1 alpha-2).
// Compiled from common FATF monitoring lists; operators needing a different
// list replace the rule via the CEL rules file.
var highRiskCountries = map[string]bool{
	"AF": true, "BY": true, "CD": true, "IR": true, "IQ": true,
	"KP": true, "LY": true, "MM": true, "RU": true, "SD": true,
	"SO": true, "SS": true, "SY": true, "VE": true, "YE": true,
}

// highRiskCategories is the built-in merchant category watch list.
var highRiskCategories = map[string]bool{
	"crypto":          true,
	"cryptocurrency":  true,
	"gambling":        true,
	"casino":          true,
	"money_transfer":  true,
	"wire_transfer":   true,
	"precious_metals": true,
	"jewelry":         true,
	"pawn":            true,
}

// DefaultWeights is the built-in rule table's weight assignment, used when
// FRAUD_RULE_WEIGHTS is unset. An explicit weights map replaces it entirely:
// rules absent from the map are disabled.
var DefaultWeights = map[string]float64{
	"high_risk_country":           0.30,
	"amount_above_limit":          0.25,
	"amount_above_baseline":       0.25,
	"off_hours":                   0.15,
	"high_risk_merchant_category": 0.20,
	"dormant_customer":            0.20,
	"round_amount":                0.05,
}

// builtinRules returns the rule families the engine ships with.
func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "high_risk_country",
			Description: "transaction originates from a watch-list country",
			Source:      "builtin",
			Predicate: func(txn model.Transaction, _ *model.CustomerProfile) (bool, error) {
				return highRiskCountries[strings.ToUpper(txn.Location.Country)], nil
			},
		},
		{
			Name:        "amount_above_limit",
			Description: fmt.Sprintf("amount at or above the absolute %d threshold", absoluteAmountLimit),
			Source:      "builtin",
			Predicate: func(txn model.Transaction, _ *model.CustomerProfile) (bool, error) {
				return txn.Amount >= absoluteAmountLimit, nil
			},
		},
		{
			Name:        "amount_above_baseline",
			Description: "amount exceeds the customer baseline by more than k standard deviations",
			Source:      "builtin",
			Predicate: func(txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
				if profile == nil || profile.StdAmount <= 0 {
					return false, nil
				}
				return txn.Amount > profile.MeanAmount+baselineStdDevs*profile.StdAmount, nil
			},
		},
		{
			Name:        "off_hours",
			Description: "transaction falls outside the customer's active hours",
			Source:      "builtin",
			Predicate: func(txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
				hour := txn.Timestamp.UTC().Hour()
				if profile == nil {
					// No baseline: flag only the dead of night.
					return hour >= 0 && hour <= 4, nil
				}
				return !profile.ActiveHours.Contains(hour), nil
			},
		},
		{
			Name:        "high_risk_merchant_category",
			Description: "merchant category is on the watch list",
			Source:      "builtin",
			Predicate: func(txn model.Transaction, _ *model.CustomerProfile) (bool, error) {
				return highRiskCategories[strings.ToLower(txn.Merchant.Category)], nil
			},
		},
		{
			Name:        "dormant_customer",
			Description: "activity on a dormant customer account",
			Source:      "builtin",
			Predicate: func(txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
				return profile != nil && strings.EqualFold(profile.Status, "dormant"), nil
			},
		},
		{
			Name:        "round_amount",
			Description: "suspiciously round amount (structuring indicator)",
			Source:      "builtin",
			Predicate: func(txn model.Transaction, _ *model.CustomerProfile) (bool, error) {
				return txn.Amount >= roundAmountFloor && math.Mod(txn.Amount, 100) == 0, nil
			},
		},
	}
}

// NewEngine builds the rule table. A nil weights map selects DefaultWeights;
// an explicit map enables exactly the rules it names. Unknown rule names are
// rejected so a typo in FRAUD_RULE_WEIGHTS fails at startup, not silently.
func NewEngine(weights map[string]float64, logger *slog.Logger) (*Engine, error) {
	if weights == nil {
		weights = DefaultWeights
	}

	byName := make(map[string]Rule)
	for _, r := range builtinRules() {
		byName[r.Name] = r
	}

	var table []Rule
	for name, w := range weights {
		r, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("rules: unknown rule %q in weights", name)
		}
		if w < 0 {
			return nil, fmt.Errorf("rules: weight for %q must be non-negative", name)
		}
		r.Weight = w
		table = append(table, r)
	}
	sort.Slice(table, func(i, j int) bool { return table[i].Name < table[j].Name })

	return &Engine{rules: table, logger: logger.With("component", "rules")}, nil
}

// Add appends extra rules (e.g. CEL-compiled operator rules) to the table.
// Names must not collide with existing rules.
func (e *Engine) Add(extra []Rule) error {
	seen := make(map[string]bool, len(e.rules))
	for _, r := range e.rules {
		seen[r.Name] = true
	}
	for _, r := range extra {
		if seen[r.Name] {
			return fmt.Errorf("rules: duplicate rule %q", r.Name)
		}
		if r.Weight < 0 {
			return fmt.Errorf("rules: weight for %q must be non-negative", r.Name)
		}
		seen[r.Name] = true
		e.rules = append(e.rules, r)
	}
	sort.Slice(e.rules, func(i, j int) bool { return e.rules[i].Name < e.rules[j].Name })
	return nil
}

// Evaluate runs every rule against the transaction. The score is the sum of
// fired weights clipped to 1; flags are the fired rule names in sorted order.
// Rule order never affects the outcome.
func (e *Engine) Evaluate(txn model.Transaction, profile *model.CustomerProfile) Result {
	var score float64
	var flags []string

	for _, r := range e.rules {
		fired := e.evalOne(r, txn, profile)
		if fired {
			score += r.Weight
			flags = append(flags, r.Name)
		}
	}

	if score > 1 {
		score = 1
	}
	sort.Strings(flags)
	return Result{Score: score, Flags: flags}
}

// evalOne isolates a single predicate: errors and panics are logged and
// treated as "not fired".
func (e *Engine) evalOne(r Rule, txn model.Transaction, profile *model.CustomerProfile) (fired bool) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("rule predicate panicked", "rule", r.Name, "panic", rec)
			fired = false
		}
	}()

	fired, err := r.Predicate(txn, profile)
	if err != nil {
		e.logger.Warn("rule predicate failed", "rule", r.Name, "error", err)
		return false
	}
	return fired
}

// Info describes one active rule for the /v1/rules endpoint.
type Info struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	Source      string  `json:"source"`
	Description string  `json:"description,omitempty"`
}

// Rules returns the active rule table in name order.
func (e *Engine) Rules() []Info {
	out := make([]Info, len(e.rules))
	for i, r := range e.rules {
		out[i] = Info{Name: r.Name, Weight: r.Weight, Source: r.Source, Description: r.Description}
	}
	return out
}
