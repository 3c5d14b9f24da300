package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// celRuleSpec is one entry in the operator rules file: a JSON array of
// {name, weight, expr} objects. The expression is CEL over two activations,
// `txn` and `profile` (see celInput for the available fields).
type celRuleSpec struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Expr   string  `json:"expr"`
}

// LoadCELRules parses and compiles the operator rules file. Every expression
// is compiled once at startup; compile errors fail loading so a bad rules
// file is caught before any traffic. Evaluation errors at runtime degrade to
// "not fired" like any other predicate failure.
func LoadCELRules(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read rules file: %w", err)
	}

	var specs []celRuleSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("rules: parse rules file: %w", err)
	}

	env, err := cel.NewEnv(
		cel.Variable("txn", cel.DynType),
		cel.Variable("profile", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("rules: create CEL environment: %w", err)
	}

	out := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("rules: rules file entry missing name")
		}
		if spec.Weight < 0 {
			return nil, fmt.Errorf("rules: weight for %q must be non-negative", spec.Name)
		}

		ast, issues := env.Compile(spec.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rules: compile %q: %w", spec.Name, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10_000),
		)
		if err != nil {
			return nil, fmt.Errorf("rules: program %q: %w", spec.Name, err)
		}

		out = append(out, Rule{
			Name:        spec.Name,
			Description: spec.Expr,
			Weight:      spec.Weight,
			Source:      "cel",
			Predicate:   celPredicate(prg),
		})
	}
	return out, nil
}

func celPredicate(prg cel.Program) Predicate {
	return func(txn model.Transaction, profile *model.CustomerProfile) (bool, error) {
		out, _, err := prg.Eval(celInput(txn, profile))
		if err != nil {
			return false, fmt.Errorf("rules: cel eval: %w", err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("rules: cel expression returned %T, want bool", out.Value())
		}
		return fired, nil
	}
}

// celInput builds the activation maps a CEL rule sees. Derived fields
// (hour, typical-category membership) are precomputed so expressions stay
// short and cheap.
func celInput(txn model.Transaction, profile *model.CustomerProfile) map[string]any {
	txnMap := map[string]any{
		"txn_id":         txn.TxnID,
		"customer_id":    txn.CustomerID,
		"amount":         txn.Amount,
		"currency":       strings.ToUpper(txn.Currency),
		"country":        strings.ToUpper(txn.Location.Country),
		"city":           txn.Location.City,
		"category":       strings.ToLower(txn.Merchant.Category),
		"merchant":       txn.Merchant.Name,
		"type":           txn.Type,
		"payment_method": txn.PaymentMethod,
		"hour":           txn.Timestamp.UTC().Hour(),
	}

	profMap := map[string]any{
		"exists":           false,
		"mean_amount":      0.0,
		"std_amount":       0.0,
		"status":           "",
		"category_typical": false,
		"country_typical":  false,
	}
	if profile != nil {
		profMap["exists"] = true
		profMap["mean_amount"] = profile.MeanAmount
		profMap["std_amount"] = profile.StdAmount
		profMap["status"] = profile.Status
		profMap["category_typical"] = profile.HasCategory(txn.Merchant.Category)
		profMap["country_typical"] = profile.HasCountry(txn.Location.Country)
	}

	return map[string]any{"txn": txnMap, "profile": profMap}
}
