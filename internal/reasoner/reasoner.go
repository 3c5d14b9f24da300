// Package reasoner runs the stage-2 judgment call: given the transaction,
// its stage-1 assessment, and retrieved similar history, produce a structured
// verdict. LLM-backed implementations drive a bounded tool-call loop over the
// capability table; the heuristic implementation is deterministic and used
// when no model is configured.
package reasoner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// Input is everything the reasoner sees about one analysis.
type Input struct {
	Txn       model.Transaction
	Profile   *model.CustomerProfile // nil when the customer is unknown
	Stage1    model.Stage1Result
	Neighbors []model.NeighborVerdict

	// Tools is the capability table for the tool-call loop. Nil disables
	// tool use for this run.
	Tools *Toolset
	// ToolBudget caps tool invocations for this run.
	ToolBudget int

	// OnToolStart and OnToolEnd observe tool invocations for the event
	// stream. Either may be nil.
	OnToolStart func(tool, input string)
	OnToolEnd   func(tool string, durationMs int64, resultSize int, err error)
}

// Verdict is the reasoner's structured answer.
type Verdict struct {
	Recommendation model.Verdict
	Rationale      string
	Score          float64 // 0-100
	Confidence     float64 // 0-1
	ToolCallsUsed  int
}

// Reasoner produces a verdict for one analysis. Implementations must respect
// ctx; the caller enforces the stage-2 wall clock around Reason.
type Reasoner interface {
	Reason(ctx context.Context, input Input) (Verdict, error)
	// Healthy returns nil if the backing model endpoint is reachable enough
	// to attempt calls. The heuristic reasoner is always healthy.
	Healthy(ctx context.Context) error
	// Name identifies the implementation for health reporting.
	Name() string
}

// perCallTimeout is the maximum time for a single LLM HTTP call. Separate
// from the reasoner's overall deadline so one slow call doesn't consume the
// entire stage-2 budget.
const perCallTimeout = 15 * time.Second

// systemPrompt frames the task for chat models. The output contract is
// line-based so parsing doesn't depend on model-specific JSON modes.
const systemPrompt = `You are a fraud analyst for a financial institution reviewing one flagged transaction.

You receive the transaction, the customer's behavioral baseline, a fast rule/model assessment, and the most similar historical transactions with their past verdicts. You may call the provided tools to look up additional context before deciding.

When you have enough context, answer with EXACTLY these four lines and nothing else:

verdict: one of [APPROVE, BLOCK, INVESTIGATE, ESCALATE]
score: fraud risk 0-100
confidence: your confidence 0.0-1.0
rationale: one or two sentences naming the decisive signals

Guidance:
- APPROVE only when the transaction fits the customer's established pattern and similar history was benign.
- BLOCK for clear fraud signals corroborated by similar confirmed-fraud history.
- ESCALATE for potential money laundering patterns (structuring, high-risk corridors, networks of related accounts).
- INVESTIGATE when the evidence is genuinely mixed.`

// formatPrompt renders the analysis context as the user message.
func formatPrompt(input Input) string {
	var b strings.Builder

	txn := input.Txn
	fmt.Fprintf(&b, "Transaction %s:\n", txn.TxnID)
	fmt.Fprintf(&b, "- %s\n", txn.CanonicalText())
	fmt.Fprintf(&b, "- customer: %s\n", txn.CustomerID)
	fmt.Fprintf(&b, "- timestamp: %s (hour %02d UTC)\n", txn.Timestamp.UTC().Format(time.RFC3339), txn.Timestamp.UTC().Hour())
	if txn.Merchant.Name != "" {
		fmt.Fprintf(&b, "- merchant: %s\n", txn.Merchant.Name)
	}
	if txn.Device != nil && txn.Device.ID != "" {
		fmt.Fprintf(&b, "- device: %s (%s)\n", txn.Device.ID, txn.Device.Type)
	}

	b.WriteString("\nCustomer baseline:\n")
	if input.Profile == nil {
		b.WriteString("- no profile on record (new or unknown customer)\n")
	} else {
		p := input.Profile
		fmt.Fprintf(&b, "- typical amount: %.2f ± %.2f\n", p.MeanAmount, p.StdAmount)
		fmt.Fprintf(&b, "- active hours: %02d:00-%02d:00 UTC, status: %s\n", p.ActiveHours.Start, p.ActiveHours.End, canonicalStatus(p.Status))
		if len(p.TypicalCategories) > 0 {
			fmt.Fprintf(&b, "- typical categories: %s\n", strings.Join(p.TypicalCategories, ", "))
		}
		if len(p.TypicalCountries) > 0 {
			fmt.Fprintf(&b, "- typical countries: %s\n", strings.Join(p.TypicalCountries, ", "))
		}
	}

	fmt.Fprintf(&b, "\nFast assessment: combined score %.1f/100 (rules %.2f, model %s)\n",
		input.Stage1.CombinedScore, input.Stage1.RuleScore, mlScoreText(input.Stage1))
	if len(input.Stage1.RuleFlags) > 0 {
		fmt.Fprintf(&b, "Triggered rules: %s\n", strings.Join(input.Stage1.RuleFlags, ", "))
	}

	b.WriteString("\nMost similar historical transactions:\n")
	if len(input.Neighbors) == 0 {
		b.WriteString("- none retrieved (empty or cold index)\n")
	}
	for _, n := range input.Neighbors {
		fmt.Fprintf(&b, "- %s: similarity %.2f, %.2f %s at %s in %s",
			n.TxnID, n.Similarity, n.Amount, n.Currency, canonicalStatus(n.Category), canonicalStatus(n.Country))
		if n.Verdict != "" {
			fmt.Fprintf(&b, ", past verdict %s", n.Verdict)
			if len(n.Flags) > 0 {
				fmt.Fprintf(&b, " (%s)", strings.Join(n.Flags, ", "))
			}
		} else {
			b.WriteString(", never analyzed")
		}
		b.WriteString("\n")
	}

	return b.String()
}

func canonicalStatus(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func mlScoreText(s model.Stage1Result) string {
	if !s.MLAvailable {
		return "unavailable"
	}
	return fmt.Sprintf("%.2f", s.MLScore)
}

// ParseVerdictResponse extracts the structured verdict from a model response.
// Parsing is fail-safe: a response missing the verdict or score line is an
// error, and the caller falls back to its conservative default.
func ParseVerdictResponse(response string) (Verdict, error) {
	var v Verdict
	var haveVerdict, haveScore bool

	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "verdict:"):
			raw := strings.ToUpper(strings.Trim(strings.TrimSpace(trimmed[len("verdict:"):]), "[]* "))
			rec := model.Verdict(raw)
			if !rec.Valid() {
				return Verdict{}, fmt.Errorf("reasoner: unrecognized verdict %q", raw)
			}
			v.Recommendation = rec
			haveVerdict = true
		case strings.HasPrefix(lower, "score:"):
			raw := firstField(trimmed[len("score:"):])
			score, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return Verdict{}, fmt.Errorf("reasoner: parse score %q: %w", raw, err)
			}
			v.Score = clamp(score, 0, 100)
			haveScore = true
		case strings.HasPrefix(lower, "confidence:"):
			if conf, err := strconv.ParseFloat(firstField(trimmed[len("confidence:"):]), 64); err == nil {
				v.Confidence = clamp(conf, 0, 1)
			}
		case strings.HasPrefix(lower, "rationale:"):
			v.Rationale = strings.TrimSpace(trimmed[len("rationale:"):])
		}
	}

	if !haveVerdict {
		return Verdict{}, fmt.Errorf("reasoner: no verdict line found in response")
	}
	if !haveScore {
		return Verdict{}, fmt.Errorf("reasoner: no score line found in response")
	}
	if v.Confidence == 0 {
		v.Confidence = 0.5
	}
	if v.Rationale == "" {
		v.Rationale = "model provided no rationale"
	}
	return v, nil
}

// firstField returns the first whitespace-separated token, so trailing
// model chatter ("score: 72 out of 100") doesn't break parsing.
func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
