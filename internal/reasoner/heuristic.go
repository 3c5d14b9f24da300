package reasoner

import (
	"context"
	"fmt"
	"strings"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// HeuristicReasoner is the deterministic fallback used when no LLM is
// configured. It blends the similarity-weighted verdict history of the
// retrieved neighbors with the stage-1 score. No tools, no network.
type HeuristicReasoner struct{}

// NewHeuristicReasoner creates the deterministic reasoner.
func NewHeuristicReasoner() *HeuristicReasoner { return &HeuristicReasoner{} }

func (*HeuristicReasoner) Name() string { return "heuristic" }

func (*HeuristicReasoner) Healthy(context.Context) error { return nil }

// verdictRisk maps a past verdict onto a 0-100 risk contribution.
var verdictRisk = map[model.Verdict]float64{
	model.VerdictApprove:     10,
	model.VerdictInvestigate: 55,
	model.VerdictEscalate:    80,
	model.VerdictBlock:       95,
}

// Reason scores the transaction from neighbor history. Neighbors that were
// never analyzed contribute nothing; with no analyzed neighbors at all the
// stage-1 score carries the whole verdict at reduced confidence.
func (r *HeuristicReasoner) Reason(_ context.Context, input Input) (Verdict, error) {
	var weighted, totalWeight float64
	var analyzed int
	counts := map[model.Verdict]int{}

	for _, n := range input.Neighbors {
		if n.Verdict == "" {
			continue
		}
		risk, ok := verdictRisk[n.Verdict]
		if !ok {
			continue
		}
		analyzed++
		counts[n.Verdict]++
		w := n.Similarity
		if w <= 0 {
			w = 0.01
		}
		weighted += risk * w
		totalWeight += w
	}

	s1 := input.Stage1.CombinedScore
	var score float64
	var confidence float64
	var rationale string

	if analyzed == 0 {
		score = s1
		confidence = 0.4
		rationale = "no analyzed similar transactions; carrying the stage-1 assessment"
	} else {
		neighborScore := weighted / totalWeight
		// History and the fast assessment in equal parts.
		score = 0.5*neighborScore + 0.5*s1
		confidence = 0.5 + 0.05*float64(min(analyzed, 6))
		rationale = fmt.Sprintf(
			"%d of %d similar transactions carry verdicts (%s); similarity-weighted history risk %.0f blended with fast score %.0f",
			analyzed, len(input.Neighbors), formatCounts(counts), neighborScore, s1,
		)
	}

	return Verdict{
		Recommendation: recommendationFor(score),
		Rationale:      rationale,
		Score:          clamp(score, 0, 100),
		Confidence:     clamp(confidence, 0, 1),
	}, nil
}

// recommendationFor maps the blended score onto a verdict. Bands follow the
// risk levels: low approves, critical blocks, and the middle investigates.
func recommendationFor(score float64) model.Verdict {
	switch {
	case score < 25:
		return model.VerdictApprove
	case score < 85:
		return model.VerdictInvestigate
	default:
		return model.VerdictBlock
	}
}

func formatCounts(counts map[model.Verdict]int) string {
	var parts []string
	for _, v := range []model.Verdict{model.VerdictBlock, model.VerdictEscalate, model.VerdictInvestigate, model.VerdictApprove} {
		if n := counts[v]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, v))
		}
	}
	return strings.Join(parts, ", ")
}
