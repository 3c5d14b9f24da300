package model

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the engine's recommendation for a transaction.
type Verdict string

const (
	VerdictApprove     Verdict = "APPROVE"
	VerdictBlock       Verdict = "BLOCK"
	VerdictInvestigate Verdict = "INVESTIGATE"
	VerdictEscalate    Verdict = "ESCALATE"
)

// Valid reports whether v is one of the four known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictBlock, VerdictInvestigate, VerdictEscalate:
		return true
	}
	return false
}

// RiskLevel buckets a 0-100 risk score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a 0-100 score onto its level band.
func RiskLevelFor(score float64) RiskLevel {
	switch {
	case score < 25:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 85:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// DecisionStatus tracks whether a decision is still waiting on stage 2.
type DecisionStatus string

const (
	StatusPendingStage2 DecisionStatus = "pending_stage2"
	StatusFinal         DecisionStatus = "final"
)

// Stage1Result is the deterministic fast-path assessment.
type Stage1Result struct {
	RuleScore     float64  `json:"rule_score"` // 0-1
	RuleFlags     []string `json:"rule_flags"`
	MLScore       float64  `json:"ml_score"` // 0-1; zero when unavailable
	MLAvailable   bool     `json:"ml_available"`
	CombinedScore float64  `json:"combined_score"` // 0-100
	NeedsStage2   bool     `json:"needs_stage2"`
	ElapsedMs     int64    `json:"elapsed_ms"`
}

// Stage2Result is the retrieval-plus-reasoning deep assessment.
type Stage2Result struct {
	SimilarTxnIDs     []string `json:"similar_txn_ids"`
	LLMRecommendation Verdict  `json:"llm_recommendation"`
	LLMRationale      string   `json:"llm_rationale"`
	Stage2Score       float64  `json:"stage2_score"` // 0-100
	Confidence        float64  `json:"confidence"`   // 0-1; 0.5 when the reasoner timed out
	ToolCallsUsed     int      `json:"tool_calls_used"`
	ElapsedMs         int64    `json:"elapsed_ms"`
}

// Decision is the engine's answer for one transaction. While stage 2 is in
// flight the decision is provisional (Status pending_stage2); the final
// record is written exactly once.
type Decision struct {
	TxnID          string         `json:"txn_id"`
	ThreadID       uuid.UUID      `json:"thread_id"`
	Verdict        Verdict        `json:"verdict"`
	RiskLevel      RiskLevel      `json:"risk_level"`
	RiskScore      float64        `json:"risk_score"` // 0-100
	Confidence     float64        `json:"confidence"` // 0-1
	StageCompleted int            `json:"stage_completed"`
	Reasoning      string         `json:"reasoning,omitempty"`
	Status         DecisionStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	FinalizedAt    *time.Time     `json:"finalized_at,omitempty"`
	TotalElapsedMs int64          `json:"total_elapsed_ms"`
	Stage1         *Stage1Result  `json:"stage1,omitempty"`
	Stage2         *Stage2Result  `json:"stage2,omitempty"`
}

// Final reports whether the decision can no longer change.
func (d Decision) Final() bool { return d.Status == StatusFinal }

// NeighborVerdict is a retrieved similar transaction hydrated with the
// decision history it carries. Verdict is empty when the neighbor was never
// analyzed.
type NeighborVerdict struct {
	TxnID      string   `json:"txn_id"`
	Similarity float64  `json:"similarity"` // 0-1
	Amount     float64  `json:"amount"`
	Currency   string   `json:"currency"`
	Category   string   `json:"category"`
	Country    string   `json:"country"`
	Verdict    Verdict  `json:"verdict,omitempty"`
	RiskScore  *float64 `json:"risk_score,omitempty"`
	Flags      []string `json:"flags,omitempty"`
}
