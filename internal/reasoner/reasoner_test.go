package reasoner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// ---------------------------------------------------------------------------
// ParseVerdictResponse unit tests
// ---------------------------------------------------------------------------

func TestParseVerdictResponse_Complete(t *testing.T) {
	v, err := ParseVerdictResponse("verdict: BLOCK\nscore: 92\nconfidence: 0.85\nrationale: Matches three confirmed-fraud neighbors in a watch-list country.")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictBlock, v.Recommendation)
	assert.Equal(t, 92.0, v.Score)
	assert.Equal(t, 0.85, v.Confidence)
	assert.Equal(t, "Matches three confirmed-fraud neighbors in a watch-list country.", v.Rationale)
}

func TestParseVerdictResponse_CaseAndDecoration(t *testing.T) {
	v, err := ParseVerdictResponse("Verdict: [investigate]\nScore: 55.5\nConfidence: 0.6\nRationale: mixed signals")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictInvestigate, v.Recommendation)
	assert.Equal(t, 55.5, v.Score)
}

func TestParseVerdictResponse_TrailingChatter(t *testing.T) {
	v, err := ParseVerdictResponse("verdict: APPROVE\nscore: 12 out of 100\nconfidence: 0.9 (high)\nrationale: fits the baseline")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictApprove, v.Recommendation)
	assert.Equal(t, 12.0, v.Score)
	assert.Equal(t, 0.9, v.Confidence)
}

func TestParseVerdictResponse_ClampsRanges(t *testing.T) {
	v, err := ParseVerdictResponse("verdict: ESCALATE\nscore: 150\nconfidence: 1.4\nrationale: x")
	require.NoError(t, err)
	assert.Equal(t, 100.0, v.Score)
	assert.Equal(t, 1.0, v.Confidence)
}

func TestParseVerdictResponse_MissingVerdict(t *testing.T) {
	_, err := ParseVerdictResponse("score: 40\nrationale: no verdict here")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no verdict line")
}

func TestParseVerdictResponse_MissingScore(t *testing.T) {
	_, err := ParseVerdictResponse("verdict: APPROVE\nrationale: fine")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no score line")
}

func TestParseVerdictResponse_UnrecognizedVerdict(t *testing.T) {
	_, err := ParseVerdictResponse("verdict: MAYBE\nscore: 50")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized verdict")
}

func TestParseVerdictResponse_DefaultsConfidenceAndRationale(t *testing.T) {
	v, err := ParseVerdictResponse("verdict: APPROVE\nscore: 10")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v.Confidence)
	assert.NotEmpty(t, v.Rationale)
}

// ---------------------------------------------------------------------------
// Heuristic reasoner
// ---------------------------------------------------------------------------

func neighbor(txnID string, sim float64, verdict model.Verdict) model.NeighborVerdict {
	return model.NeighborVerdict{TxnID: txnID, Similarity: sim, Verdict: verdict}
}

func TestHeuristicNoAnalyzedNeighbors(t *testing.T) {
	r := NewHeuristicReasoner()
	v, err := r.Reason(context.Background(), Input{
		Stage1:    model.Stage1Result{CombinedScore: 40},
		Neighbors: []model.NeighborVerdict{neighbor("t1", 0.9, "")},
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictInvestigate, v.Recommendation)
	assert.Equal(t, 40.0, v.Score)
	assert.Equal(t, 0.4, v.Confidence)
}

func TestHeuristicFraudulentHistory(t *testing.T) {
	r := NewHeuristicReasoner()
	v, err := r.Reason(context.Background(), Input{
		Stage1: model.Stage1Result{CombinedScore: 70},
		Neighbors: []model.NeighborVerdict{
			neighbor("t1", 0.95, model.VerdictBlock),
			neighbor("t2", 0.90, model.VerdictBlock),
			neighbor("t3", 0.85, model.VerdictEscalate),
		},
	})
	require.NoError(t, err)
	// Weighted history sits around 90; blended with 70 that lands in the 80s.
	assert.Greater(t, v.Score, 75.0)
	assert.Contains(t, []model.Verdict{model.VerdictInvestigate, model.VerdictBlock}, v.Recommendation)
	assert.Contains(t, v.Rationale, "3 of 3")
}

func TestHeuristicBenignHistory(t *testing.T) {
	r := NewHeuristicReasoner()
	v, err := r.Reason(context.Background(), Input{
		Stage1: model.Stage1Result{CombinedScore: 30},
		Neighbors: []model.NeighborVerdict{
			neighbor("t1", 0.9, model.VerdictApprove),
			neighbor("t2", 0.9, model.VerdictApprove),
		},
	})
	require.NoError(t, err)
	// (10 + 30) / 2 = 20 → approve band.
	assert.Equal(t, model.VerdictApprove, v.Recommendation)
	assert.InDelta(t, 20.0, v.Score, 0.01)
}

func TestHeuristicDeterministic(t *testing.T) {
	r := NewHeuristicReasoner()
	input := Input{
		Stage1: model.Stage1Result{CombinedScore: 50},
		Neighbors: []model.NeighborVerdict{
			neighbor("t1", 0.8, model.VerdictInvestigate),
			neighbor("t2", 0.6, model.VerdictApprove),
		},
	}
	a, err := r.Reason(context.Background(), input)
	require.NoError(t, err)
	b, err := r.Reason(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

// ---------------------------------------------------------------------------
// OpenAI tool-call loop against a stub server
// ---------------------------------------------------------------------------

func stubOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIReasoner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := NewOpenAIReasoner("test-key", "test-model")
	r.baseURL = srv.URL
	return r
}

func openAIFinal(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func TestOpenAIReasonDirectAnswer(t *testing.T) {
	r := stubOpenAI(t, func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIFinal("verdict: APPROVE\nscore: 15\nconfidence: 0.8\nrationale: normal pattern")))
	})

	v, err := r.Reason(context.Background(), Input{ToolBudget: 8})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictApprove, v.Recommendation)
	assert.Equal(t, 0, v.ToolCallsUsed)
}

func TestOpenAIReasonToolLoop(t *testing.T) {
	calls := 0
	r := stubOpenAI(t, func(w http.ResponseWriter, req *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if calls == 1 {
			// First round: the model asks for a customer lookup.
			resp := map[string]any{
				"choices": []map[string]any{
					{"message": map[string]any{
						"role": "assistant",
						"tool_calls": []map[string]any{
							{"id": "call_1", "type": "function", "function": map[string]any{
								"name":      "lookup_customer",
								"arguments": `{"customer_id": "cust-1"}`,
							}},
						},
					}},
				},
			}
			raw, _ := json.Marshal(resp)
			_, _ = w.Write(raw)
			return
		}

		// Second round: the tool result must have come back.
		var req2 openAIChatRequest
		_ = json.NewDecoder(req.Body).Decode(&req2)
		found := false
		for _, m := range req2.Messages {
			if m.Role == "tool" && strings.Contains(m.Content, "exists") {
				found = true
			}
		}
		assert.True(t, found, "tool result not posted back")
		_, _ = w.Write([]byte(openAIFinal("verdict: BLOCK\nscore: 90\nconfidence: 0.9\nrationale: dormant account")))
	})

	ts := NewToolset(&stubStore{}, nil, nil)
	var started, ended []string
	v, err := r.Reason(context.Background(), Input{
		Tools:       ts,
		ToolBudget:  8,
		OnToolStart: func(tool, _ string) { started = append(started, tool) },
		OnToolEnd:   func(tool string, _ int64, _ int, _ error) { ended = append(ended, tool) },
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictBlock, v.Recommendation)
	assert.Equal(t, 1, v.ToolCallsUsed)
	assert.Equal(t, []string{"lookup_customer"}, started)
	assert.Equal(t, []string{"lookup_customer"}, ended)
}

func TestOpenAIReasonToolBudgetExhausted(t *testing.T) {
	r := stubOpenAI(t, func(w http.ResponseWriter, req *http.Request) {
		// The model asks for a tool every round, forever.
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{
						{"id": "call_n", "type": "function", "function": map[string]any{
							"name":      "lookup_customer",
							"arguments": `{"customer_id": "cust-1"}`,
						}},
					},
				}},
			},
		}
		raw, _ := json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	})

	ts := NewToolset(&stubStore{}, nil, nil)
	_, err := r.Reason(context.Background(), Input{Tools: ts, ToolBudget: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool budget")
}

func TestOpenAIReasonMalformedAnswer(t *testing.T) {
	r := stubOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIFinal("I think this looks fine overall.")))
	})

	_, err := r.Reason(context.Background(), Input{ToolBudget: 8})
	assert.Error(t, err)
}

func TestOpenAIReasonContextCancelled(t *testing.T) {
	r := stubOpenAI(t, func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(openAIFinal("verdict: APPROVE\nscore: 5")))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Reason(ctx, Input{ToolBudget: 8})
	assert.Error(t, err)
}
