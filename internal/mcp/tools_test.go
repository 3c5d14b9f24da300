package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/reasoner"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
)

type stubAnalyzer struct {
	decision model.Decision
	err      error
	lastTxn  model.Transaction
}

func (s *stubAnalyzer) Analyze(_ context.Context, txn model.Transaction) (model.Decision, error) {
	s.lastTxn = txn
	return s.decision, s.err
}

func (s *stubAnalyzer) GetDecision(_ context.Context, threadID uuid.UUID) (model.Decision, error) {
	if s.decision.ThreadID != threadID {
		return model.Decision{}, storage.ErrNotFound
	}
	return s.decision, s.err
}

type stubStore struct {
	recent  []model.Decision
	profile *model.CustomerProfile
}

func (s *stubStore) RecentDecisions(context.Context, int) ([]model.Decision, error) {
	return s.recent, nil
}

func (s *stubStore) GetProfile(_ context.Context, customerID string) (model.CustomerProfile, error) {
	if s.profile == nil || s.profile.CustomerID != customerID {
		return model.CustomerProfile{}, storage.ErrNotFound
	}
	return *s.profile, nil
}

func (s *stubStore) GetRelationships(context.Context, string, storage.RelationshipFilter) ([]model.Relationship, error) {
	return nil, nil
}

func (s *stubStore) TransactionsWithVerdicts(context.Context, []string) (map[string]model.NeighborVerdict, error) {
	return map[string]model.NeighborVerdict{}, nil
}

func newTestServer(t *testing.T, arb *stubAnalyzer, db *stubStore) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	engine, err := rules.NewEngine(nil, logger)
	require.NoError(t, err)
	embed := func(context.Context, string) (pgvector.Vector, error) {
		return pgvector.Vector{}, fmt.Errorf("no embedder in tests")
	}
	tools := reasoner.NewToolset(db, embed, nil)
	return New(arb, db, engine, tools, logger)
}

func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func resultText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestAnalyzeToolReturnsDecision(t *testing.T) {
	threadID := uuid.New()
	arb := &stubAnalyzer{decision: model.Decision{
		TxnID: "txn-1", ThreadID: threadID,
		Verdict: model.VerdictApprove, RiskScore: 8,
		RiskLevel: model.RiskLow, Status: model.StatusFinal,
	}}
	s := newTestServer(t, arb, &stubStore{})

	result, err := s.handleAnalyze(context.Background(), callRequest("analyze_transaction", map[string]any{
		"txn_id":            "txn-1",
		"customer_id":       "cust-1",
		"amount":            120.0,
		"currency":          "USD",
		"merchant_category": "grocery",
		"country":           "US",
		"type":              "purchase",
		"device_id":         "dev-9",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, `"verdict":"APPROVE"`)
	assert.Contains(t, text, threadID.String())

	// The tool builds a real transaction from the flat arguments.
	assert.Equal(t, "cust-1", arb.lastTxn.CustomerID)
	assert.Equal(t, "grocery", arb.lastTxn.Merchant.Category)
	require.NotNil(t, arb.lastTxn.Device)
	assert.Equal(t, "dev-9", arb.lastTxn.Device.ID)
}

func TestAnalyzeToolInvalidTimestamp(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, &stubStore{})

	result, err := s.handleAnalyze(context.Background(), callRequest("analyze_transaction", map[string]any{
		"txn_id": "txn-1", "customer_id": "cust-1", "amount": 1.0,
		"currency": "USD", "merchant_category": "grocery",
		"country": "US", "type": "purchase",
		"timestamp": "yesterday at noon",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "invalid timestamp")
}

func TestGetDecisionToolBadThreadID(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, &stubStore{})

	result, err := s.handleGetDecision(context.Background(), callRequest("get_decision", map[string]any{
		"thread_id": "not-a-uuid",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestGetDecisionTool(t *testing.T) {
	threadID := uuid.New()
	arb := &stubAnalyzer{decision: model.Decision{
		TxnID: "txn-1", ThreadID: threadID,
		Verdict: model.VerdictInvestigate, Status: model.StatusPendingStage2,
	}}
	s := newTestServer(t, arb, &stubStore{})

	result, err := s.handleGetDecision(context.Background(), callRequest("get_decision", map[string]any{
		"thread_id": threadID.String(),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"status":"pending_stage2"`)
}

func TestRecentDecisionsTool(t *testing.T) {
	db := &stubStore{recent: []model.Decision{
		{TxnID: "txn-1", Verdict: model.VerdictApprove},
		{TxnID: "txn-2", Verdict: model.VerdictBlock},
	}}
	s := newTestServer(t, &stubAnalyzer{}, db)

	result, err := s.handleRecent(context.Background(), callRequest("recent_decisions", map[string]any{
		"limit": 5.0,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, `"count":2`)
	assert.Contains(t, text, "txn-2")
}

func TestPassthroughSharesReasonerTools(t *testing.T) {
	db := &stubStore{profile: &model.CustomerProfile{CustomerID: "cust-1", MeanAmount: 100}}
	s := newTestServer(t, &stubAnalyzer{}, db)

	var customerTool reasoner.Tool
	for _, tool := range s.tools.Tools() {
		if tool.Def.Name == "lookup_customer" {
			customerTool = tool
		}
	}
	require.NotEmpty(t, customerTool.Def.Name)

	handler := s.passthrough(customerTool)
	result, err := handler(context.Background(), callRequest("lookup_customer", map[string]any{
		"customer_id": "cust-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), `"exists":true`)
}
