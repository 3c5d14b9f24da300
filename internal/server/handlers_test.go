package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ratelimit"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
)

type stubAnalyzer struct {
	decision model.Decision
	err      error
}

func (s *stubAnalyzer) Analyze(_ context.Context, txn model.Transaction) (model.Decision, error) {
	if s.err != nil {
		return model.Decision{}, s.err
	}
	d := s.decision
	d.TxnID = txn.TxnID
	return d, nil
}

func (s *stubAnalyzer) GetDecision(_ context.Context, threadID uuid.UUID) (model.Decision, error) {
	if s.err != nil {
		return model.Decision{}, s.err
	}
	if s.decision.ThreadID != threadID {
		return model.Decision{}, storage.ErrNotFound
	}
	return s.decision, nil
}

type stubGraph struct {
	graph *model.NetworkGraph
	err   error
}

func (s *stubGraph) BuildNetwork(context.Context, string, model.NetworkParams) (*model.NetworkGraph, error) {
	return s.graph, s.err
}

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type serverFixture struct {
	server   *Server
	streamer *stream.Streamer
	arbiter  *stubAnalyzer
}

func newTestServer(t *testing.T, mutate func(*ServerConfig)) *serverFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	engine, err := rules.NewEngine(nil, logger)
	require.NoError(t, err)

	streamer := stream.New(200, time.Hour, nil, logger)
	arb := &stubAnalyzer{}

	cfg := ServerConfig{
		DB:                  stubPinger{},
		Arbiter:             arb,
		Streamer:            streamer,
		Graph:               &stubGraph{graph: &model.NetworkGraph{CenterEntityID: "cust-1"}},
		Engine:              engine,
		Logger:              logger,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &serverFixture{server: New(cfg), streamer: streamer, arbiter: arb}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, target))
}

func validTxnJSON() string {
	txn := model.Transaction{
		TxnID:      "txn-1",
		CustomerID: "cust-1",
		Timestamp:  time.Now().UTC(),
		Amount:     120,
		Currency:   "USD",
		Merchant:   model.Merchant{Category: "grocery"},
		Location:   model.Location{Country: "US"},
		Type:       "purchase",
	}
	data, _ := json.Marshal(txn)
	return string(data)
}

func TestAnalyzeEndpointFinalDecision(t *testing.T) {
	fx := newTestServer(t, nil)
	fx.arbiter.decision = model.Decision{
		ThreadID: uuid.New(), Verdict: model.VerdictApprove,
		RiskLevel: model.RiskLow, RiskScore: 5, Status: model.StatusFinal,
	}

	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/transactions/analyze", validTxnJSON())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp model.DecisionResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, model.VerdictApprove, resp.Verdict)
	assert.Equal(t, "txn-1", resp.TxnID)
	assert.Nil(t, resp.PendingThreadID)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestAnalyzeEndpointProvisionalDecision(t *testing.T) {
	fx := newTestServer(t, nil)
	threadID := uuid.New()
	fx.arbiter.decision = model.Decision{
		ThreadID: threadID, Verdict: model.VerdictInvestigate,
		RiskLevel: model.RiskMedium, RiskScore: 40, Status: model.StatusPendingStage2,
	}

	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/transactions/analyze", validTxnJSON())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.DecisionResponse
	decodeData(t, rec, &resp)
	require.NotNil(t, resp.PendingThreadID)
	assert.Equal(t, threadID, *resp.PendingThreadID)
}

func TestAnalyzeEndpointInvalidBody(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/transactions/analyze", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInvalidInput)
}

func TestAnalyzeEndpointValidationFault(t *testing.T) {
	fx := newTestServer(t, nil)
	fx.arbiter.err = fault.New(fault.InvalidInput, "arbiter: validate transaction: txn_id is required")

	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/transactions/analyze", validTxnJSON())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "txn_id is required")
}

func TestGetDecision(t *testing.T) {
	fx := newTestServer(t, nil)
	threadID := uuid.New()
	fx.arbiter.decision = model.Decision{
		ThreadID: threadID, Verdict: model.VerdictBlock,
		RiskLevel: model.RiskCritical, Status: model.StatusFinal,
	}

	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/decisions/"+threadID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var d model.Decision
	decodeData(t, rec, &d)
	assert.Equal(t, model.VerdictBlock, d.Verdict)
}

func TestGetDecisionNotFound(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/decisions/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetDecisionBadThreadID(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/decisions/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPollEvents(t *testing.T) {
	fx := newTestServer(t, nil)
	threadID := uuid.New()

	first := fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventRunStart})
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventStageStart})
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventStageEnd})

	rec := doJSON(t, fx.server.Handler(), http.MethodGet,
		"/v1/threads/"+threadID.String()+"/events/poll?after_event_id="+
			strconv.FormatInt(first.EventID, 10)+"&limit=10", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.PollResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, defaultPollIntervalMs, resp.PollingIntervalMs)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, model.EventStageStart, resp.Events[0].Kind)
	assert.Equal(t, model.EventStageEnd, resp.Events[1].Kind)
}

func TestPollEventsUnknownThreadReturnsEmpty(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet,
		"/v1/threads/"+uuid.NewString()+"/events/poll", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.PollResponse
	decodeData(t, rec, &resp)
	assert.Empty(t, resp.Events)
}

func TestPollEventsBadAfterEventID(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet,
		"/v1/threads/"+uuid.NewString()+"/events/poll?after_event_id=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventHistory(t *testing.T) {
	fx := newTestServer(t, nil)
	threadID := uuid.New()
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventRunStart})
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventDecisionEmitted})

	rec := doJSON(t, fx.server.Handler(), http.MethodGet,
		"/v1/threads/"+threadID.String()+"/events/history?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []model.Event `json:"events"`
	}
	decodeData(t, rec, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, model.EventDecisionEmitted, resp.Events[0].Kind)
}

func TestNetworkEndpoint(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/network",
		`{"center_entity_id":"cust-1","max_depth":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var graph model.NetworkGraph
	decodeData(t, rec, &graph)
	assert.Equal(t, "cust-1", graph.CenterEntityID)
}

func TestNetworkEndpointMissingCenter(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/network", `{"max_depth":2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "center_entity_id")
}

func TestRulesEndpoint(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/rules", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "high_risk_country")
	assert.Contains(t, rec.Body.String(), "builtin")
}

func TestHealthEndpoint(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.HealthResponse
	decodeData(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "connected", resp.Postgres)
	assert.Equal(t, "test", resp.Version)
}

func TestHealthEndpointDatabaseDown(t *testing.T) {
	fx := newTestServer(t, func(cfg *ServerConfig) {
		cfg.DB = stubPinger{err: context.DeadlineExceeded}
	})
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestDecisionStreamUnavailableWithoutBroker(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/decisions/stream", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer limiter.Close()
	fx := newTestServer(t, func(cfg *ServerConfig) {
		cfg.Limiter = limiter
	})
	fx.arbiter.decision = model.Decision{ThreadID: uuid.New(), Verdict: model.VerdictApprove, Status: model.StatusFinal}

	first := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/transactions/analyze", validTxnJSON())
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, fx.server.Handler(), http.MethodPost, "/v1/transactions/analyze", validTxnJSON())
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), model.ErrCodeRateLimited)

	// Query endpoints draw from a separate budget and still pass.
	health := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/rules", "")
	assert.Equal(t, http.StatusOK, health.Code)
}

