package stage1

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ml"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
)

type stubStore struct {
	profile     *model.CustomerProfile
	recent      []model.Transaction
	err         error
	delay       time.Duration
	profileGets atomic.Int64
}

func (s *stubStore) GetProfile(ctx context.Context, _ string) (model.CustomerProfile, error) {
	s.profileGets.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return model.CustomerProfile{}, ctx.Err()
		}
	}
	if s.err != nil {
		return model.CustomerProfile{}, s.err
	}
	if s.profile == nil {
		return model.CustomerProfile{}, storage.ErrNotFound
	}
	return *s.profile, nil
}

func (s *stubStore) RecentTransactions(context.Context, string, time.Duration, int) ([]model.Transaction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.recent, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAnalyzer(t *testing.T, db Store, cfg Config) (*Analyzer, *stream.Streamer) {
	t.Helper()
	engine, err := rules.NewEngine(nil, testLogger())
	require.NoError(t, err)
	streamer := stream.New(100, time.Hour, nil, testLogger())
	if cfg.Timeout == 0 {
		cfg.Timeout = 150 * time.Millisecond
	}
	if cfg.HighCutoff == 0 {
		cfg.LowCutoff, cfg.HighCutoff = 25, 85
	}
	a := New(db, engine, ml.NewScorer(), streamer, cfg, testLogger())
	t.Cleanup(a.Close)
	return a, streamer
}

func benignTxn() model.Transaction {
	return model.Transaction{
		TxnID:      "txn-1",
		CustomerID: "cust-1",
		Timestamp:  time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Amount:     120,
		Currency:   "USD",
		Merchant:   model.Merchant{Category: "grocery"},
		Location:   model.Location{Country: "US"},
		Type:       "purchase",
	}
}

func activeProfile() *model.CustomerProfile {
	return &model.CustomerProfile{
		CustomerID:        "cust-1",
		MeanAmount:        110,
		StdAmount:         35,
		TypicalCategories: []string{"grocery", "fuel"},
		TypicalCountries:  []string{"US"},
		ActiveHours:       model.ActiveHours{Start: 8, End: 22},
		Status:            "active",
	}
}

func TestRunBenignTransaction(t *testing.T) {
	a, _ := newTestAnalyzer(t, &stubStore{profile: activeProfile()}, Config{})

	res := a.Run(context.Background(), uuid.New(), benignTxn())

	assert.Empty(t, res.RuleFlags)
	assert.Zero(t, res.RuleScore)
	assert.True(t, res.MLAvailable)
	assert.Less(t, res.CombinedScore, 25.0)
	assert.False(t, res.NeedsStage2)
}

func TestRunHighRiskTransaction(t *testing.T) {
	a, _ := newTestAnalyzer(t, &stubStore{profile: activeProfile()}, Config{})

	txn := benignTxn()
	txn.Amount = 15_000
	txn.Location.Country = "KP"
	txn.Merchant.Category = "crypto"
	txn.Timestamp = time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

	res := a.Run(context.Background(), uuid.New(), txn)

	assert.Contains(t, res.RuleFlags, "high_risk_country")
	assert.Contains(t, res.RuleFlags, "amount_above_limit")
	assert.Greater(t, res.CombinedScore, 85.0)
	assert.False(t, res.NeedsStage2) // above the band: final BLOCK territory
}

func TestRunUnknownCustomerRulesOnly(t *testing.T) {
	// No profile and no history: the model abstains and rules carry the
	// whole score (alpha = 1).
	a, _ := newTestAnalyzer(t, &stubStore{}, Config{})

	txn := benignTxn()
	txn.Amount = 15_000

	res := a.Run(context.Background(), uuid.New(), txn)

	assert.False(t, res.MLAvailable)
	assert.InDelta(t, 100*res.RuleScore, res.CombinedScore, 0.001)
}

func TestRunBoundaryScoresRouteToStage2(t *testing.T) {
	a, _ := newTestAnalyzer(t, &stubStore{}, Config{LowCutoff: 25, HighCutoff: 85, Timeout: time.Second})

	assert.True(t, a.needsStage2(25))
	assert.True(t, a.needsStage2(85))
	assert.True(t, a.needsStage2(50))
	assert.False(t, a.needsStage2(24.999))
	assert.False(t, a.needsStage2(85.001))
}

func TestRunStoreFailureConservative(t *testing.T) {
	db := &stubStore{err: fmt.Errorf("connection refused")}
	a, streamer := newTestAnalyzer(t, db, Config{})
	threadID := uuid.New()

	res := a.Run(context.Background(), threadID, benignTxn())

	// Rules ran without a profile; their score alone carries the result,
	// and the transaction goes to stage 2 regardless of the band.
	assert.True(t, res.NeedsStage2)
	assert.False(t, res.MLAvailable)
	assert.InDelta(t, 100*res.RuleScore, res.CombinedScore, 0.001)

	events := streamer.History(threadID, 0)
	kinds := make([]model.EventKind, len(events))
	for i, e := range events {
		kinds[i] = e.Kind
	}
	assert.Contains(t, kinds, model.EventError)
	assert.Contains(t, kinds, model.EventStageEnd)
}

func TestRunDeadlineConservative(t *testing.T) {
	db := &stubStore{profile: activeProfile(), delay: 100 * time.Millisecond}
	a, _ := newTestAnalyzer(t, db, Config{Timeout: 10 * time.Millisecond, LowCutoff: 25, HighCutoff: 85})

	res := a.Run(context.Background(), uuid.New(), benignTxn())
	assert.True(t, res.NeedsStage2)
}

func TestRunEmitsStageEvents(t *testing.T) {
	a, streamer := newTestAnalyzer(t, &stubStore{profile: activeProfile()}, Config{})
	threadID := uuid.New()

	a.Run(context.Background(), threadID, benignTxn())

	events := streamer.History(threadID, 0)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventStageStart, events[0].Kind)
	assert.Equal(t, model.EventStageEnd, events[1].Kind)

	end, ok := events[1].Payload.(model.StageEndPayload)
	require.True(t, ok)
	assert.Equal(t, 1, end.Stage)
}

func TestProfileCacheHitSkipsStore(t *testing.T) {
	db := &stubStore{profile: activeProfile()}
	a, _ := newTestAnalyzer(t, db, Config{})

	a.Run(context.Background(), uuid.New(), benignTxn())
	a.Run(context.Background(), uuid.New(), benignTxn())

	assert.Equal(t, int64(1), db.profileGets.Load())
}

func TestProfileCacheNegativeEntry(t *testing.T) {
	db := &stubStore{}
	a, _ := newTestAnalyzer(t, db, Config{})

	a.Run(context.Background(), uuid.New(), benignTxn())
	a.Run(context.Background(), uuid.New(), benignTxn())

	// The miss itself is cached.
	assert.Equal(t, int64(1), db.profileGets.Load())
}
