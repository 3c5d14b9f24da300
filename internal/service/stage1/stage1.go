// Package stage1 implements the fast deterministic triage pass: rules plus a
// light anomaly model over the customer baseline, under a hard latency budget.
// Stage 1 never touches the embedding pipeline, the vector index, or the
// reasoner.
package stage1

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/ml"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/telemetry"
)

const (
	// profileCacheTTL bounds profile staleness on the hot path.
	profileCacheTTL = 30 * time.Second
	// recentWindow and recentLimit bound the history fetched for the scorer.
	recentWindow = 7 * 24 * time.Hour
	recentLimit  = 50
)

// Store is the slice of the storage layer stage 1 reads. *storage.DB
// satisfies it.
type Store interface {
	GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error)
	RecentTransactions(ctx context.Context, customerID string, window time.Duration, limit int) ([]model.Transaction, error)
}

// Config carries the stage-1 tunables.
type Config struct {
	Timeout    time.Duration
	LowCutoff  float64
	HighCutoff float64
}

// Analyzer runs the stage-1 pass.
type Analyzer struct {
	db       Store
	cache    *ProfileCache
	rules    *rules.Engine
	scorer   *ml.Scorer
	streamer *stream.Streamer
	cfg      Config
	logger   *slog.Logger

	duration metric.Float64Histogram
}

// New creates the stage-1 analyzer.
func New(db Store, engine *rules.Engine, scorer *ml.Scorer, streamer *stream.Streamer, cfg Config, logger *slog.Logger) *Analyzer {
	meter := telemetry.Meter("fraud/stage1")
	dur, _ := meter.Float64Histogram("fraud.stage1.duration",
		metric.WithDescription("Stage-1 triage latency (ms)"),
		metric.WithUnit("ms"),
	)
	return &Analyzer{
		db:       db,
		cache:    NewProfileCache(profileCacheTTL),
		rules:    engine,
		scorer:   scorer,
		streamer: streamer,
		cfg:      cfg,
		logger:   logger.With("component", "stage1"),
		duration: dur,
	}
}

// Close releases the profile cache.
func (a *Analyzer) Close() { a.cache.Close() }

// Run executes the triage pass under the stage-1 budget. Run never returns
// an error: any internal failure or deadline overrun degrades to a
// conservative rules-only result routed to stage 2, with an error event on
// the thread.
func (a *Analyzer) Run(ctx context.Context, threadID uuid.UUID, txn model.Transaction) model.Stage1Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStageStart,
		Payload:  model.StageStartPayload{Stage: 1},
	})

	result, rulesRan, runErr := a.run(ctx, txn)
	if runErr != nil {
		result = conservative(result, rulesRan)
		a.logger.Warn("stage1 degraded to conservative result",
			"txn_id", txn.TxnID, "error", runErr)
		a.streamer.Emit(model.Event{
			ThreadID: threadID,
			Kind:     model.EventError,
			Payload:  model.ErrorPayload{Kind: "stage1_degraded", Message: runErr.Error()},
		})
	}

	elapsed := time.Since(start)
	result.ElapsedMs = elapsed.Milliseconds()
	a.duration.Record(ctx, float64(elapsed.Microseconds())/1000)

	payload := model.StageEndPayload{
		Stage:       1,
		Score:       result.CombinedScore,
		Flags:       result.RuleFlags,
		NeedsStage2: result.NeedsStage2,
		DurationMs:  result.ElapsedMs,
	}
	if runErr != nil {
		payload.Error = runErr.Error()
	}
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStageEnd,
		Payload:  payload,
	})
	return result
}

// run is the fallible inner pass. A partial result is returned alongside the
// error so the conservative path can keep whatever the rules produced.
func (a *Analyzer) run(ctx context.Context, txn model.Transaction) (result model.Stage1Result, rulesRan bool, err error) {
	profile, recent, err := a.fetchContext(ctx, txn.CustomerID)
	if err != nil {
		// Rules still run: most built-in rules don't need the profile.
		ruleResult := a.rules.Evaluate(txn, nil)
		return model.Stage1Result{
			RuleScore: ruleResult.Score,
			RuleFlags: ruleResult.Flags,
		}, true, err
	}

	ruleResult := a.rules.Evaluate(txn, profile)
	mlScore, mlOK := a.scorer.Score(txn, profile, recent)

	result = model.Stage1Result{
		RuleScore:     ruleResult.Score,
		RuleFlags:     ruleResult.Flags,
		MLScore:       mlScore,
		MLAvailable:   mlOK,
		CombinedScore: combine(ruleResult.Score, mlScore, mlOK),
	}
	result.NeedsStage2 = a.needsStage2(result.CombinedScore)

	return result, true, ctx.Err()
}

// fetchContext loads the profile (through the cache) and recent history in
// parallel. A missing profile is a normal condition, not an error.
func (a *Analyzer) fetchContext(ctx context.Context, customerID string) (*model.CustomerProfile, []model.Transaction, error) {
	var profile *model.CustomerProfile
	var recent []model.Transaction

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if cached, ok := a.cache.Get(customerID); ok {
			profile = cached
			return nil
		}
		p, err := a.db.GetProfile(gctx, customerID)
		if errors.Is(err, storage.ErrNotFound) {
			a.cache.Set(customerID, nil)
			return nil
		}
		if err != nil {
			return err
		}
		profile = &p
		a.cache.Set(customerID, profile)
		return nil
	})
	g.Go(func() error {
		var err error
		recent, err = a.db.RecentTransactions(gctx, customerID, recentWindow, recentLimit)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return profile, recent, nil
}

// combine blends the rule and model scores onto the 0-100 decision scale.
// Equal weighting when both signals exist; rules carry everything when the
// model has no baseline to condition on.
func combine(ruleScore, mlScore float64, mlOK bool) float64 {
	if !mlOK {
		return 100 * ruleScore
	}
	return 100 * (0.5*ruleScore + 0.5*mlScore)
}

// needsStage2 places the score against the routing band. Both cutoffs are
// inclusive: boundary scores get the deeper look.
func (a *Analyzer) needsStage2(score float64) bool {
	return score >= a.cfg.LowCutoff && score <= a.cfg.HighCutoff
}

// conservative fills the degraded result: whatever the rules said (or full
// weight when even the rules failed), always routed to stage 2.
func conservative(partial model.Stage1Result, rulesRan bool) model.Stage1Result {
	score := 100 * partial.RuleScore
	if !rulesRan {
		score = 100
	}
	return model.Stage1Result{
		RuleScore:     partial.RuleScore,
		RuleFlags:     partial.RuleFlags,
		CombinedScore: score,
		NeedsStage2:   true,
	}
}
