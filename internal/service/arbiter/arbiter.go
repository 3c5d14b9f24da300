// Package arbiter owns the decision lifecycle: routing between the two
// analysis stages, the per-thread state machine, idempotent re-analysis, and
// the detached stage-2 completion path. It is the only writer of final
// decisions.
package arbiter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/embedding"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/stage1"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/stage2"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/telemetry"
)

// reapInterval is how often expired threads are dropped from memory.
const reapInterval = time.Minute

// Store is the slice of the storage layer the arbiter writes through.
// *storage.DB satisfies it.
type Store interface {
	InsertDecision(ctx context.Context, d model.Decision) error
	FinalizeDecision(ctx context.Context, d model.Decision) (bool, error)
	GetDecisionByThread(ctx context.Context, threadID uuid.UUID) (model.Decision, error)
	LatestDecisionForTxn(ctx context.Context, txnID string) (model.Decision, error)
	InsertTransactionWithOutbox(ctx context.Context, txn model.Transaction, embedding *pgvector.Vector) error
	Notify(ctx context.Context, channel, payload string) error
}

// Journal records scheduled stage-2 work for crash recovery. Nil disables
// journaling.
type Journal interface {
	Enqueue(threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result) error
	Done(threadID uuid.UUID) error
}

// Config carries the routing thresholds and lifecycle budgets.
type Config struct {
	LowCutoff     float64
	HighCutoff    float64
	Stage2Timeout time.Duration
	ThreadTTL     time.Duration
}

// thread is the in-memory state for one analysis. ready is closed once the
// first decision is stored, so duplicate Analyze calls that land mid-pipeline
// block until there is a decision to return instead of reading the zero
// value. The decision is swapped at most once more, under the thread lock,
// when the final record wins the conditional database update.
type thread struct {
	mu        sync.RWMutex
	decision  model.Decision
	createdAt time.Time
	ready     chan struct{}
}

func newThread() *thread {
	return &thread{createdAt: time.Now(), ready: make(chan struct{})}
}

func (t *thread) get() model.Decision {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.decision
}

// publish stores the thread's first decision and releases waiters. Must be
// called exactly once per thread.
func (t *thread) publish(d model.Decision) {
	t.mu.Lock()
	t.decision = d
	t.mu.Unlock()
	close(t.ready)
}

// Arbiter routes transactions through the two-stage pipeline.
type Arbiter struct {
	db       Store
	stage1   *stage1.Analyzer
	stage2   *stage2.Analyzer
	embedder embedding.Provider
	streamer *stream.Streamer
	journal  Journal
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	threads  map[string]*thread   // by txn_id, for idempotence
	byThread map[uuid.UUID]string // thread_id → txn_id

	wg       sync.WaitGroup
	duration metric.Float64Histogram
}

// New creates the arbiter. journal may be nil.
func New(db Store, s1 *stage1.Analyzer, s2 *stage2.Analyzer, embedder embedding.Provider, streamer *stream.Streamer, journal Journal, cfg Config, logger *slog.Logger) *Arbiter {
	meter := telemetry.Meter("fraud/arbiter")
	dur, _ := meter.Float64Histogram("fraud.analyze.duration",
		metric.WithDescription("End-to-end analyze latency to first decision (ms)"),
		metric.WithUnit("ms"),
	)
	return &Arbiter{
		db:       db,
		stage1:   s1,
		stage2:   s2,
		embedder: embedder,
		streamer: streamer,
		journal:  journal,
		cfg:      cfg,
		logger:   logger.With("component", "arbiter"),
		threads:  make(map[string]*thread),
		byThread: make(map[uuid.UUID]string),
		duration: dur,
	}
}

// Start runs the thread reaper until ctx is cancelled.
func (a *Arbiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.reap()
			}
		}
	}()
}

// Analyze runs the pipeline for one transaction and returns the first
// decision: final when stage 1 was decisive, provisional when stage 2 was
// scheduled. Re-analysis of a txn_id within the thread TTL returns the
// existing decision. Only invalid input and internal persistence failures
// surface as errors.
func (a *Arbiter) Analyze(ctx context.Context, txn model.Transaction) (model.Decision, error) {
	start := time.Now()
	if err := txn.Validate(); err != nil {
		return model.Decision{}, fault.Wrap(fault.InvalidInput, "arbiter: validate transaction", err)
	}

	a.mu.Lock()
	if existing, ok := a.threads[txn.TxnID]; ok {
		a.mu.Unlock()
		select {
		case <-existing.ready:
			return existing.get(), nil
		case <-ctx.Done():
			return model.Decision{}, fault.Wrap(fault.Internal, "arbiter: wait for in-flight analysis", ctx.Err())
		}
	}
	threadID := uuid.New()
	th := newThread()
	a.threads[txn.TxnID] = th
	a.byThread[threadID] = txn.TxnID
	a.mu.Unlock()

	// The in-memory map only survives the process; a restart within the
	// thread TTL must still return the stored decision for a replayed txn_id.
	prior, err := a.db.LatestDecisionForTxn(ctx, txn.TxnID)
	switch {
	case err == nil && time.Since(prior.CreatedAt) < a.cfg.ThreadTTL:
		th.publish(prior)
		a.mu.Lock()
		delete(a.byThread, threadID)
		a.byThread[prior.ThreadID] = txn.TxnID
		a.mu.Unlock()
		return prior, nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		a.logger.Warn("idempotence lookup failed, analyzing fresh", "txn_id", txn.TxnID, "error", err)
	}

	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventRunStart,
		Payload: model.RunStartPayload{
			TxnID:      txn.TxnID,
			CustomerID: txn.CustomerID,
			Amount:     txn.Amount,
			Currency:   txn.Currency,
		},
	})

	s1 := a.stage1.Run(ctx, threadID, txn)
	decision := a.route(threadID, txn, s1)
	decision.TotalElapsedMs = time.Since(start).Milliseconds()
	th.publish(decision)

	if err := a.persist(ctx, txn, decision); err != nil {
		// The caller gets the decision the engine made; persistence loss is
		// logged and surfaced as an error event, not a failed analysis.
		a.logger.Error("persist decision failed", "txn_id", txn.TxnID, "error", err)
		a.streamer.Emit(model.Event{
			ThreadID: threadID,
			Kind:     model.EventError,
			Payload:  model.ErrorPayload{Kind: string(fault.Internal), Message: err.Error()},
		})
	}

	a.emitDecision(threadID, decision)
	if decision.Final() {
		a.notifyFinal(ctx, decision)
	} else {
		a.scheduleStage2(threadID, txn, s1)
	}

	a.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000)
	return decision, nil
}

// route applies the threshold table to the stage-1 score.
func (a *Arbiter) route(threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result) model.Decision {
	s := s1.CombinedScore
	now := time.Now().UTC()
	d := model.Decision{
		TxnID:          txn.TxnID,
		ThreadID:       threadID,
		RiskScore:      s,
		RiskLevel:      model.RiskLevelFor(s),
		StageCompleted: 1,
		CreatedAt:      now,
		Stage1:         &s1,
	}

	switch {
	case s < a.cfg.LowCutoff && !s1.NeedsStage2:
		d.Verdict = model.VerdictApprove
		d.Status = model.StatusFinal
		d.FinalizedAt = &now
		d.Confidence = stage1Confidence(s)
		d.Reasoning = "cleared by stage-1 triage"
	case s > a.cfg.HighCutoff && !s1.NeedsStage2:
		d.Verdict = model.VerdictBlock
		d.Status = model.StatusFinal
		d.FinalizedAt = &now
		d.Confidence = stage1Confidence(s)
		d.Reasoning = "blocked by stage-1 triage"
	default:
		d.Verdict = model.VerdictInvestigate
		d.Status = model.StatusPendingStage2
		d.Confidence = stage1Confidence(s)
		d.Reasoning = "escalated to stage-2 analysis"
	}
	return d
}

// mapStage2Verdict maps the reasoner's recommendation onto the final verdict.
// The mapping is identity with two exceptions: an unknown recommendation is
// treated as INVESTIGATE, and extreme-risk blocks go to a human AML desk
// instead of a silent decline.
func mapStage2Verdict(v model.Verdict, score float64) model.Verdict {
	if !v.Valid() {
		return model.VerdictInvestigate
	}
	if v == model.VerdictBlock && score >= 90 {
		return model.VerdictEscalate
	}
	return v
}

// stage1Confidence is highest at the extremes of the score range and lowest
// at the center of the routing band, where the signal is genuinely ambiguous.
func stage1Confidence(s float64) float64 {
	c := math.Abs(50-s) / 50
	return math.Min(c, 1)
}

// persist writes the decision and the transaction's history row. The
// embedding lands later through the outbox path.
func (a *Arbiter) persist(ctx context.Context, txn model.Transaction, d model.Decision) error {
	if err := a.db.InsertTransactionWithOutbox(ctx, txn, nil); err != nil {
		return fmt.Errorf("arbiter: persist transaction: %w", err)
	}
	if err := a.db.InsertDecision(ctx, d); err != nil {
		return fmt.Errorf("arbiter: persist decision: %w", err)
	}
	a.indexAsync(txn)
	return nil
}

// indexAsync embeds the transaction off the request path and re-upserts the
// history row with its vector, which also enqueues the outbox entry for the
// vector index. Best effort: failures only cost future retrieval recall.
func (a *Arbiter) indexAsync(txn model.Transaction) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vec, err := a.embedder.Embed(ctx, txn.CanonicalText())
		if err != nil {
			a.logger.Warn("embed for indexing failed", "txn_id", txn.TxnID, "error", err)
			return
		}
		if err := a.db.InsertTransactionWithOutbox(ctx, txn, &vec); err != nil {
			a.logger.Warn("index enqueue failed", "txn_id", txn.TxnID, "error", err)
		}
	}()
}

// scheduleStage2 journals and launches the background deep pass on a context
// detached from the request: client disconnects never cancel it, and the
// stage-2 hard cap is the only deadline.
func (a *Arbiter) scheduleStage2(threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result) {
	if a.journal != nil {
		if err := a.journal.Enqueue(threadID, txn, s1); err != nil {
			a.logger.Warn("journal enqueue failed", "thread_id", threadID, "error", err)
		}
	}
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStatusUpdate,
		Payload:  model.StatusUpdatePayload{Status: "stage2_scheduled"},
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runStage2(threadID, txn, s1)
	}()
}

// runStage2 executes the deep pass and finalizes the thread. The stage-2
// analyzer owns its own timeout and never fails; whatever it returns is
// mapped and written exactly once.
func (a *Arbiter) runStage2(threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result) {
	// Grace beyond the stage-2 cap covers the finalize write itself.
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Stage2Timeout+10*time.Second)
	defer cancel()

	s2 := a.stage2.Run(ctx, threadID, txn, s1)
	a.finalize(ctx, threadID, txn, s1, s2)
}

// finalize maps the stage-2 result onto the final decision and writes it
// exactly once.
func (a *Arbiter) finalize(ctx context.Context, threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result, s2 model.Stage2Result) {
	verdict := mapStage2Verdict(s2.LLMRecommendation, s2.Stage2Score)

	now := time.Now().UTC()
	final := model.Decision{
		TxnID:          txn.TxnID,
		ThreadID:       threadID,
		Verdict:        verdict,
		RiskScore:      s2.Stage2Score,
		RiskLevel:      model.RiskLevelFor(s2.Stage2Score),
		Confidence:     s2.Confidence,
		StageCompleted: 2,
		Reasoning:      s2.LLMRationale,
		Status:         model.StatusFinal,
		CreatedAt:      now,
		FinalizedAt:    &now,
		Stage1:         &s1,
		Stage2:         &s2,
	}

	won, err := a.db.FinalizeDecision(ctx, final)
	if err != nil {
		a.logger.Error("finalize decision failed", "thread_id", threadID, "error", err)
		a.streamer.Emit(model.Event{
			ThreadID: threadID,
			Kind:     model.EventError,
			Payload:  model.ErrorPayload{Kind: string(fault.Internal), Message: err.Error()},
		})
		return
	}
	if !won {
		a.logger.Info("decision already finalized, dropping stage-2 result", "thread_id", threadID)
		return
	}

	a.mu.Lock()
	th := a.threads[txn.TxnID]
	a.mu.Unlock()
	if th != nil {
		th.mu.Lock()
		created := th.decision.CreatedAt
		final.CreatedAt = created
		final.TotalElapsedMs = time.Since(th.createdAt).Milliseconds()
		th.decision = final
		th.mu.Unlock()
	}

	if a.journal != nil {
		if err := a.journal.Done(threadID); err != nil {
			a.logger.Warn("journal done failed", "thread_id", threadID, "error", err)
		}
	}

	a.emitDecision(threadID, final)
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStatusUpdate,
		Payload:  model.StatusUpdatePayload{Status: "final", Detail: string(final.Verdict)},
	})
	a.notifyFinal(ctx, final)
}

// ResumeStage2 re-runs a recovered analysis whose stage-2 pass was scheduled
// but never finalized (journal recovery after a crash). The provisional
// decision is re-read from storage so readers keep seeing it while the pass
// re-runs.
func (a *Arbiter) ResumeStage2(ctx context.Context, threadID uuid.UUID, txn model.Transaction, s1 model.Stage1Result) error {
	provisional, err := a.db.GetDecisionByThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("arbiter: resume stage2: %w", err)
	}
	if provisional.Final() {
		// Finished before the crash; nothing to re-run.
		if a.journal != nil {
			_ = a.journal.Done(threadID)
		}
		return nil
	}

	th := newThread()
	th.publish(provisional)
	a.mu.Lock()
	a.threads[txn.TxnID] = th
	a.byThread[threadID] = txn.TxnID
	a.mu.Unlock()

	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStatusUpdate,
		Payload:  model.StatusUpdatePayload{Status: "stage2_recovered"},
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runStage2(threadID, txn, s1)
	}()
	return nil
}

// GetDecision returns the thread's current decision, provisional or final.
// The in-memory thread is authoritative while it lives; storage serves
// reads after restart or TTL expiry.
func (a *Arbiter) GetDecision(ctx context.Context, threadID uuid.UUID) (model.Decision, error) {
	a.mu.Lock()
	txnID, ok := a.byThread[threadID]
	var th *thread
	if ok {
		th = a.threads[txnID]
	}
	a.mu.Unlock()
	if th != nil {
		return th.get(), nil
	}
	return a.db.GetDecisionByThread(ctx, threadID)
}

// Drain waits for in-flight background work (stage-2 passes, index upserts)
// up to the context deadline.
func (a *Arbiter) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("drain timed out waiting for background analyses")
	}
}

// reap drops threads older than the TTL. Their decisions remain readable
// from storage; the streamer reaps its own buffers on the same TTL.
func (a *Arbiter) reap() {
	cutoff := time.Now().Add(-a.cfg.ThreadTTL)
	a.mu.Lock()
	defer a.mu.Unlock()
	for txnID, th := range a.threads {
		if th.createdAt.Before(cutoff) {
			delete(a.threads, txnID)
			delete(a.byThread, th.get().ThreadID)
		}
	}
}

func (a *Arbiter) emitDecision(threadID uuid.UUID, d model.Decision) {
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventDecisionEmitted,
		Payload: model.DecisionEmittedPayload{
			TxnID:     d.TxnID,
			Verdict:   d.Verdict,
			RiskScore: d.RiskScore,
			RiskLevel: d.RiskLevel,
			Status:    d.Status,
		},
	})
}

// notifyFinal publishes the final decision for the cross-instance SSE feed.
func (a *Arbiter) notifyFinal(ctx context.Context, d model.Decision) {
	payload, err := json.Marshal(d)
	if err != nil {
		a.logger.Error("marshal final decision", "thread_id", d.ThreadID, "error", err)
		return
	}
	if err := a.db.Notify(ctx, storage.ChannelDecisions, string(payload)); err != nil {
		a.logger.Warn("notify final decision failed", "thread_id", d.ThreadID, "error", err)
	}
}
