// Package stage2 implements the deep assessment pass: embed the transaction,
// retrieve similar history from the vector index, hydrate past verdicts, and
// put the case to the reasoner. Stage 2 is best-effort by construction —
// every failure mode degrades to a conservative INVESTIGATE result rather
// than an error.
package stage2

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/reasoner"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/search"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/embedding"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/telemetry"
)

// k bounds for neighbor retrieval.
const (
	minKNN = 5
	maxKNN = 20
)

// Store is the slice of the storage layer stage 2 reads.
type Store interface {
	TransactionsWithVerdicts(ctx context.Context, txnIDs []string) (map[string]model.NeighborVerdict, error)
}

// Config carries the stage-2 tunables.
type Config struct {
	Timeout         time.Duration // hard cap for the whole pass
	ReasonerTimeout time.Duration // wall clock for the reasoner call
	ToolBudget      int
	KNNK            int
}

// Analyzer runs the stage-2 pass.
type Analyzer struct {
	db       Store
	embedder embedding.Provider
	index    search.Index // nil when no vector index is configured
	reasoner reasoner.Reasoner
	tools    *reasoner.Toolset
	streamer *stream.Streamer
	cfg      Config
	logger   *slog.Logger

	duration       metric.Float64Histogram
	embedDuration  metric.Float64Histogram
	searchDuration metric.Float64Histogram
}

// New creates the stage-2 analyzer. index may be nil; retrieval then yields
// no neighbors and the reasoner judges from the transaction alone.
func New(db Store, embedder embedding.Provider, index search.Index, r reasoner.Reasoner, tools *reasoner.Toolset, streamer *stream.Streamer, cfg Config, logger *slog.Logger) *Analyzer {
	meter := telemetry.Meter("fraud/stage2")
	dur, _ := meter.Float64Histogram("fraud.stage2.duration",
		metric.WithDescription("Stage-2 assessment latency (ms)"),
		metric.WithUnit("ms"),
	)
	embDur, _ := meter.Float64Histogram("fraud.embedding.duration",
		metric.WithDescription("Time to generate embeddings (ms)"),
		metric.WithUnit("ms"),
	)
	searchDur, _ := meter.Float64Histogram("fraud.search.duration",
		metric.WithDescription("Time to execute KNN queries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Analyzer{
		db:             db,
		embedder:       embedder,
		index:          index,
		reasoner:       r,
		tools:          tools,
		streamer:       streamer,
		cfg:            cfg,
		logger:         logger.With("component", "stage2"),
		duration:       dur,
		embedDuration:  embDur,
		searchDuration: searchDur,
	}
}

// Run executes the deep pass under the stage-2 hard cap. Run never returns
// an error: timeouts, index skew, and reasoner failures all degrade to the
// conservative INVESTIGATE result.
func (a *Analyzer) Run(ctx context.Context, threadID uuid.UUID, txn model.Transaction, stage1 model.Stage1Result) model.Stage2Result {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStageStart,
		Payload:  model.StageStartPayload{Stage: 2},
	})

	result := a.run(ctx, threadID, txn, stage1)

	elapsed := time.Since(start)
	result.ElapsedMs = elapsed.Milliseconds()
	a.duration.Record(ctx, float64(elapsed.Microseconds())/1000)

	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventStageEnd,
		Payload: model.StageEndPayload{
			Stage:      2,
			Score:      result.Stage2Score,
			DurationMs: result.ElapsedMs,
		},
	})
	return result
}

func (a *Analyzer) run(ctx context.Context, threadID uuid.UUID, txn model.Transaction, stage1 model.Stage1Result) model.Stage2Result {
	neighbors, similarIDs, err := a.retrieve(ctx, threadID, txn)
	if err != nil {
		return a.degrade(threadID, txn, stage1, nil, 0, err, false)
	}

	verdict, err := a.reason(ctx, threadID, txn, stage1, neighbors)
	if err != nil {
		return a.degrade(threadID, txn, stage1, similarIDs, verdict.ToolCallsUsed, err, true)
	}

	return model.Stage2Result{
		SimilarTxnIDs:     similarIDs,
		LLMRecommendation: verdict.Recommendation,
		LLMRationale:      verdict.Rationale,
		Stage2Score:       verdict.Score,
		Confidence:        verdict.Confidence,
		ToolCallsUsed:     verdict.ToolCallsUsed,
	}
}

// retrieve embeds the transaction and pulls its nearest historical neighbors,
// hydrated with their decision history. A missing index is a normal
// configuration (no neighbors); index skew and embedding failures are not.
func (a *Analyzer) retrieve(ctx context.Context, threadID uuid.UUID, txn model.Transaction) ([]model.NeighborVerdict, []string, error) {
	if a.index == nil {
		return nil, nil, nil
	}

	text := txn.CanonicalText()
	vec, err := a.timedEmbed(ctx, threadID, text)
	if err != nil {
		return nil, nil, err
	}

	k := a.cfg.KNNK
	if k < minKNN {
		k = minKNN
	}
	if k > maxKNN {
		k = maxKNN
	}

	raw, err := a.timedKNN(ctx, threadID, vec, k, txn)
	if err != nil {
		return nil, nil, err
	}
	if len(raw) == 0 {
		return nil, nil, nil // empty index is fine
	}

	ids := make([]string, len(raw))
	for i, n := range raw {
		ids[i] = n.TxnID
	}
	hydrated, err := a.db.TransactionsWithVerdicts(ctx, ids)
	if err != nil {
		return nil, nil, err
	}

	neighbors := make([]model.NeighborVerdict, 0, len(raw))
	for _, n := range raw {
		nv, ok := hydrated[n.TxnID]
		if !ok {
			nv = model.NeighborVerdict{TxnID: n.TxnID}
		}
		nv.Similarity = n.Similarity
		neighbors = append(neighbors, nv)
	}
	return neighbors, ids, nil
}

func (a *Analyzer) timedEmbed(ctx context.Context, threadID uuid.UUID, text string) (pgvector.Vector, error) {
	a.emitToolStart(threadID, "embed_transaction", text)
	start := time.Now()
	vec, err := a.embedder.Embed(ctx, text)
	elapsed := time.Since(start)
	a.embedDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
	a.emitToolEnd(threadID, "embed_transaction", elapsed.Milliseconds(), len(vec.Slice())*4, err)
	return vec, err
}

// timedKNN runs the two-pass neighbor search: same customer and merchant
// category first (behavioral precedent), then an unfiltered pass to fill up
// to k.
func (a *Analyzer) timedKNN(ctx context.Context, threadID uuid.UUID, vec pgvector.Vector, k int, txn model.Transaction) ([]search.Neighbor, error) {
	a.emitToolStart(threadID, "similarity_search", txn.TxnID)
	start := time.Now()

	filtered, err := a.index.KNN(ctx, vec, k, search.Filters{
		CustomerID:   txn.CustomerID,
		Category:     txn.Merchant.Category,
		ExcludeTxnID: txn.TxnID,
	})
	if err == nil && len(filtered) < k {
		var fill []search.Neighbor
		fill, err = a.index.KNN(ctx, vec, k, search.Filters{ExcludeTxnID: txn.TxnID})
		if err == nil {
			seen := make(map[string]bool, len(filtered))
			for _, n := range filtered {
				seen[n.TxnID] = true
			}
			for _, n := range fill {
				if len(filtered) >= k {
					break
				}
				if !seen[n.TxnID] {
					filtered = append(filtered, n)
				}
			}
		}
	}

	elapsed := time.Since(start)
	a.searchDuration.Record(ctx, float64(elapsed.Microseconds())/1000)
	a.emitToolEnd(threadID, "similarity_search", elapsed.Milliseconds(), len(filtered), err)
	return filtered, err
}

// reason puts the case to the reasoner under its own wall clock, with tool
// invocations reported onto the thread's event stream.
func (a *Analyzer) reason(ctx context.Context, threadID uuid.UUID, txn model.Transaction, stage1 model.Stage1Result, neighbors []model.NeighborVerdict) (reasoner.Verdict, error) {
	reasonCtx, cancel := context.WithTimeout(ctx, a.cfg.ReasonerTimeout)
	defer cancel()

	return a.reasoner.Reason(reasonCtx, reasoner.Input{
		Txn:        txn,
		Stage1:     stage1,
		Neighbors:  neighbors,
		Tools:      a.tools,
		ToolBudget: a.cfg.ToolBudget,
		OnToolStart: func(tool, input string) {
			a.emitToolStart(threadID, tool, input)
		},
		OnToolEnd: func(tool string, durationMs int64, resultSize int, err error) {
			a.emitToolEnd(threadID, tool, durationMs, resultSize, err)
		},
	})
}

// degrade produces the conservative fallback result and emits the error.
// Any reasoner failure is a failure to produce structured output within the
// budget and carries the fixed "stage2 timeout" rationale; retrieval failures
// keep their descriptive message.
func (a *Analyzer) degrade(threadID uuid.UUID, txn model.Transaction, stage1 model.Stage1Result, similarIDs []string, toolCalls int, err error, reasonerFailed bool) model.Stage2Result {
	kind := fault.KindOf(err)
	rationale := "stage2 degraded: " + err.Error()
	if reasonerFailed || errors.Is(err, context.DeadlineExceeded) || kind == fault.TimeoutStage2 {
		rationale = "stage2 timeout"
	}

	a.logger.Warn("stage2 degraded",
		"txn_id", txn.TxnID, "fault_kind", string(kind), "error", err)
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventError,
		Payload:  model.ErrorPayload{Kind: string(kind), Message: err.Error()},
	})

	score := stage1.CombinedScore
	if score < 50 {
		score = 50
	}
	return model.Stage2Result{
		SimilarTxnIDs:     similarIDs,
		LLMRecommendation: model.VerdictInvestigate,
		LLMRationale:      rationale,
		Stage2Score:       score,
		Confidence:        0.5,
		ToolCallsUsed:     toolCalls,
	}
}

func (a *Analyzer) emitToolStart(threadID uuid.UUID, tool, input string) {
	if len(input) > 256 {
		input = input[:256]
	}
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventToolCallStart,
		Payload:  model.ToolCallStartPayload{Tool: tool, Input: input},
	})
}

func (a *Analyzer) emitToolEnd(threadID uuid.UUID, tool string, durationMs int64, resultSize int, err error) {
	payload := model.ToolCallEndPayload{Tool: tool, DurationMs: durationMs, ResultSize: resultSize}
	if err != nil {
		payload.Error = err.Error()
	}
	a.streamer.Emit(model.Event{
		ThreadID: threadID,
		Kind:     model.EventToolCallEnd,
		Payload:  payload,
	})
}
