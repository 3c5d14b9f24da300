package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// InsertDecision persists the stage-1 decision for a thread. For decisions
// awaiting stage 2 the row carries status pending_stage2 and is later
// finalized exactly once by FinalizeDecision.
func (db *DB) InsertDecision(ctx context.Context, d model.Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO decisions (thread_id, txn_id, verdict, risk_level, risk_score,
		 confidence, stage_completed, reasoning, status, created_at, finalized_at,
		 total_elapsed_ms, stage1, stage2)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ThreadID, d.TxnID, string(d.Verdict), string(d.RiskLevel), d.RiskScore,
		d.Confidence, d.StageCompleted, d.Reasoning, string(d.Status),
		d.CreatedAt, d.FinalizedAt, d.TotalElapsedMs, d.Stage1, d.Stage2,
	)
	if err != nil {
		return fmt.Errorf("storage: insert decision: %w", err)
	}
	return nil
}

// FinalizeDecision promotes a pending decision to final. The conditional
// UPDATE makes the write-once guarantee hold even when stage 2 completion
// and expiry race: the first writer wins, later attempts report false.
func (db *DB) FinalizeDecision(ctx context.Context, d model.Decision) (bool, error) {
	now := time.Now().UTC()
	if d.FinalizedAt == nil {
		d.FinalizedAt = &now
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET
		   verdict = $2, risk_level = $3, risk_score = $4, confidence = $5,
		   stage_completed = $6, reasoning = $7, status = 'final',
		   finalized_at = $8, total_elapsed_ms = $9, stage2 = $10
		 WHERE thread_id = $1 AND status = 'pending_stage2'`,
		d.ThreadID, string(d.Verdict), string(d.RiskLevel), d.RiskScore,
		d.Confidence, d.StageCompleted, d.Reasoning, d.FinalizedAt,
		d.TotalElapsedMs, d.Stage2,
	)
	if err != nil {
		return false, fmt.Errorf("storage: finalize decision: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetDecisionByThread retrieves the decision for a thread, provisional or final.
func (db *DB) GetDecisionByThread(ctx context.Context, threadID uuid.UUID) (model.Decision, error) {
	row := db.pool.QueryRow(ctx, decisionSelect+` WHERE thread_id = $1`, threadID)
	d, err := scanDecision(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision by thread: %w", err)
	}
	return d, nil
}

// LatestDecisionForTxn returns the most recent decision for a txn_id,
// used for the idempotent re-analysis path after a restart.
func (db *DB) LatestDecisionForTxn(ctx context.Context, txnID string) (model.Decision, error) {
	row := db.pool.QueryRow(ctx,
		decisionSelect+` WHERE txn_id = $1 ORDER BY created_at DESC LIMIT 1`, txnID)
	d, err := scanDecision(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: latest decision for txn: %w", err)
	}
	return d, nil
}

// RecentDecisions returns the most recently created decisions, newest first.
func (db *DB) RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		decisionSelect+` ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PendingDecisions returns decisions still awaiting stage 2, oldest first.
// Journal recovery cross-checks this set on startup.
func (db *DB) PendingDecisions(ctx context.Context) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		decisionSelect+` WHERE status = 'pending_stage2' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage: pending decisions: %w", err)
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const decisionSelect = `SELECT thread_id, txn_id, verdict, risk_level, risk_score,
 confidence, stage_completed, reasoning, status, created_at, finalized_at,
 total_elapsed_ms, stage1, stage2
 FROM decisions`

func scanDecision(row pgx.Row) (model.Decision, error) {
	var d model.Decision
	var verdict, level, status string
	err := row.Scan(
		&d.ThreadID, &d.TxnID, &verdict, &level, &d.RiskScore,
		&d.Confidence, &d.StageCompleted, &d.Reasoning, &status,
		&d.CreatedAt, &d.FinalizedAt, &d.TotalElapsedMs, &d.Stage1, &d.Stage2,
	)
	if err != nil {
		return model.Decision{}, err
	}
	d.Verdict = model.Verdict(verdict)
	d.RiskLevel = model.RiskLevel(level)
	d.Status = model.DecisionStatus(status)
	return d, nil
}
