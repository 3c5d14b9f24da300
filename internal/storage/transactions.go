package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// InsertTransactionWithOutbox upserts a transaction row together with its
// embedding and enqueues an index_outbox row in the same database
// transaction. The outbox worker later pushes the point to the vector index;
// because point IDs derive from txn_id, re-sending after a crash is harmless.
// A nil embedding stores the row without a vector (the outbox row is skipped,
// since there is nothing to index).
func (db *DB) InsertTransactionWithOutbox(ctx context.Context, txn model.Transaction, embedding *pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin transaction insert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO transactions (txn_id, customer_id, ts, amount, currency,
		 merchant_id, merchant_name, merchant_category, country, city, device,
		 txn_type, payment_method, status, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (txn_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   embedding = COALESCE(EXCLUDED.embedding, transactions.embedding)`,
		txn.TxnID, txn.CustomerID, txn.Timestamp.UTC(), txn.Amount, txn.Currency,
		txn.Merchant.ID, txn.Merchant.Name, txn.Merchant.Category,
		txn.Location.Country, txn.Location.City, txn.Device,
		txn.Type, txn.PaymentMethod, txn.Status, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: insert transaction: %w", err)
	}

	if embedding != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO index_outbox (txn_id) VALUES ($1)`, txn.TxnID,
		); err != nil {
			return fmt.Errorf("storage: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit transaction insert: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by id.
func (db *DB) GetTransaction(ctx context.Context, txnID string) (model.Transaction, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT txn_id, customer_id, ts, amount, currency, merchant_id,
		 merchant_name, merchant_category, country, city, device,
		 txn_type, payment_method, status
		 FROM transactions WHERE txn_id = $1`, txnID)
	txn, err := scanTransaction(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Transaction{}, ErrNotFound
		}
		return model.Transaction{}, fmt.Errorf("storage: get transaction: %w", err)
	}
	return txn, nil
}

// RecentTransactions returns a customer's transactions newer than now-window,
// most recent first, capped at limit rows. A limit <= 0 defaults to 100.
func (db *DB) RecentTransactions(ctx context.Context, customerID string, window time.Duration, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT txn_id, customer_id, ts, amount, currency, merchant_id,
		 merchant_name, merchant_category, country, city, device,
		 txn_type, payment_method, status
		 FROM transactions
		 WHERE customer_id = $1 AND ts >= $2
		 ORDER BY ts DESC
		 LIMIT $3`,
		customerID, time.Now().UTC().Add(-window), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent transactions: %w", err)
	}
	defer rows.Close()

	var txns []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// TransactionsWithVerdicts hydrates retrieved neighbor ids with their stored
// transaction fields and, when the neighbor was previously analyzed, the
// latest decision's verdict, risk score, and rule flags. Unknown ids are
// silently omitted; the caller keeps its own similarity scores.
func (db *DB) TransactionsWithVerdicts(ctx context.Context, txnIDs []string) (map[string]model.NeighborVerdict, error) {
	if len(txnIDs) == 0 {
		return map[string]model.NeighborVerdict{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT t.txn_id, t.amount, t.currency, t.merchant_category, t.country,
		 d.verdict, d.risk_score, d.stage1
		 FROM transactions t
		 LEFT JOIN LATERAL (
		   SELECT verdict, risk_score, stage1 FROM decisions
		   WHERE txn_id = t.txn_id AND status = 'final'
		   ORDER BY created_at DESC LIMIT 1
		 ) d ON true
		 WHERE t.txn_id = ANY($1)`, txnIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: transactions with verdicts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.NeighborVerdict, len(txnIDs))
	for rows.Next() {
		var nv model.NeighborVerdict
		var verdict *string
		var stage1 *model.Stage1Result
		if err := rows.Scan(&nv.TxnID, &nv.Amount, &nv.Currency, &nv.Category, &nv.Country,
			&verdict, &nv.RiskScore, &stage1); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor: %w", err)
		}
		if verdict != nil {
			nv.Verdict = model.Verdict(*verdict)
		}
		if stage1 != nil {
			nv.Flags = stage1.RuleFlags
		}
		out[nv.TxnID] = nv
	}
	return out, rows.Err()
}

// scanTransaction reads one transaction row. The device column is JSONB and
// scans straight into the Device struct (nil when absent).
func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var txn model.Transaction
	var merchantID, merchantName, merchantCategory *string
	var country, city, currency, txnType, payMethod, status *string
	err := row.Scan(
		&txn.TxnID, &txn.CustomerID, &txn.Timestamp, &txn.Amount, &currency,
		&merchantID, &merchantName, &merchantCategory, &country, &city,
		&txn.Device, &txnType, &payMethod, &status,
	)
	if err != nil {
		return model.Transaction{}, err
	}
	txn.Currency = deref(currency)
	txn.Merchant = model.Merchant{ID: deref(merchantID), Name: deref(merchantName), Category: deref(merchantCategory)}
	txn.Location = model.Location{Country: deref(country), City: deref(city)}
	txn.Type = deref(txnType)
	txn.PaymentMethod = deref(payMethod)
	txn.Status = deref(status)
	return txn, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
