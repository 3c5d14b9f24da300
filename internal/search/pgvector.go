package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
)

// PGVectorIndex implements Index with exact cosine search over the
// transactions table in Postgres. It is the fallback when no Qdrant URL is
// configured: slower than ANN but correct, and good enough for development
// and modest history sizes.
type PGVectorIndex struct {
	pool *pgxpool.Pool
	dims int
}

// NewPGVectorIndex creates the fallback index over an existing pool.
func NewPGVectorIndex(pool *pgxpool.Pool, dims int) *PGVectorIndex {
	return &PGVectorIndex{pool: pool, dims: dims}
}

// Upsert writes the embeddings onto their transaction rows. The history
// writer already stores embeddings at insert time, so this is usually a
// no-op; it exists so outbox retries converge regardless of which path
// stored the row first.
func (p *PGVectorIndex) Upsert(ctx context.Context, points []Point) error {
	for _, pt := range points {
		if len(pt.Embedding) != p.dims {
			return fault.Newf(fault.IndexSkew,
				"search: point %s has %d dims, index expects %d", pt.TxnID, len(pt.Embedding), p.dims)
		}
		if _, err := p.pool.Exec(ctx,
			`UPDATE transactions SET embedding = $2 WHERE txn_id = $1 AND embedding IS NULL`,
			pt.TxnID, pgvector.NewVector(pt.Embedding),
		); err != nil {
			return fault.Wrap(fault.UpstreamTransient, "search: pgvector upsert", err)
		}
	}
	return nil
}

// KNN runs an exact cosine scan with the given filters. The <=> operator is
// cosine distance; similarity is 1-distance, clamped to [0,1].
func (p *PGVectorIndex) KNN(ctx context.Context, vec pgvector.Vector, k int, filters Filters) ([]Neighbor, error) {
	if len(vec.Slice()) != p.dims {
		return nil, fault.Newf(fault.IndexSkew,
			"search: query vector has %d dims, index expects %d", len(vec.Slice()), p.dims)
	}
	if k <= 0 {
		return nil, nil
	}

	conditions := []string{"embedding IS NOT NULL"}
	args := []any{vec}
	idx := 2

	addCond := func(cond string, val any) {
		conditions = append(conditions, fmt.Sprintf(cond, idx))
		args = append(args, val)
		idx++
	}
	if filters.CustomerID != "" {
		addCond("customer_id = $%d", filters.CustomerID)
	}
	if filters.Category != "" {
		addCond("merchant_category = $%d", filters.Category)
	}
	if filters.Country != "" {
		addCond("country = $%d", filters.Country)
	}
	if filters.ExcludeTxnID != "" {
		addCond("txn_id <> $%d", filters.ExcludeTxnID)
	}
	if filters.Since != nil {
		addCond("ts >= $%d", *filters.Since)
	}

	query := fmt.Sprintf(
		`SELECT txn_id, 1 - (embedding <=> $1) AS similarity
		 FROM transactions
		 WHERE %s
		 ORDER BY embedding <=> $1
		 LIMIT %d`,
		strings.Join(conditions, " AND "), k,
	)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.UpstreamTransient, "search: pgvector knn", err)
	}
	defer rows.Close()

	var neighbors []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(&n.TxnID, &n.Similarity); err != nil {
			return nil, fmt.Errorf("search: scan neighbor: %w", err)
		}
		n.Similarity = clampSimilarity(n.Similarity)
		neighbors = append(neighbors, n)
	}
	return neighbors, rows.Err()
}

// Healthy reports whether Postgres is reachable.
func (p *PGVectorIndex) Healthy(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("search: pgvector unhealthy: %w", err)
	}
	return nil
}

// Close is a no-op; the pool is owned by the storage layer.
func (p *PGVectorIndex) Close() error { return nil }
