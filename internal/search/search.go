// Package search provides the k-nearest-neighbor transaction index, backed
// by Qdrant when configured and by exact pgvector search in Postgres
// otherwise. Application code never computes cosine similarity itself; it
// goes through an Index implementation.
package search

import (
	"context"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Neighbor is one retrieved historical transaction with its similarity to
// the query vector. Similarity is cosine, clamped to [0,1].
type Neighbor struct {
	TxnID      string
	Similarity float64
}

// Filters narrows a KNN query. Zero-valued fields are ignored.
type Filters struct {
	CustomerID   string
	Category     string
	Country      string
	ExcludeTxnID string // stripped from results (the query transaction itself)
	Since        *time.Time
}

// Point is the data needed to upsert a single transaction into the index.
// The point ID derives from TxnID, so re-upserting is idempotent.
type Point struct {
	TxnID      string
	CustomerID string
	Category   string
	Country    string
	Amount     float64
	Timestamp  time.Time
	Embedding  []float32
}

// Index is the vector index over historical transactions.
// Implementations must be safe for concurrent use. The index is eventually
// consistent: results may omit very recent inserts.
type Index interface {
	// Upsert inserts or replaces points. Idempotent by point ID.
	Upsert(ctx context.Context, points []Point) error

	// KNN returns up to k nearest transactions by cosine similarity,
	// matching the filters. A dimension mismatch between the query vector
	// and the index returns a fault.IndexSkew error.
	KNN(ctx context.Context, vec pgvector.Vector, k int, filters Filters) ([]Neighbor, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error

	// Close releases the index connection.
	Close() error
}
