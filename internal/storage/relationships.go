package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// RelationshipFilter narrows a GetRelationships query. The zero value
// matches every stored edge touching the entity.
type RelationshipFilter struct {
	MinConfidence float64
	OnlyActive    bool
	Types         []string
}

// GetRelationships returns every edge where the entity appears as either
// endpoint, matching the filter. Ordering is stable (rel_id) so graph
// traversal is deterministic for a given store snapshot.
func (db *DB) GetRelationships(ctx context.Context, entityID string, filter RelationshipFilter) ([]model.Relationship, error) {
	conditions := []string{"(source_id = $1 OR target_id = $1)"}
	args := []any{entityID}
	idx := 2

	if filter.MinConfidence > 0 {
		conditions = append(conditions, fmt.Sprintf("confidence >= $%d", idx))
		args = append(args, filter.MinConfidence)
		idx++
	}
	if filter.OnlyActive {
		conditions = append(conditions, "active")
	}
	if len(filter.Types) > 0 {
		conditions = append(conditions, fmt.Sprintf("rel_type = ANY($%d)", idx))
		args = append(args, filter.Types)
	}

	query := `SELECT rel_id, source_id, source_type, target_id, target_type,
	 rel_type, direction, strength, confidence, active, verified, evidence,
	 valid_from, valid_to
	 FROM relationships WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY rel_id`

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: get relationships: %w", err)
	}
	defer rows.Close()

	var rels []model.Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan relationship: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// UpsertRelationship writes an edge, replacing any existing row with the
// same rel_id. Used by seeding and entity-resolution imports.
func (db *DB) UpsertRelationship(ctx context.Context, r model.Relationship) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO relationships (rel_id, source_id, source_type, target_id,
		 target_type, rel_type, direction, strength, confidence, active,
		 verified, evidence, valid_from, valid_to)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (rel_id) DO UPDATE SET
		   direction = EXCLUDED.direction,
		   strength = EXCLUDED.strength,
		   confidence = EXCLUDED.confidence,
		   active = EXCLUDED.active,
		   verified = EXCLUDED.verified,
		   evidence = EXCLUDED.evidence,
		   valid_from = EXCLUDED.valid_from,
		   valid_to = EXCLUDED.valid_to`,
		r.RelID, r.Source.EntityID, string(r.Source.Type),
		r.Target.EntityID, string(r.Target.Type),
		r.RelType, string(r.Direction), r.Strength, r.Confidence,
		r.Active, r.Verified, r.Evidence, r.ValidFrom, r.ValidTo,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert relationship: %w", err)
	}
	return nil
}

// LatestDecisionRisk returns, for each customer id that has at least one
// final decision, the risk score of the most recent one. Graph traversal
// uses it to annotate customer nodes.
func (db *DB) LatestDecisionRisk(ctx context.Context, customerIDs []string) (map[string]float64, error) {
	if len(customerIDs) == 0 {
		return map[string]float64{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (t.customer_id) t.customer_id, d.risk_score
		 FROM decisions d
		 JOIN transactions t ON t.txn_id = d.txn_id
		 WHERE t.customer_id = ANY($1) AND d.status = 'final'
		 ORDER BY t.customer_id, d.created_at DESC`, customerIDs)
	if err != nil {
		return nil, fmt.Errorf("storage: latest decision risk: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, fmt.Errorf("storage: scan decision risk: %w", err)
		}
		out[id] = score
	}
	return out, rows.Err()
}

func scanRelationship(rows pgx.Rows) (model.Relationship, error) {
	var r model.Relationship
	var sourceType, targetType, direction string
	var validFrom, validTo *time.Time
	err := rows.Scan(
		&r.RelID, &r.Source.EntityID, &sourceType, &r.Target.EntityID, &targetType,
		&r.RelType, &direction, &r.Strength, &r.Confidence, &r.Active,
		&r.Verified, &r.Evidence, &validFrom, &validTo,
	)
	if err != nil {
		return model.Relationship{}, err
	}
	r.Source.Type = model.EntityType(sourceType)
	r.Target.Type = model.EntityType(targetType)
	r.Direction = model.Direction(direction)
	r.ValidFrom = validFrom
	r.ValidTo = validTo
	return r, nil
}
