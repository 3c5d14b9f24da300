package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// GetProfile retrieves a customer's behavioral baseline.
// Returns ErrNotFound when no profile exists; callers degrade to a
// zero-baseline analysis rather than failing the request.
func (db *DB) GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error) {
	var p model.CustomerProfile
	err := db.pool.QueryRow(ctx,
		`SELECT customer_id, mean_amount, std_amount, typical_categories,
		 typical_countries, active_start, active_end, status, risk_score, updated_at
		 FROM customer_profiles WHERE customer_id = $1`, customerID,
	).Scan(
		&p.CustomerID, &p.MeanAmount, &p.StdAmount, &p.TypicalCategories,
		&p.TypicalCountries, &p.ActiveHours.Start, &p.ActiveHours.End,
		&p.Status, &p.RiskScore, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.CustomerProfile{}, ErrNotFound
		}
		return model.CustomerProfile{}, fmt.Errorf("storage: get profile: %w", err)
	}
	return p, nil
}

// UpsertProfile writes a customer profile, replacing any existing row.
// Profiles are maintained out of band (batch jobs, seeding); the engine
// itself only reads them.
func (db *DB) UpsertProfile(ctx context.Context, p model.CustomerProfile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO customer_profiles (customer_id, mean_amount, std_amount,
		 typical_categories, typical_countries, active_start, active_end,
		 status, risk_score, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (customer_id) DO UPDATE SET
		   mean_amount = EXCLUDED.mean_amount,
		   std_amount = EXCLUDED.std_amount,
		   typical_categories = EXCLUDED.typical_categories,
		   typical_countries = EXCLUDED.typical_countries,
		   active_start = EXCLUDED.active_start,
		   active_end = EXCLUDED.active_end,
		   status = EXCLUDED.status,
		   risk_score = EXCLUDED.risk_score,
		   updated_at = EXCLUDED.updated_at`,
		p.CustomerID, p.MeanAmount, p.StdAmount, p.TypicalCategories,
		p.TypicalCountries, p.ActiveHours.Start, p.ActiveHours.End,
		p.Status, p.RiskScore, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert profile: %w", err)
	}
	return nil
}
