// Package ml implements the light stage-1 anomaly scorer: a logistic model
// over compact behavioral features derived from the transaction, the customer
// profile, and a small window of recent history. Deterministic, bounded to
// [0,1], and never touches the network.
package ml

import (
	"math"
	"strings"
	"time"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// Scorer computes the customer-conditioned anomaly score.
type Scorer struct {
	weights featureWeights
	bias    float64
}

// featureWeights are the logistic model's coefficients. Hand-calibrated so
// that a fully benign transaction sits near 0.1 and a transaction tripping
// every feature saturates toward 1.
type featureWeights struct {
	AmountZ         float64
	HourDeviation   float64
	CategoryNovelty float64
	CountryNovelty  float64
	VelocityCount   float64
	VelocitySum     float64
	DeviceNovelty   float64
}

// NewScorer creates the scorer with the default coefficients.
func NewScorer() *Scorer {
	return &Scorer{
		weights: featureWeights{
			AmountZ:         0.9,
			HourDeviation:   0.6,
			CategoryNovelty: 0.8,
			CountryNovelty:  1.1,
			VelocityCount:   0.7,
			VelocitySum:     0.8,
			DeviceNovelty:   0.5,
		},
		bias: -2.2,
	}
}

// Features are the compact inputs to the logistic model, each normalized
// to roughly [0,1]. Exported so tests and observability can inspect them.
type Features struct {
	AmountZ         float64 `json:"amount_z"`
	HourDeviation   float64 `json:"hour_deviation"`
	CategoryNovelty float64 `json:"category_novelty"`
	CountryNovelty  float64 `json:"country_novelty"`
	VelocityCount   float64 `json:"velocity_count"`
	VelocitySum     float64 `json:"velocity_sum"`
	DeviceNovelty   float64 `json:"device_novelty"`
}

// Score returns the anomaly score in [0,1] and whether a score is available.
// ok is false when there is neither a profile nor recent history to condition
// on; stage 1 then shifts its weighting entirely to rules.
func (s *Scorer) Score(txn model.Transaction, profile *model.CustomerProfile, recent []model.Transaction) (float64, bool) {
	if profile == nil && len(recent) == 0 {
		return 0, false
	}

	f := s.extract(txn, profile, recent)

	z := s.bias +
		s.weights.AmountZ*f.AmountZ +
		s.weights.HourDeviation*f.HourDeviation +
		s.weights.CategoryNovelty*f.CategoryNovelty +
		s.weights.CountryNovelty*f.CountryNovelty +
		s.weights.VelocityCount*f.VelocityCount +
		s.weights.VelocitySum*f.VelocitySum +
		s.weights.DeviceNovelty*f.DeviceNovelty

	return sigmoid(z), true
}

// extract derives the normalized feature vector.
func (s *Scorer) extract(txn model.Transaction, profile *model.CustomerProfile, recent []model.Transaction) Features {
	var f Features

	// Amount z-score against the profile baseline, squashed to [0,1]
	// at 5 standard deviations.
	if profile != nil && profile.StdAmount > 0 {
		z := (txn.Amount - profile.MeanAmount) / profile.StdAmount
		if z > 0 {
			f.AmountZ = math.Min(z/5, 1)
		}
	} else if mean, std := historyStats(recent); std > 0 {
		z := (txn.Amount - mean) / std
		if z > 0 {
			f.AmountZ = math.Min(z/5, 1)
		}
	}

	// Hours outside the active window, normalized at 6h.
	if profile != nil {
		hour := txn.Timestamp.UTC().Hour()
		if !profile.ActiveHours.Contains(hour) {
			f.HourDeviation = math.Min(float64(hourDistance(hour, profile.ActiveHours))/6, 1)
		}
	}

	// Category and country novelty relative to the profile's typical sets.
	if profile != nil {
		if txn.Merchant.Category != "" && len(profile.TypicalCategories) > 0 && !profile.HasCategory(txn.Merchant.Category) {
			f.CategoryNovelty = 1
		}
		if txn.Location.Country != "" && len(profile.TypicalCountries) > 0 && !profile.HasCountry(txn.Location.Country) {
			f.CountryNovelty = 1
		}
	}

	// Velocity over the last 24 hours of history: transaction count
	// (normalized at 20) and spend relative to the daily baseline.
	cutoff := txn.Timestamp.Add(-24 * time.Hour)
	var count int
	var sum float64
	for _, r := range recent {
		if r.TxnID == txn.TxnID || r.Timestamp.Before(cutoff) {
			continue
		}
		count++
		sum += r.Amount
	}
	f.VelocityCount = math.Min(float64(count)/20, 1)
	if profile != nil && profile.MeanAmount > 0 {
		// More than ~8 mean-sized transactions in a day saturates.
		f.VelocitySum = math.Min(sum/(8*profile.MeanAmount), 1)
	}

	// Device novelty: a device id never seen in the recent window.
	if txn.Device != nil && txn.Device.ID != "" && len(recent) > 0 {
		f.DeviceNovelty = 1
		for _, r := range recent {
			if r.Device != nil && strings.EqualFold(r.Device.ID, txn.Device.ID) {
				f.DeviceNovelty = 0
				break
			}
		}
	}

	return f
}

// historyStats computes mean and population std-dev of recent amounts,
// used as a fallback baseline when no profile exists.
func historyStats(recent []model.Transaction) (mean, std float64) {
	if len(recent) < 2 {
		return 0, 0
	}
	for _, r := range recent {
		mean += r.Amount
	}
	mean /= float64(len(recent))
	var variance float64
	for _, r := range recent {
		d := r.Amount - mean
		variance += d * d
	}
	variance /= float64(len(recent))
	return mean, math.Sqrt(variance)
}

// hourDistance is the minimal hour count from hour to the active window.
func hourDistance(hour int, w model.ActiveHours) int {
	best := 24
	for _, edge := range []int{w.Start, w.End} {
		d := hour - edge
		if d < 0 {
			d = -d
		}
		if 24-d < d {
			d = 24 - d
		}
		if d < best {
			best = d
		}
	}
	return best
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
