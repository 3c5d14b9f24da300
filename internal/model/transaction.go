package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Field length limits for caller-supplied transaction fields.
// These keep a single oversized field from exhausting the embedding
// pipeline or filling Postgres TEXT columns with caller-controlled garbage.
const (
	MaxIDLen           = 128
	MaxNameLen         = 256
	MaxCategoryLen     = 100
	MaxFreeTextLen     = 4 * 1024 // 4 KB
	MaxEvidenceItemLen = 1024
)

// Transaction is the unit of analysis. Callers submit it once; the engine
// treats it as immutable from that point on.
type Transaction struct {
	TxnID         string    `json:"txn_id"`
	CustomerID    string    `json:"customer_id"`
	Timestamp     time.Time `json:"timestamp"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Merchant      Merchant  `json:"merchant"`
	Location      Location  `json:"location"`
	Device        *Device   `json:"device,omitempty"`
	Type          string    `json:"type"`
	PaymentMethod string    `json:"payment_method"`
	Status        string    `json:"status,omitempty"`
}

// Merchant identifies the counterparty of a transaction.
type Merchant struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Category string `json:"category"`
}

// Location is where the transaction originated.
type Location struct {
	Country string       `json:"country,omitempty"` // ISO 3166-1 alpha-2
	City    string       `json:"city,omitempty"`
	Coords  *Coordinates `json:"coords,omitempty"`
}

// Coordinates is an optional lat/lon pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Device describes the originating device, when known.
type Device struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type,omitempty"`
	OS      string `json:"os,omitempty"`
	Browser string `json:"browser,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// Validate checks the fields the engine depends on. A non-nil error means
// the transaction is rejected before any stage runs.
func (t Transaction) Validate() error {
	if t.TxnID == "" {
		return fmt.Errorf("txn_id is required")
	}
	if len(t.TxnID) > MaxIDLen {
		return fmt.Errorf("txn_id exceeds maximum length of %d characters", MaxIDLen)
	}
	if t.CustomerID == "" {
		return fmt.Errorf("customer_id is required")
	}
	if len(t.CustomerID) > MaxIDLen {
		return fmt.Errorf("customer_id exceeds maximum length of %d characters", MaxIDLen)
	}
	if t.Amount < 0 {
		return fmt.Errorf("amount must be non-negative")
	}
	if t.Currency != "" && len(t.Currency) != 3 {
		return fmt.Errorf("currency must be a 3-letter ISO 4217 code (got %q)", t.Currency)
	}
	if len(t.Merchant.Name) > MaxNameLen {
		return fmt.Errorf("merchant.name exceeds maximum length of %d characters", MaxNameLen)
	}
	if len(t.Merchant.Category) > MaxCategoryLen {
		return fmt.Errorf("merchant.category exceeds maximum length of %d characters", MaxCategoryLen)
	}
	if t.Location.Country != "" && len(t.Location.Country) != 2 {
		return fmt.Errorf("location.country must be a 2-letter ISO 3166-1 code (got %q)", t.Location.Country)
	}
	return nil
}

// CanonicalText renders the transaction into the text that gets embedded.
// It is the single source of that representation: the indexing path and the
// query path both call it, so the same transaction always produces the same
// bytes. Only fields that carry fraud signal go in; ids and timestamps stay
// out so that similar behavior embeds close together regardless of when or
// by whom it happened.
func (t Transaction) CanonicalText() string {
	var b strings.Builder
	b.WriteString(canonicalField(t.Type, "purchase"))
	b.WriteString(" of ")
	b.WriteString(strconv.FormatFloat(t.Amount, 'f', 2, 64))
	b.WriteString(" ")
	b.WriteString(strings.ToUpper(canonicalField(t.Currency, "unknown-currency")))
	b.WriteString(" at ")
	b.WriteString(canonicalField(t.Merchant.Category, "unknown-category"))
	b.WriteString(" merchant in ")
	b.WriteString(strings.ToUpper(canonicalField(t.Location.Country, "unknown-country")))
	b.WriteString(" via ")
	b.WriteString(canonicalField(t.PaymentMethod, "unknown-method"))
	return b.String()
}

func canonicalField(s, fallback string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return fallback
	}
	return s
}

// ActiveHours is the customer's usual transacting window, hours in UTC.
// Start may exceed End for windows that wrap midnight.
type ActiveHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour (0-23) falls inside the window.
func (h ActiveHours) Contains(hour int) bool {
	if h.Start <= h.End {
		return hour >= h.Start && hour <= h.End
	}
	return hour >= h.Start || hour <= h.End
}

// CustomerProfile is the behavioral baseline read at analysis time.
// Profiles are maintained out of band and may be stale; the engine treats
// them as read-only.
type CustomerProfile struct {
	CustomerID        string      `json:"customer_id"`
	MeanAmount        float64     `json:"mean_amount"`
	StdAmount         float64     `json:"std_amount"`
	TypicalCategories []string    `json:"typical_categories,omitempty"`
	TypicalCountries  []string    `json:"typical_countries,omitempty"`
	ActiveHours       ActiveHours `json:"active_hours"`
	Status            string      `json:"status,omitempty"` // active, dormant, closed
	RiskScore         *float64    `json:"risk_score,omitempty"`
	UpdatedAt         time.Time   `json:"updated_at,omitempty"`
}

// HasCategory reports whether cat is one of the customer's typical categories.
// Comparison is case-insensitive.
func (p *CustomerProfile) HasCategory(cat string) bool {
	for _, c := range p.TypicalCategories {
		if strings.EqualFold(c, cat) {
			return true
		}
	}
	return false
}

// HasCountry reports whether country is one the customer usually transacts from.
func (p *CustomerProfile) HasCountry(country string) bool {
	for _, c := range p.TypicalCountries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}
