package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

func TestParseEntry(t *testing.T) {
	txn := model.Transaction{
		TxnID:      "txn-1",
		CustomerID: "cust-1",
		Timestamp:  time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Amount:     320,
		Currency:   "USD",
		Merchant:   model.Merchant{Category: "grocery"},
		Location:   model.Location{Country: "US"},
		Type:       "purchase",
	}
	data, err := json.Marshal(txn)
	require.NoError(t, err)

	got, err := parseEntry(redis.XMessage{ID: "1-0", Values: map[string]any{"data": string(data)}})
	require.NoError(t, err)
	assert.Equal(t, "txn-1", got.TxnID)
	assert.Equal(t, 320.0, got.Amount)
}

func TestParseEntryMissingDataField(t *testing.T) {
	_, err := parseEntry(redis.XMessage{ID: "1-0", Values: map[string]any{"payload": "{}"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data field")
}

func TestParseEntryMalformedJSON(t *testing.T) {
	_, err := parseEntry(redis.XMessage{ID: "1-0", Values: map[string]any{"data": "{not json"}})
	require.Error(t, err)
}
