package reasoner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
)

// stubStore backs toolset tests with canned data.
type stubStore struct {
	profileErr error
	rels       []model.Relationship
}

func (s *stubStore) GetProfile(_ context.Context, customerID string) (model.CustomerProfile, error) {
	if s.profileErr != nil {
		return model.CustomerProfile{}, s.profileErr
	}
	return model.CustomerProfile{CustomerID: customerID, MeanAmount: 120, StdAmount: 40, Status: "active"}, nil
}

func (s *stubStore) GetRelationships(_ context.Context, _ string, _ storage.RelationshipFilter) ([]model.Relationship, error) {
	return s.rels, nil
}

func (s *stubStore) TransactionsWithVerdicts(_ context.Context, txnIDs []string) (map[string]model.NeighborVerdict, error) {
	out := make(map[string]model.NeighborVerdict)
	for _, id := range txnIDs {
		out[id] = model.NeighborVerdict{TxnID: id, Verdict: model.VerdictApprove}
	}
	return out, nil
}

func TestToolsetFunctionSpecs(t *testing.T) {
	ts := NewToolset(&stubStore{}, nil, nil)

	specs, err := ts.FunctionSpecs()
	require.NoError(t, err)
	require.Len(t, specs, 3)

	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
		assert.NotEmpty(t, s.Description)

		var schema map[string]any
		require.NoError(t, json.Unmarshal(s.Parameters, &schema))
		assert.Equal(t, "object", schema["type"])
		assert.NotEmpty(t, schema["properties"])
	}
	assert.Equal(t, []string{"lookup_customer", "lookup_relationships", "lookup_similar_by_text"}, names)
}

func TestToolsetLookupCustomer(t *testing.T) {
	ts := NewToolset(&stubStore{}, nil, nil)

	out, err := ts.Call(context.Background(), "lookup_customer", map[string]any{"customer_id": "cust-1"})
	require.NoError(t, err)

	var result struct {
		Exists  bool                  `json:"exists"`
		Profile model.CustomerProfile `json:"profile"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.True(t, result.Exists)
	assert.Equal(t, "cust-1", result.Profile.CustomerID)
}

func TestToolsetLookupCustomerMissing(t *testing.T) {
	ts := NewToolset(&stubStore{profileErr: storage.ErrNotFound}, nil, nil)

	out, err := ts.Call(context.Background(), "lookup_customer", map[string]any{"customer_id": "nobody"})
	require.NoError(t, err)
	assert.Contains(t, out, `"exists":false`)
}

func TestToolsetLookupCustomerMissingArg(t *testing.T) {
	ts := NewToolset(&stubStore{}, nil, nil)
	_, err := ts.Call(context.Background(), "lookup_customer", map[string]any{})
	assert.Error(t, err)
}

func TestToolsetSimilarWithoutIndex(t *testing.T) {
	// No vector index configured: the tool reports unavailability instead
	// of erroring, so the model can proceed without retrieval.
	ts := NewToolset(&stubStore{}, nil, nil)

	out, err := ts.Call(context.Background(), "lookup_similar_by_text", map[string]any{"text": "large crypto purchase"})
	require.NoError(t, err)
	assert.Contains(t, out, `"available":false`)
}

func TestToolsetUnknownTool(t *testing.T) {
	ts := NewToolset(&stubStore{}, nil, nil)
	_, err := ts.Call(context.Background(), "drop_tables", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}
