package graph

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
)

// fakeStore serves a fixed edge list the way the storage layer would:
// edges touching the queried entity, in rel_id order.
type fakeStore struct {
	rels  []model.Relationship
	risks map[string]float64
}

func (f *fakeStore) GetRelationships(_ context.Context, entityID string, filter storage.RelationshipFilter) ([]model.Relationship, error) {
	var out []model.Relationship
	for _, r := range f.rels {
		if r.Source.EntityID != entityID && r.Target.EntityID != entityID {
			continue
		}
		if filter.OnlyActive && !r.Active {
			continue
		}
		if r.Confidence < filter.MinConfidence {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeStore) LatestDecisionRisk(_ context.Context, customerIDs []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, id := range customerIDs {
		if score, ok := f.risks[id]; ok {
			out[id] = score
		}
	}
	return out, nil
}

func rel(id, src, dst, relType string, dir model.Direction) model.Relationship {
	return model.Relationship{
		RelID:      id,
		Source:     model.EntityRef{EntityID: src, Type: model.EntityCustomer},
		Target:     model.EntityRef{EntityID: dst, Type: model.EntityCustomer},
		RelType:    relType,
		Direction:  dir,
		Strength:   0.8,
		Confidence: 0.9,
		Active:     true,
	}
}

func newTestBuilder(store Store) *Builder {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBuilder(store, Limits{MaxDepth: 3, MaxNodes: 50}, logger)
}

func TestBuildNetworkBasicTraversal(t *testing.T) {
	store := &fakeStore{rels: []model.Relationship{
		rel("r1", "alice", "bob", "shared_device", model.DirectionBi),
		rel("r2", "bob", "carol", "transfer", model.DirectionUni),
		rel("r3", "carol", "dave", "transfer", model.DirectionUni),
	}}
	b := newTestBuilder(store)

	g, err := b.BuildNetwork(context.Background(), "alice", model.NetworkParams{MaxDepth: 2})
	require.NoError(t, err)

	require.Len(t, g.Nodes, 3) // alice, bob, carol; dave is 3 hops out
	assert.Equal(t, "alice", g.Nodes[0].ID)
	assert.Equal(t, 0, g.Nodes[0].Depth)
	assert.Equal(t, 2, g.MaxDepthReached)
	assert.Len(t, g.Edges, 2)
}

func TestBuildNetworkMergesMirroredEdges(t *testing.T) {
	// A symmetric link stored as two mirrored unidirectional rows must come
	// out as a single bidirectional edge.
	store := &fakeStore{rels: []model.Relationship{
		rel("r1", "alice", "bob", "shared_address", model.DirectionUni),
		rel("r2", "bob", "alice", "shared_address", model.DirectionUni),
	}}
	b := newTestBuilder(store)

	g, err := b.BuildNetwork(context.Background(), "alice", model.NetworkParams{MaxDepth: 1})
	require.NoError(t, err)

	require.Len(t, g.Edges, 1)
	assert.Equal(t, model.DirectionBi, g.Edges[0].Direction)
}

func TestBuildNetworkReverseEdgeNormalized(t *testing.T) {
	store := &fakeStore{rels: []model.Relationship{
		rel("r1", "alice", "bob", "beneficiary", model.DirectionReverse),
	}}
	b := newTestBuilder(store)

	g, err := b.BuildNetwork(context.Background(), "alice", model.NetworkParams{MaxDepth: 1})
	require.NoError(t, err)

	require.Len(t, g.Edges, 1)
	assert.Equal(t, "bob", g.Edges[0].Source)
	assert.Equal(t, "alice", g.Edges[0].Target)
	assert.Equal(t, model.DirectionUni, g.Edges[0].Direction)
}

func TestBuildNetworkDistinctRelTypesKeptSeparate(t *testing.T) {
	store := &fakeStore{rels: []model.Relationship{
		rel("r1", "alice", "bob", "shared_device", model.DirectionUni),
		rel("r2", "alice", "bob", "transfer", model.DirectionUni),
	}}
	b := newTestBuilder(store)

	g, err := b.BuildNetwork(context.Background(), "alice", model.NetworkParams{MaxDepth: 1})
	require.NoError(t, err)
	assert.Len(t, g.Edges, 2)
}

func TestBuildNetworkNodeCap(t *testing.T) {
	store := &fakeStore{rels: []model.Relationship{
		rel("r1", "alice", "bob", "transfer", model.DirectionUni),
		rel("r2", "alice", "carol", "transfer", model.DirectionUni),
		rel("r3", "alice", "dave", "transfer", model.DirectionUni),
	}}
	b := newTestBuilder(store)

	g, err := b.BuildNetwork(context.Background(), "alice", model.NetworkParams{MaxDepth: 1, MaxNodes: 2})
	require.NoError(t, err)

	assert.Len(t, g.Nodes, 2)
	// No dangling edges to capped-out nodes.
	ids := map[string]bool{}
	for _, n := range g.Nodes {
		ids[n.ID] = true
	}
	for _, e := range g.Edges {
		assert.True(t, ids[e.Source], "edge source %s not in node set", e.Source)
		assert.True(t, ids[e.Target], "edge target %s not in node set", e.Target)
	}
}

func TestBuildNetworkDepthClamp(t *testing.T) {
	b := newTestBuilder(&fakeStore{})

	p := b.clamp(model.NetworkParams{MaxDepth: 10, MaxNodes: 9999, MinConfidence: 2})
	assert.Equal(t, 3, p.MaxDepth) // server limit
	assert.Equal(t, 50, p.MaxNodes)
	assert.Equal(t, 1.0, p.MinConfidence)

	p = b.clamp(model.NetworkParams{})
	assert.Equal(t, 3, p.MaxDepth)
	assert.Equal(t, 50, p.MaxNodes)
}

func TestBuildNetworkRiskAnnotation(t *testing.T) {
	store := &fakeStore{
		rels: []model.Relationship{
			rel("r1", "alice", "bob", "transfer", model.DirectionUni),
			rel("r2", "bob", "carol", "transfer", model.DirectionUni),
		},
		risks: map[string]float64{"bob": 90, "carol": 40},
	}
	b := newTestBuilder(store)

	g, err := b.BuildNetwork(context.Background(), "alice", model.NetworkParams{MaxDepth: 2})
	require.NoError(t, err)

	byID := map[string]model.NetworkNode{}
	for _, n := range g.Nodes {
		byID[n.ID] = n
	}
	require.NotNil(t, byID["bob"].RiskScore)
	assert.Equal(t, 90.0, *byID["bob"].RiskScore)
	assert.Equal(t, model.RiskCritical, *byID["bob"].RiskLevel)
	assert.Nil(t, byID["alice"].RiskScore)

	require.NotNil(t, g.RiskSummary)
	assert.Equal(t, 1, g.RiskSummary.HighRiskNodes)
	// Highest decayed contribution: bob at 1 hop, 0.90 * 0.76.
	assert.InDelta(t, 0.684, g.RiskSummary.PropagatedRisk, 0.001)
}

func TestBuildNetworkEmptyCenter(t *testing.T) {
	b := newTestBuilder(&fakeStore{})
	_, err := b.BuildNetwork(context.Background(), "", model.NetworkParams{})
	assert.Error(t, err)
}
