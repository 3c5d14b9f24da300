// Package graph builds bounded relationship networks around an entity:
// breadth-first traversal over the stored edge set with de-duplication of
// mirrored bidirectional edges, a node cap, and decision-risk annotation of
// the traversed neighborhood.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
)

// riskDecayPerHop attenuates a neighbor's decision risk by distance when
// aggregating the propagated-risk summary.
const riskDecayPerHop = 0.76

// summaryHops bounds the risk summary to close neighbors.
const summaryHops = 2

// Limits are the server-side caps traversal parameters are clamped against.
type Limits struct {
	MaxDepth int
	MaxNodes int
}

// Store is the slice of the storage layer traversal needs. *storage.DB
// satisfies it.
type Store interface {
	GetRelationships(ctx context.Context, entityID string, filter storage.RelationshipFilter) ([]model.Relationship, error)
	LatestDecisionRisk(ctx context.Context, customerIDs []string) (map[string]float64, error)
}

// Builder runs network traversals against the relationship store.
type Builder struct {
	db     Store
	limits Limits
	logger *slog.Logger
}

// NewBuilder creates a graph builder.
func NewBuilder(db Store, limits Limits, logger *slog.Logger) *Builder {
	return &Builder{db: db, limits: limits, logger: logger.With("component", "graph")}
}

// BuildNetwork runs a breadth-first traversal from center. Parameters are
// clamped against the server limits; a zero MaxDepth or MaxNodes takes the
// server default. Output ordering is deterministic for a given store state.
func (b *Builder) BuildNetwork(ctx context.Context, center string, params model.NetworkParams) (*model.NetworkGraph, error) {
	if center == "" {
		return nil, fmt.Errorf("graph: center entity id is required")
	}
	params = b.clamp(params)
	start := time.Now()

	filter := storage.RelationshipFilter{
		MinConfidence: params.MinConfidence,
		OnlyActive:    params.OnlyActive,
		Types:         params.RelationshipTypes,
	}

	type visit struct {
		id    string
		depth int
	}

	nodes := map[string]*model.NetworkNode{
		center: {ID: center, Label: center, EntityType: model.EntityCustomer, Depth: 0},
	}
	edges := make(map[string]*model.NetworkEdge)
	maxDepthReached := 0

	frontier := []visit{{id: center, depth: 0}}
	for len(frontier) > 0 && frontier[0].depth < params.MaxDepth {
		v := frontier[0]
		frontier = frontier[1:]

		rels, err := b.db.GetRelationships(ctx, v.id, filter)
		if err != nil {
			return nil, fmt.Errorf("graph: expand %s: %w", v.id, err)
		}

		for _, rel := range rels {
			b.mergeEdge(edges, rel)

			other, otherType := otherEndpoint(rel, v.id)
			if other == "" {
				continue
			}
			if _, seen := nodes[other]; seen {
				continue
			}
			if len(nodes) >= params.MaxNodes {
				continue
			}
			depth := v.depth + 1
			nodes[other] = &model.NetworkNode{
				ID:         other,
				Label:      other,
				EntityType: otherType,
				Depth:      depth,
			}
			if depth > maxDepthReached {
				maxDepthReached = depth
			}
			frontier = append(frontier, visit{id: other, depth: depth})
		}
	}

	graph := &model.NetworkGraph{
		CenterEntityID:  center,
		MaxDepthReached: maxDepthReached,
	}
	b.annotateRisk(ctx, nodes, graph)

	// Drop edges whose far endpoint was rejected by the node cap.
	for key, e := range edges {
		if nodes[e.Source] == nil || nodes[e.Target] == nil {
			delete(edges, key)
		}
	}

	graph.Nodes = sortedNodes(nodes)
	graph.Edges = sortedEdges(edges)
	graph.ElapsedMs = time.Since(start).Milliseconds()

	b.logger.Debug("network built",
		"center", center,
		"nodes", len(graph.Nodes),
		"edges", len(graph.Edges),
		"max_depth_reached", graph.MaxDepthReached,
		"elapsed_ms", graph.ElapsedMs,
	)
	return graph, nil
}

// clamp bounds traversal parameters against the server limits.
func (b *Builder) clamp(p model.NetworkParams) model.NetworkParams {
	if p.MaxDepth <= 0 || p.MaxDepth > b.limits.MaxDepth {
		p.MaxDepth = b.limits.MaxDepth
	}
	if p.MaxDepth > 4 {
		p.MaxDepth = 4
	}
	if p.MaxNodes <= 0 || p.MaxNodes > b.limits.MaxNodes {
		p.MaxNodes = b.limits.MaxNodes
	}
	if p.MinConfidence < 0 {
		p.MinConfidence = 0
	}
	if p.MinConfidence > 1 {
		p.MinConfidence = 1
	}
	return p
}

// edgeKey canonicalizes an edge so the two mirrored rows of a bidirectional
// relationship collapse into one: endpoints sorted, plus the relationship type.
func edgeKey(a, c, relType string) string {
	if a > c {
		a, c = c, a
	}
	return a + "|" + c + "|" + relType
}

// mergeEdge folds a stored edge into the de-duplicated edge set. When both
// mirrored representations of a link are seen, or the stored direction is
// already mutual, the merged edge reads bidirectional.
func (b *Builder) mergeEdge(edges map[string]*model.NetworkEdge, rel model.Relationship) {
	src, dst := rel.Source.EntityID, rel.Target.EntityID
	dir := rel.Direction
	if dir == model.DirectionReverse {
		src, dst = dst, src
		dir = model.DirectionUni
	}

	key := edgeKey(src, dst, rel.RelType)
	existing, ok := edges[key]
	if !ok {
		edges[key] = &model.NetworkEdge{
			ID:        key,
			Source:    src,
			Target:    dst,
			RelType:   rel.RelType,
			Direction: dir,
			Strength:  rel.Strength,
			Verified:  rel.Verified,
		}
		return
	}

	// Second sighting with swapped endpoints means the link is symmetric.
	if existing.Direction != model.DirectionBi &&
		(dir == model.DirectionBi || existing.Source != src) {
		existing.Direction = model.DirectionBi
	}
	if rel.Strength > existing.Strength {
		existing.Strength = rel.Strength
	}
	existing.Verified = existing.Verified || rel.Verified
}

// otherEndpoint returns the endpoint of rel that is not id.
func otherEndpoint(rel model.Relationship, id string) (string, model.EntityType) {
	if rel.Source.EntityID == id {
		return rel.Target.EntityID, rel.Target.Type
	}
	if rel.Target.EntityID == id {
		return rel.Source.EntityID, rel.Source.Type
	}
	return "", ""
}

// annotateRisk attaches each customer node's latest decision risk and fills
// the graph's aggregate risk summary. Lookup failures degrade to an
// unannotated graph rather than failing the traversal.
func (b *Builder) annotateRisk(ctx context.Context, nodes map[string]*model.NetworkNode, graph *model.NetworkGraph) {
	var customerIDs []string
	for _, n := range nodes {
		if n.EntityType == model.EntityCustomer {
			customerIDs = append(customerIDs, n.ID)
		}
	}
	if len(customerIDs) == 0 {
		return
	}

	risks, err := b.db.LatestDecisionRisk(ctx, customerIDs)
	if err != nil {
		b.logger.Warn("risk annotation skipped", "error", err)
		return
	}

	summary := &model.NetworkRiskSummary{}
	var propagated float64
	for _, n := range nodes {
		score, ok := risks[n.ID]
		if !ok {
			continue
		}
		s := score
		level := model.RiskLevelFor(s)
		n.RiskScore = &s
		n.RiskLevel = &level

		if n.Depth == 0 || n.Depth > summaryHops {
			continue
		}
		if level == model.RiskHigh || level == model.RiskCritical {
			summary.HighRiskNodes++
		}
		decay := 1.0
		for i := 0; i < n.Depth; i++ {
			decay *= riskDecayPerHop
		}
		contribution := (s / 100) * decay
		if contribution > propagated {
			propagated = contribution
		}
	}
	summary.PropagatedRisk = propagated
	graph.RiskSummary = summary
}

// sortedNodes orders nodes by depth, then id, so output is stable.
func sortedNodes(nodes map[string]*model.NetworkNode) []model.NetworkNode {
	out := make([]model.NetworkNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// sortedEdges orders edges by canonical id.
func sortedEdges(edges map[string]*model.NetworkEdge) []model.NetworkEdge {
	out := make([]model.NetworkEdge, 0, len(edges))
	for _, e := range edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out
}
