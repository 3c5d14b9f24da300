package model

import "time"

// EntityType classifies a node in the relationship graph.
type EntityType string

const (
	EntityCustomer EntityType = "customer"
	EntityMerchant EntityType = "merchant"
	EntityDevice   EntityType = "device"
	EntityAccount  EntityType = "account"
)

// Direction describes how a stored relationship edge reads.
type Direction string

const (
	DirectionUni Direction = "unidirectional"
	// DirectionBi marks an edge stored as mutual, and is also the merged
	// output form when traversal sees both mirrored representations.
	DirectionBi      Direction = "bidirectional"
	DirectionReverse Direction = "reverse"
)

// EntityRef names one endpoint of a relationship.
type EntityRef struct {
	EntityID string     `json:"entity_id"`
	Type     EntityType `json:"type"`
}

// Relationship is a stored edge between two entities. Bidirectional links
// may be stored once with Direction bidirectional or twice with mirrored
// endpoints; traversal canonicalizes either form.
type Relationship struct {
	RelID      string     `json:"rel_id"`
	Source     EntityRef  `json:"source"`
	Target     EntityRef  `json:"target"`
	RelType    string     `json:"rel_type"`
	Direction  Direction  `json:"direction"`
	Strength   float64    `json:"strength"`   // 0-1
	Confidence float64    `json:"confidence"` // 0-1
	Active     bool       `json:"active"`
	Verified   bool       `json:"verified"`
	Evidence   []string   `json:"evidence,omitempty"`
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidTo    *time.Time `json:"valid_to,omitempty"`
}

// NetworkParams bound a graph traversal. Zero values take server defaults;
// MaxDepth is clamped to [1,4].
type NetworkParams struct {
	MaxDepth          int      `json:"max_depth"`
	MinConfidence     float64  `json:"min_confidence"`
	OnlyActive        bool     `json:"only_active"`
	MaxNodes          int      `json:"max_nodes"`
	RelationshipTypes []string `json:"relationship_types,omitempty"`
}

// NetworkNode is a vertex in the traversal result.
type NetworkNode struct {
	ID         string     `json:"id"`
	Label      string     `json:"label"`
	EntityType EntityType `json:"entity_type"`
	RiskScore  *float64   `json:"risk_score,omitempty"`
	RiskLevel  *RiskLevel `json:"risk_level,omitempty"`
	Depth      int        `json:"depth"`
}

// NetworkEdge is a de-duplicated edge in the traversal result.
type NetworkEdge struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	RelType   string    `json:"rel_type"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
	Verified  bool      `json:"verified"`
}

// NetworkRiskSummary aggregates decision risk over the traversed neighborhood.
type NetworkRiskSummary struct {
	HighRiskNodes  int     `json:"high_risk_nodes"`
	PropagatedRisk float64 `json:"propagated_risk"` // 0-1, hop-decayed
}

// NetworkGraph is the result of a bounded BFS from a center entity.
type NetworkGraph struct {
	CenterEntityID  string              `json:"center_entity_id"`
	Nodes           []NetworkNode       `json:"nodes"`
	Edges           []NetworkEdge       `json:"edges"`
	MaxDepthReached int                 `json:"max_depth_reached"`
	ElapsedMs       int64               `json:"elapsed_ms"`
	RiskSummary     *NetworkRiskSummary `json:"risk_summary,omitempty"`
}
