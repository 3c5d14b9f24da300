package reasoner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/pgvector/pgvector-go"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/search"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
)

// maxSimilarByText caps the k accepted by lookup_similar_by_text.
const maxSimilarByText = 20

// Store is the slice of the storage layer tools need. *storage.DB satisfies it.
type Store interface {
	GetProfile(ctx context.Context, customerID string) (model.CustomerProfile, error)
	GetRelationships(ctx context.Context, entityID string, filter storage.RelationshipFilter) ([]model.Relationship, error)
	TransactionsWithVerdicts(ctx context.Context, txnIDs []string) (map[string]model.NeighborVerdict, error)
}

// EmbedFunc turns text into a query vector for lookup_similar_by_text.
// Typically embedding.Provider.Embed.
type EmbedFunc func(ctx context.Context, text string) (pgvector.Vector, error)

// Handler executes one tool call. Arguments arrive as the decoded JSON
// object; the result is a JSON string handed back to the model verbatim.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs an MCP tool definition with its handler. The definition is the
// single source of the tool's schema: the MCP server registers it directly
// and the chat clients convert it to function-call form.
type Tool struct {
	Def     mcplib.Tool
	Handler Handler
}

// Toolset is the capability table available to the stage-2 reasoner and,
// through the MCP server, to external agents.
type Toolset struct {
	tools  []Tool
	byName map[string]Tool
}

// NewToolset builds the retrieval capability table. index may be nil when no
// vector index is configured; lookup_similar_by_text then reports that to the
// model instead of failing the run.
func NewToolset(db Store, embed EmbedFunc, index search.Index) *Toolset {
	ts := &Toolset{byName: make(map[string]Tool)}

	ts.add(Tool{
		Def: mcplib.NewTool("lookup_customer",
			mcplib.WithDescription("Fetch a customer's behavioral baseline: typical amounts, categories, countries, active hours, and account status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("customer_id",
				mcplib.Description("The customer to look up"),
				mcplib.Required(),
			),
		),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			customerID, _ := args["customer_id"].(string)
			if customerID == "" {
				return "", fmt.Errorf("customer_id is required")
			}
			profile, err := db.GetProfile(ctx, customerID)
			if errors.Is(err, storage.ErrNotFound) {
				return marshalResult(map[string]any{"exists": false, "customer_id": customerID})
			}
			if err != nil {
				return "", fmt.Errorf("lookup customer: %w", err)
			}
			return marshalResult(map[string]any{"exists": true, "profile": profile})
		},
	})

	ts.add(Tool{
		Def: mcplib.NewTool("lookup_relationships",
			mcplib.WithDescription("List known relationships of an entity (shared devices, transfers, common addresses). Useful for spotting mule networks and layering."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("entity_id",
				mcplib.Description("Customer, merchant, device, or account id"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("only_active",
				mcplib.Description("Restrict to currently active relationships"),
				mcplib.DefaultBool(true),
			),
			mcplib.WithNumber("min_confidence",
				mcplib.Description("Minimum relationship confidence"),
				mcplib.Min(0),
				mcplib.Max(1),
				mcplib.DefaultNumber(0),
			),
		),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			entityID, _ := args["entity_id"].(string)
			if entityID == "" {
				return "", fmt.Errorf("entity_id is required")
			}
			onlyActive := true
			if v, ok := args["only_active"].(bool); ok {
				onlyActive = v
			}
			minConfidence, _ := args["min_confidence"].(float64)

			rels, err := db.GetRelationships(ctx, entityID, storage.RelationshipFilter{
				MinConfidence: minConfidence,
				OnlyActive:    onlyActive,
			})
			if err != nil {
				return "", fmt.Errorf("lookup relationships: %w", err)
			}
			return marshalResult(map[string]any{"entity_id": entityID, "count": len(rels), "relationships": rels})
		},
	})

	ts.add(Tool{
		Def: mcplib.NewTool("lookup_similar_by_text",
			mcplib.WithDescription("Semantic search over historical transactions. Describe a transaction pattern in words (e.g. \"large crypto purchase from a new country\") and get the most similar past transactions with their verdicts."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("text",
				mcplib.Description("Natural-language description of the pattern to search for"),
				mcplib.Required(),
			),
			mcplib.WithNumber("k",
				mcplib.Description("Number of similar transactions to return"),
				mcplib.Min(1),
				mcplib.Max(maxSimilarByText),
				mcplib.DefaultNumber(5),
			),
		),
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			if text == "" {
				return "", fmt.Errorf("text is required")
			}
			if index == nil {
				return marshalResult(map[string]any{"available": false, "reason": "no vector index configured"})
			}
			k := 5
			if v, ok := args["k"].(float64); ok && v >= 1 {
				k = int(v)
			}
			if k > maxSimilarByText {
				k = maxSimilarByText
			}

			vec, err := embed(ctx, text)
			if err != nil {
				return "", fmt.Errorf("embed query: %w", err)
			}
			neighbors, err := index.KNN(ctx, vec, k, search.Filters{})
			if err != nil {
				return "", fmt.Errorf("similarity search: %w", err)
			}

			ids := make([]string, len(neighbors))
			for i, n := range neighbors {
				ids[i] = n.TxnID
			}
			hydrated, err := db.TransactionsWithVerdicts(ctx, ids)
			if err != nil {
				return "", fmt.Errorf("hydrate neighbors: %w", err)
			}
			out := make([]model.NeighborVerdict, 0, len(neighbors))
			for _, n := range neighbors {
				nv, ok := hydrated[n.TxnID]
				if !ok {
					nv = model.NeighborVerdict{TxnID: n.TxnID}
				}
				nv.Similarity = n.Similarity
				out = append(out, nv)
			}
			return marshalResult(map[string]any{"available": true, "count": len(out), "similar": out})
		},
	})

	return ts
}

func (ts *Toolset) add(t Tool) {
	ts.tools = append(ts.tools, t)
	ts.byName[t.Def.Name] = t
}

// Tools returns the table in registration order.
func (ts *Toolset) Tools() []Tool { return ts.tools }

// Call dispatches one tool invocation with a per-call deadline.
func (ts *Toolset) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	tool, ok := ts.byName[name]
	if !ok {
		return "", fmt.Errorf("reasoner: unknown tool %q", name)
	}
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()
	return tool.Handler(callCtx, args)
}

// FunctionSpec is a tool definition in the chat APIs' function-calling form.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionSpecs converts the MCP tool definitions to function-call schemas.
// The conversion is mechanical: the MCP input schema already is JSON Schema.
func (ts *Toolset) FunctionSpecs() ([]FunctionSpec, error) {
	out := make([]FunctionSpec, 0, len(ts.tools))
	for _, t := range ts.tools {
		params, err := json.Marshal(t.Def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("reasoner: marshal schema for %s: %w", t.Def.Name, err)
		}
		out = append(out, FunctionSpec{
			Name:        t.Def.Name,
			Description: t.Def.Description,
			Parameters:  params,
		})
	}
	return out, nil
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(raw), nil
}
