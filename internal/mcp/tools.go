package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/reasoner"
)

func (s *Server) registerTools() {
	// analyze_transaction — run a transaction through the decision pipeline.
	s.mcpServer.AddTool(
		mcplib.NewTool("analyze_transaction",
			mcplib.WithDescription("Analyze a transaction for fraud/AML risk. Returns a decision with verdict, risk score, and reasoning. Borderline cases return a provisional decision and finish in the background; poll get_decision with the thread_id."),
			mcplib.WithString("txn_id", mcplib.Description("Unique transaction identifier"), mcplib.Required()),
			mcplib.WithString("customer_id", mcplib.Description("Customer identifier"), mcplib.Required()),
			mcplib.WithNumber("amount", mcplib.Description("Transaction amount"), mcplib.Required()),
			mcplib.WithString("currency", mcplib.Description("ISO 4217 currency code"), mcplib.Required()),
			mcplib.WithString("merchant_category", mcplib.Description("Merchant category, e.g. grocery, crypto"), mcplib.Required()),
			mcplib.WithString("country", mcplib.Description("ISO 3166-1 alpha-2 country code"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Transaction type, e.g. purchase, transfer, withdrawal"), mcplib.Required()),
			mcplib.WithString("timestamp", mcplib.Description("RFC 3339 timestamp; defaults to now")),
			mcplib.WithString("merchant_name", mcplib.Description("Merchant display name")),
			mcplib.WithString("device_id", mcplib.Description("Originating device identifier")),
		),
		s.handleAnalyze,
	)

	// get_decision — read a thread's current decision.
	s.mcpServer.AddTool(
		mcplib.NewTool("get_decision",
			mcplib.WithDescription("Fetch the current decision for an analysis thread, provisional or final."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("thread_id", mcplib.Description("The analysis thread id returned by analyze_transaction"), mcplib.Required()),
		),
		s.handleGetDecision,
	)

	// recent_decisions — the latest decisions across all threads.
	s.mcpServer.AddTool(
		mcplib.NewTool("recent_decisions",
			mcplib.WithDescription("List the most recently created decisions."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("limit", mcplib.Description("Maximum decisions to return"), mcplib.DefaultNumber(10), mcplib.Min(1), mcplib.Max(100)),
		),
		s.handleRecent,
	)

	// The reasoner's retrieval tools are shared verbatim: external agents get
	// exactly the capability table the stage-2 reasoner has.
	for _, t := range s.tools.Tools() {
		s.mcpServer.AddTool(t.Def, s.passthrough(t))
	}
}

func (s *Server) handleAnalyze(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ts := time.Now().UTC()
	if raw := request.GetString("timestamp", ""); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return errorResult(fmt.Sprintf("invalid timestamp: %v", err)), nil
		}
		ts = parsed
	}

	txn := model.Transaction{
		TxnID:      request.GetString("txn_id", ""),
		CustomerID: request.GetString("customer_id", ""),
		Timestamp:  ts,
		Amount:     request.GetFloat("amount", 0),
		Currency:   request.GetString("currency", ""),
		Merchant: model.Merchant{
			Name:     request.GetString("merchant_name", ""),
			Category: request.GetString("merchant_category", ""),
		},
		Location: model.Location{Country: request.GetString("country", "")},
		Type:     request.GetString("type", ""),
	}
	if deviceID := request.GetString("device_id", ""); deviceID != "" {
		txn.Device = &model.Device{ID: deviceID}
	}

	decision, err := s.arbiter.Analyze(ctx, txn)
	if err != nil {
		return errorResult(fmt.Sprintf("analysis failed: %v", err)), nil
	}
	return jsonResult(decision)
}

func (s *Server) handleGetDecision(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	threadID, err := uuid.Parse(request.GetString("thread_id", ""))
	if err != nil {
		return errorResult(fmt.Sprintf("invalid thread_id: %v", err)), nil
	}
	decision, err := s.arbiter.GetDecision(ctx, threadID)
	if err != nil {
		return errorResult(fmt.Sprintf("decision lookup failed: %v", err)), nil
	}
	return jsonResult(decision)
}

func (s *Server) handleRecent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	decisions, err := s.db.RecentDecisions(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("recent decisions failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"count": len(decisions), "decisions": decisions})
}

// passthrough adapts a reasoner capability-table tool to an MCP handler.
func (s *Server) passthrough(t reasoner.Tool) func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		result, err := s.tools.Call(ctx, t.Def.Name, request.GetArguments())
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: result}},
		}, nil
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: string(data)}},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
