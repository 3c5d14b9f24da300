// Package mcp implements the Model Context Protocol surface of the fraud
// engine. MCP-compatible agents get the same capability table the stage-2
// reasoner uses, plus tools to run analyses and read decisions, and resources
// exposing the active rule table and the recent decision feed.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/reasoner"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
)

// Analyzer is the slice of the arbiter the MCP tools drive.
type Analyzer interface {
	Analyze(ctx context.Context, txn model.Transaction) (model.Decision, error)
	GetDecision(ctx context.Context, threadID uuid.UUID) (model.Decision, error)
}

// Store is the slice of the storage layer the MCP surface reads.
type Store interface {
	RecentDecisions(ctx context.Context, limit int) ([]model.Decision, error)
}

// Server wraps the MCP server with the engine's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	arbiter   Analyzer
	db        Store
	engine    *rules.Engine
	tools     *reasoner.Toolset
	logger    *slog.Logger
}

// New creates and configures the MCP server with all resources and tools.
func New(arbiter Analyzer, db Store, engine *rules.Engine, tools *reasoner.Toolset, logger *slog.Logger) *Server {
	s := &Server{
		arbiter: arbiter,
		db:      db,
		engine:  engine,
		tools:   tools,
		logger:  logger.With("component", "mcp"),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"fraud-engine",
		"1.0.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"fraud://rules/active",
			"Active Rules",
			mcplib.WithResourceDescription("The stage-1 rule table currently in force, with weights and sources"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRulesResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"fraud://decisions/recent",
			"Recent Decisions",
			mcplib.WithResourceDescription("The most recently created fraud decisions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentResource,
	)
}

func (s *Server) handleRulesResource(_ context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(map[string]any{"rules": s.engine.Rules()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal rules: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRecentResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	decisions, err := s.db.RecentDecisions(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent decisions: %w", err)
	}
	data, err := json.MarshalIndent(map[string]any{"decisions": decisions}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal decisions: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
