package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeUnprocessable = "UNPROCESSABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// NetworkRequest is the request body for POST /v1/network.
type NetworkRequest struct {
	CenterEntityID    string   `json:"center_entity_id"`
	MaxDepth          int      `json:"max_depth,omitempty"`
	MinConfidence     float64  `json:"min_confidence,omitempty"`
	OnlyActive        bool     `json:"only_active,omitempty"`
	MaxNodes          int      `json:"max_nodes,omitempty"`
	RelationshipTypes []string `json:"relationship_types,omitempty"`
}

// Params converts the request into traversal parameters.
func (r NetworkRequest) Params() NetworkParams {
	return NetworkParams{
		MaxDepth:          r.MaxDepth,
		MinConfidence:     r.MinConfidence,
		OnlyActive:        r.OnlyActive,
		MaxNodes:          r.MaxNodes,
		RelationshipTypes: r.RelationshipTypes,
	}
}

// DecisionResponse wraps a decision for transport, surfacing the thread id
// only while a background stage-2 pass can still change the outcome.
type DecisionResponse struct {
	Decision
	PendingThreadID *uuid.UUID `json:"pending_thread_id,omitempty"`
}

// PollResponse is the response for GET /v1/threads/{id}/events/poll.
type PollResponse struct {
	Events            []Event `json:"events"`
	PollingIntervalMs int     `json:"polling_interval_ms"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Postgres     string `json:"postgres"`
	Index        string `json:"index,omitempty"`
	Reasoner     string `json:"reasoner,omitempty"`
	BufferDepth  int    `json:"buffer_depth"`
	BufferStatus string `json:"buffer_status"` // "ok", "high", "critical"
	Uptime       int64  `json:"uptime_seconds"`
}
