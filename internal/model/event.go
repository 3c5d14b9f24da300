package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes an observability event.
type EventKind string

const (
	// Run lifecycle.
	EventRunStart        EventKind = "run_start"
	EventStageStart      EventKind = "stage_start"
	EventStageEnd        EventKind = "stage_end"
	EventDecisionEmitted EventKind = "decision_emitted"
	EventStatusUpdate    EventKind = "status_update"
	EventError           EventKind = "error"

	// Tool and retrieval activity inside stage 2.
	EventToolCallStart EventKind = "tool_call_start"
	EventToolCallEnd   EventKind = "tool_call_end"
)

// Event is one entry in a thread's observability stream. EventID increases
// monotonically across the whole process; within a thread, consumers see
// events in the order they were emitted.
type Event struct {
	EventID   int64      `json:"event_id"`
	ThreadID  uuid.UUID  `json:"thread_id"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Kind      EventKind  `json:"kind"`
	Timestamp time.Time  `json:"timestamp"`
	Payload   any        `json:"payload,omitempty"`
}

// RunStartPayload is the payload for run_start events.
type RunStartPayload struct {
	TxnID      string  `json:"txn_id"`
	CustomerID string  `json:"customer_id"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
}

// StageStartPayload is the payload for stage_start events.
type StageStartPayload struct {
	Stage int `json:"stage"`
}

// StageEndPayload is the payload for stage_end events.
type StageEndPayload struct {
	Stage       int      `json:"stage"`
	Score       float64  `json:"score"`
	Flags       []string `json:"flags,omitempty"`
	NeedsStage2 bool     `json:"needs_stage2,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	Error       string   `json:"error,omitempty"`
}

// ToolCallStartPayload is the payload for tool_call_start events.
type ToolCallStartPayload struct {
	Tool  string `json:"tool"`
	Input string `json:"input,omitempty"`
}

// ToolCallEndPayload is the payload for tool_call_end events.
type ToolCallEndPayload struct {
	Tool       string `json:"tool"`
	DurationMs int64  `json:"duration_ms"`
	ResultSize int    `json:"result_size"`
	Error      string `json:"error,omitempty"`
}

// DecisionEmittedPayload is the payload for decision_emitted events.
type DecisionEmittedPayload struct {
	TxnID     string         `json:"txn_id"`
	Verdict   Verdict        `json:"verdict"`
	RiskScore float64        `json:"risk_score"`
	RiskLevel RiskLevel      `json:"risk_level"`
	Status    DecisionStatus `json:"status"`
}

// StatusUpdatePayload is the payload for status_update events.
type StatusUpdatePayload struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
