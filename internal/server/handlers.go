package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/fault"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/rules"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/search"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/service/audit"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/storage"
	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/stream"
)

// defaultPollIntervalMs is the polling cadence hint returned to clients that
// consume thread events without a live connection.
const defaultPollIntervalMs = 500

// Analyzer is the slice of the arbiter the HTTP handlers drive.
type Analyzer interface {
	Analyze(ctx context.Context, txn model.Transaction) (model.Decision, error)
	GetDecision(ctx context.Context, threadID uuid.UUID) (model.Decision, error)
}

// NetworkBuilder builds entity relationship graphs.
type NetworkBuilder interface {
	BuildNetwork(ctx context.Context, center string, params model.NetworkParams) (*model.NetworkGraph, error)
}

// Pinger reports storage reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlersDeps holds the dependencies for creating Handlers.
type HandlersDeps struct {
	DB       Pinger
	Arbiter  Analyzer
	Streamer *stream.Streamer
	Graph    NetworkBuilder
	Engine   *rules.Engine
	Buffer   *audit.Buffer
	Broker   *Broker
	Index    search.Index // nil when vector search is disabled
	Reasoner string       // reasoner backend name for /health
	Logger   *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
}

// Handlers contains the HTTP request handlers.
type Handlers struct {
	db       Pinger
	arbiter  Analyzer
	streamer *stream.Streamer
	graph    NetworkBuilder
	engine   *rules.Engine
	buffer   *audit.Buffer
	broker   *Broker
	index    search.Index
	reasoner string
	logger   *slog.Logger

	version             string
	startTime           time.Time
	maxRequestBodyBytes int64
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		db:                  deps.DB,
		arbiter:             deps.Arbiter,
		streamer:            deps.Streamer,
		graph:               deps.Graph,
		engine:              deps.Engine,
		buffer:              deps.Buffer,
		broker:              deps.Broker,
		index:               deps.Index,
		reasoner:            deps.Reasoner,
		logger:              deps.Logger,
		version:             deps.Version,
		startTime:           time.Now(),
		maxRequestBodyBytes: deps.MaxRequestBodyBytes,
	}
}

// HandleAnalyze handles POST /v1/transactions/analyze.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var txn model.Transaction
	if err := decodeJSON(r, &txn, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}

	decision, err := h.arbiter.Analyze(r.Context(), txn)
	if err != nil {
		if fault.KindOf(err) == fault.InvalidInput {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.writeInternalError(w, r, "analysis failed", err)
		return
	}

	resp := model.DecisionResponse{Decision: decision}
	if decision.Status == model.StatusPendingStage2 {
		resp.PendingThreadID = &decision.ThreadID
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleGetDecision handles GET /v1/decisions/{thread_id}.
func (h *Handlers) HandleGetDecision(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	decision, err := h.arbiter.GetDecision(r.Context(), threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "decision not found")
			return
		}
		h.writeInternalError(w, r, "decision lookup failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, decision)
}

// HandlePollEvents handles GET /v1/threads/{thread_id}/events/poll.
func (h *Handlers) HandlePollEvents(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	afterEventID, err := queryInt64(r, "after_event_id", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "after_event_id must be an integer")
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
		return
	}

	events := h.streamer.Poll(threadID, afterEventID, int(limit))
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, model.PollResponse{
		Events:            events,
		PollingIntervalMs: defaultPollIntervalMs,
	})
}

// HandleEventHistory handles GET /v1/threads/{thread_id}/events/history.
func (h *Handlers) HandleEventHistory(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit, err := queryInt64(r, "limit", 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be an integer")
		return
	}

	events := h.streamer.History(threadID, int(limit))
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}

// HandleNetwork handles POST /v1/network.
func (h *Handlers) HandleNetwork(w http.ResponseWriter, r *http.Request) {
	var req model.NetworkRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.CenterEntityID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "center_entity_id is required")
		return
	}

	graph, err := h.graph.BuildNetwork(r.Context(), req.CenterEntityID, req.Params())
	if err != nil {
		h.writeInternalError(w, r, "network traversal failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, graph)
}

// HandleRules handles GET /v1/rules.
func (h *Handlers) HandleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"rules": h.engine.Rules()})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	indexStatus := ""
	if h.index != nil {
		indexStatus = "ok"
		if err := h.index.Healthy(r.Context()); err != nil {
			indexStatus = "unreachable"
		}
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		if capacity := h.buffer.Cap(); capacity > 0 {
			switch {
			case bufDepth*4 > capacity*3:
				bufStatus = "critical"
			case bufDepth*2 > capacity:
				bufStatus = "high"
			}
		}
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Postgres:     pgStatus,
		Index:        indexStatus,
		Reasoner:     h.reasoner,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startTime).Seconds()),
	})
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseThreadID(r *http.Request) (uuid.UUID, error) {
	threadID, err := uuid.Parse(r.PathValue("thread_id"))
	if err != nil {
		return uuid.Nil, errors.New("thread_id must be a valid UUID")
	}
	return threadID, nil
}

func queryInt64(r *http.Request, key string, defaultVal int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return defaultVal, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
