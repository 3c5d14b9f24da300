package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// sseKeepaliveInterval is how often comment frames are written to keep
// intermediaries from closing idle streams.
const sseKeepaliveInterval = 15 * time.Second

// HandleThreadEvents handles GET /v1/threads/{thread_id}/events (SSE).
// Retained history is replayed first, then live events are pushed as they
// are emitted.
func (h *Handlers) HandleThreadEvents(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Subscribe before replaying history so no event falls in the gap;
	// lastReplayed de-duplicates events that land in both.
	sub := h.streamer.Subscribe(threadID)
	defer h.streamer.Unsubscribe(sub)

	var lastReplayed int64
	for _, event := range h.streamer.History(threadID, 0) {
		if err := writeSSEEvent(w, event); err != nil {
			return
		}
		lastReplayed = event.EventID
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-sub.C:
			if !ok {
				return
			}
			if event.EventID <= lastReplayed {
				continue
			}
			if err := writeSSEEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleDecisionStream handles GET /v1/decisions/stream (SSE). The broker
// relays final decisions from all instances via Postgres LISTEN/NOTIFY.
func (h *Handlers) HandleDecisionStream(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"decision stream not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes one thread event as an SSE frame. The event id lets
// clients resume via the poll endpoint's after_event_id.
func writeSSEEvent(w http.ResponseWriter, event model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	frame := "id: " + strconv.FormatInt(event.EventID, 10) +
		"\nevent: " + string(event.Kind) +
		"\ndata: " + string(data) + "\n\n"
	_, err = w.Write([]byte(frame))
	return err
}
