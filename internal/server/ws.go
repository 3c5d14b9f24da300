package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second // must be less than wsPongWait
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect cross-origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleThreadWS handles GET /v1/threads/{thread_id}/ws. The server pushes
// thread events as JSON text messages; client messages are read and
// discarded, which keeps pings flowing and surfaces disconnects.
func (h *Handlers) HandleThreadWS(w http.ResponseWriter, r *http.Request) {
	threadID, err := parseThreadID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.Warn("websocket upgrade failed", "error", err, "thread_id", threadID)
		return
	}
	defer conn.Close()

	sub := h.streamer.Subscribe(threadID)
	defer h.streamer.Unsubscribe(sub)

	// Read loop: detects disconnects and answers client pings. Incoming
	// text frames are ignored; the stream is server-to-client.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Debug("websocket read error", "error", err, "thread_id", threadID)
				}
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		}
	}()

	// Replay retained history, de-duplicated against the live subscription.
	var lastReplayed int64
	for _, event := range h.streamer.History(threadID, 0) {
		if err := writeWSEvent(conn, event); err != nil {
			return
		}
		lastReplayed = event.EventID
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if event.EventID <= lastReplayed {
				continue
			}
			if err := writeWSEvent(conn, event); err != nil {
				return
			}
		}
	}
}

func writeWSEvent(conn *websocket.Conn, event model.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(event)
}
