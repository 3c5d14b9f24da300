package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongodb-industry-solutions/fsi-aml-fraud-detection-sub003/internal/model"
)

// readSSEData reads frames until n "data:" lines have been seen.
func readSSEData(t *testing.T, reader *bufio.Reader, n int) []string {
	t.Helper()
	var out []string
	for len(out) < n {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "data: ")))
		}
	}
	return out
}

func TestThreadEventsSSE(t *testing.T) {
	fx := newTestServer(t, nil)
	srv := httptest.NewServer(fx.server.Handler())
	defer srv.Close()

	threadID := uuid.New()
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventRunStart})
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventStageStart})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/v1/threads/"+threadID.String()+"/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	// History replay.
	history := readSSEData(t, reader, 2)
	assert.Contains(t, history[0], `"run_start"`)
	assert.Contains(t, history[1], `"stage_start"`)

	// The subscription is registered before history is written, so a live
	// event emitted now must arrive.
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventDecisionEmitted})
	live := readSSEData(t, reader, 1)
	assert.Contains(t, live[0], `"decision_emitted"`)
}

func TestThreadEventsSSEBadThreadID(t *testing.T) {
	fx := newTestServer(t, nil)
	rec := doJSON(t, fx.server.Handler(), http.MethodGet, "/v1/threads/nope/events", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThreadWebSocket(t *testing.T) {
	fx := newTestServer(t, nil)
	srv := httptest.NewServer(fx.server.Handler())
	defer srv.Close()

	threadID := uuid.New()
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventRunStart})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/v1/threads/" + threadID.String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	var replayed model.Event
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, model.EventRunStart, replayed.Kind)
	assert.Equal(t, threadID, replayed.ThreadID)

	// Client messages are tolerated, not echoed.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))

	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventStageEnd})

	var live model.Event
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, model.EventStageEnd, live.Kind)
}

func TestThreadWebSocketClosesWhenStreamCleared(t *testing.T) {
	fx := newTestServer(t, nil)
	srv := httptest.NewServer(fx.server.Handler())
	defer srv.Close()

	threadID := uuid.New()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/v1/threads/" + threadID.String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	// Read one event first so the server-side subscription is known live.
	fx.streamer.Emit(model.Event{ThreadID: threadID, Kind: model.EventRunStart})
	var event model.Event
	require.NoError(t, conn.ReadJSON(&event))

	// Clearing the thread disconnects subscribers; the handler sends a
	// normal close frame.
	fx.streamer.Clear(threadID)

	err = conn.ReadJSON(&event)
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}
