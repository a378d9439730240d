package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/types"
)

func newStreamHarness(t *testing.T) (*StreamHandler, *stream.Gateway) {
	t.Helper()
	gateway := stream.NewGateway(stream.Options{Logger: zap.NewNop()})
	return NewStreamHandler(gateway, time.Minute, zap.NewNop()), gateway
}

func publishTurn(gateway *stream.Gateway, jobID string) {
	gateway.Publish(jobID, stream.Status("running", "research"))
	gateway.Publish(jobID, stream.ContentDelta("partial ", "research"))
	gateway.Publish(jobID, stream.ContentDelta("answer", "research"))
	gateway.Publish(jobID, stream.Complete(&types.TurnResult{Content: "partial answer", AgentID: "research"}))
	gateway.CloseJob(jobID)
}

func decodeNDJSON(t *testing.T, body string) []types.StreamEvent {
	t.Helper()
	var events []types.StreamEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		var probe map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &probe))
		if probe["type"] == "heartbeat" {
			continue
		}
		var ev types.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHandleEventsReplaysClosedStream(t *testing.T) {
	h, gateway := newStreamHarness(t)
	publishTurn(gateway, "job-1")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/events", nil)
	r.SetPathValue("id", "job-1")
	h.HandleEvents(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/x-ndjson")

	events := decodeNDJSON(t, w.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, types.EventContentDelta, events[1].Type)
	assert.Equal(t, types.EventComplete, events[3].Type)

	// Seq strictly increases across the replay.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestHandleEventsResumesAfterCursor(t *testing.T) {
	h, gateway := newStreamHarness(t)
	publishTurn(gateway, "job-2")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-2/events?after_seq=2", nil)
	r.SetPathValue("id", "job-2")
	h.HandleEvents(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	events := decodeNDJSON(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)
}

func TestHandleEventsRejectsBadCursor(t *testing.T) {
	h, _ := newStreamHarness(t)

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-3/events?after_seq=banana", nil)
	r.SetPathValue("id", "job-3")
	h.HandleEvents(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleEventsStopsOnClientDisconnect(t *testing.T) {
	h, gateway := newStreamHarness(t)
	gateway.Publish("job-4", stream.Status("running", ""))

	ctx, cancel := context.WithCancel(context.Background())
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-4/events", nil).WithContext(ctx)
	r.SetPathValue("id", "job-4")

	done := make(chan struct{})
	go func() {
		h.HandleEvents(w, r)
		close(done)
	}()

	// The handler stays blocked on the live stream until the client
	// goes away.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}
}

func TestHandleWebSocketStreamsAndCloses(t *testing.T) {
	h, gateway := newStreamHarness(t)
	publishTurn(gateway, "job-5")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/jobs/{id}/ws", h.HandleWebSocket)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + srv.URL[len("http"):] + "/v1/jobs/job-5/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var events []types.StreamEvent
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Normal closure once the replay is done.
			assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
			break
		}
		var ev types.StreamEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 4)
	assert.Equal(t, types.EventComplete, events[3].Type)
}
