package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/types"
)

// StreamHandler serves the per-job event stream over NDJSON and
// WebSocket. Clients reconnect with ?after_seq=<n> to replay missed
// events.
type StreamHandler struct {
	gateway   *stream.Gateway
	heartbeat time.Duration
	logger    *zap.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(gateway *stream.Gateway, heartbeat time.Duration, logger *zap.Logger) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		gateway:   gateway,
		heartbeat: heartbeat,
		logger:    logger.With(zap.String("handler", "stream")),
	}
}

// heartbeatFrame keeps idle connections alive between events.
type heartbeatFrame struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
}

func afterSeq(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after_seq")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, types.Errorf(types.ErrInvalidRequest, "invalid after_seq %q", raw)
	}
	return n, nil
}

// HandleEvents streams NDJSON: GET /v1/jobs/{id}/events.
func (h *StreamHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := afterSeq(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternalError, "streaming unsupported"), h.logger)
		return
	}

	jobID := r.PathValue("id")
	ch, cancel, err := h.gateway.Subscribe(r.Context(), jobID, after)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := enc.Encode(heartbeatFrame{Type: "heartbeat", TS: time.Now()}); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleWebSocket streams JSON frames over a WebSocket:
// GET /v1/jobs/{id}/ws.
func (h *StreamHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	after, err := afterSeq(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	jobID := r.PathValue("id")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended unexpectedly")

	// Reads are only pings and close frames.
	ctx := conn.CloseRead(r.Context())

	ch, cancel, err := h.gateway.Subscribe(ctx, jobID, after)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer cancel()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-ch:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "stream complete")
				return
			}
			if err := writeFrame(ctx, conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.Ping(ctx); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, ev types.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
