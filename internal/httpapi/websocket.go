package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secured by the fronting proxy
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// handleWS streams session events over a WebSocket, mirroring the SSE
// semantics: backlog replay via last_event_id, type filter, and the
// connection closes after the terminal answer event.
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r)

	ch := h.mgr.Subscribe(sid, 256)
	defer h.mgr.Unsubscribe(sid, ch)

	for _, ev := range h.mgr.ReplaySince(sid, lastID) {
		if skipEvent(ev, typeFilter) {
			continue
		}
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Terminal() {
			return
		}
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump; client messages are discarded.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if skipEvent(ev, typeFilter) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("session_id", sid),
					zap.Error(err),
				)
				return
			}
			if ev.Terminal() {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
