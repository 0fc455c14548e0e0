package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/streaming"
)

// StreamingHandler serves the progress event stream over SSE and
// WebSocket.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// handleSSE streams session events via Server-Sent Events.
// GET /stream/sse?session_id=<id>
//
// The stream closes itself after the terminal answer event so clients
// know the session is over rather than waiting on a dead connection.
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		http.Error(w, `{"error":"session_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))
	lastID := parseLastEventID(r)

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(sid, 256)
	defer h.mgr.Unsubscribe(sid, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sid)
	flusher.Flush()

	// Replay the backlog so reconnecting clients rebuild display state.
	for _, ev := range h.mgr.ReplaySince(sid, lastID) {
		if skipEvent(ev, typeFilter) {
			continue
		}
		writeSSE(w, ev)
		if ev.Terminal() {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", sid))
			return
		case evt := <-ch:
			if skipEvent(evt, typeFilter) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
			if evt.Terminal() {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

func skipEvent(ev streaming.Event, filter map[streaming.EventType]struct{}) bool {
	if len(filter) == 0 {
		return false
	}
	_, ok := filter[ev.Type]
	return !ok
}

func parseTypeFilter(s string) map[streaming.EventType]struct{} {
	filter := map[streaming.EventType]struct{}{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			filter[streaming.EventType(t)] = struct{}{}
		}
	}
	return filter
}

func parseLastEventID(r *http.Request) uint64 {
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			return n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
