package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opencorpora/researchd/internal/config"
	"github.com/opencorpora/researchd/internal/metrics"
	"github.com/opencorpora/researchd/internal/research"
	"github.com/opencorpora/researchd/internal/session"
	"github.com/opencorpora/researchd/internal/streaming"
	"github.com/opencorpora/researchd/internal/tracing"
	"github.com/opencorpora/researchd/internal/workflows"
)

// ResearchHandler starts research sessions and serves transcripts.
type ResearchHandler struct {
	temporal client.Client
	store    *session.Store
	streams  *streaming.Manager
	cfg      config.Config
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*ipLimiter
}

// ipLimiter pairs a token bucket with its last use, so idle entries can
// be pruned.
type ipLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	maxTrackedIPs = 4096
	limiterIdle   = 10 * time.Minute
)

// NewResearchHandler wires the session entry points.
func NewResearchHandler(tc client.Client, store *session.Store, streams *streaming.Manager, cfg config.Config, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{
		temporal: tc,
		store:    store,
		streams:  streams,
		cfg:      cfg,
		logger:   logger,
		limiters: make(map[string]*ipLimiter),
	}
}

// RegisterRoutes registers the research routes on mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /research", h.handleStart)
	mux.HandleFunc("GET /research/{id}", h.handleGet)
	mux.HandleFunc("DELETE /research/{id}", h.handleCancel)
}

type startRequest struct {
	Question  string `json:"question"`
	Mode      string `json:"mode,omitempty"`
	SexFilter string `json:"sex_filter,omitempty"`
}

type startResponse struct {
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// handleStart validates the request, starts the research workflow, and
// arms the inactivity watchdog.
func (h *ResearchHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartHTTPSpan(r.Context(), http.MethodPost, "/research")
	defer span.End()

	if !h.allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	mode := research.Mode(req.Mode)
	if req.Mode == "" {
		mode = research.ModeChat
	}
	if !mode.Valid() {
		writeError(w, http.StatusBadRequest, "mode must be chat or deepResearch")
		return
	}
	switch research.SexFilter(req.SexFilter) {
	case research.SexAny, research.SexMale, research.SexFemale:
	default:
		writeError(w, http.StatusBadRequest, "sex_filter must be m, f, or empty")
		return
	}

	sessionID := uuid.New().String()
	input := workflows.ResearchInput{
		SessionID:            sessionID,
		Question:             req.Question,
		Mode:                 mode,
		SexFilter:            research.SexFilter(req.SexFilter),
		RetrievalParallelism: h.cfg.Research.RetrievalParallelism,
		TopK:                 h.cfg.Research.TopK,
		ActivityTimeout:      h.cfg.Research.ActivityTimeout,
	}

	_, err := h.temporal.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        sessionID,
		TaskQueue: h.cfg.Temporal.TaskQueue,
	}, workflows.ResearchWorkflow, input)
	if err != nil {
		h.logger.Error("workflow start failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "could not start research session")
		return
	}

	metrics.SessionsStarted.WithLabelValues(string(mode)).Inc()
	go h.watchInactivity(sessionID)

	h.logger.Info("research session started",
		zap.String("session_id", sessionID),
		zap.String("mode", string(mode)),
	)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(startResponse{SessionID: sessionID, Mode: string(mode)})
}

// handleGet serves a persisted transcript.
func (h *ResearchHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "transcript not found")
			return
		}
		h.logger.Error("transcript load failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "transcript unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sess)
}

// handleCancel aborts a running session.
func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.temporal.CancelWorkflow(r.Context(), id, ""); err != nil {
		writeError(w, http.StatusNotFound, "no running session with that id")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// watchInactivity cancels a session whose stream went quiet for the
// configured window. The subscriber buffer is large enough that the
// watchdog never backpressures the workflow.
func (h *ResearchHandler) watchInactivity(sessionID string) {
	window := h.cfg.Research.InactivityWindow
	if window <= 0 {
		window = 90 * time.Second
	}

	ch := h.streams.Subscribe(sessionID, 1024)
	defer h.streams.Unsubscribe(sessionID, ch)

	timer := time.NewTimer(window)
	defer timer.Stop()

	for {
		select {
		case evt := <-ch:
			if evt.Terminal() {
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(window)
		case <-timer.C:
			h.logger.Warn("session inactive, canceling",
				zap.String("session_id", sessionID),
				zap.Duration("window", window),
			)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := h.temporal.CancelWorkflow(ctx, sessionID, ""); err != nil {
				h.logger.Warn("inactivity cancel failed",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
			}
			cancel()
			return
		}
	}
}

// allow enforces the per-IP submission rate limit.
func (h *ResearchHandler) allow(ip string) bool {
	perMin := h.cfg.Server.RateLimitPerMinute
	if perMin <= 0 {
		return true
	}
	h.mu.Lock()
	entry, ok := h.limiters[ip]
	if !ok {
		entry = &ipLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMin)), perMin)}
		h.limiters[ip] = entry
		if len(h.limiters) > maxTrackedIPs {
			h.pruneLimitersLocked(time.Now())
		}
	}
	entry.seen = time.Now()
	h.mu.Unlock()
	return entry.lim.Allow()
}

// pruneLimitersLocked drops limiter entries idle past limiterIdle. The
// caller holds h.mu.
func (h *ResearchHandler) pruneLimitersLocked(now time.Time) {
	for ip, entry := range h.limiters {
		if now.Sub(entry.seen) > limiterIdle {
			delete(h.limiters, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
