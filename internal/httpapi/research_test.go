package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.temporal.io/sdk/client"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/opencorpora/researchd/internal/config"
	"github.com/opencorpora/researchd/internal/streaming"
)

// fakeTemporal stubs the workflow engine client; only the methods the
// handler calls are implemented.
type fakeTemporal struct {
	client.Client

	mu       sync.Mutex
	startErr error
	started  []string
	canceled []string
}

func (f *fakeTemporal) ExecuteWorkflow(ctx context.Context, opts client.StartWorkflowOptions, wf interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	f.started = append(f.started, opts.ID)
	f.mu.Unlock()
	return nil, nil
}

func (f *fakeTemporal) CancelWorkflow(ctx context.Context, workflowID, runID string) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, workflowID)
	f.mu.Unlock()
	return nil
}

// Validation rejects bad requests before any workflow engine call, so a
// nil Temporal client is safe here.
func newValidationHandler(t *testing.T, cfg config.Config) *ResearchHandler {
	t.Helper()
	return NewResearchHandler(nil, nil, streaming.NewManager(16), cfg, zaptest.NewLogger(t))
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	h := newValidationHandler(t, config.Config{})

	cases := []struct {
		name string
		body string
	}{
		{"broken json", `{"question":`},
		{"missing question", `{"mode":"chat"}`},
		{"blank question", `{"question":"   "}`},
		{"unknown mode", `{"question":"q","mode":"frantic"}`},
		{"bad sex filter", `{"question":"q","sex_filter":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(tc.body))
			h.handleStart(rec, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestStartRateLimit(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.RateLimitPerMinute = 2
	h := newValidationHandler(t, cfg)

	// Burst of 2 allowed; the third request from the same IP is refused
	// before validation runs.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{`))
		req.RemoteAddr = "10.0.0.1:1234"
		h.handleStart(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{`))
	req.RemoteAddr = "10.0.0.1:1234"
	h.handleStart(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	// A different IP has its own budget.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{`))
	req.RemoteAddr = "10.0.0.2:1234"
	h.handleStart(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for fresh IP, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:5555"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Fatalf("expected remote host, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestStartAcceptsValidRequest(t *testing.T) {
	ft := &fakeTemporal{}
	streams := streaming.NewManager(16)
	h := NewResearchHandler(ft, nil, streams, config.Config{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"question":"why do people take cold showers","mode":"deepResearch"}`))
	h.handleStart(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if resp.Mode != "deepResearch" {
		t.Fatalf("expected deepResearch mode, got %q", resp.Mode)
	}
	ft.mu.Lock()
	started := append([]string(nil), ft.started...)
	ft.mu.Unlock()
	if len(started) != 1 || started[0] != resp.SessionID {
		t.Fatalf("workflow not started under the session id: %v", started)
	}

	// Let the inactivity watchdog see the session finish.
	_ = streams.Publish(t.Context(), resp.SessionID, streaming.Event{Type: streaming.EventAnswer, ID: "answer", State: streaming.StateDone, Timestamp: time.Now()})
}

func TestStartDefaultsToChatMode(t *testing.T) {
	ft := &fakeTemporal{}
	streams := streaming.NewManager(16)
	h := NewResearchHandler(ft, nil, streams, config.Config{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"question":"q"}`))
	h.handleStart(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Mode != "chat" {
		t.Fatalf("expected chat mode, got %q", resp.Mode)
	}
	_ = streams.Publish(t.Context(), resp.SessionID, streaming.Event{Type: streaming.EventAnswer, ID: "answer", State: streaming.StateDone, Timestamp: time.Now()})
}

func TestStartFailsClosedWhenWorkflowStartFails(t *testing.T) {
	ft := &fakeTemporal{startErr: errors.New("temporal unreachable")}
	h := NewResearchHandler(ft, nil, streaming.NewManager(16), config.Config{}, zaptest.NewLogger(t))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/research", strings.NewReader(`{"question":"q"}`))
	h.handleStart(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLimiterPruneDropsIdleEntries(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.RateLimitPerMinute = 10
	h := newValidationHandler(t, cfg)

	now := time.Now()
	h.limiters["10.0.0.1"] = &ipLimiter{lim: rate.NewLimiter(1, 1), seen: now.Add(-time.Hour)}
	h.limiters["10.0.0.2"] = &ipLimiter{lim: rate.NewLimiter(1, 1), seen: now.Add(-time.Minute)}

	h.mu.Lock()
	h.pruneLimitersLocked(now)
	h.mu.Unlock()

	if _, ok := h.limiters["10.0.0.1"]; ok {
		t.Fatal("expected the hour-idle entry to be pruned")
	}
	if _, ok := h.limiters["10.0.0.2"]; !ok {
		t.Fatal("expected the recently seen entry to survive")
	}

	// A fresh request re-tracks the pruned IP.
	if !h.allow("10.0.0.1") {
		t.Fatal("expected the re-tracked IP to be allowed")
	}
}
