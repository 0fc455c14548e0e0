package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of one dependency check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one dependency's health at a point in time.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// CheckFunc probes one dependency. It must honor ctx.
type CheckFunc func(ctx context.Context) error

// Manager runs registered dependency checks on demand.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewManager returns a manager with a 5s per-check timeout.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		timeout: 5 * time.Second,
		checks:  make(map[string]CheckFunc),
	}
}

// Register adds a named dependency check.
func (m *Manager) Register(name string, check CheckFunc) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Run executes every check and reports per-component results plus the
// overall status; any failing component makes the whole service
// unhealthy.
func (m *Manager) Run(ctx context.Context) (Status, []CheckResult) {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	overall := StatusHealthy
	results := make([]CheckResult, 0, len(checks))
	for name, fn := range checks {
		start := time.Now()
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		err := fn(cctx)
		cancel()

		res := CheckResult{
			Component: name,
			Status:    StatusHealthy,
			Duration:  time.Since(start),
			Timestamp: start.UTC(),
		}
		if err != nil {
			res.Status = StatusUnhealthy
			res.Error = err.Error()
			overall = StatusUnhealthy
			m.logger.Warn("health check failed",
				zap.String("component", name),
				zap.Error(err),
			)
		}
		results = append(results, res)
	}
	return overall, results
}

// Handler serves the health report as JSON; 503 when unhealthy.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall, results := m.Run(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if overall != StatusHealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": overall,
			"checks": results,
		})
	}
}
