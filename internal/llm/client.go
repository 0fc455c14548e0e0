package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/metrics"
	"github.com/opencorpora/researchd/internal/tracing"
)

var (
	// ErrGenerationTimeout indicates the generation service did not answer
	// in time or the transport failed. Transient; retried by the backoff
	// executor up to the generation retry cap.
	ErrGenerationTimeout = errors.New("generation service timeout")

	// ErrGenerationMalformed indicates an unparsable or empty completion.
	// Permanent for the single call; callers decide whether to re-prompt.
	ErrGenerationMalformed = errors.New("generation response malformed")
)

// IsMalformed reports whether err is (or wraps) a malformed-response
// classification.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrGenerationMalformed)
}

// Config holds generation service connection settings.
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Request is one completion call.
type Request struct {
	System      string  `json:"system,omitempty"`
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type completionResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

// Client is a minimal HTTP client for the text-generation service.
// Stateless; safe for concurrent use across sessions.
type Client struct {
	cfg  Config
	http *http.Client
	log  *zap.Logger
}

// NewClient applies defaults and returns a ready client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://llm-service:8000"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger,
	}
}

// Complete issues one completion call. purpose labels the call for
// metrics ("plan", "judge", "synthesize").
func (c *Client) Complete(ctx context.Context, purpose string, req Request) (string, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/complete", c.cfg.BaseURL)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.GenerationCalls.WithLabelValues(purpose, "timeout").Inc()
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.GenerationCalls.WithLabelValues(purpose, "error").Inc()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: status %d", ErrGenerationTimeout, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: status %d", ErrGenerationMalformed, resp.StatusCode)
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		metrics.GenerationCalls.WithLabelValues(purpose, "malformed").Inc()
		return "", fmt.Errorf("%w: %v", ErrGenerationMalformed, err)
	}
	if cr.Text == "" {
		metrics.GenerationCalls.WithLabelValues(purpose, "malformed").Inc()
		return "", fmt.Errorf("%w: empty completion", ErrGenerationMalformed)
	}

	metrics.GenerationCalls.WithLabelValues(purpose, "ok").Inc()
	metrics.GenerationLatency.WithLabelValues(purpose).Observe(time.Since(start).Seconds())

	c.log.Debug("Generation call completed",
		zap.String("purpose", purpose),
		zap.Int("prompt_len", len(req.Prompt)),
		zap.Int("completion_len", len(cr.Text)),
		zap.Duration("latency", time.Since(start)),
	)
	return cr.Text, nil
}

// classifyTransportError maps transport failures onto the error taxonomy.
// Context cancellation passes through so cooperative cancel is visible.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrGenerationTimeout, err)
}
