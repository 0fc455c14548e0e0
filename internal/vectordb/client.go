package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/metrics"
	"github.com/opencorpora/researchd/internal/research"
	"github.com/opencorpora/researchd/internal/tracing"
)

// Client is a minimal HTTP client for the semantic retrieval service. It
// is stateless and safe for concurrent use across sessions.
type Client struct {
	cfg  Config
	http *http.Client
	base string
	log  *zap.Logger
}

// NewClient applies defaults and returns a ready client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.TopK == 0 {
		cfg.TopK = 5
	}
	if cfg.MaxTopK == 0 {
		cfg.MaxTopK = 20
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	base := cfg.BaseURL
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port)
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		base: base,
		log:  logger,
	}
}

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.cfg }

// Retrieve issues one semantic query and returns passages ordered by
// descending score, ties broken by document recency (newest first) so
// repeated queries against an unchanged index are reproducible. topK is
// clamped to the configured maximum to cap downstream token usage.
func (c *Client) Retrieve(ctx context.Context, query string, filter Filter, topK int) ([]research.RetrievedPassage, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = c.cfg.TopK
	}
	if topK > c.cfg.MaxTopK {
		topK = c.cfg.MaxTopK
	}

	start := time.Now()
	url := fmt.Sprintf("%s/query", c.base)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	var f *Filter
	if filter.Sex != "" {
		f = &filter
	}
	body, _ := json.Marshal(queryRequest{Query: query, TopK: topK, Filter: f})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RetrievalCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RetrievalCalls.WithLabelValues("error").Inc()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: status %d", ErrRetrievalMalformed, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", ErrRetrievalUnavailable, resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.RetrievalCalls.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRetrievalMalformed, err)
	}

	passages := make([]research.RetrievedPassage, 0, len(qr.Results))
	for _, r := range qr.Results {
		if r.SourceID == "" {
			metrics.RetrievalCalls.WithLabelValues("malformed").Inc()
			return nil, fmt.Errorf("%w: result missing source_id", ErrRetrievalMalformed)
		}
		passages = append(passages, research.RetrievedPassage{
			SourceID:  r.SourceID,
			Text:      r.Text,
			Score:     r.Score,
			Permalink: r.Permalink,
			CreatedAt: r.CreatedAt,
			Metadata:  r.Metadata,
		})
	}
	sortPassages(passages)

	metrics.RetrievalCalls.WithLabelValues("ok").Inc()
	metrics.RetrievalLatency.Observe(time.Since(start).Seconds())
	metrics.PassagesRetrieved.Observe(float64(len(passages)))

	c.log.Debug("Retrieval call completed",
		zap.String("query", query),
		zap.Int("top_k", topK),
		zap.Int("passages", len(passages)),
		zap.Duration("latency", time.Since(start)),
	)
	return passages, nil
}

// sortPassages orders by score descending; equal scores newest first.
func sortPassages(ps []research.RetrievedPassage) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Score != ps[j].Score {
			return ps[i].Score > ps[j].Score
		}
		return ps[i].CreatedAt.After(ps[j].CreatedAt)
	})
}
