package vectordb

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL, TopK: 5, MaxTopK: 10}, zap.NewNop())
	return c, srv
}

func TestRetrieveOrdersByScoreThenRecency(t *testing.T) {
	older := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/query" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(queryResponse{Results: []queryResult{
			{SourceID: "low", Text: "a", Score: 0.2, CreatedAt: newer},
			{SourceID: "tie-old", Text: "b", Score: 0.8, CreatedAt: older},
			{SourceID: "tie-new", Text: "c", Score: 0.8, CreatedAt: newer},
			{SourceID: "high", Text: "d", Score: 0.9, CreatedAt: older},
		}})
	})

	got, err := c.Retrieve(t.Context(), "anything", Filter{}, 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"high", "tie-new", "tie-old", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %d passages, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].SourceID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].SourceID)
		}
	}
}

func TestRetrieveClampsTopK(t *testing.T) {
	var gotTopK int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTopK = req.TopK
		_ = json.NewEncoder(w).Encode(queryResponse{})
	})

	if _, err := c.Retrieve(t.Context(), "q", Filter{}, 500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTopK != 10 {
		t.Fatalf("expected top_k clamped to 10, got %d", gotTopK)
	}

	// Zero falls back to the configured default.
	if _, err := c.Retrieve(t.Context(), "q", Filter{}, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotTopK != 5 {
		t.Fatalf("expected default top_k 5, got %d", gotTopK)
	}
}

func TestRetrieveSendsSexFilter(t *testing.T) {
	var gotFilter *Filter
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req queryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotFilter = req.Filter
		_ = json.NewEncoder(w).Encode(queryResponse{})
	})

	if _, err := c.Retrieve(t.Context(), "q", Filter{Sex: "f"}, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotFilter == nil || gotFilter.Sex != "f" {
		t.Fatalf("expected sex filter f, got %+v", gotFilter)
	}

	if _, err := c.Retrieve(t.Context(), "q", Filter{}, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotFilter != nil {
		t.Fatalf("expected no filter, got %+v", gotFilter)
	}
}

func TestRetrieveEmptyQuery(t *testing.T) {
	c := NewClient(Config{Host: "localhost"}, zap.NewNop())
	if _, err := c.Retrieve(t.Context(), "", Filter{}, 5); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestRetrieveErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusInternalServerError, "", ErrRetrievalUnavailable},
		{"bad request", http.StatusBadRequest, "", ErrRetrievalMalformed},
		{"unparsable body", http.StatusOK, "{not json", ErrRetrievalMalformed},
		{"missing source_id", http.StatusOK, `{"results":[{"text":"x","score":0.5}]}`, ErrRetrievalMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := c.Retrieve(t.Context(), "q", Filter{}, 3)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestRetrieveTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	c := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())

	_, err := c.Retrieve(t.Context(), "q", Filter{}, 3)
	if !errors.Is(err, ErrRetrievalUnavailable) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
}
