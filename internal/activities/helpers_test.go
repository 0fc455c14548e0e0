package activities

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/config"
	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/research"
	"github.com/opencorpora/researchd/internal/streaming"
	"github.com/opencorpora/researchd/internal/vectordb"
)

// memStore is an in-memory TranscriptStore for tests.
type memStore struct {
	saved []research.Session
	err   error
}

func (m *memStore) Save(ctx context.Context, sess *research.Session) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, *sess)
	return nil
}

func testCatalog() *config.TemplateCatalog {
	return &config.TemplateCatalog{
		Default: []string{
			"{question}",
			"personal experiences with {question}",
			"common opinions about {question}",
			"problems people report about {question}",
		},
	}
}

func testResearchConfig() config.Research {
	return config.Research{
		RetrievalParallelism:  8,
		TopK:                  5,
		TopPassages:           5,
		MinSufficientPassages: 3,
		SufficientScore:       0.6,
		RelevanceFloor:        0.35,
	}
}

// newTestActivities builds an Activities instance backed by httptest
// servers. Either handler may be nil when the test never reaches that
// service. Backoff sleeps are skipped so retry tests run instantly.
func newTestActivities(t *testing.T, llmHandler, vdbHandler http.HandlerFunc) (*Activities, *memStore) {
	t.Helper()

	llmCfg := llm.Config{BaseURL: "http://unreachable.invalid"}
	if llmHandler != nil {
		srv := httptest.NewServer(llmHandler)
		t.Cleanup(srv.Close)
		llmCfg.BaseURL = srv.URL
	}
	vdbCfg := vectordb.Config{BaseURL: "http://unreachable.invalid"}
	if vdbHandler != nil {
		srv := httptest.NewServer(vdbHandler)
		t.Cleanup(srv.Close)
		vdbCfg.BaseURL = srv.URL
	}

	exec := backoff.New(zap.NewNop())
	exec.Sleep = func(ctx context.Context, d time.Duration) error { return nil }

	store := &memStore{}
	return &Activities{
		Retrieval: vectordb.NewClient(vdbCfg, zap.NewNop()),
		LLM:       llm.NewClient(llmCfg, zap.NewNop()),
		Backoff:   exec,
		Streams:   streaming.NewManager(64),
		Store:     store,
		Catalog:   testCatalog(),
		Cfg:       testResearchConfig(),
		Logger:    zap.NewNop(),
	}, store
}
