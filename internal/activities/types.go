package activities

import (
	"context"

	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/config"
	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/research"
	"github.com/opencorpora/researchd/internal/streaming"
	"github.com/opencorpora/researchd/internal/vectordb"
)

// TranscriptStore persists completed session transcripts.
type TranscriptStore interface {
	Save(ctx context.Context, sess *research.Session) error
}

// Activities bundles the remote-call dependencies shared by all research
// activities. Activities own their retry behavior internally; the
// workflow layer never re-runs them.
type Activities struct {
	Retrieval *vectordb.Client
	LLM       *llm.Client
	Backoff   *backoff.Executor
	Streams   *streaming.Manager
	Store     TranscriptStore
	Catalog   *config.TemplateCatalog
	Cfg       config.Research
	Logger    *zap.Logger
}

// PlanInput asks the planner for the next batch of sub-questions.
type PlanInput struct {
	SessionID string                 `json:"session_id"`
	Question  string                 `json:"question"`
	Mode      research.Mode          `json:"mode"`
	SexFilter research.SexFilter     `json:"sex_filter,omitempty"`
	Iteration int                    `json:"iteration"`
	Existing  []research.SubQuestion `json:"existing,omitempty"`
}

// PlanResult carries the planner's new sub-questions for one iteration.
type PlanResult struct {
	SubQuestions []research.SubQuestion `json:"sub_questions"`
}

// RetrieveInput dispatches one sub-question against the vector index.
type RetrieveInput struct {
	SessionID   string               `json:"session_id"`
	SubQuestion research.SubQuestion `json:"sub_question"`
	TopK        int                  `json:"top_k"`
}

// RetrieveResult is the completed sub-question, status and passages set.
type RetrieveResult struct {
	SubQuestion research.SubQuestion `json:"sub_question"`
}

// EvaluateInput asks whether accumulated evidence suffices to answer.
type EvaluateInput struct {
	SessionID string                      `json:"session_id"`
	Question  string                      `json:"question"`
	Mode      research.Mode               `json:"mode"`
	Iteration int                         `json:"iteration"`
	Passages  []research.RetrievedPassage `json:"passages"`
	// NewPassages holds only this iteration's retrievals; the relevance
	// streak is judged on these, not the cumulative set.
	NewPassages []research.RetrievedPassage `json:"new_passages"`
	// IrrelevantStreak counts consecutive iterations whose passages all
	// scored below the relevance floor.
	IrrelevantStreak int `json:"irrelevant_streak"`
}

// EvaluateResult is the progress judgment for one iteration.
type EvaluateResult struct {
	Sufficient       bool   `json:"sufficient"`
	Reason           string `json:"reason,omitempty"`
	IrrelevantStreak int    `json:"irrelevant_streak"`
}

// SynthesizeInput asks for the final cited answer.
type SynthesizeInput struct {
	SessionID string                      `json:"session_id"`
	Question  string                      `json:"question"`
	Passages  []research.RetrievedPassage `json:"passages"`
}

// SynthesizeResult is the final answer plus its validated citations.
type SynthesizeResult struct {
	Answer    string              `json:"answer"`
	Citations []research.Citation `json:"citations"`
}

// EmitInput publishes one progress event to the session's stream.
type EmitInput struct {
	SessionID string          `json:"session_id"`
	Event     streaming.Event `json:"event"`
}

// PersistInput stores the finished transcript.
type PersistInput struct {
	Session research.Session `json:"session"`
}
