package workflows

import (
	"time"

	"github.com/opencorpora/researchd/internal/research"
)

// TaskQueue is the Temporal task queue research workflows run on.
const TaskQueue = "researchd-tasks"

// ResearchInput starts one research session.
type ResearchInput struct {
	SessionID string             `json:"session_id"`
	Question  string             `json:"question"`
	Mode      research.Mode      `json:"mode"`
	SexFilter research.SexFilter `json:"sex_filter,omitempty"`

	// RetrievalParallelism bounds concurrent retrievals per batch.
	// Zero means the default of 8.
	RetrievalParallelism int `json:"retrieval_parallelism,omitempty"`
	// TopK passages per sub-question. Zero means the retrieval client's
	// default.
	TopK int `json:"top_k,omitempty"`
	// ActivityTimeout is the per-remote-call hard timeout. Zero means
	// 120 seconds.
	ActivityTimeout time.Duration `json:"activity_timeout,omitempty"`
}

// ResearchResult is the finished session transcript.
type ResearchResult struct {
	Session research.Session `json:"session"`
}
