package research

import (
	"errors"
	"strings"
	"time"
)

// ErrPlannerAbort signals that the planner judged the question unanswerable
// from the corpus. It is an expected terminal outcome, not a failure.
var ErrPlannerAbort = errors.New("planner abort: question not answerable from corpus")

// Mode selects the iteration budget for a research session.
type Mode string

const (
	ModeChat         Mode = "chat"
	ModeDeepResearch Mode = "deepResearch"
)

// MaxIterations returns the hard iteration cap for the mode.
func (m Mode) MaxIterations() int {
	if m == ModeDeepResearch {
		return 8
	}
	return 3
}

// MaxSubQuestions returns the per-batch sub-question cap for the mode.
func (m Mode) MaxSubQuestions() int {
	if m == ModeDeepResearch {
		return 8
	}
	return 3
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeChat || m == ModeDeepResearch
}

// SexFilter narrows retrieval to testimonies from one subject sex.
type SexFilter string

const (
	SexMale   SexFilter = "m"
	SexFemale SexFilter = "f"
	SexAny    SexFilter = ""
)

// Status is the session lifecycle state. It is monotonic over the happy
// path; Aborted and Errored are absorbing.
type Status string

const (
	StatusPlanning   Status = "planning"
	StatusRetrieving Status = "retrieving"
	StatusAnalyzing  Status = "analyzing"
	StatusAnswering  Status = "answering"
	StatusDone       Status = "done"
	StatusAborted    Status = "aborted"
	StatusErrored    Status = "errored"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusAborted || s == StatusErrored
}

// SubQuestionStatus tracks a single sub-question's retrieval lifecycle.
// The transition pending -> inFlight -> done|error happens exactly once;
// the planner never re-dispatches a sub-question.
type SubQuestionStatus string

const (
	SubQuestionPending  SubQuestionStatus = "pending"
	SubQuestionInFlight SubQuestionStatus = "inFlight"
	SubQuestionDone     SubQuestionStatus = "done"
	SubQuestionError    SubQuestionStatus = "error"
)

// RetrievedPassage is a scored unit of retrieved text. Immutable once
// fetched and owned by the sub-question that fetched it; the same source
// retrieved twice yields two independent passages, deduplicated only at
// synthesis time by SourceID.
type RetrievedPassage struct {
	SourceID  string                 `json:"source_id"`
	Text      string                 `json:"text"`
	Score     float64                `json:"score"`
	Permalink string                 `json:"permalink"`
	CreatedAt time.Time              `json:"created_at"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SubQuestion is a system-generated follow-up query probing the corpus
// from one angle.
type SubQuestion struct {
	ID        string             `json:"id"`
	Text      string             `json:"text"`
	SexFilter SexFilter          `json:"sex_filter,omitempty"`
	Status    SubQuestionStatus  `json:"status"`
	Results   []RetrievedPassage `json:"results,omitempty"`
	Err       string             `json:"error,omitempty"`
}

// Citation ties a quoted excerpt in the final answer back to its source
// passage. Produced only during synthesis, never mutated afterward.
type Citation struct {
	SourceID   string `json:"source_id"`
	QuotedText string `json:"quoted_text"`
	Permalink  string `json:"permalink"`
}

// Session is the running research transcript. It is mutated only by the
// workflow that owns it and persisted as an immutable transcript once
// Status reaches a terminal value.
type Session struct {
	ID           string        `json:"id"`
	Question     string        `json:"question"`
	Mode         Mode          `json:"mode"`
	SexFilter    SexFilter     `json:"sex_filter,omitempty"`
	Iteration    int           `json:"iteration"`
	SubQuestions []SubQuestion `json:"sub_questions"`
	Status       Status        `json:"status"`
	Answer       string        `json:"answer,omitempty"`
	Citations    []Citation    `json:"citations,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	CompletedAt  time.Time     `json:"completed_at,omitempty"`
}

// Clone returns a deep copy. Stores hand out clones so that no two
// callers share sub-question or citation slices.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.SubQuestions != nil {
		cp.SubQuestions = make([]SubQuestion, len(s.SubQuestions))
		for i, sq := range s.SubQuestions {
			cp.SubQuestions[i] = sq
			if sq.Results != nil {
				results := make([]RetrievedPassage, len(sq.Results))
				for j, p := range sq.Results {
					results[j] = p
					if p.Metadata != nil {
						md := make(map[string]interface{}, len(p.Metadata))
						for k, v := range p.Metadata {
							md[k] = v
						}
						results[j].Metadata = md
					}
				}
				cp.SubQuestions[i].Results = results
			}
		}
	}
	if s.Citations != nil {
		cp.Citations = append([]Citation(nil), s.Citations...)
	}
	return &cp
}

// Passages returns every passage collected so far, in sub-question order.
func (s *Session) Passages() []RetrievedPassage {
	var out []RetrievedPassage
	for _, sq := range s.SubQuestions {
		out = append(out, sq.Results...)
	}
	return out
}

// HasSubQuestion reports whether text duplicates an existing sub-question
// under normalized comparison.
func (s *Session) HasSubQuestion(text string) bool {
	norm := NormalizeQuestion(text)
	for _, sq := range s.SubQuestions {
		if NormalizeQuestion(sq.Text) == norm {
			return true
		}
	}
	return false
}

// NormalizeQuestion canonicalizes sub-question text for duplicate
// detection: lowercase, collapsed whitespace, trailing punctuation
// stripped.
func NormalizeQuestion(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Join(strings.Fields(t), " ")
	return strings.TrimRight(t, "?.! ")
}
