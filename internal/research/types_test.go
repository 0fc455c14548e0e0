package research

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeBudgets(t *testing.T) {
	assert.Equal(t, 3, ModeChat.MaxIterations())
	assert.Equal(t, 3, ModeChat.MaxSubQuestions())
	assert.Equal(t, 8, ModeDeepResearch.MaxIterations())
	assert.Equal(t, 8, ModeDeepResearch.MaxSubQuestions())

	assert.True(t, ModeChat.Valid())
	assert.True(t, ModeDeepResearch.Valid())
	assert.False(t, Mode("frantic").Valid())
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusDone, StatusAborted, StatusErrored} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []Status{StatusPlanning, StatusRetrieving, StatusAnalyzing, StatusAnswering} {
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestNormalizeQuestion(t *testing.T) {
	cases := map[string]string{
		"  What   Helps With Sleep?? ": "what helps with sleep",
		"remote work.":                 "remote work",
		"plain":                        "plain",
		"Exclamation!":                 "exclamation",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeQuestion(in), in)
	}
}

func TestHasSubQuestion(t *testing.T) {
	s := &Session{SubQuestions: []SubQuestion{{ID: "a", Text: "Remote Work?"}}}
	assert.True(t, s.HasSubQuestion("remote   work"))
	assert.False(t, s.HasSubQuestion("office work"))
}

func TestPassagesPreservesSubQuestionOrder(t *testing.T) {
	s := &Session{SubQuestions: []SubQuestion{
		{ID: "a", Results: []RetrievedPassage{{SourceID: "p1"}, {SourceID: "p2"}}},
		{ID: "b", Results: []RetrievedPassage{{SourceID: "p3"}}},
	}}
	got := s.Passages()
	assert.Len(t, got, 3)
	assert.Equal(t, "p1", got[0].SourceID)
	assert.Equal(t, "p3", got[2].SourceID)
}
