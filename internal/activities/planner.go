package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/research"
)

const plannerSystemPrompt = `You decompose a research question about a corpus of personal
experience reports into focused sub-questions. Respond with a JSON array
of strings, nothing else. Each sub-question must probe a distinct angle
not yet covered by the questions already asked.`

// PlanSubQuestions produces the next batch of sub-questions for a
// session. The first iteration expands the question through the template
// catalog; later iterations ask the LLM for follow-up angles given what
// was already asked. Duplicates of existing sub-questions are dropped
// under normalized comparison, so the returned batch may be smaller than
// the mode's cap, or empty when no new angle remains.
func (a *Activities) PlanSubQuestions(ctx context.Context, in PlanInput) (PlanResult, error) {
	logger := activity.GetLogger(ctx)

	max := in.Mode.MaxSubQuestions()
	var texts []string
	if in.Iteration <= 1 {
		texts = a.Catalog.Expand(in.Question, max)
	} else {
		generated, err := a.generateFollowUps(ctx, in, max)
		if err != nil {
			return PlanResult{}, err
		}
		texts = generated
	}

	seen := make(map[string]struct{}, len(in.Existing))
	for _, sq := range in.Existing {
		seen[research.NormalizeQuestion(sq.Text)] = struct{}{}
	}

	batch := make([]research.SubQuestion, 0, max)
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		norm := research.NormalizeQuestion(t)
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		batch = append(batch, research.SubQuestion{
			ID:        uuid.New().String(),
			Text:      t,
			SexFilter: in.SexFilter,
			Status:    research.SubQuestionPending,
		})
		if len(batch) == max {
			break
		}
	}

	logger.Info("planned sub-question batch",
		"session_id", in.SessionID,
		"iteration", in.Iteration,
		"planned", len(batch),
	)
	return PlanResult{SubQuestions: batch}, nil
}

func (a *Activities) generateFollowUps(ctx context.Context, in PlanInput, max int) ([]string, error) {
	var asked []string
	for _, sq := range in.Existing {
		asked = append(asked, sq.Text)
	}
	prompt := fmt.Sprintf(
		"Research question: %s\n\nAlready asked:\n- %s\n\nGenerate up to %d new sub-questions as a JSON array of strings.",
		in.Question, strings.Join(asked, "\n- "), max,
	)

	text, err := backoff.ExecuteValue(ctx, a.Backoff, "plan_followups", func(ctx context.Context) (string, error) {
		out, err := a.LLM.Complete(ctx, "planner", llm.Request{
			System:      plannerSystemPrompt,
			Prompt:      prompt,
			MaxTokens:   1024,
			Temperature: 0.3,
		})
		if err == nil {
			return out, nil
		}
		// Malformed responses won't improve on retry.
		if llm.IsMalformed(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}, backoff.GenerationPolicy)
	if err != nil {
		return nil, err
	}

	questions, perr := parseQuestionArray(text)
	if perr != nil {
		// Model ignored the format. Fall back to one literal follow-up so
		// the iteration still makes progress.
		a.Logger.Warn("planner output not parseable, using fallback",
			zap.String("session_id", in.SessionID),
			zap.Error(perr),
		)
		return []string{fmt.Sprintf("additional perspectives on %s", in.Question)}, nil
	}
	return questions, nil
}

// parseQuestionArray extracts a JSON string array, tolerating prose or
// code fences around it.
func parseQuestionArray(text string) ([]string, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in planner output")
	}
	var out []string
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse planner output: %w", err)
	}
	return out, nil
}
