package activities

import (
	"context"
	"fmt"
	"strings"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/research"
)

const judgeSystemPrompt = `You judge whether retrieved excerpts from a corpus of personal
experience reports are enough to answer a research question. Answer with
exactly one word: SUFFICIENT or INSUFFICIENT.`

// EvaluateProgress decides whether the session has gathered enough
// evidence to answer, and tracks how many consecutive iterations came
// back with nothing relevant. Two such iterations in a row abort the
// session via research.ErrPlannerAbort.
//
// The gate is deterministic first: enough passages above the sufficiency
// score means answer now, none for two iterations means abort. Only the
// uncertain middle consults the LLM, and an LLM failure there degrades
// to "keep going" rather than failing the session.
func (a *Activities) EvaluateProgress(ctx context.Context, in EvaluateInput) (EvaluateResult, error) {
	logger := activity.GetLogger(ctx)

	streak := in.IrrelevantStreak
	if iterationIrrelevant(in.NewPassages, a.Cfg.RelevanceFloor) {
		streak++
	} else {
		streak = 0
	}
	if streak >= 2 {
		// Typed so the judgment survives the activity boundary intact.
		return EvaluateResult{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("%d consecutive iterations without relevant passages", streak),
			"PlannerAbort",
			research.ErrPlannerAbort,
		)
	}

	strong := 0
	for _, p := range in.Passages {
		if p.Score >= a.Cfg.SufficientScore {
			strong++
		}
	}
	if strong >= a.Cfg.MinSufficientPassages {
		logger.Info("evidence sufficient by score gate",
			"session_id", in.SessionID,
			"iteration", in.Iteration,
			"strong_passages", strong,
		)
		return EvaluateResult{
			Sufficient:       true,
			Reason:           "score gate",
			IrrelevantStreak: streak,
		}, nil
	}

	sufficient := a.judgeSufficiency(ctx, in)
	return EvaluateResult{
		Sufficient:       sufficient,
		Reason:           "model judgment",
		IrrelevantStreak: streak,
	}, nil
}

func (a *Activities) judgeSufficiency(ctx context.Context, in EvaluateInput) bool {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nExcerpts:\n", in.Question)
	for i, p := range in.Passages {
		fmt.Fprintf(&sb, "%d. (score %.2f) %s\n", i+1, p.Score, p.Text)
	}

	verdict, err := backoff.ExecuteValue(ctx, a.Backoff, "judge", func(ctx context.Context) (string, error) {
		out, lerr := a.LLM.Complete(ctx, "judge", llm.Request{
			System:    judgeSystemPrompt,
			Prompt:    sb.String(),
			MaxTokens: 8,
		})
		if lerr != nil && llm.IsMalformed(lerr) {
			return "", backoff.Permanent(lerr)
		}
		return out, lerr
	}, backoff.GenerationPolicy)
	if err != nil {
		a.Logger.Warn("sufficiency judgment unavailable, continuing research",
			zap.String("session_id", in.SessionID),
			zap.Error(err),
		)
		return false
	}
	return strings.Contains(strings.ToUpper(verdict), "SUFFICIENT") &&
		!strings.Contains(strings.ToUpper(verdict), "INSUFFICIENT")
}

func iterationIrrelevant(passages []research.RetrievedPassage, floor float64) bool {
	for _, p := range passages {
		if p.Score >= floor {
			return false
		}
	}
	return true
}
