package activities

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/llm"
	"github.com/opencorpora/researchd/internal/metrics"
	"github.com/opencorpora/researchd/internal/research"
)

const synthesisSystemPrompt = `You answer a research question strictly from the excerpts given.
Quote supporting evidence as markdown links: [quoted excerpt](permalink),
using only permalinks that appear in the excerpts. Never invent sources.
If the excerpts cannot support an answer, say so plainly.`

// citationLink matches markdown links of the form [quoted text](url).
var citationLink = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)

// SynthesizeAnswer produces the final cited answer from the session's
// passages. Passages are deduplicated by source, keeping the highest
// score per source, and capped before prompting. Citations the model
// fabricates fail validation; one corrective re-prompt is allowed, after
// which the answer is rewritten with invalid links stripped rather than
// failing the session.
func (a *Activities) SynthesizeAnswer(ctx context.Context, in SynthesizeInput) (SynthesizeResult, error) {
	logger := activity.GetLogger(ctx)

	passages := dedupePassages(in.Passages, a.Cfg.TopPassages)
	if len(passages) == 0 {
		return SynthesizeResult{
			Answer: "No relevant experience reports were found for this question.",
		}, nil
	}

	byPermalink := make(map[string]research.RetrievedPassage, len(passages))
	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nExcerpts:\n", in.Question)
	for i, p := range passages {
		byPermalink[p.Permalink] = p
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, p.Permalink, p.Text)
	}
	prompt := sb.String()

	answer, err := a.complete(ctx, prompt)
	if err != nil {
		return SynthesizeResult{}, err
	}

	citations, invalid := extractCitations(answer, byPermalink)
	if len(invalid) > 0 {
		metrics.CitationValidationFailures.Inc()
		logger.Warn("answer cited unknown sources, re-prompting",
			"session_id", in.SessionID,
			"invalid", len(invalid),
		)
		retryPrompt := prompt + fmt.Sprintf(
			"\n\nYour previous answer cited permalinks not present in the excerpts (%s). Rewrite it using only the permalinks listed above.",
			strings.Join(invalid, ", "),
		)
		retryAnswer, rerr := a.complete(ctx, retryPrompt)
		if rerr == nil {
			if c2, inv2 := extractCitations(retryAnswer, byPermalink); len(inv2) == 0 {
				return SynthesizeResult{Answer: retryAnswer, Citations: c2}, nil
			}
			answer = retryAnswer
		}
		// Still fabricating. Strip the bad links and keep what checks out.
		metrics.CitationValidationFailures.Inc()
		answer = stripInvalidLinks(answer, byPermalink)
		citations, _ = extractCitations(answer, byPermalink)
	}

	return SynthesizeResult{Answer: answer, Citations: citations}, nil
}

func (a *Activities) complete(ctx context.Context, prompt string) (string, error) {
	return backoff.ExecuteValue(ctx, a.Backoff, "synthesize", func(ctx context.Context) (string, error) {
		out, err := a.LLM.Complete(ctx, "synthesize", llm.Request{
			System:      synthesisSystemPrompt,
			Prompt:      prompt,
			MaxTokens:   2048,
			Temperature: 0.2,
		})
		if err != nil && llm.IsMalformed(err) {
			return "", backoff.Permanent(err)
		}
		return out, err
	}, backoff.GenerationPolicy)
}

// dedupePassages keeps the highest-scoring passage per source, then the
// top max by score.
func dedupePassages(in []research.RetrievedPassage, max int) []research.RetrievedPassage {
	best := make(map[string]research.RetrievedPassage, len(in))
	for _, p := range in {
		if cur, ok := best[p.SourceID]; !ok || p.Score > cur.Score {
			best[p.SourceID] = p
		}
	}
	out := make([]research.RetrievedPassage, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// extractCitations validates every markdown link in answer against the
// known permalinks, returning the valid citations and the set of
// permalinks that matched nothing.
func extractCitations(answer string, byPermalink map[string]research.RetrievedPassage) ([]research.Citation, []string) {
	var (
		citations []research.Citation
		invalid   []string
	)
	for _, m := range citationLink.FindAllStringSubmatch(answer, -1) {
		quoted, link := m[1], m[2]
		p, ok := byPermalink[link]
		if !ok {
			invalid = append(invalid, link)
			continue
		}
		citations = append(citations, research.Citation{
			SourceID:   p.SourceID,
			QuotedText: quoted,
			Permalink:  link,
		})
	}
	return citations, invalid
}

// stripInvalidLinks rewrites unknown citations as plain text, preserving
// the quoted words.
func stripInvalidLinks(answer string, byPermalink map[string]research.RetrievedPassage) string {
	return citationLink.ReplaceAllStringFunc(answer, func(m string) string {
		sub := citationLink.FindStringSubmatch(m)
		if _, ok := byPermalink[sub[2]]; ok {
			return m
		}
		return sub[1]
	})
}
