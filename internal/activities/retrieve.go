package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/research"
	"github.com/opencorpora/researchd/internal/vectordb"
)

// RetrieveSubQuestion runs one sub-question against the vector index,
// retrying transient failures internally. The returned sub-question is
// always terminal: done with passages, or error with the cause recorded.
// A failed sub-question never fails the activity; the batch continues
// around it.
func (a *Activities) RetrieveSubQuestion(ctx context.Context, in RetrieveInput) (RetrieveResult, error) {
	logger := activity.GetLogger(ctx)
	sq := in.SubQuestion

	passages, err := backoff.ExecuteValue(ctx, a.Backoff, "retrieve", func(ctx context.Context) ([]research.RetrievedPassage, error) {
		ps, rerr := a.Retrieval.Retrieve(ctx, sq.Text, vectordb.Filter{Sex: string(sq.SexFilter)}, in.TopK)
		if rerr == nil {
			return ps, nil
		}
		if errors.Is(rerr, vectordb.ErrRetrievalMalformed) || errors.Is(rerr, vectordb.ErrEmptyQuery) {
			return nil, backoff.Permanent(rerr)
		}
		return nil, rerr
	}, backoff.RetrievalPolicy)

	if err != nil {
		// Cancellation must propagate so the workflow can abort cleanly.
		if errors.Is(err, context.Canceled) {
			return RetrieveResult{}, err
		}
		logger.Warn("sub-question retrieval failed",
			"session_id", in.SessionID,
			"sub_question_id", sq.ID,
			"error", err,
		)
		sq.Status = research.SubQuestionError
		sq.Err = err.Error()
		return RetrieveResult{SubQuestion: sq}, nil
	}

	sq.Status = research.SubQuestionDone
	sq.Results = passages
	logger.Debug("sub-question retrieved",
		"session_id", in.SessionID,
		"sub_question_id", sq.ID,
		"passages", len(passages),
	)
	return RetrieveResult{SubQuestion: sq}, nil
}
