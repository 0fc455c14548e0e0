package workflows

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/opencorpora/researchd/internal/activities"
	"github.com/opencorpora/researchd/internal/research"
	"github.com/opencorpora/researchd/internal/streaming"
)

// Activity registration names. The worker registers the Activities
// methods under these.
const (
	ActivityPlanSubQuestions    = "PlanSubQuestions"
	ActivityRetrieveSubQuestion = "RetrieveSubQuestion"
	ActivityEvaluateProgress    = "EvaluateProgress"
	ActivitySynthesizeAnswer    = "SynthesizeAnswer"
	ActivityEmitProgress        = "EmitProgress"
	ActivityPersistTranscript   = "PersistTranscript"
)

const (
	defaultRetrievalParallelism = 8
	defaultActivityTimeout      = 120 * time.Second
)

// ResearchWorkflow drives one research session from question to cited
// answer: plan a batch of sub-questions, retrieve them in parallel,
// judge whether the evidence suffices, and either iterate or synthesize.
// The status only moves forward on the happy path; aborted and errored
// are absorbing and every terminal path persists the transcript and
// closes the event stream.
//
// Activities run with MaximumAttempts 1: each activity owns its retries
// through the backoff executor, so re-running one from here would
// multiply the retry budgets.
func ResearchWorkflow(ctx workflow.Context, in ResearchInput) (ResearchResult, error) {
	logger := workflow.GetLogger(ctx)

	if !in.Mode.Valid() {
		return ResearchResult{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("unknown mode %q", in.Mode), "InvalidMode", nil)
	}
	if strings.TrimSpace(in.Question) == "" {
		return ResearchResult{}, temporal.NewNonRetryableApplicationError(
			"question must not be empty", "EmptyQuestion", nil)
	}

	parallelism := in.RetrievalParallelism
	if parallelism <= 0 {
		parallelism = defaultRetrievalParallelism
	}
	timeout := in.ActivityTimeout
	if timeout <= 0 {
		timeout = defaultActivityTimeout
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})

	sess := research.Session{
		ID:        in.SessionID,
		Question:  in.Question,
		Mode:      in.Mode,
		SexFilter: in.SexFilter,
		Status:    research.StatusPlanning,
		CreatedAt: workflow.Now(ctx).UTC(),
	}

	run := &sessionRun{ctx: ctx, sess: &sess, in: in, parallelism: parallelism}

	err := run.loop()
	switch {
	case err == nil:
		sess.Status = research.StatusDone
	case workflowCanceled(ctx, err) || errors.Is(err, research.ErrPlannerAbort) ||
		isAppError(err, "PlannerAbort"):
		logger.Info("session aborted", "session_id", sess.ID, "error", err)
		sess.Status = research.StatusAborted
	default:
		logger.Error("session errored", "session_id", sess.ID, "error", err)
		sess.Status = research.StatusErrored
	}
	sess.CompletedAt = workflow.Now(ctx).UTC()

	run.finish(err)

	if sess.Status == research.StatusErrored {
		return ResearchResult{Session: sess}, err
	}
	return ResearchResult{Session: sess}, nil
}

// sessionRun carries the per-session loop state.
type sessionRun struct {
	ctx         workflow.Context
	sess        *research.Session
	in          ResearchInput
	parallelism int

	irrelevantStreak int
}

// loop runs the plan/retrieve/analyze cycle until the evidence suffices
// or the iteration budget runs out, then synthesizes. A nil return means
// the session reached a done answer.
func (r *sessionRun) loop() error {
	logger := workflow.GetLogger(r.ctx)
	maxIter := r.sess.Mode.MaxIterations()

	for iter := 1; iter <= maxIter; iter++ {
		r.sess.Iteration = iter
		r.sess.Status = research.StatusPlanning

		var plan activities.PlanResult
		if err := workflow.ExecuteActivity(r.ctx, ActivityPlanSubQuestions, activities.PlanInput{
			SessionID: r.sess.ID,
			Question:  r.sess.Question,
			Mode:      r.sess.Mode,
			SexFilter: r.sess.SexFilter,
			Iteration: iter,
			Existing:  r.sess.SubQuestions,
		}).Get(r.ctx, &plan); err != nil {
			return err
		}

		if len(plan.SubQuestions) == 0 {
			// No new angle left to probe; answer with what we have.
			logger.Info("planner exhausted, moving to synthesis",
				"session_id", r.sess.ID, "iteration", iter)
			break
		}

		r.sess.Status = research.StatusRetrieving
		batch, err := r.retrieveBatch(plan.SubQuestions)
		if err != nil {
			return err
		}
		r.sess.SubQuestions = append(r.sess.SubQuestions, batch...)

		r.sess.Status = research.StatusAnalyzing
		sufficient, err := r.analyze(iter, batch)
		if err != nil {
			return err
		}
		if sufficient {
			break
		}
	}

	return r.synthesize()
}

// retrieveBatch dispatches the batch against the index, at most
// r.parallelism in flight, emitting per-sub-question progress events as
// each step actually changes state. Results come back in the original
// batch order regardless of completion order.
func (r *sessionRun) retrieveBatch(batch []research.SubQuestion) ([]research.SubQuestion, error) {
	ctx := r.ctx
	logger := workflow.GetLogger(ctx)

	for i := range batch {
		batch[i].Status = research.SubQuestionPending
		if err := r.emit(streaming.Event{
			Type:  streaming.EventRetrieve,
			ID:    batch[i].ID,
			State: streaming.StatePending,
			Query: batch[i].Text,
		}); err != nil {
			return nil, err
		}
	}

	sem := workflow.NewSemaphore(ctx, int64(r.parallelism))
	futures := workflow.NewChannel(ctx)

	type inflight struct {
		Index   int
		Future  workflow.Future
		Release workflow.Channel
	}

	for i := range batch {
		i := i
		sq := batch[i]
		workflow.Go(ctx, func(ctx workflow.Context) {
			if err := sem.Acquire(ctx, 1); err != nil {
				futures.Send(ctx, inflight{Index: i})
				return
			}
			rel := workflow.NewChannel(ctx)
			future := workflow.ExecuteActivity(ctx, ActivityRetrieveSubQuestion, activities.RetrieveInput{
				SessionID:   r.sess.ID,
				SubQuestion: sq,
				TopK:        r.in.TopK,
			})
			futures.Send(ctx, inflight{Index: i, Future: future, Release: rel})

			// Hold the permit until the collector consumed the result.
			var sig struct{}
			rel.Receive(ctx, &sig)
			sem.Release(1)
		})
	}

	results := make([]research.SubQuestion, len(batch))
	sel := workflow.NewSelector(ctx)
	processed := 0

	sel.AddReceive(futures, func(c workflow.ReceiveChannel, more bool) {
		var fl inflight
		c.Receive(ctx, &fl)
		if fl.Future == nil {
			sq := batch[fl.Index]
			sq.Status = research.SubQuestionError
			sq.Err = "dispatch failed"
			results[fl.Index] = sq
			processed++
			return
		}

		sq := batch[fl.Index]
		sq.Status = research.SubQuestionInFlight
		if err := r.emit(streaming.Event{
			Type:  streaming.EventRetrieve,
			ID:    sq.ID,
			State: streaming.StateInProgress,
			Query: sq.Text,
		}); err != nil {
			logger.Warn("progress emit failed", "sub_question_id", sq.ID, "error", err)
		}

		sel.AddFuture(fl.Future, func(f workflow.Future) {
			var res activities.RetrieveResult
			if err := f.Get(ctx, &res); err != nil {
				sq := batch[fl.Index]
				sq.Status = research.SubQuestionError
				sq.Err = err.Error()
				res.SubQuestion = sq
			}
			results[fl.Index] = res.SubQuestion
			processed++

			state := streaming.StateDone
			msg := ""
			if res.SubQuestion.Status == research.SubQuestionError {
				state = streaming.StateError
				msg = res.SubQuestion.Err
			}
			if err := r.emit(streaming.Event{
				Type:    streaming.EventRetrieve,
				ID:      res.SubQuestion.ID,
				State:   state,
				Query:   res.SubQuestion.Text,
				Result:  len(res.SubQuestion.Results),
				Message: msg,
			}); err != nil {
				logger.Warn("progress emit failed", "sub_question_id", res.SubQuestion.ID, "error", err)
			}

			fl.Release.Send(ctx, struct{}{})
		})
	})

	for processed < len(batch) {
		sel.Select(ctx)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// analyze judges the accumulated evidence after an iteration.
func (r *sessionRun) analyze(iter int, batch []research.SubQuestion) (bool, error) {
	analyzeID := fmt.Sprintf("analyze-%d", iter)
	if err := r.emit(streaming.Event{
		Type:  streaming.EventAnalyze,
		ID:    analyzeID,
		State: streaming.StateInProgress,
	}); err != nil {
		return false, err
	}

	var newPassages []research.RetrievedPassage
	for _, sq := range batch {
		newPassages = append(newPassages, sq.Results...)
	}

	var eval activities.EvaluateResult
	err := workflow.ExecuteActivity(r.ctx, ActivityEvaluateProgress, activities.EvaluateInput{
		SessionID:        r.sess.ID,
		Question:         r.sess.Question,
		Mode:             r.sess.Mode,
		Iteration:        iter,
		Passages:         r.sess.Passages(),
		NewPassages:      newPassages,
		IrrelevantStreak: r.irrelevantStreak,
	}).Get(r.ctx, &eval)
	if err != nil {
		_ = r.emit(streaming.Event{
			Type:    streaming.EventAnalyze,
			ID:      analyzeID,
			State:   streaming.StateError,
			Message: err.Error(),
		})
		return false, err
	}
	r.irrelevantStreak = eval.IrrelevantStreak

	if err := r.emit(streaming.Event{
		Type:    streaming.EventAnalyze,
		ID:      analyzeID,
		State:   streaming.StateDone,
		Message: eval.Reason,
	}); err != nil {
		return false, err
	}
	return eval.Sufficient, nil
}

// synthesize produces the final answer from everything retrieved.
func (r *sessionRun) synthesize() error {
	r.sess.Status = research.StatusAnswering
	if err := r.emit(streaming.Event{
		Type:  streaming.EventAnswer,
		ID:    "answer",
		State: streaming.StateInProgress,
	}); err != nil {
		return err
	}

	var syn activities.SynthesizeResult
	if err := workflow.ExecuteActivity(r.ctx, ActivitySynthesizeAnswer, activities.SynthesizeInput{
		SessionID: r.sess.ID,
		Question:  r.sess.Question,
		Passages:  r.sess.Passages(),
	}).Get(r.ctx, &syn); err != nil {
		return err
	}

	r.sess.Answer = syn.Answer
	r.sess.Citations = syn.Citations
	return nil
}

// finish persists the transcript and emits the closing event. It runs on
// a disconnected context so a canceled session still leaves a transcript
// and a closed stream behind.
func (r *sessionRun) finish(cause error) {
	ctx, _ := workflow.NewDisconnectedContext(r.ctx)
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	logger := workflow.GetLogger(ctx)

	if err := workflow.ExecuteActivity(ctx, ActivityPersistTranscript, activities.PersistInput{
		Session: *r.sess,
	}).Get(ctx, nil); err != nil {
		logger.Error("transcript persistence failed", "session_id", r.sess.ID, "error", err)
	}

	final := streaming.Event{
		Type:  streaming.EventAnswer,
		ID:    "answer",
		State: streaming.StateDone,
	}
	switch r.sess.Status {
	case research.StatusDone:
		final.Result = r.sess.Answer
	case research.StatusAborted:
		final.State = streaming.StateError
		final.Message = "session aborted"
		if cause != nil && (errors.Is(cause, research.ErrPlannerAbort) || isAppError(cause, "PlannerAbort")) {
			final.Message = "question not answerable from the corpus"
		}
	default:
		final.State = streaming.StateError
		final.Message = "session failed"
	}

	if err := workflow.ExecuteActivity(ctx, ActivityEmitProgress, activities.EmitInput{
		SessionID: r.sess.ID,
		Event:     final,
	}).Get(ctx, nil); err != nil {
		logger.Warn("final event emit failed", "session_id", r.sess.ID, "error", err)
	}
}

// emit publishes one progress event through the EmitProgress activity,
// waiting for delivery so per-step ordering holds.
func (r *sessionRun) emit(evt streaming.Event) error {
	evt.Timestamp = workflow.Now(r.ctx).UTC()
	return workflow.ExecuteActivity(r.ctx, ActivityEmitProgress, activities.EmitInput{
		SessionID: r.sess.ID,
		Event:     evt,
	}).Get(r.ctx, nil)
}

func workflowCanceled(ctx workflow.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	var canceled *temporal.CanceledError
	return errors.As(err, &canceled)
}

// isAppError reports whether err carries the given application error
// type across the activity boundary.
func isAppError(err error, errType string) bool {
	var appErr *temporal.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == errType
}
