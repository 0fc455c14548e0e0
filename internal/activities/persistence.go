package activities

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"

	"github.com/opencorpora/researchd/internal/backoff"
	"github.com/opencorpora/researchd/internal/metrics"
)

// PersistTranscript stores a finished session transcript. Called once
// per session, after the status turned terminal.
func (a *Activities) PersistTranscript(ctx context.Context, in PersistInput) error {
	logger := activity.GetLogger(ctx)
	sess := in.Session

	err := a.Backoff.Execute(ctx, "persist_transcript", func(ctx context.Context) error {
		return a.Store.Save(ctx, &sess)
	}, backoff.MutationPolicy)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		metrics.TranscriptsPersisted.WithLabelValues("error").Inc()
		logger.Error("transcript persistence failed",
			"session_id", sess.ID,
			"error", err,
		)
		return err
	}

	metrics.TranscriptsPersisted.WithLabelValues("ok").Inc()
	metrics.SessionsCompleted.WithLabelValues(string(sess.Mode), string(sess.Status)).Inc()
	metrics.SessionIterations.WithLabelValues(string(sess.Mode)).Observe(float64(sess.Iteration))
	if !sess.CompletedAt.IsZero() && !sess.CreatedAt.IsZero() {
		metrics.SessionDuration.WithLabelValues(string(sess.Mode)).Observe(sess.CompletedAt.Sub(sess.CreatedAt).Seconds())
	}
	logger.Info("transcript persisted",
		"session_id", sess.ID,
		"status", string(sess.Status),
	)
	return nil
}
