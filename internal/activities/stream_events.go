package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
)

// EmitProgress publishes one progress event to the session's stream.
// Publishing blocks while every subscriber's buffer is full, so slow
// consumers throttle the producer instead of losing events; the activity
// timeout bounds how long that can last.
func (a *Activities) EmitProgress(ctx context.Context, in EmitInput) error {
	evt := in.Event
	evt.SessionID = in.SessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := a.Streams.Publish(ctx, in.SessionID, evt); err != nil {
		activity.GetLogger(ctx).Warn("progress event publish interrupted",
			"session_id", in.SessionID,
			"type", string(evt.Type),
			"error", err,
		)
		return err
	}
	return nil
}
