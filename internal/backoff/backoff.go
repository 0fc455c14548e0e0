package backoff

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/opencorpora/researchd/internal/metrics"
)

// Policy controls retry behavior for a class of remote calls. The delay
// before attempt n (zero-based, counting retries) is InitialDelay * 2^n.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

// Default policies per remote-call class.
var (
	GenerationPolicy = Policy{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond}
	RetrievalPolicy  = Policy{MaxAttempts: 5, InitialDelay: 250 * time.Millisecond}
	MutationPolicy   = Policy{MaxAttempts: 5, InitialDelay: 250 * time.Millisecond}
)

// permanentError marks an error that must not be retried.
type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Execute surfaces it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Executor runs fallible remote calls with bounded exponential backoff.
// Every remote call in the system goes through an Executor; callers never
// implement their own retry loops.
type Executor struct {
	Logger *zap.Logger

	// Sleep is injectable for tests; nil means a context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// New returns an Executor logging through logger.
func New(logger *zap.Logger) *Executor {
	return &Executor{Logger: logger}
}

// Execute runs op until it succeeds, returns a permanent error, the
// context is canceled, or pol.MaxAttempts is exhausted. On exhaustion the
// last error is returned unchanged (unwrapped from any Permanent marker).
func (e *Executor) Execute(ctx context.Context, name string, op func(context.Context) error, pol Policy) error {
	attempts := pol.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := pol.InitialDelay << (attempt - 1)
			metrics.BackoffRetries.WithLabelValues(name).Inc()
			if e.Logger != nil {
				e.Logger.Warn("Retrying remote call",
					zap.String("call", name),
					zap.Int("attempt", attempt+1),
					zap.Duration("delay", delay),
					zap.Error(lastErr),
				)
			}
			if err := sleep(ctx, delay); err != nil {
				return lastErr
			}
		}

		err := op(ctx)
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// ExecuteValue is Execute for calls returning a value.
func ExecuteValue[T any](ctx context.Context, e *Executor, name string, op func(context.Context) (T, error), pol Policy) (T, error) {
	var out T
	err := e.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, pol)
	return out, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
