package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

const (
	// MaxAttempts bounds the retry loop, counting the first try.
	MaxAttempts = 3
	// BaseDelay is the backoff before the second attempt.
	BaseDelay = time.Second
	// MaxDelay caps a single backoff sleep.
	MaxDelay = 30 * time.Second
	// Multiplier grows the delay between consecutive attempts.
	Multiplier = 2.0
)

// AttemptFunc runs one engine invocation. The stderr return feeds failure
// classification even when the error text is generic.
type AttemptFunc func(ctx context.Context) (stderr string, err error)

// Controller drives the bounded retry loop around engine attempts.
type Controller struct {
	MaxAttempts int
	Base        time.Duration
	emit        func(types.AgentEvent)
}

// NewController creates a controller emitting retry progress through emit.
func NewController(emit func(types.AgentEvent)) *Controller {
	if emit == nil {
		emit = func(types.AgentEvent) {}
	}
	return &Controller{MaxAttempts: MaxAttempts, Base: BaseDelay, emit: emit}
}

func (c *Controller) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.Base
	b.MaxInterval = MaxDelay
	b.Multiplier = Multiplier
	// Deterministic delays: the presentation layer shows a countdown.
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the computed backoff before the given attempt (2-based: the
// first retry waits Delay(2)).
func (c *Controller) Delay(attempt int) time.Duration {
	d := c.Base
	for i := 2; i < attempt; i++ {
		d = time.Duration(float64(d) * Multiplier)
		if d > MaxDelay {
			return MaxDelay
		}
	}
	return d
}

// Run executes attempt until it succeeds, fails fatally, or the attempt
// budget is exhausted. It returns the retry records accumulated along the
// way; the caller summarizes them into the terminal status message only on
// ultimate failure.
func (c *Controller) Run(ctx context.Context, turnID string, attempt AttemptFunc) ([]types.RetryAttempt, error) {
	bo := c.newBackOff()
	var records []types.RetryAttempt

	for n := 1; ; n++ {
		stderr, err := attempt(ctx)
		if err == nil {
			if len(records) > 0 {
				c.emit(types.AgentEvent{Type: types.EventRetryCleared, TurnID: turnID})
			}
			return records, nil
		}

		reason, retryable := Classify(err, stderr)
		if !retryable {
			return records, err
		}

		rec := types.RetryAttempt{
			Attempt: n,
			At:      time.Now().UnixMilli(),
			Reason:  string(reason),
			Error:   err.Error(),
			Stderr:  stderr,
		}

		if n >= c.MaxAttempts {
			records = append(records, rec)
			c.emit(types.AgentEvent{
				Type:   types.EventRetryFailed,
				TurnID: turnID,
				Retry: &types.RetryInfo{
					Attempt:     n,
					MaxAttempts: c.MaxAttempts,
					Reason:      string(reason),
					Error:       err.Error(),
				},
			})
			return records, err
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			records = append(records, rec)
			return records, err
		}
		rec.DelayMs = delay.Milliseconds()
		records = append(records, rec)

		logging.Warn().Err(err).Str("reason", string(reason)).Int("attempt", n).
			Dur("delay", delay).Msg("engine attempt failed, retrying")

		info := &types.RetryInfo{
			Attempt:     n + 1,
			MaxAttempts: c.MaxAttempts,
			DelayMs:     delay.Milliseconds(),
			Reason:      string(reason),
			Error:       err.Error(),
		}
		c.emit(types.AgentEvent{Type: types.EventRetrying, TurnID: turnID, Retry: info})
		c.emit(types.AgentEvent{Type: types.EventRetryAttempt, TurnID: turnID, Retry: info})

		select {
		case <-ctx.Done():
			// Abort during backoff skips the sleep and ends the loop.
			return records, ctx.Err()
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			return records, ctx.Err()
		}
	}
}
