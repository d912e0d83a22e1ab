package provider

import (
	"context"
	"errors"
	"fmt"

	"time"

	"go.uber.org/zap"
)

// Provider class names guarded by the rate limiter.
const (
	ClassImage = "image"
	ClassVideo = "video"
	ClassPoll  = "poll"
)

// PollState is one of the explicit poller states.
type PollState int

const (
	StatePolling PollState = iota
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s PollState) String() string {
	switch s {
	case StatePolling:
		return "polling"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// ErrTimedOut is returned when the attempt budget is exhausted without the
// job reaching a terminal state. The provider-side job may still complete
// later; no reconciliation happens here.
var ErrTimedOut = errors.New("polling timed out before job reached a terminal state")

// JobFailedError carries the provider's own failure message.
type JobFailedError struct {
	Message string
}

func (e *JobFailedError) Error() string {
	if e.Message == "" {
		return "provider job failed"
	}
	return "provider job failed: " + e.Message
}

// Result is the terminal outcome of a successful poll.
type Result struct {
	Outputs []string
}

// transition maps a provider-reported status string onto a poller state.
// Pure; unknown statuses keep polling.
func transition(status string) PollState {
	switch status {
	case "succeeded", "completed":
		return StateSucceeded
	case "failed":
		return StateFailed
	default:
		return StatePolling
	}
}

// Poll drives the job to a terminal state. Each iteration issues exactly one
// limiter-scheduled status call; attempts are strictly sequential. Transient
// errors during a single attempt are swallowed and counted against the
// attempt budget so a briefly unreachable provider does not fail the job.
func (c *Client) Poll(ctx context.Context, job *Job, maxAttempts int, interval time.Duration) (*Result, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("maxAttempts must be positive")
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.fetchStatus(ctx, job)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			c.logger.Warn("poll attempt failed, continuing",
				zap.String("provider_id", job.ProviderID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else {
			switch transition(resp.Data.Status) {
			case StateSucceeded:
				outputs := resp.Data.Outputs
				if len(outputs) == 0 && resp.Data.Output != "" {
					outputs = []string{resp.Data.Output}
				}
				c.logger.Info("provider job succeeded",
					zap.String("provider_id", job.ProviderID),
					zap.Int("attempts", attempt+1))
				return &Result{Outputs: outputs}, nil
			case StateFailed:
				c.logger.Warn("provider job failed",
					zap.String("provider_id", job.ProviderID),
					zap.String("provider_error", resp.Data.Error))
				return nil, &JobFailedError{Message: resp.Data.Error}
			default:
				c.logger.Debug("provider job still running",
					zap.String("provider_id", job.ProviderID),
					zap.String("status", resp.Data.Status),
					zap.Int("attempt", attempt))
			}
		}

		if attempt < maxAttempts-1 {
			if err := c.sleep(ctx, interval); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("%w (provider_id: %s)", ErrTimedOut, job.ProviderID)
}
