package ai

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/codexlearn/codex/internal/metrics"
)

// ErrPollExhausted is returned when polling hits its attempt or time ceiling
// before the operation reaches a terminal state.
var ErrPollExhausted = errors.New("operation did not finish before the polling limit")

// DefaultPollInterval is the fixed delay between checks of a long-running operation.
const DefaultPollInterval = 5 * time.Second

// PollConfig bounds a polling loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// DefaultPollConfig allows ten minutes of checks at the default interval.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: DefaultPollInterval, MaxAttempts: 120, Timeout: 10 * time.Minute}
}

func (c PollConfig) withDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Duration(c.MaxAttempts) * c.Interval
	}
	return c
}

// CheckFunc reports whether the operation is done. A non-nil error is terminal.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Poll calls check after each interval until it reports done, fails, or a
// ceiling is reached.
func Poll(ctx context.Context, cfg PollConfig, check CheckFunc) error {
	cfg = cfg.withDefaults()
	attempts := 0
	err := wait.PollUntilContextTimeout(ctx, cfg.Interval, cfg.Timeout, false, func(ctx context.Context) (bool, error) {
		attempts++
		done, err := check(ctx)
		switch {
		case err != nil:
			metrics.RecordPollAttempt("error")
			return false, err
		case done:
			metrics.RecordPollAttempt("done")
			return true, nil
		case attempts >= cfg.MaxAttempts:
			metrics.RecordPollAttempt("exhausted")
			return false, ErrPollExhausted
		}
		metrics.RecordPollAttempt("pending")
		return false, nil
	})
	if err == nil {
		return nil
	}
	// The parent context ending is the caller's error; our own deadline is exhaustion.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if wait.Interrupted(err) {
		return ErrPollExhausted
	}
	return err
}
