package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPollReachesTerminalState(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, MaxAttempts: 10, Timeout: 5 * time.Second}, func(context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPollStopsOnError(t *testing.T) {
	boom := errors.New("operation failed")
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, MaxAttempts: 10, Timeout: 5 * time.Second}, func(context.Context) (bool, error) {
		calls++
		return false, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestPollAttemptCeiling(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), PollConfig{Interval: time.Millisecond, MaxAttempts: 4, Timeout: time.Minute}, func(context.Context) (bool, error) {
		calls++
		return false, nil
	})
	assert.ErrorIs(t, err, ErrPollExhausted)
	assert.Equal(t, 4, calls)
}

func TestPollTimeoutCeiling(t *testing.T) {
	err := Poll(context.Background(), PollConfig{Interval: 5 * time.Millisecond, MaxAttempts: 1000, Timeout: 30 * time.Millisecond}, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, ErrPollExhausted)
}

func TestPollParentContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, PollConfig{Interval: time.Millisecond}, func(context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPollConfigDefaults(t *testing.T) {
	cfg := PollConfig{}.withDefaults()
	assert.Equal(t, DefaultPollInterval, cfg.Interval)
	assert.Equal(t, 120, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Timeout)

	cfg = PollConfig{Interval: time.Second, MaxAttempts: 3}.withDefaults()
	assert.Equal(t, 3*time.Second, cfg.Timeout)
}
