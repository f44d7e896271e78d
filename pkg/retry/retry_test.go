package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Do(Options{Attempts: 5}, func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(Options{Attempts: 4}, func(attempt int) error {
		calls++
		return errors.New("still failing")
	})
	assert.EqualError(t, err, "still failing")
	assert.Equal(t, 4, calls)
}

func TestDoPermanentShortCircuits(t *testing.T) {
	reverted := errors.New("execution reverted")
	calls := 0
	err := Do(Options{Attempts: 20}, func(attempt int) error {
		calls++
		return Permanent(reverted)
	})
	assert.Equal(t, reverted, err)
	assert.Equal(t, 1, calls)
}

func TestDoStopAborts(t *testing.T) {
	stopped := false
	calls := 0
	err := Do(Options{
		Attempts: 10,
		Stop:     func() bool { return stopped },
	}, func(attempt int) error {
		calls++
		stopped = true
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, calls)
}

func TestDoOnRetryObservesAttempts(t *testing.T) {
	var seen []int
	err := Do(Options{
		Attempts: 3,
		OnRetry:  func(attempt int, err error) { seen = append(seen, attempt) },
	}, func(attempt int) error {
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDoRejectsZeroAttempts(t *testing.T) {
	err := Do(Options{Attempts: 0}, func(attempt int) error { return nil })
	assert.Error(t, err)
}

func TestExpBackoffDelays(t *testing.T) {
	tests := []struct {
		name    string
		policy  ExpBackoff
		attempt int
		want    time.Duration
	}{
		{"first attempt", ExpBackoff{Base: time.Second}, 1, time.Second},
		{"second attempt doubles", ExpBackoff{Base: time.Second}, 2, 2 * time.Second},
		{"fifth attempt", ExpBackoff{Base: time.Second}, 5, 16 * time.Second},
		{"capped at max", ExpBackoff{Base: time.Second, Max: 8 * time.Second}, 5, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestFixedDelay(t *testing.T) {
	p := FixedDelay(5 * time.Second)
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 5*time.Second, p.Delay(19))
}
