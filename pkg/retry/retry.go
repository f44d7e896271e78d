package retry

import (
	"errors"
	"fmt"
	"time"
)

// Policy computes the delay to sleep before the given attempt (1-based).
type Policy interface {
	Delay(attempt int) time.Duration
}

// FixedDelay sleeps the same duration between every attempt.
type FixedDelay time.Duration

// Delay returns the fixed interval regardless of attempt number.
func (f FixedDelay) Delay(attempt int) time.Duration {
	return time.Duration(f)
}

// ExpBackoff doubles the base delay after every failed attempt.
type ExpBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns Base << (attempt-1), capped at Max when Max is set.
func (e ExpBackoff) Delay(attempt int) time.Duration {
	d := e.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max
		}
	}
	return d
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Do returns it immediately without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Options tunes a Do run.
type Options struct {
	// Attempts is the maximum number of calls to fn. Must be >= 1.
	Attempts int

	// Policy provides the sleep between attempts. Nil means no delay.
	Policy Policy

	// OnRetry, if set, runs after each failed attempt before sleeping.
	OnRetry func(attempt int, err error)

	// Stop, if set, is checked before every attempt. A true result
	// aborts the run with ErrStopped.
	Stop func() bool
}

// ErrStopped is returned when Options.Stop requested an early abort.
var ErrStopped = errors.New("retry stopped")

// Do calls fn until it succeeds, the attempt budget runs out, a permanent
// error is returned, or Stop fires. The last error is returned on failure,
// unwrapped from its Permanent marker if it carried one.
func Do(opts Options, fn func(attempt int) error) error {
	if opts.Attempts < 1 {
		return fmt.Errorf("retry: attempts must be >= 1, got %d", opts.Attempts)
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		if opts.Stop != nil && opts.Stop() {
			return ErrStopped
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		if attempt < opts.Attempts && opts.Policy != nil {
			time.Sleep(opts.Policy.Delay(attempt))
		}
	}
	return lastErr
}
