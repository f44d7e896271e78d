package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrFeeTooHigh is returned when the computed max fee per gas exceeds
// the network's configured ceiling. Sending at that price would burn
// more than an order is worth, so the caller backs off instead.
var ErrFeeTooHigh = errors.New("max fee per gas above configured ceiling")

// RevertError wraps a contract revert. Reverts are deterministic, so
// transaction retry loops short-circuit on them.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

// IsRevert reports whether err is (or wraps) a contract revert.
func IsRevert(err error) bool {
	var r *RevertError
	return errors.As(err, &r)
}

// classify turns provider errors into typed ones where the message
// allows it. Providers disagree on revert formatting, so this is a
// substring check.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "always failing transaction") {
		reason := ""
		if idx := strings.Index(msg, "execution reverted:"); idx >= 0 {
			reason = strings.TrimSpace(msg[idx+len("execution reverted:"):])
		}
		return &RevertError{Reason: reason}
	}
	return err
}
