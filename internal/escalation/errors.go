package escalation

import (
	"errors"
	"fmt"
)

// ErrAlreadyClaimed is returned when another user already claimed the event.
var ErrAlreadyClaimed = errors.New("event already claimed by another user")

// InvariantViolation reports an operation that does not fit the current
// event table, such as a clear for an unknown fingerprint or a claim on a
// closed event. It signals a stale or duplicate request and is discarded.
type InvariantViolation struct {
	Fingerprint string
	Op          string
	Reason      string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("scheduler invariant violation: %s %s: %s", e.Op, e.Fingerprint, e.Reason)
}

// IsInvariantViolation reports whether err is (or wraps) an InvariantViolation.
func IsInvariantViolation(err error) bool {
	var iv *InvariantViolation
	return errors.As(err, &iv)
}
