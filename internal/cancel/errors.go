package cancel

import "errors"

// ErrCancelled is matched by every error returned for a cancelled token.
var ErrCancelled = errors.New("operation cancelled")

// Error carries the reason a token was cancelled.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return "operation cancelled: " + e.Reason.String()
}

// Unwrap lets errors.Is(err, ErrCancelled) succeed.
func (e *Error) Unwrap() error {
	return ErrCancelled
}

// ReasonFromError extracts the cancellation reason from err.
// The second return is false when err was not produced by a token.
func ReasonFromError(err error) (Reason, bool) {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Reason, true
	}
	return ReasonNone, false
}
