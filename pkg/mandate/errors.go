package mandate

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed creation request. No mandate is built.
	ErrValidation = errors.New("validation failed")
	// ErrIllegalTransition marks a transition the state machine does not allow
	// from the mandate's current status.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrIntegrity marks a mandate whose integrity tag does not verify.
	ErrIntegrity = errors.New("integrity verification failed")
	// ErrExpired marks an execution attempted at or after expires_at.
	ErrExpired = errors.New("mandate expired")
	// ErrNotDue marks an expiry attempted before expires_at.
	ErrNotDue = errors.New("mandate not yet expired")
	// ErrNotEligible marks an auto-approval refused by the trust scorer.
	ErrNotEligible = errors.New("not eligible for auto-approval")
)

// TransitionError reports a rejected lifecycle transition. The mandate is
// left exactly as it was.
type TransitionError struct {
	Event Event
	From  Status
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s from %s: %v", e.Event, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
