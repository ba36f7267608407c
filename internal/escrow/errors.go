package escrow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEscrowNotFound    = errors.New("escrow not found")
	ErrInvalidRequest    = errors.New("invalid escrow request")
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrConditionsNotMet  = errors.New("release conditions not met")
	ErrUnauthorized      = errors.New("not authorized for this escrow operation")
	ErrVersionConflict   = errors.New("escrow was modified concurrently")
)

// InvalidTransitionError reports an event the state machine refused.
type InvalidTransitionError struct {
	EscrowID string
	From     Status
	Event    string
	Reason   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escrow %s: cannot %s from %s: %s", e.EscrowID, e.Event, e.From, e.Reason)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ConditionsNotMetError lists every release condition that failed.
type ConditionsNotMetError struct {
	EscrowID string
	Unmet    []string
}

func (e *ConditionsNotMetError) Error() string {
	return fmt.Sprintf("escrow %s: release conditions not met: %s", e.EscrowID, strings.Join(e.Unmet, ", "))
}

func (e *ConditionsNotMetError) Is(target error) bool { return target == ErrConditionsNotMet }

// UnauthorizedError names who tried what.
type UnauthorizedError struct {
	EscrowID string
	UserID   string
	Action   string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("escrow %s: user %q may not %s", e.EscrowID, e.UserID, e.Action)
}

func (e *UnauthorizedError) Is(target error) bool { return target == ErrUnauthorized }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}
