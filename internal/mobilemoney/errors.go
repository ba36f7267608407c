package mobilemoney

import (
	"errors"
	"fmt"
)

var (
	ErrProviderNotFound    = errors.New("mobile money provider not found")
	ErrProviderUnavailable = errors.New("mobile money provider unavailable")
	ErrInvalidAmount       = errors.New("invalid payment amount")
	ErrInvalidRequest      = errors.New("invalid payment request")

	// ErrChargeNotFound is returned by ProviderClient.Lookup when the
	// provider holds no charge for the merchant reference.
	ErrChargeNotFound = errors.New("provider has no charge for this reference")
)

// InvalidAmountError reports an amount outside what the provider or the
// escrow accepts.
type InvalidAmountError struct {
	Provider string
	Amount   int64
	Min      int64
	Max      int64
	Due      int64
}

func (e *InvalidAmountError) Error() string {
	if e.Due > 0 && e.Amount < e.Due {
		return fmt.Sprintf("amount %d is below the %d due", e.Amount, e.Due)
	}
	return fmt.Sprintf("amount %d outside %s limits [%d, %d]", e.Amount, e.Provider, e.Min, e.Max)
}

func (e *InvalidAmountError) Is(target error) bool { return target == ErrInvalidAmount }

// ProviderUnavailableError means the provider cannot be used right now. The
// caller may retry later.
type ProviderUnavailableError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s unavailable: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("provider %s unavailable: %s", e.Provider, e.Reason)
}

func (e *ProviderUnavailableError) Is(target error) bool { return target == ErrProviderUnavailable }

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidRequest}, args...)...)
}
