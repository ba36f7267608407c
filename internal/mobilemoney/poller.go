package mobilemoney

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/homesettle/internal/ledger"
)

// Default polling cadence for callers waiting on a provider confirmation.
const (
	DefaultPollInterval = 3 * time.Second
	DefaultPollBudget   = 60 * time.Second
)

// StatusChecker is satisfied by *Orchestrator.
type StatusChecker interface {
	CheckPaymentStatus(ctx context.Context, transactionID string) (*StatusResult, error)
}

// Outcome is what a caller learns from waiting on a payment. Running out of
// budget is not a failure: the payment is simply StillPending and the
// reconciler will settle it later.
type Outcome struct {
	Transaction  *ledger.Transaction `json:"transaction"`
	Status       ledger.Status       `json:"status"`
	StillPending bool                `json:"stillPending"`
	Polls        int                 `json:"polls"`
	LastError    string              `json:"lastError,omitempty"`
}

// Poller waits for a payment to settle by checking it at a fixed interval
// until a time budget runs out.
type Poller struct {
	checker  StatusChecker
	interval time.Duration
	budget   time.Duration
}

// NewPoller creates a poller. Non-positive values take the defaults.
func NewPoller(checker StatusChecker, interval, budget time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	return &Poller{checker: checker, interval: interval, budget: budget}
}

// Await checks transactionID immediately and then every interval until the
// payment is terminal or the budget is spent. Provider outages count as
// "still pending"; only unknown transactions and a cancelled ctx are errors.
func (p *Poller) Await(ctx context.Context, transactionID string) (*Outcome, error) {
	deadline := time.NewTimer(p.budget)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	out := &Outcome{Status: ledger.StatusPending, StillPending: true}
	for {
		out.Polls++
		res, err := p.checker.CheckPaymentStatus(ctx, transactionID)
		switch {
		case err == nil:
			out.Transaction, out.Status = res.Transaction, res.Status
			if !res.Pending() {
				out.StillPending = false
				return out, nil
			}
		case errors.Is(err, ErrProviderUnavailable):
			out.LastError = err.Error()
		default:
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return out, nil
		case <-ticker.C:
		}
	}
}
