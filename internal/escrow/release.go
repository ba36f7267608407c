package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/metrics"
	"github.com/mbd888/homesettle/internal/traces"
)

// Release condition names reported in ConditionsNotMetError.Unmet, in the
// order they are checked.
const (
	CondStatus            = "status"
	CondNotaryAssigned    = "notaryAssigned"
	CondDocumentsVerified = "documentsVerified"
	CondNotaryApproval    = "notaryApproval"
	CondBuyerConfirmation = "buyerConfirmation"
	CondCoolingPeriod     = "coolingPeriod"
)

// Eligibility is the advisory view of the release gate.
type Eligibility struct {
	EscrowID   string   `json:"escrowId"`
	Status     Status   `json:"status"`
	Eligible   bool     `json:"eligible"`
	Authorized bool     `json:"authorized"`
	Unmet      []string `json:"unmet"`
}

// unmetConditions returns every release condition a fails at now.
func unmetConditions(a *Account, now time.Time) []string {
	unmet := []string{}
	rc := a.ReleaseConditions
	if a.Status != StatusFullPayment {
		unmet = append(unmet, CondStatus)
	}
	if a.NotaryID == "" {
		unmet = append(unmet, CondNotaryAssigned)
	}
	if !rc.DocumentsVerified {
		unmet = append(unmet, CondDocumentsVerified)
	}
	if !rc.NotaryApproval {
		unmet = append(unmet, CondNotaryApproval)
	}
	if !rc.BuyerConfirmation {
		unmet = append(unmet, CondBuyerConfirmation)
	}
	if rc.CoolingPeriodEnd != nil && now.Before(*rc.CoolingPeriodEnd) {
		unmet = append(unmet, CondCoolingPeriod)
	}
	return unmet
}

// checkRelease runs the gate. Closed escrows fail first, then a requester
// other than the assigned notary, then any unmet condition.
func checkRelease(a *Account, requester string, now time.Time) error {
	if a.IsTerminal() {
		return &InvalidTransitionError{EscrowID: a.ID, From: a.Status, Event: "release", Reason: "escrow is closed"}
	}
	if a.NotaryID != "" && requester != a.NotaryID {
		return &UnauthorizedError{EscrowID: a.ID, UserID: requester, Action: "release funds"}
	}
	if unmet := unmetConditions(a, now); len(unmet) > 0 {
		return &ConditionsNotMetError{EscrowID: a.ID, Unmet: unmet}
	}
	return nil
}

// Eligibility reports which release conditions are still open for requester.
func (s *Service) Eligibility(ctx context.Context, id, requester string) (*Eligibility, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	unmet := unmetConditions(a, s.now())
	authorized := a.NotaryID != "" && requester == a.NotaryID
	return &Eligibility{
		EscrowID:   a.ID,
		Status:     a.Status,
		Eligible:   authorized && len(unmet) == 0 && !a.IsTerminal(),
		Authorized: authorized,
		Unmet:      unmet,
	}, nil
}

// CanRelease reports whether ReleaseFunds would currently succeed for
// requester. Gate failures are a false result, not an error.
func (s *Service) CanRelease(ctx context.Context, id, requester string) (bool, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if err := checkRelease(a, requester, s.now()); err != nil {
		if isGateError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func isGateError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrConditionsNotMet)
}

// ReleaseFunds pays the seller total minus the escrow fee and closes the
// escrow. The gate is re-evaluated under the account lock and the account is
// claimed as RELEASED before the payout is written; when the gate fails, or
// the payout cannot be recorded, nothing changes. Calling it again on a
// RELEASED escrow whose payout was never recorded records it.
func (s *Service) ReleaseFunds(ctx context.Context, id, requester string) (_ *Account, _ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds", traces.EscrowID(id), traces.UserID(requester))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	before, a, err := s.claim(ctx, id, func(a *Account, now time.Time) error {
		if err := checkRelease(a, requester, now); err != nil {
			return err
		}
		a.Status = StatusReleased
		a.ReleasedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			if a, payout, ok := s.finishRelease(ctx, id, requester); ok {
				return a, payout, nil
			}
		}
		metrics.ReleaseAttemptsTotal.WithLabelValues(releaseResult(err)).Inc()
		s.logger.Info("escrow release refused", "escrowId", id, "requester", requester, "reason", err)
		return nil, nil, err
	}

	payout, err := s.ledger.RecordRelease(ctx, a.ID, a.SellerID, a.ReleaseAmount())
	if err != nil {
		s.unclaim(ctx, before, a)
		metrics.ReleaseAttemptsTotal.WithLabelValues("error").Inc()
		return nil, nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(before.Status), string(StatusReleased)).Inc()
	metrics.ReleaseAttemptsTotal.WithLabelValues("released").Inc()
	s.observeTerminal(a)
	span.SetAttributes(traces.TransactionID(payout.ID), traces.Amount(payout.Amount))

	s.logger.Info("escrow released",
		"escrowId", a.ID, "seller", a.SellerID, "amount", payout.Amount,
		"fee", a.EscrowFeeAmount, "transactionId", payout.ID)
	s.notifyParties(ctx, a, EventReleased, a.SellerID, a.BuyerID)
	return a, payout, nil
}

// finishRelease records the payout of a RELEASED escrow that has none, for
// its notary. ok is false when there is nothing to finish.
func (s *Service) finishRelease(ctx context.Context, id, requester string) (*Account, *ledger.Transaction, bool) {
	a, err := s.store.Get(ctx, id)
	if err != nil || a.Status != StatusReleased || a.NotaryID == "" || requester != a.NotaryID {
		return nil, nil, false
	}
	entries, err := s.ledger.ListByEscrow(ctx, id)
	if err != nil {
		return nil, nil, false
	}
	for _, e := range entries {
		if e.Type == ledger.TypeRelease {
			return nil, nil, false
		}
	}
	payout, err := s.ledger.RecordRelease(ctx, a.ID, a.SellerID, a.ReleaseAmount())
	if err != nil {
		s.logger.Error("outstanding payout still not recorded", "escrowId", a.ID, "error", err)
		return nil, nil, false
	}
	s.logger.Warn("recorded outstanding payout on released escrow", "escrowId", a.ID, "transactionId", payout.ID)
	s.notifyParties(ctx, a, EventReleased, a.SellerID, a.BuyerID)
	return a, payout, true
}

func releaseResult(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConditionsNotMet):
		return "conditions_not_met"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_state"
	default:
		return "error"
	}
}
