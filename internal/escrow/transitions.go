package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/metrics"
	"github.com/mbd888/homesettle/internal/traces"
)

// OnPaymentConfirmed applies a COMPLETED deposit or balance entry to its
// escrow. Re-delivering a confirmation that was already applied is a no-op.
// A payment that lands on a terminal escrow is refunded straight away and
// still reported as an InvalidTransitionError.
func (s *Service) OnPaymentConfirmed(ctx context.Context, transactionID string) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.OnPaymentConfirmed", traces.TransactionID(transactionID))
	defer func() { traces.End(span, err) }()

	tx, err := s.ledger.Get(ctx, transactionID)
	if err != nil {
		return err
	}
	if !tx.Type.Inbound() || tx.Status != ledger.StatusCompleted {
		return invalid("transaction %s is %s %s, want a completed deposit or balance", tx.ID, tx.Status, tx.Type)
	}

	var refund *ledger.Transaction
	var event string
	a, err := s.withAccount(ctx, tx.EscrowAccountID, func(a *Account, now time.Time) error {
		if a.DepositTransactionID == tx.ID || a.BalanceTransactionID == tx.ID {
			return errUnchanged
		}
		reject := func(reason string) error {
			metrics.EscrowRejectedTotal.WithLabelValues("payment_confirmed", reason).Inc()
			return &InvalidTransitionError{EscrowID: a.ID, From: a.Status, Event: "apply " + string(tx.Type), Reason: reason}
		}

		if a.IsTerminal() {
			r, rerr := s.ledger.RecordRefund(ctx, tx, "payment received after escrow "+strings.ToLower(string(a.Status)))
			switch {
			case rerr == nil:
				refund = r
			case !errors.Is(rerr, ledger.ErrAlreadyRefunded):
				return fmt.Errorf("refund late payment %s: %w", tx.ID, rerr)
			}
			return reject("escrow is " + string(a.Status))
		}

		dueType, due, ok := a.AmountDue()
		if !ok || dueType != tx.Type {
			return reject("no " + string(tx.Type) + " expected")
		}
		if tx.Amount < due {
			return reject(fmt.Sprintf("amount %d is below %d due", tx.Amount, due))
		}

		if tx.Type == ledger.TypeDeposit {
			a.DepositTransactionID = tx.ID
			event = EventDepositPaid
			return moveTo(a, StatusDepositPaid, "apply DEPOSIT")
		}
		a.BalanceTransactionID = tx.ID
		event = EventFullPayment
		return moveTo(a, StatusFullPayment, "apply BALANCE")
	})
	if refund != nil {
		logging.L(ctx).Warn("refunded payment received on closed escrow",
			"escrowId", tx.EscrowAccountID, "transactionId", tx.ID, "refundId", refund.ID, "amount", refund.Amount)
		s.notifier.Notify(ctx, refund.UserID, refundEvent(tx.EscrowAccountID, refund))
	}
	if err != nil {
		return err
	}
	if event == "" {
		return nil
	}

	span.SetAttributes(traces.EscrowID(a.ID), traces.EscrowStatus(string(a.Status)))
	s.logger.Info("escrow payment applied",
		"escrowId", a.ID, "transactionId", tx.ID, "type", tx.Type, "amount", tx.Amount, "status", a.Status)
	s.notifyParties(ctx, a, event, a.BuyerID, a.SellerID, a.NotaryID)
	return nil
}

// RequestDocumentReview moves a funded escrow into notary review. Only the
// buyer or seller may ask.
func (s *Service) RequestDocumentReview(ctx context.Context, id, callerID string) (*Account, error) {
	a, err := s.withAccount(ctx, id, func(a *Account, _ time.Time) error {
		if callerID == "" || (callerID != a.BuyerID && callerID != a.SellerID) {
			return &UnauthorizedError{EscrowID: a.ID, UserID: callerID, Action: "request document review"}
		}
		return moveTo(a, StatusDocumentsReview, "request document review")
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, a, EventDocumentsReview, a.BuyerID, a.SellerID, a.NotaryID)
	return a, nil
}

// ApproveDocuments records the assigned notary's verification and approval
// and moves the escrow to APPROVED, making the balance due.
func (s *Service) ApproveDocuments(ctx context.Context, id, notaryID string) (*Account, error) {
	a, err := s.withAccount(ctx, id, func(a *Account, _ time.Time) error {
		if a.NotaryID == "" || notaryID != a.NotaryID {
			return &UnauthorizedError{EscrowID: a.ID, UserID: notaryID, Action: "approve documents"}
		}
		a.ReleaseConditions.DocumentsVerified = true
		a.ReleaseConditions.NotaryApproval = true
		return moveTo(a, StatusApproved, "approve documents")
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("escrow documents approved", "escrowId", a.ID, "notary", notaryID)
	s.notifyParties(ctx, a, EventApproved, a.BuyerID, a.SellerID)
	return a, nil
}

// AssignNotary sets or replaces the notary until documents are approved.
// Replacing a notary clears approvals the previous one gave.
func (s *Service) AssignNotary(ctx context.Context, id, notaryID string) (*Account, error) {
	notaryID = strings.TrimSpace(notaryID)
	if notaryID == "" {
		return nil, invalid("notaryId is required")
	}
	a, err := s.withAccount(ctx, id, func(a *Account, _ time.Time) error {
		switch a.Status {
		case StatusPending, StatusDepositPaid, StatusDocumentsReview:
		default:
			metrics.EscrowRejectedTotal.WithLabelValues("assign notary", "wrong_state").Inc()
			return &InvalidTransitionError{EscrowID: a.ID, From: a.Status, Event: "assign notary", Reason: "documents already approved or escrow closed"}
		}
		if notaryID == a.BuyerID || notaryID == a.SellerID {
			return invalid("notary must not be the buyer or seller")
		}
		if notaryID == a.NotaryID {
			return errUnchanged
		}
		a.NotaryID = notaryID
		a.ReleaseConditions.DocumentsVerified = false
		a.ReleaseConditions.NotaryApproval = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, a, EventNotaryAssigned, a.BuyerID, a.SellerID, a.NotaryID)
	return a, nil
}

// UpdateReleaseConditions merges patch into the release conditions. Nil
// fields are left alone.
func (s *Service) UpdateReleaseConditions(ctx context.Context, id string, patch ReleaseConditionsPatch) (*Account, error) {
	return s.updateConditions(ctx, id, patch, nil)
}

// UpdateReleaseConditionsAs applies patch on behalf of callerID. The buyer
// may only confirm; the notary owns verification, approval and the cooling
// period. Roles are checked against the same copy the patch is applied to.
func (s *Service) UpdateReleaseConditionsAs(ctx context.Context, id, callerID string, patch ReleaseConditionsPatch) (*Account, error) {
	return s.updateConditions(ctx, id, patch, func(a *Account) error {
		isNotary := a.NotaryID != "" && callerID == a.NotaryID
		if patch.BuyerConfirmation != nil && callerID != a.BuyerID {
			return &UnauthorizedError{EscrowID: a.ID, UserID: callerID, Action: "set buyerConfirmation"}
		}
		if (patch.DocumentsVerified != nil || patch.NotaryApproval != nil || patch.CoolingPeriodEnd != nil) && !isNotary {
			return &UnauthorizedError{EscrowID: a.ID, UserID: callerID, Action: "set notary conditions"}
		}
		return nil
	})
}

func (s *Service) updateConditions(ctx context.Context, id string, patch ReleaseConditionsPatch, authorize func(a *Account) error) (*Account, error) {
	if patch.Empty() {
		return nil, invalid("no release condition to update")
	}
	a, err := s.withAccount(ctx, id, func(a *Account, _ time.Time) error {
		if authorize != nil {
			if err := authorize(a); err != nil {
				return err
			}
		}
		if a.IsTerminal() {
			metrics.EscrowRejectedTotal.WithLabelValues("update conditions", "terminal").Inc()
			return &InvalidTransitionError{EscrowID: a.ID, From: a.Status, Event: "update release conditions", Reason: "escrow is closed"}
		}
		patch.apply(&a.ReleaseConditions)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notifyParties(ctx, a, EventConditionsChange, a.BuyerID, a.SellerID, a.NotaryID)
	return a, nil
}

// Dispute freezes an escrow between deposit and release. Funds stay held
// until the escrow is cancelled.
func (s *Service) Dispute(ctx context.Context, id, callerID, reason string) (*Account, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("a dispute reason is required")
	}
	a, err := s.withAccount(ctx, id, func(a *Account, _ time.Time) error {
		if callerID == "" || (callerID != a.BuyerID && callerID != a.SellerID) {
			return &UnauthorizedError{EscrowID: a.ID, UserID: callerID, Action: "dispute"}
		}
		if err := moveTo(a, StatusDisputed, "dispute"); err != nil {
			return err
		}
		a.DisputeReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("escrow disputed", "escrowId", a.ID, "by", callerID, "reason", reason)
	s.notifyParties(ctx, a, EventDisputed, a.BuyerID, a.SellerID, a.NotaryID)
	return a, nil
}

// Cancel refunds every captured payment to the buyer and closes the escrow.
//
// The account is claimed as CANCELLED with a version compare-and-set before
// any refund is written, so a concurrent release cannot also pay out and a
// payment confirmed afterwards takes the late-payment refund path. If no
// refund could be recorded the claim is undone and the escrow stays open.
// If only some were recorded the escrow stays CANCELLED and calling Cancel
// again records the rest.
func (s *Service) Cancel(ctx context.Context, id, reason string) (_ *Account, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Cancel", traces.EscrowID(id))
	defer func() { traces.End(span, err) }()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	before, a, err := s.claim(ctx, id, func(a *Account, now time.Time) error {
		if a.IsTerminal() {
			return &InvalidTransitionError{EscrowID: a.ID, From: a.Status, Event: "cancel", Reason: "escrow is closed"}
		}
		a.Status = StatusCancelled
		a.CancellationReason = reason
		a.CancelledAt = &now
		return nil
	})
	if errors.Is(err, ErrInvalidTransition) {
		return s.finishCancel(ctx, id, err)
	}
	if err != nil {
		return nil, err
	}

	refunds, settled, err := s.refundAll(ctx, a, "escrow cancelled: "+reason)
	if err != nil {
		if settled == 0 {
			s.unclaim(ctx, before, a)
			return nil, err
		}
		s.logger.Error("escrow cancelled with refunds outstanding, cancel again to finish",
			"escrowId", a.ID, "recorded", settled, "error", err)
		return nil, err
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(before.Status), string(StatusCancelled)).Inc()
	s.observeTerminal(a)

	s.logger.Info("escrow cancelled", "escrowId", a.ID, "reason", reason, "refunds", len(refunds))
	s.notifyParties(ctx, a, EventCancelled, a.BuyerID, a.SellerID, a.NotaryID)
	for _, r := range refunds {
		s.notifier.Notify(ctx, r.UserID, refundEvent(a.ID, r))
	}
	return a, nil
}

// finishCancel records refunds a cancelled escrow still owes. With nothing
// owed it returns closedErr unchanged.
func (s *Service) finishCancel(ctx context.Context, id string, closedErr error) (*Account, error) {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusCancelled {
		metrics.EscrowRejectedTotal.WithLabelValues("cancel", "terminal").Inc()
		return nil, closedErr
	}
	refunds, _, err := s.refundAll(ctx, a, "escrow cancelled: "+a.CancellationReason)
	if err != nil {
		return nil, err
	}
	if len(refunds) == 0 {
		metrics.EscrowRejectedTotal.WithLabelValues("cancel", "terminal").Inc()
		return nil, closedErr
	}
	s.logger.Warn("recorded outstanding refunds on cancelled escrow", "escrowId", a.ID, "refunds", len(refunds))
	for _, r := range refunds {
		s.notifier.Notify(ctx, r.UserID, refundEvent(a.ID, r))
	}
	return a, nil
}

// refundAll refunds every completed inbound payment without a refund. It
// returns the refunds it wrote and how many payments are refunded in total.
func (s *Service) refundAll(ctx context.Context, a *Account, reason string) (refunds []*ledger.Transaction, settled int, err error) {
	paid, err := s.ledger.Unrefunded(ctx, a.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("list payments to refund: %w", err)
	}
	entries, err := s.ledger.ListByEscrow(ctx, a.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("list escrow entries: %w", err)
	}
	for _, e := range entries {
		if e.Type == ledger.TypeRefund {
			settled++
		}
	}
	for _, p := range paid {
		r, rerr := s.ledger.RecordRefund(ctx, p, reason)
		if errors.Is(rerr, ledger.ErrAlreadyRefunded) {
			continue
		}
		if rerr != nil {
			s.logger.Error("escrow refund failed", "escrowId", a.ID, "transactionId", p.ID, "error", rerr)
			return refunds, settled, fmt.Errorf("refund %s: %w", p.ID, rerr)
		}
		refunds = append(refunds, r)
		settled++
	}
	return refunds, settled, nil
}

// claimAttempts bounds how often claim re-reads an account that another
// writer changed underneath it.
const claimAttempts = 3

// claim moves an account to a terminal status before money moves. fn checks
// and mutates a fresh copy; on a version conflict the account is re-read and
// fn runs again, so every check sees what the other writer did. before is
// the copy fn started from.
func (s *Service) claim(ctx context.Context, id string, fn func(a *Account, now time.Time) error) (before Account, a *Account, err error) {
	for range claimAttempts {
		a, err = s.store.Get(ctx, id)
		if err != nil {
			return before, nil, err
		}
		before = *a
		now := s.now()
		if err = fn(a, now); err != nil {
			return before, nil, err
		}
		a.UpdatedAt = now
		err = s.store.Update(ctx, a)
		if err == nil {
			return before, a, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return before, nil, err
		}
		s.logger.Debug("escrow changed while claiming, re-reading", "escrowId", id)
	}
	return before, nil, err
}

// unclaim restores the account a failed settlement claimed. Nothing else
// writes a claimed account, so the compare-and-set only fails on storage
// errors.
func (s *Service) unclaim(ctx context.Context, before Account, claimed *Account) {
	before.Version = claimed.Version
	before.UpdatedAt = s.now()
	if err := s.store.Update(context.WithoutCancel(ctx), &before); err != nil {
		s.logger.Error("CRITICAL: escrow left closed after its settlement failed",
			"escrowId", claimed.ID, "status", claimed.Status, "restore", before.Status, "error", err)
	}
}
