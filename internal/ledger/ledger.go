// Package ledger records every funds movement attempt against an escrow
// account.
//
// Entry lifecycle:
//  1. Inbound payments (DEPOSIT, BALANCE) open as PENDING when a provider
//     charge is initiated. At most one may be PENDING per escrow and type.
//  2. The orchestrator resolves them to COMPLETED or FAILED exactly once.
//  3. Outbound movements (RELEASE, REFUND) are appended already COMPLETED.
//
// Terminal entries are never modified.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/homesettle/internal/idgen"
)

// Type is the direction and purpose of a movement.
type Type string

const (
	TypeDeposit Type = "DEPOSIT"
	TypeBalance Type = "BALANCE"
	TypeRelease Type = "RELEASE"
	TypeRefund  Type = "REFUND"
)

// Inbound reports whether the movement is money collected from the buyer.
func (t Type) Inbound() bool {
	return t == TypeDeposit || t == TypeBalance
}

// Status is the settlement state of an entry.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// MethodEscrowPayout marks movements the platform makes out of escrow.
const MethodEscrowPayout = "escrow_payout"

var (
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrDuplicatePayment    = errors.New("ledger: a payment of this type is already pending")
	ErrAlreadyRefunded     = errors.New("ledger: payment already refunded")
	ErrAlreadyReleased     = errors.New("ledger: escrow already paid out")
	ErrInvalidEntry        = errors.New("ledger: invalid entry")
	ErrNotPending          = errors.New("ledger: transaction is no longer pending")
)

// DuplicatePaymentError is returned when a PENDING entry already exists for
// the same escrow and type.
type DuplicatePaymentError struct {
	EscrowID   string
	Type       Type
	ExistingID string // empty when the store cannot tell
}

func (e *DuplicatePaymentError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("%s payment for escrow %s already pending as %s", e.Type, e.EscrowID, e.ExistingID)
	}
	return fmt.Sprintf("%s payment for escrow %s already pending", e.Type, e.EscrowID)
}

func (e *DuplicatePaymentError) Is(target error) bool { return target == ErrDuplicatePayment }

// Transaction is one ledger entry. Amounts are in the smallest currency unit.
type Transaction struct {
	ID                    string     `json:"id"`
	EscrowAccountID       string     `json:"escrowAccountId"`
	UserID                string     `json:"userId"`
	Type                  Type       `json:"transactionType"`
	Amount                int64      `json:"amount"`
	FeeAmount             int64      `json:"feeAmount"`
	PaymentMethod         string     `json:"paymentMethod"`
	PhoneNumber           string     `json:"phoneNumber,omitempty"`
	ProviderTransactionID string     `json:"providerTransactionId,omitempty"`
	ProviderReference     string     `json:"providerReference,omitempty"`
	RelatedTransactionID  string     `json:"relatedTransactionId,omitempty"`
	Description           string     `json:"description,omitempty"`
	Status                Status     `json:"status"`
	FailureReason         string     `json:"failureReason,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	CompletedAt           *time.Time `json:"completedAt,omitempty"`
	FailedAt              *time.Time `json:"failedAt,omitempty"`
}

// IsTerminal reports whether the entry can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// Store persists ledger entries. Implementations must make CreatePending an
// atomic check-and-insert and Complete/Fail a compare-and-swap from PENDING.
type Store interface {
	// CreatePending inserts a PENDING entry or returns *DuplicatePaymentError.
	CreatePending(ctx context.Context, tx *Transaction) error
	// Append inserts an already-terminal entry. A second REFUND for the same
	// RelatedTransactionID returns ErrAlreadyRefunded.
	Append(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// AttachProvider records provider identifiers on a PENDING entry.
	AttachProvider(ctx context.Context, id, providerTxID, reference string) error
	// Complete moves PENDING → COMPLETED. applied is false when the entry
	// was already terminal.
	Complete(ctx context.Context, id string, at time.Time) (applied bool, err error)
	// Fail moves PENDING → FAILED. applied is false when the entry was
	// already terminal.
	Fail(ctx context.Context, id, reason string, at time.Time) (applied bool, err error)
	// ListByEscrow returns entries oldest first.
	ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error)
	// ListPending returns inbound PENDING entries created before olderThan, oldest first.
	ListPending(ctx context.Context, olderThan time.Time, limit int) ([]*Transaction, error)
}

// Ledger validates entries before they reach the store.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// PaymentRequest opens an inbound payment.
type PaymentRequest struct {
	EscrowID      string
	UserID        string
	Type          Type
	Amount        int64
	FeeAmount     int64
	PaymentMethod string
	PhoneNumber   string
	Description   string
}

// OpenPayment records a PENDING inbound payment.
func (l *Ledger) OpenPayment(ctx context.Context, req PaymentRequest) (*Transaction, error) {
	if !req.Type.Inbound() {
		return nil, fmt.Errorf("%w: %s is not an inbound payment type", ErrInvalidEntry, req.Type)
	}
	if req.EscrowID == "" || req.UserID == "" || req.PaymentMethod == "" {
		return nil, fmt.Errorf("%w: escrow, user and payment method are required", ErrInvalidEntry)
	}
	if req.Amount <= 0 || req.FeeAmount < 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}

	tx := &Transaction{
		ID:              idgen.WithPrefix(idgen.PrefixTransaction),
		EscrowAccountID: req.EscrowID,
		UserID:          req.UserID,
		Type:            req.Type,
		Amount:          req.Amount,
		FeeAmount:       req.FeeAmount,
		PaymentMethod:   req.PaymentMethod,
		PhoneNumber:     req.PhoneNumber,
		Description:     req.Description,
		Status:          StatusPending,
		CreatedAt:       l.now(),
	}
	if err := l.store.CreatePending(ctx, tx); err != nil {
		if errors.Is(err, ErrDuplicatePayment) {
			entriesTotal.WithLabelValues(string(req.Type), "duplicate").Inc()
		}
		return nil, err
	}
	entriesTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	return tx, nil
}

// RecordRelease appends the payout of escrowed funds to the seller. An
// escrow is paid out once; a repeat returns ErrAlreadyReleased.
func (l *Ledger) RecordRelease(ctx context.Context, escrowID, sellerID string, amount int64) (*Transaction, error) {
	return l.appendPayout(ctx, &Transaction{
		EscrowAccountID: escrowID,
		UserID:          sellerID,
		Type:            TypeRelease,
		Amount:          amount,
		Description:     "escrow release to seller",
	})
}

// RecordRefund appends the return of a completed inbound payment to the
// buyer. Each payment can be refunded once; a repeat returns ErrAlreadyRefunded.
func (l *Ledger) RecordRefund(ctx context.Context, paid *Transaction, reason string) (*Transaction, error) {
	if paid == nil || !paid.Type.Inbound() || paid.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: only completed inbound payments can be refunded", ErrInvalidEntry)
	}
	return l.appendPayout(ctx, &Transaction{
		EscrowAccountID:      paid.EscrowAccountID,
		UserID:               paid.UserID,
		Type:                 TypeRefund,
		Amount:               paid.Amount,
		RelatedTransactionID: paid.ID,
		Description:          reason,
	})
}

func (l *Ledger) appendPayout(ctx context.Context, tx *Transaction) (*Transaction, error) {
	if tx.Amount <= 0 {
		return nil, fmt.Errorf("%w: payout amount must be positive", ErrInvalidEntry)
	}
	now := l.now()
	tx.ID = idgen.WithPrefix(idgen.PrefixTransaction)
	tx.PaymentMethod = MethodEscrowPayout
	tx.Status = StatusCompleted
	tx.CreatedAt = now
	tx.CompletedAt = &now

	if err := l.store.Append(ctx, tx); err != nil {
		return nil, err
	}
	entriesTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	l.logger.Info("ledger payout recorded",
		"transactionId", tx.ID, "escrowId", tx.EscrowAccountID,
		"type", tx.Type, "amount", tx.Amount, "userId", tx.UserID)
	return tx, nil
}

// Get returns one entry.
func (l *Ledger) Get(ctx context.Context, id string) (*Transaction, error) {
	return l.store.Get(ctx, id)
}

// AttachProvider records the provider's identifiers for a charge. Terminal
// entries are immutable and return ErrNotPending.
func (l *Ledger) AttachProvider(ctx context.Context, id, providerTxID, reference string) error {
	return l.store.AttachProvider(ctx, id, providerTxID, reference)
}

// Complete settles a PENDING entry. Only the caller that gets applied=true
// may act on the completion.
func (l *Ledger) Complete(ctx context.Context, id string) (bool, error) {
	applied, err := l.store.Complete(ctx, id, l.now())
	if err == nil && applied {
		entriesTotal.WithLabelValues("inbound", string(StatusCompleted)).Inc()
	}
	return applied, err
}

// Fail marks a PENDING entry failed with reason.
func (l *Ledger) Fail(ctx context.Context, id, reason string) (bool, error) {
	applied, err := l.store.Fail(ctx, id, reason, l.now())
	if err == nil && applied {
		entriesTotal.WithLabelValues("inbound", string(StatusFailed)).Inc()
	}
	return applied, err
}

// ListByEscrow returns an escrow's entries, oldest first.
func (l *Ledger) ListByEscrow(ctx context.Context, escrowID string) ([]*Transaction, error) {
	return l.store.ListByEscrow(ctx, escrowID)
}

// ListPending returns inbound PENDING entries older than age.
func (l *Ledger) ListPending(ctx context.Context, age time.Duration, limit int) ([]*Transaction, error) {
	return l.store.ListPending(ctx, l.now().Add(-age), limit)
}

// Unrefunded returns completed inbound payments on an escrow that have no
// REFUND entry yet.
func (l *Ledger) Unrefunded(ctx context.Context, escrowID string) ([]*Transaction, error) {
	entries, err := l.store.ListByEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	refunded := make(map[string]bool)
	for _, e := range entries {
		if e.Type == TypeRefund && e.RelatedTransactionID != "" {
			refunded[e.RelatedTransactionID] = true
		}
	}
	var out []*Transaction
	for _, e := range entries {
		if e.Type.Inbound() && e.Status == StatusCompleted && !refunded[e.ID] {
			out = append(out, e)
		}
	}
	return out, nil
}
