// Package escrow holds a property transaction's funds until every party has
// signed off.
//
// Flow:
//  1. Escrow opened → PENDING, waiting for the buyer's deposit
//  2. Deposit payment completes → DEPOSIT_PAID
//  3. A party submits documents for notary review → DOCUMENTS_REVIEW
//  4. Notary verifies and approves → APPROVED, balance due
//  5. Balance payment completes → FULL_PAYMENT
//  6. Notary releases funds once every condition holds → RELEASED
//
// Any non-terminal escrow can be cancelled, which refunds every captured
// payment to the buyer. Only this package writes Account.Status.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mbd888/homesettle/internal/idgen"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/metrics"
	"github.com/mbd888/homesettle/internal/notify"
	"github.com/mbd888/homesettle/internal/pagination"
	"github.com/mbd888/homesettle/internal/syncutil"
)

// Status is an escrow lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusDepositPaid     Status = "DEPOSIT_PAID"
	StatusDocumentsReview Status = "DOCUMENTS_REVIEW"
	StatusApproved        Status = "APPROVED"
	StatusFullPayment     Status = "FULL_PAYMENT"
	StatusReleased        Status = "RELEASED"
	StatusCancelled       Status = "CANCELLED"
	StatusDisputed        Status = "DISPUTED"
)

// transitions lists every edge of the state machine. Nothing moves backwards;
// the only way out of a later state other than forward is cancellation.
var transitions = map[Status][]Status{
	StatusPending:         {StatusDepositPaid, StatusCancelled},
	StatusDepositPaid:     {StatusDocumentsReview, StatusDisputed, StatusCancelled},
	StatusDocumentsReview: {StatusApproved, StatusDisputed, StatusCancelled},
	StatusApproved:        {StatusFullPayment, StatusDisputed, StatusCancelled},
	StatusFullPayment:     {StatusReleased, StatusDisputed, StatusCancelled},
	StatusDisputed:        {StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusCancelled
}

// ReleaseConditions are the sign-offs the release gate checks.
type ReleaseConditions struct {
	DocumentsVerified bool       `json:"documentsVerified"`
	NotaryApproval    bool       `json:"notaryApproval"`
	BuyerConfirmation bool       `json:"buyerConfirmation"`
	CoolingPeriodEnd  *time.Time `json:"coolingPeriodEnd,omitempty"`
}

// ReleaseConditionsPatch updates only its non-nil fields.
type ReleaseConditionsPatch struct {
	DocumentsVerified *bool      `json:"documentsVerified,omitempty"`
	NotaryApproval    *bool      `json:"notaryApproval,omitempty"`
	BuyerConfirmation *bool      `json:"buyerConfirmation,omitempty"`
	CoolingPeriodEnd  *time.Time `json:"coolingPeriodEnd,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p ReleaseConditionsPatch) Empty() bool {
	return p.DocumentsVerified == nil && p.NotaryApproval == nil &&
		p.BuyerConfirmation == nil && p.CoolingPeriodEnd == nil
}

func (p ReleaseConditionsPatch) apply(rc *ReleaseConditions) {
	if p.DocumentsVerified != nil {
		rc.DocumentsVerified = *p.DocumentsVerified
	}
	if p.NotaryApproval != nil {
		rc.NotaryApproval = *p.NotaryApproval
	}
	if p.BuyerConfirmation != nil {
		rc.BuyerConfirmation = *p.BuyerConfirmation
	}
	if p.CoolingPeriodEnd != nil {
		end := *p.CoolingPeriodEnd
		rc.CoolingPeriodEnd = &end
	}
}

// Account is one property transaction's escrow. Amounts are in the smallest
// currency unit and DepositAmount + RemainingAmount == TotalAmount always.
type Account struct {
	ID                   string            `json:"id"`
	PropertyID           string            `json:"propertyId"`
	SellerID             string            `json:"sellerId"`
	BuyerID              string            `json:"buyerId"`
	NotaryID             string            `json:"notaryId,omitempty"`
	Currency             string            `json:"currency"`
	TotalAmount          int64             `json:"totalAmount"`
	DepositAmount        int64             `json:"depositAmount"`
	RemainingAmount      int64             `json:"remainingAmount"`
	EscrowFeeAmount      int64             `json:"escrowFeeAmount"`
	NotaryFeeAmount      int64             `json:"notaryFeeAmount"`
	Status               Status            `json:"status"`
	ReleaseConditions    ReleaseConditions `json:"releaseConditions"`
	DepositDeadline      time.Time         `json:"depositDeadline"`
	FullPaymentDeadline  time.Time         `json:"fullPaymentDeadline"`
	DepositTransactionID string            `json:"depositTransactionId,omitempty"`
	BalanceTransactionID string            `json:"balanceTransactionId,omitempty"`
	CancellationReason   string            `json:"cancellationReason,omitempty"`
	DisputeReason        string            `json:"disputeReason,omitempty"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
	ReleasedAt           *time.Time        `json:"releasedAt,omitempty"`
	CancelledAt          *time.Time        `json:"cancelledAt,omitempty"`
}

// IsTerminal reports whether the account is RELEASED or CANCELLED.
func (a *Account) IsTerminal() bool {
	return a.Status.IsTerminal()
}

// IsParty reports whether userID is the buyer, seller or notary.
func (a *Account) IsParty(userID string) bool {
	return userID != "" && (userID == a.BuyerID || userID == a.SellerID || userID == a.NotaryID)
}

// AmountDue returns the payment type and amount the account is waiting
// for, or ok=false when no payment is expected in its current state.
func (a *Account) AmountDue() (txType ledger.Type, amount int64, ok bool) {
	switch a.Status {
	case StatusPending:
		return ledger.TypeDeposit, a.DepositAmount, true
	case StatusApproved:
		return ledger.TypeBalance, a.RemainingAmount, true
	default:
		return "", 0, false
	}
}

// ReleaseAmount is what the seller receives on release.
func (a *Account) ReleaseAmount() int64 {
	return a.TotalAmount - a.EscrowFeeAmount
}

// Store persists accounts. Update is a compare-and-swap on Version: it
// fails with ErrVersionConflict when the stored version differs and bumps
// a.Version on success.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	Update(ctx context.Context, a *Account) error
	// ListByUser returns the user's accounts newest first, ordered by
	// (CreatedAt, ID) descending and starting strictly after cursor.
	ListByUser(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Account, error)
	// ListExpired returns accounts for which Expired(now) holds, oldest
	// first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Account, error)
}

// Ledger is the slice of the payment ledger the state machine uses.
type Ledger interface {
	Get(ctx context.Context, id string) (*ledger.Transaction, error)
	ListByEscrow(ctx context.Context, escrowID string) ([]*ledger.Transaction, error)
	Unrefunded(ctx context.Context, escrowID string) ([]*ledger.Transaction, error)
	RecordRelease(ctx context.Context, escrowID, sellerID string, amount int64) (*ledger.Transaction, error)
	RecordRefund(ctx context.Context, paid *ledger.Transaction, reason string) (*ledger.Transaction, error)
}

// Policy holds the economics and deadlines applied to new escrows.
type Policy struct {
	Currency          string
	EscrowFeeBps      int64
	NotaryFeeBps      int64
	DefaultDepositBps int64
	DepositWindow     time.Duration
	FullPaymentWindow time.Duration
}

// DefaultPolicy matches the config defaults.
func DefaultPolicy() Policy {
	return Policy{
		Currency:          "XOF",
		EscrowFeeBps:      200,
		NotaryFeeBps:      100,
		DefaultDepositBps: 1000,
		DepositWindow:     7 * 24 * time.Hour,
		FullPaymentWindow: 30 * 24 * time.Hour,
	}
}

// maxTotal keeps amount × basis points within int64.
const maxTotal = math.MaxInt64 / 10000

// bps returns amount × basisPoints / 10000, rounded down.
func bps(amount, basisPoints int64) int64 {
	return amount * basisPoints / 10000
}

// Service implements the escrow state machine and release gate.
type Service struct {
	store    Store
	ledger   Ledger
	notifier notify.Notifier
	policy   Policy
	locks    *syncutil.KeyedMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates an escrow service.
func NewService(store Store, ledger Ledger, notifier notify.Notifier, policy Policy) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Service{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		policy:   policy,
		locks:    syncutil.NewKeyedMutex(),
		logger:   slog.Default(),
		now:      time.Now,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRequest opens an escrow. A nil DepositAmount takes the policy default.
type CreateRequest struct {
	PropertyID    string `json:"propertyId"`
	SellerID      string `json:"sellerId"`
	BuyerID       string `json:"buyerId"`
	NotaryID      string `json:"notaryId,omitempty"`
	TotalAmount   int64  `json:"totalAmount"`
	DepositAmount *int64 `json:"depositAmount,omitempty"`
}

// Create opens an escrow in PENDING and notifies buyer and seller.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Account, error) {
	req.PropertyID = strings.TrimSpace(req.PropertyID)
	req.SellerID = strings.TrimSpace(req.SellerID)
	req.BuyerID = strings.TrimSpace(req.BuyerID)
	req.NotaryID = strings.TrimSpace(req.NotaryID)

	switch {
	case req.PropertyID == "" || req.SellerID == "" || req.BuyerID == "":
		return nil, invalid("propertyId, sellerId and buyerId are required")
	case req.BuyerID == req.SellerID:
		return nil, invalid("buyer and seller must be different users")
	case req.NotaryID != "" && (req.NotaryID == req.BuyerID || req.NotaryID == req.SellerID):
		return nil, invalid("notary must not be the buyer or seller")
	case req.TotalAmount <= 0:
		return nil, invalid("totalAmount must be positive")
	case req.TotalAmount > maxTotal:
		return nil, invalid("totalAmount exceeds %d", int64(maxTotal))
	}

	deposit := bps(req.TotalAmount, s.policy.DefaultDepositBps)
	if req.DepositAmount != nil {
		deposit = *req.DepositAmount
	}
	if deposit < 0 {
		return nil, invalid("depositAmount must not be negative")
	}
	if deposit > req.TotalAmount {
		return nil, invalid("depositAmount %d exceeds totalAmount %d", deposit, req.TotalAmount)
	}

	now := s.now()
	a := &Account{
		ID:                  idgen.WithPrefix(idgen.PrefixEscrow),
		PropertyID:          req.PropertyID,
		SellerID:            req.SellerID,
		BuyerID:             req.BuyerID,
		NotaryID:            req.NotaryID,
		Currency:            s.policy.Currency,
		TotalAmount:         req.TotalAmount,
		DepositAmount:       deposit,
		RemainingAmount:     req.TotalAmount - deposit,
		EscrowFeeAmount:     bps(req.TotalAmount, s.policy.EscrowFeeBps),
		NotaryFeeAmount:     bps(req.TotalAmount, s.policy.NotaryFeeBps),
		Status:              StatusPending,
		DepositDeadline:     now.Add(s.policy.DepositWindow),
		FullPaymentDeadline: now.Add(s.policy.FullPaymentWindow),
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	metrics.EscrowCreatedTotal.Inc()

	s.logger.Info("escrow created",
		"escrowId", a.ID, "propertyId", a.PropertyID,
		"buyer", a.BuyerID, "seller", a.SellerID,
		"total", a.TotalAmount, "deposit", a.DepositAmount)

	s.notifyParties(ctx, a, EventCreated, a.BuyerID, a.SellerID)
	return a, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns accounts where userID is buyer, seller or notary,
// newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Account, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, nil, limit)
}

// Page is one page of a user's escrows. NextCursor is empty on the last page.
type Page struct {
	Escrows    []*Account `json:"escrows"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// ListPage is ListByUser with keyset pagination. cursor is the NextCursor
// of the previous page, or empty for the first.
func (s *Service) ListPage(ctx context.Context, userID, cursor string, limit int) (*Page, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, invalid("cursor is not valid")
	}
	list, err := s.store.ListByUser(ctx, userID, c, limit+1)
	if err != nil {
		return nil, err
	}
	list, next := pagination.ComputePage(list, limit, func(a *Account) (time.Time, string) {
		return a.CreatedAt, a.ID
	})
	if list == nil {
		list = []*Account{}
	}
	return &Page{Escrows: list, NextCursor: next}, nil
}

// ListExpired returns accounts past their current deadline.
func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListExpired(ctx, now, limit)
}

// Transactions returns the ledger entries for an account.
func (s *Service) Transactions(ctx context.Context, id string) ([]*ledger.Transaction, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.ledger.ListByEscrow(ctx, id)
}

// errUnchanged lets a withAccount callback finish without writing.
var errUnchanged = errors.New("unchanged")

// withAccount runs fn on a fresh copy of the account while holding its
// lock and persists the result when fn returns nil. The version CAS in
// Update catches writers in other processes.
func (s *Service) withAccount(ctx context.Context, id string, fn func(a *Account, now time.Time) error) (*Account, error) {
	unlock, err := s.locks.LockContext(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := fn(a, now); err != nil {
		if errors.Is(err, errUnchanged) {
			return a, nil
		}
		return nil, err
	}
	a.UpdatedAt = now
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// moveTo changes status after checking the edge exists.
func moveTo(a *Account, to Status, event string) error {
	if !CanTransition(a.Status, to) {
		metrics.EscrowRejectedTotal.WithLabelValues(event, "wrong_state").Inc()
		return &InvalidTransitionError{EscrowID: a.ID, From: a.Status, Event: event, Reason: "not allowed from this status"}
	}
	metrics.EscrowTransitionsTotal.WithLabelValues(string(a.Status), string(to)).Inc()
	a.Status = to
	return nil
}

func (s *Service) observeTerminal(a *Account) {
	if a.IsTerminal() {
		metrics.EscrowDuration.Observe(a.UpdatedAt.Sub(a.CreatedAt).Seconds())
	}
}

// Expired reports whether the deadline for the account's current stage has
// passed. Disputed and closed accounts never expire.
func (a *Account) Expired(now time.Time) bool {
	switch a.Status {
	case StatusPending:
		return now.After(a.DepositDeadline)
	case StatusDepositPaid, StatusDocumentsReview, StatusApproved:
		return now.After(a.FullPaymentDeadline)
	default:
		return false
	}
}
