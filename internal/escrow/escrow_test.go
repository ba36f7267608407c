package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/notify"
)

const (
	buyer  = "usr_buyer"
	seller = "usr_seller"
	notary = "usr_notary"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc    *Service
	store  *MemoryStore
	ledger *ledger.Ledger
	notes  *notify.Recorder
	now    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := t0
	clock := func() time.Time { return now }
	store := NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore(), logging.Discard()).WithClock(clock)
	notes := &notify.Recorder{}
	svc := NewService(store, l, notes, DefaultPolicy()).
		WithLogger(logging.Discard()).
		WithClock(clock)
	return &harness{svc: svc, store: store, ledger: l, notes: notes, now: &now}
}

func (h *harness) advance(d time.Duration) {
	*h.now = h.now.Add(d)
}

func (h *harness) create(t *testing.T) *Account {
	t.Helper()
	a, err := h.svc.Create(context.Background(), CreateRequest{
		PropertyID:  "prop_villa_12",
		SellerID:    seller,
		BuyerID:     buyer,
		NotaryID:    notary,
		TotalAmount: 10_000_000,
	})
	require.NoError(t, err)
	return a
}

// settle opens and completes an inbound payment without confirming it.
func (h *harness) settle(t *testing.T, escrowID string, typ ledger.Type, amount int64) *ledger.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, err := h.ledger.OpenPayment(ctx, ledger.PaymentRequest{
		EscrowID:      escrowID,
		UserID:        buyer,
		Type:          typ,
		Amount:        amount,
		PaymentMethod: "orange_money",
		PhoneNumber:   "+2250701020304",
	})
	require.NoError(t, err)
	applied, err := h.ledger.Complete(ctx, tx.ID)
	require.NoError(t, err)
	require.True(t, applied)
	return tx
}

func (h *harness) pay(t *testing.T, escrowID string, typ ledger.Type, amount int64) *ledger.Transaction {
	t.Helper()
	tx := h.settle(t, escrowID, typ, amount)
	require.NoError(t, h.svc.OnPaymentConfirmed(context.Background(), tx.ID))
	return tx
}

// fullyPaid walks an escrow to FULL_PAYMENT with documents approved.
func (h *harness) fullyPaid(t *testing.T) *Account {
	t.Helper()
	ctx := context.Background()
	a := h.create(t)
	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)
	_, err := h.svc.RequestDocumentReview(ctx, a.ID, buyer)
	require.NoError(t, err)
	_, err = h.svc.ApproveDocuments(ctx, a.ID, notary)
	require.NoError(t, err)
	h.pay(t, a.ID, ledger.TypeBalance, a.RemainingAmount)
	a, err = h.svc.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFullPayment, a.Status)
	return a
}

func ptr[T any](v T) *T { return &v }

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusDepositPaid))
	assert.True(t, CanTransition(StatusFullPayment, StatusReleased))
	assert.True(t, CanTransition(StatusDisputed, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusReleased))
	assert.False(t, CanTransition(StatusApproved, StatusDocumentsReview))
	assert.False(t, CanTransition(StatusReleased, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
	assert.False(t, CanTransition(StatusDisputed, StatusFullPayment))
}

func TestCreate_Defaults(t *testing.T) {
	h := newHarness(t)
	a := h.create(t)

	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "XOF", a.Currency)
	assert.Equal(t, int64(1_000_000), a.DepositAmount)
	assert.Equal(t, int64(9_000_000), a.RemainingAmount)
	assert.Equal(t, a.TotalAmount, a.DepositAmount+a.RemainingAmount)
	assert.Equal(t, int64(200_000), a.EscrowFeeAmount)
	assert.Equal(t, int64(100_000), a.NotaryFeeAmount)
	assert.Equal(t, t0.Add(7*24*time.Hour), a.DepositDeadline)
	assert.Equal(t, t0.Add(30*24*time.Hour), a.FullPaymentDeadline)
	assert.Equal(t, int64(1), a.Version)

	assert.Equal(t, 1, h.notes.Count(buyer, EventCreated))
	assert.Equal(t, 1, h.notes.Count(seller, EventCreated))
	assert.Equal(t, 0, h.notes.Count(notary, EventCreated))
}

func TestCreate_ExplicitDeposit(t *testing.T) {
	h := newHarness(t)
	a, err := h.svc.Create(context.Background(), CreateRequest{
		PropertyID: "prop_1", SellerID: seller, BuyerID: buyer,
		TotalAmount: 5_000_000, DepositAmount: ptr(int64(5_000_000)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5_000_000), a.DepositAmount)
	assert.Zero(t, a.RemainingAmount)
}

func TestCreate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"buyer is seller", CreateRequest{PropertyID: "p", SellerID: buyer, BuyerID: buyer, TotalAmount: 100}},
		{"missing property", CreateRequest{SellerID: seller, BuyerID: buyer, TotalAmount: 100}},
		{"zero total", CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer}},
		{"negative total", CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer, TotalAmount: -5}},
		{"deposit over total", CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer, TotalAmount: 100, DepositAmount: ptr(int64(101))}},
		{"negative deposit", CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer, TotalAmount: 100, DepositAmount: ptr(int64(-1))}},
		{"notary is buyer", CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer, NotaryID: buyer, TotalAmount: 100}},
		{"total overflows fee math", CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer, TotalAmount: maxTotal + 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, h.notes.Events())
		})
	}
}

func TestHappyPath_ReleasesToSeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	dep := h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)
	a, _ = h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusDepositPaid, a.Status)
	assert.Equal(t, dep.ID, a.DepositTransactionID)

	a, err := h.svc.RequestDocumentReview(ctx, a.ID, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusDocumentsReview, a.Status)

	a, err = h.svc.ApproveDocuments(ctx, a.ID, notary)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, a.Status)
	assert.True(t, a.ReleaseConditions.DocumentsVerified)
	assert.True(t, a.ReleaseConditions.NotaryApproval)

	bal := h.pay(t, a.ID, ledger.TypeBalance, a.RemainingAmount)
	a, _ = h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusFullPayment, a.Status)
	assert.Equal(t, bal.ID, a.BalanceTransactionID)

	_, err = h.svc.UpdateReleaseConditionsAs(ctx, a.ID, buyer, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	require.NoError(t, err)

	ok, err := h.svc.CanRelease(ctx, a.ID, notary)
	require.NoError(t, err)
	assert.True(t, ok)

	a, payout, err := h.svc.ReleaseFunds(ctx, a.ID, notary)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, a.Status)
	require.NotNil(t, a.ReleasedAt)
	assert.Equal(t, ledger.TypeRelease, payout.Type)
	assert.Equal(t, seller, payout.UserID)
	assert.Equal(t, int64(9_800_000), payout.Amount)

	entries, err := h.svc.Transactions(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, ledger.TypeRelease, entries[2].Type)

	assert.Equal(t, 1, h.notes.Count(seller, EventReleased))
	assert.Equal(t, 1, h.notes.Count(buyer, EventReleased))
}

func TestStatusNeverRegresses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)

	_, err := h.svc.RequestDocumentReview(ctx, a.ID, buyer)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.svc.ApproveDocuments(ctx, a.ID, notary)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	dep := h.settle(t, a.ID, ledger.TypeDeposit, a.DepositAmount)
	err = h.svc.OnPaymentConfirmed(ctx, dep.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusFullPayment, got.Status)
	assert.Equal(t, got.TotalAmount, got.DepositAmount+got.RemainingAmount)
}

func TestCancelAfterDeposit_RefundsBuyer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	dep := h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	a, err := h.svc.Cancel(ctx, a.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, a.Status)
	assert.Equal(t, "buyer withdrew", a.CancellationReason)
	require.NotNil(t, a.CancelledAt)

	entries, err := h.ledger.ListByEscrow(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	refund := entries[1]
	assert.Equal(t, ledger.TypeRefund, refund.Type)
	assert.Equal(t, buyer, refund.UserID)
	assert.Equal(t, dep.Amount, refund.Amount)
	assert.Equal(t, dep.ID, refund.RelatedTransactionID)

	assert.Equal(t, 1, h.notes.Count(buyer, EventRefunded))
	assert.Equal(t, 1, h.notes.Count(seller, EventCancelled))

	_, _, err = h.svc.ReleaseFunds(ctx, a.ID, notary)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = h.svc.Cancel(ctx, a.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelBeforePayment_NoRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	a, err := h.svc.Cancel(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", a.CancellationReason)

	entries, _ := h.ledger.ListByEscrow(ctx, a.ID)
	assert.Empty(t, entries)
	assert.Zero(t, h.notes.Count("", EventRefunded))
}

func TestCancelAfterBalance_RefundsBothPayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)

	_, err := h.svc.Cancel(ctx, a.ID, "title defect")
	require.NoError(t, err)

	var refunded int64
	entries, _ := h.ledger.ListByEscrow(ctx, a.ID)
	for _, e := range entries {
		if e.Type == ledger.TypeRefund {
			refunded += e.Amount
		}
	}
	assert.Equal(t, a.TotalAmount, refunded)
}

func TestCancelReleased_Rejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)
	_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	require.NoError(t, err)
	_, _, err = h.svc.ReleaseFunds(ctx, a.ID, notary)
	require.NoError(t, err)

	_, err = h.svc.Cancel(ctx, a.ID, "too late")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusReleased, ite.From)

	entries, _ := h.ledger.ListByEscrow(ctx, a.ID)
	for _, e := range entries {
		assert.NotEqual(t, ledger.TypeRefund, e.Type)
	}
}

type failingRefunds struct {
	*ledger.Ledger
}

func (failingRefunds) RecordRefund(context.Context, *ledger.Transaction, string) (*ledger.Transaction, error) {
	return nil, errors.New("ledger unavailable")
}

func TestCancel_RefundFailureKeepsEscrowOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	broken := NewService(h.store, failingRefunds{h.ledger}, h.notes, DefaultPolicy()).WithLogger(logging.Discard())
	_, err := broken.Cancel(ctx, a.ID, "buyer withdrew")
	require.Error(t, err)

	got, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusDepositPaid, got.Status)
	assert.Nil(t, got.CancelledAt)
	assert.Zero(t, h.notes.Count("", EventCancelled))

	_, err = h.svc.Cancel(ctx, a.ID, "buyer withdrew")
	require.NoError(t, err)
}

// secondRefundFails records the first refund and fails every later one.
type secondRefundFails struct {
	*ledger.Ledger
	calls int
}

func (f *secondRefundFails) RecordRefund(ctx context.Context, paid *ledger.Transaction, reason string) (*ledger.Transaction, error) {
	f.calls++
	if f.calls > 1 {
		return nil, errors.New("ledger unavailable")
	}
	return f.Ledger.RecordRefund(ctx, paid, reason)
}

func TestCancel_PartialRefundFinishedByCancellingAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)

	broken := NewService(h.store, &secondRefundFails{Ledger: h.ledger}, h.notes, DefaultPolicy()).WithLogger(logging.Discard())
	_, err := broken.Cancel(ctx, a.ID, "title defect")
	require.Error(t, err)

	got, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusCancelled, got.Status, "a refunded payment keeps the escrow closed")
	unrefunded, err := h.ledger.Unrefunded(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, unrefunded, 1)

	_, err = h.svc.Cancel(ctx, a.ID, "title defect")
	require.NoError(t, err)
	unrefunded, err = h.ledger.Unrefunded(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, unrefunded)
	assert.Equal(t, a.TotalAmount, sumOfType(t, h.ledger, a.ID, ledger.TypeRefund))

	_, err = h.svc.Cancel(ctx, a.ID, "title defect")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOnPaymentConfirmed_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	dep := h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	before, _ := h.svc.Get(ctx, a.ID)
	require.NoError(t, h.svc.OnPaymentConfirmed(ctx, dep.ID))
	require.NoError(t, h.svc.OnPaymentConfirmed(ctx, dep.ID))
	after, _ := h.svc.Get(ctx, a.ID)

	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, StatusDepositPaid, after.Status)
	assert.Equal(t, 1, h.notes.Count(buyer, EventDepositPaid))
}

func TestOnPaymentConfirmed_Rejects(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient amount", func(t *testing.T) {
		h := newHarness(t)
		a := h.create(t)
		tx := h.settle(t, a.ID, ledger.TypeDeposit, a.DepositAmount-1)
		err := h.svc.OnPaymentConfirmed(ctx, tx.ID)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		got, _ := h.svc.Get(ctx, a.ID)
		assert.Equal(t, StatusPending, got.Status)
	})

	t.Run("balance before approval", func(t *testing.T) {
		h := newHarness(t)
		a := h.create(t)
		tx := h.settle(t, a.ID, ledger.TypeBalance, a.RemainingAmount)
		assert.ErrorIs(t, h.svc.OnPaymentConfirmed(ctx, tx.ID), ErrInvalidTransition)
	})

	t.Run("still pending", func(t *testing.T) {
		h := newHarness(t)
		a := h.create(t)
		tx, err := h.ledger.OpenPayment(ctx, ledger.PaymentRequest{
			EscrowID: a.ID, UserID: buyer, Type: ledger.TypeDeposit,
			Amount: a.DepositAmount, PaymentMethod: "wave",
		})
		require.NoError(t, err)
		assert.ErrorIs(t, h.svc.OnPaymentConfirmed(ctx, tx.ID), ErrInvalidRequest)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		h := newHarness(t)
		assert.ErrorIs(t, h.svc.OnPaymentConfirmed(ctx, "ptx_missing"), ledger.ErrTransactionNotFound)
	})
}

func TestOnPaymentConfirmed_LateOnCancelledEscrowIsRefunded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	_, err := h.svc.Cancel(ctx, a.ID, "buyer withdrew")
	require.NoError(t, err)

	late := h.settle(t, a.ID, ledger.TypeDeposit, a.DepositAmount)
	err = h.svc.OnPaymentConfirmed(ctx, late.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	unrefunded, err := h.ledger.Unrefunded(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, unrefunded)
	assert.Equal(t, 1, h.notes.Count(buyer, EventRefunded))

	// Redelivery does not refund twice.
	assert.ErrorIs(t, h.svc.OnPaymentConfirmed(ctx, late.ID), ErrInvalidTransition)
	assert.Equal(t, 1, h.notes.Count(buyer, EventRefunded))
}

func TestReleaseGate(t *testing.T) {
	ctx := context.Background()

	t.Run("reports every unmet condition", func(t *testing.T) {
		h := newHarness(t)
		a := h.create(t)
		_, _, err := h.svc.ReleaseFunds(ctx, a.ID, notary)
		var cne *ConditionsNotMetError
		require.ErrorAs(t, err, &cne)
		assert.Equal(t, []string{CondStatus, CondDocumentsVerified, CondNotaryApproval, CondBuyerConfirmation}, cne.Unmet)
	})

	t.Run("buyer confirmation missing", func(t *testing.T) {
		h := newHarness(t)
		a := h.fullyPaid(t)
		ok, err := h.svc.CanRelease(ctx, a.ID, notary)
		require.NoError(t, err)
		assert.False(t, ok)

		_, _, err = h.svc.ReleaseFunds(ctx, a.ID, notary)
		var cne *ConditionsNotMetError
		require.ErrorAs(t, err, &cne)
		assert.Equal(t, []string{CondBuyerConfirmation}, cne.Unmet)

		entries, _ := h.ledger.ListByEscrow(ctx, a.ID)
		assert.Len(t, entries, 2)
		got, _ := h.svc.Get(ctx, a.ID)
		assert.Equal(t, StatusFullPayment, got.Status)
	})

	t.Run("only the notary may release", func(t *testing.T) {
		h := newHarness(t)
		a := h.fullyPaid(t)
		_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
		require.NoError(t, err)

		for _, who := range []string{buyer, seller, "usr_stranger", ""} {
			_, _, err := h.svc.ReleaseFunds(ctx, a.ID, who)
			assert.ErrorIs(t, err, ErrUnauthorized, who)
		}
	})

	t.Run("cooling period", func(t *testing.T) {
		h := newHarness(t)
		a := h.fullyPaid(t)
		_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{
			BuyerConfirmation: ptr(true),
			CoolingPeriodEnd:  ptr(t0.Add(48 * time.Hour)),
		})
		require.NoError(t, err)

		e, err := h.svc.Eligibility(ctx, a.ID, notary)
		require.NoError(t, err)
		assert.False(t, e.Eligible)
		assert.Equal(t, []string{CondCoolingPeriod}, e.Unmet)

		h.advance(49 * time.Hour)
		e, err = h.svc.Eligibility(ctx, a.ID, notary)
		require.NoError(t, err)
		assert.True(t, e.Eligible)
		assert.Empty(t, e.Unmet)

		_, _, err = h.svc.ReleaseFunds(ctx, a.ID, notary)
		assert.NoError(t, err)
	})

	t.Run("no notary assigned", func(t *testing.T) {
		h := newHarness(t)
		a, err := h.svc.Create(ctx, CreateRequest{PropertyID: "p", SellerID: seller, BuyerID: buyer, TotalAmount: 1000})
		require.NoError(t, err)
		_, _, err = h.svc.ReleaseFunds(ctx, a.ID, buyer)
		var cne *ConditionsNotMetError
		require.ErrorAs(t, err, &cne)
		assert.Contains(t, cne.Unmet, CondNotaryAssigned)
	})
}

func TestReleaseFunds_ConcurrentSingleRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)
	_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	released := 0
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := h.svc.ReleaseFunds(ctx, a.ID, notary); err == nil {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, released)
	releases := 0
	entries, _ := h.ledger.ListByEscrow(ctx, a.ID)
	for _, e := range entries {
		if e.Type == ledger.TypeRelease {
			releases++
		}
	}
	assert.Equal(t, 1, releases)
}

func TestCancelRacingConfirmation_EndsRefunded(t *testing.T) {
	for range 20 {
		h := newHarness(t)
		ctx := context.Background()
		a := h.create(t)
		dep := h.settle(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = h.svc.OnPaymentConfirmed(ctx, dep.ID)
		}()
		go func() {
			defer wg.Done()
			_, _ = h.svc.Cancel(ctx, a.ID, "buyer withdrew")
		}()
		wg.Wait()

		got, _ := h.svc.Get(ctx, a.ID)
		require.Equal(t, StatusCancelled, got.Status)
		unrefunded, err := h.ledger.Unrefunded(ctx, a.ID)
		require.NoError(t, err)
		require.Empty(t, unrefunded)
	}
}

func TestDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	_, err := h.svc.Dispute(ctx, a.ID, buyer, "no deposit yet")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	_, err = h.svc.Dispute(ctx, a.ID, notary, "notary cannot dispute")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.Dispute(ctx, a.ID, buyer, "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	a, err = h.svc.Dispute(ctx, a.ID, buyer, "seller changed the price")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, a.Status)
	assert.Equal(t, "seller changed the price", a.DisputeReason)
	assert.Equal(t, 1, h.notes.Count(seller, EventDisputed))

	_, err = h.svc.RequestDocumentReview(ctx, a.ID, buyer)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	a, err = h.svc.Cancel(ctx, a.ID, "dispute upheld")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, a.Status)
	unrefunded, _ := h.ledger.Unrefunded(ctx, a.ID)
	assert.Empty(t, unrefunded)
}

func TestRequestDocumentReview_PartiesOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	_, err := h.svc.RequestDocumentReview(ctx, a.ID, notary)
	assert.ErrorIs(t, err, ErrUnauthorized)

	a, err = h.svc.RequestDocumentReview(ctx, a.ID, buyer)
	require.NoError(t, err)
	assert.Equal(t, 1, h.notes.Count(notary, EventDocumentsReview))
}

func TestApproveDocuments_AssignedNotaryOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	_, err := h.svc.ApproveDocuments(ctx, a.ID, notary)
	assert.ErrorIs(t, err, ErrInvalidTransition, "review not requested yet")

	_, err = h.svc.RequestDocumentReview(ctx, a.ID, buyer)
	require.NoError(t, err)
	_, err = h.svc.ApproveDocuments(ctx, a.ID, "usr_other_notary")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.ApproveDocuments(ctx, a.ID, seller)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAssignNotary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{DocumentsVerified: ptr(true)})
	require.NoError(t, err)

	_, err = h.svc.AssignNotary(ctx, a.ID, seller)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	a, err = h.svc.AssignNotary(ctx, a.ID, "usr_notary_2")
	require.NoError(t, err)
	assert.Equal(t, "usr_notary_2", a.NotaryID)
	assert.False(t, a.ReleaseConditions.DocumentsVerified, "new notary starts from scratch")
	assert.Equal(t, 1, h.notes.Count("usr_notary_2", EventNotaryAssigned))

	same, err := h.svc.AssignNotary(ctx, a.ID, "usr_notary_2")
	require.NoError(t, err)
	assert.Equal(t, a.Version, same.Version)

	b := h.fullyPaid(t)
	_, err = h.svc.AssignNotary(ctx, b.ID, "usr_notary_3")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateReleaseConditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	a, err = h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	require.NoError(t, err)
	a, err = h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{NotaryApproval: ptr(true)})
	require.NoError(t, err)
	assert.True(t, a.ReleaseConditions.BuyerConfirmation, "nil fields are left alone")
	assert.True(t, a.ReleaseConditions.NotaryApproval)
	assert.False(t, a.ReleaseConditions.DocumentsVerified)

	_, err = h.svc.Cancel(ctx, a.ID, "")
	require.NoError(t, err)
	_, err = h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(false)})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateReleaseConditionsAs_Roles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	_, err := h.svc.UpdateReleaseConditionsAs(ctx, a.ID, seller, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.UpdateReleaseConditionsAs(ctx, a.ID, buyer, ReleaseConditionsPatch{DocumentsVerified: ptr(true)})
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = h.svc.UpdateReleaseConditionsAs(ctx, a.ID, notary, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.UpdateReleaseConditionsAs(ctx, a.ID, buyer, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	assert.NoError(t, err)
	a, err = h.svc.UpdateReleaseConditionsAs(ctx, a.ID, notary, ReleaseConditionsPatch{CoolingPeriodEnd: ptr(t0.Add(time.Hour))})
	require.NoError(t, err)
	require.NotNil(t, a.ReleaseConditions.CoolingPeriodEnd)
}

func TestListByUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.create(t)
	h.advance(time.Minute)
	second := h.create(t)

	for _, who := range []string{buyer, seller, notary} {
		list, err := h.svc.ListByUser(ctx, who, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID, "newest first")
		assert.Equal(t, first.ID, list[1].ID)
	}

	list, err := h.svc.ListByUser(ctx, "usr_stranger", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var ids []string
	for range 5 {
		ids = append(ids, h.create(t).ID)
		h.advance(time.Minute)
	}

	var seen []string
	cursor := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "pagination does not terminate")
		page, err := h.svc.ListPage(ctx, buyer, cursor, 2)
		require.NoError(t, err)
		for _, a := range page.Escrows {
			seen = append(seen, a.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	require.Len(t, seen, 5)
	for i := range ids {
		assert.Equal(t, ids[len(ids)-1-i], seen[i], "newest first without gaps")
	}

	_, err := h.svc.ListPage(ctx, buyer, "not-a-cursor", 2)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unpaid := h.create(t)
	paid := h.create(t)
	h.pay(t, paid.ID, ledger.TypeDeposit, paid.DepositAmount)
	done := h.fullyPaid(t)

	h.advance(8 * 24 * time.Hour)
	res, err := h.svc.SweepExpired(ctx, 10, true)
	require.NoError(t, err)
	require.Len(t, res.Expired, 1)
	assert.Equal(t, unpaid.ID, res.Expired[0].ID)
	assert.Empty(t, res.Cancelled, "dry run changes nothing")

	h.advance(30 * 24 * time.Hour)
	res, err = h.svc.SweepExpired(ctx, 10, false)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{unpaid.ID, paid.ID}, res.Cancelled)
	assert.Empty(t, res.Failed)

	got, _ := h.svc.Get(ctx, paid.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, ExpiryReason, got.CancellationReason)
	unrefunded, _ := h.ledger.Unrefunded(ctx, paid.ID)
	assert.Empty(t, unrefunded)

	got, _ = h.svc.Get(ctx, done.ID)
	assert.Equal(t, StatusFullPayment, got.Status, "fully paid escrows never expire")
}

func TestExpirySweeper_StartStop(t *testing.T) {
	h := newHarness(t)
	s := NewExpirySweeper(h.svc, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, s.Running, time.Second, 5*time.Millisecond)
	s.Stop()
	require.Eventually(t, func() bool { return !s.Running() }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)

	stale, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	fresh, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)

	fresh.DisputeReason = "x"
	require.NoError(t, h.store.Update(ctx, fresh))
	assert.Equal(t, int64(2), fresh.Version)

	stale.DisputeReason = "y"
	assert.ErrorIs(t, h.store.Update(ctx, stale), ErrVersionConflict)

	_, err = h.store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func sumOfType(t *testing.T, l *ledger.Ledger, escrowID string, typ ledger.Type) int64 {
	t.Helper()
	entries, err := l.ListByEscrow(context.Background(), escrowID)
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		if e.Type == typ {
			sum += e.Amount
		}
	}
	return sum
}

func countOfType(t *testing.T, l *ledger.Ledger, escrowID string, typ ledger.Type) int {
	t.Helper()
	entries, err := l.ListByEscrow(context.Background(), escrowID)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Type == typ {
			n++
		}
	}
	return n
}

// hookStore runs a one-shot hook after a read or before a write, standing
// in for another process changing the account in between.
type hookStore struct {
	*MemoryStore
	afterGet     func()
	beforeUpdate func()
}

func (s *hookStore) Get(ctx context.Context, id string) (*Account, error) {
	a, err := s.MemoryStore.Get(ctx, id)
	if hook := s.afterGet; hook != nil {
		s.afterGet = nil
		hook()
	}
	return a, err
}

func (s *hookStore) Update(ctx context.Context, a *Account) error {
	if hook := s.beforeUpdate; hook != nil {
		s.beforeUpdate = nil
		hook()
	}
	return s.MemoryStore.Update(ctx, a)
}

// processes returns two services that share storage but not locks.
func (h *harness) processes() (*hookStore, *Service, *Service) {
	hs := &hookStore{MemoryStore: h.store}
	clock := func() time.Time { return *h.now }
	open := func() *Service {
		return NewService(hs, h.ledger, h.notes, DefaultPolicy()).WithLogger(logging.Discard()).WithClock(clock)
	}
	return hs, open(), open()
}

func TestCancel_DepositConfirmedWhileClaiming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	dep := h.settle(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	hs, first, second := h.processes()
	hs.beforeUpdate = func() {
		require.NoError(t, second.OnPaymentConfirmed(ctx, dep.ID))
	}

	got, err := first.Cancel(ctx, a.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, dep.ID, got.DepositTransactionID)

	unrefunded, err := h.ledger.Unrefunded(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, unrefunded, "the deposit confirmed during the cancel is refunded")
	assert.Equal(t, 1, countOfType(t, h.ledger, a.ID, ledger.TypeRefund))
}

// hookLedger runs a one-shot hook right after refunds are listed.
type hookLedger struct {
	*ledger.Ledger
	afterUnrefunded func()
}

func (l *hookLedger) Unrefunded(ctx context.Context, escrowID string) ([]*ledger.Transaction, error) {
	out, err := l.Ledger.Unrefunded(ctx, escrowID)
	if hook := l.afterUnrefunded; hook != nil {
		l.afterUnrefunded = nil
		hook()
	}
	return out, err
}

func TestCancel_DepositConfirmedAfterRefundsListed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	dep := h.settle(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	hl := &hookLedger{Ledger: h.ledger}
	hl.afterUnrefunded = func() {
		assert.ErrorIs(t, h.svc.OnPaymentConfirmed(ctx, dep.ID), ErrInvalidTransition)
	}
	first := NewService(h.store, hl, h.notes, DefaultPolicy()).WithLogger(logging.Discard())

	got, err := first.Cancel(ctx, a.ID, "buyer withdrew")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	final, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Empty(t, final.DepositTransactionID)
	unrefunded, err := h.ledger.Unrefunded(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, unrefunded)
	assert.Equal(t, 1, countOfType(t, h.ledger, a.ID, ledger.TypeRefund))
	assert.Equal(t, 1, h.notes.Count(buyer, EventRefunded))
}

func TestReleaseFunds_CancelledWhileClaiming(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)
	_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	require.NoError(t, err)

	hs, first, second := h.processes()
	hs.beforeUpdate = func() {
		_, err := second.Cancel(ctx, a.ID, "title defect")
		require.NoError(t, err)
	}

	_, _, err = first.ReleaseFunds(ctx, a.ID, notary)
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusCancelled, ite.From)

	got, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Nil(t, got.ReleasedAt)
	assert.Zero(t, countOfType(t, h.ledger, a.ID, ledger.TypeRelease))
	assert.Equal(t, a.TotalAmount, sumOfType(t, h.ledger, a.ID, ledger.TypeRefund))
}

type failingPayouts struct {
	*ledger.Ledger
}

func (failingPayouts) RecordRelease(context.Context, string, string, int64) (*ledger.Transaction, error) {
	return nil, errors.New("ledger unavailable")
}

func TestReleaseFunds_PayoutFailureRestoresAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)
	_, err := h.svc.UpdateReleaseConditions(ctx, a.ID, ReleaseConditionsPatch{BuyerConfirmation: ptr(true)})
	require.NoError(t, err)

	broken := NewService(h.store, failingPayouts{h.ledger}, h.notes, DefaultPolicy()).WithLogger(logging.Discard())
	_, _, err = broken.ReleaseFunds(ctx, a.ID, notary)
	require.Error(t, err)

	got, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, StatusFullPayment, got.Status)
	assert.Nil(t, got.ReleasedAt)
	assert.Zero(t, h.notes.Count(seller, EventReleased))

	_, payout, err := h.svc.ReleaseFunds(ctx, a.ID, notary)
	require.NoError(t, err)
	assert.Equal(t, a.ReleaseAmount(), payout.Amount)
}

func TestReleaseFunds_RecordsMissingPayout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.fullyPaid(t)

	// An account left RELEASED by a process that stopped before the payout.
	stuck, err := h.store.Get(ctx, a.ID)
	require.NoError(t, err)
	stuck.Status = StatusReleased
	require.NoError(t, h.store.Update(ctx, stuck))

	_, _, err = h.svc.ReleaseFunds(ctx, a.ID, seller)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, payout, err := h.svc.ReleaseFunds(ctx, a.ID, notary)
	require.NoError(t, err)
	assert.Equal(t, a.ReleaseAmount(), payout.Amount)
	assert.Equal(t, seller, payout.UserID)

	_, _, err = h.svc.ReleaseFunds(ctx, a.ID, notary)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, countOfType(t, h.ledger, a.ID, ledger.TypeRelease))
}

func TestUpdateReleaseConditionsAs_NotaryReplacedMidUpdate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.create(t)
	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)
	_, err := h.svc.RequestDocumentReview(ctx, a.ID, buyer)
	require.NoError(t, err)

	hs, first, second := h.processes()
	hs.afterGet = func() {
		_, err := second.AssignNotary(ctx, a.ID, "usr_notary_2")
		require.NoError(t, err)
	}
	approve := ReleaseConditionsPatch{DocumentsVerified: ptr(true), NotaryApproval: ptr(true)}

	_, err = first.UpdateReleaseConditionsAs(ctx, a.ID, notary, approve)
	require.Error(t, err)

	got, _ := h.svc.Get(ctx, a.ID)
	assert.Equal(t, "usr_notary_2", got.NotaryID)
	assert.False(t, got.ReleaseConditions.DocumentsVerified)
	assert.False(t, got.ReleaseConditions.NotaryApproval)

	_, err = first.UpdateReleaseConditionsAs(ctx, a.ID, notary, approve)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
