package mobilemoney

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/homesettle/internal/circuitbreaker"
	"github.com/mbd888/homesettle/internal/escrow"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/metrics"
	"github.com/mbd888/homesettle/internal/notify"
	"github.com/mbd888/homesettle/internal/retry"
	"github.com/mbd888/homesettle/internal/traces"
	"github.com/mbd888/homesettle/internal/validation"
)

// Payment event types.
const (
	EventPaymentCompleted = "payment.completed"
	EventPaymentReceived  = "payment.received"
	EventPaymentFailed    = "payment.failed"
)

// Provider call deadlines. Both stay well below the poll budget so a charge
// the orchestrator is still waiting on is never mistaken for an abandoned one.
const (
	DefaultChargeTimeout = 20 * time.Second
	DefaultStatusTimeout = 15 * time.Second
)

// Escrows is the part of the escrow service the orchestrator drives.
type Escrows interface {
	Get(ctx context.Context, id string) (*escrow.Account, error)
	OnPaymentConfirmed(ctx context.Context, transactionID string) error
}

// Ledger is the part of the payment ledger the orchestrator writes.
type Ledger interface {
	OpenPayment(ctx context.Context, req ledger.PaymentRequest) (*ledger.Transaction, error)
	Get(ctx context.Context, id string) (*ledger.Transaction, error)
	AttachProvider(ctx context.Context, id, providerTxID, reference string) error
	Complete(ctx context.Context, id string) (bool, error)
	Fail(ctx context.Context, id, reason string) (bool, error)
	ListPending(ctx context.Context, age time.Duration, limit int) ([]*ledger.Transaction, error)
}

// Orchestrator initiates provider charges and reconciles their outcome
// with the ledger and the escrow state machine.
type Orchestrator struct {
	escrows   Escrows
	ledger    Ledger
	providers ProviderStore
	client    ProviderClient
	notifier  notify.Notifier
	breaker   *circuitbreaker.Breaker
	confirm   retry.Policy
	group     singleflight.Group
	logger    *slog.Logger
	now       func() time.Time

	chargeTimeout time.Duration
	statusTimeout time.Duration
}

// NewOrchestrator wires an orchestrator. A nil notifier drops events.
func NewOrchestrator(escrows Escrows, l Ledger, providers ProviderStore, client ProviderClient, notifier notify.Notifier) *Orchestrator {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		escrows:   escrows,
		ledger:    l,
		providers: providers,
		client:    client,
		notifier:  notifier,
		breaker:   circuitbreaker.New(0, 0),
		confirm:   retry.Default,
		logger:    slog.Default(),
		now:       time.Now,

		chargeTimeout: DefaultChargeTimeout,
		statusTimeout: DefaultStatusTimeout,
	}
}

// WithTimeouts bounds provider charge and status calls. Zero keeps the
// current value.
func (o *Orchestrator) WithTimeouts(charge, status time.Duration) *Orchestrator {
	if charge > 0 {
		o.chargeTimeout = charge
	}
	if status > 0 {
		o.statusTimeout = status
	}
	return o
}

// WithBreaker replaces the per-provider circuit breaker.
func (o *Orchestrator) WithBreaker(b *circuitbreaker.Breaker) *Orchestrator {
	o.breaker = b
	return o
}

// WithConfirmRetry sets how often a failed escrow confirmation is retried.
func (o *Orchestrator) WithConfirmRetry(p retry.Policy) *Orchestrator {
	o.confirm = p
	return o
}

// WithLogger sets the orchestrator logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithClock replaces the time source. Used by tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Breaker exposes the circuit breaker for health checks.
func (o *Orchestrator) Breaker() *circuitbreaker.Breaker {
	return o.breaker
}

// InitiateRequest starts a buyer payment toward an escrow.
type InitiateRequest struct {
	EscrowID    string `json:"escrowId"`
	UserID      string `json:"-"`
	Amount      int64  `json:"amount"`
	PhoneNumber string `json:"phoneNumber"`
	Provider    string `json:"provider"`
	Description string `json:"description,omitempty"`
}

// StatusResult is the outcome of a status check.
type StatusResult struct {
	Transaction *ledger.Transaction `json:"transaction"`
	Status      ledger.Status       `json:"status"`
	// Changed is true when this caller's check moved the entry to a terminal
	// state. Callers that joined another caller's provider round-trip see false.
	Changed bool `json:"changed"`
	// Unacknowledged is set when the entry has no provider reference and the
	// provider has no record of the charge. The entry stays PENDING for review.
	Unacknowledged bool `json:"unacknowledged,omitempty"`
	// EscrowError is set when the payment completed but the escrow refused it.
	EscrowError string `json:"escrowError,omitempty"`
}

// Pending reports whether the payment is still unresolved.
func (r *StatusResult) Pending() bool {
	return r.Status == ledger.StatusPending
}

// InitiatePayment validates the request, records a PENDING ledger entry and
// asks the provider to charge the buyer. It returns as soon as the provider
// accepts; confirmation arrives through CheckPaymentStatus.
func (o *Orchestrator) InitiatePayment(ctx context.Context, req InitiateRequest) (_ *ledger.Transaction, err error) {
	ctx, span := traces.StartSpan(ctx, "mobilemoney.InitiatePayment",
		traces.EscrowID(req.EscrowID), traces.Provider(req.Provider), traces.Amount(req.Amount))
	defer func() { traces.End(span, err) }()

	providerLabel, txType := "unknown", "unknown"
	defer func() {
		metrics.PaymentInitiationsTotal.WithLabelValues(providerLabel, txType, initiationResult(err)).Inc()
	}()

	req.PhoneNumber = validation.NormalizePhone(req.PhoneNumber)
	switch {
	case req.EscrowID == "" || req.UserID == "":
		return nil, invalid("escrowId and user are required")
	case !validation.IsValidPhone(req.PhoneNumber):
		return nil, invalid("phoneNumber %q is not a valid mobile number", req.PhoneNumber)
	case req.Amount <= 0:
		return nil, &InvalidAmountError{Provider: req.Provider, Amount: req.Amount}
	}

	provider, err := o.providers.Get(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	providerLabel = provider.Name
	if !provider.IsActive {
		return nil, &ProviderUnavailableError{Provider: provider.Name, Reason: "provider is disabled"}
	}
	if o.breaker.Blocked(provider.Name) {
		return nil, &ProviderUnavailableError{Provider: provider.Name, Reason: "circuit open after repeated failures"}
	}
	if !provider.Accepts(req.Amount) {
		return nil, &InvalidAmountError{Provider: provider.Name, Amount: req.Amount, Min: provider.MinAmount, Max: provider.MaxAmount}
	}

	account, err := o.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}
	if req.UserID != account.BuyerID {
		return nil, &escrow.UnauthorizedError{EscrowID: account.ID, UserID: req.UserID, Action: "pay into escrow"}
	}
	dueType, due, ok := account.AmountDue()
	if !ok {
		return nil, &escrow.InvalidTransitionError{
			EscrowID: account.ID, From: account.Status, Event: "initiate payment", Reason: "no payment is due",
		}
	}
	txType = string(dueType)
	if req.Amount < due {
		return nil, &InvalidAmountError{Provider: provider.Name, Amount: req.Amount, Min: provider.MinAmount, Max: provider.MaxAmount, Due: due}
	}

	tx, err := o.ledger.OpenPayment(ctx, ledger.PaymentRequest{
		EscrowID:      account.ID,
		UserID:        req.UserID,
		Type:          dueType,
		Amount:        req.Amount,
		FeeAmount:     provider.Fee(req.Amount),
		PaymentMethod: provider.Name,
		PhoneNumber:   req.PhoneNumber,
		Description:   validation.SanitizeString(req.Description, validation.MaxDescriptionLength),
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(traces.TransactionID(tx.ID), traces.TransactionType(txType))

	if !o.breaker.Allow(provider.Name) {
		o.failCharge(ctx, tx, "provider unavailable")
		return nil, &ProviderUnavailableError{Provider: provider.Name, Reason: "circuit open after repeated failures"}
	}
	resp, err := o.charge(ctx, provider, account.Currency, tx)
	if err != nil {
		o.breaker.RecordFailure(provider.Name)
		// A timed-out charge may still have reached the provider. Only a
		// provider with no record of it lets the entry fail.
		found, lerr := o.lookup(ctx, provider.Name, tx)
		switch {
		case lerr == nil:
			resp = found
		case errors.Is(lerr, ErrChargeNotFound):
			o.failCharge(ctx, tx, "provider charge failed: "+err.Error())
			return nil, &ProviderUnavailableError{Provider: provider.Name, Reason: "charge failed", Err: err}
		default:
			logging.L(ctx).Warn("charge outcome unknown, left pending for reconciliation",
				"transactionId", tx.ID, "provider", provider.Name, "error", err, "lookupError", lerr)
			return nil, &ProviderUnavailableError{Provider: provider.Name, Reason: "charge outcome unknown", Err: err}
		}
	} else {
		o.breaker.RecordSuccess(provider.Name)
	}

	if err := o.ledger.AttachProvider(context.WithoutCancel(ctx), tx.ID, resp.ProviderTransactionID, resp.Reference); err != nil {
		logging.L(ctx).Error("provider accepted charge but reference was not recorded",
			"transactionId", tx.ID, "provider", provider.Name, "providerTxId", resp.ProviderTransactionID, "error", err)
		return nil, fmt.Errorf("record provider reference: %w", err)
	}

	logging.L(ctx).Info("payment initiated",
		"transactionId", tx.ID, "escrowId", tx.EscrowAccountID, "type", tx.Type,
		"amount", tx.Amount, "provider", provider.Name, "providerTxId", resp.ProviderTransactionID)

	switch resp.Status {
	case ProviderCompleted:
		if _, err := o.resolve(ctx, tx, StatusResponse{Status: ProviderCompleted}); err != nil {
			return nil, err
		}
	case ProviderFailed:
		if _, err := o.resolve(ctx, tx, StatusResponse{Status: ProviderFailed, Reason: resp.Reason}); err != nil {
			return nil, err
		}
	}
	return o.ledger.Get(ctx, tx.ID)
}

// failCharge closes an entry whose charge never reached the provider, so the
// buyer can try again.
func (o *Orchestrator) failCharge(ctx context.Context, tx *ledger.Transaction, reason string) {
	if _, err := o.ledger.Fail(context.WithoutCancel(ctx), tx.ID, reason); err != nil {
		logging.L(ctx).Error("failed to record failed charge", "transactionId", tx.ID, "error", err)
	}
}

func (o *Orchestrator) charge(ctx context.Context, p *Provider, currency string, tx *ledger.Transaction) (_ ChargeResponse, err error) {
	ctx, span := traces.StartSpan(ctx, "mobilemoney.provider.Charge", traces.Provider(p.Name), traces.TransactionID(tx.ID))
	defer func() { traces.End(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, o.chargeTimeout)
	defer cancel()
	return o.client.Charge(ctx, ChargeRequest{
		Provider:      p.Name,
		TransactionID: tx.ID,
		PhoneNumber:   tx.PhoneNumber,
		Amount:        tx.Amount,
		Fee:           tx.FeeAmount,
		Currency:      currency,
		Description:   tx.Description,
	})
}

// lookup asks the provider for a charge by its merchant reference, detached
// from the caller so an abandoned request still gets an answer.
func (o *Orchestrator) lookup(ctx context.Context, provider string, tx *ledger.Transaction) (_ ChargeResponse, err error) {
	ctx, span := traces.StartSpan(context.WithoutCancel(ctx), "mobilemoney.provider.Lookup", traces.Provider(provider), traces.TransactionID(tx.ID))
	defer func() { traces.End(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, o.statusTimeout)
	defer cancel()
	return o.client.Lookup(ctx, provider, tx.ID)
}

// CheckPaymentStatus returns the current state of a payment, asking the
// provider when the ledger entry is still PENDING. A provider that cannot be
// reached leaves the entry PENDING and returns a ProviderUnavailableError,
// which callers should treat as retryable. Concurrent checks for the same
// transaction share one provider round-trip; the round-trip outlives any
// single caller.
func (o *Orchestrator) CheckPaymentStatus(ctx context.Context, transactionID string) (*StatusResult, error) {
	tx, err := o.ledger.Get(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.IsTerminal() {
		return &StatusResult{Transaction: tx, Status: tx.Status}, nil
	}
	if tx.ProviderTransactionID == "" {
		// The charge has not been acknowledged yet.
		return &StatusResult{Transaction: tx, Status: tx.Status}, nil
	}

	var ran bool
	ch := o.group.DoChan(transactionID, func() (any, error) {
		ran = true
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.statusTimeout)
		defer cancel()
		return o.poll(pctx, tx)
	})

	select {
	case <-ctx.Done():
		return nil, &ProviderUnavailableError{Provider: tx.PaymentMethod, Reason: "status check abandoned", Err: ctx.Err()}
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*StatusResult)
		res.Changed = res.Changed && ran
		return &res, nil
	}
}

func (o *Orchestrator) poll(ctx context.Context, tx *ledger.Transaction) (_ *StatusResult, err error) {
	provider := tx.PaymentMethod
	ctx, span := traces.StartSpan(ctx, "mobilemoney.provider.Status", traces.Provider(provider), traces.TransactionID(tx.ID))
	defer func() { traces.End(span, err) }()

	if !o.breaker.Allow(provider) {
		metrics.PaymentStatusChecksTotal.WithLabelValues(provider, "breaker_open").Inc()
		return nil, &ProviderUnavailableError{Provider: provider, Reason: "circuit open after repeated failures"}
	}

	status, err := o.client.Status(ctx, provider, tx.ProviderTransactionID)
	if err != nil {
		o.breaker.RecordFailure(provider)
		metrics.PaymentStatusChecksTotal.WithLabelValues(provider, "error").Inc()
		return nil, &ProviderUnavailableError{Provider: provider, Reason: "status check failed", Err: err}
	}
	o.breaker.RecordSuccess(provider)
	metrics.PaymentStatusChecksTotal.WithLabelValues(provider, string(status.Status)).Inc()

	return o.resolve(ctx, tx, status)
}

// resolve applies a provider answer to the ledger. Only the caller whose
// compare-and-set wins notifies the escrow and the parties.
func (o *Orchestrator) resolve(ctx context.Context, tx *ledger.Transaction, status StatusResponse) (*StatusResult, error) {
	var applied bool
	var err error
	switch status.Status {
	case ProviderCompleted:
		applied, err = o.ledger.Complete(ctx, tx.ID)
	case ProviderFailed:
		reason := status.Reason
		if reason == "" {
			reason = "declined by provider"
		}
		applied, err = o.ledger.Fail(ctx, tx.ID, reason)
	default:
		return &StatusResult{Transaction: tx, Status: ledger.StatusPending}, nil
	}
	if err != nil {
		return nil, err
	}

	current, err := o.ledger.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	res := &StatusResult{Transaction: current, Status: current.Status, Changed: applied}
	if !applied {
		return res, nil
	}
	metrics.PaymentSettlementSeconds.Observe(o.now().Sub(tx.CreatedAt).Seconds())

	if current.Status == ledger.StatusFailed {
		logging.L(ctx).Info("payment failed", "transactionId", tx.ID, "escrowId", tx.EscrowAccountID, "reason", current.FailureReason)
		o.notifier.Notify(ctx, current.UserID, paymentEvent(EventPaymentFailed, current))
		return res, nil
	}

	if err := o.confirmEscrow(ctx, current); err != nil {
		res.EscrowError = err.Error()
	}
	return res, nil
}

// confirmEscrow hands a completed payment to the state machine. Transient
// failures are retried; a refusal is final and has already been handled
// by the escrow (late payments are refunded there).
func (o *Orchestrator) confirmEscrow(ctx context.Context, tx *ledger.Transaction) error {
	ctx = context.WithoutCancel(ctx)
	err := retry.Do(ctx, o.confirm, func(ctx context.Context) error {
		err := o.escrows.OnPaymentConfirmed(ctx, tx.ID)
		if errors.Is(err, escrow.ErrInvalidTransition) || errors.Is(err, escrow.ErrInvalidRequest) ||
			errors.Is(err, escrow.ErrEscrowNotFound) || errors.Is(err, ledger.ErrTransactionNotFound) {
			return retry.Permanent(err)
		}
		return err
	})

	o.notifier.Notify(ctx, tx.UserID, paymentEvent(EventPaymentCompleted, tx))
	if err != nil {
		logging.L(ctx).Error("payment completed but escrow did not apply it",
			"transactionId", tx.ID, "escrowId", tx.EscrowAccountID, "error", err)
		return err
	}

	logging.L(ctx).Info("payment completed", "transactionId", tx.ID, "escrowId", tx.EscrowAccountID, "amount", tx.Amount)
	if account, gerr := o.escrows.Get(ctx, tx.EscrowAccountID); gerr == nil {
		o.notifier.Notify(ctx, account.SellerID, paymentEvent(EventPaymentReceived, tx))
	}
	return nil
}

// Recheck is CheckPaymentStatus for the reconciler. An entry older than
// ackTimeout that never got a provider reference is looked up by its
// merchant reference: a charge the provider knows is attached and checked
// as usual, and one it does not know stays PENDING and is reported as
// unacknowledged. Only a provider FAILED answer fails an entry.
func (o *Orchestrator) Recheck(ctx context.Context, tx *ledger.Transaction, ackTimeout time.Duration) (*StatusResult, error) {
	if tx.ProviderTransactionID != "" || tx.IsTerminal() || o.now().Sub(tx.CreatedAt) <= ackTimeout {
		return o.CheckPaymentStatus(ctx, tx.ID)
	}

	found, err := o.lookup(ctx, tx.PaymentMethod, tx)
	switch {
	case errors.Is(err, ErrChargeNotFound):
		logging.L(ctx).Warn("pending payment has no charge at the provider, needs review",
			"transactionId", tx.ID, "escrowId", tx.EscrowAccountID, "provider", tx.PaymentMethod,
			"age", o.now().Sub(tx.CreatedAt).String())
		return &StatusResult{Transaction: tx, Status: tx.Status, Unacknowledged: true}, nil
	case err != nil:
		return nil, &ProviderUnavailableError{Provider: tx.PaymentMethod, Reason: "charge lookup failed", Err: err}
	}

	err = o.ledger.AttachProvider(ctx, tx.ID, found.ProviderTransactionID, found.Reference)
	if err != nil && !errors.Is(err, ledger.ErrNotPending) {
		return nil, fmt.Errorf("record provider reference: %w", err)
	}
	logging.L(ctx).Info("recovered provider reference for pending payment",
		"transactionId", tx.ID, "provider", tx.PaymentMethod, "providerTxId", found.ProviderTransactionID)
	return o.CheckPaymentStatus(ctx, tx.ID)
}

func paymentEvent(eventType string, tx *ledger.Transaction) notify.Event {
	var title, body string
	switch eventType {
	case EventPaymentCompleted:
		title, body = "Payment confirmed", fmt.Sprintf("Your %s payment of %d was confirmed.", strings.ToLower(string(tx.Type)), tx.Amount)
	case EventPaymentReceived:
		title, body = "Buyer payment received", fmt.Sprintf("A %s payment of %d is now held in escrow.", strings.ToLower(string(tx.Type)), tx.Amount)
	default:
		title, body = "Payment failed", fmt.Sprintf("Your %s payment of %d failed: %s.", strings.ToLower(string(tx.Type)), tx.Amount, tx.FailureReason)
	}
	return notify.Event{
		Type:  eventType,
		Title: title,
		Body:  body,
		Data: map[string]any{
			"escrowId":      tx.EscrowAccountID,
			"transactionId": tx.ID,
			"type":          string(tx.Type),
			"amount":        tx.Amount,
			"provider":      tx.PaymentMethod,
		},
	}
}

func initiationResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ledger.ErrDuplicatePayment):
		return "duplicate"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, escrow.ErrInvalidTransition):
		return "wrong_state"
	default:
		return "rejected"
	}
}
