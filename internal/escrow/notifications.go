package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/notify"
)

// Event types emitted to escrow parties.
const (
	EventCreated          = "escrow.created"
	EventDepositPaid      = "escrow.deposit_paid"
	EventDocumentsReview  = "escrow.documents_review"
	EventNotaryAssigned   = "escrow.notary_assigned"
	EventApproved         = "escrow.approved"
	EventFullPayment      = "escrow.full_payment"
	EventReleased         = "escrow.released"
	EventCancelled        = "escrow.cancelled"
	EventDisputed         = "escrow.disputed"
	EventRefunded         = "escrow.refunded"
	EventConditionsChange = "escrow.conditions_updated"
)

var eventText = map[string][2]string{
	EventCreated:          {"Escrow opened", "An escrow of %d %s was opened for property %s."},
	EventDepositPaid:      {"Deposit received", "The deposit for property %[3]s is secured in escrow."},
	EventDocumentsReview:  {"Documents under review", "The notary is reviewing documents for property %[3]s."},
	EventNotaryAssigned:   {"Notary assigned", "A notary was assigned to the escrow for property %[3]s."},
	EventApproved:         {"Documents approved", "Documents for property %[3]s are approved. The balance is now due."},
	EventFullPayment:      {"Balance received", "The full amount for property %[3]s is held in escrow."},
	EventReleased:         {"Funds released", "Escrowed funds for property %[3]s were released to the seller."},
	EventCancelled:        {"Escrow cancelled", "The escrow for property %[3]s was cancelled."},
	EventDisputed:         {"Escrow disputed", "The escrow for property %[3]s is under dispute. Funds stay held."},
	EventRefunded:         {"Payment refunded", "A payment for property %[3]s was refunded."},
	EventConditionsChange: {"Release conditions updated", "Release conditions for property %[3]s changed."},
}

func newEvent(a *Account, eventType string) notify.Event {
	text := eventText[eventType]
	return notify.Event{
		Type:  eventType,
		Title: text[0],
		Body:  fmt.Sprintf(text[1], a.TotalAmount, a.Currency, a.PropertyID),
		Data: map[string]any{
			"escrowId":   a.ID,
			"propertyId": a.PropertyID,
			"status":     string(a.Status),
		},
	}
}

// notifyParties sends one event to each non-empty, distinct user.
func (s *Service) notifyParties(ctx context.Context, a *Account, eventType string, userIDs ...string) {
	event := newEvent(a, eventType)
	seen := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		s.notifier.Notify(ctx, id, event)
	}
}

func refundEvent(escrowID string, r *ledger.Transaction) notify.Event {
	return notify.Event{
		Type:  EventRefunded,
		Title: "Payment refunded",
		Body:  fmt.Sprintf("%d was refunded from escrow %s.", r.Amount, escrowID),
		Data: map[string]any{
			"escrowId":      escrowID,
			"transactionId": r.ID,
			"refundOf":      r.RelatedTransactionID,
			"amount":        r.Amount,
		},
	}
}
