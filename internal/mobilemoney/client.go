package mobilemoney

import "context"

// ProviderStatus is a provider's view of a charge.
type ProviderStatus string

const (
	ProviderPending   ProviderStatus = "PENDING"
	ProviderCompleted ProviderStatus = "COMPLETED"
	ProviderFailed    ProviderStatus = "FAILED"
)

// ChargeRequest asks a provider to collect Amount from PhoneNumber.
type ChargeRequest struct {
	Provider      string
	TransactionID string // ledger ID, sent as the merchant reference
	PhoneNumber   string
	Amount        int64
	Fee           int64
	Currency      string
	Description   string
}

// ChargeResponse is the provider's acknowledgement. Status is usually
// PENDING; some providers settle synchronously.
type ChargeResponse struct {
	ProviderTransactionID string
	Reference             string
	Status                ProviderStatus
	Reason                string
}

// StatusResponse is the result of a status query.
type StatusResponse struct {
	Status ProviderStatus
	Reason string
}

// ProviderClient talks to mobile money providers. Errors mean the provider
// could not be reached or did not answer; a declined charge is a FAILED
// status, not an error.
//
// Lookup finds a charge by the merchant reference sent in
// ChargeRequest.TransactionID. It returns ErrChargeNotFound when the
// provider has no such charge.
type ProviderClient interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error)
	Status(ctx context.Context, provider, providerTxID string) (StatusResponse, error)
	Lookup(ctx context.Context, provider, merchantRef string) (ChargeResponse, error)
}
