package mobilemoney

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Scenario scripts how the simulated provider treats charges from one phone
// number.
type Scenario struct {
	ChargeErr   error  // Charge fails with this error
	Immediate   bool   // Charge settles synchronously
	PendingFor  int    // status checks answering PENDING before the result
	FailReason  string // resolve FAILED with this reason instead of COMPLETED
	StatusErr   error  // every status check fails with this error
	NeverSettle bool   // stays PENDING forever
}

// ErrSimulatedOutage is what scripted network failures return by default.
var ErrSimulatedOutage = errors.New("simulated provider timeout")

type simCharge struct {
	scenario  Scenario
	checks    int
	reference string
}

// SimulatedClient is a deterministic in-process provider for development
// and tests. Unscripted numbers settle COMPLETED after a fixed number of
// status checks; numbers ending in 000 are declined for insufficient funds
// and numbers ending in 999 never settle.
type SimulatedClient struct {
	mu           sync.Mutex
	pendingFor   int
	scripts      map[string]Scenario
	charges      map[string]*simCharge
	byRef        map[string]string
	seq          int
	statusChecks int
}

// NewSimulatedClient creates a provider that confirms after pendingFor
// status checks.
func NewSimulatedClient(pendingFor int) *SimulatedClient {
	return &SimulatedClient{
		pendingFor: max(pendingFor, 0),
		scripts:    make(map[string]Scenario),
		charges:    make(map[string]*simCharge),
		byRef:      make(map[string]string),
	}
}

var _ ProviderClient = (*SimulatedClient)(nil)

// Script fixes the outcome for charges to phone.
func (s *SimulatedClient) Script(phone string, sc Scenario) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[phone] = sc
}

func (s *SimulatedClient) scenarioFor(phone string) Scenario {
	if sc, ok := s.scripts[phone]; ok {
		return sc
	}
	switch {
	case strings.HasSuffix(phone, "000"):
		return Scenario{PendingFor: s.pendingFor, FailReason: "insufficient_funds"}
	case strings.HasSuffix(phone, "999"):
		return Scenario{NeverSettle: true}
	default:
		return Scenario{PendingFor: s.pendingFor}
	}
}

func (s *SimulatedClient) Charge(ctx context.Context, req ChargeRequest) (ChargeResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scenarioFor(req.PhoneNumber)
	if sc.ChargeErr != nil {
		return ChargeResponse{}, sc.ChargeErr
	}

	s.seq++
	id := fmt.Sprintf("%s-%08d", req.Provider, s.seq)
	ref := "SIM" + strings.ToUpper(req.TransactionID[max(len(req.TransactionID)-8, 0):])
	s.charges[id] = &simCharge{scenario: sc, reference: ref}
	s.byRef[req.Provider+"/"+req.TransactionID] = id

	resp := ChargeResponse{
		ProviderTransactionID: id,
		Reference:             ref,
		Status:                ProviderPending,
	}
	if sc.Immediate {
		resp.Status = ProviderCompleted
		if sc.FailReason != "" {
			resp.Status, resp.Reason = ProviderFailed, sc.FailReason
		}
	}
	return resp, nil
}

func (s *SimulatedClient) Status(ctx context.Context, provider, providerTxID string) (StatusResponse, error) {
	if err := ctx.Err(); err != nil {
		return StatusResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusChecks++

	c, ok := s.charges[providerTxID]
	if !ok {
		return StatusResponse{}, fmt.Errorf("simulated provider: unknown transaction %s", providerTxID)
	}
	sc := c.scenario
	if sc.StatusErr != nil {
		return StatusResponse{}, sc.StatusErr
	}
	c.checks++
	if sc.NeverSettle || (!sc.Immediate && c.checks <= sc.PendingFor) {
		return StatusResponse{Status: ProviderPending}, nil
	}
	if sc.FailReason != "" {
		return StatusResponse{Status: ProviderFailed, Reason: sc.FailReason}, nil
	}
	return StatusResponse{Status: ProviderCompleted}, nil
}

func (s *SimulatedClient) Lookup(ctx context.Context, provider, merchantRef string) (ChargeResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChargeResponse{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[provider+"/"+merchantRef]
	if !ok {
		return ChargeResponse{}, ErrChargeNotFound
	}
	return ChargeResponse{
		ProviderTransactionID: id,
		Reference:             s.charges[id].reference,
		Status:                ProviderPending,
	}, nil
}

// StatusChecks returns how many status queries reached the provider.
func (s *SimulatedClient) StatusChecks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusChecks
}

// Charges returns how many charges were accepted.
func (s *SimulatedClient) Charges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
