package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homesettle/internal/auth"
	"github.com/mbd888/homesettle/internal/config"
	"github.com/mbd888/homesettle/internal/escrow"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/logging"
	"github.com/mbd888/homesettle/internal/mobilemoney"
	"github.com/mbd888/homesettle/internal/notify"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	buyer  = "usr_buyer"
	seller = "usr_seller"
	notary = "usr_notary"
)

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		PaymentRPM:         600,
		EscrowFeeBps:       config.DefaultEscrowFeeBps,
		NotaryFeeBps:       config.DefaultNotaryFeeBps,
		DefaultDepositBps:  config.DefaultDepositBps,
		Currency:           config.DefaultCurrency,
		DepositWindow:      config.DefaultDepositWindow,
		FullPaymentWindow:  config.DefaultFullPaymentWindow,
		PollInterval:       config.DefaultPollInterval,
		PollBudget:         config.DefaultPollBudget,
		ReconcileInterval:  time.Hour,
		ExpirySweepEvery:   time.Hour,
		ProviderFailures:   3,
		ProviderCooldown:   time.Minute,
		SimulatedAutoAfter: 0,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *notify.Recorder) {
	t.Helper()
	rec := &notify.Recorder{}
	s, err := New(cfg,
		WithLogger(logging.Discard()),
		WithNotifySender(rec),
		WithDrainDelay(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s, rec
}

func call(s *Server, method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	w := call(s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	decodeInto(t, w, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)

	names := make([]string, 0, len(resp.Checks))
	for _, c := range resp.Checks {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"providers", "reconciler"}, names)
}

func TestHealthEndpoint_DegradedWhenProviderTripped(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	for range 3 {
		s.Orchestrator().Breaker().RecordFailure("wave")
	}

	w := call(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "breaker open: wave")
}

func TestLivenessAndReadiness(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/health/live", "", nil).Code)

	// Run has not been called
	assert.Equal(t, http.StatusServiceUnavailable, call(s, http.MethodGet, "/health/ready", "", nil).Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/health/ready", "", nil).Code)
}

func TestReadyServerReportsStoppedReconciler(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	s.ready.Store(true)

	// The reconciler was never started
	w := call(s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "not running")
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestRoutesRegistered(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	want := map[string]bool{
		"POST /v1/escrows":                         false,
		"GET /v1/escrows/:id":                      false,
		"GET /v1/escrows/:id/transactions":         false,
		"POST /v1/escrows/:id/documents/review":    false,
		"POST /v1/escrows/:id/documents/approve":   false,
		"POST /v1/escrows/:id/notary":              false,
		"PATCH /v1/escrows/:id/release-conditions": false,
		"GET /v1/escrows/:id/release/eligibility":  false,
		"POST /v1/escrows/:id/release":             false,
		"POST /v1/escrows/:id/cancel":              false,
		"POST /v1/escrows/:id/dispute":             false,
		"GET /v1/users/:userId/escrows":            false,
		"POST /v1/payments":                        false,
		"GET /v1/payments/:id":                     false,
		"GET /v1/payments/:id/status":              false,
		"GET /v1/providers":                        false,
		"GET /metrics":                             false,
		"GET /health/ready":                        false,
	}
	for _, r := range s.Router().Routes() {
		key := r.Method + " " + r.Path
		if _, ok := want[key]; ok {
			want[key] = true
		}
	}
	for route, found := range want {
		assert.True(t, found, "route %s not registered", route)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s, _ := newTestServer(t, testConfig())
	w := call(s, http.MethodGet, "/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestAPIKeyRequired(t *testing.T) {
	cfg := testConfig()
	cfg.APIKeys = []string{"svc-key-1"}
	s, _ := newTestServer(t, cfg)

	w := call(s, http.MethodGet, "/v1/providers", buyer, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/providers", nil)
	req.Header.Set("X-API-Key", "svc-key-1")
	req.Header.Set(auth.HeaderUserID, buyer)
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Health and metrics stay open for probes and scrapers
	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/health/live", "", nil).Code)
	assert.Equal(t, http.StatusOK, call(s, http.MethodGet, "/metrics", "", nil).Code)
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-from-gateway")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-from-gateway", w.Header().Get("X-Request-ID"))

	w = call(s, http.MethodGet, "/health/live", "", nil)
	assert.Regexp(t, `^req_[0-9a-f]{32}$`, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestProvidersFromCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"providers:\n  - {name: wave, display_name: Wave, active: true, min_amount: 100, max_amount: 5000000, fee_bps: 100}\n"), 0o600))

	cfg := testConfig()
	cfg.ProvidersFile = path
	s, _ := newTestServer(t, cfg)

	w := call(s, http.MethodGet, "/v1/providers", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	decodeInto(t, w, &resp)
	assert.Equal(t, 1, resp.Count)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func pay(t *testing.T, s *Server, escrowID string, amount int64) {
	t.Helper()
	w := call(s, http.MethodPost, "/v1/payments", buyer, map[string]any{
		"escrowId":    escrowID,
		"amount":      amount,
		"phoneNumber": "+2250701020304",
		"provider":    "orange_money",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var created struct {
		Transaction ledger.Transaction `json:"transaction"`
	}
	decodeInto(t, w, &created)

	w = call(s, http.MethodGet, "/v1/payments/"+created.Transaction.ID+"/status", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var status struct {
		Status  ledger.Status `json:"status"`
		Pending bool          `json:"pending"`
	}
	decodeInto(t, w, &status)
	require.Equal(t, ledger.StatusCompleted, status.Status)
}

func TestSettlementFlow(t *testing.T) {
	s, rec := newTestServer(t, testConfig())

	w := call(s, http.MethodPost, "/v1/escrows", buyer, map[string]any{
		"propertyId":  "prop_apartment_3",
		"buyerId":     buyer,
		"sellerId":    seller,
		"notaryId":    notary,
		"totalAmount": 50_000_000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Escrow escrow.Account `json:"escrow"`
	}
	decodeInto(t, w, &created)
	a := created.Escrow
	base := "/v1/escrows/" + a.ID

	pay(t, s, a.ID, a.DepositAmount)

	require.Equal(t, http.StatusOK, call(s, http.MethodPost, base+"/documents/review", seller, nil).Code)
	require.Equal(t, http.StatusOK, call(s, http.MethodPost, base+"/documents/approve", notary, nil).Code)

	pay(t, s, a.ID, a.RemainingAmount)

	w = call(s, http.MethodPost, base+"/release", notary, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, "buyer has not confirmed yet")
	assert.Contains(t, w.Body.String(), escrow.CondBuyerConfirmation)

	w = call(s, http.MethodPatch, base+"/release-conditions", buyer, map[string]any{"buyerConfirmation": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(s, http.MethodPost, base+"/release", notary, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var released struct {
		Escrow      escrow.Account     `json:"escrow"`
		Transaction ledger.Transaction `json:"transaction"`
	}
	decodeInto(t, w, &released)
	assert.Equal(t, escrow.StatusReleased, released.Escrow.Status)
	assert.Equal(t, a.ReleaseAmount(), released.Transaction.Amount)
	assert.Equal(t, seller, released.Transaction.UserID)

	w = call(s, http.MethodGet, base+"/transactions", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs struct {
		Count int `json:"count"`
	}
	decodeInto(t, w, &txs)
	assert.Equal(t, 3, txs.Count)

	// Shutdown drains the async notifier
	require.NoError(t, s.Shutdown())
	assert.Equal(t, 1, rec.Count(seller, escrow.EventReleased))
	assert.Equal(t, 2, rec.Count(buyer, mobilemoney.EventPaymentCompleted))
	assert.Equal(t, 2, rec.Count(seller, mobilemoney.EventPaymentReceived))
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	cfg := testConfig()
	cfg.ExpirySweep = true
	s, _ := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return s.ready.Load() && s.Reconciler().Running() && s.sweeper.Running()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, s.ready.Load())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://settle:hunter2@db:5432/homesettle")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "settle:")
	assert.Contains(t, masked, "@db:5432/homesettle")
	assert.Equal(t, "***", maskDSN("://bad"))
}
