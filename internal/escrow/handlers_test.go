package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/homesettle/internal/auth"
	"github.com/mbd888/homesettle/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(h *harness) *gin.Engine {
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(auth.Middleware(auth.NewManager(nil)), auth.RequireUser())
	NewHandler(h.svc).RegisterRoutes(v1)
	return r
}

func doJSON(r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
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
	r.ServeHTTP(w, req)
	return w
}

func decodeEscrow(t *testing.T, w *httptest.ResponseRecorder) *Account {
	t.Helper()
	var resp struct {
		Escrow *Account `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Escrow)
	return resp.Escrow
}

func TestHandler_CreateAndGet(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/v1/escrows", buyer, map[string]any{
		"propertyId":  "prop_villa_12",
		"buyerId":     buyer,
		"sellerId":    seller,
		"notaryId":    notary,
		"totalAmount": 2_000_000,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeEscrow(t, w)
	assert.Equal(t, int64(200_000), created.DepositAmount)

	w = doJSON(r, http.MethodGet, "/v1/escrows/"+created.ID, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeEscrow(t, w).ID)

	w = doJSON(r, http.MethodGet, "/v1/escrows/"+created.ID, "usr_stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_CreateValidation(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)

	tests := []struct {
		name string
		user string
		body map[string]any
		want int
	}{
		{"missing amount", buyer, map[string]any{"propertyId": "p", "buyerId": buyer, "sellerId": seller}, http.StatusBadRequest},
		{"bad user id", buyer, map[string]any{"propertyId": "p", "buyerId": buyer, "sellerId": "bad id!", "totalAmount": 10}, http.StatusBadRequest},
		{"caller not a party", "usr_other", map[string]any{"propertyId": "p", "buyerId": buyer, "sellerId": seller, "totalAmount": 10}, http.StatusForbidden},
		{"buyer equals seller", buyer, map[string]any{"propertyId": "p", "buyerId": buyer, "sellerId": buyer, "totalAmount": 10}, http.StatusBadRequest},
		{"deposit too large", buyer, map[string]any{"propertyId": "p", "buyerId": buyer, "sellerId": seller, "totalAmount": 10, "depositAmount": 11}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/v1/escrows", tt.user, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestHandler_RequiresUser(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	w := doJSON(r, http.MethodGet, "/v1/users/"+buyer+"/escrows", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_RejectsMalformedID(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	w := doJSON(r, http.MethodGet, "/v1/escrows/not-an-escrow", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_NotFound(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	w := doJSON(r, http.MethodGet, "/v1/escrows/esc_00000000000000000000000000000000", buyer, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ListOwnEscrowsOnly(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.create(t)

	w := doJSON(r, http.MethodGet, "/v1/users/"+buyer+"/escrows?limit=500", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Escrows []*Account `json:"escrows"`
		Count   int        `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = doJSON(r, http.MethodGet, "/v1/users/"+buyer+"/escrows", seller, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_ListEscrowsPaginates(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	h.create(t)
	h.advance(time.Minute)
	h.create(t)

	type listResponse struct {
		Escrows    []*Account `json:"escrows"`
		NextCursor string     `json:"nextCursor"`
		HasMore    bool       `json:"hasMore"`
	}

	w := doJSON(r, http.MethodGet, "/v1/users/"+buyer+"/escrows?limit=1", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Escrows, 1)
	assert.True(t, first.HasMore)

	w = doJSON(r, http.MethodGet, "/v1/users/"+buyer+"/escrows?limit=1&cursor="+first.NextCursor, buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Escrows, 1)
	assert.False(t, second.HasMore)
	assert.NotEqual(t, first.Escrows[0].ID, second.Escrows[0].ID)

	w = doJSON(r, http.MethodGet, "/v1/users/"+buyer+"/escrows?cursor=%25%25", buyer, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ReleaseFlowAndErrorMapping(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	a := h.fullyPaid(t)
	base := "/v1/escrows/" + a.ID

	w := doJSON(r, http.MethodPost, base+"/release", notary, nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var unmet struct {
		Unmet []string `json:"unmet"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &unmet))
	assert.Equal(t, []string{CondBuyerConfirmation}, unmet.Unmet)

	w = doJSON(r, http.MethodPatch, base+"/release-conditions", seller, map[string]any{"buyerConfirmation": true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPatch, base+"/release-conditions", buyer, map[string]any{"buyerConfirmation": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decodeEscrow(t, w).ReleaseConditions.BuyerConfirmation)

	w = doJSON(r, http.MethodGet, base+"/release/eligibility", notary, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"eligible":true`)

	w = doJSON(r, http.MethodPost, base+"/release", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, base+"/release", notary, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, StatusReleased, decodeEscrow(t, w).Status)

	w = doJSON(r, http.MethodPost, base+"/cancel", buyer, map[string]any{"reason": "changed my mind"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(r, http.MethodGet, base+"/transactions", seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs struct {
		Transactions []*ledger.Transaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &txs))
	require.Len(t, txs.Transactions, 3)
	assert.Equal(t, ledger.TypeRelease, txs.Transactions[2].Type)
}

func TestHandler_DocumentsNotaryAndDispute(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	a := h.create(t)
	base := "/v1/escrows/" + a.ID

	w := doJSON(r, http.MethodPost, base+"/notary", notary, map[string]any{"notaryId": "usr_notary_2"})
	assert.Equal(t, http.StatusForbidden, w.Code, "current notary cannot reassign")

	w = doJSON(r, http.MethodPost, base+"/notary", buyer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, base+"/notary", buyer, map[string]any{"notaryId": "usr_notary_2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "usr_notary_2", decodeEscrow(t, w).NotaryID)

	w = doJSON(r, http.MethodPost, base+"/documents/review", buyer, nil)
	assert.Equal(t, http.StatusConflict, w.Code, "deposit not paid yet")

	h.pay(t, a.ID, ledger.TypeDeposit, a.DepositAmount)

	w = doJSON(r, http.MethodPost, base+"/documents/review", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, base+"/documents/approve", notary, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "replaced notary")

	w = doJSON(r, http.MethodPost, base+"/dispute", seller, map[string]any{"reason": "buyer asked for a discount"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusDisputed, decodeEscrow(t, w).Status)

	w = doJSON(r, http.MethodPost, base+"/cancel", "usr_stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodPost, base+"/cancel", buyer, map[string]any{"reason": "dispute settled by refund"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusCancelled, decodeEscrow(t, w).Status)
}

func TestHandler_CancelBody(t *testing.T) {
	h := newHarness(t)
	r := newTestRouter(h)
	a := h.create(t)
	path := "/v1/escrows/" + a.ID + "/cancel"

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(`{"reason": `))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderUserID, buyer)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	got, err := h.svc.Get(req.Context(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status, "a malformed body cancels nothing")

	w = doJSON(r, http.MethodPost, path, buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cancelled := decodeEscrow(t, w)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.CancellationReason)
}
