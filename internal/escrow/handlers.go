package escrow

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/homesettle/internal/auth"
	"github.com/mbd888/homesettle/internal/idgen"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations. Every route expects
// auth.Middleware and auth.RequireUser upstream.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.GET("/users/:userId/escrows", h.ListEscrows)

	g := r.Group("/escrows/:id", validation.PrefixedIDParamMiddleware("id", idgen.PrefixEscrow))
	g.GET("", h.GetEscrow)
	g.GET("/transactions", h.ListTransactions)
	g.POST("/documents/review", h.RequestDocumentReview)
	g.POST("/documents/approve", h.ApproveDocuments)
	g.POST("/notary", h.AssignNotary)
	g.PATCH("/release-conditions", h.UpdateReleaseConditions)
	g.POST("/cancel", h.CancelEscrow)
	g.POST("/dispute", h.DisputeEscrow)
	g.GET("/release/eligibility", h.ReleaseEligibility)
	g.POST("/release", h.ReleaseFunds)
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("propertyId", req.PropertyID),
		validation.MaxLength("propertyId", req.PropertyID, 128),
		validation.Required("buyerId", req.BuyerID),
		validation.ValidUserID("buyerId", req.BuyerID),
		validation.Required("sellerId", req.SellerID),
		validation.ValidUserID("sellerId", req.SellerID),
		validation.ValidUserID("notaryId", req.NotaryID),
		validation.PositiveAmount("totalAmount", req.TotalAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	caller := auth.UserID(c)
	if caller != req.BuyerID && caller != req.SellerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Acting user must be the buyer or seller",
		})
		return
	}

	a, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": a})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	a, ok := h.loadForParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": a})
}

// ListEscrows handles GET /v1/users/:userId/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	userID := c.Param("userId")
	if userID != auth.UserID(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Users may only list their own escrows",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	page, err := h.service.ListPage(c.Request.Context(), userID, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows":    page.Escrows,
		"count":      len(page.Escrows),
		"nextCursor": page.NextCursor,
		"hasMore":    page.NextCursor != "",
	})
}

// ListTransactions handles GET /v1/escrows/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	a, ok := h.loadForParty(c)
	if !ok {
		return
	}
	txs, err := h.service.Transactions(c.Request.Context(), a.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// RequestDocumentReview handles POST /v1/escrows/:id/documents/review
func (h *Handler) RequestDocumentReview(c *gin.Context) {
	a, err := h.service.RequestDocumentReview(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, a, err)
}

// ApproveDocuments handles POST /v1/escrows/:id/documents/approve
func (h *Handler) ApproveDocuments(c *gin.Context) {
	a, err := h.service.ApproveDocuments(c.Request.Context(), c.Param("id"), auth.UserID(c))
	respond(c, a, err)
}

type assignNotaryRequest struct {
	NotaryID string `json:"notaryId" binding:"required"`
}

// AssignNotary handles POST /v1/escrows/:id/notary
func (h *Handler) AssignNotary(c *gin.Context) {
	var req assignNotaryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "notaryId is required",
		})
		return
	}
	if errs := validation.Validate(validation.ValidUserID("notaryId", req.NotaryID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	existing, ok := h.loadForParty(c)
	if !ok {
		return
	}
	caller := auth.UserID(c)
	if caller != existing.BuyerID && caller != existing.SellerID {
		writeError(c, &UnauthorizedError{EscrowID: existing.ID, UserID: caller, Action: "assign a notary"})
		return
	}

	a, err := h.service.AssignNotary(c.Request.Context(), existing.ID, req.NotaryID)
	respond(c, a, err)
}

// UpdateReleaseConditions handles PATCH /v1/escrows/:id/release-conditions
func (h *Handler) UpdateReleaseConditions(c *gin.Context) {
	var patch ReleaseConditionsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	a, err := h.service.UpdateReleaseConditionsAs(c.Request.Context(), c.Param("id"), auth.UserID(c), patch)
	respond(c, a, err)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

// CancelEscrow handles POST /v1/escrows/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	existing, ok := h.loadForParty(c)
	if !ok {
		return
	}
	a, err := h.service.Cancel(c.Request.Context(), existing.ID,
		validation.SanitizeString(req.Reason, validation.MaxDescriptionLength))
	respond(c, a, err)
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}
	a, err := h.service.Dispute(c.Request.Context(), c.Param("id"), auth.UserID(c),
		validation.SanitizeString(req.Reason, validation.MaxDescriptionLength))
	respond(c, a, err)
}

// ReleaseEligibility handles GET /v1/escrows/:id/release/eligibility
func (h *Handler) ReleaseEligibility(c *gin.Context) {
	a, ok := h.loadForParty(c)
	if !ok {
		return
	}
	e, err := h.service.Eligibility(c.Request.Context(), a.ID, auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eligibility": e})
}

// ReleaseFunds handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	a, payout, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrow":      a,
		"transaction": payout,
	})
}

// loadForParty fetches :id and checks the acting user is one of its parties.
// It writes the error response itself and reports whether to continue.
func (h *Handler) loadForParty(c *gin.Context) (*Account, bool) {
	a, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !a.IsParty(auth.UserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Acting user is not a party to this escrow",
		})
		return nil, false
	}
	return a, true
}

func respond(c *gin.Context, a *Account, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": a})
}

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var conditions *ConditionsNotMetError
	switch {
	case errors.As(err, &conditions):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "conditions_not_met",
			"message": err.Error(),
			"unmet":   conditions.Unmet,
		})
	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidEntry):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": "Escrow was modified concurrently, retry",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Escrow operation failed",
		})
	}
}
