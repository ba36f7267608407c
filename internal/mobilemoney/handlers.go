package mobilemoney

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/homesettle/internal/auth"
	"github.com/mbd888/homesettle/internal/escrow"
	"github.com/mbd888/homesettle/internal/idgen"
	"github.com/mbd888/homesettle/internal/ledger"
	"github.com/mbd888/homesettle/internal/ratelimit"
	"github.com/mbd888/homesettle/internal/validation"
)

// Handler provides HTTP endpoints for mobile money payments. Every route
// expects auth.Middleware and auth.RequireUser upstream.
type Handler struct {
	orchestrator *Orchestrator
	limiter      *ratelimit.Limiter
}

// NewHandler creates a payments handler. A nil limiter disables per-user
// rate limiting of payment initiation.
func NewHandler(o *Orchestrator, limiter *ratelimit.Limiter) *Handler {
	return &Handler{orchestrator: o, limiter: limiter}
}

// RegisterRoutes sets up payment routes under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	initiate := []gin.HandlerFunc{h.InitiatePayment}
	if h.limiter != nil {
		initiate = append([]gin.HandlerFunc{h.limiter.Middleware(func(c *gin.Context) string {
			return "user:" + auth.UserID(c)
		})}, initiate...)
	}
	r.POST("/payments", initiate...)
	r.GET("/providers", h.ListProviders)

	g := r.Group("/payments/:id", validation.PrefixedIDParamMiddleware("id", idgen.PrefixTransaction))
	g.GET("", h.GetPayment)
	g.GET("/status", h.GetPaymentStatus)
}

// InitiatePayment handles POST /v1/payments
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.Required("provider", req.Provider),
		validation.Required("phoneNumber", req.PhoneNumber),
		validation.ValidPhone("phoneNumber", req.PhoneNumber),
		validation.PositiveAmount("amount", req.Amount),
		validation.MaxLength("description", req.Description, validation.MaxDescriptionLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	req.UserID = auth.UserID(c)

	tx, err := h.orchestrator.InitiatePayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"transaction": tx,
		"pollAfter":   int(DefaultPollInterval.Seconds()),
	})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	tx, ok := h.loadForParty(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetPaymentStatus handles GET /v1/payments/:id/status. Clients poll it
// every few seconds until the status is terminal.
func (h *Handler) GetPaymentStatus(c *gin.Context) {
	tx, ok := h.loadForParty(c)
	if !ok {
		return
	}
	res, err := h.orchestrator.CheckPaymentStatus(c.Request.Context(), tx.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction": res.Transaction,
		"status":      res.Status,
		"pending":     res.Pending(),
		"escrowError": res.EscrowError,
	})
}

// ListProviders handles GET /v1/providers
func (h *Handler) ListProviders(c *gin.Context) {
	all, err := h.orchestrator.providers.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	active := make([]*Provider, 0, len(all))
	for _, p := range all {
		if p.IsActive && !h.orchestrator.breaker.Blocked(p.Name) {
			active = append(active, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"providers": active,
		"count":     len(active),
	})
}

// loadForParty fetches :id and checks the acting user is the payer or a
// party to its escrow.
func (h *Handler) loadForParty(c *gin.Context) (*ledger.Transaction, bool) {
	ctx := c.Request.Context()
	tx, err := h.orchestrator.ledger.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if !h.canView(ctx, tx, auth.UserID(c)) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Acting user is not a party to this payment",
		})
		return nil, false
	}
	return tx, true
}

func (h *Handler) canView(ctx context.Context, tx *ledger.Transaction, userID string) bool {
	if userID == tx.UserID {
		return true
	}
	a, err := h.orchestrator.escrows.Get(ctx, tx.EscrowAccountID)
	return err == nil && a.IsParty(userID)
}

// writeError maps orchestrator, ledger and escrow errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var unavailable *ProviderUnavailableError
	var dup *ledger.DuplicatePaymentError
	switch {
	case errors.As(err, &unavailable):
		c.Header("Retry-After", strconv.Itoa(int(DefaultPollInterval.Seconds())))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":    "provider_unavailable",
			"message":  unavailable.Error(),
			"provider": unavailable.Provider,
		})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"error":                "duplicate_payment",
			"message":              dup.Error(),
			"pendingTransactionId": dup.ExistingID,
		})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
	case errors.Is(err, ErrProviderNotFound):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "unknown_provider",
			"message": "Unknown mobile money provider",
		})
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ledger.ErrInvalidEntry):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment not found",
		})
	case errors.Is(err, escrow.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow not found",
		})
	case errors.Is(err, escrow.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Payment operation failed",
		})
	}
}
