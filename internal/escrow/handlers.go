package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/escrowcore/internal/auth"
	"github.com/mbd888/escrowcore/internal/idgen"
	"github.com/mbd888/escrowcore/internal/ledger"
	"github.com/mbd888/escrowcore/internal/money"
	"github.com/mbd888/escrowcore/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	manager  *Manager
	resolver *Resolver
}

// NewHandler creates a new escrow handler.
func NewHandler(manager *Manager, resolver *Resolver) *Handler {
	return &Handler{manager: manager, resolver: resolver}
}

type createRequest struct {
	Item             string `json:"item" binding:"required"`
	Amount           string `json:"amount" binding:"required"`
	Currency         string `json:"currency" binding:"required"`
	PaymentMethodRef string `json:"paymentMethodRef"`
}

type versionRequest struct {
	Version int64 `json:"version" binding:"required"`
}

type fundRequest struct {
	Amount   string `json:"amount" binding:"required"`
	ProofRef string `json:"proofRef"`
	Version  int64  `json:"version" binding:"required"`
}

type disputeRequest struct {
	Type    string `json:"type"`
	Reason  string `json:"reason" binding:"required"`
	Version int64  `json:"version" binding:"required"`
}

type evidenceRequest struct {
	PayloadRef string `json:"payloadRef" binding:"required"`
}

type resolveRequest struct {
	Outcome   OutcomeDoc `json:"outcome"`
	Rationale string     `json:"rationale"`
}

// RegisterRoutes sets up read-only escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	txs := r.Group("/transactions/:id", validation.IDParamMiddleware("id", idgen.PrefixTransaction))
	txs.GET("", h.GetTransaction)
	txs.GET("/ledger", h.GetLedger)
	r.GET("/users/:id/transactions", validation.UserParamMiddleware("id"), h.ListTransactions)
	r.GET("/users/:id/disputes", validation.UserParamMiddleware("id"), h.ListUserDisputes)
	r.GET("/resolvers/:id/disputes", validation.UserParamMiddleware("id"), h.ListResolverDisputes)

	disputes := r.Group("/disputes")
	disputes.GET("", h.ListDisputes)
	disputes.GET("/:id", validation.IDParamMiddleware("id", idgen.PrefixDispute), h.GetDispute)
}

// RegisterProtectedRoutes sets up routes that require a resolved caller.
// Role checks happen in the Manager and Resolver.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)

	txs := r.Group("/transactions/:id", validation.IDParamMiddleware("id", idgen.PrefixTransaction))
	txs.POST("/join", h.JoinTransaction)
	txs.POST("/fund", h.NotifyFunded)
	txs.POST("/deliver", h.ConfirmDelivery)
	txs.POST("/complete", h.CompleteTransaction)
	txs.POST("/cancel", h.CancelTransaction)
	txs.POST("/expire", h.ExpireTransaction)
	txs.POST("/cancel-vote", h.VoteCancel)
	txs.POST("/dispute", h.OpenDispute)

	disputes := r.Group("/disputes/:id", validation.IDParamMiddleware("id", idgen.PrefixDispute))
	disputes.POST("/evidence", h.AddEvidence)
	disputes.POST("/review", h.BeginReview)
	disputes.POST("/resolve", h.ResolveDispute)
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("item", req.Item, validation.MaxStringLength),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidAmount("amount", req.Amount, req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	amount, err := money.Parse(req.Amount, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}

	t, err := h.manager.Create(c.Request.Context(), actorFrom(c), CreateParams{
		Item:             validation.SanitizeString(req.Item, validation.MaxStringLength),
		Amount:           amount,
		Currency:         req.Currency,
		PaymentMethodRef: req.PaymentMethodRef,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": t})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.manager.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// GetLedger handles GET /v1/transactions/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	entries, err := h.manager.Entries(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":  entries,
		"balances": ledger.Summarize(entries),
	})
}

// ListTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	txs, err := h.manager.ListByUser(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// JoinTransaction handles POST /v1/transactions/:id/join
func (h *Handler) JoinTransaction(c *gin.Context) {
	h.withVersion(c, h.manager.Join)
}

// ConfirmDelivery handles POST /v1/transactions/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	h.withVersion(c, h.manager.ConfirmDelivery)
}

// CompleteTransaction handles POST /v1/transactions/:id/complete
func (h *Handler) CompleteTransaction(c *gin.Context) {
	h.withVersion(c, h.manager.Complete)
}

// CancelTransaction handles POST /v1/transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	h.withVersion(c, h.manager.Cancel)
}

// ExpireTransaction handles POST /v1/transactions/:id/expire
func (h *Handler) ExpireTransaction(c *gin.Context) {
	h.withVersion(c, h.manager.Expire)
}

// VoteCancel handles POST /v1/transactions/:id/cancel-vote
func (h *Handler) VoteCancel(c *gin.Context) {
	h.withVersion(c, h.manager.VoteCancel)
}

// NotifyFunded handles POST /v1/transactions/:id/fund
func (h *Handler) NotifyFunded(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount and version are required",
		})
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	cur, err := h.manager.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(req.Amount)); err != nil {
		respondError(c, fmt.Errorf("%w: %q is not a decimal amount", ErrInvalidAmount, req.Amount))
		return
	}
	// Amounts the currency cannot express go through as 0 and fail as a mismatch.
	observed, err := money.Parse(req.Amount, cur.Currency)
	if err != nil {
		observed = 0
	}
	t, err := h.manager.NotifyFunded(ctx, id, actorFrom(c), observed, req.ProofRef, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason and version are required",
		})
		return
	}
	typ, err := ParseDisputeType(req.Type)
	if err != nil {
		respondError(c, err)
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	d, t, err := h.resolver.Open(c.Request.Context(), c.Param("id"), actorFrom(c), typ, reason, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "transaction": t})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.resolver.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes?state=open
func (h *Handler) ListDisputes(c *gin.Context) {
	state := DisputeState(c.DefaultQuery("state", string(DisputeOpen)))
	if !state.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "state must be one of open, under_review, resolved",
		})
		return
	}
	disputes, err := h.resolver.ListByState(c.Request.Context(), state, queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ListUserDisputes handles GET /v1/users/:id/disputes
func (h *Handler) ListUserDisputes(c *gin.Context) {
	disputes, err := h.resolver.ListByUser(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ListResolverDisputes handles GET /v1/resolvers/:id/disputes
func (h *Handler) ListResolverDisputes(c *gin.Context) {
	disputes, err := h.resolver.ListByResolver(c.Request.Context(), c.Param("id"), queryLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "payloadRef is required",
		})
		return
	}
	d, err := h.resolver.AddEvidence(c.Request.Context(), c.Param("id"), actorFrom(c),
		validation.SanitizeString(req.PayloadRef, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// BeginReview handles POST /v1/disputes/:id/review
func (h *Handler) BeginReview(c *gin.Context) {
	d, err := h.resolver.BeginReview(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "outcome is required (release_to_seller, refund_to_buyer, or split)",
		})
		return
	}
	outcome, err := req.Outcome.Decode()
	if err != nil {
		respondError(c, err)
		return
	}

	d, t, err := h.resolver.Resolve(c.Request.Context(), c.Param("id"), actorFrom(c), outcome,
		validation.SanitizeString(req.Rationale, validation.MaxStringLength))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d, "transaction": t})
}

type versionedOp func(ctx context.Context, id string, actor Actor, version int64) (*Transaction, error)

func (h *Handler) withVersion(c *gin.Context, op versionedOp) {
	var req versionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "version is required",
		})
		return
	}
	t, err := op(c.Request.Context(), c.Param("id"), actorFrom(c), req.Version)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// actorFrom builds the caller from the identity the auth middleware stored.
func actorFrom(c *gin.Context) Actor {
	id, ok := auth.Caller(c)
	if !ok {
		return Actor{}
	}
	return Actor{ID: id.ID, Role: Role(id.Role)}
}

func queryLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict),
		errors.Is(err, ErrInsufficientEscrow),
		errors.Is(err, ErrAlreadyHeld),
		errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrClosed):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrInvalidAmount),
		errors.Is(err, money.ErrUnsupportedCurrency),
		errors.Is(err, ErrInvalidOutcome),
		errors.Is(err, ErrInvalidDisputeType):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	body := gin.H{"error": Kind(err), "message": msg}
	if IsRetryable(err) {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
