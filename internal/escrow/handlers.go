package escrow

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
	"github.com/clearhold/clearhold/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. All of them require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/participants/:pid/transactions", h.ListTransactions)
	r.POST("/transactions/:id/conditions", h.SetConditions)
	r.PUT("/transactions/:id/conditions/:cid", h.UpdateCondition)
	r.POST("/transactions/:id/deposit", h.RecordDeposit)
	r.POST("/transactions/:id/approval", h.StartFinalApproval)
	r.POST("/transactions/:id/dispute", h.RaiseDispute)
	r.POST("/transactions/:id/release", h.Release)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.PUT("/transactions/:id/sync-status", h.SyncStatus)
}

// createRequest is the wire form of CreateRequest; the seller id comes from
// the body, the buyer id from the bearer credential.
type createRequest struct {
	SellerID      string `json:"sellerId" binding:"required"`
	BuyerAddress  string `json:"buyerAddress" binding:"required"`
	SellerAddress string `json:"sellerAddress" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	Token         string `json:"token"`
	BuyerNetwork  string `json:"buyerNetwork" binding:"required"`
	SellerNetwork string `json:"sellerNetwork" binding:"required"`
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

	buyerNet, _ := network.Parse(req.BuyerNetwork)
	sellerNet, _ := network.Parse(req.SellerNetwork)
	if errs := validation.Validate(
		validation.Required("sellerId", req.SellerID),
		validation.ValidNetwork("buyerNetwork", req.BuyerNetwork),
		validation.ValidNetwork("sellerNetwork", req.SellerNetwork),
		validation.ValidAddress("buyerAddress", req.BuyerAddress, buyerNet),
		validation.ValidAddress("sellerAddress", req.SellerAddress, sellerNet),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerID:       auth.CallerID(c),
		SellerID:      req.SellerID,
		BuyerAddress:  req.BuyerAddress,
		SellerAddress: req.SellerAddress,
		Amount:        money.Amount(req.Amount),
		Token:         req.Token,
		BuyerNetwork:  buyerNet,
		SellerNetwork: sellerNet,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": escrow.ID, "status": escrow.State, "transaction": escrow})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	escrow, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	// Participants only; escrows are not publicly browsable.
	if !escrow.IsParticipant(auth.CallerID(c)) {
		respondError(c, ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// ListTransactions handles GET /v1/participants/:pid/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	pid := c.Param("pid")
	if pid != auth.CallerID(c) {
		respondError(c, ErrUnauthorized)
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParticipant(c.Request.Context(), pid, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": escrows, "count": len(escrows)})
}

// SetConditions handles POST /v1/transactions/:id/conditions
func (h *Handler) SetConditions(c *gin.Context) {
	var req struct {
		Conditions []ConditionInput `json:"conditions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	escrow, err := h.service.SetConditions(c.Request.Context(), c.Param("id"), auth.CallerID(c), req.Conditions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// UpdateCondition handles PUT /v1/transactions/:id/conditions/:cid
func (h *Handler) UpdateCondition(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	status := ConditionStatus(req.Status)
	if status != ConditionFulfilled && status != ConditionWithdrawn {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "status must be FULFILLED or WITHDRAWN",
		})
		return
	}

	escrow, err := h.service.SetConditionStatus(c.Request.Context(), c.Param("id"), auth.CallerID(c), c.Param("cid"), status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// RecordDeposit handles POST /v1/transactions/:id/deposit
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req struct {
		Amount        int64  `json:"amount" binding:"required"`
		Token         string `json:"token"`
		SourceNetwork string `json:"sourceNetwork" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	source, err := network.Parse(req.SourceNetwork)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.PositiveAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	escrow, err := h.service.RecordDeposit(c.Request.Context(), c.Param("id"), auth.CallerID(c), money.Amount(req.Amount), req.Token, source)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// StartFinalApproval handles POST /v1/transactions/:id/approval
func (h *Handler) StartFinalApproval(c *gin.Context) {
	escrow, err := h.service.StartFinalApproval(c.Request.Context(), c.Param("id"), auth.CallerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// RaiseDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req struct {
		ConditionID string `json:"conditionId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	escrow, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), auth.CallerID(c), req.ConditionID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// Release handles POST /v1/transactions/:id/release. Any authenticated
// caller may invoke it; the deadline is the authority.
func (h *Handler) Release(c *gin.Context) {
	escrow, err := h.service.ReleaseAfterApproval(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	escrow, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.CallerID(c), false)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// SyncStatus handles PUT /v1/transactions/:id/sync-status
func (h *Handler) SyncStatus(c *gin.Context) {
	var req struct {
		ExternalStatus string `json:"externalStatus" binding:"required"`
		DeadlineISO    string `json:"deadlineISO"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	var deadline *time.Time
	if req.DeadlineISO != "" {
		t, err := time.Parse(time.RFC3339, req.DeadlineISO)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "deadlineISO must be RFC 3339",
			})
			return
		}
		deadline = &t
	}

	escrow, err := h.service.SyncStatus(c.Request.Context(), c.Param("id"), auth.CallerID(c), req.ExternalStatus, deadline)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": escrow})
}

// respondError maps service errors onto the wire taxonomy. The message keeps
// the specific condition (which deadline, which condition id) so clients can
// render an exact next action.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnknownCondition):
		status, code = http.StatusNotFound, "unknown_condition"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "authorization_error"
	case errors.Is(err, ErrEmptyConditionSet),
		errors.Is(err, ErrDuplicateCondition),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, money.ErrInvalidAmount),
		errors.Is(err, network.ErrUnknownNetwork),
		errors.Is(err, ErrInvalidSyncStatus),
		errors.Is(err, ErrMismatchedDeposit):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrPreconditionNotMet),
		errors.Is(err, ErrCancellationWindowClosed):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrAlreadyFulfilled),
		errors.Is(err, ErrVersionConflict):
		status, code = http.StatusConflict, "conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
