package crosschain

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/money"
	"github.com/clearhold/clearhold/internal/network"
	"github.com/clearhold/clearhold/internal/validation"
)

// EscrowAccess answers whether a participant may act on an escrow. Bridge
// principals bypass it. Returns ErrEscrowNotFound for unknown escrows.
type EscrowAccess interface {
	IsParticipant(ctx context.Context, escrowID, participantID string) (bool, error)
}

// Handler provides HTTP endpoints for cross-chain settlement operations.
type Handler struct {
	orchestrator *Orchestrator
	escrows      EscrowAccess
}

// NewHandler creates a new cross-chain handler.
func NewHandler(orchestrator *Orchestrator, escrows EscrowAccess) *Handler {
	return &Handler{orchestrator: orchestrator, escrows: escrows}
}

// RegisterRoutes sets up cross-chain routes under the transactions group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/cross-chain/prepare", h.Prepare)
	r.POST("/transactions/:id/cross-chain/:txId/execute-step", h.ExecuteStep)
	r.GET("/transactions/:id/cross-chain/:txId/status", h.Status)
	r.GET("/transactions/:id/cross-chain", h.List)
	r.GET("/transactions/cross-chain/estimate-fees", h.EstimateFees)
}

type prepareRequest struct {
	Direction     string `json:"direction" binding:"required"`
	FromAddress   string `json:"fromAddress" binding:"required"`
	ToAddress     string `json:"toAddress" binding:"required"`
	Amount        int64  `json:"amount" binding:"required"`
	Token         string `json:"token"`
	SourceNetwork string `json:"sourceNetwork" binding:"required"`
	TargetNetwork string `json:"targetNetwork" binding:"required"`
}

// authorize enforces the access rule on settlement legs: only the escrow's
// buyer or seller, or a registered bridge principal, may touch them.
func (h *Handler) authorize(c *gin.Context) bool {
	if auth.IsBridgeCaller(c) {
		return true
	}
	ok, err := h.escrows.IsParticipant(c.Request.Context(), c.Param("id"), auth.CallerID(c))
	if err != nil {
		respondError(c, err)
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "authorization_error", "message": "Not a participant of this escrow"})
		return false
	}
	return true
}

// txForEscrow resolves :txId and checks it belongs to :id. A mismatched pair
// reads as not found so one escrow's authorization cannot reach another's
// transaction.
func (h *Handler) txForEscrow(c *gin.Context) (string, bool) {
	tx, err := h.orchestrator.Get(c.Request.Context(), c.Param("txId"))
	if err != nil {
		respondError(c, err)
		return "", false
	}
	if tx.EscrowID != c.Param("id") {
		respondError(c, ErrTransactionNotFound)
		return "", false
	}
	return tx.ID, true
}

// Prepare handles POST /v1/transactions/:id/cross-chain/prepare
func (h *Handler) Prepare(c *gin.Context) {
	if !h.authorize(c) {
		return
	}

	var req prepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	source, _ := network.Parse(req.SourceNetwork)
	target, _ := network.Parse(req.TargetNetwork)
	if errs := validation.Validate(
		validation.ValidNetwork("sourceNetwork", req.SourceNetwork),
		validation.ValidNetwork("targetNetwork", req.TargetNetwork),
		validation.ValidAddress("fromAddress", req.FromAddress, source),
		validation.ValidAddress("toAddress", req.ToAddress, target),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	tx, err := h.orchestrator.Prepare(c.Request.Context(), PrepareRequest{
		EscrowID:      c.Param("id"),
		Direction:     Direction(req.Direction),
		FromAddress:   req.FromAddress,
		ToAddress:     req.ToAddress,
		Amount:        money.Amount(req.Amount),
		Token:         req.Token,
		SourceNetwork: source,
		TargetNetwork: target,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ExecuteStep handles POST /v1/transactions/:id/cross-chain/:txId/execute-step
func (h *Handler) ExecuteStep(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	txID, ok := h.txForEscrow(c)
	if !ok {
		return
	}

	var req struct {
		StepNumber    *int   `json:"stepNumber" binding:"required"`
		ExternalTxRef string `json:"externalTxRef" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	result, err := h.orchestrator.ExecuteStep(c.Request.Context(), txID, *req.StepNumber, req.ExternalTxRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stepResult": result})
}

// Status handles GET /v1/transactions/:id/cross-chain/:txId/status.
// The read also polls the provider so a caller sees up-to-date progress.
func (h *Handler) Status(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	txID, ok := h.txForEscrow(c)
	if !ok {
		return
	}

	tx, err := h.orchestrator.PollStatus(c.Request.Context(), txID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": tx.Status, "steps": tx.Steps, "transaction": tx})
}

// List handles GET /v1/transactions/:id/cross-chain
func (h *Handler) List(c *gin.Context) {
	if !h.authorize(c) {
		return
	}

	txs, err := h.orchestrator.ListByEscrow(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// EstimateFees handles GET /v1/transactions/cross-chain/estimate-fees.
// Always 200: provider failures degrade to a marked fallback estimate.
func (h *Handler) EstimateFees(c *gin.Context) {
	source, err := network.Parse(c.Query("sourceNetwork"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown sourceNetwork"})
		return
	}
	target, err := network.Parse(c.Query("targetNetwork"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown targetNetwork"})
		return
	}
	amount, err := strconv.ParseInt(c.Query("amount"), 10, 64)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "amount must be a positive integer"})
		return
	}

	est := h.orchestrator.EstimateFees(c.Request.Context(), source, target, money.Amount(amount), c.Query("token"))
	c.JSON(http.StatusOK, gin.H{"feeEstimate": est})
}

// respondError maps orchestrator errors onto the wire taxonomy.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrTransactionNotFound),
		errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnsupportedNetworkPair),
		errors.Is(err, ErrBridgeNotRequired):
		status, code = http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrOutOfOrderStep),
		errors.Is(err, ErrAlreadyExecuted),
		errors.Is(err, ErrVersionConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrEscrowRejected):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrProviderUnavailable):
		status, code = http.StatusBadGateway, "external_dependency_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
