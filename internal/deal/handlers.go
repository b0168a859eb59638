package deal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ClementSutjiatma/deal-sub001/internal/chain"
)

// Handler provides HTTP endpoints for deal operations.
type Handler struct {
	service *Service
	sweeper *Sweeper
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service, sweeper *Sweeper) *Handler {
	return &Handler{service: service, sweeper: sweeper}
}

// RegisterRoutes sets up public (read-only) deal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals/:id", h.GetDeal)
	r.GET("/deals/:id/events", h.ListDealEvents)
	r.GET("/deals/code/:code", h.GetDealByCode)
	r.POST("/deals/:id/conversations", h.AttachConversation)
}

// RegisterProtectedRoutes sets up auth-required deal routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.POST("/deals/:id/claim", h.ClaimDeal)
	r.POST("/deals/:id/transfer", h.MarkTransferred)
	r.POST("/deals/:id/confirm", h.ConfirmDeal)
	r.POST("/deals/:id/dispute", h.DisputeDeal)
	r.POST("/deals/:id/cancel", h.CancelDeal)
	r.GET("/users/:id/deals", h.ListUserDeals)
}

// RegisterAdminRoutes sets up privileged routes. The admin-secret middleware
// guards them in the server.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/resolve", h.ResolveDeal)
}

// RegisterSweepRoutes sets up the externally triggered sweep endpoint. The
// sweep-secret middleware guards it in the server.
func (h *Handler) RegisterSweepRoutes(r *gin.RouterGroup) {
	r.POST("/sweep", h.RunSweep)
}

type claimRequest struct {
	TxHash string `json:"txHash"`
}

type confirmRequest struct {
	TxHash string `json:"txHash" binding:"required"`
}

type disputeRequest struct {
	TxHash string `json:"txHash" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

type resolveRequest struct {
	FavorBuyer *bool  `json:"favorBuyer" binding:"required"`
	Ruling     string `json:"ruling"`
}

type conversationRequest struct {
	VisitorID string `json:"visitorId" binding:"required"`
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId, price and eventName are required",
		})
		return
	}

	// The authenticated caller is always the seller.
	req.SellerID = c.GetString("authUserID")

	d, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// GetDealByCode handles GET /v1/deals/code/:code
func (h *Handler) GetDealByCode(c *gin.Context) {
	d, err := h.service.GetByShortCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ListDealEvents handles GET /v1/deals/:id/events
func (h *Handler) ListDealEvents(c *gin.Context) {
	events, err := h.service.ListEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListUserDeals handles GET /v1/users/:id/deals
func (h *Handler) ListUserDeals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	deals, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals)})
}

// ClaimDeal handles POST /v1/deals/:id/claim
func (h *Handler) ClaimDeal(c *gin.Context) {
	var req claimRequest
	_ = c.ShouldBindJSON(&req) // txHash is optional

	buyerID := c.GetString("authUserID")
	d, err := h.service.Claim(c.Request.Context(), c.Param("id"), buyerID, req.TxHash)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": true, "deal": d})
}

// MarkTransferred handles POST /v1/deals/:id/transfer
func (h *Handler) MarkTransferred(c *gin.Context) {
	d, err := h.service.MarkTransferred(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ConfirmDeal handles POST /v1/deals/:id/confirm
func (h *Handler) ConfirmDeal(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}

	d, err := h.service.Confirm(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.TxHash)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// DisputeDeal handles POST /v1/deals/:id/dispute
func (h *Handler) DisputeDeal(c *gin.Context) {
	var req disputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "txHash and reason are required",
		})
		return
	}

	d, err := h.service.Dispute(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req.TxHash, req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// CancelDeal handles POST /v1/deals/:id/cancel
func (h *Handler) CancelDeal(c *gin.Context) {
	d, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ResolveDeal handles POST /v1/deals/:id/resolve
func (h *Handler) ResolveDeal(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "favorBuyer is required",
		})
		return
	}

	result, err := h.service.Resolve(c.Request.Context(), c.Param("id"), "admin", *req.FavorBuyer, req.Ruling)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "txHash": result.TxHash, "deal": result.Deal})
}

// AttachConversation handles POST /v1/deals/:id/conversations
func (h *Handler) AttachConversation(c *gin.Context) {
	var req conversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "visitorId is required",
		})
		return
	}

	conv, err := h.service.AttachConversation(c.Request.Context(), c.Param("id"), req.VisitorID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation": conv})
}

// RunSweep handles POST /v1/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	result := h.sweeper.Sweep(c.Request.Context())
	c.JSON(http.StatusOK, result)
}

// respondError maps coordinator errors onto the HTTP boundary.
func (h *Handler) respondError(c *gin.Context, err error) {
	var subErr *chain.SubmissionError

	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDealNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrSelfDeal), errors.Is(err, ErrMissingTxHash):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrClaimRaceLost):
		status = http.StatusConflict
		code = "claim_race_lost"
	case errors.Is(err, ErrTerminalState), errors.Is(err, ErrInvalidStatus):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrChainNotConfirmed):
		status = http.StatusUnprocessableEntity
		code = "chain_not_confirmed"
	case errors.As(err, &subErr):
		status = http.StatusBadGateway
		code = "chain_submission_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
