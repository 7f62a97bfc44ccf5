package trades

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ZhaslanToishybayev/steammarket/internal/audit"
	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
	"github.com/ZhaslanToishybayev/steammarket/internal/pagination"
	"github.com/ZhaslanToishybayev/steammarket/internal/wallet"
)

type Handler struct {
	engine  *Engine
	history audit.Store
}

func NewHandler(engine *Engine, history audit.Store) *Handler {
	return &Handler{engine: engine, history: history}
}

// RegisterRoutes mounts the buyer/seller endpoints (API key required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.Create)
	r.GET("/trades", h.List)
	r.GET("/trades/:uuid", h.Get)
	r.POST("/trades/:uuid/pay", h.Pay)
	r.POST("/trades/:uuid/cancel", h.Cancel)
}

// RegisterAdminRoutes mounts the operator endpoints.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/trades", h.AdminList)
	r.GET("/trades/:uuid", h.AdminGet)
	r.POST("/trades/:uuid/cancel", h.AdminCancel)
	r.POST("/trades/:uuid/resolve", h.AdminResolve)
}

type createRequest struct {
	ListingID     int64  `json:"listing_id" binding:"required"`
	BuyerTradeURL string `json:"buyer_trade_url" binding:"required"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.engine.Create(c.Request.Context(), auth.AuthenticatedSteamID(c), req.ListingID, req.BuyerTradeURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *Handler) Pay(c *gin.Context) {
	t, err := h.engine.Pay(c.Request.Context(), c.Param("uuid"), auth.AuthenticatedSteamID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}
	t, err := h.engine.Cancel(c.Request.Context(), c.Param("uuid"), auth.AuthenticatedSteamID(c), audit.ActorUser, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// Get returns the trade and its history tail. Knowing a UUID is not enough:
// only the buyer and seller may read the trade.
func (h *Handler) Get(c *gin.Context) {
	t, err := h.engine.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	caller := auth.AuthenticatedSteamID(c)
	if caller != t.BuyerSteamID && caller != t.SellerSteamID {
		h.writeError(c, ErrNotParticipant)
		return
	}
	h.respondWithHistory(c, t)
}

// AdminGet is Get without the participant check.
func (h *Handler) AdminGet(c *gin.Context) {
	t, err := h.engine.Get(c.Request.Context(), c.Param("uuid"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithHistory(c, t)
}

func (h *Handler) respondWithHistory(c *gin.Context, t *Trade) {
	history, err := h.history.Tail(c.Request.Context(), t.UUID, 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trades_error", "message": "Failed to load trade history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t, "history": history})
}

func (h *Handler) List(c *gin.Context) {
	f := h.filterFromQuery(c)
	f.Participant = auth.AuthenticatedSteamID(c)
	out, err := h.engine.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trades_error", "message": "Failed to list trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

func (h *Handler) AdminList(c *gin.Context) {
	f := h.filterFromQuery(c)
	f.Participant = c.Query("participant")
	out, err := h.engine.List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trades_error", "message": "Failed to list trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": out, "count": len(out)})
}

func (h *Handler) AdminCancel(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by admin"
	}
	t, err := h.engine.Cancel(c.Request.Context(), c.Param("uuid"), "", audit.ActorAdmin, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Notes   string `json:"notes"`
}

func (h *Handler) AdminResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.engine.Resolve(c.Request.Context(), c.Param("uuid"), Status(req.Outcome), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handler) filterFromQuery(c *gin.Context) Filter {
	var f Filter
	if s := c.Query("status"); s != "" {
		f.Status = Status(s)
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	f.Limit = pagination.ClampLimit(f.Limit)
	f.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "trade_not_found", "message": "No such trade"})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "You are not a participant of this trade"})
	case errors.Is(err, ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition", "message": err.Error()})
	case errors.Is(err, ErrTradeNotCancellable):
		c.JSON(http.StatusConflict, gin.H{"error": "not_cancellable", "message": "Trade is past the point of cancellation"})
	case errors.Is(err, ErrMaintenance):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "maintenance", "message": "New trades are paused for maintenance"})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Balance does not cover the price"})
	case errors.Is(err, listings.ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "listing_not_found", "message": "No such listing"})
	case errors.Is(err, listings.ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "listing_unavailable", "message": "Listing was reserved or sold"})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "trades_error", "message": err.Error()})
	}
}
