package listings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
	"github.com/ZhaslanToishybayev/steammarket/internal/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterPublicRoutes mounts the browse endpoints.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/listings", h.List)
	r.GET("/listings/:id", h.Get)
}

// RegisterRoutes mounts the seller endpoints (API key required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.Create)
	r.PATCH("/listings/:id", h.Update)
	r.DELETE("/listings/:id", h.Cancel)
}

// RegisterAdminRoutes mounts moderation endpoints.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/listings/:id/feature", h.AdminFeature)
	r.DELETE("/listings/:id", h.AdminRemove)
}

func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Status:        StatusActive,
		NameQuery:     c.Query("q"),
		SellerSteamID: c.Query("seller"),
		FeaturedOnly:  c.Query("featured") == "true",
	}
	if s := c.Query("status"); s != "" {
		f.Status = Status(s)
	}
	f.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Cursor is malformed"})
		return
	}
	f.Cursor = cursor

	out, next, more, err := h.svc.ListPage(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listings_error", "message": "Failed to list listings"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listings":    out,
		"count":       len(out),
		"next_cursor": next,
		"has_more":    more,
	})
}

func (h *Handler) Get(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	l, err := h.svc.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type createRequest struct {
	AssetID        string          `json:"asset_id" binding:"required"`
	MarketHashName string          `json:"market_hash_name" binding:"required"`
	AppID          int             `json:"app_id"`
	ContextID      int             `json:"context_id"`
	IconURL        string          `json:"icon_url"`
	Rarity         string          `json:"rarity"`
	Exterior       string          `json:"exterior"`
	WearFloat      *float64        `json:"wear_float"`
	Stickers       []Sticker       `json:"stickers"`
	Price          decimal.Decimal `json:"price" binding:"required"`
	Kind           Kind            `json:"kind"`
}

func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	l, err := h.svc.Create(c.Request.Context(), CreateInput{
		SellerSteamID:  auth.AuthenticatedSteamID(c),
		AssetID:        req.AssetID,
		MarketHashName: req.MarketHashName,
		AppID:          req.AppID,
		ContextID:      req.ContextID,
		IconURL:        req.IconURL,
		Rarity:         req.Rarity,
		Exterior:       req.Exterior,
		WearFloat:      req.WearFloat,
		Stickers:       req.Stickers,
		Price:          req.Price,
		Kind:           req.Kind,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, l)
}

type updateRequest struct {
	Price decimal.Decimal `json:"price" binding:"required"`
}

func (h *Handler) Update(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	var req updateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	l, err := h.svc.UpdatePrice(c.Request.Context(), id, auth.AuthenticatedSteamID(c), req.Price)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) Cancel(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	if err := h.svc.Cancel(c.Request.Context(), id, auth.AuthenticatedSteamID(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type featureRequest struct {
	Featured *bool `json:"featured" binding:"required"`
}

func (h *Handler) AdminFeature(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	var req featureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.svc.SetFeatured(c.Request.Context(), id, *req.Featured); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

func (h *Handler) AdminRemove(c *gin.Context) {
	id, err := parseID(c)
	if err != nil {
		return
	}
	if err := h.svc.Remove(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed"})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrListingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "listing_not_found", "message": "No such listing"})
	case errors.Is(err, ErrListingUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "listing_unavailable", "message": "Listing is not in a state that allows this"})
	case errors.Is(err, ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Listing belongs to another user"})
	case errors.Is(err, ErrPriceOutOfRange):
		c.JSON(http.StatusBadRequest, gin.H{"error": "price_out_of_range", "message": err.Error()})
	case errors.Is(err, ErrTradeURLRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "trade_url_required", "message": "Set a trade URL on your profile first"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listings_error", "message": "Operation failed"})
	}
}

func parseID(c *gin.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Listing id must be a positive integer"})
		return 0, errors.New("invalid id")
	}
	return id, nil
}
