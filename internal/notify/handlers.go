package notify

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
)

type Handler struct {
	hub   *Hub
	store Store
	keys  *auth.Manager
}

func NewHandler(hub *Hub, store Store, keys *auth.Manager) *Handler {
	return &Handler{hub: hub, store: store, keys: keys}
}

// RegisterRoutes mounts the notification endpoints (API key required).
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.List)
	r.POST("/notifications/:id/ack", h.Ack)
}

func (h *Handler) List(c *gin.Context) {
	steamID := auth.AuthenticatedSteamID(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	out, err := h.store.ListByUser(c.Request.Context(), steamID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notifications_error", "message": "Failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out, "count": len(out)})
}

func (h *Handler) Ack(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "Notification id must be a positive integer"})
		return
	}
	err = h.store.MarkRead(c.Request.Context(), id, auth.AuthenticatedSteamID(c))
	if errors.Is(err, ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification_not_found", "message": "No such unread notification"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "notifications_error", "message": "Failed to ack"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// ServeWS authenticates the session token from the query string and hands
// the connection to the hub. Browsers cannot set an Authorization header on
// a WebSocket upgrade, hence the query parameter.
func (h *Handler) ServeWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "token query parameter required"})
		return
	}
	key, err := h.keys.ValidateKey(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Invalid token"})
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, key.SteamID)
}
