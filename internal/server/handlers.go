package server

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
	"github.com/ZhaslanToishybayev/steammarket/internal/users"
	"github.com/ZhaslanToishybayev/steammarket/internal/validation"
)

// HealthResponse is the body of the aggregate health probe.
type HealthResponse struct {
	Status    string           `json:"status"`
	Version   string           `json:"version"`
	Checks    []map[string]any `json:"checks,omitempty"`
	Timestamp string           `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	checks := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		checks = append(checks, map[string]any{
			"name": st.Name, "healthy": st.Healthy, "detail": st.Detail,
		})
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type registerRequest struct {
	SteamID     string `json:"steam_id" binding:"required"`
	DisplayName string `json:"display_name" binding:"required"`
	AvatarURL   string `json:"avatar_url"`
	TradeURL    string `json:"trade_url"`
}

// registerUser handles POST /v1/users. It creates the account and returns
// the API key in the same response; the key is shown exactly once.
func (s *Server) registerUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidSteamID(req.SteamID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_steam_id",
			"message": "steam_id must be a SteamID64",
		})
		return
	}
	if req.TradeURL != "" && !validation.IsValidTradeURL(req.TradeURL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_trade_url",
			"message": "trade_url must be a Steam trade offer URL",
		})
		return
	}
	req.DisplayName = validation.SanitizeString(req.DisplayName, 100)

	u, err := s.users.Register(ctx, req.SteamID, req.DisplayName, req.AvatarURL)
	if err != nil {
		if errors.Is(err, users.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "user_exists", "message": "This SteamID is already registered"})
			return
		}
		s.logger.Error("user registration failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to register"})
		return
	}
	if req.TradeURL != "" {
		if err := s.users.UpdateProfile(ctx, u.SteamID, u.DisplayName, u.AvatarURL, req.TradeURL); err != nil {
			s.logger.Warn("storing trade url failed", "steam_id", u.SteamID, "error", err)
		} else {
			u.TradeURL = req.TradeURL
		}
	}

	rawKey, keyInfo, err := s.authMgr.GenerateKey(ctx, u.SteamID, "Primary key")
	if err != nil {
		s.logger.Error("api key generation failed", "steam_id", u.SteamID, "error", err)
		c.JSON(http.StatusCreated, gin.H{
			"user":    u,
			"warning": "Registered but API key generation failed. Contact support.",
		})
		return
	}

	s.logger.Info("user registered", "steam_id", u.SteamID, "key_id", keyInfo.ID)
	c.JSON(http.StatusCreated, gin.H{
		"user":    u,
		"api_key": rawKey,
		"key_id":  keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

func (s *Server) currentUser(c *gin.Context) {
	u, err := s.users.Get(c.Request.Context(), auth.AuthenticatedSteamID(c))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "No such user"})
		return
	}
	c.JSON(http.StatusOK, u)
}

type updateProfileRequest struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	TradeURL    string `json:"trade_url"`
}

func (s *Server) updateProfile(c *gin.Context) {
	ctx := c.Request.Context()
	steamID := auth.AuthenticatedSteamID(c)

	var req updateProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.TradeURL != "" && !validation.IsValidTradeURL(req.TradeURL) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_trade_url",
			"message": "trade_url must be a Steam trade offer URL",
		})
		return
	}

	u, err := s.users.Get(ctx, steamID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "No such user"})
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = u.DisplayName
	}
	if req.AvatarURL == "" {
		req.AvatarURL = u.AvatarURL
	}
	if req.TradeURL == "" {
		req.TradeURL = u.TradeURL
	}
	req.DisplayName = validation.SanitizeString(req.DisplayName, 100)

	if err := s.users.UpdateProfile(ctx, steamID, req.DisplayName, req.AvatarURL, req.TradeURL); err != nil {
		s.logger.Error("profile update failed", "steam_id", steamID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to update profile"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// rotateKey invalidates the caller's keys and returns a fresh one. The
// rotation itself is reported to the fraud flagger by the auth manager.
func (s *Server) rotateKey(c *gin.Context) {
	steamID := auth.AuthenticatedSteamID(c)
	rawKey, keyInfo, err := s.authMgr.RotateKey(c.Request.Context(), steamID, "Rotated key")
	if err != nil {
		s.logger.Error("key rotation failed", "steam_id", steamID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to rotate key"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"api_key": rawKey,
		"key_id":  keyInfo.ID,
		"warning": "Previous keys are now invalid.",
	})
}

func (s *Server) listBots(c *gin.Context) {
	fleet, err := s.botMgr.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "bots_error", "message": "Failed to list bots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bots": fleet, "count": len(fleet)})
}

type banBotRequest struct {
	Reason string `json:"reason"`
}

// banBot permanently retires a bot account, usually after a VAC or trade ban
// lands on it. The prober never brings a banned bot back.
func (s *Server) banBot(c *gin.Context) {
	botID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_bot_id", "message": "Bot id must be numeric"})
		return
	}
	var req banBotRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "banned by admin"
	}
	if err := s.botMgr.MarkBanned(c.Request.Context(), botID, req.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "bot_not_found", "message": "No such bot"})
		return
	}
	s.logger.Info("bot banned", "bot_id", botID, "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "banned"})
}

type maintenanceRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setMaintenance(c *gin.Context) {
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	s.engine.SetMaintenance(*req.Enabled)
	s.logger.Info("maintenance mode changed", "enabled", *req.Enabled)
	c.JSON(http.StatusOK, gin.H{"maintenance": *req.Enabled})
}

func (s *Server) banUser(c *gin.Context) {
	steamID := c.Param("steamid")
	if err := s.users.Ban(c.Request.Context(), steamID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "No such user"})
		return
	}
	s.logger.Info("user banned", "steam_id", steamID)
	c.JSON(http.StatusOK, gin.H{"status": "banned"})
}

func (s *Server) unbanUser(c *gin.Context) {
	steamID := c.Param("steamid")
	if err := s.users.Unban(c.Request.Context(), steamID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "No such user"})
		return
	}
	s.logger.Info("user unbanned", "steam_id", steamID)
	c.JSON(http.StatusOK, gin.H{"status": "unbanned"})
}

func (s *Server) riskHistory(c *gin.Context) {
	events, err := s.fraudSvc.History(c.Request.Context(), c.Param("steamid"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fraud_error", "message": "Failed to load risk history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
