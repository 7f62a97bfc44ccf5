package wallet

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/auth"
	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/validation"
)

// DepositProvider creates and confirms external card charges. Implemented by
// the payments package; nil means dev mode where deposits credit instantly.
type DepositProvider interface {
	CreateDeposit(ctx context.Context, steamID string, amount decimal.Decimal) (providerRef, clientSecret string, err error)
	ConfirmDeposit(ctx context.Context, providerRef string) (steamID string, amount decimal.Decimal, err error)
}

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	svc      *Service
	provider DepositProvider
}

// NewHandler creates a new wallet handler
func NewHandler(svc *Service, provider DepositProvider) *Handler {
	return &Handler{svc: svc, provider: provider}
}

// RegisterRoutes sets up wallet routes. All require auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetBalance)
	r.GET("/wallet/ledger", h.GetLedger)
	r.POST("/wallet/deposit", h.Deposit)
	r.POST("/wallet/deposit/confirm", h.ConfirmDeposit)
	r.POST("/wallet/withdraw", h.Withdraw)
}

// RegisterAdminRoutes sets up admin-only wallet routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/audit", h.RunAudit)
	r.POST("/wallet/adjust", h.AdminAdjust)
}

// GetBalance handles GET /wallet
func (h *Handler) GetBalance(c *gin.Context) {
	steamID := auth.AuthenticatedSteamID(c)

	balance, err := h.svc.GetBalance(c.Request.Context(), steamID)
	if errors.Is(err, ErrAccountNotFound) {
		// Authenticated but never traded: report zeros rather than 404.
		balance = &Balance{SteamID: steamID}
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}
	c.JSON(http.StatusOK, balance)
}

// GetLedger handles GET /wallet/ledger?limit=&before=
func (h *Handler) GetLedger(c *gin.Context) {
	steamID := auth.AuthenticatedSteamID(c)

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := parsePositiveInt(v, 200); err == nil {
			limit = n
		}
	}
	var before time.Time
	if v := c.Query("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_timestamp", "message": "Use RFC3339 format"})
			return
		}
		before = t
	}

	entries, err := h.svc.History(c.Request.Context(), steamID, limit, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to list ledger"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /wallet/deposit. With a provider configured it
// creates a charge and returns the client secret; the balance is credited
// on confirm. Without one (dev mode) the balance credits immediately.
func (h *Handler) Deposit(c *gin.Context) {
	steamID := auth.AuthenticatedSteamID(c)

	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	amount, _ := decimal.NewFromString(req.Amount)

	if h.provider == nil {
		if err := h.svc.Deposit(c.Request.Context(), steamID, amount, "dev"); err != nil {
			h.writeMoneyError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "credited", "amount": amount})
		return
	}

	ref, clientSecret, err := h.provider.CreateDeposit(c.Request.Context(), steamID, amount)
	if err != nil {
		logging.L(c.Request.Context()).Error("create deposit failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": "Payment provider unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "requires_confirmation",
		"provider_ref":  ref,
		"client_secret": clientSecret,
	})
}

type confirmDepositRequest struct {
	ProviderRef string `json:"provider_ref" binding:"required"`
}

// ConfirmDeposit handles POST /wallet/deposit/confirm
func (h *Handler) ConfirmDeposit(c *gin.Context) {
	if h.provider == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_configured", "message": "No payment provider configured"})
		return
	}

	var req confirmDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	steamID, amount, err := h.provider.ConfirmDeposit(c.Request.Context(), req.ProviderRef)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": err.Error()})
		return
	}
	if steamID != auth.AuthenticatedSteamID(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Deposit belongs to another account"})
		return
	}

	if err := h.svc.Deposit(c.Request.Context(), steamID, amount, req.ProviderRef); err != nil {
		h.writeMoneyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "credited", "amount": amount})
}

type withdrawRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Destination string `json:"destination" binding:"required"`
}

// Withdraw handles POST /wallet/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	steamID := auth.AuthenticatedSteamID(c)

	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(validation.ValidAmount("amount", req.Amount)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	amount, _ := decimal.NewFromString(req.Amount)

	if err := h.svc.Withdraw(c.Request.Context(), steamID, amount, req.Destination); err != nil {
		h.writeMoneyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "withdrawn", "amount": amount})
}

type adjustRequest struct {
	SteamID string `json:"steam_id" binding:"required"`
	Amount  string `json:"amount" binding:"required"` // signed
	Reason  string `json:"reason" binding:"required"`
}

// AdminAdjust handles POST /admin/wallet/adjust
func (h *Handler) AdminAdjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a decimal"})
		return
	}

	store := h.svc.Store()
	err = store.WithTx(c.Request.Context(), func(tx *sql.Tx) error {
		return store.Adjust(c.Request.Context(), tx, req.SteamID, amount, "admin:"+req.Reason)
	})
	if err != nil {
		h.writeMoneyError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("admin balance adjustment",
		"steam_id", req.SteamID, "amount", amount.String(), "reason", req.Reason)
	c.JSON(http.StatusOK, gin.H{"status": "adjusted"})
}

// RunAudit handles GET /admin/wallet/audit
func (h *Handler) RunAudit(c *gin.Context) {
	violations, err := h.svc.Audit(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": len(violations) == 0, "violations": violations})
}

func (h *Handler) writeMoneyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Not enough available balance"})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No such account"})
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
	default:
		logging.L(c.Request.Context()).Error("wallet operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "wallet_error", "message": "Operation failed"})
	}
}

func parsePositiveInt(s string, max int) (int, error) {
	var n int
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(r-'0')
		if n > max {
			return max, nil
		}
	}
	if n == 0 {
		return 0, errors.New("zero")
	}
	return n, nil
}
