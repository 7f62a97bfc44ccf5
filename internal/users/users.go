// Package users manages marketplace user accounts: Steam identity, profile,
// trade URL, risk score, and ban state. Wallet balances live on the same
// table but are written only by the wallet ledger.
package users

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserBanned   = errors.New("user is banned")
	ErrUserExists   = errors.New("user already exists")
)

// User is a marketplace account keyed by SteamID64.
type User struct {
	SteamID     string          `json:"steam_id"`
	DisplayName string          `json:"display_name"`
	AvatarURL   string          `json:"avatar_url,omitempty"`
	TradeURL    string          `json:"trade_url,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	Reserved    decimal.Decimal `json:"reserved"`
	RiskScore   int             `json:"risk_score"`
	Banned      bool            `json:"banned"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Available is the spendable part of the balance.
func (u *User) Available() decimal.Decimal {
	return u.Balance.Sub(u.Reserved)
}

// Store persists user accounts.
type Store interface {
	Create(ctx context.Context, user *User) error
	Get(ctx context.Context, steamID string) (*User, error)
	UpdateProfile(ctx context.Context, steamID, displayName, avatarURL, tradeURL string) error
	SetBanned(ctx context.Context, steamID string, banned bool) error
	AddRiskScore(ctx context.Context, steamID string, delta int) (int, error)
	List(ctx context.Context, limit int) ([]*User, error)
}

// Service implements user account logic.
type Service struct {
	store Store
}

// NewService creates a user service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates an account on first login. Registering an existing
// account is a no-op returning the stored user.
func (s *Service) Register(ctx context.Context, steamID, displayName, avatarURL string) (*User, error) {
	existing, err := s.store.Get(ctx, steamID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	user := &User{
		SteamID:     steamID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		Balance:     decimal.Zero,
		Reserved:    decimal.Zero,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, user); err != nil {
		if errors.Is(err, ErrUserExists) {
			return s.store.Get(ctx, steamID)
		}
		return nil, err
	}
	return user, nil
}

// Get returns a user by steam id.
func (s *Service) Get(ctx context.Context, steamID string) (*User, error) {
	return s.store.Get(ctx, steamID)
}

// RequireActive returns the user or an error when missing or banned.
func (s *Service) RequireActive(ctx context.Context, steamID string) (*User, error) {
	user, err := s.store.Get(ctx, steamID)
	if err != nil {
		return nil, err
	}
	if user.Banned {
		return nil, ErrUserBanned
	}
	return user, nil
}

// UpdateProfile replaces the mutable profile fields.
func (s *Service) UpdateProfile(ctx context.Context, steamID, displayName, avatarURL, tradeURL string) error {
	return s.store.UpdateProfile(ctx, steamID, displayName, avatarURL, tradeURL)
}

// Ban marks a user banned; their listings stop matching and new trades are
// rejected. Existing trades finish through the normal state machine.
func (s *Service) Ban(ctx context.Context, steamID string) error {
	return s.store.SetBanned(ctx, steamID, true)
}

// Unban lifts a ban.
func (s *Service) Unban(ctx context.Context, steamID string) error {
	return s.store.SetBanned(ctx, steamID, false)
}
