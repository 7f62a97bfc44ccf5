package bots

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBotNotFound    = errors.New("bot not found")
	ErrNoBotAvailable = errors.New("no ready bot available")
)

type Status string

const (
	StatusOffline      Status = "offline"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusDegraded     Status = "degraded"
	StatusBanned       Status = "banned"
)

// Bot is a platform-owned Steam account used for item custody. Credentials
// live encrypted in secrets_enc and are decrypted only inside the fleet
// manager's memory.
type Bot struct {
	ID            int64      `json:"id"`
	SteamID       string     `json:"steam_id"`
	AccountName   string     `json:"account_name"`
	SecretsEnc    string     `json:"-"`
	Status        Status     `json:"status"`
	InventorySize int        `json:"inventory_size"`
	ActiveTrades  int        `json:"active_trades"`
	LastError     string     `json:"last_error,omitempty"`
	LastOnlineAt  *time.Time `json:"last_online_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Store interface {
	// Upsert registers a bot, keyed by account name. Existing rows keep their
	// status and counters but refresh secrets and steam id.
	Upsert(ctx context.Context, b *Bot) error
	Get(ctx context.Context, id int64) (*Bot, error)
	GetByAccountName(ctx context.Context, accountName string) (*Bot, error)
	List(ctx context.Context) ([]*Bot, error)
	SetStatus(ctx context.Context, id int64, status Status, lastError string) error
	// AcquireLeastLoaded atomically picks the ready bot with the fewest active
	// trades, excluding the given ids, and increments its counter.
	AcquireLeastLoaded(ctx context.Context, excluding []int64) (*Bot, error)
	ReleaseTrade(ctx context.Context, id int64) error
	SetInventorySize(ctx context.Context, id int64, size int) error
	TouchOnline(ctx context.Context, id int64) error
}
