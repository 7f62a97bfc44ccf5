// Package notify delivers user-facing events over WebSocket with a durable
// store-and-forward fallback: online users get an immediate push, offline
// users find the backlog when they reconnect. Every notification is
// persisted first; delivery only flips its status.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var ErrNotificationNotFound = errors.New("notification not found")

type Kind string

const (
	KindTradeCreated    Kind = "trade_created"
	KindPaymentReceived Kind = "payment_received"
	KindOfferIncoming   Kind = "offer_incoming"
	KindTradeCompleted  Kind = "trade_completed"
	KindTradeCancelled  Kind = "trade_cancelled"
	KindTradeRefunded   Kind = "trade_refunded"
	KindTradeDisputed   Kind = "trade_disputed"
	KindDepositCredited Kind = "deposit_credited"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Retention bounds how long notifications are kept after creation,
// regardless of delivery status.
const Retention = 7 * 24 * time.Hour

type Notification struct {
	ID          int64           `json:"id"`
	UserSteamID string          `json:"user_steam_id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
}

type Store interface {
	Create(ctx context.Context, n *Notification) error
	Get(ctx context.Context, id int64) (*Notification, error)
	// Pending returns undelivered notifications oldest first, for draining
	// on reconnect.
	Pending(ctx context.Context, userSteamID string) ([]*Notification, error)
	ListByUser(ctx context.Context, userSteamID string, limit int) ([]*Notification, error)
	MarkDelivered(ctx context.Context, ids []int64) error
	MarkRead(ctx context.Context, id int64, userSteamID string) error
	// PurgeOlderThan removes delivered and read notifications past the
	// retention horizon and returns how many went.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
