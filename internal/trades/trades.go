// Package trades implements the escrow trade lifecycle: a buyer pays the
// platform, a bot fetches the item from the seller (peer listings) or holds
// it already (bot-owned), delivers it to the buyer, and the seller is paid.
// Money and state always move in the same database transaction; Steam calls
// happen outside the row lock and are deduplicated with idempotency keys.
package trades

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
)

var (
	ErrTradeNotFound       = errors.New("trade not found")
	ErrIllegalTransition   = errors.New("illegal trade transition")
	ErrNotParticipant      = errors.New("caller is not part of this trade")
	ErrTradeNotCancellable = errors.New("trade can no longer be cancelled")
	ErrMaintenance         = errors.New("maintenance mode: new trades are disabled")
)

type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusPaymentReceived Status = "payment_received"
	StatusAwaitingSeller  Status = "awaiting_seller"
	StatusSellerAccepted  Status = "seller_accepted"
	StatusAwaitingBuyer   Status = "awaiting_buyer"
	StatusBuyerAccepted   Status = "buyer_accepted"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusRefunded        Status = "refunded"
	StatusExpired         Status = "expired"
	StatusDisputed        Status = "disputed"
	StatusErrorSending    Status = "error_sending"
	StatusErrorForwarding Status = "error_forwarding"
)

// legalEdges is the authoritative transition table. Transition rejects
// anything not listed here, and the history table therefore only ever
// records these edges.
var legalEdges = map[Status][]Status{
	StatusPendingPayment:  {StatusPaymentReceived, StatusCancelled, StatusExpired},
	StatusPaymentReceived: {StatusAwaitingSeller, StatusAwaitingBuyer, StatusErrorSending, StatusErrorForwarding, StatusRefunded, StatusExpired, StatusDisputed},
	StatusAwaitingSeller:  {StatusSellerAccepted, StatusErrorSending, StatusRefunded, StatusExpired, StatusDisputed},
	StatusErrorSending:    {StatusAwaitingSeller, StatusRefunded, StatusExpired, StatusDisputed},
	StatusSellerAccepted:  {StatusAwaitingBuyer, StatusErrorForwarding, StatusExpired, StatusDisputed},
	StatusAwaitingBuyer:   {StatusBuyerAccepted, StatusErrorForwarding, StatusRefunded, StatusExpired, StatusDisputed},
	StatusErrorForwarding: {StatusAwaitingBuyer, StatusRefunded, StatusExpired, StatusDisputed},
	StatusBuyerAccepted:   {StatusCompleted, StatusDisputed},
	StatusDisputed:        {StatusRefunded, StatusCompleted, StatusCancelled},
}

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// CanTransition reports whether from → to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range legalEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MaxRetries is how many times a failed leg is re-attempted before the trade
// is parked for human review.
const MaxRetries = 5

// Trade is the central aggregate. The item snapshot is denormalized from the
// listing at creation time so the audit trail survives listing edits.
type Trade struct {
	UUID          string `json:"uuid"`
	ListingID     int64  `json:"listing_id"`
	BuyerSteamID  string `json:"buyer_steam_id"`
	SellerSteamID string `json:"seller_steam_id"`
	BotID         *int64 `json:"bot_id,omitempty"`

	AssetID        string            `json:"asset_id"`
	MarketHashName string            `json:"market_hash_name"`
	AppID          int               `json:"app_id"`
	ContextID      int               `json:"context_id"`
	IconURL        string            `json:"icon_url,omitempty"`
	Rarity         string            `json:"rarity,omitempty"`
	Exterior       string            `json:"exterior,omitempty"`
	WearFloat      *float64          `json:"wear_float,omitempty"`
	Stickers       []listings.Sticker `json:"stickers"`
	Kind           listings.Kind     `json:"kind"`

	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	FeePercent   decimal.Decimal `json:"fee_percent"`
	Fee          decimal.Decimal `json:"fee"`
	SellerPayout decimal.Decimal `json:"seller_payout"`

	SellerOfferID *string `json:"seller_offer_id,omitempty"`
	BuyerOfferID  *string `json:"buyer_offer_id,omitempty"`
	BuyerTradeURL string  `json:"buyer_trade_url"`

	Status          Status `json:"status"`
	CancelRequested bool   `json:"cancel_requested"`
	CancelReason    string `json:"cancel_reason,omitempty"`
	RetryCount      int    `json:"retry_count"`
	Notes           string `json:"notes,omitempty"`

	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	DeadlineAt   *time.Time `json:"deadline_at,omitempty"`
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`

	PaidAt            *time.Time `json:"paid_at,omitempty"`
	SellerOfferSentAt *time.Time `json:"seller_offer_sent_at,omitempty"`
	SellerAcceptedAt  *time.Time `json:"seller_accepted_at,omitempty"`
	BuyerOfferSentAt  *time.Time `json:"buyer_offer_sent_at,omitempty"`
	BuyerAcceptedAt   *time.Time `json:"buyer_accepted_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	Status       Status
	Participant  string // buyer or seller steam id
	Limit        int
	Offset       int
}

// Store persists trades. Transition runs fn under the trade's row lock and
// commits every change fn makes — trade fields, ledger entries, history —
// atomically; any error from fn rolls all of it back. The *sql.Tx handed to
// fn is nil for the memory implementation.
type Store interface {
	Create(ctx context.Context, t *Trade) error
	Get(ctx context.Context, uuid string) (*Trade, error)
	List(ctx context.Context, f Filter) ([]*Trade, error)
	Transition(ctx context.Context, uuid string, fn func(tx *sql.Tx, t *Trade) error) error
	// RequestCancel flags a trade for the reconciler; it does not change
	// state on its own.
	RequestCancel(ctx context.Context, uuid, reason string) error
	// Due returns non-terminal trades whose expires_at or deadline_at has
	// passed, or which carry a cancel request, or which have an outstanding
	// Steam offer to poll. Oldest first.
	Due(ctx context.Context, now time.Time, pollInterval time.Duration, limit int) ([]*Trade, error)
	// TouchPolled records that an offer poll happened without a transition.
	TouchPolled(ctx context.Context, uuid string, at time.Time) error
}
