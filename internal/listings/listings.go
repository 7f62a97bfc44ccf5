package listings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/pagination"
	"github.com/ZhaslanToishybayev/steammarket/internal/users"
	"github.com/ZhaslanToishybayev/steammarket/internal/validation"
)

var (
	ErrListingNotFound    = errors.New("listing not found")
	ErrListingUnavailable = errors.New("listing is not available")
	ErrNotOwner           = errors.New("listing belongs to another user")
	ErrPriceOutOfRange    = errors.New("price outside allowed range")
	ErrTradeURLRequired   = errors.New("seller trade URL required for peer listings")
)

type Kind string

const (
	KindBotOwned Kind = "bot_owned"
	KindPeer     Kind = "peer"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusReserved  Status = "reserved"
	StatusSold      Status = "sold"
	StatusCancelled Status = "cancelled"
	StatusRemoved   Status = "removed"
	StatusExpired   Status = "expired"
)

// Sticker is an applied sticker snapshot, stored as JSONB.
type Sticker struct {
	Name    string `json:"name"`
	IconURL string `json:"icon_url,omitempty"`
	Slot    int    `json:"slot"`
}

// Listing is an item offered for sale. Item attributes are snapshotted at
// creation time; the asset may leave the seller's inventory afterwards, which
// the trade engine discovers when it tries to move it.
type Listing struct {
	ID             int64           `json:"id"`
	SellerSteamID  string          `json:"seller_steam_id"`
	AssetID        string          `json:"asset_id"`
	MarketHashName string          `json:"market_hash_name"`
	AppID          int             `json:"app_id"`
	ContextID      int             `json:"context_id"`
	IconURL        string          `json:"icon_url,omitempty"`
	Rarity         string          `json:"rarity,omitempty"`
	Exterior       string          `json:"exterior,omitempty"`
	WearFloat      *float64        `json:"wear_float,omitempty"`
	Stickers       []Sticker       `json:"stickers"`
	Price          decimal.Decimal `json:"price"`
	Currency       string          `json:"currency"`
	Kind           Kind            `json:"kind"`
	Status         Status          `json:"status"`
	Views          int             `json:"views"`
	IsFeatured     bool            `json:"is_featured"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Filter narrows List results. Zero values mean "any". When Cursor is set the
// stores order strictly by (created_at, id) descending; the featured boost
// applies to the first page only.
type Filter struct {
	Status        Status
	SellerSteamID string
	NameQuery     string
	FeaturedOnly  bool
	Cursor        *pagination.Cursor
	Limit         int
	Offset        int
}

type Store interface {
	Create(ctx context.Context, l *Listing) error
	Get(ctx context.Context, id int64) (*Listing, error)
	List(ctx context.Context, f Filter) ([]*Listing, error)
	UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error
	// SetStatus moves the listing from one status to another atomically and
	// reports ErrListingUnavailable when the listing is no longer in `from`.
	SetStatus(ctx context.Context, id int64, from, to Status) error
	IncrementViews(ctx context.Context, id int64) error
	SetFeatured(ctx context.Context, id int64, featured bool) error
}

// UserDirectory is the slice of the users service the listings service needs.
type UserDirectory interface {
	Get(ctx context.Context, steamID string) (*users.User, error)
}

type Service struct {
	store    Store
	users    UserDirectory
	minPrice decimal.Decimal
	maxPrice decimal.Decimal
}

func NewService(store Store, users UserDirectory, minPrice, maxPrice decimal.Decimal) *Service {
	return &Service{store: store, users: users, minPrice: minPrice, maxPrice: maxPrice}
}

func (s *Service) Store() Store {
	return s.store
}

// CreateInput carries the seller-supplied fields of a new listing.
type CreateInput struct {
	SellerSteamID  string
	AssetID        string
	MarketHashName string
	AppID          int
	ContextID      int
	IconURL        string
	Rarity         string
	Exterior       string
	WearFloat      *float64
	Stickers       []Sticker
	Price          decimal.Decimal
	Kind           Kind
}

// Create validates and persists a new active listing. Peer listings need the
// seller's trade URL on file so the bot can pick the item up later.
func (s *Service) Create(ctx context.Context, in CreateInput) (*Listing, error) {
	if err := s.checkPrice(in.Price); err != nil {
		return nil, err
	}
	if in.AssetID == "" || in.MarketHashName == "" {
		return nil, fmt.Errorf("asset_id and market_hash_name are required")
	}
	if in.Kind == "" {
		in.Kind = KindPeer
	}
	if in.Kind == KindPeer {
		u, err := s.users.Get(ctx, in.SellerSteamID)
		if err != nil {
			return nil, err
		}
		if !validation.IsValidTradeURL(u.TradeURL) {
			return nil, ErrTradeURLRequired
		}
	}
	if in.AppID == 0 {
		in.AppID = 730
	}
	if in.ContextID == 0 {
		in.ContextID = 2
	}
	l := &Listing{
		SellerSteamID:  in.SellerSteamID,
		AssetID:        in.AssetID,
		MarketHashName: in.MarketHashName,
		AppID:          in.AppID,
		ContextID:      in.ContextID,
		IconURL:        in.IconURL,
		Rarity:         in.Rarity,
		Exterior:       in.Exterior,
		WearFloat:      in.WearFloat,
		Stickers:       in.Stickers,
		Price:          in.Price,
		Currency:       "USD",
		Kind:           in.Kind,
		Status:         StatusActive,
	}
	if l.Stickers == nil {
		l.Stickers = []Sticker{}
	}
	if err := s.store.Create(ctx, l); err != nil {
		return nil, fmt.Errorf("creating listing: %w", err)
	}
	return l, nil
}

// Get returns a listing and bumps its views counter. The bump is best-effort.
func (s *Service) Get(ctx context.Context, id int64) (*Listing, error) {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	_ = s.store.IncrementViews(ctx, id)
	return l, nil
}

func (s *Service) List(ctx context.Context, f Filter) ([]*Listing, error) {
	f.Limit = pagination.ClampLimit(f.Limit)
	return s.store.List(ctx, f)
}

// ListPage is the cursor-paginated variant of List. It fetches one row past
// the page boundary to learn whether more results exist.
func (s *Service) ListPage(ctx context.Context, f Filter) ([]*Listing, string, bool, error) {
	limit := pagination.ClampLimit(f.Limit)
	f.Limit = limit + 1
	items, err := s.store.List(ctx, f)
	if err != nil {
		return nil, "", false, err
	}
	items, next, more := pagination.ComputePage(items, limit, func(l *Listing) (time.Time, string) {
		return l.CreatedAt, strconv.FormatInt(l.ID, 10)
	})
	return items, next, more, nil
}

// UpdatePrice changes the price of the caller's active listing.
func (s *Service) UpdatePrice(ctx context.Context, id int64, callerSteamID string, price decimal.Decimal) (*Listing, error) {
	if err := s.checkPrice(price); err != nil {
		return nil, err
	}
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if l.SellerSteamID != callerSteamID {
		return nil, ErrNotOwner
	}
	if l.Status != StatusActive {
		return nil, ErrListingUnavailable
	}
	if err := s.store.UpdatePrice(ctx, id, price); err != nil {
		return nil, err
	}
	l.Price = price
	return l, nil
}

// Cancel withdraws the caller's active listing from the market.
func (s *Service) Cancel(ctx context.Context, id int64, callerSteamID string) error {
	l, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if l.SellerSteamID != callerSteamID {
		return ErrNotOwner
	}
	return s.store.SetStatus(ctx, id, StatusActive, StatusCancelled)
}

// Remove is the admin takedown. Works from either active or reserved; a
// reserved listing's trade is cancelled separately.
func (s *Service) Remove(ctx context.Context, id int64) error {
	if err := s.store.SetStatus(ctx, id, StatusActive, StatusRemoved); err == nil {
		return nil
	} else if !errors.Is(err, ErrListingUnavailable) {
		return err
	}
	return s.store.SetStatus(ctx, id, StatusReserved, StatusRemoved)
}

// Reserve takes an active listing off the market for a pending trade.
func (s *Service) Reserve(ctx context.Context, id int64) error {
	return s.store.SetStatus(ctx, id, StatusActive, StatusReserved)
}

// Release puts a reserved listing back on the market after a trade fell
// through.
func (s *Service) Release(ctx context.Context, id int64) error {
	return s.store.SetStatus(ctx, id, StatusReserved, StatusActive)
}

// MarkSold finalizes a reserved listing after its trade completed.
func (s *Service) MarkSold(ctx context.Context, id int64) error {
	return s.store.SetStatus(ctx, id, StatusReserved, StatusSold)
}

func (s *Service) SetFeatured(ctx context.Context, id int64, featured bool) error {
	return s.store.SetFeatured(ctx, id, featured)
}

func (s *Service) checkPrice(price decimal.Decimal) error {
	if price.LessThan(s.minPrice) || price.GreaterThan(s.maxPrice) {
		return fmt.Errorf("%w: %s not in [%s, %s]", ErrPriceOutOfRange, price, s.minPrice, s.maxPrice)
	}
	if price.Exponent() < -2 {
		return fmt.Errorf("%w: more than two decimal places", ErrPriceOutOfRange)
	}
	return nil
}
