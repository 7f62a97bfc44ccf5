// Package steam is the typed client layer for outbound Steam calls: login,
// session restore, Steam Guard codes, trade offers, and inventory fetches.
// Every operation routes through the shared rate limiter.
package steam

import (
	"fmt"
	"net/url"
	"regexp"
	"time"
)

// Secrets are the per-bot credentials needed to log in. They live encrypted
// at rest and are decrypted only in the memory of the owning bot worker.
type Secrets struct {
	AccountName    string
	Password       string
	SharedSecret   string // TOTP seed for Steam Guard codes
	IdentitySecret string // confirmation key seed
}

// SessionTTL is how long Steam cookies remain usable before a re-login
// is required.
const SessionTTL = 12 * time.Hour

// Session is the cacheable login blob. It is non-authoritative: a missing
// or stale session just triggers a fresh login through the 2FA path.
type Session struct {
	SteamID string            `json:"steam_id"`
	Cookies map[string]string `json:"cookies"`
	SavedAt time.Time         `json:"saved_at"`
}

// Stale reports whether the session is past its cookie TTL.
func (s *Session) Stale() bool {
	if s == nil {
		return true
	}
	return time.Since(s.SavedAt) > SessionTTL
}

// OfferState is the authoritative state of a trade offer as reported by Steam.
type OfferState string

const (
	OfferActive    OfferState = "active"
	OfferAccepted  OfferState = "accepted"
	OfferDeclined  OfferState = "declined"
	OfferCancelled OfferState = "cancelled"
	OfferExpired   OfferState = "expired"
	OfferInvalid   OfferState = "invalid"
)

// Terminal reports whether the offer can no longer change state.
func (s OfferState) Terminal() bool {
	return s != OfferActive
}

// offerStateFromCode maps Steam's numeric ETradeOfferState to OfferState.
// Countered and escrowed offers are treated as invalid: the platform never
// counters, and escrowed delivery defeats the point of instant trades.
func offerStateFromCode(code int) OfferState {
	switch code {
	case 2, 9: // active, created-needs-confirmation
		return OfferActive
	case 3:
		return OfferAccepted
	case 5:
		return OfferExpired
	case 6, 10: // cancelled, cancelled by second factor
		return OfferCancelled
	case 7:
		return OfferDeclined
	default:
		return OfferInvalid
	}
}

// Item is one tradable asset in an inventory or offer.
type Item struct {
	AssetID        string `json:"asset_id"`
	AppID          int    `json:"app_id"`
	ContextID      string `json:"context_id"`
	MarketHashName string `json:"market_hash_name"`
	IconURL        string `json:"icon_url,omitempty"`
	Tradable       bool   `json:"tradable"`
}

// TradeURL is a parsed Steam trade offer URL: the partner's account id plus
// the access token that authorizes offers from strangers.
type TradeURL struct {
	Partner string
	Token   string
}

var tradeURLRe = regexp.MustCompile(`^https://steamcommunity\.com/tradeoffer/new/\?partner=([0-9]+)&token=([a-zA-Z0-9_-]{8})$`)

// ParseTradeURL validates and decomposes a trade offer URL.
func ParseTradeURL(raw string) (TradeURL, error) {
	m := tradeURLRe.FindStringSubmatch(raw)
	if m == nil {
		return TradeURL{}, fmt.Errorf("malformed trade url")
	}
	return TradeURL{Partner: m[1], Token: m[2]}, nil
}

// String reassembles the canonical URL form.
func (t TradeURL) String() string {
	return fmt.Sprintf("https://steamcommunity.com/tradeoffer/new/?partner=%s&token=%s",
		url.QueryEscape(t.Partner), url.QueryEscape(t.Token))
}
