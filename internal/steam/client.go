package steam

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
	"github.com/ZhaslanToishybayev/steammarket/internal/retry"
	"github.com/ZhaslanToishybayev/steammarket/internal/traces"
)

const (
	connectTimeout = 10 * time.Second
	overallTimeout = 30 * time.Second

	retryAttempts  = 3
	retryBaseDelay = 2 * time.Second
	retryMaxDelay  = 30 * time.Second
)

// Client wraps the Steam HTTP surface with rate limiting, retry, and typed
// results. It is stateless with respect to accounts: operations take the
// session of whichever bot is performing them.
type Client struct {
	http    *resty.Client
	limiter *Limiter
	apiKey  string

	attempts  int
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewClient creates a Steam client against the given base URL.
func NewClient(baseURL, apiKey string, limiter *Limiter) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(overallTimeout).
		SetTransport(&http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:      httpClient,
		limiter:   limiter,
		apiKey:    apiKey,
		attempts:  retryAttempts,
		baseDelay: retryBaseDelay,
		maxDelay:  retryMaxDelay,
	}
}

// do runs one Steam operation under the rate limiter and retry policy.
// The limiter is acquired per attempt: every physical call consumes a slot.
func (c *Client) do(ctx context.Context, op string, fn func() error) error {
	ctx, span := traces.StartSpan(ctx, "steam."+op)
	defer span.End()

	return retry.Do(ctx, c.attempts, c.baseDelay, c.maxDelay, func() error {
		if err := c.limiter.Acquire(ctx); err != nil {
			return retry.Permanent(err)
		}
		err := classify(fn())
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
		}
		metrics.SteamCallsTotal.WithLabelValues(op, result).Inc()
		return err
	})
}

func checkStatus(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrSessionExpired)
	default:
		return &APIError{Op: op, StatusCode: code, Body: resp.String()}
	}
}

func sessionCookies(sess *Session) []*http.Cookie {
	cookies := make([]*http.Cookie, 0, len(sess.Cookies))
	for name, value := range sess.Cookies {
		cookies = append(cookies, &http.Cookie{Name: name, Value: value})
	}
	return cookies
}

type loginResponse struct {
	Success bool              `json:"success"`
	SteamID string            `json:"steam_id"`
	Cookies map[string]string `json:"cookies"`
	Message string            `json:"message"`
}

// Login performs a full credential login with a freshly derived Steam Guard
// code and returns the resulting session.
func (c *Client) Login(ctx context.Context, secrets Secrets) (*Session, error) {
	var sess *Session
	err := c.do(ctx, "login", func() error {
		code, err := GuardCode(secrets.SharedSecret, time.Now())
		if err != nil {
			return retry.Permanent(fmt.Errorf("guard code: %w", err))
		}

		var result loginResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetFormData(map[string]string{
				"account_name":  secrets.AccountName,
				"password":      secrets.Password,
				"twofactorcode": code,
			}).
			SetResult(&result).
			Post("/login/dologin")
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := checkStatus("login", resp); err != nil {
			return err
		}
		if !result.Success {
			return retry.Permanent(fmt.Errorf("login rejected: %s", result.Message))
		}
		sess = &Session{
			SteamID: result.SteamID,
			Cookies: result.Cookies,
			SavedAt: time.Now().UTC(),
		}
		return nil
	})
	return sess, err
}

// Restore checks that a cached session's cookies are still accepted.
// ErrSessionExpired means the caller should fall back to Login.
func (c *Client) Restore(ctx context.Context, sess *Session) error {
	if sess.Stale() {
		return ErrSessionExpired
	}
	return c.do(ctx, "restore", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetCookies(sessionCookies(sess)).
			Get("/login/checksession")
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		return checkStatus("restore", resp)
	})
}

type sendOfferRequest struct {
	Partner        string `json:"partner"`
	Token          string `json:"token"`
	ItemsToGive    []Item `json:"items_to_give"`
	ItemsToReceive []Item `json:"items_to_receive"`
	Message        string `json:"message"`
}

type sendOfferResponse struct {
	TradeOfferID string `json:"tradeofferid"`
	Error        string `json:"strError"`
}

// SendOffer creates a trade offer to the partner behind the given trade URL
// and returns the new offer id. theirItems are requested from the partner,
// myItems are given from the bot's inventory.
func (c *Client) SendOffer(ctx context.Context, sess *Session, partner TradeURL, theirItems, myItems []Item, message string) (string, error) {
	var offerID string
	err := c.do(ctx, "send_offer", func() error {
		var result sendOfferResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetCookies(sessionCookies(sess)).
			SetBody(sendOfferRequest{
				Partner:        partner.Partner,
				Token:          partner.Token,
				ItemsToGive:    myItems,
				ItemsToReceive: theirItems,
				Message:        message,
			}).
			SetResult(&result).
			Post("/tradeoffer/new/send")
		if err != nil {
			return fmt.Errorf("send offer: %w", err)
		}
		if resp.StatusCode() == http.StatusUnprocessableEntity {
			// Steam rejected the item set: asset gone or not tradable.
			return fmt.Errorf("send offer: %w", ErrItemUnavailable)
		}
		if err := checkStatus("send_offer", resp); err != nil {
			return err
		}
		if result.TradeOfferID == "" {
			return &APIError{Op: "send_offer", StatusCode: resp.StatusCode(), Body: result.Error}
		}
		offerID = result.TradeOfferID
		return nil
	})
	return offerID, err
}

// AcceptOffer accepts an incoming trade offer.
func (c *Client) AcceptOffer(ctx context.Context, sess *Session, offerID string) error {
	return c.do(ctx, "accept_offer", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetCookies(sessionCookies(sess)).
			Post(fmt.Sprintf("/tradeoffer/%s/accept", offerID))
		if err != nil {
			return fmt.Errorf("accept offer: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("accept offer %s: %w", offerID, ErrOfferNotFound)
		}
		return checkStatus("accept_offer", resp)
	})
}

// ConfirmOffer approves the mobile confirmation Steam raises for offers that
// give items away. The key is derived from the bot's identity secret with the
// "allow" tag; an unconfirmed offer is invisible to the partner.
func (c *Client) ConfirmOffer(ctx context.Context, sess *Session, identitySecret, offerID string) error {
	return c.do(ctx, "confirm_offer", func() error {
		now := time.Now()
		key, err := ConfirmationKey(identitySecret, now, "allow")
		if err != nil {
			return retry.Permanent(fmt.Errorf("confirmation key: %w", err))
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetCookies(sessionCookies(sess)).
			SetFormData(map[string]string{
				"op":  "allow",
				"cid": offerID,
				"ck":  key,
				"t":   fmt.Sprintf("%d", now.Unix()),
			}).
			Post("/mobileconf/ajaxop")
		if err != nil {
			return fmt.Errorf("confirm offer: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("confirm offer %s: %w", offerID, ErrOfferNotFound)
		}
		return checkStatus("confirm_offer", resp)
	})
}

// CancelOffer cancels an outgoing trade offer. Cancelling an offer that is
// already gone is not an error for callers that only need it dead.
func (c *Client) CancelOffer(ctx context.Context, sess *Session, offerID string) error {
	return c.do(ctx, "cancel_offer", func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetCookies(sessionCookies(sess)).
			Post(fmt.Sprintf("/tradeoffer/%s/cancel", offerID))
		if err != nil {
			return fmt.Errorf("cancel offer: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("cancel offer %s: %w", offerID, ErrOfferNotFound)
		}
		return checkStatus("cancel_offer", resp)
	})
}

type pollOfferResponse struct {
	Response struct {
		Offer *struct {
			TradeOfferID    string `json:"tradeofferid"`
			TradeOfferState int    `json:"trade_offer_state"`
		} `json:"offer"`
	} `json:"response"`
}

// PollOffer fetches the authoritative state of an offer.
func (c *Client) PollOffer(ctx context.Context, offerID string) (OfferState, error) {
	var state OfferState
	err := c.do(ctx, "poll_offer", func() error {
		var result pollOfferResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"key":          c.apiKey,
				"tradeofferid": offerID,
			}).
			SetResult(&result).
			Get("/IEconService/GetTradeOffer/v1/")
		if err != nil {
			return fmt.Errorf("poll offer: %w", err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return fmt.Errorf("poll offer %s: %w", offerID, ErrOfferNotFound)
		}
		if err := checkStatus("poll_offer", resp); err != nil {
			return err
		}
		if result.Response.Offer == nil {
			return fmt.Errorf("poll offer %s: %w", offerID, ErrOfferNotFound)
		}
		state = offerStateFromCode(result.Response.Offer.TradeOfferState)
		return nil
	})
	return state, err
}

type inventoryResponse struct {
	Items []Item `json:"items"`
}

// FetchInventory lists the tradable items in an account's inventory for one
// app/context pair.
func (c *Client) FetchInventory(ctx context.Context, ownerSteamID string, appID int, contextID string) ([]Item, error) {
	var items []Item
	err := c.do(ctx, "fetch_inventory", func() error {
		var result inventoryResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&result).
			Get(fmt.Sprintf("/inventory/%s/%d/%s", ownerSteamID, appID, contextID))
		if err != nil {
			return fmt.Errorf("fetch inventory: %w", err)
		}
		if err := checkStatus("fetch_inventory", resp); err != nil {
			return err
		}
		items = result.Items
		return nil
	})
	return items, err
}
