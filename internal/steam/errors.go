package steam

import (
	"errors"
	"fmt"

	"github.com/ZhaslanToishybayev/steammarket/internal/retry"
)

// Sentinel errors surfaced to callers that need to branch on outcome.
var (
	// ErrSessionExpired means the cookies were rejected; the caller should
	// re-login and retry with a fresh session.
	ErrSessionExpired = errors.New("steam session expired")
	// ErrOfferNotFound means Steam has no record of the offer id.
	ErrOfferNotFound = errors.New("trade offer not found")
	// ErrItemUnavailable means a named asset is no longer in the sender's
	// inventory. Permanent for the current trade.
	ErrItemUnavailable = errors.New("item not available in inventory")
)

// APIError is a non-2xx response from Steam.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("steam %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient reports whether the status is worth retrying. Auth failures and
// validation rejections never heal on retry.
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case 429, 502, 503, 504:
		return true
	}
	return false
}

// classify wraps permanent failures so the retry loop short-circuits.
// Network-level errors (connection resets, timeouts) pass through as
// transient; non-transient HTTP statuses and sentinel conditions are
// marked permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && !apiErr.Transient() {
		return retry.Permanent(err)
	}
	if errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrItemUnavailable) || errors.Is(err, ErrOfferNotFound) {
		return retry.Permanent(err)
	}
	return err
}
