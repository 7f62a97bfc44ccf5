// Package fraud accumulates risk signals per user. Each observed event adds
// a weighted score; crossing the review threshold flags the account so an
// operator can look before money or items move again.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
)

var ErrUnknownEvent = errors.New("unknown fraud event")

type Event string

const (
	EventAPIKeyRotated        Event = "api_key_rotated"
	EventItemMissing          Event = "item_missing"
	EventRapidCancellations   Event = "rapid_cancellations"
	EventOwnershipCheckFailed Event = "ownership_check_failed"
	EventDisputeOpened        Event = "dispute_opened"
	EventFlaggedForReview     Event = "flagged_for_review"
)

// Score deltas per event. Rotating an API key is mildly suspicious on its
// own; a failed ownership check almost always means a hijacked listing.
var eventScores = map[Event]int{
	EventAPIKeyRotated:        5,
	EventItemMissing:          15,
	EventRapidCancellations:   10,
	EventOwnershipCheckFailed: 40,
	EventDisputeOpened:        20,
}

// ReviewThreshold is the accumulated score at which an account is flagged.
const ReviewThreshold = 50

type Log struct {
	ID         int64     `json:"id"`
	SteamID    string    `json:"steam_id"`
	Event      Event     `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	ScoreDelta int       `json:"score_delta"`
	CreatedAt  time.Time `json:"created_at"`
}

type Store interface {
	Append(ctx context.Context, l *Log) error
	ByUser(ctx context.Context, steamID string, limit int) ([]*Log, error)
	// CountSince counts a user's events of one kind in a trailing window,
	// used for rate-style signals like rapid cancellations.
	CountSince(ctx context.Context, steamID string, event Event, since time.Time) (int, error)
}

// Scorer is the slice of the users service the fraud service needs.
type Scorer interface {
	AddRiskScore(ctx context.Context, steamID string, delta int) (int, error)
}

type Service struct {
	store  Store
	scorer Scorer
}

func NewService(store Store, scorer Scorer) *Service {
	return &Service{store: store, scorer: scorer}
}

// Report records an event, bumps the user's risk score, and flags the
// account when the total crosses the review threshold. Returns the new
// score.
func (s *Service) Report(ctx context.Context, steamID string, event Event, detail string) (int, error) {
	delta, ok := eventScores[event]
	if !ok {
		return 0, ErrUnknownEvent
	}
	if err := s.store.Append(ctx, &Log{
		SteamID:    steamID,
		Event:      event,
		Detail:     detail,
		ScoreDelta: delta,
	}); err != nil {
		return 0, err
	}
	score, err := s.scorer.AddRiskScore(ctx, steamID, delta)
	if err != nil {
		return 0, err
	}
	if score >= ReviewThreshold && score-delta < ReviewThreshold {
		s.flag(ctx, steamID, score)
	}
	return score, nil
}

// flag marks the crossing once; repeated events above the threshold don't
// re-flag.
func (s *Service) flag(ctx context.Context, steamID string, score int) {
	logging.L(ctx).Warn("user flagged for review",
		"steam_id", steamID, "risk_score", score)
	_ = s.store.Append(ctx, &Log{
		SteamID: steamID,
		Event:   EventFlaggedForReview,
		Detail:  "risk score crossed review threshold",
	})
}

// KeyRotated satisfies the auth package's risk sink.
func (s *Service) KeyRotated(ctx context.Context, steamID string) {
	if _, err := s.Report(ctx, steamID, EventAPIKeyRotated, "api key rotated"); err != nil {
		logging.L(ctx).Error("recording key rotation", "steam_id", steamID, "error", err)
	}
}

// CancellationWindow and CancellationLimit bound how many user-initiated
// cancels are normal in a short period.
const (
	CancellationWindow = 10 * time.Minute
	CancellationLimit  = 3
)

// TradeCancelled counts a user-initiated cancel and reports a rapid-
// cancellation event when too many pile up inside the window.
func (s *Service) TradeCancelled(ctx context.Context, steamID, tradeUUID string) {
	n, err := s.store.CountSince(ctx, steamID, EventRapidCancellations, time.Now().Add(-CancellationWindow))
	if err != nil {
		logging.L(ctx).Error("counting cancellations", "steam_id", steamID, "error", err)
		return
	}
	// The count only includes previously reported rapid_cancellations
	// events, so we track every cancel as one and weigh it below the
	// threshold until the burst shows up.
	if n+1 < CancellationLimit {
		_ = s.store.Append(ctx, &Log{
			SteamID: steamID,
			Event:   EventRapidCancellations,
			Detail:  "trade " + tradeUUID + " cancelled",
		})
		return
	}
	if _, err := s.Report(ctx, steamID, EventRapidCancellations, "trade "+tradeUUID+" cancelled"); err != nil {
		logging.L(ctx).Error("recording rapid cancellations", "steam_id", steamID, "error", err)
	}
}

func (s *Service) History(ctx context.Context, steamID string, limit int) ([]*Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ByUser(ctx, steamID, limit)
}
