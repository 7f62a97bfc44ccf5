package trades

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/audit"
	"github.com/ZhaslanToishybayev/steammarket/internal/bots"
	"github.com/ZhaslanToishybayev/steammarket/internal/fraud"
	"github.com/ZhaslanToishybayev/steammarket/internal/idgen"
	"github.com/ZhaslanToishybayev/steammarket/internal/kv"
	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
	"github.com/ZhaslanToishybayev/steammarket/internal/metrics"
	"github.com/ZhaslanToishybayev/steammarket/internal/notify"
	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
	"github.com/ZhaslanToishybayev/steammarket/internal/traces"
	"github.com/ZhaslanToishybayev/steammarket/internal/users"
	"github.com/ZhaslanToishybayev/steammarket/internal/validation"
	"github.com/ZhaslanToishybayev/steammarket/internal/wallet"
)

// idemTTL is how long idempotency keys for Steam effects live. Long enough
// to survive any retry storm, short enough to not block a re-listed item.
const idemTTL = 24 * time.Hour

// SteamClient is the slice of the Steam client the engine needs.
type SteamClient interface {
	SendOffer(ctx context.Context, sess *steam.Session, partner steam.TradeURL, theirItems, myItems []steam.Item, message string) (string, error)
	CancelOffer(ctx context.Context, sess *steam.Session, offerID string) error
	PollOffer(ctx context.Context, offerID string) (steam.OfferState, error)
}

// BotManager is the slice of the fleet manager the engine needs.
type BotManager interface {
	Acquire(ctx context.Context, excluding []int64) (*bots.Bot, error)
	Release(ctx context.Context, botID int64) error
	MarkDegraded(ctx context.Context, botID int64, reason string) error
	Session(ctx context.Context, botID int64) (*steam.Session, error)
	ConfirmOffer(ctx context.Context, botID int64, offerID string) error
}

// Notifier pushes user-facing events; the notify hub satisfies it.
type Notifier interface {
	Push(ctx context.Context, userSteamID string, kind notify.Kind, payload any) error
}

// UserDirectory is the slice of the users service the engine needs.
type UserDirectory interface {
	Get(ctx context.Context, steamID string) (*users.User, error)
	RequireActive(ctx context.Context, steamID string) (*users.User, error)
}

// RiskReporter feeds the fraud flagger. May be nil.
type RiskReporter interface {
	Report(ctx context.Context, steamID string, event fraud.Event, detail string) (int, error)
	TradeCancelled(ctx context.Context, steamID, tradeUUID string)
}

// TaskQueue schedules asynchronous trade progression. When nil the engine
// progresses inline, which is what the tests want.
type TaskQueue interface {
	Enqueue(uuid string)
}

// EngineConfig carries the tunables of the trade lifecycle.
type EngineConfig struct {
	FeePercent    decimal.Decimal
	LegTimeout    time.Duration // per awaiting leg, and the payment window
	GlobalTimeout time.Duration // hard deadline from creation
}

// Engine drives trades through the state machine. All money movement
// happens inside store.Transition, all Steam effects outside it.
type Engine struct {
	store    Store
	ledger   wallet.TxLedger
	listings *listings.Service
	bots     BotManager
	steam    SteamClient
	users    UserDirectory
	cache    kv.Store
	notifier Notifier
	history  audit.Store
	risk     RiskReporter
	cfg      EngineConfig

	queue       TaskQueue
	maintenance atomic.Bool
}

func NewEngine(store Store, ledger wallet.TxLedger, lst *listings.Service, botMgr BotManager,
	steamCl SteamClient, dir UserDirectory, cache kv.Store, notifier Notifier,
	history audit.Store, risk RiskReporter, cfg EngineConfig) *Engine {
	return &Engine{
		store:    store,
		ledger:   ledger,
		listings: lst,
		bots:     botMgr,
		steam:    steamCl,
		users:    dir,
		cache:    cache,
		notifier: notifier,
		history:  history,
		risk:     risk,
		cfg:      cfg,
	}
}

// SetQueue wires the scheduler in after construction.
func (e *Engine) SetQueue(q TaskQueue) { e.queue = q }

// SetMaintenance toggles acceptance of new trades at runtime.
func (e *Engine) SetMaintenance(on bool) { e.maintenance.Store(on) }

func (e *Engine) InMaintenance() bool { return e.maintenance.Load() }

func (e *Engine) Get(ctx context.Context, uuid string) (*Trade, error) {
	return e.store.Get(ctx, uuid)
}

func (e *Engine) List(ctx context.Context, f Filter) ([]*Trade, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return e.store.List(ctx, f)
}

// Create reserves the listing and opens a trade in pending_payment. The
// buyer has one leg timeout to pay before the reconciler expires it.
func (e *Engine) Create(ctx context.Context, buyerSteamID string, listingID int64, buyerTradeURL string) (*Trade, error) {
	if e.InMaintenance() {
		return nil, ErrMaintenance
	}
	if !validation.IsValidTradeURL(buyerTradeURL) {
		return nil, fmt.Errorf("invalid buyer trade URL")
	}
	if _, err := e.users.RequireActive(ctx, buyerSteamID); err != nil {
		return nil, err
	}
	l, err := e.listings.Store().Get(ctx, listingID)
	if err != nil {
		return nil, err
	}
	if l.SellerSteamID == buyerSteamID {
		return nil, fmt.Errorf("cannot buy your own listing")
	}

	// Winning this compare-and-set is what makes the listing ours.
	if err := e.listings.Reserve(ctx, listingID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(e.cfg.LegTimeout)
	deadline := now.Add(e.cfg.GlobalTimeout)
	fee := l.Price.Mul(e.cfg.FeePercent).Div(decimal.NewFromInt(100)).Round(2)
	t := &Trade{
		UUID:           idgen.UUID(),
		ListingID:      l.ID,
		BuyerSteamID:   buyerSteamID,
		SellerSteamID:  l.SellerSteamID,
		AssetID:        l.AssetID,
		MarketHashName: l.MarketHashName,
		AppID:          l.AppID,
		ContextID:      l.ContextID,
		IconURL:        l.IconURL,
		Rarity:         l.Rarity,
		Exterior:       l.Exterior,
		WearFloat:      l.WearFloat,
		Stickers:       l.Stickers,
		Kind:           l.Kind,
		Price:          l.Price,
		Currency:       l.Currency,
		FeePercent:     e.cfg.FeePercent,
		Fee:            fee,
		SellerPayout:   l.Price.Sub(fee),
		BuyerTradeURL:  buyerTradeURL,
		Status:         StatusPendingPayment,
		ExpiresAt:      &expires,
		DeadlineAt:     &deadline,
	}
	if err := e.store.Create(ctx, t); err != nil {
		_ = e.listings.Release(ctx, listingID)
		return nil, fmt.Errorf("creating trade: %w", err)
	}
	metrics.TradeTransitionsTotal.WithLabelValues(string(StatusPendingPayment)).Inc()
	e.push(ctx, t.BuyerSteamID, notify.KindTradeCreated, tradePayload(t))
	return t, nil
}

// Pay captures the buyer's funds into escrow and advances to
// payment_received. Concurrent calls race on the row lock; the loser sees
// an illegal-transition error and no second hold exists.
func (e *Engine) Pay(ctx context.Context, uuid, callerSteamID string) (*Trade, error) {
	t, err := e.transition(ctx, uuid, StatusPaymentReceived, audit.ActorUser, "buyer paid",
		func(tx *sql.Tx, t *Trade) error {
			if t.BuyerSteamID != callerSteamID {
				return ErrNotParticipant
			}
			if err := e.ledger.Reserve(ctx, tx, t.BuyerSteamID, t.Price, t.UUID); err != nil {
				return err
			}
			if err := e.ledger.Capture(ctx, tx, t.BuyerSteamID, t.Price, t.UUID); err != nil {
				return err
			}
			now := time.Now().UTC()
			t.PaidAt = &now
			expires := now.Add(e.cfg.LegTimeout)
			t.ExpiresAt = &expires
			return nil
		})
	if err != nil {
		return nil, err
	}
	e.push(ctx, t.BuyerSteamID, notify.KindPaymentReceived, tradePayload(t))
	e.schedule(ctx, t.UUID)
	return t, nil
}

// Cancel handles a user or admin cancellation. Before funds move it is
// immediate; after an offer is in flight the request is flagged and the
// reconciler converts it, so the row lock still serializes against an
// in-flight acceptance.
func (e *Engine) Cancel(ctx context.Context, uuid, callerSteamID string, actor audit.Actor, reason string) (*Trade, error) {
	t, err := e.store.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if actor != audit.ActorAdmin && t.BuyerSteamID != callerSteamID && t.SellerSteamID != callerSteamID {
		return nil, ErrNotParticipant
	}

	switch t.Status {
	case StatusPendingPayment:
		t, err = e.transition(ctx, uuid, StatusCancelled, actor, reason,
			func(tx *sql.Tx, t *Trade) error {
				t.CancelReason = reason
				return nil
			})
		if err != nil {
			return nil, err
		}
		e.afterTerminal(ctx, t)
	case StatusPaymentReceived, StatusAwaitingSeller, StatusErrorSending:
		t, err = e.refund(ctx, uuid, StatusRefunded, actor, reason)
		if err != nil {
			return nil, err
		}
	case StatusSellerAccepted, StatusAwaitingBuyer, StatusErrorForwarding:
		if err := e.store.RequestCancel(ctx, uuid, reason); err != nil {
			return nil, err
		}
		t.CancelRequested = true
		t.CancelReason = reason
	default:
		return nil, ErrTradeNotCancellable
	}

	if e.risk != nil && actor == audit.ActorUser {
		e.risk.TradeCancelled(ctx, callerSteamID, uuid)
	}
	return t, nil
}

// Progress advances a trade one step from wherever it stands. Scheduler
// workers and the reconciler both land here.
func (e *Engine) Progress(ctx context.Context, uuid string) error {
	t, err := e.store.Get(ctx, uuid)
	if err != nil {
		return err
	}
	switch t.Status {
	case StatusPaymentReceived:
		if t.Kind == listings.KindPeer {
			return e.sendSellerOffer(ctx, t)
		}
		return e.sendBuyerOffer(ctx, t)
	case StatusErrorSending:
		return e.sendSellerOffer(ctx, t)
	case StatusSellerAccepted, StatusErrorForwarding:
		return e.sendBuyerOffer(ctx, t)
	case StatusBuyerAccepted:
		return e.complete(ctx, uuid)
	}
	return nil
}

// sendSellerOffer asks the seller for the item: the bot sends an offer
// requesting it. The idempotency key makes retries reuse the first offer.
func (e *Engine) sendSellerOffer(ctx context.Context, t *Trade) error {
	botID, acquired, err := e.ensureBot(ctx, t)
	if err != nil {
		return e.legFailed(ctx, t, StatusErrorSending, err)
	}
	offerID, err := e.offerOnce(ctx, t, StatusAwaitingSeller, func(sess *steam.Session) (string, error) {
		seller, err := e.users.Get(ctx, t.SellerSteamID)
		if err != nil {
			return "", err
		}
		partner, err := steam.ParseTradeURL(seller.TradeURL)
		if err != nil {
			return "", fmt.Errorf("seller trade URL: %w", err)
		}
		item := e.tradeItem(t)
		msg := fmt.Sprintf("Escrow pickup for your sale of %s (trade %s)", t.MarketHashName, t.UUID)
		return e.steam.SendOffer(ctx, sess, partner, []steam.Item{item}, nil, msg)
	}, botID)
	if err != nil {
		if !errors.Is(err, steam.ErrItemUnavailable) {
			// The item being gone is the seller's problem, not the bot's.
			_ = e.bots.MarkDegraded(ctx, botID, trim(err.Error(), 255))
		}
		if acquired {
			_ = e.bots.Release(ctx, botID)
		}
		return e.legFailed(ctx, t, StatusErrorSending, err)
	}

	out, err := e.transition(ctx, t.UUID, StatusAwaitingSeller, audit.ActorSystem, "pickup offer sent",
		func(tx *sql.Tx, t *Trade) error {
			now := time.Now().UTC()
			t.BotID = &botID
			t.SellerOfferID = &offerID
			t.SellerOfferSentAt = &now
			expires := now.Add(e.cfg.LegTimeout)
			t.ExpiresAt = &expires
			t.RetryCount = 0
			return nil
		})
	if err != nil {
		return err
	}
	e.push(ctx, out.SellerSteamID, notify.KindOfferIncoming, tradePayload(out))
	return nil
}

// sendBuyerOffer delivers the item: the bot sends an offer giving it to the
// buyer. At most one distinct buyer offer ever exists per trade.
func (e *Engine) sendBuyerOffer(ctx context.Context, t *Trade) error {
	botID, acquired, err := e.ensureBot(ctx, t)
	if err != nil {
		return e.legFailed(ctx, t, StatusErrorForwarding, err)
	}
	offerID, err := e.offerOnce(ctx, t, StatusAwaitingBuyer, func(sess *steam.Session) (string, error) {
		partner, err := steam.ParseTradeURL(t.BuyerTradeURL)
		if err != nil {
			return "", fmt.Errorf("buyer trade URL: %w", err)
		}
		item := e.tradeItem(t)
		msg := fmt.Sprintf("Your purchase of %s (trade %s)", t.MarketHashName, t.UUID)
		return e.steam.SendOffer(ctx, sess, partner, nil, []steam.Item{item}, msg)
	}, botID)
	if err != nil {
		if !errors.Is(err, steam.ErrItemUnavailable) {
			_ = e.bots.MarkDegraded(ctx, botID, trim(err.Error(), 255))
		}
		if acquired {
			_ = e.bots.Release(ctx, botID)
		}
		return e.legFailed(ctx, t, StatusErrorForwarding, err)
	}
	// The delivery offer gives the item away, so Steam holds it behind a
	// mobile confirmation. A failed confirmation is not fatal here: the
	// offer stays pending and the leg window still bounds it.
	if err := e.bots.ConfirmOffer(ctx, botID, offerID); err != nil {
		logging.L(ctx).Warn("confirming delivery offer", "trade_uuid", t.UUID, "offer_id", offerID, "error", err)
	}

	out, err := e.transition(ctx, t.UUID, StatusAwaitingBuyer, audit.ActorSystem, "delivery offer sent",
		func(tx *sql.Tx, t *Trade) error {
			now := time.Now().UTC()
			t.BotID = &botID
			t.BuyerOfferID = &offerID
			t.BuyerOfferSentAt = &now
			expires := now.Add(e.cfg.LegTimeout)
			t.ExpiresAt = &expires
			t.RetryCount = 0
			return nil
		})
	if err != nil {
		return err
	}
	e.push(ctx, out.BuyerSteamID, notify.KindOfferIncoming, tradePayload(out))
	return nil
}

// offerOnce sends an offer exactly once per (trade, target state): a cached
// offer id from a previous attempt is reused instead of sending again.
func (e *Engine) offerOnce(ctx context.Context, t *Trade, target Status, send func(sess *steam.Session) (string, error), botID int64) (string, error) {
	key := idemKey(t.UUID, target)
	if cached, ok, err := e.cache.Get(ctx, key); err == nil && ok && cached != "" {
		return cached, nil
	} else if err != nil {
		logging.L(ctx).Warn("idempotency lookup failed, proceeding", "key", key, "error", err)
	}

	sess, err := e.bots.Session(ctx, botID)
	if err != nil {
		return "", err
	}
	offerID, err := send(sess)
	if err != nil {
		return "", err
	}
	if err := e.cache.Set(ctx, key, offerID, idemTTL); err != nil {
		logging.L(ctx).Warn("storing idempotency key failed", "key", key, "error", err)
	}
	return offerID, nil
}

// ensureBot reuses the trade's assigned bot or acquires one. The second
// return reports whether this call did the acquiring.
func (e *Engine) ensureBot(ctx context.Context, t *Trade) (int64, bool, error) {
	if t.BotID != nil {
		return *t.BotID, false, nil
	}
	b, err := e.bots.Acquire(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	return b.ID, true, nil
}

// legFailed books a failed Steam leg: permanent item loss refunds the buyer
// and flags the seller; anything else parks the trade in a retriable error
// state until MaxRetries, then disputes it.
func (e *Engine) legFailed(ctx context.Context, t *Trade, errStatus Status, cause error) error {
	logging.L(ctx).Warn("trade leg failed",
		"trade_uuid", t.UUID, "status", t.Status, "error", cause)

	if errors.Is(cause, steam.ErrItemUnavailable) {
		if e.risk != nil {
			_, _ = e.risk.Report(ctx, t.SellerSteamID, fraud.EventItemMissing,
				fmt.Sprintf("trade %s: %s not in inventory", t.UUID, t.MarketHashName))
		}
		_, err := e.refund(ctx, t.UUID, StatusRefunded, audit.ActorSystem, "item no longer available")
		return err
	}

	if t.RetryCount+1 >= MaxRetries {
		return e.dispute(ctx, t.UUID, fmt.Sprintf("retries exhausted: %v", cause))
	}
	_, err := e.transition(ctx, t.UUID, errStatus, audit.ActorSystem, trim(cause.Error(), 200),
		func(tx *sql.Tx, t *Trade) error {
			t.RetryCount++
			return nil
		})
	if errors.Is(err, ErrIllegalTransition) && t.Status == errStatus {
		// Already parked there; just count the attempt.
		err = e.store.Transition(ctx, t.UUID, func(tx *sql.Tx, t *Trade) error {
			t.RetryCount++
			return nil
		})
	}
	return err
}

// OnSellerOfferOutcome feeds the polled state of the pickup offer back into
// the state machine.
func (e *Engine) OnSellerOfferOutcome(ctx context.Context, t *Trade, state steam.OfferState) error {
	switch state {
	case steam.OfferAccepted:
		out, err := e.transition(ctx, t.UUID, StatusSellerAccepted, audit.ActorSystem, "seller handed item over",
			func(tx *sql.Tx, t *Trade) error {
				now := time.Now().UTC()
				t.SellerAcceptedAt = &now
				expires := now.Add(e.cfg.LegTimeout)
				t.ExpiresAt = &expires
				return nil
			})
		if err != nil {
			return err
		}
		return e.sendBuyerOffer(ctx, out)
	case steam.OfferDeclined, steam.OfferCancelled, steam.OfferExpired:
		_, err := e.refund(ctx, t.UUID, StatusRefunded, audit.ActorSystem,
			fmt.Sprintf("seller offer %s", state))
		return err
	case steam.OfferInvalid:
		return e.legFailed(ctx, t, StatusErrorSending, fmt.Errorf("seller offer state invalid"))
	}
	return nil // still active
}

// OnBuyerOfferOutcome feeds the polled state of the delivery offer back.
func (e *Engine) OnBuyerOfferOutcome(ctx context.Context, t *Trade, state steam.OfferState) error {
	switch state {
	case steam.OfferAccepted:
		_, err := e.transition(ctx, t.UUID, StatusBuyerAccepted, audit.ActorSystem, "buyer received item",
			func(tx *sql.Tx, t *Trade) error {
				now := time.Now().UTC()
				t.BuyerAcceptedAt = &now
				return nil
			})
		if err != nil {
			return err
		}
		return e.complete(ctx, t.UUID)
	case steam.OfferDeclined, steam.OfferCancelled, steam.OfferExpired:
		_, err := e.refund(ctx, t.UUID, StatusRefunded, audit.ActorSystem,
			fmt.Sprintf("buyer offer %s", state))
		return err
	case steam.OfferInvalid:
		return e.legFailed(ctx, t, StatusErrorForwarding, fmt.Errorf("buyer offer state invalid"))
	}
	return nil
}

// complete pays the seller and closes the trade. Payout and status share
// one transaction, so a partial payout cannot exist.
func (e *Engine) complete(ctx context.Context, uuid string) error {
	t, err := e.transition(ctx, uuid, StatusCompleted, audit.ActorSystem, "seller paid",
		func(tx *sql.Tx, t *Trade) error {
			if err := e.ledger.Payout(ctx, tx, t.SellerSteamID, t.Price, t.Fee, t.UUID); err != nil {
				return err
			}
			now := time.Now().UTC()
			t.CompletedAt = &now
			t.ExpiresAt = nil
			t.DeadlineAt = nil
			return nil
		})
	if err != nil {
		return err
	}
	if err := e.listings.MarkSold(ctx, t.ListingID); err != nil {
		logging.L(ctx).Error("marking listing sold", "listing_id", t.ListingID, "error", err)
	}
	if t.BotID != nil {
		_ = e.bots.Release(ctx, *t.BotID)
	}
	e.push(ctx, t.BuyerSteamID, notify.KindTradeCompleted, tradePayload(t))
	e.push(ctx, t.SellerSteamID, notify.KindTradeCompleted, tradePayload(t))
	return nil
}

// refund returns the buyer's escrow (when captured) and terminates the
// trade as refunded or expired.
func (e *Engine) refund(ctx context.Context, uuid string, target Status, actor audit.Actor, reason string) (*Trade, error) {
	t, err := e.transition(ctx, uuid, target, actor, reason,
		func(tx *sql.Tx, t *Trade) error {
			if t.PaidAt != nil {
				if err := e.ledger.Refund(ctx, tx, t.BuyerSteamID, t.Price, t.UUID); err != nil {
					return err
				}
			}
			t.CancelReason = reason
			if t.Kind == listings.KindPeer && t.SellerAcceptedAt != nil {
				t.Notes = appendNote(t.Notes, "item in bot custody pending return to seller")
			}
			t.ExpiresAt = nil
			t.DeadlineAt = nil
			return nil
		})
	if err != nil {
		return nil, err
	}
	e.afterTerminal(ctx, t)
	kind := notify.KindTradeRefunded
	if target == StatusCancelled {
		kind = notify.KindTradeCancelled
	}
	e.push(ctx, t.BuyerSteamID, kind, tradePayload(t))
	e.push(ctx, t.SellerSteamID, kind, tradePayload(t))
	return t, nil
}

// Expire enforces the global deadline. Unpaid trades die quietly; paid
// ones are refunded under the expired status.
func (e *Engine) Expire(ctx context.Context, t *Trade) error {
	if t.Status == StatusPendingPayment {
		return e.expireUnpaid(ctx, t.UUID, "payment window elapsed")
	}
	_, err := e.refund(ctx, t.UUID, StatusExpired, audit.ActorSystem, "deadline elapsed")
	return err
}

// LegTimedOut handles an elapsed per-leg window: the counterparty did not
// act in time. An unpaid trade expires; an in-flight one refunds the buyer.
func (e *Engine) LegTimedOut(ctx context.Context, t *Trade) error {
	if t.Status == StatusPendingPayment {
		return e.expireUnpaid(ctx, t.UUID, "payment window elapsed")
	}
	_, err := e.refund(ctx, t.UUID, StatusRefunded, audit.ActorSystem, "leg window elapsed")
	return err
}

func (e *Engine) expireUnpaid(ctx context.Context, uuid, reason string) error {
	out, err := e.transition(ctx, uuid, StatusExpired, audit.ActorSystem, reason,
		func(tx *sql.Tx, t *Trade) error {
			t.ExpiresAt = nil
			t.DeadlineAt = nil
			return nil
		})
	if err != nil {
		return err
	}
	e.afterTerminal(ctx, out)
	e.push(ctx, out.BuyerSteamID, notify.KindTradeCancelled, tradePayload(out))
	return nil
}

// ApplyCancelRequest converts a flagged cancel into a terminal state under
// the row lock. If the trade advanced past cancellable in the meantime, the
// flag is dropped.
func (e *Engine) ApplyCancelRequest(ctx context.Context, t *Trade) error {
	switch t.Status {
	case StatusPendingPayment:
		out, err := e.transition(ctx, t.UUID, StatusCancelled, audit.ActorUser, t.CancelReason,
			func(tx *sql.Tx, t *Trade) error { return nil })
		if err != nil {
			return err
		}
		e.afterTerminal(ctx, out)
		return nil
	case StatusPaymentReceived, StatusAwaitingSeller, StatusErrorSending,
		StatusSellerAccepted, StatusAwaitingBuyer, StatusErrorForwarding:
		_, err := e.refund(ctx, t.UUID, StatusRefunded, audit.ActorUser, t.CancelReason)
		return err
	}
	// Too late to cancel; clear the flag so the reconciler stops retrying.
	return e.store.Transition(ctx, t.UUID, func(tx *sql.Tx, t *Trade) error {
		t.CancelRequested = false
		return nil
	})
}

// dispute parks a trade for human review. No automatic progression happens
// from here.
func (e *Engine) dispute(ctx context.Context, uuid, reason string) error {
	t, err := e.transition(ctx, uuid, StatusDisputed, audit.ActorSystem, reason,
		func(tx *sql.Tx, t *Trade) error {
			t.Notes = appendNote(t.Notes, reason)
			t.ExpiresAt = nil
			return nil
		})
	if err != nil {
		return err
	}
	if e.risk != nil {
		_, _ = e.risk.Report(ctx, t.SellerSteamID, fraud.EventDisputeOpened, "trade "+uuid)
	}
	e.push(ctx, t.BuyerSteamID, notify.KindTradeDisputed, tradePayload(t))
	e.push(ctx, t.SellerSteamID, notify.KindTradeDisputed, tradePayload(t))
	return nil
}

// Resolve is the admin exit from disputed: refund the buyer or pay the
// seller out.
func (e *Engine) Resolve(ctx context.Context, uuid string, outcome Status, notes string) (*Trade, error) {
	switch outcome {
	case StatusRefunded:
		return e.refund(ctx, uuid, StatusRefunded, audit.ActorAdmin, notes)
	case StatusCompleted:
		t, err := e.transition(ctx, uuid, StatusCompleted, audit.ActorAdmin, notes,
			func(tx *sql.Tx, t *Trade) error {
				if err := e.ledger.Payout(ctx, tx, t.SellerSteamID, t.Price, t.Fee, t.UUID); err != nil {
					return err
				}
				now := time.Now().UTC()
				t.CompletedAt = &now
				return nil
			})
		if err != nil {
			return nil, err
		}
		if err := e.listings.MarkSold(ctx, t.ListingID); err != nil {
			logging.L(ctx).Error("marking listing sold", "listing_id", t.ListingID, "error", err)
		}
		if t.BotID != nil {
			_ = e.bots.Release(ctx, *t.BotID)
		}
		e.push(ctx, t.BuyerSteamID, notify.KindTradeCompleted, tradePayload(t))
		e.push(ctx, t.SellerSteamID, notify.KindTradeCompleted, tradePayload(t))
		return t, nil
	default:
		return nil, fmt.Errorf("%w: disputes resolve to refunded or completed", ErrIllegalTransition)
	}
}

// transition validates the edge under the row lock and writes the history
// row in the same transaction.
func (e *Engine) transition(ctx context.Context, uuid string, to Status, actor audit.Actor, notes string, mutate func(tx *sql.Tx, t *Trade) error) (*Trade, error) {
	ctx, span := traces.StartSpan(ctx, "trade.transition",
		traces.TradeUUID(uuid), traces.TradeState(string(to)))
	defer span.End()

	var out *Trade
	err := e.store.Transition(ctx, uuid, func(tx *sql.Tx, t *Trade) error {
		if !CanTransition(t.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
		}
		prev := t.Status
		if mutate != nil {
			if err := mutate(tx, t); err != nil {
				return err
			}
		}
		t.Status = to
		if t.Status.Terminal() {
			t.CancelRequested = false
		}
		if err := e.history.Record(ctx, tx, &audit.Entry{
			TradeUUID:  t.UUID,
			PrevStatus: string(prev),
			NewStatus:  string(to),
			Actor:      actor,
			Notes:      notes,
		}); err != nil {
			return err
		}
		cp := *t
		out = &cp
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.TradeTransitionsTotal.WithLabelValues(string(to)).Inc()
	if to.Terminal() {
		metrics.TradeDuration.Observe(time.Since(out.CreatedAt).Seconds())
	}
	return out, nil
}

// afterTerminal cleans up outside the transaction: outstanding offers are
// cancelled exactly once, the listing goes back on the market (unless
// sold), the bot is freed.
func (e *Engine) afterTerminal(ctx context.Context, t *Trade) {
	for _, offerID := range []*string{t.SellerOfferID, t.BuyerOfferID} {
		if offerID != nil {
			e.cancelOfferOnce(ctx, t, *offerID)
		}
	}
	// An offer can exist on Steam without a committed id: the send succeeded
	// but the process died before the row was updated. The idempotency cache
	// still holds it, so sweep those too. The SetNX dedup makes overlap with
	// the committed ids above harmless.
	for _, target := range []Status{StatusAwaitingSeller, StatusAwaitingBuyer} {
		cached, ok, err := e.cache.Get(ctx, idemKey(t.UUID, target))
		if err != nil || !ok || cached == "" {
			continue
		}
		e.cancelOfferOnce(ctx, t, cached)
	}
	if t.Status != StatusCompleted {
		if err := e.listings.Release(ctx, t.ListingID); err != nil && !errors.Is(err, listings.ErrListingUnavailable) {
			logging.L(ctx).Error("releasing listing", "listing_id", t.ListingID, "error", err)
		}
	}
	if t.BotID != nil {
		_ = e.bots.Release(ctx, *t.BotID)
	}
}

// cancelOfferOnce cancels a Steam offer at most once across all workers.
// A trade without a committed bot id still had a bot behind the offer; the
// fleet assignment logic picks one rather than leaving the offer live.
func (e *Engine) cancelOfferOnce(ctx context.Context, t *Trade, offerID string) {
	first, err := e.cache.SetNX(ctx, "trade:offercancel:"+offerID, "1", idemTTL)
	if err != nil {
		logging.L(ctx).Warn("offer cancel dedup failed", "offer_id", offerID, "error", err)
		return
	}
	if !first {
		return
	}
	botID, acquired, err := e.ensureBot(ctx, t)
	if err != nil {
		logging.L(ctx).Warn("no bot to cancel offer", "offer_id", offerID, "error", err)
		return
	}
	if acquired {
		defer func() { _ = e.bots.Release(ctx, botID) }()
	}
	sess, err := e.bots.Session(ctx, botID)
	if err != nil {
		logging.L(ctx).Warn("no session to cancel offer", "offer_id", offerID, "error", err)
		return
	}
	if err := e.steam.CancelOffer(ctx, sess, offerID); err != nil && !errors.Is(err, steam.ErrOfferNotFound) {
		logging.L(ctx).Warn("cancelling offer failed", "offer_id", offerID, "error", err)
	}
}

func (e *Engine) schedule(ctx context.Context, uuid string) {
	if e.queue != nil {
		e.queue.Enqueue(uuid)
		return
	}
	if err := e.Progress(ctx, uuid); err != nil {
		logging.L(ctx).Error("progressing trade", "trade_uuid", uuid, "error", err)
	}
}

func (e *Engine) push(ctx context.Context, steamID string, kind notify.Kind, payload any) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Push(ctx, steamID, kind, payload); err != nil {
		logging.L(ctx).Error("pushing notification", "steam_id", steamID, "kind", kind, "error", err)
	}
}

func (e *Engine) tradeItem(t *Trade) steam.Item {
	return steam.Item{
		AssetID:        t.AssetID,
		AppID:          t.AppID,
		ContextID:      fmt.Sprintf("%d", t.ContextID),
		MarketHashName: t.MarketHashName,
	}
}

func idemKey(uuid string, target Status) string {
	return uuid + ":" + string(target)
}

func tradePayload(t *Trade) map[string]any {
	return map[string]any{
		"trade_uuid":       t.UUID,
		"status":           t.Status,
		"market_hash_name": t.MarketHashName,
		"price":            t.Price,
	}
}

func appendNote(notes, add string) string {
	if notes == "" {
		return add
	}
	return notes + "; " + add
}

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
