package trades

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZhaslanToishybayev/steammarket/internal/audit"
	"github.com/ZhaslanToishybayev/steammarket/internal/bots"
	"github.com/ZhaslanToishybayev/steammarket/internal/fraud"
	"github.com/ZhaslanToishybayev/steammarket/internal/kv"
	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
	"github.com/ZhaslanToishybayev/steammarket/internal/notify"
	"github.com/ZhaslanToishybayev/steammarket/internal/steam"
	"github.com/ZhaslanToishybayev/steammarket/internal/users"
	"github.com/ZhaslanToishybayev/steammarket/internal/wallet"
)

const (
	buyerID  = "76561198000000001"
	sellerID = "76561198000000002"

	buyerTradeURL  = "https://steamcommunity.com/tradeoffer/new/?partner=111&token=AbCdEf12"
	sellerTradeURL = "https://steamcommunity.com/tradeoffer/new/?partner=222&token=GhIjKl34"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// fakeSteam is a scripted trade-offer backend. Offers start active; tests
// resolve them to drive the poll path.
type fakeSteam struct {
	mu        sync.Mutex
	nextID    int
	sendErr   error
	sent      int
	polls     map[string]steam.OfferState
	cancelled []string
}

func newFakeSteam() *fakeSteam {
	return &fakeSteam{polls: make(map[string]steam.OfferState)}
}

func (f *fakeSteam) SendOffer(_ context.Context, _ *steam.Session, _ steam.TradeURL, _, _ []steam.Item, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.sent++
	id := fmt.Sprintf("offer-%d", f.nextID)
	f.polls[id] = steam.OfferActive
	return id, nil
}

func (f *fakeSteam) CancelOffer(_ context.Context, _ *steam.Session, offerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, offerID)
	f.polls[offerID] = steam.OfferCancelled
	return nil
}

func (f *fakeSteam) PollOffer(_ context.Context, offerID string) (steam.OfferState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.polls[offerID]
	if !ok {
		return "", steam.ErrOfferNotFound
	}
	return s, nil
}

func (f *fakeSteam) resolve(offerID string, s steam.OfferState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[offerID] = s
}

func (f *fakeSteam) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cancelled)
}

// stubBots hands out a single always-ready bot.
type stubBots struct {
	mu       sync.Mutex
	acquired  int
	released  int
	degraded  int
	confirmed int
}

func (s *stubBots) Acquire(context.Context, []int64) (*bots.Bot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquired++
	return &bots.Bot{ID: 1, AccountName: "bot01", Status: bots.StatusReady}, nil
}

func (s *stubBots) Release(context.Context, int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
	return nil
}

func (s *stubBots) MarkDegraded(context.Context, int64, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded++
	return nil
}

func (s *stubBots) Session(context.Context, int64) (*steam.Session, error) {
	return &steam.Session{SteamID: "76561198099999999"}, nil
}

func (s *stubBots) ConfirmOffer(context.Context, int64, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confirmed++
	return nil
}

type fakeUsers struct {
	byID map[string]*users.User
}

func (f *fakeUsers) Get(_ context.Context, steamID string) (*users.User, error) {
	u, ok := f.byID[steamID]
	if !ok {
		return nil, users.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUsers) RequireActive(ctx context.Context, steamID string) (*users.User, error) {
	u, err := f.Get(ctx, steamID)
	if err != nil {
		return nil, err
	}
	if u.Banned {
		return nil, users.ErrUserBanned
	}
	return u, nil
}

type riskReport struct {
	steamID string
	event   fraud.Event
}

type fakeRisk struct {
	mu      sync.Mutex
	reports []riskReport
}

func (f *fakeRisk) Report(_ context.Context, steamID string, event fraud.Event, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, riskReport{steamID: steamID, event: event})
	return 0, nil
}

func (f *fakeRisk) TradeCancelled(context.Context, string, string) {}

type pushed struct {
	steamID string
	kind    notify.Kind
}

type fakeNotifier struct {
	mu     sync.Mutex
	pushes []pushed
}

func (f *fakeNotifier) Push(_ context.Context, steamID string, kind notify.Kind, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, pushed{steamID: steamID, kind: kind})
	return nil
}

func (f *fakeNotifier) count(kind notify.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.pushes {
		if p.kind == kind {
			n++
		}
	}
	return n
}

type env struct {
	store    *MemoryStore
	wallet   *wallet.MemoryStore
	listings *listings.Service
	steam    *fakeSteam
	bots     *stubBots
	cache    *kv.MemoryStore
	history  audit.Store
	risk     *fakeRisk
	notifier *fakeNotifier
	engine   *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ws := wallet.NewMemoryStore()
	ws.CreateAccount(buyerID)
	ws.CreateAccount(sellerID)
	require.NoError(t, ws.WithTx(context.Background(), func(tx *sql.Tx) error {
		return ws.Adjust(context.Background(), tx, buyerID, dec("100.00"), "seed")
	}))

	dir := &fakeUsers{byID: map[string]*users.User{
		buyerID:  {SteamID: buyerID, TradeURL: buyerTradeURL},
		sellerID: {SteamID: sellerID, TradeURL: sellerTradeURL},
	}}
	lsvc := listings.NewService(listings.NewMemoryStore(), dir,
		dec("0.50"), dec("5000"))

	cache := kv.NewMemoryStore()
	t.Cleanup(cache.Stop)

	e := &env{
		store:    NewMemoryStore(ws),
		wallet:   ws,
		listings: lsvc,
		steam:    newFakeSteam(),
		bots:     &stubBots{},
		cache:    cache,
		history:  audit.NewMemoryStore(),
		risk:     &fakeRisk{},
		notifier: &fakeNotifier{},
	}
	e.engine = NewEngine(e.store, ws, lsvc, e.bots, e.steam, dir, cache, e.notifier,
		e.history, e.risk, EngineConfig{
			FeePercent:    dec("5"),
			LegTimeout:    30 * time.Minute,
			GlobalTimeout: 24 * time.Hour,
		})
	return e
}

func (e *env) newListing(t *testing.T, kind listings.Kind) *listings.Listing {
	t.Helper()
	l, err := e.listings.Create(context.Background(), listings.CreateInput{
		SellerSteamID:  sellerID,
		AssetID:        "1234567890",
		MarketHashName: "AK-47 | Redline (Field-Tested)",
		Price:          dec("40.00"),
		Kind:           kind,
	})
	require.NoError(t, err)
	return l
}

func (e *env) balance(t *testing.T, steamID string) *wallet.Balance {
	t.Helper()
	b, err := e.wallet.Balance(context.Background(), steamID)
	require.NoError(t, err)
	return b
}

func (e *env) requireConserved(t *testing.T) {
	t.Helper()
	violations, err := wallet.NewService(e.wallet).Audit(context.Background())
	require.NoError(t, err)
	require.Empty(t, violations)
}

// backdate moves a trade's leg window into the past so the reconciler
// treats it as elapsed.
func (e *env) backdate(t *testing.T, uuid string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, e.store.Transition(context.Background(), uuid, func(_ *sql.Tx, tr *Trade) error {
		tr.ExpiresAt = &past
		return nil
	}))
}

func TestBotOwnedHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)

	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, tr.Status)
	assert.True(t, tr.Fee.Equal(dec("2.00")))
	assert.True(t, tr.SellerPayout.Equal(dec("38.00")))

	got, err := e.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, listings.StatusReserved, got.Status)

	// Paying captures escrow and, for a bot-owned item, sends the buyer
	// their offer straight away.
	tr, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingBuyer, tr.Status)
	require.NotNil(t, tr.BuyerOfferID)
	assert.Nil(t, tr.SellerOfferID)

	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("60.00")))

	e.steam.resolve(*tr.BuyerOfferID, steam.OfferAccepted)
	require.NoError(t, e.engine.OnBuyerOfferOutcome(ctx, tr, steam.OfferAccepted))

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.NotNil(t, tr.CompletedAt)

	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("60.00")))
	assert.True(t, e.balance(t, sellerID).Balance.Equal(dec("38.00")))
	revenue := e.balance(t, wallet.RevenueAccount)
	assert.True(t, revenue.Balance.Equal(dec("2.00")))
	escrow := e.balance(t, wallet.EscrowAccount)
	assert.True(t, escrow.Balance.IsZero(), "escrow must drain on completion, got %s", escrow.Balance)
	e.requireConserved(t)

	got, err = e.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, listings.StatusSold, got.Status)
	assert.Equal(t, 1, e.bots.released)

	history, err := e.history.Tail(ctx, tr.UUID, 10)
	require.NoError(t, err)
	require.Len(t, history, 4) // paid, offer sent, accepted, completed
	assert.Equal(t, string(StatusCompleted), history[0].NewStatus)

	assert.Equal(t, 1, e.notifier.count(notify.KindTradeCreated))
	assert.Equal(t, 2, e.notifier.count(notify.KindTradeCompleted))
}

func TestPeerHappyPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindPeer)

	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	// A peer item must be picked up from the seller first.
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingSeller, tr.Status)
	require.NotNil(t, tr.SellerOfferID)

	// Seller hands the item over; delivery to the buyer follows inline.
	require.NoError(t, e.engine.OnSellerOfferOutcome(ctx, tr, steam.OfferAccepted))

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingBuyer, tr.Status)
	require.NotNil(t, tr.BuyerOfferID)
	assert.NotEqual(t, *tr.SellerOfferID, *tr.BuyerOfferID)
	assert.NotNil(t, tr.SellerAcceptedAt)

	require.NoError(t, e.engine.OnBuyerOfferOutcome(ctx, tr, steam.OfferAccepted))

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.True(t, e.balance(t, sellerID).Balance.Equal(dec("38.00")))
	e.requireConserved(t)
}

func TestPayIsExclusive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.engine.Pay(ctx, tr.UUID, buyerID)
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrIllegalTransition)
		}
	}
	assert.Equal(t, 1, ok, "exactly one payment may win")

	// One hold, one capture, never more.
	entries, err := e.wallet.EntriesByTrade(ctx, tr.UUID)
	require.NoError(t, err)
	var holds, captures int
	for _, en := range entries {
		switch en.Kind {
		case wallet.KindDebitHold:
			holds++
		case wallet.KindCapture:
			captures++
		}
	}
	assert.Equal(t, 1, holds)
	assert.Equal(t, 2, captures) // buyer debit + escrow credit
	e.requireConserved(t)
}

func TestPayRequiresBuyer(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	_, err = e.engine.Pay(ctx, tr.UUID, sellerID)
	require.ErrorIs(t, err, ErrNotParticipant)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, tr.Status)
	assert.True(t, e.balance(t, buyerID).Reserved.IsZero())
}

func TestCannotBuyOwnListing(t *testing.T) {
	e := newEnv(t)
	l := e.newListing(t, listings.KindBotOwned)
	_, err := e.engine.Create(context.Background(), sellerID, l.ID, sellerTradeURL)
	require.Error(t, err)
}

func TestSellerTimeoutRefunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindPeer)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	e.backdate(t, tr.UUID)
	rec := NewReconciler(e.engine, e.store)
	rec.Tick(ctx)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tr.Status)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))
	assert.Equal(t, 1, e.steam.cancelCount(), "pickup offer cancelled once")

	// The listing is back on the market.
	got, err := e.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, listings.StatusActive, got.Status)

	// A second sweep must not cancel or refund again.
	rec.Tick(ctx)
	assert.Equal(t, 1, e.steam.cancelCount())
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))
	e.requireConserved(t)
}

func TestPendingPaymentExpiresWithoutRefund(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	e.backdate(t, tr.UUID)
	NewReconciler(e.engine, e.store).Tick(ctx)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, tr.Status)

	entries, err := e.wallet.EntriesByTrade(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Empty(t, entries, "no money moved, nothing to refund")
}

func TestCancelLosesToAcceptance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	// Trade sits in awaiting_buyer; the cancel is only flagged.
	tr, err = e.engine.Cancel(ctx, tr.UUID, buyerID, audit.ActorUser, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingBuyer, tr.Status)
	assert.True(t, tr.CancelRequested)

	// The buyer accepts before the reconciler converts the flag.
	require.NoError(t, e.engine.OnBuyerOfferOutcome(ctx, tr, steam.OfferAccepted))

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tr.Status)
	assert.False(t, tr.CancelRequested, "terminal transition clears the flag")

	// Seller was paid exactly once; the late sweep finds nothing to do.
	NewReconciler(e.engine, e.store).Tick(ctx)
	assert.True(t, e.balance(t, sellerID).Balance.Equal(dec("38.00")))
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("60.00")))
	e.requireConserved(t)
}

func TestCancelConvertsWhenOfferStillOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	_, err = e.engine.Cancel(ctx, tr.UUID, buyerID, audit.ActorUser, "changed my mind")
	require.NoError(t, err)

	NewReconciler(e.engine, e.store).Tick(ctx)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tr.Status)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))
	assert.Equal(t, 1, e.steam.cancelCount())
	e.requireConserved(t)
}

func TestCancelBeforePaymentIsImmediate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	tr, err = e.engine.Cancel(ctx, tr.UUID, buyerID, audit.ActorUser, "misclick")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, tr.Status)

	got, err := e.listings.Get(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, listings.StatusActive, got.Status)
}

func TestCancelByStranger(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	_, err = e.engine.Cancel(ctx, tr.UUID, "76561198000000099", audit.ActorUser, "nope")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestItemMissingRefundsAndFlags(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindPeer)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	e.steam.sendErr = steam.ErrItemUnavailable
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err, "payment succeeds; the failed send is handled internally")

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tr.Status)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))

	require.Len(t, e.risk.reports, 1)
	assert.Equal(t, sellerID, e.risk.reports[0].steamID)
	assert.Equal(t, fraud.EventItemMissing, e.risk.reports[0].event)
	e.requireConserved(t)
}

func TestTransientFailuresEscalateToDispute(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindPeer)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	e.steam.sendErr = fmt.Errorf("steam is down")
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusErrorSending, tr.Status)
	assert.Equal(t, 1, tr.RetryCount)

	for i := 0; i < MaxRetries; i++ {
		_ = e.engine.Progress(ctx, tr.UUID)
	}

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, tr.Status)

	// Escrow stays put until an admin decides.
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("60.00")))
	assert.True(t, e.balance(t, wallet.EscrowAccount).Balance.Equal(dec("40.00")))

	_, err = e.engine.Resolve(ctx, tr.UUID, StatusRefunded, "seller unreachable")
	require.NoError(t, err)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))
	e.requireConserved(t)
}

func TestResolveCompletedPaysSeller(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindPeer)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	e.steam.sendErr = fmt.Errorf("steam is down")
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)
	for i := 0; i < MaxRetries; i++ {
		_ = e.engine.Progress(ctx, tr.UUID)
	}

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusDisputed, tr.Status)

	_, err = e.engine.Resolve(ctx, tr.UUID, StatusCompleted, "delivery confirmed manually")
	require.NoError(t, err)
	assert.True(t, e.balance(t, sellerID).Balance.Equal(dec("38.00")))
	e.requireConserved(t)

	_, err = e.engine.Resolve(ctx, tr.UUID, StatusRefunded, "double dip")
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestOfferSendIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusAwaitingBuyer, tr.Status)
	first := *tr.BuyerOfferID

	// A duplicate progression attempt must reuse the cached offer, not
	// send a second one.
	err = e.engine.sendBuyerOffer(ctx, tr)
	require.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, 1, e.steam.sent)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, first, *tr.BuyerOfferID)
}

func TestGlobalDeadlineExpiresPaidTrade(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, e.store.Transition(ctx, tr.UUID, func(_ *sql.Tx, x *Trade) error {
		x.DeadlineAt = &past
		return nil
	}))

	NewReconciler(e.engine, e.store).Tick(ctx)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, tr.Status)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")), "paid trade refunds on expiry")
	e.requireConserved(t)
}

func TestBuyerDeclinesDelivery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)
	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.NoError(t, e.engine.OnBuyerOfferOutcome(ctx, tr, steam.OfferDeclined))

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tr.Status)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))
	e.requireConserved(t)
}

func TestMaintenanceBlocksNewTrades(t *testing.T) {
	e := newEnv(t)
	l := e.newListing(t, listings.KindBotOwned)

	e.engine.SetMaintenance(true)
	_, err := e.engine.Create(context.Background(), buyerID, l.ID, buyerTradeURL)
	require.ErrorIs(t, err, ErrMaintenance)

	e.engine.SetMaintenance(false)
	_, err = e.engine.Create(context.Background(), buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
}

func TestInsufficientFundsLeavesTradePayable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Price the listing above the buyer's balance.
	l, err := e.listings.Create(ctx, listings.CreateInput{
		SellerSteamID:  sellerID,
		AssetID:        "999",
		MarketHashName: "AWP | Dragon Lore (Factory New)",
		Price:          dec("2500.00"),
		Kind:           listings.KindBotOwned,
	})
	require.NoError(t, err)

	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)

	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	tr, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingPayment, tr.Status, "failed payment rolls back entirely")
	assert.True(t, e.balance(t, buyerID).Reserved.IsZero())
	e.requireConserved(t)
}

// dropQueue loses every task, simulating a scheduler backlog overflow or a
// process that died between commit and progression.
type dropQueue struct{}

func (dropQueue) Enqueue(string) {}

// age pushes a trade's updated_at into the past so the stale sweep sees it.
func (e *env) age(t *testing.T, uuid string, d time.Duration) {
	t.Helper()
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	tr, ok := e.store.trades[uuid]
	require.True(t, ok)
	tr.UpdatedAt = tr.UpdatedAt.Add(-d)
}

func TestReconcilerResumesStrandedPayment(t *testing.T) {
	e := newEnv(t)
	e.engine.SetQueue(dropQueue{})
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)

	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	// The queue entry is gone; the trade sits in payment_received. A prior
	// attempt already sent the delivery offer and cached its id before dying.
	require.NoError(t, e.cache.Set(ctx, idemKey(tr.UUID, StatusAwaitingBuyer), "offer-9", time.Hour))
	e.steam.resolve("offer-9", steam.OfferActive)

	rec := NewReconciler(e.engine, e.store)

	// Not stale yet: the sweep leaves it for the scheduler.
	rec.Tick(ctx)
	got, err := e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentReceived, got.Status)

	e.age(t, tr.UUID, pollInterval+time.Second)
	rec.Tick(ctx)

	got, err = e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingBuyer, got.Status)
	require.NotNil(t, got.BuyerOfferID)
	assert.Equal(t, "offer-9", *got.BuyerOfferID, "resumed from the cached offer, not a new send")
	assert.Equal(t, 0, e.steam.sent, "no duplicate offer sent")
	e.requireConserved(t)
}

func TestRefundCancelsOfferKnownOnlyToCache(t *testing.T) {
	e := newEnv(t)
	e.engine.SetQueue(dropQueue{})
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)

	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	// A previous process sent the delivery offer but died before the offer
	// id reached the row. Only the idempotency cache knows it exists.
	require.NoError(t, e.cache.Set(ctx, idemKey(tr.UUID, StatusAwaitingBuyer), "offer-9", time.Hour))
	e.steam.resolve("offer-9", steam.OfferActive)

	e.backdate(t, tr.UUID)
	NewReconciler(e.engine, e.store).Tick(ctx)

	got, err := e.engine.Get(ctx, tr.UUID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, got.Status)
	assert.True(t, e.balance(t, buyerID).Balance.Equal(dec("100.00")))
	assert.Contains(t, e.steam.cancelled, "offer-9", "offer live on Steam must not survive the refund")
	e.requireConserved(t)
}

func TestSchedulerDrainsTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	l := e.newListing(t, listings.KindBotOwned)

	sched := NewScheduler(e.engine, 2, 16)
	e.engine.SetQueue(sched)
	sched.Start(ctx)
	defer sched.Stop()

	tr, err := e.engine.Create(ctx, buyerID, l.ID, buyerTradeURL)
	require.NoError(t, err)
	_, err = e.engine.Pay(ctx, tr.UUID, buyerID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := e.engine.Get(ctx, tr.UUID)
		return err == nil && got.Status == StatusAwaitingBuyer
	}, 2*time.Second, 10*time.Millisecond)
}
