//go:build integration

package trades

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ZhaslanToishybayev/steammarket/internal/idgen"
	"github.com/ZhaslanToishybayev/steammarket/internal/listings"
	"github.com/ZhaslanToishybayev/steammarket/internal/testutil"
)

// seedParticipants inserts the user and listing rows the trade FKs require
// and returns the listing id.
func seedParticipants(t *testing.T, db *sql.DB, buyer, seller string) int64 {
	t.Helper()
	ctx := context.Background()

	for _, id := range []string{buyer, seller} {
		_, err := db.ExecContext(ctx,
			`INSERT INTO users (steam_id, display_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, "trader "+id)
		require.NoError(t, err)
	}

	var listingID int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO listings (seller_steam_id, asset_id, market_hash_name, price, status)
		VALUES ($1, '20001', 'AK-47 | Redline (Field-Tested)', 40.00, 'reserved')
		RETURNING id`, seller).Scan(&listingID)
	require.NoError(t, err)
	return listingID
}

func seedTrade(t *testing.T, db *sql.DB, store *PostgresStore) *Trade {
	t.Helper()

	buyer := "76561198000000001"
	seller := "76561198000000002"
	listingID := seedParticipants(t, db, buyer, seller)

	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(30 * time.Minute)
	deadline := now.Add(24 * time.Hour)
	tr := &Trade{
		UUID:           idgen.UUID(),
		ListingID:      listingID,
		BuyerSteamID:   buyer,
		SellerSteamID:  seller,
		AssetID:        "20001",
		MarketHashName: "AK-47 | Redline (Field-Tested)",
		AppID:          730,
		ContextID:      2,
		Kind:           listings.KindPeer,
		Price:          decimal.RequireFromString("40.00"),
		Currency:       "USD",
		FeePercent:     decimal.RequireFromString("5.00"),
		Fee:            decimal.RequireFromString("2.00"),
		SellerPayout:   decimal.RequireFromString("38.00"),
		BuyerTradeURL:  "https://steamcommunity.com/tradeoffer/new/?partner=111&token=AbCdEf12",
		Status:         StatusPendingPayment,
		ExpiresAt:      &expires,
		DeadlineAt:     &deadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.Create(context.Background(), tr))
	return tr
}

func TestPostgresCreateAndGet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := seedTrade(t, db, store)

	got, err := store.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, tr.UUID, got.UUID)
	require.Equal(t, StatusPendingPayment, got.Status)
	require.Equal(t, tr.BuyerSteamID, got.BuyerSteamID)
	require.True(t, got.Price.Equal(decimal.RequireFromString("40.00")))
	require.True(t, got.SellerPayout.Equal(decimal.RequireFromString("38.00")))
	require.NotNil(t, got.ExpiresAt)
	require.WithinDuration(t, *tr.ExpiresAt, *got.ExpiresAt, time.Second)

	_, err = store.Get(ctx, "no-such-uuid")
	require.ErrorIs(t, err, ErrTradeNotFound)
}

func TestPostgresTransitionCommitsAtomically(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := seedTrade(t, db, store)

	paid := time.Now().UTC()
	err := store.Transition(ctx, tr.UUID, func(tx *sql.Tx, t *Trade) error {
		t.Status = StatusPaymentReceived
		t.PaidAt = &paid
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusPaymentReceived, got.Status)
	require.NotNil(t, got.PaidAt)

	// An error inside fn must roll the whole mutation back.
	err = store.Transition(ctx, tr.UUID, func(tx *sql.Tx, t *Trade) error {
		t.Status = StatusCompleted
		t.RetryCount = 9
		return ErrIllegalTransition
	})
	require.ErrorIs(t, err, ErrIllegalTransition)

	got, err = store.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.Equal(t, StatusPaymentReceived, got.Status)
	require.Equal(t, 0, got.RetryCount)
}

func TestPostgresListFilters(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := seedTrade(t, db, store)

	byStatus, err := store.List(ctx, Filter{Status: StatusPendingPayment})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	byParticipant, err := store.List(ctx, Filter{Participant: tr.SellerSteamID})
	require.NoError(t, err)
	require.Len(t, byParticipant, 1)

	none, err := store.List(ctx, Filter{Participant: "76561198999999999"})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPostgresDueAndTouchPolled(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := seedTrade(t, db, store)

	// Fresh pending trade is not due yet.
	due, err := store.Due(ctx, time.Now().UTC(), 30*time.Second, 50)
	require.NoError(t, err)
	require.Empty(t, due)

	// Push the leg window into the past.
	past := time.Now().UTC().Add(-time.Minute)
	err = store.Transition(ctx, tr.UUID, func(tx *sql.Tx, t *Trade) error {
		t.ExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	due, err = store.Due(ctx, time.Now().UTC(), 30*time.Second, 50)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, tr.UUID, due[0].UUID)

	// Awaiting states come due for polling; TouchPolled defers the next visit.
	offerID := "9000000001"
	err = store.Transition(ctx, tr.UUID, func(tx *sql.Tx, t *Trade) error {
		t.Status = StatusAwaitingBuyer
		t.BuyerOfferID = &offerID
		future := time.Now().UTC().Add(30 * time.Minute)
		t.ExpiresAt = &future
		return nil
	})
	require.NoError(t, err)

	due, err = store.Due(ctx, time.Now().UTC(), 30*time.Second, 50)
	require.NoError(t, err)
	require.Len(t, due, 1, "awaiting trade never polled should be due")

	require.NoError(t, store.TouchPolled(ctx, tr.UUID, time.Now().UTC()))

	due, err = store.Due(ctx, time.Now().UTC(), 30*time.Second, 50)
	require.NoError(t, err)
	require.Empty(t, due, "just-polled trade should not be due again yet")

	// A paid trade nothing has touched for a poll interval is due, so a
	// lost queue entry cannot strand it.
	err = store.Transition(ctx, tr.UUID, func(tx *sql.Tx, t *Trade) error {
		t.Status = StatusPaymentReceived
		t.BuyerOfferID = nil
		return nil
	})
	require.NoError(t, err)

	due, err = store.Due(ctx, time.Now().UTC(), 30*time.Second, 50)
	require.NoError(t, err)
	require.Empty(t, due, "freshly paid trade is left to the scheduler")

	_, err = db.ExecContext(ctx,
		`UPDATE escrow_trades SET updated_at = NOW() - INTERVAL '1 minute' WHERE uuid = $1`, tr.UUID)
	require.NoError(t, err)

	due, err = store.Due(ctx, time.Now().UTC(), 30*time.Second, 50)
	require.NoError(t, err)
	require.Len(t, due, 1, "stale paid trade should be due")
}

func TestPostgresRequestCancel(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	tr := seedTrade(t, db, store)

	require.NoError(t, store.RequestCancel(ctx, tr.UUID, "buyer changed mind"))

	got, err := store.Get(ctx, tr.UUID)
	require.NoError(t, err)
	require.True(t, got.CancelRequested)
	require.Equal(t, "buyer changed mind", got.CancelReason)

	require.ErrorIs(t, store.RequestCancel(ctx, "no-such-uuid", "x"), ErrTradeNotFound)
}
