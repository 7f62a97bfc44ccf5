package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAndTail(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	steps := [][2]string{
		{"pending_payment", "payment_received"},
		{"payment_received", "awaiting_buyer"},
		{"awaiting_buyer", "buyer_accepted"},
		{"buyer_accepted", "completed"},
	}
	for _, s := range steps {
		require.NoError(t, store.Record(ctx, nil, &Entry{
			TradeUUID:  "trade-1",
			PrevStatus: s[0],
			NewStatus:  s[1],
		}))
	}
	require.NoError(t, store.Record(ctx, nil, &Entry{
		TradeUUID:  "trade-2",
		PrevStatus: "pending_payment",
		NewStatus:  "cancelled",
		Actor:      ActorUser,
	}))

	tail, err := store.Tail(ctx, "trade-1", 10)
	require.NoError(t, err)
	require.Len(t, tail, 4)
	// Newest first.
	assert.Equal(t, "completed", tail[0].NewStatus)
	assert.Equal(t, "payment_received", tail[3].NewStatus)
	// Actor defaults to system.
	assert.Equal(t, ActorSystem, tail[0].Actor)

	tail, err = store.Tail(ctx, "trade-1", 2)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestByActor(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, nil, &Entry{
			TradeUUID:  fmt.Sprintf("trade-%d", i),
			PrevStatus: "disputed",
			NewStatus:  "refunded",
			Actor:      ActorAdmin,
			Notes:      "manual resolution",
		}))
	}
	require.NoError(t, store.Record(ctx, nil, &Entry{
		TradeUUID: "trade-9", PrevStatus: "pending_payment", NewStatus: "expired",
	}))

	admin, err := store.ByActor(ctx, ActorAdmin, 10)
	require.NoError(t, err)
	assert.Len(t, admin, 3)
	for _, e := range admin {
		assert.Equal(t, "manual resolution", e.Notes)
	}
}
