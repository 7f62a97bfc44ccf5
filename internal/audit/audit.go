// Package audit appends trade state transitions to an immutable history
// table. Entries are written in the same transaction as the transition they
// describe, so the history never disagrees with the trade row.
package audit

import (
	"context"
	"database/sql"
	"time"
)

type Actor string

const (
	ActorSystem Actor = "system"
	ActorAdmin  Actor = "admin"
	ActorUser   Actor = "user"
)

type Entry struct {
	ID         int64     `json:"id"`
	TradeUUID  string    `json:"trade_uuid"`
	PrevStatus string    `json:"prev_status"`
	NewStatus  string    `json:"new_status"`
	Actor      Actor     `json:"actor"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store records and reads history entries. Record takes the caller's open
// transaction; the memory implementation ignores the nil tx.
type Store interface {
	Record(ctx context.Context, tx *sql.Tx, e *Entry) error
	Tail(ctx context.Context, tradeUUID string, limit int) ([]*Entry, error)
	ByActor(ctx context.Context, actor Actor, limit int) ([]*Entry, error)
}
