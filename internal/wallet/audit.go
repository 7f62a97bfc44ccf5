package wallet

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
)

// Violation is one conservation failure found by the self-audit.
type Violation struct {
	SteamID   string          `json:"steam_id"`
	Balance   decimal.Decimal `json:"balance"`
	PostedSum decimal.Decimal `json:"posted_sum"`
	Detail    string          `json:"detail"`
}

// Audit verifies the ledger's conservation invariants:
//   - per account, SUM(posted entries) = balance
//   - balance >= 0 and reserved <= balance
//
// Internal movements (capture, payout, fee, refund) are double-entry and
// cancel across accounts; adjust entries are single-sided external flows
// (deposits, withdrawals), so there is no global zero-sum to check.
//
// A non-empty result means money was created or destroyed. Nothing in the
// normal write paths can cause this; a violation points at manual DB edits
// or a bug, and the admin surface exposes it for exactly that reason.
func (s *Service) Audit(ctx context.Context) ([]Violation, error) {
	sums, err := s.store.PostedSums(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	balances, err := s.store.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	var violations []Violation
	seen := make(map[string]bool, len(balances))

	for _, b := range balances {
		seen[b.SteamID] = true
		sum := sums[b.SteamID] // zero when the account has no posted entries

		if !sum.Equal(b.Balance) {
			violations = append(violations, Violation{
				SteamID: b.SteamID, Balance: b.Balance, PostedSum: sum,
				Detail: "posted entry sum does not match balance",
			})
		}
		if b.Balance.IsNegative() {
			violations = append(violations, Violation{
				SteamID: b.SteamID, Balance: b.Balance, PostedSum: sum,
				Detail: "negative balance",
			})
		}
		if b.Reserved.GreaterThan(b.Balance) {
			violations = append(violations, Violation{
				SteamID: b.SteamID, Balance: b.Balance, PostedSum: sum,
				Detail: "reserved exceeds balance",
			})
		}
	}

	// Entries against accounts that no longer exist.
	for id, sum := range sums {
		if !seen[id] {
			violations = append(violations, Violation{
				SteamID: id, PostedSum: sum,
				Detail: "posted entries for unknown account",
			})
		}
	}

	if len(violations) > 0 {
		logging.L(ctx).Error("ledger audit found violations", "count", len(violations))
	}
	return violations, nil
}
