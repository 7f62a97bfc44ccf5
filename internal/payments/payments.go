// Package payments backs wallet deposits with Stripe payment intents.
// The wallet only credits a balance after ConfirmDeposit sees the intent
// succeed on Stripe's side, so a forged provider_ref buys nothing.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/ZhaslanToishybayev/steammarket/internal/logging"
)

var (
	ErrAmountNotRepresentable = errors.New("amount has sub-cent precision")
	ErrNotSucceeded           = errors.New("payment has not succeeded")
)

// Provider implements wallet.DepositProvider on top of Stripe.
type Provider struct {
	sc       *client.API
	currency string
}

func NewProvider(apiKey string) *Provider {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Provider{sc: sc, currency: string(stripe.CurrencyUSD)}
}

// CreateDeposit opens a payment intent for the amount and returns its id
// plus the client secret the frontend needs to collect the card.
func (p *Provider) CreateDeposit(ctx context.Context, steamID string, amount decimal.Decimal) (string, string, error) {
	cents, err := toCents(amount)
	if err != nil {
		return "", "", err
	}
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(p.currency),
	}
	params.AddMetadata("steam_id", steamID)

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return "", "", fmt.Errorf("creating payment intent: %w", err)
	}
	logging.L(ctx).Info("deposit intent created",
		"steam_id", steamID, "intent_id", pi.ID, "amount_cents", cents)
	return pi.ID, pi.ClientSecret, nil
}

// ConfirmDeposit checks the intent with Stripe and returns who paid how
// much. Anything short of succeeded is an error; the caller retries later.
func (p *Provider) ConfirmDeposit(ctx context.Context, providerRef string) (string, decimal.Decimal, error) {
	pi, err := p.sc.PaymentIntents.Get(providerRef, &stripe.PaymentIntentParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("fetching payment intent: %w", err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", decimal.Zero, fmt.Errorf("%w: intent %s is %s", ErrNotSucceeded, pi.ID, pi.Status)
	}
	steamID := pi.Metadata["steam_id"]
	if steamID == "" {
		return "", decimal.Zero, fmt.Errorf("intent %s has no steam_id metadata", pi.ID)
	}
	return steamID, fromCents(pi.Amount), nil
}

func toCents(amount decimal.Decimal) (int64, error) {
	shifted := amount.Shift(2)
	if !shifted.IsInteger() {
		return 0, ErrAmountNotRepresentable
	}
	return shifted.IntPart(), nil
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
