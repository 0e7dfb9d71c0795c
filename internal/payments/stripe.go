package payments

import (
	"context"
	"os"

	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway charges a stored card for wallet auto-refill. It satisfies
// ledger.PaymentGateway.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeGateway() *StripeGateway {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeGateway{}
}

// Charge creates and confirms an off-session PaymentIntent against the
// customer's default payment method. Amount is converted to minor units. The
// idempotency key is forwarded to Stripe so a retried refill never double-bills.
func (s *StripeGateway) Charge(ctx context.Context, customerID string, amount decimal.Decimal, currency, idempotencyKey string) (string, error) {
	cents := amount.Shift(2).Round(0).IntPart()
	params := &stripe.PaymentIntentParams{
		Amount:     stripe.Int64(cents),
		Currency:   stripe.String(currency),
		Customer:   stripe.String(customerID),
		Confirm:    stripe.Bool(true),
		OffSession: stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}
