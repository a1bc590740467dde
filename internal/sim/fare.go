package sim

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// FareProcessor mirrors the hold/capture/release flow a real backend runs
// against a payment provider: funds are held when a driver accepts,
// captured at completion, released on cancellation.
type FareProcessor interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Release(ctx context.Context, holdID string) error
}

// StripeFares is a thin wrapper around stripe-go PaymentIntents with
// capture_method=manual.
type StripeFares struct{}

// NewStripeFares initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeFares() *StripeFares {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeFares{}
}

func (s *StripeFares) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

func (s *StripeFares) Capture(ctx context.Context, holdID string) error {
	_, err := paymentintent.Capture(holdID, nil)
	return err
}

func (s *StripeFares) Release(ctx context.Context, holdID string) error {
	_, err := paymentintent.Cancel(holdID, nil)
	return err
}
