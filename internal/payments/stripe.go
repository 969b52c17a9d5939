package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

var (
	ErrMissingReference = errors.New("payment reference is required")
	ErrRejected         = errors.New("payment reference rejected")
)

// Verifier confirms a rider's payment before a ride may be requested and settles it afterwards.
type Verifier interface {
	Verify(ctx context.Context, ref string) error
	// Capture collects a held payment once the ride completes.
	Capture(ctx context.Context, ref string) error
	// Release drops the hold when the ride is cancelled.
	Release(ctx context.Context, ref string) error
}

// StripeVerifier treats the payment reference as a PaymentIntent ID created by the checkout
// widget with capture_method=manual.
type StripeVerifier struct {
	intents *paymentintent.Client
}

// NewStripeVerifier uses the live Stripe API with the given secret key.
func NewStripeVerifier(apiKey string) *StripeVerifier {
	return NewStripeVerifierWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeVerifierWithBackend(apiKey string, b stripe.Backend) *StripeVerifier {
	return &StripeVerifier{intents: &paymentintent.Client{B: b, Key: apiKey}}
}

// Verify accepts intents that hold funds (requires_capture) or were already paid (succeeded).
func (s *StripeVerifier) Verify(ctx context.Context, ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ErrMissingReference
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.intents.Get(ref, params)
	if err != nil {
		return classify(err)
	}
	switch pi.Status {
	case stripe.PaymentIntentStatusRequiresCapture, stripe.PaymentIntentStatusSucceeded:
		return nil
	default:
		return fmt.Errorf("%w: intent %s is %s", ErrRejected, ref, pi.Status)
	}
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeVerifier) Capture(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := s.intents.Capture(ref, params)
	return err
}

// Release cancels the PaymentIntent, dropping the hold.
func (s *StripeVerifier) Release(ctx context.Context, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.intents.Cancel(ref, params)
	return err
}

// classify maps client-side API errors (unknown intent, bad id) to ErrRejected; anything else
// is a gateway problem and is returned wrapped.
func classify(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= http.StatusBadRequest && se.HTTPStatusCode < http.StatusInternalServerError {
		return fmt.Errorf("%w: %s", ErrRejected, se.Msg)
	}
	return fmt.Errorf("stripe: %w", err)
}

// ReferenceVerifier accepts any non-empty reference. Used when no gateway key is configured.
type ReferenceVerifier struct{}

func (ReferenceVerifier) Verify(_ context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return ErrMissingReference
	}
	return nil
}

func (ReferenceVerifier) Capture(context.Context, string) error { return nil }
func (ReferenceVerifier) Release(context.Context, string) error { return nil }
