package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway is the hold/capture/cancel surface of a card processor.
type Gateway interface {
	Hold(ctx context.Context, in Intent) (string, error)
	Capture(ctx context.Context, paymentIntentID string, in Intent) error
	Cancel(ctx context.Context, paymentIntentID string, in Intent) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	pi *paymentintent.Client
}

func NewStripeClient(apiKey string) *StripeClient {
	return NewStripeClientWithBackend(apiKey, stripe.GetBackend(stripe.APIBackend))
}

func NewStripeClientWithBackend(apiKey string, backend stripe.Backend) *StripeClient {
	return &StripeClient{pi: &paymentintent.Client{B: backend, Key: apiKey}}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, in Intent) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(in.Amount),
		Currency:      stripe.String(strings.ToLower(in.Currency)),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + in.OrderID)
	params.AddMetadata("order_id", in.OrderID)
	params.AddMetadata("customer_id", in.CustomerID)
	params.AddMetadata("driver_id", in.DriverID)
	pi, err := s.pi.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string, in Intent) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + in.OrderID)
	_, err := s.pi.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string, in Intent) error {
	params := &stripe.PaymentIntentCancelParams{
		CancellationReason: stripe.String(string(stripe.PaymentIntentCancellationReasonAbandoned)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("release-" + in.OrderID)
	_, err := s.pi.Cancel(paymentIntentID, params)
	return err
}

// GatewaySink applies intents to a Gateway, remembering which payment intent
// belongs to which order.
type GatewaySink struct {
	Gateway Gateway
	Index   IntentIndex
	Logger  *slog.Logger
}

func (g *GatewaySink) Submit(ctx context.Context, in Intent) error {
	switch in.Kind {
	case IntentHold:
		id, err := g.Gateway.Hold(ctx, in)
		if err != nil {
			return fmt.Errorf("hold order %s: %w", in.OrderID, err)
		}
		return g.Index.Put(ctx, in.OrderID, id)
	case IntentCapture, IntentRelease:
		id, err := g.Index.Get(ctx, in.OrderID)
		if errors.Is(err, ErrNoIntent) {
			if g.Logger != nil {
				g.Logger.Warn("no held payment for order", "order_id", in.OrderID, "kind", in.Kind)
			}
			return nil
		}
		if err != nil {
			return err
		}
		if in.Kind == IntentCapture {
			err = g.Gateway.Capture(ctx, id, in)
		} else {
			err = g.Gateway.Cancel(ctx, id, in)
		}
		if err != nil {
			return fmt.Errorf("%s order %s: %w", in.Kind, in.OrderID, err)
		}
		return g.Index.Delete(ctx, in.OrderID)
	}
	return fmt.Errorf("unknown intent kind %q", in.Kind)
}
