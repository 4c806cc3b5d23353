// Package payments turns ride lifecycle outcomes into charge intents: a hold
// when a driver accepts, a capture on completion and a release on cancellation.
package payments

import (
	"context"
	"time"
)

type IntentKind string

const (
	IntentHold    IntentKind = "hold"
	IntentCapture IntentKind = "capture"
	IntentRelease IntentKind = "release"
)

type Intent struct {
	Kind       IntentKind `json:"kind"`
	OrderID    string     `json:"orderId"`
	CustomerID string     `json:"customerId"`
	DriverID   string     `json:"driverId,omitempty"`
	Amount     int64      `json:"amount"`
	Currency   string     `json:"currency"`
	At         time.Time  `json:"at"`
}

// Sink receives charge intents. Submit must be safe for concurrent use.
type Sink interface {
	Submit(ctx context.Context, in Intent) error
}

// Nop drops every intent.
type Nop struct{}

func (Nop) Submit(context.Context, Intent) error { return nil }
