// Package events defines the closed set of socket events exchanged with
// drivers, riders and dashboards. Wire names only exist here; the rest of the
// code base refers to events by their Name constant.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type Name uint8

const (
	Unknown Name = iota

	// inbound
	DriverOnline
	DriverOffline
	DriverLocation
	DriverAccept
	DriverReject
	DriverArrived
	DriverStart
	DriverComplete
	ChatSend
	JoinOrder
	LeaveOrder
	DriversSubscribe
	DriversUnsubscribe
	Ping

	// outbound
	OrderIncoming
	OrderStatus
	OrderRejected
	DriverLocationUpdate
	DriverConnected
	DriverDisconnected
	ChatMessage
	OrderAudit
	Ack
	Error
)

var wireNames = [...]string{
	Unknown:              "unknown",
	DriverOnline:         "driver:online",
	DriverOffline:        "driver:offline",
	DriverLocation:       "driver:location",
	DriverAccept:         "driver:accept",
	DriverReject:         "driver:reject",
	DriverArrived:        "driver:arrived",
	DriverStart:          "driver:start",
	DriverComplete:       "driver:complete",
	ChatSend:             "chat:send",
	JoinOrder:            "join:order",
	LeaveOrder:           "leave:order",
	DriversSubscribe:     "drivers:subscribe",
	DriversUnsubscribe:   "drivers:unsubscribe",
	Ping:                 "ping",
	OrderIncoming:        "order:incoming",
	OrderStatus:          "order:status",
	OrderRejected:        "order:rejected",
	DriverLocationUpdate: "driver:location:update",
	DriverConnected:      "driver:connected",
	DriverDisconnected:   "driver:disconnected",
	ChatMessage:          "chat:message",
	OrderAudit:           "order:audit",
	Ack:                  "ack",
	Error:                "error",
}

var byWireName = func() map[string]Name {
	m := make(map[string]Name, len(wireNames))
	for n, s := range wireNames {
		m[s] = Name(n)
	}
	return m
}()

func (n Name) String() string {
	if int(n) < len(wireNames) {
		return wireNames[n]
	}
	return fmt.Sprintf("event(%d)", uint8(n))
}

// Parse maps a wire name to its Name, returning Unknown when it is not part of the protocol.
func Parse(s string) Name {
	return byWireName[s]
}

func (n Name) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *Name) UnmarshalText(b []byte) error {
	*n = Parse(string(b))
	return nil
}

// Envelope is the frame written to and read from every channel.
type Envelope struct {
	ID    string          `json:"id,omitempty"`
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// New builds an outbound envelope with a JSON encoded payload.
func New(name Name, payload any) (Envelope, error) {
	env := Envelope{Event: name}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", name, err)
	}
	env.Data = b
	return env, nil
}

// MustNew is New for payload types that always encode.
func MustNew(name Name, payload any) Envelope {
	env, err := New(name, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// Inbound payloads.

type DriverOnlineData struct {
	Location models.Coord `json:"location"`
}

type DriverLocationData struct {
	Lat       float64    `json:"lat" validate:"latitude"`
	Lng       float64    `json:"lng" validate:"longitude"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type OrderRef struct {
	OrderID        string             `json:"orderId" validate:"required"`
	ExpectedStatus models.OrderStatus `json:"expectedStatus,omitempty"`
}

type RejectData struct {
	OrderID string `json:"orderId" validate:"required"`
	Reason  string `json:"reason,omitempty" validate:"max=256"`
}

type ChatSendData struct {
	OrderID string `json:"orderId" validate:"required"`
	Content string `json:"content" validate:"required,max=2000"`
}

// Outbound payloads.

type OrderIncomingData struct {
	OrderID         string       `json:"orderId"`
	Pickup          models.Place `json:"pickup"`
	Dropoff         models.Place `json:"dropoff"`
	EstimatedFare   int64        `json:"estimatedFare"`
	Currency        string       `json:"currency"`
	DistanceMeters  float64      `json:"distance"`
	DurationSeconds float64      `json:"duration"`
	ExpiresAt       time.Time    `json:"expiresAt"`
}

type OrderStatusData struct {
	OrderID  string             `json:"orderId"`
	Status   models.OrderStatus `json:"status"`
	DriverID string             `json:"driverId,omitempty"`
	Reason   string             `json:"reason,omitempty"`
}

type OrderRejectedData struct {
	OrderID  string `json:"orderId"`
	DriverID string `json:"driverId"`
	Reason   string `json:"reason"`
}

type LocationUpdateData struct {
	DriverID  string    `json:"driverId"`
	OrderID   string    `json:"orderId,omitempty"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

type DriverConnectionData struct {
	DriverID           string `json:"driverId"`
	OnlineDriversCount int    `json:"onlineDriversCount"`
}

type ChatMessageData struct {
	OrderID    string           `json:"orderId"`
	SenderID   string           `json:"senderId"`
	SenderType models.PartyType `json:"senderType"`
	Content    string           `json:"content"`
	Timestamp  time.Time        `json:"timestamp"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
