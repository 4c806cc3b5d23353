package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a coordinate with the human readable address shown to both parties.
type Place struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lng     float64 `json:"lng" validate:"longitude"`
	Address string  `json:"address,omitempty" validate:"max=512"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type PartyType string

const (
	PartyDriver    PartyType = "driver"
	PartyRider     PartyType = "rider"
	PartyDashboard PartyType = "dashboard"
	// PartySystem only appears as an actor in status history, never as a channel owner.
	PartySystem PartyType = "system"
)

func (p PartyType) Connectable() bool {
	switch p {
	case PartyDriver, PartyRider, PartyDashboard:
		return true
	}
	return false
}

type DriverStatus string

const (
	DriverOnline  DriverStatus = "online"
	DriverOffline DriverStatus = "offline"
	DriverInRide  DriverStatus = "in_ride"
)

// DriverPresence is the live state of one driver. UpdatedAt is server time;
// LastPingAt is the device timestamp of the newest applied location ping and is
// only compared against other pings.
type DriverPresence struct {
	DriverID      string       `json:"driverId"`
	Status        DriverStatus `json:"status"`
	Location      Coord        `json:"location"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	LastPingAt    time.Time    `json:"lastPingAt,omitzero"`
	ActiveOrderID string       `json:"activeOrderId,omitempty"`
}

// Available reports whether the driver may receive a new offer.
func (p DriverPresence) Available() bool {
	return p.Status == DriverOnline && p.ActiveOrderID == ""
}

type OfferState string

const (
	OfferPending    OfferState = "pending"
	OfferAccepted   OfferState = "accepted"
	OfferDeclined   OfferState = "declined"
	OfferExpired    OfferState = "expired"
	OfferSuperseded OfferState = "superseded"
)

func (s OfferState) Final() bool { return s != OfferPending }

type RideOffer struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	DriverID   string     `json:"driverId"`
	OfferedAt  time.Time  `json:"offeredAt"`
	ExpiresAt  time.Time  `json:"expiresAt"`
	State      OfferState `json:"state"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
}

// Resolve moves a pending offer into a final state. Final offers are left untouched.
func (o *RideOffer) Resolve(state OfferState, at time.Time) bool {
	if o.State.Final() || !state.Final() {
		return false
	}
	o.State = state
	o.ResolvedAt = &at
	return true
}

type OrderStatus string

const (
	StatusRequested          OrderStatus = "requested"
	StatusOffered            OrderStatus = "offered"
	StatusAccepted           OrderStatus = "accepted"
	StatusArrived            OrderStatus = "arrived"
	StatusStarted            OrderStatus = "started"
	StatusCompleted          OrderStatus = "completed"
	StatusCancelled          OrderStatus = "cancelled"
	StatusNoDriversAvailable OrderStatus = "no_drivers_available"
)

type StatusEntry struct {
	Status    OrderStatus `json:"status"`
	ActorType PartyType   `json:"actorType"`
	ActorID   string      `json:"actorId,omitempty"`
	At        time.Time   `json:"at"`
}

type Order struct {
	ID              string        `json:"id"`
	CustomerID      string        `json:"customerId"`
	DriverID        string        `json:"driverId,omitempty"`
	ServiceID       string        `json:"serviceId"`
	Status          OrderStatus   `json:"status"`
	Version         int           `json:"version"`
	Pickup          Place         `json:"pickup"`
	Dropoff         Place         `json:"dropoff"`
	EstimatedFare   int64         `json:"estimatedFare"`
	Currency        string        `json:"currency"`
	DistanceMeters  float64       `json:"distanceMeters"`
	DurationSeconds float64       `json:"durationSeconds"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	StatusHistory   []StatusEntry `json:"statusHistory"`
}

// Clone returns a deep copy so callers can stage mutations before a commit.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	return &cp
}

type ChannelBinding struct {
	PartyType   PartyType `json:"partyType"`
	PartyID     string    `json:"partyId"`
	ChannelID   string    `json:"channelId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// LocationPing is the wire shape of a driver location report on the ingest topic.
type LocationPing struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type AuditOutcome string

const (
	AuditApplied  AuditOutcome = "applied"
	AuditRejected AuditOutcome = "rejected"
)

// AuditRecord captures every attempted order transition, whether or not it was applied.
type AuditRecord struct {
	OrderID   string       `json:"orderId"`
	From      OrderStatus  `json:"from"`
	To        OrderStatus  `json:"to"`
	ActorType PartyType    `json:"actorType"`
	ActorID   string       `json:"actorId,omitempty"`
	Outcome   AuditOutcome `json:"outcome"`
	Reason    string       `json:"reason,omitempty"`
	At        time.Time    `json:"at"`
}
