// Package relay carries driver presence changes, location pings and chat
// between the parties of a ride.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
)

var (
	ErrNotInRoom       = errors.New("sender is not in the order room")
	ErrInvalidLocation = errors.New("invalid location")
	ErrEmptyMessage    = errors.New("empty chat message")
)

// Rooms is the part of the connection hub the relay fans out through.
type Rooms interface {
	SendAll(t models.PartyType, env events.Envelope) int
	InRoom(orderID string, p hub.Party) bool
	BroadcastRoom(orderID string, env events.Envelope) int
	BroadcastFeed(env events.Envelope) int
}

// LocationPublisher receives every applied location ping, e.g. a Kafka topic.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
}

type Options struct {
	Presence  presence.Registry
	Rooms     Rooms
	Publisher LocationPublisher // optional
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

type Relay struct {
	presence  presence.Registry
	rooms     Rooms
	publisher LocationPublisher
	clock     clockwork.Clock
	log       *slog.Logger
}

func New(opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Relay{
		presence:  opts.Presence,
		rooms:     opts.Rooms,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		log:       opts.Logger,
	}
}

// Attach makes a driver losing its last channel count as going offline.
func (r *Relay) Attach(h interface{ OnPartyGone(func(hub.Party)) }) {
	h.OnPartyGone(func(p hub.Party) {
		if p.Type != models.PartyDriver {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := r.DriverOffline(ctx, p.ID); err != nil && !errors.Is(err, presence.ErrPresenceNotFound) {
			r.log.Warn("mark disconnected driver offline", "driver_id", p.ID, "error", err)
		}
	})
}

func (r *Relay) DriverOnline(ctx context.Context, driverID string, loc models.Coord) (models.DriverPresence, error) {
	if !geo.Valid(loc) {
		return models.DriverPresence{}, ErrInvalidLocation
	}
	p, err := r.presence.SetOnline(ctx, driverID, loc)
	if err != nil {
		return models.DriverPresence{}, err
	}
	r.log.Info("driver online", "driver_id", driverID, "status", p.Status)
	r.announce(ctx, events.DriverConnected, driverID)
	return p, nil
}

// DriverOffline keeps any active order; the driver only stops receiving offers.
func (r *Relay) DriverOffline(ctx context.Context, driverID string) (models.DriverPresence, error) {
	p, err := r.presence.SetOffline(ctx, driverID)
	if err != nil {
		return models.DriverPresence{}, err
	}
	r.log.Info("driver offline", "driver_id", driverID, "active_order_id", p.ActiveOrderID)
	r.announce(ctx, events.DriverDisconnected, driverID)
	return p, nil
}

func (r *Relay) announce(ctx context.Context, name events.Name, driverID string) {
	n, err := r.presence.CountOnline(ctx)
	if err != nil {
		r.log.Warn("count online drivers", "error", err)
	} else {
		observability.DriversOnline.Set(float64(n))
	}
	r.rooms.SendAll(models.PartyDashboard, events.MustNew(name, events.DriverConnectionData{
		DriverID:           driverID,
		OnlineDriversCount: n,
	}))
}

// DriverLocation applies a ping and forwards it to the driver's ride room and
// the aggregate dashboard feed. Pings for unknown or offline drivers and pings
// not newer than the driver's last applied ping are dropped and reported as not
// applied. A zero at is stamped with the server clock.
func (r *Relay) DriverLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) (bool, error) {
	if !geo.Valid(loc) {
		observability.LocationsIngested.WithLabelValues("invalid").Inc()
		return false, ErrInvalidLocation
	}
	if at.IsZero() {
		at = r.clock.Now()
	}
	p, applied, err := r.presence.UpdateLocation(ctx, driverID, loc, at)
	if err != nil {
		observability.LocationsIngested.WithLabelValues("error").Inc()
		return false, err
	}
	if !applied {
		observability.LocationsIngested.WithLabelValues("ignored").Inc()
		return false, nil
	}
	observability.LocationsIngested.WithLabelValues("applied").Inc()

	env := events.MustNew(events.DriverLocationUpdate, events.LocationUpdateData{
		DriverID:  driverID,
		OrderID:   p.ActiveOrderID,
		Latitude:  loc.Lat,
		Longitude: loc.Lng,
		Timestamp: at,
	})
	if p.ActiveOrderID != "" {
		r.rooms.BroadcastRoom(p.ActiveOrderID, env)
	}
	r.rooms.BroadcastFeed(env)

	if r.publisher != nil {
		ping := models.LocationPing{DriverID: driverID, Lat: loc.Lat, Lng: loc.Lng, Timestamp: at}
		if err := r.publisher.PublishLocation(ctx, ping); err != nil {
			r.log.Warn("publish location", "driver_id", driverID, "error", err)
		}
	}
	return true, nil
}

// Chat relays content verbatim to the order room. Nothing is stored.
func (r *Relay) Chat(_ context.Context, orderID string, sender hub.Party, content string) error {
	if content == "" {
		return ErrEmptyMessage
	}
	if !r.rooms.InRoom(orderID, sender) {
		return ErrNotInRoom
	}
	r.rooms.BroadcastRoom(orderID, events.MustNew(events.ChatMessage, events.ChatMessageData{
		OrderID:    orderID,
		SenderID:   sender.ID,
		SenderType: sender.Type,
		Content:    content,
		Timestamp:  r.clock.Now(),
	}))
	return nil
}
