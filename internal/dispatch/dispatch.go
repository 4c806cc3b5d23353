// Package dispatch runs the ride request queue, the offer negotiator and the
// side effects of every ride status transition.
//
// Each live order is owned by one actor goroutine. Every mutation of the
// order and its offers goes through the actor's mailbox, so accepts,
// declines, offer timeouts and status changes for one order are applied one
// at a time while different orders never contend.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrOfferNoLongerValid = errors.New("offer no longer valid")
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrNotParticipant     = errors.New("not a participant of this order")
	ErrActiveOrder        = errors.New("customer already has an active order")
	ErrInvalidRequest     = errors.New("invalid ride request")
	ErrClosed             = errors.New("dispatcher closed")
)

// Notifier is the part of the connection hub the dispatcher talks to.
type Notifier interface {
	Send(p hub.Party, env events.Envelope) int
	SendAll(t models.PartyType, env events.Envelope) int
	JoinRoom(orderID string, p hub.Party)
	RoomExists(orderID string) bool
	BroadcastRoom(orderID string, env events.Envelope) int
	CloseRoom(orderID string) []hub.Party
}

type Router interface {
	Estimate(ctx context.Context, from, to models.Coord) eta.Route
}

type Quoter interface {
	Quote(serviceID string, route eta.Route) (fare.Quote, error)
}

// Auditor receives every attempted transition.
type Auditor interface {
	Record(ctx context.Context, r models.AuditRecord) error
}

type Config struct {
	OfferTimeout time.Duration
}

type Deps struct {
	Store    storage.OrderStore
	Presence presence.Registry
	Matcher  *matcher.Service
	Hub      Notifier
	Router   Router
	Quoter   Quoter
	Auditor  Auditor       // optional
	Payments payments.Sink // optional
	Clock    clockwork.Clock
	Logger   *slog.Logger
}

type Dispatcher struct {
	cfg      Config
	store    storage.OrderStore
	presence presence.Registry
	matcher  *matcher.Service
	hub      Notifier
	router   Router
	quoter   Quoter
	auditor  Auditor
	payments payments.Sink
	clock    clockwork.Clock
	log      *slog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup // actors, timer callbacks and the intent worker

	actors  sync.Map // order ID -> *orderActor
	intents chan payments.Intent
}

func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 15 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Payments == nil {
		deps.Payments = payments.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      cfg,
		store:    deps.Store,
		presence: deps.Presence,
		matcher:  deps.Matcher,
		hub:      deps.Hub,
		router:   deps.Router,
		quoter:   deps.Quoter,
		auditor:  deps.Auditor,
		payments: deps.Payments,
		clock:    deps.Clock,
		log:      deps.Logger,
		ctx:      ctx,
		cancel:   cancel,
		intents:  make(chan payments.Intent, 256),
	}
	d.track(d.runIntents)
	return d
}

// Close stops every actor and pending timer. Durable state is untouched;
// Recover picks it up again.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closing = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// track runs fn on a goroutine that Close waits for. It refuses once Close
// has started.
func (d *Dispatcher) track(fn func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closing {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
	return true
}

type RideRequest struct {
	CustomerID string       `json:"-"`
	ServiceID  string       `json:"serviceId" validate:"required,max=64"`
	Pickup     models.Place `json:"pickup"`
	Dropoff    models.Place `json:"dropoff"`
}

// RequestRide creates the order and hands it to its actor, which starts
// offering it to drivers. The returned order is the requested snapshot.
func (d *Dispatcher) RequestRide(ctx context.Context, req RideRequest) (*models.Order, error) {
	if d.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if strings.TrimSpace(req.CustomerID) == "" || strings.TrimSpace(req.ServiceID) == "" {
		return nil, fmt.Errorf("%w: customer and service are required", ErrInvalidRequest)
	}
	if !geo.Valid(req.Pickup.Coord()) || !geo.Valid(req.Dropoff.Coord()) {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidRequest)
	}
	route := d.router.Estimate(ctx, req.Pickup.Coord(), req.Dropoff.Coord())
	quote, err := d.quoter.Quote(req.ServiceID, route)
	if err != nil {
		return nil, err
	}

	now := d.clock.Now()
	o := &models.Order{
		ID:              uuid.NewString(),
		CustomerID:      req.CustomerID,
		ServiceID:       req.ServiceID,
		Status:          models.StatusRequested,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		EstimatedFare:   quote.Amount,
		Currency:        quote.Currency,
		DistanceMeters:  route.DistanceMeters,
		DurationSeconds: route.DurationSeconds,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusRequested, ActorType: models.PartyRider, ActorID: req.CustomerID, At: now},
		},
	}
	if err := d.store.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, storage.ErrCustomerBusy) {
			return nil, ErrActiveOrder
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	observability.OrdersRequested.Inc()
	d.log.Info("ride requested", "order_id", o.ID, "customer_id", o.CustomerID, "service_id", o.ServiceID,
		"estimated_fare", o.EstimatedFare, "currency", o.Currency)
	d.audit(models.AuditRecord{OrderID: o.ID, To: models.StatusRequested, ActorType: models.PartyRider,
		ActorID: o.CustomerID, Outcome: models.AuditApplied, At: now})

	d.spawn(o.Clone(), nil)
	return o, nil
}

// Get returns the committed order.
func (d *Dispatcher) Get(ctx context.Context, orderID string) (*models.Order, error) {
	return d.store.GetOrder(ctx, orderID)
}

func (d *Dispatcher) Offers(ctx context.Context, orderID string) ([]models.RideOffer, error) {
	return d.store.ListOffers(ctx, orderID)
}

// Accept resolves the driver's pending offer in their favour.
func (d *Dispatcher) Accept(ctx context.Context, orderID, driverID string) error {
	return d.do(ctx, orderID, func(ctx context.Context, a *orderActor) error {
		return a.accept(ctx, driverID)
	})
}

// Decline resolves the driver's pending offer as declined and moves on to the next candidate.
func (d *Dispatcher) Decline(ctx context.Context, orderID, driverID, reason string) error {
	return d.do(ctx, orderID, func(ctx context.Context, a *orderActor) error {
		return a.decline(ctx, driverID, reason)
	})
}

// Transition is a caller-initiated status change. Assumed, when set, is the
// status the caller believes the order is in.
type Transition struct {
	OrderID   string
	To        models.OrderStatus
	ActorType models.PartyType
	ActorID   string
	Assumed   models.OrderStatus
}

func (d *Dispatcher) Transition(ctx context.Context, t Transition) (*models.Order, error) {
	var out *models.Order
	err := d.do(ctx, t.OrderID, func(ctx context.Context, a *orderActor) error {
		if err := a.transition(ctx, t); err != nil {
			return err
		}
		out = a.order.Clone()
		return nil
	})
	return out, err
}

func (d *Dispatcher) Arrive(ctx context.Context, orderID, driverID string, assumed models.OrderStatus) (*models.Order, error) {
	return d.Transition(ctx, Transition{OrderID: orderID, To: models.StatusArrived, ActorType: models.PartyDriver, ActorID: driverID, Assumed: assumed})
}

func (d *Dispatcher) Start(ctx context.Context, orderID, driverID string, assumed models.OrderStatus) (*models.Order, error) {
	return d.Transition(ctx, Transition{OrderID: orderID, To: models.StatusStarted, ActorType: models.PartyDriver, ActorID: driverID, Assumed: assumed})
}

func (d *Dispatcher) Complete(ctx context.Context, orderID, driverID string, assumed models.OrderStatus) (*models.Order, error) {
	return d.Transition(ctx, Transition{OrderID: orderID, To: models.StatusCompleted, ActorType: models.PartyDriver, ActorID: driverID, Assumed: assumed})
}

func (d *Dispatcher) Cancel(ctx context.Context, orderID string, actorType models.PartyType, actorID string, assumed models.OrderStatus) (*models.Order, error) {
	return d.Transition(ctx, Transition{OrderID: orderID, To: models.StatusCancelled, ActorType: actorType, ActorID: actorID, Assumed: assumed})
}

// Recover reloads every non-terminal order after a restart: offer timers are
// rebuilt from their expiry, unoffered orders resume dispatch, rooms are
// rebuilt and assigned drivers are bound to their orders again.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	orders, err := d.store.ListActiveOrders(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active orders: %w", err)
	}
	n := 0
	for _, o := range orders {
		offers, err := d.store.ListOffers(ctx, o.ID)
		if err != nil {
			return n, fmt.Errorf("list offers %s: %w", o.ID, err)
		}
		if d.spawn(o, offers) {
			n++
		}
	}
	d.log.Info("dispatch recovered", "orders", n)
	return n, nil
}

func (d *Dispatcher) audit(r models.AuditRecord) {
	observability.OrderTransitions.WithLabelValues(string(r.To), string(r.Outcome)).Inc()
	if d.auditor != nil {
		if err := d.auditor.Record(d.ctx, r); err != nil {
			d.log.Warn("audit record failed", "order_id", r.OrderID, "error", err)
		}
	}
	d.hub.SendAll(models.PartyDashboard, events.MustNew(events.OrderAudit, r))
}

func (d *Dispatcher) emit(in payments.Intent) {
	select {
	case d.intents <- in:
	case <-d.ctx.Done():
	}
}

// runIntents submits charge intents in order so a capture never overtakes its hold.
func (d *Dispatcher) runIntents() {
	for {
		select {
		case in := <-d.intents:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := d.payments.Submit(ctx, in); err != nil {
				d.log.Error("payment intent failed", "order_id", in.OrderID, "kind", in.Kind, "error", err)
			}
			cancel()
		case <-d.ctx.Done():
			return
		}
	}
}
