package dispatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

var pickup = models.Place{Lat: 52.5200, Lng: 13.4050, Address: "Alexanderplatz"}

type fakeChannel struct {
	id   string
	mu   sync.Mutex
	sent []events.Envelope
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(env events.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) count(n events.Name) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := 0
	for _, e := range f.sent {
		if e.Event == n {
			c++
		}
	}
	return c
}

func (f *fakeChannel) last(n events.Name, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].Event == n {
			return f.sent[i].Decode(v)
		}
	}
	return fmt.Errorf("no %s event", n)
}

func (f *fakeChannel) statuses() []models.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.OrderStatus
	for _, e := range f.sent {
		if e.Event != events.OrderStatus {
			continue
		}
		var d events.OrderStatusData
		if err := e.Decode(&d); err == nil {
			out = append(out, d.Status)
		}
	}
	return out
}

type recordingSink struct {
	mu  sync.Mutex
	got []payments.Intent
}

func (s *recordingSink) Submit(_ context.Context, in payments.Intent) error {
	s.mu.Lock()
	s.got = append(s.got, in)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) kinds() []payments.IntentKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]payments.IntentKind, 0, len(s.got))
	for _, in := range s.got {
		out = append(out, in.Kind)
	}
	return out
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []models.AuditRecord
}

func (r *recordingAuditor) Record(_ context.Context, rec models.AuditRecord) error {
	r.mu.Lock()
	r.records = append(r.records, rec)
	r.mu.Unlock()
	return nil
}

func (r *recordingAuditor) rejected() []models.AuditRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.AuditRecord
	for _, rec := range r.records {
		if rec.Outcome == models.AuditRejected {
			out = append(out, rec)
		}
	}
	return out
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *clockwork.FakeClock
	store   *storage.MemoryStore
	pres    *presence.Memory
	hub     *hub.Hub
	sink    *recordingSink
	auditor *recordingAuditor
	d       *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		store:   storage.NewMemoryStore(),
		pres:    presence.NewMemory(clock),
		hub:     hub.New(hub.Options{Clock: clock}),
		sink:    &recordingSink{},
		auditor: &recordingAuditor{},
	}
	h.d = h.newDispatcher()
	return h
}

func (h *harness) newDispatcher() *Dispatcher {
	table, err := fare.Default("USD")
	require.NoError(h.t, err)
	d := New(Config{OfferTimeout: 15 * time.Second}, Deps{
		Store:    h.store,
		Presence: h.pres,
		Matcher:  &matcher.Service{Presence: h.pres},
		Hub:      h.hub,
		Router:   &eta.Estimator{SpeedMps: 8},
		Quoter:   table,
		Auditor:  h.auditor,
		Payments: h.sink,
		Clock:    h.clock,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	h.t.Cleanup(d.Close)
	return d
}

func (h *harness) connect(p hub.Party) *fakeChannel {
	ch := &fakeChannel{id: string(p.Type) + "-" + p.ID}
	_, err := h.hub.Bind(p, ch)
	require.NoError(h.t, err)
	return ch
}

// driver puts a connected driver roughly km kilometres north of the pickup.
func (h *harness) driver(id string, km float64) *fakeChannel {
	_, err := h.pres.SetOnline(h.ctx, id, models.Coord{Lat: pickup.Lat + km*0.009, Lng: pickup.Lng})
	require.NoError(h.t, err)
	return h.connect(hub.Driver(id))
}

func (h *harness) request(customerID string) *models.Order {
	o, err := h.d.RequestRide(h.ctx, RideRequest{
		CustomerID: customerID,
		ServiceID:  "standard",
		Pickup:     pickup,
		Dropoff:    models.Place{Lat: 52.5069, Lng: 13.3325, Address: "Zoo"},
	})
	require.NoError(h.t, err)
	return o
}

func (h *harness) waitOffers(ch *fakeChannel, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return ch.count(events.OrderIncoming) >= n }, time.Second, 5*time.Millisecond)
}

func (h *harness) order(id string) *models.Order {
	o, err := h.store.GetOrder(h.ctx, id)
	require.NoError(h.t, err)
	return o
}

func (h *harness) offerStates(orderID string) map[string]models.OfferState {
	offers, err := h.store.ListOffers(h.ctx, orderID)
	require.NoError(h.t, err)
	out := make(map[string]models.OfferState, len(offers))
	for _, off := range offers {
		out[off.DriverID] = off.State
	}
	return out
}

func TestRequestRideQuotesAndOffersNearestDriver(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	d2 := h.driver("d2", 2)
	rider := h.connect(hub.Rider("r1"))

	o := h.request("r1")
	require.Equal(t, models.StatusRequested, o.Status)
	require.Positive(t, o.EstimatedFare)
	require.Equal(t, "USD", o.Currency)
	require.Positive(t, o.DistanceMeters)

	h.waitOffers(d1, 1)
	require.Zero(t, d2.count(events.OrderIncoming))
	require.Equal(t, models.StatusOffered, h.order(o.ID).Status)
	require.Equal(t, []models.OrderStatus{models.StatusOffered}, rider.statuses())
	require.Equal(t, map[string]models.OfferState{"d1": models.OfferPending}, h.offerStates(o.ID))
}

func TestDeclineMovesToNextDriver(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	d2 := h.driver("d2", 2)
	dash := h.connect(hub.Dashboard("ops"))
	o := h.request("r1")
	h.waitOffers(d1, 1)

	require.NoError(t, h.d.Decline(h.ctx, o.ID, "d1", "too far"))
	h.waitOffers(d2, 1)
	require.Equal(t, 1, dash.count(events.OrderRejected))

	require.NoError(t, h.d.Accept(h.ctx, o.ID, "d2"))
	got := h.order(o.ID)
	require.Equal(t, models.StatusAccepted, got.Status)
	require.Equal(t, "d2", got.DriverID)
	require.True(t, lifecycle.ValidHistory(got.StatusHistory))
	require.Equal(t, map[string]models.OfferState{
		"d1": models.OfferDeclined,
		"d2": models.OfferAccepted,
	}, h.offerStates(o.ID))

	p, err := h.pres.Get(h.ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, o.ID, p.ActiveOrderID)
	require.Equal(t, models.DriverInRide, p.Status)
}

func TestOfferTimesOut(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	d2 := h.driver("d2", 2)
	o := h.request("r1")
	h.waitOffers(d1, 1)

	h.clock.Advance(14 * time.Second)
	require.Never(t, func() bool { return d2.count(events.OrderIncoming) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Advance(time.Second)
	h.waitOffers(d2, 1)
	require.Equal(t, models.OfferExpired, h.offerStates(o.ID)["d1"])

	err := h.d.Accept(h.ctx, o.ID, "d1")
	require.ErrorIs(t, err, ErrOfferNoLongerValid)

	h.clock.Advance(200 * time.Millisecond)
	require.NoError(t, h.d.Accept(h.ctx, o.ID, "d2"))
	got := h.order(o.ID)
	require.Equal(t, models.StatusAccepted, got.Status)
	require.Equal(t, "d2", got.DriverID)
	require.Equal(t, map[string]models.OfferState{"d1": models.OfferExpired, "d2": models.OfferAccepted}, h.offerStates(o.ID))
}

func TestExhaustedCandidatesCloseOrder(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	rider := h.connect(hub.Rider("r1"))
	o := h.request("r1")
	h.waitOffers(d1, 1)

	require.NoError(t, h.d.Decline(h.ctx, o.ID, "d1", ""))
	require.Equal(t, models.StatusNoDriversAvailable, h.order(o.ID).Status)
	require.Equal(t, []models.OrderStatus{models.StatusOffered, models.StatusNoDriversAvailable}, rider.statuses())

	// a new request is allowed once the previous one is closed
	h.request("r1")
}

func TestNoDriversOnlineClosesImmediately(t *testing.T) {
	h := newHarness(t)
	rider := h.connect(hub.Rider("r1"))
	o := h.request("r1")
	require.Eventually(t, func() bool {
		return len(rider.statuses()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, models.StatusNoDriversAvailable, h.order(o.ID).Status)

	var data events.OrderStatusData
	require.NoError(t, rider.last(events.OrderStatus, &data))
	require.Equal(t, models.StatusNoDriversAvailable, data.Status)
	require.Equal(t, ErrNoDriversAvailable.Error(), data.Reason)
}

func TestConcurrentAcceptsResolveOnce(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	h.driver("d2", 2)
	o := h.request("r1")
	h.waitOffers(d1, 1)

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 10; i++ {
		driverID := "d1"
		if i%2 == 1 {
			driverID = "d2"
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := h.d.Accept(h.ctx, o.ID, id)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrOfferNoLongerValid)
		}(driverID)
	}
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	got := h.order(o.ID)
	require.Equal(t, models.StatusAccepted, got.Status)
	require.Equal(t, "d1", got.DriverID)

	accepted := 0
	offers, err := h.store.ListOffers(h.ctx, o.ID)
	require.NoError(t, err)
	for _, off := range offers {
		if off.State == models.OfferAccepted {
			accepted++
		}
	}
	require.Equal(t, 1, accepted)
}

func TestBusyDriverCannotTakeSecondOrder(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	first := h.request("r1")
	h.waitOffers(d1, 1)
	second := h.request("r2")
	h.waitOffers(d1, 2)

	require.NoError(t, h.d.Accept(h.ctx, first.ID, "d1"))
	err := h.d.Accept(h.ctx, second.ID, "d1")
	require.ErrorIs(t, err, presence.ErrDriverUnavailable)

	require.Equal(t, models.StatusNoDriversAvailable, h.order(second.ID).Status)
	require.Equal(t, models.OfferDeclined, h.offerStates(second.ID)["d1"])
	p, err := h.pres.Get(h.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, first.ID, p.ActiveOrderID)
}

func TestOneActiveOrderPerCustomer(t *testing.T) {
	h := newHarness(t)
	h.driver("d1", 1)
	h.request("r1")
	_, err := h.d.RequestRide(h.ctx, RideRequest{CustomerID: "r1", ServiceID: "standard", Pickup: pickup, Dropoff: pickup})
	require.ErrorIs(t, err, ErrActiveOrder)
}

func TestRequestRideValidation(t *testing.T) {
	h := newHarness(t)
	_, err := h.d.RequestRide(h.ctx, RideRequest{CustomerID: "r1", ServiceID: "standard",
		Pickup: models.Place{Lat: 91, Lng: 0}, Dropoff: pickup})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.d.RequestRide(h.ctx, RideRequest{CustomerID: "r1", ServiceID: "limo", Pickup: pickup, Dropoff: pickup})
	require.ErrorIs(t, err, fare.ErrUnknownService)
}

func TestFullRideLifecycle(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	rider := h.connect(hub.Rider("r1"))
	o := h.request("r1")
	h.waitOffers(d1, 1)

	require.NoError(t, h.d.Accept(h.ctx, o.ID, "d1"))
	_, err := h.d.Arrive(h.ctx, o.ID, "d1", models.StatusAccepted)
	require.NoError(t, err)
	_, err = h.d.Start(h.ctx, o.ID, "d1", "")
	require.NoError(t, err)
	done, err := h.d.Complete(h.ctx, o.ID, "d1", models.StatusStarted)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, done.Status)

	require.Equal(t, []models.OrderStatus{
		models.StatusOffered, models.StatusAccepted, models.StatusArrived,
		models.StatusStarted, models.StatusCompleted,
	}, rider.statuses())
	require.True(t, lifecycle.ValidHistory(h.order(o.ID).StatusHistory))
	require.False(t, h.hub.RoomExists(o.ID))

	p, err := h.pres.Get(h.ctx, "d1")
	require.NoError(t, err)
	require.True(t, p.Available())

	require.Eventually(t, func() bool {
		k := h.sink.kinds()
		return len(k) == 2 && k[0] == payments.IntentHold && k[1] == payments.IntentCapture
	}, time.Second, 5*time.Millisecond)

	// terminal orders reject further changes
	_, err = h.d.Cancel(h.ctx, o.ID, models.PartyRider, "r1", "")
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
}

func TestCancelWhileOffered(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	h.driver("d2", 2)
	o := h.request("r1")
	h.waitOffers(d1, 1)

	got, err := h.d.Cancel(h.ctx, o.ID, models.PartyRider, "r1", models.StatusOffered)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Equal(t, models.OfferSuperseded, h.offerStates(o.ID)["d1"])
	require.Contains(t, d1.statuses(), models.StatusCancelled)

	// the expiry timer is gone with the order
	h.clock.Advance(time.Minute)
	require.Len(t, h.offerStates(o.ID), 1)
	require.Empty(t, h.sink.kinds())
}

func TestCancelAfterAcceptReleasesDriverAndHold(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	o := h.request("r1")
	h.waitOffers(d1, 1)
	require.NoError(t, h.d.Accept(h.ctx, o.ID, "d1"))

	_, err := h.d.Cancel(h.ctx, o.ID, models.PartyDriver, "d1", "")
	require.NoError(t, err)
	p, err := h.pres.Get(h.ctx, "d1")
	require.NoError(t, err)
	require.True(t, p.Available())
	require.Eventually(t, func() bool {
		k := h.sink.kinds()
		return len(k) == 2 && k[1] == payments.IntentRelease
	}, time.Second, 5*time.Millisecond)
}

func TestRiderCannotCancelStartedRide(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	o := h.request("r1")
	h.waitOffers(d1, 1)
	require.NoError(t, h.d.Accept(h.ctx, o.ID, "d1"))
	_, err := h.d.Arrive(h.ctx, o.ID, "d1", "")
	require.NoError(t, err)
	_, err = h.d.Start(h.ctx, o.ID, "d1", "")
	require.NoError(t, err)

	_, err = h.d.Cancel(h.ctx, o.ID, models.PartyRider, "r1", "")
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)
	require.Equal(t, models.StatusStarted, h.order(o.ID).Status)
}

func TestStaleAndForeignTransitionsAreRejected(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	h.driver("d2", 2)
	o := h.request("r1")
	h.waitOffers(d1, 1)
	require.NoError(t, h.d.Accept(h.ctx, o.ID, "d1"))

	_, err := h.d.Arrive(h.ctx, o.ID, "d1", models.StatusStarted)
	require.ErrorIs(t, err, lifecycle.ErrStaleTransition)

	_, err = h.d.Arrive(h.ctx, o.ID, "d2", "")
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = h.d.Cancel(h.ctx, o.ID, models.PartyRider, "someone-else", "")
	require.ErrorIs(t, err, ErrNotParticipant)

	_, err = h.d.Transition(h.ctx, Transition{OrderID: o.ID, To: models.StatusAccepted, ActorType: models.PartyDashboard, ActorID: "ops"})
	require.ErrorIs(t, err, lifecycle.ErrIllegalTransition)

	require.Equal(t, models.StatusAccepted, h.order(o.ID).Status)
	require.Len(t, h.auditor.rejected(), 4)
}

func TestUnknownDriverCannotAccept(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	o := h.request("r1")
	h.waitOffers(d1, 1)
	require.ErrorIs(t, h.d.Accept(h.ctx, o.ID, "ghost"), presence.ErrPresenceNotFound)
}

func TestUnknownOrder(t *testing.T) {
	h := newHarness(t)
	h.driver("d1", 1)
	require.ErrorIs(t, h.d.Accept(h.ctx, "missing", "d1"), storage.ErrNotFound)
}

func TestRecoverResumesDispatch(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	d2 := h.driver("d2", 2)
	now := h.clock.Now()

	requested := &models.Order{ID: "o-requested", CustomerID: "r1", ServiceID: "standard", Status: models.StatusRequested,
		Pickup: pickup, Dropoff: pickup, CreatedAt: now, UpdatedAt: now,
		StatusHistory: []models.StatusEntry{{Status: models.StatusRequested, ActorType: models.PartyRider, ActorID: "r1", At: now}}}
	require.NoError(t, h.store.CreateOrder(h.ctx, requested))

	accepted := &models.Order{ID: "o-accepted", CustomerID: "r2", DriverID: "d2", ServiceID: "standard", Status: models.StatusAccepted,
		Pickup: pickup, Dropoff: pickup, CreatedAt: now.Add(time.Second), UpdatedAt: now}
	require.NoError(t, h.store.CreateOrder(h.ctx, accepted))

	d := h.newDispatcher()
	n, err := d.Recover(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	h.waitOffers(d1, 1)
	require.Zero(t, d2.count(events.OrderIncoming))
	require.Eventually(t, func() bool {
		p, err := h.pres.Get(h.ctx, "d2")
		return err == nil && p.ActiveOrderID == "o-accepted"
	}, time.Second, 5*time.Millisecond)
	require.True(t, h.hub.InRoom("o-accepted", hub.Driver("d2")))

	_, err = d.Arrive(h.ctx, "o-accepted", "d2", models.StatusAccepted)
	require.NoError(t, err)
}

func TestRecoverBindsDriverUnknownToRegistry(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	accepted := &models.Order{ID: "o-accepted", CustomerID: "r2", DriverID: "d2", ServiceID: "standard", Status: models.StatusAccepted,
		Pickup: pickup, Dropoff: pickup, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateOrder(h.ctx, accepted))

	// fresh registry: presence did not survive the restart, orders did
	d := h.newDispatcher()
	_, err := d.Recover(h.ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		p, err := h.pres.Get(h.ctx, "d2")
		return err == nil && p.ActiveOrderID == "o-accepted"
	}, time.Second, 5*time.Millisecond)

	d2 := h.driver("d2", 1)
	p, err := h.pres.Get(h.ctx, "d2")
	require.NoError(t, err)
	require.Equal(t, models.DriverInRide, p.Status)

	o, err := d.RequestRide(h.ctx, RideRequest{CustomerID: "r3", ServiceID: "standard", Pickup: pickup, Dropoff: pickup})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return h.order(o.ID).Status == models.StatusNoDriversAvailable
	}, time.Second, 5*time.Millisecond)
	require.Zero(t, d2.count(events.OrderIncoming))
	require.ErrorIs(t, d.Accept(h.ctx, o.ID, "d2"), ErrOfferNoLongerValid)

	require.Equal(t, "d2", h.order("o-accepted").DriverID)
	require.Equal(t, models.StatusAccepted, h.order("o-accepted").Status)
}

func TestCloseWaitsForActors(t *testing.T) {
	h := newHarness(t)
	d1 := h.driver("d1", 1)
	o := h.request("r1")
	h.waitOffers(d1, 1)

	h.d.Close()
	_, live := h.d.actors.Load(o.ID)
	require.False(t, live, "actor retired before Close returned")
	require.ErrorIs(t, h.d.Accept(h.ctx, o.ID, "d1"), ErrClosed)

	// timers firing after Close start nothing
	h.clock.Advance(time.Minute)
	require.Equal(t, models.StatusOffered, h.order(o.ID).Status)
}

func TestRecoverExpiresOverdueOffer(t *testing.T) {
	h := newHarness(t)
	h.driver("d1", 1)
	d2 := h.driver("d2", 2)
	now := h.clock.Now()

	o := &models.Order{ID: "o-1", CustomerID: "r1", ServiceID: "standard", Status: models.StatusRequested,
		Pickup: pickup, Dropoff: pickup, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, h.store.CreateOrder(h.ctx, o))
	offered := o.Clone()
	offered.Status = models.StatusOffered
	offered.Version = 1
	require.NoError(t, h.store.Commit(h.ctx, storage.Commit{
		Order:           offered,
		ExpectedVersion: 0,
		Offers: []models.RideOffer{{
			ID: "off-1", OrderID: "o-1", DriverID: "d1", State: models.OfferPending,
			OfferedAt: now.Add(-20 * time.Second), ExpiresAt: now.Add(-5 * time.Second),
		}},
	}))

	d := h.newDispatcher()
	_, err := d.Recover(h.ctx)
	require.NoError(t, err)

	h.waitOffers(d2, 1)
	require.Equal(t, models.OfferExpired, h.offerStates("o-1")["d1"])
}
