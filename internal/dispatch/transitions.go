package dispatch

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
)

func (a *orderActor) transition(ctx context.Context, t Transition) error {
	from := a.order.Status
	fail := func(err error) error {
		a.d.audit(a.record(from, t.To, t.ActorType, t.ActorID, err))
		return err
	}
	if err := a.authorize(t); err != nil {
		return fail(err)
	}
	if err := lifecycle.Validate(from, t.Assumed, t.To); err != nil {
		return fail(err)
	}
	now := a.d.clock.Now()
	staged := a.order.Clone()
	entry, err := lifecycle.Apply(staged, t.To, t.ActorType, t.ActorID, now)
	if err != nil {
		return fail(err)
	}
	var (
		changes    []models.RideOffer
		supersedes string
	)
	if p := a.pending(); p != nil && t.To == models.StatusCancelled {
		off := *p
		off.Resolve(models.OfferSuperseded, now)
		changes = append(changes, off)
		supersedes = off.DriverID
	}
	if err := a.commit(ctx, staged, &entry, changes...); err != nil {
		return fail(err)
	}
	if supersedes != "" {
		a.stopTimer()
		observability.OffersResolved.WithLabelValues(string(models.OfferSuperseded)).Inc()
		a.d.hub.Send(hub.Driver(supersedes), a.statusEvent())
	}
	a.publishStatus()
	a.d.audit(a.record(from, t.To, t.ActorType, t.ActorID, nil))
	a.d.log.Info("order status changed", "order_id", a.id, "from", from, "to", t.To,
		"actor_type", t.ActorType, "actor_id", t.ActorID)
	if lifecycle.IsTerminal(t.To) {
		a.teardown(ctx)
	}
	return nil
}

// authorize checks that the actor takes part in the order. Offered, accepted
// and no_drivers_available are only reached through the offer negotiator.
func (a *orderActor) authorize(t Transition) error {
	o := a.order
	assigned := o.DriverID != "" && t.ActorType == models.PartyDriver && t.ActorID == o.DriverID
	switch t.To {
	case models.StatusArrived, models.StatusStarted, models.StatusCompleted:
		if !assigned {
			return ErrNotParticipant
		}
	case models.StatusCancelled:
		switch t.ActorType {
		case models.PartyRider:
			if t.ActorID != o.CustomerID {
				return ErrNotParticipant
			}
		case models.PartyDriver:
			if !assigned {
				return ErrNotParticipant
			}
		case models.PartyDashboard, models.PartySystem:
		default:
			return ErrNotParticipant
		}
	default:
		return fmt.Errorf("%w: %s is set by dispatch", lifecycle.ErrIllegalTransition, t.To)
	}
	return nil
}

func (a *orderActor) statusEvent() events.Envelope {
	data := events.OrderStatusData{
		OrderID:  a.order.ID,
		Status:   a.order.Status,
		DriverID: a.order.DriverID,
	}
	if a.order.Status == models.StatusNoDriversAvailable {
		data.Reason = ErrNoDriversAvailable.Error()
	}
	return events.MustNew(events.OrderStatus, data)
}

// publishStatus goes to the order room, or straight to the rider before the room exists.
func (a *orderActor) publishStatus() {
	env := a.statusEvent()
	if a.d.hub.RoomExists(a.id) {
		a.d.hub.BroadcastRoom(a.id, env)
		return
	}
	a.d.hub.Send(hub.Rider(a.order.CustomerID), env)
}

// teardown runs once the order reached a terminal status.
func (a *orderActor) teardown(ctx context.Context) {
	a.stopTimer()
	a.seq = nil
	o := a.order
	if o.DriverID != "" {
		a.release(ctx, o.DriverID)
	}
	a.d.hub.CloseRoom(o.ID)
	switch {
	case o.Status == models.StatusCompleted:
		a.d.emit(a.intent(payments.IntentCapture))
	case o.Status == models.StatusCancelled && o.DriverID != "":
		a.d.emit(a.intent(payments.IntentRelease))
	}
	a.d.log.Info("order closed", "order_id", o.ID, "status", o.Status)
}

func (a *orderActor) intent(kind payments.IntentKind) payments.Intent {
	o := a.order
	return payments.Intent{
		Kind:       kind,
		OrderID:    o.ID,
		CustomerID: o.CustomerID,
		DriverID:   o.DriverID,
		Amount:     o.EstimatedFare,
		Currency:   o.Currency,
		At:         a.d.clock.Now(),
	}
}

// record builds an audit record; a nil err means the transition was applied.
func (a *orderActor) record(from, to models.OrderStatus, actorType models.PartyType, actorID string, err error) models.AuditRecord {
	r := models.AuditRecord{
		OrderID:   a.id,
		From:      from,
		To:        to,
		ActorType: actorType,
		ActorID:   actorID,
		Outcome:   models.AuditApplied,
		At:        a.d.clock.Now(),
	}
	if err != nil {
		r.Outcome = models.AuditRejected
		r.Reason = err.Error()
	}
	return r
}
