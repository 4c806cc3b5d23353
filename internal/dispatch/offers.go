package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/presence"
)

const retryDelay = 2 * time.Second

// resume rebuilds the ephemeral side of an order: rooms, offer timers, the
// driver binding and, when nothing is pending, the offer loop.
func (a *orderActor) resume(ctx context.Context) {
	o := a.order
	switch {
	case o.Status == models.StatusRequested || o.Status == models.StatusOffered:
		if o.Status == models.StatusOffered {
			a.d.hub.JoinRoom(o.ID, hub.Rider(o.CustomerID))
		}
		if p := a.pending(); p != nil {
			if a.d.clock.Now().Before(p.ExpiresAt) {
				a.armTimer(*p)
				return
			}
			if err := a.expireOffer(ctx, p.ID); err != nil {
				a.d.log.Warn("expire overdue offer", "order_id", o.ID, "error", err)
			}
			return
		}
		a.advance(ctx)
	case lifecycle.IsActive(o.Status):
		a.d.hub.JoinRoom(o.ID, hub.Rider(o.CustomerID))
		a.d.hub.JoinRoom(o.ID, hub.Driver(o.DriverID))
		// the registry may have lost the driver across the restart
		if _, err := a.d.presence.Restore(ctx, o.DriverID, o.ID); err != nil {
			a.d.log.Error("restore driver binding", "order_id", o.ID, "driver_id", o.DriverID, "error", err)
		}
	}
}

// advance offers the order to the next candidate, or closes it as
// no_drivers_available once the candidates run out.
func (a *orderActor) advance(ctx context.Context) {
	for {
		st := a.order.Status
		if (st != models.StatusRequested && st != models.StatusOffered) || a.pending() != nil {
			return
		}
		c, ok, err := a.nextCandidate(ctx)
		if err != nil {
			a.d.log.Error("candidate lookup failed", "order_id", a.id, "error", err)
			a.retryLater()
			return
		}
		if !ok {
			a.exhaust(ctx)
			return
		}
		err = a.offer(ctx, c)
		if err == nil {
			return
		}
		if errors.Is(err, lifecycle.ErrStaleTransition) {
			continue
		}
		a.d.log.Error("offer failed", "order_id", a.id, "driver_id", c.DriverID, "error", err)
		a.retryLater()
		return
	}
}

func (a *orderActor) nextCandidate(ctx context.Context) (presence.Candidate, bool, error) {
	if a.seq == nil {
		seq, err := a.d.matcher.Open(ctx, matcher.Query{
			OrderID:   a.id,
			ServiceID: a.order.ServiceID,
			Pickup:    a.order.Pickup.Coord(),
			Exclude:   a.offeredDrivers(),
		})
		if err != nil {
			return presence.Candidate{}, false, err
		}
		a.seq = seq
	}
	return a.seq.Next(ctx)
}

// retryLater re-runs advance after a transient failure.
func (a *orderActor) retryLater() {
	a.stopTimer()
	a.seq = nil
	d, orderID := a.d, a.id
	a.timer = d.clock.AfterFunc(retryDelay, func() {
		d.track(func() {
			_ = d.do(d.ctx, orderID, func(ctx context.Context, a *orderActor) error {
				a.advance(ctx)
				return nil
			})
		})
	})
}

func (a *orderActor) offer(ctx context.Context, c presence.Candidate) error {
	now := a.d.clock.Now()
	off := models.RideOffer{
		ID:        uuid.NewString(),
		OrderID:   a.id,
		DriverID:  c.DriverID,
		OfferedAt: now,
		ExpiresAt: now.Add(a.d.cfg.OfferTimeout),
		State:     models.OfferPending,
	}
	from := a.order.Status
	staged := a.order.Clone()
	staged.UpdatedAt = now
	var entry *models.StatusEntry
	if staged.Status != models.StatusOffered {
		e, err := lifecycle.Apply(staged, models.StatusOffered, models.PartySystem, "", now)
		if err != nil {
			return err
		}
		entry = &e
	}
	if err := a.commit(ctx, staged, entry, off); err != nil {
		return err
	}
	a.armTimer(off)
	if entry != nil {
		a.d.hub.JoinRoom(a.id, hub.Rider(a.order.CustomerID))
		a.publishStatus()
		a.d.audit(a.record(from, models.StatusOffered, models.PartySystem, "", nil))
	}
	o := a.order
	delivered := a.d.hub.Send(hub.Driver(c.DriverID), events.MustNew(events.OrderIncoming, events.OrderIncomingData{
		OrderID:         o.ID,
		Pickup:          o.Pickup,
		Dropoff:         o.Dropoff,
		EstimatedFare:   o.EstimatedFare,
		Currency:        o.Currency,
		DistanceMeters:  o.DistanceMeters,
		DurationSeconds: o.DurationSeconds,
		ExpiresAt:       off.ExpiresAt,
	}))
	a.d.log.Info("offer sent", "order_id", o.ID, "driver_id", c.DriverID, "distance_m", c.Distance,
		"expires_at", off.ExpiresAt, "channels", delivered)
	return nil
}

func (a *orderActor) pendingFor(driverID string) *models.RideOffer {
	if p := a.pending(); p != nil && p.DriverID == driverID {
		return p
	}
	return nil
}

func (a *orderActor) accept(ctx context.Context, driverID string) error {
	if _, err := a.d.presence.Get(ctx, driverID); err != nil {
		return err
	}
	from := a.order.Status
	reject := func(err error) error {
		a.d.audit(a.record(from, models.StatusAccepted, models.PartyDriver, driverID, err))
		return err
	}
	p := a.pendingFor(driverID)
	if p == nil {
		return reject(ErrOfferNoLongerValid)
	}
	off := *p
	now := a.d.clock.Now()
	if !now.Before(off.ExpiresAt) {
		if err := a.resolveOffer(ctx, off, models.OfferExpired, "timeout"); err == nil {
			a.advance(ctx)
		}
		return reject(ErrOfferNoLongerValid)
	}
	if _, err := a.d.presence.Claim(ctx, driverID, a.id); err != nil {
		if rerr := a.resolveOffer(ctx, off, models.OfferDeclined, "driver unavailable"); rerr == nil {
			a.advance(ctx)
		}
		return reject(err)
	}

	staged := a.order.Clone()
	entry, err := lifecycle.Apply(staged, models.StatusAccepted, models.PartyDriver, driverID, now)
	if err != nil {
		a.release(ctx, driverID)
		return reject(err)
	}
	staged.DriverID = driverID
	changes := []models.RideOffer{off}
	changes[0].Resolve(models.OfferAccepted, now)
	for _, other := range a.offers {
		if other.ID != off.ID && other.State == models.OfferPending {
			other.Resolve(models.OfferSuperseded, now)
			changes = append(changes, other)
		}
	}
	if err := a.commit(ctx, staged, &entry, changes...); err != nil {
		a.release(ctx, driverID)
		return reject(err)
	}
	a.stopTimer()
	a.seq = nil
	observability.OffersResolved.WithLabelValues(string(models.OfferAccepted)).Inc()
	observability.MatchLatency.Observe(now.Sub(a.order.CreatedAt).Seconds())

	a.d.hub.JoinRoom(a.id, hub.Driver(driverID))
	a.publishStatus()
	a.d.audit(a.record(from, models.StatusAccepted, models.PartyDriver, driverID, nil))
	a.d.emit(a.intent(payments.IntentHold))
	a.d.log.Info("offer accepted", "order_id", a.id, "driver_id", driverID)
	return nil
}

func (a *orderActor) decline(ctx context.Context, driverID, reason string) error {
	if _, err := a.d.presence.Get(ctx, driverID); err != nil {
		return err
	}
	p := a.pendingFor(driverID)
	if p == nil {
		return ErrOfferNoLongerValid
	}
	off := *p
	if !a.d.clock.Now().Before(off.ExpiresAt) {
		if err := a.resolveOffer(ctx, off, models.OfferExpired, "timeout"); err != nil {
			return err
		}
		a.advance(ctx)
		return ErrOfferNoLongerValid
	}
	if reason == "" {
		reason = "declined"
	}
	if err := a.resolveOffer(ctx, off, models.OfferDeclined, reason); err != nil {
		return err
	}
	a.advance(ctx)
	return nil
}

func (a *orderActor) expireOffer(ctx context.Context, offerID string) error {
	p := a.pending()
	if p == nil || p.ID != offerID {
		return nil
	}
	if a.d.clock.Now().Before(p.ExpiresAt) {
		a.armTimer(*p)
		return nil
	}
	if err := a.resolveOffer(ctx, *p, models.OfferExpired, "timeout"); err != nil {
		return err
	}
	a.advance(ctx)
	return nil
}

// resolveOffer closes a pending offer without assigning the driver.
func (a *orderActor) resolveOffer(ctx context.Context, off models.RideOffer, state models.OfferState, reason string) error {
	now := a.d.clock.Now()
	off.Resolve(state, now)
	staged := a.order.Clone()
	staged.UpdatedAt = now
	if err := a.commit(ctx, staged, nil, off); err != nil {
		return err
	}
	a.stopTimer()
	observability.OffersResolved.WithLabelValues(string(state)).Inc()
	a.d.hub.SendAll(models.PartyDashboard, events.MustNew(events.OrderRejected, events.OrderRejectedData{
		OrderID:  a.id,
		DriverID: off.DriverID,
		Reason:   reason,
	}))
	a.d.log.Info("offer resolved", "order_id", a.id, "driver_id", off.DriverID, "state", state, "reason", reason)
	return nil
}

// exhaust closes the order once no candidate is left.
func (a *orderActor) exhaust(ctx context.Context) {
	from := a.order.Status
	staged := a.order.Clone()
	entry, err := lifecycle.Apply(staged, models.StatusNoDriversAvailable, models.PartySystem, "", a.d.clock.Now())
	if err != nil {
		a.d.log.Error("close order without drivers", "order_id", a.id, "error", err)
		return
	}
	if err := a.commit(ctx, staged, &entry); err != nil {
		a.d.log.Error("close order without drivers", "order_id", a.id, "error", err)
		a.retryLater()
		return
	}
	a.d.log.Info("no drivers available", "order_id", a.id, "offers", len(a.offers))
	a.publishStatus()
	a.d.audit(a.record(from, models.StatusNoDriversAvailable, models.PartySystem, "", nil))
	a.teardown(ctx)
}

func (a *orderActor) release(ctx context.Context, driverID string) {
	if _, err := a.d.presence.Release(ctx, driverID, a.id); err != nil && !errors.Is(err, presence.ErrPresenceNotFound) {
		a.d.log.Warn("release driver", "order_id", a.id, "driver_id", driverID, "error", err)
	}
}
