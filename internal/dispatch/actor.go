package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type command struct {
	fn    func(ctx context.Context, a *orderActor) error
	reply chan error
}

// orderActor owns one order. Every field below done is only touched by the
// actor goroutine.
type orderActor struct {
	d       *Dispatcher
	id      string
	mailbox chan command
	done    chan struct{}

	order   *models.Order
	offers  []models.RideOffer
	seq     *matcher.Sequence
	timer   clockwork.Timer
	timerID string
}

func newActor(d *Dispatcher, o *models.Order, offers []models.RideOffer) *orderActor {
	return &orderActor{
		d:       d,
		id:      o.ID,
		mailbox: make(chan command),
		done:    make(chan struct{}),
		order:   o,
		offers:  offers,
	}
}

// spawn registers an actor for o unless one is already running.
func (d *Dispatcher) spawn(o *models.Order, offers []models.RideOffer) bool {
	a := newActor(d, o, offers)
	if _, loaded := d.actors.LoadOrStore(o.ID, a); loaded {
		return false
	}
	if !d.track(a.run) {
		a.retire()
		return false
	}
	return true
}

// actor returns the running actor for orderID, loading the order from the
// store when none is running. Terminal orders never change again, so they
// get a detached actor that runs commands inline (live=false).
func (d *Dispatcher) actor(ctx context.Context, orderID string) (a *orderActor, live bool, err error) {
	if v, ok := d.actors.Load(orderID); ok {
		return v.(*orderActor), true, nil
	}
	o, err := d.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	offers, err := d.store.ListOffers(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	a = newActor(d, o, offers)
	if lifecycle.IsTerminal(o.Status) {
		return a, false, nil
	}
	if v, loaded := d.actors.LoadOrStore(orderID, a); loaded {
		return v.(*orderActor), true, nil
	}
	if !d.track(a.run) {
		a.retire()
		return nil, false, ErrClosed
	}
	return a, true, nil
}

// do runs fn on the order's actor and waits for its result. An actor that
// retires while the command is queued is replaced and the command retried.
func (d *Dispatcher) do(ctx context.Context, orderID string, fn func(ctx context.Context, a *orderActor) error) error {
	for {
		if d.ctx.Err() != nil {
			return ErrClosed
		}
		a, live, err := d.actor(ctx, orderID)
		if err != nil {
			return err
		}
		if !live {
			return a.safeCall(ctx, fn)
		}
		cmd := command{fn: fn, reply: make(chan error, 1)}
		select {
		case a.mailbox <- cmd:
		case <-a.done:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-cmd.reply:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *orderActor) run() {
	ctx := a.d.ctx
	a.resume(ctx)
	for !a.finished() {
		select {
		case cmd := <-a.mailbox:
			cmd.reply <- a.safeCall(ctx, cmd.fn)
		case <-ctx.Done():
			a.stopTimer()
			a.retire()
			return
		}
	}
	a.stopTimer()
	a.retire()
}

func (a *orderActor) safeCall(ctx context.Context, fn func(context.Context, *orderActor) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.d.log.Error("order actor panic", "order_id", a.id, "panic", r)
			err = fmt.Errorf("order %s: internal error", a.id)
		}
	}()
	return fn(ctx, a)
}

func (a *orderActor) finished() bool {
	return lifecycle.IsTerminal(a.order.Status)
}

func (a *orderActor) retire() {
	a.d.actors.CompareAndDelete(a.id, a)
	close(a.done)
}

// commit persists staged together with the offer changes and adopts it as
// the actor's state. A version conflict reloads the order and surfaces as a
// stale transition.
func (a *orderActor) commit(ctx context.Context, staged *models.Order, entry *models.StatusEntry, offers ...models.RideOffer) error {
	staged.Version = a.order.Version + 1
	err := a.d.store.Commit(ctx, storage.Commit{
		Order:           staged,
		ExpectedVersion: a.order.Version,
		Entry:           entry,
		Offers:          offers,
	})
	if errors.Is(err, storage.ErrVersionConflict) {
		a.d.log.Warn("order changed underneath actor, reloading", "order_id", a.id, "version", a.order.Version)
		if rerr := a.reload(ctx); rerr != nil {
			a.d.log.Error("order reload failed", "order_id", a.id, "error", rerr)
		}
		return fmt.Errorf("%w: %v", lifecycle.ErrStaleTransition, err)
	}
	if err != nil {
		return fmt.Errorf("commit order %s: %w", a.id, err)
	}
	a.order = staged
	for _, off := range offers {
		a.putOffer(off)
	}
	return nil
}

func (a *orderActor) reload(ctx context.Context) error {
	o, err := a.d.store.GetOrder(ctx, a.id)
	if err != nil {
		return err
	}
	offers, err := a.d.store.ListOffers(ctx, a.id)
	if err != nil {
		return err
	}
	a.order, a.offers = o, offers
	a.syncTimer()
	return nil
}

func (a *orderActor) putOffer(off models.RideOffer) {
	for i := range a.offers {
		if a.offers[i].ID == off.ID {
			a.offers[i] = off
			return
		}
	}
	a.offers = append(a.offers, off)
}

func (a *orderActor) pending() *models.RideOffer {
	for i := range a.offers {
		if a.offers[i].State == models.OfferPending {
			return &a.offers[i]
		}
	}
	return nil
}

func (a *orderActor) offeredDrivers() []string {
	out := make([]string, 0, len(a.offers))
	for _, off := range a.offers {
		out = append(out, off.DriverID)
	}
	return out
}

// armTimer schedules the expiry of off. The callback only enqueues a command;
// the actor decides whether the offer is still the one pending.
func (a *orderActor) armTimer(off models.RideOffer) {
	a.stopTimer()
	wait := off.ExpiresAt.Sub(a.d.clock.Now())
	if wait < 0 {
		wait = 0
	}
	d, orderID, offerID := a.d, a.id, off.ID
	a.timerID = offerID
	a.timer = d.clock.AfterFunc(wait, func() {
		d.track(func() { d.expire(orderID, offerID) })
	})
}

func (a *orderActor) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
		a.timerID = ""
	}
}

// syncTimer makes the armed timer match the pending offer.
func (a *orderActor) syncTimer() {
	p := a.pending()
	switch {
	case p == nil:
		a.stopTimer()
	case p.ID != a.timerID:
		a.armTimer(*p)
	}
}

func (d *Dispatcher) expire(orderID, offerID string) {
	err := d.do(d.ctx, orderID, func(ctx context.Context, a *orderActor) error {
		return a.expireOffer(ctx, offerID)
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		d.log.Warn("offer expiry failed", "order_id", orderID, "offer_id", offerID, "error", err)
	}
}
