package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newOrder(id, customer string) *models.Order {
	return &models.Order{
		ID:         id,
		CustomerID: customer,
		ServiceID:  "economy",
		Status:     models.StatusRequested,
		CreatedAt:  epoch,
		UpdatedAt:  epoch,
		StatusHistory: []models.StatusEntry{
			{Status: models.StatusRequested, ActorType: models.PartyRider, ActorID: customer, At: epoch},
		},
	}
}

func offer(id, driver string, state models.OfferState) models.RideOffer {
	return models.RideOffer{ID: id, OrderID: "o1", DriverID: driver, OfferedAt: epoch, ExpiresAt: epoch.Add(15 * time.Second), State: state}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := newOrder("o1", "r1")
	require.NoError(t, s.CreateOrder(ctx, o))

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, o, got)

	got.Status = models.StatusCancelled
	again, _ := s.GetOrder(ctx, "o1")
	require.Equal(t, models.StatusRequested, again.Status)

	_, err = s.GetOrder(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryOneActiveOrderPerCustomer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o1", "r1")))
	require.ErrorIs(t, s.CreateOrder(ctx, newOrder("o2", "r1")), ErrCustomerBusy)
	require.NoError(t, s.CreateOrder(ctx, newOrder("o3", "r2")))

	done := newOrder("o1", "r1")
	done.Status = models.StatusCancelled
	done.Version = 1
	require.NoError(t, s.Commit(ctx, Commit{Order: done, ExpectedVersion: 0}))
	require.NoError(t, s.CreateOrder(ctx, newOrder("o2", "r1")))
}

func TestMemoryCommitVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o1", "r1")))

	next := newOrder("o1", "r1")
	next.Status = models.StatusOffered
	next.Version = 1
	require.NoError(t, s.Commit(ctx, Commit{Order: next, ExpectedVersion: 0, Offers: []models.RideOffer{offer("f1", "d1", models.OfferPending)}}))

	stale := newOrder("o1", "r1")
	stale.Status = models.StatusCancelled
	stale.Version = 1
	require.ErrorIs(t, s.Commit(ctx, Commit{Order: stale, ExpectedVersion: 0}), ErrVersionConflict)

	got, _ := s.GetOrder(ctx, "o1")
	require.Equal(t, models.StatusOffered, got.Status)
	offers, _ := s.ListOffers(ctx, "o1")
	require.Len(t, offers, 1)
}

func TestMemoryCommitRejectsSecondPendingOffer(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateOrder(ctx, newOrder("o1", "r1")))

	o := newOrder("o1", "r1")
	o.Version = 1
	require.NoError(t, s.Commit(ctx, Commit{Order: o, ExpectedVersion: 0, Offers: []models.RideOffer{offer("f1", "d1", models.OfferPending)}}))

	o2 := o.Clone()
	o2.Version = 2
	err := s.Commit(ctx, Commit{Order: o2, ExpectedVersion: 1, Offers: []models.RideOffer{offer("f2", "d2", models.OfferPending)}})
	require.ErrorIs(t, err, ErrVersionConflict)

	// resolving the first offer in the same commit makes room for the next one
	declined := offer("f1", "d1", models.OfferDeclined)
	err = s.Commit(ctx, Commit{Order: o2, ExpectedVersion: 1, Offers: []models.RideOffer{offer("f2", "d2", models.OfferPending), declined}})
	require.NoError(t, err)

	// never the same driver twice
	o3 := o2.Clone()
	o3.Version = 3
	err = s.Commit(ctx, Commit{Order: o3, ExpectedVersion: 2, Offers: []models.RideOffer{offer("f2", "d2", models.OfferExpired), offer("f3", "d1", models.OfferPending)}})
	require.ErrorIs(t, err, ErrVersionConflict)

	offers, _ := s.ListOffers(ctx, "o1")
	require.Len(t, offers, 2)
}

func TestMemoryListActiveOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := newOrder("a", "r1")
	b := newOrder("b", "r2")
	b.CreatedAt = epoch.Add(-time.Minute)
	c := newOrder("c", "r3")
	c.Status = models.StatusCompleted
	for _, o := range []*models.Order{a, b, c} {
		require.NoError(t, s.CreateOrder(ctx, o))
	}
	active, err := s.ListActiveOrders(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "b", active[0].ID)
	require.Equal(t, "a", active[1].ID)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory()
	d.Assign("d1", "economy", "comfort")
	ok, _ := d.Eligible(ctx, "d1", "comfort")
	require.True(t, ok)
	ok, _ = d.Eligible(ctx, "d1", "xl")
	require.False(t, ok)
	ok, _ = d.Eligible(ctx, "d2", "economy")
	require.False(t, ok)
	ok, _ = AllowAll{}.Eligible(ctx, "anyone", "xl")
	require.True(t, ok)
}
