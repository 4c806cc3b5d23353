// Package storage persists orders, their offers and status history, and the
// driver directory used for service eligibility.
package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("order version conflict")
	// ErrCustomerBusy is returned by CreateOrder when the customer already has a non-terminal order.
	ErrCustomerBusy = errors.New("customer has an active order")
)

// Commit is one atomic write: the new order snapshot, the status entry it
// appended (if any) and the offers it created or resolved. The write is
// rejected with ErrVersionConflict unless the stored order is still at
// ExpectedVersion.
type Commit struct {
	Order           *models.Order
	ExpectedVersion int
	Entry           *models.StatusEntry
	Offers          []models.RideOffer
}

// OrderStore defines persistence operations for orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOffers(ctx context.Context, orderID string) ([]models.RideOffer, error)
	Commit(ctx context.Context, c Commit) error
	ListActiveOrders(ctx context.Context) ([]*models.Order, error)
}

// Directory answers which services a driver is allowed to serve.
type Directory interface {
	Eligible(ctx context.Context, driverID, serviceID string) (bool, error)
}

// AllowAll is a Directory that accepts every driver for every service.
type AllowAll struct{}

func (AllowAll) Eligible(context.Context, string, string) (bool, error) { return true, nil }

func terminal(s models.OrderStatus) bool {
	switch s {
	case models.StatusCompleted, models.StatusCancelled, models.StatusNoDriversAvailable:
		return true
	}
	return false
}

// resolvedFirst orders offers so that state changes on existing rows land
// before new pending rows, keeping the one-pending-per-order index satisfied.
func resolvedFirst(offers []models.RideOffer) []models.RideOffer {
	out := make([]models.RideOffer, 0, len(offers))
	for _, o := range offers {
		if o.State.Final() {
			out = append(out, o)
		}
	}
	for _, o := range offers {
		if !o.State.Final() {
			out = append(out, o)
		}
	}
	return out
}
