package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	offers map[string][]models.RideOffer
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*models.Order),
		offers: make(map[string][]models.RideOffer),
	}
}

func (m *MemoryStore) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.orders {
		if existing.CustomerID == o.CustomerID && !terminal(existing.Status) {
			return ErrCustomerBusy
		}
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) ListOffers(_ context.Context, orderID string) ([]models.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.RideOffer(nil), m.offers[orderID]...), nil
}

func (m *MemoryStore) Commit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[c.Order.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.ExpectedVersion {
		return ErrVersionConflict
	}
	list := append([]models.RideOffer(nil), m.offers[c.Order.ID]...)
	for _, off := range resolvedFirst(c.Offers) {
		replaced := false
		for i := range list {
			if list[i].ID == off.ID {
				list[i] = off
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, off)
		}
	}
	if err := checkOffers(list); err != nil {
		return err
	}
	m.offers[c.Order.ID] = list
	m.orders[c.Order.ID] = c.Order.Clone()
	return nil
}

func (m *MemoryStore) ListActiveOrders(_ context.Context) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if !terminal(o.Status) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryDirectory keeps service eligibility in process. A driver with no
// registered services is eligible for none.
type MemoryDirectory struct {
	mu       sync.RWMutex
	services map[string]map[string]struct{}
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{services: make(map[string]map[string]struct{})}
}

func (d *MemoryDirectory) Assign(driverID string, serviceIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.services[driverID]
	if !ok {
		set = make(map[string]struct{})
		d.services[driverID] = set
	}
	for _, s := range serviceIDs {
		set[s] = struct{}{}
	}
}

func (d *MemoryDirectory) Eligible(_ context.Context, driverID, serviceID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.services[driverID][serviceID]
	return ok, nil
}

func checkOffers(list []models.RideOffer) error {
	pending, accepted := 0, 0
	drivers := make(map[string]struct{}, len(list))
	for _, o := range list {
		switch o.State {
		case models.OfferPending:
			pending++
		case models.OfferAccepted:
			accepted++
		}
		if _, dup := drivers[o.DriverID]; dup {
			return fmt.Errorf("driver %s offered twice: %w", o.DriverID, ErrVersionConflict)
		}
		drivers[o.DriverID] = struct{}{}
	}
	if pending > 1 || accepted > 1 {
		return fmt.Errorf("offer states pending=%d accepted=%d: %w", pending, accepted, ErrVersionConflict)
	}
	return nil
}
