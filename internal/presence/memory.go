package presence

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-dispatch/internal/models"
)

// Memory is an in-process Registry. Each driver owns an entry with its own
// mutex; the arena itself is a sync.Map so distinct drivers never contend.
type Memory struct {
	clock   clockwork.Clock
	drivers sync.Map // driverID -> *entry
}

type entry struct {
	mu sync.Mutex
	p  models.DriverPresence
}

func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock}
}

func (m *Memory) load(driverID string) (*entry, bool) {
	v, ok := m.drivers.Load(driverID)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

func (m *Memory) SetOnline(_ context.Context, driverID string, loc models.Coord) (models.DriverPresence, error) {
	v, _ := m.drivers.LoadOrStore(driverID, &entry{p: models.DriverPresence{DriverID: driverID}})
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.Location = loc
	e.p.UpdatedAt = m.clock.Now()
	if e.p.ActiveOrderID != "" {
		e.p.Status = models.DriverInRide
	} else {
		e.p.Status = models.DriverOnline
	}
	return e.p, nil
}

func (m *Memory) SetOffline(_ context.Context, driverID string) (models.DriverPresence, error) {
	e, ok := m.load(driverID)
	if !ok {
		return models.DriverPresence{}, ErrPresenceNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.p.Status = models.DriverOffline
	return e.p, nil
}

func (m *Memory) UpdateLocation(_ context.Context, driverID string, loc models.Coord, at time.Time) (models.DriverPresence, bool, error) {
	e, ok := m.load(driverID)
	if !ok {
		return models.DriverPresence{}, false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.Status == models.DriverOffline || !at.After(e.p.LastPingAt) {
		return e.p, false, nil
	}
	e.p.Location = loc
	e.p.LastPingAt = at
	e.p.UpdatedAt = m.clock.Now()
	return e.p, true, nil
}

func (m *Memory) Get(_ context.Context, driverID string) (models.DriverPresence, error) {
	e, ok := m.load(driverID)
	if !ok {
		return models.DriverPresence{}, ErrPresenceNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.p, nil
}

func (m *Memory) FindNearestOnline(_ context.Context, spec CandidateSpec) (*Candidates, error) {
	var snapshot []models.DriverPresence
	m.drivers.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		p := e.p
		e.mu.Unlock()
		if p.Available() {
			snapshot = append(snapshot, p)
		}
		return true
	})
	return newCandidates(spec, snapshot), nil
}

func (m *Memory) Claim(_ context.Context, driverID, orderID string) (models.DriverPresence, error) {
	e, ok := m.load(driverID)
	if !ok {
		return models.DriverPresence{}, ErrPresenceNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.ActiveOrderID == orderID {
		return e.p, nil
	}
	if !e.p.Available() {
		return e.p, ErrDriverUnavailable
	}
	e.p.Status = models.DriverInRide
	e.p.ActiveOrderID = orderID
	return e.p, nil
}

// Restore binds driverID to orderID after a restart. A driver this registry
// has never seen gets an offline entry that already holds the order, so a
// later SetOnline brings them back in_ride.
func (m *Memory) Restore(_ context.Context, driverID, orderID string) (models.DriverPresence, error) {
	v, _ := m.drivers.LoadOrStore(driverID, &entry{p: models.DriverPresence{
		DriverID:  driverID,
		Status:    models.DriverOffline,
		UpdatedAt: m.clock.Now(),
	}})
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.p.ActiveOrderID {
	case orderID:
		return e.p, nil
	case "":
	default:
		return e.p, ErrDriverUnavailable
	}
	e.p.ActiveOrderID = orderID
	if e.p.Status == models.DriverOnline {
		e.p.Status = models.DriverInRide
	}
	return e.p, nil
}

func (m *Memory) Release(_ context.Context, driverID, orderID string) (models.DriverPresence, error) {
	e, ok := m.load(driverID)
	if !ok {
		return models.DriverPresence{}, ErrPresenceNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.p.ActiveOrderID != orderID {
		return e.p, nil
	}
	e.p.ActiveOrderID = ""
	if e.p.Status == models.DriverInRide {
		e.p.Status = models.DriverOnline
	}
	return e.p, nil
}

func (m *Memory) CountOnline(_ context.Context) (int, error) {
	n := 0
	m.drivers.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.p.Status != models.DriverOffline {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n, nil
}
