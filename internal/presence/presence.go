// Package presence tracks which drivers are reachable and where they are.
//
// Updates for one driver are serialized; updates for different drivers never
// contend. Two implementations are provided: Memory for a single process and
// Redis for a registry shared by every API process.
package presence

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrPresenceNotFound  = errors.New("driver presence not found")
	ErrDriverUnavailable = errors.New("driver unavailable")
)

// Registry is the contract shared by the in-process and Redis registries.
type Registry interface {
	// SetOnline tolerates repeated signals and overwrites the location.
	SetOnline(ctx context.Context, driverID string, loc models.Coord) (models.DriverPresence, error)
	// SetOffline keeps any active order; the driver only stops receiving offers.
	SetOffline(ctx context.Context, driverID string) (models.DriverPresence, error)
	// UpdateLocation is a no-op (applied=false) for unknown or offline drivers and for
	// pings whose device time is not newer than the last applied ping.
	UpdateLocation(ctx context.Context, driverID string, loc models.Coord, at time.Time) (models.DriverPresence, bool, error)
	Get(ctx context.Context, driverID string) (models.DriverPresence, error)
	FindNearestOnline(ctx context.Context, spec CandidateSpec) (*Candidates, error)
	// Claim binds an available driver to orderID; repeating it for the same order is a no-op.
	Claim(ctx context.Context, driverID, orderID string) (models.DriverPresence, error)
	// Restore rebinds a driver to an order durable state says they hold, creating an
	// offline entry for a driver the registry does not know. ErrDriverUnavailable when
	// the driver holds a different order.
	Restore(ctx context.Context, driverID, orderID string) (models.DriverPresence, error)
	// Release drops the binding to orderID if the driver still holds it.
	Release(ctx context.Context, driverID, orderID string) (models.DriverPresence, error)
	CountOnline(ctx context.Context) (int, error)
}

type CandidateSpec struct {
	Origin models.Coord
	// RadiusMeters bounds the search; zero means unbounded for Memory and is rejected by Redis.
	RadiusMeters float64
	// Distance orders candidates; geo.Distance when nil.
	Distance geo.DistanceFunc
	// Eligible filters drivers cheaply at snapshot time; nil admits everyone.
	Eligible func(driverID string) bool
}

func (s CandidateSpec) distance() geo.DistanceFunc {
	if s.Distance != nil {
		return s.Distance
	}
	return geo.Distance
}

type Candidate struct {
	DriverID  string
	Location  models.Coord
	Distance  float64
	UpdatedAt time.Time
}

// Candidates is a one-shot cursor over a presence snapshot, nearest first.
// Ordering work is done lazily as the cursor advances.
type Candidates struct {
	h candidateHeap
}

func newCandidates(spec CandidateSpec, snapshot []models.DriverPresence) *Candidates {
	dist := spec.distance()
	h := make(candidateHeap, 0, len(snapshot))
	for _, p := range snapshot {
		if !p.Available() {
			continue
		}
		if spec.Eligible != nil && !spec.Eligible(p.DriverID) {
			continue
		}
		d := dist(spec.Origin, p.Location)
		if spec.RadiusMeters > 0 && d > spec.RadiusMeters {
			continue
		}
		h = append(h, Candidate{DriverID: p.DriverID, Location: p.Location, Distance: d, UpdatedAt: p.UpdatedAt})
	}
	heap.Init(&h)
	return &Candidates{h: h}
}

// Next pops the next nearest candidate.
func (c *Candidates) Next() (Candidate, bool) {
	if c == nil || len(c.h) == 0 {
		return Candidate{}, false
	}
	return heap.Pop(&c.h).(Candidate), true
}

// Remaining is the number of candidates not yet returned.
func (c *Candidates) Remaining() int {
	if c == nil {
		return 0
	}
	return len(c.h)
}

type candidateHeap []Candidate

func (h candidateHeap) Len() int { return len(h) }
func (h candidateHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance < h[j].Distance
	}
	if !h[i].UpdatedAt.Equal(h[j].UpdatedAt) {
		return h[i].UpdatedAt.After(h[j].UpdatedAt)
	}
	return h[i].DriverID < h[j].DriverID
}
func (h candidateHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)   { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
