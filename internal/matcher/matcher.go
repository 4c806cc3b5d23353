// Package matcher yields the drivers an order should be offered to.
package matcher

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type Service struct {
	Presence     presence.Registry
	Directory    storage.Directory // nil admits every driver
	RadiusMeters float64
	Distance     geo.DistanceFunc // nil means great-circle distance
	// Reachable reports whether an offer can be delivered to the driver right now.
	Reachable func(driverID string) bool
	Logger    *slog.Logger
}

type Query struct {
	OrderID   string
	ServiceID string
	Pickup    models.Coord
	// Exclude lists drivers that already had an offer for this order.
	Exclude []string
}

// Sequence walks one candidate snapshot nearest first. It is not restartable.
type Sequence struct {
	svc      *Service
	q        Query
	cands    *presence.Candidates
	excluded map[string]struct{}
}

func (s *Service) Open(ctx context.Context, q Query) (*Sequence, error) {
	excluded := make(map[string]struct{}, len(q.Exclude))
	for _, id := range q.Exclude {
		excluded[id] = struct{}{}
	}
	cands, err := s.Presence.FindNearestOnline(ctx, presence.CandidateSpec{
		Origin:       q.Pickup,
		RadiusMeters: s.RadiusMeters,
		Distance:     s.Distance,
		Eligible: func(driverID string) bool {
			_, skip := excluded[driverID]
			return !skip
		},
	})
	if err != nil {
		return nil, err
	}
	return &Sequence{svc: s, q: q, cands: cands, excluded: excluded}, nil
}

// Next returns the nearest remaining driver that can serve the order now.
// Drivers that went busy, offline or unreachable since the snapshot are skipped.
func (seq *Sequence) Next(ctx context.Context) (presence.Candidate, bool, error) {
	for {
		c, ok := seq.cands.Next()
		if !ok {
			return presence.Candidate{}, false, nil
		}
		if _, skip := seq.excluded[c.DriverID]; skip {
			continue
		}
		seq.excluded[c.DriverID] = struct{}{}
		if ok, err := seq.usable(ctx, c.DriverID); err != nil {
			return presence.Candidate{}, false, err
		} else if !ok {
			continue
		}
		return c, true, nil
	}
}

func (seq *Sequence) usable(ctx context.Context, driverID string) (bool, error) {
	svc := seq.svc
	if svc.Reachable != nil && !svc.Reachable(driverID) {
		svc.debug("candidate unreachable", seq.q.OrderID, driverID)
		return false, nil
	}
	if svc.Directory != nil {
		ok, err := svc.Directory.Eligible(ctx, driverID, seq.q.ServiceID)
		if err != nil {
			return false, err
		}
		if !ok {
			svc.debug("candidate not eligible for service", seq.q.OrderID, driverID)
			return false, nil
		}
	}
	p, err := svc.Presence.Get(ctx, driverID)
	if err != nil {
		return false, nil
	}
	if !p.Available() {
		svc.debug("candidate no longer available", seq.q.OrderID, driverID)
		return false, nil
	}
	return true, nil
}

func (s *Service) debug(msg, orderID, driverID string) {
	if s.Logger != nil {
		s.Logger.Debug(msg, "order_id", orderID, "driver_id", driverID)
	}
}
