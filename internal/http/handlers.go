package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
)

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req dispatch.RideRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	req.CustomerID = principalFrom(r.Context()).ID
	o, err := s.dispatcher.RequestRide(r.Context(), req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusCreated, o)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.dispatcher.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	if !canView(principalFrom(r.Context()), o) {
		writeError(w, s.logger, dispatch.ErrNotParticipant)
		return
	}
	writeData(w, http.StatusOK, o)
}

type cancelBody struct {
	ExpectedStatus models.OrderStatus `json:"expectedStatus,omitempty"`
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	p := principalFrom(r.Context())
	o, err := s.dispatcher.Cancel(r.Context(), mux.Vars(r)["id"], p.Type, p.ID, body.ExpectedStatus)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusOK, o)
}

// handleDriverLocation accepts pings over plain HTTP. It only moves drivers
// the registry still has online: once the socket's heartbeat lapses the
// driver is marked offline and pings are ignored until driver:online.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body events.DriverLocationData
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, s.logger, err)
		return
	}
	var at time.Time
	if body.Timestamp != nil {
		at = *body.Timestamp
	}
	applied, err := s.relay.DriverLocation(r.Context(), principalFrom(r.Context()).ID, models.Coord{Lat: body.Lat, Lng: body.Lng}, at)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeData(w, http.StatusAccepted, map[string]bool{"applied": applied})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		s.logger.Warn("not ready", "failed", failed)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func canView(p auth.Principal, o *models.Order) bool {
	switch p.Type {
	case models.PartyDashboard:
		return true
	case models.PartyRider:
		return p.ID == o.CustomerID
	case models.PartyDriver:
		return o.DriverID != "" && p.ID == o.DriverID
	}
	return false
}
