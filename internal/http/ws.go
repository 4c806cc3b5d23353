package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

const maxFrameBytes = 64 << 10

type eventHandler func(ctx context.Context, s *session, env events.Envelope) (any, error)

// handlers is the closed set of inbound events each party may send.
var handlers = map[models.PartyType]map[events.Name]eventHandler{
	models.PartyDriver: {
		events.DriverOnline:   driverOnline,
		events.DriverOffline:  driverOffline,
		events.DriverLocation: driverLocation,
		events.DriverAccept:   driverAccept,
		events.DriverReject:   driverReject,
		events.DriverArrived:  driverTransition(models.StatusArrived),
		events.DriverStart:    driverTransition(models.StatusStarted),
		events.DriverComplete: driverTransition(models.StatusCompleted),
		events.ChatSend:       chatSend,
		events.JoinOrder:      joinOrder,
		events.LeaveOrder:     leaveOrder,
		events.Ping:           ping,
	},
	models.PartyRider: {
		events.ChatSend:   chatSend,
		events.JoinOrder:  joinOrder,
		events.LeaveOrder: leaveOrder,
		events.Ping:       ping,
	},
	models.PartyDashboard: {
		events.JoinOrder:          joinOrder,
		events.LeaveOrder:         leaveOrder,
		events.DriversSubscribe:   driversSubscribe,
		events.DriversUnsubscribe: driversUnsubscribe,
		events.Ping:               ping,
	},
}

type session struct {
	srv   *Server
	party hub.Party
	ch    *hub.WSChannel
	conn  *websocket.Conn
}

type ackData struct {
	Event  events.Name `json:"event"`
	Result any         `json:"result,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	ch := hub.NewWSChannel(conn)
	party := hub.Party{Type: p.Type, ID: p.ID}
	if _, err := s.hub.Bind(party, ch); err != nil {
		_, body := describe(err)
		_ = ch.Send(events.MustNew(events.Error, events.ErrorData{Code: body.Code, Message: body.Message}))
		_ = ch.Close()
		return
	}
	sess := &session{srv: s, party: party, ch: ch, conn: conn}
	done := make(chan struct{})
	defer func() {
		close(done)
		s.hub.Unbind(ch.ID())
		_ = ch.Close()
	}()
	if s.heartbeat > 0 {
		go sess.pingLoop(done)
	}
	sess.readLoop(context.WithoutCancel(r.Context()))
}

func (s *session) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameBytes)
	s.conn.SetPongHandler(func(string) error {
		s.srv.hub.Touch(s.ch.ID())
		return nil
	})
	for {
		var env events.Envelope
		if err := s.conn.ReadJSON(&env); err != nil {
			var (
				syntax    *json.SyntaxError
				fieldType *json.UnmarshalTypeError
			)
			if errors.As(err, &syntax) || errors.As(err, &fieldType) {
				s.replyError(env, newError(codeValidation, "malformed frame"))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.srv.logger.Debug("websocket closed", "party_type", s.party.Type, "party_id", s.party.ID, "error", err)
			}
			return
		}
		s.srv.hub.Touch(s.ch.ID())
		s.handle(ctx, env)
	}
}

func (s *session) pingLoop(done <-chan struct{}) {
	t := s.srv.clock.NewTicker(s.srv.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-t.Chan():
			if err := s.ch.Ping(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *session) handle(ctx context.Context, env events.Envelope) {
	h, ok := handlers[s.party.Type][env.Event]
	if !ok {
		s.replyError(env, newError(codeValidation, "unsupported event for "+string(s.party.Type)))
		return
	}
	result, err := h(ctx, s, env)
	if err != nil {
		s.replyError(env, err)
		return
	}
	s.send(events.MustNew(events.Ack, ackData{Event: env.Event, Result: result}), env.ID)
}

func (s *session) replyError(env events.Envelope, err error) {
	c, body := describe(err)
	if c == codeInternal {
		s.srv.logger.Error("websocket event failed", "event", env.Event.String(), "party_id", s.party.ID, "error", err)
	}
	s.send(events.MustNew(events.Error, events.ErrorData{Code: body.Code, Message: body.Message}), env.ID)
}

func (s *session) send(out events.Envelope, id string) {
	out.ID = id
	if err := s.ch.Send(out); err != nil {
		s.srv.logger.Debug("websocket reply failed", "party_id", s.party.ID, "error", err)
	}
}

// decode reads and validates an inbound payload.
func decode[T any](env events.Envelope) (T, error) {
	var v T
	if err := env.Decode(&v); err != nil {
		return v, &apiError{code: codeValidation, message: err.Error()}
	}
	return v, validateStruct(&v)
}

func driverOnline(ctx context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.DriverOnlineData](env)
	if err != nil {
		return nil, err
	}
	return s.srv.relay.DriverOnline(ctx, s.party.ID, in.Location)
}

func driverOffline(ctx context.Context, s *session, _ events.Envelope) (any, error) {
	return s.srv.relay.DriverOffline(ctx, s.party.ID)
}

func driverLocation(ctx context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.DriverLocationData](env)
	if err != nil {
		return nil, err
	}
	var at time.Time
	if in.Timestamp != nil {
		at = *in.Timestamp
	}
	applied, err := s.srv.relay.DriverLocation(ctx, s.party.ID, models.Coord{Lat: in.Lat, Lng: in.Lng}, at)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"applied": applied}, nil
}

func driverAccept(ctx context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.OrderRef](env)
	if err != nil {
		return nil, err
	}
	if err := s.srv.dispatcher.Accept(ctx, in.OrderID, s.party.ID); err != nil {
		return nil, err
	}
	return events.OrderStatusData{OrderID: in.OrderID, Status: models.StatusAccepted, DriverID: s.party.ID}, nil
}

func driverReject(ctx context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.RejectData](env)
	if err != nil {
		return nil, err
	}
	return nil, s.srv.dispatcher.Decline(ctx, in.OrderID, s.party.ID, in.Reason)
}

func driverTransition(to models.OrderStatus) eventHandler {
	return func(ctx context.Context, s *session, env events.Envelope) (any, error) {
		in, err := decode[events.OrderRef](env)
		if err != nil {
			return nil, err
		}
		o, err := s.srv.dispatcher.Transition(ctx, dispatch.Transition{
			OrderID:   in.OrderID,
			To:        to,
			ActorType: models.PartyDriver,
			ActorID:   s.party.ID,
			Assumed:   in.ExpectedStatus,
		})
		if err != nil {
			return nil, err
		}
		return events.OrderStatusData{OrderID: o.ID, Status: o.Status, DriverID: o.DriverID}, nil
	}
}

func chatSend(ctx context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.ChatSendData](env)
	if err != nil {
		return nil, err
	}
	return nil, s.srv.relay.Chat(ctx, in.OrderID, s.party, in.Content)
}

// joinOrder adds the party to a live order's room and returns the current
// status so a reconnecting client can resync. Rooms belong to the order's
// actor: before the first offer there is none to join, and the actor adds
// the rider itself once it opens one.
func joinOrder(ctx context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.OrderRef](env)
	if err != nil {
		return nil, err
	}
	o, err := s.srv.dispatcher.Get(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if !canView(principal(s.party), o) {
		return nil, dispatch.ErrNotParticipant
	}
	status := events.OrderStatusData{OrderID: o.ID, Status: o.Status, DriverID: o.DriverID}
	if lifecycle.IsTerminal(o.Status) {
		return status, nil
	}
	if !s.srv.hub.JoinExistingRoom(o.ID, s.party) {
		s.srv.logger.Debug("order room not open", "order_id", o.ID, "party_id", s.party.ID)
	}
	return status, nil
}

func principal(p hub.Party) auth.Principal { return auth.Principal{Type: p.Type, ID: p.ID} }

func leaveOrder(_ context.Context, s *session, env events.Envelope) (any, error) {
	in, err := decode[events.OrderRef](env)
	if err != nil {
		return nil, err
	}
	s.srv.hub.LeaveRoom(in.OrderID, s.party)
	return nil, nil
}

func driversSubscribe(_ context.Context, s *session, _ events.Envelope) (any, error) {
	s.srv.hub.SubscribeFeed(s.party.ID)
	return nil, nil
}

func driversUnsubscribe(_ context.Context, s *session, _ events.Envelope) (any, error) {
	s.srv.hub.UnsubscribeFeed(s.party.ID)
	return nil, nil
}

func ping(context.Context, *session, events.Envelope) (any, error) { return nil, nil }
