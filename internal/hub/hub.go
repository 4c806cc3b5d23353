// Package hub routes events to live channels. It owns the mapping from
// logical parties (a driver, a rider, a dashboard operator) to their
// connected channels, the per-order rooms and the dashboards' aggregate
// driver feed. Delivery is best effort: events for parties with no live
// channel are dropped.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated party")
	ErrDuplicateChannel = errors.New("channel already bound")
)

type Party struct {
	Type models.PartyType
	ID   string
}

func Driver(id string) Party    { return Party{Type: models.PartyDriver, ID: id} }
func Rider(id string) Party     { return Party{Type: models.PartyRider, ID: id} }
func Dashboard(id string) Party { return Party{Type: models.PartyDashboard, ID: id} }

// Channel is one live connection. Send must be safe for concurrent use.
type Channel interface {
	ID() string
	Send(env events.Envelope) error
	Close() error
}

type Options struct {
	Clock  clockwork.Clock
	Logger *slog.Logger
	// HeartbeatInterval is the expected client heartbeat period. A channel
	// silent for two intervals is unbound. Zero disables liveness tracking.
	HeartbeatInterval time.Duration
}

type Hub struct {
	clock     clockwork.Clock
	log       *slog.Logger
	heartbeat time.Duration

	parties  sync.Map // Party -> *party
	channels sync.Map // channel ID -> *binding
	rooms    sync.Map // order ID -> *room
	feed     sync.Map // dashboard ID -> struct{}

	goneMu sync.RWMutex
	onGone func(Party)
}

type party struct {
	mu       sync.Mutex
	dead     bool
	channels map[string]Channel
}

type binding struct {
	models.ChannelBinding
	ch    Channel
	timer clockwork.Timer
}

type room struct {
	mu      sync.Mutex
	members map[Party]struct{}
	closed  bool
}

func New(opts Options) *Hub {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{clock: opts.Clock, log: opts.Logger, heartbeat: opts.HeartbeatInterval}
}

// OnPartyGone registers the hook called after a party loses its last channel.
func (h *Hub) OnPartyGone(fn func(Party)) {
	h.goneMu.Lock()
	h.onGone = fn
	h.goneMu.Unlock()
}

// Bind attaches ch to p. Parties must come from an authenticated principal.
func (h *Hub) Bind(p Party, ch Channel) (models.ChannelBinding, error) {
	if p.ID == "" || !p.Type.Connectable() {
		return models.ChannelBinding{}, ErrUnauthenticated
	}
	b := &binding{
		ChannelBinding: models.ChannelBinding{
			PartyType:   p.Type,
			PartyID:     p.ID,
			ChannelID:   ch.ID(),
			ConnectedAt: h.clock.Now(),
		},
		ch: ch,
	}
	if _, loaded := h.channels.LoadOrStore(ch.ID(), b); loaded {
		return models.ChannelBinding{}, ErrDuplicateChannel
	}
	for {
		v, _ := h.parties.LoadOrStore(p, &party{channels: make(map[string]Channel)})
		pt := v.(*party)
		pt.mu.Lock()
		if pt.dead {
			pt.mu.Unlock()
			continue
		}
		pt.channels[ch.ID()] = ch
		pt.mu.Unlock()
		break
	}
	if h.heartbeat > 0 {
		id := ch.ID()
		b.timer = h.clock.AfterFunc(2*h.heartbeat, func() { go h.expire(id) })
	}
	observability.ChannelsActive.WithLabelValues(string(p.Type)).Inc()
	h.log.Debug("channel bound", "party_type", p.Type, "party_id", p.ID, "channel_id", ch.ID())
	return b.ChannelBinding, nil
}

// Touch records liveness for a channel.
func (h *Hub) Touch(channelID string) {
	v, ok := h.channels.Load(channelID)
	if !ok {
		return
	}
	if b := v.(*binding); b.timer != nil {
		b.timer.Reset(2 * h.heartbeat)
	}
}

func (h *Hub) expire(channelID string) {
	h.log.Info("channel heartbeat timeout", "channel_id", channelID)
	observability.HeartbeatTimeouts.Inc()
	if b, ok := h.unbind(channelID); ok {
		_ = b.ch.Close()
	}
}

// Unbind removes a channel. It is safe to call more than once.
func (h *Hub) Unbind(channelID string) {
	h.unbind(channelID)
}

func (h *Hub) unbind(channelID string) (*binding, bool) {
	v, ok := h.channels.LoadAndDelete(channelID)
	if !ok {
		return nil, false
	}
	b := v.(*binding)
	if b.timer != nil {
		b.timer.Stop()
	}
	p := Party{Type: b.PartyType, ID: b.PartyID}
	gone := false
	if pv, ok := h.parties.Load(p); ok {
		pt := pv.(*party)
		pt.mu.Lock()
		delete(pt.channels, channelID)
		if len(pt.channels) == 0 {
			pt.dead = true
			h.parties.CompareAndDelete(p, pt)
			gone = true
		}
		pt.mu.Unlock()
	}
	observability.ChannelsActive.WithLabelValues(string(p.Type)).Dec()
	h.log.Debug("channel unbound", "party_type", p.Type, "party_id", p.ID, "channel_id", channelID)
	if gone {
		if p.Type == models.PartyDashboard {
			h.feed.Delete(p.ID)
		}
		h.goneMu.RLock()
		fn := h.onGone
		h.goneMu.RUnlock()
		if fn != nil {
			fn(p)
		}
	}
	return b, true
}

func (h *Hub) channelsOf(p Party) []Channel {
	v, ok := h.parties.Load(p)
	if !ok {
		return nil
	}
	pt := v.(*party)
	pt.mu.Lock()
	defer pt.mu.Unlock()
	out := make([]Channel, 0, len(pt.channels))
	for _, ch := range pt.channels {
		out = append(out, ch)
	}
	return out
}

// Send delivers env to every live channel of p and returns how many accepted it.
func (h *Hub) Send(p Party, env events.Envelope) int {
	chs := h.channelsOf(p)
	if len(chs) == 0 {
		observability.EventsDropped.WithLabelValues(env.Event.String()).Inc()
		return 0
	}
	n := 0
	for _, ch := range chs {
		if err := ch.Send(env); err != nil {
			h.log.Warn("channel send failed", "channel_id", ch.ID(), "event", env.Event.String(), "error", err)
			continue
		}
		n++
	}
	return n
}

// SendAll delivers env to every connected party of the given type.
func (h *Hub) SendAll(t models.PartyType, env events.Envelope) int {
	var targets []Party
	h.parties.Range(func(k, _ any) bool {
		if p := k.(Party); p.Type == t {
			targets = append(targets, p)
		}
		return true
	})
	n := 0
	for _, p := range targets {
		n += h.Send(p, env)
	}
	return n
}

func (h *Hub) Connected(p Party) bool {
	return len(h.channelsOf(p)) > 0
}

// Count returns the number of connected parties of type t.
func (h *Hub) Count(t models.PartyType) int {
	n := 0
	h.parties.Range(func(k, _ any) bool {
		if k.(Party).Type == t {
			n++
		}
		return true
	})
	return n
}

func (h *Hub) JoinRoom(orderID string, p Party) {
	v, _ := h.rooms.LoadOrStore(orderID, &room{members: make(map[Party]struct{})})
	r := v.(*room)
	r.mu.Lock()
	r.members[p] = struct{}{}
	r.mu.Unlock()
}

// JoinExistingRoom adds p to the order's room only if the room is open.
// Client-initiated joins use it so they never create a room the order's
// actor has not opened, or reopen one it already closed.
func (h *Hub) JoinExistingRoom(orderID string, p Party) bool {
	v, ok := h.rooms.Load(orderID)
	if !ok {
		return false
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.members[p] = struct{}{}
	return true
}

func (h *Hub) LeaveRoom(orderID string, p Party) {
	v, ok := h.rooms.Load(orderID)
	if !ok {
		return
	}
	r := v.(*room)
	r.mu.Lock()
	delete(r.members, p)
	r.mu.Unlock()
}

// CloseRoom removes every member and forgets the room.
func (h *Hub) CloseRoom(orderID string) []Party {
	v, ok := h.rooms.LoadAndDelete(orderID)
	if !ok {
		return nil
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Party, 0, len(r.members))
	for p := range r.members {
		out = append(out, p)
	}
	r.members = map[Party]struct{}{}
	r.closed = true
	return out
}

func (h *Hub) RoomExists(orderID string) bool {
	_, ok := h.rooms.Load(orderID)
	return ok
}

func (h *Hub) InRoom(orderID string, p Party) bool {
	v, ok := h.rooms.Load(orderID)
	if !ok {
		return false
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	_, in := r.members[p]
	return in
}

func (h *Hub) members(orderID string) []Party {
	v, ok := h.rooms.Load(orderID)
	if !ok {
		return nil
	}
	r := v.(*room)
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Party, 0, len(r.members))
	for p := range r.members {
		out = append(out, p)
	}
	return out
}

// BroadcastRoom delivers env to every channel of every party joined to the order's room.
func (h *Hub) BroadcastRoom(orderID string, env events.Envelope) int {
	n := 0
	for _, p := range h.members(orderID) {
		n += h.Send(p, env)
	}
	return n
}

func (h *Hub) SubscribeFeed(dashboardID string) { h.feed.Store(dashboardID, struct{}{}) }

func (h *Hub) UnsubscribeFeed(dashboardID string) { h.feed.Delete(dashboardID) }

// BroadcastFeed delivers env to dashboards subscribed to the aggregate driver feed.
func (h *Hub) BroadcastFeed(env events.Envelope) int {
	var ids []string
	h.feed.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	n := 0
	for _, id := range ids {
		n += h.Send(Dashboard(id), env)
	}
	return n
}
