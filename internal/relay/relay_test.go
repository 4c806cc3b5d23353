package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

type fakeChannel struct {
	id   string
	mu   sync.Mutex
	sent []events.Envelope
}

func (f *fakeChannel) ID() string { return f.id }

func (f *fakeChannel) Send(env events.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) of(n events.Name) []events.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Envelope
	for _, e := range f.sent {
		if e.Event == n {
			out = append(out, e)
		}
	}
	return out
}

type fakePublisher struct {
	pings []models.LocationPing
	err   error
}

func (p *fakePublisher) PublishLocation(_ context.Context, ping models.LocationPing) error {
	p.pings = append(p.pings, ping)
	return p.err
}

type fixture struct {
	ctx   context.Context
	clock *clockwork.FakeClock
	pres  *presence.Memory
	hub   *hub.Hub
	pub   *fakePublisher
	r     *Relay
}

func newFixture() *fixture {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	f := &fixture{
		ctx:   context.Background(),
		clock: clock,
		pres:  presence.NewMemory(clock),
		hub:   hub.New(hub.Options{Clock: clock}),
		pub:   &fakePublisher{},
	}
	f.r = New(Options{
		Presence:  f.pres,
		Rooms:     f.hub,
		Publisher: f.pub,
		Clock:     clock,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return f
}

func (f *fixture) bind(t *testing.T, p hub.Party) *fakeChannel {
	return f.bindAs(t, p, string(p.Type)+"-"+p.ID)
}

func (f *fixture) bindAs(t *testing.T, p hub.Party, channelID string) *fakeChannel {
	ch := &fakeChannel{id: channelID}
	_, err := f.hub.Bind(p, ch)
	require.NoError(t, err)
	return ch
}

func TestDriverOnlineAnnouncesToDashboards(t *testing.T) {
	f := newFixture()
	dash := f.bind(t, hub.Dashboard("ops"))

	p, err := f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.52, Lng: 13.40})
	require.NoError(t, err)
	require.Equal(t, models.DriverOnline, p.Status)
	_, err = f.r.DriverOnline(f.ctx, "d2", models.Coord{Lat: 52.53, Lng: 13.41})
	require.NoError(t, err)

	got := dash.of(events.DriverConnected)
	require.Len(t, got, 2)
	var data events.DriverConnectionData
	require.NoError(t, got[1].Decode(&data))
	require.Equal(t, "d2", data.DriverID)
	require.Equal(t, 2, data.OnlineDriversCount)

	_, err = f.r.DriverOnline(f.ctx, "d3", models.Coord{Lat: 120, Lng: 0})
	require.ErrorIs(t, err, ErrInvalidLocation)
}

func TestDriverOfflineUnknown(t *testing.T) {
	f := newFixture()
	_, err := f.r.DriverOffline(f.ctx, "ghost")
	require.ErrorIs(t, err, presence.ErrPresenceNotFound)
}

func TestLocationGoesToRideRoomAndFeed(t *testing.T) {
	f := newFixture()
	_, err := f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.52, Lng: 13.40})
	require.NoError(t, err)
	_, err = f.pres.Claim(f.ctx, "d1", "o1")
	require.NoError(t, err)

	rider := f.bind(t, hub.Rider("r1"))
	otherRider := f.bind(t, hub.Rider("r2"))
	watcher := f.bind(t, hub.Dashboard("ops"))
	idle := f.bind(t, hub.Dashboard("idle"))
	f.hub.JoinRoom("o1", hub.Rider("r1"))
	f.hub.SubscribeFeed("ops")

	at := f.clock.Now().Add(time.Second)
	applied, err := f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 52.521, Lng: 13.401}, at)
	require.NoError(t, err)
	require.True(t, applied)

	require.Len(t, rider.of(events.DriverLocationUpdate), 1)
	require.Len(t, watcher.of(events.DriverLocationUpdate), 1)
	require.Empty(t, otherRider.of(events.DriverLocationUpdate))
	require.Empty(t, idle.of(events.DriverLocationUpdate))

	var data events.LocationUpdateData
	require.NoError(t, rider.of(events.DriverLocationUpdate)[0].Decode(&data))
	require.Equal(t, "o1", data.OrderID)
	require.Equal(t, 52.521, data.Latitude)
	require.Equal(t, []models.LocationPing{{DriverID: "d1", Lat: 52.521, Lng: 13.401, Timestamp: at}}, f.pub.pings)
}

func TestStaleAndUnknownLocationsAreDropped(t *testing.T) {
	f := newFixture()
	_, err := f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.52, Lng: 13.40})
	require.NoError(t, err)

	applied, err := f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 52.51, Lng: 13.41}, f.clock.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, applied)

	applied, err = f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 52.5, Lng: 13.4}, f.clock.Now().Add(-time.Second))
	require.NoError(t, err)
	require.False(t, applied)

	applied, err = f.r.DriverLocation(f.ctx, "ghost", models.Coord{Lat: 52.5, Lng: 13.4}, time.Time{})
	require.NoError(t, err)
	require.False(t, applied)

	_, err = f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 0, Lng: 200}, time.Time{})
	require.ErrorIs(t, err, ErrInvalidLocation)
	require.Len(t, f.pub.pings, 1)
}

func TestSlowDeviceClockAfterReconnect(t *testing.T) {
	f := newFixture()
	// the phone runs two seconds behind the server
	device := func() time.Time { return f.clock.Now().Add(-2 * time.Second) }

	_, err := f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.52, Lng: 13.40})
	require.NoError(t, err)
	f.clock.Advance(500 * time.Millisecond)
	applied, err := f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 52.521, Lng: 13.40}, device())
	require.NoError(t, err)
	require.True(t, applied, "first ping after going online")

	f.clock.Advance(time.Second)
	_, err = f.r.DriverOffline(f.ctx, "d1")
	require.NoError(t, err)
	_, err = f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.522, Lng: 13.40})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	applied, err = f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 52.523, Lng: 13.40}, device())
	require.NoError(t, err)
	require.True(t, applied, "fresh ping after reconnect")

	p, err := f.pres.Get(f.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, 52.523, p.Location.Lat)
	require.Equal(t, device(), p.LastPingAt)
	require.Equal(t, f.clock.Now(), p.UpdatedAt)
}

func TestPublishFailureDoesNotFailPing(t *testing.T) {
	f := newFixture()
	f.pub.err = errors.New("broker down")
	_, err := f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.52, Lng: 13.40})
	require.NoError(t, err)
	f.clock.Advance(time.Second)

	applied, err := f.r.DriverLocation(f.ctx, "d1", models.Coord{Lat: 52.53, Lng: 13.40}, time.Time{})
	require.NoError(t, err)
	require.True(t, applied)
}

func TestChatNeedsRoomMembership(t *testing.T) {
	f := newFixture()
	rider := f.bind(t, hub.Rider("r1"))
	driver := f.bind(t, hub.Driver("d1"))
	f.hub.JoinRoom("o1", hub.Rider("r1"))
	f.hub.JoinRoom("o1", hub.Driver("d1"))

	require.NoError(t, f.r.Chat(f.ctx, "o1", hub.Rider("r1"), "  on my way  "))
	got := driver.of(events.ChatMessage)
	require.Len(t, got, 1)
	require.Len(t, rider.of(events.ChatMessage), 1)

	var msg events.ChatMessageData
	require.NoError(t, got[0].Decode(&msg))
	require.Equal(t, "  on my way  ", msg.Content)
	require.Equal(t, models.PartyRider, msg.SenderType)
	require.Equal(t, "r1", msg.SenderID)

	require.ErrorIs(t, f.r.Chat(f.ctx, "o1", hub.Rider("r2"), "hi"), ErrNotInRoom)
	require.ErrorIs(t, f.r.Chat(f.ctx, "o1", hub.Rider("r1"), ""), ErrEmptyMessage)
}

func TestDriverDisconnectGoesOffline(t *testing.T) {
	f := newFixture()
	f.r.Attach(f.hub)
	dash := f.bind(t, hub.Dashboard("ops"))

	_, err := f.r.DriverOnline(f.ctx, "d1", models.Coord{Lat: 52.52, Lng: 13.40})
	require.NoError(t, err)
	phone := f.bindAs(t, hub.Driver("d1"), "phone")
	tablet := f.bindAs(t, hub.Driver("d1"), "tablet")

	f.hub.Unbind(phone.ID())
	p, err := f.pres.Get(f.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.DriverOnline, p.Status)

	f.hub.Unbind(tablet.ID())
	p, err = f.pres.Get(f.ctx, "d1")
	require.NoError(t, err)
	require.Equal(t, models.DriverOffline, p.Status)

	got := dash.of(events.DriverDisconnected)
	require.Len(t, got, 1)
	var data events.DriverConnectionData
	require.NoError(t, got[0].Decode(&data))
	require.Equal(t, "d1", data.DriverID)
	require.Zero(t, data.OnlineDriversCount)

	// riders going away do not touch presence
	f.bind(t, hub.Rider("r1"))
	f.hub.Unbind("rider-r1")
	require.Len(t, dash.of(events.DriverDisconnected), 1)
}
