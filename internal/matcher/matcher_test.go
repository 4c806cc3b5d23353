package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

type failingDirectory struct{}

func (failingDirectory) Eligible(context.Context, string, string) (bool, error) {
	return false, errors.New("directory down")
}

func seed(t *testing.T) *presence.Memory {
	t.Helper()
	reg := presence.NewMemory(clockwork.NewFakeClock())
	ctx := context.Background()
	for id, lat := range map[string]float64{"d1": 0.001, "d2": 0.002, "d3": 0.003, "d4": 0.004} {
		_, err := reg.SetOnline(ctx, id, models.Coord{Lat: lat})
		require.NoError(t, err)
	}
	return reg
}

func drain(t *testing.T, seq *Sequence) []string {
	t.Helper()
	var out []string
	for {
		c, ok, err := seq.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, c.DriverID)
	}
}

func TestSequenceNearestFirstWithExclusions(t *testing.T) {
	svc := &Service{Presence: seed(t), RadiusMeters: 5000}
	seq, err := svc.Open(context.Background(), Query{OrderID: "o1", Exclude: []string{"d2"}})
	require.NoError(t, err)
	require.Equal(t, []string{"d1", "d3", "d4"}, drain(t, seq))
}

func TestSequenceSkipsIneligibleAndUnreachable(t *testing.T) {
	dir := storage.NewMemoryDirectory()
	dir.Assign("d1", "economy")
	dir.Assign("d2", "xl")
	dir.Assign("d3", "economy")
	dir.Assign("d4", "economy")
	svc := &Service{
		Presence:  seed(t),
		Directory: dir,
		Reachable: func(id string) bool { return id != "d3" },
	}
	seq, err := svc.Open(context.Background(), Query{OrderID: "o1", ServiceID: "economy"})
	require.NoError(t, err)
	require.Equal(t, []string{"d1", "d4"}, drain(t, seq))
}

func TestSequenceRechecksAvailability(t *testing.T) {
	ctx := context.Background()
	reg := seed(t)
	svc := &Service{Presence: reg}
	seq, err := svc.Open(ctx, Query{OrderID: "o1"})
	require.NoError(t, err)

	_, err = reg.Claim(ctx, "d1", "other-order")
	require.NoError(t, err)
	_, err = reg.SetOffline(ctx, "d2")
	require.NoError(t, err)

	require.Equal(t, []string{"d3", "d4"}, drain(t, seq))
}

func TestSequenceDirectoryError(t *testing.T) {
	svc := &Service{Presence: seed(t), Directory: failingDirectory{}}
	seq, err := svc.Open(context.Background(), Query{OrderID: "o1", ServiceID: "economy"})
	require.NoError(t, err)
	_, _, err = seq.Next(context.Background())
	require.Error(t, err)
}
