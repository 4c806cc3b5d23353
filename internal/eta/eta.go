// Package eta estimates trip distance and duration between two points.
package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is the estimated trip between two points.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Client is a routing engine.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	clock clockwork.Clock
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration, clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, clock: clock}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.clock.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: c.clock.Now()}
	c.mu.Unlock()
}

const defaultSpeedMps = 8.0 // ~28.8 km/h city speed

// Naive route: great-circle distance at a constant speed.
func Naive(from, to models.Coord, speedMps float64) Route {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	d := geo.Distance(from, to)
	return Route{DistanceMeters: d, DurationSeconds: d / speedMps}
}

// Estimator consults the cache, then the routing client, and falls back to
// the naive estimate. It never fails.
type Estimator struct {
	Client   Client // optional OSRM client
	Cache    *Cache // optional
	SpeedMps float64
	Logger   *slog.Logger
}

func (e *Estimator) Estimate(ctx context.Context, from, to models.Coord) Route {
	if e.Cache != nil {
		if r, ok := e.Cache.Get(from, to); ok {
			return r
		}
	}
	if e.Client != nil {
		r, err := e.Client.Route(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, r)
			}
			return r
		}
		if e.Logger != nil {
			e.Logger.Warn("routing lookup failed, using naive estimate", "error", err)
		}
	}
	return Naive(from, to, e.SpeedMps)
}
