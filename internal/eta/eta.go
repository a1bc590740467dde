package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ridesync/internal/geo"
	"github.com/example/ridesync/internal/models"
)

// Route is one routed leg: how long it takes and how far it runs on the
// road network, as opposed to the great-circle distance.
type Route struct {
	DurationSeconds float64
	DistanceMeters  float64
}

// Router resolves a route between two points.
type Router interface {
	Route(from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for routed legs keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached route and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a routed leg in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is the naive fallback: distance / speed_mps.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return geo.Distance(from, to) / speedMps
}

// Estimator produces the fare/duration/distance quote returned to the
// passenger at request time. Estimates are immutable once attached to a
// ride.
type Estimator struct {
	Routing  Router // optional OSRM client
	Cache    *Cache // optional
	SpeedMps float64
	FareBase float64
	PerKm    float64
}

// Quote prices a trip. A routed leg wins when available since the fare
// should follow the road distance; otherwise the haversine distance and
// the naive speed model stand in.
func (e *Estimator) Quote(from, to models.Coord) models.Estimate {
	route := Route{DistanceMeters: geo.Distance(from, to)}
	routed := false
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			route, routed = v, true
		}
	}
	if !routed && e.Routing != nil {
		if v, err := e.Routing.Route(from, to); err == nil {
			route, routed = v, true
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
		}
	}
	if !routed {
		route.DurationSeconds = EstimateSeconds(from, to, e.SpeedMps)
	}
	return models.Estimate{
		Fare:            e.FareBase + e.PerKm*route.DistanceMeters/1000.0,
		DurationSeconds: route.DurationSeconds,
		DistanceMeters:  route.DistanceMeters,
	}
}
