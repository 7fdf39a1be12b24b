package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openroute/gasflow/core"
)

// PairCache stores computed distances keyed on rounded coordinate pairs.
// The production implementation is the Redis cache client; tests use an
// in-memory map.
type PairCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// cachedPair is the cache entry. Source records whether the value came from
// the routing service or the great-circle fallback; it never leaves the
// oracle.
type cachedPair struct {
	Meters int    `json:"m"`
	Source string `json:"src"` // "ext" or "gc"
}

const (
	sourceExternal = "ext"
	sourceFallback = "gc"
)

// Oracle answers distance and travel-time queries. Results are
// deterministic given cache state: cached pairs are returned as-is, misses
// are resolved by one batched routing-service call, and any service error
// degrades to haversine multiplied by the road-winding factor.
type Oracle struct {
	service    RoutingService
	cache      PairCache
	profile    SpeedProfile
	roadFactor float64
	cacheTTL   time.Duration
	precision  int
	logger     core.Logger
}

// NewOracle wires the oracle from configuration. service and cache may be
// nil; the oracle then always answers from the great-circle fallback.
func NewOracle(cfg core.RoutingConfig, service RoutingService, cache PairCache, logger core.Logger) *Oracle {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	roadFactor := cfg.RoadFactor
	if roadFactor < 1 {
		roadFactor = 1.3
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	precision := cfg.CoordPrecision
	if precision <= 0 {
		precision = 5
	}
	return &Oracle{
		service:    service,
		cache:      cache,
		profile:    DefaultSpeedProfile(cfg),
		roadFactor: roadFactor,
		cacheTTL:   ttl,
		precision:  precision,
		logger:     logger,
	}
}

// DistanceMatrix returns an NxN matrix of distances in meters. The matrix
// is symmetric with a zero diagonal.
func (o *Oracle) DistanceMatrix(ctx context.Context, points []core.Location) ([][]int, error) {
	n := len(points)
	matrix := make([][]int, n)
	for i := range matrix {
		matrix[i] = make([]int, n)
	}
	if n < 2 {
		return matrix, nil
	}

	type pairIdx struct{ i, j int }
	var misses []pairIdx

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if meters, ok := o.cachedDistance(ctx, points[i], points[j]); ok {
				matrix[i][j] = meters
				matrix[j][i] = meters
			} else {
				misses = append(misses, pairIdx{i, j})
			}
		}
	}

	if len(misses) == 0 {
		return matrix, nil
	}

	// One batched call covers every missing pair.
	external, err := o.externalMatrix(ctx, points)
	for _, p := range misses {
		var meters int
		source := sourceFallback
		if err == nil {
			meters = external[p.i][p.j]
			source = sourceExternal
		} else {
			meters = o.fallbackMeters(points[p.i], points[p.j])
		}
		matrix[p.i][p.j] = meters
		matrix[p.j][p.i] = meters
		o.storeDistance(ctx, points[p.i], points[p.j], meters, source)
	}

	if err != nil {
		o.logger.Debug("Routing service unavailable, used great-circle fallback", map[string]interface{}{
			"pairs": len(misses),
			"error": err.Error(),
		})
	}
	return matrix, nil
}

// EstimateTravelMinutes returns integer travel minutes between two points
// for the given departure time, applying the time-of-day speed profile.
func (o *Oracle) EstimateTravelMinutes(ctx context.Context, from, to core.Location, departure time.Time) (int, error) {
	meters, ok := o.cachedDistance(ctx, from, to)
	if !ok {
		external, err := o.externalMatrix(ctx, []core.Location{from, to})
		source := sourceExternal
		if err == nil {
			meters = external[0][1]
		} else {
			meters = o.fallbackMeters(from, to)
			source = sourceFallback
		}
		o.storeDistance(ctx, from, to, meters, source)
	}

	return o.profile.TravelMinutes(float64(meters)/1000.0, departure), nil
}

// Profile exposes the speed profile so the solver can bake it into its
// time matrix at solve start.
func (o *Oracle) Profile() SpeedProfile {
	return o.profile
}

func (o *Oracle) externalMatrix(ctx context.Context, points []core.Location) ([][]int, error) {
	if o.service == nil {
		return nil, core.ErrMissingConfiguration
	}
	return o.service.Matrix(ctx, points, time.Time{})
}

func (o *Oracle) fallbackMeters(a, b core.Location) int {
	return int(HaversineKM(a, b) * o.roadFactor * 1000)
}

func (o *Oracle) cachedDistance(ctx context.Context, a, b core.Location) (int, bool) {
	if o.cache == nil {
		return 0, false
	}
	raw, found, err := o.cache.Get(ctx, o.pairKey(a, b))
	if err != nil || !found {
		return 0, false
	}
	var entry cachedPair
	if json.Unmarshal([]byte(raw), &entry) != nil {
		return 0, false
	}
	return entry.Meters, true
}

func (o *Oracle) storeDistance(ctx context.Context, a, b core.Location, meters int, source string) {
	if o.cache == nil {
		return
	}
	entry, err := json.Marshal(cachedPair{Meters: meters, Source: source})
	if err != nil {
		return
	}
	// External results age out after one routing-service cycle; the
	// great-circle fallback is stable and kept permanently.
	ttl := o.cacheTTL
	if source == sourceFallback {
		ttl = 0
	}
	if err := o.cache.Set(ctx, o.pairKey(a, b), string(entry), ttl); err != nil {
		o.logger.Debug("Distance cache write failed", map[string]interface{}{"error": err.Error()})
	}
}

// pairKey builds a canonical cache key from rounded coordinates. The
// lexicographically smaller point goes first so both directions share one
// entry.
func (o *Oracle) pairKey(a, b core.Location) string {
	ka := fmt.Sprintf("%.*f,%.*f", o.precision, a.Lat, o.precision, a.Lng)
	kb := fmt.Sprintf("%.*f,%.*f", o.precision, b.Lat, o.precision, b.Lng)
	if kb < ka {
		ka, kb = kb, ka
	}
	return "geo:dist:" + ka + "|" + kb
}
