package cluster

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openroute/gasflow/core"
	"github.com/openroute/gasflow/geo"
)

// stopAt builds a stop offset from central Taipei. One degree of latitude
// is ~111 km, so 0.001 deg is ~111 m.
func stopAt(id string, dLat, dLng float64) core.Stop {
	return core.Stop{
		OrderID:  id,
		Location: core.Location{Lat: 25.0330 + dLat, Lng: 121.5654 + dLng},
		Demand:   map[string]int{"20kg": 1},
	}
}

func denseBlob(prefix string, baseLat, baseLng float64, n int) []core.Stop {
	stops := make([]core.Stop, n)
	for i := 0; i < n; i++ {
		stops[i] = core.Stop{
			OrderID:  fmt.Sprintf("%s-%d", prefix, i),
			Location: core.Location{Lat: baseLat + float64(i%5)*0.001, Lng: baseLng + float64(i/5)*0.001},
			Demand:   map[string]int{"20kg": 1},
		}
	}
	return stops
}

func TestDensityTwoBlobsAndNoise(t *testing.T) {
	c := New(Options{}, nil)

	stops := denseBlob("a", 25.0330, 121.5654, 6)
	stops = append(stops, denseBlob("b", 25.1000, 121.6500, 6)...)
	stops = append(stops, stopAt("loner", 0.5, 0.5)) // far from everything

	clusters := c.Density(stops, 1.0, 2)
	require.Len(t, clusters, 3, "two blobs plus one singleton")

	sizes := map[int]int{}
	for _, cl := range clusters {
		sizes[len(cl.Stops)]++
	}
	assert.Equal(t, 2, sizes[6])
	assert.Equal(t, 1, sizes[1], "noise becomes its own cluster")
}

// TestDensityReachability checks the eps-chain property: any two stops in
// the same cluster are connected by hops of at most eps.
func TestDensityReachability(t *testing.T) {
	c := New(Options{}, nil)
	const eps = 1.0

	stops := denseBlob("a", 25.0330, 121.5654, 12)
	clusters := c.Density(stops, eps, 2)

	for _, cl := range clusters {
		if len(cl.Stops) < 2 {
			continue
		}
		// BFS over the eps-graph must reach every member.
		reached := map[int]bool{0: true}
		frontier := []int{0}
		for len(frontier) > 0 {
			i := frontier[0]
			frontier = frontier[1:]
			for j := range cl.Stops {
				if !reached[j] && geo.HaversineKM(cl.Stops[i].Location, cl.Stops[j].Location) <= eps {
					reached[j] = true
					frontier = append(frontier, j)
				}
			}
		}
		assert.Len(t, reached, len(cl.Stops), "cluster members must be eps-chain reachable")
	}
}

func TestByCountBoundedByStopCount(t *testing.T) {
	c := New(Options{}, nil)
	stops := denseBlob("a", 25.0330, 121.5654, 4)

	clusters := c.ByCount(stops, 10)
	assert.LessOrEqual(t, len(clusters), 4)

	total := 0
	for _, cl := range clusters {
		total += len(cl.Stops)
	}
	assert.Equal(t, 4, total, "every stop assigned exactly once")
}

func TestByCountDeterministic(t *testing.T) {
	c := New(Options{}, nil)
	stops := denseBlob("a", 25.0330, 121.5654, 20)

	first := c.ByCount(stops, 3)
	second := c.ByCount(stops, 3)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, len(first[i].Stops), len(second[i].Stops))
	}
}

func TestConstrainedEnforcesSizeCap(t *testing.T) {
	c := New(Options{}, nil)
	stops := denseBlob("a", 25.0330, 121.5654, 40)

	clusters := c.Constrained(stops, ConstrainedOptions{MaxClusterSize: 10, TargetDensity: 5})
	for _, cl := range clusters {
		assert.LessOrEqual(t, len(cl.Stops), 10)
	}

	total := 0
	for _, cl := range clusters {
		total += len(cl.Stops)
	}
	assert.Equal(t, 40, total)
}

func TestConstrainedSplitsWideClusters(t *testing.T) {
	c := New(Options{}, nil)

	// A chain of stops 3.3 km apart merges under the clamped 5 km eps into
	// one cluster spanning ~0.36 deg of latitude; barrier verification must
	// split it.
	var stops []core.Stop
	for i := 0; i < 13; i++ {
		stops = append(stops, stopAt(fmt.Sprintf("chain-%d", i), float64(i)*0.03, 0))
	}

	clusters := c.Constrained(stops, ConstrainedOptions{
		MaxClusterSize: 30,
		TargetDensity:  0.001, // forces a large derived eps (clamped to 5 km)
		VerifyBarriers: true,
		MaxLatSpan:     0.3,
		MaxLngSpan:     0.3,
	})

	for _, cl := range clusters {
		lat, lng := span(cl.Stops)
		assert.LessOrEqual(t, lat, 0.3)
		assert.LessOrEqual(t, lng, 0.3)
	}
}

func TestByTimeWindowSeparatesIncompatibleWindows(t *testing.T) {
	c := New(Options{}, nil)
	base := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	morning := core.TimeWindow{Start: base.Add(9 * time.Hour), End: base.Add(12 * time.Hour)}
	evening := core.TimeWindow{Start: base.Add(14 * time.Hour), End: base.Add(18 * time.Hour)}

	var stops []core.Stop
	for i, s := range denseBlob("m", 25.0330, 121.5654, 4) {
		s.Window = morning
		s.OrderID = fmt.Sprintf("m-%d", i)
		stops = append(stops, s)
	}
	for i, s := range denseBlob("e", 25.0330, 121.5654, 4) {
		s.Window = evening
		s.OrderID = fmt.Sprintf("e-%d", i)
		stops = append(stops, s)
	}

	clusters := c.ByTimeWindow(stops, 1.0)
	require.Len(t, clusters, 2, "same area, different windows")

	// Ids globally unique.
	seen := map[int]bool{}
	for _, cl := range clusters {
		assert.False(t, seen[cl.ID])
		seen[cl.ID] = true
	}
}

func TestClusterAggregates(t *testing.T) {
	c := New(Options{}, nil)
	stops := []core.Stop{
		{OrderID: "1", Location: core.Location{Lat: 25.03, Lng: 121.56}, Demand: map[string]int{"20kg": 2}},
		{OrderID: "2", Location: core.Location{Lat: 25.04, Lng: 121.57}, Demand: map[string]int{"20kg": 1, "50kg": 1}},
	}

	clusters := c.Density(stops, 5, 1)
	require.Len(t, clusters, 1)

	cl := clusters[0]
	assert.Equal(t, map[string]int{"20kg": 3, "50kg": 1}, cl.Demand)
	assert.Greater(t, cl.RadiusKM, 0.0)
	assert.Greater(t, cl.DensityScore, 0.0)
	assert.InDelta(t, 25.035, cl.Center.Lat, 0.001)
}

func TestEmptyInput(t *testing.T) {
	c := New(Options{}, nil)
	assert.Nil(t, c.Density(nil, 1, 2))
	assert.Nil(t, c.ByCount(nil, 3))
	assert.Nil(t, c.Constrained(nil, ConstrainedOptions{}))
	assert.Nil(t, c.ByTimeWindow(nil, 1))
}
