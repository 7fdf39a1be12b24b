package cluster

import (
	"sort"

	"github.com/openroute/gasflow/core"
)

// ByTimeWindow groups stops by their time-window label first, then density
// clusters within each group. Cluster ids are globally unique across the
// combined result.
func (c *Clusterer) ByTimeWindow(stops []core.Stop, epsKm float64) []Cluster {
	if len(stops) == 0 {
		return nil
	}

	groups := make(map[string][]core.Stop)
	for _, s := range stops {
		groups[windowLabel(s.Window)] = append(groups[windowLabel(s.Window)], s)
	}

	// Deterministic order over the groups keeps cluster ids stable.
	labels := make([]string, 0, len(groups))
	for label := range groups {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var combined []Cluster
	for _, label := range labels {
		combined = append(combined, c.Density(groups[label], epsKm, 2)...)
	}
	return renumber(combined)
}

// windowLabel buckets a time window into a stable string key.
func windowLabel(w core.TimeWindow) string {
	if w.Start.IsZero() {
		return "any"
	}
	return w.Start.Format("15:04") + "-" + w.End.Format("15:04")
}
