package geo

import (
	"time"

	"github.com/openroute/gasflow/core"
)

// HourClass buckets an hour of day for the speed table.
type HourClass string

const (
	HourPeak    HourClass = "peak"
	HourNormal  HourClass = "normal"
	HourHighway HourClass = "highway"
)

// SpeedProfile derives travel minutes from distance using a base speed per
// hour class. Peak hours multiply the resulting time by PeakFactor.
type SpeedProfile struct {
	SpeedsKMH   map[HourClass]float64
	PeakMorning core.ClockWindow
	PeakEvening core.ClockWindow
	PeakFactor  float64

	// HighwayThresholdKM is the leg distance beyond which highway speed
	// applies off-peak.
	HighwayThresholdKM float64
}

// DefaultSpeedProfile returns the profile used when the config omits one.
func DefaultSpeedProfile(routing core.RoutingConfig) SpeedProfile {
	return SpeedProfile{
		SpeedsKMH: map[HourClass]float64{
			HourPeak:    20,
			HourNormal:  35,
			HourHighway: 70,
		},
		PeakMorning:        routing.PeakMorning,
		PeakEvening:        routing.PeakEvening,
		PeakFactor:         routing.PeakFactor,
		HighwayThresholdKM: 30,
	}
}

// Classify returns the hour class for a departure time and leg distance.
func (p SpeedProfile) Classify(departure time.Time, distanceKM float64) HourClass {
	if p.isPeak(departure.Hour()) {
		return HourPeak
	}
	if distanceKM >= p.HighwayThresholdKM {
		return HourHighway
	}
	return HourNormal
}

// TravelMinutes converts a leg distance into integer minutes, applying the
// peak multiplier when the departure falls inside a peak window.
func (p SpeedProfile) TravelMinutes(distanceKM float64, departure time.Time) int {
	class := p.Classify(departure, distanceKM)
	speed := p.SpeedsKMH[class]
	if speed <= 0 {
		speed = 35
	}

	minutes := distanceKM / speed * 60
	if class == HourPeak && p.PeakFactor > 0 {
		minutes *= p.PeakFactor
	}

	// Round up so estimated arrivals are never optimistic.
	whole := int(minutes)
	if minutes > float64(whole) {
		whole++
	}
	return whole
}

func (p SpeedProfile) isPeak(hour int) bool {
	return inWindow(hour, p.PeakMorning) || inWindow(hour, p.PeakEvening)
}

func inWindow(hour int, w core.ClockWindow) bool {
	if w.StartHour == 0 && w.EndHour == 0 {
		return false
	}
	return hour >= w.StartHour && hour < w.EndHour
}
