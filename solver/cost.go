package solver

// CostWeights is the authoritative weighted cost expression for the solver:
//
//	cost = Distance·km + Time·minutes + Priority·disjunction_penalty
//
// The base split is 0.4 distance / 0.4 time / 0.2 priority; the
// optimization modes reweight the same expression rather than introducing a
// second cost function.
type CostWeights struct {
	Distance float64
	Time     float64
	Priority float64
}

// WeightsFor maps an optimization mode onto the cost weights.
func WeightsFor(mode Mode) CostWeights {
	switch mode {
	case ModeDistance:
		return CostWeights{Distance: 0.7, Time: 0.1, Priority: 0.2}
	case ModeTime:
		return CostWeights{Distance: 0.1, Time: 0.7, Priority: 0.2}
	case ModeFuel:
		// Fuel burn tracks distance with a mild idle-time component.
		return CostWeights{Distance: 0.6, Time: 0.2, Priority: 0.2}
	default:
		return CostWeights{Distance: 0.4, Time: 0.4, Priority: 0.2}
	}
}

// disjunctionPenalty is the cost of leaving a stop unassigned. Priority
// stops carry a penalty large enough that the solver drops them only as a
// last resort.
func disjunctionPenalty(priority int) float64 {
	return 1000 + 10000*float64(priority)
}
