package dispatch

import (
	"sync"
	"time"
)

// ProgressEvent is one optimization milestone pushed to subscribers.
type ProgressEvent struct {
	Type           string    `json:"type"` // always "optimization_progress"
	OptimizationID string    `json:"optimization_id"`
	Percentage     int       `json:"percentage"`
	Message        string    `json:"message"`
	Timestamp      time.Time `json:"timestamp"`
}

// broadcaster fans progress events out to subscribers. Sends never block:
// a subscriber that falls behind misses intermediate milestones.
type broadcaster struct {
	mu       sync.Mutex
	nextID   int
	subs     map[int]chan ProgressEvent
	lastPct  map[string]int
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		subs:    make(map[int]chan ProgressEvent),
		lastPct: make(map[string]int),
	}
}

// Subscribe returns a channel of events and a cancel function. The channel
// is buffered; it is closed by the cancel function.
func (b *broadcaster) Subscribe() (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan ProgressEvent, 16)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// emit publishes a milestone. Percentages are monotonic per optimization:
// a stale or duplicate milestone is dropped.
func (b *broadcaster) emit(optimizationID string, percentage int, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.lastPct[optimizationID]; ok && percentage <= last {
		return
	}
	b.lastPct[optimizationID] = percentage
	if percentage >= 100 {
		defer delete(b.lastPct, optimizationID)
	}

	event := ProgressEvent{
		Type:           "optimization_progress",
		OptimizationID: optimizationID,
		Percentage:     percentage,
		Message:        message,
		Timestamp:      time.Now().UTC(),
	}
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
