package session

import (
	"sync"

	"lifewire/internal/protocol"
	"lifewire/internal/telemetry"
)

const (
	intentBufferOccupancyMetricKey = "session_intent_buffer_occupancy"
	intentBufferOverflowMetricKey  = "session_intent_buffer_overflow_total"
)

// stagedIntent pairs a submitted intent with its submitter so tick processing
// can route the ack back.
type stagedIntent struct {
	playerID string
	intent   protocol.Intent
}

// intentBuffer stores staged intents in a fixed-size ring. It is safe for
// concurrent producers and a single consumer.
type intentBuffer struct {
	mu      sync.Mutex
	data    []stagedIntent
	head    int
	tail    int
	count   int
	metrics telemetry.Metrics
}

func newIntentBuffer(capacity int, metrics telemetry.Metrics) *intentBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &intentBuffer{
		data:    make([]stagedIntent, capacity),
		metrics: metrics,
	}
}

// Push stages an intent, returning false if the buffer is full.
func (b *intentBuffer) Push(s stagedIntent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == len(b.data) {
		if b.metrics != nil {
			b.metrics.Add(intentBufferOverflowMetricKey, 1)
		}
		return false
	}
	b.data[b.tail] = s
	b.tail = (b.tail + 1) % len(b.data)
	b.count++
	b.storeOccupancyLocked()
	return true
}

// Drain returns all staged intents in FIFO order and clears the buffer.
func (b *intentBuffer) Drain() []stagedIntent {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return nil
	}
	staged := make([]stagedIntent, b.count)
	for i := 0; i < b.count; i++ {
		idx := (b.head + i) % len(b.data)
		staged[i] = b.data[idx]
	}
	b.head = 0
	b.tail = 0
	b.count = 0
	b.storeOccupancyLocked()
	return staged
}

// Len reports the number of staged intents.
func (b *intentBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *intentBuffer) storeOccupancyLocked() {
	if b.metrics == nil {
		return
	}
	b.metrics.Store(intentBufferOccupancyMetricKey, uint64(b.count))
}
