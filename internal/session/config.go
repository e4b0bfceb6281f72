package session

import (
	"time"

	"lifewire/internal/life"
)

// Config fixes the session manager's room and pacing policy.
type Config struct {
	// TickInterval is the period of the room clock. Every room advances and
	// broadcasts on this cadence.
	TickInterval time.Duration
	// Universe is the configuration handed to every new room's engine.
	Universe life.Config
	// DefaultRoom is joined when a request names no room.
	DefaultRoom string
	// MaxRooms caps how many rooms the hub will create. Zero means unlimited.
	MaxRooms int
	// MaxPlayersPerRoom caps room occupancy.
	MaxPlayersPerRoom int
	// ResyncThreshold is how many generations a member's acknowledged
	// generation may trail the room before the room pushes a fresh snapshot.
	ResyncThreshold uint64
	// SnapshotInterval is how many generations pass between journal snapshots.
	SnapshotInterval uint64
	// JournalCapacity bounds the snapshot journal by count.
	JournalCapacity int
	// JournalMaxAge bounds the snapshot journal by age.
	JournalMaxAge time.Duration
	// IntentQueueCapacity sizes each room's staging ring.
	IntentQueueCapacity int
	// IntentRate and IntentBurst bound intents per second per connection.
	IntentRate  float64
	IntentBurst int
}

// DefaultConfig returns the stock session configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:        100 * time.Millisecond,
		Universe:            life.DefaultConfig(),
		DefaultRoom:         "lobby",
		MaxRooms:            64,
		MaxPlayersPerRoom:   32,
		ResyncThreshold:     20,
		SnapshotInterval:    25,
		JournalCapacity:     8,
		JournalMaxAge:       2 * time.Minute,
		IntentQueueCapacity: 256,
		IntentRate:          20,
		IntentBurst:         40,
	}
}

// Normalized clamps out-of-range values onto usable ones.
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	c.Universe = c.Universe.Normalized()
	if c.DefaultRoom == "" {
		c.DefaultRoom = def.DefaultRoom
	}
	if c.MaxRooms < 0 {
		c.MaxRooms = 0
	}
	if c.MaxPlayersPerRoom < 1 {
		c.MaxPlayersPerRoom = def.MaxPlayersPerRoom
	}
	if c.ResyncThreshold < 1 {
		c.ResyncThreshold = def.ResyncThreshold
	}
	if c.SnapshotInterval < 1 {
		c.SnapshotInterval = def.SnapshotInterval
	}
	if c.JournalCapacity < 0 {
		c.JournalCapacity = 0
	}
	if c.JournalMaxAge < 0 {
		c.JournalMaxAge = 0
	}
	if c.IntentQueueCapacity < 1 {
		c.IntentQueueCapacity = def.IntentQueueCapacity
	}
	if c.IntentRate <= 0 {
		c.IntentRate = def.IntentRate
	}
	if c.IntentBurst < 1 {
		c.IntentBurst = def.IntentBurst
	}
	return c
}
