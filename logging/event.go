package logging

import (
	"context"
	"time"
)

type EventType string

const (
	EventPlayerJoined    EventType = "player_joined"
	EventPlayerLeft      EventType = "player_left"
	EventRoomCreated     EventType = "room_created"
	EventRoomClosed      EventType = "room_closed"
	EventIntentRejected  EventType = "intent_rejected"
	EventResyncTriggered EventType = "resync_triggered"
	EventPauseChanged    EventType = "pause_changed"
	EventConnectionDead  EventType = "connection_dead"
	EventChatMessage     EventType = "chat_message"
)

type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

type EntityKind string

const (
	EntityKindUnknown    EntityKind = "unknown"
	EntityKindPlayer     EntityKind = "player"
	EntityKindRoom       EntityKind = "room"
	EntityKindConnection EntityKind = "connection"
	EntityKindUniverse   EntityKind = "universe"
)

// Event is the structured record routed to sinks. Generation carries the
// room's simulation counter when the event originates inside a tick.
type Event struct {
	Type       EventType      `json:"type"`
	Generation uint64         `json:"generation,omitempty"`
	Time       time.Time      `json:"time"`
	Actor      EntityRef      `json:"actor"`
	Targets    []EntityRef    `json:"targets,omitempty"`
	Severity   Severity       `json:"severity"`
	Category   string         `json:"category,omitempty"`
	Payload    any            `json:"payload,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

const (
	CategorySession    = "session"
	CategoryTransport  = "transport"
	CategorySimulation = "simulation"
	CategorySystem     = "system"
)

type Publisher interface {
	Publish(ctx context.Context, event Event)
}

type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

func NopPublisher() Publisher {
	return nopPublisher{}
}

// WithFields returns a publisher that merges the provided fields into every
// event's Extra map without overwriting fields the event already carries.
func WithFields(p Publisher, fields map[string]any) Publisher {
	if p == nil {
		return NopPublisher()
	}
	if len(fields) == 0 {
		return p
	}
	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	return PublisherFunc(func(ctx context.Context, event Event) {
		event = cloneEvent(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(copied))
		}
		for k, v := range copied {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
		p.Publish(ctx, event)
	})
}

func cloneEvent(event Event) Event {
	cloned := event
	if len(event.Targets) > 0 {
		cloned.Targets = append([]EntityRef(nil), event.Targets...)
	}
	if event.Extra != nil {
		copied := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			copied[k] = v
		}
		cloned.Extra = copied
	}
	return cloned
}
