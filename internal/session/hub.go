package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"lifewire/internal/life/pattern"
	"lifewire/internal/protocol"
	"lifewire/internal/telemetry"
	"lifewire/internal/transport"
	"lifewire/logging"
)

var (
	// ErrRoomLimit rejects a join that would require creating a room past the
	// hub's cap.
	ErrRoomLimit = errors.New("room limit reached")
	// ErrShuttingDown rejects joins during hub shutdown.
	ErrShuttingDown = errors.New("hub shutting down")
)

const (
	metricRoomsActiveKey   = "session_rooms_active"
	metricPlayersActiveKey = "session_players_active"
	metricJoinsKey         = "session_joins_total"
	metricJoinRejectsKey   = "session_join_rejects_total"
	metricRateLimitedKey   = "session_rate_limited_total"
)

// Hub owns the room registry and turns raw transport peers into room members.
// Each accepted peer gets a serving goroutine that demultiplexes its inbox
// into the member's room.
type Hub struct {
	cfg       Config
	catalog   *pattern.Catalog
	publisher logging.Publisher
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

// NewHub constructs a hub. A nil catalog falls back to the built-in patterns;
// nil telemetry is tolerated.
func NewHub(cfg Config, catalog *pattern.Catalog, publisher logging.Publisher, logger telemetry.Logger, metrics telemetry.Metrics) *Hub {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	if catalog == nil {
		catalog = pattern.Default()
	}
	return &Hub{
		cfg:       cfg.Normalized(),
		catalog:   catalog,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		rooms:     make(map[string]*Room),
	}
}

// ServePeer takes ownership of a connected peer and serves it until the
// connection dies or the client leaves.
func (h *Hub) ServePeer(peer *transport.Peer) {
	go h.servePeer(peer)
}

// Close retires every room and stops accepting joins.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.rooms = make(map[string]*Room)
	h.mu.Unlock()

	for _, room := range rooms {
		room.Close(protocol.ReasonShutdown)
	}
	h.storeGauges()
}

// DiagnosticsSnapshot reports per-room statistics for the diagnostics
// endpoint.
func (h *Hub) DiagnosticsSnapshot() []RoomStats {
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	stats := make([]RoomStats, 0, len(rooms))
	for _, room := range rooms {
		stats = append(stats, room.Stats())
	}
	return stats
}

// RoomCount reports how many rooms are live.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) servePeer(peer *transport.Peer) {
	limiter := rate.NewLimiter(rate.Limit(h.cfg.IntentRate), h.cfg.IntentBurst)
	var (
		room   *Room
		player *Player
	)
	defer func() {
		if room != nil && player != nil {
			room.Leave(player.ID, "connection closed")
			h.maybeRetire(room)
			if err := peer.Err(); err != nil {
				h.publisher.Publish(context.Background(), logging.Event{
					Type:     logging.EventConnectionDead,
					Actor:    logging.EntityRef{ID: player.ID, Kind: logging.EntityKindPlayer},
					Targets:  []logging.EntityRef{{ID: peer.RemoteLabel(), Kind: logging.EntityKindConnection}},
					Severity: logging.SeverityWarn,
					Category: logging.CategoryTransport,
					Extra:    map[string]any{"error": err.Error()},
				})
			}
		}
		peer.Close(nil)
	}()

	for env := range peer.Inbox() {
		switch env.Kind {
		case protocol.KindJoinRequest:
			if room != nil {
				continue
			}
			var req protocol.JoinRequest
			if err := protocol.Open(env, &req); err != nil {
				h.logf("session: malformed join from %s: %v", peer.RemoteLabel(), err)
				return
			}
			joinedRoom, joinedPlayer, accepted, err := h.join(req, peer)
			if err != nil {
				h.addMetric(metricJoinRejectsKey, 1)
				_ = peer.Send(protocol.ClassReliable, protocol.KindJoinRejected, protocol.JoinRejected{
					Reason:  joinRejectReason(err),
					Message: err.Error(),
				})
				return
			}
			room, player = joinedRoom, joinedPlayer
			h.addMetric(metricJoinsKey, 1)
			h.storeGauges()
			if err := peer.Send(protocol.ClassReliable, protocol.KindJoinAccepted, accepted); err != nil {
				return
			}

		case protocol.KindIntent:
			if room == nil {
				continue
			}
			var in protocol.Intent
			if err := protocol.Open(env, &in); err != nil {
				continue
			}
			if !limiter.Allow() {
				h.addMetric(metricRateLimitedKey, 1)
				_ = peer.Send(protocol.ClassReliable, protocol.KindIntentReject, protocol.IntentReject{
					Seq:     in.Seq,
					Reason:  protocol.ReasonRateLimited,
					Message: "intent rate exceeded",
				})
				continue
			}
			switch err := room.SubmitIntent(player.ID, in); {
			case errors.Is(err, ErrDuplicateIntent):
				// A retransmitting client; re-ack so its retry settles.
				_ = peer.Send(protocol.ClassReliable, protocol.KindIntentAck, protocol.IntentAck{
					Seq:        in.Seq,
					Generation: room.Generation(),
				})
			case errors.Is(err, ErrQueueLimit):
				_ = peer.Send(protocol.ClassReliable, protocol.KindIntentReject, protocol.IntentReject{
					Seq:     in.Seq,
					Reason:  protocol.ReasonQueueLimit,
					Message: "intent queue full, retry next tick",
				})
			case err != nil:
				return
			}

		case protocol.KindChat:
			if room == nil {
				continue
			}
			var chat protocol.Chat
			if err := protocol.Open(env, &chat); err != nil {
				continue
			}
			room.Chat(player.ID, chat.Text)

		case protocol.KindGenerationAck:
			if room == nil {
				continue
			}
			var ack protocol.GenerationAck
			if err := protocol.Open(env, &ack); err != nil {
				continue
			}
			room.RecordGenerationAck(player.ID, ack.Generation)

		case protocol.KindSnapshotRequest:
			if room == nil {
				continue
			}
			if err := room.SendSnapshot(player.ID); err != nil {
				return
			}

		case protocol.KindLeave:
			return
		}
	}
}

// join finds or creates the requested room and admits the peer. A room can be
// retired between lookup and admission, so admission retries once against a
// fresh room.
func (h *Hub) join(req protocol.JoinRequest, peer *transport.Peer) (*Room, *Player, protocol.JoinAccepted, error) {
	name := req.Room
	if name == "" {
		name = h.cfg.DefaultRoom
	}
	for attempt := 0; attempt < 2; attempt++ {
		room, err := h.room(name)
		if err != nil {
			return nil, nil, protocol.JoinAccepted{}, err
		}
		player, accepted, err := room.Join(req.Name, peer)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, protocol.JoinAccepted{}, err
		}
		return room, player, accepted, nil
	}
	return nil, nil, protocol.JoinAccepted{}, fmt.Errorf("room %q: %w", name, ErrRoomClosed)
}

// room returns the named room, creating and starting it when absent.
func (h *Hub) room(name string) (*Room, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrShuttingDown
	}
	if room, ok := h.rooms[name]; ok {
		return room, nil
	}
	if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
		return nil, fmt.Errorf("room %q: %w", name, ErrRoomLimit)
	}
	room := newRoom(name, h.cfg, h.catalog, h.publisher, h.metrics)
	h.rooms[name] = room
	go room.Run()
	h.publisher.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomCreated,
		Actor:    logging.EntityRef{ID: name, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySession,
	})
	return room, nil
}

// maybeRetire tears a room down once its last member leaves.
func (h *Hub) maybeRetire(room *Room) {
	h.mu.Lock()
	if h.closed || h.rooms[room.Name()] != room || !room.retireIfEmpty() {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, room.Name())
	h.mu.Unlock()

	room.Close("room empty")
	h.storeGauges()
}

func joinRejectReason(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return protocol.ReasonRoomFull
	case errors.Is(err, ErrRoomLimit), errors.Is(err, ErrRoomClosed):
		return protocol.ReasonRoomNotFound
	case errors.Is(err, ErrShuttingDown):
		return protocol.ReasonShutdown
	default:
		return protocol.ReasonRoomNotFound
	}
}

func (h *Hub) storeGauges() {
	if h.metrics == nil {
		return
	}
	h.mu.Lock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, room := range h.rooms {
		rooms = append(rooms, room)
	}
	h.mu.Unlock()

	players := 0
	for _, room := range rooms {
		players += room.Stats().Players
	}
	h.metrics.Store(metricRoomsActiveKey, uint64(len(rooms)))
	h.metrics.Store(metricPlayersActiveKey, uint64(players))
}

func (h *Hub) addMetric(key string, delta uint64) {
	if h.metrics == nil {
		return
	}
	h.metrics.Add(key, delta)
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
