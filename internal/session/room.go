package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"lifewire/internal/diff"
	"lifewire/internal/life"
	"lifewire/internal/life/pattern"
	"lifewire/internal/protocol"
	"lifewire/internal/telemetry"
	"lifewire/internal/transport"
	"lifewire/logging"
)

var (
	// ErrRoomFull rejects a join when the room is at capacity.
	ErrRoomFull = errors.New("room full")
	// ErrRoomClosed rejects operations after the room has been retired.
	ErrRoomClosed = errors.New("room closed")
	// ErrUnknownPlayer rejects operations for a player not in the room.
	ErrUnknownPlayer = errors.New("unknown player")
	// ErrQueueLimit rejects an intent when the staging ring is full.
	ErrQueueLimit = errors.New("intent queue full")
	// ErrDuplicateIntent flags a resubmission of an already staged intent.
	ErrDuplicateIntent = errors.New("duplicate intent")
)

const (
	metricIntentsAppliedKey   = "session_intents_applied_total"
	metricIntentsRejectedKey  = "session_intents_rejected_total"
	metricDiffsBroadcastKey   = "session_diffs_broadcast_total"
	metricSnapshotsServedKey  = "session_snapshots_served_total"
	metricResyncsKey          = "session_resyncs_total"
	metricSendFailuresKey     = "session_send_failures_total"
	metricChatBroadcastKey    = "session_chat_broadcast_total"
	metricGenerationStoredKey = "session_generation"
)

const maxChatLength = 512

// member binds a player identity to its transport peer and sync progress.
type member struct {
	player        *Player
	peer          *transport.Peer
	state         ConnState
	ackedGen      uint64
	syncing       bool
	syncTarget    uint64
	lastIntentSeq uint64
}

// outbound is a send staged under the room lock and flushed after release, so
// slow connections never stall the tick.
type outbound struct {
	peer    *transport.Peer
	class   protocol.Class
	kind    protocol.Kind
	payload any
}

// Room owns one universe and the members watching it. All state is guarded by
// mu; the Run loop drives ticks, while joins, intents, and acks arrive from
// connection goroutines.
type Room struct {
	name      string
	cfg       Config
	publisher logging.Publisher
	metrics   telemetry.Metrics

	intents *intentBuffer
	journal *Journal

	stop     chan struct{}
	stopOnce sync.Once

	mu              sync.Mutex
	closed          bool
	universe        *life.Universe
	baseline        *life.Grid
	baselineGen     uint64
	lastSnapshotGen uint64
	// editedSinceSnapshot marks cell edits made after the newest journal
	// frame. Paused edits change the grid without moving the generation, so
	// a frame at the current generation can still be stale.
	editedSinceSnapshot bool
	paused              bool
	pausedBy            string
	members             map[string]*member
}

func newRoom(name string, cfg Config, catalog *pattern.Catalog, publisher logging.Publisher, metrics telemetry.Metrics) *Room {
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	universe := life.NewUniverse(cfg.Universe, catalog)
	r := &Room{
		name:      name,
		cfg:       cfg,
		publisher: publisher,
		metrics:   metrics,
		intents:   newIntentBuffer(cfg.IntentQueueCapacity, metrics),
		journal:   NewJournal(cfg.JournalCapacity, cfg.JournalMaxAge),
		stop:      make(chan struct{}),
		universe:  universe,
		baseline:  universe.Grid().Clone(),
		members:   make(map[string]*member),
	}
	r.journal.Record(diff.Snapshot(universe.Grid(), universe.Generation()))
	return r
}

// Name returns the room's identifier.
func (r *Room) Name() string {
	return r.name
}

// Run drives the room clock until Close. Each tick applies staged intents,
// advances the universe, and broadcasts the resulting diff.
func (r *Room) Run() {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

// Close retires the room: the clock stops and every member is told the room
// is gone before its connection is torn down.
func (r *Room) Close(reason string) {
	r.stopOnce.Do(func() {
		close(r.stop)

		r.mu.Lock()
		r.closed = true
		departed := make([]*member, 0, len(r.members))
		for _, m := range r.members {
			m.state = StateDisconnected
			departed = append(departed, m)
		}
		r.members = make(map[string]*member)
		r.mu.Unlock()

		for _, m := range departed {
			_ = m.peer.Send(protocol.ClassReliable, protocol.KindLeave, protocol.Leave{Reason: reason})
			m.peer.Close(nil)
		}
		r.publishEvent(logging.Event{
			Type:     logging.EventRoomClosed,
			Actor:    logging.EntityRef{ID: r.name, Kind: logging.EntityKindRoom},
			Severity: logging.SeverityInfo,
			Category: logging.CategorySession,
			Extra:    map[string]any{"reason": reason},
		})
	})
}

// retireIfEmpty atomically marks an empty room closed so no join can slip in
// between the hub's registry removal and the Close call.
func (r *Room) retireIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.members) > 0 {
		return false
	}
	r.closed = true
	return true
}

// Join admits a new player. The returned acceptance carries the snapshot the
// caller must deliver on the reliable class; the member stays in the
// connecting state until its first generation ack.
func (r *Room) Join(name string, peer *transport.Peer) (*Player, protocol.JoinAccepted, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, protocol.JoinAccepted{}, ErrRoomClosed
	}
	if len(r.members) >= r.cfg.MaxPlayersPerRoom {
		r.mu.Unlock()
		return nil, protocol.JoinAccepted{}, ErrRoomFull
	}

	player := NewPlayer(name)
	gen := r.universe.Generation()
	snapshot := r.snapshotLocked()
	r.members[player.ID] = &member{
		player:     player,
		peer:       peer,
		state:      StateConnecting,
		syncing:    true,
		syncTarget: gen,
	}
	accepted := protocol.JoinAccepted{
		PlayerID: player.ID,
		Room:     r.name,
		Config:   r.universe.Config(),
		Paused:   r.paused,
		Snapshot: snapshot,
	}
	sends := r.broadcastLocked(player.ID, protocol.ClassReliable, protocol.KindPlayerEvent, protocol.PlayerEvent{
		PlayerID: player.ID,
		Name:     player.Name,
		Joined:   true,
	})
	r.mu.Unlock()

	r.flush(sends)
	r.publishEvent(logging.Event{
		Type:       logging.EventPlayerJoined,
		Generation: gen,
		Actor:      logging.EntityRef{ID: player.ID, Kind: logging.EntityKindPlayer},
		Targets:    []logging.EntityRef{{ID: r.name, Kind: logging.EntityKindRoom}},
		Severity:   logging.SeverityInfo,
		Category:   logging.CategorySession,
		Extra:      map[string]any{"name": player.Name, "remote": peer.RemoteLabel()},
	})
	return player, accepted, nil
}

// Leave removes a member and announces the departure to the rest of the room.
func (r *Room) Leave(playerID, reason string) {
	r.mu.Lock()
	m, ok := r.members[playerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	delete(r.members, playerID)
	gen := r.universe.Generation()
	sends := r.broadcastLocked(playerID, protocol.ClassReliable, protocol.KindPlayerEvent, protocol.PlayerEvent{
		PlayerID: playerID,
		Name:     m.player.Name,
		Joined:   false,
	})
	r.mu.Unlock()

	r.flush(sends)
	r.publishEvent(logging.Event{
		Type:       logging.EventPlayerLeft,
		Generation: gen,
		Actor:      logging.EntityRef{ID: playerID, Kind: logging.EntityKindPlayer},
		Targets:    []logging.EntityRef{{ID: r.name, Kind: logging.EntityKindRoom}},
		Severity:   logging.SeverityInfo,
		Category:   logging.CategorySession,
		Extra:      map[string]any{"reason": reason},
	})
}

// SubmitIntent stages an intent for the next tick. Duplicate sequence numbers
// from retransmitting clients are reported so the caller can re-ack.
func (r *Room) SubmitIntent(playerID string, intent protocol.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[playerID]
	if !ok {
		return ErrUnknownPlayer
	}
	if intent.Seq != 0 && intent.Seq <= m.lastIntentSeq {
		return ErrDuplicateIntent
	}
	if !r.intents.Push(stagedIntent{playerID: playerID, intent: intent}) {
		// The watermark stays put so the client's retry is not mistaken for
		// a duplicate.
		return ErrQueueLimit
	}
	if intent.Seq != 0 {
		m.lastIntentSeq = intent.Seq
	}
	return nil
}

// Chat fans a chat line out to every member, sender included.
func (r *Room) Chat(playerID, text string) {
	if text == "" {
		return
	}
	// The cap counts runes so truncation never splits a character.
	if runes := []rune(text); len(runes) > maxChatLength {
		text = string(runes[:maxChatLength])
	}

	r.mu.Lock()
	m, ok := r.members[playerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	sends := r.broadcastLocked("", protocol.ClassReliable, protocol.KindChatEvent, protocol.ChatEvent{
		PlayerID: playerID,
		Name:     m.player.Name,
		Text:     text,
	})
	gen := r.universe.Generation()
	r.mu.Unlock()

	r.flush(sends)
	r.addMetric(metricChatBroadcastKey, 1)
	r.publishEvent(logging.Event{
		Type:       logging.EventChatMessage,
		Generation: gen,
		Actor:      logging.EntityRef{ID: playerID, Kind: logging.EntityKindPlayer},
		Targets:    []logging.EntityRef{{ID: r.name, Kind: logging.EntityKindRoom}},
		Severity:   logging.SeverityDebug,
		Category:   logging.CategorySession,
	})
}

// RecordGenerationAck notes the newest generation a member has applied. The
// first ack at or past the sync target completes the member's handshake or
// resync and reopens the diff stream bookkeeping.
func (r *Room) RecordGenerationAck(playerID string, generation uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[playerID]
	if !ok {
		return
	}
	if generation > m.ackedGen {
		m.ackedGen = generation
	}
	if m.syncing && generation >= m.syncTarget {
		m.syncing = false
	}
	if m.state == StateConnecting && !m.syncing {
		m.state = StateJoined
	}
}

// SendSnapshot serves a fresh full snapshot to one member, marking it as
// syncing until the snapshot is acknowledged.
func (r *Room) SendSnapshot(playerID string) error {
	r.mu.Lock()
	m, ok := r.members[playerID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownPlayer
	}
	snapshot := r.snapshotLocked()
	m.syncing = true
	m.syncTarget = snapshot.TargetGen
	r.mu.Unlock()

	r.addMetric(metricSnapshotsServedKey, 1)
	r.flush([]outbound{{peer: m.peer, class: protocol.ClassReliable, kind: protocol.KindSnapshot, payload: snapshot}})
	return nil
}

// Empty reports whether the room has no members.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

// Generation returns the room's current generation.
func (r *Room) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.universe.Generation()
}

// RoomStats is the diagnostics view of one room.
type RoomStats struct {
	Name           string `json:"name"`
	Players        int    `json:"players"`
	Generation     uint64 `json:"generation"`
	Paused         bool   `json:"paused"`
	JournalSize    int    `json:"journalSize"`
	QueuedIntents  int    `json:"queuedIntents"`
	PendingRegions int    `json:"pendingRegions"`
}

// Stats snapshots the room for diagnostics.
func (r *Room) Stats() RoomStats {
	r.mu.Lock()
	stats := RoomStats{
		Name:           r.name,
		Players:        len(r.members),
		Generation:     r.universe.Generation(),
		Paused:         r.paused,
		PendingRegions: len(r.universe.DirtyRegions()),
	}
	r.mu.Unlock()
	stats.JournalSize, _, _ = r.journal.Window()
	stats.QueuedIntents = r.intents.Len()
	return stats
}

// tick applies staged intents in arrival order, advances the universe when
// running, and broadcasts the accumulated diff.
func (r *Room) tick() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	var sends []outbound
	for _, staged := range r.intents.Drain() {
		m, ok := r.members[staged.playerID]
		if !ok {
			continue
		}
		sends = append(sends, r.applyIntentLocked(m, staged.intent)...)
	}

	if !r.paused {
		r.universe.Advance()
	}
	gen := r.universe.Generation()

	d := diff.Compute(r.baseline, r.universe.Grid(), r.universe.ConsumeDirty(), r.baselineGen, gen)
	r.baseline = r.universe.Grid().Clone()
	r.baselineGen = gen

	// Empty diffs still go out when the generation moved; clients track the
	// counter through them, and a skipped generation would orphan every later
	// delta's source.
	if !d.Empty() || d.TargetGen != d.SourceGen {
		class := protocol.ClassOrdered
		if d.TargetGen == d.SourceGen {
			// An in-place edit has no generation step, so a lost datagram
			// here is invisible to the mismatch and resync paths. Rare and
			// small, so it rides the reliable class.
			class = protocol.ClassReliable
		}
		for _, m := range r.members {
			// Syncing members are mid-snapshot; deltas would only race it.
			if m.state == StateDisconnected || m.syncing {
				continue
			}
			sends = append(sends, outbound{peer: m.peer, class: class, kind: protocol.KindDiff, payload: d})
		}
		r.addMetric(metricDiffsBroadcastKey, 1)
	}

	if gen-r.lastSnapshotGen >= r.cfg.SnapshotInterval {
		r.journal.Record(diff.Snapshot(r.universe.Grid(), gen))
		r.lastSnapshotGen = gen
		r.editedSinceSnapshot = false
	}

	sends = append(sends, r.sweepLaggardsLocked(gen)...)
	if r.metrics != nil {
		r.metrics.Store(metricGenerationStoredKey, gen)
	}
	r.mu.Unlock()

	r.flush(sends)
}

// sweepLaggardsLocked pushes a fresh snapshot to members whose acknowledged
// generation trails past the resync threshold.
func (r *Room) sweepLaggardsLocked(gen uint64) []outbound {
	var sends []outbound
	var snapshot diff.Diff
	var snapshotReady bool
	for _, m := range r.members {
		if m.state == StateDisconnected {
			continue
		}
		if m.syncing {
			// A syncing member sees no diffs, so a lost snapshot or ack
			// would strand it. Push again after another threshold of
			// silence.
			if gen <= m.syncTarget || gen-m.syncTarget <= r.cfg.ResyncThreshold {
				continue
			}
		} else {
			if m.state != StateJoined {
				continue
			}
			if gen <= m.ackedGen || gen-m.ackedGen <= r.cfg.ResyncThreshold {
				continue
			}
		}
		if !snapshotReady {
			snapshot = r.snapshotLocked()
			snapshotReady = true
		}
		m.syncing = true
		m.syncTarget = snapshot.TargetGen
		sends = append(sends, outbound{peer: m.peer, class: protocol.ClassReliable, kind: protocol.KindSnapshot, payload: snapshot})
		r.addMetric(metricResyncsKey, 1)
		r.publishEvent(logging.Event{
			Type:       logging.EventResyncTriggered,
			Generation: gen,
			Actor:      logging.EntityRef{ID: m.player.ID, Kind: logging.EntityKindPlayer},
			Targets:    []logging.EntityRef{{ID: r.name, Kind: logging.EntityKindRoom}},
			Severity:   logging.SeverityWarn,
			Category:   logging.CategorySession,
			Extra:      map[string]any{"ackedGeneration": m.ackedGen},
		})
	}
	return sends
}

// applyIntentLocked applies one staged intent and stages the ack or reject
// for its submitter. Control intents drive the room clock; mutating intents
// go to the universe.
func (r *Room) applyIntentLocked(m *member, in protocol.Intent) []outbound {
	var sends []outbound

	reject := func(reason, message string) {
		r.addMetric(metricIntentsRejectedKey, 1)
		sends = append(sends, outbound{
			peer:    m.peer,
			class:   protocol.ClassReliable,
			kind:    protocol.KindIntentReject,
			payload: protocol.IntentReject{Seq: in.Seq, Reason: reason, Message: message},
		})
		r.publishEvent(logging.Event{
			Type:       logging.EventIntentRejected,
			Generation: r.universe.Generation(),
			Actor:      logging.EntityRef{ID: m.player.ID, Kind: logging.EntityKindPlayer},
			Severity:   logging.SeverityDebug,
			Category:   logging.CategorySimulation,
			Extra:      map[string]any{"reason": reason, "kind": string(in.Kind)},
		})
	}
	ack := func() {
		r.addMetric(metricIntentsAppliedKey, 1)
		sends = append(sends, outbound{
			peer:    m.peer,
			class:   protocol.ClassReliable,
			kind:    protocol.KindIntentAck,
			payload: protocol.IntentAck{Seq: in.Seq, Generation: r.universe.Generation()},
		})
	}

	switch in.Kind {
	case life.IntentPause:
		if !r.paused {
			r.paused = true
			r.pausedBy = m.player.ID
			sends = append(sends, r.pauseBroadcastLocked()...)
		}
		ack()
	case life.IntentResume:
		if r.paused {
			r.paused = false
			r.pausedBy = m.player.ID
			sends = append(sends, r.pauseBroadcastLocked()...)
		}
		ack()
	case life.IntentStep:
		if !r.paused {
			reject(protocol.ReasonInvalidIntent, "step requires a paused room")
			return sends
		}
		r.universe.Advance()
		ack()
	default:
		if err := r.universe.ApplyIntent(in.Intent); err != nil {
			reject(rejectReason(err), err.Error())
			return sends
		}
		if in.Intent.Mutates() {
			r.editedSinceSnapshot = true
		}
		ack()
	}
	return sends
}

func (r *Room) pauseBroadcastLocked() []outbound {
	r.publishEvent(logging.Event{
		Type:       logging.EventPauseChanged,
		Generation: r.universe.Generation(),
		Actor:      logging.EntityRef{ID: r.pausedBy, Kind: logging.EntityKindPlayer},
		Targets:    []logging.EntityRef{{ID: r.name, Kind: logging.EntityKindRoom}},
		Severity:   logging.SeverityInfo,
		Category:   logging.CategorySimulation,
		Extra:      map[string]any{"paused": r.paused},
	})
	return r.broadcastLocked("", protocol.ClassReliable, protocol.KindPauseState, protocol.PauseState{
		Paused:     r.paused,
		ByPlayerID: r.pausedBy,
	})
}

// snapshotLocked returns the current full snapshot, serving from the journal
// when it holds a frame at the current generation and no edit has landed
// since that frame was recorded.
func (r *Room) snapshotLocked() diff.Diff {
	gen := r.universe.Generation()
	if snap, ok := r.journal.ByGeneration(gen); ok && !r.editedSinceSnapshot {
		return snap
	}
	snap := diff.Snapshot(r.universe.Grid(), gen)
	r.journal.Record(snap)
	r.lastSnapshotGen = gen
	r.editedSinceSnapshot = false
	return snap
}

// broadcastLocked stages a send to every member except the named one. An
// empty exclusion broadcasts to all.
func (r *Room) broadcastLocked(excludePlayerID string, class protocol.Class, kind protocol.Kind, payload any) []outbound {
	var sends []outbound
	for id, m := range r.members {
		if id == excludePlayerID || m.state == StateDisconnected {
			continue
		}
		sends = append(sends, outbound{peer: m.peer, class: class, kind: kind, payload: payload})
	}
	return sends
}

func (r *Room) flush(sends []outbound) {
	for _, s := range sends {
		if err := s.peer.Send(s.class, s.kind, s.payload); err != nil {
			r.addMetric(metricSendFailuresKey, 1)
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, life.ErrStaleIntent):
		return protocol.ReasonStaleIntent
	case errors.Is(err, life.ErrOutOfBounds):
		return protocol.ReasonOutOfBounds
	case errors.Is(err, pattern.ErrUnknownPattern):
		return protocol.ReasonInvalidPattern
	default:
		return protocol.ReasonInvalidIntent
	}
}

func (r *Room) publishEvent(event logging.Event) {
	r.publisher.Publish(context.Background(), event)
}

func (r *Room) addMetric(key string, delta uint64) {
	if r.metrics == nil {
		return
	}
	r.metrics.Add(key, delta)
}
