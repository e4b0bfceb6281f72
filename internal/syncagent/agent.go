// Package syncagent implements the client half of the synchronization
// protocol: it joins a room, mirrors the universe by applying the diff
// stream, and falls back to snapshot recovery when the stream gaps.
package syncagent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lifewire/internal/diff"
	"lifewire/internal/life"
	"lifewire/internal/life/pattern"
	"lifewire/internal/protocol"
	"lifewire/internal/telemetry"
	"lifewire/internal/transport"
)

// Status is the agent's synchronization state.
type Status string

const (
	// StatusConnecting means the join handshake has not completed.
	StatusConnecting Status = "connecting"
	// StatusSynced means the local grid tracks the server's diff stream.
	StatusSynced Status = "synced"
	// StatusCatchingUp means a stream gap was detected and a snapshot is on
	// its way.
	StatusCatchingUp Status = "catchingUp"
	// StatusDisconnected means the connection is gone.
	StatusDisconnected Status = "disconnected"
)

// ErrDisconnected reports an operation on a dead agent.
var ErrDisconnected = errors.New("agent disconnected")

// JoinError carries the server's rejection reason.
type JoinError struct {
	Reason  string
	Message string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("join rejected: %s (%s)", e.Reason, e.Message)
}

const (
	metricDiffsAppliedKey     = "syncagent_diffs_applied_total"
	metricSnapshotsAppliedKey = "syncagent_snapshots_applied_total"
	metricMismatchesKey       = "syncagent_generation_mismatches_total"
	metricIntentsSentKey      = "syncagent_intents_sent_total"
)

// Handlers are the agent's optional callbacks. They run on the agent's read
// goroutine; implementations must not block.
type Handlers struct {
	// OnState fires after every applied diff or snapshot with a copy of the
	// grid and its generation.
	OnState func(grid *life.Grid, generation uint64)
	// OnStatus fires on every status transition.
	OnStatus func(status Status)
	// OnChat fires for every chat line fanned out by the room.
	OnChat func(event protocol.ChatEvent)
	// OnPlayers fires for membership changes.
	OnPlayers func(event protocol.PlayerEvent)
	// OnPause fires when the room clock pauses or resumes.
	OnPause func(state protocol.PauseState)
	// OnIntentResult fires when a submitted intent is acknowledged or
	// rejected; reason is empty on success.
	OnIntentResult func(seq uint64, generation uint64, reason string)
}

// Config carries the join parameters and transport policy.
type Config struct {
	// Name is the display name sent with the join request.
	Name string
	// Room selects the room; empty joins the server's default.
	Room string
	// JoinTimeout bounds the handshake.
	JoinTimeout time.Duration
	// Transport is handed to the underlying peer.
	Transport transport.Config
	Handlers  Handlers
}

// Agent mirrors one room's universe over an unreliable datagram connection.
type Agent struct {
	cfg      Config
	peer     *transport.Peer
	handlers Handlers
	metrics  telemetry.Metrics

	mu          sync.Mutex
	status      Status
	grid        *life.Grid
	generation  uint64
	playerID    string
	room        string
	universeCfg life.Config
	paused      bool
	intentSeq   uint64

	done     chan struct{}
	doneOnce sync.Once
	err      error
}

// Connect dials the session manager over the given connection and completes
// the join handshake before returning. The returned agent is already synced
// to the snapshot carried by the acceptance.
func Connect(conn transport.DatagramConn, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) (*Agent, error) {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	peer := transport.NewPeer(conn, cfg.Transport, logger, metrics)
	a := &Agent{
		cfg:      cfg,
		peer:     peer,
		handlers: cfg.Handlers,
		metrics:  metrics,
		status:   StatusConnecting,
		done:     make(chan struct{}),
	}

	if err := peer.Send(protocol.ClassReliable, protocol.KindJoinRequest, protocol.JoinRequest{
		Name: cfg.Name,
		Room: cfg.Room,
	}); err != nil {
		peer.Close(err)
		return nil, err
	}
	if err := a.awaitAcceptance(); err != nil {
		peer.Close(err)
		return nil, err
	}

	go a.run()
	return a, nil
}

func (a *Agent) awaitAcceptance() error {
	timeout := time.After(a.cfg.JoinTimeout)
	for {
		select {
		case env, ok := <-a.peer.Inbox():
			if !ok {
				return fmt.Errorf("connection lost during join: %w", a.peer.Err())
			}
			switch env.Kind {
			case protocol.KindJoinAccepted:
				var accepted protocol.JoinAccepted
				if err := protocol.Open(env, &accepted); err != nil {
					return fmt.Errorf("malformed acceptance: %w", err)
				}
				return a.completeJoin(accepted)
			case protocol.KindJoinRejected:
				var rejected protocol.JoinRejected
				if err := protocol.Open(env, &rejected); err != nil {
					return fmt.Errorf("malformed rejection: %w", err)
				}
				return &JoinError{Reason: rejected.Reason, Message: rejected.Message}
			default:
				// Broadcasts can race ahead of the acceptance; drop them, the
				// snapshot supersedes anything missed.
			}
		case <-timeout:
			return errors.New("join timed out")
		}
	}
}

func (a *Agent) completeJoin(accepted protocol.JoinAccepted) error {
	cfg := accepted.Config.Normalized()
	grid := life.NewGrid(cfg.Width, cfg.Height)
	gen, err := diff.Apply(grid, 0, accepted.Snapshot)
	if err != nil {
		return fmt.Errorf("initial snapshot: %w", err)
	}

	a.mu.Lock()
	a.playerID = accepted.PlayerID
	a.room = accepted.Room
	a.universeCfg = cfg
	a.paused = accepted.Paused
	a.grid = grid
	a.generation = gen
	a.status = StatusSynced
	a.mu.Unlock()

	a.ackGeneration(gen)
	a.notifyStatus(StatusSynced)
	a.notifyState(grid, gen)
	return nil
}

func (a *Agent) run() {
	for env := range a.peer.Inbox() {
		switch env.Kind {
		case protocol.KindDiff:
			a.handleDiff(env)
		case protocol.KindSnapshot:
			a.handleSnapshot(env)
		case protocol.KindChatEvent:
			var event protocol.ChatEvent
			if protocol.Open(env, &event) == nil && a.handlers.OnChat != nil {
				a.handlers.OnChat(event)
			}
		case protocol.KindPlayerEvent:
			var event protocol.PlayerEvent
			if protocol.Open(env, &event) == nil && a.handlers.OnPlayers != nil {
				a.handlers.OnPlayers(event)
			}
		case protocol.KindPauseState:
			var state protocol.PauseState
			if protocol.Open(env, &state) == nil {
				a.mu.Lock()
				a.paused = state.Paused
				a.mu.Unlock()
				if a.handlers.OnPause != nil {
					a.handlers.OnPause(state)
				}
			}
		case protocol.KindIntentAck:
			var ack protocol.IntentAck
			if protocol.Open(env, &ack) == nil && a.handlers.OnIntentResult != nil {
				a.handlers.OnIntentResult(ack.Seq, ack.Generation, "")
			}
		case protocol.KindIntentReject:
			var reject protocol.IntentReject
			if protocol.Open(env, &reject) == nil && a.handlers.OnIntentResult != nil {
				a.handlers.OnIntentResult(reject.Seq, 0, reject.Reason)
			}
		case protocol.KindLeave:
			a.shutdown(nil)
			return
		}
	}
	a.shutdown(a.peer.Err())
}

func (a *Agent) handleDiff(env protocol.Envelope) {
	var d diff.Diff
	if err := protocol.Open(env, &d); err != nil {
		return
	}

	a.mu.Lock()
	if a.status == StatusCatchingUp {
		// Deltas are useless until the snapshot lands.
		a.mu.Unlock()
		return
	}
	before := a.generation
	gen, err := diff.Apply(a.grid, a.generation, d)
	if err == nil {
		a.generation = gen
	}
	a.mu.Unlock()

	switch {
	case errors.Is(err, diff.ErrGenerationMismatch):
		a.addMetric(metricMismatchesKey, 1)
		a.beginCatchUp()
	case err != nil:
		// Malformed payload; the stream may still recover.
	case gen != before:
		a.addMetric(metricDiffsAppliedKey, 1)
		a.ackGeneration(gen)
		a.notifyStateSnapshot()
	case d.SourceGen == d.TargetGen && !d.Empty():
		// In-place edit while paused.
		a.addMetric(metricDiffsAppliedKey, 1)
		a.ackGeneration(gen)
		a.notifyStateSnapshot()
	}
}

func (a *Agent) handleSnapshot(env protocol.Envelope) {
	var snap diff.Diff
	if err := protocol.Open(env, &snap); err != nil {
		return
	}

	a.mu.Lock()
	gen, err := diff.Apply(a.grid, a.generation, snap)
	if err != nil {
		a.mu.Unlock()
		return
	}
	a.generation = gen
	wasCatchingUp := a.status == StatusCatchingUp
	a.status = StatusSynced
	a.mu.Unlock()

	a.addMetric(metricSnapshotsAppliedKey, 1)
	a.ackGeneration(gen)
	if wasCatchingUp {
		a.notifyStatus(StatusSynced)
	}
	a.notifyStateSnapshot()
}

// beginCatchUp transitions to the catching-up state and asks for a snapshot.
// Repeated mismatches while a request is pending are absorbed silently.
func (a *Agent) beginCatchUp() {
	a.mu.Lock()
	if a.status != StatusSynced {
		a.mu.Unlock()
		return
	}
	a.status = StatusCatchingUp
	fromGen := a.generation
	a.mu.Unlock()

	a.notifyStatus(StatusCatchingUp)
	_ = a.peer.Send(protocol.ClassReliable, protocol.KindSnapshotRequest, protocol.SnapshotRequest{FromGen: fromGen})
}

// Toggle submits a cell flip at the agent's observed generation.
func (a *Agent) Toggle(x, y int) (uint64, error) {
	return a.submit(life.Intent{Kind: life.IntentToggle, X: x, Y: y})
}

// Place submits a pattern stamp.
func (a *Agent) Place(patternID string, rotation pattern.Rotation, x, y int) (uint64, error) {
	return a.submit(life.Intent{Kind: life.IntentPlace, Pattern: patternID, Rotation: rotation, X: x, Y: y})
}

// Pause submits a clock pause request.
func (a *Agent) Pause() (uint64, error) {
	return a.submit(life.Intent{Kind: life.IntentPause})
}

// Resume submits a clock resume request.
func (a *Agent) Resume() (uint64, error) {
	return a.submit(life.Intent{Kind: life.IntentResume})
}

// Step submits a single-generation advance; the server accepts it only while
// paused.
func (a *Agent) Step() (uint64, error) {
	return a.submit(life.Intent{Kind: life.IntentStep})
}

func (a *Agent) submit(in life.Intent) (uint64, error) {
	a.mu.Lock()
	if a.status == StatusDisconnected {
		a.mu.Unlock()
		return 0, ErrDisconnected
	}
	a.intentSeq++
	seq := a.intentSeq
	in.Generation = a.generation
	a.mu.Unlock()

	err := a.peer.Send(protocol.ClassReliable, protocol.KindIntent, protocol.Intent{Intent: in, Seq: seq})
	if err != nil {
		return 0, err
	}
	a.addMetric(metricIntentsSentKey, 1)
	return seq, nil
}

// Chat sends a chat line to the room.
func (a *Agent) Chat(text string) error {
	return a.peer.Send(protocol.ClassReliable, protocol.KindChat, protocol.Chat{Text: text})
}

// RequestSnapshot forces a full resynchronization.
func (a *Agent) RequestSnapshot() error {
	a.mu.Lock()
	a.status = StatusCatchingUp
	fromGen := a.generation
	a.mu.Unlock()
	a.notifyStatus(StatusCatchingUp)
	return a.peer.Send(protocol.ClassReliable, protocol.KindSnapshotRequest, protocol.SnapshotRequest{FromGen: fromGen})
}

// Leave announces an orderly departure and tears the connection down.
func (a *Agent) Leave() {
	_ = a.peer.Send(protocol.ClassReliable, protocol.KindLeave, protocol.Leave{})
	// Give the reliable send a moment on the wire before closing.
	time.Sleep(50 * time.Millisecond)
	a.shutdown(nil)
}

// Close tears the connection down immediately.
func (a *Agent) Close() {
	a.shutdown(nil)
}

// Snapshot returns a copy of the mirrored grid and its generation.
func (a *Agent) Snapshot() (*life.Grid, uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.grid.Clone(), a.generation
}

// Generation returns the newest applied generation.
func (a *Agent) Generation() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generation
}

// Status returns the current synchronization state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// PlayerID returns the identity assigned at join.
func (a *Agent) PlayerID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playerID
}

// Room returns the joined room's name.
func (a *Agent) Room() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.room
}

// UniverseConfig returns the room's universe configuration.
func (a *Agent) UniverseConfig() life.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.universeCfg
}

// Paused reports the room clock state as last broadcast.
func (a *Agent) Paused() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paused
}

// RTT returns the transport's current round-trip estimate.
func (a *Agent) RTT() time.Duration {
	return a.peer.RTT()
}

// Done closes when the agent disconnects.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Err returns the terminal error, if any, after Done closes.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

func (a *Agent) shutdown(err error) {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		a.status = StatusDisconnected
		a.err = err
		a.mu.Unlock()
		a.peer.Close(err)
		a.notifyStatus(StatusDisconnected)
		close(a.done)
	})
}

func (a *Agent) ackGeneration(gen uint64) {
	_ = a.peer.Send(protocol.ClassUnreliable, protocol.KindGenerationAck, protocol.GenerationAck{Generation: gen})
}

func (a *Agent) notifyStateSnapshot() {
	if a.handlers.OnState == nil {
		return
	}
	a.mu.Lock()
	grid := a.grid.Clone()
	gen := a.generation
	a.mu.Unlock()
	a.handlers.OnState(grid, gen)
}

func (a *Agent) notifyState(grid *life.Grid, gen uint64) {
	if a.handlers.OnState == nil {
		return
	}
	a.handlers.OnState(grid.Clone(), gen)
}

func (a *Agent) notifyStatus(status Status) {
	if a.handlers.OnStatus == nil {
		return
	}
	a.handlers.OnStatus(status)
}

func (a *Agent) addMetric(key string, delta uint64) {
	if a.metrics == nil {
		return
	}
	a.metrics.Add(key, delta)
}
