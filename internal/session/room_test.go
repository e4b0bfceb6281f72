package session

import (
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"lifewire/internal/diff"
	"lifewire/internal/life"
	"lifewire/internal/protocol"
	"lifewire/internal/transport"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour // tests drive ticks by hand
	cfg.Universe = life.Config{Width: 16, Height: 12, Edge: life.EdgeToroidal, StaleTolerance: 5}
	cfg.ResyncThreshold = 3
	cfg.SnapshotInterval = 1000
	return cfg.Normalized()
}

func fastTransport() transport.Config {
	return transport.Config{
		KeepAliveInterval: 50 * time.Millisecond,
		KeepAliveTimeout:  2 * time.Second,
		RetransmitInitial: 20 * time.Millisecond,
		RetransmitMax:     100 * time.Millisecond,
		MaxRetries:        10,
		TimerInterval:     5 * time.Millisecond,
	}
}

// joinTestMember admits a member over a clean in-memory pipe and returns the
// client end of the connection.
func joinTestMember(t *testing.T, r *Room, name string) (*Player, protocol.JoinAccepted, *transport.Peer) {
	t.Helper()
	serverConn, clientConn := transport.NewPipe(transport.PipeConfig{Seed: 7})
	serverPeer := transport.NewPeer(serverConn, fastTransport(), nil, nil)
	clientPeer := transport.NewPeer(clientConn, fastTransport(), nil, nil)
	t.Cleanup(func() {
		serverPeer.Close(nil)
		clientPeer.Close(nil)
	})

	player, accepted, err := r.Join(name, serverPeer)
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return player, accepted, clientPeer
}

func waitForKind(t *testing.T, peer *transport.Peer, kind protocol.Kind, timeout time.Duration) protocol.Envelope {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env, ok := <-peer.Inbox():
			if !ok {
				t.Fatalf("connection closed while waiting for %s", kind)
			}
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

// expectNoKind drains the inbox for the window and fails if the kind shows up.
func expectNoKind(t *testing.T, peer *transport.Peer, kind protocol.Kind, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env, ok := <-peer.Inbox():
			if !ok {
				return
			}
			if env.Kind == kind {
				t.Fatalf("unexpected %s", kind)
			}
		case <-deadline:
			return
		}
	}
}

func TestJoinDeliversSnapshotAndAnnouncesPlayers(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	playerA, acceptedA, clientA := joinTestMember(t, r, "ada")
	if playerA.ID == "" || playerA.ID != acceptedA.PlayerID {
		t.Fatalf("join identity mismatch: %q vs %q", playerA.ID, acceptedA.PlayerID)
	}
	if acceptedA.Room != "test" || acceptedA.Paused {
		t.Fatalf("unexpected acceptance: %+v", acceptedA)
	}
	if acceptedA.Config.Width != 16 || acceptedA.Config.Height != 12 {
		t.Fatalf("acceptance carries wrong universe config: %+v", acceptedA.Config)
	}

	grid := life.NewGrid(acceptedA.Config.Width, acceptedA.Config.Height)
	gen, err := diff.Apply(grid, 0, acceptedA.Snapshot)
	if err != nil {
		t.Fatalf("initial snapshot does not apply: %v", err)
	}
	if gen != 0 {
		t.Fatalf("fresh room snapshot is at generation %d", gen)
	}

	playerB, _, _ := joinTestMember(t, r, "grace")
	env := waitForKind(t, clientA, protocol.KindPlayerEvent, 2*time.Second)
	var event protocol.PlayerEvent
	if err := protocol.Open(env, &event); err != nil {
		t.Fatalf("open player event: %v", err)
	}
	if event.PlayerID != playerB.ID || !event.Joined || event.Name != "grace" {
		t.Fatalf("unexpected player event: %+v", event)
	}

	r.Leave(playerB.ID, "test")
	env = waitForKind(t, clientA, protocol.KindPlayerEvent, 2*time.Second)
	if err := protocol.Open(env, &event); err != nil {
		t.Fatalf("open player event: %v", err)
	}
	if event.PlayerID != playerB.ID || event.Joined {
		t.Fatalf("unexpected departure event: %+v", event)
	}
}

func TestTickBroadcastsDiffsThatTrackTheUniverse(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, accepted, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, accepted.Snapshot.TargetGen)

	grid := life.NewGrid(accepted.Config.Width, accepted.Config.Height)
	gen, err := diff.Apply(grid, 0, accepted.Snapshot)
	if err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	// A vertical blinker.
	for i, cell := range [][2]int{{4, 3}, {4, 4}, {4, 5}} {
		intent := protocol.Intent{
			Intent: life.Intent{Kind: life.IntentToggle, X: cell[0], Y: cell[1], Generation: r.Generation()},
			Seq:    uint64(i + 1),
		}
		if err := r.SubmitIntent(player.ID, intent); err != nil {
			t.Fatalf("submit intent %d: %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		r.tick()
	}

	want := r.universe.Generation()
	for gen < want {
		env := waitForKind(t, client, protocol.KindDiff, 2*time.Second)
		var d diff.Diff
		if err := protocol.Open(env, &d); err != nil {
			t.Fatalf("open diff: %v", err)
		}
		gen, err = diff.Apply(grid, gen, d)
		if err != nil {
			t.Fatalf("apply diff at generation %d: %v", gen, err)
		}
	}

	if !grid.Equal(r.universe.Grid()) {
		t.Fatalf("client grid diverged from the universe at generation %d", gen)
	}
	if r.universe.Grid().LiveCount() != 3 {
		t.Fatalf("blinker lost cells: %d live", r.universe.Grid().LiveCount())
	}
}

func TestIntentAcksAndRejectReasons(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, _, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, 0)

	// Advance past the stale tolerance so generation-zero intents expire.
	for i := 0; i < 8; i++ {
		r.tick()
	}
	current := r.Generation()

	submit := func(seq uint64, in life.Intent) {
		t.Helper()
		if err := r.SubmitIntent(player.ID, protocol.Intent{Intent: in, Seq: seq}); err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
	}

	submit(1, life.Intent{Kind: life.IntentToggle, X: 2, Y: 2, Generation: 0})
	submit(2, life.Intent{Kind: life.IntentToggle, X: 99, Y: 2, Generation: current})
	submit(3, life.Intent{Kind: life.IntentPlace, Pattern: "no-such-pattern", Generation: current})
	submit(4, life.Intent{Kind: life.IntentStep, Generation: current})
	submit(5, life.Intent{Kind: life.IntentToggle, X: 2, Y: 2, Generation: current})
	r.tick()

	wantReasons := map[uint64]string{
		1: protocol.ReasonStaleIntent,
		2: protocol.ReasonOutOfBounds,
		3: protocol.ReasonInvalidPattern,
		4: protocol.ReasonInvalidIntent,
	}
	for len(wantReasons) > 0 {
		env := waitForKind(t, client, protocol.KindIntentReject, 2*time.Second)
		var reject protocol.IntentReject
		if err := protocol.Open(env, &reject); err != nil {
			t.Fatalf("open reject: %v", err)
		}
		want, ok := wantReasons[reject.Seq]
		if !ok {
			t.Fatalf("unexpected reject for seq %d: %+v", reject.Seq, reject)
		}
		if reject.Reason != want {
			t.Fatalf("seq %d rejected with %q, want %q", reject.Seq, reject.Reason, want)
		}
		delete(wantReasons, reject.Seq)
	}

	env := waitForKind(t, client, protocol.KindIntentAck, 2*time.Second)
	var ack protocol.IntentAck
	if err := protocol.Open(env, &ack); err != nil {
		t.Fatalf("open ack: %v", err)
	}
	if ack.Seq != 5 {
		t.Fatalf("expected ack for seq 5, got %d", ack.Seq)
	}
	// Intents apply before the tick advances, so the ack reports the
	// generation the mutation landed on.
	if ack.Generation != current {
		t.Fatalf("ack at generation %d, want %d", ack.Generation, current)
	}
}

func TestPauseFreezesTheClockAndStepAdvancesOnce(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, accepted, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, accepted.Snapshot.TargetGen)

	grid := life.NewGrid(accepted.Config.Width, accepted.Config.Height)
	gen, err := diff.Apply(grid, 0, accepted.Snapshot)
	if err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	submit := func(seq uint64, in life.Intent) {
		t.Helper()
		in.Generation = r.Generation()
		if err := r.SubmitIntent(player.ID, protocol.Intent{Intent: in, Seq: seq}); err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
	}

	submit(1, life.Intent{Kind: life.IntentPause})
	r.tick()

	env := waitForKind(t, client, protocol.KindPauseState, 2*time.Second)
	var pause protocol.PauseState
	if err := protocol.Open(env, &pause); err != nil {
		t.Fatalf("open pause state: %v", err)
	}
	if !pause.Paused || pause.ByPlayerID != player.ID {
		t.Fatalf("unexpected pause state: %+v", pause)
	}

	frozen := r.Generation()
	for i := 0; i < 3; i++ {
		r.tick()
	}
	if got := r.Generation(); got != frozen {
		t.Fatalf("paused room advanced from %d to %d", frozen, got)
	}

	// Edits land while paused and reach clients without a generation change.
	submit(2, life.Intent{Kind: life.IntentToggle, X: 7, Y: 7})
	r.tick()
	env = waitForKind(t, client, protocol.KindDiff, 2*time.Second)
	var d diff.Diff
	if err := protocol.Open(env, &d); err != nil {
		t.Fatalf("open paused diff: %v", err)
	}
	if d.SourceGen != frozen || d.TargetGen != frozen {
		t.Fatalf("paused diff spans %d..%d, want %d..%d", d.SourceGen, d.TargetGen, frozen, frozen)
	}
	if gen, err = diff.Apply(grid, gen, d); err != nil || gen != frozen {
		t.Fatalf("paused diff did not apply cleanly: gen=%d err=%v", gen, err)
	}
	if !grid.At(7, 7) {
		t.Fatalf("paused toggle missing from client grid")
	}

	submit(3, life.Intent{Kind: life.IntentStep})
	r.tick()
	if got := r.Generation(); got != frozen+1 {
		t.Fatalf("step moved the generation to %d, want %d", got, frozen+1)
	}

	submit(4, life.Intent{Kind: life.IntentResume})
	r.tick()
	if got := r.Generation(); got != frozen+2 {
		t.Fatalf("resume tick left the generation at %d, want %d", got, frozen+2)
	}
	env = waitForKind(t, client, protocol.KindPauseState, 2*time.Second)
	if err := protocol.Open(env, &pause); err != nil {
		t.Fatalf("open resume state: %v", err)
	}
	if pause.Paused {
		t.Fatalf("resume did not clear the pause flag")
	}
}

func TestLaggingMemberGetsResynced(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, accepted, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, accepted.Snapshot.TargetGen)

	// Tick past the resync threshold without acking anything further.
	for i := 0; i < 6; i++ {
		r.tick()
	}

	env := waitForKind(t, client, protocol.KindSnapshot, 2*time.Second)
	var snap diff.Diff
	if err := protocol.Open(env, &snap); err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	if !snap.Full {
		t.Fatalf("resync sent a delta, not a snapshot")
	}
	if snap.TargetGen < 4 {
		t.Fatalf("resync snapshot too old: generation %d", snap.TargetGen)
	}

	grid := life.NewGrid(accepted.Config.Width, accepted.Config.Height)
	if _, err := diff.Apply(grid, 0, snap); err != nil {
		t.Fatalf("apply resync snapshot: %v", err)
	}

	// One snapshot per lag episode: ticks inside the next threshold window
	// must not resend while the first is unacknowledged.
	r.tick()
	expectNoKind(t, client, protocol.KindSnapshot, 200*time.Millisecond)

	// A caught-up member is left alone.
	r.RecordGenerationAck(player.ID, r.Generation())
	r.tick()
	expectNoKind(t, client, protocol.KindSnapshot, 200*time.Millisecond)
}

func TestSubmitIntentDetectsDuplicatesAndOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.IntentQueueCapacity = 2
	r := newRoom("test", cfg, nil, nil, nil)
	defer r.Close("test over")

	player, _, _ := joinTestMember(t, r, "ada")

	in := protocol.Intent{
		Intent: life.Intent{Kind: life.IntentToggle, X: 1, Y: 1},
		Seq:    1,
	}
	if err := r.SubmitIntent(player.ID, in); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
	if err := r.SubmitIntent(player.ID, in); !errors.Is(err, ErrDuplicateIntent) {
		t.Fatalf("expected ErrDuplicateIntent, got %v", err)
	}

	in.Seq = 2
	if err := r.SubmitIntent(player.ID, in); err != nil {
		t.Fatalf("second submission failed: %v", err)
	}
	in.Seq = 3
	if err := r.SubmitIntent(player.ID, in); !errors.Is(err, ErrQueueLimit) {
		t.Fatalf("expected ErrQueueLimit, got %v", err)
	}

	if err := r.SubmitIntent("nobody", in); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
}

func TestChatFansOutToTheWholeRoom(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	playerA, _, clientA := joinTestMember(t, r, "ada")
	_, _, clientB := joinTestMember(t, r, "grace")

	r.Chat(playerA.ID, "hello")

	for _, client := range []*transport.Peer{clientA, clientB} {
		env := waitForKind(t, client, protocol.KindChatEvent, 2*time.Second)
		var chat protocol.ChatEvent
		if err := protocol.Open(env, &chat); err != nil {
			t.Fatalf("open chat event: %v", err)
		}
		if chat.PlayerID != playerA.ID || chat.Name != "ada" || chat.Text != "hello" {
			t.Fatalf("unexpected chat event: %+v", chat)
		}
	}
}

func TestCloseNotifiesMembers(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)

	_, _, client := joinTestMember(t, r, "ada")
	r.Close("server shutdown")

	env := waitForKind(t, client, protocol.KindLeave, 2*time.Second)
	var leave protocol.Leave
	if err := protocol.Open(env, &leave); err != nil {
		t.Fatalf("open leave: %v", err)
	}
	if leave.Reason != "server shutdown" {
		t.Fatalf("unexpected leave reason %q", leave.Reason)
	}

	if _, _, err := r.Join("late", nil); !errors.Is(err, ErrRoomClosed) {
		t.Fatalf("expected ErrRoomClosed after shutdown, got %v", err)
	}
}

func TestJournalServesCurrentSnapshotsWithoutRecompute(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, _, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, 0)

	if err := r.SendSnapshot(player.ID); err != nil {
		t.Fatalf("snapshot request failed: %v", err)
	}
	env := waitForKind(t, client, protocol.KindSnapshot, 2*time.Second)
	var snap diff.Diff
	if err := protocol.Open(env, &snap); err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	if snap.TargetGen != r.Generation() {
		t.Fatalf("served snapshot at %d, room at %d", snap.TargetGen, r.Generation())
	}

	size, _, newest := r.journal.Window()
	if size == 0 || newest != snap.TargetGen {
		t.Fatalf("journal window size=%d newest=%d after serving", size, newest)
	}
}

func TestPausedEditsReachLateJoinSnapshots(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, accepted, _ := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, accepted.Snapshot.TargetGen)

	submit := func(seq uint64, in life.Intent) {
		t.Helper()
		in.Generation = r.Generation()
		if err := r.SubmitIntent(player.ID, protocol.Intent{Intent: in, Seq: seq}); err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
	}

	// A block is a still life: once the room is paused it can only ever reach
	// a late joiner through the snapshot, never through a later rule diff.
	submit(1, life.Intent{Kind: life.IntentPause})
	block := [][2]int{{2, 2}, {3, 2}, {2, 3}, {3, 3}}
	for i, cell := range block {
		submit(uint64(i+2), life.Intent{Kind: life.IntentToggle, X: cell[0], Y: cell[1]})
	}
	r.tick()
	frozen := r.Generation()

	_, acceptedB, _ := joinTestMember(t, r, "grace")
	grid := life.NewGrid(acceptedB.Config.Width, acceptedB.Config.Height)
	gen, err := diff.Apply(grid, 0, acceptedB.Snapshot)
	if err != nil {
		t.Fatalf("apply late join snapshot: %v", err)
	}
	if gen != frozen {
		t.Fatalf("late join snapshot at generation %d, room frozen at %d", gen, frozen)
	}
	if got := grid.LiveCount(); got != len(block) {
		t.Fatalf("late join snapshot has %d live cells, want %d", got, len(block))
	}
	for _, cell := range block {
		if !grid.At(cell[0], cell[1]) {
			t.Fatalf("late join snapshot missing cell (%d, %d)", cell[0], cell[1])
		}
	}
}

func TestPausedEditDiffsRideTheReliableClass(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, accepted, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, accepted.Snapshot.TargetGen)

	submit := func(seq uint64, in life.Intent) {
		t.Helper()
		in.Generation = r.Generation()
		if err := r.SubmitIntent(player.ID, protocol.Intent{Intent: in, Seq: seq}); err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
	}

	submit(1, life.Intent{Kind: life.IntentPause})
	r.tick()
	submit(2, life.Intent{Kind: life.IntentToggle, X: 5, Y: 5})
	r.tick()

	env := waitForKind(t, client, protocol.KindDiff, 2*time.Second)
	var d diff.Diff
	if err := protocol.Open(env, &d); err != nil {
		t.Fatalf("open paused diff: %v", err)
	}
	if d.SourceGen != d.TargetGen {
		t.Fatalf("expected an in-place diff, got %d..%d", d.SourceGen, d.TargetGen)
	}
	// In-place diffs have no generation step, so a drop would be invisible
	// to the mismatch path; they must not ride a lossy class.
	if env.Class != protocol.ClassReliable {
		t.Fatalf("paused edit diff on class %q, want %q", env.Class, protocol.ClassReliable)
	}
}

func TestSyncingMembersSitOutTheDiffFanout(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	playerA, acceptedA, clientA := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(playerA.ID, acceptedA.Snapshot.TargetGen)
	playerB, acceptedB, clientB := joinTestMember(t, r, "grace")

	// B has not acknowledged its join snapshot yet; deltas would only race it.
	r.tick()
	waitForKind(t, clientA, protocol.KindDiff, 2*time.Second)
	expectNoKind(t, clientB, protocol.KindDiff, 200*time.Millisecond)

	r.RecordGenerationAck(playerB.ID, acceptedB.Snapshot.TargetGen)
	r.tick()
	waitForKind(t, clientB, protocol.KindDiff, 2*time.Second)
}

func TestUnackedResyncIsRepushedAfterAnotherThreshold(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, accepted, client := joinTestMember(t, r, "ada")
	r.RecordGenerationAck(player.ID, accepted.Snapshot.TargetGen)

	for i := 0; i < 6; i++ {
		r.tick()
	}
	env := waitForKind(t, client, protocol.KindSnapshot, 2*time.Second)
	var first diff.Diff
	if err := protocol.Open(env, &first); err != nil {
		t.Fatalf("open first snapshot: %v", err)
	}

	// The member sees no diffs while syncing, so a lost snapshot or ack must
	// not strand it: after another threshold of silence the push repeats.
	for i := 0; i < 4; i++ {
		r.tick()
	}
	env = waitForKind(t, client, protocol.KindSnapshot, 2*time.Second)
	var second diff.Diff
	if err := protocol.Open(env, &second); err != nil {
		t.Fatalf("open repushed snapshot: %v", err)
	}
	if second.TargetGen <= first.TargetGen {
		t.Fatalf("repushed snapshot at %d, not newer than %d", second.TargetGen, first.TargetGen)
	}

	r.RecordGenerationAck(player.ID, r.Generation())
	r.tick()
	expectNoKind(t, client, protocol.KindSnapshot, 200*time.Millisecond)
}

func TestChatTruncatesOnRuneBoundary(t *testing.T) {
	r := newRoom("test", testConfig(), nil, nil, nil)
	defer r.Close("test over")

	player, _, client := joinTestMember(t, r, "ada")

	r.Chat(player.ID, strings.Repeat("ä", maxChatLength+40))

	env := waitForKind(t, client, protocol.KindChatEvent, 2*time.Second)
	var chat protocol.ChatEvent
	if err := protocol.Open(env, &chat); err != nil {
		t.Fatalf("open chat event: %v", err)
	}
	if got := utf8.RuneCountInString(chat.Text); got != maxChatLength {
		t.Fatalf("chat truncated to %d runes, want %d", got, maxChatLength)
	}
	if !utf8.ValidString(chat.Text) {
		t.Fatalf("chat truncation split a character: %q", chat.Text[len(chat.Text)-8:])
	}
}
