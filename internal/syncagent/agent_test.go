package syncagent

import (
	"errors"
	"testing"
	"time"

	"lifewire/internal/diff"
	"lifewire/internal/life"
	"lifewire/internal/protocol"
	"lifewire/internal/session"
	"lifewire/internal/transport"
)

func fastTransport() transport.Config {
	return transport.Config{
		KeepAliveInterval: 50 * time.Millisecond,
		KeepAliveTimeout:  500 * time.Millisecond,
		RetransmitInitial: 20 * time.Millisecond,
		RetransmitMax:     100 * time.Millisecond,
		MaxRetries:        10,
		TimerInterval:     5 * time.Millisecond,
	}
}

func hubConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.TickInterval = 15 * time.Millisecond
	cfg.Universe = life.Config{Width: 16, Height: 12, Edge: life.EdgeToroidal, StaleTolerance: 20}
	return cfg
}

func dial(t *testing.T, h *session.Hub, name, room string, handlers Handlers) *Agent {
	t.Helper()
	serverConn, clientConn := transport.NewPipe(transport.PipeConfig{Seed: 3})
	serverPeer := transport.NewPeer(serverConn, fastTransport(), nil, nil)
	h.ServePeer(serverPeer)

	agent, err := Connect(clientConn, Config{
		Name:        name,
		Room:        room,
		JoinTimeout: 3 * time.Second,
		Transport:   fastTransport(),
		Handlers:    handlers,
	}, nil, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(agent.Close)
	return agent
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
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

func TestConnectSyncsAndIntentsLand(t *testing.T) {
	h := session.NewHub(hubConfig(), nil, nil, nil, nil)
	defer h.Close()

	agent := dial(t, h, "ada", "", Handlers{})
	if agent.Status() != StatusSynced {
		t.Fatalf("agent is %s after connect", agent.Status())
	}
	if agent.PlayerID() == "" || agent.Room() != "lobby" {
		t.Fatalf("bad identity: id=%q room=%q", agent.PlayerID(), agent.Room())
	}

	if _, err := agent.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	waitUntil(t, 3*time.Second, agent.Paused, "pause broadcast")

	if _, err := agent.Toggle(3, 3); err != nil {
		t.Fatalf("toggle failed: %v", err)
	}
	waitUntil(t, 3*time.Second, func() bool {
		grid, _ := agent.Snapshot()
		return grid.At(3, 3)
	}, "toggled cell to reach the mirror")
}

func TestLateJoinerConvergesOnTheSameGrid(t *testing.T) {
	h := session.NewHub(hubConfig(), nil, nil, nil, nil)
	defer h.Close()

	first := dial(t, h, "ada", "shared", Handlers{})
	if _, err := first.Place("glider", 0, 4, 4); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	// Let the universe run a while before the second client shows up.
	waitUntil(t, 5*time.Second, func() bool { return first.Generation() >= 20 }, "universe to reach generation 20")

	second := dial(t, h, "grace", "shared", Handlers{})
	if second.Room() != "shared" {
		t.Fatalf("late joiner landed in %q", second.Room())
	}

	if _, err := first.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	waitUntil(t, 5*time.Second, func() bool {
		if !first.Paused() || !second.Paused() {
			return false
		}
		return first.Generation() == second.Generation()
	}, "both mirrors to settle on the paused generation")

	gridA, genA := first.Snapshot()
	gridB, genB := second.Snapshot()
	if genA != genB {
		t.Fatalf("mirrors settled at different generations: %d vs %d", genA, genB)
	}
	if !gridA.Equal(gridB) {
		t.Fatalf("mirrors diverged at generation %d", genA)
	}
	if gridA.LiveCount() == 0 {
		t.Fatalf("glider vanished before the comparison")
	}
}

func TestGenerationMismatchTriggersSnapshotRecovery(t *testing.T) {
	serverConn, clientConn := transport.NewPipe(transport.PipeConfig{Seed: 5})
	server := transport.NewPeer(serverConn, fastTransport(), nil, nil)
	defer server.Close(nil)

	joined := life.NewGrid(8, 8)
	joined.Set(1, 1, true)

	go func() {
		for env := range server.Inbox() {
			if env.Kind != protocol.KindJoinRequest {
				continue
			}
			_ = server.Send(protocol.ClassReliable, protocol.KindJoinAccepted, protocol.JoinAccepted{
				PlayerID: "p-1",
				Room:     "scripted",
				Config:   life.Config{Width: 8, Height: 8, Edge: life.EdgeToroidal, StaleTolerance: 10},
				Snapshot: diff.Snapshot(joined, 5),
			})
			return
		}
	}()

	statuses := make(chan Status, 16)
	agent, err := Connect(clientConn, Config{
		Name:        "ada",
		JoinTimeout: 3 * time.Second,
		Transport:   fastTransport(),
		Handlers: Handlers{
			OnStatus: func(s Status) { statuses <- s },
		},
	}, nil, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer agent.Close()
	if gen := agent.Generation(); gen != 5 {
		t.Fatalf("joined at generation %d, want 5", gen)
	}

	// A diff from a future the agent never saw.
	prev := life.NewGrid(8, 8)
	next := prev.Clone()
	next.Set(2, 2, true)
	orphan := diff.Compute(prev, next, []life.Region{{X: 0, Y: 0, W: 8, H: 8}}, 9, 10)
	if err := server.Send(protocol.ClassOrdered, protocol.KindDiff, orphan); err != nil {
		t.Fatalf("send orphan diff: %v", err)
	}

	env := waitForKind(t, server, protocol.KindSnapshotRequest, 3*time.Second)
	var req protocol.SnapshotRequest
	if err := protocol.Open(env, &req); err != nil {
		t.Fatalf("open snapshot request: %v", err)
	}
	if req.FromGen != 5 {
		t.Fatalf("snapshot requested from generation %d, want 5", req.FromGen)
	}

	recovered := life.NewGrid(8, 8)
	recovered.Set(2, 2, true)
	recovered.Set(3, 3, true)
	if err := server.Send(protocol.ClassReliable, protocol.KindSnapshot, diff.Snapshot(recovered, 10)); err != nil {
		t.Fatalf("send recovery snapshot: %v", err)
	}

	deadline := time.After(3 * time.Second)
	sawCatchingUp := false
	for {
		select {
		case s := <-statuses:
			if s == StatusCatchingUp {
				sawCatchingUp = true
			}
			if s == StatusSynced && sawCatchingUp {
				grid, gen := agent.Snapshot()
				if gen != 10 {
					t.Fatalf("recovered at generation %d, want 10", gen)
				}
				if !grid.Equal(recovered) {
					t.Fatalf("recovered grid does not match the snapshot")
				}
				return
			}
		case <-deadline:
			t.Fatalf("agent never recovered (sawCatchingUp=%v)", sawCatchingUp)
		}
	}
}

func TestJoinRejectionSurfacesTheReason(t *testing.T) {
	serverConn, clientConn := transport.NewPipe(transport.PipeConfig{Seed: 9})
	server := transport.NewPeer(serverConn, fastTransport(), nil, nil)
	defer server.Close(nil)

	go func() {
		for env := range server.Inbox() {
			if env.Kind != protocol.KindJoinRequest {
				continue
			}
			_ = server.Send(protocol.ClassReliable, protocol.KindJoinRejected, protocol.JoinRejected{
				Reason:  protocol.ReasonRoomFull,
				Message: "room is full",
			})
			return
		}
	}()

	_, err := Connect(clientConn, Config{
		Name:        "ada",
		JoinTimeout: 3 * time.Second,
		Transport:   fastTransport(),
	}, nil, nil)
	var joinErr *JoinError
	if !errors.As(err, &joinErr) {
		t.Fatalf("expected JoinError, got %v", err)
	}
	if joinErr.Reason != protocol.ReasonRoomFull {
		t.Fatalf("rejected with %q, want %q", joinErr.Reason, protocol.ReasonRoomFull)
	}
}

func TestSilentServerDisconnectsTheAgent(t *testing.T) {
	serverConn, clientConn := transport.NewPipe(transport.PipeConfig{Seed: 13})
	server := transport.NewPeer(serverConn, fastTransport(), nil, nil)

	grid := life.NewGrid(8, 8)
	go func() {
		for env := range server.Inbox() {
			if env.Kind != protocol.KindJoinRequest {
				continue
			}
			_ = server.Send(protocol.ClassReliable, protocol.KindJoinAccepted, protocol.JoinAccepted{
				PlayerID: "p-1",
				Room:     "scripted",
				Config:   life.Config{Width: 8, Height: 8, Edge: life.EdgeToroidal},
				Snapshot: diff.Snapshot(grid, 0),
			})
			return
		}
	}()

	agent, err := Connect(clientConn, Config{
		Name:        "ada",
		JoinTimeout: 3 * time.Second,
		Transport:   fastTransport(),
	}, nil, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	server.Close(nil)
	select {
	case <-agent.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("agent never noticed the dead server")
	}
	if agent.Status() != StatusDisconnected {
		t.Fatalf("agent is %s after disconnect", agent.Status())
	}
}
