// Package protocol defines the wire envelope and payload kinds exchanged
// between the session manager and sync agents. Payloads are JSON; the
// envelope carries the delivery class, per-class sequence number, and
// piggybacked acknowledgment state for the reliable class.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"lifewire/internal/diff"
	"lifewire/internal/life"
)

// Version is the protocol version. Peers with a different version fail fast
// at decode instead of silently corrupting state.
const Version = 1

// ErrVersionMismatch rejects envelopes from an incompatible peer.
var ErrVersionMismatch = errors.New("protocol version mismatch")

// Class selects the delivery guarantees for an envelope.
type Class string

const (
	// ClassUnreliable is fire-and-forget with receiver-side de-duplication.
	ClassUnreliable Class = "unreliable"
	// ClassOrdered delivers in strictly increasing sequence order, dropping
	// messages superseded by a newer arrival.
	ClassOrdered Class = "ordered"
	// ClassReliable retransmits until acknowledged and delivers in order.
	ClassReliable Class = "reliable"
)

// Valid reports whether the class is one of the three delivery classes.
func (c Class) Valid() bool {
	return c == ClassUnreliable || c == ClassOrdered || c == ClassReliable
}

// Kind tags the payload carried by an envelope.
type Kind string

const (
	KindJoinRequest     Kind = "joinRequest"
	KindJoinAccepted    Kind = "joinAccepted"
	KindJoinRejected    Kind = "joinRejected"
	KindIntent          Kind = "intent"
	KindIntentAck       Kind = "intentAck"
	KindIntentReject    Kind = "intentReject"
	KindDiff            Kind = "diff"
	KindSnapshot        Kind = "snapshot"
	KindSnapshotRequest Kind = "snapshotRequest"
	KindChat            Kind = "chat"
	KindChatEvent       Kind = "chatEvent"
	KindPlayerEvent     Kind = "playerEvent"
	KindPauseState      Kind = "pauseState"
	KindLeave           Kind = "leave"
	KindKeepAlive       Kind = "keepAlive"
	KindKeepAliveAck    Kind = "keepAliveAck"
	KindGenerationAck   Kind = "generationAck"
	KindAck             Kind = "ack"
)

// Envelope is the unit put on the wire, one per datagram.
type Envelope struct {
	Ver     int             `json:"ver"`
	Class   Class           `json:"class"`
	Seq     uint64          `json:"seq"`
	Ack     uint64          `json:"ack,omitempty"`
	AckBits uint32          `json:"ackBits,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Reason codes carried by reject payloads. The human-readable message rides
// alongside so front ends never see a raw code.
const (
	ReasonRoomFull        = "room_full"
	ReasonRoomNotFound    = "room_not_found"
	ReasonStaleIntent     = "stale_intent"
	ReasonOutOfBounds     = "out_of_bounds"
	ReasonInvalidPattern  = "invalid_pattern"
	ReasonVersionMismatch = "version_mismatch"
	ReasonInvalidIntent   = "invalid_intent"
	ReasonRateLimited     = "rate_limited"
	ReasonQueueLimit      = "queue_limit"
	ReasonShutdown        = "shutdown"
)

// JoinRequest asks the session manager for membership in a room.
type JoinRequest struct {
	Name string `json:"name"`
	Room string `json:"room,omitempty"`
}

// JoinAccepted carries the assigned identity and the initial full snapshot.
type JoinAccepted struct {
	PlayerID string      `json:"playerId"`
	Room     string      `json:"room"`
	Config   life.Config `json:"config"`
	Paused   bool        `json:"paused,omitempty"`
	Snapshot diff.Diff   `json:"snapshot"`
}

// JoinRejected explains a refused join.
type JoinRejected struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Intent submits a player mutation or clock-control request. Seq is the
// client's own intent counter, echoed back in acks and rejects.
type Intent struct {
	life.Intent
	Seq uint64 `json:"seq,omitempty"`
}

// IntentAck confirms an intent was applied at the given server generation.
type IntentAck struct {
	Seq        uint64 `json:"seq"`
	Generation uint64 `json:"generation"`
}

// IntentReject reports a refused intent. Informational only; clients run no
// local prediction in multiplayer.
type IntentReject struct {
	Seq     uint64 `json:"seq"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// SnapshotRequest asks for a fresh full snapshot after a generation mismatch
// or detected gap.
type SnapshotRequest struct {
	FromGen uint64 `json:"fromGen"`
}

// Chat is a client-to-server chat line.
type Chat struct {
	Text string `json:"text"`
}

// ChatEvent fans a chat line out to the room.
type ChatEvent struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Text     string `json:"text"`
}

// PlayerEvent announces membership changes.
type PlayerEvent struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Joined   bool   `json:"joined"`
}

// PauseState broadcasts the room clock's pause flag.
type PauseState struct {
	Paused     bool   `json:"paused"`
	ByPlayerID string `json:"byPlayerId,omitempty"`
}

// Leave announces an orderly disconnect.
type Leave struct {
	Reason string `json:"reason,omitempty"`
}

// KeepAlive is the liveness probe; KeepAliveAck echoes it with server time so
// clients can estimate RTT.
type KeepAlive struct {
	SentAt int64 `json:"sentAt"`
}

// KeepAliveAck answers a keep-alive probe.
type KeepAliveAck struct {
	SentAt     int64 `json:"sentAt"`
	ServerTime int64 `json:"serverTime"`
}

// GenerationAck reports the newest generation a client has applied. The server
// uses it to advance join handshakes and to detect members that have fallen
// far enough behind to need a fresh snapshot.
type GenerationAck struct {
	Generation uint64 `json:"generation"`
}

// Seal marshals a payload into an envelope for the given class and kind. The
// sequence and ack fields are stamped by the transport at send time.
func Seal(class Class, kind Kind, payload any) (Envelope, error) {
	env := Envelope{Ver: Version, Class: class, Kind: kind}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Payload = data
	return env, nil
}

// Encode serializes an envelope to wire bytes.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses wire bytes, rejecting incompatible protocol versions and
// unknown delivery classes.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Ver != Version {
		return Envelope{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, env.Ver, Version)
	}
	if !env.Class.Valid() {
		return Envelope{}, fmt.Errorf("decode envelope: unknown class %q", env.Class)
	}
	return env, nil
}

// Open unmarshals an envelope's payload into out.
func Open(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}
	return nil
}
