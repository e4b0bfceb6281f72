package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// ConnState tracks a member's lifecycle inside a room.
type ConnState int

const (
	// StateConnecting means the member has been admitted but has not yet
	// acknowledged the initial snapshot.
	StateConnecting ConnState = iota
	// StateJoined means the member is receiving the live broadcast stream.
	StateJoined
	// StateDisconnected means the member has been removed.
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

const maxPlayerNameLength = 32

// Player is the durable identity assigned to a connection at join time.
type Player struct {
	ID       string
	Name     string
	JoinedAt time.Time
}

// NewPlayer mints a player with a fresh id and a sanitized display name.
func NewPlayer(name string) *Player {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "anonymous"
	}
	// The cap counts runes so truncation never splits a character.
	if runes := []rune(name); len(runes) > maxPlayerNameLength {
		name = string(runes[:maxPlayerNameLength])
	}
	return &Player{
		ID:       uuid.NewString(),
		Name:     name,
		JoinedAt: time.Now(),
	}
}
