package life

import "lifewire/internal/life/pattern"

// IntentKind identifies the type of player-requested mutation.
type IntentKind string

const (
	// IntentToggle flips a single cell.
	IntentToggle IntentKind = "toggle"
	// IntentPlace stamps a catalog pattern onto the grid.
	IntentPlace IntentKind = "place"
	// IntentPause stops the generation clock.
	IntentPause IntentKind = "pause"
	// IntentResume restarts the generation clock.
	IntentResume IntentKind = "resume"
	// IntentStep advances exactly one generation while paused.
	IntentStep IntentKind = "step"
)

// Intent is an immutable record of a requested mutation, tagged with the
// generation at which the submitter observed the grid.
type Intent struct {
	Kind       IntentKind       `json:"kind"`
	X          int              `json:"x,omitempty"`
	Y          int              `json:"y,omitempty"`
	Pattern    string           `json:"pattern,omitempty"`
	Rotation   pattern.Rotation `json:"rotation,omitempty"`
	Generation uint64           `json:"generation"`
}

// Mutates reports whether the intent writes cells, as opposed to controlling
// the clock.
func (i Intent) Mutates() bool {
	return i.Kind == IntentToggle || i.Kind == IntentPlace
}

// Control reports whether the intent targets the room clock.
func (i Intent) Control() bool {
	return i.Kind == IntentPause || i.Kind == IntentResume || i.Kind == IntentStep
}
