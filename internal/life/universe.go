package life

import (
	"errors"
	"fmt"

	"lifewire/internal/life/pattern"
)

var (
	// ErrOutOfBounds rejects intents referencing coordinates outside the grid.
	ErrOutOfBounds = errors.New("out of bounds")
	// ErrStaleIntent rejects intents observed too many generations ago.
	ErrStaleIntent = errors.New("stale intent")
	// ErrUnknownIntent rejects intent kinds the universe does not apply.
	ErrUnknownIntent = errors.New("unknown intent kind")
)

// EdgeMode fixes how the rule treats cells beyond the grid border.
type EdgeMode string

const (
	// EdgeToroidal wraps neighbor lookups around the opposite border.
	EdgeToroidal EdgeMode = "toroidal"
	// EdgeBounded treats cells beyond the border as permanently dead.
	EdgeBounded EdgeMode = "bounded"
)

// Config fixes a universe's shape and policy at creation time.
type Config struct {
	Width  int      `json:"width"`
	Height int      `json:"height"`
	Edge   EdgeMode `json:"edge"`
	// StaleTolerance is how many generations behind the current one an
	// intent's observed generation may lag before it is dropped.
	StaleTolerance uint64 `json:"staleTolerance"`
}

// DefaultConfig returns the stock universe configuration.
func DefaultConfig() Config {
	return Config{
		Width:          128,
		Height:         128,
		Edge:           EdgeToroidal,
		StaleTolerance: 30,
	}
}

// Normalized clamps out-of-range values onto usable ones.
func (c Config) Normalized() Config {
	if c.Width < 1 {
		c.Width = 1
	}
	if c.Height < 1 {
		c.Height = 1
	}
	if c.Edge != EdgeBounded {
		c.Edge = EdgeToroidal
	}
	return c
}

// Universe is the deterministic cellular-automaton engine. It owns one grid
// and its generation counter; callers must serialize access.
type Universe struct {
	cfg        Config
	grid       *Grid
	generation uint64
	dirty      []Region
	catalog    *pattern.Catalog
}

// NewUniverse constructs a universe with an all-dead grid at generation zero.
func NewUniverse(cfg Config, catalog *pattern.Catalog) *Universe {
	cfg = cfg.Normalized()
	if catalog == nil {
		catalog = pattern.Default()
	}
	return &Universe{
		cfg:     cfg,
		grid:    NewGrid(cfg.Width, cfg.Height),
		catalog: catalog,
	}
}

// Config returns the configuration the universe was created with.
func (u *Universe) Config() Config {
	return u.cfg
}

// Grid exposes the current grid. The returned pointer must be treated as
// read-only; mutation outside ApplyIntent breaks dirty tracking.
func (u *Universe) Grid() *Grid {
	return u.grid
}

// Generation returns the current generation counter.
func (u *Universe) Generation() uint64 {
	return u.generation
}

// DirtyRegions returns the regions changed since the dirty set was last
// consumed, merged where adjacent. Both rule changes from Advance and intent
// mutations accumulate here, so a diff computed against the grid as of the
// last consumption misses no changed cell.
func (u *Universe) DirtyRegions() []Region {
	return u.dirty
}

// ConsumeDirty returns the accumulated dirty regions and resets the set.
// Callers snapshot the grid at the same point so the next diff baseline
// matches.
func (u *Universe) ConsumeDirty() []Region {
	dirty := u.dirty
	u.dirty = nil
	return dirty
}

// Restore replaces the grid and generation wholesale, e.g. after applying a
// full snapshot. The dirty set resets to the entire grid.
func (u *Universe) Restore(grid *Grid, generation uint64) error {
	if grid.Width != u.cfg.Width || grid.Height != u.cfg.Height {
		return fmt.Errorf("restore grid is %dx%d, universe is %dx%d",
			grid.Width, grid.Height, u.cfg.Width, u.cfg.Height)
	}
	u.grid = grid.Clone()
	u.generation = generation
	u.dirty = []Region{{X: 0, Y: 0, W: u.cfg.Width, H: u.cfg.Height}}
	return nil
}

// Advance applies the B3/S23 rule to every cell, increments the generation by
// exactly one, and recomputes the dirty-region set relative to the pre-advance
// grid.
func (u *Universe) Advance() {
	prev := u.grid
	next := NewGrid(prev.Width, prev.Height)

	rows := make([]Region, 0)
	for y := 0; y < prev.Height; y++ {
		minX, maxX := -1, -1
		for x := 0; x < prev.Width; x++ {
			neighbors := u.liveNeighbors(prev, x, y)
			alive := prev.At(x, y)
			var lives bool
			if alive {
				lives = neighbors == 2 || neighbors == 3
			} else {
				lives = neighbors == 3
			}
			next.Set(x, y, lives)
			if lives != alive {
				if minX < 0 {
					minX = x
				}
				maxX = x
			}
		}
		if minX >= 0 {
			rows = append(rows, Region{X: minX, Y: y, W: maxX - minX + 1, H: 1})
		}
	}

	u.grid = next
	u.generation++
	u.dirty = MergeRegions(append(rows, u.dirty...))
}

// ApplyIntent mutates the current grid in place without changing the
// generation. Control intents are not applied here; the room clock consumes
// them before they reach the universe.
func (u *Universe) ApplyIntent(intent Intent) error {
	if intent.Control() {
		return fmt.Errorf("%w: %q targets the clock", ErrUnknownIntent, intent.Kind)
	}
	if intent.Generation+u.cfg.StaleTolerance < u.generation {
		return fmt.Errorf("%w: observed generation %d, current %d",
			ErrStaleIntent, intent.Generation, u.generation)
	}
	switch intent.Kind {
	case IntentToggle:
		if !u.grid.InBounds(intent.X, intent.Y) {
			return fmt.Errorf("%w: (%d, %d)", ErrOutOfBounds, intent.X, intent.Y)
		}
		u.grid.Set(intent.X, intent.Y, !u.grid.At(intent.X, intent.Y))
		u.markDirty(Region{X: intent.X, Y: intent.Y, W: 1, H: 1})
		return nil
	case IntentPlace:
		def, ok := u.catalog.Resolve(intent.Pattern)
		if !ok {
			return fmt.Errorf("%w: %q", pattern.ErrUnknownPattern, intent.Pattern)
		}
		cells := pattern.Rotate(def.Cells, intent.Rotation)
		for _, cell := range cells {
			if !u.grid.InBounds(intent.X+cell.DX, intent.Y+cell.DY) {
				return fmt.Errorf("%w: pattern %q at (%d, %d)",
					ErrOutOfBounds, intent.Pattern, intent.X, intent.Y)
			}
		}
		bounds := Region{}
		for _, cell := range cells {
			u.grid.Set(intent.X+cell.DX, intent.Y+cell.DY, true)
			bounds = bounds.Union(Region{X: intent.X + cell.DX, Y: intent.Y + cell.DY, W: 1, H: 1})
		}
		u.markDirty(bounds)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownIntent, intent.Kind)
	}
}

func (u *Universe) markDirty(region Region) {
	region = region.Clamp(u.cfg.Width, u.cfg.Height)
	if region.Empty() {
		return
	}
	u.dirty = MergeRegions(append(u.dirty, region))
}

func (u *Universe) liveNeighbors(g *Grid, x, y int) int {
	count := 0
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if u.cfg.Edge == EdgeToroidal {
				nx = (nx + g.Width) % g.Width
				ny = (ny + g.Height) % g.Height
			} else if !g.InBounds(nx, ny) {
				continue
			}
			if g.At(nx, ny) {
				count++
			}
		}
	}
	return count
}
