package life

// Grid is a fixed-size rectangular field of binary cells stored row-major.
// Dimensions never change after construction.
type Grid struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Cells  []bool `json:"cells"`
}

// NewGrid constructs an all-dead grid of the given dimensions.
func NewGrid(width, height int) *Grid {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	return &Grid{
		Width:  width,
		Height: height,
		Cells:  make([]bool, width*height),
	}
}

// InBounds reports whether the coordinate addresses a cell.
func (g *Grid) InBounds(x, y int) bool {
	return x >= 0 && x < g.Width && y >= 0 && y < g.Height
}

// At returns the state of the cell at (x, y). Callers must bounds-check first.
func (g *Grid) At(x, y int) bool {
	return g.Cells[y*g.Width+x]
}

// Set writes the state of the cell at (x, y). Callers must bounds-check first.
func (g *Grid) Set(x, y int, alive bool) {
	g.Cells[y*g.Width+x] = alive
}

// Clone returns a deep copy sharing no storage with the receiver.
func (g *Grid) Clone() *Grid {
	cells := make([]bool, len(g.Cells))
	copy(cells, g.Cells)
	return &Grid{Width: g.Width, Height: g.Height, Cells: cells}
}

// Equal reports whether two grids have identical dimensions and cell states.
func (g *Grid) Equal(other *Grid) bool {
	if g == nil || other == nil {
		return g == other
	}
	if g.Width != other.Width || g.Height != other.Height {
		return false
	}
	for i, alive := range g.Cells {
		if alive != other.Cells[i] {
			return false
		}
	}
	return true
}

// LiveCount returns the number of live cells.
func (g *Grid) LiveCount() int {
	count := 0
	for _, alive := range g.Cells {
		if alive {
			count++
		}
	}
	return count
}
