package life

// Region is a rectangular sub-area of a grid, the unit of change tracking
// and diffing. W and H are always at least 1 for a non-empty region.
type Region struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Empty reports whether the region covers no cells.
func (r Region) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// CellCount returns the number of cells the region covers.
func (r Region) CellCount() int {
	if r.Empty() {
		return 0
	}
	return r.W * r.H
}

// Contains reports whether the coordinate lies inside the region.
func (r Region) Contains(x, y int) bool {
	return x >= r.X && x < r.X+r.W && y >= r.Y && y < r.Y+r.H
}

// Union returns the smallest region covering both operands.
func (r Region) Union(other Region) Region {
	if r.Empty() {
		return other
	}
	if other.Empty() {
		return r
	}
	minX := r.X
	if other.X < minX {
		minX = other.X
	}
	minY := r.Y
	if other.Y < minY {
		minY = other.Y
	}
	maxX := r.X + r.W
	if other.X+other.W > maxX {
		maxX = other.X + other.W
	}
	maxY := r.Y + r.H
	if other.Y+other.H > maxY {
		maxY = other.Y + other.H
	}
	return Region{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}
}

// touches reports whether two regions overlap or share an edge, meaning a
// union of the pair introduces no dead space worth keeping separate.
func (r Region) touches(other Region) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	if r.X > other.X+other.W || other.X > r.X+r.W {
		return false
	}
	if r.Y > other.Y+other.H || other.Y > r.Y+r.H {
		return false
	}
	return true
}

// Clamp restricts the region to the grid's bounds.
func (r Region) Clamp(width, height int) Region {
	if r.X < 0 {
		r.W += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.H += r.Y
		r.Y = 0
	}
	if r.X+r.W > width {
		r.W = width - r.X
	}
	if r.Y+r.H > height {
		r.H = height - r.Y
	}
	if r.W < 0 {
		r.W = 0
	}
	if r.H < 0 {
		r.H = 0
	}
	return r
}

// MergeRegions coalesces overlapping or edge-adjacent regions. The result may
// conservatively cover cells none of the inputs covered; it never drops a
// covered cell. Merging repeats until no pair touches, so chains collapse
// into a single rectangle.
func MergeRegions(regions []Region) []Region {
	merged := make([]Region, 0, len(regions))
	for _, region := range regions {
		if region.Empty() {
			continue
		}
		merged = append(merged, region)
	}
	for {
		combined := false
		for i := 0; i < len(merged) && !combined; i++ {
			for j := i + 1; j < len(merged); j++ {
				if !merged[i].touches(merged[j]) {
					continue
				}
				merged[i] = merged[i].Union(merged[j])
				merged[j] = merged[len(merged)-1]
				merged = merged[:len(merged)-1]
				combined = true
				break
			}
		}
		if !combined {
			return merged
		}
	}
}
