package pattern

// Rotation is a quarter-turn count applied clockwise. Values outside 0..3 are
// normalized by modulo, so callers can pass degrees divided by 90 directly.
type Rotation int

const (
	RotateNone Rotation = iota
	RotateQuarter
	RotateHalf
	RotateThreeQuarter
)

// Normalize maps any rotation onto 0..3 quarter turns.
func (r Rotation) Normalize() Rotation {
	n := int(r) % 4
	if n < 0 {
		n += 4
	}
	return Rotation(n)
}

// Rotate returns the pattern's cell offsets after the given clockwise
// rotation, translated so the smallest offsets sit at (0, 0). Translation
// keeps the anchor cell the top-left of the pattern's bounding box for every
// rotation, which is what placement intents expect.
func Rotate(cells []Offset, rotation Rotation) []Offset {
	rotated := make([]Offset, len(cells))
	switch rotation.Normalize() {
	case RotateNone:
		copy(rotated, cells)
	case RotateQuarter:
		for i, cell := range cells {
			rotated[i] = Offset{DX: -cell.DY, DY: cell.DX}
		}
	case RotateHalf:
		for i, cell := range cells {
			rotated[i] = Offset{DX: -cell.DX, DY: -cell.DY}
		}
	case RotateThreeQuarter:
		for i, cell := range cells {
			rotated[i] = Offset{DX: cell.DY, DY: -cell.DX}
		}
	}
	return normalize(rotated)
}

func normalize(cells []Offset) []Offset {
	if len(cells) == 0 {
		return cells
	}
	minX, minY := cells[0].DX, cells[0].DY
	for _, cell := range cells[1:] {
		if cell.DX < minX {
			minX = cell.DX
		}
		if cell.DY < minY {
			minY = cell.DY
		}
	}
	if minX == 0 && minY == 0 {
		return cells
	}
	for i := range cells {
		cells[i].DX -= minX
		cells[i].DY -= minY
	}
	return cells
}
