// Package diff encodes the difference between two grid generations as a set
// of region bitmaps, and applies such encodings to reconstruct grids. A full
// snapshot is the degenerate diff covering the whole grid with no source
// generation.
package diff

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"

	"lifewire/internal/life"
)

var (
	// ErrGenerationMismatch rejects a delta whose source generation does not
	// match the receiver's current generation.
	ErrGenerationMismatch = errors.New("generation mismatch")
	// ErrMalformedDiff rejects diffs whose payload does not match their
	// declared regions.
	ErrMalformedDiff = errors.New("malformed diff")
)

// RegionCells pairs a region with the packed cell values inside it. Cells are
// row-major within the region, one bit per cell, LSB first.
type RegionCells struct {
	Region life.Region `json:"region"`
	Cells  []byte      `json:"cells"`
}

// Diff transforms a grid from SourceGen to TargetGen. Full snapshots have no
// source generation and replace the grid wholesale.
type Diff struct {
	SourceGen  uint64        `json:"sourceGen"`
	TargetGen  uint64        `json:"targetGen"`
	Full       bool          `json:"full,omitempty"`
	Width      int           `json:"width,omitempty"`
	Height     int           `json:"height,omitempty"`
	Compressed bool          `json:"compressed,omitempty"`
	Regions    []RegionCells `json:"regions"`
}

// Empty reports whether the diff changes nothing.
func (d Diff) Empty() bool {
	return !d.Full && len(d.Regions) == 0
}

// CellCount returns the number of cells the diff's regions cover.
func (d Diff) CellCount() int {
	count := 0
	for _, rc := range d.Regions {
		count += rc.Region.CellCount()
	}
	return count
}

// Compute encodes the cells of next inside the dirty regions. Regions are
// clamped, tightened to the actual changed bounding box, and merged where
// adjacent; regions that turn out unchanged are dropped. The dirty set must
// cover every changed cell; Compute trusts the caller on that.
func Compute(prev, next *life.Grid, dirty []life.Region, sourceGen, targetGen uint64) Diff {
	diff := Diff{SourceGen: sourceGen, TargetGen: targetGen}
	for _, region := range life.MergeRegions(dirty) {
		region = region.Clamp(next.Width, next.Height)
		tightened, changed := tighten(prev, next, region)
		if !changed {
			continue
		}
		diff.Regions = append(diff.Regions, RegionCells{
			Region: tightened,
			Cells:  packCells(next, tightened),
		})
	}
	return diff
}

// Snapshot encodes the entire grid as a single full diff. The bitmap is
// lz4-compressed when that wins over the raw packing, which it does for any
// sparsely populated grid of meaningful size.
func Snapshot(grid *life.Grid, generation uint64) Diff {
	region := life.Region{X: 0, Y: 0, W: grid.Width, H: grid.Height}
	raw := packCells(grid, region)

	diff := Diff{
		TargetGen: generation,
		Full:      true,
		Width:     grid.Width,
		Height:    grid.Height,
		Regions:   []RegionCells{{Region: region, Cells: raw}},
	}

	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(raw); err == nil {
		if err := zw.Close(); err == nil && buf.Len() < len(raw) {
			compressed := make([]byte, buf.Len())
			copy(compressed, buf.Bytes())
			diff.Compressed = true
			diff.Regions[0].Cells = compressed
		}
	}
	return diff
}

// Apply transforms grid in place. Full snapshots always succeed and return
// their target generation. Deltas require current == SourceGen; a delta whose
// target generation is older than the grid is a duplicate and applies as a
// no-op. A delta with SourceGen == TargetGen == current carries an in-place
// edit made while the simulation was paused and applies without advancing.
func Apply(grid *life.Grid, current uint64, d Diff) (uint64, error) {
	if d.Full {
		return applyFull(grid, d)
	}
	if d.TargetGen < current || (d.TargetGen == current && d.SourceGen != current) {
		return current, nil
	}
	if d.SourceGen != current {
		return current, fmt.Errorf("%w: diff source %d, grid at %d", ErrGenerationMismatch, d.SourceGen, current)
	}
	for _, rc := range d.Regions {
		if err := unpackCells(grid, rc.Region, rc.Cells); err != nil {
			return current, err
		}
	}
	return d.TargetGen, nil
}

func applyFull(grid *life.Grid, d Diff) (uint64, error) {
	if len(d.Regions) != 1 {
		return 0, fmt.Errorf("%w: snapshot carries %d regions", ErrMalformedDiff, len(d.Regions))
	}
	if d.Width != grid.Width || d.Height != grid.Height {
		return 0, fmt.Errorf("%w: snapshot is %dx%d, grid is %dx%d",
			ErrMalformedDiff, d.Width, d.Height, grid.Width, grid.Height)
	}
	rc := d.Regions[0]
	cells := rc.Cells
	if d.Compressed {
		zr := lz4.NewReader(bytes.NewReader(cells))
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return 0, fmt.Errorf("%w: decompress snapshot: %v", ErrMalformedDiff, err)
		}
		cells = decompressed
	}
	if err := unpackCells(grid, rc.Region, cells); err != nil {
		return 0, err
	}
	return d.TargetGen, nil
}

// tighten shrinks a region to the bounding box of cells that actually differ
// between prev and next. The second return is false when nothing inside the
// region changed.
func tighten(prev, next *life.Grid, region life.Region) (life.Region, bool) {
	minX, minY := region.X+region.W, region.Y+region.H
	maxX, maxY := -1, -1
	for y := region.Y; y < region.Y+region.H; y++ {
		for x := region.X; x < region.X+region.W; x++ {
			if prev.At(x, y) == next.At(x, y) {
				continue
			}
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < 0 {
		return life.Region{}, false
	}
	return life.Region{X: minX, Y: minY, W: maxX - minX + 1, H: maxY - minY + 1}, true
}

func packCells(grid *life.Grid, region life.Region) []byte {
	packed := make([]byte, (region.CellCount()+7)/8)
	bit := 0
	for y := region.Y; y < region.Y+region.H; y++ {
		for x := region.X; x < region.X+region.W; x++ {
			if grid.At(x, y) {
				packed[bit/8] |= 1 << (bit % 8)
			}
			bit++
		}
	}
	return packed
}

func unpackCells(grid *life.Grid, region life.Region, packed []byte) error {
	clamped := region.Clamp(grid.Width, grid.Height)
	if clamped != region {
		return fmt.Errorf("%w: region %v exceeds grid bounds", ErrMalformedDiff, region)
	}
	if want := (region.CellCount() + 7) / 8; len(packed) != want {
		return fmt.Errorf("%w: region %v wants %d bytes, got %d", ErrMalformedDiff, region, want, len(packed))
	}
	bit := 0
	for y := region.Y; y < region.Y+region.H; y++ {
		for x := region.X; x < region.X+region.W; x++ {
			grid.Set(x, y, packed[bit/8]&(1<<(bit%8)) != 0)
			bit++
		}
	}
	return nil
}
