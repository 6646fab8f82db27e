package terrain

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/simplify"

	"github.com/groundline-geo/terrain/internal/raster"
)

// Connectivity choices for component labeling.
const (
	Connectivity4 = 4
	Connectivity8 = 8
)

// FootprintExtractor vectorizes a validity mask into polygons. Valid cells
// are grouped into connected components, each component's boundary is
// traced along cell edges, and enclosed invalid regions become holes or
// are filled depending on their area.
type FootprintExtractor struct {
	connectivity      int
	holeFillMinArea   float64 // CRS units squared; holes below this are filled
	simplifyTolerance float64 // CRS units; capped at half a cell at extraction
}

// NewFootprintExtractor validates the component connectivity and the two
// geometry knobs.
func NewFootprintExtractor(connectivity int, holeFillMinArea, simplifyTolerance float64) (*FootprintExtractor, error) {
	if connectivity != Connectivity4 && connectivity != Connectivity8 {
		return nil, fmt.Errorf("connectivity must be %d or %d, got %d", Connectivity4, Connectivity8, connectivity)
	}
	if holeFillMinArea < 0 {
		return nil, fmt.Errorf("hole fill minimum area must be non-negative, got %g", holeFillMinArea)
	}
	if simplifyTolerance < 0 {
		return nil, fmt.Errorf("simplify tolerance must be non-negative, got %g", simplifyTolerance)
	}
	return &FootprintExtractor{
		connectivity:      connectivity,
		holeFillMinArea:   holeFillMinArea,
		simplifyTolerance: simplifyTolerance,
	}, nil
}

// Footprint is the vectorized valid-coverage region of one tile.
type Footprint struct {
	Geometry    orb.MultiPolygon `json:"-"`
	CRS         string           `json:"crs"`
	CellSize    float64          `json:"cell_size"`
	ValidCells  int              `json:"valid_cells"`
	Components  int              `json:"components"`
	HolesKept   int              `json:"holes_kept"`
	HolesFilled int              `json:"holes_filled"`
	Area        float64          `json:"area"`
}

// Contains reports whether the point lies inside the footprint. A point
// inside a kept hole is outside the footprint.
func (f *Footprint) Contains(x, y float64) bool {
	return planar.MultiPolygonContains(f.Geometry, orb.Point{x, y})
}

// Extract vectorizes the mask. Returns EmptyFootprintError when not a
// single cell is valid; the caller decides whether that degrades or fails
// the run.
func (e *FootprintExtractor) Extract(mask *raster.Grid) (*Footprint, error) {
	valid := make([]bool, len(mask.Cells))
	validCells := 0
	for i, v := range mask.Cells {
		if v == MaskValid {
			valid[i] = true
			validCells++
		}
	}
	if validCells == 0 {
		return nil, &EmptyFootprintError{TotalCells: len(mask.Cells)}
	}

	labels, components := labelComponents(valid, mask.Width, mask.Height, e.connectivity)

	fp := &Footprint{
		CRS:        mask.CRS,
		CellSize:   mask.CellSize,
		ValidCells: validCells,
		Components: components,
	}

	cellArea := mask.CellSize * mask.CellSize
	for comp := 0; comp < components; comp++ {
		outers, holes := traceComponent(labels, comp, mask.Width, mask.Height)

		polys := make([]orb.Polygon, len(outers))
		for i, ring := range outers {
			polys[i] = orb.Polygon{ringToWorld(ring.pts, mask)}
		}

		for _, hole := range holes {
			if -hole.area*cellArea < e.holeFillMinArea {
				fp.HolesFilled++
				continue
			}
			fp.HolesKept++
			inner := holeProbePoint(hole.pts, mask)
			for i := range polys {
				if planar.RingContains(polys[i][0], inner) {
					polys[i] = append(polys[i], ringToWorld(hole.pts, mask))
					break
				}
			}
		}
		fp.Geometry = append(fp.Geometry, polys...)
	}

	if tol := e.effectiveTolerance(mask.CellSize); tol > 0 {
		fp.Geometry = simplifyMultiPolygon(fp.Geometry, tol)
	}
	fp.Area = planar.Area(fp.Geometry)
	return fp, nil
}

// effectiveTolerance caps the configured tolerance at half a cell so
// simplification can never move a boundary further than the raster's own
// quantization error.
func (e *FootprintExtractor) effectiveTolerance(cellSize float64) float64 {
	tol := e.simplifyTolerance
	if max := cellSize / 2; tol > max {
		tol = max
	}
	return tol
}

// labelComponents assigns a component ID to every valid cell using BFS
// over the chosen neighborhood. Invalid cells stay -1.
func labelComponents(valid []bool, width, height, connectivity int) ([]int, int) {
	labels := make([]int, len(valid))
	for i := range labels {
		labels[i] = -1
	}

	offsets := [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}
	if connectivity == Connectivity8 {
		offsets = append(offsets, [2]int{1, 1}, [2]int{1, -1}, [2]int{-1, 1}, [2]int{-1, -1})
	}

	component := 0
	for start := range valid {
		if !valid[start] || labels[start] != -1 {
			continue
		}

		queue := []int{start}
		labels[start] = component

		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]

			row := current / width
			col := current % width
			for _, d := range offsets {
				nc, nr := col+d[0], row+d[1]
				if nc < 0 || nc >= width || nr < 0 || nr >= height {
					continue
				}
				nIdx := nr*width + nc
				if valid[nIdx] && labels[nIdx] == -1 {
					labels[nIdx] = component
					queue = append(queue, nIdx)
				}
			}
		}
		component++
	}
	return labels, component
}

// Boundary tracing works on cell corners. Corner (c, r) sits at world
// position (origin + c*cellSize, origin + r*cellSize); a cell's edges are
// emitted as directed segments with the component interior on the left, so
// outer boundaries come out counter-clockwise and hole boundaries come out
// clockwise.
const (
	dirE = 0
	dirN = 1
	dirW = 2
	dirS = 3
)

var dirDelta = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

// tracedRing is a closed boundary in corner coordinates with its signed
// area in cell units (positive = counter-clockwise).
type tracedRing struct {
	pts  [][2]int
	area float64
}

// traceComponent stitches the component's directed boundary edges into
// closed rings and splits them by orientation: counter-clockwise rings are
// outer boundaries, clockwise rings enclose invalid holes.
func traceComponent(labels []int, comp, width, height int) (outers, holes []tracedRing) {
	stride := width + 1
	out := make(map[int]*[4]bool)
	var starts []int

	addEdge := func(c, r, dir int) {
		v := r*stride + c
		e := out[v]
		if e == nil {
			e = &[4]bool{}
			out[v] = e
		}
		e[dir] = true
		starts = append(starts, v*4+dir)
	}

	for idx, l := range labels {
		if l != comp {
			continue
		}
		row := idx / width
		col := idx % width
		if row == 0 || labels[idx-width] != comp {
			addEdge(col, row, dirE) // south side
		}
		if col == width-1 || labels[idx+1] != comp {
			addEdge(col+1, row, dirN) // east side
		}
		if row == height-1 || labels[idx+width] != comp {
			addEdge(col+1, row+1, dirW) // north side
		}
		if col == 0 || labels[idx-1] != comp {
			addEdge(col, row+1, dirS) // west side
		}
	}

	for _, s := range starts {
		v, d := s/4, s%4
		if !out[v][d] {
			continue // consumed by an earlier ring
		}
		ring := walkRing(out, stride, v, d)
		if ring.area > 0 {
			outers = append(outers, ring)
		} else {
			holes = append(holes, ring)
		}
	}
	return outers, holes
}

// walkRing follows boundary edges from (start, startDir) until the walk
// returns to the start corner, always taking the leftmost available turn.
// The leftmost-turn rule keeps rings simple when two cells of a component
// touch only at a corner: the pinch splits into two rings instead of one
// self-crossing loop.
func walkRing(out map[int]*[4]bool, stride, start, startDir int) tracedRing {
	var steps []int

	v, d := start, startDir
	for {
		steps = append(steps, v)
		out[v][d] = false
		v += dirDelta[d][0] + dirDelta[d][1]*stride
		if v == start {
			break
		}

		next := -1
		for _, cand := range [4]int{(d + 1) % 4, d, (d + 3) % 4, (d + 2) % 4} {
			if e := out[v]; e != nil && e[cand] {
				next = cand
				break
			}
		}
		if next < 0 {
			break // open chain; cannot happen for well-formed edge sets
		}
		d = next
	}

	return collapseRing(steps, stride)
}

// collapseRing drops corners where the walk continued straight, keeping
// only direction changes, and computes the signed area.
func collapseRing(steps []int, stride int) tracedRing {
	n := len(steps)
	ring := tracedRing{}
	for i := 0; i < n; i++ {
		prev := steps[(i-1+n)%n]
		cur := steps[i]
		next := steps[(i+1)%n]
		if cur-prev != next-cur {
			ring.pts = append(ring.pts, [2]int{cur % stride, cur / stride})
		}
	}

	m := len(ring.pts)
	for i := 0; i < m; i++ {
		a := ring.pts[i]
		b := ring.pts[(i+1)%m]
		ring.area += float64(a[0]*b[1] - b[0]*a[1])
	}
	ring.area /= 2
	return ring
}

// ringToWorld converts a corner-space ring to a closed orb.Ring in CRS
// coordinates.
func ringToWorld(pts [][2]int, mask *raster.Grid) orb.Ring {
	ring := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		x, y := mask.CellCorner(p[0], p[1])
		ring = append(ring, orb.Point{x, y})
	}
	ring = append(ring, ring[0])
	return ring
}

// holeProbePoint returns a point strictly inside a hole ring: the midpoint
// of the first boundary segment nudged a quarter cell toward the hole
// side. Hole rings carry the valid interior on their left, so the hole is
// on the right of the walk direction.
func holeProbePoint(pts [][2]int, mask *raster.Grid) orb.Point {
	a, b := pts[0], pts[1]
	ax, ay := mask.CellCorner(a[0], a[1])
	bx, by := mask.CellCorner(b[0], b[1])

	// Axis-aligned unit direction of the segment, rotated -90 degrees so
	// it points into the hole.
	sdx, sdy := sign(b[0]-a[0]), sign(b[1]-a[1])
	q := mask.CellSize / 4
	return orb.Point{(ax+bx)/2 + float64(sdy)*q, (ay+by)/2 - float64(sdx)*q}
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// simplifyMultiPolygon runs Douglas-Peucker over every ring independently,
// keeping a ring unchanged when simplification would degenerate it below a
// closed triangle.
func simplifyMultiPolygon(mp orb.MultiPolygon, tolerance float64) orb.MultiPolygon {
	simplified := make(orb.MultiPolygon, len(mp))
	for i, poly := range mp {
		sp := make(orb.Polygon, len(poly))
		for j, ring := range poly {
			ls := orb.LineString(ring)
			s := simplify.DouglasPeucker(tolerance).Simplify(ls.Clone())
			result, ok := s.(orb.LineString)
			if !ok || len(result) < 4 {
				sp[j] = ring
				continue
			}
			sp[j] = orb.Ring(result)
		}
		simplified[i] = sp
	}
	return simplified
}
