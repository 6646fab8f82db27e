package pointcloud

import (
	"math"
	"math/rand"
)

// SyntheticGenerator builds synthetic survey tiles for testing and demos.
// Points are laid out on a cell grid with an exact number of returns per
// cell, so density-derived expectations stay deterministic even though
// positions inside each cell are jittered. The first return of each
// populated cell sits on the cell corner, which pins the cloud bounds to
// the cell lattice.
type SyntheticGenerator struct {
	// Configuration
	OriginX        float64 // west edge, CRS units
	OriginY        float64 // south edge, CRS units
	Cols           int     // cells across
	Rows           int     // cells up
	CellSize       float64 // metres per cell
	PointsPerCell  int     // returns emitted per cell
	BaseElevation  float64 // metres, terrain floor
	ReliefAmp      float64 // metres, sinusoidal relief amplitude
	CanopyFraction float64 // fraction of returns classed as vegetation
	CanopyHeight   float64 // metres above ground for canopy returns
	CRS            string
	PointFormat    uint8

	// Internal state
	rng *rand.Rand
}

// NewSyntheticGenerator creates a generator with a seeded source so tests
// get reproducible tiles.
func NewSyntheticGenerator(seed int64) *SyntheticGenerator {
	return &SyntheticGenerator{
		Cols:           50,
		Rows:           50,
		CellSize:       1.0,
		PointsPerCell:  5,
		BaseElevation:  100.0,
		ReliefAmp:      4.0,
		CanopyFraction: 0.2,
		CanopyHeight:   12.0,
		CRS:            "EPSG:32633",
		PointFormat:    1,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// Generate emits PointsPerCell returns in every cell of the grid.
func (g *SyntheticGenerator) Generate() *Cloud {
	return g.generate(func(col, row int) bool { return true })
}

// GenerateWithGap emits the same tile but leaves a rectangular block of
// cells empty, starting at (gapCol, gapRow) and spanning gapCols x gapRows.
// The gap models a ranging dropout such as open water or sensor shadow.
func (g *SyntheticGenerator) GenerateWithGap(gapCol, gapRow, gapCols, gapRows int) *Cloud {
	return g.generate(func(col, row int) bool {
		inGap := col >= gapCol && col < gapCol+gapCols &&
			row >= gapRow && row < gapRow+gapRows
		return !inGap
	})
}

func (g *SyntheticGenerator) generate(keep func(col, row int) bool) *Cloud {
	c := NewCloud(g.CRS)
	c.PointFormat = g.PointFormat
	c.OffsetX = g.OriginX
	c.OffsetY = g.OriginY
	c.OffsetZ = g.BaseElevation

	gps := 300000.0
	for row := 0; row < g.Rows; row++ {
		for col := 0; col < g.Cols; col++ {
			if !keep(col, row) {
				continue
			}
			for i := 0; i < g.PointsPerCell; i++ {
				jx, jy := g.rng.Float64(), g.rng.Float64()
				if i == 0 {
					// Anchor one return on the cell corner so cloud
					// bounds land exactly on the synthesis lattice.
					jx, jy = 0, 0
				}
				x := g.cellCoord(g.OriginX, col, jx, c.ScaleX)
				y := g.cellCoord(g.OriginY, row, jy, c.ScaleY)
				z := g.groundElevation(x, y)

				p := Point{
					X:             x,
					Y:             y,
					Z:             0,
					ReturnNumber:  1,
					NumReturns:    1,
					GPSTime:       gps,
					PointSourceID: 1,
				}
				gps += 1e-4

				if g.CanopyFraction > 0 && g.rng.Float64() < g.CanopyFraction {
					z += g.CanopyHeight * (0.5 + 0.5*g.rng.Float64())
					p.Classification = ClassHighVegetation
					p.NumReturns = 2
					p.Intensity = uint16(30 + g.rng.Intn(40))
				} else {
					p.Classification = ClassGround
					p.Intensity = uint16(120 + g.rng.Intn(60))
				}
				p.Z = quantized(z, c.ScaleZ, c.OffsetZ)

				c.Points = append(c.Points, p)
			}
		}
	}
	return c
}

// cellCoord places a return inside its cell, snapped to the LAS storage
// grid. A jitter close to 1.0 can snap onto the next cell corner, so
// those are pulled back one step to keep every return inside the cell
// that emitted it.
func (g *SyntheticGenerator) cellCoord(origin float64, cell int, jitter, scale float64) float64 {
	lo := origin + float64(cell)*g.CellSize
	if jitter == 0 {
		return lo
	}
	v := quantized(lo+jitter*g.CellSize, scale, origin)
	if hi := lo + g.CellSize; v >= hi {
		v = hi - scale
	}
	return v
}

// groundElevation is a smooth sinusoidal surface so slope and aspect
// products have non-trivial values.
func (g *SyntheticGenerator) groundElevation(x, y float64) float64 {
	if g.ReliefAmp == 0 || g.Cols == 0 || g.Rows == 0 {
		return g.BaseElevation
	}
	spanX := float64(g.Cols) * g.CellSize
	spanY := float64(g.Rows) * g.CellSize
	return g.BaseElevation +
		g.ReliefAmp*math.Sin((x-g.OriginX)/spanX*2*math.Pi)*
			math.Cos((y-g.OriginY)/spanY*2*math.Pi)
}

// quantized snaps a coordinate to its LAS storage grid so a generated
// cloud round-trips through the codec without drift.
func quantized(v, scale, offset float64) float64 {
	return offset + math.Round((v-offset)/scale)*scale
}
