package terrain

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/groundline-geo/terrain/internal/pointcloud"
	"github.com/groundline-geo/terrain/internal/raster"
)

// DensityAnalyzer bins LiDAR returns into a cell grid and counts returns
// per cell. The grid is anchored at the cloud's minimum corner and sized
// ceil(extent/resolution), so every return lands in exactly one cell and
// the cell counts sum to the input point count.
type DensityAnalyzer struct {
	resolution float64
}

// NewDensityAnalyzer validates the cell size up front so a bad value fails
// at construction, not mid-pipeline.
func NewDensityAnalyzer(resolution float64) (*DensityAnalyzer, error) {
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, &InvalidResolutionError{Resolution: resolution}
	}
	return &DensityAnalyzer{resolution: resolution}, nil
}

// Resolution returns the configured cell size.
func (a *DensityAnalyzer) Resolution() float64 { return a.resolution }

// Compute counts returns per cell. Points on the upper boundary of the
// extent clamp into the last cell, so a point at max X or max Y is still
// counted rather than dropped.
func (a *DensityAnalyzer) Compute(c *pointcloud.Cloud) (*raster.Grid, error) {
	if c == nil || c.Len() == 0 {
		return nil, &EmptyInputError{}
	}

	b := c.Bounds()
	cols := cellSpan(b.Width(), a.resolution)
	rows := cellSpan(b.Height(), a.resolution)

	g, err := raster.NewGrid(cols, rows, b.MinX, b.MinY, a.resolution, c.CRS)
	if err != nil {
		return nil, err
	}
	g.Fill(0)

	for i := range c.Points {
		col, row := g.CellIndex(c.Points[i].X, c.Points[i].Y)
		// The grid spans the cloud bounds, so every return bins inside it;
		// clamp anyway so float rounding at the far edge cannot drop one.
		if col >= g.Width {
			col = g.Width - 1
		}
		if row >= g.Height {
			row = g.Height - 1
		}
		g.Cells[g.Idx(col, row)]++
	}
	return g, nil
}

// cellSpan converts an extent to a cell count, with degenerate extents
// (a single point, or all points on one line) still occupying one cell.
func cellSpan(extent, resolution float64) int {
	n := int(math.Ceil(extent / resolution))
	if n < 1 {
		n = 1
	}
	return n
}

// DensityStats summarizes a density raster for run metadata and the
// monitoring endpoints.
type DensityStats struct {
	TotalPoints   int     `json:"total_points"`
	TotalCells    int     `json:"total_cells"`
	OccupiedCells int     `json:"occupied_cells"`
	MinPerCell    float64 `json:"min_per_cell"`
	MaxPerCell    float64 `json:"max_per_cell"`
	MeanPerCell   float64 `json:"mean_per_cell"`
	MedianPerCell float64 `json:"median_per_cell"`
	StdDevPerCell float64 `json:"stddev_per_cell"`
}

// SummarizeDensity computes distribution statistics over all cells of a
// density raster, empty cells included.
func SummarizeDensity(g *raster.Grid) DensityStats {
	s := DensityStats{
		TotalCells: len(g.Cells),
		MinPerCell: math.Inf(1),
	}
	if s.TotalCells == 0 {
		s.MinPerCell = 0
		return s
	}

	counts := make([]float64, len(g.Cells))
	copy(counts, g.Cells)
	for _, v := range counts {
		s.TotalPoints += int(v)
		if v > 0 {
			s.OccupiedCells++
		}
		if v < s.MinPerCell {
			s.MinPerCell = v
		}
		if v > s.MaxPerCell {
			s.MaxPerCell = v
		}
	}

	s.MeanPerCell, s.StdDevPerCell = stat.MeanStdDev(counts, nil)
	if math.IsNaN(s.StdDevPerCell) {
		s.StdDevPerCell = 0
	}

	sort.Float64s(counts)
	s.MedianPerCell = stat.Quantile(0.5, stat.Empirical, counts, nil)
	return s
}
