package terrain

import (
	"github.com/groundline-geo/terrain/internal/raster"
)

// MaskValid and MaskInvalid are the only values a validity mask holds.
const (
	MaskInvalid = 0.0
	MaskValid   = 1.0
)

// MaskGenerator thresholds a density raster into a validity mask: a cell
// is valid when it holds at least the configured number of returns.
type MaskGenerator struct {
	threshold int
}

// NewMaskGenerator validates the threshold. Zero is allowed and marks
// every cell valid, which effectively disables cleaning.
func NewMaskGenerator(threshold int) (*MaskGenerator, error) {
	if threshold < 0 {
		return nil, &InvalidThresholdError{Threshold: threshold}
	}
	return &MaskGenerator{threshold: threshold}, nil
}

// Threshold returns the configured minimum returns per cell.
func (m *MaskGenerator) Threshold() int { return m.threshold }

// MaskStats describes how much of a tile survived thresholding.
type MaskStats struct {
	TotalCells       int     `json:"total_cells"`
	ValidCells       int     `json:"valid_cells"`
	CoverageFraction float64 `json:"coverage_fraction"`
	ArtifactFraction float64 `json:"artifact_fraction"`
}

// Generate produces the validity mask on the density raster's exact grid.
// An all-invalid mask is a legitimate result here; only the footprint
// stage decides whether that aborts or degrades the run.
func (m *MaskGenerator) Generate(density *raster.Grid) (*raster.Grid, MaskStats) {
	mask := density.Clone()
	stats := MaskStats{TotalCells: len(density.Cells)}

	threshold := float64(m.threshold)
	for i, v := range density.Cells {
		if v >= threshold {
			mask.Cells[i] = MaskValid
			stats.ValidCells++
		} else {
			mask.Cells[i] = MaskInvalid
		}
	}

	if stats.TotalCells > 0 {
		stats.CoverageFraction = float64(stats.ValidCells) / float64(stats.TotalCells)
		stats.ArtifactFraction = 1 - stats.CoverageFraction
	}
	return mask, stats
}
