// Package raster provides the in-memory grid model and the ESRI ASCII grid
// codec used for every raster artifact in the terrain pipeline (density
// counts, validity masks, and derived elevation products).
package raster

import (
	"fmt"
	"math"
)

// DefaultNoData is the sentinel written into cells with no valid measurement.
// It is distinct from zero: a zero-count density cell is a measurement.
const DefaultNoData = -9999.0

// Grid is a georeferenced raster with square cells and float64 values,
// stored row-major with row 0 at the southern (minimum Y) edge so that cell
// indices follow directly from floor((coord - origin) / cellSize). The ASC
// codec flips to north-up row order on disk.
type Grid struct {
	Width    int     // columns (X axis)
	Height   int     // rows (Y axis)
	OriginX  float64 // X of the grid's minimum corner
	OriginY  float64 // Y of the grid's minimum corner
	CellSize float64 // cell edge length in CRS units
	CRS      string  // opaque identifier, e.g. "EPSG:25832"
	NoData   float64 // sentinel for cells without a valid value
	Cells    []float64
}

// NewGrid allocates a grid with every cell set to the NoData sentinel.
// Callers that compute a value for every cell (like the density analyzer)
// call Fill to overwrite the sentinel first.
func NewGrid(width, height int, originX, originY, cellSize float64, crs string) (*Grid, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("grid dimensions must be positive, got %dx%d", width, height)
	}
	if cellSize <= 0 {
		return nil, fmt.Errorf("cell size must be positive, got %f", cellSize)
	}

	g := &Grid{
		Width:    width,
		Height:   height,
		OriginX:  originX,
		OriginY:  originY,
		CellSize: cellSize,
		CRS:      crs,
		NoData:   DefaultNoData,
		Cells:    make([]float64, width*height),
	}
	g.Fill(g.NoData)
	return g, nil
}

// Idx converts (col, row) to the flat cell index.
func (g *Grid) Idx(col, row int) int { return row*g.Width + col }

// InBounds reports whether (col, row) addresses a cell of the grid.
func (g *Grid) InBounds(col, row int) bool {
	return col >= 0 && col < g.Width && row >= 0 && row < g.Height
}

// At returns the value at (col, row).
func (g *Grid) At(col, row int) float64 { return g.Cells[g.Idx(col, row)] }

// Set writes the value at (col, row).
func (g *Grid) Set(col, row int, v float64) { g.Cells[g.Idx(col, row)] = v }

// IsNoData reports whether v is the grid's NoData sentinel.
func (g *Grid) IsNoData(v float64) bool { return v == g.NoData }

// Fill sets every cell to v.
func (g *Grid) Fill(v float64) {
	for i := range g.Cells {
		g.Cells[i] = v
	}
}

// CellIndex maps a planar coordinate to the (col, row) of the cell that
// contains it. Points exactly on the maximum X or Y edge belong to the last
// cell, not a phantom cell beyond the grid.
func (g *Grid) CellIndex(x, y float64) (col, row int) {
	col = int(math.Floor((x - g.OriginX) / g.CellSize))
	row = int(math.Floor((y - g.OriginY) / g.CellSize))
	if col == g.Width && x == g.OriginX+float64(g.Width)*g.CellSize {
		col = g.Width - 1
	}
	if row == g.Height && y == g.OriginY+float64(g.Height)*g.CellSize {
		row = g.Height - 1
	}
	return col, row
}

// CellCenter returns the planar coordinate of the center of cell (col, row).
func (g *Grid) CellCenter(col, row int) (x, y float64) {
	x = g.OriginX + (float64(col)+0.5)*g.CellSize
	y = g.OriginY + (float64(row)+0.5)*g.CellSize
	return x, y
}

// CellCorner returns the minimum (south-west) corner of cell (col, row).
func (g *Grid) CellCorner(col, row int) (x, y float64) {
	return g.OriginX + float64(col)*g.CellSize, g.OriginY + float64(row)*g.CellSize
}

// Bounds returns the planar extent covered by the grid.
func (g *Grid) Bounds() (minX, minY, maxX, maxY float64) {
	return g.OriginX, g.OriginY,
		g.OriginX + float64(g.Width)*g.CellSize,
		g.OriginY + float64(g.Height)*g.CellSize
}

// Clone returns a deep copy of the grid.
func (g *Grid) Clone() *Grid {
	out := *g
	out.Cells = make([]float64, len(g.Cells))
	copy(out.Cells, g.Cells)
	return &out
}

// CountNoData returns the number of cells holding the NoData sentinel.
func (g *Grid) CountNoData() int {
	n := 0
	for _, v := range g.Cells {
		if v == g.NoData {
			n++
		}
	}
	return n
}

// NoDataFraction returns the fraction of cells holding the NoData sentinel.
func (g *Grid) NoDataFraction() float64 {
	if len(g.Cells) == 0 {
		return 0
	}
	return float64(g.CountNoData()) / float64(len(g.Cells))
}
