package raster

import "math"

// Co-registration helpers. A categorical mask can only be applied to a
// raster cell-for-cell when both grids share one geometry; otherwise the
// mask is resampled onto the raster's geometry with nearest-neighbor
// sampling (masks are categorical, interpolation would invent values).

// originTolFraction bounds how far apart two origins may sit, as a fraction
// of the cell size, before the grids are considered misaligned.
const originTolFraction = 1e-6

// SameGeometry reports whether a and b share dimensions, cell size and
// origin (within tolerance). CRS is compared separately by callers because
// a CRS mismatch needs a different error than a geometry mismatch.
func SameGeometry(a, b *Grid) bool {
	if a.Width != b.Width || a.Height != b.Height {
		return false
	}
	if a.CellSize != b.CellSize {
		return false
	}
	tol := a.CellSize * originTolFraction
	return math.Abs(a.OriginX-b.OriginX) <= tol && math.Abs(a.OriginY-b.OriginY) <= tol
}

// Overlaps reports whether the planar extents of a and b intersect.
func Overlaps(a, b *Grid) bool {
	aMinX, aMinY, aMaxX, aMaxY := a.Bounds()
	bMinX, bMinY, bMaxX, bMaxY := b.Bounds()
	return aMinX < bMaxX && bMinX < aMaxX && aMinY < bMaxY && bMinY < aMaxY
}

// ResampleNearest samples src onto the geometry of like: each output cell
// takes the value of the src cell containing its center, or src's NoData
// when the center falls outside src. The result inherits like's geometry
// and src's NoData sentinel and CRS.
func ResampleNearest(src, like *Grid) *Grid {
	out := &Grid{
		Width:    like.Width,
		Height:   like.Height,
		OriginX:  like.OriginX,
		OriginY:  like.OriginY,
		CellSize: like.CellSize,
		CRS:      src.CRS,
		NoData:   src.NoData,
		Cells:    make([]float64, like.Width*like.Height),
	}

	for row := 0; row < out.Height; row++ {
		for col := 0; col < out.Width; col++ {
			x, y := out.CellCenter(col, row)
			sc, sr := src.CellIndex(x, y)
			if src.InBounds(sc, sr) {
				out.Set(col, row, src.At(sc, sr))
			} else {
				out.Set(col, row, src.NoData)
			}
		}
	}
	return out
}
