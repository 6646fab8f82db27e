package terrain

import (
	"fmt"
	"math"
	"strings"

	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/pointcloud"
	"github.com/groundline-geo/terrain/internal/raster"
)

// RasterKind enumerates the derived raster products. The set is closed:
// code switches over it exhaustively and persists kinds by name.
type RasterKind int

const (
	KindDTM RasterKind = iota
	KindDSM
	KindCHM
	KindSlope
	KindAspect
	KindHillshade
)

// AllRasterKinds returns every kind in dependency order: surfaces first,
// then the products derived from them.
func AllRasterKinds() []RasterKind {
	return []RasterKind{KindDTM, KindDSM, KindCHM, KindSlope, KindAspect, KindHillshade}
}

func (k RasterKind) String() string {
	switch k {
	case KindDTM:
		return "dtm"
	case KindDSM:
		return "dsm"
	case KindCHM:
		return "chm"
	case KindSlope:
		return "slope"
	case KindAspect:
		return "aspect"
	case KindHillshade:
		return "hillshade"
	default:
		return fmt.Sprintf("rasterkind(%d)", int(k))
	}
}

// ParseRasterKind maps a product name back to its kind.
func ParseRasterKind(s string) (RasterKind, error) {
	for _, k := range AllRasterKinds() {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown raster kind %q", s)
}

// ProductBuilder derives the elevation products from a point cloud. The
// two surface rasters (DTM from ground returns, DSM from all returns) bin
// points the same way the density raster does; the remaining products are
// computed from those surfaces cell by cell.
type ProductBuilder struct {
	resolution        float64
	noData            float64
	hillshadeAzimuth  float64 // degrees clockwise from north
	hillshadeAltitude float64 // degrees above horizon
}

// NewProductBuilder validates the resolution and records the lighting
// geometry for hillshading.
func NewProductBuilder(resolution, noData, hillshadeAzimuthDeg, hillshadeAltitudeDeg float64) (*ProductBuilder, error) {
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return nil, &InvalidResolutionError{Resolution: resolution}
	}
	return &ProductBuilder{
		resolution:        resolution,
		noData:            noData,
		hillshadeAzimuth:  hillshadeAzimuthDeg,
		hillshadeAltitude: hillshadeAltitudeDeg,
	}, nil
}

// DTM builds the terrain surface: mean elevation of ground-classified
// returns per cell. Cells without ground returns are NoData. When like is
// non-nil the output uses its exact grid so downstream rasters co-register
// without resampling; otherwise the grid is derived from the cloud bounds.
func (b *ProductBuilder) DTM(c *pointcloud.Cloud, like *raster.Grid) (*raster.Grid, error) {
	if c == nil || c.Len() == 0 {
		return nil, &EmptyInputError{}
	}
	g, err := b.surfaceGrid(c, like)
	if err != nil {
		return nil, err
	}

	sums := make([]float64, len(g.Cells))
	counts := make([]int, len(g.Cells))
	ground := 0
	for i := range c.Points {
		if c.Points[i].Classification != pointcloud.ClassGround {
			continue
		}
		ground++
		col, row := g.CellIndex(c.Points[i].X, c.Points[i].Y)
		if !g.InBounds(col, row) {
			continue
		}
		idx := g.Idx(col, row)
		sums[idx] += c.Points[i].Z
		counts[idx]++
	}
	if ground == 0 {
		monitoring.Warnf("no ground-classified returns in %d points; terrain model is empty", c.Len())
	}

	for i := range g.Cells {
		if counts[i] > 0 {
			g.Cells[i] = sums[i] / float64(counts[i])
		}
	}
	return g, nil
}

// DSM builds the surface model: maximum elevation of any return per cell.
func (b *ProductBuilder) DSM(c *pointcloud.Cloud, like *raster.Grid) (*raster.Grid, error) {
	if c == nil || c.Len() == 0 {
		return nil, &EmptyInputError{}
	}
	g, err := b.surfaceGrid(c, like)
	if err != nil {
		return nil, err
	}

	for i := range c.Points {
		col, row := g.CellIndex(c.Points[i].X, c.Points[i].Y)
		if !g.InBounds(col, row) {
			continue
		}
		idx := g.Idx(col, row)
		if g.IsNoData(g.Cells[idx]) || c.Points[i].Z > g.Cells[idx] {
			g.Cells[idx] = c.Points[i].Z
		}
	}
	return g, nil
}

// CHM is canopy height: DSM minus DTM, clamped at zero so noise below the
// terrain surface never yields negative canopy. NoData wherever either
// surface is NoData.
func (b *ProductBuilder) CHM(dsm, dtm *raster.Grid) (*raster.Grid, error) {
	if !raster.SameGeometry(dsm, dtm) {
		return nil, &RasterAlignmentError{Reason: "DSM and DTM grids differ"}
	}

	out := dsm.Clone()
	for i := range out.Cells {
		if dsm.IsNoData(dsm.Cells[i]) || dtm.IsNoData(dtm.Cells[i]) {
			out.Cells[i] = out.NoData
			continue
		}
		h := dsm.Cells[i] - dtm.Cells[i]
		if h < 0 {
			h = 0
		}
		out.Cells[i] = h
	}
	return out, nil
}

// Slope computes terrain slope in degrees from the DTM using Horn's
// eight-neighbor gradient.
func (b *ProductBuilder) Slope(dtm *raster.Grid) (*raster.Grid, error) {
	out := dtm.Clone()
	for row := 0; row < dtm.Height; row++ {
		for col := 0; col < dtm.Width; col++ {
			dzdx, dzdy, ok := hornGradient(dtm, col, row)
			if !ok {
				out.Set(col, row, out.NoData)
				continue
			}
			out.Set(col, row, math.Atan(math.Hypot(dzdx, dzdy))*180/math.Pi)
		}
	}
	return out, nil
}

// Aspect computes the downslope compass direction in degrees, 0 at north
// increasing clockwise. Flat cells have no defined aspect and are NoData.
func (b *ProductBuilder) Aspect(dtm *raster.Grid) (*raster.Grid, error) {
	out := dtm.Clone()
	for row := 0; row < dtm.Height; row++ {
		for col := 0; col < dtm.Width; col++ {
			dzdx, dzdy, ok := hornGradient(dtm, col, row)
			if !ok || (dzdx == 0 && dzdy == 0) {
				out.Set(col, row, out.NoData)
				continue
			}
			deg := math.Atan2(-dzdx, -dzdy) * 180 / math.Pi
			if deg < 0 {
				deg += 360
			}
			out.Set(col, row, deg)
		}
	}
	return out, nil
}

// Hillshade renders illumination 0..255 for the configured sun position.
// The surface normal comes from Horn's gradient, so flat cells shade to
// the altitude-only value rather than NoData.
func (b *ProductBuilder) Hillshade(dtm *raster.Grid) (*raster.Grid, error) {
	az := b.hillshadeAzimuth * math.Pi / 180
	alt := b.hillshadeAltitude * math.Pi / 180
	// Light direction in (east, north, up).
	lx := math.Sin(az) * math.Cos(alt)
	ly := math.Cos(az) * math.Cos(alt)
	lz := math.Sin(alt)

	out := dtm.Clone()
	for row := 0; row < dtm.Height; row++ {
		for col := 0; col < dtm.Width; col++ {
			dzdx, dzdy, ok := hornGradient(dtm, col, row)
			if !ok {
				out.Set(col, row, out.NoData)
				continue
			}
			norm := math.Sqrt(1 + dzdx*dzdx + dzdy*dzdy)
			dot := (-dzdx*lx - dzdy*ly + lz) / norm
			if dot < 0 {
				dot = 0
			}
			out.Set(col, row, math.Round(dot*255))
		}
	}
	return out, nil
}

// Build derives one product. Surface kinds come from the cloud; the rest
// derive from the surfaces passed in.
func (b *ProductBuilder) Build(kind RasterKind, c *pointcloud.Cloud, dtm, dsm *raster.Grid) (*raster.Grid, error) {
	switch kind {
	case KindDTM:
		return b.DTM(c, nil)
	case KindDSM:
		return b.DSM(c, nil)
	case KindCHM:
		return b.CHM(dsm, dtm)
	case KindSlope:
		return b.Slope(dtm)
	case KindAspect:
		return b.Aspect(dtm)
	case KindHillshade:
		return b.Hillshade(dtm)
	default:
		return nil, fmt.Errorf("unknown raster kind %d", kind)
	}
}

// surfaceGrid allocates an output grid either on the reference grid's
// geometry or from the cloud bounds.
func (b *ProductBuilder) surfaceGrid(c *pointcloud.Cloud, like *raster.Grid) (*raster.Grid, error) {
	if like != nil {
		g := like.Clone()
		g.NoData = b.noData
		g.Fill(g.NoData)
		return g, nil
	}

	bounds := c.Bounds()
	cols := cellSpan(bounds.Width(), b.resolution)
	rows := cellSpan(bounds.Height(), b.resolution)
	g, err := raster.NewGrid(cols, rows, bounds.MinX, bounds.MinY, b.resolution, c.CRS)
	if err != nil {
		return nil, err
	}
	g.NoData = b.noData
	g.Fill(g.NoData)
	return g, nil
}

// hornGradient evaluates Horn's 3x3 gradient at a cell. Returns ok=false
// when the center cell is NoData; NoData or off-grid neighbors fall back
// to the center elevation, which flattens the estimate at edges instead of
// poisoning it.
func hornGradient(g *raster.Grid, col, row int) (dzdx, dzdy float64, ok bool) {
	center := g.At(col, row)
	if g.IsNoData(center) {
		return 0, 0, false
	}

	at := func(c, r int) float64 {
		if !g.InBounds(c, r) {
			return center
		}
		v := g.At(c, r)
		if g.IsNoData(v) {
			return center
		}
		return v
	}

	nw, n, ne := at(col-1, row+1), at(col, row+1), at(col+1, row+1)
	w, e := at(col-1, row), at(col+1, row)
	sw, s, se := at(col-1, row-1), at(col, row-1), at(col+1, row-1)

	dzdx = ((ne + 2*e + se) - (nw + 2*w + sw)) / (8 * g.CellSize)
	dzdy = ((ne + 2*n + nw) - (se + 2*s + sw)) / (8 * g.CellSize)
	return dzdx, dzdy, true
}
