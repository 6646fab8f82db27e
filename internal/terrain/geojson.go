package terrain

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

// Footprints persist as a single GeoJSON Feature holding a MultiPolygon.
// RFC 7946 has no CRS member, so the identifier and the extraction stats
// ride in the feature properties; the reader restores them from there.

// MarshalGeoJSON encodes the footprint as a GeoJSON feature.
func (f *Footprint) MarshalGeoJSON() ([]byte, error) {
	feat := geojson.NewFeature(f.Geometry)
	feat.Properties["crs"] = f.CRS
	feat.Properties["cell_size"] = f.CellSize
	feat.Properties["valid_cells"] = f.ValidCells
	feat.Properties["components"] = f.Components
	feat.Properties["holes_kept"] = f.HolesKept
	feat.Properties["holes_filled"] = f.HolesFilled
	feat.Properties["area"] = f.Area
	return feat.MarshalJSON()
}

// UnmarshalFootprint decodes a footprint written by MarshalGeoJSON.
func UnmarshalFootprint(data []byte) (*Footprint, error) {
	feat, err := geojson.UnmarshalFeature(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse footprint feature: %w", err)
	}

	fp := &Footprint{}
	switch g := feat.Geometry.(type) {
	case orb.MultiPolygon:
		fp.Geometry = g
	case orb.Polygon:
		fp.Geometry = orb.MultiPolygon{g}
	default:
		return nil, fmt.Errorf("footprint geometry is %T, want MultiPolygon", feat.Geometry)
	}

	fp.CRS, _ = feat.Properties["crs"].(string)
	fp.CellSize = propFloat(feat.Properties, "cell_size")
	fp.ValidCells = int(propFloat(feat.Properties, "valid_cells"))
	fp.Components = int(propFloat(feat.Properties, "components"))
	fp.HolesKept = int(propFloat(feat.Properties, "holes_kept"))
	fp.HolesFilled = int(propFloat(feat.Properties, "holes_filled"))
	fp.Area = propFloat(feat.Properties, "area")
	return fp, nil
}

// WriteFootprintFile persists the footprint via a temp file and rename.
func WriteFootprintFile(fsys fsutil.FileSystem, path string, f *Footprint) error {
	data, err := f.MarshalGeoJSON()
	if err != nil {
		return fmt.Errorf("failed to encode footprint: %w", err)
	}

	tmp := path + ".tmp"
	if err := fsys.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// ReadFootprintFile loads a persisted footprint.
func ReadFootprintFile(fsys fsutil.FileSystem, path string) (*Footprint, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read footprint %s: %w", path, err)
	}
	fp, err := UnmarshalFootprint(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fp, nil
}

// propFloat reads a numeric property, tolerating the int/float64 blur of
// decoded JSON.
func propFloat(p geojson.Properties, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
