package terrain

import (
	"strings"

	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/pointcloud"
)

// PointCloudCropper drops every return outside the valid footprint. Point
// attributes pass through untouched; only membership changes.
type PointCloudCropper struct {
	lowRetentionWarning float64
}

// NewPointCloudCropper configures the retention ratio below which a crop
// is logged as suspicious. Zero disables the warning.
func NewPointCloudCropper(lowRetentionWarning float64) *PointCloudCropper {
	return &PointCloudCropper{lowRetentionWarning: lowRetentionWarning}
}

// CropStats records how much of the input survived the footprint.
type CropStats struct {
	OriginalCount     int     `json:"original_count"`
	CroppedCount      int     `json:"cropped_count"`
	RetentionRatio    float64 `json:"retention_ratio"`
	OriginalSizeBytes int64   `json:"original_size_bytes"`
	CroppedSizeBytes  int64   `json:"cropped_size_bytes"`
	LowRetention      bool    `json:"low_retention"`
}

// Crop keeps the points inside the footprint union. A point inside a kept
// hole is outside the union and is dropped. Low retention is reported in
// the stats and logged, never treated as failure: a tile that is mostly
// water legitimately crops to a sliver.
func (p *PointCloudCropper) Crop(c *pointcloud.Cloud, fp *Footprint) (*pointcloud.Cloud, CropStats, error) {
	if c == nil || c.Len() == 0 {
		return nil, CropStats{}, &EmptyInputError{}
	}
	if !SameCRS(c.CRS, fp.CRS) {
		return nil, CropStats{}, &CoordinateSystemMismatchError{Have: c.CRS, Want: fp.CRS}
	}

	out := c.CloneMeta()
	for i := range c.Points {
		if fp.Contains(c.Points[i].X, c.Points[i].Y) {
			out.Points = append(out.Points, c.Points[i])
		}
	}

	stats := CropStats{
		OriginalCount:     c.Len(),
		CroppedCount:      out.Len(),
		OriginalSizeBytes: c.EncodedSize(),
		CroppedSizeBytes:  out.EncodedSize(),
	}
	stats.RetentionRatio = float64(stats.CroppedCount) / float64(stats.OriginalCount)

	if p.lowRetentionWarning > 0 && stats.RetentionRatio < p.lowRetentionWarning {
		stats.LowRetention = true
		monitoring.Warnf("crop retained %.1f%% of %d points, below the %.0f%% watermark; check the density threshold",
			stats.RetentionRatio*100, stats.OriginalCount, p.lowRetentionWarning*100)
	}
	return out, stats, nil
}

// SameCRS compares coordinate system identifiers as opaque strings, with
// one concession: two EPSG identifiers match on their numeric code, so
// "EPSG:32633" and "epsg:32633" are the same system. No reprojection, no
// authority resolution.
func SameCRS(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == b {
		return true
	}
	if code := pointcloud.EPSGCode(a); code > 0 && code == pointcloud.EPSGCode(b) {
		return true
	}
	return false
}
