// Package pointcloud implements the point-cloud I/O collaborator: the
// in-memory cloud model and a native little-endian LAS reader/writer.
// Classification values are carried through from the input file, never
// computed here.
package pointcloud

import "math"

// ASPRS standard classification codes (LAS spec table). Only Ground is
// interpreted by this system (DTM generation); the rest pass through.
const (
	ClassCreated        = 0
	ClassUnclassified   = 1
	ClassGround         = 2
	ClassLowVegetation  = 3
	ClassMedVegetation  = 4
	ClassHighVegetation = 5
	ClassBuilding       = 6
	ClassLowPoint       = 7
	ClassWater          = 9
)

// Point is one LiDAR return with every attribute the LAS formats we read
// can carry, so cropping preserves attributes byte-for-byte on rewrite.
type Point struct {
	X, Y, Z float64

	Intensity      uint16
	ReturnNumber   uint8
	NumReturns     uint8
	ScanDirFlag    uint8
	EdgeOfFlight   uint8
	Classification uint8
	ClassFlags     uint8 // formats 6+: synthetic/key-point/withheld/overlap
	ScannerChannel uint8
	ScanAngle      int16 // hundredths of degrees in formats 6+, whole degrees before
	UserData       uint8
	PointSourceID  uint16
	GPSTime        float64
	Red            uint16
	Green          uint16
	Blue           uint16
	NIR            uint16
}

// Bounds is an axis-aligned box around a cloud.
type Bounds struct {
	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// Width returns the X extent.
func (b Bounds) Width() float64 { return b.MaxX - b.MinX }

// Height returns the Y extent.
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Cloud is a point cloud plus the acquisition details needed to write it
// back out without altering coordinates: quantization scale/offset and the
// source format. CRS is an opaque identifier (e.g. "EPSG:25832").
type Cloud struct {
	Points []Point
	CRS    string

	// LAS provenance, preserved across read/crop/write so the cropped
	// file quantizes coordinates exactly like its source.
	PointFormat               uint8
	VersionMajor              uint8
	VersionMinor              uint8
	ScaleX, ScaleY, ScaleZ    float64
	OffsetX, OffsetY, OffsetZ float64
}

// NewCloud returns an empty cloud with the default quantization used for
// synthetic data (millimeter scale, zero offset, LAS 1.2 format 1).
func NewCloud(crs string) *Cloud {
	return &Cloud{
		CRS:          crs,
		PointFormat:  1,
		VersionMajor: 1,
		VersionMinor: 2,
		ScaleX:       0.001,
		ScaleY:       0.001,
		ScaleZ:       0.001,
	}
}

// Len returns the number of points.
func (c *Cloud) Len() int { return len(c.Points) }

// Bounds computes the axis-aligned bounds of the cloud. The zero Bounds is
// returned for an empty cloud.
func (c *Cloud) Bounds() Bounds {
	if len(c.Points) == 0 {
		return Bounds{}
	}

	b := Bounds{
		MinX: math.Inf(1), MinY: math.Inf(1), MinZ: math.Inf(1),
		MaxX: math.Inf(-1), MaxY: math.Inf(-1), MaxZ: math.Inf(-1),
	}
	for _, p := range c.Points {
		if p.X < b.MinX {
			b.MinX = p.X
		}
		if p.X > b.MaxX {
			b.MaxX = p.X
		}
		if p.Y < b.MinY {
			b.MinY = p.Y
		}
		if p.Y > b.MaxY {
			b.MaxY = p.Y
		}
		if p.Z < b.MinZ {
			b.MinZ = p.Z
		}
		if p.Z > b.MaxZ {
			b.MaxZ = p.Z
		}
	}
	return b
}

// CloneMeta returns an empty cloud carrying the same CRS, format and
// quantization as c. Cropping appends retained points into such a clone so
// the output file is written exactly like its source.
func (c *Cloud) CloneMeta() *Cloud {
	out := *c
	out.Points = nil
	return &out
}

// GroundPoints returns the points classified as ground. The classification
// is trusted as stored; no reclassification happens anywhere in this
// module.
func (c *Cloud) GroundPoints() []Point {
	var ground []Point
	for _, p := range c.Points {
		if p.Classification == ClassGround {
			ground = append(ground, p)
		}
	}
	return ground
}
