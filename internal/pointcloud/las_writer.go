package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

// generatingSoftware is stamped into the header of every file we write.
const generatingSoftware = "groundline terrain"

// WriteLAS encodes the cloud as LAS using the version, point format and
// quantization carried on the cloud. Coordinates quantize back to the same
// int32 counts they were read from, so cropping never perturbs geometry.
func WriteLAS(w io.Writer, c *Cloud) error {
	minSize, ok := pointRecordSize[c.PointFormat]
	if !ok {
		return fmt.Errorf("unsupported point record format %d", c.PointFormat)
	}
	if c.ScaleX == 0 || c.ScaleY == 0 || c.ScaleZ == 0 {
		return fmt.Errorf("zero coordinate scale factor")
	}

	minor := encodedMinor(c)
	headerSize := headerSizeFor(minor)
	vlr, globalEncoding := buildCRSVLR(c.CRS, minor)

	hdr := make([]byte, headerSize)
	copy(hdr[0:4], LAS_SIGNATURE)
	binary.LittleEndian.PutUint16(hdr[6:8], globalEncoding)
	hdr[24] = 1
	hdr[25] = minor
	copy(hdr[26:58], padded("EXTRACTION", 32))
	copy(hdr[58:90], padded(generatingSoftware, 32))

	now := time.Now().UTC()
	binary.LittleEndian.PutUint16(hdr[90:92], uint16(now.YearDay()))
	binary.LittleEndian.PutUint16(hdr[92:94], uint16(now.Year()))

	binary.LittleEndian.PutUint16(hdr[94:96], uint16(headerSize))
	binary.LittleEndian.PutUint32(hdr[96:100], uint32(headerSize+len(vlr)))
	if len(vlr) > 0 {
		binary.LittleEndian.PutUint32(hdr[100:104], 1)
	}
	hdr[104] = c.PointFormat
	binary.LittleEndian.PutUint16(hdr[105:107], uint16(minSize))

	count := uint64(len(c.Points))
	byReturn := countByReturn(c.Points)

	// Legacy 32-bit counts are zeroed for 1.4-only point formats and
	// overflow; readers then rely on the 64-bit fields.
	if c.PointFormat < 6 && count <= math.MaxUint32 {
		binary.LittleEndian.PutUint32(hdr[107:111], uint32(count))
		for i := 0; i < 5; i++ {
			binary.LittleEndian.PutUint32(hdr[111+i*4:115+i*4], uint32(byReturn[i]))
		}
	}

	putF64(hdr[131:139], c.ScaleX)
	putF64(hdr[139:147], c.ScaleY)
	putF64(hdr[147:155], c.ScaleZ)
	putF64(hdr[155:163], c.OffsetX)
	putF64(hdr[163:171], c.OffsetY)
	putF64(hdr[171:179], c.OffsetZ)

	b := c.Bounds()
	putF64(hdr[179:187], b.MaxX)
	putF64(hdr[187:195], b.MinX)
	putF64(hdr[195:203], b.MaxY)
	putF64(hdr[203:211], b.MinY)
	putF64(hdr[211:219], b.MaxZ)
	putF64(hdr[219:227], b.MinZ)

	if minor >= 4 {
		binary.LittleEndian.PutUint64(hdr[247:255], count)
		for i := 0; i < 15; i++ {
			binary.LittleEndian.PutUint64(hdr[255+i*8:263+i*8], byReturn[i])
		}
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr); err != nil {
		return err
	}
	if _, err := bw.Write(vlr); err != nil {
		return err
	}

	rec := make([]byte, minSize)
	for i := range c.Points {
		if err := encodePointRecord(rec, &c.Points[i], c); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		if _, err := bw.Write(rec); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// WriteFile writes the cloud to path via a temp file and rename, matching
// the durability convention of the raster artifacts.
func WriteFile(fsys fsutil.FileSystem, path string, c *Cloud) error {
	tmp := path + ".tmp"

	w, err := fsys.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := WriteLAS(w, c); err != nil {
		w.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// encodedMinor picks the LAS minor version for encoding: the source
// version where possible, promoted to 1.4 for the point formats that only
// exist there.
func encodedMinor(c *Cloud) uint8 {
	minor := c.VersionMinor
	if c.VersionMajor != 1 || minor < 2 {
		minor = 2
	}
	if c.PointFormat >= 6 && minor < 4 {
		minor = 4
	}
	return minor
}

func headerSizeFor(minor uint8) int {
	switch {
	case minor >= 4:
		return HEADER_SIZE_14
	case minor == 3:
		return HEADER_SIZE_13
	default:
		return HEADER_SIZE_12
	}
}

// EncodedSize returns the byte size WriteLAS would produce for the cloud,
// without encoding anything. Used for crop statistics.
func (c *Cloud) EncodedSize() int64 {
	recordSize, ok := pointRecordSize[c.PointFormat]
	if !ok {
		return 0
	}
	minor := encodedMinor(c)
	vlr, _ := buildCRSVLR(c.CRS, minor)
	return int64(headerSizeFor(minor)) + int64(len(vlr)) + int64(len(c.Points))*int64(recordSize)
}

func encodePointRecord(rec []byte, p *Point, c *Cloud) error {
	rawX, err := quantize(p.X, c.ScaleX, c.OffsetX)
	if err != nil {
		return fmt.Errorf("x=%f: %w", p.X, err)
	}
	rawY, err := quantize(p.Y, c.ScaleY, c.OffsetY)
	if err != nil {
		return fmt.Errorf("y=%f: %w", p.Y, err)
	}
	rawZ, err := quantize(p.Z, c.ScaleZ, c.OffsetZ)
	if err != nil {
		return fmt.Errorf("z=%f: %w", p.Z, err)
	}

	binary.LittleEndian.PutUint32(rec[0:4], uint32(rawX))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(rawY))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(rawZ))
	binary.LittleEndian.PutUint16(rec[12:14], p.Intensity)

	if c.PointFormat <= 3 {
		rec[14] = p.ReturnNumber&0x07 | (p.NumReturns&0x07)<<3 | (p.ScanDirFlag&0x01)<<6 | (p.EdgeOfFlight&0x01)<<7
		rec[15] = p.Classification&0x1F | p.ClassFlags<<5
		rec[16] = byte(int8(p.ScanAngle))
		rec[17] = p.UserData
		binary.LittleEndian.PutUint16(rec[18:20], p.PointSourceID)

		switch c.PointFormat {
		case 1:
			putF64(rec[20:28], p.GPSTime)
		case 2:
			binary.LittleEndian.PutUint16(rec[20:22], p.Red)
			binary.LittleEndian.PutUint16(rec[22:24], p.Green)
			binary.LittleEndian.PutUint16(rec[24:26], p.Blue)
		case 3:
			putF64(rec[20:28], p.GPSTime)
			binary.LittleEndian.PutUint16(rec[28:30], p.Red)
			binary.LittleEndian.PutUint16(rec[30:32], p.Green)
			binary.LittleEndian.PutUint16(rec[32:34], p.Blue)
		}
		return nil
	}

	rec[14] = p.ReturnNumber&0x0F | p.NumReturns<<4
	rec[15] = p.ClassFlags&0x0F | (p.ScannerChannel&0x03)<<4 | (p.ScanDirFlag&0x01)<<6 | (p.EdgeOfFlight&0x01)<<7
	rec[16] = p.Classification
	rec[17] = p.UserData
	binary.LittleEndian.PutUint16(rec[18:20], uint16(p.ScanAngle))
	binary.LittleEndian.PutUint16(rec[20:22], p.PointSourceID)
	putF64(rec[22:30], p.GPSTime)

	switch c.PointFormat {
	case 7:
		binary.LittleEndian.PutUint16(rec[30:32], p.Red)
		binary.LittleEndian.PutUint16(rec[32:34], p.Green)
		binary.LittleEndian.PutUint16(rec[34:36], p.Blue)
	case 8:
		binary.LittleEndian.PutUint16(rec[30:32], p.Red)
		binary.LittleEndian.PutUint16(rec[32:34], p.Green)
		binary.LittleEndian.PutUint16(rec[34:36], p.Blue)
		binary.LittleEndian.PutUint16(rec[36:38], p.NIR)
	}
	return nil
}

// quantize converts a coordinate back to its stored int32 count.
func quantize(v, scale, offset float64) (int32, error) {
	raw := math.Round((v - offset) / scale)
	if raw > math.MaxInt32 || raw < math.MinInt32 {
		return 0, fmt.Errorf("coordinate outside int32 range at scale %g", scale)
	}
	return int32(raw), nil
}

// buildCRSVLR encodes the CRS as a VLR: a GeoTIFF key directory for
// EPSG-form identifiers, a WKT record otherwise. Returns the encoded VLR
// bytes (empty when no CRS) and the global encoding flags.
func buildCRSVLR(crs string, versionMinor uint8) ([]byte, uint16) {
	if crs == "" {
		return nil, 0
	}

	if code := EPSGCode(crs); code > 0 && code <= math.MaxUint16 {
		payload := make([]byte, 16)
		binary.LittleEndian.PutUint16(payload[0:2], 1) // key directory version
		binary.LittleEndian.PutUint16(payload[2:4], 1) // key revision
		binary.LittleEndian.PutUint16(payload[4:6], 0)
		binary.LittleEndian.PutUint16(payload[6:8], 1) // one key
		binary.LittleEndian.PutUint16(payload[8:10], GEOKEY_PROJECTED_CRS)
		binary.LittleEndian.PutUint16(payload[10:12], 0)
		binary.LittleEndian.PutUint16(payload[12:14], 1)
		binary.LittleEndian.PutUint16(payload[14:16], uint16(code))
		return encodeVLR(VLR_USER_PROJECTION, VLR_RECORD_GEOKEYS, "GeoTIFF key directory", payload), 0
	}

	payload := append([]byte(crs), 0)
	var globalEncoding uint16
	if versionMinor >= 4 {
		globalEncoding = 0x10 // WKT bit
	}
	return encodeVLR(VLR_USER_PROJECTION, VLR_RECORD_WKT, "coordinate system WKT", payload), globalEncoding
}

func encodeVLR(userID string, recordID uint16, description string, payload []byte) []byte {
	vlr := make([]byte, VLR_HEADER_SIZE+len(payload))
	copy(vlr[2:18], padded(userID, 16))
	binary.LittleEndian.PutUint16(vlr[18:20], recordID)
	binary.LittleEndian.PutUint16(vlr[20:22], uint16(len(payload)))
	copy(vlr[22:54], padded(description, 32))
	copy(vlr[VLR_HEADER_SIZE:], payload)
	return vlr
}

// countByReturn tallies points into the 15 by-return slots; return numbers
// outside 1..15 land in the first slot like most production writers do.
func countByReturn(points []Point) [15]uint64 {
	var counts [15]uint64
	for i := range points {
		r := int(points[i].ReturnNumber)
		if r < 1 || r > 15 {
			r = 1
		}
		counts[r-1]++
	}
	return counts
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

func putF64(b []byte, v float64) {
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
}
