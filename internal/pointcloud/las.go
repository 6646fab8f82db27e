package pointcloud

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

// LAS file layout (all fields little-endian):
//
//	┌───────────────────────────────┐
//	│ Public header block           │  227 bytes (1.0–1.2)
//	│   "LASF" signature            │  235 bytes (1.3)
//	│   version, header size        │  375 bytes (1.4)
//	│   offset to point data        │
//	│   point format + record len   │
//	│   point count(s)              │
//	│   XYZ scale, offset, bbox     │
//	├───────────────────────────────┤
//	│ VLRs (variable length records)│  54-byte header + payload each;
//	│                               │  CRS lives here (GeoTIFF keys or WKT)
//	├───────────────────────────────┤
//	│ Point records                 │  fixed record length per format
//	└───────────────────────────────┘
//
// Stored coordinates are int32 counts: actual = raw*scale + offset. The
// reader applies the transform; the writer re-quantizes with the same
// scale/offset carried on the Cloud so a read-crop-write cycle reproduces
// source coordinates exactly.
//
// Supported point record formats: 0–3 (legacy, 1.0–1.3) and 6–8 (1.4).
// Formats 4, 5, 9 and 10 carry waveform packets this system has no use
// for. LAZ compression is detected (high bit of the point format byte, or
// the laszip VLR) and refused with ErrCompressedLAZ.
const (
	LAS_SIGNATURE = "LASF"

	HEADER_SIZE_12 = 227 // LAS 1.0–1.2
	HEADER_SIZE_13 = 235 // adds waveform packet start
	HEADER_SIZE_14 = 375 // adds 64-bit point counts and EVLRs

	VLR_HEADER_SIZE = 54

	// VLR identifiers carrying coordinate system information.
	VLR_USER_PROJECTION   = "LASF_Projection"
	VLR_RECORD_GEOKEYS    = 34735 // GeoTIFF key directory
	VLR_RECORD_WKT        = 2112  // OGC coordinate system WKT
	VLR_USER_LASZIP       = "laszip encoded"
	VLR_RECORD_LASZIP     = 22204
	GEOKEY_PROJECTED_CRS  = 3072
	GEOKEY_GEOGRAPHIC_CRS = 2048

	// Compressed files set the top bit of the point format byte.
	POINT_FORMAT_COMPRESSED_MASK = 0x80
)

// ErrCompressedLAZ is returned for LAZ-compressed input. Decompression is
// out of scope; callers should convert with laszip/las2las first.
var ErrCompressedLAZ = errors.New("input is LAZ-compressed; decompress to LAS first (laszip or las2las)")

// pointRecordSize maps supported point formats to their minimum record size.
var pointRecordSize = map[uint8]int{
	0: 20,
	1: 28,
	2: 26,
	3: 34,
	6: 30,
	7: 36,
	8: 38,
}

// lasHeader is the decoded public header block.
type lasHeader struct {
	VersionMajor  uint8
	VersionMinor  uint8
	HeaderSize    uint16
	PointOffset   uint32
	VLRCount      uint32
	PointFormat   uint8
	RecordLength  uint16
	PointCount    uint64
	ScaleX        float64
	ScaleY        float64
	ScaleZ        float64
	OffsetX       float64
	OffsetY       float64
	OffsetZ       float64
	Compressed    bool
}

// ReadLAS decodes a LAS stream into a Cloud.
func ReadLAS(r io.Reader) (*Cloud, error) {
	hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	if hdr.Compressed {
		return nil, ErrCompressedLAZ
	}

	minSize, ok := pointRecordSize[hdr.PointFormat]
	if !ok {
		return nil, fmt.Errorf("unsupported point record format %d", hdr.PointFormat)
	}
	if int(hdr.RecordLength) < minSize {
		return nil, fmt.Errorf("point record length %d shorter than format %d minimum %d",
			hdr.RecordLength, hdr.PointFormat, minSize)
	}

	crs, consumed, err := readVLRs(r, hdr)
	if err != nil {
		return nil, err
	}

	// VLRs end before the point data offset; discard any padding.
	pad := int64(hdr.PointOffset) - int64(hdr.HeaderSize) - consumed
	if pad < 0 {
		return nil, fmt.Errorf("point data offset %d overlaps VLRs", hdr.PointOffset)
	}
	if _, err := io.CopyN(io.Discard, r, pad); err != nil {
		return nil, fmt.Errorf("failed to skip to point data: %w", err)
	}

	cloud := &Cloud{
		CRS:          crs,
		PointFormat:  hdr.PointFormat,
		VersionMajor: hdr.VersionMajor,
		VersionMinor: hdr.VersionMinor,
		ScaleX:       hdr.ScaleX,
		ScaleY:       hdr.ScaleY,
		ScaleZ:       hdr.ScaleZ,
		OffsetX:      hdr.OffsetX,
		OffsetY:      hdr.OffsetY,
		OffsetZ:      hdr.OffsetZ,
		Points:       make([]Point, 0, hdr.PointCount),
	}

	buf := make([]byte, hdr.RecordLength)
	for i := uint64(0); i < hdr.PointCount; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("point record %d of %d: %w", i, hdr.PointCount, err)
		}
		cloud.Points = append(cloud.Points, parsePointRecord(buf, hdr))
	}

	return cloud, nil
}

// ReadFile reads a point cloud from path. The .laz extension is refused up
// front so the error names the file instead of a stream position.
func ReadFile(fsys fsutil.FileSystem, path string) (*Cloud, error) {
	if strings.EqualFold(filepath.Ext(path), ".laz") {
		return nil, fmt.Errorf("%s: %w", path, ErrCompressedLAZ)
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open point cloud %s: %w", path, err)
	}
	defer f.Close()

	cloud, err := ReadLAS(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read point cloud %s: %w", path, err)
	}
	return cloud, nil
}

func readHeader(r io.Reader) (*lasHeader, error) {
	base := make([]byte, HEADER_SIZE_12)
	if _, err := io.ReadFull(r, base); err != nil {
		return nil, fmt.Errorf("failed to read LAS header: %w", err)
	}

	if string(base[0:4]) != LAS_SIGNATURE {
		return nil, fmt.Errorf("bad LAS signature %q", base[0:4])
	}

	hdr := &lasHeader{
		VersionMajor: base[24],
		VersionMinor: base[25],
		HeaderSize:   binary.LittleEndian.Uint16(base[94:96]),
		PointOffset:  binary.LittleEndian.Uint32(base[96:100]),
		VLRCount:     binary.LittleEndian.Uint32(base[100:104]),
		RecordLength: binary.LittleEndian.Uint16(base[105:107]),
		ScaleX:       f64(base[131:139]),
		ScaleY:       f64(base[139:147]),
		ScaleZ:       f64(base[147:155]),
		OffsetX:      f64(base[155:163]),
		OffsetY:      f64(base[163:171]),
		OffsetZ:      f64(base[171:179]),
	}

	formatByte := base[104]
	hdr.Compressed = formatByte&POINT_FORMAT_COMPRESSED_MASK != 0
	hdr.PointFormat = formatByte &^ POINT_FORMAT_COMPRESSED_MASK
	hdr.PointCount = uint64(binary.LittleEndian.Uint32(base[107:111]))

	if hdr.VersionMajor != 1 {
		return nil, fmt.Errorf("unsupported LAS version %d.%d", hdr.VersionMajor, hdr.VersionMinor)
	}
	if int(hdr.HeaderSize) < HEADER_SIZE_12 {
		return nil, fmt.Errorf("header size %d below minimum %d", hdr.HeaderSize, HEADER_SIZE_12)
	}
	if hdr.ScaleX == 0 || hdr.ScaleY == 0 || hdr.ScaleZ == 0 {
		return nil, fmt.Errorf("zero coordinate scale factor")
	}

	// Versions past 1.2 extend the header; 1.4 moves the authoritative
	// point count to a 64-bit field (the legacy field is zero for new
	// point formats).
	extra := int(hdr.HeaderSize) - HEADER_SIZE_12
	if extra > 0 {
		ext := make([]byte, extra)
		if _, err := io.ReadFull(r, ext); err != nil {
			return nil, fmt.Errorf("failed to read extended LAS header: %w", err)
		}
		if hdr.VersionMinor >= 4 && int(hdr.HeaderSize) >= HEADER_SIZE_14 {
			count64 := binary.LittleEndian.Uint64(ext[20:28]) // offset 247 in the file
			if count64 > 0 {
				hdr.PointCount = count64
			}
		}
	}

	if int64(hdr.PointOffset) < int64(hdr.HeaderSize) {
		return nil, fmt.Errorf("point data offset %d inside header", hdr.PointOffset)
	}

	return hdr, nil
}

// readVLRs scans the variable length records for a CRS identifier and the
// laszip marker. Returns the CRS (possibly empty) and bytes consumed.
func readVLRs(r io.Reader, hdr *lasHeader) (string, int64, error) {
	var (
		crs      string
		wkt      string
		consumed int64
	)

	vlrHdr := make([]byte, VLR_HEADER_SIZE)
	for i := uint32(0); i < hdr.VLRCount; i++ {
		if _, err := io.ReadFull(r, vlrHdr); err != nil {
			return "", 0, fmt.Errorf("VLR %d header: %w", i, err)
		}
		consumed += VLR_HEADER_SIZE

		userID := cstr(vlrHdr[2:18])
		recordID := binary.LittleEndian.Uint16(vlrHdr[18:20])
		payloadLen := int(binary.LittleEndian.Uint16(vlrHdr[20:22]))

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", 0, fmt.Errorf("VLR %d payload: %w", i, err)
		}
		consumed += int64(payloadLen)

		switch {
		case userID == VLR_USER_LASZIP && recordID == VLR_RECORD_LASZIP:
			hdr.Compressed = true
		case userID == VLR_USER_PROJECTION && recordID == VLR_RECORD_GEOKEYS:
			if code := epsgFromGeoKeys(payload); code != 0 {
				crs = fmt.Sprintf("EPSG:%d", code)
			}
		case userID == VLR_USER_PROJECTION && recordID == VLR_RECORD_WKT:
			wkt = cstr(payload)
		}
	}

	if hdr.Compressed {
		return "", consumed, ErrCompressedLAZ
	}

	// The compact EPSG identifier wins over raw WKT when both exist.
	if crs == "" {
		crs = wkt
	}
	return crs, consumed, nil
}

// epsgFromGeoKeys extracts the EPSG code from a GeoTIFF key directory.
// Keys are uint16 quadruples after a 4-value header; the projected CRS key
// is preferred over the geographic one.
func epsgFromGeoKeys(payload []byte) int {
	if len(payload) < 8 {
		return 0
	}
	numKeys := int(binary.LittleEndian.Uint16(payload[6:8]))

	geographic := 0
	for k := 0; k < numKeys; k++ {
		off := 8 + k*8
		if off+8 > len(payload) {
			break
		}
		keyID := binary.LittleEndian.Uint16(payload[off : off+2])
		tagLoc := binary.LittleEndian.Uint16(payload[off+2 : off+4])
		value := int(binary.LittleEndian.Uint16(payload[off+6 : off+8]))

		if tagLoc != 0 {
			continue // value stored out-of-band; not an inline code
		}
		switch keyID {
		case GEOKEY_PROJECTED_CRS:
			return value
		case GEOKEY_GEOGRAPHIC_CRS:
			geographic = value
		}
	}
	return geographic
}

func parsePointRecord(buf []byte, hdr *lasHeader) Point {
	var p Point

	rawX := int32(binary.LittleEndian.Uint32(buf[0:4]))
	rawY := int32(binary.LittleEndian.Uint32(buf[4:8]))
	rawZ := int32(binary.LittleEndian.Uint32(buf[8:12]))
	p.X = float64(rawX)*hdr.ScaleX + hdr.OffsetX
	p.Y = float64(rawY)*hdr.ScaleY + hdr.OffsetY
	p.Z = float64(rawZ)*hdr.ScaleZ + hdr.OffsetZ
	p.Intensity = binary.LittleEndian.Uint16(buf[12:14])

	if hdr.PointFormat <= 3 {
		flags := buf[14]
		p.ReturnNumber = flags & 0x07
		p.NumReturns = (flags >> 3) & 0x07
		p.ScanDirFlag = (flags >> 6) & 0x01
		p.EdgeOfFlight = (flags >> 7) & 0x01

		// Legacy classification packs flag bits above the class code; the
		// flags land in the same positions the 1.4 formats use.
		rawClass := buf[15]
		p.Classification = rawClass & 0x1F
		p.ClassFlags = rawClass >> 5

		p.ScanAngle = int16(int8(buf[16]))
		p.UserData = buf[17]
		p.PointSourceID = binary.LittleEndian.Uint16(buf[18:20])

		switch hdr.PointFormat {
		case 1:
			p.GPSTime = f64(buf[20:28])
		case 2:
			p.Red = binary.LittleEndian.Uint16(buf[20:22])
			p.Green = binary.LittleEndian.Uint16(buf[22:24])
			p.Blue = binary.LittleEndian.Uint16(buf[24:26])
		case 3:
			p.GPSTime = f64(buf[20:28])
			p.Red = binary.LittleEndian.Uint16(buf[28:30])
			p.Green = binary.LittleEndian.Uint16(buf[30:32])
			p.Blue = binary.LittleEndian.Uint16(buf[32:34])
		}
		return p
	}

	// Formats 6+: wider return counts, full-byte classification,
	// two-byte scan angle, mandatory GPS time.
	returns := buf[14]
	p.ReturnNumber = returns & 0x0F
	p.NumReturns = returns >> 4

	flags := buf[15]
	p.ClassFlags = flags & 0x0F
	p.ScannerChannel = (flags >> 4) & 0x03
	p.ScanDirFlag = (flags >> 6) & 0x01
	p.EdgeOfFlight = (flags >> 7) & 0x01

	p.Classification = buf[16]
	p.UserData = buf[17]
	p.ScanAngle = int16(binary.LittleEndian.Uint16(buf[18:20]))
	p.PointSourceID = binary.LittleEndian.Uint16(buf[20:22])
	p.GPSTime = f64(buf[22:30])

	switch hdr.PointFormat {
	case 7:
		p.Red = binary.LittleEndian.Uint16(buf[30:32])
		p.Green = binary.LittleEndian.Uint16(buf[32:34])
		p.Blue = binary.LittleEndian.Uint16(buf[34:36])
	case 8:
		p.Red = binary.LittleEndian.Uint16(buf[30:32])
		p.Green = binary.LittleEndian.Uint16(buf[32:34])
		p.Blue = binary.LittleEndian.Uint16(buf[34:36])
		p.NIR = binary.LittleEndian.Uint16(buf[36:38])
	}
	return p
}

// EPSGCode returns the numeric code when crs is of the form "EPSG:n", else 0.
// The prefix match is case-insensitive.
func EPSGCode(crs string) int {
	if len(crs) < 6 || !strings.EqualFold(crs[:5], "EPSG:") {
		return 0
	}
	code, err := strconv.Atoi(crs[5:])
	if err != nil || code <= 0 {
		return 0
	}
	return code
}

// cstr trims a fixed-width, NUL-padded byte field to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}

func f64(b []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}
