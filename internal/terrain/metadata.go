package terrain

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

// ProcessingMetadata is the per-region provenance record: which input
// produced the outputs, with which parameters, and what the pipeline
// measured along the way. Written once when a run completes and never
// modified after; reruns that detect an identical input skip processing
// based on it.
type ProcessingMetadata struct {
	Region         string    `json:"region"`
	InputPath      string    `json:"input_path"`
	InputSizeBytes int64     `json:"input_size_bytes"`
	InputModTime   time.Time `json:"input_mod_time"`

	Mode     string `json:"mode"`      // mode requested
	ModeUsed string `json:"mode_used"` // mode that actually ran

	Resolution      float64 `json:"resolution"`
	MaskThreshold   int     `json:"mask_threshold"`
	Connectivity    int     `json:"connectivity"`
	HoleFillMinArea float64 `json:"hole_fill_min_area"`

	CoverageFraction float64 `json:"coverage_fraction"`
	PolygonCount     int     `json:"polygon_count"`
	PolygonArea      float64 `json:"polygon_area"`
	HolesKept        int     `json:"holes_kept"`
	HolesFilled      int     `json:"holes_filled"`

	OriginalCount  int     `json:"original_count"`
	CroppedCount   int     `json:"cropped_count"`
	RetentionRatio float64 `json:"retention_ratio"`

	// NoDataFractions maps product name to its NoData coverage after
	// cleaning, e.g. "dtm" to 0.031.
	NoDataFractions map[string]float64 `json:"nodata_fractions,omitempty"`

	CompletedAt time.Time `json:"completed_at"`
}

// SameParameters reports whether a previous run used the same input file
// and tuning, which makes its outputs reusable.
func (m *ProcessingMetadata) SameParameters(path string, size int64, modTime time.Time, resolution float64, threshold int) bool {
	return m.InputPath == path &&
		m.InputSizeBytes == size &&
		m.InputModTime.Equal(modTime) &&
		m.Resolution == resolution &&
		m.MaskThreshold == threshold
}

// Encode renders the metadata as key: value lines. The format is stable
// line-per-field text so a run directory stays inspectable with nothing
// but a pager.
func (m *ProcessingMetadata) Encode() []byte {
	var b bytes.Buffer
	put := func(key, value string) {
		fmt.Fprintf(&b, "%s: %s\n", key, value)
	}
	putF := func(key string, v float64) {
		put(key, strconv.FormatFloat(v, 'f', -1, 64))
	}

	put("region", m.Region)
	put("input_path", m.InputPath)
	put("input_size_bytes", strconv.FormatInt(m.InputSizeBytes, 10))
	put("input_mod_time", m.InputModTime.UTC().Format(time.RFC3339Nano))
	put("mode", m.Mode)
	put("mode_used", m.ModeUsed)
	putF("resolution", m.Resolution)
	put("mask_threshold", strconv.Itoa(m.MaskThreshold))
	put("connectivity", strconv.Itoa(m.Connectivity))
	putF("hole_fill_min_area", m.HoleFillMinArea)
	putF("coverage_fraction", m.CoverageFraction)
	put("polygon_count", strconv.Itoa(m.PolygonCount))
	putF("polygon_area", m.PolygonArea)
	put("holes_kept", strconv.Itoa(m.HolesKept))
	put("holes_filled", strconv.Itoa(m.HolesFilled))
	put("original_count", strconv.Itoa(m.OriginalCount))
	put("cropped_count", strconv.Itoa(m.CroppedCount))
	putF("retention_ratio", m.RetentionRatio)

	products := make([]string, 0, len(m.NoDataFractions))
	for name := range m.NoDataFractions {
		products = append(products, name)
	}
	sort.Strings(products)
	for _, name := range products {
		putF("nodata_fraction."+name, m.NoDataFractions[name])
	}

	put("completed_at", m.CompletedAt.UTC().Format(time.RFC3339Nano))
	return b.Bytes()
}

// ParseProcessingMetadata decodes the key: value form. Unknown keys are
// ignored so newer writers stay readable by older code.
func ParseProcessingMetadata(data []byte) (*ProcessingMetadata, error) {
	m := &ProcessingMetadata{NoDataFractions: map[string]float64{}}

	sc := bufio.NewScanner(bytes.NewReader(data))
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		key, value, found := strings.Cut(text, ":")
		if !found {
			return nil, fmt.Errorf("metadata line %d: no key separator in %q", line, text)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		var err error
		switch {
		case key == "region":
			m.Region = value
		case key == "input_path":
			m.InputPath = value
		case key == "input_size_bytes":
			m.InputSizeBytes, err = strconv.ParseInt(value, 10, 64)
		case key == "input_mod_time":
			m.InputModTime, err = time.Parse(time.RFC3339Nano, value)
		case key == "mode":
			m.Mode = value
		case key == "mode_used":
			m.ModeUsed = value
		case key == "resolution":
			m.Resolution, err = strconv.ParseFloat(value, 64)
		case key == "mask_threshold":
			m.MaskThreshold, err = strconv.Atoi(value)
		case key == "connectivity":
			m.Connectivity, err = strconv.Atoi(value)
		case key == "hole_fill_min_area":
			m.HoleFillMinArea, err = strconv.ParseFloat(value, 64)
		case key == "coverage_fraction":
			m.CoverageFraction, err = strconv.ParseFloat(value, 64)
		case key == "polygon_count":
			m.PolygonCount, err = strconv.Atoi(value)
		case key == "polygon_area":
			m.PolygonArea, err = strconv.ParseFloat(value, 64)
		case key == "holes_kept":
			m.HolesKept, err = strconv.Atoi(value)
		case key == "holes_filled":
			m.HolesFilled, err = strconv.Atoi(value)
		case key == "original_count":
			m.OriginalCount, err = strconv.Atoi(value)
		case key == "cropped_count":
			m.CroppedCount, err = strconv.Atoi(value)
		case key == "retention_ratio":
			m.RetentionRatio, err = strconv.ParseFloat(value, 64)
		case key == "completed_at":
			m.CompletedAt, err = time.Parse(time.RFC3339Nano, value)
		case strings.HasPrefix(key, "nodata_fraction."):
			var f float64
			f, err = strconv.ParseFloat(value, 64)
			if err == nil {
				m.NoDataFractions[strings.TrimPrefix(key, "nodata_fraction.")] = f
			}
		}
		if err != nil {
			return nil, fmt.Errorf("metadata line %d: bad value for %s: %w", line, key, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMetadataFile persists the record via temp file and rename.
func WriteMetadataFile(fsys fsutil.FileSystem, path string, m *ProcessingMetadata) error {
	tmp := path + ".tmp"
	if err := fsys.WriteFile(tmp, m.Encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

// ReadMetadataFile loads a persisted record.
func ReadMetadataFile(fsys fsutil.FileSystem, path string) (*ProcessingMetadata, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	m, err := ParseProcessingMetadata(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
