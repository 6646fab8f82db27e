package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultConfigPath is the path to the canonical pipeline defaults file.
// This is the single source of truth for all default processing values.
const DefaultConfigPath = "config/pipeline.defaults.json"

// Processing modes. Quality mode crops the point cloud to the validity
// footprint before any raster is derived; standard mode derives rasters
// first and masks artifact cells afterwards.
const (
	ModeStandard = "standard"
	ModeQuality  = "quality"
)

// OutputFormatGeoJSON is the only footprint vector format currently written.
const OutputFormatGeoJSON = "GeoJSON"

// PipelineConfig represents the root configuration for terrain processing.
// The schema matches the /api/lidar/process endpoint so the same JSON can
// be used for both startup configuration and per-request overrides.
type PipelineConfig struct {
	// Density and mask params
	Resolution    *float64 `json:"resolution,omitempty"`     // cell size in CRS units
	MaskThreshold *int     `json:"mask_threshold,omitempty"` // min points per cell to trust it

	// Footprint params
	Connectivity      *int     `json:"connectivity,omitempty"`       // 4 or 8
	HoleFillMinArea   *float64 `json:"hole_fill_min_area,omitempty"` // square CRS units; smaller holes are filled
	SimplifyTolerance *float64 `json:"simplify_tolerance,omitempty"` // CRS units; capped at resolution/2
	OutputFormat      *string  `json:"output_format,omitempty"`

	// Pipeline params
	Mode                *string  `json:"mode,omitempty"` // "standard" or "quality"
	NoData              *float64 `json:"nodata,omitempty"`
	LowRetentionWarning *float64 `json:"low_retention_warning,omitempty"` // warn when retention drops below this
	CleanWorkers        *int     `json:"clean_workers,omitempty"`         // batch raster cleaning pool size

	// Hillshade illumination params
	HillshadeAzimuthDeg  *float64 `json:"hillshade_azimuth_deg,omitempty"`
	HillshadeAltitudeDeg *float64 `json:"hillshade_altitude_deg,omitempty"`
}

// EmptyPipelineConfig returns a PipelineConfig with all fields set to nil.
// Use LoadPipelineConfig to load actual values from the defaults file.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON into empty config. The Get* methods provide fallback
	// defaults for any fields not specified in the JSON.
	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Overlay returns a copy of c with every field that is set on o replacing
// the corresponding field. Neither config is modified; the per-request
// override path of /api/lidar/process is built on this.
func (c *PipelineConfig) Overlay(o *PipelineConfig) *PipelineConfig {
	merged := *c
	if o == nil {
		return &merged
	}
	if o.Resolution != nil {
		merged.Resolution = o.Resolution
	}
	if o.MaskThreshold != nil {
		merged.MaskThreshold = o.MaskThreshold
	}
	if o.Connectivity != nil {
		merged.Connectivity = o.Connectivity
	}
	if o.HoleFillMinArea != nil {
		merged.HoleFillMinArea = o.HoleFillMinArea
	}
	if o.SimplifyTolerance != nil {
		merged.SimplifyTolerance = o.SimplifyTolerance
	}
	if o.OutputFormat != nil {
		merged.OutputFormat = o.OutputFormat
	}
	if o.Mode != nil {
		merged.Mode = o.Mode
	}
	if o.NoData != nil {
		merged.NoData = o.NoData
	}
	if o.LowRetentionWarning != nil {
		merged.LowRetentionWarning = o.LowRetentionWarning
	}
	if o.CleanWorkers != nil {
		merged.CleanWorkers = o.CleanWorkers
	}
	if o.HillshadeAzimuthDeg != nil {
		merged.HillshadeAzimuthDeg = o.HillshadeAzimuthDeg
	}
	if o.HillshadeAltitudeDeg != nil {
		merged.HillshadeAltitudeDeg = o.HillshadeAltitudeDeg
	}
	return &merged
}

// Validate checks that the configuration values are valid. Configuration
// errors are terminal: they are reported immediately and never retried.
func (c *PipelineConfig) Validate() error {
	if c.Resolution != nil && *c.Resolution <= 0 {
		return fmt.Errorf("resolution must be positive, got %f", *c.Resolution)
	}

	if c.MaskThreshold != nil && *c.MaskThreshold < 0 {
		return fmt.Errorf("mask_threshold must be non-negative, got %d", *c.MaskThreshold)
	}

	if c.Connectivity != nil {
		if *c.Connectivity != 4 && *c.Connectivity != 8 {
			return fmt.Errorf("connectivity must be 4 or 8, got %d", *c.Connectivity)
		}
	}

	if c.HoleFillMinArea != nil && *c.HoleFillMinArea < 0 {
		return fmt.Errorf("hole_fill_min_area must be non-negative, got %f", *c.HoleFillMinArea)
	}

	if c.SimplifyTolerance != nil && *c.SimplifyTolerance < 0 {
		return fmt.Errorf("simplify_tolerance must be non-negative, got %f", *c.SimplifyTolerance)
	}

	if c.Mode != nil {
		if *c.Mode != ModeStandard && *c.Mode != ModeQuality {
			return fmt.Errorf("mode must be %q or %q, got %q", ModeStandard, ModeQuality, *c.Mode)
		}
	}

	if c.OutputFormat != nil && *c.OutputFormat != OutputFormatGeoJSON {
		return fmt.Errorf("output_format %q not supported (only %q)", *c.OutputFormat, OutputFormatGeoJSON)
	}

	if c.LowRetentionWarning != nil {
		if *c.LowRetentionWarning <= 0 || *c.LowRetentionWarning > 1 {
			return fmt.Errorf("low_retention_warning must be in (0, 1], got %f", *c.LowRetentionWarning)
		}
	}

	if c.CleanWorkers != nil && *c.CleanWorkers < 1 {
		return fmt.Errorf("clean_workers must be at least 1, got %d", *c.CleanWorkers)
	}

	if c.HillshadeAltitudeDeg != nil {
		if *c.HillshadeAltitudeDeg < 0 || *c.HillshadeAltitudeDeg > 90 {
			return fmt.Errorf("hillshade_altitude_deg must be between 0 and 90, got %f", *c.HillshadeAltitudeDeg)
		}
	}

	return nil
}

// GetResolution returns the resolution value or the default.
func (c *PipelineConfig) GetResolution() float64 {
	if c.Resolution == nil {
		return 1.0 // default: 1 CRS unit per cell
	}
	return *c.Resolution
}

// GetMaskThreshold returns the mask_threshold value or the default.
func (c *PipelineConfig) GetMaskThreshold() int {
	if c.MaskThreshold == nil {
		return 2
	}
	return *c.MaskThreshold
}

// GetConnectivity returns the connectivity value or the default.
func (c *PipelineConfig) GetConnectivity() int {
	if c.Connectivity == nil {
		return 4
	}
	return *c.Connectivity
}

// GetHoleFillMinArea returns the hole_fill_min_area value or the default.
// The default of 0 keeps every hole.
func (c *PipelineConfig) GetHoleFillMinArea() float64 {
	if c.HoleFillMinArea == nil {
		return 0
	}
	return *c.HoleFillMinArea
}

// GetSimplifyTolerance returns the simplification tolerance, capped at half
// the cell size so simplification never distorts the footprint by more than
// the vectorization contract allows.
func (c *PipelineConfig) GetSimplifyTolerance() float64 {
	max := c.GetResolution() / 2
	if c.SimplifyTolerance == nil {
		return max
	}
	if *c.SimplifyTolerance > max {
		return max
	}
	return *c.SimplifyTolerance
}

// GetOutputFormat returns the output_format value or the default.
func (c *PipelineConfig) GetOutputFormat() string {
	if c.OutputFormat == nil {
		return OutputFormatGeoJSON
	}
	return *c.OutputFormat
}

// GetMode returns the mode value or the default.
func (c *PipelineConfig) GetMode() string {
	if c.Mode == nil {
		return ModeQuality
	}
	return *c.Mode
}

// GetNoData returns the nodata sentinel value or the default.
func (c *PipelineConfig) GetNoData() float64 {
	if c.NoData == nil {
		return -9999
	}
	return *c.NoData
}

// GetLowRetentionWarning returns the low_retention_warning value or the default.
func (c *PipelineConfig) GetLowRetentionWarning() float64 {
	if c.LowRetentionWarning == nil {
		return 0.10
	}
	return *c.LowRetentionWarning
}

// GetCleanWorkers returns the clean_workers value or the default.
func (c *PipelineConfig) GetCleanWorkers() int {
	if c.CleanWorkers == nil {
		return 4
	}
	return *c.CleanWorkers
}

// GetHillshadeAzimuthDeg returns the hillshade_azimuth_deg value or the default.
func (c *PipelineConfig) GetHillshadeAzimuthDeg() float64 {
	if c.HillshadeAzimuthDeg == nil {
		return 315 // light from the northwest
	}
	return *c.HillshadeAzimuthDeg
}

// GetHillshadeAltitudeDeg returns the hillshade_altitude_deg value or the default.
func (c *PipelineConfig) GetHillshadeAltitudeDeg() float64 {
	if c.HillshadeAltitudeDeg == nil {
		return 45
	}
	return *c.HillshadeAltitudeDeg
}
