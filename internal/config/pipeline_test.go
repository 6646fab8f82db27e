package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }

// MustLoadDefaultConfig loads the canonical pipeline defaults from
// DefaultConfigPath, searching upward from the working directory. Panics
// when the file cannot be found.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
		"../../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadPipelineConfig(t *testing.T) {
	path := writeConfigFile(t, `{
		"resolution": 0.5,
		"mask_threshold": 3,
		"connectivity": 8,
		"mode": "standard"
	}`)

	cfg, err := LoadPipelineConfig(path)
	if err != nil {
		t.Fatalf("LoadPipelineConfig failed: %v", err)
	}

	if got := cfg.GetResolution(); got != 0.5 {
		t.Errorf("GetResolution() = %f, want 0.5", got)
	}
	if got := cfg.GetMaskThreshold(); got != 3 {
		t.Errorf("GetMaskThreshold() = %d, want 3", got)
	}
	if got := cfg.GetConnectivity(); got != 8 {
		t.Errorf("GetConnectivity() = %d, want 8", got)
	}
	if got := cfg.GetMode(); got != ModeStandard {
		t.Errorf("GetMode() = %q, want %q", got, ModeStandard)
	}
}

func TestLoadPipelineConfig_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfigFile(t, `{"mask_threshold": 5}`)

	cfg, err := LoadPipelineConfig(path)
	if err != nil {
		t.Fatalf("LoadPipelineConfig failed: %v", err)
	}

	if got := cfg.GetMaskThreshold(); got != 5 {
		t.Errorf("GetMaskThreshold() = %d, want 5", got)
	}
	// Everything else falls back to defaults.
	if got := cfg.GetResolution(); got != 1.0 {
		t.Errorf("GetResolution() = %f, want default 1.0", got)
	}
	if got := cfg.GetMode(); got != ModeQuality {
		t.Errorf("GetMode() = %q, want default %q", got, ModeQuality)
	}
	if got := cfg.GetNoData(); got != -9999 {
		t.Errorf("GetNoData() = %f, want default -9999", got)
	}
	if got := cfg.GetCleanWorkers(); got != 4 {
		t.Errorf("GetCleanWorkers() = %d, want default 4", got)
	}
}

func TestLoadPipelineConfig_RejectsNonJSONExtension(t *testing.T) {
	_, err := LoadPipelineConfig("pipeline.yaml")
	if err == nil {
		t.Fatal("expected error for non-json extension")
	}
	if !strings.Contains(err.Error(), ".json") {
		t.Errorf("error should mention extension requirement, got: %v", err)
	}
}

func TestLoadPipelineConfig_MissingFile(t *testing.T) {
	_, err := LoadPipelineConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadPipelineConfig_InvalidJSON(t *testing.T) {
	path := writeConfigFile(t, `{not json`)
	_, err := LoadPipelineConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *PipelineConfig
		wantErr string
	}{
		{"empty is valid", EmptyPipelineConfig(), ""},
		{"zero resolution", &PipelineConfig{Resolution: ptrFloat64(0)}, "resolution"},
		{"negative resolution", &PipelineConfig{Resolution: ptrFloat64(-1.5)}, "resolution"},
		{"negative threshold", &PipelineConfig{MaskThreshold: ptrInt(-1)}, "mask_threshold"},
		{"zero threshold ok", &PipelineConfig{MaskThreshold: ptrInt(0)}, ""},
		{"bad connectivity", &PipelineConfig{Connectivity: ptrInt(6)}, "connectivity"},
		{"connectivity 4 ok", &PipelineConfig{Connectivity: ptrInt(4)}, ""},
		{"connectivity 8 ok", &PipelineConfig{Connectivity: ptrInt(8)}, ""},
		{"negative hole fill", &PipelineConfig{HoleFillMinArea: ptrFloat64(-2)}, "hole_fill_min_area"},
		{"negative simplify", &PipelineConfig{SimplifyTolerance: ptrFloat64(-0.1)}, "simplify_tolerance"},
		{"bad mode", &PipelineConfig{Mode: ptrString("turbo")}, "mode"},
		{"bad output format", &PipelineConfig{OutputFormat: ptrString("Shapefile")}, "output_format"},
		{"retention over 1", &PipelineConfig{LowRetentionWarning: ptrFloat64(1.5)}, "low_retention_warning"},
		{"retention zero", &PipelineConfig{LowRetentionWarning: ptrFloat64(0)}, "low_retention_warning"},
		{"zero workers", &PipelineConfig{CleanWorkers: ptrInt(0)}, "clean_workers"},
		{"altitude over 90", &PipelineConfig{HillshadeAltitudeDeg: ptrFloat64(95)}, "hillshade_altitude_deg"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestGetSimplifyTolerance_CappedAtHalfCell(t *testing.T) {
	// Unset: defaults to half the cell size.
	cfg := &PipelineConfig{Resolution: ptrFloat64(2.0)}
	if got := cfg.GetSimplifyTolerance(); got != 1.0 {
		t.Errorf("default tolerance = %f, want 1.0", got)
	}

	// Explicit values above half the cell size are capped, not honored:
	// the vectorization contract bounds distortion at half a cell.
	cfg.SimplifyTolerance = ptrFloat64(5.0)
	if got := cfg.GetSimplifyTolerance(); got != 1.0 {
		t.Errorf("capped tolerance = %f, want 1.0", got)
	}

	cfg.SimplifyTolerance = ptrFloat64(0.25)
	if got := cfg.GetSimplifyTolerance(); got != 0.25 {
		t.Errorf("explicit tolerance = %f, want 0.25", got)
	}
}

func TestOverlay(t *testing.T) {
	base := &PipelineConfig{
		Resolution:    ptrFloat64(1.0),
		MaskThreshold: ptrInt(2),
		Mode:          ptrString(ModeQuality),
	}

	merged := base.Overlay(&PipelineConfig{
		Resolution: ptrFloat64(0.5),
		Mode:       ptrString(ModeStandard),
	})

	if got := merged.GetResolution(); got != 0.5 {
		t.Errorf("overlay resolution = %f, want 0.5", got)
	}
	if got := merged.GetMode(); got != ModeStandard {
		t.Errorf("overlay mode = %q, want %q", got, ModeStandard)
	}
	// Fields the override leaves unset keep the base values.
	if got := merged.GetMaskThreshold(); got != 2 {
		t.Errorf("overlay mask_threshold = %d, want 2", got)
	}

	// The base config is untouched.
	if got := base.GetResolution(); got != 1.0 {
		t.Errorf("base resolution changed to %f", got)
	}
	if got := base.GetMode(); got != ModeQuality {
		t.Errorf("base mode changed to %q", got)
	}
}

func TestOverlay_NilOverride(t *testing.T) {
	base := &PipelineConfig{Resolution: ptrFloat64(2.0)}
	merged := base.Overlay(nil)
	if got := merged.GetResolution(); got != 2.0 {
		t.Errorf("overlay(nil) resolution = %f, want 2.0", got)
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()

	if got := cfg.GetResolution(); got != 1.0 {
		t.Errorf("defaults resolution = %f, want 1.0", got)
	}
	if got := cfg.GetMaskThreshold(); got != 2 {
		t.Errorf("defaults mask_threshold = %d, want 2", got)
	}
	if got := cfg.GetMode(); got != ModeQuality {
		t.Errorf("defaults mode = %q, want %q", got, ModeQuality)
	}
	if got := cfg.GetHillshadeAzimuthDeg(); got != 315 {
		t.Errorf("defaults hillshade azimuth = %f, want 315", got)
	}
}
