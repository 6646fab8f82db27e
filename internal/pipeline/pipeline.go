// Package pipeline drives a region through the quality-mode cleaning
// pipeline: point density analysis, validity masking, footprint
// vectorization, point cloud cropping and raster regeneration. Every stage
// writes a durable artifact before the state advances, and the transition
// log in the run index makes an interrupted run resumable from its last
// completed stage.
package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/fsutil"
	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/terrain"
	"github.com/groundline-geo/terrain/internal/timeutil"
)

// State names one node of the run state machine. The quality chain is
//
//	START → DENSITY_COMPUTED → MASK_COMPUTED → FOOTPRINT_EXTRACTED →
//	POINT_CLOUD_CROPPED → RASTERS_REGENERATED → DONE
//
// with DEGRADED as the standard-mode fallback when the footprint comes up
// empty and FAILED for unrecoverable errors.
type State string

const (
	StateStart              State = "START"
	StateDensityComputed    State = "DENSITY_COMPUTED"
	StateMaskComputed       State = "MASK_COMPUTED"
	StateFootprintExtracted State = "FOOTPRINT_EXTRACTED"
	StatePointCloudCropped  State = "POINT_CLOUD_CROPPED"
	StateRastersRegenerated State = "RASTERS_REGENERATED"
	StateDone               State = "DONE"
	StateDegraded           State = "DEGRADED"
	StateFailed             State = "FAILED"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether the state ends a run.
func (s State) IsTerminal() bool {
	switch s {
	case StateDone, StateDegraded, StateFailed:
		return true
	default:
		return false
	}
}

// qualityChain orders the durable intermediate states of a quality run.
var qualityChain = []State{
	StateDensityComputed,
	StateMaskComputed,
	StateFootprintExtracted,
	StatePointCloudCropped,
	StateRastersRegenerated,
}

// standardChain orders the durable intermediate states of a standard run.
// Density and mask are still computed; the footprint and crop are skipped
// and the products come from the original cloud, cleaned against the mask.
var standardChain = []State{
	StateDensityComputed,
	StateMaskComputed,
	StateRastersRegenerated,
}

// Request asks for one region to be processed.
type Request struct {
	// InputPath is the LAS file to process.
	InputPath string
	// OutputRoot is the workspace directory artifacts are written under.
	OutputRoot string
	// Region names the output set; derived from the input filename when
	// empty.
	Region string
	// Config overrides the runner's defaults for this request only.
	Config *config.PipelineConfig
}

// Result reports how a run ended.
type Result struct {
	RunID    string                      `json:"run_id"`
	Region   string                      `json:"region"`
	State    State                       `json:"state"`
	Mode     string                      `json:"mode"`
	ModeUsed string                      `json:"mode_used"`
	Skipped  bool                        `json:"skipped"`
	Resumed  bool                        `json:"resumed"`
	Metadata *terrain.ProcessingMetadata `json:"metadata,omitempty"`

	Workspace *terrain.RegionWorkspace `json:"-"`
}

// Summary is the one-line human-readable account every terminal state
// produces.
func (r *Result) Summary() string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%s: up to date (run %s, state %s)", r.Region, r.RunID, r.State)
	case r.State == StateDegraded:
		return fmt.Sprintf("%s: DEGRADED to standard mode, coverage %.1f%%",
			r.Region, r.Metadata.CoverageFraction*100)
	case r.State == StateDone && r.ModeUsed == config.ModeQuality:
		return fmt.Sprintf("%s: DONE, coverage %.1f%%, retention %.1f%% (%d of %d points)",
			r.Region, r.Metadata.CoverageFraction*100, r.Metadata.RetentionRatio*100,
			r.Metadata.CroppedCount, r.Metadata.OriginalCount)
	case r.State == StateDone:
		return fmt.Sprintf("%s: DONE (standard mode)", r.Region)
	default:
		return fmt.Sprintf("%s: %s", r.Region, r.State)
	}
}

// Runner executes pipeline requests against a filesystem and an optional
// run index. A nil index disables transition logging and mid-run resume;
// completed runs are then only skipped via the metadata sidecar.
type Runner struct {
	FS     fsutil.FileSystem
	Index  *db.DB
	Config *config.PipelineConfig
	Clock  timeutil.Clock
}

func NewRunner(fsys fsutil.FileSystem, index *db.DB, cfg *config.PipelineConfig) *Runner {
	if cfg == nil {
		cfg = config.EmptyPipelineConfig()
	}
	return &Runner{FS: fsys, Index: index, Config: cfg, Clock: timeutil.RealClock{}}
}

// Run processes one request to a terminal state. The returned error is nil
// for DONE and DEGRADED; FAILED runs return the causing error alongside the
// result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	cfg := req.Config
	if cfg == nil {
		cfg = r.Config
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	region := req.Region
	if region == "" {
		region = DeriveRegion(req.InputPath)
	}
	if region == "" {
		return nil, fmt.Errorf("cannot derive a region name from %q", req.InputPath)
	}

	info, err := r.FS.Stat(req.InputPath)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", req.InputPath, err)
	}

	ws := terrain.NewRegionWorkspace(req.OutputRoot, region)
	if err := ws.EnsureLayout(r.FS); err != nil {
		return nil, err
	}

	key := db.RunKey{
		InputPath:        req.InputPath,
		InputSize:        info.Size(),
		InputModUnixNano: info.ModTime().UnixNano(),
		Mode:             cfg.GetMode(),
		Resolution:       cfg.GetResolution(),
		DensityThreshold: cfg.GetMaskThreshold(),
		Connectivity:     cfg.GetConnectivity(),
		HoleFillMinArea:  cfg.GetHoleFillMinArea(),
	}

	run := &runContext{
		runner: r,
		cfg:    cfg,
		ws:     ws,
		key:    key,
		region: region,
	}

	if res, ok := run.reuseCompleted(); ok {
		return res, nil
	}

	switch key.Mode {
	case config.ModeQuality:
		return run.runQuality(ctx)
	case config.ModeStandard:
		return run.runStandard(ctx)
	default:
		return nil, fmt.Errorf("unknown mode %q", key.Mode)
	}
}

// DeriveRegion turns an input filename into a region name: the base name
// without its extension.
func DeriveRegion(inputPath string) string {
	base := filepath.Base(inputPath)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// reuseCompleted checks whether an identical completed run already covers
// this request. The run index is consulted first; without one the metadata
// sidecar decides.
func (rc *runContext) reuseCompleted() (*Result, bool) {
	if rc.runner.Index != nil {
		prev, err := rc.runner.Index.LatestRunForInput(rc.key)
		if err != nil {
			monitoring.Warnf("run index lookup failed, reprocessing %s: %v", rc.region, err)
			return nil, false
		}
		if prev != nil && (State(prev.State) == StateDone || State(prev.State) == StateDegraded) {
			if meta, err := terrain.ReadMetadataFile(rc.runner.FS, rc.ws.MetadataPath()); err == nil {
				monitoring.Logf("%s: run %s already %s for this input, skipping", rc.region, prev.ID, prev.State)
				return &Result{
					RunID:     prev.ID,
					Region:    rc.region,
					State:     State(prev.State),
					Mode:      prev.Mode,
					ModeUsed:  prev.ModeUsed,
					Skipped:   true,
					Metadata:  meta,
					Workspace: rc.ws,
				}, true
			}
			// Outputs were removed behind the index's back; fall through
			// and reprocess.
			monitoring.Warnf("%s: run %s recorded as %s but metadata is missing, reprocessing", rc.region, prev.ID, prev.State)
		}
		return nil, false
	}

	meta, err := terrain.ReadMetadataFile(rc.runner.FS, rc.ws.MetadataPath())
	if err != nil {
		return nil, false
	}
	if !meta.SameParameters(rc.key.InputPath, rc.key.InputSize, unixNano(rc.key.InputModUnixNano), rc.key.Resolution, rc.key.DensityThreshold) {
		return nil, false
	}
	if meta.Mode != rc.key.Mode {
		return nil, false
	}
	state := StateDone
	if meta.Mode == config.ModeQuality && meta.ModeUsed == config.ModeStandard {
		state = StateDegraded
	}
	monitoring.Logf("%s: metadata matches this input, skipping", rc.region)
	return &Result{
		Region:    rc.region,
		State:     state,
		Mode:      meta.Mode,
		ModeUsed:  meta.ModeUsed,
		Skipped:   true,
		Metadata:  meta,
		Workspace: rc.ws,
	}, true
}
