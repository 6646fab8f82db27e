package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/pointcloud"
	"github.com/groundline-geo/terrain/internal/raster"
	"github.com/groundline-geo/terrain/internal/terrain"
)

// runContext carries one run's identity and loaded artifacts through the
// stages.
type runContext struct {
	runner  *Runner
	cfg     *config.PipelineConfig
	ws      *terrain.RegionWorkspace
	key     db.RunKey
	region  string
	runID   string
	resumed bool

	cloud      *pointcloud.Cloud
	stageStart time.Time
}

// loadCloud reads the input cloud once and caches it for later stages.
func (rc *runContext) loadCloud() (*pointcloud.Cloud, error) {
	if rc.cloud == nil {
		c, err := pointcloud.ReadFile(rc.runner.FS, rc.key.InputPath)
		if err != nil {
			return nil, err
		}
		rc.cloud = c
	}
	return rc.cloud, nil
}

func unixNano(n int64) time.Time {
	return time.Unix(0, n)
}

// ensureRun adopts an unfinished (or failed) run for the same key, so its
// transition log keeps growing, or inserts a fresh run.
func (rc *runContext) ensureRun() ([]db.RunStage, error) {
	rc.stageStart = rc.runner.Clock.Now()
	if rc.runner.Index == nil {
		rc.runID = uuid.NewString()
		return nil, nil
	}

	prev, err := rc.runner.Index.LatestRunForInput(rc.key)
	if err != nil {
		return nil, err
	}
	if prev != nil && (!State(prev.State).IsTerminal() || State(prev.State) == StateFailed) {
		rc.runID = prev.ID
		rc.resumed = true
		stages, err := rc.runner.Index.StagesForRun(prev.ID)
		if err != nil {
			return nil, err
		}
		monitoring.Logf("%s: resuming run %s from state %s (%d logged transitions)",
			rc.region, prev.ID, prev.State, len(stages))
		return stages, nil
	}

	rc.runID = uuid.NewString()
	run := &db.PipelineRun{
		ID:        rc.runID,
		Region:    rc.region,
		RunKey:    rc.key,
		State:     string(StateStart),
		OutputDir: rc.ws.Root,
	}
	if err := rc.runner.Index.InsertRun(run); err != nil {
		return nil, err
	}
	return nil, nil
}

// transition advances the run, recording the durable artifact and a detail
// payload in the stage log.
func (rc *runContext) transition(to State, artifact string, detail interface{}) error {
	elapsed := rc.runner.Clock.Since(rc.stageStart).Milliseconds()
	rc.stageStart = rc.runner.Clock.Now()

	detailJSON := ""
	if detail != nil {
		if data, err := json.Marshal(detail); err == nil {
			detailJSON = string(data)
		}
	}
	monitoring.Logf("%s: %s (%dms)", rc.region, to, elapsed)

	if rc.runner.Index == nil {
		return nil
	}
	stage := &db.RunStage{Artifact: artifact, Detail: detailJSON, ElapsedMs: elapsed}
	if err := rc.runner.Index.UpdateRunState(rc.runID, string(to), stage); err != nil {
		return fmt.Errorf("failed to record transition to %s: %w", to, err)
	}
	return nil
}

// fail records the terminal FAILED state and returns the result/error pair
// for the caller.
func (rc *runContext) fail(err error) (*Result, error) {
	monitoring.Warnf("%s: run failed: %v", rc.region, err)
	if rc.runner.Index != nil {
		if dbErr := rc.runner.Index.FailRun(rc.runID, string(StateFailed), err.Error()); dbErr != nil {
			monitoring.Warnf("%s: failed to record failure: %v", rc.region, dbErr)
		}
	}
	return &Result{
		RunID:     rc.runID,
		Region:    rc.region,
		State:     StateFailed,
		Mode:      rc.key.Mode,
		Resumed:   rc.resumed,
		Workspace: rc.ws,
	}, err
}

// resumePoint finds the furthest chain state whose transition is logged and
// whose artifact still exists. Everything before it is reused, everything
// after recomputed.
func (rc *runContext) resumePoint(stages []db.RunStage, chain []State) (State, map[State]db.RunStage) {
	byState := make(map[State]db.RunStage, len(stages))
	for _, s := range stages {
		byState[State(s.ToState)] = s
	}

	last := StateStart
	for _, st := range chain {
		if _, ok := byState[st]; !ok {
			break
		}
		if !rc.artifactsPresent(st) {
			break
		}
		last = st
	}
	return last, byState
}

func (rc *runContext) artifactsPresent(st State) bool {
	fsys := rc.runner.FS
	switch st {
	case StateDensityComputed:
		return fsys.Exists(rc.ws.DensityPath())
	case StateMaskComputed:
		return fsys.Exists(rc.ws.MaskPath())
	case StateFootprintExtracted:
		return fsys.Exists(rc.ws.FootprintPath())
	case StatePointCloudCropped:
		return fsys.Exists(rc.ws.CroppedPath())
	case StateRastersRegenerated:
		for _, k := range terrain.AllRasterKinds() {
			if !fsys.Exists(rc.ws.ProductPath(k)) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// reached reports whether the resume point covers the given state.
func reached(resume, st State) bool {
	idx := func(s State) int {
		for i, c := range qualityChain {
			if c == s {
				return i
			}
		}
		return -1
	}
	return idx(resume) >= idx(st)
}

// maskStatsFromGrid rebuilds mask statistics from a persisted mask.
func maskStatsFromGrid(mask *raster.Grid) terrain.MaskStats {
	stats := terrain.MaskStats{TotalCells: len(mask.Cells)}
	for _, v := range mask.Cells {
		if v == terrain.MaskValid {
			stats.ValidCells++
		}
	}
	if stats.TotalCells > 0 {
		stats.CoverageFraction = float64(stats.ValidCells) / float64(stats.TotalCells)
		stats.ArtifactFraction = 1 - stats.CoverageFraction
	}
	return stats
}

// densityStage reloads the persisted density raster when the resume point
// covers it, or computes it from the input cloud and records the transition.
func (rc *runContext) densityStage(ctx context.Context, resume State) (*raster.Grid, error) {
	fsys := rc.runner.FS
	if reached(resume, StateDensityComputed) {
		density, err := raster.ReadASCFile(fsys, rc.ws.DensityPath())
		if err != nil {
			return nil, fmt.Errorf("failed to reload density raster: %w", err)
		}
		return density, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cloud, err := rc.loadCloud()
	if err != nil {
		return nil, err
	}
	analyzer, err := terrain.NewDensityAnalyzer(rc.key.Resolution)
	if err != nil {
		return nil, err
	}
	density, err := analyzer.Compute(cloud)
	if err != nil {
		return nil, err
	}
	if err := raster.WriteASCFile(fsys, rc.ws.DensityPath(), density); err != nil {
		return nil, err
	}
	if err := rc.transition(StateDensityComputed, rc.ws.DensityPath(), terrain.SummarizeDensity(density)); err != nil {
		return nil, err
	}
	return density, nil
}

// maskStage reloads the persisted validity mask when the resume point covers
// it, or thresholds the density raster and records the transition.
func (rc *runContext) maskStage(ctx context.Context, resume State, density *raster.Grid) (*raster.Grid, terrain.MaskStats, error) {
	fsys := rc.runner.FS
	if reached(resume, StateMaskComputed) {
		mask, err := raster.ReadASCFile(fsys, rc.ws.MaskPath())
		if err != nil {
			return nil, terrain.MaskStats{}, fmt.Errorf("failed to reload validity mask: %w", err)
		}
		return mask, maskStatsFromGrid(mask), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, terrain.MaskStats{}, err
	}
	gen, err := terrain.NewMaskGenerator(rc.key.DensityThreshold)
	if err != nil {
		return nil, terrain.MaskStats{}, err
	}
	mask, maskStats := gen.Generate(density)
	if err := raster.WriteASCFile(fsys, rc.ws.MaskPath(), mask); err != nil {
		return nil, terrain.MaskStats{}, err
	}
	if err := rc.transition(StateMaskComputed, rc.ws.MaskPath(), maskStats); err != nil {
		return nil, terrain.MaskStats{}, err
	}
	return mask, maskStats, nil
}

// runQuality executes the quality-mode state machine.
func (rc *runContext) runQuality(ctx context.Context) (*Result, error) {
	fsys := rc.runner.FS

	stages, err := rc.ensureRun()
	if err != nil {
		return nil, err
	}
	resume, byState := rc.resumePoint(stages, qualityChain)
	if rc.resumed && resume != StateStart {
		monitoring.Logf("%s: artifacts up to %s are intact", rc.region, resume)
	}

	var (
		fp        *terrain.Footprint
		cropped   *pointcloud.Cloud
		cropStats terrain.CropStats
	)

	// DENSITY_COMPUTED
	density, err := rc.densityStage(ctx, resume)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return rc.fail(err)
	}

	// MASK_COMPUTED
	mask, maskStats, err := rc.maskStage(ctx, resume, density)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return rc.fail(err)
	}

	// FOOTPRINT_EXTRACTED, with the degraded escape
	if reached(resume, StateFootprintExtracted) {
		if fp, err = terrain.ReadFootprintFile(fsys, rc.ws.FootprintPath()); err != nil {
			return rc.fail(fmt.Errorf("failed to reload footprint: %w", err))
		}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		extractor, err := terrain.NewFootprintExtractor(rc.key.Connectivity, rc.key.HoleFillMinArea, rc.cfg.GetSimplifyTolerance())
		if err != nil {
			return rc.fail(err)
		}
		fp, err = extractor.Extract(mask)
		if terrain.IsDegradable(err) {
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			cloud, lerr := rc.loadCloud()
			if lerr != nil {
				return rc.fail(lerr)
			}
			return rc.degrade(err, cloud, density, mask, maskStats)
		}
		if err != nil {
			return rc.fail(err)
		}
		if err := terrain.WriteFootprintFile(fsys, rc.ws.FootprintPath(), fp); err != nil {
			return rc.fail(err)
		}
		if err := rc.transition(StateFootprintExtracted, rc.ws.FootprintPath(), fp); err != nil {
			return rc.fail(err)
		}
	}

	// POINT_CLOUD_CROPPED
	if reached(resume, StatePointCloudCropped) {
		if cropped, err = pointcloud.ReadFile(fsys, rc.ws.CroppedPath()); err != nil {
			return rc.fail(fmt.Errorf("failed to reload cropped cloud: %w", err))
		}
		if s, ok := byState[StatePointCloudCropped]; ok && s.Detail != "" {
			if err := json.Unmarshal([]byte(s.Detail), &cropStats); err != nil {
				monitoring.Warnf("%s: unreadable crop detail, recomputing counts: %v", rc.region, err)
			}
		}
		if cropStats.OriginalCount == 0 {
			cloud, err := rc.loadCloud()
			if err != nil {
				return rc.fail(err)
			}
			cropStats = terrain.CropStats{
				OriginalCount:     cloud.Len(),
				CroppedCount:      cropped.Len(),
				OriginalSizeBytes: cloud.EncodedSize(),
				CroppedSizeBytes:  cropped.EncodedSize(),
			}
			cropStats.RetentionRatio = float64(cropStats.CroppedCount) / float64(cropStats.OriginalCount)
		}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cloud, err := rc.loadCloud()
		if err != nil {
			return rc.fail(err)
		}
		cropper := terrain.NewPointCloudCropper(rc.cfg.GetLowRetentionWarning())
		cropped, cropStats, err = cropper.Crop(cloud, fp)
		if err != nil {
			return rc.fail(err)
		}
		if err := pointcloud.WriteFile(fsys, rc.ws.CroppedPath(), cropped); err != nil {
			return rc.fail(err)
		}
		if err := rc.transition(StatePointCloudCropped, rc.ws.CroppedPath(), cropStats); err != nil {
			return rc.fail(err)
		}
	}

	// RASTERS_REGENERATED
	var fractions map[string]float64
	if reached(resume, StateRastersRegenerated) {
		if fractions, err = rc.productNoDataFractions(); err != nil {
			return rc.fail(err)
		}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fractions, err = rc.writeProducts(cropped, density, mask); err != nil {
			return rc.fail(err)
		}
		if err := rc.transition(StateRastersRegenerated, rc.ws.ProductPath(terrain.KindDTM), fractions); err != nil {
			return rc.fail(err)
		}
	}

	// DONE
	meta := rc.buildMetadata(config.ModeQuality, maskStats, fp, cropStats, fractions)
	if err := terrain.WriteMetadataFile(fsys, rc.ws.MetadataPath(), meta); err != nil {
		return rc.fail(err)
	}
	if err := rc.transition(StateDone, rc.ws.MetadataPath(), nil); err != nil {
		return rc.fail(err)
	}
	rc.recordSummary(config.ModeQuality, meta)

	res := &Result{
		RunID:     rc.runID,
		Region:    rc.region,
		State:     StateDone,
		Mode:      rc.key.Mode,
		ModeUsed:  config.ModeQuality,
		Resumed:   rc.resumed,
		Metadata:  meta,
		Workspace: rc.ws,
	}
	monitoring.Logf("%s", res.Summary())
	return res, nil
}

// degrade falls back to standard mode after an empty footprint: products
// come from the full, uncropped cloud but are still cleaned against the
// validity mask, and the run ends DEGRADED.
func (rc *runContext) degrade(cause error, cloud *pointcloud.Cloud, density, mask *raster.Grid, maskStats terrain.MaskStats) (*Result, error) {
	monitoring.Warnf("%s: %v; falling back to standard mode", rc.region, cause)

	fractions, err := rc.writeProducts(cloud, density, mask)
	if err != nil {
		return rc.fail(err)
	}

	meta := rc.buildMetadata(config.ModeStandard, maskStats, nil, terrain.CropStats{
		OriginalCount:     cloud.Len(),
		CroppedCount:      cloud.Len(),
		RetentionRatio:    1,
		OriginalSizeBytes: cloud.EncodedSize(),
		CroppedSizeBytes:  cloud.EncodedSize(),
	}, fractions)
	if err := terrain.WriteMetadataFile(rc.runner.FS, rc.ws.MetadataPath(), meta); err != nil {
		return rc.fail(err)
	}

	detail := fmt.Sprintf("%v; regenerated standard-mode products", cause)
	if err := rc.transition(StateDegraded, rc.ws.MetadataPath(), map[string]string{"reason": detail}); err != nil {
		return rc.fail(err)
	}
	rc.recordSummary(config.ModeStandard, meta)

	res := &Result{
		RunID:     rc.runID,
		Region:    rc.region,
		State:     StateDegraded,
		Mode:      rc.key.Mode,
		ModeUsed:  config.ModeStandard,
		Resumed:   rc.resumed,
		Metadata:  meta,
		Workspace: rc.ws,
	}
	monitoring.Logf("%s", res.Summary())
	return res, nil
}

// writeProducts derives every raster kind from the cloud and writes them to
// the workspace. With a mask, each product is cleaned against it first so
// invalid cells are NoData even when a boundary point slipped through the
// crop.
func (rc *runContext) writeProducts(cloud *pointcloud.Cloud, like, mask *raster.Grid) (map[string]float64, error) {
	builder, err := terrain.NewProductBuilder(rc.key.Resolution, rc.cfg.GetNoData(), rc.cfg.GetHillshadeAzimuthDeg(), rc.cfg.GetHillshadeAltitudeDeg())
	if err != nil {
		return nil, err
	}

	dtm, err := builder.DTM(cloud, like)
	if err != nil {
		return nil, err
	}
	dsm, err := builder.DSM(cloud, dtm)
	if err != nil {
		return nil, err
	}

	var cleaner *terrain.RasterCleaner
	if mask != nil {
		cleaner = terrain.NewRasterCleaner(rc.cfg.GetCleanWorkers())
	}

	fractions := make(map[string]float64, len(terrain.AllRasterKinds()))
	for _, kind := range terrain.AllRasterKinds() {
		var g *raster.Grid
		switch kind {
		case terrain.KindDTM:
			g = dtm
		case terrain.KindDSM:
			g = dsm
		default:
			if g, err = builder.Build(kind, cloud, dtm, dsm); err != nil {
				return nil, fmt.Errorf("failed to derive %s: %w", kind, err)
			}
		}
		if cleaner != nil {
			if g, err = cleaner.Clean(g, mask); err != nil {
				return nil, fmt.Errorf("failed to mask %s: %w", kind, err)
			}
		}
		if err := raster.WriteASCFile(rc.runner.FS, rc.ws.ProductPath(kind), g); err != nil {
			return nil, err
		}
		fractions[kind.String()] = g.NoDataFraction()
	}
	return fractions, nil
}

// productNoDataFractions reloads the persisted products to rebuild the
// per-product NoData shares for metadata.
func (rc *runContext) productNoDataFractions() (map[string]float64, error) {
	fractions := make(map[string]float64, len(terrain.AllRasterKinds()))
	for _, kind := range terrain.AllRasterKinds() {
		g, err := raster.ReadASCFile(rc.runner.FS, rc.ws.ProductPath(kind))
		if err != nil {
			return nil, fmt.Errorf("failed to reload %s product: %w", kind, err)
		}
		fractions[kind.String()] = g.NoDataFraction()
	}
	return fractions, nil
}

func (rc *runContext) buildMetadata(modeUsed string, maskStats terrain.MaskStats, fp *terrain.Footprint, cropStats terrain.CropStats, fractions map[string]float64) *terrain.ProcessingMetadata {
	meta := &terrain.ProcessingMetadata{
		Region:         rc.region,
		InputPath:      rc.key.InputPath,
		InputSizeBytes: rc.key.InputSize,
		InputModTime:   unixNano(rc.key.InputModUnixNano),

		Mode:     rc.key.Mode,
		ModeUsed: modeUsed,

		Resolution:      rc.key.Resolution,
		MaskThreshold:   rc.key.DensityThreshold,
		Connectivity:    rc.key.Connectivity,
		HoleFillMinArea: rc.key.HoleFillMinArea,

		CoverageFraction: maskStats.CoverageFraction,

		OriginalCount:  cropStats.OriginalCount,
		CroppedCount:   cropStats.CroppedCount,
		RetentionRatio: cropStats.RetentionRatio,

		NoDataFractions: fractions,
		CompletedAt:     rc.runner.Clock.Now().UTC().Truncate(time.Second),
	}
	if fp != nil {
		meta.PolygonCount = len(fp.Geometry)
		meta.PolygonArea = fp.Area
		meta.HolesKept = fp.HolesKept
		meta.HolesFilled = fp.HolesFilled
	}
	return meta
}

func (rc *runContext) recordSummary(modeUsed string, meta *terrain.ProcessingMetadata) {
	if rc.runner.Index == nil {
		return
	}
	err := rc.runner.Index.UpdateRunSummary(rc.runID, modeUsed,
		meta.CoverageFraction, meta.RetentionRatio,
		int64(meta.OriginalCount), int64(meta.CroppedCount))
	if err != nil {
		monitoring.Warnf("%s: failed to record run summary: %v", rc.region, err)
	}
}
