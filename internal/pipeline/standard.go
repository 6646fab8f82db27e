package pipeline

import (
	"context"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/terrain"
)

// runStandard computes the density raster and validity mask like a quality
// run, then derives the products from the original cloud and cleans them
// against the mask. No footprint, no crop: the chain is START,
// DENSITY_COMPUTED, MASK_COMPUTED, RASTERS_REGENERATED, DONE.
func (rc *runContext) runStandard(ctx context.Context) (*Result, error) {
	fsys := rc.runner.FS

	stages, err := rc.ensureRun()
	if err != nil {
		return nil, err
	}
	resume, _ := rc.resumePoint(stages, standardChain)
	if rc.resumed && resume != StateStart {
		monitoring.Logf("%s: artifacts up to %s are intact", rc.region, resume)
	}

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

	cloud, err := rc.loadCloud()
	if err != nil {
		return rc.fail(err)
	}

	// RASTERS_REGENERATED
	var fractions map[string]float64
	if reached(resume, StateRastersRegenerated) {
		monitoring.Logf("%s: raster products are intact, reusing", rc.region)
		if fractions, err = rc.productNoDataFractions(); err != nil {
			return rc.fail(err)
		}
	} else {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if fractions, err = rc.writeProducts(cloud, density, mask); err != nil {
			return rc.fail(err)
		}
		if err := rc.transition(StateRastersRegenerated, rc.ws.ProductPath(terrain.KindDTM), fractions); err != nil {
			return rc.fail(err)
		}
	}

	// DONE
	meta := rc.buildMetadata(config.ModeStandard, maskStats, nil, terrain.CropStats{
		OriginalCount:     cloud.Len(),
		CroppedCount:      cloud.Len(),
		RetentionRatio:    1,
		OriginalSizeBytes: cloud.EncodedSize(),
		CroppedSizeBytes:  cloud.EncodedSize(),
	}, fractions)
	if err := terrain.WriteMetadataFile(fsys, rc.ws.MetadataPath(), meta); err != nil {
		return rc.fail(err)
	}
	if err := rc.transition(StateDone, rc.ws.MetadataPath(), nil); err != nil {
		return rc.fail(err)
	}
	rc.recordSummary(config.ModeStandard, meta)

	res := &Result{
		RunID:     rc.runID,
		Region:    rc.region,
		State:     StateDone,
		Mode:      rc.key.Mode,
		ModeUsed:  config.ModeStandard,
		Resumed:   rc.resumed,
		Metadata:  meta,
		Workspace: rc.ws,
	}
	monitoring.Logf("%s", res.Summary())
	return res, nil
}
