package terrain

import (
	"context"
	"fmt"
	"sync"

	"github.com/groundline-geo/terrain/internal/fsutil"
	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/raster"
)

// RasterCleaner applies a validity mask to raster products: cells the mask
// marks invalid become NoData, everything else passes through unchanged.
// Cleaning the same raster twice with the same mask is a no-op.
type RasterCleaner struct {
	workers int
}

// NewRasterCleaner sizes the batch worker pool. Values below one run the
// batch on a single worker.
func NewRasterCleaner(workers int) *RasterCleaner {
	if workers < 1 {
		workers = 1
	}
	return &RasterCleaner{workers: workers}
}

// Clean masks a single raster. The mask must either share the raster's
// exact grid or overlap it, in which case the mask is resampled onto the
// raster's grid by nearest neighbor first. Cells the resampled mask does
// not cover are invalid.
func (rc *RasterCleaner) Clean(r, mask *raster.Grid) (*raster.Grid, error) {
	if !SameCRS(r.CRS, mask.CRS) {
		return nil, &CoordinateSystemMismatchError{Have: r.CRS, Want: mask.CRS}
	}

	m := mask
	if !raster.SameGeometry(r, mask) {
		if !raster.Overlaps(r, mask) {
			return nil, &RasterAlignmentError{
				Reason: fmt.Sprintf("raster origin (%g, %g) and mask origin (%g, %g) cover disjoint extents",
					r.OriginX, r.OriginY, mask.OriginX, mask.OriginY),
			}
		}
		m = raster.ResampleNearest(mask, r)
	}

	out := r.Clone()
	for i := range out.Cells {
		if m.Cells[i] != MaskValid {
			out.Cells[i] = out.NoData
		}
	}
	return out, nil
}

// CleanResult is the per-file outcome of a batch clean.
type CleanResult struct {
	Path        string `json:"path"`
	OutPath     string `json:"out_path"`
	CellsMasked int    `json:"cells_masked"`
	Err         error  `json:"-"`
}

// CleanBatch masks every raster in paths, writing each result to
// outPath(path). Files are processed by a bounded worker pool and one bad
// file never aborts the rest: the batch always runs to completion and a
// PartialBatchFailureError reports whatever failed alongside the results.
func (rc *RasterCleaner) CleanBatch(ctx context.Context, fsys fsutil.FileSystem, paths []string, mask *raster.Grid, outPath func(string) string) ([]CleanResult, error) {
	results := make([]CleanResult, len(paths))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < rc.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					results[i] = CleanResult{Path: paths[i], Err: err}
					continue
				}
				results[i] = rc.cleanFile(fsys, paths[i], mask, outPath(paths[i]))
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	var failures []BatchFailure
	for _, res := range results {
		if res.Err != nil {
			failures = append(failures, BatchFailure{Path: res.Path, Err: res.Err})
		}
	}
	if len(failures) > 0 {
		monitoring.Warnf("batch clean: %d of %d rasters failed", len(failures), len(paths))
		return results, &PartialBatchFailureError{Total: len(paths), Failures: failures}
	}
	return results, nil
}

func (rc *RasterCleaner) cleanFile(fsys fsutil.FileSystem, path string, mask *raster.Grid, outPath string) CleanResult {
	res := CleanResult{Path: path, OutPath: outPath}

	r, err := raster.ReadASCFile(fsys, path)
	if err != nil {
		res.Err = err
		return res
	}

	before := r.CountNoData()
	cleaned, err := rc.Clean(r, mask)
	if err != nil {
		res.Err = err
		return res
	}
	res.CellsMasked = cleaned.CountNoData() - before

	if err := raster.WriteASCFile(fsys, outPath, cleaned); err != nil {
		res.Err = err
		return res
	}
	return res
}
