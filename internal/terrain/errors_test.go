package terrain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessages(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "point cloud contains no points", (&EmptyInputError{}).Error())
	assert.Equal(t, "point cloud tile.las contains no points", (&EmptyInputError{Path: "tile.las"}).Error())
	assert.Equal(t, "invalid resolution -1: must be positive", (&InvalidResolutionError{Resolution: -1}).Error())
	assert.Equal(t, "invalid density threshold -2: must be non-negative", (&InvalidThresholdError{Threshold: -2}).Error())
	assert.Equal(t, `coordinate system mismatch: "EPSG:25832" vs "EPSG:32633"`,
		(&CoordinateSystemMismatchError{Have: "EPSG:25832", Want: "EPSG:32633"}).Error())
	assert.Equal(t, "validity mask has no valid cells (0 of 100); footprint is empty",
		(&EmptyFootprintError{TotalCells: 100}).Error())
	assert.Equal(t, "raster and mask are not alignable: disjoint extents",
		(&RasterAlignmentError{Reason: "disjoint extents"}).Error())
}

func TestPartialBatchFailureError(t *testing.T) {
	t.Parallel()

	crs := &CoordinateSystemMismatchError{Have: "A", Want: "B"}
	batch := &PartialBatchFailureError{
		Total: 3,
		Failures: []BatchFailure{
			{Path: "dtm.asc", Err: crs},
			{Path: "dsm.asc", Err: errors.New("open dsm.asc: no such file")},
		},
	}

	assert.Equal(t, `cleaned 1 of 3 rasters; first failure dtm.asc: coordinate system mismatch: "A" vs "B"`, batch.Error())

	// Per-file errors stay reachable through the multi-error Unwrap.
	var mismatch *CoordinateSystemMismatchError
	require.ErrorAs(t, batch, &mismatch)
	assert.Equal(t, "A", mismatch.Have)
}

func TestIsDegradable(t *testing.T) {
	t.Parallel()

	assert.True(t, IsDegradable(&EmptyFootprintError{TotalCells: 4}))
	assert.True(t, IsDegradable(fmt.Errorf("extract footprint: %w", &EmptyFootprintError{})))
	assert.False(t, IsDegradable(errors.New("disk full")))
	assert.False(t, IsDegradable(nil))
}
