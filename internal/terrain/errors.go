// Package terrain implements the density-based cleaning pipeline for
// aerial LiDAR survey tiles: per-cell return density, validity masking,
// footprint extraction, point cloud cropping and raster cleaning, plus
// the derived elevation products (DTM, DSM, CHM, slope, aspect,
// hillshade).
//
// Each stage is a small struct constructed from explicit configuration
// and operating on in-memory rasters and clouds; persistence is the
// caller's concern. Failures that callers dispatch on are typed errors
// in this file.
package terrain

import (
	"errors"
	"fmt"
)

// EmptyInputError reports a point cloud with no points. Nothing downstream
// of density analysis can run without returns.
type EmptyInputError struct {
	Path string // empty when the cloud never touched disk
}

func (e *EmptyInputError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("point cloud %s contains no points", e.Path)
	}
	return "point cloud contains no points"
}

// InvalidResolutionError reports a non-positive cell size.
type InvalidResolutionError struct {
	Resolution float64
}

func (e *InvalidResolutionError) Error() string {
	return fmt.Sprintf("invalid resolution %g: must be positive", e.Resolution)
}

// InvalidThresholdError reports a negative density threshold.
type InvalidThresholdError struct {
	Threshold int
}

func (e *InvalidThresholdError) Error() string {
	return fmt.Sprintf("invalid density threshold %d: must be non-negative", e.Threshold)
}

// CoordinateSystemMismatchError reports operands in different coordinate
// systems. Identifiers are compared as opaque strings; no reprojection is
// attempted.
type CoordinateSystemMismatchError struct {
	Have string
	Want string
}

func (e *CoordinateSystemMismatchError) Error() string {
	return fmt.Sprintf("coordinate system mismatch: %q vs %q", e.Have, e.Want)
}

// EmptyFootprintError reports a mask with no valid cells, so no footprint
// polygon exists. The orchestrator treats this as the signal to fall back
// to standard mode rather than as a hard failure.
type EmptyFootprintError struct {
	TotalCells int
}

func (e *EmptyFootprintError) Error() string {
	return fmt.Sprintf("validity mask has no valid cells (0 of %d); footprint is empty", e.TotalCells)
}

// RasterAlignmentError reports a raster/mask pair whose grids neither
// co-register nor overlap enough to resample.
type RasterAlignmentError struct {
	Reason string
}

func (e *RasterAlignmentError) Error() string {
	return "raster and mask are not alignable: " + e.Reason
}

// BatchFailure records one failed file inside a batch clean.
type BatchFailure struct {
	Path string
	Err  error
}

// PartialBatchFailureError reports a batch clean where some rasters
// succeeded and some failed. The succeeded outputs are kept; callers
// inspect Failures for the rest.
type PartialBatchFailureError struct {
	Total    int
	Failures []BatchFailure
}

func (e *PartialBatchFailureError) Error() string {
	return fmt.Sprintf("cleaned %d of %d rasters; first failure %s: %v",
		e.Total-len(e.Failures), e.Total, e.Failures[0].Path, e.Failures[0].Err)
}

// Unwrap exposes the per-file errors to errors.Is and errors.As.
func (e *PartialBatchFailureError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i := range e.Failures {
		errs[i] = e.Failures[i].Err
	}
	return errs
}

// IsDegradable reports whether err is the empty-footprint condition that
// downgrades a quality run to standard mode instead of failing it.
func IsDegradable(err error) bool {
	var empty *EmptyFootprintError
	return errors.As(err, &empty)
}
