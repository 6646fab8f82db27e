// Command gen-cloud generates synthetic LAS tiles for pipeline testing.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/groundline-geo/terrain/internal/fsutil"
	"github.com/groundline-geo/terrain/internal/pointcloud"
)

func main() {
	output := flag.String("o", "sample.las", "output path")
	cols := flag.Int("cols", 50, "cells across")
	rows := flag.Int("rows", 50, "cells up")
	cellSize := flag.Float64("cell", 1.0, "cell size in CRS units")
	pointsPerCell := flag.Int("ppc", 5, "returns per cell")
	originX := flag.Float64("origin-x", 0, "west edge in CRS units")
	originY := flag.Float64("origin-y", 0, "south edge in CRS units")
	base := flag.Float64("base", 100, "terrain floor elevation in metres")
	relief := flag.Float64("relief", 4, "relief amplitude in metres")
	canopy := flag.Float64("canopy", 0.2, "fraction of returns classed as vegetation")
	crs := flag.String("crs", "EPSG:32633", "coordinate reference system")
	seed := flag.Int64("seed", 42, "random seed")
	gap := flag.String("gap", "", "empty cell block as col,row,cols,rows (e.g. 10,10,8,8)")
	flag.Parse()

	gen := pointcloud.NewSyntheticGenerator(*seed)
	gen.OriginX = *originX
	gen.OriginY = *originY
	gen.Cols = *cols
	gen.Rows = *rows
	gen.CellSize = *cellSize
	gen.PointsPerCell = *pointsPerCell
	gen.BaseElevation = *base
	gen.ReliefAmp = *relief
	gen.CanopyFraction = *canopy
	gen.CRS = *crs

	var cloud *pointcloud.Cloud
	if *gap != "" {
		var c, r, w, h int
		if _, err := fmt.Sscanf(*gap, "%d,%d,%d,%d", &c, &r, &w, &h); err != nil {
			log.Fatalf("Bad -gap %q: want col,row,cols,rows", *gap)
		}
		cloud = gen.GenerateWithGap(c, r, w, h)
	} else {
		cloud = gen.Generate()
	}

	if err := pointcloud.WriteFile(fsutil.OSFileSystem{}, *output, cloud); err != nil {
		log.Fatalf("Failed to write %s: %v", *output, err)
	}
	log.Printf("✓ Created: %s (%d points, %d bytes)", *output, cloud.Len(), cloud.EncodedSize())
}
