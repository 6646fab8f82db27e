package monitor

import (
	"fmt"
	"net/http"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/groundline-geo/terrain/internal/httputil"
	"github.com/groundline-geo/terrain/internal/terrain"
)

// handleDensityHistogram renders a PNG histogram of per-cell point counts
// for a region's persisted density raster.
// Query params:
//   - region (required)
//   - bins (optional; default 20, max 200)
func (ws *WebServer) handleDensityHistogram(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		httputil.BadRequest(w, "missing 'region' parameter")
		return
	}

	bins := 20
	if b := r.URL.Query().Get("bins"); b != "" {
		if v, err := strconv.Atoi(b); err == nil && v > 0 && v <= 200 {
			bins = v
		}
	}

	wsp := terrain.NewRegionWorkspace(ws.workspaceRoot, region)
	grid, err := ws.loadRegionGrid(region, wsp.DensityPath())
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("no density raster for region %q: %v", region, err))
		return
	}

	values := make(plotter.Values, 0, len(grid.Cells))
	for _, v := range grid.Cells {
		if grid.IsNoData(v) {
			continue
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		httputil.NotFound(w, "density raster has no data cells")
		return
	}

	stats := terrain.SummarizeDensity(grid)

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Density per cell: %s (mean %.2f, stddev %.2f)", region, stats.MeanPerCell, stats.StdDevPerCell)
	p.X.Label.Text = "returns per cell"
	p.Y.Label.Text = "cells"

	h, err := plotter.NewHist(values, bins)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build histogram: %v", err))
		return
	}
	p.Add(h)

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render histogram: %v", err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		// Headers already sent, nothing sensible left to report to the client.
		return
	}
}
