package monitor

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/groundline-geo/terrain/internal/httputil"
	"github.com/groundline-geo/terrain/internal/raster"
	"github.com/groundline-geo/terrain/internal/security"
	"github.com/groundline-geo/terrain/internal/terrain"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// viridisColors is the palette used for value-mapped charts.
var viridisColors = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// loadRegionGrid resolves and reads one of a region's persisted rasters,
// refusing region names that would resolve outside the workspace.
func (ws *WebServer) loadRegionGrid(region, path string) (*raster.Grid, error) {
	if err := security.ValidatePathWithinDirectory(path, ws.workspaceRoot); err != nil {
		return nil, fmt.Errorf("region %q rejected: %w", region, err)
	}
	return raster.ReadASCFile(ws.fs, path)
}

// handleDensityChart renders the persisted density raster of a region as an
// ECharts scatter (HTML). This is a debugging-only endpoint to eyeball a
// region's point distribution without pulling the raster into a GIS.
// Query params:
//   - region (required)
//   - max_points (optional; default 8000) to reduce payload size
func (ws *WebServer) handleDensityChart(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		httputil.BadRequest(w, "missing 'region' parameter")
		return
	}

	maxPoints := 8000
	if mp := r.URL.Query().Get("max_points"); mp != "" {
		if v, err := strconv.Atoi(mp); err == nil && v > 100 && v <= 50000 {
			maxPoints = v
		}
	}

	wsp := terrain.NewRegionWorkspace(ws.workspaceRoot, region)
	grid, err := ws.loadRegionGrid(region, wsp.DensityPath())
	if err != nil {
		httputil.NotFound(w, fmt.Sprintf("no density raster for region %q: %v", region, err))
		return
	}

	type cell struct {
		x, y, v float64
	}
	cells := make([]cell, 0, len(grid.Cells))
	maxVal := 0.0
	for row := 0; row < grid.Height; row++ {
		for col := 0; col < grid.Width; col++ {
			v := grid.At(col, row)
			if grid.IsNoData(v) {
				continue
			}
			x, y := grid.CellCenter(col, row)
			cells = append(cells, cell{x, y, v})
			if v > maxVal {
				maxVal = v
			}
		}
	}
	if len(cells) == 0 {
		httputil.NotFound(w, "density raster has no data cells")
		return
	}
	if maxVal == 0 {
		maxVal = 1
	}

	// Downsample by stride to stay within maxPoints.
	stride := 1
	if len(cells) > maxPoints {
		stride = (len(cells) + maxPoints - 1) / maxPoints
	}
	data := make([]opts.ScatterData, 0, len(cells)/stride+1)
	for i := 0; i < len(cells); i += stride {
		c := cells[i]
		data = append(data, opts.ScatterData{Value: []interface{}{c.x, c.y, c.v}})
	}

	minX, minY, maxX, maxY := grid.Bounds()
	padX := (maxX - minX) * 0.05
	padY := (maxY - minY) * 0.05
	if padX == 0 {
		padX = 1.0
	}
	if padY == 0 {
		padY = 1.0
	}

	stats := terrain.SummarizeDensity(grid)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Terrain Density", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Point Density", Subtitle: fmt.Sprintf("region=%s points=%d stride=%d mean=%.2f/cell", region, len(data), stride, stats.MeanPerCell)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: minX - padX, Max: maxX + padX, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: minY - padY, Max: maxY + padY, Name: "Y", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(maxVal),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridisColors},
		}),
	)

	scatter.AddSeries("density", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleCoverageChart renders a bar chart of per-region mask coverage read
// from the metadata sidecars.
func (ws *WebServer) handleCoverageChart(w http.ResponseWriter, r *http.Request) {
	regions := ws.scanWorkspaceRegions()
	sort.Strings(regions)

	var (
		names []string
		bars  []opts.BarData
	)
	for _, region := range regions {
		wsp := terrain.NewRegionWorkspace(ws.workspaceRoot, region)
		meta, err := terrain.ReadMetadataFile(ws.fs, wsp.MetadataPath())
		if err != nil {
			continue
		}
		names = append(names, region)
		bars = append(bars, opts.BarData{Value: meta.CoverageFraction * 100})
	}
	if len(names) == 0 {
		httputil.NotFound(w, "no region metadata found")
		return
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "720px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Mask Coverage", Subtitle: fmt.Sprintf("%d regions, percent of cells at or above threshold", len(names))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(names).
		AddSeries("coverage %", bars,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Terrain Debug Charts</title>
<style>
body { font-family: monospace; background: #1e1e1e; color: #d4d4d4; margin: 1em; }
h1 { color: #4ec9b0; font-size: 1.2em; }
iframe { border: 1px solid #3c3c3c; background: #fff; margin: 0.5em 0.5em 0 0; }
</style>
</head>
<body>
<h1>Terrain Debug Charts %[1]s</h1>
<iframe src="/debug/charts/density%[2]s" width="940" height="940"></iframe>
<iframe src="/debug/plots/density-histogram%[2]s" width="640" height="420"></iframe>
<iframe src="/debug/charts/coverage" width="1200" height="760"></iframe>
</body>
</html>
`

// handleDebugDashboard renders a simple dashboard with iframes to the debug
// charts. Defaults to the first region found in the workspace.
func (ws *WebServer) handleDebugDashboard(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")
	if region == "" {
		if regions := ws.scanWorkspaceRegions(); len(regions) > 0 {
			sort.Strings(regions)
			region = regions[0]
		}
	}
	safeRegion := html.EscapeString(region)
	qs := ""
	if region != "" {
		qs = "?region=" + url.QueryEscape(region)
	}
	safeQs := html.EscapeString(qs)

	doc := fmt.Sprintf(dashboardHTML, safeRegion, safeQs)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}
