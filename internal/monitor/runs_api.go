package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/httputil"
	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/pipeline"
	"github.com/groundline-geo/terrain/internal/security"
	"github.com/groundline-geo/terrain/internal/terrain"
)

// handleRunsAPI is the dispatcher for /api/lidar/runs* endpoints. It parses
// the URL path and hands off to the sub-handlers.
func (ws *WebServer) handleRunsAPI(w http.ResponseWriter, r *http.Request) {
	runID, subPath := parseRunPath(r.URL.Path)

	// /api/lidar/runs (list runs)
	if runID == "" {
		ws.handleListRuns(w, r)
		return
	}

	// /api/lidar/runs/{run_id} (run details with stage log)
	if subPath == "" {
		ws.handleGetRun(w, r, runID)
		return
	}

	httputil.NotFound(w, "endpoint not found")
}

// parseRunPath extracts run_id and remaining path segments from
// /api/lidar/runs/{run_id}/...
func parseRunPath(path string) (runID string, subPath string) {
	trimmed := strings.TrimPrefix(path, "/api/lidar/runs/")
	if trimmed == path {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 {
		return "", ""
	}
	runID = parts[0]
	if len(parts) > 1 {
		subPath = parts[1]
	}
	return
}

// handleListRuns lists recent runs with optional filters.
// GET /api/lidar/runs?limit=50&region=tile_a&state=DONE
func (ws *WebServer) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.index == nil {
		httputil.ServiceUnavailable(w, "run index not configured")
		return
	}

	query := r.URL.Query()
	region := query.Get("region")
	state := query.Get("state")

	limit := 50
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var (
		runs []db.PipelineRun
		err  error
	)
	if region != "" {
		runs, err = ws.index.RunsByRegion(region)
	} else {
		runs, err = ws.index.RecentRuns(limit)
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}

	filtered := make([]db.PipelineRun, 0, len(runs))
	for _, run := range runs {
		if state != "" && run.State != state {
			continue
		}
		if len(filtered) == limit {
			break
		}
		filtered = append(filtered, run)
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"runs":  filtered,
		"count": len(filtered),
	})
}

// handleGetRun returns one run together with its stage transition log.
// GET /api/lidar/runs/{run_id}
func (ws *WebServer) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.index == nil {
		httputil.ServiceUnavailable(w, "run index not configured")
		return
	}

	run, err := ws.index.RunByID(runID)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			httputil.NotFound(w, "run not found")
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to get run: %v", err))
		return
	}

	stages, err := ws.index.StagesForRun(runID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load stage log: %v", err))
		return
	}
	if stages == nil {
		stages = []db.RunStage{}
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"run":    run,
		"stages": stages,
		"count":  len(stages),
	})
}

// regionSummary reports what exists on disk for one region.
type regionSummary struct {
	Region    string          `json:"region"`
	Artifacts map[string]bool `json:"artifacts"`
	LastRunID string          `json:"last_run_id,omitempty"`
	LastState string          `json:"last_state,omitempty"`
}

// handleRegions lists regions known to the index or discovered in the
// workspace, with per-region artifact presence.
// GET /api/lidar/regions
func (ws *WebServer) handleRegions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	names := map[string]bool{}
	if ws.index != nil {
		indexed, err := ws.index.Regions()
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list regions: %v", err))
			return
		}
		for _, region := range indexed {
			names[region] = true
		}
	}
	for _, region := range ws.scanWorkspaceRegions() {
		names[region] = true
	}

	sorted := make([]string, 0, len(names))
	for region := range names {
		sorted = append(sorted, region)
	}
	sort.Strings(sorted)

	summaries := make([]regionSummary, 0, len(sorted))
	for _, region := range sorted {
		summaries = append(summaries, ws.summarizeRegion(region))
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"regions": summaries,
		"count":   len(summaries),
	})
}

// scanWorkspaceRegions finds regions by their metadata sidecars, so regions
// processed before the run index existed still show up.
func (ws *WebServer) scanWorkspaceRegions() []string {
	entries, err := ws.fs.ReadDir(ws.workspaceRoot)
	if err != nil {
		return nil
	}
	var regions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, "_metadata.txt") {
			continue
		}
		regions = append(regions, strings.TrimSuffix(name, "_metadata.txt"))
	}
	return regions
}

func (ws *WebServer) summarizeRegion(region string) regionSummary {
	wsp := terrain.NewRegionWorkspace(ws.workspaceRoot, region)
	artifacts := map[string]bool{
		"density":   ws.fs.Exists(wsp.DensityPath()),
		"mask":      ws.fs.Exists(wsp.MaskPath()),
		"footprint": ws.fs.Exists(wsp.FootprintPath()),
		"cropped":   ws.fs.Exists(wsp.CroppedPath()),
		"metadata":  ws.fs.Exists(wsp.MetadataPath()),
	}
	for _, kind := range terrain.AllRasterKinds() {
		artifacts[kind.String()] = ws.fs.Exists(wsp.ProductPath(kind))
	}

	summary := regionSummary{Region: region, Artifacts: artifacts}
	if ws.index != nil {
		if runs, err := ws.index.RunsByRegion(region); err == nil && len(runs) > 0 {
			summary.LastRunID = runs[0].ID
			summary.LastState = runs[0].State
		}
	}
	return summary
}

// handleProcess registers a run and queues it for the background worker.
// POST /api/lidar/process
// Request body: {"input_path": "...", "region": "...", plus any pipeline
// config override, e.g. "mode", "resolution", "mask_threshold"}.
func (ws *WebServer) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.queue == nil {
		httputil.ServiceUnavailable(w, "processing queue not configured")
		return
	}
	if len(ws.ingestRoots) == 0 {
		httputil.ServiceUnavailable(w, "no ingest roots configured")
		return
	}

	var req struct {
		InputPath string `json:"input_path"`
		Region    string `json:"region"`
		config.PipelineConfig
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.InputPath == "" {
		httputil.BadRequest(w, "input_path is required")
		return
	}

	inputPath := filepath.Clean(req.InputPath)
	if err := security.ValidatePathWithinAllowedDirs(inputPath, ws.ingestRoots); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("input path rejected: %v", err))
		return
	}

	info, err := ws.fs.Stat(inputPath)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("cannot stat input: %v", err))
		return
	}

	region := req.Region
	if region == "" {
		region = pipeline.DeriveRegion(inputPath)
	}
	region = security.SanitizeFilename(region)

	merged := ws.defaults.Overlay(&req.PipelineConfig)
	if err := merged.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	key := db.RunKey{
		InputPath:        inputPath,
		InputSize:        info.Size(),
		InputModUnixNano: info.ModTime().UnixNano(),
		Mode:             merged.GetMode(),
		Resolution:       merged.GetResolution(),
		DensityThreshold: merged.GetMaskThreshold(),
		Connectivity:     merged.GetConnectivity(),
		HoleFillMinArea:  merged.GetHoleFillMinArea(),
	}

	// Register the run up front so the response can carry its ID. The worker
	// adopts an unfinished run for the same key instead of minting a new one.
	runID := ""
	inserted := false
	if ws.index != nil {
		prev, err := ws.index.LatestRunForInput(key)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("run index lookup failed: %v", err))
			return
		}
		switch {
		case prev != nil && !pipeline.State(prev.State).IsTerminal():
			httputil.Accepted(w, map[string]interface{}{
				"status": "already_queued",
				"run_id": prev.ID,
				"region": prev.Region,
				"state":  prev.State,
			})
			return
		case prev != nil && (pipeline.State(prev.State) == pipeline.StateDone || pipeline.State(prev.State) == pipeline.StateDegraded):
			wsp := terrain.NewRegionWorkspace(ws.workspaceRoot, region)
			if _, err := terrain.ReadMetadataFile(ws.fs, wsp.MetadataPath()); err == nil {
				httputil.WriteJSONOK(w, map[string]interface{}{
					"status": "up_to_date",
					"run_id": prev.ID,
					"region": prev.Region,
					"state":  prev.State,
				})
				return
			}
			// Outputs are gone; register a fresh run below.
		case prev != nil:
			// FAILED runs are retried under their original ID so the
			// transition log keeps growing.
			runID = prev.ID
		}

		if runID == "" {
			run := &db.PipelineRun{
				ID:        uuid.NewString(),
				Region:    region,
				RunKey:    key,
				State:     pipeline.StateStart.String(),
				OutputDir: ws.workspaceRoot,
			}
			if err := ws.index.InsertRun(run); err != nil {
				httputil.InternalServerError(w, fmt.Sprintf("failed to register run: %v", err))
				return
			}
			runID = run.ID
			inserted = true
		}
	}

	err = ws.queue.Enqueue(pipeline.Request{
		InputPath:  inputPath,
		OutputRoot: ws.workspaceRoot,
		Region:     region,
		Config:     merged,
	})
	if err != nil {
		if inserted {
			if dbErr := ws.index.FailRun(runID, pipeline.StateFailed.String(), fmt.Sprintf("enqueue failed: %v", err)); dbErr != nil {
				monitoring.Warnf("failed to record enqueue failure for run %s: %v", runID, dbErr)
			}
		}
		httputil.ServiceUnavailable(w, fmt.Sprintf("queue rejected request: %v", err))
		return
	}

	monitoring.Logf("%s: queued %s (run %s)", region, inputPath, runID)
	httputil.Accepted(w, map[string]interface{}{
		"status": "queued",
		"run_id": runID,
		"region": region,
		"state":  pipeline.StateStart.String(),
	})
}
