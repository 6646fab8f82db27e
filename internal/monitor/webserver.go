// Package monitor is the operational HTTP surface of the terrain pipeline.
// It serves a status page, a JSON API over the run index and the workspace,
// debug charts for persisted rasters, and the run database admin routes.
package monitor

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/fsutil"
	"github.com/groundline-geo/terrain/internal/httputil"
	"github.com/groundline-geo/terrain/internal/monitoring"
	"github.com/groundline-geo/terrain/internal/pipeline"
)

//go:embed status.html
var statusHTML embed.FS

// Enqueuer hands a pipeline request to the background worker. Enqueue
// returns an error when the queue cannot accept more work; the handler
// translates that into a 503 so callers can retry.
type Enqueuer interface {
	Enqueue(req pipeline.Request) error
}

// WebServer handles the HTTP interface for monitoring terrain processing.
// Every field except the address is optional: without a run index the API
// answers from the workspace alone, and without a queue POST /api/lidar/process
// is rejected.
type WebServer struct {
	address       string
	fs            fsutil.FileSystem
	index         *db.DB
	dbPath        string
	queue         Enqueuer
	workspaceRoot string
	ingestRoots   []string
	defaults      *config.PipelineConfig
	verbose       bool
	started       time.Time
	server        *http.Server
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address       string
	FS            fsutil.FileSystem
	Index         *db.DB
	DBPath        string
	Queue         Enqueuer
	WorkspaceRoot string
	IngestRoots   []string
	Defaults      *config.PipelineConfig
	// Verbose logs every request, for dev use.
	Verbose bool
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(cfg WebServerConfig) *WebServer {
	ws := &WebServer{
		address:       cfg.Address,
		fs:            cfg.FS,
		index:         cfg.Index,
		dbPath:        cfg.DBPath,
		queue:         cfg.Queue,
		workspaceRoot: cfg.WorkspaceRoot,
		ingestRoots:   cfg.IngestRoots,
		defaults:      cfg.Defaults,
		verbose:       cfg.Verbose,
		started:       time.Now(),
	}
	if ws.fs == nil {
		ws.fs = fsutil.OSFileSystem{}
	}
	if ws.defaults == nil {
		ws.defaults = config.EmptyPipelineConfig()
	}

	var handler http.Handler = ws.setupRoutes()
	if ws.verbose {
		mux := handler
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			monitoring.Logf("got request %q", r.URL.Path)
			mux.ServeHTTP(w, r)
		})
	}
	ws.server = &http.Server{
		Addr:    ws.address,
		Handler: handler,
	}

	return ws
}

// Start begins the HTTP server in a goroutine and handles graceful shutdown
// when the context is cancelled.
func (ws *WebServer) Start(ctx context.Context) error {
	go func() {
		monitoring.Logf("starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			monitoring.Warnf("HTTP server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Warnf("HTTP server force close error: %v", err)
		}
	}

	monitoring.Logf("HTTP server routine stopped")
	return nil
}

// Close shuts down the web server.
func (ws *WebServer) Close() error {
	if ws.server != nil {
		return ws.server.Close()
	}
	return nil
}

// setupRoutes configures the HTTP routes and handlers.
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/", ws.handleStatus)
	mux.HandleFunc("/api/lidar/runs", ws.handleRunsAPI)
	mux.HandleFunc("/api/lidar/runs/", ws.handleRunsAPI)
	mux.HandleFunc("/api/lidar/regions", ws.handleRegions)
	mux.HandleFunc("/api/lidar/summary", ws.handleSummary)
	mux.HandleFunc("/api/lidar/process", ws.handleProcess)
	mux.HandleFunc("/debug/charts", ws.handleDebugDashboard)
	mux.HandleFunc("/debug/charts/density", ws.handleDensityChart)
	mux.HandleFunc("/debug/charts/coverage", ws.handleCoverageChart)
	mux.HandleFunc("/debug/plots/density-histogram", ws.handleDensityHistogram)

	if ws.index != nil && ws.dbPath != "" {
		ws.index.AttachAdminRoutes(mux, ws.dbPath)
	}

	return mux
}

// handleHealth handles the health check endpoint.
func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status": "ok", "service": "terrain", "timestamp": "%s"}`, time.Now().UTC().Format(time.RFC3339))
}

// statusRun is the display form of one run row on the status page.
type statusRun struct {
	ID        string
	Region    string
	State     string
	Mode      string
	Coverage  string
	Retention string
	Updated   string
}

// handleStatus handles the main status page endpoint.
func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")

	indexStatus := "not configured"
	counts := map[string]int{}
	var recent []statusRun
	if ws.index != nil {
		indexStatus = ws.dbPath
		if c, err := ws.index.CountRunsByState(); err == nil {
			counts = c
		}
		if runs, err := ws.index.RecentRuns(10); err == nil {
			for _, run := range runs {
				recent = append(recent, statusRunView(run))
			}
		}
	}

	queueStatus := "not configured"
	if ws.queue != nil {
		queueStatus = "running"
	}

	tmpl, err := template.ParseFS(statusHTML, "status.html")
	if err != nil {
		http.Error(w, "Error loading template: "+err.Error(), http.StatusInternalServerError)
		return
	}

	data := struct {
		HTTPAddress   string
		WorkspaceRoot string
		IndexStatus   string
		QueueStatus   string
		Uptime        string
		StateCounts   map[string]int
		RecentRuns    []statusRun
	}{
		HTTPAddress:   ws.address,
		WorkspaceRoot: ws.workspaceRoot,
		IndexStatus:   indexStatus,
		QueueStatus:   queueStatus,
		Uptime:        time.Since(ws.started).Round(time.Second).String(),
		StateCounts:   counts,
		RecentRuns:    recent,
	}

	if err := tmpl.Execute(w, data); err != nil {
		http.Error(w, "Error executing template: "+err.Error(), http.StatusInternalServerError)
		return
	}
}

func statusRunView(run db.PipelineRun) statusRun {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	mode := run.ModeUsed
	if mode == "" {
		mode = run.Mode
	}
	return statusRun{
		ID:        id,
		Region:    run.Region,
		State:     run.State,
		Mode:      mode,
		Coverage:  fmt.Sprintf("%.1f%%", run.CoverageFraction*100),
		Retention: fmt.Sprintf("%.1f%%", run.RetentionRatio*100),
		Updated:   time.Unix(0, run.UpdatedUnixNano).UTC().Format(time.RFC3339),
	}
}

// handleSummary returns process counters aggregated from the run index.
// GET /api/lidar/summary
func (ws *WebServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if ws.index == nil {
		httputil.ServiceUnavailable(w, "run index not configured")
		return
	}

	counts, err := ws.index.CountRunsByState()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("count runs: %v", err))
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	read, retained, err := ws.index.PointTotals()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("sum point totals: %v", err))
		return
	}

	httputil.WriteJSONOK(w, map[string]interface{}{
		"runs_total":      total,
		"runs_by_state":   counts,
		"points_read":     read,
		"points_retained": retained,
		"uptime":          time.Since(ws.started).Round(time.Second).String(),
	})
}
