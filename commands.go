package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/fsutil"
	"github.com/groundline-geo/terrain/internal/pipeline"
	"github.com/groundline-geo/terrain/internal/raster"
	"github.com/groundline-geo/terrain/internal/terrain"
	"github.com/groundline-geo/terrain/internal/version"
)

func printUsage() {
	fmt.Println(`terrain - aerial LiDAR terrain raster pipeline

Usage: terrain [flags]                      Run the monitor server and worker
       terrain <command> [options] [args]

Commands:
  process <region> <cloud.las>   Process one LAS file to terrain rasters
  clean <region>                 Re-apply the stored validity mask to a region's rasters
  migrate <action>               Manage the run index schema (up, down, status, version, to, force, baseline)
  regions                        List processed regions in the workspace
  version                        Show version information
  help                           Show this help message

Server Flags:
  -listen <addr>        HTTP listen address (default :8080)
  -workspace <dir>      Workspace directory artifacts are written under
  -ingest <dirs>        Comma-separated directories input clouds may be submitted from
  -db <file>            Run index database file (also used by migrate)
  -config <file>        Pipeline config JSON file
  -queue <n>            Pending processing request queue capacity
  -dev                  Log every HTTP request

Examples:
  # Process a tile in quality mode with a 0.5m grid
  terrain process -mode quality -resolution 0.5 hillcrest data/hillcrest.las

  # Start the monitor server over an existing workspace
  terrain -workspace /srv/terrain -ingest /srv/ingest -db /srv/terrain/terrain.db

  # Bring the run index schema up to date
  terrain -db /srv/terrain/terrain.db migrate up`)
}

func printVersion() {
	fmt.Printf("terrain version %s\n", version.String())
}

// handleProcessCommand runs the pipeline once on a single input cloud and
// prints the terminal summary.
func handleProcessCommand(args []string) {
	fs := flag.NewFlagSet("process", flag.ExitOnError)
	workspace := fs.String("workspace", "terrain_data", "Workspace directory artifacts are written under")
	dbPath := fs.String("db", "terrain.db", "Run index database file (empty string disables resume and dedupe)")
	configFile := fs.String("config", "", "Pipeline config JSON file")
	mode := fs.String("mode", "", "Override the configured mode (standard or quality)")
	resolution := fs.Float64("resolution", 0, "Override the configured cell size in CRS units")
	fs.Parse(args)

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: terrain process [options] <region> <cloud.las>")
		fs.Usage()
		os.Exit(1)
	}
	region := fs.Arg(0)
	inputPath := fs.Arg(1)

	cfg := loadDefaults(*configFile)
	if *mode != "" {
		cfg = cfg.Overlay(&config.PipelineConfig{Mode: mode})
	}
	if *resolution > 0 {
		cfg = cfg.Overlay(&config.PipelineConfig{Resolution: resolution})
	}

	fsys := fsutil.OSFileSystem{}
	var index *db.DB
	if *dbPath != "" {
		var err error
		index, err = db.NewDB(*dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open run index %s: %v\n", *dbPath, err)
			os.Exit(1)
		}
		defer index.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := pipeline.NewRunner(fsys, index, cfg)
	res, err := runner.Run(ctx, pipeline.Request{
		InputPath:  inputPath,
		OutputRoot: *workspace,
		Region:     region,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Processing failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(res.Summary())
}

// handleCleanCommand re-applies a region's persisted validity mask to every
// product raster on disk, in place. Useful after hand-editing a raster or
// restoring products from a backup that predates the mask.
func handleCleanCommand(args []string) {
	fs := flag.NewFlagSet("clean", flag.ExitOnError)
	workspace := fs.String("workspace", "terrain_data", "Workspace directory artifacts are written under")
	workers := fs.Int("workers", 4, "Worker pool size for the batch")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: terrain clean [options] <region>")
		fs.Usage()
		os.Exit(1)
	}
	region := fs.Arg(0)

	fsys := fsutil.OSFileSystem{}
	wsp := terrain.NewRegionWorkspace(*workspace, region)

	mask, err := raster.ReadASCFile(fsys, wsp.MaskPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "No validity mask for region %s: %v\n", region, err)
		fmt.Fprintln(os.Stderr, "Run the region through quality mode first to produce one.")
		os.Exit(1)
	}

	var paths []string
	for _, kind := range terrain.AllRasterKinds() {
		if p := wsp.ProductPath(kind); fsys.Exists(p) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "No product rasters for region %s under %s\n", region, *workspace)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cleaner := terrain.NewRasterCleaner(*workers)
	results, err := cleaner.CleanBatch(ctx, fsys, paths, mask, func(p string) string { return p })
	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("  %-28s FAILED: %v\n", filepath.Base(res.Path), res.Err)
			continue
		}
		fmt.Printf("  %-28s %d cells masked\n", filepath.Base(res.Path), res.CellsMasked)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Batch clean for %s finished with failures: %v\n", region, err)
		os.Exit(1)
	}
	fmt.Printf("Cleaned %d rasters for region %s\n", len(results), region)
}

// handleRegionsCommand lists every region in the workspace by scanning for
// metadata sidecars, with the headline numbers from each.
func handleRegionsCommand(args []string) {
	fs := flag.NewFlagSet("regions", flag.ExitOnError)
	workspace := fs.String("workspace", "terrain_data", "Workspace directory artifacts are written under")
	fs.Parse(args)

	fsys := fsutil.OSFileSystem{}
	entries, err := fsys.ReadDir(*workspace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read workspace %s: %v\n", *workspace, err)
		os.Exit(1)
	}

	var regions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, "_metadata.txt") {
			regions = append(regions, strings.TrimSuffix(name, "_metadata.txt"))
		}
	}
	sort.Strings(regions)

	if len(regions) == 0 {
		fmt.Printf("No processed regions under %s\n", *workspace)
		return
	}
	for _, region := range regions {
		wsp := terrain.NewRegionWorkspace(*workspace, region)
		meta, err := terrain.ReadMetadataFile(fsys, wsp.MetadataPath())
		if err != nil {
			fmt.Printf("%-24s (unreadable metadata: %v)\n", region, err)
			continue
		}
		fmt.Printf("%-24s mode=%-8s coverage=%5.1f%% retention=%5.1f%% points=%d\n",
			region, meta.ModeUsed, meta.CoverageFraction*100, meta.RetentionRatio*100, meta.CroppedCount)
	}
}
