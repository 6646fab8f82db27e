// Command terrain runs the aerial LiDAR terrain pipeline. Without a
// subcommand it starts the monitor web server together with a background
// worker that drains queued processing requests; the subcommands run
// one-shot operations against the same workspace and run index.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/fsutil"
	"github.com/groundline-geo/terrain/internal/monitor"
	"github.com/groundline-geo/terrain/internal/pipeline"
)

var (
	listen        = flag.String("listen", ":8080", "HTTP listen address")
	workspaceRoot = flag.String("workspace", "terrain_data", "Workspace directory artifacts are written under")
	ingestDirs    = flag.String("ingest", "data", "Comma-separated directories input clouds may be submitted from")
	dbFile        = flag.String("db", "terrain.db", "Path to the run index database file")
	configFile    = flag.String("config", "", "Path to a pipeline config JSON file")
	queueSize     = flag.Int("queue", 16, "Capacity of the pending processing request queue")
	migrationsDir = flag.String("migrations", "internal/db/migrations", "Directory holding run index schema migrations")
	devMode       = flag.Bool("dev", false, "Run in dev mode (logs every HTTP request)")
	showVersion   = flag.Bool("version", false, "Show version information and exit")
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if flag.NArg() > 0 {
		command := flag.Arg(0)
		args := flag.Args()[1:]

		switch command {
		case "process":
			handleProcessCommand(args)
		case "clean":
			handleCleanCommand(args)
		case "migrate":
			db.RunMigrateCommand(args, *dbFile, *migrationsDir)
		case "regions":
			handleRegionsCommand(args)
		case "version":
			printVersion()
		case "help":
			printUsage()
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
			printUsage()
			os.Exit(1)
		}
		return
	}

	runServer()
}

// runServer is the daemon path: run index, background worker and the
// monitor HTTP server, all torn down together on SIGINT/SIGTERM.
func runServer() {
	if *listen == "" {
		log.Fatal("HTTP listen address is required")
	}

	defaults := loadDefaults(*configFile)

	fsys := fsutil.OSFileSystem{}
	if err := fsys.MkdirAll(*workspaceRoot, 0o755); err != nil {
		log.Fatalf("Failed to create workspace %s: %v", *workspaceRoot, err)
	}

	index, err := db.NewDB(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open run index %s: %v", *dbFile, err)
	}
	defer index.Close()

	if _, err := index.CheckMigrations(*migrationsDir); err != nil {
		log.Printf("Migration check skipped: %v", err)
	}

	runner := pipeline.NewRunner(fsys, index, defaults)
	queue := newRunQueue(*queueSize)

	server := monitor.NewWebServer(monitor.WebServerConfig{
		Address:       *listen,
		FS:            fsys,
		Index:         index,
		DBPath:        *dbFile,
		Queue:         queue,
		WorkspaceRoot: *workspaceRoot,
		IngestRoots:   splitDirs(*ingestDirs),
		Defaults:      defaults,
		Verbose:       *devMode,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Worker routine: drains queued requests one run at a time. Region
	// workspaces are single-writer, so concurrency stays inside a run.
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Work(ctx, runner)
		log.Print("Worker routine terminated")
	}()

	// HTTP server routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Start(ctx); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
		log.Print("HTTP server routine terminated")
	}()

	log.Printf("Terrain pipeline serving on %s (workspace %s, ingest %s)", *listen, *workspaceRoot, *ingestDirs)

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}

// loadDefaults reads the pipeline config file, or returns empty defaults
// when no path is given.
func loadDefaults(path string) *config.PipelineConfig {
	if path == "" {
		return config.EmptyPipelineConfig()
	}
	cfg, err := config.LoadPipelineConfig(path)
	if err != nil {
		log.Fatalf("Failed to load pipeline config %s: %v", path, err)
	}
	return cfg
}

// splitDirs splits a comma-separated directory list, dropping empty entries.
func splitDirs(s string) []string {
	var dirs []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			dirs = append(dirs, part)
		}
	}
	return dirs
}
