package db

import (
	"compress/gzip"
	"database/sql"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"
)

type DB struct {
	*sql.DB
}

// NewDB opens (creating if necessary) the run-index database at path and
// ensures the base schema exists.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS pipeline_runs (
			id                   TEXT PRIMARY KEY,
			region               TEXT NOT NULL,
			input_path           TEXT NOT NULL,
			input_size           BIGINT NOT NULL,
			input_mod_unix_nanos BIGINT NOT NULL,
			mode                 TEXT NOT NULL,
			mode_used            TEXT NOT NULL DEFAULT '',
			resolution           DOUBLE NOT NULL,
			density_threshold    BIGINT NOT NULL,
			connectivity         BIGINT NOT NULL DEFAULT 4,
			hole_fill_min_area   DOUBLE NOT NULL DEFAULT 0,
			state                TEXT NOT NULL,
			output_dir           TEXT NOT NULL,
			error                TEXT NOT NULL DEFAULT '',
			coverage_fraction    DOUBLE NOT NULL DEFAULT 0,
			retention_ratio      DOUBLE NOT NULL DEFAULT 0,
			original_count       BIGINT NOT NULL DEFAULT 0,
			cropped_count        BIGINT NOT NULL DEFAULT 0,
			started_unix_nanos   BIGINT NOT NULL,
			updated_unix_nanos   BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS pipeline_runs_input_idx
			ON pipeline_runs(input_path, input_size, input_mod_unix_nanos);
		CREATE INDEX IF NOT EXISTS pipeline_runs_region_idx
			ON pipeline_runs(region);
		CREATE TABLE IF NOT EXISTS run_stages (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id              TEXT NOT NULL,
			seq                 BIGINT NOT NULL,
			from_state          TEXT NOT NULL,
			to_state            TEXT NOT NULL,
			artifact            TEXT NOT NULL DEFAULT '',
			detail              TEXT NOT NULL DEFAULT '',
			elapsed_ms          BIGINT NOT NULL,
			recorded_unix_nanos BIGINT NOT NULL,
			UNIQUE(run_id, seq),
			FOREIGN KEY(run_id) REFERENCES pipeline_runs(id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// OpenDB opens the database without touching the schema. The migrate
// subcommand uses this so that migrations stay the only writer of DDL.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

// applyPragmas configures the connection for concurrent readers alongside
// the single pipeline writer.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux, dbPath string) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB(fmt.Sprintf("sqlite://%s", dbPath), db.DB, &tailsql.DBOptions{
		Label: "Terrain run index",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the run index now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("terrain-backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		// Send the backup file to the client
		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()

		// Copy the backup file content to the gzip writer
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
