package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RunKey identifies the work a run performed: the input file (path, size,
// modification time) plus every parameter that shapes the outputs. Two runs
// with equal keys produced interchangeable artifacts, which is what makes
// resume safe.
type RunKey struct {
	InputPath        string  `json:"input_path"`
	InputSize        int64   `json:"input_size"`
	InputModUnixNano int64   `json:"input_mod_unix_nano"`
	Mode             string  `json:"mode"`
	Resolution       float64 `json:"resolution"`
	DensityThreshold int     `json:"density_threshold"`
	Connectivity     int     `json:"connectivity"`
	HoleFillMinArea  float64 `json:"hole_fill_min_area"`
}

// PipelineRun is one row of the run index.
type PipelineRun struct {
	ID     string `json:"id"`
	Region string `json:"region"`
	RunKey

	// ModeUsed diverges from Mode when a quality run degrades to standard.
	ModeUsed  string `json:"mode_used,omitempty"`
	State     string `json:"state"`
	OutputDir string `json:"output_dir"`
	Error     string `json:"error,omitempty"`

	CoverageFraction float64 `json:"coverage_fraction"`
	RetentionRatio   float64 `json:"retention_ratio"`
	OriginalCount    int64   `json:"original_count"`
	CroppedCount     int64   `json:"cropped_count"`

	StartedUnixNano int64 `json:"started_unix_nano"`
	UpdatedUnixNano int64 `json:"updated_unix_nano"`
}

func (r *PipelineRun) String() string {
	return fmt.Sprintf("Run %s: region=%s state=%s mode=%s input=%s", r.ID, r.Region, r.State, r.Mode, r.InputPath)
}

// SameInput reports whether the run was produced from the same input file
// and parameters. Any difference makes the recorded run stale.
func (r *PipelineRun) SameInput(key RunKey) bool {
	return r.RunKey == key
}

// RunStage is one entry of the append-only transition log. Stage rows are
// never updated; the sequence number orders the log per run.
type RunStage struct {
	ID               int64  `json:"id"`
	RunID            string `json:"run_id"`
	Seq              int64  `json:"seq"`
	FromState        string `json:"from_state"`
	ToState          string `json:"to_state"`
	Artifact         string `json:"artifact,omitempty"`
	Detail           string `json:"detail,omitempty"`
	ElapsedMs        int64  `json:"elapsed_ms"`
	RecordedUnixNano int64  `json:"recorded_unix_nano"`
}

// InsertRun records a new run. StartedUnixNano and UpdatedUnixNano are
// filled in when zero.
func (db *DB) InsertRun(run *PipelineRun) error {
	if run.ID == "" {
		return errors.New("run ID must not be empty")
	}
	now := time.Now().UnixNano()
	if run.StartedUnixNano == 0 {
		run.StartedUnixNano = now
	}
	if run.UpdatedUnixNano == 0 {
		run.UpdatedUnixNano = now
	}

	_, err := db.Exec(
		`INSERT INTO pipeline_runs (
			id, region, input_path, input_size, input_mod_unix_nanos,
			mode, mode_used, resolution, density_threshold, connectivity, hole_fill_min_area,
			state, output_dir, error,
			coverage_fraction, retention_ratio, original_count, cropped_count,
			started_unix_nanos, updated_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Region, run.InputPath, run.InputSize, run.InputModUnixNano,
		run.Mode, run.ModeUsed, run.Resolution, run.DensityThreshold, run.Connectivity, run.HoleFillMinArea,
		run.State, run.OutputDir, run.Error,
		run.CoverageFraction, run.RetentionRatio, run.OriginalCount, run.CroppedCount,
		run.StartedUnixNano, run.UpdatedUnixNano,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, region, input_path, input_size, input_mod_unix_nanos,
	mode, mode_used, resolution, density_threshold, connectivity, hole_fill_min_area,
	state, output_dir, error,
	coverage_fraction, retention_ratio, original_count, cropped_count,
	started_unix_nanos, updated_unix_nanos`

// rowScanner covers both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*PipelineRun, error) {
	var run PipelineRun
	err := row.Scan(
		&run.ID, &run.Region, &run.InputPath, &run.InputSize, &run.InputModUnixNano,
		&run.Mode, &run.ModeUsed, &run.Resolution, &run.DensityThreshold, &run.Connectivity, &run.HoleFillMinArea,
		&run.State, &run.OutputDir, &run.Error,
		&run.CoverageFraction, &run.RetentionRatio, &run.OriginalCount, &run.CroppedCount,
		&run.StartedUnixNano, &run.UpdatedUnixNano,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// RunByID returns the run with the given ID, or an error if it does not exist.
func (db *DB) RunByID(id string) (*PipelineRun, error) {
	row := db.QueryRow(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// LatestRunForInput returns the most recent run recorded for the given key,
// or nil if none exists.
func (db *DB) LatestRunForInput(key RunKey) (*PipelineRun, error) {
	row := db.QueryRow(
		`SELECT `+runColumns+` FROM pipeline_runs
		WHERE input_path = ? AND input_size = ? AND input_mod_unix_nanos = ?
			AND mode = ? AND resolution = ? AND density_threshold = ?
			AND connectivity = ? AND hole_fill_min_area = ?
		ORDER BY started_unix_nanos DESC LIMIT 1`,
		key.InputPath, key.InputSize, key.InputModUnixNano,
		key.Mode, key.Resolution, key.DensityThreshold,
		key.Connectivity, key.HoleFillMinArea,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up run for %s: %w", key.InputPath, err)
	}
	return run, nil
}

// UpdateRunState moves the run to a new state and records the transition in
// the stage log in the same transaction. The stage row is the authority on
// how the run progressed; the column on pipeline_runs is a convenience for
// listing.
func (db *DB) UpdateRunState(id, toState string, stage *RunStage) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var fromState string
	if err := tx.QueryRow(`SELECT state FROM pipeline_runs WHERE id = ?`, id).Scan(&fromState); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s not found", id)
		}
		return fmt.Errorf("failed to load run %s: %w", id, err)
	}

	now := time.Now().UnixNano()
	artifact := ""
	detail := ""
	var elapsedMs int64
	if stage != nil {
		artifact = stage.Artifact
		detail = stage.Detail
		elapsedMs = stage.ElapsedMs
	}

	_, err = tx.Exec(
		`UPDATE pipeline_runs SET state = ?, error = '', updated_unix_nanos = ? WHERE id = ?`,
		toState, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}

	var seq int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_stages WHERE run_id = ?`, id).Scan(&seq); err != nil {
		return fmt.Errorf("failed to compute stage sequence: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO run_stages (run_id, seq, from_state, to_state, artifact, detail, elapsed_ms, recorded_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, seq, fromState, toState, artifact, detail, elapsedMs, now,
	)
	if err != nil {
		return fmt.Errorf("failed to record stage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state change: %w", err)
	}

	if stage != nil {
		stage.RunID = id
		stage.Seq = seq
		stage.FromState = fromState
		stage.ToState = toState
		stage.RecordedUnixNano = now
		if stageID, err := res.LastInsertId(); err == nil {
			stage.ID = stageID
		}
	}
	return nil
}

// FailRun marks the run failed and appends the transition with the failure
// message. The message also lands on the run row so listings can show it
// without joining the stage log.
func (db *DB) FailRun(id, toState, message string) error {
	if err := db.UpdateRunState(id, toState, &RunStage{Detail: message}); err != nil {
		return err
	}
	now := time.Now().UnixNano()
	_, err := db.Exec(`UPDATE pipeline_runs SET error = ?, updated_unix_nanos = ? WHERE id = ?`, message, now, id)
	if err != nil {
		return fmt.Errorf("failed to record failure for run %s: %w", id, err)
	}
	return nil
}

// UpdateRunSummary records the executed mode and the headline statistics a
// finished run is listed with.
func (db *DB) UpdateRunSummary(id, modeUsed string, coverage, retention float64, originalCount, croppedCount int64) error {
	now := time.Now().UnixNano()
	res, err := db.Exec(
		`UPDATE pipeline_runs
		SET mode_used = ?, coverage_fraction = ?, retention_ratio = ?,
			original_count = ?, cropped_count = ?, updated_unix_nanos = ?
		WHERE id = ?`,
		modeUsed, coverage, retention, originalCount, croppedCount, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update summary for run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	return nil
}

// StagesForRun returns the transition log for a run, oldest first.
func (db *DB) StagesForRun(runID string) ([]RunStage, error) {
	rows, err := db.Query(
		`SELECT id, run_id, seq, from_state, to_state, artifact, detail, elapsed_ms, recorded_unix_nanos
		FROM run_stages WHERE run_id = ? ORDER BY seq ASC`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stages []RunStage
	for rows.Next() {
		var s RunStage
		if err := rows.Scan(
			&s.ID, &s.RunID, &s.Seq, &s.FromState, &s.ToState,
			&s.Artifact, &s.Detail, &s.ElapsedMs, &s.RecordedUnixNano,
		); err != nil {
			return nil, err
		}
		stages = append(stages, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return stages, nil
}

// RecentRuns returns the newest runs first, up to limit.
func (db *DB) RecentRuns(limit int) ([]PipelineRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(
		`SELECT `+runColumns+` FROM pipeline_runs ORDER BY started_unix_nanos DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// RunsByRegion returns all runs for a region, newest first.
func (db *DB) RunsByRegion(region string) ([]PipelineRun, error) {
	rows, err := db.Query(
		`SELECT `+runColumns+` FROM pipeline_runs WHERE region = ? ORDER BY started_unix_nanos DESC`,
		region,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// Regions returns every region the index has seen, sorted.
func (db *DB) Regions() ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT region FROM pipeline_runs ORDER BY region`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var region string
		if err := rows.Scan(&region); err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return regions, nil
}

// PointTotals sums the points read and retained across all recorded runs.
func (db *DB) PointTotals() (read, retained int64, err error) {
	row := db.QueryRow(`SELECT COALESCE(SUM(original_count), 0), COALESCE(SUM(cropped_count), 0) FROM pipeline_runs`)
	if err := row.Scan(&read, &retained); err != nil {
		return 0, 0, err
	}
	return read, retained, nil
}

// CountRunsByState returns how many runs sit in each state.
func (db *DB) CountRunsByState() (map[string]int, error) {
	rows, err := db.Query(`SELECT state, COUNT(*) FROM pipeline_runs GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}
