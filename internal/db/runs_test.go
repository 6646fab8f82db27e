package db

import (
	"testing"
	"time"
)

func sampleKey(region string) RunKey {
	return RunKey{
		InputPath:        "/data/las/" + region + ".las",
		InputSize:        734003,
		InputModUnixNano: 1762162212500000000,
		Mode:             "quality",
		Resolution:       1.0,
		DensityThreshold: 2,
		Connectivity:     4,
		HoleFillMinArea:  0,
	}
}

func sampleRun(id, region string) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Region:    region,
		RunKey:    sampleKey(region),
		State:     "START",
		OutputDir: "/data/out/" + region,
	}
}

func TestInsertRunAndRunByID(t *testing.T) {
	db := setupTestDB(t)

	run := sampleRun("run-1", "tile_31415")
	if err := db.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	if run.StartedUnixNano == 0 || run.UpdatedUnixNano == 0 {
		t.Error("Expected InsertRun to fill in timestamps")
	}

	got, err := db.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID failed: %v", err)
	}
	if *got != *run {
		t.Errorf("Expected run %+v, got %+v", run, got)
	}

	if _, err := db.RunByID("missing"); err == nil {
		t.Error("Expected error for unknown run ID")
	}
}

func TestInsertRunRequiresID(t *testing.T) {
	db := setupTestDB(t)

	run := sampleRun("", "tile_31415")
	if err := db.InsertRun(run); err == nil {
		t.Error("Expected error for empty run ID")
	}
}

func TestLatestRunForInput(t *testing.T) {
	db := setupTestDB(t)

	key := sampleKey("tile_31415")

	run := sampleRun("run-1", "tile_31415")
	run.StartedUnixNano = 100
	run.UpdatedUnixNano = 100
	if err := db.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	// A later run for the same input wins
	newer := sampleRun("run-2", "tile_31415")
	newer.StartedUnixNano = 200
	newer.UpdatedUnixNano = 200
	if err := db.InsertRun(newer); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	got, err := db.LatestRunForInput(key)
	if err != nil {
		t.Fatalf("LatestRunForInput failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected a run, got nil")
	}
	if got.ID != "run-2" {
		t.Errorf("Expected newest run run-2, got %s", got.ID)
	}

	// Any change to the input identity or parameters must miss
	testCases := []struct {
		name   string
		mutate func(*RunKey)
	}{
		{"different_path", func(k *RunKey) { k.InputPath = "/data/las/other.las" }},
		{"different_size", func(k *RunKey) { k.InputSize++ }},
		{"different_mod_time", func(k *RunKey) { k.InputModUnixNano++ }},
		{"different_mode", func(k *RunKey) { k.Mode = "standard" }},
		{"different_resolution", func(k *RunKey) { k.Resolution = 0.5 }},
		{"different_threshold", func(k *RunKey) { k.DensityThreshold = 3 }},
		{"different_connectivity", func(k *RunKey) { k.Connectivity = 8 }},
		{"different_hole_fill", func(k *RunKey) { k.HoleFillMinArea = 25 }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			miss := key
			tc.mutate(&miss)
			got, err := db.LatestRunForInput(miss)
			if err != nil {
				t.Fatalf("LatestRunForInput failed: %v", err)
			}
			if got != nil {
				t.Errorf("Expected no run, got %s", got.ID)
			}
		})
	}
}

func TestSameInput(t *testing.T) {
	run := sampleRun("run-1", "tile_31415")

	if !run.SameInput(sampleKey("tile_31415")) {
		t.Error("Expected SameInput to match identical key")
	}

	changed := sampleKey("tile_31415")
	changed.DensityThreshold = 3
	if run.SameInput(changed) {
		t.Error("Expected SameInput to reject a different threshold")
	}

	changed = sampleKey("tile_31415")
	changed.InputSize++
	if run.SameInput(changed) {
		t.Error("Expected SameInput to reject a different size")
	}
}

func TestUpdateRunStateAppendsStages(t *testing.T) {
	db := setupTestDB(t)

	run := sampleRun("run-1", "tile_31415")
	if err := db.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	transitions := []struct {
		to       string
		artifact string
	}{
		{"DENSITY_COMPUTED", "density/tile_31415_density.asc"},
		{"MASK_COMPUTED", "density/masks/tile_31415_valid_mask.asc"},
		{"FOOTPRINT_EXTRACTED", "vectors/tile_31415_valid_footprint.geojson"},
	}
	for _, tr := range transitions {
		stage := &RunStage{Artifact: tr.artifact, ElapsedMs: 12}
		if err := db.UpdateRunState("run-1", tr.to, stage); err != nil {
			t.Fatalf("UpdateRunState to %s failed: %v", tr.to, err)
		}
	}

	got, err := db.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID failed: %v", err)
	}
	if got.State != "FOOTPRINT_EXTRACTED" {
		t.Errorf("Expected state FOOTPRINT_EXTRACTED, got %s", got.State)
	}

	stages, err := db.StagesForRun("run-1")
	if err != nil {
		t.Fatalf("StagesForRun failed: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("Expected 3 stages, got %d", len(stages))
	}

	// The log chains: each row's from_state is the previous row's to_state
	wantFrom := "START"
	for i, s := range stages {
		if s.Seq != int64(i+1) {
			t.Errorf("Stage %d: expected seq %d, got %d", i, i+1, s.Seq)
		}
		if s.FromState != wantFrom {
			t.Errorf("Stage %d: expected from_state %s, got %s", i, wantFrom, s.FromState)
		}
		if s.ToState != transitions[i].to {
			t.Errorf("Stage %d: expected to_state %s, got %s", i, transitions[i].to, s.ToState)
		}
		if s.Artifact != transitions[i].artifact {
			t.Errorf("Stage %d: expected artifact %s, got %s", i, transitions[i].artifact, s.Artifact)
		}
		if s.RecordedUnixNano == 0 {
			t.Errorf("Stage %d: expected recorded timestamp", i)
		}
		wantFrom = s.ToState
	}

	if err := db.UpdateRunState("missing", "DONE", nil); err == nil {
		t.Error("Expected error for unknown run ID")
	}
}

func TestFailRun(t *testing.T) {
	db := setupTestDB(t)

	run := sampleRun("run-1", "tile_31415")
	if err := db.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	if err := db.FailRun("run-1", "FAILED", "cropped write failed: disk full"); err != nil {
		t.Fatalf("FailRun failed: %v", err)
	}

	got, err := db.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID failed: %v", err)
	}
	if got.State != "FAILED" {
		t.Errorf("Expected state FAILED, got %s", got.State)
	}
	if got.Error != "cropped write failed: disk full" {
		t.Errorf("Expected failure message on run row, got %q", got.Error)
	}

	stages, err := db.StagesForRun("run-1")
	if err != nil {
		t.Fatalf("StagesForRun failed: %v", err)
	}
	if len(stages) != 1 {
		t.Fatalf("Expected 1 stage, got %d", len(stages))
	}
	if stages[0].Detail != "cropped write failed: disk full" {
		t.Errorf("Expected failure message in stage detail, got %q", stages[0].Detail)
	}

	// A successful transition afterwards clears the error column
	if err := db.UpdateRunState("run-1", "DENSITY_COMPUTED", nil); err != nil {
		t.Fatalf("UpdateRunState failed: %v", err)
	}
	got, err = db.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID failed: %v", err)
	}
	if got.Error != "" {
		t.Errorf("Expected error cleared after successful transition, got %q", got.Error)
	}
}

func TestUpdateRunSummary(t *testing.T) {
	db := setupTestDB(t)

	run := sampleRun("run-1", "tile_31415")
	if err := db.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	if err := db.UpdateRunSummary("run-1", "quality", 0.996, 0.98, 12500, 12250); err != nil {
		t.Fatalf("UpdateRunSummary failed: %v", err)
	}

	got, err := db.RunByID("run-1")
	if err != nil {
		t.Fatalf("RunByID failed: %v", err)
	}
	if got.ModeUsed != "quality" {
		t.Errorf("Expected mode_used quality, got %s", got.ModeUsed)
	}
	if got.CoverageFraction != 0.996 || got.RetentionRatio != 0.98 {
		t.Errorf("Expected coverage 0.996 retention 0.98, got %g %g", got.CoverageFraction, got.RetentionRatio)
	}
	if got.OriginalCount != 12500 || got.CroppedCount != 12250 {
		t.Errorf("Expected counts 12500/12250, got %d/%d", got.OriginalCount, got.CroppedCount)
	}

	if err := db.UpdateRunSummary("missing", "quality", 0, 0, 0, 0); err == nil {
		t.Error("Expected error for unknown run ID")
	}
}

func TestRecentRunsAndRegions(t *testing.T) {
	db := setupTestDB(t)

	base := time.Now().UnixNano()
	regions := []string{"tile_a", "tile_b", "tile_a"}
	for i, region := range regions {
		run := sampleRun("run-"+region+"-"+string(rune('0'+i)), region)
		run.StartedUnixNano = base + int64(i)
		run.UpdatedUnixNano = base + int64(i)
		if err := db.InsertRun(run); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	recent, err := db.RecentRuns(2)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(recent))
	}
	if recent[0].StartedUnixNano < recent[1].StartedUnixNano {
		t.Error("Expected newest run first")
	}

	all, err := db.RecentRuns(0)
	if err != nil {
		t.Fatalf("RecentRuns failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("Expected default limit to return all 3 runs, got %d", len(all))
	}

	tileA, err := db.RunsByRegion("tile_a")
	if err != nil {
		t.Fatalf("RunsByRegion failed: %v", err)
	}
	if len(tileA) != 2 {
		t.Errorf("Expected 2 runs for tile_a, got %d", len(tileA))
	}
	for _, run := range tileA {
		if run.Region != "tile_a" {
			t.Errorf("Expected region tile_a, got %s", run.Region)
		}
	}
}

func TestCountRunsByState(t *testing.T) {
	db := setupTestDB(t)

	states := []string{"DONE", "DONE", "FAILED", "START"}
	for i, state := range states {
		run := sampleRun("run-"+string(rune('0'+i)), "tile_31415")
		run.State = state
		if err := db.InsertRun(run); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	counts, err := db.CountRunsByState()
	if err != nil {
		t.Fatalf("CountRunsByState failed: %v", err)
	}
	if counts["DONE"] != 2 {
		t.Errorf("Expected 2 DONE runs, got %d", counts["DONE"])
	}
	if counts["FAILED"] != 1 {
		t.Errorf("Expected 1 FAILED run, got %d", counts["FAILED"])
	}
	if counts["START"] != 1 {
		t.Errorf("Expected 1 START run, got %d", counts["START"])
	}
}

func TestRegions(t *testing.T) {
	db := setupTestDB(t)

	empty, err := db.Regions()
	if err != nil {
		t.Fatalf("Regions failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Expected no regions in empty index, got %v", empty)
	}

	for i, region := range []string{"tile_b", "tile_a", "tile_b"} {
		if err := db.InsertRun(sampleRun("run-"+string(rune('0'+i)), region)); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	regions, err := db.Regions()
	if err != nil {
		t.Fatalf("Regions failed: %v", err)
	}
	if len(regions) != 2 || regions[0] != "tile_a" || regions[1] != "tile_b" {
		t.Errorf("Expected sorted distinct regions [tile_a tile_b], got %v", regions)
	}
}

func TestPointTotals(t *testing.T) {
	db := setupTestDB(t)

	read, retained, err := db.PointTotals()
	if err != nil {
		t.Fatalf("PointTotals failed: %v", err)
	}
	if read != 0 || retained != 0 {
		t.Errorf("Expected zero totals for empty index, got %d/%d", read, retained)
	}

	for i, counts := range [][2]int64{{10000, 9000}, {2500, 2500}} {
		run := sampleRun("run-"+string(rune('0'+i)), "tile_31415")
		run.OriginalCount = counts[0]
		run.CroppedCount = counts[1]
		if err := db.InsertRun(run); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	read, retained, err = db.PointTotals()
	if err != nil {
		t.Fatalf("PointTotals failed: %v", err)
	}
	if read != 12500 || retained != 11500 {
		t.Errorf("Expected totals 12500/11500, got %d/%d", read, retained)
	}
}
