package raster

import (
	"bytes"
	"strings"
	"testing"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

func TestWriteASC_HeaderAndRowOrder(t *testing.T) {
	g, _ := NewGrid(3, 2, 100, 200, 1, "")
	// South row: 1 2 3, north row: 4 5 6.
	g.Set(0, 0, 1)
	g.Set(1, 0, 2)
	g.Set(2, 0, 3)
	g.Set(0, 1, 4)
	g.Set(1, 1, 5)
	g.Set(2, 1, 6)

	var buf bytes.Buffer
	if err := WriteASC(&buf, g); err != nil {
		t.Fatalf("WriteASC failed: %v", err)
	}

	want := "ncols 3\n" +
		"nrows 2\n" +
		"xllcorner 100\n" +
		"yllcorner 200\n" +
		"cellsize 1\n" +
		"NODATA_value -9999\n" +
		"4 5 6\n" +
		"1 2 3\n"
	if buf.String() != want {
		t.Errorf("encoded ASC:\n%s\nwant:\n%s", buf.String(), want)
	}
}

func TestReadASC_RoundTrip(t *testing.T) {
	g, _ := NewGrid(4, 3, 10.5, -20.25, 0.5, "")
	for i := range g.Cells {
		g.Cells[i] = float64(i) * 1.5
	}
	g.Set(2, 1, g.NoData)

	var buf bytes.Buffer
	if err := WriteASC(&buf, g); err != nil {
		t.Fatalf("WriteASC failed: %v", err)
	}

	got, err := ReadASC(&buf)
	if err != nil {
		t.Fatalf("ReadASC failed: %v", err)
	}

	if got.Width != g.Width || got.Height != g.Height {
		t.Fatalf("dimensions = %dx%d, want %dx%d", got.Width, got.Height, g.Width, g.Height)
	}
	if got.OriginX != g.OriginX || got.OriginY != g.OriginY || got.CellSize != g.CellSize {
		t.Errorf("georeference = (%f, %f, %f), want (%f, %f, %f)",
			got.OriginX, got.OriginY, got.CellSize, g.OriginX, g.OriginY, g.CellSize)
	}
	if got.NoData != g.NoData {
		t.Errorf("NoData = %f, want %f", got.NoData, g.NoData)
	}
	for i := range g.Cells {
		if got.Cells[i] != g.Cells[i] {
			t.Errorf("cell %d = %f, want %f", i, got.Cells[i], g.Cells[i])
		}
	}
}

func TestReadASC_CenterOriginShifted(t *testing.T) {
	in := "ncols 2\n" +
		"nrows 1\n" +
		"xllcenter 100.5\n" +
		"yllcenter 200.5\n" +
		"cellsize 1\n" +
		"NODATA_value -9999\n" +
		"7 8\n"

	g, err := ReadASC(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadASC failed: %v", err)
	}

	if g.OriginX != 100 || g.OriginY != 200 {
		t.Errorf("origin = (%f, %f), want corner (100, 200)", g.OriginX, g.OriginY)
	}
	if g.At(0, 0) != 7 || g.At(1, 0) != 8 {
		t.Errorf("cells = %v", g.Cells)
	}
}

func TestReadASC_DefaultNoData(t *testing.T) {
	// NODATA_value is optional in the format.
	in := "ncols 1\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n5\n"

	g, err := ReadASC(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadASC failed: %v", err)
	}
	if g.NoData != DefaultNoData {
		t.Errorf("NoData = %f, want default %f", g.NoData, DefaultNoData)
	}
}

func TestReadASC_Malformed(t *testing.T) {
	cases := map[string]string{
		"missing header":  "1 2 3\n",
		"short row":       "ncols 3\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2\n",
		"missing rows":    "ncols 2\nnrows 3\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 2\n",
		"bad value":       "ncols 2\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n1 x\n",
		"zero cellsize":   "ncols 2\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 0\n1 2\n",
		"zero dimensions": "ncols 0\nnrows 1\nxllcorner 0\nyllcorner 0\ncellsize 1\n\n",
	}

	for name, in := range cases {
		if _, err := ReadASC(strings.NewReader(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestASCFile_RoundTripWithProjectionSidecar(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	g, _ := NewGrid(2, 2, 0, 0, 1, "EPSG:25832")
	g.Fill(3)

	if err := WriteASCFile(fsys, "/out/density.asc", g); err != nil {
		t.Fatalf("WriteASCFile failed: %v", err)
	}

	if !fsys.Exists("/out/density.asc") {
		t.Fatal("expected density.asc to exist")
	}
	if fsys.Exists("/out/density.asc.tmp") {
		t.Error("temp file should be renamed away")
	}

	prj, err := fsys.ReadFile("/out/density.prj")
	if err != nil {
		t.Fatalf("expected .prj sidecar: %v", err)
	}
	if strings.TrimSpace(string(prj)) != "EPSG:25832" {
		t.Errorf("sidecar = %q", prj)
	}

	got, err := ReadASCFile(fsys, "/out/density.asc")
	if err != nil {
		t.Fatalf("ReadASCFile failed: %v", err)
	}
	if got.CRS != "EPSG:25832" {
		t.Errorf("CRS = %q, want EPSG:25832", got.CRS)
	}
	if got.At(1, 1) != 3 {
		t.Errorf("cell = %f, want 3", got.At(1, 1))
	}
}

func TestASCFile_NoSidecarWithoutCRS(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	g, _ := NewGrid(1, 1, 0, 0, 1, "")
	if err := WriteASCFile(fsys, "/bare.asc", g); err != nil {
		t.Fatalf("WriteASCFile failed: %v", err)
	}

	if fsys.Exists("/bare.prj") {
		t.Error("no sidecar expected for empty CRS")
	}

	got, err := ReadASCFile(fsys, "/bare.asc")
	if err != nil {
		t.Fatalf("ReadASCFile failed: %v", err)
	}
	if got.CRS != "" {
		t.Errorf("CRS = %q, want empty", got.CRS)
	}
}
