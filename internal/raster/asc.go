package raster

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/groundline-geo/terrain/internal/fsutil"
)

// ESRI ASCII grid codec. The format is a six-line header followed by one
// whitespace-separated line per row, north row first:
//
//	ncols        4
//	nrows        3
//	xllcorner    100.0
//	yllcorner    200.0
//	cellsize     1.0
//	NODATA_value -9999
//	...rows...
//
// The in-memory Grid stores row 0 at the south edge, so rows are reversed
// on the way in and out. The header may use xllcenter/yllcenter, in which
// case the origin is shifted back by half a cell. CRS identifiers travel in
// a .prj sidecar next to the .asc file.

// WriteASC encodes the grid to w.
func WriteASC(w io.Writer, g *Grid) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "ncols %d\n", g.Width)
	fmt.Fprintf(bw, "nrows %d\n", g.Height)
	fmt.Fprintf(bw, "xllcorner %s\n", formatCell(g.OriginX))
	fmt.Fprintf(bw, "yllcorner %s\n", formatCell(g.OriginY))
	fmt.Fprintf(bw, "cellsize %s\n", formatCell(g.CellSize))
	fmt.Fprintf(bw, "NODATA_value %s\n", formatCell(g.NoData))

	for row := g.Height - 1; row >= 0; row-- {
		for col := 0; col < g.Width; col++ {
			if col > 0 {
				if err := bw.WriteByte(' '); err != nil {
					return err
				}
			}
			if _, err := bw.WriteString(formatCell(g.At(col, row))); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// ReadASC decodes a grid from r. The returned grid has an empty CRS; the
// file-level reader fills it from the .prj sidecar when one exists.
func ReadASC(r io.Reader) (*Grid, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var (
		ncols, nrows       int
		originX, originY   float64
		cellSize           float64
		noData             = DefaultNoData
		haveCols, haveRows bool
		haveX, haveY       bool
		haveCell           bool
		xCenter, yCenter   bool
	)

	// Header: key/value lines until the first line that is all numbers.
	var firstDataFields []string
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		key := strings.ToLower(fields[0])
		isHeader := len(fields) == 2
		switch {
		case isHeader && key == "ncols":
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("bad ncols %q: %w", fields[1], err)
			}
			ncols, haveCols = v, true
		case isHeader && key == "nrows":
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, fmt.Errorf("bad nrows %q: %w", fields[1], err)
			}
			nrows, haveRows = v, true
		case isHeader && (key == "xllcorner" || key == "xllcenter"):
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad %s %q: %w", key, fields[1], err)
			}
			originX, haveX = v, true
			xCenter = key == "xllcenter"
		case isHeader && (key == "yllcorner" || key == "yllcenter"):
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad %s %q: %w", key, fields[1], err)
			}
			originY, haveY = v, true
			yCenter = key == "yllcenter"
		case isHeader && key == "cellsize":
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad cellsize %q: %w", fields[1], err)
			}
			cellSize, haveCell = v, true
		case isHeader && key == "nodata_value":
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad NODATA_value %q: %w", fields[1], err)
			}
			noData = v
		default:
			// First row of cell values.
			firstDataFields = fields
		}
		if firstDataFields != nil {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}

	if !haveCols || !haveRows || !haveX || !haveY || !haveCell {
		return nil, fmt.Errorf("incomplete ASC header (ncols/nrows/xll/yll/cellsize required)")
	}
	if ncols <= 0 || nrows <= 0 {
		return nil, fmt.Errorf("invalid ASC dimensions %dx%d", ncols, nrows)
	}
	if cellSize <= 0 {
		return nil, fmt.Errorf("invalid ASC cellsize %f", cellSize)
	}
	if xCenter {
		originX -= cellSize / 2
	}
	if yCenter {
		originY -= cellSize / 2
	}

	g, err := NewGrid(ncols, nrows, originX, originY, cellSize, "")
	if err != nil {
		return nil, err
	}
	g.NoData = noData

	parseRow := func(fields []string, row int) error {
		if len(fields) != ncols {
			return fmt.Errorf("row %d has %d values, want %d", nrows-1-row, len(fields), ncols)
		}
		for col, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("bad cell value %q at row %d col %d: %w", f, nrows-1-row, col, err)
			}
			g.Set(col, row, v)
		}
		return nil
	}

	// Rows arrive north first; store them from the top row down.
	row := nrows - 1
	if firstDataFields != nil {
		if err := parseRow(firstDataFields, row); err != nil {
			return nil, err
		}
		row--
	}
	for row >= 0 && sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if err := parseRow(fields, row); err != nil {
			return nil, err
		}
		row--
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading rows: %w", err)
	}
	if row >= 0 {
		return nil, fmt.Errorf("ASC body ended early: missing %d of %d rows", row+1, nrows)
	}

	return g, nil
}

// WriteASCFile writes the grid to path via a temp file and rename so a
// partial write is never observed as a completed artifact, then writes the
// CRS to a .prj sidecar when the grid carries one.
func WriteASCFile(fsys fsutil.FileSystem, path string, g *Grid) error {
	tmp := path + ".tmp"

	w, err := fsys.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if err := WriteASC(w, g); err != nil {
		w.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}

	if g.CRS != "" {
		if err := fsys.WriteFile(prjPath(path), []byte(g.CRS+"\n"), 0644); err != nil {
			return fmt.Errorf("failed to write projection sidecar for %s: %w", path, err)
		}
	}
	return nil
}

// ReadASCFile reads a grid from path, picking up the CRS from the .prj
// sidecar if present.
func ReadASCFile(fsys fsutil.FileSystem, path string) (*Grid, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	g, err := ReadASC(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	if prj, err := fsys.ReadFile(prjPath(path)); err == nil {
		g.CRS = strings.TrimSpace(string(prj))
	}
	return g, nil
}

func prjPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".prj"
}

func formatCell(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
