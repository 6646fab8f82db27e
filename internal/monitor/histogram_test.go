package monitor

import (
	"bytes"
	"net/http"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestDensityHistogram(t *testing.T) {
	env := newTestEnv(t)
	writeDensityRaster(t, env, "tile_a")

	rr := env.do(t, "GET", "/debug/plots/density-histogram?region=tile_a", "")

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Histogram returned wrong status code: got %v want %v, body %s",
			status, http.StatusOK, rr.Body.String())
	}

	expected := "image/png"
	if ctype := rr.Header().Get("Content-Type"); ctype != expected {
		t.Errorf("Histogram returned wrong content type: got %v want %v", ctype, expected)
	}

	body := rr.Body.Bytes()
	if len(body) < len(pngMagic) || !bytes.Equal(body[:len(pngMagic)], pngMagic) {
		t.Error("Response body should be a PNG image")
	}
}

func TestDensityHistogram_MissingRegionParam(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/debug/plots/density-histogram", "")

	if status := rr.Code; status != http.StatusBadRequest {
		t.Errorf("Missing region returned wrong status code: got %v want %v",
			status, http.StatusBadRequest)
	}
}

func TestDensityHistogram_UnknownRegion(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/debug/plots/density-histogram?region=nowhere", "")

	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Unknown region returned wrong status code: got %v want %v",
			status, http.StatusNotFound)
	}
}
