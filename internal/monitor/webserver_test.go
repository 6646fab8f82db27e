package monitor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/groundline-geo/terrain/internal/config"
	"github.com/groundline-geo/terrain/internal/db"
	"github.com/groundline-geo/terrain/internal/pipeline"
)

// queueStub records enqueued requests and can be told to refuse them.
type queueStub struct {
	reqs   []pipeline.Request
	refuse bool
}

func (q *queueStub) Enqueue(req pipeline.Request) error {
	if q.refuse {
		return errors.New("queue full")
	}
	q.reqs = append(q.reqs, req)
	return nil
}

type testEnv struct {
	server *WebServer
	index  *db.DB
	root   string
	ingest string
	queue  *queueStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	index, err := db.NewDB(filepath.Join(t.TempDir(), "terrain.db"))
	if err != nil {
		t.Fatalf("failed to open test index: %v", err)
	}
	t.Cleanup(func() { index.Close() })

	env := &testEnv{
		index:  index,
		root:   t.TempDir(),
		ingest: t.TempDir(),
		queue:  &queueStub{},
	}
	env.server = NewWebServer(WebServerConfig{
		Address:       ":0",
		Index:         index,
		Queue:         env.queue,
		WorkspaceRoot: env.root,
		IngestRoots:   []string{env.ingest},
		Defaults:      config.EmptyPipelineConfig(),
	})
	return env
}

// do runs one request through the server's mux.
func (env *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, reader)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mux := env.server.setupRoutes()
	mux.ServeHTTP(rr, req)
	return rr
}

func TestNewWebServer(t *testing.T) {
	env := newTestEnv(t)

	if env.server == nil {
		t.Fatal("NewWebServer returned nil")
	}
	if env.server.workspaceRoot != env.root {
		t.Error("WebServer workspaceRoot not set correctly")
	}
	if env.server.fs == nil {
		t.Error("WebServer should default to the OS filesystem")
	}
	if env.server.defaults == nil {
		t.Error("WebServer should default to an empty config")
	}
}

func TestWebServer_HealthHandler(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/health", "")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Health handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}

	expected := "application/json"
	if ctype := rr.Header().Get("Content-Type"); ctype != expected {
		t.Errorf("Health handler returned wrong content type: got %v want %v",
			ctype, expected)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"status": "ok"`) {
		t.Error("Response should contain status: ok")
	}
	if !strings.Contains(body, `"service": "terrain"`) {
		t.Error("Response should contain service: terrain")
	}
}

func TestWebServer_StatusHandler(t *testing.T) {
	env := newTestEnv(t)

	run := &db.PipelineRun{
		ID:     "run-status-1",
		Region: "hillcrest",
		RunKey: db.RunKey{InputPath: "/data/hillcrest.las", Mode: "quality", Resolution: 1, DensityThreshold: 2, Connectivity: 4},
		State:  "DONE",
	}
	if err := env.index.InsertRun(run); err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	rr := env.do(t, "GET", "/", "")

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Status handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "Terrain Pipeline Monitor") {
		t.Error("Response should contain 'Terrain Pipeline Monitor'")
	}
	if !strings.Contains(body, "hillcrest") {
		t.Error("Response should list the recent run's region")
	}
	if !strings.Contains(body, "DONE") {
		t.Error("Response should show the run state")
	}
}

func TestWebServer_StatusHandlerWithoutIndex(t *testing.T) {
	server := NewWebServer(WebServerConfig{
		Address:       ":0",
		WorkspaceRoot: t.TempDir(),
	})

	req, err := http.NewRequest("GET", "/", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	mux := server.setupRoutes()
	mux.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("Status handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "not configured") {
		t.Error("Response should report the missing run index")
	}
}

func TestWebServer_StatusHandlerUnknownPath(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/nope", "")

	if status := rr.Code; status != http.StatusNotFound {
		t.Errorf("Unknown path returned wrong status code: got %v want %v",
			status, http.StatusNotFound)
	}
}

func TestWebServer_SummaryHandler(t *testing.T) {
	env := newTestEnv(t)

	for i, state := range []string{"DONE", "DONE", "FAILED"} {
		run := &db.PipelineRun{
			ID:     "run-" + string(rune('0'+i)),
			Region: "hillcrest",
			RunKey: db.RunKey{InputPath: "/data/hillcrest.las", Mode: "quality", Resolution: 1, DensityThreshold: 2, Connectivity: 4},
			State:  state,
		}
		run.OriginalCount = 1000
		run.CroppedCount = 900
		if err := env.index.InsertRun(run); err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
	}

	rr := env.do(t, "GET", "/api/lidar/summary", "")

	if status := rr.Code; status != http.StatusOK {
		t.Fatalf("Summary handler returned wrong status code: got %v want %v",
			status, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"runs_total":3`) {
		t.Errorf("Summary should count 3 runs, got body %s", body)
	}
	if !strings.Contains(body, `"points_read":3000`) {
		t.Errorf("Summary should total 3000 points read, got body %s", body)
	}
	if !strings.Contains(body, `"points_retained":2700`) {
		t.Errorf("Summary should total 2700 points retained, got body %s", body)
	}
}

func TestWebServer_SummaryWithoutIndex(t *testing.T) {
	server := NewWebServer(WebServerConfig{
		Address:       ":0",
		WorkspaceRoot: t.TempDir(),
	})

	req, err := http.NewRequest("GET", "/api/lidar/summary", nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	server.setupRoutes().ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusServiceUnavailable {
		t.Errorf("Summary without index returned wrong status code: got %v want %v",
			status, http.StatusServiceUnavailable)
	}
}

func TestWebServer_StartStop(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		err := env.server.Start(ctx)
		if err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	// Give the server time to start
	time.Sleep(50 * time.Millisecond)

	cancel()

	// Wait a bit for the server to stop
	time.Sleep(50 * time.Millisecond)

	select {
	case err := <-errChan:
		t.Fatalf("Server start failed: %v", err)
	default:
	}
}
