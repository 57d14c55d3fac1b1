package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printbridge/printer"
)

// fakeMoonraker serves the subset of the Moonraker API the adapter uses.
type fakeMoonraker struct {
	mux     *http.ServeMux
	objects map[string]interface{}
	files   map[string][]byte

	mu      sync.Mutex
	scripts []string
	actions []string
	started string
}

func newFakeMoonraker() *fakeMoonraker {
	f := &fakeMoonraker{
		mux: http.NewServeMux(),
		objects: map[string]interface{}{
			"webhooks":    map[string]interface{}{"state": "ready", "state_message": ""},
			"print_stats": map[string]interface{}{"state": "standby", "filename": "", "print_duration": 0.0},
			"extruder":    map[string]interface{}{"temperature": 25.0, "target": 0.0},
			"heater_bed":  map[string]interface{}{"temperature": 24.0, "target": 0.0},
		},
		files: map[string][]byte{},
	}
	f.mux.HandleFunc("GET /printer/objects/query", f.handleObjectsQuery)
	f.mux.HandleFunc("GET /server/files/list", f.handleFileList)
	f.mux.HandleFunc("GET /server/files/metadata", f.handleFileMetadata)
	f.mux.HandleFunc("POST /server/files/upload", f.handleFileUpload)
	f.mux.HandleFunc("GET /server/files/gcodes/{name...}", f.handleFileDownload)
	f.mux.HandleFunc("POST /printer/print/start", f.handlePrintStart)
	f.mux.HandleFunc("POST /printer/print/{action}", f.handlePrintAction)
	f.mux.HandleFunc("POST /printer/gcode/script", f.handleGCodeScript)
	return f
}

func (f *fakeMoonraker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{"code": status, "message": message},
	})
}

func (f *fakeMoonraker) handleObjectsQuery(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]interface{})
	for name := range r.URL.Query() {
		if obj, ok := f.objects[name]; ok {
			status[name] = obj
		}
	}
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{"eventtime": 0.0, "status": status},
	})
}

func (f *fakeMoonraker) handleFileList(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := []map[string]interface{}{}
	for name, data := range f.files {
		list = append(list, map[string]interface{}{"path": name, "size": len(data), "modified": 1700000000.5})
	}
	writeJSON(w, map[string]interface{}{"result": list})
}

func (f *fakeMoonraker) handleFileMetadata(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("filename")
	f.mu.Lock()
	data, ok := f.files[name]
	f.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "Metadata not available for "+name)
		return
	}
	writeJSON(w, map[string]interface{}{
		"result": map[string]interface{}{"filename": name, "size": len(data), "modified": 1700000000.0},
	})
}

func (f *fakeMoonraker) handleFileUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, "failed to parse form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, _ := io.ReadAll(file)

	f.mu.Lock()
	f.files[header.Filename] = data
	f.mu.Unlock()

	// Moonraker answers uploads without the "result" envelope.
	writeJSON(w, map[string]interface{}{
		"item":          map[string]interface{}{"path": header.Filename, "root": r.FormValue("root")},
		"print_started": r.FormValue("print") == "true",
		"action":        "create_file",
	})
}

func (f *fakeMoonraker) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	data, ok := f.files[r.PathValue("name")]
	f.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "file not found")
		return
	}
	_, _ = w.Write(data)
}

func (f *fakeMoonraker) handlePrintStart(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.started = r.URL.Query().Get("filename")
	f.mu.Unlock()
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (f *fakeMoonraker) handlePrintAction(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.actions = append(f.actions, r.PathValue("action"))
	f.mu.Unlock()
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func (f *fakeMoonraker) handleGCodeScript(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.scripts = append(f.scripts, r.URL.Query().Get("script"))
	f.mu.Unlock()
	writeJSON(w, map[string]interface{}{"result": "ok"})
}

func serve(t *testing.T, f *fakeMoonraker) (*Adapter, printer.Target) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	a := New(srv.Client(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return a, printer.Target{Host: host, Port: p}
}

func TestGetStatusPrinting(t *testing.T) {
	t.Parallel()

	f := newFakeMoonraker()
	f.objects["print_stats"] = map[string]interface{}{"state": "printing", "filename": "benchy.gcode", "print_duration": 300.0}
	f.objects["virtual_sdcard"] = map[string]interface{}{"progress": 0.25, "is_active": true}
	f.objects["extruder"] = map[string]interface{}{"temperature": 209.5, "target": 210.0}
	f.objects["heater_bed"] = map[string]interface{}{"temperature": 59.8, "target": 60.0}
	a, target := serve(t, f)

	st, err := a.GetStatus(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, printer.StatePrinting, st.State)
	assert.Equal(t, printer.Temperature{Actual: 209.5, Target: 210}, st.Temperatures["tool0"])
	assert.Equal(t, printer.Temperature{Actual: 59.8, Target: 60}, st.Temperatures["bed"])
	assert.NotContains(t, st.Temperatures, "tool1")
	require.NotNil(t, st.Job)
	assert.Equal(t, "benchy.gcode", st.Job.FileName)
	assert.InDelta(t, 0.25, st.Job.Progress, 1e-9)
	assert.InDelta(t, 900.0, st.Job.TimeRemaining, 1e-9)
	assert.Contains(t, st.Raw, "print_stats")
}

func TestGetStatusStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		webhooks string
		stats    string
		want     string
	}{
		{"standby", "ready", "standby", printer.StateIdle},
		{"complete", "ready", "complete", printer.StateIdle},
		{"paused", "ready", "paused", printer.StatePaused},
		{"print error", "ready", "error", printer.StateError},
		{"shutdown", "shutdown", "standby", printer.StateError},
		{"starting", "startup", "standby", printer.StateOffline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFakeMoonraker()
			f.objects["webhooks"] = map[string]interface{}{"state": tt.webhooks, "state_message": "msg"}
			f.objects["print_stats"] = map[string]interface{}{"state": tt.stats}
			a, target := serve(t, f)

			st, err := a.GetStatus(context.Background(), target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.State)
		})
	}
}

func TestFilesRoundTrip(t *testing.T) {
	t.Parallel()

	f := newFakeMoonraker()
	a, target := serve(t, f)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "cube.gcode")
	require.NoError(t, os.WriteFile(local, []byte("G28\nG1 Z5\n"), 0o644))

	res, err := a.UploadFile(ctx, target, local, "", true)
	require.NoError(t, err)
	assert.Equal(t, "cube.gcode", res.RemotePath)
	assert.True(t, res.Started)

	files, err := a.GetFiles(ctx, target)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "cube.gcode", files[0].Name)
	assert.Equal(t, int64(10), files[0].Size)
	assert.Equal(t, int64(1700000000), files[0].Modified.Unix())

	fi, err := a.GetFile(ctx, target, "cube.gcode")
	require.NoError(t, err)
	assert.Equal(t, int64(10), fi.Size)

	_, err = a.GetFile(ctx, target, "missing.gcode")
	assert.ErrorIs(t, err, printer.ErrNotFound)

	var buf bytes.Buffer
	_, err = a.DownloadFile(ctx, target, "cube.gcode", &buf)
	require.NoError(t, err)
	assert.Equal(t, "G28\nG1 Z5\n", buf.String())
}

func TestJobCommands(t *testing.T) {
	t.Parallel()

	f := newFakeMoonraker()
	a, target := serve(t, f)
	ctx := context.Background()

	_, err := a.StartJob(ctx, target, "my part.gcode")
	require.NoError(t, err)
	_, err = a.PauseJob(ctx, target)
	require.NoError(t, err)
	_, err = a.ResumeJob(ctx, target)
	require.NoError(t, err)
	_, err = a.CancelJob(ctx, target)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "my part.gcode", f.started)
	assert.Equal(t, []string{"pause", "resume", "cancel"}, f.actions)
}

func TestSetTemperature(t *testing.T) {
	t.Parallel()

	f := newFakeMoonraker()
	a, target := serve(t, f)
	ctx := context.Background()

	for _, c := range []struct {
		component string
		value     float64
	}{{"tool0", 215}, {"extruder1", 200.5}, {"bed", 60}, {"chamber", 40}} {
		_, err := a.SetTemperature(ctx, target, c.component, c.value)
		require.NoError(t, err)
	}
	_, err := a.SetTemperature(ctx, target, "spindle", 10)
	require.Error(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, []string{
		"SET_HEATER_TEMPERATURE HEATER=extruder TARGET=215",
		"SET_HEATER_TEMPERATURE HEATER=extruder1 TARGET=200.5",
		"SET_HEATER_TEMPERATURE HEATER=heater_bed TARGET=60",
		"SET_HEATER_TEMPERATURE HEATER=chamber TARGET=40",
	}, f.scripts)
}
