package main

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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printbridge/printer"
)

// newTestApp wires an app against a fake OctoPrint instance.
func newTestApp(t *testing.T, handler http.Handler) (*app, *bytes.Buffer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Files.Dir = filepath.Join(t.TempDir(), "files")
	cfg.Printers = []PrinterConfig{{Name: "prusa-mk3", Type: "OctoPrint", Host: host, Port: p, Credentials: "key", PollInterval: 1}}

	var out bytes.Buffer
	a, err := newApp(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &out)
	require.NoError(t, err)
	t.Cleanup(func() { a.close(context.Background()) })
	return a, &out
}

func octoprintHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/printer", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Printer is not operational", http.StatusConflict)
	})
	mux.HandleFunc("GET /downloads/files/local/{name...}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "; layer_height = 0.2\nG28\n")
	})
	return mux
}

func TestRunTypes(t *testing.T) {
	a, out := newTestApp(t, octoprintHandler())
	require.NoError(t, a.run(context.Background(), "", time.Second, "types", nil))
	assert.Equal(t, "bambu\ncreality\nduet\nklipper\noctoprint\nprusa\nrepetier\n", out.String())
}

func TestRunStatus(t *testing.T) {
	a, out := newTestApp(t, octoprintHandler())
	require.NoError(t, a.run(context.Background(), "prusa-mk3", 5*time.Second, "status", nil))

	var st printer.Status
	require.NoError(t, json.Unmarshal(out.Bytes(), &st))
	assert.Equal(t, printer.StateOffline, st.State)
}

func TestRunFetchStoresFile(t *testing.T) {
	a, out := newTestApp(t, octoprintHandler())
	require.NoError(t, a.run(context.Background(), "", 5*time.Second, "fetch", []string{"parts/benchy.gcode"}))

	data, err := os.ReadFile(filepath.Join(a.cfg.Files.Dir, "benchy.gcode"))
	require.NoError(t, err)
	assert.Equal(t, "; layer_height = 0.2\nG28\n", string(data))
	assert.Contains(t, out.String(), `"layer_height": 0.2`)
}

func TestRunErrors(t *testing.T) {
	a, _ := newTestApp(t, octoprintHandler())
	ctx := context.Background()

	err := a.run(ctx, "", time.Second, "print-project", []string{"plate.3mf"})
	assert.ErrorIs(t, err, printer.ErrUnsupportedOperation)

	err = a.run(ctx, "", time.Second, "explode", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode")

	err = a.run(ctx, "ender", time.Second, "status", nil)
	require.Error(t, err)

	err = a.run(ctx, "", time.Second, "temp", []string{"bed", "hot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"hot"`)

	a.cfg.Printers[0].Type = "makerbot"
	err = a.run(ctx, "", time.Second, "status", nil)
	assert.ErrorIs(t, err, printer.ErrUnsupportedType)
}

func TestParseAMS(t *testing.T) {
	got, err := parseAMS("0, 2,1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 1}, got)

	got, err = parseAMS("")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseAMS("0,x")
	assert.Error(t, err)
}

func TestFileMD5(t *testing.T) {
	p := filepath.Join(t.TempDir(), "plate.3mf")
	require.NoError(t, os.WriteFile(p, []byte("hello"), 0o644))
	sum, err := fileMD5(p)
	require.NoError(t, err)
	assert.Equal(t, strings.ToUpper("5d41402abc4b2a76b9719d911017c592"), sum)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l, err := newLogger(LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	_, err = newLogger(LogConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
	_, err = newLogger(LogConfig{Level: "loud"}, &buf)
	assert.Error(t, err)
}
