package bambu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/john/printbridge/printer"
)

var testTarget = printer.Target{Host: "10.0.0.5", Credentials: "ABC123:tok"}

func newTestAdapter(t *testing.T, broker *fakeBroker, store *fakeStore) *Adapter {
	t.Helper()
	cfg := DefaultConfig()
	cfg.StatusTimeout = 200 * time.Millisecond
	a, err := New(store, cfg, WithLogger(discardLogger()), withClientFactory(broker.newClient))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.DisconnectAll(context.Background()) })
	return a
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func decodePrint(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(payload, &doc))
	require.Contains(t, doc, "print")
	return doc["print"]
}

func TestMalformedCredentialsTouchNoNetwork(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	store := newFakeStore()
	a := newTestAdapter(t, broker, store)
	bad := printer.Target{Host: "10.0.0.5", Credentials: "ABC123"}
	ctx := context.Background()

	_, err := a.GetStatus(ctx, bad)
	assert.ErrorIs(t, err, printer.ErrInvalidCredentials)
	_, err = a.GetFiles(ctx, bad)
	assert.ErrorIs(t, err, printer.ErrInvalidCredentials)
	_, err = a.PrintProject(ctx, bad, writeTemp(t, "part.3mf", "x"), PrintOptions{})
	assert.ErrorIs(t, err, printer.ErrInvalidCredentials)
	_, err = a.CancelJob(ctx, bad)
	assert.ErrorIs(t, err, printer.ErrInvalidCredentials)

	assert.Equal(t, 0, broker.connectCount())
	assert.Equal(t, 0, store.sessionCount())
}

func TestSetTemperatureIsUnsupported(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	store := newFakeStore()
	a := newTestAdapter(t, broker, store)

	_, err := a.SetTemperature(context.Background(), testTarget, "bed", 60)
	require.ErrorIs(t, err, printer.ErrUnsupportedOperation)
	assert.Equal(t, 0, broker.connectCount())
	assert.Equal(t, 0, store.sessionCount())
}

func TestPrintProjectUploadsThenPublishes(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	store := newFakeStore()
	a := newTestAdapter(t, broker, store)

	local := writeTemp(t, "part.3mf", "project-bytes")
	res, err := a.PrintProject(context.Background(), testTarget, local, PrintOptions{Plate: 2, AMSMapping: []int{0}})
	require.NoError(t, err)
	assert.Equal(t, "project_file", res.Command)

	assert.Equal(t, []byte("project-bytes"), store.files["gcodes/part.3mf"])

	pubs := broker.publications()
	require.Len(t, pubs, 1)
	assert.Equal(t, "device/ABC123/request", pubs[0].topic)
	assert.Equal(t, byte(1), pubs[0].qos)

	cmd := decodePrint(t, pubs[0].payload)
	assert.Equal(t, "project_file", cmd["command"])
	assert.Equal(t, "Metadata/plate_2.gcode", cmd["param"])
	assert.Equal(t, "file:///sdcard/gcodes/part.3mf", cmd["url"])
	assert.Equal(t, true, cmd["use_ams"])
}

func TestPrintProjectUploadFailureSkipsPublish(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	store := newFakeStore()
	store.uploadErr = errors.New("550 no space")
	a := newTestAdapter(t, broker, store)

	_, err := a.PrintProject(context.Background(), testTarget, writeTemp(t, "part.3mf", "x"), PrintOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550 no space")

	var opErr *printer.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, Name, opErr.Adapter)
	assert.Empty(t, broker.publications())
}

func TestUploadFileStartsGcodeByExtension(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	store := newFakeStore()
	a := newTestAdapter(t, broker, store)

	res, err := a.UploadFile(context.Background(), testTarget, writeTemp(t, "local.gcode", "G28"), `C:\jobs\cube.gcode`, true)
	require.NoError(t, err)
	assert.Equal(t, "cube.gcode", res.Name)
	assert.Equal(t, "gcodes/cube.gcode", res.RemotePath)
	assert.True(t, res.Started)

	pubs := broker.publications()
	require.Len(t, pubs, 1)
	cmd := decodePrint(t, pubs[0].payload)
	assert.Equal(t, "gcode_file", cmd["command"])
	assert.Equal(t, "/sdcard/gcodes/cube.gcode", cmd["param"])
}

func TestGetStatusRequestsFullReport(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	broker.onPublish = func(c *fakeClient, topic string, payload []byte) {
		if !strings.Contains(string(payload), "pushall") {
			return
		}
		c.deliver("device/ABC123/report", []byte(`{"print":{"gcode_state":"PAUSE","mc_percent":40,"subtask_name":"benchy","bed_temper":55,"bed_target_temper":60}}`))
	}
	a := newTestAdapter(t, broker, newFakeStore())

	st, err := a.GetStatus(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, printer.StatePaused, st.State)
	require.NotNil(t, st.Job)
	assert.Equal(t, "benchy", st.Job.FileName)
	assert.Equal(t, printer.Temperature{Actual: 55, Target: 60}, st.Temperatures["bed"])

	var push map[string]map[string]any
	require.NoError(t, json.Unmarshal(broker.publications()[0].payload, &push))
	assert.Equal(t, "pushall", push["pushing"]["command"])
}

func TestGetStatusFallsBackToCache(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	a := newTestAdapter(t, broker, newFakeStore())

	// Silent device, nothing cached.
	_, err := a.GetStatus(context.Background(), testTarget)
	require.Error(t, err)

	key := connKey{host: testTarget.Host, serial: "ABC123"}
	require.NoError(t, a.telemetry.ingest(key, []byte(`{"print":{"gcode_state":"IDLE"}}`)))

	st, err := a.GetStatus(context.Background(), testTarget)
	require.NoError(t, err)
	assert.Equal(t, printer.StateIdle, st.State)
}

func TestGetFileAndDownload(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.files["gcodes/cube.gcode"] = []byte("G28\nG1 X10\n")
	a := newTestAdapter(t, &fakeBroker{}, store)
	ctx := context.Background()

	f, err := a.GetFile(ctx, testTarget, "cube.gcode")
	require.NoError(t, err)
	assert.Equal(t, int64(11), f.Size)

	_, err = a.GetFile(ctx, testTarget, "missing.gcode")
	assert.ErrorIs(t, err, printer.ErrNotFound)

	var buf bytes.Buffer
	n, err := a.DownloadFile(ctx, testTarget, "cube.gcode", &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)
	assert.Equal(t, "G28\nG1 X10\n", buf.String())
}

func TestJobCommands(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	a := newTestAdapter(t, broker, newFakeStore())
	ctx := context.Background()

	_, err := a.CancelJob(ctx, testTarget)
	require.NoError(t, err)
	_, err = a.PauseJob(ctx, testTarget)
	require.NoError(t, err)
	_, err = a.ResumeJob(ctx, testTarget)
	require.NoError(t, err)

	var got []string
	seqs := map[any]bool{}
	for _, p := range broker.publications() {
		cmd := decodePrint(t, p.payload)
		got = append(got, cmd["command"].(string))
		seqs[cmd["sequence_id"]] = true
	}
	assert.Equal(t, []string{"stop", "pause", "resume"}, got)
	assert.Len(t, seqs, 3)
	assert.Equal(t, 1, broker.connectCount())
}

func TestDisconnectAllClosesFileSessions(t *testing.T) {
	t.Parallel()

	broker := &fakeBroker{}
	store := newFakeStore()
	a := newTestAdapter(t, broker, store)

	_, err := a.CancelJob(context.Background(), testTarget)
	require.NoError(t, err)

	require.NoError(t, a.DisconnectAll(context.Background()))
	assert.Equal(t, 1, store.closed)
	assert.Equal(t, 1, broker.clients[0].disconnectCount())
}
