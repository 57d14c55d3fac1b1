// Package creality drives Creality K1-family printers: commands and status
// over the WebSocket interface on port 9999, uploads over HTTP.
package creality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "creality"

const (
	defaultPort       = 9999
	defaultUploadPort = 80
	defaultReadWait   = 5 * time.Second
	// gcodeDir is where the firmware keeps uploaded files.
	gcodeDir = "/usr/data/printer_data/gcodes"
)

// Adapter implements printer.Printer for Creality printers.
type Adapter struct {
	client     *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
	uploadPort int
	readWait   time.Duration
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithUploadPort overrides the HTTP port used for uploads.
func WithUploadPort(port int) Option {
	return func(a *Adapter) { a.uploadPort = port }
}

// WithReadWait bounds how long a query waits for pushed fields.
func WithReadWait(d time.Duration) Option {
	return func(a *Adapter) { a.readWait = d }
}

// New creates an adapter. client carries uploads; the WebSocket dialer
// shares its timeout.
func New(client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:     client,
		logger:     slog.Default(),
		uploadPort: defaultUploadPort,
		readWait:   defaultReadWait,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = printer.NewHTTPClient(printer.DefaultHTTPTimeout)
	}
	a.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: a.client.Timeout,
	}
	a.logger = a.logger.With("adapter", Name)
	return a
}

func (a *Adapter) Name() string { return Name }

type request struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

func (a *Adapter) dial(ctx context.Context, t printer.Target) (*websocket.Conn, error) {
	u := "ws://" + t.Addr(defaultPort)
	ws, _, err := a.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}
	return ws, nil
}

func closeConn(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	ws.Close()
}

// set sends one "set" request and closes the session.
func (a *Adapter) set(ctx context.Context, t printer.Target, params map[string]any) error {
	ws, err := a.dial(ctx, t)
	if err != nil {
		return err
	}
	defer closeConn(ws)
	if deadline, ok := ctx.Deadline(); ok {
		ws.SetWriteDeadline(deadline)
	}
	if err := ws.WriteJSON(request{Method: "set", Params: params}); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	a.logger.Debug("command sent", "host", t.Host, "params", params)
	return nil
}

// query sends a "get" request and merges the top-level fields of pushed
// messages until complete reports true or the read wait elapses. Messages
// that are not JSON objects (heartbeats) are skipped.
func (a *Adapter) query(ctx context.Context, t printer.Target, params map[string]any, complete func(map[string]gjson.Result) bool) (map[string]gjson.Result, error) {
	ws, err := a.dial(ctx, t)
	if err != nil {
		return nil, err
	}
	defer closeConn(ws)

	if err := ws.WriteJSON(request{Method: "get", Params: params}); err != nil {
		return nil, fmt.Errorf("websocket write: %w", err)
	}

	deadline := time.Now().Add(a.readWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetReadDeadline(deadline)

	fields := make(map[string]gjson.Result)
	for !complete(fields) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if len(fields) > 0 && isTimeout(err) {
				a.logger.Debug("partial response", "host", t.Host, "fields", len(fields))
				return fields, nil
			}
			return nil, fmt.Errorf("websocket read: %w", err)
		}
		if !gjson.ValidBytes(data) {
			continue
		}
		msg := gjson.ParseBytes(data)
		if !msg.IsObject() {
			continue
		}
		msg.ForEach(func(k, v gjson.Result) bool {
			fields[k.String()] = v
			return true
		})
	}
	return fields, nil
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func has(keys ...string) func(map[string]gjson.Result) bool {
	return func(fields map[string]gjson.Result) bool {
		for _, k := range keys {
			if _, ok := fields[k]; !ok {
				return false
			}
		}
		return true
	}
}

func machineState(v gjson.Result) string {
	if !v.Exists() {
		return printer.StateUnknown
	}
	switch v.Int() {
	case 0, 2, 4:
		// idle, finished, stopped
		return printer.StateIdle
	case 1:
		return printer.StatePrinting
	case 3:
		return printer.StateError
	case 5:
		return printer.StatePaused
	}
	return printer.StateUnknown
}

func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	fields, err := a.query(ctx, t, map[string]any{"ReqPrinterPara": 1}, has("state", "nozzleTemp", "bedTemp0"))
	if err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}

	st := printer.NewStatus(machineState(fields["state"]))
	if v, ok := fields["nozzleTemp"]; ok {
		st.Temperatures["tool0"] = printer.Temperature{Actual: v.Float(), Target: fields["targetNozzleTemp"].Float()}
	}
	if v, ok := fields["bedTemp0"]; ok {
		st.Temperatures["bed"] = printer.Temperature{Actual: v.Float(), Target: fields["targetBedTemp0"].Float()}
	}
	if v, ok := fields["boxTemp"]; ok {
		st.Temperatures["chamber"] = printer.Temperature{Actual: v.Float()}
	}
	if st.State == printer.StatePrinting || st.State == printer.StatePaused {
		st.Job = &printer.Job{
			FileName:      path.Base(fields["printFileName"].String()),
			Progress:      fields["printProgress"].Float() / 100.0,
			PrintDuration: fields["printJobTime"].Float(),
			TimeRemaining: fields["printLeftTime"].Float(),
		}
	}
	st.Raw = make(map[string]any, len(fields))
	for k, v := range fields {
		st.Raw[k] = v.Value()
	}
	return st, nil
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	fields, err := a.query(ctx, t, map[string]any{"reqGcodeFile": 1}, has("retGcodeFileInfo"))
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	list, ok := fields["retGcodeFileInfo"]
	if !ok {
		return nil, printer.Wrap(Name, "files", errors.New("no file list in response"))
	}

	var files []printer.FileInfo
	for _, f := range list.Get("fileInfo").Array() {
		name := f.Get("name").String()
		p := f.Get("path").String()
		if p == "" {
			p = gcodeDir
		}
		fi := printer.FileInfo{Name: name, Path: path.Join(p, name), Size: f.Get("size").Int()}
		if ts := f.Get("create_time").Int(); ts > 0 {
			fi.Modified = time.Unix(ts, 0)
		}
		files = append(files, fi)
	}
	return files, nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	files, err := a.GetFiles(ctx, t)
	if err != nil {
		return nil, err
	}
	base := printer.UploadName("", name)
	for _, f := range files {
		if f.Name == base {
			return &f, nil
		}
	}
	return nil, printer.Wrap(Name, "file", fmt.Errorf("%s: %w", base, printer.ErrNotFound))
}

func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, localPath, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	name = printer.UploadName(localPath, name)
	body, contentType, err := printer.MultipartFile(localPath, "file", name, nil)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	u := "http://" + (printer.Target{Host: t.Host, Port: a.uploadPort}).Addr(defaultUploadPort) + "/upload/" + printer.EscapePath(name)
	req, err := printer.NewRequest(ctx, http.MethodPost, u, body, map[string]string{"Content-Type": contentType})
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	if _, err := printer.Do(a.client, req); err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	remote := path.Join(gcodeDir, name)
	a.logger.Info("file uploaded", "host", t.Host, "path", remote, "started", startAfterUpload)
	if startAfterUpload {
		if err := a.set(ctx, t, map[string]any{"opGcodeFile": "printprt:" + remote}); err != nil {
			return nil, printer.Wrap(Name, "upload", fmt.Errorf("starting %s: %w", remote, err))
		}
	}
	return &printer.UploadResult{Name: name, RemotePath: remote, Started: startAfterUpload}, nil
}

func (a *Adapter) command(ctx context.Context, t printer.Target, op string, params map[string]any) (*printer.CommandResult, error) {
	if err := a.set(ctx, t, params); err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	data, _ := json.Marshal(params)
	return &printer.CommandResult{Command: op, Message: string(data)}, nil
}

func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	p := name
	if !path.IsAbs(p) {
		p = path.Join(gcodeDir, printer.UploadName("", name))
	}
	return a.command(ctx, t, "start", map[string]any{"opGcodeFile": "printprt:" + p})
}

func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.command(ctx, t, "cancel", map[string]any{"stop": 1})
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.command(ctx, t, "pause", map[string]any{"pause": 1})
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.command(ctx, t, "resume", map[string]any{"pause": 0})
}

// SetTemperature uses the dedicated controls for the first nozzle and the
// bed, and raw G-code for any other heater.
func (a *Adapter) SetTemperature(ctx context.Context, t printer.Target, component string, value float64) (*printer.CommandResult, error) {
	line, err := printer.TemperatureGCode(component, value)
	if err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}
	h, _ := printer.ParseHeater(component)
	v := strconv.FormatFloat(value, 'f', -1, 64)

	var params map[string]any
	switch {
	case h.Kind == "tool" && h.Index == 0:
		params = map[string]any{"nozzleTempControl": v}
	case h.Kind == "bed":
		params = map[string]any{"bedTempControl": map[string]any{"num": 0, "val": v}}
	default:
		params = map[string]any{"gcodeCmd": line}
	}
	return a.command(ctx, t, "set temperature", params)
}
