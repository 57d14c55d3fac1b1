// Package octoprint drives printers through the OctoPrint REST API.
package octoprint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "octoprint"

const defaultPort = 80

// Adapter implements printer.Printer for OctoPrint.
type Adapter struct {
	client *http.Client
	logger *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an adapter issuing requests through client.
func New(client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{client: client, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.client = printer.NewHTTPClient(printer.DefaultHTTPTimeout)
	}
	a.logger = a.logger.With("adapter", Name)
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) request(ctx context.Context, t printer.Target, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	return printer.NewRequest(ctx, method, "http://"+t.Addr(defaultPort)+path, body, map[string]string{
		"X-Api-Key":    t.Credentials,
		"Content-Type": contentType,
	})
}

func (a *Adapter) do(ctx context.Context, t printer.Target, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		r, err := printer.JSONBody(in)
		if err != nil {
			return err
		}
		body, contentType = r, "application/json"
	}
	req, err := a.request(ctx, t, method, path, body, contentType)
	if err != nil {
		return err
	}
	return printer.DoJSON(a.client, req, out)
}

type temperature struct {
	Actual float64  `json:"actual"`
	Target *float64 `json:"target"`
}

type printerState struct {
	State struct {
		Text  string `json:"text"`
		Flags struct {
			Operational bool `json:"operational"`
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Pausing     bool `json:"pausing"`
			Cancelling  bool `json:"cancelling"`
			Error       bool `json:"error"`
			ClosedOrErr bool `json:"closedOrError"`
		} `json:"flags"`
	} `json:"state"`
	Temperature map[string]temperature `json:"temperature"`
}

type jobState struct {
	Job struct {
		File struct {
			Name string `json:"name"`
			Path string `json:"path"`
		} `json:"file"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *float64 `json:"printTime"`
		PrintTimeLeft *float64 `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

func (s *printerState) state() string {
	f := s.State.Flags
	switch {
	case f.Error || (f.ClosedOrErr && !f.Operational):
		return printer.StateError
	case f.Paused || f.Pausing:
		return printer.StatePaused
	case f.Printing || f.Cancelling:
		return printer.StatePrinting
	case f.Operational:
		return printer.StateIdle
	}
	return printer.StateUnknown
}

func deref(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

// GetStatus combines /api/printer and /api/job. OctoPrint answers 409 while
// the printer is disconnected from the host, which maps to offline.
func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	var ps printerState
	if err := a.do(ctx, t, http.MethodGet, "/api/printer", nil, &ps); err != nil {
		var he *printer.HTTPError
		if errors.As(err, &he) && he.StatusCode == http.StatusConflict {
			st := printer.NewStatus(printer.StateOffline)
			st.Message = he.Body
			return st, nil
		}
		return nil, printer.Wrap(Name, "status", err)
	}

	st := printer.NewStatus(ps.state())
	st.Message = ps.State.Text
	for name, temp := range ps.Temperature {
		if name != "bed" && name != "chamber" && !strings.HasPrefix(name, "tool") {
			continue
		}
		st.Temperatures[name] = printer.Temperature{Actual: temp.Actual, Target: deref(temp.Target)}
	}

	if st.State == printer.StatePrinting || st.State == printer.StatePaused {
		var js jobState
		if err := a.do(ctx, t, http.MethodGet, "/api/job", nil, &js); err != nil {
			return nil, printer.Wrap(Name, "status", err)
		}
		st.Job = &printer.Job{
			FileName:      js.Job.File.Name,
			Progress:      deref(js.Progress.Completion) / 100.0,
			PrintDuration: deref(js.Progress.PrintTime),
			TimeRemaining: deref(js.Progress.PrintTimeLeft),
		}
	}
	return st, nil
}

type fileEntry struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Size     int64       `json:"size"`
	Date     int64       `json:"date"`
	Children []fileEntry `json:"children"`
}

func (e fileEntry) info() printer.FileInfo {
	fi := printer.FileInfo{Name: e.Name, Path: e.Path, Size: e.Size}
	if e.Date > 0 {
		fi.Modified = time.Unix(e.Date, 0)
	}
	return fi
}

func flatten(entries []fileEntry, out []printer.FileInfo) []printer.FileInfo {
	for _, e := range entries {
		if e.Type == "folder" {
			out = flatten(e.Children, out)
			continue
		}
		out = append(out, e.info())
	}
	return out
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	var resp struct {
		Files []fileEntry `json:"files"`
	}
	if err := a.do(ctx, t, http.MethodGet, "/api/files?recursive=true", nil, &resp); err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	return flatten(resp.Files, nil), nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	var e fileEntry
	if err := a.do(ctx, t, http.MethodGet, "/api/files/local/"+printer.EscapePath(name), nil, &e); err != nil {
		return nil, printer.Wrap(Name, "file", err)
	}
	fi := e.info()
	return &fi, nil
}

func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, path, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	name = printer.UploadName(path, name)
	start := strconv.FormatBool(startAfterUpload)
	body, contentType, err := printer.MultipartFile(path, "file", name, map[string]string{
		"select": start,
		"print":  start,
	})
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	req, err := a.request(ctx, t, http.MethodPost, "/api/files/local", body, contentType)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	var resp struct {
		Done  bool `json:"done"`
		Files struct {
			Local struct {
				Name string `json:"name"`
				Path string `json:"path"`
			} `json:"local"`
		} `json:"files"`
	}
	if err := printer.DoJSON(a.client, req, &resp); err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	result := &printer.UploadResult{Name: name, RemotePath: name, Started: startAfterUpload}
	if resp.Files.Local.Name != "" {
		result.Name = resp.Files.Local.Name
		result.RemotePath = resp.Files.Local.Path
	}
	a.logger.Info("file uploaded", "host", t.Host, "path", result.RemotePath, "started", result.Started)
	return result, nil
}

func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	cmd := map[string]any{"command": "select", "print": true}
	if err := a.do(ctx, t, http.MethodPost, "/api/files/local/"+printer.EscapePath(name), cmd, nil); err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	return &printer.CommandResult{Command: "select", Message: "printing " + name}, nil
}

func (a *Adapter) jobCommand(ctx context.Context, t printer.Target, op string, cmd map[string]any) (*printer.CommandResult, error) {
	if err := a.do(ctx, t, http.MethodPost, "/api/job", cmd, nil); err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	return &printer.CommandResult{Command: op}, nil
}

func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.jobCommand(ctx, t, "cancel", map[string]any{"command": "cancel"})
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.jobCommand(ctx, t, "pause", map[string]any{"command": "pause", "action": "pause"})
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.jobCommand(ctx, t, "resume", map[string]any{"command": "pause", "action": "resume"})
}

// SetTemperature sets a heater target through the tool, bed or chamber
// endpoint.
func (a *Adapter) SetTemperature(ctx context.Context, t printer.Target, component string, value float64) (*printer.CommandResult, error) {
	h, err := printer.ParseHeater(component)
	if err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}

	var path string
	var cmd map[string]any
	switch h.Kind {
	case "tool":
		path = "/api/printer/tool"
		cmd = map[string]any{"command": "target", "targets": map[string]float64{h.Key(): value}}
	default:
		path = "/api/printer/" + h.Kind
		cmd = map[string]any{"command": "target", "target": value}
	}
	if err := a.do(ctx, t, http.MethodPost, path, cmd, nil); err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}
	return &printer.CommandResult{
		Command: "target",
		Message: fmt.Sprintf("%s target %.1f", h.Key(), value),
	}, nil
}

func (a *Adapter) DownloadFile(ctx context.Context, t printer.Target, name string, w io.Writer) (int64, error) {
	req, err := a.request(ctx, t, http.MethodGet, "/downloads/files/local/"+printer.EscapePath(name), nil, "")
	if err != nil {
		return 0, printer.Wrap(Name, "download", err)
	}
	n, err := printer.Stream(a.client, req, w)
	return n, printer.Wrap(Name, "download", err)
}
