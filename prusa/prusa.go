// Package prusa drives Prusa printers through the PrusaLink v1 API.
package prusa

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "prusa"

const (
	defaultPort = 80
	storage     = "usb"
)

var errNoJob = errors.New("no active job")

// Adapter implements printer.Printer for PrusaLink.
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

func (a *Adapter) request(ctx context.Context, t printer.Target, method, path string, body io.Reader) (*http.Request, error) {
	return printer.NewRequest(ctx, method, "http://"+t.Addr(defaultPort)+path, body, map[string]string{
		"X-Api-Key": t.Credentials,
	})
}

func (a *Adapter) do(ctx context.Context, t printer.Target, method, path string, out any) error {
	req, err := a.request(ctx, t, method, path, nil)
	if err != nil {
		return err
	}
	return printer.DoJSON(a.client, req, out)
}

func filePath(name string) string {
	return "/api/v1/files/" + storage + "/" + printer.EscapePath(name)
}

type statusResponse struct {
	Printer struct {
		State        string  `json:"state"`
		TempNozzle   float64 `json:"temp_nozzle"`
		TargetNozzle float64 `json:"target_nozzle"`
		TempBed      float64 `json:"temp_bed"`
		TargetBed    float64 `json:"target_bed"`
	} `json:"printer"`
	Job *struct {
		ID            int64   `json:"id"`
		Progress      float64 `json:"progress"`
		TimeRemaining float64 `json:"time_remaining"`
		TimePrinting  float64 `json:"time_printing"`
	} `json:"job"`
}

type jobResponse struct {
	ID    int64  `json:"id"`
	State string `json:"state"`
	File  struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
	} `json:"file"`
}

func linkState(s string) string {
	switch strings.ToUpper(s) {
	case "IDLE", "READY", "FINISHED", "STOPPED", "BUSY":
		return printer.StateIdle
	case "PRINTING":
		return printer.StatePrinting
	case "PAUSED":
		return printer.StatePaused
	case "ERROR", "ATTENTION":
		return printer.StateError
	}
	return printer.StateUnknown
}

// job returns the active job. PrusaLink answers 204 when there is none.
func (a *Adapter) job(ctx context.Context, t printer.Target) (*jobResponse, error) {
	var job jobResponse
	if err := a.do(ctx, t, http.MethodGet, "/api/v1/job", &job); err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, errNoJob
	}
	return &job, nil
}

func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	var resp statusResponse
	if err := a.do(ctx, t, http.MethodGet, "/api/v1/status", &resp); err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}

	st := printer.NewStatus(linkState(resp.Printer.State))
	st.Message = resp.Printer.State
	st.Temperatures["tool0"] = printer.Temperature{Actual: resp.Printer.TempNozzle, Target: resp.Printer.TargetNozzle}
	st.Temperatures["bed"] = printer.Temperature{Actual: resp.Printer.TempBed, Target: resp.Printer.TargetBed}

	if resp.Job != nil && (st.State == printer.StatePrinting || st.State == printer.StatePaused) {
		st.Job = &printer.Job{
			Progress:      resp.Job.Progress / 100.0,
			PrintDuration: resp.Job.TimePrinting,
			TimeRemaining: resp.Job.TimeRemaining,
		}
		job, err := a.job(ctx, t)
		switch {
		case err == nil:
			st.Job.FileName = job.File.DisplayName
			if st.Job.FileName == "" {
				st.Job.FileName = job.File.Name
			}
		case !errors.Is(err, errNoJob):
			return nil, printer.Wrap(Name, "status", err)
		}
	}
	return st, nil
}

type fileEntry struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	Type        string      `json:"type"`
	Size        int64       `json:"size"`
	Timestamp   int64       `json:"m_timestamp"`
	Children    []fileEntry `json:"children"`
}

func (e fileEntry) info(dir string) printer.FileInfo {
	name := e.DisplayName
	if name == "" {
		name = e.Name
	}
	fi := printer.FileInfo{Name: name, Path: dir + "/" + e.Name, Size: e.Size}
	if e.Timestamp > 0 {
		fi.Modified = time.Unix(e.Timestamp, 0)
	}
	return fi
}

func collect(entries []fileEntry, dir string, out []printer.FileInfo) []printer.FileInfo {
	for _, e := range entries {
		if e.Type == "FOLDER" {
			out = collect(e.Children, dir+"/"+e.Name, out)
			continue
		}
		out = append(out, e.info(dir))
	}
	return out
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	var root fileEntry
	if err := a.do(ctx, t, http.MethodGet, "/api/v1/files/"+storage+"/", &root); err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	return collect(root.Children, storage, nil), nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	var e fileEntry
	if err := a.do(ctx, t, http.MethodGet, filePath(name), &e); err != nil {
		return nil, printer.Wrap(Name, "file", err)
	}
	fi := e.info(storage)
	return &fi, nil
}

func boolHeader(v bool) string {
	if v {
		return "?1"
	}
	return "?0"
}

// UploadFile PUTs the raw file, replacing any file of the same name.
func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, path, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	name = printer.UploadName(path, name)
	f, err := os.Open(path)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", fmt.Errorf("opening %s: %w", path, err))
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, printer.Wrap(Name, "upload", fmt.Errorf("stat %s: %w", path, err))
	}

	req, err := a.request(ctx, t, http.MethodPut, filePath(name), f)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Print-After-Upload", boolHeader(startAfterUpload))
	req.Header.Set("Overwrite", "?1")
	if _, err := printer.Do(a.client, req); err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	remote := storage + "/" + name
	a.logger.Info("file uploaded", "host", t.Host, "path", remote, "started", startAfterUpload)
	return &printer.UploadResult{Name: name, RemotePath: remote, Started: startAfterUpload}, nil
}

func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	if err := a.do(ctx, t, http.MethodPost, filePath(name), nil); err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	return &printer.CommandResult{Command: "start", Message: "printing " + name}, nil
}

// jobCommand looks up the active job id and applies method to
// /api/v1/job/<id><suffix>.
func (a *Adapter) jobCommand(ctx context.Context, t printer.Target, op, method, suffix string) (*printer.CommandResult, error) {
	job, err := a.job(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	if err := a.do(ctx, t, method, "/api/v1/job/"+strconv.FormatInt(job.ID, 10)+suffix, nil); err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	return &printer.CommandResult{Command: op, Message: fmt.Sprintf("job %d", job.ID)}, nil
}

func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.jobCommand(ctx, t, "cancel", http.MethodDelete, "")
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.jobCommand(ctx, t, "pause", http.MethodPut, "/pause")
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.jobCommand(ctx, t, "resume", http.MethodPut, "/resume")
}

// SetTemperature is not exposed by PrusaLink.
func (a *Adapter) SetTemperature(context.Context, printer.Target, string, float64) (*printer.CommandResult, error) {
	return nil, printer.Unsupported(Name, "set temperature")
}

func (a *Adapter) DownloadFile(ctx context.Context, t printer.Target, name string, w io.Writer) (int64, error) {
	req, err := a.request(ctx, t, http.MethodGet, "/"+storage+"/"+printer.EscapePath(name), nil)
	if err != nil {
		return 0, printer.Wrap(Name, "download", err)
	}
	n, err := printer.Stream(a.client, req, w)
	return n, printer.Wrap(Name, "download", err)
}
