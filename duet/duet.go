// Package duet drives RepRapFirmware boards through the Duet web server
// (rr_* endpoints).
package duet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/tidwall/gjson"

	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "duet"

const (
	defaultPort = 80
	gcodeDir    = "0:/gcodes"
	// rr_* endpoints expect local time without a zone.
	timeLayout = "2006-01-02T15:04:05"
)

// Adapter implements printer.Printer for Duet boards.
type Adapter struct {
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New creates an adapter issuing requests through client.
func New(client *http.Client, opts ...Option) *Adapter {
	a := &Adapter{client: client, logger: slog.Default(), now: time.Now}
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

// session is one rr_connect/rr_disconnect bracket.
type session struct {
	a    *Adapter
	base string
	key  string
}

// connect opens a session with the board password carried in the target
// credentials. Boards without a password accept an empty one.
func (a *Adapter) connect(ctx context.Context, t printer.Target) (*session, error) {
	s := &session{a: a, base: "http://" + t.Addr(defaultPort)}
	q := url.Values{}
	q.Set("password", t.Credentials)
	q.Set("time", a.now().Format(timeLayout))

	res, err := s.get(ctx, "/rr_connect?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("rr_connect: %w", err)
	}
	switch res.Get("err").Int() {
	case 0:
	case 1:
		return nil, fmt.Errorf("rr_connect: %w: wrong password", printer.ErrAuth)
	case 2:
		return nil, fmt.Errorf("rr_connect: no free session slots")
	default:
		return nil, fmt.Errorf("rr_connect: error %d", res.Get("err").Int())
	}
	if k := res.Get("sessionKey"); k.Exists() {
		s.key = k.String()
	}
	return s, nil
}

func (s *session) close() {
	if _, err := s.get(context.Background(), "/rr_disconnect"); err != nil {
		s.a.logger.Debug("rr_disconnect failed", "error", err)
	}
}

func (s *session) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	return printer.NewRequest(ctx, method, s.base+path, body, map[string]string{
		"X-Session-Key": s.key,
	})
}

func (s *session) get(ctx context.Context, path string) (gjson.Result, error) {
	req, err := s.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	return s.do(req)
}

func (s *session) do(req *http.Request) (gjson.Result, error) {
	body, err := printer.Do(s.a.client, req)
	if err != nil {
		return gjson.Result{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("decoding %s response: invalid JSON", req.URL.Path)
	}
	return gjson.ParseBytes(body), nil
}

// gcode sends one line of G-code through rr_gcode.
func (s *session) gcode(ctx context.Context, line string) error {
	res, err := s.get(ctx, "/rr_gcode?gcode="+url.QueryEscape(line))
	if err != nil {
		return fmt.Errorf("rr_gcode %q: %w", line, err)
	}
	if code := res.Get("err").Int(); code != 0 {
		return fmt.Errorf("rr_gcode %q: error %d", line, code)
	}
	return nil
}

// withSession runs fn inside a connected session and always disconnects.
func (a *Adapter) withSession(ctx context.Context, t printer.Target, fn func(*session) error) error {
	s, err := a.connect(ctx, t)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}

func devicePath(name string) string {
	return gcodeDir + "/" + printer.UploadName("", name)
}

func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	var st *printer.Status
	err := a.withSession(ctx, t, func(s *session) error {
		res, err := s.get(ctx, "/rr_model?flags=d99fn")
		if err != nil {
			return fmt.Errorf("rr_model: %w", err)
		}
		st = decodeModel(res.Get("result"))
		return nil
	})
	if err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}
	return st, nil
}

func modelState(s string) string {
	switch s {
	case "idle", "busy", "changingTool":
		return printer.StateIdle
	case "printing", "processing", "simulating", "resuming":
		return printer.StatePrinting
	case "paused", "pausing":
		return printer.StatePaused
	case "halted":
		return printer.StateError
	case "off", "starting", "updating", "disconnected":
		return printer.StateOffline
	}
	return printer.StateUnknown
}

// decodeModel maps the RepRapFirmware object model onto a Status.
func decodeModel(model gjson.Result) *printer.Status {
	st := printer.NewStatus(modelState(model.Get("state.status").String()))

	heaters := model.Get("heat.heaters").Array()
	heater := func(idx gjson.Result) (printer.Temperature, bool) {
		if !idx.Exists() || idx.Int() < 0 || int(idx.Int()) >= len(heaters) {
			return printer.Temperature{}, false
		}
		h := heaters[idx.Int()]
		return printer.Temperature{Actual: h.Get("current").Float(), Target: h.Get("active").Float()}, true
	}
	if temp, ok := heater(model.Get("heat.bedHeaters.0")); ok {
		st.Temperatures["bed"] = temp
	}
	if temp, ok := heater(model.Get("heat.chamberHeaters.0")); ok {
		st.Temperatures["chamber"] = temp
	}
	for _, tool := range model.Get("tools").Array() {
		if temp, ok := heater(tool.Get("heaters.0")); ok {
			st.Temperatures[fmt.Sprintf("tool%d", tool.Get("number").Int())] = temp
		}
	}

	if st.State == printer.StatePrinting || st.State == printer.StatePaused {
		job := model.Get("job")
		j := &printer.Job{
			FileName:      path.Base(job.Get("file.fileName").String()),
			PrintDuration: job.Get("duration").Float(),
			TimeRemaining: job.Get("timesLeft.slicer").Float(),
		}
		if j.TimeRemaining == 0 {
			j.TimeRemaining = job.Get("timesLeft.file").Float()
		}
		if size := job.Get("file.size").Float(); size > 0 {
			j.Progress = job.Get("filePosition").Float() / size
		}
		st.Job = j
	}
	if raw, ok := model.Value().(map[string]any); ok {
		st.Raw = raw
	}
	return st
}

func fileTime(s string) time.Time {
	t, err := time.ParseInLocation(timeLayout, s, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	var files []printer.FileInfo
	err := a.withSession(ctx, t, func(s *session) error {
		first := int64(0)
		for {
			res, err := s.get(ctx, fmt.Sprintf("/rr_filelist?dir=%s&first=%d", url.QueryEscape(gcodeDir), first))
			if err != nil {
				return fmt.Errorf("rr_filelist: %w", err)
			}
			if code := res.Get("err").Int(); code != 0 {
				return fmt.Errorf("rr_filelist %s: error %d", gcodeDir, code)
			}
			for _, f := range res.Get("files").Array() {
				if f.Get("type").String() != "f" {
					continue
				}
				name := f.Get("name").String()
				files = append(files, printer.FileInfo{
					Name:     name,
					Path:     gcodeDir + "/" + name,
					Size:     f.Get("size").Int(),
					Modified: fileTime(f.Get("date").String()),
				})
			}
			next := res.Get("next").Int()
			if next == 0 || next <= first {
				return nil
			}
			first = next
		}
	})
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	return files, nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	var fi *printer.FileInfo
	err := a.withSession(ctx, t, func(s *session) error {
		p := devicePath(name)
		res, err := s.get(ctx, "/rr_fileinfo?name="+url.QueryEscape(p))
		if err != nil {
			return fmt.Errorf("rr_fileinfo: %w", err)
		}
		if res.Get("err").Int() != 0 {
			return fmt.Errorf("%s: %w", p, printer.ErrNotFound)
		}
		fi = &printer.FileInfo{
			Name:     path.Base(p),
			Path:     p,
			Size:     res.Get("size").Int(),
			Modified: fileTime(res.Get("lastModified").String()),
		}
		return nil
	})
	if err != nil {
		return nil, printer.Wrap(Name, "file", err)
	}
	return fi, nil
}

func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, localPath, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	name = printer.UploadName(localPath, name)
	remote := devicePath(name)
	err := a.withSession(ctx, t, func(s *session) error {
		f, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("opening %s: %w", localPath, err)
		}
		defer f.Close()

		q := url.Values{}
		q.Set("name", remote)
		q.Set("time", a.now().Format(timeLayout))
		req, err := s.request(ctx, http.MethodPost, "/rr_upload?"+q.Encode(), f)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		res, err := s.do(req)
		if err != nil {
			return fmt.Errorf("rr_upload: %w", err)
		}
		if code := res.Get("err").Int(); code != 0 {
			return fmt.Errorf("rr_upload %s: error %d", remote, code)
		}
		if startAfterUpload {
			return s.gcode(ctx, fmt.Sprintf("M32 %q", remote))
		}
		return nil
	})
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	a.logger.Info("file uploaded", "host", t.Host, "path", remote, "started", startAfterUpload)
	return &printer.UploadResult{Name: name, RemotePath: remote, Started: startAfterUpload}, nil
}

// run sends the given G-code lines in one session.
func (a *Adapter) run(ctx context.Context, t printer.Target, op string, lines ...string) (*printer.CommandResult, error) {
	err := a.withSession(ctx, t, func(s *session) error {
		for _, line := range lines {
			if err := s.gcode(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	return &printer.CommandResult{Command: lines[0]}, nil
}

func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	return a.run(ctx, t, "start", fmt.Sprintf("M32 %q", devicePath(name)))
}

// CancelJob pauses the job and then abandons it; RepRapFirmware only
// cancels a paused print.
func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.run(ctx, t, "cancel", "M25", "M0")
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.run(ctx, t, "pause", "M25")
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.run(ctx, t, "resume", "M24")
}

func (a *Adapter) SetTemperature(ctx context.Context, t printer.Target, component string, value float64) (*printer.CommandResult, error) {
	line, err := printer.TemperatureGCode(component, value)
	if err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}
	return a.run(ctx, t, "set temperature", line)
}

func (a *Adapter) DownloadFile(ctx context.Context, t printer.Target, name string, w io.Writer) (int64, error) {
	var n int64
	err := a.withSession(ctx, t, func(s *session) error {
		req, err := s.request(ctx, http.MethodGet, "/rr_download?name="+url.QueryEscape(devicePath(name)), nil)
		if err != nil {
			return err
		}
		n, err = printer.Stream(a.client, req, w)
		return err
	})
	return n, printer.Wrap(Name, "download", err)
}
