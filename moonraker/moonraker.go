// Package moonraker drives Klipper printers through the Moonraker API.
package moonraker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "klipper"

const (
	defaultPort = 7125
	gcodeRoot   = "gcodes"
)

// Adapter implements printer.Printer for Moonraker.
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
	// Credentials are optional; trusted clients need no key.
	return printer.NewRequest(ctx, method, "http://"+t.Addr(defaultPort)+path, body, map[string]string{
		"X-Api-Key":    t.Credentials,
		"Content-Type": contentType,
	})
}

// call issues a request and returns the "result" member of the response.
func (a *Adapter) call(ctx context.Context, t printer.Target, method, path string) (gjson.Result, error) {
	req, err := a.request(ctx, t, method, path, nil, "")
	if err != nil {
		return gjson.Result{}, err
	}
	body, err := printer.Do(a.client, req)
	if err != nil {
		return gjson.Result{}, err
	}
	return result(body, path)
}

func result(body []byte, path string) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("decoding %s response: invalid JSON", path)
	}
	doc := gjson.ParseBytes(body)
	if r := doc.Get("result"); r.Exists() {
		return r, nil
	}
	return doc, nil
}

func objectsQuery() string {
	keys := make([]string, len(statusObjects))
	for i, o := range statusObjects {
		keys[i] = url.QueryEscape(o)
	}
	return "/printer/objects/query?" + strings.Join(keys, "&")
}

func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	res, err := a.call(ctx, t, http.MethodGet, objectsQuery())
	if err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}
	return decodeObjects(res.Get("status")), nil
}

func fileInfo(f gjson.Result) printer.FileInfo {
	name := f.Get("path").String()
	if name == "" {
		name = f.Get("filename").String()
	}
	fi := printer.FileInfo{
		Name: name[strings.LastIndex(name, "/")+1:],
		Path: name,
		Size: f.Get("size").Int(),
	}
	if m := f.Get("modified").Float(); m > 0 {
		sec := int64(m)
		fi.Modified = time.Unix(sec, int64((m-float64(sec))*1e9))
	}
	return fi
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	res, err := a.call(ctx, t, http.MethodGet, "/server/files/list?root="+gcodeRoot)
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	var files []printer.FileInfo
	res.ForEach(func(_, f gjson.Result) bool {
		files = append(files, fileInfo(f))
		return true
	})
	return files, nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	res, err := a.call(ctx, t, http.MethodGet, "/server/files/metadata?filename="+url.QueryEscape(name))
	if err != nil {
		return nil, printer.Wrap(Name, "file", err)
	}
	fi := fileInfo(res)
	return &fi, nil
}

func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, path, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	name = printer.UploadName(path, name)
	body, contentType, err := printer.MultipartFile(path, "file", name, map[string]string{
		"root":  gcodeRoot,
		"print": strconv.FormatBool(startAfterUpload),
	})
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	req, err := a.request(ctx, t, http.MethodPost, "/server/files/upload", body, contentType)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	resp, err := printer.Do(a.client, req)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	res, err := result(resp, req.URL.Path)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	remote := res.Get("item.path").String()
	if remote == "" {
		remote = name
	}
	started := startAfterUpload
	if ps := res.Get("print_started"); ps.Exists() {
		started = ps.Bool()
	}
	a.logger.Info("file uploaded", "host", t.Host, "path", remote, "started", started)
	return &printer.UploadResult{Name: name, RemotePath: remote, Started: started}, nil
}

func (a *Adapter) post(ctx context.Context, t printer.Target, op, path string) (*printer.CommandResult, error) {
	if _, err := a.call(ctx, t, http.MethodPost, path); err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	return &printer.CommandResult{Command: op}, nil
}

func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	res, err := a.post(ctx, t, "start", "/printer/print/start?filename="+url.QueryEscape(name))
	if err != nil {
		return nil, err
	}
	res.Message = "printing " + name
	return res, nil
}

func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.post(ctx, t, "cancel", "/printer/print/cancel")
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.post(ctx, t, "pause", "/printer/print/pause")
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.post(ctx, t, "resume", "/printer/print/resume")
}

// SetTemperature runs SET_HEATER_TEMPERATURE for the matching heater.
func (a *Adapter) SetTemperature(ctx context.Context, t printer.Target, component string, value float64) (*printer.CommandResult, error) {
	h, err := printer.ParseHeater(component)
	if err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}
	if value < 0 {
		return nil, printer.Wrap(Name, "set temperature", fmt.Errorf("invalid temperature %.1f for %s", value, component))
	}
	script := fmt.Sprintf("SET_HEATER_TEMPERATURE HEATER=%s TARGET=%s",
		heaterName(h), strconv.FormatFloat(value, 'f', -1, 64))
	if _, err := a.call(ctx, t, http.MethodPost, "/printer/gcode/script?script="+url.QueryEscape(script)); err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}
	return &printer.CommandResult{Command: script}, nil
}

func (a *Adapter) DownloadFile(ctx context.Context, t printer.Target, name string, w io.Writer) (int64, error) {
	req, err := a.request(ctx, t, http.MethodGet, "/server/files/"+gcodeRoot+"/"+printer.EscapePath(name), nil, "")
	if err != nil {
		return 0, printer.Wrap(Name, "download", err)
	}
	n, err := printer.Stream(a.client, req, w)
	return n, printer.Wrap(Name, "download", err)
}
