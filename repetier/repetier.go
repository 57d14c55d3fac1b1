// Package repetier drives printers attached to a Repetier-Server.
package repetier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/john/printbridge/printer"
)

// Name is the registry type token.
const Name = "repetier"

const defaultPort = 3344

// Adapter implements printer.Printer for Repetier-Server.
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

// parseCredentials splits "<slug>:<apikey>"; a bare key leaves the slug
// to be discovered.
func parseCredentials(blob string) (slug, apiKey string) {
	if i := strings.LastIndex(blob, ":"); i >= 0 {
		return blob[:i], blob[i+1:]
	}
	return "", blob
}

type printerEntry struct {
	Name   string  `json:"name"`
	Slug   string  `json:"slug"`
	Online int     `json:"online"`
	Active bool    `json:"active"`
	Job    string  `json:"job"`
	Done   float64 `json:"done"`
	Paused bool    `json:"paused"`
	// Seconds.
	PrintTime  float64 `json:"printTime"`
	PrintStart float64 `json:"printStart"`
}

type model struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Length  int64  `json:"length"`
	Created int64  `json:"created"` // milliseconds
}

// client binds a target to its slug and key.
type client struct {
	a      *Adapter
	base   string
	slug   string
	apiKey string
}

func (a *Adapter) resolve(ctx context.Context, t printer.Target) (*client, error) {
	slug, key := parseCredentials(t.Credentials)
	c := &client{a: a, base: "http://" + t.Addr(defaultPort), slug: slug, apiKey: key}
	if c.slug != "" {
		return c, nil
	}
	printers, err := c.printers(ctx)
	if err != nil {
		return nil, err
	}
	if len(printers) == 0 {
		return nil, fmt.Errorf("no printers configured on %s: %w", t.Host, printer.ErrNotFound)
	}
	c.slug = printers[0].Slug
	return c, nil
}

func (c *client) url(prefix, action string, data any) (string, error) {
	q := url.Values{}
	q.Set("a", action)
	q.Set("apikey", c.apiKey)
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return "", fmt.Errorf("encoding %s data: %w", action, err)
		}
		q.Set("data", string(raw))
	}
	return c.base + prefix + url.PathEscape(c.slug) + "?" + q.Encode(), nil
}

// call runs an API action and decodes the response into out.
func (c *client) call(ctx context.Context, action string, data, out any) error {
	u, err := c.url("/printer/api/", action, data)
	if err != nil {
		return err
	}
	req, err := printer.NewRequest(ctx, http.MethodGet, u, nil, nil)
	if err != nil {
		return err
	}
	body, err := printer.Do(c.a.client, req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return decode(action, body, out)
}

// decode reports {"error": "..."} bodies, which the server sends with 200.
func decode(action string, body []byte, out any) error {
	var failure struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &failure) == nil && failure.Error != "" {
		if strings.Contains(strings.ToLower(failure.Error), "authorization") {
			return fmt.Errorf("%s: %w: %s", action, printer.ErrAuth, failure.Error)
		}
		return fmt.Errorf("%s: %s", action, failure.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", action, err)
	}
	return nil
}

func (c *client) printers(ctx context.Context) ([]printerEntry, error) {
	var out []printerEntry
	if err := c.call(ctx, "listPrinter", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) models(ctx context.Context) ([]model, error) {
	var out struct {
		Data []model `json:"data"`
	}
	if err := c.call(ctx, "listModels", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *client) find(ctx context.Context, name string) (model, error) {
	models, err := c.models(ctx)
	if err != nil {
		return model{}, err
	}
	want := printer.UploadName("", name)
	for _, m := range models {
		if m.Name == want || m.Name+".gcode" == want || modelName(want) == m.Name {
			return m, nil
		}
	}
	return model{}, fmt.Errorf("model %s: %w", name, printer.ErrNotFound)
}

// modelName strips the extension the server drops from stored models.
func modelName(file string) string {
	if i := strings.LastIndex(file, "."); i > 0 {
		return file[:i]
	}
	return file
}

func (m model) info(slug string) printer.FileInfo {
	fi := printer.FileInfo{Name: m.Name, Path: slug + "/" + m.Name, Size: m.Length}
	if m.Created > 0 {
		fi.Modified = time.UnixMilli(m.Created)
	}
	return fi
}

type heater struct {
	TempRead float64 `json:"tempRead"`
	TempSet  float64 `json:"tempSet"`
}

type printerState struct {
	Extruder       []heater `json:"extruder"`
	HeatedBeds     []heater `json:"heatedBeds"`
	HeatedChambers []heater `json:"heatedChambers"`
}

func (a *Adapter) GetStatus(ctx context.Context, t printer.Target) (*printer.Status, error) {
	c, err := a.resolve(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}
	printers, err := c.printers(ctx)
	if err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}
	var entry *printerEntry
	for i := range printers {
		if printers[i].Slug == c.slug {
			entry = &printers[i]
		}
	}
	if entry == nil {
		return nil, printer.Wrap(Name, "status", fmt.Errorf("printer %s: %w", c.slug, printer.ErrNotFound))
	}
	if entry.Online == 0 {
		return printer.NewStatus(printer.StateOffline), nil
	}

	var states map[string]printerState
	if err := c.call(ctx, "stateList", nil, &states); err != nil {
		return nil, printer.Wrap(Name, "status", err)
	}

	st := printer.NewStatus(printer.StateIdle)
	switch {
	case entry.Paused:
		st.State = printer.StatePaused
	case entry.Job != "" && entry.Job != "none":
		st.State = printer.StatePrinting
	}
	state := states[c.slug]
	for i, h := range state.Extruder {
		st.Temperatures[fmt.Sprintf("tool%d", i)] = printer.Temperature{Actual: h.TempRead, Target: h.TempSet}
	}
	if len(state.HeatedBeds) > 0 {
		st.Temperatures["bed"] = printer.Temperature{Actual: state.HeatedBeds[0].TempRead, Target: state.HeatedBeds[0].TempSet}
	}
	if len(state.HeatedChambers) > 0 {
		st.Temperatures["chamber"] = printer.Temperature{Actual: state.HeatedChambers[0].TempRead, Target: state.HeatedChambers[0].TempSet}
	}
	if st.State != printer.StateIdle {
		job := &printer.Job{
			FileName:      entry.Job,
			Progress:      entry.Done / 100.0,
			PrintDuration: entry.PrintTime,
		}
		if job.Progress > 0 && job.Progress < 1 && entry.PrintTime > 0 {
			job.TimeRemaining = entry.PrintTime/job.Progress - entry.PrintTime
		}
		st.Job = job
	}
	return st, nil
}

func (a *Adapter) GetFiles(ctx context.Context, t printer.Target) ([]printer.FileInfo, error) {
	c, err := a.resolve(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	models, err := c.models(ctx)
	if err != nil {
		return nil, printer.Wrap(Name, "files", err)
	}
	files := make([]printer.FileInfo, 0, len(models))
	for _, m := range models {
		files = append(files, m.info(c.slug))
	}
	return files, nil
}

func (a *Adapter) GetFile(ctx context.Context, t printer.Target, name string) (*printer.FileInfo, error) {
	c, err := a.resolve(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, "file", err)
	}
	m, err := c.find(ctx, name)
	if err != nil {
		return nil, printer.Wrap(Name, "file", err)
	}
	fi := m.info(c.slug)
	return &fi, nil
}

// UploadFile stores the file as a model, or hands it to the job queue when
// startAfterUpload is set.
func (a *Adapter) UploadFile(ctx context.Context, t printer.Target, path, name string, startAfterUpload bool) (*printer.UploadResult, error) {
	c, err := a.resolve(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	name = printer.UploadName(path, name)
	body, contentType, err := printer.MultipartFile(path, "filename", name, map[string]string{"name": modelName(name)})
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}

	prefix := "/printer/model/"
	if startAfterUpload {
		prefix = "/printer/job/"
	}
	u, err := c.url(prefix, "upload", nil)
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	req, err := printer.NewRequest(ctx, http.MethodPost, u, body, map[string]string{"Content-Type": contentType})
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	resp, err := printer.Do(a.client, req)
	if err == nil {
		err = decode("upload", resp, nil)
	}
	if err != nil {
		return nil, printer.Wrap(Name, "upload", err)
	}
	a.logger.Info("file uploaded", "host", t.Host, "slug", c.slug, "name", name, "started", startAfterUpload)
	return &printer.UploadResult{Name: name, RemotePath: c.slug + "/" + modelName(name), Started: startAfterUpload}, nil
}

func (a *Adapter) action(ctx context.Context, t printer.Target, op, action string, data any) (*printer.CommandResult, error) {
	c, err := a.resolve(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	if err := c.call(ctx, action, data, nil); err != nil {
		return nil, printer.Wrap(Name, op, err)
	}
	return &printer.CommandResult{Command: action}, nil
}

// StartJob copies a stored model into the job queue.
func (a *Adapter) StartJob(ctx context.Context, t printer.Target, name string) (*printer.CommandResult, error) {
	c, err := a.resolve(ctx, t)
	if err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	m, err := c.find(ctx, name)
	if err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	if err := c.call(ctx, "copyModel", map[string]any{"id": m.ID}, nil); err != nil {
		return nil, printer.Wrap(Name, "start", err)
	}
	return &printer.CommandResult{Command: "copyModel", Message: "printing " + m.Name}, nil
}

func (a *Adapter) CancelJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.action(ctx, t, "cancel", "stopJob", map[string]any{})
}

func (a *Adapter) PauseJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.action(ctx, t, "pause", "send", map[string]any{"cmd": "@pause"})
}

func (a *Adapter) ResumeJob(ctx context.Context, t printer.Target) (*printer.CommandResult, error) {
	return a.action(ctx, t, "resume", "continueJob", map[string]any{})
}

func (a *Adapter) SetTemperature(ctx context.Context, t printer.Target, component string, value float64) (*printer.CommandResult, error) {
	h, err := printer.ParseHeater(component)
	if err != nil {
		return nil, printer.Wrap(Name, "set temperature", err)
	}
	if value < 0 {
		return nil, printer.Wrap(Name, "set temperature", fmt.Errorf("invalid temperature %.1f for %s", value, component))
	}
	switch h.Kind {
	case "bed":
		return a.action(ctx, t, "set temperature", "setBedTemperature", map[string]any{"temperature": value, "bedId": 0})
	case "chamber":
		return a.action(ctx, t, "set temperature", "setChamberTemperature", map[string]any{"temperature": value, "chamberId": 0})
	}
	return a.action(ctx, t, "set temperature", "setExtruderTemperature", map[string]any{"temperature": value, "extruder": h.Index})
}
