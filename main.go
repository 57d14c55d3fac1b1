package main

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sourcegraph/conc"

	"github.com/john/printbridge/bambu"
	"github.com/john/printbridge/files"
	"github.com/john/printbridge/metrics"
	"github.com/john/printbridge/printer"
	"github.com/john/printbridge/registry"
)

const usageText = `usage: printbridge [flags] <command> [args]

commands:
  status                      print the normalized printer status
  files                       list files stored on the printer
  file <name>                 show one stored file
  upload [-start] <path> [name]
  start <name>                start printing a stored file
  cancel | pause | resume     control the running job
  temp <component> <value>    set a heater target (bed, tool0, chamber, ...)
  fetch <name>                download a stored file into the local file dir
  watch                       poll status until interrupted
  print-project [-plate n] [-ams 0,1] [-timelapse] [-md5] <path>
                              upload and print a sliced Bambu project
  types                       list supported printer types

flags:
`

func main() {
	configPath := flag.String("config", "printbridge.yaml", "path to configuration file")
	printerName := flag.String("printer", "", "configured printer to operate on")
	timeout := flag.Duration("timeout", 2*time.Minute, "deadline for one-shot commands")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		if flag.Arg(0) != "types" {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = DefaultConfig()
	}

	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, os.Stdout)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	err = a.run(ctx, *printerName, *timeout, flag.Arg(0), flag.Args()[1:])

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	a.close(shutdownCtx)
	cancel()

	if err != nil {
		logger.Error("command failed", "command", flag.Arg(0), "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("unknown log format %q", cfg.Format)
}

// app wires the registry, local file store and metrics endpoint for one
// CLI invocation.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	out     io.Writer
	reg     *registry.Registry
	files   *files.Manager
	metrics *http.Server
}

func newApp(cfg *Config, logger *slog.Logger, out io.Writer) (*app, error) {
	a := &app{cfg: cfg, logger: logger, out: out}

	client := printer.NewHTTPClient(cfg.HTTP.Timeout)
	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithBambuConfig(cfg.BambuAdapterConfig()),
	}
	if cfg.Metrics.Listen != "" {
		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(promReg)
		if err != nil {
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
		client = m.InstrumentClient(client)
		opts = append(opts, registry.WithMetrics(m))
		a.serveMetrics(cfg.Metrics.Listen, promReg)
	}

	reg, err := registry.New(client, nil, opts...)
	if err != nil {
		return nil, err
	}
	a.reg = reg
	return a, nil
}

func (a *app) serveMetrics(addr string, g prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
}

func (a *app) close(ctx context.Context) {
	a.reg.TeardownAll(ctx)
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", "error", err)
		}
	}
}

func (a *app) fileManager() (*files.Manager, error) {
	if a.files == nil {
		fm, err := files.NewManager(a.cfg.Files.Dir)
		if err != nil {
			return nil, err
		}
		a.files = fm
	}
	return a.files, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) run(ctx context.Context, printerName string, timeout time.Duration, cmd string, args []string) error {
	if cmd == "types" {
		for _, t := range a.reg.Types() {
			fmt.Fprintln(a.out, t)
		}
		return nil
	}

	pc, err := a.cfg.Printer(printerName)
	if err != nil {
		return err
	}
	p, err := a.reg.Resolve(pc.Type)
	if err != nil {
		return err
	}
	target := printer.Target{Host: pc.Host, Port: pc.Port, Credentials: pc.Credentials}
	a.logger.Debug("resolved printer", "name", pc.Name, "adapter", p.Name(), "host", pc.Host)

	if cmd == "watch" {
		return a.watch(ctx, p, target, time.Duration(pc.PollInterval)*time.Second)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch cmd {
	case "status":
		st, err := p.GetStatus(ctx, target)
		if err != nil {
			return err
		}
		return a.printJSON(st)

	case "files":
		list, err := p.GetFiles(ctx, target)
		if err != nil {
			return err
		}
		return a.printJSON(list)

	case "file":
		if len(args) != 1 {
			return errors.New("usage: file <name>")
		}
		fi, err := p.GetFile(ctx, target, args[0])
		if err != nil {
			return err
		}
		return a.printJSON(fi)

	case "upload":
		return a.upload(ctx, p, target, args)

	case "start":
		if len(args) != 1 {
			return errors.New("usage: start <name>")
		}
		return a.result(p.StartJob(ctx, target, args[0]))

	case "cancel":
		return a.result(p.CancelJob(ctx, target))

	case "pause", "resume":
		pauser, ok := p.(printer.Pauser)
		if !ok {
			return printer.Unsupported(p.Name(), cmd)
		}
		if cmd == "pause" {
			return a.result(pauser.PauseJob(ctx, target))
		}
		return a.result(pauser.ResumeJob(ctx, target))

	case "temp":
		if len(args) != 2 {
			return errors.New("usage: temp <component> <value>")
		}
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("parsing temperature %q: %w", args[1], err)
		}
		return a.result(p.SetTemperature(ctx, target, args[0], v))

	case "fetch":
		if len(args) != 1 {
			return errors.New("usage: fetch <name>")
		}
		return a.fetch(ctx, p, target, args[0])

	case "print-project":
		return a.printProject(ctx, p, target, args)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func (a *app) result(res *printer.CommandResult, err error) error {
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

func (a *app) upload(ctx context.Context, p printer.Printer, target printer.Target, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	start := fs.Bool("start", false, "start printing after the upload")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("usage: upload [-start] <path> [name]")
	}
	path, name := fs.Arg(0), fs.Arg(1)

	if meta, err := files.ReadMetadata(path); err == nil {
		a.logger.Info("uploading", "file", meta.Name, "size", meta.Size,
			"slicer", meta.Slicer, "estimated_time", meta.EstimatedTime)
	}
	res, err := p.UploadFile(ctx, target, path, name, *start)
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

// fetch streams a stored file from the printer into the local file store.
func (a *app) fetch(ctx context.Context, p printer.Printer, target printer.Target, name string) error {
	d, ok := p.(printer.Downloader)
	if !ok {
		return printer.Unsupported(p.Name(), "download")
	}
	fm, err := a.fileManager()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	var wg conc.WaitGroup
	wg.Go(func() {
		_, err := d.DownloadFile(ctx, target, name, pw)
		pw.CloseWithError(err)
	})
	n, err := fm.SaveFile(printer.UploadName("", name), pr)
	// Unblock the download if saving stopped early.
	pr.CloseWithError(err)
	wg.Wait()
	if err != nil {
		return err
	}

	a.logger.Info("file fetched", "name", name, "bytes", n, "dir", fm.Dir())
	meta, err := fm.GetMetadata(printer.UploadName("", name))
	if err != nil {
		return err
	}
	return a.printJSON(meta)
}

func (a *app) watch(ctx context.Context, p printer.Printer, target printer.Target, interval time.Duration) error {
	enc := json.NewEncoder(a.out)
	poller := printer.NewPoller(p, target, interval, func(st *printer.Status, err error) {
		if err != nil {
			a.logger.Warn("status poll failed", "error", err)
			return
		}
		if err := enc.Encode(st); err != nil {
			a.logger.Warn("writing status", "error", err)
		}
	})
	poller.Start(ctx)
	<-ctx.Done()
	poller.Stop()
	return nil
}

func (a *app) printProject(ctx context.Context, p printer.Printer, target printer.Target, args []string) error {
	b, ok := p.(*bambu.Adapter)
	if !ok {
		return printer.Unsupported(p.Name(), "print project")
	}

	fs := flag.NewFlagSet("print-project", flag.ContinueOnError)
	plate := fs.Int("plate", 1, "plate number inside the project")
	ams := fs.String("ams", "", "comma separated AMS tray per filament slot; empty disables AMS")
	timelapse := fs.Bool("timelapse", false, "record a timelapse")
	withMD5 := fs.Bool("md5", false, "send the project checksum")
	bedType := fs.String("bed-type", "", "bed type override")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: print-project [flags] <path>")
	}
	path := fs.Arg(0)

	opts := bambu.PrintOptions{Plate: *plate, BedType: *bedType, Timelapse: timelapse}
	mapping, err := parseAMS(*ams)
	if err != nil {
		return err
	}
	opts.AMSMapping = mapping
	if *withMD5 {
		sum, err := fileMD5(path)
		if err != nil {
			return err
		}
		opts.MD5 = sum
	}
	return a.result(b.PrintProject(ctx, target, path, opts))
}

func parseAMS(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("parsing AMS mapping %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil))), nil
}
