// Package registry resolves printer type tokens to adapters and tears down
// adapters holding persistent connections.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/john/printbridge/bambu"
	"github.com/john/printbridge/creality"
	"github.com/john/printbridge/duet"
	"github.com/john/printbridge/metrics"
	"github.com/john/printbridge/moonraker"
	"github.com/john/printbridge/octoprint"
	"github.com/john/printbridge/printer"
	"github.com/john/printbridge/prusa"
	"github.com/john/printbridge/repetier"
)

// Registry maps type tokens to adapter instances. Adapters are built once
// and live as long as the registry.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	adapters map[string]printer.Printer
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	bambu   bambu.Config
	metrics *metrics.Metrics
}

// WithLogger sets the logger handed to the registry and every adapter.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBambuConfig sets the MQTT and FTPS transport settings.
func WithBambuConfig(cfg bambu.Config) Option {
	return func(o *options) { o.bambu = cfg }
}

// WithMetrics records adapter transport activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds every adapter. client is shared by the HTTP adapters; store
// produces Bambu file sessions and may be nil to use FTPS.
func New(client *http.Client, store bambu.FileStore, opts ...Option) (*Registry, error) {
	o := options{logger: slog.Default(), bambu: bambu.DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if client == nil {
		client = printer.NewHTTPClient(printer.DefaultHTTPTimeout)
	}

	bambuOpts := []bambu.Option{bambu.WithLogger(o.logger)}
	if o.metrics != nil {
		bambuOpts = append(bambuOpts, bambu.WithMetrics(o.metrics))
	}
	b, err := bambu.New(store, o.bambu, bambuOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating bambu adapter: %w", err)
	}

	r := &Registry{
		logger:   o.logger.With("component", "registry"),
		adapters: make(map[string]printer.Printer),
	}
	for _, p := range []printer.Printer{
		octoprint.New(client, octoprint.WithLogger(o.logger)),
		moonraker.New(client, moonraker.WithLogger(o.logger)),
		duet.New(client, duet.WithLogger(o.logger)),
		repetier.New(client, repetier.WithLogger(o.logger)),
		prusa.New(client, prusa.WithLogger(o.logger)),
		creality.New(client, creality.WithLogger(o.logger)),
		b,
	} {
		r.Register(p)
	}
	return r, nil
}

// Register adds p under its lower-cased name, replacing any adapter
// already registered under that name.
func (r *Registry) Register(p printer.Printer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(p.Name())] = p
}

// Resolve returns the adapter for typ in any letter casing. Surrounding
// whitespace is not trimmed.
func (r *Registry) Resolve(typ string) (printer.Printer, error) {
	r.mu.RLock()
	p, ok := r.adapters[strings.ToLower(typ)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("printer type %q: %w", typ, printer.ErrUnsupportedType)
	}
	return p, nil
}

// Types returns the supported type tokens in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		types = append(types, k)
	}
	sort.Strings(types)
	return types
}

// TeardownAll disconnects every adapter holding persistent connections.
// Each teardown runs independently; failures and panics are logged and
// never stop the others.
func (r *Registry) TeardownAll(ctx context.Context) {
	r.mu.RLock()
	var targets []printer.Disconnecter
	var names []string
	for name, p := range r.adapters {
		if d, ok := p.(printer.Disconnecter); ok {
			targets = append(targets, d)
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	var wg conc.WaitGroup
	for i, d := range targets {
		name := names[i]
		wg.Go(func() {
			var pc panics.Catcher
			pc.Try(func() {
				if err := d.DisconnectAll(ctx); err != nil {
					r.logger.Error("teardown failed", "adapter", name, "error", err)
					return
				}
				r.logger.Info("adapter torn down", "adapter", name)
			})
			if rec := pc.Recovered(); rec != nil {
				r.logger.Error("teardown panicked", "adapter", name, "error", rec.AsError())
			}
		})
	}
	wg.Wait()
}
