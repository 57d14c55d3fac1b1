package printer

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// Normalized printer states.
const (
	StateIdle     = "idle"
	StatePrinting = "printing"
	StatePaused   = "paused"
	StateError    = "error"
	StateOffline  = "offline"
	StateUnknown  = "unknown"
)

// Temperature is a heater reading in degrees Celsius.
type Temperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

// Job describes the active print, if any.
type Job struct {
	FileName string  `json:"file_name"`
	Progress float64 `json:"progress"` // 0.0 - 1.0
	// Durations in seconds. Zero means unknown.
	PrintDuration float64 `json:"print_duration"`
	TimeRemaining float64 `json:"time_remaining"`
}

// Status is the best-effort normalized view of a printer. Vendors expose
// different telemetry; Raw keeps the decoded vendor payload.
type Status struct {
	State        string                 `json:"state"`
	Message      string                 `json:"message,omitempty"`
	Temperatures map[string]Temperature `json:"temperatures"`
	Job          *Job                   `json:"job,omitempty"`
	Raw          map[string]any         `json:"raw,omitempty"`
}

// NewStatus returns a status with an initialized temperature map.
func NewStatus(state string) *Status {
	return &Status{State: state, Temperatures: make(map[string]Temperature)}
}

// FileInfo describes a file stored on a device.
type FileInfo struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified,omitempty"`
}

// UploadResult reports where an uploaded file landed.
type UploadResult struct {
	Name       string `json:"name"`
	RemotePath string `json:"remote_path"`
	Started    bool   `json:"started"`
}

// CommandResult is returned by job and heater commands.
type CommandResult struct {
	Command string `json:"command"`
	Message string `json:"message,omitempty"`
}

// StatusCallback receives the result of each poll.
type StatusCallback func(status *Status, err error)

// Poller periodically queries a printer's status.
type Poller struct {
	printer  Printer
	target   Target
	interval time.Duration
	callback StatusCallback
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a new poller.
func NewPoller(p Printer, t Target, interval time.Duration, cb StatusCallback) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Poller{
		printer:  p,
		target:   t,
		interval: interval,
		callback: cb,
		logger:   slog.Default(),
	}
}

// Start begins polling in a goroutine. It is a no-op if already running.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
}

// Stop halts the polling loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial poll
	p.poll(ctx)

	for {
		select {
		case <-ticker.C:
			p.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	status, err := p.printer.GetStatus(ctx, p.target)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.logger.Debug("status poll failed", "adapter", p.printer.Name(), "host", p.target.Host, "error", err)
	}
	if p.callback != nil {
		p.callback(status, err)
	}
}

// FloatFromMap tries multiple keys and returns the first numeric value found.
func FloatFromMap(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch val := v.(type) {
			case float64:
				return val
			case float32:
				return float64(val)
			case int:
				return float64(val)
			case int64:
				return float64(val)
			case string:
				if f, err := strconv.ParseFloat(val, 64); err == nil {
					return f
				}
			}
		}
	}
	return 0
}

// StringFromMap returns the first non-empty string value among keys.
func StringFromMap(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
