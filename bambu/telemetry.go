package bambu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/john/printbridge/printer"
)

// report is the merged "print" section received for one device.
type report struct {
	fields  map[string]any
	updated time.Time
	// changed is closed and replaced on every update.
	changed chan struct{}
}

// telemetry caches the latest report per connection key. Devices send a
// full "pushall" snapshot on request and partial deltas otherwise, so
// updates are merged field by field.
type telemetry struct {
	mu      sync.Mutex
	reports map[connKey]*report
	now     func() time.Time
}

func newTelemetry() *telemetry {
	return &telemetry{
		reports: make(map[connKey]*report),
		now:     time.Now,
	}
}

func (t *telemetry) entry(key connKey) *report {
	r, ok := t.reports[key]
	if !ok {
		r = &report{fields: make(map[string]any), changed: make(chan struct{})}
		t.reports[key] = r
	}
	return r
}

// ingest merges one report-topic payload. Messages without a "print"
// object (info, system, ...) are accepted and ignored.
func (t *telemetry) ingest(key connKey, payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return errors.New("invalid JSON")
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return fmt.Errorf("expected JSON object, got %s", doc.Type)
	}
	section := doc.Get("print")
	if !section.Exists() {
		return nil
	}
	if !section.IsObject() {
		return fmt.Errorf("print section is %s, not an object", section.Type)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.entry(key)
	section.ForEach(func(k, v gjson.Result) bool {
		r.fields[k.String()] = v.Value()
		return true
	})
	r.updated = t.now()
	close(r.changed)
	r.changed = make(chan struct{})
	return nil
}

// snapshot returns a copy of the merged fields and their update time.
func (t *telemetry) snapshot(key connKey) (map[string]any, time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.reports[key]
	if !ok || r.updated.IsZero() {
		return nil, time.Time{}, false
	}
	out := make(map[string]any, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out, r.updated, true
}

// waitNewer blocks until a report newer than since arrives for key.
func (t *telemetry) waitNewer(ctx context.Context, key connKey, since time.Time) error {
	for {
		t.mu.Lock()
		r := t.entry(key)
		if r.updated.After(since) {
			t.mu.Unlock()
			return nil
		}
		changed := r.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *telemetry) forget(key connKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reports, key)
}

// decodeStatus maps merged report fields onto the normalized status.
func decodeStatus(fields map[string]any) *printer.Status {
	st := printer.NewStatus(gcodeState(printer.StringFromMap(fields, "gcode_state")))
	st.Raw = fields

	if _, ok := fields["nozzle_temper"]; ok {
		st.Temperatures["tool0"] = printer.Temperature{
			Actual: printer.FloatFromMap(fields, "nozzle_temper"),
			Target: printer.FloatFromMap(fields, "nozzle_target_temper"),
		}
	}
	if _, ok := fields["bed_temper"]; ok {
		st.Temperatures["bed"] = printer.Temperature{
			Actual: printer.FloatFromMap(fields, "bed_temper"),
			Target: printer.FloatFromMap(fields, "bed_target_temper"),
		}
	}
	if _, ok := fields["chamber_temper"]; ok {
		st.Temperatures["chamber"] = printer.Temperature{
			Actual: printer.FloatFromMap(fields, "chamber_temper"),
		}
	}

	if st.State == printer.StatePrinting || st.State == printer.StatePaused {
		st.Job = &printer.Job{
			FileName: printer.StringFromMap(fields, "subtask_name", "gcode_file"),
			Progress: printer.FloatFromMap(fields, "mc_percent") / 100.0,
			// Reported in minutes.
			TimeRemaining: printer.FloatFromMap(fields, "mc_remaining_time") * 60,
		}
	}
	if code := printer.FloatFromMap(fields, "print_error"); code != 0 {
		st.Message = fmt.Sprintf("print error %d", int64(code))
	}
	return st
}

func gcodeState(s string) string {
	switch s {
	case "IDLE", "FINISH":
		return printer.StateIdle
	case "PREPARE", "RUNNING", "SLICING":
		return printer.StatePrinting
	case "PAUSE":
		return printer.StatePaused
	case "FAILED":
		return printer.StateError
	}
	return printer.StateUnknown
}
