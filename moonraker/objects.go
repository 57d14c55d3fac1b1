package moonraker

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/john/printbridge/printer"
)

// statusObjects are the Klipper printer objects queried for a status.
var statusObjects = []string{
	"webhooks",
	"print_stats",
	"virtual_sdcard",
	"display_status",
	"extruder",
	"extruder1",
	"heater_bed",
	"heater_generic chamber",
}

// heaterObjects maps Klipper heater objects to Status temperature keys.
var heaterObjects = map[string]string{
	"extruder":               "tool0",
	"extruder1":              "tool1",
	"heater_bed":             "bed",
	"heater_generic chamber": "chamber",
}

// decodeObjects maps an objects/query "status" object onto a Status.
func decodeObjects(objects gjson.Result) *printer.Status {
	webhooks := objects.Get("webhooks")
	stats := objects.Get("print_stats")

	st := printer.NewStatus(printStatsState(stats.Get("state").String()))
	switch webhooks.Get("state").String() {
	case "shutdown", "error":
		st.State = printer.StateError
		st.Message = webhooks.Get("state_message").String()
	case "startup":
		st.State = printer.StateOffline
		st.Message = webhooks.Get("state_message").String()
	}
	if msg := stats.Get("message").String(); msg != "" && st.Message == "" {
		st.Message = msg
	}

	for object, key := range heaterObjects {
		heater := objects.Get(object)
		if !heater.Exists() {
			continue
		}
		st.Temperatures[key] = printer.Temperature{
			Actual: heater.Get("temperature").Float(),
			Target: heater.Get("target").Float(),
		}
	}

	if st.State == printer.StatePrinting || st.State == printer.StatePaused {
		progress := objects.Get("virtual_sdcard.progress").Float()
		if p := objects.Get("display_status.progress"); p.Exists() && progress == 0 {
			progress = p.Float()
		}
		job := &printer.Job{
			FileName:      stats.Get("filename").String(),
			Progress:      progress,
			PrintDuration: stats.Get("print_duration").Float(),
		}
		// Linear estimate from file progress, as the Klipper frontends do.
		if progress > 0 && job.PrintDuration > 0 {
			job.TimeRemaining = job.PrintDuration/progress - job.PrintDuration
		}
		st.Job = job
	}

	if raw, ok := objects.Value().(map[string]any); ok {
		st.Raw = raw
	}
	return st
}

func printStatsState(s string) string {
	switch strings.ToLower(s) {
	case "standby", "complete", "cancelled":
		return printer.StateIdle
	case "printing":
		return printer.StatePrinting
	case "paused":
		return printer.StatePaused
	case "error":
		return printer.StateError
	}
	return printer.StateUnknown
}

// heaterName returns the Klipper heater object for a component.
func heaterName(h printer.Heater) string {
	switch h.Kind {
	case "bed":
		return "heater_bed"
	case "chamber":
		return "chamber"
	}
	if h.Index == 0 {
		return "extruder"
	}
	return "extruder" + strings.TrimPrefix(h.Key(), "tool")
}
