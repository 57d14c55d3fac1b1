package printer

import (
	"fmt"
	"strconv"
	"strings"
)

// Heater identifies a normalized temperature component.
type Heater struct {
	Kind  string // "tool", "bed" or "chamber"
	Index int
}

// Key returns the Status.Temperatures key for h, e.g. "tool0" or "bed".
func (h Heater) Key() string {
	if h.Kind == "tool" {
		return "tool" + strconv.Itoa(h.Index)
	}
	return h.Kind
}

// ParseHeater maps a caller-supplied component name onto a heater.
// Accepted forms: bed, heater_bed, chamber, nozzle, extruder, extruderN, toolN, tN.
func ParseHeater(component string) (Heater, error) {
	c := strings.ToLower(strings.TrimSpace(component))
	switch c {
	case "bed", "heater_bed", "heatbed":
		return Heater{Kind: "bed"}, nil
	case "chamber":
		return Heater{Kind: "chamber"}, nil
	case "nozzle", "extruder", "tool", "hotend":
		return Heater{Kind: "tool"}, nil
	}
	for _, prefix := range []string{"extruder", "tool", "t"} {
		if rest, ok := strings.CutPrefix(c, prefix); ok && rest != "" {
			n, err := strconv.Atoi(rest)
			if err == nil && n >= 0 {
				return Heater{Kind: "tool", Index: n}, nil
			}
		}
	}
	return Heater{}, fmt.Errorf("unknown temperature component %q", component)
}

// TemperatureGCode returns the G-code that sets component to value.
func TemperatureGCode(component string, value float64) (string, error) {
	h, err := ParseHeater(component)
	if err != nil {
		return "", err
	}
	if value < 0 {
		return "", fmt.Errorf("invalid temperature %.1f for %s", value, component)
	}
	v := strconv.FormatFloat(value, 'f', -1, 64)
	switch h.Kind {
	case "bed":
		return "M140 S" + v, nil
	case "chamber":
		return "M141 S" + v, nil
	default:
		return fmt.Sprintf("M104 T%d S%s", h.Index, v), nil
	}
}
