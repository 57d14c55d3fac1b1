package bambu

import (
	"path"
	"strconv"
	"strings"
)

const (
	remoteDir = "gcodes"
	// Devices resolve print URLs against the SD card mount.
	sdcardURL = "file:///sdcard/"
)

// RemotePath returns the device path for an uploaded file: the base name of
// name placed under gcodes/, with forward slashes regardless of caller OS.
func RemotePath(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	return remoteDir + "/" + path.Base(name)
}

// PrintOptions are the caller overrides for a project print. Nil flags keep
// the protocol defaults.
type PrintOptions struct {
	// Plate selects Metadata/plate_<n>.gcode inside the project; 0 means 1.
	Plate int
	// ProjectName is shown on the device; defaults to the file name without extension.
	ProjectName string
	// AMSMapping maps project filament slots to AMS trays. Empty disables AMS.
	AMSMapping []int
	// MD5 is the checksum of the project file, omitted when empty.
	MD5 string
	// BedType defaults to "auto".
	BedType string

	UseAMS        *bool
	Timelapse     *bool
	BedLevelling  *bool
	FlowCali      *bool
	VibrationCali *bool
	LayerInspect  *bool
}

// printCommand is the body of the "print" command family.
type printCommand struct {
	SequenceID    string `json:"sequence_id"`
	Command       string `json:"command"`
	Param         string `json:"param"`
	URL           string `json:"url,omitempty"`
	File          string `json:"file,omitempty"`
	SubtaskName   string `json:"subtask_name,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	ProfileID     string `json:"profile_id,omitempty"`
	TaskID        string `json:"task_id,omitempty"`
	SubtaskID     string `json:"subtask_id,omitempty"`
	MD5           string `json:"md5,omitempty"`
	BedType       string `json:"bed_type,omitempty"`
	Timelapse     *bool  `json:"timelapse,omitempty"`
	BedLevelling  *bool  `json:"bed_levelling,omitempty"`
	FlowCali      *bool  `json:"flow_cali,omitempty"`
	VibrationCali *bool  `json:"vibration_cali,omitempty"`
	LayerInspect  *bool  `json:"layer_inspect,omitempty"`
	UseAMS        *bool  `json:"use_ams,omitempty"`
	AMSMapping    []int  `json:"ams_mapping,omitempty"`
}

// envelope wraps a command in its family key, e.g. {"print": {...}}.
type envelope struct {
	Print   *printCommand   `json:"print,omitempty"`
	Pushing *pushingCommand `json:"pushing,omitempty"`
}

type pushingCommand struct {
	SequenceID string `json:"sequence_id"`
	Command    string `json:"command"`
}

func boolOr(v *bool, def bool) *bool {
	if v != nil {
		def = *v
	}
	return &def
}

// projectCommand builds the project_file payload for a file already stored
// at remote (see RemotePath).
func projectCommand(seq, remote string, opts PrintOptions) *printCommand {
	file := path.Base(remote)
	plate := opts.Plate
	if plate <= 0 {
		plate = 1
	}
	name := opts.ProjectName
	if name == "" {
		name = strings.TrimSuffix(file, path.Ext(file))
		name = strings.TrimSuffix(name, ".gcode")
	}
	bedType := opts.BedType
	if bedType == "" {
		bedType = "auto"
	}

	cmd := &printCommand{
		SequenceID:    seq,
		Command:       "project_file",
		Param:         "Metadata/plate_" + strconv.Itoa(plate) + ".gcode",
		URL:           sdcardURL + remote,
		File:          file,
		SubtaskName:   name,
		ProjectID:     "0",
		ProfileID:     "0",
		TaskID:        "0",
		SubtaskID:     "0",
		MD5:           opts.MD5,
		BedType:       bedType,
		Timelapse:     boolOr(opts.Timelapse, false),
		BedLevelling:  boolOr(opts.BedLevelling, true),
		FlowCali:      boolOr(opts.FlowCali, true),
		VibrationCali: boolOr(opts.VibrationCali, true),
		LayerInspect:  boolOr(opts.LayerInspect, true),
		UseAMS:        boolOr(opts.UseAMS, true),
	}
	if len(opts.AMSMapping) == 0 {
		// An enabled AMS flag without a mapping is rejected by the firmware.
		cmd.UseAMS = boolOr(nil, false)
	} else {
		cmd.AMSMapping = append([]int(nil), opts.AMSMapping...)
	}
	return cmd
}

// gcodeCommand starts a plain G-code file stored at remote.
func gcodeCommand(seq, remote string) *printCommand {
	return &printCommand{
		SequenceID: seq,
		Command:    "gcode_file",
		Param:      "/sdcard/" + remote,
	}
}

func simpleCommand(seq, command string) *printCommand {
	return &printCommand{SequenceID: seq, Command: command, Param: ""}
}
