// Package files stores files fetched from printers in a local directory and
// reads slicer metadata out of G-code comments.
package files

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/john/printbridge/printer"
)

// scanWindow is how much of the head and tail of a file is searched for
// metadata comments.
const scanWindow = 8192

// Manager handles local file storage rooted at one directory.
type Manager struct {
	dir string
}

// NewManager creates a file manager, creating dir if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating file dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving file dir %s: %w", dir, err)
	}
	return &Manager{dir: abs}, nil
}

// Dir returns the absolute storage directory.
func (m *Manager) Dir() string { return m.dir }

// Path resolves a slash-separated name to a path inside the storage
// directory, rejecting names that escape it.
func (m *Manager) Path(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	if name == "" || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	p := filepath.Join(m.dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(m.dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return p, nil
}

// SaveFile writes r to name, replacing any existing file. The data is
// written to a temporary file first so a failed transfer leaves no partial
// file behind.
func (m *Manager) SaveFile(name string, r io.Reader) (int64, error) {
	p, err := m.Path(name)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return 0, fmt.Errorf("creating directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".partial-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return n, fmt.Errorf("renaming %s: %w", name, err)
	}
	return n, nil
}

// Open opens a stored file for reading.
func (m *Manager) Open(name string) (*os.File, error) {
	p, err := m.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, printer.ErrNotFound)
	}
	return f, err
}

// DeleteFile removes a stored file.
func (m *Manager) DeleteFile(name string) error {
	p, err := m.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s: %w", name, printer.ErrNotFound)
		}
		return fmt.Errorf("deleting %s: %w", name, err)
	}
	return nil
}

// ListFiles returns every stored file sorted by path. Paths use forward
// slashes.
func (m *Manager) ListFiles() ([]printer.FileInfo, error) {
	var result []printer.FileInfo
	err := filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".partial-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(m.dir, path)
		result = append(result, printer.FileInfo{
			Name:     d.Name(),
			Path:     filepath.ToSlash(rel),
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", m.dir, err)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

// Metadata is what slicers leave in G-code comments. Zero values mean the
// field was not found.
type Metadata struct {
	Name             string    `json:"name"`
	Size             int64     `json:"size"`
	Modified         time.Time `json:"modified"`
	Slicer           string    `json:"slicer,omitempty"`
	SlicerVersion    string    `json:"slicer_version,omitempty"`
	EstimatedTime    float64   `json:"estimated_time,omitempty"` // seconds
	FilamentTotal    float64   `json:"filament_total,omitempty"` // mm
	LayerHeight      float64   `json:"layer_height,omitempty"`
	FirstLayerHeight float64   `json:"first_layer_height,omitempty"`
	ObjectHeight     float64   `json:"object_height,omitempty"`
}

// GetMetadata returns metadata for a stored file.
func (m *Manager) GetMetadata(name string) (*Metadata, error) {
	p, err := m.Path(name)
	if err != nil {
		return nil, err
	}
	meta, err := ReadMetadata(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", name, printer.ErrNotFound)
	}
	return meta, err
}

// ReadMetadata reads metadata for any local file. Comments are only
// scanned for G-code files.
func ReadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	meta := &Metadata{Name: filepath.Base(path), Size: info.Size(), Modified: info.ModTime()}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gcode", ".g", ".gco":
	default:
		return meta, nil
	}

	region, err := scanRegion(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	extractGCodeMeta(region, meta)
	return meta, nil
}

// scanRegion returns the head and tail of the file, or all of it when it
// is small.
func scanRegion(f io.ReaderAt, size int64) ([]byte, error) {
	if size <= 2*scanWindow {
		buf := make([]byte, size)
		_, err := f.ReadAt(buf, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		return buf, nil
	}
	head := make([]byte, scanWindow)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, err
	}
	tail := make([]byte, scanWindow)
	if _, err := f.ReadAt(tail, size-scanWindow); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return append(append(head, '\n'), tail...), nil
}

func extractGCodeMeta(data []byte, meta *Metadata) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, ";") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, ";"))
		if len(line) > 13 && strings.EqualFold(line[:13], "generated by ") {
			meta.Slicer, meta.SlicerVersion = splitSlicer(line[13:])
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			// Cura writes ";TIME:1234".
			key, val, ok = strings.Cut(line, ":")
			if !ok {
				continue
			}
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "generated by", "slicer":
			meta.Slicer, meta.SlicerVersion = splitSlicer(val)
		case "slicer_version", "slicer version":
			meta.SlicerVersion = val
		case "estimated printing time (normal mode)", "estimated_time", "model printing time":
			meta.EstimatedTime = parseDuration(val)
		case "time":
			meta.EstimatedTime, _ = strconv.ParseFloat(val, 64)
		case "filament used [mm]", "filament_total":
			meta.FilamentTotal = parseFloat(val)
		case "first_layer_height", "initial_layer_print_height":
			meta.FirstLayerHeight = parseFloat(val)
		case "layer_height":
			meta.LayerHeight = parseFloat(val)
		case "max_print_height", "object_height", "max_z_height":
			meta.ObjectHeight = parseFloat(val)
		}
	}
}

// splitSlicer splits "PrusaSlicer 2.7.1 on 2024-01-01" into name and
// version.
func splitSlicer(s string) (string, string) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	}
	return fields[0], fields[1]
}

// parseFloat reads the first number of a value such as "123.4" or
// "123.4, 56.7".
func parseFloat(s string) float64 {
	s, _, _ = strings.Cut(s, ",")
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

// parseDuration parses a human-readable duration like "1d 2h 30m 15s" to
// seconds.
func parseDuration(s string) float64 {
	s = strings.ReplaceAll(s, " ", "")
	var days float64
	if d, rest, ok := strings.Cut(s, "d"); ok {
		n, err := strconv.ParseFloat(d, 64)
		if err != nil {
			return 0
		}
		days, s = n, rest
	}
	total := days * 24 * 3600
	if s == "" {
		return total
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return total + d.Seconds()
}
