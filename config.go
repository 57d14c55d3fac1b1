package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/john/printbridge/bambu"
)

type Config struct {
	HTTP     HTTPConfig      `yaml:"http"`
	Bambu    BambuConfig     `yaml:"bambu"`
	Files    FilesConfig     `yaml:"files"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Log      LogConfig       `yaml:"log"`
	Printers []PrinterConfig `yaml:"printers"`
}

type HTTPConfig struct {
	// Timeout bounds every HTTP request sent to a printer.
	Timeout time.Duration `yaml:"timeout"`
}

type BambuConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval"`
	PublishTimeout     time.Duration `yaml:"publish_timeout"`
	StatusTimeout      time.Duration `yaml:"status_timeout"`
	DisconnectQuiesce  time.Duration `yaml:"disconnect_quiesce"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	// CAFile enables certificate verification against the given PEM bundle,
	// overriding insecure_skip_verify.
	CAFile string `yaml:"ca_file"`
}

type FilesConfig struct {
	// Dir is the local directory fetched files are stored in.
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	// Listen is the address of the prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type PrinterConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Credentials may reference environment variables, e.g. "${BAMBU_CREDS}".
	Credentials string `yaml:"credentials"`
	// PollInterval is how often the watch command polls status in seconds.
	PollInterval int `yaml:"poll_interval"`
}

func DefaultConfig() *Config {
	b := bambu.DefaultConfig()
	return &Config{
		HTTP: HTTPConfig{Timeout: 10 * time.Second},
		Bambu: BambuConfig{
			ConnectTimeout:     b.ConnectTimeout,
			ReconnectInterval:  b.ReconnectInterval,
			PublishTimeout:     b.PublishTimeout,
			StatusTimeout:      b.StatusTimeout,
			DisconnectQuiesce:  b.DisconnectQuiesce,
			InsecureSkipVerify: b.InsecureSkipVerify,
		},
		Files: FilesConfig{Dir: "files"},
		Log:   LogConfig{Level: "info", Format: "text"},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for i := range cfg.Printers {
		cfg.Printers[i].Credentials = os.ExpandEnv(cfg.Printers[i].Credentials)
		if cfg.Printers[i].PollInterval <= 0 {
			cfg.Printers[i].PollInterval = 2
		}
	}

	// Resolve relative file dir against the working directory.
	if !filepath.IsAbs(cfg.Files.Dir) {
		dir, _ := os.Getwd()
		cfg.Files.Dir = filepath.Join(dir, cfg.Files.Dir)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool)
	for i, p := range c.Printers {
		if p.Name == "" {
			return fmt.Errorf("printers[%d]: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("printers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if p.Type == "" || p.Host == "" {
			return fmt.Errorf("printer %q: type and host are required", p.Name)
		}
	}
	return nil
}

// Printer returns the named printer. An empty name selects the only
// configured printer.
func (c *Config) Printer(name string) (*PrinterConfig, error) {
	if name == "" {
		if len(c.Printers) == 1 {
			return &c.Printers[0], nil
		}
		return nil, fmt.Errorf("%d printers configured, select one with -printer", len(c.Printers))
	}
	for i := range c.Printers {
		if strings.EqualFold(c.Printers[i].Name, name) {
			return &c.Printers[i], nil
		}
	}
	return nil, fmt.Errorf("printer %q not configured", name)
}

// BambuAdapterConfig converts the bambu section into adapter settings.
func (c *Config) BambuAdapterConfig() bambu.Config {
	cfg := bambu.DefaultConfig()
	cfg.ConnectTimeout = c.Bambu.ConnectTimeout
	cfg.ReconnectInterval = c.Bambu.ReconnectInterval
	cfg.PublishTimeout = c.Bambu.PublishTimeout
	cfg.StatusTimeout = c.Bambu.StatusTimeout
	cfg.DisconnectQuiesce = c.Bambu.DisconnectQuiesce
	cfg.InsecureSkipVerify = c.Bambu.InsecureSkipVerify
	cfg.CAFile = c.Bambu.CAFile
	return cfg
}
