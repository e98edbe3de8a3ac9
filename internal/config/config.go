package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/errors"
	"gopkg.in/yaml.v3"
)

const (
	LauncherExec   = "exec"
	LauncherDocker = "docker"
)

type Config struct {
	Worker    Worker    `yaml:"worker" toml:"worker"`
	Labels    []Label   `yaml:"labels" toml:"labels"`
	Results   Results   `yaml:"results" toml:"results"`
	Report    Report    `yaml:"report" toml:"report"`
	Telemetry Telemetry `yaml:"telemetry" toml:"telemetry"`
}

type Worker struct {
	Path           string            `yaml:"path" toml:"path"`
	Args           []string          `yaml:"args" toml:"args"`
	Env            map[string]string `yaml:"env" toml:"env"`
	EnvFile        string            `yaml:"env_file" toml:"env_file"`
	Dir            string            `yaml:"dir" toml:"dir"`
	Launcher       string            `yaml:"launcher" toml:"launcher"`
	Image          string            `yaml:"image" toml:"image"`
	CPULimit       float64           `yaml:"cpu_limit" toml:"cpu_limit"`
	MemoryLimitMB  int64             `yaml:"memory_limit_mb" toml:"memory_limit_mb"`
	TimeoutSeconds int               `yaml:"timeout_seconds" toml:"timeout_seconds"`
}

// Label binds a metric name to the text the worker prints before its value.
type Label struct {
	Metric string `yaml:"metric" toml:"metric" json:"metric"`
	Text   string `yaml:"text" toml:"text" json:"text"`
}

type Results struct {
	Dir string `yaml:"dir" toml:"dir"`
}

type Report struct {
	Format    string `yaml:"format" toml:"format"`
	Precision int    `yaml:"precision" toml:"precision"`
	Metric    string `yaml:"metric" toml:"metric"`
}

type Telemetry struct {
	TraceExporter   string `yaml:"trace_exporter" toml:"trace_exporter"`
	MetricsTextfile bool   `yaml:"metrics_textfile" toml:"metrics_textfile"`
}

// DefaultLabels are the timing lines printed by the fiber test worker.
var DefaultLabels = []Label{
	{Metric: "run_time", Text: "Time to run do the work (per-fiber):"},
	{Metric: "init_time", Text: "Time to initialize fibers:"},
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.normalize()
	return cfg
}

// Load reads a YAML or TOML config file. The format is chosen by extension.
func Load(path string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, errors.Annotatef(err, "decode config %s failed", path)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown keys in config %s: %v", path, undecoded)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "reading config %s", path)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, errors.Annotatef(err, "parsing config %s", path)
		}
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, errors.Annotatef(err, "invalid config %s", path)
	}
	return &cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist and allowMissing is set.
func LoadOrDefault(path string, allowMissing bool) (*Config, error) {
	if allowMissing {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return Default(), nil
		}
	}
	return Load(path)
}

func (c *Config) normalize() {
	c.Worker.Launcher = strings.ToLower(strings.TrimSpace(c.Worker.Launcher))
	if c.Worker.Launcher == "" {
		c.Worker.Launcher = LauncherExec
	}
	if c.Worker.Path == "" && c.Worker.Launcher == LauncherExec {
		c.Worker.Path = "./test"
	}
	if len(c.Labels) == 0 {
		c.Labels = append([]Label(nil), DefaultLabels...)
	}
	if c.Results.Dir == "" {
		c.Results.Dir = "results"
	}
	if c.Report.Format == "" {
		c.Report.Format = "table"
	}
	if c.Report.Precision <= 0 {
		c.Report.Precision = 3
	}
	if c.Report.Metric == "" {
		c.Report.Metric = c.Labels[0].Metric
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = "none"
	}
}

func (c *Config) validate() error {
	switch c.Worker.Launcher {
	case LauncherExec:
		if c.Worker.Path == "" {
			return errors.New("worker path is required")
		}
	case LauncherDocker:
		if c.Worker.Image == "" {
			return errors.New("worker image is required for the docker launcher")
		}
	default:
		return errors.Errorf("unsupported worker launcher: %s", c.Worker.Launcher)
	}
	if c.Worker.TimeoutSeconds < 0 {
		return errors.Errorf("worker timeout_seconds must be >= 0: %d", c.Worker.TimeoutSeconds)
	}
	if c.Worker.CPULimit < 0 || c.Worker.MemoryLimitMB < 0 {
		return errors.New("worker resource limits must be >= 0")
	}
	seen := make(map[string]bool, len(c.Labels))
	for i, l := range c.Labels {
		if strings.TrimSpace(l.Metric) == "" {
			return errors.Errorf("label %d: metric is required", i)
		}
		if strings.TrimSpace(l.Text) == "" {
			return errors.Errorf("label %q: text is required", l.Metric)
		}
		if seen[l.Metric] {
			return errors.Errorf("label %q defined twice", l.Metric)
		}
		seen[l.Metric] = true
	}
	if !seen[c.Report.Metric] {
		return errors.Errorf("report metric %q has no label", c.Report.Metric)
	}
	switch c.Report.Format {
	case "table", "grid", "markdown", "json":
	default:
		return errors.Errorf("unsupported report format: %s", c.Report.Format)
	}
	switch c.Telemetry.TraceExporter {
	case "none", "stdout":
	default:
		return errors.Errorf("unsupported trace exporter: %s", c.Telemetry.TraceExporter)
	}
	return nil
}

// WorkerTimeout is the per-run timeout, zero when runs may take forever.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Worker.TimeoutSeconds) * time.Second
}

// Validate re-checks the configuration, typically after command-line
// overrides were applied to a loaded file.
func (c *Config) Validate() error {
	c.normalize()
	return c.validate()
}
