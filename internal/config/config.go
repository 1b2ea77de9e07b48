// Package config loads the YAML configuration of a
// distributed summation job.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unixpickle/dist-sum/collcomm/natscomm"
	"github.com/unixpickle/dist-sum/distsum"
)

// Config is the root configuration.
type Config struct {
	Job       JobConfig       `yaml:"job"`
	Dataset   DatasetConfig   `yaml:"dataset"`
	Transport TransportConfig `yaml:"transport"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// JobConfig describes the summation itself.
type JobConfig struct {
	Total           int  `yaml:"total"`
	Root            int  `yaml:"root"`
	StrictDivisible bool `yaml:"strictDivisible"`
	Verify          bool `yaml:"verify"`
	MaxElements     int  `yaml:"maxElements"` // 0 = unlimited
}

// DatasetConfig selects how root generates its data.
type DatasetConfig struct {
	Kind     string `yaml:"kind"` // "random", "range"
	Seed     int64  `yaml:"seed"`
	MaxValue int64  `yaml:"maxValue"`
}

// TransportConfig selects how ranks talk to each other.
type TransportConfig struct {
	Kind string     `yaml:"kind"` // "local", "sim", "nats"
	Size int        `yaml:"size"`
	NATS NATSConfig `yaml:"nats"`
	Sim  SimConfig  `yaml:"sim"`
}

// NATSConfig configures the JetStream transport.
type NATSConfig struct {
	URL              string        `yaml:"url"`
	RunID            string        `yaml:"runId"`
	SubjectPrefix    string        `yaml:"subjectPrefix"`
	MaxAge           time.Duration `yaml:"maxAge"`
	PublishTimeout   time.Duration `yaml:"publishTimeout"`
	MaxFrameElements int           `yaml:"maxFrameElements"`
}

// SimConfig configures the simulated network.
type SimConfig struct {
	Latency float64 `yaml:"latency"` // max random latency per message
	Rate    float64 `yaml:"rate"`    // bytes per unit of virtual time
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // "debug", "info", "warn", "error"
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{Job: JobConfig{Total: DefaultTotal}}
	ApplyDefaults(cfg)
	return cfg
}

// Load reads, defaults and validates a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML data over Default, then validates it.
//
// Fields missing from data keep their default values, and
// fields set in data are kept as written, zeros included.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DistSum converts the job section for distsum.Run.
func (c *Config) DistSum() distsum.Config {
	return distsum.Config{
		Total:           c.Job.Total,
		Root:            c.Job.Root,
		StrictDivisible: c.Job.StrictDivisible,
		Verify:          c.Job.Verify,
		MaxElements:     c.Job.MaxElements,
	}
}

// Source builds the dataset source.
func (c *Config) Source() distsum.Source {
	if c.Dataset.Kind == DatasetRange {
		return distsum.RangeSource{}
	}
	return distsum.RandomSource{Seed: c.Dataset.Seed, MaxValue: c.Dataset.MaxValue}
}

// NATSComm converts the NATS section for natscomm.Dial.
func (c *Config) NATSComm() natscomm.Config {
	return natscomm.Config{
		RunID:            c.Transport.NATS.RunID,
		SubjectPrefix:    c.Transport.NATS.SubjectPrefix,
		MaxAge:           c.Transport.NATS.MaxAge,
		PublishTimeout:   c.Transport.NATS.PublishTimeout,
		MaxFrameElements: c.Transport.NATS.MaxFrameElements,
	}
}
