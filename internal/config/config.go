package config

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ModelConfig names one served model.
type ModelConfig struct {
	// Plan is a local path or gs://bucket/object URI.
	Plan      string `yaml:"plan"`
	Instances int    `yaml:"instances"`
}

type Config struct {
	Device string                 `yaml:"device"`
	Models map[string]ModelConfig `yaml:"models"`

	FlightAddr     string        `yaml:"flight_addr"`
	AdminAddr      string        `yaml:"admin_addr"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	CacheDir string `yaml:"cache_dir"`
	// GCSEndpoint overrides the Cloud Storage endpoint, e.g. for an emulator.
	GCSEndpoint string `yaml:"gcs_endpoint"`

	// MaxDeviceMemory is a human-readable size such as "8GiB".
	MaxDeviceMemory string `yaml:"max_device_memory"`
	NumThreads      int    `yaml:"num_threads"`
}

func Default() Config {
	return Config{
		Device:          "cpu",
		Models:          map[string]ModelConfig{},
		FlightAddr:      ":8815",
		AdminAddr:       ":9090",
		RequestTimeout:  30 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
		CacheDir:        os.TempDir() + "/xinfer-plans",
		MaxDeviceMemory: "8GiB",
		NumThreads:      runtime.NumCPU(),
	}
}

// LoadFile reads a YAML file over Default() and validates the result.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device) == "" {
		return fmt.Errorf("invalid device: empty")
	}
	for name, m := range c.Models {
		if name == "" {
			return fmt.Errorf("invalid model name: empty")
		}
		if m.Plan == "" {
			return fmt.Errorf("model %q: plan is required", name)
		}
		if m.Instances < 0 {
			return fmt.Errorf("model %q: invalid instances: %d (must be non-negative)", name, m.Instances)
		}
	}
	if c.FlightAddr == "" {
		return fmt.Errorf("invalid flight_addr: empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("invalid request_timeout: %v (must be positive)", c.RequestTimeout)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("invalid num_threads: %d (must be non-negative)", c.NumThreads)
	}
	if _, err := c.DeviceMemoryBytes(); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "console", "":
	default:
		return fmt.Errorf("invalid log_format: %q (must be json or console)", c.LogFormat)
	}
	return nil
}

// DeviceMemoryBytes parses MaxDeviceMemory.
func (c *Config) DeviceMemoryBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxDeviceMemory)
	if err != nil {
		return 0, fmt.Errorf("invalid max_device_memory %q: %w", c.MaxDeviceMemory, err)
	}
	if n == 0 || n > 1<<62 {
		return 0, fmt.Errorf("invalid max_device_memory %q (must be positive)", c.MaxDeviceMemory)
	}
	return int64(n), nil
}

// ModelNames returns the configured model names in sorted order.
func (c *Config) ModelNames() []string {
	names := make([]string, 0, len(c.Models))
	for name := range c.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InstancesFor returns the pool size for a model, at least 1.
func (c *Config) InstancesFor(name string) int {
	if n := c.Models[name].Instances; n > 0 {
		return n
	}
	return 1
}
