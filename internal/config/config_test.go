package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device != "cpu" {
		t.Errorf("expected Device cpu, got %q", cfg.Device)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("expected RequestTimeout 30s, got %v", cfg.RequestTimeout)
	}
	if n, err := cfg.DeviceMemoryBytes(); err != nil || n != 8<<30 {
		t.Errorf("expected 8GiB device memory, got %d (%v)", n, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(c *Config) {
			c.Models["resnet"] = ModelConfig{Plan: "/plans/resnet.xpln", Instances: 2}
		}, ""},
		{"empty device", func(c *Config) { c.Device = "" }, "invalid device"},
		{"missing plan", func(c *Config) { c.Models["m"] = ModelConfig{} }, "plan is required"},
		{"negative instances", func(c *Config) {
			c.Models["m"] = ModelConfig{Plan: "p", Instances: -1}
		}, "invalid instances"},
		{"empty flight addr", func(c *Config) { c.FlightAddr = "" }, "invalid flight_addr"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "invalid request_timeout"},
		{"bad memory", func(c *Config) { c.MaxDeviceMemory = "lots" }, "invalid max_device_memory"},
		{"zero memory", func(c *Config) { c.MaxDeviceMemory = "0B" }, "invalid max_device_memory"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "invalid log_format"},
		{"negative threads", func(c *Config) { c.NumThreads = -2 }, "invalid num_threads"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xinfer.yaml")
	data := `
device: cpu
flight_addr: "127.0.0.1:9000"
request_timeout: 2s
max_device_memory: 512MiB
models:
  resnet:
    plan: gs://plans/resnet.xpln
    instances: 3
  tiny:
    plan: ./tiny.xpln
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.FlightAddr != "127.0.0.1:9000" {
		t.Errorf("FlightAddr = %q", cfg.FlightAddr)
	}
	if cfg.RequestTimeout != 2*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if n, _ := cfg.DeviceMemoryBytes(); n != 512<<20 {
		t.Errorf("DeviceMemoryBytes = %d", n)
	}
	if cfg.AdminAddr != ":9090" {
		t.Errorf("AdminAddr should keep default, got %q", cfg.AdminAddr)
	}
	names := cfg.ModelNames()
	if len(names) != 2 || names[0] != "resnet" || names[1] != "tiny" {
		t.Errorf("ModelNames = %v", names)
	}
	if cfg.InstancesFor("resnet") != 3 || cfg.InstancesFor("tiny") != 1 {
		t.Errorf("InstancesFor = %d, %d", cfg.InstancesFor("resnet"), cfg.InstancesFor("tiny"))
	}
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	os.WriteFile(bad, []byte("models: [unterminated"), 0o644)
	if _, err := LoadFile(bad); err == nil {
		t.Error("expected parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	os.WriteFile(invalid, []byte("request_timeout: -1s\n"), 0o644)
	if _, err := LoadFile(invalid); err == nil || !strings.Contains(err.Error(), "request_timeout") {
		t.Errorf("expected validation error, got %v", err)
	}
}
