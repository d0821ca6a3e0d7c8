// Package config loads configuration of the simulator from json file.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/HayatoShiba/ppos/storage/buffer"
)

// cache variants
const (
	// VariantSharded is buffer.Manager
	VariantSharded = "sharded"
	// VariantStack is buffer.StackManager
	VariantStack = "stack"
)

// Config is configuration of all components
type Config struct {
	Buffer Buffer `json:"buffer"`
	Memory Memory `json:"memory"`
	Disk   Disk   `json:"disk"`
	Log    Log    `json:"log"`
	Sim    Sim    `json:"sim"`
}

// Buffer is configuration of buffer cache
type Buffer struct {
	NumBuffers int    `json:"num_buffers"`
	NumBuckets int    `json:"num_buckets"`
	Variant    string `json:"variant"`
}

// Memory is configuration of page allocator
type Memory struct {
	NumCPU   int  `json:"num_cpu"`
	NumPages int  `json:"num_pages"`
	Junk     bool `json:"junk"`
}

// Disk is configuration of disk
type Disk struct {
	// Dir is directory of device files. empty means memory disk
	Dir string `json:"dir"`
	// NumBlocks is the size of each device in blocks (FSSIZE)
	NumBlocks uint32 `json:"num_blocks"`
}

// Log is configuration of logger
type Log struct {
	Level string `json:"level"`
	// Path is log file. empty means stderr only
	Path string `json:"path"`
}

// Sim is configuration of the workload
type Sim struct {
	Duration     Duration `json:"duration"`
	TickInterval Duration `json:"tick_interval"`
	// OpsPerSecond limits operations of all workers. 0 means unlimited
	OpsPerSecond float64 `json:"ops_per_second"`
	// Blocks is the number of distinct blocks the workers touch
	Blocks int `json:"blocks"`
	// MetricsAddr is listen address of prometheus endpoint. empty disables it
	MetricsAddr string `json:"metrics_addr"`
}

// Duration is time.Duration decoded from string like "10s"
type Duration time.Duration

// UnmarshalJSON decodes duration string
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "duration must be string")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return errors.Wrap(err, "time.ParseDuration failed")
	}
	*d = Duration(v)
	return nil
}

// MarshalJSON encodes duration as string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Default returns default configuration
func Default() Config {
	return Config{
		Buffer: Buffer{
			NumBuffers: buffer.DefaultNumBuffers,
			NumBuckets: buffer.DefaultNumBuckets,
			Variant:    VariantSharded,
		},
		Memory: Memory{
			NumCPU:   8,
			NumPages: 1024,
			Junk:     true,
		},
		Disk: Disk{
			NumBlocks: 2000,
		},
		Log: Log{
			Level: "INFO",
		},
		Sim: Sim{
			Duration:     Duration(5 * time.Second),
			TickInterval: Duration(100 * time.Millisecond),
			Blocks:       200,
		},
	}
}

// Load reads json file at path over the default configuration
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "os.Open failed")
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode %s failed", path)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the values which components cannot check by themselves
func (c Config) Validate() error {
	switch c.Buffer.Variant {
	case VariantSharded, VariantStack:
	default:
		return errors.Errorf("unknown buffer variant: %q", c.Buffer.Variant)
	}
	if c.Memory.NumCPU <= 0 {
		return errors.Errorf("num_cpu must be positive: %d", c.Memory.NumCPU)
	}
	if c.Sim.Blocks <= 0 {
		return errors.Errorf("blocks must be positive: %d", c.Sim.Blocks)
	}
	if c.Disk.NumBlocks != 0 && uint32(c.Sim.Blocks) > c.Disk.NumBlocks {
		return errors.Errorf("blocks %d exceeds disk size %d", c.Sim.Blocks, c.Disk.NumBlocks)
	}
	if c.Sim.TickInterval <= 0 {
		return errors.Errorf("tick_interval must be positive")
	}
	return nil
}
