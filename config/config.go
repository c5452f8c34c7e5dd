// Package config loads the boot-time tunables the rest of the kernel
// is sized from. YAML is the format because gopkg.in/yaml.v3 is
// already in the teacher's go.mod and is used the same way by the
// pack's tinyrange-cc repo to describe VM boot parameters; there is
// no reason to introduce a second configuration format for a single
// flat struct.
package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"ilo/defs"
)

// BootConfig sizes every other component: how much simulated RAM to
// back frame.Allocator with, the scheduler quantum, per-queue depth,
// and the task/queue/capability table ceilings limits.System enforces
// as an admission control layered on top of those hard array bounds.
type BootConfig struct {
	RAMBytes      uint64 `yaml:"ram_bytes"`
	QuantumMicros uint64 `yaml:"quantum_micros"`
	QueueDepth    int    `yaml:"queue_depth"`
	MaxTasks      int    `yaml:"max_tasks"`
	MaxFrames     int    `yaml:"max_frames"`
	MaxCaps       int    `yaml:"max_caps"`
	StackPages    int    `yaml:"stack_pages"`
}

// defaults applied to any field left unset (zero) after unmarshaling.
var defaults = BootConfig{
	RAMBytes:      64 << 20,
	QuantumMicros: 10,
	QueueDepth:    32,
	MaxTasks:      256,
	MaxFrames:     16384,
	MaxCaps:       1024,
	StackPages:    8,
}

// Load reads and unmarshals a BootConfig from r, then fills any unset
// field from defaults.
func Load(r io.Reader) (*BootConfig, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	cfg := BootConfig{}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *BootConfig) applyDefaults() {
	if c.RAMBytes == 0 {
		c.RAMBytes = defaults.RAMBytes
	}
	if c.QuantumMicros == 0 {
		c.QuantumMicros = defaults.QuantumMicros
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = defaults.QueueDepth
	}
	if c.MaxTasks == 0 {
		c.MaxTasks = defaults.MaxTasks
	}
	if c.MaxFrames == 0 {
		c.MaxFrames = defaults.MaxFrames
	}
	if c.MaxCaps == 0 {
		c.MaxCaps = defaults.MaxCaps
	}
	if c.StackPages == 0 {
		c.StackPages = defaults.StackPages
	}
}

// Validate rejects a configuration too small to boot.
func (c *BootConfig) Validate() defs.Err_t {
	if c.MaxTasks <= 0 || c.MaxFrames <= 0 || c.QueueDepth <= 0 || c.MaxCaps <= 0 {
		return defs.EINVAL
	}
	if c.RAMBytes < uint64(c.MaxFrames)*4096 {
		return defs.ENOMEM
	}
	return 0
}
