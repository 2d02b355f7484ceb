// Package config handles charly.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/charly-lang/charly/vm"
)

// Config represents a charly.toml configuration file.
type Config struct {
	Heap    Heap    `toml:"heap"`
	Machine Machine `toml:"vm"`
	Profile Profile `toml:"profile"`

	// Dir is the directory containing the charly.toml file (set at load time).
	Dir string `toml:"-"`
}

// Heap configures the collector's arenas.
type Heap struct {
	CellCount    int  `toml:"cell-count"`
	GrowthFactor int  `toml:"growth-factor"`
	MinFreeCells int  `toml:"min-free-cells"`
	Trace        bool `toml:"trace"`
}

// Machine configures the interpreter.
type Machine struct {
	StackCapacity    int  `toml:"stack-capacity"`
	TraceOpcodes     bool `toml:"trace-opcodes"`
	TraceCatchtables bool `toml:"trace-catchtables"`
	TraceFrames      bool `toml:"trace-frames"`
	VerboseAddresses bool `toml:"verbose-addresses"`
}

// Profile configures instruction profiling.
type Profile struct {
	Enabled  bool   `toml:"enabled"`
	Database string `toml:"database"`
}

// Load parses a charly.toml file from the given directory. A missing
// file is not an error; all defaults apply.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, "charly.toml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{Dir: dir}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Dir = dir
	return &c, nil
}

// VMConfig translates the file configuration into a machine config.
func (c *Config) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if c.Heap.CellCount > 0 {
		cfg.Heap.CellCount = c.Heap.CellCount
	}
	if c.Heap.GrowthFactor > 0 {
		cfg.Heap.GrowthFactor = c.Heap.GrowthFactor
	}
	if c.Heap.MinFreeCells > 0 {
		cfg.Heap.MinFreeCells = c.Heap.MinFreeCells
	}
	cfg.Heap.Trace = c.Heap.Trace

	if c.Machine.StackCapacity > 0 {
		cfg.StackCapacity = c.Machine.StackCapacity
	}
	cfg.TraceOpcodes = c.Machine.TraceOpcodes
	cfg.TraceCatchtables = c.Machine.TraceCatchtables
	cfg.TraceFrames = c.Machine.TraceFrames
	cfg.VerboseAddresses = c.Machine.VerboseAddresses
	cfg.InstructionProfile = c.Profile.Enabled

	return cfg
}

// DatabasePath resolves the profile database location relative to the
// config directory.
func (c *Config) DatabasePath() string {
	if c.Profile.Database == "" {
		return filepath.Join(c.Dir, "charly-profile.db")
	}
	if filepath.IsAbs(c.Profile.Database) {
		return c.Profile.Database
	}
	return filepath.Join(c.Dir, c.Profile.Database)
}
