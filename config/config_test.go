package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := c.VMConfig()
	if cfg.Heap.CellCount != 1<<16 {
		t.Errorf("CellCount = %d, want default %d", cfg.Heap.CellCount, 1<<16)
	}
	if cfg.StackCapacity != 1024 {
		t.Errorf("StackCapacity = %d, want default 1024", cfg.StackCapacity)
	}
	if cfg.InstructionProfile {
		t.Error("profiling defaults to off")
	}
}

func TestLoadParsesFile(t *testing.T) {
	dir := t.TempDir()
	content := `
[heap]
cell-count = 4096
growth-factor = 3
min-free-cells = 16
trace = true

[vm]
stack-capacity = 256
trace-opcodes = true

[profile]
enabled = true
database = "profiles/run.db"
`
	if err := os.WriteFile(filepath.Join(dir, "charly.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := c.VMConfig()
	if cfg.Heap.CellCount != 4096 {
		t.Errorf("CellCount = %d, want 4096", cfg.Heap.CellCount)
	}
	if cfg.Heap.GrowthFactor != 3 {
		t.Errorf("GrowthFactor = %d, want 3", cfg.Heap.GrowthFactor)
	}
	if !cfg.Heap.Trace {
		t.Error("heap tracing should be enabled")
	}
	if cfg.StackCapacity != 256 {
		t.Errorf("StackCapacity = %d, want 256", cfg.StackCapacity)
	}
	if !cfg.TraceOpcodes {
		t.Error("opcode tracing should be enabled")
	}
	if !cfg.InstructionProfile {
		t.Error("profiling should be enabled")
	}

	want := filepath.Join(dir, "profiles/run.db")
	if got := c.DatabasePath(); got != want {
		t.Errorf("DatabasePath = %q, want %q", got, want)
	}
}

func TestLoadRejectsBrokenToml(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "charly.toml"), []byte("[heap\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("broken toml should fail to load")
	}
}
