package vm

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInstructionProfileAverages(t *testing.T) {
	p := NewInstructionProfile()
	p.Add(OpAdd, 10*time.Nanosecond)
	p.Add(OpAdd, 30*time.Nanosecond)

	entry := p.Entry(OpAdd)
	if entry.Encountered != 2 {
		t.Errorf("Encountered = %d, want 2", entry.Encountered)
	}
	if entry.AverageLength != 20*time.Nanosecond {
		t.Errorf("AverageLength = %s, want 20ns", entry.AverageLength)
	}
}

func TestInstructionProfileDump(t *testing.T) {
	p := NewInstructionProfile()
	p.Add(OpCall, time.Microsecond)
	p.Add(OpReturn, time.Microsecond)

	out := &bytes.Buffer{}
	p.Dump(out)
	text := out.String()

	if !strings.Contains(text, "CALL") || !strings.Contains(text, "RETURN") {
		t.Errorf("dump missing executed opcodes:\n%s", text)
	}
	if strings.Contains(text, "YIELD") {
		t.Error("dump should omit opcodes that never executed")
	}
}

func TestProfileRecordsDuringRun(t *testing.T) {
	out := &bytes.Buffer{}
	cfg := DefaultConfig()
	cfg.Out = out
	cfg.InstructionProfile = true

	b := NewBlockBuilder()
	b.EmitValue(FromInt(1))
	b.EmitValue(FromInt(2))
	b.Emit(OpAdd)
	b.Emit(OpPop)
	b.EmitValue(Null)
	b.Emit(OpReturn)

	machine := NewVM(cfg)
	if _, err := machine.RunSafe(b.Block()); err != nil {
		t.Fatalf("RunSafe: %v", err)
	}

	if machine.Profile.Entry(OpAdd).Encountered != 1 {
		t.Error("profile should record the executed Add")
	}
	if machine.Profile.Entry(OpReturn).Encountered != 1 {
		t.Error("profile should record the executed Return")
	}
}

func TestProfileStoreMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.db")

	store, err := OpenProfileStore(path)
	if err != nil {
		t.Fatalf("OpenProfileStore: %v", err)
	}
	defer store.Close()

	p := NewInstructionProfile()
	p.Add(OpAdd, 10*time.Nanosecond)
	p.Add(OpAdd, 10*time.Nanosecond)

	if err := store.Merge(p); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if err := store.Merge(p); err != nil {
		t.Fatalf("second Merge: %v", err)
	}

	count, err := store.Encountered("ADD")
	if err != nil {
		t.Fatalf("Encountered: %v", err)
	}
	if count != 4 {
		t.Errorf("stored encounters = %d, want 4 (two merges of two)", count)
	}

	missing, err := store.Encountered("NEVER_RAN")
	if err != nil {
		t.Fatalf("Encountered(missing): %v", err)
	}
	if missing != 0 {
		t.Errorf("missing opcode count = %d, want 0", missing)
	}
}
