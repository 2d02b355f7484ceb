package vm

import (
	"fmt"
	"io"
	"sort"
	"time"
)

// ---------------------------------------------------------------------------
// Instruction profiling
// ---------------------------------------------------------------------------

// ProfileEntry records how often one opcode executed and how long it
// took on average.
type ProfileEntry struct {
	Encountered   uint64
	AverageLength time.Duration
}

// InstructionProfile stores one entry per opcode. It is only written by
// the interpreter goroutine.
type InstructionProfile struct {
	entries [OpcodeCount]ProfileEntry
}

// NewInstructionProfile creates an empty profile.
func NewInstructionProfile() *InstructionProfile {
	return &InstructionProfile{}
}

// Add records one execution of an opcode, folding the duration into the
// cumulative average.
func (p *InstructionProfile) Add(op Opcode, length time.Duration) {
	entry := &p.entries[op]
	entry.AverageLength = time.Duration(
		(int64(entry.AverageLength)*int64(entry.Encountered) + int64(length)) / int64(entry.Encountered+1))
	entry.Encountered++
}

// Entry returns the profile entry for an opcode.
func (p *InstructionProfile) Entry(op Opcode) ProfileEntry {
	return p.entries[op]
}

// Dump writes the profile as a table, busiest opcodes first.
func (p *InstructionProfile) Dump(w io.Writer) {
	type row struct {
		op    Opcode
		entry ProfileEntry
	}
	var rows []row
	for op := 0; op < OpcodeCount; op++ {
		if p.entries[op].Encountered > 0 {
			rows = append(rows, row{Opcode(op), p.entries[op]})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].entry.Encountered > rows[j].entry.Encountered
	})

	fmt.Fprintf(w, "%-22s %12s %14s\n", "opcode", "encountered", "avg duration")
	for _, r := range rows {
		fmt.Fprintf(w, "%-22s %12d %14s\n", r.op.Name(), r.entry.Encountered, r.entry.AverageLength)
	}
}
