package vm

import (
	"hash/crc32"
	"sync"
)

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// Symbol interning is a pure function: the CRC-32 (IEEE) of the canonical
// string rendering, stored in the 48-bit payload. No mutable table is
// needed for interning itself; SymbolTable only records names for
// diagnostics and disassembly.

// SymbolFromString returns the symbol value for a name.
func SymbolFromString(name string) Value {
	return FromSymbolHash(uint64(crc32.ChecksumIEEE([]byte(name))))
}

// SymbolFor returns the symbol for any value, using its canonical string
// rendering. The mapping is deterministic and stable across runs.
func SymbolFor(v Value) Value {
	if v.IsSymbol() {
		return v
	}
	return SymbolFromString(renderValue(v))
}

// SymbolTable records the names behind symbol hashes so that error
// messages and the disassembler can print identifiers instead of hashes.
type SymbolTable struct {
	mu     sync.RWMutex
	byHash map[uint64]string
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{byHash: make(map[uint64]string)}
}

// Intern computes the symbol for a name and records the reverse mapping.
func (st *SymbolTable) Intern(name string) Value {
	sym := SymbolFromString(name)

	st.mu.RLock()
	_, known := st.byHash[sym.SymbolHash()]
	st.mu.RUnlock()
	if known {
		return sym
	}

	st.mu.Lock()
	st.byHash[sym.SymbolHash()] = name
	st.mu.Unlock()
	return sym
}

// Name returns the recorded name for a symbol, or "" if unknown.
func (st *SymbolTable) Name(sym Value) string {
	if !sym.IsSymbol() {
		return ""
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byHash[sym.SymbolHash()]
}

// NameOrHash returns the recorded name, falling back to the rendered
// hash for symbols the table has never seen.
func (st *SymbolTable) NameOrHash(sym Value) string {
	if name := st.Name(sym); name != "" {
		return name
	}
	return renderValue(sym)
}

// Len returns the number of recorded names.
func (st *SymbolTable) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byHash)
}
