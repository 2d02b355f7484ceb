package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Locals and globals
const (
	OpNop              Opcode = 0x00 // no operation
	OpReadLocal        Opcode = 0x01 // push local (u32 index, u32 level)
	OpReadMemberSymbol Opcode = 0x02 // pop target, push member (u32 symbol)
	OpReadMemberValue  Opcode = 0x03 // pop member value and target, push member
	OpReadArrayIndex   Opcode = 0x04 // pop array, push element (i32 index)
	OpReadGlobal       Opcode = 0x05 // push global (u32 symbol)

	OpSetLocalPush        Opcode = 0x06 // like SetLocal but keeps the value pushed
	OpSetMemberSymbolPush Opcode = 0x07
	OpSetMemberValuePush  Opcode = 0x08
	OpSetArrayIndexPush   Opcode = 0x09
	OpSetGlobalPush       Opcode = 0x0A

	OpSetLocal        Opcode = 0x0B // pop value, write local (u32 index, u32 level)
	OpSetMemberSymbol Opcode = 0x0C // pop value and target (u32 symbol)
	OpSetMemberValue  Opcode = 0x0D // pop value, member value and target
	OpSetArrayIndex   Opcode = 0x0E // pop value and array (i32 index)
	OpSetGlobal       Opcode = 0x0F // pop value (u32 symbol)
)

// Values and literals
const (
	OpPutSelf        Opcode = 0x10 // push self
	OpPutSuper       Opcode = 0x11 // push the parent-class constructor
	OpPutSuperMember Opcode = 0x12 // push a parent-prototype member (u32 symbol)
	OpPutValue       Opcode = 0x13 // push constant (u32 index)
	OpPutString      Opcode = 0x14 // push string from string table (u32 index)
	OpPutFloat       Opcode = 0x15 // push inline float64 (8 bytes)
	OpPutFunction    Opcode = 0x16 // push function (u32 name, i32 body, u8 anon, u8 needsargs, u32 argc, u32 minargc, u32 lvarcount)
	OpPutGenerator   Opcode = 0x17 // push generator (u32 name, i32 resume, u32 lvarcount)
	OpPutArray       Opcode = 0x18 // pop n values, push array (u32 count)
	OpPutHash        Opcode = 0x19 // pop n key/value pairs, push object (u32 count)
	OpPutClass       Opcode = 0x1A // assemble class (u32 name, u32 props, u32 staticprops, u32 methods, u32 staticmethods, u8 hasparent, u8 hasctor)
)

// Stack plumbing
const (
	OpPop  Opcode = 0x20 // discard top of stack
	OpDup  Opcode = 0x21 // duplicate top of stack
	OpDupn Opcode = 0x22 // duplicate top n entries (u32 count)
	OpSwap Opcode = 0x23 // swap the top two entries
	OpTopn Opcode = 0x24 // push the n-th entry from the top (u32 offset)
	OpSetn Opcode = 0x25 // pop, write into the n-th entry from the top (u32 offset)
)

// Calls and returns
const (
	OpCall       Opcode = 0x30 // pop argc args and callee, invoke (u32 argc)
	OpCallMember Opcode = 0x31 // pop argc args and target, invoke member (u32 symbol, u32 argc)
	OpNew        Opcode = 0x32 // pop argc args and class, construct (u32 argc)
	OpReturn     Opcode = 0x33 // return from the active frame
	OpYield      Opcode = 0x34 // suspend the active generator
)

// Exceptions
const (
	OpThrow              Opcode = 0x40 // pop payload, unwind the catch chain
	OpRegisterCatchTable Opcode = 0x41 // install a handler (i32 offset)
	OpPopCatchTable      Opcode = 0x42 // remove the topmost handler
)

// Branches (offsets are relative to the branch instruction itself)
const (
	OpBranch       Opcode = 0x50 // unconditional (i32 offset)
	OpBranchIf     Opcode = 0x51 // pop, branch when truthy
	OpBranchUnless Opcode = 0x52 // pop, branch when falsy
	OpBranchLt     Opcode = 0x53 // fused compare+branch for hot loops
	OpBranchGt     Opcode = 0x54
	OpBranchLe     Opcode = 0x55
	OpBranchGe     Opcode = 0x56
	OpBranchEq     Opcode = 0x57
	OpBranchNeq    Opcode = 0x58
)

// Arithmetic, comparison, bitwise
const (
	OpAdd Opcode = 0x60
	OpSub Opcode = 0x61
	OpMul Opcode = 0x62
	OpDiv Opcode = 0x63
	OpMod Opcode = 0x64
	OpPow Opcode = 0x65

	OpEq  Opcode = 0x66
	OpNeq Opcode = 0x67
	OpLt  Opcode = 0x68
	OpGt  Opcode = 0x69
	OpLe  Opcode = 0x6A
	OpGe  Opcode = 0x6B

	OpShl  Opcode = 0x6C
	OpShr  Opcode = 0x6D
	OpBAnd Opcode = 0x6E
	OpBOr  Opcode = 0x6F
	OpBXor Opcode = 0x70

	OpUAdd  Opcode = 0x71
	OpUSub  Opcode = 0x72
	OpUNot  Opcode = 0x73
	OpUBNot Opcode = 0x74
)

// Misc
const (
	OpTypeof Opcode = 0x80 // pop value, push its type name string
	OpHalt   Opcode = 0x81 // stop the machine
)

// OpcodeCount is one past the highest opcode value.
const OpcodeCount = int(OpHalt) + 1

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name   string // human-readable name
	Length int    // total instruction length in bytes, opcode included
}

// opcodeTable maps opcodes to their metadata. Every opcode has a
// constant, documented length so a disassembler can linearly walk a
// block.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNop:              {"NOP", 1},
	OpReadLocal:        {"READ_LOCAL", 9},
	OpReadMemberSymbol: {"READ_MEMBER_SYMBOL", 5},
	OpReadMemberValue:  {"READ_MEMBER_VALUE", 1},
	OpReadArrayIndex:   {"READ_ARRAY_INDEX", 5},
	OpReadGlobal:       {"READ_GLOBAL", 5},

	OpSetLocalPush:        {"SET_LOCAL_PUSH", 9},
	OpSetMemberSymbolPush: {"SET_MEMBER_SYMBOL_PUSH", 5},
	OpSetMemberValuePush:  {"SET_MEMBER_VALUE_PUSH", 1},
	OpSetArrayIndexPush:   {"SET_ARRAY_INDEX_PUSH", 5},
	OpSetGlobalPush:       {"SET_GLOBAL_PUSH", 5},

	OpSetLocal:        {"SET_LOCAL", 9},
	OpSetMemberSymbol: {"SET_MEMBER_SYMBOL", 5},
	OpSetMemberValue:  {"SET_MEMBER_VALUE", 1},
	OpSetArrayIndex:   {"SET_ARRAY_INDEX", 5},
	OpSetGlobal:       {"SET_GLOBAL", 5},

	OpPutSelf:        {"PUT_SELF", 1},
	OpPutSuper:       {"PUT_SUPER", 1},
	OpPutSuperMember: {"PUT_SUPER_MEMBER", 5},
	OpPutValue:       {"PUT_VALUE", 5},
	OpPutString:      {"PUT_STRING", 5},
	OpPutFloat:       {"PUT_FLOAT", 9},
	OpPutFunction:    {"PUT_FUNCTION", 23},
	OpPutGenerator:   {"PUT_GENERATOR", 13},
	OpPutArray:       {"PUT_ARRAY", 5},
	OpPutHash:        {"PUT_HASH", 5},
	OpPutClass:       {"PUT_CLASS", 23},

	OpPop:  {"POP", 1},
	OpDup:  {"DUP", 1},
	OpDupn: {"DUPN", 5},
	OpSwap: {"SWAP", 1},
	OpTopn: {"TOPN", 5},
	OpSetn: {"SETN", 5},

	OpCall:       {"CALL", 5},
	OpCallMember: {"CALL_MEMBER", 9},
	OpNew:        {"NEW", 5},
	OpReturn:     {"RETURN", 1},
	OpYield:      {"YIELD", 1},

	OpThrow:              {"THROW", 1},
	OpRegisterCatchTable: {"REGISTER_CATCH_TABLE", 5},
	OpPopCatchTable:      {"POP_CATCH_TABLE", 1},

	OpBranch:       {"BRANCH", 5},
	OpBranchIf:     {"BRANCH_IF", 5},
	OpBranchUnless: {"BRANCH_UNLESS", 5},
	OpBranchLt:     {"BRANCH_LT", 5},
	OpBranchGt:     {"BRANCH_GT", 5},
	OpBranchLe:     {"BRANCH_LE", 5},
	OpBranchGe:     {"BRANCH_GE", 5},
	OpBranchEq:     {"BRANCH_EQ", 5},
	OpBranchNeq:    {"BRANCH_NEQ", 5},

	OpAdd: {"ADD", 1},
	OpSub: {"SUB", 1},
	OpMul: {"MUL", 1},
	OpDiv: {"DIV", 1},
	OpMod: {"MOD", 1},
	OpPow: {"POW", 1},

	OpEq:  {"EQ", 1},
	OpNeq: {"NEQ", 1},
	OpLt:  {"LT", 1},
	OpGt:  {"GT", 1},
	OpLe:  {"LE", 1},
	OpGe:  {"GE", 1},

	OpShl:  {"SHL", 1},
	OpShr:  {"SHR", 1},
	OpBAnd: {"BAND", 1},
	OpBOr:  {"BOR", 1},
	OpBXor: {"BXOR", 1},

	OpUAdd:  {"UADD", 1},
	OpUSub:  {"USUB", 1},
	OpUNot:  {"UNOT", 1},
	OpUBNot: {"UBNOT", 1},

	OpTypeof: {"TYPEOF", 1},
	OpHalt:   {"HALT", 1},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), Length: 1}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string { return op.Info().Name }

// Length returns the total instruction length, operands included.
func (op Opcode) Length() int { return op.Info().Length }

// String implements the Stringer interface.
func (op Opcode) String() string { return op.Name() }

// ---------------------------------------------------------------------------
// Instruction blocks
// ---------------------------------------------------------------------------

// LineEntry maps an instruction offset to a source position.
type LineEntry struct {
	Offset uint32
	Line   uint32
	Column uint32
}

// InstructionBlock is a compiled program: the bytecode, the constants
// pool referenced by the PutValue family, a string table for string
// literals and symbol operands, and an optional line map for stack
// traces.
type InstructionBlock struct {
	Data        []byte
	WriteOffset int
	Constants   []Value
	Strings     []string
	LineMap     []LineEntry

	// Local slots of the top-level scope.
	LVarCount uint32

	// Interned symbols, parallel to Strings. Built lazily.
	symbols []Value
}

// symbolAt returns the interned symbol for string-table entry idx.
func (b *InstructionBlock) symbolAt(idx uint32) Value {
	if b.symbols == nil {
		b.symbols = make([]Value, len(b.Strings))
		for i, s := range b.Strings {
			b.symbols[i] = SymbolFromString(s)
		}
	}
	return b.symbols[idx]
}

// stringAt returns string-table entry idx.
func (b *InstructionBlock) stringAt(idx uint32) string {
	return b.Strings[idx]
}

// LineFor returns the source position recorded for an instruction
// offset, or false when no line map entry covers it.
func (b *InstructionBlock) LineFor(offset uint32) (LineEntry, bool) {
	var best LineEntry
	found := false
	for _, e := range b.LineMap {
		if e.Offset <= offset && (!found || e.Offset > best.Offset) {
			best = e
			found = true
		}
	}
	return best, found
}

// Operand readers. All operands are little-endian fixed widths.

func readUint32(data []byte, pos int) uint32 {
	return binary.LittleEndian.Uint32(data[pos:])
}

func readInt32(data []byte, pos int) int32 {
	return int32(binary.LittleEndian.Uint32(data[pos:]))
}

func readFloat64(data []byte, pos int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(data[pos:]))
}

// ---------------------------------------------------------------------------
// BlockBuilder: helper for constructing instruction blocks
// ---------------------------------------------------------------------------

// BlockBuilder assembles an InstructionBlock. It is the target of the
// bytecode generator and of tests that assemble programs by hand.
type BlockBuilder struct {
	data      []byte
	constants []Value
	strings   []string
	stringIdx map[string]uint32
	lineMap   []LineEntry
	lvarcount uint32
}

// NewBlockBuilder creates an empty builder.
func NewBlockBuilder() *BlockBuilder {
	return &BlockBuilder{
		data:      make([]byte, 0, 128),
		stringIdx: make(map[string]uint32),
	}
}

// Block finalises the builder into an InstructionBlock.
func (b *BlockBuilder) Block() *InstructionBlock {
	return &InstructionBlock{
		Data:        b.data,
		WriteOffset: len(b.data),
		Constants:   b.constants,
		Strings:     b.strings,
		LineMap:     b.lineMap,
		LVarCount:   b.lvarcount,
	}
}

// SetLocalCount records the number of top-level local slots.
func (b *BlockBuilder) SetLocalCount(count uint32) { b.lvarcount = count }

// Len returns the current write offset.
func (b *BlockBuilder) Len() int { return len(b.data) }

// AddConstant registers a constant-pool value and returns its index.
func (b *BlockBuilder) AddConstant(v Value) uint32 {
	for i, c := range b.constants {
		if c == v {
			return uint32(i)
		}
	}
	b.constants = append(b.constants, v)
	return uint32(len(b.constants) - 1)
}

// AddString registers a string-table entry and returns its index.
// Symbol operands reference string-table entries by index.
func (b *BlockBuilder) AddString(s string) uint32 {
	if idx, ok := b.stringIdx[s]; ok {
		return idx
	}
	idx := uint32(len(b.strings))
	b.strings = append(b.strings, s)
	b.stringIdx[s] = idx
	return idx
}

// MarkLine records a source position for the current offset.
func (b *BlockBuilder) MarkLine(line, column uint32) {
	b.lineMap = append(b.lineMap, LineEntry{Offset: uint32(len(b.data)), Line: line, Column: column})
}

// Emit appends an opcode with no operands.
func (b *BlockBuilder) Emit(op Opcode) {
	b.data = append(b.data, byte(op))
}

func (b *BlockBuilder) emitUint32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.data = append(b.data, buf[:]...)
}

func (b *BlockBuilder) emitByte(v byte) {
	b.data = append(b.data, v)
}

// EmitUint32 appends an opcode with one u32 operand.
func (b *BlockBuilder) EmitUint32(op Opcode, operand uint32) {
	b.Emit(op)
	b.emitUint32(operand)
}

// EmitInt32 appends an opcode with one i32 operand.
func (b *BlockBuilder) EmitInt32(op Opcode, operand int32) {
	b.Emit(op)
	b.emitUint32(uint32(operand))
}

// EmitFloat64 appends an opcode with a float64 operand.
func (b *BlockBuilder) EmitFloat64(op Opcode, operand float64) {
	b.Emit(op)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(operand))
	b.data = append(b.data, buf[:]...)
}

// EmitLocal appends ReadLocal/SetLocal/SetLocalPush.
func (b *BlockBuilder) EmitLocal(op Opcode, index, level uint32) {
	b.Emit(op)
	b.emitUint32(index)
	b.emitUint32(level)
}

// EmitSymbol appends an opcode whose operand is a symbol, interning the
// name into the string table.
func (b *BlockBuilder) EmitSymbol(op Opcode, name string) {
	b.EmitUint32(op, b.AddString(name))
}

// EmitValue appends PutValue for a constant.
func (b *BlockBuilder) EmitValue(v Value) {
	b.EmitUint32(OpPutValue, b.AddConstant(v))
}

// EmitString appends PutString for a literal.
func (b *BlockBuilder) EmitString(s string) {
	b.EmitUint32(OpPutString, b.AddString(s))
}

// EmitCallMember appends CallMember.
func (b *BlockBuilder) EmitCallMember(name string, argc uint32) {
	b.Emit(OpCallMember)
	b.emitUint32(b.AddString(name))
	b.emitUint32(argc)
}

// FunctionSpec carries the operands of PutFunction.
type FunctionSpec struct {
	Name           string
	BodyOffset     int32 // relative to the PutFunction instruction
	Anonymous      bool
	NeedsArguments bool
	ArgC           uint32
	MinimumArgC    uint32
	LVarCount      uint32
}

// EmitFunction appends PutFunction.
func (b *BlockBuilder) EmitFunction(spec FunctionSpec) {
	b.Emit(OpPutFunction)
	b.emitUint32(b.AddString(spec.Name))
	b.emitUint32(uint32(spec.BodyOffset))
	b.emitBool(spec.Anonymous)
	b.emitBool(spec.NeedsArguments)
	b.emitUint32(spec.ArgC)
	b.emitUint32(spec.MinimumArgC)
	b.emitUint32(spec.LVarCount)
}

// EmitFunctionAt appends PutFunction targeting a label.
func (b *BlockBuilder) EmitFunctionAt(spec FunctionSpec, body *Label) {
	at := len(b.data)
	b.EmitFunction(spec)
	body.reference(b, at, at+5)
}

// EmitGenerator appends PutGenerator.
func (b *BlockBuilder) EmitGenerator(name string, resumeOffset int32, lvarcount uint32) {
	b.Emit(OpPutGenerator)
	b.emitUint32(b.AddString(name))
	b.emitUint32(uint32(resumeOffset))
	b.emitUint32(lvarcount)
}

// EmitGeneratorAt appends PutGenerator targeting a label.
func (b *BlockBuilder) EmitGeneratorAt(name string, body *Label, lvarcount uint32) {
	at := len(b.data)
	b.EmitGenerator(name, 0, lvarcount)
	body.reference(b, at, at+5)
}

// ClassSpec carries the operands of PutClass.
type ClassSpec struct {
	Name              string
	PropertyCount     uint32
	StaticPropCount   uint32
	MethodCount       uint32
	StaticMethodCount uint32
	HasParentClass    bool
	HasConstructor    bool
}

// EmitClass appends PutClass.
func (b *BlockBuilder) EmitClass(spec ClassSpec) {
	b.Emit(OpPutClass)
	b.emitUint32(b.AddString(spec.Name))
	b.emitUint32(spec.PropertyCount)
	b.emitUint32(spec.StaticPropCount)
	b.emitUint32(spec.MethodCount)
	b.emitUint32(spec.StaticMethodCount)
	b.emitBool(spec.HasParentClass)
	b.emitBool(spec.HasConstructor)
}

func (b *BlockBuilder) emitBool(v bool) {
	if v {
		b.emitByte(1)
	} else {
		b.emitByte(0)
	}
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode. Branch offsets are
// relative to the referencing instruction's own address.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

type labelRef struct {
	instruction int // address the offset is relative to
	operand     int // byte position of the i32 operand
}

// NewLabel creates an unresolved label.
func (b *BlockBuilder) NewLabel() *Label {
	return &Label{}
}

// Mark resolves a label to the current position and patches all
// forward references.
func (b *BlockBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.data)

	for _, ref := range label.refs {
		offset := int32(label.position - ref.instruction)
		binary.LittleEndian.PutUint32(b.data[ref.operand:], uint32(offset))
	}
	label.refs = nil
}

// reference records or patches a label use at the given positions.
func (l *Label) reference(b *BlockBuilder, instruction, operand int) {
	if l.resolved {
		offset := int32(l.position - instruction)
		binary.LittleEndian.PutUint32(b.data[operand:], uint32(offset))
		return
	}
	l.refs = append(l.refs, labelRef{instruction: instruction, operand: operand})
}

// EmitBranch emits a branch-family instruction targeting a label.
func (b *BlockBuilder) EmitBranch(op Opcode, label *Label) {
	at := len(b.data)
	b.EmitInt32(op, 0)
	label.reference(b, at, at+1)
}

// EmitCatchTable emits RegisterCatchTable targeting a label.
func (b *BlockBuilder) EmitCatchTable(handler *Label) {
	at := len(b.data)
	b.EmitInt32(OpRegisterCatchTable, 0)
	handler.reference(b, at, at+1)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders a block as text, one instruction per line.
// Symbol operands print the names recorded in the block's string table.
func Disassemble(block *InstructionBlock) string {
	var sb strings.Builder
	pos := 0
	data := block.Data
	for pos < block.WriteOffset {
		op := Opcode(data[pos])
		info := op.Info()
		fmt.Fprintf(&sb, "%08x  %-22s", pos, info.Name)

		switch op {
		case OpReadLocal, OpSetLocal, OpSetLocalPush:
			fmt.Fprintf(&sb, " %d, %d", readUint32(data, pos+1), readUint32(data, pos+5))

		case OpReadMemberSymbol, OpSetMemberSymbol, OpSetMemberSymbolPush,
			OpReadGlobal, OpSetGlobal, OpSetGlobalPush, OpPutSuperMember:
			idx := readUint32(data, pos+1)
			fmt.Fprintf(&sb, " %s", block.stringAt(idx))

		case OpReadArrayIndex, OpSetArrayIndex, OpSetArrayIndexPush,
			OpPutArray, OpPutHash, OpDupn, OpTopn, OpSetn, OpCall, OpNew:
			fmt.Fprintf(&sb, " %d", readUint32(data, pos+1))

		case OpPutValue:
			idx := readUint32(data, pos+1)
			fmt.Fprintf(&sb, " %s", renderValue(block.Constants[idx]))

		case OpPutString:
			fmt.Fprintf(&sb, " %q", block.stringAt(readUint32(data, pos+1)))

		case OpPutFloat:
			fmt.Fprintf(&sb, " %g", readFloat64(data, pos+1))

		case OpPutFunction:
			fmt.Fprintf(&sb, " %s body=%+d argc=%d minargc=%d lvars=%d",
				block.stringAt(readUint32(data, pos+1)),
				readInt32(data, pos+5),
				readUint32(data, pos+11),
				readUint32(data, pos+15),
				readUint32(data, pos+19))

		case OpPutGenerator:
			fmt.Fprintf(&sb, " %s resume=%+d lvars=%d",
				block.stringAt(readUint32(data, pos+1)),
				readInt32(data, pos+5),
				readUint32(data, pos+9))

		case OpPutClass:
			fmt.Fprintf(&sb, " %s props=%d staticprops=%d methods=%d staticmethods=%d",
				block.stringAt(readUint32(data, pos+1)),
				readUint32(data, pos+5),
				readUint32(data, pos+9),
				readUint32(data, pos+13),
				readUint32(data, pos+17))

		case OpCallMember:
			fmt.Fprintf(&sb, " %s, %d", block.stringAt(readUint32(data, pos+1)), readUint32(data, pos+5))

		case OpBranch, OpBranchIf, OpBranchUnless,
			OpBranchLt, OpBranchGt, OpBranchLe, OpBranchGe, OpBranchEq, OpBranchNeq,
			OpRegisterCatchTable:
			offset := readInt32(data, pos+1)
			fmt.Fprintf(&sb, " %+d (-> %08x)", offset, pos+int(offset))
		}

		sb.WriteByte('\n')
		pos += info.Length
	}
	return sb.String()
}
