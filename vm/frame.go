package vm

import (
	"fmt"
	"io"
)

// ---------------------------------------------------------------------------
// Operand stack
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() Value {
	if len(vm.stack) == 0 {
		vm.panicReason("operand stack underflow")
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *VM) top() Value {
	if len(vm.stack) == 0 {
		vm.panicReason("operand stack underflow")
	}
	return vm.stack[len(vm.stack)-1]
}

// popN pops n values and parks them on the pop queue so the collector
// still sees them while the calling opcode completes.
func (vm *VM) popN(n int) []Value {
	if len(vm.stack) < n {
		vm.panicReason("operand stack underflow")
	}
	values := make([]Value, n)
	copy(values, vm.stack[len(vm.stack)-n:])
	vm.stack = vm.stack[:len(vm.stack)-n]
	for _, v := range values {
		vm.pushPopQueue(v)
	}
	return values
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

// createFrame pushes a new activation record for a function call. The
// lexical parent is the function's captured frame; the dynamic parent
// is the frame that was active at the call.
func (vm *VM) createFrame(self Value, function *Cell, returnAddress uint32, haltAfterReturn bool) *Cell {
	fn := function.FunctionBody()
	frame := vm.allocateFrame(self, function, vm.frames, fn.Context, fn.LVarCount, len(vm.stack), returnAddress)
	body := frame.FrameBody()
	body.HaltAfterReturn = haltAfterReturn
	body.LastActiveCatchtable = vm.catchstack

	vm.frames = frame
	if vm.config.TraceFrames {
		vm.log.Debugf("entering frame %s", vm.frameLabel(frame))
	}
	return frame
}

// popFrame unwinds the active frame. The frame cell itself stays
// reachable only if a closure or generator captured it.
func (vm *VM) popFrame() *Cell {
	frame := vm.frames
	if frame == nil {
		vm.panicReason("frame stack underflow")
	}
	if vm.config.TraceFrames {
		vm.log.Debugf("leaving frame %s", vm.frameLabel(frame))
	}
	vm.frames = frame.FrameBody().Parent
	return frame
}

// currentFrame returns the active frame, or nil at the top level.
func (vm *VM) currentFrame() *Cell { return vm.frames }

// selfValue returns the active frame's self.
func (vm *VM) selfValue() Value {
	if vm.frames == nil {
		return Null
	}
	return vm.frames.FrameBody().Self
}

// environmentAt walks level steps up the lexical-parent chain.
func (vm *VM) environmentAt(level uint32) *FrameBody {
	frame := vm.frames
	for ; level > 0; level-- {
		if frame == nil {
			break
		}
		frame = frame.FrameBody().ParentEnvironment
	}
	if frame == nil {
		vm.panicReason("lexical environment walk escaped the frame chain")
	}
	return frame.FrameBody()
}

// readLocal reads slot index after walking level lexical parents.
func (vm *VM) readLocal(index, level uint32) Value {
	env := vm.environmentAt(level)
	if index >= env.LVarCount() {
		vm.panicReason(fmt.Sprintf("local index %d out of range (frame has %d)", index, env.LVarCount()))
	}
	return env.Locals()[index]
}

// writeLocal writes slot index after walking level lexical parents.
// Constness of locals is enforced by the compiler, not here.
func (vm *VM) writeLocal(index, level uint32, value Value) {
	env := vm.environmentAt(level)
	if index >= env.LVarCount() {
		vm.panicReason(fmt.Sprintf("local index %d out of range (frame has %d)", index, env.LVarCount()))
	}
	env.Locals()[index] = value
}

func (vm *VM) frameLabel(frame *Cell) string {
	body := frame.FrameBody()
	name := "<main>"
	if body.CallerValue.IsFunction() {
		name = vm.Symbols.NameOrHash(body.CallerValue.Cell().FunctionBody().Name)
	}
	if vm.config.VerboseAddresses {
		return fmt.Sprintf("%s (origin=%08x return=%08x)", name, body.OriginAddress, body.ReturnAddress)
	}
	return name
}

// ---------------------------------------------------------------------------
// Catch tables
// ---------------------------------------------------------------------------

// createCatchtable installs a handler at the given address. The
// recorded stack size is the current operand depth; an unwind trims the
// stack back to it.
func (vm *VM) createCatchtable(address uint32) *Cell {
	cell := vm.heap.Allocate()
	cell.init(CellCatchTable, &CatchTableBody{
		Address:   address,
		StackSize: len(vm.stack),
		Frame:     vm.frames,
		Parent:    vm.catchstack,
	})
	vm.catchstack = cell
	if vm.config.TraceCatchtables {
		vm.log.Debugf("registered catchtable at %08x depth=%d", address, len(vm.stack))
	}
	return cell
}

// popCatchtable removes the topmost handler.
func (vm *VM) popCatchtable() *Cell {
	table := vm.catchstack
	if table == nil {
		vm.panicReason("catchtable stack underflow")
	}
	vm.catchstack = table.CatchTableBody().Parent
	if vm.config.TraceCatchtables {
		vm.log.Debugf("popped catchtable at %08x", table.CatchTableBody().Address)
	}
	return table
}

// frameIsLive reports whether the frame is still on the active chain.
func (vm *VM) frameIsLive(frame *Cell) bool {
	for f := vm.frames; f != nil; f = f.FrameBody().Parent {
		if f == frame {
			return true
		}
	}
	return false
}

// unwindCatchstack transfers control to the innermost viable handler.
//
// Handlers registered by frames that already returned are discarded.
// Frames above the handler's frame are popped, the operand stack is
// trimmed to the depth recorded at registration, the payload (when
// present) is pushed, and execution continues at the handler address.
//
// When the handler chain runs dry the uncaught-exception handler is
// scheduled if set; otherwise the machine halts with an error.
func (vm *VM) unwindCatchstack(payload *Value) {
	// While the generator boundary would be crossed, finish the
	// generator and restore the resumer so the exception propagates
	// into the resumer's catch chain.
	for len(vm.activeGenerators) > 0 {
		gen := vm.activeGenerators[len(vm.activeGenerators)-1].GeneratorBody()
		if vm.catchstackContains(gen.caller.catchstack) && vm.catchstack != gen.caller.catchstack {
			break
		}
		vm.finishActiveGenerator()
	}

	// Skip tables whose frame already returned.
	for vm.catchstack != nil && !vm.frameIsLive(vm.catchstack.CatchTableBody().Frame) {
		vm.popCatchtable()
	}

	if vm.catchstack == nil {
		vm.handleUncaughtException(payload)
		return
	}

	table := vm.catchstack.CatchTableBody()

	// Pop frames until the handler's frame is current.
	for vm.frames != nil && vm.frames != table.Frame {
		vm.popFrame()
	}

	if table.StackSize > len(vm.stack) {
		vm.panicReason("corrupted catchtable stack size")
	}
	vm.stack = vm.stack[:table.StackSize]

	if payload != nil {
		vm.push(*payload)
	}
	vm.ip = table.Address
	vm.popCatchtable()
}

// catchstackContains reports whether table is on the current chain.
// A nil table is the chain's terminator and always present.
func (vm *VM) catchstackContains(table *Cell) bool {
	if table == nil {
		return true
	}
	for t := vm.catchstack; t != nil; t = t.CatchTableBody().Parent {
		if t == table {
			return true
		}
	}
	return false
}

// handleUncaughtException dispatches an uncaught payload. With a
// handler installed, it is scheduled as a regular task; otherwise the
// machine prints a trace and exits non-zero.
func (vm *VM) handleUncaughtException(payload *Value) {
	value := Null
	if payload != nil {
		value = *payload
	}

	if vm.uncaughtExceptionHandler.IsFunction() || vm.uncaughtExceptionHandler.IsCFunction() {
		vm.scheduler.RegisterTask(CallbackTask(vm.uncaughtExceptionHandler, value))
		vm.halted = true
		return
	}

	fmt.Fprintf(vm.config.Err, "Uncaught exception: %s\n", renderValue(value))
	vm.printStackTrace(vm.config.Err)
	vm.exitStatus = 1
	vm.running = false
	vm.halted = true
}

// printStackTrace dumps the frame chain, using the line map if present.
func (vm *VM) printStackTrace(w io.Writer) {
	depth := 0
	for frame := vm.frames; frame != nil && depth < 64; frame = frame.FrameBody().Parent {
		body := frame.FrameBody()
		location := ""
		if vm.block != nil {
			if entry, ok := vm.block.LineFor(body.OriginAddress); ok {
				location = fmt.Sprintf(" (%d:%d)", entry.Line, entry.Column)
			}
		}
		fmt.Fprintf(w, "  at %s%s\n", vm.frameLabel(frame), location)
		depth++
	}
}
