package vm

import (
	"bytes"
	"fmt"
)

// ---------------------------------------------------------------------------
// Machine panics and user exceptions
// ---------------------------------------------------------------------------

// machinePanic is an internal invariant violation: bad opcode, stack
// underflow, corrupted chain. Terminal and not catchable.
type machinePanic struct {
	Reason string
}

func (p machinePanic) Error() string { return "machine panic: " + p.Reason }

// userException carries a thrown payload through the Go stack until the
// dispatch loop feeds it into the catch-table chain.
type userException struct {
	payload Value
}

// suspendSignal returns control to the scheduler after the machine
// state has been parked in a fiber entry.
type suspendSignal struct {
	uid uint64
}

// panicReason halts the machine with a structured diagnostic.
func (vm *VM) panicReason(reason string) {
	panic(machinePanic{Reason: reason})
}

// Throw raises a user exception with the given payload. Host functions
// use this to report failure; it participates in normal catch
// semantics.
func (vm *VM) Throw(payload Value) {
	panic(userException{payload: payload})
}

// ThrowString raises a user exception with a string payload.
func (vm *VM) ThrowString(message string) {
	vm.Throw(vm.CreateString([]byte(message)))
}

// SetUncaughtExceptionHandler installs the function invoked for
// payloads no catch-table caught.
func (vm *VM) SetUncaughtExceptionHandler(handler Value) {
	vm.uncaughtExceptionHandler = handler
}

// ---------------------------------------------------------------------------
// Member access
// ---------------------------------------------------------------------------

// readMemberSymbol resolves target.symbol. Objects consult their own
// container first, then their class's prototype chain. Classes consult
// their container. Every other kind delegates to its primitive class.
// Unresolved members read as null.
func (vm *VM) readMemberSymbol(target Value, symbol Value) Value {
	if v, ok := vm.resolveMember(target, symbol); ok {
		return v
	}
	return Null
}

func (vm *VM) resolveMember(target Value, symbol Value) (Value, bool) {
	switch {
	case target.IsObject():
		body := target.Cell().ObjectBody()
		if v, ok := body.Container[symbol]; ok {
			return v, true
		}
		if v, ok := vm.lookupPrototypeChain(body.Klass, symbol); ok {
			return v, true
		}
		return vm.findPrimitiveValue(vm.primitiveObject, symbol)

	case target.IsClass():
		body := target.Cell().ClassBody()
		if v, ok := body.Container[symbol]; ok {
			return v, true
		}
		return vm.findPrimitiveValue(vm.primitiveClass, symbol)

	case target.IsFunction():
		if v, ok := target.Cell().FunctionBody().Container[symbol]; ok {
			return v, true
		}
		return vm.findPrimitiveValue(vm.primitiveFunction, symbol)

	case target.IsCFunction():
		if v, ok := target.Cell().CFunctionBody().Container[symbol]; ok {
			return v, true
		}
		return vm.findPrimitiveValue(vm.primitiveFunction, symbol)

	case target.IsGenerator():
		if v, ok := target.Cell().GeneratorBody().Container[symbol]; ok {
			return v, true
		}
		return vm.findPrimitiveValue(vm.primitiveGenerator, symbol)

	case target.IsArray():
		return vm.findPrimitiveValue(vm.primitiveArray, symbol)

	case target.IsString():
		return vm.findPrimitiveValue(vm.primitiveString, symbol)

	case target.IsNumeric():
		return vm.findPrimitiveValue(vm.primitiveNumber, symbol)

	case target.IsBool():
		return vm.findPrimitiveValue(vm.primitiveBoolean, symbol)

	case target.IsNull():
		return vm.findPrimitiveValue(vm.primitiveNull, symbol)
	}

	return vm.findPrimitiveValue(vm.primitiveValue, symbol)
}

// lookupPrototypeChain walks klass.prototype, then the parent class
// prototypes transitively. The builder guarantees the chain is acyclic.
func (vm *VM) lookupPrototypeChain(klass Value, symbol Value) (Value, bool) {
	for klass.IsClass() {
		body := klass.Cell().ClassBody()
		if body.Prototype.IsObject() {
			if v, ok := body.Prototype.Cell().ObjectBody().Container[symbol]; ok {
				return v, true
			}
		}
		klass = body.ParentClass
	}
	return Null, false
}

// findPrimitiveValue looks a symbol up on a primitive class, walking
// its container, its prototype chain, then the universal Value class.
func (vm *VM) findPrimitiveValue(primitive Value, symbol Value) (Value, bool) {
	if primitive.IsClass() {
		body := primitive.Cell().ClassBody()
		if v, ok := body.Container[symbol]; ok {
			return v, true
		}
		if v, ok := vm.lookupPrototypeChain(primitive, symbol); ok {
			return v, true
		}
	}
	if primitive != vm.primitiveValue && vm.primitiveValue.IsClass() {
		return vm.findPrimitiveValue(vm.primitiveValue, symbol)
	}
	return Null, false
}

// setMemberSymbol writes target.symbol. Only objects and classes carry
// assignable members; writes to primitives throw.
func (vm *VM) setMemberSymbol(target Value, symbol Value, value Value) {
	switch {
	case target.IsObject():
		target.Cell().ObjectBody().Container[symbol] = value
	case target.IsClass():
		target.Cell().ClassBody().Container[symbol] = value
	default:
		vm.ThrowString(fmt.Sprintf("cannot assign member %s of a %s value",
			vm.Symbols.NameOrHash(symbol), target.TypeName()))
	}
}

// ---------------------------------------------------------------------------
// Array indexing
// ---------------------------------------------------------------------------

// readArrayIndex reads array[index]. Negative indices wrap once;
// out-of-range reads yield null.
func (vm *VM) readArrayIndex(array Value, index int64) Value {
	if !array.IsArray() {
		vm.ThrowString(fmt.Sprintf("cannot index a %s value", array.TypeName()))
	}
	data := array.Cell().ArrayBody().Data
	if index < 0 {
		index += int64(len(data))
	}
	if index < 0 || index >= int64(len(data)) {
		return Null
	}
	return data[index]
}

// writeArrayIndex writes array[index]. Negative indices wrap once;
// out-of-range writes throw.
func (vm *VM) writeArrayIndex(array Value, index int64, value Value) {
	if !array.IsArray() {
		vm.ThrowString(fmt.Sprintf("cannot index a %s value", array.TypeName()))
	}
	body := array.Cell().ArrayBody()
	if index < 0 {
		index += int64(len(body.Data))
	}
	if index < 0 || index >= int64(len(body.Data)) {
		vm.ThrowString(fmt.Sprintf("array index %d out of range (length %d)", index, len(body.Data)))
	}
	body.Data[index] = value
}

// ---------------------------------------------------------------------------
// Operators with non-numeric overloads
// ---------------------------------------------------------------------------

// add handles numeric addition, string concatenation and array
// concatenation.
func (vm *VM) add(left, right Value) Value {
	if left.IsString() || right.IsString() {
		return vm.concat(left, right)
	}
	if left.IsArray() && right.IsArray() {
		l := left.Cell().ArrayBody().Data
		r := right.Cell().ArrayBody().Data
		vm.pushPopQueue(left)
		vm.pushPopQueue(right)
		result := vm.CreateArray(len(l) + len(r))
		body := result.Cell().ArrayBody()
		body.Data = append(body.Data, l...)
		body.Data = append(body.Data, r...)
		return result
	}
	return AddNumeric(left, right)
}

// concat renders both operands and builds the most compact string form.
func (vm *VM) concat(left, right Value) Value {
	vm.pushPopQueue(left)
	vm.pushPopQueue(right)
	lb := renderBytes(left)
	rb := renderBytes(right)
	data := make([]byte, 0, len(lb)+len(rb))
	data = append(data, lb...)
	data = append(data, rb...)
	return vm.CreateString(data)
}

func renderBytes(v Value) []byte {
	if v.IsString() {
		return v.StringData()
	}
	return []byte(renderValue(v))
}

// eq implements the Eq opcode. Integers, booleans, null and symbols
// compare bitwise; numerics compare by value with IEEE NaN rules;
// strings compare by content; heap values by identity.
func (vm *VM) eq(left, right Value) Value {
	if left.IsNumeric() && right.IsNumeric() {
		return EqNumeric(left, right)
	}
	if left.IsString() && right.IsString() {
		return FromBool(bytes.Equal(left.StringData(), right.StringData()))
	}
	return FromBool(left == right)
}

func (vm *VM) neq(left, right Value) Value {
	if vm.eq(left, right) == True {
		return False
	}
	return True
}

// compare implements Lt/Gt/Le/Ge with a string overload.
func (vm *VM) compare(op Opcode, left, right Value) Value {
	if left.IsString() && right.IsString() {
		c := bytes.Compare(left.StringData(), right.StringData())
		switch op {
		case OpLt, OpBranchLt:
			return FromBool(c < 0)
		case OpGt, OpBranchGt:
			return FromBool(c > 0)
		case OpLe, OpBranchLe:
			return FromBool(c <= 0)
		default:
			return FromBool(c >= 0)
		}
	}
	switch op {
	case OpLt, OpBranchLt:
		return LtNumeric(left, right)
	case OpGt, OpBranchGt:
		return GtNumeric(left, right)
	case OpLe, OpBranchLe:
		return LeNumeric(left, right)
	default:
		return GeNumeric(left, right)
	}
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// getSelfForFunction computes the self a function call binds: an
// explicitly bound self wins, then the caller-provided target, then the
// self of the function's captured lexical frame.
func (vm *VM) getSelfForFunction(fn *FunctionBody, target *Value) Value {
	switch {
	case fn.BoundSelfSet:
		return fn.BoundSelf
	case target != nil:
		return *target
	case fn.Context != nil:
		return fn.Context.FrameBody().Self
	}
	return Null
}

// dispatchCall invokes a callee with already-popped arguments. target
// is the member-call receiver, if any; it becomes self for plain
// functions.
func (vm *VM) dispatchCall(callee Value, args []Value, target *Value, haltAfterReturn bool) {
	switch {
	case callee.IsFunction():
		self := vm.getSelfForFunction(callee.Cell().FunctionBody(), target)
		vm.callFunction(callee.Cell(), args, self, haltAfterReturn)

	case callee.IsCFunction():
		vm.callCFunction(callee.Cell(), args)

	case callee.IsClass():
		vm.callClass(callee.Cell(), args)

	case callee.IsGenerator():
		var arg *Value
		if len(args) > 0 {
			arg = &args[0]
		}
		vm.resumeGenerator(callee.Cell(), arg)

	default:
		vm.ThrowString(fmt.Sprintf("cannot call a %s value", callee.TypeName()))
	}
}

// callFunction pushes a frame for a bytecode function and jumps to its
// body. Locals are initialised from the arguments; an overrun builds an
// arguments array when the function wants one.
func (vm *VM) callFunction(function *Cell, args []Value, self Value, haltAfterReturn bool) {
	fn := function.FunctionBody()

	if uint32(len(args)) < fn.MinimumArgC {
		vm.ThrowString(fmt.Sprintf("%s expects at least %d arguments, got %d",
			vm.Symbols.NameOrHash(fn.Name), fn.MinimumArgC, len(args)))
	}

	frame := vm.createFrame(self, function, vm.nextIP, haltAfterReturn)
	body := frame.FrameBody()
	locals := body.Locals()

	bound := int(fn.ArgC)
	if len(args) < bound {
		bound = len(args)
	}
	copy(locals[:bound], args[:bound])

	if fn.NeedsArguments && int(fn.ArgC) < int(body.LVarCount()) {
		arguments := vm.CreateArray(len(args))
		arr := arguments.Cell().ArrayBody()
		arr.Data = append(arr.Data, args...)
		locals[fn.ArgC] = arguments
	}

	vm.ip = fn.BodyAddress
}

// callCFunction invokes a host function after asserting that the
// calling goroutine satisfies the function's thread policy.
func (vm *VM) callCFunction(cfunc *Cell, args []Value) {
	cf := cfunc.CFunctionBody()
	vm.assertThreadPolicy(cf)

	if len(args) > maxCFunctionArgs {
		args = args[:maxCFunctionArgs]
	}
	result := cf.Pointer(vm, args)
	if cf.PushReturn {
		vm.push(result)
	}
}

// assertThreadPolicy panics when a main-only host function runs on a
// worker or a worker-only one on the main goroutine. The compiler
// should prevent this; the interpreter double-checks.
func (vm *VM) assertThreadPolicy(cf *CFunctionBody) {
	if vm.IsWorkerThread() {
		if cf.ThreadPolicy&ThreadWorker == 0 {
			vm.panicReason(fmt.Sprintf("main-only host function %s called on a worker thread",
				vm.Symbols.NameOrHash(cf.Name)))
		}
		return
	}
	if cf.ThreadPolicy&ThreadMain == 0 {
		vm.panicReason(fmt.Sprintf("worker-only host function %s called on the main thread",
			vm.Symbols.NameOrHash(cf.Name)))
	}
}

// callClass constructs an instance: allocate the object, bind its
// class, null-initialise the member properties declared along the class
// chain, then run the first constructor found up the parent chain. The
// instance is left on the operand stack.
func (vm *VM) callClass(klass *Cell, args []Value) {
	object := vm.CreateObject(8)
	body := object.Cell().ObjectBody()
	body.Klass = klass.Value()

	vm.pushPopQueue(object)
	vm.initializeMemberProperties(klass, body)

	constructor := vm.findConstructor(klass)
	vm.push(object)

	if constructor == nil {
		return
	}

	vm.callFunction(constructor, args, object, false)
	vm.frames.FrameBody().DiscardReturn = true
}

// initializeMemberProperties nulls out every member property declared
// by the class and its ancestors.
func (vm *VM) initializeMemberProperties(klass *Cell, object *ObjectBody) {
	for current := klass; current != nil; {
		body := current.ClassBody()
		for _, name := range body.MemberProperties {
			if _, exists := object.Container[name]; !exists {
				object.Container[name] = Null
			}
		}
		if !body.ParentClass.IsClass() {
			break
		}
		current = body.ParentClass.Cell()
	}
}

// findConstructor returns the first non-null constructor up the chain.
func (vm *VM) findConstructor(klass *Cell) *Cell {
	for current := klass; current != nil; {
		body := current.ClassBody()
		if body.Constructor.IsFunction() {
			return body.Constructor.Cell()
		}
		if !body.ParentClass.IsClass() {
			return nil
		}
		current = body.ParentClass.Cell()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

// resumeGenerator transfers the machine into a generator's saved state.
// The resumer's state is parked on the generator until the next yield,
// return or uncaught throw.
func (vm *VM) resumeGenerator(genCell *Cell, arg *Value) {
	gen := genCell.GeneratorBody()

	if gen.Finished {
		vm.push(Null)
		return
	}
	if gen.caller != nil {
		vm.ThrowString("generator is already running")
	}

	gen.caller = &generatorCallerState{
		stack:      vm.stack,
		frame:      vm.frames,
		catchstack: vm.catchstack,
		ip:         vm.nextIP,
	}

	// Install the generator's saved state. The stack and catch chain
	// move; the live machine must not alias them.
	stack := gen.ContextStack
	if stack == nil {
		stack = make([]Value, 0, 8)
	}
	gen.ContextStack = nil
	if gen.Started && arg != nil {
		stack = append(stack, *arg)
	}
	vm.stack = stack
	vm.frames = gen.ContextFrame

	// Relink the generator's own catch tables on top of the resumer's.
	if gen.ContextCatchtable != nil {
		bottom := gen.ContextCatchtable
		for bottom.CatchTableBody().Parent != nil {
			bottom = bottom.CatchTableBody().Parent
		}
		bottom.CatchTableBody().Parent = gen.caller.catchstack
		vm.catchstack = gen.ContextCatchtable
		gen.ContextCatchtable = nil
	}

	vm.ip = gen.ResumeAddress
	gen.Started = true
	vm.activeGenerators = append(vm.activeGenerators, genCell)
}

// yieldGenerator suspends the innermost running generator, parking its
// stack, catch tables and resume address, and hands the yielded value
// to the resumer.
func (vm *VM) yieldGenerator(value Value, resumeAddress uint32) {
	if len(vm.activeGenerators) == 0 {
		vm.panicReason("yield outside of a generator")
	}
	genCell := vm.activeGenerators[len(vm.activeGenerators)-1]
	gen := genCell.GeneratorBody()
	caller := gen.caller

	// Cut the portion of the catch chain belonging to this generator.
	gen.ContextCatchtable = vm.cutCatchChain(caller.catchstack)
	gen.ContextStack = vm.stack
	gen.ContextFrame = vm.frames
	gen.ResumeAddress = resumeAddress
	gen.caller = nil

	vm.stack = caller.stack
	vm.frames = caller.frame
	vm.catchstack = caller.catchstack
	vm.ip = caller.ip
	vm.activeGenerators = vm.activeGenerators[:len(vm.activeGenerators)-1]

	vm.push(value)
}

// cutCatchChain detaches every catch table above boundary and returns
// the top of the detached portion, or nil when the chain is untouched.
func (vm *VM) cutCatchChain(boundary *Cell) *Cell {
	if vm.catchstack == boundary {
		return nil
	}
	top := vm.catchstack
	cursor := top
	for cursor.CatchTableBody().Parent != boundary {
		cursor = cursor.CatchTableBody().Parent
	}
	cursor.CatchTableBody().Parent = nil
	vm.catchstack = boundary
	return top
}

// returnFromGenerator completes a generator: the machine returns to the
// resumer and the return value is pushed there. Further resumes yield
// null.
func (vm *VM) returnFromGenerator(value Value) {
	genCell := vm.activeGenerators[len(vm.activeGenerators)-1]
	gen := genCell.GeneratorBody()
	caller := gen.caller

	gen.Finished = true
	gen.ContextStack = nil
	gen.ContextCatchtable = nil
	gen.caller = nil

	vm.stack = caller.stack
	vm.frames = caller.frame
	vm.catchstack = caller.catchstack
	vm.ip = caller.ip
	vm.activeGenerators = vm.activeGenerators[:len(vm.activeGenerators)-1]

	vm.push(value)
}

// finishActiveGenerator abandons the innermost running generator during
// an unwind. The resumer's state is restored so the exception continues
// through its catch chain; nothing is pushed.
func (vm *VM) finishActiveGenerator() {
	genCell := vm.activeGenerators[len(vm.activeGenerators)-1]
	gen := genCell.GeneratorBody()
	caller := gen.caller

	gen.Finished = true
	gen.ContextStack = nil
	gen.ContextCatchtable = nil
	gen.caller = nil

	vm.stack = caller.stack
	vm.frames = caller.frame
	vm.catchstack = caller.catchstack
	vm.ip = caller.ip
	vm.activeGenerators = vm.activeGenerators[:len(vm.activeGenerators)-1]
}
