package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Interpreter: bytecode dispatch loop
// ---------------------------------------------------------------------------

// LoadBlock installs the compiled program the machine executes.
func (vm *VM) LoadBlock(block *InstructionBlock) {
	vm.block = block
	for _, name := range block.Strings {
		vm.Symbols.Intern(name)
	}
}

// runInterpreter drives the dispatch loop until the machine halts,
// re-entering it after every handled exception.
func (vm *VM) runInterpreter() {
	for vm.running && !vm.halted {
		vm.dispatchGuarded()
	}
}

// dispatchGuarded runs the dispatch loop under the exception boundary.
// A thrown payload is fed into the catch-table chain and the caller
// re-enters the loop at the handler address. Suspension signals leave
// the machine parked for the scheduler. Machine panics propagate.
func (vm *VM) dispatchGuarded() {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch signal := r.(type) {
		case userException:
			vm.unwindCatchstack(&signal.payload)
		case suspendSignal:
			vm.halted = true
		default:
			panic(r)
		}
	}()

	vm.dispatchLoop()
}

func (vm *VM) dispatchLoop() {
	data := vm.block.Data

	for vm.running && !vm.halted {
		if int(vm.ip) >= vm.block.WriteOffset {
			vm.panicReason(fmt.Sprintf("instruction pointer %08x outside the instruction block", vm.ip))
		}

		instrStart := vm.ip
		op := Opcode(data[instrStart])
		info := op.Info()
		vm.nextIP = instrStart + uint32(info.Length)

		if vm.config.TraceOpcodes {
			vm.log.Debugf("%08x %s", instrStart, info.Name)
		}

		var began time.Time
		if vm.config.InstructionProfile {
			began = time.Now()
		}

		vm.executeInstruction(op, instrStart, data)

		if vm.config.InstructionProfile {
			vm.Profile.Add(op, time.Since(began))
		}

		// Advance unless the instruction transferred control.
		if vm.ip == instrStart {
			vm.ip = instrStart + uint32(info.Length)
		}
	}
}

// executeInstruction performs the effect of one opcode. Operands start
// at instrStart+1; branch offsets are relative to instrStart.
func (vm *VM) executeInstruction(op Opcode, instrStart uint32, data []byte) {
	operands := int(instrStart) + 1

	switch op {
	case OpNop:

	// --- Locals and globals ---
	case OpReadLocal:
		index := readUint32(data, operands)
		level := readUint32(data, operands+4)
		vm.push(vm.readLocal(index, level))

	case OpSetLocal, OpSetLocalPush:
		index := readUint32(data, operands)
		level := readUint32(data, operands+4)
		value := vm.pop()
		vm.writeLocal(index, level, value)
		if op == OpSetLocalPush {
			vm.push(value)
		}

	case OpReadGlobal:
		symbol := vm.block.symbolAt(readUint32(data, operands))
		globals := vm.globals.Cell().ObjectBody()
		value, ok := globals.Container[symbol]
		if !ok {
			vm.ThrowString("unknown global " + vm.Symbols.NameOrHash(symbol))
		}
		vm.push(value)

	case OpSetGlobal, OpSetGlobalPush:
		symbol := vm.block.symbolAt(readUint32(data, operands))
		value := vm.pop()
		vm.globals.Cell().ObjectBody().Container[symbol] = value
		if op == OpSetGlobalPush {
			vm.push(value)
		}

	case OpReadMemberSymbol:
		symbol := vm.block.symbolAt(readUint32(data, operands))
		target := vm.pop()
		vm.pushPopQueue(target)
		vm.push(vm.readMemberSymbol(target, symbol))

	case OpSetMemberSymbol, OpSetMemberSymbolPush:
		symbol := vm.block.symbolAt(readUint32(data, operands))
		value := vm.pop()
		target := vm.pop()
		vm.setMemberSymbol(target, symbol, value)
		if op == OpSetMemberSymbolPush {
			vm.push(value)
		}

	case OpReadMemberValue:
		member := vm.pop()
		target := vm.pop()
		vm.pushPopQueue(target)
		vm.push(vm.readMemberSymbol(target, SymbolFor(member)))

	case OpSetMemberValue, OpSetMemberValuePush:
		value := vm.pop()
		member := vm.pop()
		target := vm.pop()
		vm.setMemberSymbol(target, SymbolFor(member), value)
		if op == OpSetMemberValuePush {
			vm.push(value)
		}

	case OpReadArrayIndex:
		index := int64(readInt32(data, operands))
		array := vm.pop()
		vm.pushPopQueue(array)
		vm.push(vm.readArrayIndex(array, index))

	case OpSetArrayIndex, OpSetArrayIndexPush:
		index := int64(readInt32(data, operands))
		value := vm.pop()
		array := vm.pop()
		vm.writeArrayIndex(array, index, value)
		if op == OpSetArrayIndexPush {
			vm.push(value)
		}

	// --- Values and literals ---
	case OpPutSelf:
		vm.push(vm.selfValue())

	case OpPutSuper:
		vm.push(vm.superConstructor())

	case OpPutSuperMember:
		symbol := vm.block.symbolAt(readUint32(data, operands))
		vm.push(vm.superMember(symbol))

	case OpPutValue:
		vm.push(vm.block.Constants[readUint32(data, operands)])

	case OpPutString:
		vm.push(vm.CreateString([]byte(vm.block.stringAt(readUint32(data, operands)))))

	case OpPutFloat:
		vm.push(FromFloat(readFloat64(data, operands)))

	case OpPutFunction:
		name := vm.block.symbolAt(readUint32(data, operands))
		bodyOffset := readInt32(data, operands+4)
		anonymous := data[operands+8] != 0
		needsArguments := data[operands+9] != 0
		argc := readUint32(data, operands+10)
		minimumArgc := readUint32(data, operands+14)
		lvarcount := readUint32(data, operands+18)
		bodyAddress := uint32(int32(instrStart) + bodyOffset)
		vm.push(vm.CreateFunction(name, bodyAddress, argc, minimumArgc, lvarcount, anonymous, needsArguments))

	case OpPutGenerator:
		name := vm.block.symbolAt(readUint32(data, operands))
		resumeOffset := readInt32(data, operands+4)
		lvarcount := readUint32(data, operands+8)
		resumeAddress := uint32(int32(instrStart) + resumeOffset)
		vm.push(vm.CreateGenerator(name, resumeAddress, lvarcount))

	case OpPutArray:
		count := readUint32(data, operands)
		values := vm.popN(int(count))
		array := vm.CreateArray(int(count))
		body := array.Cell().ArrayBody()
		body.Data = append(body.Data, values...)
		vm.push(array)

	case OpPutHash:
		count := readUint32(data, operands)
		object := vm.CreateObject(int(count))
		vm.pushPopQueue(object)
		container := object.Cell().ObjectBody().Container
		for i := uint32(0); i < count; i++ {
			value := vm.pop()
			key := vm.pop()
			vm.pushPopQueue(value)
			container[SymbolFor(key)] = value
		}
		vm.push(object)

	case OpPutClass:
		vm.putClass(data, operands)

	// --- Stack plumbing ---
	case OpPop:
		vm.pop()

	case OpDup:
		vm.push(vm.top())

	case OpDupn:
		count := int(readUint32(data, operands))
		if len(vm.stack) < count {
			vm.panicReason("operand stack underflow")
		}
		base := len(vm.stack) - count
		for i := 0; i < count; i++ {
			vm.push(vm.stack[base+i])
		}

	case OpSwap:
		a := vm.pop()
		b := vm.pop()
		vm.push(a)
		vm.push(b)

	case OpTopn:
		offset := int(readUint32(data, operands))
		if len(vm.stack) <= offset {
			vm.panicReason("operand stack underflow")
		}
		vm.push(vm.stack[len(vm.stack)-1-offset])

	case OpSetn:
		offset := int(readUint32(data, operands))
		value := vm.pop()
		if len(vm.stack) <= offset {
			vm.panicReason("operand stack underflow")
		}
		vm.stack[len(vm.stack)-1-offset] = value

	// --- Calls ---
	case OpCall:
		argc := readUint32(data, operands)
		args := vm.popN(int(argc))
		callee := vm.pop()
		vm.pushPopQueue(callee)
		vm.dispatchCall(callee, args, nil, false)

	case OpCallMember:
		symbol := vm.block.symbolAt(readUint32(data, operands))
		argc := readUint32(data, operands+4)
		args := vm.popN(int(argc))
		target := vm.pop()
		vm.pushPopQueue(target)
		callee, ok := vm.resolveMember(target, symbol)
		if !ok || callee.IsNull() {
			vm.ThrowString(fmt.Sprintf("%s value has no method %s",
				target.TypeName(), vm.Symbols.NameOrHash(symbol)))
		}
		vm.dispatchCall(callee, args, &target, false)

	case OpNew:
		argc := readUint32(data, operands)
		args := vm.popN(int(argc))
		klass := vm.pop()
		if !klass.IsClass() {
			vm.ThrowString(fmt.Sprintf("cannot instantiate a %s value", klass.TypeName()))
		}
		vm.pushPopQueue(klass)
		vm.callClass(klass.Cell(), args)

	case OpReturn:
		vm.opReturn()

	case OpYield:
		value := vm.pop()
		vm.yieldGenerator(value, vm.nextIP)

	// --- Exceptions ---
	case OpThrow:
		payload := vm.pop()
		vm.pushPopQueue(payload)
		vm.unwindCatchstack(&payload)

	case OpRegisterCatchTable:
		offset := readInt32(data, operands)
		vm.createCatchtable(uint32(int32(instrStart) + offset))

	case OpPopCatchTable:
		vm.popCatchtable()

	// --- Branches ---
	case OpBranch:
		vm.ip = uint32(int32(instrStart) + readInt32(data, operands))

	case OpBranchIf:
		if vm.pop().Truthyness() {
			vm.ip = uint32(int32(instrStart) + readInt32(data, operands))
		}

	case OpBranchUnless:
		if !vm.pop().Truthyness() {
			vm.ip = uint32(int32(instrStart) + readInt32(data, operands))
		}

	case OpBranchLt, OpBranchGt, OpBranchLe, OpBranchGe:
		right := vm.pop()
		left := vm.pop()
		if vm.compare(op, left, right).Truthyness() {
			vm.ip = uint32(int32(instrStart) + readInt32(data, operands))
		}

	case OpBranchEq:
		right := vm.pop()
		left := vm.pop()
		if vm.eq(left, right) == True {
			vm.ip = uint32(int32(instrStart) + readInt32(data, operands))
		}

	case OpBranchNeq:
		right := vm.pop()
		left := vm.pop()
		if vm.eq(left, right) != True {
			vm.ip = uint32(int32(instrStart) + readInt32(data, operands))
		}

	// --- Arithmetic ---
	case OpAdd:
		right := vm.pop()
		left := vm.pop()
		vm.push(vm.add(left, right))

	case OpSub:
		right := vm.pop()
		left := vm.pop()
		vm.push(SubNumeric(left, right))

	case OpMul:
		right := vm.pop()
		left := vm.pop()
		vm.push(MulNumeric(left, right))

	case OpDiv:
		right := vm.pop()
		left := vm.pop()
		vm.push(DivNumeric(left, right))

	case OpMod:
		right := vm.pop()
		left := vm.pop()
		vm.push(ModNumeric(left, right))

	case OpPow:
		right := vm.pop()
		left := vm.pop()
		vm.push(PowNumeric(left, right))

	// --- Comparison ---
	case OpEq:
		right := vm.pop()
		left := vm.pop()
		vm.push(vm.eq(left, right))

	case OpNeq:
		right := vm.pop()
		left := vm.pop()
		vm.push(vm.neq(left, right))

	case OpLt, OpGt, OpLe, OpGe:
		right := vm.pop()
		left := vm.pop()
		vm.push(vm.compare(op, left, right))

	// --- Bitwise ---
	case OpShl:
		right := vm.pop()
		left := vm.pop()
		vm.push(ShlNumeric(left, right))

	case OpShr:
		right := vm.pop()
		left := vm.pop()
		vm.push(ShrNumeric(left, right))

	case OpBAnd:
		right := vm.pop()
		left := vm.pop()
		vm.push(BAndNumeric(left, right))

	case OpBOr:
		right := vm.pop()
		left := vm.pop()
		vm.push(BOrNumeric(left, right))

	case OpBXor:
		right := vm.pop()
		left := vm.pop()
		vm.push(BXorNumeric(left, right))

	// --- Unary ---
	case OpUAdd:
		vm.push(UAddNumeric(vm.pop()))

	case OpUSub:
		vm.push(USubNumeric(vm.pop()))

	case OpUNot:
		vm.push(UNot(vm.pop()))

	case OpUBNot:
		vm.push(UBNotNumeric(vm.pop()))

	// --- Misc ---
	case OpTypeof:
		value := vm.pop()
		vm.push(vm.CreateString([]byte(value.TypeName())))

	case OpHalt:
		vm.halted = true

	default:
		vm.panicReason(fmt.Sprintf("unknown opcode %02x at %08x", byte(op), instrStart))
	}
}

// opReturn unwinds the active frame. When the frame is a generator's
// body frame the machine returns to the resumer instead.
func (vm *VM) opReturn() {
	if n := len(vm.activeGenerators); n > 0 {
		gen := vm.activeGenerators[n-1].GeneratorBody()
		if vm.frames == gen.BootFrame {
			vm.returnFromGenerator(vm.pop())
			return
		}
	}

	frame := vm.popFrame()
	body := frame.FrameBody()

	value := vm.pop()
	if body.StackSize > len(vm.stack) {
		vm.panicReason("corrupted frame stack size")
	}
	vm.stack = vm.stack[:body.StackSize]
	vm.catchstack = body.LastActiveCatchtable
	vm.ip = body.ReturnAddress

	if !body.DiscardReturn {
		vm.push(value)
	}
	if body.HaltAfterReturn {
		vm.halted = true
	}
}

// putClass assembles a class literal from the operand stack.
//
// The compiler pushes, bottom to top: the member property symbols, the
// static property symbols, the methods, the static methods, the parent
// class when flagged, and the constructor when flagged.
func (vm *VM) putClass(data []byte, operands int) {
	name := vm.block.symbolAt(readUint32(data, operands))
	propertyCount := readUint32(data, operands+4)
	staticPropCount := readUint32(data, operands+8)
	methodCount := readUint32(data, operands+12)
	staticMethodCount := readUint32(data, operands+16)
	hasParent := data[operands+20] != 0
	hasConstructor := data[operands+21] != 0

	var constructor Value = Null
	if hasConstructor {
		constructor = vm.pop()
		vm.pushPopQueue(constructor)
	}

	var parent Value = Null
	if hasParent {
		parent = vm.pop()
		if !parent.IsClass() {
			vm.ThrowString(fmt.Sprintf("cannot extend a %s value", parent.TypeName()))
		}
		vm.pushPopQueue(parent)
	}

	staticMethods := vm.popN(int(staticMethodCount))
	methods := vm.popN(int(methodCount))
	staticProps := vm.popN(int(staticPropCount))
	memberProps := vm.popN(int(propertyCount))

	klass := vm.CreateClass(name)
	vm.pushPopQueue(klass)
	body := klass.Cell().ClassBody()
	body.ParentClass = parent
	body.Constructor = constructor
	body.MemberProperties = append(body.MemberProperties, memberProps...)

	prototype := vm.CreateObject(len(methods))
	body.Prototype = prototype
	prototypeContainer := prototype.Cell().ObjectBody().Container
	for _, method := range methods {
		if !method.IsFunction() {
			vm.ThrowString("class method list holds a non-function value")
		}
		fn := method.Cell().FunctionBody()
		fn.HostClass = klass
		prototypeContainer[fn.Name] = method
	}

	for _, method := range staticMethods {
		if !method.IsFunction() {
			vm.ThrowString("class static method list holds a non-function value")
		}
		fn := method.Cell().FunctionBody()
		fn.HostClass = klass
		body.Container[fn.Name] = method
	}

	for _, prop := range staticProps {
		body.Container[prop] = Null
	}

	if constructor.IsFunction() {
		constructor.Cell().FunctionBody().HostClass = klass
	}

	vm.push(klass)
}

// superConstructor resolves the parent class constructor for the active
// method and binds it to the current self.
func (vm *VM) superConstructor() Value {
	hostClass := vm.activeHostClass()
	parent := hostClass.Cell().ClassBody().ParentClass
	if !parent.IsClass() {
		vm.ThrowString("class has no parent class")
	}
	constructor := vm.findConstructor(parent.Cell())
	if constructor == nil {
		vm.ThrowString("parent class has no constructor")
	}
	return vm.bindSelf(constructor.Value())
}

// superMember resolves a member starting at the parent prototype of the
// active method's class and binds it to the current self.
func (vm *VM) superMember(symbol Value) Value {
	hostClass := vm.activeHostClass()
	parent := hostClass.Cell().ClassBody().ParentClass
	value, ok := vm.lookupPrototypeChain(parent, symbol)
	if !ok {
		vm.ThrowString("parent class chain has no member " + vm.Symbols.NameOrHash(symbol))
	}
	return vm.bindSelf(value)
}

// activeHostClass returns the class the running method belongs to.
func (vm *VM) activeHostClass() Value {
	if vm.frames == nil {
		vm.ThrowString("super used outside of a method")
	}
	caller := vm.frames.FrameBody().CallerValue
	if !caller.IsFunction() {
		vm.ThrowString("super used outside of a method")
	}
	hostClass := caller.Cell().FunctionBody().HostClass
	if !hostClass.IsClass() {
		vm.ThrowString("super used outside of a method")
	}
	return hostClass
}

// bindSelf copies a function value with the current self bound.
func (vm *VM) bindSelf(fn Value) Value {
	if !fn.IsFunction() {
		return fn
	}
	vm.pushPopQueue(fn)
	bound := vm.CopyFunction(fn)
	body := bound.Cell().FunctionBody()
	body.BoundSelfSet = true
	body.BoundSelf = vm.selfValue()
	return bound
}
