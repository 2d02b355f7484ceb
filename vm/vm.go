package vm

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// VM: The Charly Virtual Machine
// ---------------------------------------------------------------------------

// Config controls tracing and machine sizing.
type Config struct {
	Heap HeapConfig

	InstructionProfile bool
	TraceOpcodes       bool
	TraceCatchtables   bool
	TraceFrames        bool
	VerboseAddresses   bool

	// Initial operand-stack capacity.
	StackCapacity int

	// Streams for program output and diagnostics.
	Out io.Writer
	Err io.Writer
}

// DefaultConfig returns the stock VM configuration.
func DefaultConfig() Config {
	return Config{
		Heap:          DefaultHeapConfig(),
		StackCapacity: 1024,
		Out:           os.Stdout,
		Err:           os.Stderr,
	}
}

func (c *Config) applyDefaults() {
	if c.StackCapacity <= 0 {
		c.StackCapacity = 1024
	}
	if c.Out == nil {
		c.Out = os.Stdout
	}
	if c.Err == nil {
		c.Err = os.Stderr
	}
}

// VM is the Charly virtual machine: heap, control stack, interpreter
// and scheduler, driven by a single main goroutine plus worker
// goroutines for offloaded host calls.
type VM struct {
	config Config
	log    commonlog.Logger

	heap      *Heap
	scheduler *Scheduler
	Symbols   *SymbolTable
	Profile   *InstructionProfile

	block *InstructionBlock

	// Machine state. Owned by the goroutine currently interpreting.
	stack      []Value
	frames     *Cell // active frame
	catchstack *Cell // active catch-table
	ip         uint32
	nextIP     uint32 // address of the instruction after the current one
	halted     bool
	running    bool

	// Transient retention buffer: values popped off the operand stack
	// that an opcode still owns. Drained by the collector during mark.
	popQueue []Value

	// Generators currently executing, innermost last.
	activeGenerators []*Cell

	// References to the primitive classes of the VM
	primitiveArray     Value
	primitiveBoolean   Value
	primitiveClass     Value
	primitiveFunction  Value
	primitiveGenerator Value
	primitiveNull      Value
	primitiveNumber    Value
	primitiveObject    Value
	primitiveString    Value
	primitiveValue     Value

	// A function which handles uncaught exceptions
	uncaughtExceptionHandler Value

	// Error class used by the VM
	internalErrorClass Value

	// Object which contains all the global variables
	globals Value

	// Worker-thread tracking: goroutine id -> *WorkerThread
	workerGoroutines sync.Map
	mainGID          int64

	exitStatus int
	startTime  time.Time
}

// NewVM creates and bootstraps a new VM.
func NewVM(config Config) *VM {
	config.applyDefaults()
	vm := &VM{
		config:    config,
		log:       commonlog.GetLogger("charly.vm"),
		Symbols:   NewSymbolTable(),
		Profile:   NewInstructionProfile(),
		stack:     make([]Value, 0, config.StackCapacity),
		mainGID:   getGoroutineID(),
		startTime: time.Now(),
	}
	vm.heap = NewHeap(config.Heap)
	vm.heap.attach(vm)
	vm.scheduler = newScheduler(vm)

	vm.bootstrap()
	return vm
}

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Scheduler returns the VM's scheduler.
func (vm *VM) Scheduler() *Scheduler { return vm.scheduler }

// Globals returns the globals object.
func (vm *VM) Globals() Value { return vm.globals }

// DefineGlobal binds a name in the globals object. Hosts use this to
// expose their function surface before running a program.
func (vm *VM) DefineGlobal(name string, value Value) {
	vm.globals.Cell().ObjectBody().Container[vm.Symbols.Intern(name)] = value
}

// LookupGlobal reads a global by name.
func (vm *VM) LookupGlobal(name string) (Value, bool) {
	v, ok := vm.globals.Cell().ObjectBody().Container[SymbolFromString(name)]
	return v, ok
}

// ExitStatus returns the status code the program finished with.
func (vm *VM) ExitStatus() int { return vm.exitStatus }

// ---------------------------------------------------------------------------
// Bootstrap
// ---------------------------------------------------------------------------

// bootstrap creates the globals object, the primitive classes and the
// internal error class. The standard library later fills the primitive
// prototypes with methods; the runtime only needs them to exist for
// member lookup delegation.
func (vm *VM) bootstrap() {
	vm.globals = vm.CreateObject(32)

	vm.primitiveArray = vm.createPrimitiveClass("Array")
	vm.primitiveBoolean = vm.createPrimitiveClass("Boolean")
	vm.primitiveClass = vm.createPrimitiveClass("Class")
	vm.primitiveFunction = vm.createPrimitiveClass("Function")
	vm.primitiveGenerator = vm.createPrimitiveClass("Generator")
	vm.primitiveNull = vm.createPrimitiveClass("Null")
	vm.primitiveNumber = vm.createPrimitiveClass("Number")
	vm.primitiveObject = vm.createPrimitiveClass("Object")
	vm.primitiveString = vm.createPrimitiveClass("String")
	vm.primitiveValue = vm.createPrimitiveClass("Value")

	vm.internalErrorClass = vm.createPrimitiveClass("InternalError")

	globals := vm.globals.Cell().ObjectBody()
	globals.Container[vm.Symbols.Intern("Array")] = vm.primitiveArray
	globals.Container[vm.Symbols.Intern("Boolean")] = vm.primitiveBoolean
	globals.Container[vm.Symbols.Intern("Class")] = vm.primitiveClass
	globals.Container[vm.Symbols.Intern("Function")] = vm.primitiveFunction
	globals.Container[vm.Symbols.Intern("Generator")] = vm.primitiveGenerator
	globals.Container[vm.Symbols.Intern("Null")] = vm.primitiveNull
	globals.Container[vm.Symbols.Intern("Number")] = vm.primitiveNumber
	globals.Container[vm.Symbols.Intern("Object")] = vm.primitiveObject
	globals.Container[vm.Symbols.Intern("String")] = vm.primitiveString
	globals.Container[vm.Symbols.Intern("Value")] = vm.primitiveValue
	globals.Container[vm.Symbols.Intern("InternalError")] = vm.internalErrorClass

	vm.registerInternals()
}

func (vm *VM) createPrimitiveClass(name string) Value {
	klass := vm.CreateClass(vm.Symbols.Intern(name))
	vm.pushPopQueue(klass)
	klass.Cell().ClassBody().Prototype = vm.CreateObject(8)
	return klass
}

// ---------------------------------------------------------------------------
// Value construction
// ---------------------------------------------------------------------------

// CreateObject allocates an object cell with the given initial capacity.
func (vm *VM) CreateObject(capacity int) Value {
	cell := vm.heap.Allocate()
	cell.init(CellObject, &ObjectBody{
		Klass:     Null,
		Container: make(map[Value]Value, capacity),
	})
	return cell.Value()
}

// CreateArray allocates an array cell.
func (vm *VM) CreateArray(capacity int) Value {
	cell := vm.heap.Allocate()
	cell.init(CellArray, &ArrayBody{Data: make([]Value, 0, capacity)})
	return cell.Value()
}

// CreateString builds the most compact representation for a byte string:
// inline for 0-5 bytes, packed for exactly 6, heap otherwise.
func (vm *VM) CreateString(data []byte) Value {
	switch {
	case len(data) <= 5:
		return FromIString(data)
	case len(data) == 6:
		return FromPString(data)
	}

	cell := vm.heap.Allocate()
	body := &StringBody{}
	if len(data) <= shortStringMaxSize {
		body.short = true
		body.slen = uint8(copy(body.sbuf[:], data))
		cell.shortString = true
	} else {
		body.lbuf = append([]byte(nil), data...)
	}
	cell.init(CellString, body)
	return cell.Value()
}

// CreateFunction allocates a function cell.
func (vm *VM) CreateFunction(name Value, bodyAddress uint32, argc, minimumArgc, lvarcount uint32, anonymous, needsArguments bool) Value {
	cell := vm.heap.Allocate()
	cell.init(CellFunction, &FunctionBody{
		Name:           name,
		ArgC:           argc,
		MinimumArgC:    minimumArgc,
		LVarCount:      lvarcount,
		Context:        vm.frames,
		BodyAddress:    bodyAddress,
		Anonymous:      anonymous,
		NeedsArguments: needsArguments,
		BoundSelf:      Null,
		HostClass:      Null,
		Container:      make(map[Value]Value),
	})
	return cell.Value()
}

// CreateCFunction allocates a host-function cell.
func (vm *VM) CreateCFunction(name Value, argc uint32, pointer HostFunc, threadPolicy uint8) Value {
	if argc > maxCFunctionArgs {
		panic(fmt.Sprintf("cfunction arity %d exceeds the maximum of %d", argc, maxCFunctionArgs))
	}
	cell := vm.heap.Allocate()
	cell.init(CellCFunction, &CFunctionBody{
		Name:         name,
		Pointer:      pointer,
		ArgC:         argc,
		ThreadPolicy: threadPolicy,
		PushReturn:   true,
		Container:    make(map[Value]Value),
	})
	return cell.Value()
}

// CreateGenerator allocates a generator cell with its own context frame.
func (vm *VM) CreateGenerator(name Value, resumeAddress uint32, lvarcount uint32) Value {
	cell := vm.heap.Allocate()
	gen := &GeneratorBody{
		Name:          name,
		ResumeAddress: resumeAddress,
		BoundSelf:     Null,
		Container:     make(map[Value]Value),
	}
	cell.init(CellGenerator, gen)

	vm.pushPopQueue(cell.Value())
	frame := vm.allocateFrame(vm.selfValue(), nil, vm.frames, vm.frames, lvarcount, 0, resumeAddress)
	gen.BootFrame = frame
	gen.ContextFrame = frame
	return cell.Value()
}

// CreateClass allocates a class cell. The prototype starts null; the
// builder fills it.
func (vm *VM) CreateClass(name Value) Value {
	cell := vm.heap.Allocate()
	cell.init(CellClass, &ClassBody{
		Name:        name,
		Constructor: Null,
		Prototype:   Null,
		ParentClass: Null,
		Container:   make(map[Value]Value),
	})
	return cell.Value()
}

// CreateCPointer wraps an opaque host resource. The destructor runs
// when the collector frees the cell.
func (vm *VM) CreateCPointer(data any, destructor func(any)) Value {
	cell := vm.heap.Allocate()
	cell.init(CellCPointer, &CPointerBody{Data: data, Destructor: destructor})
	return cell.Value()
}

// allocateFrame builds a frame cell without pushing it.
func (vm *VM) allocateFrame(self Value, callerValue *Cell, parent, parentEnvironment *Cell, lvarcount uint32, stackSize int, returnAddress uint32) *Cell {
	cell := vm.heap.Allocate()
	body := &FrameBody{
		Parent:            parent,
		ParentEnvironment: parentEnvironment,
		Self:              self,
		ReturnAddress:     returnAddress,
		StackSize:         stackSize,
		CallerValue:       Null,
	}
	if callerValue != nil {
		body.CallerValue = callerValue.Value()
		body.OriginAddress = callerValue.FunctionBody().BodyAddress
	}
	body.initLocals(lvarcount)
	cell.init(CellFrame, body)
	return cell
}

// CopyFunction clones a function cell, used to bind self for super and
// member dispatch.
func (vm *VM) CopyFunction(fn Value) Value {
	src := fn.Cell().FunctionBody()
	cell := vm.heap.Allocate()
	container := make(map[Value]Value, len(src.Container))
	for k, v := range src.Container {
		container[k] = v
	}
	cell.init(CellFunction, &FunctionBody{
		Name:           src.Name,
		ArgC:           src.ArgC,
		MinimumArgC:    src.MinimumArgC,
		LVarCount:      src.LVarCount,
		Context:        src.Context,
		BodyAddress:    src.BodyAddress,
		Anonymous:      src.Anonymous,
		NeedsArguments: src.NeedsArguments,
		BoundSelfSet:   src.BoundSelfSet,
		BoundSelf:      src.BoundSelf,
		HostClass:      src.HostClass,
		Container:      container,
	})
	return cell.Value()
}

// ---------------------------------------------------------------------------
// Pop queue
// ---------------------------------------------------------------------------

// pushPopQueue parks a value the interpreter owns without a strong
// reference. The collector marks the queue and then empties it, so a
// parked value is kept alive by the next collection only.
func (vm *VM) pushPopQueue(v Value) {
	vm.popQueue = append(vm.popQueue, v)
}

// ---------------------------------------------------------------------------
// Root marking
// ---------------------------------------------------------------------------

// markRoots marks every value reachable from the machine: control
// stack, globals, primitive classes, pending tasks, timers, fibers and
// workers. Called by the collector with the heap lock held.
func (vm *VM) markRoots(h *Heap) {
	h.markCell(vm.frames)
	h.markCell(vm.catchstack)
	h.Mark(vm.uncaughtExceptionHandler)
	h.Mark(vm.internalErrorClass)
	h.Mark(vm.globals)
	h.Mark(vm.primitiveArray)
	h.Mark(vm.primitiveBoolean)
	h.Mark(vm.primitiveClass)
	h.Mark(vm.primitiveFunction)
	h.Mark(vm.primitiveGenerator)
	h.Mark(vm.primitiveNull)
	h.Mark(vm.primitiveNumber)
	h.Mark(vm.primitiveObject)
	h.Mark(vm.primitiveString)
	h.Mark(vm.primitiveValue)

	for _, v := range vm.stack {
		h.Mark(v)
	}

	// Drain the pop queue while marking it.
	for _, v := range vm.popQueue {
		h.Mark(v)
	}
	vm.popQueue = vm.popQueue[:0]

	for _, gen := range vm.activeGenerators {
		h.markCell(gen)
	}

	vm.scheduler.markRoots(h)

	vm.workerGoroutines.Range(func(_, value any) bool {
		worker := value.(*WorkerThread)
		h.markCell(worker.cfunc)
		h.markCell(worker.callback)
		h.Mark(worker.errorValue)
		for _, arg := range worker.arguments {
			h.Mark(arg)
		}
		return true
	})
}

// ---------------------------------------------------------------------------
// Thread identity
// ---------------------------------------------------------------------------

// IsMainThread reports whether the calling goroutine is the main
// interpreter goroutine.
func (vm *VM) IsMainThread() bool {
	return getGoroutineID() == vm.mainGID
}

// IsWorkerThread reports whether the calling goroutine is a tracked
// worker.
func (vm *VM) IsWorkerThread() bool {
	_, ok := vm.workerGoroutines.Load(getGoroutineID())
	return ok
}
