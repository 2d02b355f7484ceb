package vm

// ---------------------------------------------------------------------------
// Heap cells
// ---------------------------------------------------------------------------

// CellType identifies the kind of data stored in a heap cell.
type CellType uint8

const (
	CellDead CellType = iota
	CellClass
	CellObject
	CellArray
	CellString
	CellFunction
	CellCFunction
	CellGenerator
	CellFrame
	CellCatchTable
	CellCPointer
)

// Cell is a fixed-size heap slot. Live cells carry a type tag and a body;
// dead cells are threaded into the allocator freelist via next.
//
// The header mirrors the layout every heap structure shares: a 5-bit type
// tag, the collector's mark bit and two user flags. The short-string flag
// is one of the user flags.
type Cell struct {
	typ         CellType
	mark        bool
	shortString bool
	userFlag    bool

	// Freelist link, valid only while typ == CellDead.
	next *Cell

	body cellBody
}

// cellBody is implemented by all per-kind payloads.
type cellBody interface {
	// clean releases externally held containers. It runs exactly once,
	// during sweep, before the cell is re-tagged Dead.
	clean()
}

// Type returns the cell's type tag.
func (c *Cell) Type() CellType { return c.typ }

// Value returns the NaN-boxed pointer value for this cell.
func (c *Cell) Value() Value { return FromCell(c) }

// init installs a body and type tag into a freshly allocated cell.
func (c *Cell) init(t CellType, body cellBody) {
	c.typ = t
	c.body = body
}

// ---------------------------------------------------------------------------
// Bodies
// ---------------------------------------------------------------------------

// ObjectBody holds a user object: its class and its property container.
type ObjectBody struct {
	Klass     Value
	Container map[Value]Value
}

func (b *ObjectBody) clean() { b.Container = nil }

// ArrayBody holds an ordered sequence of values.
type ArrayBody struct {
	Data []Value
}

func (b *ArrayBody) clean() { b.Data = nil }

// Maximum byte length stored inline in a heap string.
const shortStringMaxSize = 118

// StringBody holds a byte string. Strings up to shortStringMaxSize bytes
// are stored in the inline buffer; the owning cell's shortString flag
// records which form is active. The inline buffer is never released.
type StringBody struct {
	short bool
	sbuf  [shortStringMaxSize]byte
	slen  uint8
	lbuf  []byte
}

// Data returns the string content.
func (b *StringBody) Data() []byte {
	if b.short {
		return b.sbuf[:b.slen]
	}
	return b.lbuf
}

// Length returns the byte length of the string.
func (b *StringBody) Length() int {
	if b.short {
		return int(b.slen)
	}
	return len(b.lbuf)
}

func (b *StringBody) clean() {
	if !b.short {
		b.lbuf = nil
	}
}

// FunctionBody describes a bytecode function.
type FunctionBody struct {
	Name           Value // symbol
	ArgC           uint32
	MinimumArgC    uint32
	LVarCount      uint32
	Context        *Cell // captured lexical frame
	BodyAddress    uint32
	Anonymous      bool
	NeedsArguments bool
	BoundSelfSet   bool
	BoundSelf      Value
	HostClass      Value // class this function is a method of
	Container      map[Value]Value
}

func (b *FunctionBody) clean() { b.Container = nil }

// Maximum number of positional arguments a host function receives.
const maxCFunctionArgs = 20

// Thread policy bits of a host function.
const (
	ThreadMain   uint8 = 1 << 0
	ThreadWorker uint8 = 1 << 1
	ThreadBoth   uint8 = ThreadMain | ThreadWorker
)

// HostFunc is the native signature of host-implemented callables.
// A host function reports failure by calling (*VM).Throw, which unwinds
// through the regular catch-table chain.
type HostFunc func(vm *VM, args []Value) Value

// CFunctionBody describes a host-implemented callable.
type CFunctionBody struct {
	Name         Value // symbol
	Pointer      HostFunc
	ArgC         uint32
	ThreadPolicy uint8
	PushReturn   bool
	Container    map[Value]Value
}

func (b *CFunctionBody) clean() { b.Container = nil }

// generatorCallerState is the resumer's interpreter state, parked while
// the generator runs and restored on yield, return or throw.
type generatorCallerState struct {
	stack      []Value
	frame      *Cell
	catchstack *Cell
	ip         uint32
}

// GeneratorBody holds the suspended state of a generator.
//
// The generator owns its saved frame, catch-table chain and operand
// stack: the interpreter moves them in and out, never aliases them with
// the live control stack.
type GeneratorBody struct {
	Name              Value // symbol
	BootFrame         *Cell // the generator body's own frame
	ContextFrame      *Cell
	ContextCatchtable *Cell
	ContextStack      []Value
	ResumeAddress     uint32
	BoundSelfSet      bool
	BoundSelf         Value
	Finished          bool
	Started           bool
	Container         map[Value]Value

	// Set only while the generator is running.
	caller *generatorCallerState
}

func (b *GeneratorBody) clean() {
	b.Container = nil
	b.ContextStack = nil
}

// ClassBody describes a user-defined class.
type ClassBody struct {
	Name             Value // symbol
	Constructor      Value
	Prototype        Value
	ParentClass      Value
	MemberProperties []Value
	Container        map[Value]Value
}

func (b *ClassBody) clean() {
	b.Container = nil
	b.MemberProperties = nil
}

// Locals held inline in a small frame.
const smallFrameLocals = 5

// FrameBody is an activation record.
//
// Parent is the dynamic caller; ParentEnvironment the frame whose locals
// implement the enclosing lexical scope. They usually differ.
type FrameBody struct {
	Parent               *Cell
	ParentEnvironment    *Cell
	LastActiveCatchtable *Cell
	CallerValue          Value // the function being executed
	Self                 Value
	OriginAddress        uint32
	ReturnAddress        uint32
	StackSize            int // operand depth at entry
	HaltAfterReturn      bool
	DiscardReturn        bool

	lvarcount  uint32
	inline     [smallFrameLocals]Value
	heapLocals []Value
}

// initLocals sets up local storage, choosing the inline small-frame
// form when the count permits.
func (b *FrameBody) initLocals(count uint32) {
	b.lvarcount = count
	if count > smallFrameLocals {
		b.heapLocals = make([]Value, count)
		for i := range b.heapLocals {
			b.heapLocals[i] = Null
		}
		return
	}
	for i := uint32(0); i < count; i++ {
		b.inline[i] = Null
	}
}

// Locals returns the live local slots.
func (b *FrameBody) Locals() []Value {
	if b.lvarcount > smallFrameLocals {
		return b.heapLocals
	}
	return b.inline[:b.lvarcount]
}

// LVarCount returns the number of local slots.
func (b *FrameBody) LVarCount() uint32 { return b.lvarcount }

func (b *FrameBody) clean() { b.heapLocals = nil }

// CatchTableBody is a registered exception handler.
type CatchTableBody struct {
	Address   uint32
	StackSize int
	Frame     *Cell
	Parent    *Cell
}

func (b *CatchTableBody) clean() {}

// CPointerBody wraps an opaque host resource with an optional destructor.
type CPointerBody struct {
	Data       any
	Destructor func(any)
}

func (b *CPointerBody) clean() {
	if b.Destructor != nil {
		b.Destructor(b.Data)
	}
	b.Data = nil
	b.Destructor = nil
}

// ---------------------------------------------------------------------------
// Typed body accessors
// ---------------------------------------------------------------------------

// ObjectBody returns the body of an object cell.
func (c *Cell) ObjectBody() *ObjectBody { return c.body.(*ObjectBody) }

// ArrayBody returns the body of an array cell.
func (c *Cell) ArrayBody() *ArrayBody { return c.body.(*ArrayBody) }

// StringBody returns the body of a string cell.
func (c *Cell) StringBody() *StringBody { return c.body.(*StringBody) }

// FunctionBody returns the body of a function cell.
func (c *Cell) FunctionBody() *FunctionBody { return c.body.(*FunctionBody) }

// CFunctionBody returns the body of a cfunction cell.
func (c *Cell) CFunctionBody() *CFunctionBody { return c.body.(*CFunctionBody) }

// GeneratorBody returns the body of a generator cell.
func (c *Cell) GeneratorBody() *GeneratorBody { return c.body.(*GeneratorBody) }

// ClassBody returns the body of a class cell.
func (c *Cell) ClassBody() *ClassBody { return c.body.(*ClassBody) }

// FrameBody returns the body of a frame cell.
func (c *Cell) FrameBody() *FrameBody { return c.body.(*FrameBody) }

// CatchTableBody returns the body of a catch-table cell.
func (c *Cell) CatchTableBody() *CatchTableBody { return c.body.(*CatchTableBody) }

// CPointerBody returns the body of a cpointer cell.
func (c *Cell) CPointerBody() *CPointerBody { return c.body.(*CPointerBody) }
