package vm

import (
	"fmt"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap & Garbage Collector
// ---------------------------------------------------------------------------

// HeapConfig controls arena sizing and collection behaviour.
type HeapConfig struct {
	// Cells per arena.
	CellCount int

	// Arena count multiplier applied when a collection cannot satisfy
	// an allocation.
	GrowthFactor int

	// A collection runs whenever the freelist shrinks below this.
	MinFreeCells int

	// Emit collection tracing through the charly.gc logger.
	Trace bool
}

// DefaultHeapConfig returns the stock configuration: 2^16 cells per
// arena, doubling growth.
func DefaultHeapConfig() HeapConfig {
	return HeapConfig{
		CellCount:    1 << 16,
		GrowthFactor: 2,
		MinFreeCells: 256,
	}
}

func (c *HeapConfig) applyDefaults() {
	d := DefaultHeapConfig()
	if c.CellCount <= 0 {
		c.CellCount = d.CellCount
	}
	if c.GrowthFactor <= 0 {
		c.GrowthFactor = d.GrowthFactor
	}
	if c.MinFreeCells <= 0 {
		c.MinFreeCells = d.MinFreeCells
	}
}

// Heap is a chunked arena of fixed-size cells with a mark-sweep
// collector. A singly-linked freelist threads through all dead cells.
//
// The mutex is goroutine-reentrant: host code running inside a
// collection callback may allocate.
type Heap struct {
	config HeapConfig
	mu     reentrantMutex
	log    commonlog.Logger

	arenas             [][]Cell
	freeCell           *Cell
	remainingFreeCells int

	// Explicitly pinned temporaries, a counted set. Host code pins
	// values it holds across allocation points.
	temporaries map[Value]int

	// Owning VM, the source of the root set. nil in isolated tests.
	vm *VM

	// Collection statistics.
	collections uint64
	lastFreed   int
}

// NewHeap creates a heap with one arena and no owning VM.
func NewHeap(config HeapConfig) *Heap {
	config.applyDefaults()
	h := &Heap{
		config:      config,
		log:         commonlog.GetLogger("charly.gc"),
		temporaries: make(map[Value]int),
	}
	h.addArena()
	return h
}

// attach wires the heap to the VM whose state forms the root set.
func (h *Heap) attach(vm *VM) { h.vm = vm }

// addArena appends one arena and threads its cells onto the freelist.
func (h *Heap) addArena() {
	arena := make([]Cell, h.config.CellCount)
	h.arenas = append(h.arenas, arena)
	h.remainingFreeCells += h.config.CellCount

	last := h.freeCell
	for i := range arena {
		arena[i].next = last
		last = &arena[i]
	}
	h.freeCell = last
}

// growHeap adds arenas according to the growth factor.
func (h *Heap) growHeap() {
	current := len(h.arenas)
	toAdd := current*h.config.GrowthFactor + 1 - current
	for ; toAdd > 0; toAdd-- {
		h.addArena()
	}
}

// Allocate pops a cell off the freelist, collecting and growing as
// needed. The returned cell is zeroed and typed Dead; the caller must
// install the header tag and body before any other code can observe it.
func (h *Heap) Allocate() *Cell {
	h.mu.Lock()
	defer h.mu.Unlock()

	cell := h.freeCell
	if cell == nil {
		panic("heap: allocation from empty freelist")
	}
	h.freeCell = cell.next
	cell.next = nil

	if h.freeCell == nil || h.remainingFreeCells <= h.config.MinFreeCells {
		h.collect()

		if h.freeCell == nil {
			h.growHeap()
			if h.freeCell == nil {
				panic("heap: failed to grow, allocation cannot be satisfied")
			}
		}
	}

	h.remainingFreeCells--
	return cell
}

// MarkPersistent pins a value so it survives collections while host
// code holds it outside any rooted location. Pins are counted.
func (h *Heap) MarkPersistent(v Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.temporaries[v]++
}

// UnmarkPersistent drops one pin on a value.
func (h *Heap) UnmarkPersistent(v Value) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.temporaries[v]; ok {
		if n <= 1 {
			delete(h.temporaries, v)
		} else {
			h.temporaries[v] = n - 1
		}
	}
}

// Collect runs a full mark-sweep cycle.
func (h *Heap) Collect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.collect()
}

// collect performs the actual cycle. Caller holds the heap mutex.
func (h *Heap) collect() {
	start := time.Now()
	if h.config.Trace {
		h.log.Info("collection pause")
	}

	if h.vm != nil {
		h.vm.markRoots(h)
	}
	for v := range h.temporaries {
		h.Mark(v)
	}

	// Sweep: destruct unmarked live cells, unmark the rest.
	freed := 0
	for _, arena := range h.arenas {
		for i := range arena {
			cell := &arena[i]
			if cell.mark {
				cell.mark = false
				continue
			}
			if cell.typ != CellDead {
				freed++
				h.deallocate(cell)
			}
		}
	}

	h.collections++
	h.lastFreed = freed
	if h.config.Trace {
		h.log.Infof("freed %d cells in %s", freed, time.Since(start))
	}
}

// Mark marks a value and everything reachable from it. Marking is gated
// by the header mark bit, which also short-circuits cycles.
func (h *Heap) Mark(v Value) {
	if !v.IsPointer() {
		return
	}
	h.markCell(v.Cell())
}

func (h *Heap) markCell(c *Cell) {
	if c == nil || c.mark || c.typ == CellDead {
		return
	}
	c.mark = true

	switch c.typ {
	case CellObject:
		body := c.ObjectBody()
		h.Mark(body.Klass)
		for _, v := range body.Container {
			h.Mark(v)
		}

	case CellArray:
		for _, v := range c.ArrayBody().Data {
			h.Mark(v)
		}

	case CellFunction:
		body := c.FunctionBody()
		h.markCell(body.Context)
		h.Mark(body.HostClass)
		if body.BoundSelfSet {
			h.Mark(body.BoundSelf)
		}
		for _, v := range body.Container {
			h.Mark(v)
		}

	case CellCFunction:
		for _, v := range c.CFunctionBody().Container {
			h.Mark(v)
		}

	case CellGenerator:
		body := c.GeneratorBody()
		if !body.Finished {
			h.markCell(body.BootFrame)
			h.markCell(body.ContextFrame)
			h.markCell(body.ContextCatchtable)
			if body.BoundSelfSet {
				h.Mark(body.BoundSelf)
			}
			for _, v := range body.ContextStack {
				h.Mark(v)
			}
			if body.caller != nil {
				for _, v := range body.caller.stack {
					h.Mark(v)
				}
				h.markCell(body.caller.frame)
				h.markCell(body.caller.catchstack)
			}
		}
		for _, v := range body.Container {
			h.Mark(v)
		}

	case CellClass:
		body := c.ClassBody()
		h.Mark(body.Constructor)
		h.Mark(body.Prototype)
		h.Mark(body.ParentClass)
		for _, v := range body.MemberProperties {
			h.Mark(v)
		}
		for _, v := range body.Container {
			h.Mark(v)
		}

	case CellFrame:
		body := c.FrameBody()
		h.markCell(body.Parent)
		h.markCell(body.ParentEnvironment)
		h.markCell(body.LastActiveCatchtable)
		h.Mark(body.CallerValue)
		h.Mark(body.Self)
		for _, v := range body.Locals() {
			h.Mark(v)
		}

	case CellCatchTable:
		body := c.CatchTableBody()
		h.markCell(body.Frame)
		h.markCell(body.Parent)
	}
}

// deallocate runs the cell's destructor and returns it to the freelist.
func (h *Heap) deallocate(cell *Cell) {
	if cell.body != nil {
		cell.body.clean()
	}
	*cell = Cell{}
	cell.typ = CellDead
	cell.next = h.freeCell
	h.freeCell = cell
	h.remainingFreeCells++
}

// RemainingFreeCells returns the current freelist length.
func (h *Heap) RemainingFreeCells() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.remainingFreeCells
}

// Collections returns the number of collection cycles run so far.
func (h *Heap) Collections() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.collections
}

// LastFreed returns the number of cells freed by the last collection.
func (h *Heap) LastFreed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastFreed
}

// Stats returns a one-line summary for diagnostics.
func (h *Heap) Stats() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fmt.Sprintf("arenas=%d free=%d collections=%d",
		len(h.arenas), h.remainingFreeCells, h.collections)
}
