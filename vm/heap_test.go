package vm

import "testing"

func testHeap() *Heap {
	return NewHeap(HeapConfig{
		CellCount:    1024,
		GrowthFactor: 2,
		MinFreeCells: 8,
	})
}

func newObjectCell(h *Heap) *Cell {
	cell := h.Allocate()
	cell.init(CellObject, &ObjectBody{Klass: Null, Container: make(map[Value]Value)})
	return cell
}

// ---------------------------------------------------------------------------
// Allocator
// ---------------------------------------------------------------------------

func TestAllocateReturnsDeadCell(t *testing.T) {
	h := testHeap()
	cell := h.Allocate()
	if cell.Type() != CellDead {
		t.Errorf("fresh cell has type %d, want Dead", cell.Type())
	}
	if cell.mark {
		t.Error("fresh cell must be unmarked")
	}
}

func TestFreelistLIFO(t *testing.T) {
	h := testHeap()
	cell := newObjectCell(h)

	// Unreachable: the collection destructs it and pushes it onto the
	// freelist head, so the next allocation yields the same cell.
	h.Collect()
	if cell.Type() != CellDead {
		t.Fatal("unreachable cell should be dead after collection")
	}

	next := h.Allocate()
	if next != cell {
		t.Error("freelist is LIFO: allocate after collect should return the freed cell")
	}
}

func TestHeapGrowth(t *testing.T) {
	h := NewHeap(HeapConfig{CellCount: 64, GrowthFactor: 2, MinFreeCells: 4})

	// Pin everything so collections cannot reclaim.
	cells := make([]*Cell, 0, 256)
	for i := 0; i < 256; i++ {
		cell := newObjectCell(h)
		h.MarkPersistent(cell.Value())
		cells = append(cells, cell)
	}
	for _, cell := range cells {
		if cell.Type() != CellObject {
			t.Fatal("pinned cell was reclaimed")
		}
	}
}

// ---------------------------------------------------------------------------
// Mark & sweep
// ---------------------------------------------------------------------------

func TestReachableCellsSurvive(t *testing.T) {
	h := testHeap()
	root := newObjectCell(h)
	child := newObjectCell(h)
	root.ObjectBody().Container[SymbolFromString("child")] = child.Value()

	h.MarkPersistent(root.Value())
	h.Collect()

	if root.Type() != CellObject || child.Type() != CellObject {
		t.Fatal("reachable cells must survive collection")
	}
	if root.mark || child.mark {
		t.Error("mark bits must be cleared after collection")
	}
}

func TestUnreachableCellsFreed(t *testing.T) {
	h := testHeap()
	root := newObjectCell(h)
	garbage := newObjectCell(h)

	h.MarkPersistent(root.Value())
	h.Collect()

	if garbage.Type() != CellDead {
		t.Error("unreachable cell must be reclaimed")
	}
	if root.Type() != CellObject {
		t.Error("pinned cell must survive")
	}
}

func TestMarkingIdempotent(t *testing.T) {
	h := testHeap()
	root := newObjectCell(h)
	child := newObjectCell(h)
	root.ObjectBody().Container[SymbolFromString("child")] = child.Value()
	h.MarkPersistent(root.Value())

	h.Collect()
	h.Collect()
	if h.LastFreed() != 0 {
		t.Errorf("second collection with no mutation freed %d cells, want 0", h.LastFreed())
	}
}

func TestCyclicGraphs(t *testing.T) {
	h := testHeap()
	a := newObjectCell(h)
	b := newObjectCell(h)
	a.ObjectBody().Container[SymbolFromString("b")] = b.Value()
	b.ObjectBody().Container[SymbolFromString("a")] = a.Value()

	h.MarkPersistent(a.Value())
	h.Collect()
	if a.Type() != CellObject || b.Type() != CellObject {
		t.Fatal("cycle reachable from the root set must survive")
	}

	h.UnmarkPersistent(a.Value())
	h.Collect()
	if a.Type() != CellDead || b.Type() != CellDead {
		t.Error("unreachable cycle must be reclaimed")
	}
}

func TestDoubleCollectionOfDeadCells(t *testing.T) {
	h := testHeap()
	destructed := 0
	cell := h.Allocate()
	cell.init(CellCPointer, &CPointerBody{
		Data:       "resource",
		Destructor: func(any) { destructed++ },
	})

	h.Collect()
	h.Collect()

	if destructed != 1 {
		t.Errorf("destructor ran %d times, want exactly 1", destructed)
	}
	if cell.Type() != CellDead {
		t.Error("cell must be dead after collection")
	}
}

func TestPinnedTemporariesCounted(t *testing.T) {
	h := testHeap()
	cell := newObjectCell(h)
	v := cell.Value()

	h.MarkPersistent(v)
	h.MarkPersistent(v)
	h.UnmarkPersistent(v)
	h.Collect()
	if cell.Type() != CellObject {
		t.Fatal("cell with one remaining pin must survive")
	}

	h.UnmarkPersistent(v)
	h.Collect()
	if cell.Type() != CellDead {
		t.Error("cell with no pins must be reclaimed")
	}
}

func TestFrameAndCatchTableMarking(t *testing.T) {
	h := testHeap()

	local := newObjectCell(h)
	frame := h.Allocate()
	body := &FrameBody{Self: Null, CallerValue: Null}
	body.initLocals(3)
	body.Locals()[1] = local.Value()
	frame.init(CellFrame, body)

	table := h.Allocate()
	table.init(CellCatchTable, &CatchTableBody{Address: 10, Frame: frame})

	h.MarkPersistent(table.Value())
	h.Collect()

	if frame.Type() != CellFrame {
		t.Error("catch table must keep its frame alive")
	}
	if local.Type() != CellObject {
		t.Error("frame must keep its locals alive")
	}
}

func TestFinishedGeneratorStateNotMarked(t *testing.T) {
	h := testHeap()

	saved := newObjectCell(h)
	gen := h.Allocate()
	gen.init(CellGenerator, &GeneratorBody{
		Name:         Null,
		BoundSelf:    Null,
		ContextStack: []Value{saved.Value()},
		Container:    make(map[Value]Value),
		Finished:     true,
	})

	h.MarkPersistent(gen.Value())
	h.Collect()

	if saved.Type() != CellDead {
		t.Error("a finished generator's saved state is unreachable")
	}
	if gen.Type() != CellGenerator {
		t.Error("the generator itself stays alive")
	}
}

func TestShortStringFlag(t *testing.T) {
	machine := NewVM(DefaultConfig())

	short := machine.CreateString(make([]byte, 50))
	if !short.IsHString() {
		t.Fatal("50-byte string should be a heap string")
	}
	if !short.Cell().shortString {
		t.Error("50-byte string should use the inline short form")
	}

	long := machine.CreateString(make([]byte, 200))
	if long.Cell().shortString {
		t.Error("200-byte string should use the heap-allocated form")
	}
	if long.StringLength() != 200 {
		t.Errorf("StringLength() = %d, want 200", long.StringLength())
	}
}
