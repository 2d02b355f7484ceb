// Package vm implements the Charly runtime core: the NaN-boxed value
// representation, the cell heap with its mark-sweep collector, the
// frame and catch-table control stack, the bytecode interpreter and the
// cooperative task/timer/worker scheduler.
//
// A compiled InstructionBlock is loaded into a VM and driven by the
// scheduler: the queue is seeded with a task for the block's entry
// point and the interpreter runs until the queue drains and no timers,
// tickers or workers remain. Host functionality plugs in through
// CFunction cells carrying a native pointer and a thread-policy tag.
//
// Compilation from source is out of scope here; blocks arrive through
// the assembler (BlockBuilder) or from CBOR bundles on disk.
package vm
