package vm

import "fmt"

// ---------------------------------------------------------------------------
// Machine entry points
// ---------------------------------------------------------------------------

// Run executes a compiled instruction block: the scheduler is seeded
// with a task for the block's entry point and driven until the queue
// drains and no timers, tickers or workers remain. Returns the exit
// status.
func (vm *VM) Run(block *InstructionBlock) int {
	vm.LoadBlock(block)
	vm.running = true

	main := vm.CreateFunction(vm.Symbols.Intern("main"), 0, 0, 0, block.LVarCount, false, false)
	vm.scheduler.RegisterTask(CallbackTask(main))

	vm.scheduler.runLoop()
	vm.scheduler.shutdown()
	vm.running = false
	return vm.exitStatus
}

// RunSafe executes a block and converts a machine panic into an error
// instead of a Go panic trace. User exceptions never surface here; they
// flow through the catch-table chain and the uncaught handler.
func (vm *VM) RunSafe(block *InstructionBlock) (status int, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if mp, ok := r.(machinePanic); ok {
			status = 1
			err = fmt.Errorf("%s", mp.Error())
			vm.exitStatus = 1
			vm.running = false
			return
		}
		panic(r)
	}()

	return vm.Run(block), nil
}

// Exit stops the machine with the given status code. Pending tasks are
// abandoned; workers are still joined by Run.
func (vm *VM) Exit(status int) {
	vm.exitStatus = status
	vm.running = false
	vm.halted = true
}

// ---------------------------------------------------------------------------
// Fiber suspension
// ---------------------------------------------------------------------------

// SuspendFiber parks the current interpreter state as a suspended fiber
// and returns control to the scheduler. The operand stack is moved out;
// the live machine no longer aliases it. The fiber resumes at the
// instruction after the suspending call, with the resume argument
// pushed in place of a return value.
func (vm *VM) SuspendFiber() {
	if !vm.IsMainThread() {
		vm.panicReason("fibers can only suspend on the main thread")
	}

	uid := vm.scheduler.NextFiberUID()
	fiber := &Fiber{
		UID:           uid,
		Stack:         vm.stack,
		Frame:         vm.frames,
		Catchstack:    vm.catchstack,
		ResumeAddress: vm.nextIP,
	}
	vm.stack = make([]Value, 0, 8)
	vm.frames = nil
	vm.catchstack = nil

	vm.scheduler.parkFiber(fiber)
	panic(suspendSignal{uid: uid})
}

// ResumeFiber enqueues a fiber-resume task.
func (vm *VM) ResumeFiber(id uint64, argument Value) {
	vm.scheduler.ResumeFiber(id, argument)
}
