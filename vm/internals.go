package vm

import (
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Internals: the runtime slice of the host function surface
// ---------------------------------------------------------------------------

// The standard library proper lives outside the core; these are the
// host functions the scheduler semantics need: timers, tickers, fiber
// suspension, worker offloading and basic output.

func (vm *VM) registerInternals() {
	globals := vm.globals.Cell().ObjectBody().Container

	register := func(name string, argc uint32, policy uint8, fn HostFunc) Value {
		sym := vm.Symbols.Intern(name)
		cfunc := vm.CreateCFunction(sym, argc, fn, policy)
		globals[sym] = cfunc
		return cfunc
	}

	register("__write", 1, ThreadMain, internalWrite)
	register("__timer", 3, ThreadMain, internalTimer)
	register("__ticker", 3, ThreadMain, internalTicker)
	register("__clear_timer", 1, ThreadMain, internalClearTimer)
	register("__clear_ticker", 1, ThreadMain, internalClearTicker)
	register("__fiber_id", 0, ThreadMain, internalFiberID)
	register("__resume", 2, ThreadMain, internalResume)
	register("__spawn_worker", 3, ThreadMain, internalSpawnWorker)
	register("__sleep", 1, ThreadWorker, internalSleep)
	register("__exit", 1, ThreadMain, internalExit)
	register("__set_uncaught_exception_handler", 1, ThreadMain, internalSetUncaughtHandler)

	// The resume argument replaces the call's return value, so nothing
	// is pushed at suspension time.
	suspend := register("__suspend", 0, ThreadMain, internalSuspend)
	suspend.Cell().CFunctionBody().PushReturn = false
}

func internalWrite(vm *VM, args []Value) Value {
	if len(args) > 0 {
		fmt.Fprintln(vm.config.Out, renderValue(args[0]))
	}
	return Null
}

// internalTimer registers a one-shot timer: (ms, callback, argument).
// Returns the timer id.
func internalTimer(vm *VM, args []Value) Value {
	ms, callback, extra := timerArguments(vm, args)
	id := vm.scheduler.RegisterTimer(time.Duration(ms)*time.Millisecond, CallbackTask(callback, extra...))
	return FromNumber(int64(id))
}

// internalTicker registers a periodic ticker: (ms, callback, argument).
func internalTicker(vm *VM, args []Value) Value {
	ms, callback, extra := timerArguments(vm, args)
	id := vm.scheduler.RegisterTicker(time.Duration(ms)*time.Millisecond, CallbackTask(callback, extra...))
	return FromNumber(int64(id))
}

func timerArguments(vm *VM, args []Value) (int64, Value, []Value) {
	if len(args) < 2 {
		vm.ThrowString("timer registration needs a duration and a callback")
	}
	if !args[0].IsNumeric() {
		vm.ThrowString("timer duration must be numeric, got " + args[0].TypeName())
	}
	if !args[1].IsFunction() && !args[1].IsCFunction() {
		vm.ThrowString("timer callback must be callable, got " + args[1].TypeName())
	}
	ms := args[0].NumberInt()
	if ms < 0 {
		ms = 0
	}
	return ms, args[1], args[2:]
}

func internalClearTimer(vm *VM, args []Value) Value {
	if len(args) < 1 || !args[0].IsNumeric() {
		vm.ThrowString("clear_timer needs a timer id")
	}
	return FromBool(vm.scheduler.ClearTimer(uint64(args[0].NumberInt())))
}

func internalClearTicker(vm *VM, args []Value) Value {
	if len(args) < 1 || !args[0].IsNumeric() {
		vm.ThrowString("clear_ticker needs a ticker id")
	}
	return FromBool(vm.scheduler.ClearTicker(uint64(args[0].NumberInt())))
}

// internalFiberID returns the uid the next suspension of this task will
// park under, so the program can hand it to a resume callback first.
func internalFiberID(vm *VM, args []Value) Value {
	return FromNumber(int64(vm.scheduler.NextFiberUID()))
}

func internalSuspend(vm *VM, args []Value) Value {
	vm.SuspendFiber()
	return Null // unreachable
}

func internalResume(vm *VM, args []Value) Value {
	if len(args) < 1 || !args[0].IsNumeric() {
		vm.ThrowString("resume needs a fiber id")
	}
	argument := Null
	if len(args) > 1 {
		argument = args[1]
	}
	vm.ResumeFiber(uint64(args[0].NumberInt()), argument)
	return Null
}

// internalSpawnWorker offloads a host call: (cfunction, args, callback).
// The callback receives (result, error).
func internalSpawnWorker(vm *VM, args []Value) Value {
	if len(args) < 3 {
		vm.ThrowString("spawn_worker needs a cfunction, an argument array and a callback")
	}
	var workerArgs []Value
	switch {
	case args[1].IsArray():
		workerArgs = append(workerArgs, args[1].Cell().ArrayBody().Data...)
	case args[1].IsNull():
	default:
		vm.ThrowString("spawn_worker arguments must be an array or null")
	}
	vm.StartWorkerThread(args[0], workerArgs, args[2])
	return Null
}

// internalSleep blocks the calling worker. Tagged worker-only so it can
// never stall the interpreter.
func internalSleep(vm *VM, args []Value) Value {
	if len(args) > 0 && args[0].IsNumeric() {
		time.Sleep(time.Duration(args[0].NumberInt()) * time.Millisecond)
	}
	return Null
}

func internalExit(vm *VM, args []Value) Value {
	status := 0
	if len(args) > 0 && args[0].IsNumeric() {
		status = int(args[0].NumberInt())
	}
	vm.Exit(status)
	return Null
}

func internalSetUncaughtHandler(vm *VM, args []Value) Value {
	if len(args) < 1 {
		vm.ThrowString("set_uncaught_exception_handler needs a callable")
	}
	previous := vm.uncaughtExceptionHandler
	vm.SetUncaughtExceptionHandler(args[0])
	return previous
}
