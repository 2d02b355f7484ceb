package vm

// ---------------------------------------------------------------------------
// Worker threads
// ---------------------------------------------------------------------------

// WorkerThread tracks one offloaded host call: the native target, its
// arguments, the completion callback and any error value. The collector
// marks all of them while the worker lives.
type WorkerThread struct {
	cfunc      *Cell
	arguments  []Value
	callback   *Cell
	errorValue Value
}

// StartWorkerThread runs a worker-tagged host function on its own
// goroutine. On completion the callback is enqueued with the result and
// an error value (null on success). Workers are joined on shutdown.
//
// Workers must not mutate heap objects: they read their arguments by
// value and hand a result back through the scheduler.
func (vm *VM) StartWorkerThread(cfunc Value, args []Value, callback Value) *WorkerThread {
	if !cfunc.IsCFunction() {
		vm.ThrowString("worker target must be a cfunction, got " + cfunc.TypeName())
	}
	if !callback.IsFunction() && !callback.IsCFunction() {
		vm.ThrowString("worker callback must be callable, got " + callback.TypeName())
	}

	worker := &WorkerThread{
		cfunc:      cfunc.Cell(),
		arguments:  append([]Value(nil), args...),
		callback:   callback.Cell(),
		errorValue: Null,
	}
	vm.scheduler.workerStarted()

	go func() {
		gid := getGoroutineID()
		vm.workerGoroutines.Store(gid, worker)
		defer func() {
			vm.workerGoroutines.Delete(gid)
			vm.scheduler.workerFinished()
		}()

		result := vm.invokeWorker(worker)
		vm.scheduler.RegisterTask(CallbackTask(worker.callback.Value(), result, worker.errorValue))
	}()

	return worker
}

// invokeWorker calls the native function, converting a thrown host
// error into the worker's error value.
func (vm *VM) invokeWorker(worker *WorkerThread) (result Value) {
	result = Null

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if signal, ok := r.(userException); ok {
			worker.errorValue = signal.payload
			result = Null
			return
		}
		panic(r)
	}()

	cf := worker.cfunc.CFunctionBody()
	vm.assertThreadPolicy(cf)
	return cf.Pointer(vm, worker.arguments)
}
