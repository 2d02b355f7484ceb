package vm

import (
	"container/heap"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// Task is one unit of scheduler work: either a callback with up to four
// pre-bound arguments, or the resumption of a suspended fiber.
type Task struct {
	IsFiber bool
	UID     uint64

	// Fiber resume
	FiberID  uint64
	Argument Value

	// Callback
	Func      Value
	Arguments [4]Value
	ArgCount  int
}

// CallbackTask builds a callback task.
func CallbackTask(fn Value, args ...Value) Task {
	task := Task{Func: fn, ArgCount: len(args)}
	if len(args) > 4 {
		task.ArgCount = 4
	}
	copy(task.Arguments[:], args)
	return task
}

// FiberTask builds a fiber-resume task.
func FiberTask(fiberID uint64, argument Value) Task {
	return Task{IsFiber: true, FiberID: fiberID, Argument: argument}
}

// Fiber is a suspended interpreter state: the operand stack (moved out
// of the live machine), the frame and catch-table chains and the resume
// address.
type Fiber struct {
	UID           uint64
	Stack         []Value
	Frame         *Cell
	Catchstack    *Cell
	ResumeAddress uint32
}

// ---------------------------------------------------------------------------
// Timer entries
// ---------------------------------------------------------------------------

// timerEntry is a scheduled task: one-shot when period is zero,
// periodic otherwise. Deadlines use the steady (monotonic) clock; ties
// break by insertion sequence.
type timerEntry struct {
	id       uint64
	deadline time.Time
	seq      uint64
	task     Task
	period   time.Duration
}

type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }
func (q timerQueue) Less(i, j int) bool {
	if !q[i].deadline.Equal(q[j].deadline) {
		return q[i].deadline.Before(q[j].deadline)
	}
	return q[i].seq < q[j].seq
}
func (q timerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *timerQueue) Push(x any) { *q = append(*q, x.(*timerEntry)) }
func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return entry
}

func (q *timerQueue) remove(id uint64) bool {
	for i, entry := range *q {
		if entry.id == id {
			heap.Remove(q, i)
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

// Scheduler owns the task queue, the timers and tickers, the suspended
// fibers and the worker-thread accounting. All collections are guarded
// by one mutex, which is never held while the interpreter runs.
//
// The collector acquires this mutex while holding the heap mutex (to
// mark queued tasks); nothing acquires them in the opposite order.
type Scheduler struct {
	vm  *VM
	log commonlog.Logger

	mu           sync.Mutex
	tasks        []Task
	timers       timerQueue
	tickers      timerQueue
	pausedFibers map[uint64]*Fiber

	nextTaskUID  uint64
	nextTimerID  uint64
	nextFiberUID uint64
	timerSeq     uint64

	workerCount int
	workers     sync.WaitGroup

	// Fiber uid handed to the next suspension of the running task.
	pendingFiberUID uint64

	wake chan struct{}
}

func newScheduler(vm *VM) *Scheduler {
	return &Scheduler{
		vm:           vm,
		log:          commonlog.GetLogger("charly.sched"),
		pausedFibers: make(map[uint64]*Fiber),
		wake:         make(chan struct{}, 1),
	}
}

// RegisterTask appends a task to the queue and wakes the main loop.
func (s *Scheduler) RegisterTask(task Task) uint64 {
	s.mu.Lock()
	s.nextTaskUID++
	task.UID = s.nextTaskUID
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	s.signalWake()
	return task.UID
}

// RegisterTimer schedules a one-shot task after the given delay.
func (s *Scheduler) RegisterTimer(delay time.Duration, task Task) uint64 {
	s.mu.Lock()
	s.nextTimerID++
	s.timerSeq++
	id := s.nextTimerID
	heap.Push(&s.timers, &timerEntry{
		id:       id,
		deadline: time.Now().Add(delay),
		seq:      s.timerSeq,
		task:     task,
	})
	s.mu.Unlock()

	s.signalWake()
	return id
}

// RegisterTicker schedules a periodic task.
func (s *Scheduler) RegisterTicker(period time.Duration, task Task) uint64 {
	if period <= 0 {
		period = time.Millisecond
	}
	s.mu.Lock()
	s.nextTimerID++
	s.timerSeq++
	id := s.nextTimerID
	heap.Push(&s.tickers, &timerEntry{
		id:       id,
		deadline: time.Now().Add(period),
		seq:      s.timerSeq,
		task:     task,
		period:   period,
	})
	s.mu.Unlock()

	s.signalWake()
	return id
}

// ClearTimer cancels a pending timer. A callback already on the task
// queue runs to completion.
func (s *Scheduler) ClearTimer(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers.remove(id)
}

// ClearTicker cancels a ticker.
func (s *Scheduler) ClearTicker(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tickers.remove(id)
}

// ResumeFiber enqueues a fiber-resume task.
func (s *Scheduler) ResumeFiber(id uint64, argument Value) {
	s.RegisterTask(FiberTask(id, argument))
}

// PausedFibers returns the number of suspended fibers.
func (s *Scheduler) PausedFibers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pausedFibers)
}

// NextFiberUID returns the uid the next suspension of the running task
// will be parked under, allocating it on first use.
func (s *Scheduler) NextFiberUID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingFiberUID == 0 {
		s.nextFiberUID++
		s.pendingFiberUID = s.nextFiberUID
	}
	return s.pendingFiberUID
}

// parkFiber stores a suspended fiber and consumes the pending uid.
func (s *Scheduler) parkFiber(fiber *Fiber) {
	s.mu.Lock()
	s.pausedFibers[fiber.UID] = fiber
	if s.pendingFiberUID == fiber.UID {
		s.pendingFiberUID = 0
	}
	s.mu.Unlock()
}

// takeFiber removes and returns a suspended fiber.
func (s *Scheduler) takeFiber(id uint64) *Fiber {
	s.mu.Lock()
	defer s.mu.Unlock()
	fiber := s.pausedFibers[id]
	delete(s.pausedFibers, id)
	return fiber
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ---------------------------------------------------------------------------
// Worker accounting
// ---------------------------------------------------------------------------

func (s *Scheduler) workerStarted() {
	s.mu.Lock()
	s.workerCount++
	s.mu.Unlock()
	s.workers.Add(1)
}

func (s *Scheduler) workerFinished() {
	s.mu.Lock()
	s.workerCount--
	s.mu.Unlock()
	s.workers.Done()
	s.signalWake()
}

// ---------------------------------------------------------------------------
// Main loop
// ---------------------------------------------------------------------------

// runLoop drives the machine: drain due timers, pop tasks, run them,
// sleep until the next deadline when idle. It returns when the queue is
// empty and no timers, tickers, workers or resumable fibers remain.
func (s *Scheduler) runLoop() {
	for s.vm.running {
		now := time.Now()

		s.mu.Lock()
		s.drainDue(now)

		if len(s.tasks) == 0 {
			if s.timers.Len() == 0 && s.tickers.Len() == 0 && s.workerCount == 0 {
				// Suspended fibers with nothing left to resume them
				// can never run again; treat that as drained.
				if len(s.pausedFibers) > 0 {
					s.log.Errorf("exiting with %d suspended fibers that can never resume", len(s.pausedFibers))
				}
				s.mu.Unlock()
				return
			}
			deadline, hasDeadline := s.nextDeadline()
			s.mu.Unlock()
			s.waitForWake(deadline, hasDeadline)
			continue
		}

		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()

		s.runTask(task)
	}
}

// drainDue enqueues every timer and ticker whose fire time passed.
// Tickers re-enqueue with their next period boundary; missed ticks
// collapse to one fire per drain. Caller holds the scheduler mutex.
func (s *Scheduler) drainDue(now time.Time) {
	for s.timers.Len() > 0 && !s.timers[0].deadline.After(now) {
		entry := heap.Pop(&s.timers).(*timerEntry)
		s.nextTaskUID++
		task := entry.task
		task.UID = s.nextTaskUID
		s.tasks = append(s.tasks, task)
	}

	for s.tickers.Len() > 0 && !s.tickers[0].deadline.After(now) {
		entry := heap.Pop(&s.tickers).(*timerEntry)
		s.nextTaskUID++
		task := entry.task
		task.UID = s.nextTaskUID
		s.tasks = append(s.tasks, task)

		entry.deadline = entry.deadline.Add(entry.period)
		if !entry.deadline.After(now) {
			entry.deadline = now.Add(entry.period)
		}
		s.timerSeq++
		entry.seq = s.timerSeq
		heap.Push(&s.tickers, entry)
	}
}

// nextDeadline returns the earliest timer or ticker fire time.
// Caller holds the scheduler mutex.
func (s *Scheduler) nextDeadline() (time.Time, bool) {
	var deadline time.Time
	has := false
	if s.timers.Len() > 0 {
		deadline = s.timers[0].deadline
		has = true
	}
	if s.tickers.Len() > 0 && (!has || s.tickers[0].deadline.Before(deadline)) {
		deadline = s.tickers[0].deadline
		has = true
	}
	return deadline, has
}

// waitForWake blocks until new work is signalled or the deadline
// arrives.
func (s *Scheduler) waitForWake(deadline time.Time, hasDeadline bool) {
	if !hasDeadline {
		<-s.wake
		return
	}
	delay := time.Until(deadline)
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.wake:
	case <-timer.C:
	}
}

// runTask resets the machine and executes one task to completion (or
// until it suspends again).
func (s *Scheduler) runTask(task Task) {
	vm := s.vm
	vm.halted = false
	vm.stack = vm.stack[:0]
	vm.frames = nil
	vm.catchstack = nil

	s.mu.Lock()
	s.pendingFiberUID = 0
	s.mu.Unlock()

	if task.IsFiber {
		fiber := s.takeFiber(task.FiberID)
		if fiber == nil {
			s.log.Errorf("resume of unknown fiber %d dropped", task.FiberID)
			return
		}
		vm.stack = fiber.Stack
		vm.frames = fiber.Frame
		vm.catchstack = fiber.Catchstack
		vm.ip = fiber.ResumeAddress
		vm.push(task.Argument)
		vm.runInterpreter()
		return
	}

	if !s.startCallback(task) {
		return
	}
	vm.runInterpreter()
}

// startCallback pushes the root-level frame for a callback task.
// Returns false when the dispatch itself threw and was not caught.
func (s *Scheduler) startCallback(task Task) (started bool) {
	vm := s.vm

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		switch signal := r.(type) {
		case userException:
			vm.unwindCatchstack(&signal.payload)
			started = !vm.halted
		case suspendSignal:
			started = false
		default:
			panic(r)
		}
	}()

	args := make([]Value, task.ArgCount)
	copy(args, task.Arguments[:task.ArgCount])

	switch {
	case task.Func.IsFunction():
		self := vm.getSelfForFunction(task.Func.Cell().FunctionBody(), nil)
		vm.callFunction(task.Func.Cell(), args, self, true)
		return true

	case task.Func.IsCFunction():
		vm.callCFunction(task.Func.Cell(), args)
		return false

	default:
		s.log.Errorf("task %d holds an uncallable %s value", task.UID, task.Func.TypeName())
		return false
	}
}

// shutdown joins every worker thread.
func (s *Scheduler) shutdown() {
	s.workers.Wait()
}

// ---------------------------------------------------------------------------
// Root marking
// ---------------------------------------------------------------------------

// markRoots marks every value the scheduler retains: queued tasks,
// timer and ticker callbacks and their arguments, and suspended fibers.
func (s *Scheduler) markRoots(h *Heap) {
	s.mu.Lock()
	defer s.mu.Unlock()

	markTask := func(task Task) {
		if task.IsFiber {
			h.Mark(task.Argument)
			return
		}
		h.Mark(task.Func)
		for _, arg := range task.Arguments {
			h.Mark(arg)
		}
	}

	for _, task := range s.tasks {
		markTask(task)
	}
	for _, entry := range s.timers {
		markTask(entry.task)
	}
	for _, entry := range s.tickers {
		markTask(entry.task)
	}
	for _, fiber := range s.pausedFibers {
		for _, v := range fiber.Stack {
			h.Mark(v)
		}
		h.markCell(fiber.Frame)
		h.markCell(fiber.Catchstack)
	}
}
