package sched

import (
	"gokernel/kernel"
	"gokernel/kernel/addrspace"
	"gokernel/kernel/cpu"
	"gokernel/kernel/gate"
	"gokernel/kernel/kfmt"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/slab"
	"gokernel/kernel/mem/vmm"
	"io"
	"unsafe"
)

// NumPriorityQueues is the number of distinct runnable queues. Lower index
// is higher priority; Dequeue always drains queue 0 before looking at 1.
const NumPriorityQueues = 3

// threadIDHashSize is the number of buckets in the thread-ID lookup table.
// Open hashing with a chain per bucket; sized well past any realistic
// number of live threads so chains stay short.
const threadIDHashSize = 16384

var (
	errInvalidPriority   = &kernel.Error{Module: "sched", Message: "priority out of range"}
	errThreadNotFound    = &kernel.Error{Module: "sched", Message: "thread id not found"}
	errNoRunnableThread  = &kernel.Error{Module: "sched", Message: "no runnable thread"}
	errNoRunningThread   = &kernel.Error{Module: "sched", Message: "no thread is currently running"}
	errThreadNotStarting = &kernel.Error{Module: "sched", Message: "thread has already been started"}
)

// Scheduler owns every thread's run state: the priority queues, the
// thread-ID table, and the CPU's current/previous register-save pointers.
type Scheduler struct {
	cpuState *CPUState

	allocFrame vmm.AllocFrameFn
	threadPool *slab.Alloc[Thread]

	runningThread *Thread
	runnable      [NumPriorityQueues]runQueue

	threadIDHash [threadIDHashSize]*Thread
	nextThreadID ThreadID
}

// NewScheduler creates a scheduler whose CPUState handoff lives at
// cpuStateAddr. Production code points this at a fixed offset within the
// syscall entry stack so the context-switch trampoline can find it without
// an argument; tests pass the address of an ordinary Go CPUState value.
// allocFrame backs the slab pool NewThread allocates Thread values from.
func NewScheduler(cpuStateAddr mem.VirtAddr, allocFrame vmm.AllocFrameFn) *Scheduler {
	return &Scheduler{
		cpuState:     (*CPUState)(unsafe.Pointer(uintptr(cpuStateAddr))),
		allocFrame:   allocFrame,
		nextThreadID: firstThreadID,
	}
}

// NewThread creates a thread that will start executing at startFunc with
// stack pointer stackPtr, running in addressSpace, once StartThread is
// called on it. The thread's initial segment selectors target user mode; call
// SetKernelThread afterwards for a kernel-mode thread.
func (s *Scheduler) NewThread(startFunc, stackPtr mem.VirtAddr, addressSpace *addrspace.AddressSpace, priority int) (*Thread, *kernel.Error) {
	if priority < 0 || priority >= NumPriorityQueues {
		return nil, errInvalidPriority
	}

	if s.threadPool == nil {
		s.threadPool = slab.New[Thread](slab.AllocFrameFn(s.allocFrame), nil)
	}
	t, err := s.threadPool.Alloc()
	if err != nil {
		return nil, err
	}
	t.id = s.nextThreadID
	t.addressSpace = addressSpace
	t.priority = priority
	t.status = StatusStarting
	s.nextThreadID++
	addressSpace.IncRef()

	t.state.RIP = uint64(startFunc)
	t.state.CS = uint64(gate.NewSegmentSelector(gate.UserCodeSegmentIndex, gate.UserPrivilege).Serialize())
	t.state.RFlags = 1 << 9 // interrupt enable flag
	t.state.RSP = uint64(stackPtr)
	t.state.SS = uint64(gate.NewSegmentSelector(gate.UserStackSegmentIndex, gate.UserPrivilege).Serialize())

	return t, nil
}

// StartThread transitions a freshly created thread to runnable and makes it
// eligible for scheduling.
func (s *Scheduler) StartThread(t *Thread) *kernel.Error {
	if t.status != StatusStarting {
		return errThreadNotStarting
	}
	t.status = StatusRunnable
	s.AddThread(t)
	s.Enqueue(t)
	return nil
}

// CurrentThread returns the thread currently running on this CPU, or nil
// if the scheduler hasn't started yet.
func (s *Scheduler) CurrentThread() *Thread { return s.runningThread }

// Enqueue makes a runnable thread eligible to run again.
func (s *Scheduler) Enqueue(t *Thread) {
	s.runnable[t.priority].pushBack(t)
}

// Dequeue removes and returns the highest priority runnable thread, or nil
// if none are runnable.
func (s *Scheduler) Dequeue() *Thread {
	for i := range s.runnable {
		if !s.runnable[i].empty() {
			return s.runnable[i].popFront()
		}
	}
	return nil
}

// AddThread makes a thread findable by ID via FindThread.
func (s *Scheduler) AddThread(t *Thread) {
	h := threadHash(t.id)
	t.nextByID = s.threadIDHash[h]
	s.threadIDHash[h] = t
}

// RemoveThread unlinks a thread from the ID table.
func (s *Scheduler) RemoveThread(t *Thread) *kernel.Error {
	h := threadHash(t.id)
	pp := &s.threadIDHash[h]
	for *pp != nil {
		if *pp == t {
			*pp = t.nextByID
			t.nextByID = nil
			return nil
		}
		pp = &(*pp).nextByID
	}
	return errThreadNotFound
}

// FindThread looks up a thread by ID.
func (s *Scheduler) FindThread(id ThreadID) (*Thread, *kernel.Error) {
	for t := s.threadIDHash[threadHash(id)]; t != nil; t = t.nextByID {
		if t.id == id {
			return t, nil
		}
	}
	return nil, errThreadNotFound
}

func threadHash(id ThreadID) int {
	h := int(id) % threadIDHashSize
	if h < 0 {
		h += threadIDHashSize
	}
	return h
}

// RunThread makes thread the one running on this CPU: it saves the
// outgoing thread's register-save pointer, optionally requeues it, then
// switches to the incoming thread's address space. Callers that are about
// to write into the incoming thread's receive-info pointers (Send, Notify)
// must do so only after this call returns, since those pointers only
// resolve correctly once the address space switch has happened.
func (s *Scheduler) RunThread(t *Thread, requeue bool) {
	if s.runningThread != nil {
		s.cpuState.Previous = &s.runningThread.state
		if requeue {
			s.runningThread.status = StatusRunnable
			s.Enqueue(s.runningThread)
		}
		s.runningThread = nil
	} else {
		s.cpuState.Previous = nil
	}

	s.runningThread = t
	t.status = StatusRunning
	s.cpuState.Current = &t.state
	t.addressSpace.Activate()
}

// Reschedule picks the next runnable thread and runs it.
func (s *Scheduler) Reschedule(requeue bool) *kernel.Error {
	t := s.Dequeue()
	if t == nil {
		return errNoRunnableThread
	}
	s.RunThread(t, requeue)
	return nil
}

// ExitThread removes the currently running thread from scheduling,
// switches to whatever should run next, releases its address space if that
// was the last thread running in it, and returns the Thread's slot to the
// slab pool.
func (s *Scheduler) ExitThread() (*Thread, *kernel.Error) {
	t := s.runningThread
	if t == nil {
		return nil, errNoRunningThread
	}

	if err := s.Reschedule(false); err != nil {
		return nil, err
	}

	if err := s.RemoveThread(t); err != nil {
		return nil, err
	}
	if t.addressSpace.DecRef() == 0 {
		t.addressSpace.Release()
	}
	s.threadPool.Free(t)

	return t, nil
}

// startSchedulingFn is overridden by tests that exercise Start without
// wanting to execute the real IRETQ trampoline.
var startSchedulingFn = cpu.StartScheduling

// SetStartSchedulingFn overrides the trampoline Start hands control to. It
// returns a function that restores the previous one.
func SetStartSchedulingFn(fn func(uintptr)) (restore func()) {
	prev := startSchedulingFn
	startSchedulingFn = fn
	return func() { startSchedulingFn = prev }
}

// Start runs the highest priority runnable thread and hands control to it.
// In production it never returns.
func (s *Scheduler) Start() *kernel.Error {
	if err := s.Reschedule(true); err != nil {
		return err
	}
	startSchedulingFn(uintptr(unsafe.Pointer(&s.runningThread.state)))
	return nil
}

// Send delivers a message from the "from" thread to destTID. If the
// destination is already blocked in Receive, the scheduler switches to the
// destination (requeueing the running thread as runnable) and writes the
// message through its receive pointers; otherwise "from" blocks until the
// destination calls Receive.
func (s *Scheduler) Send(from *Thread, destTID ThreadID, msgType int, payload uint64) *kernel.Error {
	dest, err := s.FindThread(destTID)
	if err != nil {
		return err
	}

	if dest.status == StatusBlockedReceiving {
		s.RunThread(dest, true)

		info := dest.receiveInfo
		*info.SenderTID = from.id
		*info.Type = msgType
		*info.Payload = payload
		return nil
	}

	from.sendInfo = SendInfo{SenderTID: from.id, Type: msgType, Payload: payload}
	dest.sendQueue.pushBack(from)
	from.status = StatusBlockedSending
	return s.Reschedule(false)
}

// Receive blocks self until a message arrives, writing the sender, type and
// payload through the given pointers. If a thread already sent while self
// wasn't receiving, the oldest pending message is delivered immediately.
func (s *Scheduler) Receive(self *Thread, senderTID *ThreadID, msgType *int, payload *uint64) *kernel.Error {
	if self.notified {
		self.notified = false
		*senderTID = KernelSenderID
		*msgType = 0
		*payload = 0
		return nil
	}

	if self.sendQueue.empty() {
		self.receiveInfo = ReceiveInfo{SenderTID: senderTID, Type: msgType, Payload: payload}
		self.status = StatusBlockedReceiving
		return s.Reschedule(false)
	}

	sender := self.sendQueue.popFront()
	sender.status = StatusRunnable

	info := sender.sendInfo
	*senderTID = info.SenderTID
	*msgType = info.Type
	*payload = info.Payload

	s.Enqueue(sender)
	return nil
}

// Notify wakes targetTID if it is blocked in Receive (delivering a
// zero-valued message tagged KernelSenderID), or leaves a pending
// notification for its next Receive call otherwise.
func (s *Scheduler) Notify(targetTID ThreadID) *kernel.Error {
	dest, err := s.FindThread(targetTID)
	if err != nil {
		return err
	}
	s.notify(dest)
	return nil
}

// NotifyFromKernel is Notify for callers that already hold the target
// thread (interrupt handlers, timers) and so don't need a FindThread
// lookup.
func (s *Scheduler) NotifyFromKernel(target *Thread) {
	s.notify(target)
}

func (s *Scheduler) notify(dest *Thread) {
	if dest.status == StatusBlockedReceiving {
		s.RunThread(dest, true)

		info := dest.receiveInfo
		*info.SenderTID = KernelSenderID
		*info.Type = 0
		*info.Payload = 0
		return
	}
	dest.notified = true
}

// DumpState writes the currently running thread's instruction pointer to
// w, for crash/debug dumps over the serial console.
func (s *Scheduler) DumpState(w io.Writer) {
	if s.runningThread == nil {
		kfmt.Fprintf(w, "no thread running\n")
		return
	}
	kfmt.Fprintf(w, "tid = %d rip = %p\n", int(s.runningThread.id), uintptr(s.runningThread.state.RIP))
}
