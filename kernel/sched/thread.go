// Package sched implements a single-CPU, fixed-priority, cooperative
// scheduler and the synchronous rendezvous IPC (Send/Receive/Notify) built
// on top of it.
//
// Threads block by calling Reschedule themselves (Receive, or the blocked
// branch of Send) rather than being preempted by a timer; a thread stops
// running involuntarily only when a syscall or an interrupt delivered to a
// thread blocked in Receive makes the scheduler run someone else.
package sched

import (
	"gokernel/kernel/addrspace"
	"gokernel/kernel/gate"
)

// ThreadID identifies a thread across Send/Receive/Notify calls. 0 is
// reserved: it never names a real thread and instead marks a message as
// having come from the kernel itself rather than a peer thread.
type ThreadID int32

// KernelSenderID is the sender reported to Receive when a message actually
// came from Notify/NotifyFromKernel rather than another thread's Send.
const KernelSenderID ThreadID = 0

// firstThreadID leaves a block of low IDs unused, mirroring the reserved
// range the original kernel kept for statically created threads.
const firstThreadID ThreadID = 32

// Status is a thread's position in the scheduler's state machine.
type Status int

const (
	StatusStarting Status = iota
	StatusRunnable
	StatusRunning
	StatusBlockedReceiving
	StatusBlockedSending
)

// ThreadState is the set of registers saved and restored across a context
// switch: the five IRETQ pushes the CPU performs automatically on entry to
// an interrupt/exception/syscall handler, plus the caller-saved (scratch)
// general purpose registers the trampoline saves explicitly.
type ThreadState struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64

	RAX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
}

// CPUState is the two-word handoff the context-switch trampoline consults:
// where to save the outgoing thread's registers and where to load the
// incoming thread's registers from.
type CPUState struct {
	Current  *ThreadState
	Previous *ThreadState
}

// SendInfo is the message a blocked sender leaves behind for its
// destination to pick up once it calls Receive.
type SendInfo struct {
	SenderTID ThreadID
	Type      int
	Payload   uint64
}

// ReceiveInfo holds the addresses a blocked receiver wants its message
// written to. These are raw pointers into the receiving thread's own
// address space: whichever thread eventually delivers the message (Send,
// Notify) must switch into that address space before dereferencing them.
type ReceiveInfo struct {
	SenderTID *ThreadID
	Type      *int
	Payload   *uint64
}

// Thread is one schedulable unit of execution: a register set, a priority,
// and a reference to the address space it runs in.
type Thread struct {
	id           ThreadID
	state        ThreadState
	addressSpace *addrspace.AddressSpace
	priority     int
	status       Status

	// link is reused for whichever intrusive list currently holds this
	// thread: one of the scheduler's runnable queues, or the send queue of
	// whatever thread it is blocked sending to. A thread is never in both
	// at once, so one pair of pointers suffices.
	link struct {
		next, prev *Thread
	}

	// sendQueue holds threads blocked trying to Send to this thread.
	sendQueue runQueue

	// nextByID chains threads sharing a thread-ID hash bucket.
	nextByID *Thread

	sendInfo    SendInfo
	receiveInfo ReceiveInfo
	notified    bool
}

// ID returns the thread's identifier.
func (t *Thread) ID() ThreadID { return t.id }

// SetID overrides a thread's assigned ID. Only meaningful before the
// thread is started: Scheduler.StartThread is what adds it to the ID
// lookup table, so a later SetID call has no effect on table lookups.
func (t *Thread) SetID(id ThreadID) { t.id = id }

// Priority returns the thread's scheduling priority.
func (t *Thread) Priority() int { return t.priority }

// Status returns the thread's current scheduler state.
func (t *Thread) Status() Status { return t.status }

// AddressSpace returns the address space this thread runs in.
func (t *Thread) AddressSpace() *addrspace.AddressSpace { return t.addressSpace }

// State returns the thread's saved register set, for syscall handlers that
// read arguments from it or write a result back into it.
func (t *Thread) State() *ThreadState { return &t.state }

// SetKernelThread reconfigures the thread to run at CPL 0 using the kernel
// code/stack segments, for threads that never cross into user mode.
func (t *Thread) SetKernelThread() {
	t.state.CS = uint64(gate.NewSegmentSelector(gate.KernelCodeSegmentIndex, gate.KernelPrivilege).Serialize())
	t.state.SS = uint64(gate.NewSegmentSelector(gate.KernelStackSegmentIndex, gate.KernelPrivilege).Serialize())
}

// AllowIO sets IOPL to 3 in the thread's saved RFLAGS so it can execute
// IN/OUT instructions without trapping.
func (t *Thread) AllowIO() {
	t.state.RFlags |= 3 << 12
}

// runQueue is an intrusive FIFO of threads linked through their own .link
// field.
type runQueue struct {
	head, tail *Thread
}

func (q *runQueue) empty() bool { return q.head == nil }

func (q *runQueue) pushBack(t *Thread) {
	t.link.next = nil
	t.link.prev = q.tail
	if q.tail != nil {
		q.tail.link.next = t
	} else {
		q.head = t
	}
	q.tail = t
}

func (q *runQueue) popFront() *Thread {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.link.next
	if q.head != nil {
		q.head.link.prev = nil
	} else {
		q.tail = nil
	}
	t.link.next, t.link.prev = nil, nil
	return t
}
