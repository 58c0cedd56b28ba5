package boot

import (
	"io"
	"sync"

	"kaal/internal/captype"
	"kaal/internal/cdt"
	"kaal/internal/cnode"
	"kaal/internal/defs"
	"kaal/internal/ipc"
	"kaal/internal/irq"
	"kaal/internal/kdebug"
	"kaal/internal/klog"
	"kaal/internal/kutil"
	"kaal/internal/mem"
	"kaal/internal/object"
	"kaal/internal/profiling"
	"kaal/internal/sched"
	"kaal/internal/trap"
	"kaal/internal/vm"
)

// Process bundles the per-component kernel state a syscall resolves from
// the trapping TCB: the capability space its slot indices name, the VSpace
// its pointers translate through, and the reply target filled in when a
// Recv picks up a Call.
type Process struct {
	Pid    defs.Tid_t
	TCB    *sched.TCB
	CSpace *cnode.CSpace
	VSpace *vm.VSpace

	mu          sync.Mutex
	replyTarget *sched.TCB
}

func (p *Process) setReplyTarget(t *sched.TCB) {
	p.mu.Lock()
	p.replyTarget = t
	p.mu.Unlock()
}

// takeReplyTarget consumes the one-shot reply target, returning nil if
// none is pending.
func (p *Process) takeReplyTarget() *sched.TCB {
	p.mu.Lock()
	t := p.replyTarget
	p.replyTarget = nil
	p.mu.Unlock()
	return t
}

// Kernel owns every process-wide singleton: the frame allocator, the
// CDT pool, the scheduler, the IRQ dispatch table, the console, and the
// process table. All are built once
// in NewKernel/Init and mutated thereafter; tests construct private
// instances so no state leaks between them.
type Kernel struct {
	PMM     *mem.PMM
	DM      *vm.DirectMap
	Engine  *vm.Engine
	Pool    *cdt.Pool
	Sched   *sched.Scheduler
	Disp    *trap.Dispatcher
	IRQCtl  *irq.IRQControl
	GIC     irq.GIC
	Console io.Writer
	Prof    *profiling.Recorder

	mu      sync.Mutex
	byTCB   map[*sched.TCB]*Process
	byPid   map[defs.Tid_t]*Process
	nextPid defs.Tid_t
	devices map[uint64]mem.Pa_t
	halted  bool

	// kernelUntyped charges kernel-created objects (Endpoint_Create,
	// Notification_Create, Process_Create) so their memory accounting
	// flows through the same watermark discipline as root-task retypes.
	kernelUntyped *object.Untyped
}

// KernelConfig sizes a Kernel's fixed tables.
type KernelConfig struct {
	Frames  int       // PMM and direct-map capacity, in 4 KiB frames
	Console io.Writer // boot console; a *UART on hardware, any Writer in tests
	GIC     irq.GIC
}

// NewKernel builds the singleton set. Physical memory is empty until Init
// feeds it the DTB-discovered regions.
func NewKernel(cfg KernelConfig) *Kernel {
	if cfg.GIC == nil {
		cfg.GIC = irq.NewFakeGIC()
	}
	dm := vm.NewDirectMap(0, cfg.Frames)
	pmm := mem.NewPMM(cfg.Frames)
	irqBudget := new(defs.Sysatomic_t)
	irqBudget.Give(1024)
	k := &Kernel{
		PMM:     pmm,
		DM:      dm,
		Engine:  vm.NewEngine(dm, pmm, nil),
		Pool:    cdt.NewPool(defs.CDTPoolSize),
		Sched:   sched.NewScheduler(sched.NewTCB()),
		IRQCtl:  irq.NewIRQControl(irqBudget),
		GIC:     cfg.GIC,
		Console: cfg.Console,
		Prof:    profiling.NewRecorder(),
		byTCB:   make(map[*sched.TCB]*Process),
		byPid:   make(map[defs.Tid_t]*Process),
		nextPid: 1,
		devices: make(map[uint64]mem.Pa_t),
	}
	// Watermark-only placeholder until Init carves the real kernel
	// untyped out of discovered RAM; object charges account against it
	// either way.
	k.kernelUntyped = object.NewUntyped(0, kernelUntypedBits)
	k.Disp = trap.NewDispatcher(k.Sched)
	k.installSyscalls()
	k.Disp.OnFault(k.reportFault)
	return k
}

// RegisterDevice publishes a device's MMIO base under an id, resolvable
// through the Device_Request syscall. Called at boot from the DTB device
// enumeration.
func (k *Kernel) RegisterDevice(id uint64, base mem.Pa_t) {
	k.mu.Lock()
	k.devices[id] = base
	k.mu.Unlock()
}

// Halted reports whether the Shutdown syscall has run.
func (k *Kernel) Halted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.halted
}

// ReadProfile writes the accumulated kernel timing profile in pprof wire
// format. No syscall routes to it.
func (k *Kernel) ReadProfile(w io.Writer) error {
	return k.Prof.WriteTo(w)
}

// addProcess registers p in both lookup tables and assigns its pid.
func (k *Kernel) addProcess(p *Process) {
	k.mu.Lock()
	p.Pid = k.nextPid
	k.nextPid++
	k.byTCB[p.TCB] = p
	k.byPid[p.Pid] = p
	k.mu.Unlock()
}

// proc resolves the trapping TCB to its process. A TCB with no process is
// a kernel bug, not user error: the dispatcher only ever passes TCBs the
// kernel itself created, so the miss is an internal invariant violation
// and halts rather than failing the syscall.
func (k *Kernel) proc(t *sched.TCB) *Process {
	k.mu.Lock()
	p := k.byTCB[t]
	k.mu.Unlock()
	if p == nil {
		kdebug.Halt("trapping TCB %p has no process", t)
	}
	return p
}

// RusageOf encodes a thread's accumulated user/system time as a
// rusage-shaped blob. No syscall routes to it.
func (k *Kernel) RusageOf(pid defs.Tid_t) ([]byte, defs.Err_t) {
	p := k.procByPid(pid)
	if p == nil {
		return nil, defs.InvalidArgument
	}
	return p.TCB.Acct.ToRusage(), 0
}

func (k *Kernel) procByPid(pid defs.Tid_t) *Process {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byPid[pid]
}

// NewProcess builds a fresh process: its own VSpace, a CSpace of the given
// size, and an Inactive TCB charged against the kernel untyped.
func (k *Kernel) NewProcess(cspaceBits uint) (*Process, defs.Err_t) {
	tcb, err := object.RetypeTCB(k.kernelUntyped)
	if err != 0 {
		return nil, err
	}
	vs, err := object.RetypeVSpaceRoot(k.kernelUntyped, k.Engine)
	if err != 0 {
		return nil, err
	}
	cs, err := object.RetypeCNode(k.kernelUntyped, k.Pool, cspaceBits)
	if err != 0 {
		return nil, err
	}
	tcb.TTBR0 = uint64(vs.Root)
	p := &Process{TCB: tcb, CSpace: cs, VSpace: vs}
	k.addProcess(p)
	return p, 0
}

// copyIn reads n bytes of the process's memory starting at va, walking
// page by page through its VSpace: translate each page, then slice the
// direct map.
func (k *Kernel) copyIn(p *Process, va uint64, n int) ([]byte, defs.Err_t) {
	if n < 0 {
		return nil, defs.InvalidArgument
	}
	out := make([]byte, 0, n)
	for n > 0 {
		pa, ok := p.VSpace.Translate(mem.Va_t(va))
		if !ok {
			return nil, defs.FailedLookup
		}
		chunk := mem.PGSIZE - int(va&uint64(mem.PGOFFSET))
		if chunk > n {
			chunk = n
		}
		out = append(out, k.DM.Bytes(pa, chunk)...)
		va += uint64(chunk)
		n -= chunk
	}
	return out, 0
}

// copyOut writes b into the process's memory at va.
func (k *Kernel) copyOut(p *Process, va uint64, b []byte) defs.Err_t {
	for len(b) > 0 {
		pa, ok := p.VSpace.Translate(mem.Va_t(va))
		if !ok {
			return defs.FailedLookup
		}
		chunk := mem.PGSIZE - int(va&uint64(mem.PGOFFSET))
		if chunk > len(b) {
			chunk = len(b)
		}
		copy(k.DM.Bytes(pa, chunk), b[:chunk])
		va += uint64(chunk)
		b = b[chunk:]
	}
	return 0
}

// resolveCap fetches the capability at slot in p's CSpace and checks its
// type tag.
func (k *Kernel) resolveCap(p *Process, slot uint64, want defs.ObjType) (captype.Capability, defs.Err_t) {
	c, err := p.CSpace.Get(int(slot))
	if err != 0 {
		return captype.Null, defs.InvalidCapability
	}
	if c.Type != want {
		return captype.Null, defs.InvalidCapability
	}
	return c, 0
}

// onCapDelete tears down the object behind a capability cleared by Revoke.
// Endpoint destruction wakes every queued thread with IPCCancelled;
// revoking an Untyped returns its whole region to the frame allocator
// (memory is recoverable only via Revoke of the containing Untyped);
// deleting a Frame or other typed object on its own returns nothing.
func (k *Kernel) onCapDelete(c captype.Capability) {
	switch c.Type {
	case defs.ObjEndpoint:
		c.Object.(*ipc.Endpoint).Destroy(k.Sched)
	case defs.ObjNotification:
		c.Object.(*ipc.Notification).CancelAll(k.Sched)
	case defs.ObjIRQHandler:
		k.IRQCtl.Release(c.Object.(*irq.IRQHandler).IRQ)
	case defs.ObjUntyped:
		u := c.Object.(*object.Untyped)
		first := u.Base.ToPFN()
		frames := int(u.Size()) / mem.PGSIZE
		for i := 0; i < frames; i++ {
			k.PMM.Dealloc(first + mem.PFN(i))
		}
	}
}

// faultMsgLabel tags the synthetic fault IPC a fault handler receives,
// distinguishing it from ordinary protocol messages on the same endpoint.
const faultMsgLabel uint64 = 0xfa01

// reportFault delivers a data/instruction abort to the thread's fault
// endpoint as a synthetic IPC message, or forces it Inactive. The real
// instruction word is read back from the thread's mapped code page at
// elr (the dispatcher only has placeholder bytes), disassembled for the
// kernel log, and carried in the fault message so the handler sees the
// same word the log does.
func (k *Kernel) reportFault(t *sched.TCB, esr, far, elr uint64, insn []byte) {
	k.mu.Lock()
	p := k.byTCB[t]
	k.mu.Unlock()
	var pid defs.Tid_t
	if p != nil {
		pid = p.Pid
		if b, err := k.copyIn(p, elr, 4); err == 0 {
			insn = b
		}
	}
	klog.Printf("pid %d %s", pid, trap.DescribeFault(esr, far, elr, insn))

	fe := t.FaultEndpoint
	if fe.IsNull() || fe.Type != defs.ObjEndpoint {
		t.ForceInactive()
		return
	}
	ep := fe.Object.(*ipc.Endpoint)
	var insnWord uint64
	if len(insn) >= 4 {
		insnWord = kutil.Readn(insn, 4, 0)
	}
	msg := ipc.Message{
		Label:     faultMsgLabel,
		Registers: []uint64{esr, far, elr, insnWord},
	}
	// The faulting thread is parked while its handler runs; the fault
	// message goes out on a fresh goroutine exactly the way a real kernel
	// queues the fault IPC on the faulting thread's behalf.
	go ep.Send(k.Sched, t, msg, 0, false, false)
	t.Block(sched.BlockedOnSend)
}

// TimerTick drives the preemption path: one generic-timer interrupt
// against the current thread. Returns the thread to run next.
func (k *Kernel) TimerTick() *sched.TCB {
	cur := k.Sched.Current()
	if cur == nil {
		return k.Sched.Schedule()
	}
	return k.Sched.Tick(cur)
}

// HandleIRQ is the asynchronous dispatch path: mask the line, signal
// the bound notification.
func (k *Kernel) HandleIRQ(irqNum int) defs.Err_t {
	return k.IRQCtl.Deliver(k.Sched, irqNum)
}
