package boot

import (
	"time"

	"kaal/internal/captype"
	"kaal/internal/cdt"
	"kaal/internal/cnode"
	"kaal/internal/defs"
	"kaal/internal/ipc"
	"kaal/internal/irq"
	"kaal/internal/kutil"
	"kaal/internal/mem"
	"kaal/internal/object"
	"kaal/internal/sched"
	"kaal/internal/trap"
	"kaal/internal/vm"
)

// errRet encodes an Err_t for the syscall return register: errors are the
// sign-extended negative code, success values are returned as-is.
func errRet(e defs.Err_t) uint64 {
	return uint64(int64(e))
}

// maxDebugPrint bounds a single Debug_Print payload.
const maxDebugPrint = 4096

// rootProcCSpaceBits sizes every CSpace this kernel creates; 12 is the
// largest allowed CNode (4096 slots), generous enough that the root task
// never outgrows it.
const rootProcCSpaceBits = 12

// reg wraps a handler with the two ambient concerns every syscall shares:
// a profiling sample under "syscall.<name>" and system-time accounting
// against the trapping thread.
func (k *Kernel) reg(num uint64, name string, h trap.Handler) {
	k.Disp.Register(num, func(t *sched.TCB, args [6]uint64) (uint64, bool) {
		t0 := time.Now()
		ret, resched := h(t, args)
		d := time.Since(t0).Nanoseconds()
		k.Prof.Add([]string{"syscall." + name, "dispatch"}, d)
		t.Acct.Systadd(d)
		return ret, resched
	})
}

func (k *Kernel) installSyscalls() {
	k.reg(trap.SysYield, "Yield", k.sysYield)
	k.reg(trap.SysSend, "Send", k.sysSend)
	k.reg(trap.SysRecv, "Recv", k.sysRecv)
	k.reg(trap.SysCall, "Call", k.sysCall)
	k.reg(trap.SysReply, "Reply", k.sysReply)
	k.reg(trap.SysCapAllocate, "Cap_Allocate", k.sysCapAllocate)
	k.reg(trap.SysMemoryAllocate, "Memory_Allocate", k.sysMemoryAllocate)
	k.reg(trap.SysDeviceRequest, "Device_Request", k.sysDeviceRequest)
	k.reg(trap.SysEndpointCreate, "Endpoint_Create", k.sysEndpointCreate)
	k.reg(trap.SysProcessCreate, "Process_Create", k.sysProcessCreate)
	k.reg(trap.SysMemoryMap, "Memory_Map", k.sysMemoryMap)
	k.reg(trap.SysMemoryUnmap, "Memory_Unmap", k.sysMemoryUnmap)
	k.reg(trap.SysNotificationCreate, "Notification_Create", k.sysNotificationCreate)
	k.reg(trap.SysSignal, "Signal", k.sysSignal)
	k.reg(trap.SysWait, "Wait", k.sysWait)
	k.reg(trap.SysPoll, "Poll", k.sysPoll)
	k.reg(trap.SysMemoryMapInto, "Memory_Map_Into", k.sysMemoryMapInto)
	k.reg(trap.SysCapInsertInto, "Cap_Insert_Into", k.sysCapInsertInto)
	k.reg(trap.SysCapInsertSelf, "Cap_Insert_Self", k.sysCapInsertSelf)
	k.reg(trap.SysCapRevoke, "Cap_Revoke", k.sysCapRevoke)
	k.reg(trap.SysCapDerive, "Cap_Derive", k.sysCapDerive)
	k.reg(trap.SysCapMint, "Cap_Mint", k.sysCapMint)
	k.reg(trap.SysCapCopy, "Cap_Copy", k.sysCapCopy)
	k.reg(trap.SysCapDelete, "Cap_Delete", k.sysCapDelete)
	k.reg(trap.SysCapMove, "Cap_Move", k.sysCapMove)
	k.reg(trap.SysMemoryRemap, "Memory_Remap", k.sysMemoryRemap)
	k.reg(trap.SysMemoryShare, "Memory_Share", k.sysMemoryShare)
	k.reg(trap.SysIRQHandlerGet, "IRQ_Handler_Get", k.sysIRQHandlerGet)
	k.reg(trap.SysIRQHandlerAck, "IRQ_Handler_Ack", k.sysIRQHandlerAck)
	k.reg(trap.SysShutdown, "Shutdown", k.sysShutdown)
	k.reg(trap.SysDebugPutChar, "Debug_PutChar", k.sysDebugPutChar)
	k.reg(trap.SysDebugPrint, "Debug_Print", k.sysDebugPrint)
}

func (k *Kernel) sysYield(t *sched.TCB, _ [6]uint64) (uint64, bool) {
	return 0, true
}

// bytesToRegs widens a byte payload into message registers, one byte per
// register, the encoding the Recv side reverses. A payload longer than
// the bounded register file is rejected rather than silently truncated.
func bytesToRegs(b []byte) ([]uint64, defs.Err_t) {
	if len(b) > defs.MaxMsgRegisters {
		return nil, defs.RangeError
	}
	regs := make([]uint64, len(b))
	for i, c := range b {
		regs[i] = uint64(c)
	}
	return regs, 0
}

func regsToBytes(regs []uint64) []byte {
	b := make([]byte, len(regs))
	for i, r := range regs {
		b[i] = byte(r)
	}
	return b
}

func (k *Kernel) sysSend(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjEndpoint)
	if err != 0 {
		return errRet(err), false
	}
	if err := ipc.Validate(c.Rights, true); err != 0 {
		return errRet(err), false
	}
	payload, err := k.copyIn(p, args[1], int(args[2]))
	if err != 0 {
		return errRet(err), false
	}
	regs, err := bytesToRegs(payload)
	if err != 0 {
		return errRet(err), false
	}
	ep := c.Object.(*ipc.Endpoint)
	msg := ipc.Message{Registers: regs}
	if err := ep.Send(k.Sched, t, msg, c.Badge, c.Badge != 0, c.Rights.Contains(defs.Grant)); err != 0 {
		return errRet(err), true
	}
	return 0, true
}

func (k *Kernel) sysRecv(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjEndpoint)
	if err != 0 {
		return errRet(err), false
	}
	if err := ipc.Validate(c.Rights, false); err != 0 {
		return errRet(err), false
	}
	ep := c.Object.(*ipc.Endpoint)
	msg, badge, caller, err := ep.RecvCaller(k.Sched, t)
	if err != 0 {
		return errRet(err), true
	}
	if caller != nil {
		p.setReplyTarget(caller)
	}
	payload := regsToBytes(msg.Registers)
	if err := k.copyOut(p, args[1], payload); err != 0 {
		return errRet(err), true
	}
	// Badge register: delivered in x1 alongside the byte count in x0.
	t.Trap.X[1] = badge
	return uint64(len(payload)), true
}

func (k *Kernel) sysCall(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjEndpoint)
	if err != 0 {
		return errRet(err), false
	}
	if err := ipc.Validate(c.Rights, true); err != 0 {
		return errRet(err), false
	}
	payload, err := k.copyIn(p, args[1], int(args[2]))
	if err != 0 {
		return errRet(err), false
	}
	regs, err := bytesToRegs(payload)
	if err != 0 {
		return errRet(err), false
	}
	ep := c.Object.(*ipc.Endpoint)
	resp, err := ep.Call(k.Sched, t, ipc.Message{Registers: regs}, c.Badge, c.Badge != 0, c.Rights.Contains(defs.Grant))
	if err != 0 {
		return errRet(err), true
	}
	// The reply payload lands in the caller's message buffer, replacing
	// the request.
	out := regsToBytes(resp.Registers)
	if err := k.copyOut(p, args[1], out); err != 0 {
		return errRet(err), true
	}
	return uint64(len(out)), true
}

func (k *Kernel) sysReply(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	target := p.takeReplyTarget()
	if target == nil {
		return errRet(defs.InvalidCapability), false
	}
	payload, err := k.copyIn(p, args[1], int(args[2]))
	if err != 0 {
		p.setReplyTarget(target) // reply not consumed by a bad buffer
		return errRet(err), false
	}
	regs, err := bytesToRegs(payload)
	if err != 0 {
		p.setReplyTarget(target)
		return errRet(err), false
	}
	if err := ipc.Reply(target, ipc.Message{Registers: regs}); err != 0 {
		return errRet(err), false
	}
	return 0, true
}

func (k *Kernel) sysCapAllocate(t *sched.TCB, _ [6]uint64) (uint64, bool) {
	p := k.proc(t)
	slot, err := p.CSpace.AllocSlot()
	if err != 0 {
		return errRet(err), false
	}
	return uint64(slot), false
}

func (k *Kernel) sysMemoryAllocate(t *sched.TCB, args [6]uint64) (uint64, bool) {
	size := int(args[0])
	if size <= 0 {
		return errRet(defs.InvalidArgument), false
	}
	frames := (size + mem.PGSIZE - 1) / mem.PGSIZE
	pfn, ok := k.PMM.AllocRange(frames)
	if !ok {
		return errRet(defs.NotEnoughMemory), false
	}
	return uint64(pfn.Addr()), false
}

func (k *Kernel) sysDeviceRequest(t *sched.TCB, args [6]uint64) (uint64, bool) {
	k.mu.Lock()
	base, ok := k.devices[args[0]]
	k.mu.Unlock()
	if !ok {
		return errRet(defs.InvalidArgument), false
	}
	return uint64(base), false
}

// insertKernelObject places a fresh root capability over obj into the
// first free slot of p's CSpace, returning the slot.
func (k *Kernel) insertKernelObject(p *Process, typ defs.ObjType, obj interface{}) (uint64, defs.Err_t) {
	slot, err := p.CSpace.AllocSlot()
	if err != 0 {
		return 0, err
	}
	node, err := k.Pool.New(cdt.Null)
	if err != 0 {
		return 0, err
	}
	cap := captype.Capability{Type: typ, Object: obj, Rights: defs.AllRights, Node: node}
	if err := p.CSpace.InsertRoot(slot, cap); err != 0 {
		return 0, err
	}
	return uint64(slot), 0
}

func (k *Kernel) sysEndpointCreate(t *sched.TCB, _ [6]uint64) (uint64, bool) {
	p := k.proc(t)
	ep, err := object.RetypeEndpoint(k.kernelUntyped)
	if err != 0 {
		return errRet(err), false
	}
	slot, err := k.insertKernelObject(p, defs.ObjEndpoint, ep)
	if err != 0 {
		return errRet(err), false
	}
	return slot, false
}

func (k *Kernel) sysNotificationCreate(t *sched.TCB, _ [6]uint64) (uint64, bool) {
	p := k.proc(t)
	n, err := object.RetypeNotification(k.kernelUntyped)
	if err != 0 {
		return errRet(err), false
	}
	slot, err := k.insertKernelObject(p, defs.ObjNotification, n)
	if err != 0 {
		return errRet(err), false
	}
	return slot, false
}

func (k *Kernel) sysSignal(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjNotification)
	if err != 0 {
		return errRet(err), false
	}
	if !c.Rights.Contains(defs.Write) {
		return errRet(defs.InsufficientRights), false
	}
	c.Object.(*ipc.Notification).Signal(k.Sched, args[1])
	return 0, true
}

func (k *Kernel) sysWait(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjNotification)
	if err != 0 {
		return errRet(err), false
	}
	if !c.Rights.Contains(defs.Read) {
		return errRet(defs.InsufficientRights), false
	}
	word := c.Object.(*ipc.Notification).Wait(t)
	return word, true
}

func (k *Kernel) sysPoll(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjNotification)
	if err != 0 {
		return errRet(err), false
	}
	if !c.Rights.Contains(defs.Read) {
		return errRet(defs.InsufficientRights), false
	}
	return c.Object.(*ipc.Notification).Poll(), false
}

// mapRange installs size bytes of physically contiguous frames starting
// at phys into vs at va, page by page, honoring the ABI perms bits.
func (k *Kernel) mapRange(vs *vm.VSpace, va mem.Va_t, phys mem.Pa_t, size int, perms uint64) defs.Err_t {
	if !va.Aligned() || !phys.Aligned() {
		return defs.AlignmentError
	}
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	writable := perms&trap.PermWrite != 0
	first := phys.ToPFN()
	for i := 0; i < pages; i++ {
		off := mem.Va_t(i * mem.PGSIZE)
		if err := vs.MapPage(va+off, first+mem.PFN(i), writable, true); err != 0 {
			return err
		}
	}
	return 0
}

func (k *Kernel) sysMemoryMap(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	phys, size, perms := mem.Pa_t(args[0]), int(args[1]), args[2]
	if size <= 0 {
		return errRet(defs.InvalidArgument), false
	}
	va, err := p.VSpace.Allocate(size)
	if err != 0 {
		return errRet(err), false
	}
	if err := k.mapRange(p.VSpace, va, phys, size, perms); err != 0 {
		return errRet(err), false
	}
	return uint64(va), false
}

func (k *Kernel) sysMemoryUnmap(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	va, size := mem.Va_t(args[0]), int(args[1])
	if !va.Aligned() || size <= 0 {
		return errRet(defs.InvalidArgument), false
	}
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		if err := p.VSpace.UnmapPage(va + mem.Va_t(i*mem.PGSIZE)); err != 0 {
			return errRet(err), false
		}
	}
	return 0, false
}

func (k *Kernel) sysMemoryRemap(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	va, size, perms := mem.Va_t(args[0]), int(args[1]), args[2]
	if !va.Aligned() || size <= 0 {
		return errRet(defs.InvalidArgument), false
	}
	writable := perms&trap.PermWrite != 0
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		if err := p.VSpace.RemapPage(va+mem.Va_t(i*mem.PGSIZE), writable, true); err != 0 {
			return errRet(err), false
		}
	}
	return 0, false
}

func (k *Kernel) sysMemoryMapInto(t *sched.TCB, args [6]uint64) (uint64, bool) {
	target := k.procByPid(defs.Tid_t(args[0]))
	if target == nil {
		return errRet(defs.InvalidArgument), false
	}
	phys, size, va, perms := mem.Pa_t(args[1]), int(args[2]), mem.Va_t(args[3]), args[4]
	if size <= 0 {
		return errRet(defs.InvalidArgument), false
	}
	if err := k.mapRange(target.VSpace, va, phys, size, perms); err != 0 {
		return errRet(err), false
	}
	return 0, false
}

func (k *Kernel) sysMemoryShare(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	target := k.procByPid(defs.Tid_t(args[0]))
	if target == nil {
		return errRet(defs.InvalidArgument), false
	}
	srcVA, size, dstVA, perms := mem.Va_t(args[1]), int(args[2]), mem.Va_t(args[3]), args[4]
	if !srcVA.Aligned() || !dstVA.Aligned() || size <= 0 {
		return errRet(defs.AlignmentError), false
	}
	writable := perms&trap.PermWrite != 0
	pages := (size + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		off := mem.Va_t(i * mem.PGSIZE)
		pa, ok := p.VSpace.Translate(srcVA + off)
		if !ok {
			return errRet(defs.FailedLookup), false
		}
		if err := target.VSpace.MapPage(dstVA+off, pa.ToPFN(), writable, true); err != 0 {
			return errRet(err), false
		}
	}
	return 0, false
}

// processCreateArgs is the 80-byte parameter block Process_Create reads
// from the caller's memory: ten little-endian u64 fields. The block
// pointer travels in x0 — ten arguments do not fit the six-register
// syscall convention, so the overflow is marshaled through a user
// buffer.
type processCreateArgs struct {
	entry, sp              uint64
	vspace, cspace         uint64
	imgPhys, imgVaddr      uint64
	imgSize, stkPhys       uint64
	prio, caps             uint64
}

func decodeProcessCreateArgs(b []byte) processCreateArgs {
	var a processCreateArgs
	a.entry = kutil.Readn(b, 8, 0)
	a.sp = kutil.Readn(b, 8, 8)
	a.vspace = kutil.Readn(b, 8, 16)
	a.cspace = kutil.Readn(b, 8, 24)
	a.imgPhys = kutil.Readn(b, 8, 32)
	a.imgVaddr = kutil.Readn(b, 8, 40)
	a.imgSize = kutil.Readn(b, 8, 48)
	a.stkPhys = kutil.Readn(b, 8, 56)
	a.prio = kutil.Readn(b, 8, 64)
	a.caps = kutil.Readn(b, 8, 72)
	return a
}

func (k *Kernel) sysProcessCreate(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	blob, err := k.copyIn(p, args[0], 80)
	if err != 0 {
		return errRet(err), false
	}
	a := decodeProcessCreateArgs(blob)
	if a.prio > defs.MaxPriority {
		return errRet(defs.InvalidArgument), false
	}

	child, err := k.NewProcess(rootProcCSpaceBits)
	if err != 0 {
		return errRet(err), false
	}
	if a.imgSize > 0 {
		if err := k.mapRange(child.VSpace, mem.Va_t(a.imgVaddr), mem.Pa_t(a.imgPhys), int(a.imgSize), trap.PermRead|trap.PermWrite|trap.PermExec); err != 0 {
			return errRet(err), false
		}
	}
	if a.stkPhys != 0 {
		stackVA := mem.Va_t(a.sp).Rounddown() - mem.Va_t(mem.PGSIZE)
		if err := k.mapRange(child.VSpace, stackVA, mem.Pa_t(a.stkPhys), mem.PGSIZE, trap.PermRead|trap.PermWrite); err != 0 {
			return errRet(err), false
		}
	}
	// Endow the child with copies of the caller's first a.caps slots, the
	// boot-protocol convention for handing a component its initial
	// authority.
	for i := 0; i < int(a.caps); i++ {
		if _, gerr := p.CSpace.Get(i); gerr != 0 {
			continue
		}
		if cerr := cnode.Copy(p.CSpace, i, child.CSpace, i); cerr != 0 {
			return errRet(cerr), false
		}
	}
	child.TCB.Priority = uint8(a.prio)
	child.TCB.Trap.ELREL1 = a.entry
	child.TCB.Trap.SPEL0 = a.sp
	k.Sched.Enqueue(child.TCB)
	return uint64(child.Pid), k.Sched.WouldPreempt(child.TCB.Priority)
}

func (k *Kernel) sysCapInsertInto(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	target := k.procByPid(defs.Tid_t(args[0]))
	if target == nil {
		return errRet(defs.InvalidArgument), false
	}
	return errRet(cnode.Copy(p.CSpace, int(args[2]), target.CSpace, int(args[1]))), false
}

func (k *Kernel) sysCapInsertSelf(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(cnode.Copy(p.CSpace, int(args[1]), p.CSpace, int(args[0]))), false
}

func (k *Kernel) sysCapRevoke(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(p.CSpace.Revoke(int(args[0]), k.onCapDelete)), true
}

func (k *Kernel) sysCapDerive(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(cnode.Derive(p.CSpace, int(args[0]), p.CSpace, int(args[1]), defs.Rights(args[2]))), false
}

func (k *Kernel) sysCapMint(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(cnode.Mint(p.CSpace, int(args[0]), p.CSpace, int(args[1]), defs.Rights(args[2]), args[3])), false
}

func (k *Kernel) sysCapCopy(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(cnode.Copy(p.CSpace, int(args[0]), p.CSpace, int(args[1]))), false
}

func (k *Kernel) sysCapDelete(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(p.CSpace.Delete(int(args[0]))), false
}

func (k *Kernel) sysCapMove(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	return errRet(cnode.Move(p.CSpace, int(args[0]), p.CSpace, int(args[1]))), false
}

func (k *Kernel) sysIRQHandlerGet(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	ctl, err := k.resolveCap(p, args[0], defs.ObjIRQControl)
	if err != 0 {
		return errRet(err), false
	}
	nc, err := k.resolveCap(p, args[2], defs.ObjNotification)
	if err != 0 {
		return errRet(err), false
	}
	h, err := k.IRQCtl.Get(int(args[1]), nc.Object.(*ipc.Notification), k.GIC)
	if err != 0 {
		return errRet(err), false
	}
	node, err := k.Pool.New(ctl.Node)
	if err != 0 {
		k.IRQCtl.Release(h.IRQ)
		return errRet(err), false
	}
	cap := captype.Capability{Type: defs.ObjIRQHandler, Object: h, Rights: defs.Read | defs.Write, Node: node}
	if err := p.CSpace.InsertRoot(int(args[3]), cap); err != 0 {
		k.IRQCtl.Release(h.IRQ)
		return errRet(err), false
	}
	return 0, false
}

func (k *Kernel) sysIRQHandlerAck(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	c, err := k.resolveCap(p, args[0], defs.ObjIRQHandler)
	if err != 0 {
		return errRet(err), false
	}
	return errRet(c.Object.(*irq.IRQHandler).Ack()), false
}

func (k *Kernel) sysShutdown(t *sched.TCB, _ [6]uint64) (uint64, bool) {
	k.mu.Lock()
	k.halted = true
	k.mu.Unlock()
	t.ForceInactive()
	return 0, true
}

func (k *Kernel) sysDebugPutChar(t *sched.TCB, args [6]uint64) (uint64, bool) {
	if k.Console != nil {
		k.Console.Write([]byte{byte(args[0])})
	}
	return 0, false
}

func (k *Kernel) sysDebugPrint(t *sched.TCB, args [6]uint64) (uint64, bool) {
	p := k.proc(t)
	n := int(args[1])
	if n < 0 || n > maxDebugPrint {
		return errRet(defs.RangeError), false
	}
	b, err := k.copyIn(p, args[0], n)
	if err != 0 {
		return errRet(err), false
	}
	if k.Console != nil {
		k.Console.Write(b)
	}
	return 0, false
}
