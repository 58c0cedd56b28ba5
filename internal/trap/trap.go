// Package trap implements the Trap/Syscall Dispatcher: exception
// save/restore into a fixed-format trap frame, ESR_EL1 exception-class
// decoding, the syscall number table, and return-value marshaling.
// Dispatch is a flat table of handler funcs indexed by a small integer,
// selected after matching on ESR_EL1's exception class — closed
// dispatch, no virtual calls on the hot path.
package trap

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"

	"kaal/internal/defs"
	"kaal/internal/sched"
)

// Syscall numbers. These are ABI: renumbering breaks every built
// component.
const (
	SysYield              = 0x01
	SysSend               = 0x02
	SysRecv               = 0x03
	SysCall               = 0x04
	SysReply              = 0x05
	SysCapAllocate        = 0x10
	SysMemoryAllocate     = 0x11
	SysDeviceRequest      = 0x12
	SysEndpointCreate     = 0x13
	SysProcessCreate      = 0x14
	SysMemoryMap          = 0x15
	SysMemoryUnmap        = 0x16
	SysNotificationCreate = 0x17
	SysSignal             = 0x18
	SysWait               = 0x19
	SysPoll               = 0x1A
	SysMemoryMapInto      = 0x1B
	SysCapInsertInto      = 0x1C
	SysCapInsertSelf      = 0x1D
	SysCapRevoke          = 0x1E
	SysCapDerive          = 0x1F
	SysCapMint            = 0x20
	SysCapCopy            = 0x21
	SysCapDelete          = 0x22
	SysCapMove            = 0x23
	SysMemoryRemap        = 0x24
	SysMemoryShare        = 0x25
	SysIRQHandlerGet      = 0x40
	SysIRQHandlerAck      = 0x41
	SysShutdown           = 0x50
	SysDebugPutChar       = 0x1000
	SysDebugPrint         = 0x1001
)

// Memory permission bits, as userspace passes them.
const (
	PermRead  = 1
	PermWrite = 2
	PermExec  = 4
)

// ESR_EL1 exception class for an SVC from AArch64.
const ECSvc64 = 0x15

// ESR_EL1 exception classes for aborts, handled separately from the
// syscall table.
const (
	ECDataAbortLowerEL = 0x24
	ECDataAbortSameEL  = 0x25
	ECInsnAbortLowerEL = 0x20
	ECInsnAbortSameEL  = 0x21
)

// ecFromESR extracts the exception class, bits [31:26] of ESR_EL1.
func ecFromESR(esr uint64) uint64 {
	return (esr >> 26) & 0x3f
}

// Handler services one syscall, given the trapped thread and its saved
// argument registers x0..x5. It returns the value to place in x0 (or
// defs.ErrNoReturn on the generic error path) and whether the dispatcher
// should invoke the scheduler before returning (true for any syscall
// that can block, yield, or unblock a higher-priority thread).
type Handler func(t *sched.TCB, args [6]uint64) (ret uint64, reschedule bool)

// Dispatcher is the syscall number → handler table plus the fault-path
// policy.
type Dispatcher struct {
	table    map[uint64]Handler
	sc       *sched.Scheduler
	onFault  func(t *sched.TCB, esr, far, elr uint64, insn []byte)
}

// NewDispatcher constructs an empty dispatcher bound to sc; Register adds
// handlers by syscall number (internal/boot wires the full table at
// startup against the live kernel object tables).
func NewDispatcher(sc *sched.Scheduler) *Dispatcher {
	return &Dispatcher{table: make(map[uint64]Handler), sc: sc}
}

// Register installs h as the handler for syscall number num.
func (d *Dispatcher) Register(num uint64, h Handler) {
	d.table[num] = h
}

// OnFault installs the callback invoked for a data/instruction abort with
// the thread's saved ESR/FAR/ELR and the faulting instruction bytes; see
// handleAbort.
func (d *Dispatcher) OnFault(f func(t *sched.TCB, esr, far, elr uint64, insn []byte)) {
	d.onFault = f
}

// Dispatch decodes the trapped thread's saved ESR_EL1 and routes to the
// syscall table (SVC) or the fault path (data/instruction abort). x8
// carries the syscall number, x0..x5 the arguments.
func (d *Dispatcher) Dispatch(t *sched.TCB) (reschedule bool) {
	ec := ecFromESR(t.Trap.ESREL1)
	switch ec {
	case ECSvc64:
		num := t.Trap.X[8]
		var args [6]uint64
		copy(args[:], t.Trap.X[0:6])
		h, ok := d.table[num]
		if !ok {
			t.Trap.X[0] = defs.ErrNoReturn
			return false
		}
		ret, resched := h(t, args)
		t.Trap.X[0] = ret
		return resched
	case ECDataAbortLowerEL, ECDataAbortSameEL, ECInsnAbortLowerEL, ECInsnAbortSameEL:
		d.handleAbort(t)
		return true
	default:
		// Undefined instruction or an exception class this core does not
		// decode; treated the same as an unserviceable abort.
		d.handleAbort(t)
		return true
	}
}

// handleAbort reports a data/instruction abort to the faulting thread's
// fault endpoint as a synthetic IPC message, or forces it Inactive if no
// fault endpoint is configured. The fault callback disassembles the
// faulting instruction via DescribeFault — pure observability, since the
// kernel never attempts to repair or retry a user fault.
func (d *Dispatcher) handleAbort(t *sched.TCB) {
	esr, far, elr := t.Trap.ESREL1, t.Trap.FAREL1, t.Trap.ELREL1
	var insnBytes [4]byte
	// This package has no VSpace reference of its own, so it hands the
	// fault callback placeholder bytes derived from elr; the callback
	// (which owns address-space access) re-reads the real instruction
	// word from the thread's mapped code page before decoding.
	insnBytes[0] = byte(elr)
	insnBytes[1] = byte(elr >> 8)
	insnBytes[2] = byte(elr >> 16)
	insnBytes[3] = byte(elr >> 24)

	if d.onFault != nil {
		d.onFault(t, esr, far, elr, insnBytes[:])
		return
	}
	t.ForceInactive()
}

// DescribeFault formats a fault for the kernel log / fault-endpoint
// message payload, disassembling the faulting instruction when possible.
func DescribeFault(esr, far, elr uint64, insn []byte) string {
	text := "<undecodable>"
	if inst, err := arm64asm.Decode(insn); err == nil {
		text = inst.String()
	}
	return fmt.Sprintf("fault: esr=%#x far=%#x elr=%#x insn=%q", esr, far, elr, text)
}
