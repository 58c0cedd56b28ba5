package defs

import "sync/atomic"

// Compile-time kernel limits: a single set of named bounds built once at
// package init and consulted throughout the kernel, rather than
// scattered magic numbers.
const (
	PageShift uint = 12
	PageSize  int  = 1 << PageShift

	// MaxUntypedRegions/MaxDeviceRegions/MaxInitialCaps mirror the
	// BootInfo layout fixed arrays.
	MaxUntypedRegions = 128
	MaxDeviceRegions  = 32
	MaxInitialCaps    = 256

	// MaxPriority is the highest schedulable priority; priorities run
	// 0..=255.
	MaxPriority = 255
	NumPriorities = MaxPriority + 1

	// CNode slot-count bounds: size_bits in [4, 12].
	MinCNodeSizeBits = 4
	MaxCNodeSizeBits = 12

	// CDTPoolSize is the fixed capacity of the capability-derivation-tree
	// bump pool.
	CDTPoolSize = 4096

	// DefaultTimeSlice is the number of ticks a thread runs before the
	// scheduler preempts it.
	DefaultTimeSlice = 10

	// MaxMsgRegisters/MaxMsgCaps bound an IPC message's message-register
	// and capability-transfer payload. Fixed arrays, generous enough
	// for every protocol the components speak.
	MaxMsgRegisters = 32
	MaxMsgCaps      = 4

	// IRQMax is the highest IRQ number the GIC dispatch table indexes;
	// ARM GICv2 commonly exposes up to 1020 SPIs. MkSysLimit's
	// IRQHandlers budget below is a separate figure (1024).
	IRQMax = 1020
)

// Sysatomic_t is a budget counter that lets a bounded resource fail
// cleanly with NotEnoughMemory instead of overrunning a fixed-size
// array; IRQControl draws its handler claims from one. It is a plain
// int64 guarded by atomic add/sub with take/give semantics.
type Sysatomic_t int64

// Take attempts to reserve n units, returning false (and leaving the
// counter unchanged) if that would make it negative.
func (s *Sysatomic_t) Take(n int64) bool {
	if n < 0 {
		panic("negative take")
	}
	if atomic.AddInt64((*int64)(s), -n) >= 0 {
		return true
	}
	atomic.AddInt64((*int64)(s), n)
	return false
}

// Give releases n units back to the counter.
func (s *Sysatomic_t) Give(n int64) {
	if n < 0 {
		panic("negative give")
	}
	atomic.AddInt64((*int64)(s), n)
}

// Remaining reports the current counter value.
func (s *Sysatomic_t) Remaining() int64 {
	return atomic.LoadInt64((*int64)(s))
}

// Syslimit_t is the process-wide instance of kernel object budgets.
type Syslimit_t struct {
	CDTNodes   Sysatomic_t
	IRQHandlers Sysatomic_t
}

// MkSysLimit returns the default budget set.
func MkSysLimit() *Syslimit_t {
	sl := &Syslimit_t{}
	sl.CDTNodes.Give(CDTPoolSize)
	// ARM GICv2/v3 commonly expose up to 1020 SPIs; this core supports a
	// generous but bounded table so IRQControl_Get can reject exhaustion
	// cleanly instead of growing a map without limit.
	sl.IRQHandlers.Give(1024)
	return sl
}

// Syslimit is the global kernel limits instance.
var Syslimit = MkSysLimit()
